package series

import (
	"fmt"

	"reapply/internal/failure"
)

// Product selects which derived run product a merge operates on.
type Product string

const (
	ProductRaw      Product = "raw"
	ProductDemeaned Product = "demeaned"
	ProductVNSeries Product = "vn-series"
	ProductVNMap    Product = "vn-map"
	ProductMeanMap  Product = "mean-map"
)

// IsMap reports whether the product has no temporal axis. Map products are
// pooled rather than concatenated.
func (p Product) IsMap() bool {
	return p == ProductVNMap || p == ProductMeanMap
}

// ParseProduct validates a product name.
func ParseProduct(raw string) (Product, error) {
	switch p := Product(raw); p {
	case ProductRaw, ProductDemeaned, ProductVNSeries, ProductVNMap, ProductMeanMap:
		return p, nil
	default:
		return "", failure.Configf("unknown merge product %q", raw)
	}
}

// Merged is the result of a merge. Manifest is nil for map products.
type Merged struct {
	Product  Product
	Series   *Series
	Manifest Manifest
}

// Merge concatenates time-series products or pools map products.
func Merge(p Product, ids []string, parts []*Series) (*Merged, error) {
	if _, err := ParseProduct(string(p)); err != nil {
		return nil, err
	}
	if p.IsMap() {
		if len(ids) != len(parts) {
			return nil, failure.Shapef("%d run ids for %d maps", len(ids), len(parts))
		}
		pooled, err := Pool(parts)
		if err != nil {
			return nil, fmt.Errorf("pool %s: %w", p, err)
		}
		return &Merged{Product: p, Series: pooled}, nil
	}
	s, m, err := Concatenate(ids, parts)
	if err != nil {
		return nil, fmt.Errorf("concatenate %s: %w", p, err)
	}
	return &Merged{Product: p, Series: s, Manifest: m}, nil
}
