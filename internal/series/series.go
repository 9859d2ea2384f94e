// Package series implements the reversible arithmetic at the center of the
// multi-run cleanup: demeaning, concatenation with a run manifest, pooling of
// per-run maps, pooled-scale restoration, splitting and per-run rescaling.
//
// A Series is a T×S matrix: rows are timepoints, columns are spatial units
// (voxels or vertices). A map (mean map, VN map) is a Series with a single row.
//
// # Invariants
//
//   - Concatenate keeps caller order and records a contiguous, 1-based manifest.
//   - Split(Concatenate(R)) returns R bit-for-bit.
//   - Rescale(RestoreScale(x, vn), vn, vn, mean) == x + mean up to round-off.
package series

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"reapply/internal/failure"
)

// Series is an immutable time series or map. Callers must not mutate Data
// after handing it to this package; every operation returns fresh matrices.
type Series struct {
	// Data holds T rows (timepoints) by S columns (spatial units).
	Data *mat.Dense

	// TR is the sampling interval in seconds. Maps carry 0.
	TR float64
}

// New wraps data as a Series.
func New(data *mat.Dense, tr float64) *Series {
	return &Series{Data: data, TR: tr}
}

// FromRows builds a Series from row slices. It is mainly a convenience for
// tests and small tables.
func FromRows(tr float64, rows ...[]float64) *Series {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return &Series{TR: tr}
	}
	s := len(rows[0])
	data := make([]float64, 0, len(rows)*s)
	for _, r := range rows {
		data = append(data, r...)
	}
	return New(mat.NewDense(len(rows), s, data), tr)
}

// Len returns the number of timepoints.
func (s *Series) Len() int {
	if s.empty() {
		return 0
	}
	r, _ := s.Data.Dims()
	return r
}

// Units returns the number of spatial units.
func (s *Series) Units() int {
	if s.empty() {
		return 0
	}
	_, c := s.Data.Dims()
	return c
}

// IsMap reports whether s has exactly one row.
func (s *Series) IsMap() bool { return s.Len() == 1 }

func (s *Series) empty() bool {
	return s == nil || s.Data == nil || s.Data.IsEmpty()
}

// Equal reports whether a and b have identical shape, TR and elements.
func Equal(a, b *Series) bool {
	if a.empty() || b.empty() {
		return a.empty() && b.empty()
	}
	return a.TR == b.TR && mat.Equal(a.Data, b.Data)
}

// EqualApprox is Equal with an absolute/relative element tolerance.
func EqualApprox(a, b *Series, tol float64) bool {
	if a.empty() || b.empty() {
		return a.empty() && b.empty()
	}
	return math.Abs(a.TR-b.TR) <= tol && mat.EqualApprox(a.Data, b.Data, tol)
}

func requireNonEmpty(s *Series, what string) error {
	if s.empty() {
		return failure.Shapef("%s is empty", what)
	}
	return nil
}

func requireMap(m *Series, units int, what string) error {
	if err := requireNonEmpty(m, what); err != nil {
		return err
	}
	if m.Len() != 1 {
		return failure.Shapef("%s must have one row, has %d", what, m.Len())
	}
	if m.Units() != units {
		return failure.Shapef("%s has %d units, series has %d", what, m.Units(), units)
	}
	return nil
}
