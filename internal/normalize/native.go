package normalize

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"reapply/internal/failure"
	"reapply/internal/series"
)

// Native implements the highpass/VN contract in process.
//
// Filtering follows the Gaussian-weighted running-line scheme: each timepoint
// has a local linear fit with Gaussian weights of width sigma = cutoff/(2·TR)
// samples, truncated at 3 sigma, and the fitted value is subtracted.
// Detrend modes subtract a least-squares polynomial in time.
//
// The VN map is the temporal standard deviation of the filtered series.
// Constant units get a zero scale and a zero normalized series.
type Native struct{}

func (Native) Name() string { return "native" }

func (Native) Normalize(ctx context.Context, req Request) error {
	in, err := series.Read(req.Input)
	if err != nil {
		return failure.Prerequisitef("normalize", "reading %s: %v", req.Input, err)
	}
	if req.TR > 0 {
		in.TR = req.TR
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	filtered, err := Filter(in, req.HighPass)
	if err != nil {
		return err
	}
	vn := VNMap(filtered)
	normalized, err := series.DivideMap(filtered, vn)
	if err != nil {
		return err
	}
	if err := series.Write(req.OutSeries, normalized); err != nil {
		return fmt.Errorf("write normalized series: %w", err)
	}
	if err := series.Write(req.OutVNMap, vn); err != nil {
		return fmt.Errorf("write VN map: %w", err)
	}
	return nil
}

// Filter applies the highpass setting to s.
func Filter(s *series.Series, hp HighPass) (*series.Series, error) {
	if s == nil || s.Len() == 0 {
		return nil, failure.Shapef("cannot filter an empty series")
	}
	switch hp.Mode {
	case ModeFilter:
		if s.TR <= 0 {
			return nil, failure.Shapef("series has TR %g; filtering needs a positive TR", s.TR)
		}
		return runningLine(s, hp.Sigma(s.TR)), nil
	case ModeLinearDetrend, ModePolyDetrend:
		return polyDetrend(s, hp.Order)
	default:
		return nil, fmt.Errorf("unknown highpass mode %q", hp.Mode)
	}
}

// flatTol is the standard deviation below which a unit counts as constant.
const flatTol = 1e-9

// VNMap returns the per-unit temporal standard deviation of s as a 1×S map.
func VNMap(s *series.Series) *series.Series {
	t, units := s.Data.Dims()
	vn := make([]float64, units)
	if t > 1 {
		col := make([]float64, t)
		for j := 0; j < units; j++ {
			mat.Col(col, j, s.Data)
			sd := stat.StdDev(col, nil)
			if sd > flatTol && !math.IsNaN(sd) {
				vn[j] = sd
			}
		}
	}
	return series.New(mat.NewDense(1, units, vn), 0)
}

func runningLine(s *series.Series, sigma float64) *series.Series {
	t, units := s.Data.Dims()
	out := mat.NewDense(t, units, nil)
	if sigma <= 0 {
		return series.New(out, s.TR)
	}
	half := int(math.Ceil(3 * sigma))
	for i := 0; i < t; i++ {
		lo, hi := max(0, i-half), min(t-1, i+half)
		n := hi - lo + 1
		w := make([]float64, n)
		var sw, swx, swxx float64
		for k := 0; k < n; k++ {
			x := float64(lo + k - i)
			w[k] = math.Exp(-x * x / (2 * sigma * sigma))
			sw += w[k]
			swx += w[k] * x
			swxx += w[k] * x * x
		}
		den := sw*swxx - swx*swx
		row := out.RawRowView(i)
		for j := 0; j < units; j++ {
			var swy, swxy float64
			for k := 0; k < n; k++ {
				y := s.Data.At(lo+k, j)
				x := float64(lo + k - i)
				swy += w[k] * y
				swxy += w[k] * x * y
			}
			fit := swy / sw
			if math.Abs(den) > 1e-12 {
				fit = (swxx*swy - swx*swxy) / den
			}
			row[j] = s.Data.At(i, j) - fit
		}
	}
	return series.New(out, s.TR)
}

func polyDetrend(s *series.Series, order int) (*series.Series, error) {
	t, _ := s.Data.Dims()
	if order < 0 {
		return nil, failure.Shapef("polynomial order %d is negative", order)
	}
	if t < order+1 {
		return nil, failure.Shapef("cannot fit order-%d polynomial to %d timepoints", order, t)
	}
	x := mat.NewDense(t, order+1, nil)
	for i := 0; i < t; i++ {
		// Scale time to [-1, 1] to keep the design well conditioned.
		u := 0.0
		if t > 1 {
			u = 2*float64(i)/float64(t-1) - 1
		}
		p := 1.0
		for k := 0; k <= order; k++ {
			x.Set(i, k, p)
			p *= u
		}
	}
	var beta mat.Dense
	if err := beta.Solve(x, s.Data); err != nil {
		return nil, fmt.Errorf("polynomial fit: %w", err)
	}
	var fit mat.Dense
	fit.Mul(x, &beta)
	var resid mat.Dense
	resid.Sub(s.Data, &fit)
	return series.New(&resid, s.TR), nil
}
