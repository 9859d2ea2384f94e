package series

import (
	"math"
	"strconv"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"reapply/internal/failure"
)

// Demean removes the temporal mean of every spatial unit. It returns the
// demeaned series and the 1×S mean map.
func Demean(s *Series) (demeaned, mean *Series, err error) {
	if err := requireNonEmpty(s, "series"); err != nil {
		return nil, nil, err
	}
	t, units := s.Data.Dims()
	m := make([]float64, units)
	for i := 0; i < t; i++ {
		floats.Add(m, s.Data.RawRowView(i))
	}
	floats.Scale(1/float64(t), m)

	out := mat.DenseCopyOf(s.Data)
	for i := 0; i < t; i++ {
		floats.Sub(out.RawRowView(i), m)
	}
	return New(out, s.TR), New(mat.NewDense(1, units, m), 0), nil
}

// Pool averages per-run maps elementwise into a single map.
func Pool(maps []*Series) (*Series, error) {
	if len(maps) == 0 {
		return nil, failure.Shapef("no maps to pool")
	}
	if err := requireNonEmpty(maps[0], "map 1"); err != nil {
		return nil, err
	}
	units := maps[0].Units()
	acc := make([]float64, units)
	for i, m := range maps {
		if err := requireMap(m, units, mapName(i)); err != nil {
			return nil, err
		}
		floats.Add(acc, m.Data.RawRowView(0))
	}
	floats.Scale(1/float64(len(maps)), acc)
	return New(mat.NewDense(1, units, acc), 0), nil
}

// RestoreScale multiplies every timepoint of a variance-normalized series by
// the pooled VN map, giving the cleanup step physically scaled data.
func RestoreScale(s, pooledVN *Series) (*Series, error) {
	if err := requireNonEmpty(s, "series"); err != nil {
		return nil, err
	}
	if err := requireMap(pooledVN, s.Units(), "pooled VN map"); err != nil {
		return nil, err
	}
	vn := pooledVN.Data.RawRowView(0)
	out := mat.DenseCopyOf(s.Data)
	for i := 0; i < s.Len(); i++ {
		floats.Mul(out.RawRowView(i), vn)
	}
	return New(out, s.TR), nil
}

// Rescale reverses pooling for one run segment:
//
//	((segment / pooledVN) * runVN) + runMean
//
// Units whose pooled VN is zero carry no signal; their output is runMean.
func Rescale(segment, runVN, pooledVN, runMean *Series) (*Series, error) {
	if err := requireNonEmpty(segment, "segment"); err != nil {
		return nil, err
	}
	units := segment.Units()
	for _, chk := range []struct {
		m    *Series
		what string
	}{{runVN, "run VN map"}, {pooledVN, "pooled VN map"}, {runMean, "run mean map"}} {
		if err := requireMap(chk.m, units, chk.what); err != nil {
			return nil, err
		}
	}

	pooled := pooledVN.Data.RawRowView(0)
	own := runVN.Data.RawRowView(0)
	mean := runMean.Data.RawRowView(0)

	out := mat.DenseCopyOf(segment.Data)
	for i := 0; i < segment.Len(); i++ {
		row := out.RawRowView(i)
		for j, v := range row {
			if pooled[j] == 0 {
				row[j] = mean[j]
				continue
			}
			row[j] = (v/pooled[j])*own[j] + mean[j]
		}
	}
	return New(out, segment.TR), nil
}

// AddMap adds a 1×S map to every timepoint of s.
func AddMap(s, m *Series) (*Series, error) {
	if err := requireNonEmpty(s, "series"); err != nil {
		return nil, err
	}
	if err := requireMap(m, s.Units(), "map"); err != nil {
		return nil, err
	}
	row := m.Data.RawRowView(0)
	out := mat.DenseCopyOf(s.Data)
	for i := 0; i < s.Len(); i++ {
		floats.Add(out.RawRowView(i), row)
	}
	return New(out, s.TR), nil
}

// TemporalMean returns the largest absolute per-unit temporal mean of s. It is
// used to check demeaned data.
func TemporalMean(s *Series) float64 {
	if s.empty() {
		return 0
	}
	_, m, err := Demean(s)
	if err != nil {
		return math.NaN()
	}
	worst := 0.0
	for _, v := range m.Data.RawRowView(0) {
		worst = math.Max(worst, math.Abs(v))
	}
	return worst
}

func mapName(i int) string {
	return "map " + strconv.Itoa(i+1)
}

// DivideMap divides every timepoint of s by the 1×S map m. Units where m is
// zero are set to zero.
func DivideMap(s, m *Series) (*Series, error) {
	if err := requireNonEmpty(s, "series"); err != nil {
		return nil, err
	}
	if err := requireMap(m, s.Units(), "map"); err != nil {
		return nil, err
	}
	div := m.Data.RawRowView(0)
	out := mat.DenseCopyOf(s.Data)
	for i := 0; i < s.Len(); i++ {
		row := out.RawRowView(i)
		for j := range row {
			if div[j] == 0 {
				row[j] = 0
				continue
			}
			row[j] /= div[j]
		}
	}
	return New(out, s.TR), nil
}
