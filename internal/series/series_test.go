package series

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"pgregory.net/rapid"

	"reapply/internal/failure"
)

func ramp(t, units int, offset float64) *Series {
	data := make([]float64, t*units)
	for i := range data {
		data[i] = offset + float64(i)
	}
	return New(mat.NewDense(t, units, data), 0.72)
}

func TestDemean_ZeroTemporalMean(t *testing.T) {
	s := FromRows(0.8,
		[]float64{1, 10, -3},
		[]float64{2, 20, -3},
		[]float64{6, 30, -3},
	)
	d, m, err := Demean(s)
	require.NoError(t, err)

	assert.InDeltaSlice(t, []float64{3, 20, -3}, m.Data.RawRowView(0), 1e-12)
	assert.Less(t, TemporalMean(d), 1e-12)
	assert.Equal(t, 0.8, d.TR)
	assert.Equal(t, 0.0, m.TR)

	// Input is untouched.
	assert.Equal(t, 1.0, s.Data.At(0, 0))
}

func TestDemean_EmptyIsShapeMismatch(t *testing.T) {
	_, _, err := Demean(&Series{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, failure.ErrShapeMismatch))
}

func TestConcatenate_TwoRunScenario(t *testing.T) {
	run1 := ramp(300, 4, 0)
	run2 := ramp(250, 4, 1e4)

	cat, m, err := Concatenate([]string{"run1", "run2"}, []*Series{run1, run2})
	require.NoError(t, err)

	want := Manifest{{RunID: "run1", Start: 1, Length: 300}, {RunID: "run2", Start: 301, Length: 250}}
	if diff := cmp.Diff(want, m); diff != "" {
		t.Fatalf("manifest mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 550, cat.Len())
	assert.Equal(t, 550, m.Total())
	assert.Equal(t, 300, m[0].End())
	assert.Equal(t, 550, m[1].End())

	parts, err := Split(cat, m)
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.True(t, Equal(run1, parts[0]))
	assert.True(t, Equal(run2, parts[1]))
}

func TestConcatenate_RejectsMismatchedUnitsAndTR(t *testing.T) {
	_, _, err := Concatenate([]string{"a", "b"}, []*Series{ramp(3, 2, 0), ramp(3, 3, 0)})
	assert.True(t, errors.Is(err, failure.ErrShapeMismatch))

	other := ramp(3, 2, 0)
	other.TR = 2
	_, _, err = Concatenate([]string{"a", "b"}, []*Series{ramp(3, 2, 0), other})
	assert.True(t, errors.Is(err, failure.ErrShapeMismatch))

	_, _, err = Concatenate([]string{"a"}, []*Series{ramp(3, 2, 0), ramp(3, 2, 0)})
	assert.True(t, errors.Is(err, failure.ErrShapeMismatch))

	_, _, err = Concatenate([]string{"a", "a"}, []*Series{ramp(3, 2, 0), ramp(3, 2, 0)})
	assert.True(t, errors.Is(err, failure.ErrShapeMismatch))
}

func TestSplit_LengthMismatch(t *testing.T) {
	m := Manifest{{RunID: "a", Start: 1, Length: 5}}
	_, err := Split(ramp(4, 2, 0), m)
	require.Error(t, err)
	assert.True(t, errors.Is(err, failure.ErrShapeMismatch))
}

func TestManifest_Validate(t *testing.T) {
	cases := []struct {
		name string
		m    Manifest
		ok   bool
	}{
		{"contiguous", Manifest{{"a", 1, 2}, {"b", 3, 4}}, true},
		{"empty", nil, false},
		{"gap", Manifest{{"a", 1, 2}, {"b", 4, 4}}, false},
		{"zero-based", Manifest{{"a", 0, 2}}, false},
		{"zero-length", Manifest{{"a", 1, 0}}, false},
		{"duplicate", Manifest{{"a", 1, 2}, {"a", 3, 1}}, false},
		{"blank id", Manifest{{" ", 1, 2}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.m.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, failure.ErrShapeMismatch), "got %v", err)
			}
		})
	}
}

func TestManifest_FileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "concat_manifest.json")
	m := Manifest{{"rfMRI_REST1_LR", 1, 1200}, {"rfMRI_REST1_RL", 1201, 1200}}
	require.NoError(t, WriteManifest(path, m))

	got, err := ReadManifest(path)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(m, got))

	seg, ok := got.Find("rfMRI_REST1_RL")
	assert.True(t, ok)
	assert.Equal(t, 2400, seg.End())
	assert.Equal(t, []string{"rfMRI_REST1_LR", "rfMRI_REST1_RL"}, got.RunIDs())
}

func TestPool_AveragesMaps(t *testing.T) {
	a := FromRows(0, []float64{1, 2, 3})
	b := FromRows(0, []float64{3, 4, 5})
	p, err := Pool([]*Series{a, b})
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 3, 4}, p.Data.RawRowView(0))

	_, err = Pool([]*Series{a, ramp(2, 3, 0)})
	assert.True(t, errors.Is(err, failure.ErrShapeMismatch))

	_, err = Pool(nil)
	assert.True(t, errors.Is(err, failure.ErrShapeMismatch))
}

func TestMerge_MapProductsPool(t *testing.T) {
	a := FromRows(0, []float64{1, 1})
	b := FromRows(0, []float64{3, 5})
	m, err := Merge(ProductVNMap, []string{"a", "b"}, []*Series{a, b})
	require.NoError(t, err)
	assert.Nil(t, m.Manifest)
	assert.Equal(t, []float64{2, 3}, m.Series.Data.RawRowView(0))

	ts, err := Merge(ProductVNSeries, []string{"a", "b"}, []*Series{ramp(2, 2, 0), ramp(3, 2, 0)})
	require.NoError(t, err)
	assert.Equal(t, 5, ts.Manifest.Total())

	_, err = Merge(Product("bogus"), nil, nil)
	assert.True(t, errors.Is(err, failure.ErrConfiguration))
}

func TestRescale_ZeroPooledVNYieldsMean(t *testing.T) {
	seg := FromRows(1, []float64{4, 9}, []float64{-2, 9})
	runVN := FromRows(0, []float64{3, 7})
	pooled := FromRows(0, []float64{2, 0})
	mean := FromRows(0, []float64{100, 50})

	out, err := Rescale(seg, runVN, pooled, mean)
	require.NoError(t, err)
	assert.Equal(t, []float64{106, 50}, out.Data.RawRowView(0))
	assert.Equal(t, []float64{97, 50}, out.Data.RawRowView(1))
}

func TestRestoreScale_RejectsWrongMap(t *testing.T) {
	_, err := RestoreScale(ramp(3, 2, 0), FromRows(0, []float64{1, 2, 3}))
	assert.True(t, errors.Is(err, failure.ErrShapeMismatch))
}

func TestCodec_RoundTripBitIdentical(t *testing.T) {
	s := ramp(7, 3, -2.5)
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, s))

	got, err := Decode(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.True(t, Equal(s, got))

	path := filepath.Join(t.TempDir(), "nested", "x"+Ext)
	require.NoError(t, Write(path, s))
	fromDisk, err := Read(path)
	require.NoError(t, err)
	assert.True(t, Equal(s, fromDisk))

	_, err = Decode(bytes.NewReader([]byte("NOTSERIES0000000")))
	assert.ErrorIs(t, err, ErrBadMagic)
}

func drawRuns(t *rapid.T, units int) ([]string, []*Series) {
	n := rapid.IntRange(1, 5).Draw(t, "runs")
	ids := make([]string, n)
	parts := make([]*Series, n)
	for i := 0; i < n; i++ {
		length := rapid.IntRange(1, 16).Draw(t, fmt.Sprintf("len%d", i))
		vals := rapid.SliceOfN(rapid.Float64Range(-1e3, 1e3), length*units, length*units).Draw(t, fmt.Sprintf("vals%d", i))
		ids[i] = fmt.Sprintf("run%d", i+1)
		parts[i] = New(mat.NewDense(length, units, vals), 0.72)
	}
	return ids, parts
}

func TestProperty_SplitInvertsConcatenate(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		units := rapid.IntRange(1, 6).Draw(t, "units")
		ids, parts := drawRuns(t, units)

		cat, m, err := Concatenate(ids, parts)
		if err != nil {
			t.Fatalf("concatenate: %v", err)
		}
		if m.Total() != cat.Len() {
			t.Fatalf("manifest total %d != series length %d", m.Total(), cat.Len())
		}
		back, err := Split(cat, m)
		if err != nil {
			t.Fatalf("split: %v", err)
		}
		for i := range parts {
			if !Equal(parts[i], back[i]) {
				t.Fatalf("run %s not recovered bit-for-bit", ids[i])
			}
		}
	})
}

func TestProperty_DemeanHasZeroMean(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		_, parts := drawRuns(t, rapid.IntRange(1, 4).Draw(t, "units"))
		d, _, err := Demean(parts[0])
		if err != nil {
			t.Fatalf("demean: %v", err)
		}
		if worst := TemporalMean(d); worst > 1e-9 {
			t.Fatalf("temporal mean %g not ~0", worst)
		}
	})
}

func TestProperty_SingleRunRescaleIsInverse(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		units := rapid.IntRange(1, 5).Draw(t, "units")
		ids, parts := drawRuns(t, units)
		run := parts[0]

		vnVals := rapid.SliceOfN(rapid.Float64Range(0.1, 10), units, units).Draw(t, "vn")
		vn := New(mat.NewDense(1, units, vnVals), 0)

		demeaned, mean, err := Demean(run)
		if err != nil {
			t.Fatalf("demean: %v", err)
		}
		normalized, err := DivideMap(demeaned, vn)
		if err != nil {
			t.Fatalf("divide: %v", err)
		}
		merged, err := Merge(ProductVNSeries, ids[:1], []*Series{normalized})
		if err != nil {
			t.Fatalf("merge: %v", err)
		}
		pooled, err := Merge(ProductVNMap, ids[:1], []*Series{vn})
		if err != nil {
			t.Fatalf("pool: %v", err)
		}
		scaled, err := RestoreScale(merged.Series, pooled.Series)
		if err != nil {
			t.Fatalf("restore: %v", err)
		}
		segs, err := Split(scaled, merged.Manifest)
		if err != nil {
			t.Fatalf("split: %v", err)
		}
		got, err := Rescale(segs[0], vn, pooled.Series, mean)
		if err != nil {
			t.Fatalf("rescale: %v", err)
		}
		if !EqualApprox(run, got, 1e-9) {
			t.Fatalf("rescale did not invert the chain")
		}
	})
}
