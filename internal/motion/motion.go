// Package motion concatenates per-run motion regressor tables for
// motion-regressed cleanup.
package motion

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"reapply/internal/core"
	"reapply/internal/failure"
	"reapply/internal/series"
)

// Table is a motion regressor table: rows are timepoints, columns channels.
type Table struct {
	Data *mat.Dense
}

// Rows returns the number of timepoints.
func (t *Table) Rows() int {
	r, _ := t.Data.Dims()
	return r
}

// Parse reads a whitespace-separated numeric table. Blank lines and lines
// starting with '#' are skipped.
func Parse(r io.Reader) (*Table, error) {
	var (
		values []float64
		cols   int
		rows   int
	)
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if cols == 0 {
			cols = len(fields)
		} else if len(fields) != cols {
			return nil, failure.Shapef("motion table line %d has %d columns, want %d", line, len(fields), cols)
		}
		for _, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("motion table line %d: %w", line, err)
			}
			values = append(values, v)
		}
		rows++
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, failure.Shapef("motion table is empty")
	}
	return &Table{Data: mat.NewDense(rows, cols, values)}, nil
}

// Load reads the table at path.
func Load(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, failure.Prerequisitef("motion", "motion table %s does not exist", path)
		}
		return nil, err
	}
	defer f.Close()
	t, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// Demean subtracts each column's mean.
func (t *Table) Demean() *Table {
	r, c := t.Data.Dims()
	out := mat.NewDense(r, c, nil)
	col := make([]float64, r)
	for j := 0; j < c; j++ {
		mat.Col(col, j, t.Data)
		m := stat.Mean(col, nil)
		for i := 0; i < r; i++ {
			out.Set(i, j, col[i]-m)
		}
	}
	return &Table{Data: out}
}

// Concatenate demeans each run's table and stacks them in manifest order.
// Every table must have the run's manifest length and the same channel count.
func Concatenate(m series.Manifest, tables map[string]*Table) (*Table, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	var cols int
	for _, seg := range m {
		t, ok := tables[seg.RunID]
		if !ok {
			return nil, failure.Prerequisitef("motion", "no motion table for run %s", seg.RunID)
		}
		r, c := t.Data.Dims()
		if r != seg.Length {
			return nil, failure.Shapef("run %s motion table has %d rows, manifest says %d", seg.RunID, r, seg.Length)
		}
		if cols == 0 {
			cols = c
		} else if c != cols {
			return nil, failure.Shapef("run %s motion table has %d columns, want %d", seg.RunID, c, cols)
		}
	}
	out := mat.NewDense(m.Total(), cols, nil)
	for _, seg := range m {
		d := tables[seg.RunID].Demean()
		view := out.Slice(seg.Start-1, seg.End(), 0, cols).(*mat.Dense)
		view.Copy(d.Data)
	}
	return &Table{Data: out}, nil
}

// Format renders t with one row per line.
func (t *Table) Format() []byte {
	var b bytes.Buffer
	r, c := t.Data.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if j > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(strconv.FormatFloat(t.Data.At(i, j), 'g', -1, 64))
		}
		b.WriteByte('\n')
	}
	return b.Bytes()
}

// Write stores t at path atomically.
func Write(path string, t *Table) error {
	return core.WriteFileAtomic(path, t.Format(), 0o644)
}
