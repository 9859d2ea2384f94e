package motion

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reapply/internal/failure"
	"reapply/internal/series"
)

func mustParse(t *testing.T, text string) *Table {
	t.Helper()
	tab, err := Parse(strings.NewReader(text))
	require.NoError(t, err)
	return tab
}

func TestParse(t *testing.T) {
	tab := mustParse(t, "# header\n1 2 3\n\n  4\t5 6\n")
	assert.Equal(t, 2, tab.Rows())
	assert.Equal(t, 5.0, tab.Data.At(1, 1))

	_, err := Parse(strings.NewReader("1 2\n3\n"))
	assert.ErrorIs(t, err, failure.ErrShapeMismatch)

	_, err = Parse(strings.NewReader("\n# nothing\n"))
	assert.ErrorIs(t, err, failure.ErrShapeMismatch)

	_, err = Parse(strings.NewReader("1 x\n"))
	assert.Error(t, err)
}

func TestConcatenate_DemeansPerRun(t *testing.T) {
	m := series.Manifest{{RunID: "a", Start: 1, Length: 2}, {RunID: "b", Start: 3, Length: 3}}
	tables := map[string]*Table{
		"a": mustParse(t, "1 10\n3 20\n"),
		"b": mustParse(t, "0 5\n3 5\n6 5\n"),
	}
	out, err := Concatenate(m, tables)
	require.NoError(t, err)
	assert.Equal(t, "-1 -5\n1 5\n-3 0\n0 0\n3 0\n", string(out.Format()))
}

func TestConcatenate_Rejections(t *testing.T) {
	m := series.Manifest{{RunID: "a", Start: 1, Length: 2}}

	_, err := Concatenate(m, map[string]*Table{})
	assert.ErrorIs(t, err, failure.ErrPrerequisiteMissing)

	_, err = Concatenate(m, map[string]*Table{"a": mustParse(t, "1\n2\n3\n")})
	assert.ErrorIs(t, err, failure.ErrShapeMismatch)

	m = append(m, series.Segment{RunID: "b", Start: 3, Length: 1})
	_, err = Concatenate(m, map[string]*Table{"a": mustParse(t, "1 1\n2 2\n"), "b": mustParse(t, "1\n")})
	assert.ErrorIs(t, err, failure.ErrShapeMismatch)
}

func TestLoadAndWrite(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(filepath.Join(dir, "Movement_Regressors.txt"))
	assert.ErrorIs(t, err, failure.ErrPrerequisiteMissing)

	path := filepath.Join(dir, "out", "Movement_Regressors_demean.txt")
	require.NoError(t, Write(path, mustParse(t, "0.5 -1\n2 3e-4\n")))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "0.5 -1\n2 0.0003\n", string(data))

	back, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, back.Rows())
}
