package series

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"gonum.org/v1/gonum/mat"

	"reapply/internal/core"
)

// Ext is the file extension used for series artifacts.
const Ext = ".series"

var magic = [8]byte{'R', 'S', 'E', 'R', 'I', 'E', 'S', '1'}

// ErrBadMagic is returned when a file is not a series artifact.
var ErrBadMagic = errors.New("not a series file")

// Encode writes s as: magic, TR (float64 little-endian), gonum Dense binary.
func Encode(w io.Writer, s *Series) error {
	if err := requireNonEmpty(s, "series"); err != nil {
		return err
	}
	if _, err := w.Write(magic[:]); err != nil {
		return err
	}
	var tr [8]byte
	binary.LittleEndian.PutUint64(tr[:], math.Float64bits(s.TR))
	if _, err := w.Write(tr[:]); err != nil {
		return err
	}
	_, err := s.Data.MarshalBinaryTo(w)
	return err
}

// Decode reads a series written by Encode.
func Decode(r io.Reader) (*Series, error) {
	var head [16]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if [8]byte(head[:8]) != magic {
		return nil, ErrBadMagic
	}
	tr := math.Float64frombits(binary.LittleEndian.Uint64(head[8:]))
	var d mat.Dense
	if _, err := d.UnmarshalBinaryFrom(r); err != nil {
		return nil, fmt.Errorf("decode matrix: %w", err)
	}
	return New(&d, tr), nil
}

// ReadTR returns the sampling interval stored in the header of path without
// decoding the matrix.
func ReadTR(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	var head [16]byte
	if _, err := io.ReadFull(f, head[:]); err != nil {
		return 0, fmt.Errorf("read header of %s: %w", path, err)
	}
	if [8]byte(head[:8]) != magic {
		return 0, fmt.Errorf("%s: %w", path, ErrBadMagic)
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(head[8:])), nil
}

// Read loads the series artifact at path.
func Read(path string) (*Series, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	s, err := Decode(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return s, nil
}

// Write stores s at path atomically, creating parent directories.
func Write(path string, s *Series) error {
	err := core.WriteAtomic(path, 0o644, func(w io.Writer) error {
		return Encode(w, s)
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
