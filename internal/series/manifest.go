package series

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"gonum.org/v1/gonum/mat"

	"reapply/internal/core"
	"reapply/internal/failure"
)

// Segment records where one run sits inside a concatenated series. Start is
// 1-based, matching how run ranges are reported to users.
type Segment struct {
	RunID  string `json:"run_id"`
	Start  int    `json:"start"`
	Length int    `json:"length"`
}

// End returns the 1-based inclusive last timepoint of the segment.
func (s Segment) End() int { return s.Start + s.Length - 1 }

// Manifest is the ordered offset table produced by Concatenate.
type Manifest []Segment

// Total returns the summed length of all segments.
func (m Manifest) Total() int {
	n := 0
	for _, s := range m {
		n += s.Length
	}
	return n
}

// RunIDs returns run identifiers in manifest order.
func (m Manifest) RunIDs() []string {
	ids := make([]string, len(m))
	for i, s := range m {
		ids[i] = s.RunID
	}
	return ids
}

// Find returns the segment for runID.
func (m Manifest) Find(runID string) (Segment, bool) {
	for _, s := range m {
		if s.RunID == runID {
			return s, true
		}
	}
	return Segment{}, false
}

// Validate checks that segments start at 1, are contiguous, have positive
// length and unique run ids.
func (m Manifest) Validate() error {
	if len(m) == 0 {
		return failure.Shapef("manifest is empty")
	}
	seen := make(map[string]struct{}, len(m))
	next := 1
	for i, s := range m {
		if strings.TrimSpace(s.RunID) == "" {
			return failure.Shapef("manifest segment %d has no run id", i+1)
		}
		if _, dup := seen[s.RunID]; dup {
			return failure.Shapef("manifest lists run %q twice", s.RunID)
		}
		seen[s.RunID] = struct{}{}
		if s.Length <= 0 {
			return failure.Shapef("manifest segment %q has length %d", s.RunID, s.Length)
		}
		if s.Start != next {
			return failure.Shapef("manifest segment %q starts at %d, expected %d", s.RunID, s.Start, next)
		}
		next += s.Length
	}
	return nil
}

// Concatenate joins parts along the time axis in the order given. ids[i]
// names parts[i]. All parts must share the spatial size and TR.
func Concatenate(ids []string, parts []*Series) (*Series, Manifest, error) {
	if len(parts) == 0 {
		return nil, nil, failure.Shapef("no runs to concatenate")
	}
	if len(ids) != len(parts) {
		return nil, nil, failure.Shapef("%d run ids for %d series", len(ids), len(parts))
	}
	if err := requireNonEmpty(parts[0], "run "+ids[0]); err != nil {
		return nil, nil, err
	}
	units, tr := parts[0].Units(), parts[0].TR

	manifest := make(Manifest, len(parts))
	start := 1
	for i, p := range parts {
		if err := requireNonEmpty(p, "run "+ids[i]); err != nil {
			return nil, nil, err
		}
		if p.Units() != units {
			return nil, nil, failure.Shapef("run %q has %d units, run %q has %d", ids[i], p.Units(), ids[0], units)
		}
		if p.TR != tr {
			return nil, nil, failure.Shapef("run %q has TR %g, run %q has %g", ids[i], p.TR, ids[0], tr)
		}
		manifest[i] = Segment{RunID: ids[i], Start: start, Length: p.Len()}
		start += p.Len()
	}
	if err := manifest.Validate(); err != nil {
		return nil, nil, err
	}

	out := mat.NewDense(manifest.Total(), units, nil)
	for i, p := range parts {
		seg := manifest[i]
		view := out.Slice(seg.Start-1, seg.End(), 0, units).(*mat.Dense)
		view.Copy(p.Data)
	}
	return New(out, tr), manifest, nil
}

// Split slices s back into per-run segments in manifest order.
func Split(s *Series, m Manifest) ([]*Series, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if err := requireNonEmpty(s, "concatenated series"); err != nil {
		return nil, err
	}
	if m.Total() != s.Len() {
		return nil, failure.Shapef("manifest covers %d timepoints, series has %d", m.Total(), s.Len())
	}
	units := s.Units()
	out := make([]*Series, len(m))
	for i, seg := range m {
		view := s.Data.Slice(seg.Start-1, seg.End(), 0, units)
		out[i] = New(mat.DenseCopyOf(view), s.TR)
	}
	return out, nil
}

// WriteManifest persists m as indented JSON.
func WriteManifest(path string, m Manifest) error {
	if err := m.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return core.WriteFileAtomic(path, append(data, '\n'), 0o644)
}

// ReadManifest loads and validates a manifest written by WriteManifest.
func ReadManifest(path string) (Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		return nil, fmt.Errorf("parse manifest %s: trailing data", path)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}
