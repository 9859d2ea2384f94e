// Package trace records what every cached step of an invocation did, in a
// canonical form that does not depend on timing or per-run parallelism.
package trace

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Kind is the stable discriminator of an Event. The values are part of the
// canonical bytes; do not rename.
type Kind string

const (
	KindComputed Kind = "computed"
	KindAdopted  Kind = "adopted"
	KindHit      Kind = "hit"
	KindFailed   Kind = "failed"
)

// Event is one finished step.
//
// No timestamps, durations or error strings: two invocations that make the
// same decisions produce the same events.
type Event struct {
	Kind     Kind   `json:"kind"`
	Stage    string `json:"stage"`
	Modality string `json:"modality,omitempty"`
	RunID    string `json:"run,omitempty"`
	KeyHash  string `json:"key,omitempty"`
}

// Trace is the canonical record of one invocation.
//
// ChainHash identifies the requested chain (runs, highpass, backend); it is
// computed by the producer.
type Trace struct {
	ChainHash string  `json:"chainHash"`
	Events    []Event `json:"events"`
}

// Validate checks basic invariants.
func (t *Trace) Validate() error {
	if t == nil {
		return errors.New("trace is nil")
	}
	if t.ChainHash == "" {
		return errors.New("chainHash is required")
	}
	for i, e := range t.Events {
		if e.Kind == "" {
			return fmt.Errorf("events[%d].kind is required", i)
		}
		if e.Stage == "" {
			return fmt.Errorf("events[%d].stage is required", i)
		}
	}
	return nil
}

// Canonicalize sorts events by (modality, stage order, run, kind).
func (t *Trace) Canonicalize() {
	if t == nil {
		return
	}
	sort.SliceStable(t.Events, func(i, j int) bool {
		a, b := t.Events[i], t.Events[j]
		if a.Modality != b.Modality {
			return a.Modality < b.Modality
		}
		if stageOrder(a.Stage) != stageOrder(b.Stage) {
			return stageOrder(a.Stage) < stageOrder(b.Stage)
		}
		if a.Stage != b.Stage {
			return a.Stage < b.Stage
		}
		if a.RunID != b.RunID {
			return a.RunID < b.RunID
		}
		return a.Kind < b.Kind
	})
}

// stageOrder follows the reapplication chain.
func stageOrder(stage string) int {
	switch stage {
	case "demean":
		return 10
	case "normalize":
		return 20
	case "merge":
		return 30
	case "restore-scale":
		return 40
	case "motion":
		return 50
	case "cleanup":
		return 60
	case "pooled-clean":
		return 70
	case "split":
		return 80
	case "rescale":
		return 90
	case "provenance":
		return 100
	default:
		return 1000
	}
}

// CanonicalJSON returns the canonical encoding of a canonicalized copy of t.
func (t Trace) CanonicalJSON() ([]byte, error) {
	cp := Trace{ChainHash: t.ChainHash, Events: make([]Event, len(t.Events))}
	copy(cp.Events, t.Events)
	cp.Canonicalize()
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(cp)
}

// Hash returns the sha256 hex digest of the canonical encoding.
func (t Trace) Hash() (string, error) {
	b, err := t.CanonicalJSON()
	if err != nil {
		return "", err
	}
	return Digest(b), nil
}

// Digest is the sha256 hex digest of b, or "" for empty input.
func Digest(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
