package trace

import "sync"

// Recorder is a concurrency-safe in-memory collector. Ordering is computed
// after collection, so recording order does not matter.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Record(e Event) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Snapshot returns a copy of all recorded events.
func (r *Recorder) Snapshot() []Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Trace builds a canonical Trace from the recorded events.
func (r *Recorder) Trace(chainHash string) Trace {
	tr := Trace{ChainHash: chainHash, Events: r.Snapshot()}
	tr.Canonicalize()
	return tr
}
