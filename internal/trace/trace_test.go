package trace

import (
	"bytes"
	"sync"
	"testing"
)

func TestCanonicalTraceStability_ByteForByte(t *testing.T) {
	trace1 := Trace{
		ChainHash: "chain-abc",
		Events: []Event{
			{Kind: KindComputed, Stage: "merge", Modality: "surface"},
			{Kind: KindHit, Stage: "normalize", Modality: "surface", RunID: "run2"},
			{Kind: KindHit, Stage: "normalize", Modality: "surface", RunID: "run1"},
		},
	}
	trace2 := Trace{
		ChainHash: "chain-abc",
		Events: []Event{
			{Kind: KindHit, Stage: "normalize", Modality: "surface", RunID: "run1"},
			{Kind: KindComputed, Stage: "merge", Modality: "surface"},
			{Kind: KindHit, Stage: "normalize", Modality: "surface", RunID: "run2"},
		},
	}

	b1, err := trace1.CanonicalJSON()
	if err != nil {
		t.Fatalf("canonical json (1): %v", err)
	}
	b2, err := trace2.CanonicalJSON()
	if err != nil {
		t.Fatalf("canonical json (2): %v", err)
	}
	if !bytes.Equal(b1, b2) {
		t.Fatalf("expected identical bytes\n1=%s\n2=%s", string(b1), string(b2))
	}
}

func TestCanonicalOrdering_FollowsChain(t *testing.T) {
	tr := Trace{
		ChainHash: "c",
		Events: []Event{
			{Kind: KindComputed, Stage: "rescale", Modality: "surface", RunID: "a"},
			{Kind: KindComputed, Stage: "provenance"},
			{Kind: KindComputed, Stage: "demean", Modality: "surface", RunID: "a"},
		},
	}
	b, err := tr.CanonicalJSON()
	if err != nil {
		t.Fatalf("canonical json: %v", err)
	}
	expected := `{"chainHash":"c","events":[` +
		`{"kind":"computed","stage":"provenance"},` +
		`{"kind":"computed","stage":"demean","modality":"surface","run":"a"},` +
		`{"kind":"computed","stage":"rescale","modality":"surface","run":"a"}]}`
	if string(b) != expected {
		t.Fatalf("unexpected canonical bytes\nexpected=%s\nactual  =%s", expected, string(b))
	}
}

func TestCanonicalJSON_DoesNotMutate(t *testing.T) {
	tr := Trace{ChainHash: "c", Events: []Event{
		{Kind: KindHit, Stage: "split", Modality: "volume"},
		{Kind: KindHit, Stage: "merge", Modality: "volume"},
	}}
	if _, err := tr.CanonicalJSON(); err != nil {
		t.Fatalf("canonical json: %v", err)
	}
	if tr.Events[0].Stage != "split" {
		t.Fatalf("caller's events were reordered: %+v", tr.Events)
	}
}

func TestHash_IgnoresInsertionOrder(t *testing.T) {
	tr1 := Trace{ChainHash: "c", Events: []Event{
		{Kind: KindComputed, Stage: "cleanup", Modality: "surface", KeyHash: "k2"},
		{Kind: KindHit, Stage: "merge", Modality: "surface", KeyHash: "k1"},
	}}
	tr2 := Trace{ChainHash: "c", Events: []Event{tr1.Events[1], tr1.Events[0]}}

	h1, err := tr1.Hash()
	if err != nil {
		t.Fatalf("hash (1): %v", err)
	}
	h2, err := tr2.Hash()
	if err != nil {
		t.Fatalf("hash (2): %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected equal hash, got %q != %q", h1, h2)
	}

	tr2.Events[0].Kind = KindComputed
	h3, err := tr2.Hash()
	if err != nil {
		t.Fatalf("hash (3): %v", err)
	}
	if h3 == h1 {
		t.Fatalf("expected a different hash when an outcome changes")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		tr   Trace
	}{
		{"missing chain hash", Trace{Events: []Event{{Kind: KindHit, Stage: "merge"}}}},
		{"missing kind", Trace{ChainHash: "c", Events: []Event{{Stage: "merge"}}}},
		{"missing stage", Trace{ChainHash: "c", Events: []Event{{Kind: KindHit}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tc.tr.CanonicalJSON(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestRecorder_ConcurrentRecording(t *testing.T) {
	r := NewRecorder()
	var wg sync.WaitGroup
	for _, run := range []string{"run3", "run1", "run2"} {
		run := run
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Record(Event{Kind: KindComputed, Stage: "normalize", Modality: "surface", RunID: run})
		}()
	}
	wg.Wait()

	tr := r.Trace("c")
	if len(tr.Events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(tr.Events))
	}
	for i, want := range []string{"run1", "run2", "run3"} {
		if tr.Events[i].RunID != want {
			t.Fatalf("events[%d].run = %q, want %q", i, tr.Events[i].RunID, want)
		}
	}
}

func TestDigest_Empty(t *testing.T) {
	if Digest(nil) != "" {
		t.Fatalf("expected empty digest for empty input")
	}
}
