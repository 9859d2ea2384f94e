package core

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"reapply/internal/failure"
)

type recordingObserver struct {
	outcomes []Outcome
}

func (o *recordingObserver) StepFinished(_ string, outcome Outcome, _ time.Duration) {
	o.outcomes = append(o.outcomes, outcome)
}

func writingStep(dir string, calls *int) Step {
	out := filepath.Join(dir, "run1_vn.series")
	return Step{
		Key:     ArtifactKey{Stage: "normalize", RunID: "run1", Params: map[string]string{"hp": "0"}},
		Outputs: []string{out},
		Compute: func(ctx context.Context) error {
			*calls++
			return os.WriteFile(out, []byte("artifact-v1"), 0o644)
		},
	}
}

func TestRunner_SecondRunIsHitAndBitIdentical(t *testing.T) {
	dir := t.TempDir()
	obs := &recordingObserver{}
	runner := NewRunner(NewMemoryCache(), nil)
	runner.Observer = obs

	calls := 0
	step := writingStep(dir, &calls)

	res1, err := runner.Do(context.Background(), step)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if res1.FromCache() {
		t.Error("first run should compute")
	}
	first, _ := os.ReadFile(step.Outputs[0])

	res2, err := runner.Do(context.Background(), step)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if res2.Outcome != OutcomeHit {
		t.Errorf("second run outcome = %s, want hit", res2.Outcome)
	}
	if calls != 1 {
		t.Errorf("compute ran %d times, want 1", calls)
	}
	second, _ := os.ReadFile(step.Outputs[0])
	if !bytes.Equal(first, second) {
		t.Error("artifact changed between runs")
	}
	if len(obs.outcomes) != 2 || obs.outcomes[0] != OutcomeComputed || obs.outcomes[1] != OutcomeHit {
		t.Errorf("observer saw %v", obs.outcomes)
	}
}

func TestRunner_AdoptsExistingOutputs(t *testing.T) {
	dir := t.TempDir()
	cache := NewMemoryCache()
	runner := NewRunner(cache, nil)

	calls := 0
	step := writingStep(dir, &calls)
	if err := os.WriteFile(step.Outputs[0], []byte("produced earlier"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	res, err := runner.Do(context.Background(), step)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if res.Outcome != OutcomeAdopted || calls != 0 {
		t.Fatalf("expected adoption without compute, got %s after %d calls", res.Outcome, calls)
	}
	entry, _ := cache.Get(res.Hash)
	if entry == nil || !entry.Adopted || len(entry.Digests) != 1 {
		t.Fatalf("adoption not recorded: %#v", entry)
	}
}

func TestRunner_RecomputesWhenOutputDeleted(t *testing.T) {
	dir := t.TempDir()
	runner := NewRunner(NewMemoryCache(), nil)

	calls := 0
	step := writingStep(dir, &calls)
	if _, err := runner.Do(context.Background(), step); err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if err := os.Remove(step.Outputs[0]); err != nil {
		t.Fatalf("remove: %v", err)
	}
	res, err := runner.Do(context.Background(), step)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if res.Outcome != OutcomeComputed || calls != 2 {
		t.Errorf("expected recompute, got %s after %d calls", res.Outcome, calls)
	}
}

func TestRunner_MissingPrerequisiteIsFatal(t *testing.T) {
	dir := t.TempDir()
	runner := NewRunner(NewMemoryCache(), nil)

	calls := 0
	step := writingStep(dir, &calls)
	step.Prerequisites = []string{filepath.Join(dir, "run1.series")}

	_, err := runner.Do(context.Background(), step)
	if !errors.Is(err, failure.ErrPrerequisiteMissing) {
		t.Fatalf("expected prerequisite error, got %v", err)
	}
	if calls != 0 {
		t.Error("compute ran despite missing prerequisite")
	}
}

func TestRunner_MissingOutputIsExternalFailure(t *testing.T) {
	runner := NewRunner(NewMemoryCache(), nil)
	step := Step{
		Key:     ArtifactKey{Stage: "clean"},
		Outputs: []string{filepath.Join(t.TempDir(), "never.series")},
		Compute: func(context.Context) error { return nil },
	}
	_, err := runner.Do(context.Background(), step)
	if !errors.Is(err, failure.ErrExternalTool) {
		t.Fatalf("expected external tool failure, got %v", err)
	}
}

func TestRunner_ComputeErrorGetsStage(t *testing.T) {
	runner := NewRunner(NewMemoryCache(), nil)
	step := Step{
		Key:     ArtifactKey{Stage: "split"},
		Outputs: []string{filepath.Join(t.TempDir(), "x.series")},
		Compute: func(context.Context) error { return failure.Shapef("bad rows") },
	}
	_, err := runner.Do(context.Background(), step)
	var fe *failure.Error
	if !errors.As(err, &fe) || fe.Stage != "split" {
		t.Fatalf("expected staged shape error, got %v", err)
	}
}

func TestRunner_FileCacheSurvivesNewRunner(t *testing.T) {
	dir := t.TempDir()
	cacheDir := filepath.Join(dir, "cache")

	calls := 0
	step := writingStep(dir, &calls)
	if _, err := NewRunner(NewFileCache(cacheDir), nil).Do(context.Background(), step); err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	res, err := NewRunner(NewFileCache(cacheDir), nil).Do(context.Background(), step)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if res.Outcome != OutcomeHit || calls != 1 {
		t.Errorf("expected persisted hit, got %s after %d calls", res.Outcome, calls)
	}
}

func TestRunner_InvalidSteps(t *testing.T) {
	runner := NewRunner(NewMemoryCache(), nil)
	noop := func(context.Context) error { return nil }
	cases := map[string]Step{
		"no stage":   {Outputs: []string{"x"}, Compute: noop},
		"no outputs": {Key: ArtifactKey{Stage: "s"}, Compute: noop},
		"no compute": {Key: ArtifactKey{Stage: "s"}, Outputs: []string{"x"}},
	}
	for name, step := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := runner.Do(context.Background(), step); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestRunner_ChangedKeyRecomputesSharedOutputs(t *testing.T) {
	dir := t.TempDir()
	runner := NewRunner(NewMemoryCache(), nil)
	out := filepath.Join(dir, "concat_clean.series")

	calls := 0
	cleanStep := func(aggressive string) Step {
		return Step{
			Key:     ArtifactKey{Stage: "cleanup", Params: map[string]string{"aggressive": aggressive}},
			Outputs: []string{out},
			Compute: func(ctx context.Context) error {
				calls++
				return os.WriteFile(out, []byte("aggressive="+aggressive), 0o644)
			},
		}
	}

	steps := []struct {
		aggressive string
		want       Outcome
	}{
		{"false", OutcomeComputed},
		{"true", OutcomeComputed},
		{"true", OutcomeHit},
		// The "false" entry still exists, but its outputs were overwritten.
		{"false", OutcomeComputed},
	}
	for i, s := range steps {
		res, err := runner.Do(context.Background(), cleanStep(s.aggressive))
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if res.Outcome != s.want {
			t.Errorf("step %d (aggressive=%s) outcome = %s, want %s", i, s.aggressive, res.Outcome, s.want)
		}
	}
	if calls != 3 {
		t.Errorf("compute ran %d times, want 3", calls)
	}
	data, _ := os.ReadFile(out)
	if string(data) != "aggressive=false" {
		t.Errorf("output = %q", data)
	}
}
