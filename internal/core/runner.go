package core

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"reapply/internal/failure"
)

// Outcome describes how a step was satisfied.
type Outcome string

const (
	OutcomeHit      Outcome = "hit"
	OutcomeAdopted  Outcome = "adopted"
	OutcomeComputed Outcome = "computed"
)

// Observer receives one notification per finished step.
type Observer interface {
	StepFinished(stage string, outcome Outcome, elapsed time.Duration)
}

// Step is one cached-or-computed unit of work.
type Step struct {
	Key ArtifactKey

	// Prerequisites must exist before Compute runs.
	Prerequisites []string

	// Outputs are the deterministic artifact paths Compute must produce.
	Outputs []string

	Compute func(ctx context.Context) error
}

// StepResult reports how a step was satisfied.
type StepResult struct {
	Hash    KeyHash
	Outcome Outcome
}

// FromCache reports whether no computation happened.
func (r *StepResult) FromCache() bool {
	return r != nil && r.Outcome != OutcomeComputed
}

// Runner executes steps through the artifact cache.
type Runner struct {
	Cache    Cache
	Hasher   *KeyHasher
	Logger   *zap.Logger
	Observer Observer
}

// NewRunner creates a Runner. A nil logger is replaced by a no-op logger.
func NewRunner(cache Cache, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		Cache:  cache,
		Hasher: NewKeyHasher(),
		Logger: logger,
	}
}

// satisfied reports whether step is met by existing artifacts. Outputs last
// recorded under a different key are stale and never satisfy step, whether
// step has its own entry or not.
func (r *Runner) satisfied(step Step) (KeyHash, Outcome, bool, error) {
	hash := r.Hasher.ComputeHash(step.Key, step.Outputs)
	if !allExist(step.Outputs) {
		return hash, "", false, nil
	}
	for _, out := range step.Outputs {
		owner, err := r.Cache.Owner(out)
		if err != nil {
			return hash, "", false, fmt.Errorf("checking cache: %w", err)
		}
		if owner != "" && owner != hash {
			r.Logger.Debug("output recorded under another key",
				zap.String("stage", step.Key.Stage),
				zap.String("output", out),
				zap.String("owner", owner.String()))
			return hash, "", false, nil
		}
	}
	exists, err := r.Cache.Has(hash)
	if err != nil {
		return hash, "", false, fmt.Errorf("checking cache: %w", err)
	}
	if exists {
		return hash, OutcomeHit, true, nil
	}
	return hash, OutcomeAdopted, true, nil
}

// Do runs step: hit, adopt or compute. See the package documentation for the
// exact order.
func (r *Runner) Do(ctx context.Context, step Step) (*StepResult, error) {
	if err := r.validate(step); err != nil {
		return nil, err
	}
	start := time.Now()
	log := r.Logger.With(zap.String("stage", step.Key.Stage), zap.String("run", step.Key.RunID))

	hash, outcome, ok, err := r.satisfied(step)
	if err != nil {
		return nil, err
	}
	if ok {
		if outcome == OutcomeAdopted {
			if err := r.record(step, hash, true); err != nil {
				return nil, err
			}
		}
		log.Debug("step satisfied from existing artifacts", zap.String("outcome", string(outcome)))
		r.finish(step.Key.Stage, outcome, start)
		return &StepResult{Hash: hash, Outcome: outcome}, nil
	}

	for _, p := range step.Prerequisites {
		if !exists(p) {
			return nil, failure.Prerequisitef(step.Key.Stage, "%s does not exist", p)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log.Debug("computing step", zap.Int("outputs", len(step.Outputs)))
	if err := step.Compute(ctx); err != nil {
		return nil, failure.WithStage(err, step.Key.Stage)
	}
	for _, out := range step.Outputs {
		if !exists(out) {
			return nil, failure.ExternalToolf(step.Key.Stage, "step did not produce %s", out)
		}
	}
	if err := r.record(step, hash, false); err != nil {
		return nil, err
	}
	r.finish(step.Key.Stage, OutcomeComputed, start)
	return &StepResult{Hash: hash, Outcome: OutcomeComputed}, nil
}

func (r *Runner) validate(step Step) error {
	if r == nil || r.Cache == nil {
		return fmt.Errorf("runner has no cache")
	}
	if step.Key.Stage == "" {
		return fmt.Errorf("step stage is required")
	}
	if len(step.Outputs) == 0 {
		return fmt.Errorf("step %q declares no outputs", step.Key.Stage)
	}
	if step.Compute == nil {
		return fmt.Errorf("step %q has no compute function", step.Key.Stage)
	}
	return nil
}

func (r *Runner) record(step Step, hash KeyHash, adopted bool) error {
	digests := make([]string, len(step.Outputs))
	for i, out := range step.Outputs {
		d, err := fileDigest(out)
		if err != nil {
			return fmt.Errorf("digesting %s: %w", out, err)
		}
		digests[i] = d
	}
	entry := &CacheEntry{
		Hash:    hash,
		Stage:   step.Key.Stage,
		RunID:   step.Key.RunID,
		Params:  step.Key.Params,
		Outputs: step.Outputs,
		Digests: digests,
		Adopted: adopted,
	}
	if err := r.Cache.Put(entry); err != nil {
		return fmt.Errorf("caching step %s: %w", step.Key.Stage, err)
	}
	return nil
}

func (r *Runner) finish(stage string, outcome Outcome, start time.Time) {
	if r.Observer != nil {
		r.Observer.StepFinished(stage, outcome, time.Since(start))
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func allExist(paths []string) bool {
	for _, p := range paths {
		if !exists(p) {
			return false
		}
	}
	return true
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
