// Package normalize produces a run's highpassed, variance-normalized series
// and its VN map. Backends implement the contract; RunNormalizer routes them
// through the artifact cache so that repeated invocations are free.
package normalize

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"reapply/internal/core"
)

// Stage is the cache stage name of normalization steps.
const Stage = "normalize"

// Request names the input and output artifacts of one normalization.
type Request struct {
	Input     string
	OutSeries string
	OutVNMap  string

	// TR overrides the sampling interval recorded in the input when positive.
	TR       float64
	HighPass HighPass
}

// Backend implements the highpass/VN contract.
type Backend interface {
	Name() string
	Normalize(ctx context.Context, req Request) error
}

// RunNormalizer runs a Backend through the artifact cache.
type RunNormalizer struct {
	runner  *core.Runner
	backend Backend
	logger  *zap.Logger
}

// NewRunNormalizer creates a RunNormalizer.
func NewRunNormalizer(runner *core.Runner, backend Backend, logger *zap.Logger) *RunNormalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunNormalizer{runner: runner, backend: backend, logger: logger}
}

// Backend returns the configured backend.
func (n *RunNormalizer) Backend() Backend { return n.backend }

// Normalize produces req's outputs for run, reusing cached artifacts when the
// key and outputs match a previous invocation.
func (n *RunNormalizer) Normalize(ctx context.Context, run string, req Request) (*core.StepResult, error) {
	if n.backend == nil {
		return nil, fmt.Errorf("no normalizer backend configured")
	}
	step := core.Step{
		Key: core.ArtifactKey{
			Stage: Stage,
			RunID: run,
			Params: map[string]string{
				"backend":  n.backend.Name(),
				"highpass": req.HighPass.Token(),
				"input":    req.Input,
				"tr":       strconv.FormatFloat(req.TR, 'g', -1, 64),
			},
		},
		Prerequisites: []string{req.Input},
		Outputs:       []string{req.OutSeries, req.OutVNMap},
		Compute: func(ctx context.Context) error {
			return n.backend.Normalize(ctx, req)
		},
	}
	res, err := n.runner.Do(ctx, step)
	if err != nil {
		return nil, err
	}
	n.logger.Debug("run normalized",
		zap.String("run", run),
		zap.String("backend", n.backend.Name()),
		zap.String("highpass", req.HighPass.Token()),
		zap.String("outcome", string(res.Outcome)))
	return res, nil
}
