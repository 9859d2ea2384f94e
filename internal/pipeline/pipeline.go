// Package pipeline sequences the reversible reapplication chain for one
// concatenation: per-run demean and normalization, merge, pooled scaling,
// cleanup, split and per-run rescaling.
//
// Every stage is a cached step. A rerun with unchanged parameters performs no
// recomputation, and a missing upstream artifact aborts the invocation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"reapply/internal/cleanup"
	"reapply/internal/core"
	"reapply/internal/layout"
	"reapply/internal/ledger"
	"reapply/internal/metrics"
	"reapply/internal/normalize"
	"reapply/internal/series"
	"reapply/internal/trace"
)

// Config is the validated parameter set of one invocation.
type Config struct {
	Layout   layout.Layout
	Runs     []string
	HighPass normalize.HighPass

	Aggressive       bool
	MotionRegression bool

	// Jobs bounds per-run preprocessing parallelism. Values below 1 mean 1.
	Jobs int
}

// Options carries the collaborators of a Pipeline. Runner, Normalizer and
// Cleaner are required.
type Options struct {
	Runner     *core.Runner
	Normalizer *normalize.RunNormalizer
	Cleaner    cleanup.Cleaner
	Ledger     *ledger.Ledger
	Metrics    *metrics.Collector
	Logger     *zap.Logger
}

// Result summarizes a successful invocation.
type Result struct {
	InvocationID   string
	Modalities     []layout.Modality
	Classification cleanup.Classification
	Outcomes       map[core.Outcome]int

	// TraceHash is the digest of the canonical step trace.
	TraceHash string
}

// Computed reports how many steps did real work.
func (r *Result) Computed() int { return r.Outcomes[core.OutcomeComputed] }

// Pipeline runs one invocation.
type Pipeline struct {
	cfg    Config
	opts   Options
	logger *zap.Logger

	invocationID string
	state        ExecutionState
	trace        *trace.Recorder

	mu       sync.Mutex
	outcomes map[core.Outcome]int
	keys     map[string]core.KeyHash
}

// New validates cfg and opts.
func New(cfg Config, opts Options) (*Pipeline, error) {
	switch {
	case opts.Runner == nil:
		return nil, errors.New("pipeline requires a runner")
	case opts.Normalizer == nil:
		return nil, errors.New("pipeline requires a normalizer")
	case opts.Cleaner == nil:
		return nil, errors.New("pipeline requires a cleaner")
	case len(cfg.Runs) == 0:
		return nil, errors.New("pipeline requires at least one run")
	}
	if cfg.Jobs < 1 {
		cfg.Jobs = 1
	}
	cfg.Layout.HighPass = cfg.HighPass.Token()
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		cfg:  cfg,
		opts: opts,
		logger: logger.With(
			zap.String("subject", cfg.Layout.Subject),
			zap.String("concat", cfg.Layout.Concat),
		),
		outcomes: make(map[core.Outcome]int),
		keys:     make(map[string]core.KeyHash),
		trace:    trace.NewRecorder(),
	}, nil
}

// VolumeEnabled reports whether the volumetric product is reprocessed: only
// under a hand reclassification with no alternate surface registration.
func VolumeEnabled(hand bool, regName string) bool {
	return hand && layout.IsNoReg(regName)
}

// Run executes the chain for every processed modality.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	l := p.cfg.Layout
	class, err := cleanup.SelectClassification(l.ICADir())
	if err != nil {
		return nil, err
	}

	modalities := []layout.Modality{layout.Surface}
	volume := VolumeEnabled(class.Hand, l.RegName)
	if volume {
		modalities = append(modalities, layout.Volume)
	}
	p.state = make(ExecutionState, len(modalities))
	for _, m := range modalities {
		p.state[m] = StateNotStarted
	}

	if err := p.startLedger(ctx); err != nil {
		return nil, err
	}
	p.logger.Info("reapplying cleanup",
		zap.String("invocation", p.invocationID),
		zap.Int("runs", len(p.cfg.Runs)),
		zap.String("highpass", p.cfg.HighPass.Token()),
		zap.String("classification", class.Source()),
		zap.Bool("volume", volume))

	err = p.run(ctx, modalities, class, volume)
	traceHash, traceErr := p.writeTrace(modalities)
	if err == nil {
		err = traceErr
	} else if traceErr != nil {
		p.logger.Warn("failed to write trace", zap.Error(traceErr))
	}
	p.finishLedger(err)
	if err != nil {
		return nil, err
	}
	return &Result{
		InvocationID:   p.invocationID,
		Modalities:     modalities,
		Classification: class,
		Outcomes:       p.snapshotOutcomes(),
		TraceHash:      traceHash,
	}, nil
}

func (p *Pipeline) run(ctx context.Context, modalities []layout.Modality, class cleanup.Classification, volume bool) error {
	for _, m := range modalities {
		if err := p.runModality(ctx, m, class, volume); err != nil {
			return fmt.Errorf("%s: %w", m, err)
		}
	}
	return p.writeProvenance(ctx, class, modalities)
}

func (p *Pipeline) runModality(ctx context.Context, m layout.Modality, class cleanup.Classification, volume bool) error {
	stages := []struct {
		to State
		fn func(context.Context, layout.Modality) error
	}{
		{StatePerRunNormalized, p.normalizeRuns},
		{StateMerged, p.merge},
		{StatePooledScaled, p.restoreScale},
		{StateCleaned, func(ctx context.Context, m layout.Modality) error {
			return p.clean(ctx, m, class, volume)
		}},
		{StateSplit, p.split},
		{StateRescaled, p.rescale},
	}
	for _, st := range stages {
		if err := st.fn(ctx, m); err != nil {
			return err
		}
		if err := p.advance(ctx, m, st.to); err != nil {
			return err
		}
	}
	return p.advance(ctx, m, StateDone)
}

// advance moves modality m to the next state, logging and recording it.
func (p *Pipeline) advance(ctx context.Context, m layout.Modality, to State) error {
	from := p.state[m]
	if err := Transition(p.state, m, from, to); err != nil {
		return err
	}
	p.logger.Info("state transition",
		zap.String("modality", string(m)),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	if p.opts.Ledger != nil {
		if err := p.opts.Ledger.RecordTransition(ctx, p.invocationID, ledger.Transition{
			Modality: string(m), From: string(from), To: string(to),
		}); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) do(ctx context.Context, step core.Step) error {
	res, err := p.opts.Runner.Do(ctx, step)
	p.record(step.Key.Stage, step.Key.RunID, step.Key.Params["modality"], res, err)
	if err != nil {
		return err
	}
	p.tally(res.Outcome)
	return nil
}

func (p *Pipeline) record(stage, run, modality string, res *core.StepResult, err error) {
	e := trace.Event{Kind: trace.KindFailed, Stage: stage, Modality: modality, RunID: run}
	if err == nil {
		e.Kind = trace.Kind(res.Outcome)
		e.KeyHash = res.Hash.String()
		p.mu.Lock()
		p.keys[stepID(stage, modality, run)] = res.Hash
		p.mu.Unlock()
	}
	p.trace.Record(e)
}

// upstream returns the key hashes of steps already satisfied in this
// invocation, joined in argument order. A downstream key that includes them
// changes whenever any upstream key does.
func (p *Pipeline) upstream(ids ...string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	hashes := make([]string, len(ids))
	for i, id := range ids {
		hashes[i] = p.keys[id].String()
	}
	return strings.Join(hashes, ",")
}

func stepID(stage, modality, run string) string {
	return stage + "/" + modality + "/" + run
}

func (p *Pipeline) tally(o core.Outcome) {
	p.mu.Lock()
	p.outcomes[o]++
	p.mu.Unlock()
}

func (p *Pipeline) snapshotOutcomes() map[core.Outcome]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[core.Outcome]int, len(p.outcomes))
	for k, v := range p.outcomes {
		out[k] = v
	}
	return out
}

// normalizeRuns demeans and normalizes every run, in parallel up to Jobs.
func (p *Pipeline) normalizeRuns(ctx context.Context, m layout.Modality) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Jobs)
	for _, run := range p.cfg.Runs {
		run := run
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("run %s: panic: %v", run, r)
				}
			}()
			if err := p.demeanRun(gctx, run, m); err != nil {
				return fmt.Errorf("run %s: %w", run, err)
			}
			if err := p.normalizeRun(gctx, run, m); err != nil {
				return fmt.Errorf("run %s: %w", run, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (p *Pipeline) normalizeRun(ctx context.Context, run string, m layout.Modality) error {
	l := p.cfg.Layout
	n := p.opts.Normalizer
	tr, err := series.ReadTR(l.RunDemeaned(run, m))
	if err != nil {
		return fmt.Errorf("reading TR: %w", err)
	}
	req := normalize.Request{
		Input:     l.RunDemeaned(run, m),
		OutSeries: l.RunVNSeries(run, m),
		OutVNMap:  l.RunVNMap(run, m),
		HighPass:  p.cfg.HighPass,
		TR:        tr,
	}
	res, err := n.Normalize(ctx, run, req)
	p.record(normalize.Stage, run, string(m), res, err)
	if _, external := n.Backend().(*normalize.Command); external && (err != nil || res.Outcome == core.OutcomeComputed) {
		p.recordExternal(n.Backend().Name(), err)
	}
	if err != nil {
		return err
	}
	p.tally(res.Outcome)
	return nil
}

func (p *Pipeline) recordExternal(tool string, err error) {
	if p.opts.Metrics != nil {
		p.opts.Metrics.RecordExternal(tool, err)
	}
}

func (p *Pipeline) startLedger(ctx context.Context) error {
	if p.opts.Ledger == nil {
		p.invocationID = ledger.NewInvocationID()
		return nil
	}
	l := p.cfg.Layout
	inv, err := p.opts.Ledger.Start(ctx, ledger.Invocation{
		Subject:  l.Subject,
		Concat:   l.Concat,
		HighPass: p.cfg.HighPass.Token(),
		Runs:     p.cfg.Runs,
		Backend:  p.opts.Cleaner.Name(),
	})
	if err != nil {
		return err
	}
	p.invocationID = inv.ID
	return nil
}

// finishLedger marks unfinished modalities failed and closes the invocation.
// Ledger errors here are logged; the pipeline error takes precedence.
func (p *Pipeline) finishLedger(runErr error) {
	ctx := context.Background()
	status := ledger.StatusSucceeded
	if runErr != nil {
		status = ledger.StatusFailed
		for m, s := range p.state {
			if !IsTerminal(s) {
				if err := p.advance(ctx, m, StateFailed); err != nil {
					p.logger.Warn("failed to record failure transition", zap.Error(err))
				}
			}
		}
		p.logger.Error("reapplication failed", zap.Error(runErr))
	}
	if p.opts.Ledger == nil {
		return
	}
	if runErr != nil {
		if err := p.opts.Ledger.RecordFailure(ctx, p.invocationID, runErr); err != nil {
			p.logger.Warn("failed to record failure", zap.Error(err))
		}
	}
	if err := p.opts.Ledger.Finish(ctx, p.invocationID, status); err != nil {
		p.logger.Warn("failed to finish invocation", zap.Error(err))
	}
}

// writeTrace writes the canonical step trace next to the ledger.
func (p *Pipeline) writeTrace(modalities []layout.Modality) (string, error) {
	l := p.cfg.Layout
	chain := []string{runsParam(p.cfg.Runs), p.cfg.HighPass.Token(), p.opts.Cleaner.Name()}
	for _, m := range modalities {
		chain = append(chain, string(m))
	}
	tr := p.trace.Trace(trace.Digest([]byte(strings.Join(chain, "\n"))))
	b, err := tr.CanonicalJSON()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(l.StateDir(), 0o755); err != nil {
		return "", err
	}
	if err := writeText(l.TracePath(), string(b)+"\n"); err != nil {
		return "", err
	}
	return trace.Digest(b), nil
}

func runsParam(runs []string) string { return strings.Join(runs, "@") }

func boolParam(b bool) string { return strconv.FormatBool(b) }
