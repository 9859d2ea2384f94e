package cli

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"reapply/internal/cleanup"
	"reapply/internal/core"
	"reapply/internal/failure"
	"reapply/internal/ledger"
	"reapply/internal/metrics"
	"reapply/internal/normalize"
	"reapply/internal/pipeline"
)

// CLIResult is the outcome of one invocation.
type CLIResult struct {
	ExitCode int
	Pipeline *pipeline.Result
}

// Execute runs inv with the cleanup backend selected by inv.RunMode.
func Execute(ctx context.Context, inv Invocation, logger *zap.Logger) (CLIResult, error) {
	cleaner, err := buildCleaner(inv, logger)
	if err != nil {
		return CLIResult{ExitCode: failure.ExitCode(err)}, err
	}
	return ExecuteWithCleaner(ctx, inv, cleaner, logger)
}

// ExecuteWithCleaner runs inv against an explicit cleanup backend.
//
// This allows the CLI to prove exit-code mapping with an in-process cleaner
// in tests. A panic anywhere below is reported as an internal error.
func ExecuteWithCleaner(ctx context.Context, inv Invocation, cleaner cleanup.Cleaner, logger *zap.Logger) (res CLIResult, execErr error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	defer func() {
		if r := recover(); r != nil {
			res = CLIResult{ExitCode: failure.ExitInternalError}
			execErr = fmt.Errorf("panic: %v", r)
			logger.Error("internal error", zap.Any("panic", r))
		}
	}()

	collector := metrics.NewCollector(logger)
	runner := core.NewRunner(core.NewFileCache(inv.CacheDir), logger)
	runner.Observer = collector

	lg, err := ledger.Open(inv.Layout.LedgerPath())
	if err != nil {
		return CLIResult{ExitCode: failure.ExitInternalError}, err
	}
	defer lg.Close()

	p, err := pipeline.New(pipeline.Config{
		Layout:           inv.Layout,
		Runs:             inv.Runs,
		HighPass:         inv.HighPass,
		Aggressive:       inv.Aggressive,
		MotionRegression: inv.MotionRegression,
		Jobs:             inv.Jobs,
	}, pipeline.Options{
		Runner:     runner,
		Normalizer: normalize.NewRunNormalizer(runner, buildNormalizer(inv, logger), logger),
		Cleaner:    cleaner,
		Ledger:     lg,
		Metrics:    collector,
		Logger:     logger,
	})
	if err != nil {
		return CLIResult{ExitCode: failure.ExitInternalError}, err
	}

	pr, runErr := p.Run(ctx)
	if inv.MetricsFile != "" {
		if err := collector.WriteTextfile(inv.MetricsFile); err != nil && runErr == nil {
			return CLIResult{ExitCode: failure.ExitInternalError, Pipeline: pr}, fmt.Errorf("write metrics: %w", err)
		}
	}
	if runErr != nil {
		return CLIResult{ExitCode: failure.ExitCode(runErr)}, runErr
	}
	return CLIResult{ExitCode: failure.ExitSuccess, Pipeline: pr}, nil
}

func buildNormalizer(inv Invocation, logger *zap.Logger) normalize.Backend {
	if inv.Normalizer != NormalizerCommand {
		return normalize.Native{}
	}
	return &normalize.Command{
		Path:     inv.File.Normalizer.Command,
		Env:      inv.File.Normalizer.Env,
		Executor: core.NewExecutor(inv.WorkDir),
		Logger:   logger,
	}
}

// buildCleaner resolves the cleanup backend and applies the file overrides
// for its mode.
func buildCleaner(inv Invocation, logger *zap.Logger) (*cleanup.Tool, error) {
	tool, err := cleanup.NewTool(inv.RunMode, core.NewExecutor(inv.WorkDir), logger)
	if err != nil {
		return nil, err
	}
	var tc ToolConfig
	switch inv.RunMode {
	case cleanup.ModeCompiled:
		tc = inv.File.Backends.Compiled
	case cleanup.ModeInterpreted:
		tc = inv.File.Backends.Interpreted
	case cleanup.ModeOctave:
		tc = inv.File.Backends.Octave
	}
	if tc.Command != "" {
		tool.Path = tc.Command
	}
	if tc.Function != "" {
		tool.Function = tc.Function
	}
	tool.Env = tc.Env
	if tool.Path == "" {
		return nil, failure.Configf("run mode %s has no executable configured", inv.RunMode)
	}
	logger.Debug("cleanup backend", zap.String("mode", tool.Name()), zap.String("tool", tc.String()))
	return tool, nil
}
