package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"reapply/internal/failure"
)

// command holds the state shared by the root command's hooks.
type command struct {
	flags  Flags
	stderr io.Writer
	logger *zap.Logger

	result CLIResult
}

// NewRootCommand builds the reapply command. The invocation outcome is
// available from the returned getter once Execute has returned.
func NewRootCommand(stdout, stderr io.Writer) (*cobra.Command, func() CLIResult) {
	c := &command{stderr: stderr}
	root := &cobra.Command{
		Use:   "reapply",
		Short: "Reapply an ICA noise classification to the individual runs of a concatenation",
		Long: `Reapplies an existing ICA noise classification to the runs of a
multi-run concatenation: each run is demeaned, highpass filtered and
variance normalized, the runs are merged, the cleanup tool regresses the
noise components out of the pooled data, and the result is split and
restored to every run's own mean and scale.

Completed stages are cached; rerunning with unchanged inputs does no work.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return invalidInvocationf("unexpected positional arguments: %v", args)
			}
			return nil
		},
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.initLogger,
		PersistentPostRun: func(*cobra.Command, []string) {
			if c.logger != nil {
				_ = c.logger.Sync()
			}
		},
		RunE: c.run,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return invalidInvocationf("%v", err)
	})

	f := root.Flags()
	f.StringVar(&c.flags.WorkDir, "workdir", "", "absolute base directory for relative paths")
	f.StringVar(&c.flags.StudyFolder, "study-folder", "", "folder containing the subject directories")
	f.StringVar(&c.flags.Subject, "subject", "", "subject identifier")
	f.StringVar(&c.flags.FMRINames, "fmri-names", "", "@-separated run names in concatenation order")
	f.StringVar(&c.flags.ConcatName, "concat-fmri-name", "", "name of the concatenation")
	f.StringVar(&c.flags.HighPass, "high-pass", "", "highpass cutoff in seconds, or pdN for a polynomial detrend of order N")
	f.StringVar(&c.flags.RegName, "reg-name", "NONE", "surface registration name; NONE for the default")
	f.StringVar(&c.flags.LowResMesh, "low-res-mesh", "32", "low resolution mesh size in thousands of vertices")
	f.StringVar(&c.flags.RunMode, "matlab-run-mode", "1", "cleanup backend: 0 compiled, 1 interpreted, 2 octave")
	f.StringVar(&c.flags.MotionRegression, "motion-regression", "FALSE", "regress motion parameters during cleanup")
	f.BoolVar(&c.flags.Aggressive, "aggressive", false, "aggressive (full) noise regression")
	f.StringVar(&c.flags.Normalizer, "normalizer", NormalizerNative, "per-run normalizer: native|command")
	f.IntVar(&c.flags.Jobs, "jobs", 1, "runs normalized in parallel")
	f.StringVar(&c.flags.ConfigPath, "config", "", "YAML file configuring external tools")
	f.StringVar(&c.flags.CacheDir, "cache-dir", "", "step cache directory (default under the concatenation)")
	f.StringVar(&c.flags.MetricsFile, "metrics-file", "", "write Prometheus metrics to this file on exit")
	root.PersistentFlags().BoolVarP(&c.flags.Verbose, "verbose", "v", false, "debug logging")

	return root, func() CLIResult { return c.result }
}

// initLogger builds a production JSON logger writing to the command's stderr.
func (c *command) initLogger(*cobra.Command, []string) error {
	cfg := zap.NewProductionConfig()
	if c.flags.Verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	enc := zapcore.NewJSONEncoder(cfg.EncoderConfig)
	c.logger = zap.New(zapcore.NewCore(enc, zapcore.AddSync(c.stderr), cfg.Level), zap.AddCaller())
	return nil
}

func (c *command) run(cmd *cobra.Command, _ []string) error {
	var file FileConfig
	if c.flags.ConfigPath != "" {
		path, err := resolveUnderWorkDir(c.flags.WorkDir, c.flags.ConfigPath, "--config")
		if err != nil {
			err = failure.Configf("%v", err)
		} else {
			file, err = LoadFileConfig(path)
		}
		if err != nil {
			c.result = CLIResult{ExitCode: exitCode(err)}
			return err
		}
	}

	inv, err := Canonicalize(c.flags, file, cmd.Flags().Changed("jobs"))
	if err != nil {
		c.result = CLIResult{ExitCode: exitCode(err)}
		return err
	}
	c.logger.Debug("invocation",
		zap.String("study", inv.Layout.StudyFolder),
		zap.Strings("runs", inv.Runs),
		zap.String("highpass", inv.HighPass.Token()),
		zap.String("run_mode", inv.RunMode.String()),
		zap.String("cache", inv.CacheDir))

	res, err := Execute(cmd.Context(), inv, c.logger)
	c.result = res
	if err != nil {
		return fmt.Errorf("reapply %s/%s: %w", inv.Layout.Subject, inv.Layout.Concat, err)
	}
	return nil
}
