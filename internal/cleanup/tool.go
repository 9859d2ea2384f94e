package cleanup

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"reapply/internal/core"
	"reapply/internal/failure"
)

// Mode selects the execution backend of the external tool.
type Mode string

const (
	ModeCompiled    Mode = "0"
	ModeInterpreted Mode = "1"
	ModeOctave      Mode = "2"
)

// DefaultFunction is the entry point called by the interpreted backends.
const DefaultFunction = "fix_3_clean"

// MotionEnv names the variable carrying the motion table path to the tool.
const MotionEnv = "REAPPLY_MOTION_TABLE"

// ParseMode validates a backend selector.
func ParseMode(raw string) (Mode, error) {
	switch m := Mode(strings.TrimSpace(raw)); m {
	case ModeCompiled, ModeInterpreted, ModeOctave:
		return m, nil
	default:
		return "", failure.Configf("unsupported run mode %q: expected 0 (compiled), 1 (interpreted) or 2 (octave)", raw)
	}
}

func (m Mode) String() string {
	switch m {
	case ModeCompiled:
		return "compiled"
	case ModeInterpreted:
		return "interpreted"
	case ModeOctave:
		return "octave"
	default:
		return "unknown"
	}
}

// Tool runs the cleanup tool through one of the three backends.
type Tool struct {
	Mode Mode

	// Path is the compiled binary or the interpreter executable.
	Path string

	// Function is the entry point for the interpreted backends.
	Function string

	Env      map[string]string
	Executor *core.Executor
	Logger   *zap.Logger
}

// NewTool returns a Tool for mode with the backend's default executable.
func NewTool(mode Mode, executor *core.Executor, logger *zap.Logger) (*Tool, error) {
	t := &Tool{Mode: mode, Function: DefaultFunction, Executor: executor, Logger: logger}
	switch mode {
	case ModeCompiled:
	case ModeInterpreted:
		t.Path = "matlab"
	case ModeOctave:
		t.Path = "octave"
	default:
		return nil, failure.Configf("unsupported run mode %q", string(mode))
	}
	return t, nil
}

func (t *Tool) Name() string { return t.Mode.String() }

// Args builds the argument vector for req.
func (t *Tool) Args(req Request) ([]string, error) {
	switch t.Mode {
	case ModeCompiled:
		args := []string{
			req.Input,
			req.Output,
			req.ComponentsPath,
			boolArg(req.Aggressive),
			boolArg(req.MotionRegression),
			req.HighPassArg(),
		}
		if req.SkipVolume {
			args = append(args, "1")
		}
		return args, nil
	case ModeInterpreted:
		return []string{"-nojvm", "-nodisplay", "-nosplash", "-r", t.call(req) + ";exit"}, nil
	case ModeOctave:
		return []string{"--no-gui", "--eval", t.call(req)}, nil
	default:
		return nil, failure.Configf("unsupported run mode %q", string(t.Mode))
	}
}

// call renders the function call expression for the interpreted backends.
func (t *Tool) call(req Request) string {
	fn := t.Function
	if fn == "" {
		fn = DefaultFunction
	}
	params := []string{
		quote(req.Input),
		quote(req.Output),
		quote(req.ComponentsPath),
		boolArg(req.Aggressive),
		boolArg(req.MotionRegression),
		quote(req.HighPassArg()),
	}
	if req.SkipVolume {
		params = append(params, "1")
	}
	return fmt.Sprintf("%s(%s)", fn, strings.Join(params, ","))
}

func (t *Tool) Clean(ctx context.Context, req Request) error {
	if t.Path == "" {
		return failure.Configf("no executable configured for the %s cleanup backend", t.Mode)
	}
	args, err := t.Args(req)
	if err != nil {
		return err
	}
	env := make(map[string]string, len(t.Env)+1)
	for k, v := range t.Env {
		env[k] = v
	}
	if req.MotionRegression {
		env[MotionEnv] = req.MotionPath
	}

	exec := t.Executor
	if exec == nil {
		exec = core.NewExecutor(req.ICADir)
	}
	res, err := exec.Execute(ctx, core.Command{
		Name: "cleanup",
		Path: t.Path,
		Args: args,
		Env:  env,
		Dir:  req.ICADir,
	})
	if err != nil {
		return failure.ExternalTool(Stage, err, "%s backend could not run", t.Mode)
	}
	if t.Logger != nil {
		t.Logger.Info("cleanup tool exited",
			zap.String("backend", t.Mode.String()),
			zap.String("tool", t.Path),
			zap.Int("exit_code", res.ExitCode),
			zap.Int("components", len(req.Components)))
	}
	if res.ExitCode != 0 {
		return failure.ExternalToolf(Stage, "%s exited with status %d: %s", t.Path, res.ExitCode, core.Tail(res.Stderr, 512))
	}
	return nil
}

func boolArg(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// quote renders s as a single-quoted interpreter string literal.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
