package normalize

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"reapply/internal/core"
	"reapply/internal/failure"
)

// Command delegates normalization to an external tool invoked as
//
//	<path> <in> <out_series> <out_vnmap> <tr> <highpass>
type Command struct {
	Path     string
	Env      map[string]string
	Executor *core.Executor
	Logger   *zap.Logger
}

func (c *Command) Name() string { return "command" }

func (c *Command) Normalize(ctx context.Context, req Request) error {
	if c.Path == "" {
		return failure.Configf("normalizer command is not configured")
	}
	exec := c.Executor
	if exec == nil {
		exec = core.NewExecutor("")
	}
	cmd := core.Command{
		Name: "normalizer",
		Path: c.Path,
		Args: []string{
			req.Input,
			req.OutSeries,
			req.OutVNMap,
			strconv.FormatFloat(req.TR, 'g', -1, 64),
			req.HighPass.Token(),
		},
		Env: c.Env,
	}
	res, err := exec.Execute(ctx, cmd)
	if err != nil {
		return failure.ExternalTool(Stage, err, "normalizer could not run")
	}
	if c.Logger != nil {
		c.Logger.Debug("normalizer exited", zap.String("tool", c.Path), zap.Int("exit_code", res.ExitCode))
	}
	if res.ExitCode != 0 {
		return failure.ExternalToolf(Stage, "%s exited with status %d: %s", c.Path, res.ExitCode, core.Tail(res.Stderr, 512))
	}
	return nil
}
