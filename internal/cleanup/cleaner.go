// Package cleanup invokes the opaque noise-removal step on the pooled-scaled
// concatenation. Backends are mutually exclusive and chosen once at
// configuration time.
package cleanup

import (
	"context"
	"fmt"
	"os"
	"strings"

	"reapply/internal/failure"
	"reapply/internal/series"
)

// Stage is the stage name attached to cleanup failures.
const Stage = "cleanup"

// AlreadyHighpassed is the highpass argument telling the tool not to filter
// again.
const AlreadyHighpassed = "-1"

// Request describes one cleanup invocation.
type Request struct {
	Input  string
	Output string
	ICADir string

	// Components are the 1-based noise components, read from ComponentsPath.
	Components     []int
	ComponentsPath string

	Aggressive       bool
	MotionRegression bool
	MotionPath       string

	// HighPass is the canonical highpass token the input was produced with.
	HighPass string

	// Highpassed reports that Input is already filtered.
	Highpassed bool

	// SkipVolume suppresses volumetric cleanup inside the tool.
	SkipVolume bool
}

// HighPassArg is the highpass argument passed to the tool.
func (r Request) HighPassArg() string {
	if r.Highpassed {
		return AlreadyHighpassed
	}
	return r.HighPass
}

func (r Request) validate() error {
	var missing []string
	if r.Input == "" {
		missing = append(missing, "input")
	}
	if r.Output == "" {
		missing = append(missing, "output")
	}
	if r.ComponentsPath == "" {
		missing = append(missing, "components path")
	}
	if r.MotionRegression && r.MotionPath == "" {
		missing = append(missing, "motion table")
	}
	if len(missing) > 0 {
		return fmt.Errorf("cleanup request is missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// Cleaner removes noise components from a series file, writing Request.Output.
type Cleaner interface {
	Name() string
	Clean(ctx context.Context, req Request) error
}

// Invoke runs c and checks that it produced an output of the input's shape.
func Invoke(ctx context.Context, c Cleaner, req Request) error {
	if err := req.validate(); err != nil {
		return err
	}
	if _, err := os.Stat(req.Input); err != nil {
		return failure.Prerequisitef(Stage, "cleanup input %s: %v", req.Input, err)
	}
	if err := c.Clean(ctx, req); err != nil {
		return failure.WithStage(err, Stage)
	}
	return verifyOutput(req)
}

func verifyOutput(req Request) error {
	if _, err := os.Stat(req.Output); err != nil {
		return failure.ExternalToolf(Stage, "cleanup produced no output at %s", req.Output)
	}
	in, err := series.Read(req.Input)
	if err != nil {
		return err
	}
	out, err := series.Read(req.Output)
	if err != nil {
		return failure.ExternalTool(Stage, err, "cleanup output is unreadable")
	}
	if in.Len() != out.Len() || in.Units() != out.Units() {
		return failure.WithStage(failure.Shapef("cleanup changed shape from %dx%d to %dx%d",
			in.Len(), in.Units(), out.Len(), out.Units()), Stage)
	}
	return nil
}
