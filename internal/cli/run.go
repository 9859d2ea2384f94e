package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"

	"reapply/internal/core"
	"reapply/internal/failure"
)

// Run is a high-level CLI entrypoint suitable for black-box tests.
// It accepts the argument slice (excluding argv[0]) and returns the process
// exit code.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root, result := NewRootCommand(stdout, stderr)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "%s %v\n", color.New(color.FgRed).Sprint("error:"), err)
		return exitCode(err)
	}
	res := result()
	if res.Pipeline != nil {
		printSummary(stdout, res)
	}
	return res.ExitCode
}

func exitCode(err error) int {
	var invErr *InvocationError
	if errors.As(err, &invErr) {
		return invErr.ExitCode
	}
	return failure.ExitCode(err)
}

func printSummary(w io.Writer, res CLIResult) {
	pr := res.Pipeline
	mods := make([]string, len(pr.Modalities))
	for i, m := range pr.Modalities {
		mods[i] = string(m)
	}
	fmt.Fprintf(w, "%s reapplied %s classification (%s)\n",
		color.New(color.FgGreen).Sprint("✓"), pr.Classification.Source(), strings.Join(mods, ", "))

	outcomes := make([]string, 0, len(pr.Outcomes))
	for o := range pr.Outcomes {
		outcomes = append(outcomes, string(o))
	}
	sort.Strings(outcomes)
	for _, o := range outcomes {
		fmt.Fprintf(w, "  %-9s %d\n", o, pr.Outcomes[core.Outcome(o)])
	}
	fmt.Fprintf(w, "  invocation %s\n", color.New(color.FgCyan).Sprint(pr.InvocationID))
	if len(pr.TraceHash) >= 12 {
		fmt.Fprintf(w, "  trace      %s\n", pr.TraceHash[:12])
	}
}
