package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"syscall"
)

// Command is an external tool invocation.
type Command struct {
	// Name labels the invocation in logs and errors.
	Name string

	// Path is the executable. It is resolved with the caller's PATH.
	Path string

	// Args are passed verbatim; no shell interpretation happens.
	Args []string

	// Env is the complete environment visible to the tool.
	Env map[string]string

	// Dir is the working directory. Empty means the Executor's WorkingDir.
	Dir string
}

// ExecutionResult contains the results of a command execution.
type ExecutionResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Executor runs external tools in an isolated, deterministic environment.
//
// Environment isolation: only variables declared in Command.Env are visible.
// Host variables (HOME, USER, PATH...) are not passed through.
type Executor struct {
	// WorkingDir is the default directory where commands are executed.
	WorkingDir string
}

// NewExecutor creates a new Executor with the given working directory.
func NewExecutor(workingDir string) *Executor {
	return &Executor{WorkingDir: workingDir}
}

// Execute runs cmd and waits for it. A non-zero exit status is reported in
// the result, not as an error; errors mean the command could not run or was
// cancelled.
func (e *Executor) Execute(ctx context.Context, cmd Command) (*ExecutionResult, error) {
	if cmd.Path == "" {
		return nil, fmt.Errorf("command %q has no executable", cmd.Name)
	}

	c := exec.Command(cmd.Path, cmd.Args...)
	c.Dir = cmd.Dir
	if c.Dir == "" {
		c.Dir = e.WorkingDir
	}
	c.Env = buildIsolatedEnv(cmd.Env)

	// Own process group so cancellation kills the whole tree.
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", cmd.Name, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- c.Wait()
	}()

	var err error
	select {
	case <-ctx.Done():
		if c.Process != nil {
			_ = syscall.Kill(-c.Process.Pid, syscall.SIGKILL)
		}
		<-done
		return nil, fmt.Errorf("%s cancelled: %w", cmd.Name, ctx.Err())
	case err = <-done:
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to execute %s: %w", cmd.Name, err)
		}
		exitCode = exitErr.ExitCode()
	}

	return &ExecutionResult{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: exitCode,
	}, nil
}

// buildIsolatedEnv constructs the environment from the declared variables
// only, sorted by key.
func buildIsolatedEnv(env map[string]string) []string {
	if len(env) == 0 {
		return []string{}
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	result := make([]string, 0, len(env))
	for _, k := range keys {
		result = append(result, k+"="+env[k])
	}
	return result
}

// Tail returns at most n trailing bytes of b as a string, for error messages.
func Tail(b []byte, n int) string {
	b = bytes.TrimSpace(b)
	if len(b) <= n {
		return string(b)
	}
	return "..." + string(b[len(b)-n:])
}
