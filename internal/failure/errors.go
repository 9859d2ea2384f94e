// Package failure defines the fatal error taxonomy shared by every pipeline
// stage and the exit codes the CLI maps them to.
//
// All four kinds are fatal. None is downgraded to a warning and none is
// retried; callers rerun the whole invocation and rely on the artifact cache
// to skip completed work.
package failure

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/multierr"
)

var (
	ErrConfiguration       = errors.New("configuration error")
	ErrPrerequisiteMissing = errors.New("prerequisite missing")
	ErrExternalTool        = errors.New("external tool failure")
	ErrShapeMismatch       = errors.New("shape mismatch")
)

const (
	ExitSuccess             = 0
	ExitExternalTool        = 1
	ExitInvalidInvocation   = 2
	ExitConfigError         = 3
	ExitInternalError       = 4
	ExitPrerequisiteMissing = 5
	ExitShapeMismatch       = 6
)

// Error is a classified pipeline failure. Kind is one of the package sentinels
// and is what errors.Is matches against.
type Error struct {
	Kind  error
	Stage string
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Stage != "" {
		fmt.Fprintf(&b, " [%s]", e.Stage)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

func newError(kind error, stage, format string, args ...any) *Error {
	return &Error{Kind: kind, Stage: stage, Msg: fmt.Sprintf(format, args...)}
}

func Prerequisitef(stage, format string, args ...any) error {
	return newError(ErrPrerequisiteMissing, stage, format, args...)
}

func Shapef(format string, args ...any) error {
	return newError(ErrShapeMismatch, "", format, args...)
}

func ExternalToolf(stage, format string, args ...any) error {
	return newError(ErrExternalTool, stage, format, args...)
}

// ExternalTool wraps cause as an external tool failure for stage.
func ExternalTool(stage string, cause error, format string, args ...any) error {
	e := newError(ErrExternalTool, stage, format, args...)
	e.Cause = cause
	return e
}

// WithStage returns err annotated with stage when it is an *Error that has no
// stage yet. Other errors are returned unchanged.
func WithStage(err error, stage string) error {
	var fe *Error
	if errors.As(err, &fe) && fe.Stage == "" {
		cp := *fe
		cp.Stage = stage
		return &cp
	}
	return err
}

// ConfigError carries every configuration problem found during validation so
// that they can be reported together before aborting.
type ConfigError struct {
	Problems []error
}

func (e *ConfigError) Error() string {
	if e == nil || len(e.Problems) == 0 {
		return ErrConfiguration.Error()
	}
	msgs := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		msgs[i] = "  - " + p.Error()
	}
	noun := "problems"
	if len(e.Problems) == 1 {
		noun = "problem"
	}
	return fmt.Sprintf("%s: %d %s\n%s", ErrConfiguration, len(e.Problems), noun, strings.Join(msgs, "\n"))
}

func (e *ConfigError) Unwrap() error { return ErrConfiguration }

// Configf returns a single-problem ConfigError.
func Configf(format string, args ...any) error {
	return &ConfigError{Problems: []error{fmt.Errorf(format, args...)}}
}

// Batch folds a multierr-accumulated error into a ConfigError. It returns nil
// when acc is nil.
func Batch(acc error) error {
	if acc == nil {
		return nil
	}
	var problems []error
	for _, err := range multierr.Errors(acc) {
		var ce *ConfigError
		if errors.As(err, &ce) {
			problems = append(problems, ce.Problems...)
			continue
		}
		problems = append(problems, err)
	}
	return &ConfigError{Problems: problems}
}

// ExitCode maps an error to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, ErrConfiguration):
		return ExitConfigError
	case errors.Is(err, ErrPrerequisiteMissing):
		return ExitPrerequisiteMissing
	case errors.Is(err, ErrShapeMismatch):
		return ExitShapeMismatch
	case errors.Is(err, ErrExternalTool):
		return ExitExternalTool
	default:
		return ExitInternalError
	}
}
