package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"reapply/internal/failure"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Invocation is one pipeline attempt.
type Invocation struct {
	ID        string
	Subject   string
	Concat    string
	HighPass  string
	Runs      []string
	Backend   string
	StartTime time.Time
	EndTime   *time.Time
	Status    Status
}

func (i Invocation) Validate() error {
	var errs []error
	if strings.TrimSpace(i.ID) == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if strings.TrimSpace(i.Concat) == "" {
		errs = append(errs, errors.New("concat is required"))
	}
	if len(i.Runs) == 0 {
		errs = append(errs, errors.New("at least one run is required"))
	}
	if i.StartTime.IsZero() {
		errs = append(errs, errors.New("start_time is required"))
	}
	switch i.Status {
	case StatusRunning, StatusSucceeded, StatusFailed:
	default:
		errs = append(errs, fmt.Errorf("invalid status %q", i.Status))
	}
	return errors.Join(errs...)
}

// Transition is one recorded pipeline state change.
type Transition struct {
	Modality string
	From     string
	To       string
	At       time.Time
}

type FailureKind string

const (
	KindConfiguration FailureKind = "configuration"
	KindPrerequisite  FailureKind = "prerequisite"
	KindExternalTool  FailureKind = "external_tool"
	KindShape         FailureKind = "shape"
	KindInternal      FailureKind = "internal"
)

// Failure is the recorded termination reason of an invocation.
type Failure struct {
	Kind     FailureKind
	Stage    string
	Message  string
	ExitCode int
}

func failureFromError(err error) (Failure, error) {
	if err == nil {
		return Failure{}, errors.New("nil error")
	}
	f := Failure{Message: err.Error(), ExitCode: failure.ExitCode(err)}
	switch {
	case errors.Is(err, failure.ErrConfiguration):
		f.Kind = KindConfiguration
	case errors.Is(err, failure.ErrPrerequisiteMissing):
		f.Kind = KindPrerequisite
	case errors.Is(err, failure.ErrShapeMismatch):
		f.Kind = KindShape
	case errors.Is(err, failure.ErrExternalTool):
		f.Kind = KindExternalTool
	default:
		f.Kind = KindInternal
	}
	var fe *failure.Error
	if errors.As(err, &fe) {
		f.Stage = fe.Stage
	}
	return f, nil
}
