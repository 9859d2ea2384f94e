package cli

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/multierr"

	"reapply/internal/cleanup"
	"reapply/internal/failure"
	"reapply/internal/layout"
	"reapply/internal/normalize"
)

// RunSeparator splits the --fmri-names list.
const RunSeparator = "@"

// Normalizer backend names.
const (
	NormalizerNative  = "native"
	NormalizerCommand = "command"
)

// Flags holds the raw command-line values before canonicalization.
type Flags struct {
	WorkDir          string
	StudyFolder      string
	Subject          string
	FMRINames        string
	ConcatName       string
	HighPass         string
	RegName          string
	LowResMesh       string
	RunMode          string
	MotionRegression string
	Aggressive       bool
	Normalizer       string
	Jobs             int
	ConfigPath       string
	CacheDir         string
	MetricsFile      string
	Verbose          bool
}

// Invocation is the fully canonicalized, deterministic description of a run.
//
// All paths are absolute and cleaned. Relative paths are resolved against
// WorkDir, never against the process working directory.
type Invocation struct {
	WorkDir          string
	Layout           layout.Layout
	Runs             []string
	HighPass         normalize.HighPass
	RunMode          cleanup.Mode
	MotionRegression bool
	Aggressive       bool
	Normalizer       string
	Jobs             int
	CacheDir         string
	MetricsFile      string
	Verbose          bool
	File             FileConfig
}

// InvocationError is a malformed command line: unknown flags or positional
// arguments.
type InvocationError struct {
	ExitCode int
	Message  string
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{ExitCode: failure.ExitInvalidInvocation, Message: fmt.Sprintf(format, args...)}
}

// ParseBool coerces the textual boolean forms accepted by --motion-regression.
func ParseBool(raw string) (bool, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "TRUE", "YES", "1":
		return true, nil
	case "FALSE", "NO", "NONE", "0":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean %q: expected TRUE/YES/1 or FALSE/NO/NONE/0", raw)
	}
}

// ParseRuns splits an @-separated run list. Blank entries and duplicates are
// rejected.
func ParseRuns(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, errors.New("--fmri-names is required")
	}
	parts := strings.Split(raw, RunSeparator)
	runs := make([]string, 0, len(parts))
	seen := make(map[string]bool, len(parts))
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil, fmt.Errorf("--fmri-names entry %d is empty", i+1)
		}
		if strings.ContainsRune(p, filepath.Separator) {
			return nil, fmt.Errorf("--fmri-names entry %q must not contain a path separator", p)
		}
		if seen[p] {
			return nil, fmt.Errorf("--fmri-names lists %q more than once", p)
		}
		seen[p] = true
		runs = append(runs, p)
	}
	return runs, nil
}

// Canonicalize validates f and file together and produces an Invocation.
// Every problem is collected and reported in one ConfigError.
//
// jobsSet reports whether --jobs was given explicitly; it overrides the file.
func Canonicalize(f Flags, file FileConfig, jobsSet bool) (Invocation, error) {
	var errs error
	inv := Invocation{
		Aggressive:  f.Aggressive,
		Verbose:     f.Verbose,
		File:        file,
		Normalizer:  strings.ToLower(strings.TrimSpace(f.Normalizer)),
		MetricsFile: f.MetricsFile,
	}

	if f.WorkDir != "" {
		wd := filepath.Clean(f.WorkDir)
		if !filepath.IsAbs(wd) {
			errs = multierr.Append(errs, fmt.Errorf("--workdir must be an absolute path (got %q)", f.WorkDir))
		} else {
			inv.WorkDir = wd
		}
	}

	study, err := resolveUnderWorkDir(inv.WorkDir, f.StudyFolder, "--study-folder")
	errs = multierr.Append(errs, err)

	subject := strings.TrimSpace(f.Subject)
	if subject == "" {
		errs = multierr.Append(errs, errors.New("--subject is required"))
	}
	concat := strings.TrimSpace(f.ConcatName)
	if concat == "" {
		errs = multierr.Append(errs, errors.New("--concat-fmri-name is required"))
	}

	runs, err := ParseRuns(f.FMRINames)
	errs = multierr.Append(errs, err)
	inv.Runs = runs
	for _, r := range runs {
		if r == concat {
			errs = multierr.Append(errs, fmt.Errorf("run %q has the same name as the concatenation", r))
		}
	}

	if strings.TrimSpace(f.HighPass) == "" {
		errs = multierr.Append(errs, errors.New("--high-pass is required"))
	} else {
		hp, err := normalize.ParseHighPass(f.HighPass)
		errs = multierr.Append(errs, err)
		inv.HighPass = hp
	}

	mode, err := cleanup.ParseMode(f.RunMode)
	errs = multierr.Append(errs, err)
	inv.RunMode = mode

	motion, err := ParseBool(f.MotionRegression)
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("--motion-regression: %w", err))
	}
	inv.MotionRegression = motion

	mesh := strings.TrimSpace(f.LowResMesh)
	if mesh == "" {
		mesh = layout.DefaultLowResMesh
	}

	switch inv.Normalizer {
	case "":
		inv.Normalizer = NormalizerNative
	case NormalizerNative:
	case NormalizerCommand:
		if file.Normalizer.Command == "" {
			errs = multierr.Append(errs, errors.New("--normalizer command requires normalizer.command in the config file"))
		}
	default:
		errs = multierr.Append(errs, fmt.Errorf("unknown --normalizer %q (expected native|command)", f.Normalizer))
	}

	if mode == cleanup.ModeCompiled && file.Backends.Compiled.Command == "" {
		errs = multierr.Append(errs, errors.New("run mode 0 requires backends.compiled.command in the config file"))
	}

	inv.Jobs = file.Jobs
	if jobsSet || inv.Jobs == 0 {
		inv.Jobs = f.Jobs
	}
	if inv.Jobs < 1 {
		errs = multierr.Append(errs, fmt.Errorf("--jobs must be at least 1 (got %d)", inv.Jobs))
	}

	inv.Layout = layout.Layout{
		StudyFolder: study,
		Subject:     subject,
		Concat:      concat,
		HighPass:    inv.HighPass.Token(),
		RegName:     strings.TrimSpace(f.RegName),
		LowResMesh:  mesh,
	}

	if f.CacheDir != "" {
		dir, err := resolveUnderWorkDir(inv.WorkDir, f.CacheDir, "--cache-dir")
		errs = multierr.Append(errs, err)
		inv.CacheDir = dir
	} else if study != "" && subject != "" && concat != "" {
		inv.CacheDir = inv.Layout.DefaultCacheDir()
	}
	if f.MetricsFile != "" {
		p, err := resolveUnderWorkDir(inv.WorkDir, f.MetricsFile, "--metrics-file")
		errs = multierr.Append(errs, err)
		inv.MetricsFile = p
	}

	if errs != nil {
		return Invocation{}, failure.Batch(errs)
	}
	return inv, nil
}

// resolveUnderWorkDir returns p cleaned; relative paths are joined to workDir,
// which must then be set.
func resolveUnderWorkDir(workDir, p, flag string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("%s is required", flag)
	}
	clean := filepath.Clean(p)
	if filepath.IsAbs(clean) {
		return clean, nil
	}
	if workDir == "" {
		return "", fmt.Errorf("%s %q is relative; pass an absolute path or --workdir", flag, p)
	}
	return filepath.Join(workDir, clean), nil
}
