// Package layout computes every artifact path from explicit parameters.
// Nothing here consults the process working directory.
package layout

import (
	"fmt"
	"path/filepath"
	"strings"

	"reapply/internal/series"
)

// DefaultLowResMesh is the mesh resolution that adds no naming suffix.
const DefaultLowResMesh = "32"

// Modality distinguishes the volumetric and surface-mapped products of a run.
type Modality string

const (
	Volume  Modality = "volume"
	Surface Modality = "surface"
)

// Names of fixed-name files.
const (
	HandNoiseFile    = "HandNoise.txt"
	AutoNoiseFile    = "Noise.txt"
	MotionFile       = "Movement_Regressors.txt"
	MotionConcatFile = "Movement_Regressors_demean.txt"
	stateDir         = ".reapply"
)

// Layout is the naming scheme for one subject and concatenation.
type Layout struct {
	StudyFolder string
	Subject     string
	Concat      string

	// HighPass is the canonical highpass token, e.g. "2000", "0" or "pd2".
	HighPass string

	// RegName is the surface registration. Empty or NONE means no suffix.
	RegName string

	// LowResMesh is the mesh resolution; non-default values add "_<N>k".
	LowResMesh string
}

// RegSuffix returns the registration/mesh suffix used in surface names.
func (l Layout) RegSuffix() string {
	var b strings.Builder
	if !IsNoReg(l.RegName) {
		b.WriteString("_")
		b.WriteString(l.RegName)
	}
	if l.LowResMesh != "" && l.LowResMesh != DefaultLowResMesh {
		fmt.Fprintf(&b, "_%sk", l.LowResMesh)
	}
	return b.String()
}

// IsNoReg reports whether name selects "no registration suffix".
func IsNoReg(name string) bool {
	n := strings.TrimSpace(name)
	return n == "" || strings.EqualFold(n, "NONE")
}

func (l Layout) hp() string { return "_hp" + l.HighPass }

// ResultsDir is <study>/<subject>/MNINonLinear/Results.
func (l Layout) ResultsDir() string {
	return filepath.Join(l.StudyFolder, l.Subject, "MNINonLinear", "Results")
}

// RunDir is the run-scoped directory.
func (l Layout) RunDir(run string) string {
	return filepath.Join(l.ResultsDir(), run)
}

// ConcatDir is the concatenation-scoped directory.
func (l Layout) ConcatDir() string {
	return filepath.Join(l.ResultsDir(), l.Concat)
}

// Base returns the file stem of name for modality m.
func (l Layout) Base(name string, m Modality) string {
	if m == Surface {
		return name + "_Atlas" + l.RegSuffix()
	}
	return name
}

func (l Layout) runFile(run string, m Modality, suffix string) string {
	return filepath.Join(l.RunDir(run), l.Base(run, m)+suffix+series.Ext)
}

func (l Layout) concatFile(m Modality, suffix string) string {
	return filepath.Join(l.ConcatDir(), l.Base(l.Concat, m)+suffix+series.Ext)
}

// RunInput is the acquired time series of run.
func (l Layout) RunInput(run string, m Modality) string { return l.runFile(run, m, "") }

// RunMean is the run's temporal mean map.
func (l Layout) RunMean(run string, m Modality) string { return l.runFile(run, m, "_mean") }

// RunDemeaned is the run's demeaned series.
func (l Layout) RunDemeaned(run string, m Modality) string { return l.runFile(run, m, "_demean") }

// RunVNSeries is the run's highpassed, variance-normalized series.
func (l Layout) RunVNSeries(run string, m Modality) string {
	return l.runFile(run, m, l.hp()+"_vn")
}

// RunVNMap is the run's variance-normalization map.
func (l Layout) RunVNMap(run string, m Modality) string {
	return l.runFile(run, m, l.hp()+"_vnmap")
}

// RunSegment is the run's slice of the cleaned concatenation, before rescaling.
func (l Layout) RunSegment(run string, m Modality) string {
	return l.runFile(run, m, l.hp()+"_clean_split")
}

// RunClean is the run's final cleaned output.
func (l Layout) RunClean(run string, m Modality) string {
	return l.runFile(run, m, l.hp()+"_clean")
}

// RunMotion is the run's motion regressor table.
func (l Layout) RunMotion(run string) string {
	return filepath.Join(l.RunDir(run), MotionFile)
}

// ConcatVNSeries is the merged variance-normalized series.
func (l Layout) ConcatVNSeries(m Modality) string { return l.concatFile(m, l.hp()+"_vn") }

// ConcatMean is the pooled mean map.
func (l Layout) ConcatMean(m Modality) string { return l.concatFile(m, "_mean") }

// ConcatVNMap is the pooled VN map.
func (l Layout) ConcatVNMap(m Modality) string { return l.concatFile(m, l.hp()+"_vnmap") }

// ConcatScaled is the pooled-scale series handed to cleanup.
func (l Layout) ConcatScaled(m Modality) string { return l.concatFile(m, l.hp()) }

// ConcatCleaned is the cleanup output (no mean).
func (l Layout) ConcatCleaned(m Modality) string {
	return l.concatFile(m, l.hp()+"_clean_nomean")
}

// ConcatClean is the pooled cleaned output with the pooled mean restored.
func (l Layout) ConcatClean(m Modality) string { return l.concatFile(m, l.hp()+"_clean") }

// Manifest is the run manifest of modality m.
func (l Layout) Manifest(m Modality) string {
	return filepath.Join(l.ConcatDir(), l.Base(l.Concat, m)+l.hp()+"_manifest.json")
}

// ICADir holds the decomposition and its classification.
func (l Layout) ICADir() string {
	return filepath.Join(l.ConcatDir(), l.Concat+l.hp()+".ica")
}

// HandNoise is the hand-reclassified noise component list.
func (l Layout) HandNoise() string { return filepath.Join(l.ICADir(), HandNoiseFile) }

// AutoNoise is the prior automated noise component list.
func (l Layout) AutoNoise() string { return filepath.Join(l.ICADir(), AutoNoiseFile) }

// ConcatMotion is the concatenated, demeaned motion table.
func (l Layout) ConcatMotion() string { return filepath.Join(l.ConcatDir(), MotionConcatFile) }

// Provenance is the human-readable note listing constituent runs.
func (l Layout) Provenance() string {
	return filepath.Join(l.ConcatDir(), l.Concat+l.hp()+"_clean_runs.txt")
}

// StateDir holds the cache and ledger for this concatenation.
func (l Layout) StateDir() string { return filepath.Join(l.ConcatDir(), stateDir) }

// DefaultCacheDir is the artifact cache used when none is configured.
func (l Layout) DefaultCacheDir() string { return filepath.Join(l.StateDir(), "cache") }

// LedgerPath is the sqlite invocation ledger.
func (l Layout) LedgerPath() string { return filepath.Join(l.StateDir(), "ledger.db") }

// TracePath is the canonical step trace of the latest invocation.
func (l Layout) TracePath() string { return filepath.Join(l.StateDir(), "trace.json") }
