package cleanup

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"reapply/internal/failure"
	"reapply/internal/layout"
)

// Classification is the noise component list chosen for cleanup.
type Classification struct {
	Path       string
	Hand       bool
	Components []int
}

// Source describes where the list came from.
func (c Classification) Source() string {
	if c.Hand {
		return "hand"
	}
	return "automated"
}

// SelectClassification picks the hand reclassification in icaDir when present
// and falls back to the prior automated list.
func SelectClassification(icaDir string) (Classification, error) {
	hand := filepath.Join(icaDir, layout.HandNoiseFile)
	auto := filepath.Join(icaDir, layout.AutoNoiseFile)

	var c Classification
	switch {
	case fileExists(hand):
		c = Classification{Path: hand, Hand: true}
	case fileExists(auto):
		c = Classification{Path: auto}
	default:
		return Classification{}, failure.Prerequisitef(Stage, "no noise classification in %s (expected %s or %s)",
			icaDir, layout.HandNoiseFile, layout.AutoNoiseFile)
	}
	comps, err := ReadComponents(c.Path)
	if err != nil {
		return Classification{}, err
	}
	c.Components = comps
	return c, nil
}

// ReadComponents parses a component list file.
func ReadComponents(path string) ([]int, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, failure.Prerequisitef(Stage, "component list %s does not exist", path)
	}
	if err != nil {
		return nil, fmt.Errorf("read component list: %w", err)
	}
	comps, err := ParseComponents(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return comps, nil
}

// ParseComponents parses 1-based component indices separated by whitespace or
// commas, optionally wrapped in brackets. With several lines only the last
// non-empty one is read.
func ParseComponents(text string) ([]int, error) {
	var last string
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) != "" {
			last = line
		}
	}
	last = strings.TrimSpace(last)
	last = strings.TrimPrefix(last, "[")
	last = strings.TrimSuffix(last, "]")

	fields := strings.FieldsFunc(last, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\r'
	})
	comps := make([]int, 0, len(fields))
	seen := make(map[int]bool, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, failure.Configf("component %q is not an integer", f)
		}
		if n < 1 {
			return nil, failure.Configf("component %d is not a 1-based index", n)
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		comps = append(comps, n)
	}
	return comps, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
