package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"reapply/internal/failure"
)

// ToolConfig configures one external executable.
type ToolConfig struct {
	Command  string            `yaml:"command"`
	Function string            `yaml:"function"`
	Env      map[string]string `yaml:"env"`
}

// BackendsConfig holds the cleanup backend executables.
type BackendsConfig struct {
	Compiled    ToolConfig `yaml:"compiled"`
	Interpreted ToolConfig `yaml:"interpreted"`
	Octave      ToolConfig `yaml:"octave"`
}

// FileConfig is the optional YAML configuration file.
type FileConfig struct {
	Backends   BackendsConfig `yaml:"backends"`
	Normalizer ToolConfig     `yaml:"normalizer"`
	Jobs       int            `yaml:"jobs"`
}

// LoadFileConfig reads a YAML configuration file. Unknown fields and multiple
// documents are configuration errors. An empty file yields the zero config.
func LoadFileConfig(path string) (FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, failure.Configf("read config %s: %v", path, err)
	}
	var cfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return FileConfig{}, nil
		}
		return FileConfig{}, failure.Configf("parse config %s: %v", path, err)
	}
	var extra any
	if err := dec.Decode(&extra); err == nil {
		return FileConfig{}, failure.Configf("config %s: multiple YAML documents are not supported", path)
	} else if !errors.Is(err, io.EOF) {
		return FileConfig{}, failure.Configf("parse config %s: %v", path, err)
	}
	if cfg.Jobs < 0 {
		return FileConfig{}, failure.Configf("config %s: jobs must not be negative", path)
	}
	return cfg, nil
}

func (c ToolConfig) String() string {
	if c.Function != "" {
		return fmt.Sprintf("%s (%s)", c.Command, c.Function)
	}
	return c.Command
}
