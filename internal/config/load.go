package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const envPrefix = "MESHPROBE"

// Env holds the environment overrides, read from MESHPROBE_* variables.
type Env struct {
	SSHKey      string `envconfig:"SSH_KEY"`
	Transport   string `envconfig:"TRANSPORT"`
	LogLevel    string `envconfig:"LOG_LEVEL"`
	MetricsFile string `envconfig:"METRICS_FILE"`
	PidDir      string `envconfig:"PID_DIR"`
	LogDir      string `envconfig:"LOG_DIR"`
}

// ParseFile loads and validates a scenario file.
func ParseFile(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario: %w", err)
	}

	s, err := Parse(data, path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse scenario %s: %w", path, err)
	}
	return s, nil
}

// Parse decodes a scenario, applies defaults and environment overrides,
// resolves relative paths against the directory of path and validates the
// result.
func Parse(data []byte, path string) (*Scenario, error) {
	s := &Scenario{Path: path, Timing: DefaultTiming}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("scenario is empty")
		}
		return nil, fmt.Errorf("invalid scenario format: %w", err)
	}

	s.applyDefaults()

	dir := "."
	if path != "" {
		dir = filepath.Dir(path)
	}
	s.resolvePaths(dir)

	if err := s.applyEnv(); err != nil {
		return nil, err
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// applyEnv overrides fields from MESHPROBE_* variables. Relative paths in
// the environment are taken relative to the working directory.
func (s *Scenario) applyEnv() error {
	var env Env
	if err := envconfig.Process(envPrefix, &env); err != nil {
		return fmt.Errorf("failed to process env vars: %w", err)
	}

	if env.SSHKey != "" {
		s.SSH.Key = absPath(env.SSHKey)
	}
	if env.Transport != "" {
		s.Transport = env.Transport
	}
	if env.LogLevel != "" {
		s.LogLevel = env.LogLevel
	}
	if env.MetricsFile != "" {
		s.MetricsFile = absPath(env.MetricsFile)
	}
	if env.PidDir != "" {
		s.Launcher.PidDir = absPath(env.PidDir)
	}
	if env.LogDir != "" {
		s.Launcher.LogDir = absPath(env.LogDir)
	}
	return nil
}

// resolvePaths makes every relative local path absolute. The launcher
// script is relative to the launcher directory, everything else to dir.
func (s *Scenario) resolvePaths(dir string) {
	if s.Launcher.Dir == "" {
		s.Launcher.Dir = dir
	}
	s.Launcher.Dir = absPath(joinRelative(dir, s.Launcher.Dir))
	s.Launcher.Script = joinRelative(s.Launcher.Dir, s.Launcher.Script)
	s.Launcher.PidDir = joinRelative(dir, s.Launcher.PidDir)
	s.Launcher.LogDir = joinRelative(dir, s.Launcher.LogDir)
	s.SSH.Key = joinRelative(dir, s.SSH.Key)
	s.Package.Path = joinRelative(dir, s.Package.Path)
	s.MetricsFile = joinRelative(dir, s.MetricsFile)

	for i := range s.Hosts {
		s.Hosts[i].Config = joinRelative(dir, s.Hosts[i].Config)
	}
	if s.Mutation != nil {
		s.Mutation.Config = joinRelative(dir, s.Mutation.Config)
	}
}

func joinRelative(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

func absPath(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	return abs
}
