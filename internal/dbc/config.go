package dbc

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is looked up at the project root.
const ConfigFileName = "dbc.yaml"

// DefaultCacheDir holds shadow files and overlay.json, relative to the root.
const DefaultCacheDir = ".dbc_cache"

// Config holds the build-time switches of a run.
type Config struct {
	// Disable removes every check.
	Disable bool `yaml:"disable"`
	// OverrideDebug makes normal clauses debug-only.
	OverrideDebug bool `yaml:"override_debug"`
	// OverrideLog makes normal and debug violations log instead of abort.
	// Test clauses and OverrideDebug take precedence.
	OverrideLog bool `yaml:"override_log"`
	// CacheDir overrides DefaultCacheDir.
	CacheDir string `yaml:"cache_dir"`
}

// LoadConfig reads a dbc.yaml file. A missing file yields the zero Config.
// Unknown keys are rejected.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("dbc: read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("dbc: parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("dbc: config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the engine cannot use.
func (c Config) Validate() error {
	if c.CacheDir == "" {
		return nil
	}
	if filepath.IsAbs(c.CacheDir) {
		return fmt.Errorf("cache_dir %q must be relative to the project root", c.CacheDir)
	}
	clean := filepath.ToSlash(filepath.Clean(c.CacheDir))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("cache_dir %q must stay inside the project root", c.CacheDir)
	}
	for _, part := range strings.Split(clean, "/") {
		if strings.HasPrefix(part, ".") {
			return nil
		}
	}
	return fmt.Errorf("cache_dir %q must be inside a hidden directory so it is not instrumented", c.CacheDir)
}

// Policy resolves the switches into a Policy.
func (c Config) Policy() Policy { return NewPolicy(c) }
