package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Save persists the configuration to a YAML file.
// Creates parent directories if they don't exist.
func Save(cfg *Config, path string) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}

// Template returns a starter project configuration for `verifsched init`.
func Template(topModule string) *Config {
	cfg := DefaultConfig()
	cfg.RepoName = topModule
	cfg.TopModule = topModule
	cfg.Regression.Tests = []RegressionTest{
		{Name: "smoke", Command: []string{"make", "-C", "tb", "smoke"}},
	}
	return cfg
}
