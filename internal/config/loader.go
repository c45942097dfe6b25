package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. VERIFSCHED_TOP_MODULE.
const EnvPrefix = "VERIFSCHED_"

// ProjectFile is the project configuration file name.
const ProjectFile = "verifsched.yaml"

// Load reads and merges configuration from global and project paths, then
// applies environment overrides.
// Order of precedence (highest to lowest): environment, project config,
// global config, defaults. Missing files are not errors; malformed YAML
// returns an error.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.verifsched/config.yaml
// Project: the given path, or verifsched.yaml in the working directory.
// A .env file next to the project file is loaded first; variables already
// set in the environment win.
func LoadDefault(projectPath string) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}

	if projectPath == "" {
		projectPath = ProjectFile
	}
	if err := LoadDotEnv(filepath.Join(filepath.Dir(projectPath), ".env")); err != nil {
		return nil, err
	}

	return Load(GlobalPath(homeDir), projectPath)
}

// GlobalPath returns the global config location under home.
func GlobalPath(home string) string {
	return filepath.Join(home, ".verifsched", "config.yaml")
}

// LoadDotEnv loads KEY=VALUE pairs from path into the environment without
// overriding existing variables. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// mergeConfigFile reads a YAML config file and merges it into the base config.
// Scalars and sections present in the file replace the base values; declared
// tasks are merged by name.
func mergeConfigFile(base *Config, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	prev := base.Tasks
	base.Tasks = nil
	if err := yaml.Unmarshal(data, base); err != nil {
		base.Tasks = prev
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	base.Tasks = mergeTasks(prev, base.Tasks)

	return nil
}

func mergeTasks(base, override []TaskConfig) []TaskConfig {
	out := slices.Clone(base)
	for _, t := range override {
		i := slices.IndexFunc(out, func(b TaskConfig) bool { return b.Name == t.Name })
		if i >= 0 {
			out[i] = t
			continue
		}
		out = append(out, t)
	}
	return out
}
