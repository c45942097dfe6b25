package config

import (
	"errors"
	"fmt"
	"path/filepath"
)

// Validate checks the fields every task needs and the task declarations.
// All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.CoreDir == "" {
		errs = append(errs, errors.New("core_dir is required"))
	}
	if c.TopModule == "" {
		errs = append(errs, errors.New("top_module is required"))
	}
	if c.Build == "" {
		errs = append(errs, errors.New("build must not be empty"))
	}
	if c.Build != filepath.Base(c.Build) {
		errs = append(errs, fmt.Errorf("build %q must be a plain name", c.Build))
	}

	switch c.Status.Backend {
	case "sqlite", "file":
	default:
		errs = append(errs, fmt.Errorf("status.backend %q must be sqlite or file", c.Status.Backend))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be console or json", c.Log.Format))
	}

	if c.Regression.Threads < 1 {
		errs = append(errs, fmt.Errorf("regression.threads must be at least 1, got %d", c.Regression.Threads))
	}
	testNames := make(map[string]bool)
	for i, t := range c.Regression.Tests {
		if t.Name == "" {
			errs = append(errs, fmt.Errorf("regression.tests[%d]: name is required", i))
		} else if testNames[t.Name] {
			errs = append(errs, fmt.Errorf("regression.tests[%d]: duplicate name %q", i, t.Name))
		}
		testNames[t.Name] = true
		if len(t.Command) == 0 {
			errs = append(errs, fmt.Errorf("regression.tests[%d]: command is required", i))
		}
	}

	taskNames := make(map[string]bool)
	for i, t := range c.Tasks {
		if t.Name == "" {
			errs = append(errs, fmt.Errorf("tasks[%d]: name is required", i))
		} else if taskNames[t.Name] {
			errs = append(errs, fmt.Errorf("tasks[%d]: duplicate name %q", i, t.Name))
		}
		taskNames[t.Name] = true
		if len(t.Command) == 0 {
			errs = append(errs, fmt.Errorf("tasks[%d] %s: command is required", i, t.Name))
		}
		if t.Timeout < 0 {
			errs = append(errs, fmt.Errorf("tasks[%d] %s: timeout must not be negative", i, t.Name))
		}
	}

	return errors.Join(errs...)
}

// BuildsDir returns <core_dir>/<working_dir>/builds.
func (c *Config) BuildsDir() string {
	return filepath.Join(c.CoreDir, c.WorkingDir, "builds")
}

// BuildDir returns the directory of the named build.
func (c *Config) BuildDir(build string) string {
	return filepath.Join(c.BuildsDir(), build)
}

// RTLPaths resolves rtl_dirs against core_dir.
func (c *Config) RTLPaths() []string {
	out := make([]string, 0, len(c.RTLDirs))
	for _, d := range c.RTLDirs {
		p := d.Path
		if !filepath.IsAbs(p) {
			p = filepath.Join(c.CoreDir, p)
		}
		out = append(out, p)
	}
	return out
}
