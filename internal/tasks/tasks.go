// Package tasks defines the built-in verification tasks and builds the task
// catalog for one build directory.
package tasks

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/verifgui/verifsched/internal/config"
	"github.com/verifgui/verifsched/internal/scheduler"
	"github.com/verifgui/verifsched/internal/status"
)

// Built-in task names.
const (
	Parser     = "Parser"
	Linter     = "Linter"
	Coverage   = "Coverage"
	Regression = "Regression"
	Report     = "Report"
)

// Artifact file names written into the build directory.
const (
	LintMessagesFile      = "linter_messages.yaml"
	LintErrorsFile        = "linter_errors.yaml"
	CoverageDir           = "coverage_files"
	CoverageMessagesFile  = "coverage_messages.yaml"
	CoverageSummaryFile   = "coverage_summary.yaml"
	RegressionLogFile     = "regression.log"
	RegressionResultsFile = "regression_results.yaml"
	ReportFile            = "final_report.md"
	RTLFilesList          = "rtlfiles.lst"
)

// Env is everything a task body reads. It is built once per build and not
// modified afterwards.
type Env struct {
	Config   *config.Config
	Build    string
	BuildDir string       // Absolute
	Store    status.Store // Read by Report only
	Locks    *ArtifactLocks
	Logger   zerolog.Logger
}

// NewEnv resolves the build directory of cfg.Build.
func NewEnv(cfg *config.Config, store status.Store, logger zerolog.Logger) (Env, error) {
	dir, err := filepath.Abs(cfg.BuildDir(cfg.Build))
	if err != nil {
		return Env{}, fmt.Errorf("resolve build directory: %w", err)
	}
	return Env{
		Config:   cfg,
		Build:    cfg.Build,
		BuildDir: dir,
		Store:    store,
		Locks:    NewArtifactLocks(),
		Logger:   logger,
	}, nil
}

// path returns name inside the build directory.
func (e Env) path(name string) string {
	return filepath.Join(e.BuildDir, name)
}

// parseDir is where the parser writes its YAML outputs.
func (e Env) parseDir() string {
	return e.path("sv_" + e.Config.TopModule)
}

// NewCatalog registers the built-in tasks followed by the tasks declared in
// the configuration, and validates the result.
func NewCatalog(env Env) (*scheduler.Catalog, error) {
	c := scheduler.NewCatalog()

	builtins := []scheduler.Descriptor{
		{
			Name:        Parser,
			Description: "SystemVerilog design parser (rSVParser)",
			Body:        parserBody(env),
			FollowOns:   []string{Linter},
		},
		{
			Name:         Linter,
			Description:  "SystemVerilog linter (Verilator)",
			Dependencies: []string{Parser},
			Body:         linterBody(env),
			Evaluate:     lintOutcome,
			FollowOns:    []string{Report},
		},
		{
			Name:        Coverage,
			Description: "Parse annotated coverage files",
			Body:        coverageBody(env),
		},
		{
			Name:         Regression,
			Description:  "Run regression tests",
			Dependencies: []string{Parser},
			Body:         regressionBody(env),
			FollowOns:    []string{Report},
		},
		{
			Name:         Report,
			Description:  "Generate project report",
			Dependencies: []string{Linter},
			Body:         reportBody(env, c),
		},
	}
	for _, d := range builtins {
		if err := c.Register(d); err != nil {
			return nil, err
		}
	}

	for _, tc := range env.Config.Tasks {
		if err := c.Register(commandDescriptor(env, tc)); err != nil {
			return nil, fmt.Errorf("declared task %s: %w", tc.Name, err)
		}
	}

	if _, err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// writeYAML encodes v to name in the build directory, replacing it atomically.
func writeYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return writeFileAtomic(path, data)
}

func readYAML(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return fmt.Errorf("chmod %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
