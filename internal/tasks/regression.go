package tasks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/verifgui/verifsched/internal/config"
	"github.com/verifgui/verifsched/internal/worker"
)

// TestResult is the outcome of one regression test.
type TestResult struct {
	Name     string        `yaml:"name"`
	Passed   bool          `yaml:"passed"`
	ExitCode int           `yaml:"exit_code"`
	TimedOut bool          `yaml:"timed_out,omitempty"`
	Elapsed  time.Duration `yaml:"elapsed"`
	Error    string        `yaml:"error,omitempty"`
}

// RegressionResults is written to regression_results.yaml.
type RegressionResults struct {
	Passed int          `yaml:"passed"`
	Failed int          `yaml:"failed"`
	Tests  []TestResult `yaml:"tests"`
}

func regressionBody(env Env) worker.Func {
	return func(ctx context.Context, p *worker.Proc) (worker.Output, error) {
		cfg := env.Config.Regression
		if len(cfg.Tests) == 0 {
			return worker.Output{ExitCode: 1, Stderr: "no regression tests configured (regression.tests)"}, nil
		}

		logPath := env.path(RegressionLogFile)
		if err := os.WriteFile(logPath, nil, 0644); err != nil {
			return worker.Output{}, fmt.Errorf("truncate %s: %w", RegressionLogFile, err)
		}

		p.Log("Running %d regression tests on %d threads...", len(cfg.Tests), cfg.Threads)

		var mu sync.Mutex
		results := make([]TestResult, 0, len(cfg.Tests))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(max(cfg.Threads, 1))
		for _, test := range cfg.Tests {
			test := test
			g.Go(func() error {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				r := runTest(gctx, env, p, test)

				mu.Lock()
				results = append(results, r)
				mu.Unlock()

				// A kill ends the whole run; test failures do not.
				return ctx.Err()
			})
		}
		waitErr := g.Wait()

		sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
		out := RegressionResults{Tests: results}
		var failed []string
		for _, r := range results {
			if r.Passed {
				out.Passed++
			} else {
				out.Failed++
				failed = append(failed, r.Name)
			}
		}

		resultsPath := env.path(RegressionResultsFile)
		if err := env.Locks.With([]string{resultsPath}, func() error { return writeYAML(resultsPath, out) }); err != nil {
			return worker.Output{}, err
		}

		summary := fmt.Sprintf("%d passed, %d failed", out.Passed, out.Failed)
		p.Log("Regression finished: %s", summary)

		if waitErr != nil {
			return worker.Output{ExitCode: -1, Stdout: summary, Stderr: "regression interrupted"}, nil
		}
		if len(failed) > 0 {
			return worker.Output{ExitCode: 1, Stdout: summary, Stderr: "failing tests: " + strings.Join(failed, ", ")}, nil
		}
		return worker.Output{Stdout: summary}, nil
	}
}

// runTest runs one test command and appends its output to the shared log.
func runTest(ctx context.Context, env Env, p *worker.Proc, test config.RegressionTest) TestResult {
	r := TestResult{Name: test.Name}
	start := time.Now()

	if test.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, test.Timeout)
		defer cancel()
	}

	dir := env.BuildDir
	if test.Dir != "" {
		dir = filepath.Join(env.BuildDir, test.Dir)
	}

	res, err := p.Exec(ctx, worker.Command{
		Name:  test.Command[0],
		Args:  test.Command[1:],
		Dir:   dir,
		Env:   commandEnv(env, test.Env),
		Label: test.Name,
	})
	r.Elapsed = time.Since(start).Round(time.Millisecond)
	r.ExitCode = res.ExitCode

	switch {
	case err != nil:
		r.ExitCode = worker.ExitInternalError
		r.Error = err.Error()
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		r.TimedOut = true
		r.Error = fmt.Sprintf("timed out after %s", test.Timeout)
	default:
		r.Passed = res.ExitCode == 0
	}

	logPath := env.path(RegressionLogFile)
	env.Locks.Lock(logPath)
	defer env.Locks.Unlock(logPath)

	f, ferr := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if ferr != nil {
		env.Logger.Warn().Err(ferr).Str("test", test.Name).Msg("regression log not written")
		return r
	}
	defer f.Close()

	status := "PASSED"
	if !r.Passed {
		status = "FAILED"
	}
	fmt.Fprintf(f, "==== %s %s (exit %d, %s)\n%s", test.Name, status, r.ExitCode, r.Elapsed, res.Stdout)
	if res.Stderr != "" {
		fmt.Fprintf(f, "---- stderr\n%s", res.Stderr)
	}
	if r.Error != "" {
		fmt.Fprintf(f, "---- %s\n", r.Error)
	}
	return r
}
