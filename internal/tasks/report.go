package tasks

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/verifgui/verifsched/internal/scheduler"
	"github.com/verifgui/verifsched/internal/worker"
)

// reportBody writes final_report.md. It cannot be cancelled.
func reportBody(env Env, catalog *scheduler.Catalog) worker.Func {
	return func(_ context.Context, p *worker.Proc) (worker.Output, error) {
		text, err := RenderReport(context.Background(), env, catalog.Names(), time.Now())
		if err != nil {
			return worker.Output{}, err
		}

		path := env.path(ReportFile)
		p.Log("Writing final report to: %s", path)
		if err := writeFileAtomic(path, []byte(text)); err != nil {
			return worker.Output{}, err
		}
		return worker.Output{Stdout: path}, nil
	}
}

// RenderReport builds the markdown report from the status store and the
// artifacts in the build directory. Missing artifacts are reported as such.
func RenderReport(ctx context.Context, env Env, names []string, now time.Time) (string, error) {
	cfg := env.Config
	var b strings.Builder

	repo := cfg.RepoName
	if repo == "" {
		repo = cfg.TopModule
	}
	fmt.Fprintf(&b, "# Auto-Generated Verification Report for %s\n\n", repo)
	fmt.Fprintf(&b, "- Top-level module: %s\n", cfg.TopModule)
	fmt.Fprintf(&b, "- Build: %s\n", env.Build)
	fmt.Fprintf(&b, "- Generated: %s\n\n", now.Format(time.RFC3339))

	records, err := env.Store.All(ctx)
	if err != nil {
		return "", fmt.Errorf("read task status: %w", err)
	}

	b.WriteString("# Task Status\n\n| Task | Status | Last run |\n|---|---|---|\n")
	for _, name := range names {
		rec, ok := records[name]
		state, last := "not started", "never"
		if ok {
			state = string(rec.Status)
			if !rec.Finished {
				state = "not started"
			}
			if !rec.LastRun.IsZero() {
				last = humanize.RelTime(rec.LastRun, now, "ago", "from now")
			}
		}
		// The report is written by the Report task itself.
		if name == Report {
			state, last = "running", "now"
		}
		fmt.Fprintf(&b, "| %s | %s | %s |\n", name, state, last)
	}
	b.WriteString("\n")

	b.WriteString("# Lint Report\n\n")
	var messages []LintMessage
	switch err := readYAML(env.path(LintMessagesFile), &messages); {
	case errors.Is(err, fs.ErrNotExist):
		b.WriteString("Linter has not produced any messages.\n\n")
	case err != nil:
		return "", err
	default:
		writeLintSummary(&b, messages)
	}
	var general []string
	if err := readYAML(env.path(LintErrorsFile), &general); err == nil && len(general) > 0 {
		fmt.Fprintf(&b, "General errors (%d):\n\n", len(general))
		for _, e := range general {
			fmt.Fprintf(&b, "- %s\n", e)
		}
		b.WriteString("\n")
	}

	b.WriteString("# Coverage Report\n\n")
	var cov CoverageSummary
	switch err := readYAML(env.path(CoverageSummaryFile), &cov); {
	case errors.Is(err, fs.ErrNotExist):
		b.WriteString("Coverage has not been parsed.\n\n")
	case err != nil:
		return "", err
	default:
		pct := 100.0
		if cov.Total > 0 {
			pct = 100 * float64(cov.Total-cov.Uncovered) / float64(cov.Total)
		}
		fmt.Fprintf(&b, "- Annotated lines: %s\n- Uncovered: %s\n- Line coverage: %.1f%%\n\n",
			humanize.Comma(int64(cov.Total)), humanize.Comma(int64(cov.Uncovered)), pct)
	}

	b.WriteString("# Regression Report\n\n")
	var reg RegressionResults
	switch err := readYAML(env.path(RegressionResultsFile), &reg); {
	case errors.Is(err, fs.ErrNotExist):
		b.WriteString("Regression has not been run.\n")
	case err != nil:
		return "", err
	default:
		fmt.Fprintf(&b, "%d passed, %d failed\n\n| Test | Result | Time |\n|---|---|---|\n", reg.Passed, reg.Failed)
		for _, t := range reg.Tests {
			result := "passed"
			switch {
			case t.TimedOut:
				result = "timed out"
			case !t.Passed:
				result = fmt.Sprintf("failed (exit %d)", t.ExitCode)
			}
			fmt.Fprintf(&b, "| %s | %s | %s |\n", t.Name, result, t.Elapsed)
		}
	}

	return b.String(), nil
}

func writeLintSummary(b *strings.Builder, messages []LintMessage) {
	var warnings, errs int
	byType := make(map[string]int)
	for _, m := range messages {
		if m.Error {
			errs++
		} else {
			warnings++
		}
		byType[m.Type]++
	}
	fmt.Fprintf(b, "- Warnings: %d\n- Errors: %d\n\n", warnings, errs)
	if len(byType) == 0 {
		return
	}

	types := make([]string, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool {
		if byType[types[i]] != byType[types[j]] {
			return byType[types[i]] > byType[types[j]]
		}
		return types[i] < types[j]
	})

	b.WriteString("| Type | Count |\n|---|---|\n")
	for _, t := range types {
		fmt.Fprintf(b, "| %s | %d |\n", t, byType[t])
	}
	b.WriteString("\n")
}
