package tasks

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/verifgui/verifsched/internal/config"
	"github.com/verifgui/verifsched/internal/status"
)

func TestRegressionTask(t *testing.T) {
	tests := []struct {
		name       string
		tests      []config.RegressionTest
		wantPassed int
		wantFailed int
		wantErr    string
	}{
		{
			name: "all pass",
			tests: []config.RegressionTest{
				{Name: "smoke", Command: []string{"sh", "-c", "echo smoke ok"}},
				{Name: "alu", Command: []string{"sh", "-c", "echo $ALU_SEED"}, Env: map[string]string{"ALU_SEED": "42"}},
			},
			wantPassed: 2,
		},
		{
			name: "one failure",
			tests: []config.RegressionTest{
				{Name: "smoke", Command: []string{"sh", "-c", "echo smoke ok"}},
				{Name: "fifo", Command: []string{"sh", "-c", "echo overflow >&2; exit 3"}},
			},
			wantPassed: 1,
			wantFailed: 1,
			wantErr:    "failing tests: fifo",
		},
		{
			name: "timeout",
			tests: []config.RegressionTest{
				{Name: "hang", Command: []string{"sleep", "10"}, Timeout: 100 * time.Millisecond},
			},
			wantFailed: 1,
			wantErr:    "failing tests: hang",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, func(c *config.Config) {
				c.Regression.Threads = 2
				c.Regression.Tests = tt.tests
			})
			setStatus(t, env, Parser, status.Passed)

			err := runChain(t, env, Regression)
			if tt.wantErr == "" && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != "" && (err == nil || !strings.Contains(err.Error(), tt.wantErr)) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}

			var results RegressionResults
			if err := readYAML(filepath.Join(env.BuildDir, RegressionResultsFile), &results); err != nil {
				t.Fatalf("results not written: %v", err)
			}
			if results.Passed != tt.wantPassed || results.Failed != tt.wantFailed {
				t.Errorf("expected %d passed %d failed, got %+v", tt.wantPassed, tt.wantFailed, results)
			}
			if len(results.Tests) != len(tt.tests) {
				t.Errorf("expected %d results, got %d", len(tt.tests), len(results.Tests))
			}

			log, err := os.ReadFile(filepath.Join(env.BuildDir, RegressionLogFile))
			if err != nil {
				t.Fatalf("log not written: %v", err)
			}
			for _, test := range tt.tests {
				if !strings.Contains(string(log), "==== "+test.Name+" ") {
					t.Errorf("log has no section for %s:\n%s", test.Name, log)
				}
			}
		})
	}
}

func TestRegressionTaskDetails(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Regression.Tests = []config.RegressionTest{
			{Name: "seeded", Command: []string{"sh", "-c", "echo seed=$SEED"}, Env: map[string]string{"SEED": "7"}},
			{Name: "hang", Command: []string{"sleep", "10"}, Timeout: 100 * time.Millisecond},
		}
	})
	setStatus(t, env, Parser, status.Passed)

	runChain(t, env, Regression)

	var results RegressionResults
	if err := readYAML(filepath.Join(env.BuildDir, RegressionResultsFile), &results); err != nil {
		t.Fatalf("results not written: %v", err)
	}
	// Sorted by name.
	hang, seeded := results.Tests[0], results.Tests[1]
	if hang.Name != "hang" || !hang.TimedOut || hang.Passed {
		t.Errorf("unexpected timeout result %+v", hang)
	}
	if seeded.Name != "seeded" || !seeded.Passed || seeded.ExitCode != 0 {
		t.Errorf("unexpected result %+v", seeded)
	}

	log, _ := os.ReadFile(filepath.Join(env.BuildDir, RegressionLogFile))
	if !strings.Contains(string(log), "seed=7") {
		t.Errorf("test output missing from log:\n%s", log)
	}
	if !strings.Contains(string(log), "timed out after 100ms") {
		t.Errorf("timeout missing from log:\n%s", log)
	}
}

func TestRegressionTaskWithoutTests(t *testing.T) {
	env := newTestEnv(t, nil)
	setStatus(t, env, Parser, status.Passed)

	err := runChain(t, env, Regression)
	if err == nil || !strings.Contains(err.Error(), "no regression tests configured") {
		t.Fatalf("expected failure, got %v", err)
	}
}
