// Package status persists the per-build task status records the scheduler
// reads and writes. A missing record means the task has not been started.
package status

import (
	"context"
	"time"
)

// Status is the last recorded outcome of a task.
type Status string

const (
	Incomplete Status = "incomplete"
	Passed     Status = "passed"
	Failed     Status = "failed"
	Killed     Status = "killed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case Incomplete, Passed, Failed, Killed:
		return true
	}
	return false
}

// Blocking reports whether dependents must refuse to run on top of s.
func (s Status) Blocking() bool {
	return s == Failed || s == Killed
}

// Record is the persisted status of one task.
type Record struct {
	Finished bool      `json:"finished" yaml:"finished"`
	Status   Status    `json:"status" yaml:"status"`
	LastRun  time.Time `json:"last_run" yaml:"last_run"`
}

// Reset returns the record for a task that has been cleared to not-started.
func Reset(now time.Time) Record {
	return Record{Finished: false, Status: Incomplete, LastRun: now}
}

// Store is a key-value record per task name. Implementations must allow
// concurrent readers while a single writer calls Set and Flush.
type Store interface {
	// Get returns the record for name. ok is false when nothing was ever recorded.
	Get(ctx context.Context, name string) (rec Record, ok bool, err error)
	Set(ctx context.Context, name string, rec Record) error
	// Flush makes every prior Set durable.
	Flush(ctx context.Context) error
	All(ctx context.Context) (map[string]Record, error)
	Close() error
}

// Run is one execution of a task, kept for history.
type Run struct {
	RunID      string        `json:"run_id"`
	ChainID    string        `json:"chain_id"`
	Task       string        `json:"task"`
	Status     Status        `json:"status"`
	ExitCode   int           `json:"exit_code"`
	Elapsed    time.Duration `json:"elapsed"`
	StdoutTail string        `json:"stdout_tail,omitempty"`
	StderrTail string        `json:"stderr_tail,omitempty"`
	FinishedAt time.Time     `json:"finished_at"`
}

// RunRecorder is implemented by stores that keep execution history.
type RunRecorder interface {
	RecordRun(ctx context.Context, run Run) error
	Runs(ctx context.Context, task string, limit int) ([]Run, error)
}

// Tail returns at most the last n lines of s.
func Tail(s string, n int) string {
	if n <= 0 || s == "" {
		return ""
	}
	end := len(s)
	if s[end-1] == '\n' {
		end--
	}
	count := 0
	for i := end - 1; i >= 0; i-- {
		if s[i] == '\n' {
			count++
			if count == n {
				return s[i+1 : end]
			}
		}
	}
	return s[:end]
}
