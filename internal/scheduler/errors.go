package scheduler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/verifgui/verifsched/internal/status"
)

var (
	ErrInvalidCatalog    = errors.New("invalid task catalog")
	ErrMissingDependency = errors.New("missing dependency")
	ErrCycle             = errors.New("dependency cycle")
	ErrTaskActive        = errors.New("task is running")
	// ErrInvariant marks corrupt scheduler state. It is the only error the
	// event loop treats as fatal.
	ErrInvariant = errors.New("scheduler invariant violated")
)

// GraphError wraps catalog validation failures.
type GraphError struct {
	Kind error
	Msg  string
}

func (e *GraphError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *GraphError) Unwrap() error { return e.Kind }

func invalidf(format string, args ...any) error {
	return &GraphError{Kind: ErrInvalidCatalog, Msg: fmt.Sprintf(format, args...)}
}

func missingDependency(task, dep string) error {
	return &GraphError{Kind: ErrMissingDependency, Msg: fmt.Sprintf("task %q depends on unregistered task %q", task, dep)}
}

func cycleError(path []string) error {
	msg := "cycle"
	if len(path) > 0 {
		msg = "cycle: " + strings.Join(path, " -> ")
	}
	return &GraphError{Kind: ErrCycle, Msg: msg}
}

// UnknownTaskError reports a task name that is not in the catalog.
type UnknownTaskError struct {
	Name string
}

func (e *UnknownTaskError) Error() string {
	return fmt.Sprintf("unknown task %q", e.Name)
}

// DependencyFailedError reports that a prerequisite's last run failed or was
// killed. It must be reset and rerun before the requesting task can run.
type DependencyFailedError struct {
	Task       string
	Dependency string
	Status     status.Status
}

func (e *DependencyFailedError) Error() string {
	return fmt.Sprintf("cannot run %s: dependency %s is %s", e.Task, e.Dependency, e.Status)
}

// TaskFailedError is the outcome of a chain that halted on a failing task.
type TaskFailedError struct {
	Task     string
	Message  string
	ExitCode int
	Killed   bool
}

func (e *TaskFailedError) Error() string {
	if e.Killed {
		return fmt.Sprintf("%s was killed: %s", e.Task, e.Message)
	}
	return fmt.Sprintf("%s failed: %s", e.Task, e.Message)
}

// PersistError halts a chain whose last result could not be saved. The
// task's own outcome is in Err's message; dependents are not run.
type PersistError struct {
	Task string
	Err  error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("result of %s was not saved: %v", e.Task, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

func invariantf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariant, fmt.Sprintf(format, args...))
}
