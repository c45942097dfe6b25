package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/verifgui/verifsched/internal/status"
	"github.com/verifgui/verifsched/internal/worker"
)

// Outcome is a task's verdict on a finished worker run.
type Outcome struct {
	Success bool
	Message string
}

// Descriptor is the static definition of a task as registered in the catalog.
type Descriptor struct {
	Name         string   // Unique key, also the status key
	Description  string   // Display text only
	Dependencies []string // Must all be registered; order is the preparation order
	Body         worker.Func
	// FollowOns are suggested after a successful chain ends with this task.
	FollowOns []string
	// Evaluate turns a worker result into an outcome. Defaults to exit code 0
	// meaning success.
	Evaluate func(worker.Result) Outcome
}

// Completion is sent exactly once per Start.
type Completion struct {
	Success   bool
	Task      string
	Message   string
	FollowOns []string
	Killed    bool
	Result    worker.Result
}

// Status maps the completion onto the persisted status.
func (c Completion) Status() status.Status {
	switch {
	case c.Success:
		return status.Passed
	case c.Killed:
		return status.Killed
	default:
		return status.Failed
	}
}

// Task is the live instance of a registered descriptor.
type Task struct {
	desc Descriptor

	mu            sync.Mutex
	w             *worker.Worker
	running       bool
	killRequested bool
	last          *Completion
}

func newTask(desc Descriptor) *Task {
	return &Task{desc: desc}
}

func (t *Task) Name() string        { return t.desc.Name }
func (t *Task) Description() string { return t.desc.Description }

// Dependencies returns a copy of the declared prerequisites.
func (t *Task) Dependencies() []string {
	return append([]string(nil), t.desc.Dependencies...)
}

// Running reports whether the body is executing.
func (t *Task) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Last returns the completion of the most recent run in this process.
func (t *Task) Last() (Completion, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last == nil {
		return Completion{}, false
	}
	return *t.last, true
}

// Start runs the body on a worker and returns immediately. The completion is
// sent on done when the body ends; done must have room or a reader.
func (t *Task) Start(ctx context.Context, done chan<- Completion, opts ...worker.Option) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return fmt.Errorf("start %s: %w", t.desc.Name, ErrTaskActive)
	}
	w := worker.New(t.desc.Name, t.desc.Body, opts...)
	t.w = w
	t.running = true
	t.killRequested = false
	t.mu.Unlock()

	results := w.Start(ctx)

	go func() {
		res := <-results
		c := t.complete(res)
		done <- c
	}()

	return nil
}

func (t *Task) complete(res worker.Result) Completion {
	eval := t.desc.Evaluate
	if eval == nil {
		eval = func(r worker.Result) Outcome { return defaultOutcome(t.desc.Name, r) }
	}
	out := eval(res)

	t.mu.Lock()
	defer t.mu.Unlock()

	c := Completion{
		Success: out.Success,
		Task:    t.desc.Name,
		Message: out.Message,
		Killed:  t.killRequested && !out.Success,
		Result:  res,
	}
	if c.Killed {
		c.Message = fmt.Sprintf("%s killed after %s", t.desc.Name, res.Elapsed.Round(time.Millisecond))
	}
	if c.Success {
		c.FollowOns = append([]string(nil), t.desc.FollowOns...)
	}

	t.running = false
	t.w = nil
	t.last = &c
	return c
}

// Kill asks a running body to stop. It is a no-op on a task that is not
// running, and reports whether a kill was delivered.
func (t *Task) Kill() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running || t.w == nil {
		return false
	}
	t.killRequested = true
	return t.w.Kill(true)
}

// Reset forgets the last run. The persisted status is cleared by the
// scheduler; artifacts on disk are left alone.
func (t *Task) Reset() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return fmt.Errorf("reset %s: %w", t.desc.Name, ErrTaskActive)
	}
	t.last = nil
	t.killRequested = false
	return nil
}

func defaultOutcome(name string, r worker.Result) Outcome {
	if r.Success() {
		return Outcome{Success: true, Message: fmt.Sprintf("%s passed in %s", name, r.Elapsed.Round(time.Millisecond))}
	}

	msg := fmt.Sprintf("%s failed with exit code %d", name, r.ExitCode)
	if r.Internal() {
		msg = fmt.Sprintf("%s raised an internal error", name)
	}
	if tail := status.Tail(r.Stderr, 5); tail != "" {
		msg += ": " + tail
	}
	return Outcome{Success: false, Message: msg}
}
