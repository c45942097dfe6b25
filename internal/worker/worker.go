// Package worker runs a task body off the controlling goroutine and reports
// exactly one Result when the body returns, panics, or fails.
package worker

import (
	"context"
	"fmt"
	"os/exec"
	"runtime/debug"
	"sync"
	"time"
)

// ExitInternalError is reported when the body failed before any real process
// exit code was available (returned an error or panicked). Real processes never
// exit with a negative code; signal deaths surface as -1.
const ExitInternalError = -42

// Result is the immutable completion record of one worker run.
type Result struct {
	Tag      string
	ExitCode int
	Stdout   string
	Stderr   string
	Elapsed  time.Duration
}

// Success reports whether the run exited cleanly.
func (r Result) Success() bool {
	return r.ExitCode == 0
}

// Internal reports whether the result carries the internal error sentinel.
func (r Result) Internal() bool {
	return r.ExitCode == ExitInternalError
}

// Line is one line of incremental output.
type Line struct {
	Tag       string
	Text      string
	Timestamp time.Time
}

// Output is what a body hands back on a normal return.
type Output struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Func is a task body. Returning a non-nil error is equivalent to raising:
// the worker converts it into an ExitInternalError result.
type Func func(ctx context.Context, p *Proc) (Output, error)

// Option configures a Worker.
type Option func(*Worker)

// WithOutput registers a callback for streamed output lines. Calls are made
// from the reading goroutine of each process in order.
func WithOutput(fn func(Line)) Option {
	return func(w *Worker) { w.onLine = fn }
}

// WithProcessManager makes every process started by the body visible to pm.
func WithProcessManager(pm *ProcessManager) Option {
	return func(w *Worker) { w.pm = pm }
}

// Worker wraps a single body invocation.
type Worker struct {
	tag    string
	fn     Func
	onLine func(Line)
	pm     *ProcessManager

	mu      sync.Mutex
	running bool
	killed  bool
	cancel  context.CancelFunc
	cmds    map[*exec.Cmd]struct{}
}

// New creates a worker for fn. The tag identifies the run in results and output lines.
func New(tag string, fn Func, opts ...Option) *Worker {
	w := &Worker{
		tag:  tag,
		fn:   fn,
		cmds: make(map[*exec.Cmd]struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Tag returns the worker tag.
func (w *Worker) Tag() string {
	return w.tag
}

// Start launches the body on a new goroutine and returns immediately.
// The returned channel receives exactly one Result and is then closed.
func (w *Worker) Start(ctx context.Context) <-chan Result {
	done := make(chan Result, 1)

	runCtx, cancel := context.WithCancel(ctx)

	w.mu.Lock()
	w.running = true
	w.killed = false
	w.cancel = cancel
	w.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()

		res := w.run(runCtx)

		w.mu.Lock()
		w.running = false
		w.mu.Unlock()

		done <- res
	}()

	return done
}

// run invokes the body, timing it and converting failures into the sentinel.
func (w *Worker) run(ctx context.Context) (res Result) {
	res.Tag = w.tag
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			res.ExitCode = ExitInternalError
			res.Stdout = ""
			res.Stderr = fmt.Sprintf("panic: %v\n\n%s", r, debug.Stack())
		}
		res.Elapsed = time.Since(start)
	}()

	out, err := w.fn(ctx, &Proc{w: w})
	if err != nil {
		res.ExitCode = ExitInternalError
		res.Stdout = out.Stdout
		res.Stderr = err.Error()
		if out.Stderr != "" {
			res.Stderr = out.Stderr + "\n" + res.Stderr
		}
		return res
	}

	res.ExitCode = out.ExitCode
	res.Stdout = out.Stdout
	res.Stderr = out.Stderr
	return res
}

// Running reports whether the body is still executing.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Kill terminates the body's processes when force is true. It cancels the
// body context and kills every process group the body has started. It is a
// no-op when force is false or the body is not running, and reports whether
// anything was actually interrupted.
func (w *Worker) Kill(force bool) bool {
	if !force {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return false
	}

	w.killed = true
	if w.cancel != nil {
		w.cancel()
	}
	for cmd := range w.cmds {
		_ = killProcessGroup(cmd)
	}
	return true
}

func (w *Worker) emit(tag, text string) {
	if w.onLine == nil {
		return
	}
	if tag == "" {
		tag = w.tag
	}
	w.onLine(Line{Tag: tag, Text: text, Timestamp: time.Now()})
}

// track records a started process. A process that starts after Kill is
// killed immediately.
func (w *Worker) track(cmd *exec.Cmd) {
	if w.pm != nil {
		w.pm.Track(cmd)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.cmds[cmd] = struct{}{}
	if w.killed {
		_ = killProcessGroup(cmd)
	}
}

func (w *Worker) untrack(cmd *exec.Cmd) {
	if w.pm != nil {
		w.pm.Untrack(cmd)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.cmds, cmd)
}

// Proc is the handle a body uses to launch processes and report progress.
// It is safe for concurrent use, so a body may fan out several processes.
type Proc struct {
	w *Worker
}

// Log emits a line of progress text under the worker tag.
func (p *Proc) Log(format string, args ...any) {
	p.w.emit("", fmt.Sprintf(format, args...))
}

// Exec runs an external command to completion, echoing the command line and
// streaming its stdout. The error is non-nil only when the process could not
// be started or waited on; a failing exit status is in ExecResult.ExitCode.
func (p *Proc) Exec(ctx context.Context, c Command) (ExecResult, error) {
	label := c.Label
	p.w.emit(label, "**** "+c.String())

	cmd := newCommand(ctx, c)
	defer p.w.untrack(cmd)

	return executeCommand(cmd, func(line string) {
		p.w.emit(label, line)
	}, p.w.track)
}
