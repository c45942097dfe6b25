package worker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Command describes one external tool invocation made by a task body.
type Command struct {
	Name  string
	Args  []string
	Dir   string
	Env   []string // Appended to the parent environment
	Label string   // Output tag; defaults to the worker tag
}

// String renders the command line the way it is echoed to the output stream.
func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// ExecResult is the outcome of a single external process.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// newCommand creates an exec.Cmd with process group isolation.
// Cancelling ctx kills the whole group, not just the immediate child.
func newCommand(ctx context.Context, c Command) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	cmd.Cancel = func() error {
		return killProcessGroup(cmd)
	}
	// Grandchildren holding the pipes open must not wedge Wait after a kill.
	cmd.WaitDelay = 5 * time.Second
	return cmd
}

// executeCommand runs cmd, streaming stdout line by line to emit while
// buffering both pipes. Both pipes are drained before cmd.Wait so large
// outputs cannot deadlock the child.
//
// A non-zero exit is not an error: it is reported through ExecResult.ExitCode.
// The returned error is only set when the process could not be run at all.
// onStart, when set, is called once the process exists so callers can track it.
// maxStreamLine caps a line sent to the output stream. Stdout keeps it whole.
var maxStreamLine = 4 * 1024 * 1024

func streamLine(line string) string {
	line = strings.TrimSuffix(line, "\r")
	if len(line) <= maxStreamLine {
		return line
	}
	return fmt.Sprintf("%s ... [%d bytes truncated]", line[:maxStreamLine], len(line)-maxStreamLine)
}

func executeCommand(cmd *exec.Cmd, emit func(string), onStart func(*exec.Cmd)) (ExecResult, error) {
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return ExecResult{}, fmt.Errorf("failed to start %s: %w", cmd.Path, err)
	}

	if onStart != nil {
		onStart(cmd)
	}

	var wg sync.WaitGroup
	var stdoutBuf, stderrBuf bytes.Buffer

	wg.Add(2)

	go func() {
		defer wg.Done()
		reader := bufio.NewReaderSize(stdoutPipe, 64*1024)
		for {
			line, err := reader.ReadString('\n')
			if line != "" {
				line = strings.TrimSuffix(line, "\n")
				stdoutBuf.WriteString(line)
				stdoutBuf.WriteByte('\n')
				if emit != nil {
					emit(streamLine(line))
				}
			}
			if err != nil {
				break
			}
		}
	}()

	go func() {
		defer wg.Done()
		io.Copy(&stderrBuf, stderrPipe)
	}()

	wg.Wait()

	waitErr := cmd.Wait()

	res := ExecResult{
		Stdout: stdoutBuf.String(),
		Stderr: stderrBuf.String(),
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("command failed: %w", waitErr)
	}

	return res, nil
}

// killProcessGroup kills the entire process group associated with the command.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return fmt.Errorf("process not started")
	}

	// Negative PID addresses the group created by Setpgid.
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return fmt.Errorf("failed to kill process group: %w", err)
	}

	return nil
}

// ProcessManager tracks every running tool process so shutdown can
// terminate them all, including ones started by a task that is being
// abandoned.
type ProcessManager struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

// NewProcessManager creates a new ProcessManager.
func NewProcessManager() *ProcessManager {
	return &ProcessManager{
		procs: make(map[int]*exec.Cmd),
	}
}

// Track registers a started subprocess.
func (pm *ProcessManager) Track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.procs[cmd.Process.Pid] = cmd
}

// Untrack removes a subprocess after it has been waited on.
func (pm *ProcessManager) Untrack(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.procs, cmd.Process.Pid)
}

// KillAll terminates all tracked subprocesses.
func (pm *ProcessManager) KillAll() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var errs []error
	for pid, cmd := range pm.procs {
		if err := killProcessGroup(cmd); err != nil {
			errs = append(errs, fmt.Errorf("failed to kill process %d: %w", pid, err))
		}
	}

	return errors.Join(errs...)
}

// Count returns the number of currently tracked processes.
func (pm *ProcessManager) Count() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.procs)
}
