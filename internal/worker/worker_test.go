package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func waitResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case res, ok := <-ch:
		if !ok {
			t.Fatal("result channel closed without a result")
		}
		return res
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for worker result")
	}
	return Result{}
}

func TestWorker_Success(t *testing.T) {
	w := New("Parser", func(ctx context.Context, p *Proc) (Output, error) {
		res, err := p.Exec(ctx, Command{Name: "sh", Args: []string{"-c", "echo parsed"}})
		return Output{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}, err
	})

	res := waitResult(t, w.Start(context.Background()))

	if !res.Success() {
		t.Fatalf("expected success, got exit code %d (stderr %q)", res.ExitCode, res.Stderr)
	}
	if res.Tag != "Parser" {
		t.Errorf("expected tag Parser, got %q", res.Tag)
	}
	if !strings.Contains(res.Stdout, "parsed") {
		t.Errorf("expected stdout to contain 'parsed', got %q", res.Stdout)
	}
	if res.Elapsed <= 0 {
		t.Errorf("expected positive elapsed time, got %v", res.Elapsed)
	}
}

func TestWorker_ExactlyOneResult(t *testing.T) {
	w := New("t", func(ctx context.Context, p *Proc) (Output, error) {
		return Output{}, nil
	})

	ch := w.Start(context.Background())
	waitResult(t, ch)

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("received a second result")
		}
	case <-time.After(time.Second):
		t.Fatal("result channel was not closed")
	}
}

func TestWorker_ErrorBecomesSentinel(t *testing.T) {
	w := New("Linter", func(ctx context.Context, p *Proc) (Output, error) {
		return Output{Stderr: "partial"}, errors.New("could not read rtlfiles.lst")
	})

	res := waitResult(t, w.Start(context.Background()))

	if res.ExitCode != ExitInternalError {
		t.Fatalf("expected sentinel exit code %d, got %d", ExitInternalError, res.ExitCode)
	}
	if !res.Internal() {
		t.Error("Internal() should report true")
	}
	if !strings.Contains(res.Stderr, "rtlfiles.lst") || !strings.Contains(res.Stderr, "partial") {
		t.Errorf("expected stderr to carry both outputs, got %q", res.Stderr)
	}
}

func TestWorker_PanicBecomesSentinel(t *testing.T) {
	w := New("Report", func(ctx context.Context, p *Proc) (Output, error) {
		var m map[string]int
		m["boom"] = 1
		return Output{}, nil
	})

	res := waitResult(t, w.Start(context.Background()))

	if res.ExitCode != ExitInternalError {
		t.Fatalf("expected sentinel exit code, got %d", res.ExitCode)
	}
	if !strings.Contains(res.Stderr, "panic") || !strings.Contains(res.Stderr, "goroutine") {
		t.Errorf("expected panic trace in stderr, got %q", res.Stderr)
	}
}

func TestWorker_NonZeroExitPassesThrough(t *testing.T) {
	w := New("t", func(ctx context.Context, p *Proc) (Output, error) {
		res, err := p.Exec(ctx, Command{Name: "sh", Args: []string{"-c", "exit 2"}})
		return Output{ExitCode: res.ExitCode}, err
	})

	res := waitResult(t, w.Start(context.Background()))
	if res.ExitCode != 2 {
		t.Errorf("expected exit code 2, got %d", res.ExitCode)
	}
	if res.Success() {
		t.Error("non-zero exit must not be success")
	}
}

func TestWorker_StreamsLinesInOrder(t *testing.T) {
	var mu sync.Mutex
	var lines []Line

	w := New("Parser", func(ctx context.Context, p *Proc) (Output, error) {
		p.Log("Parsing RTL...")
		res, err := p.Exec(ctx, Command{Name: "sh", Args: []string{"-c", "echo one; echo two; echo three"}})
		return Output{ExitCode: res.ExitCode}, err
	}, WithOutput(func(l Line) {
		mu.Lock()
		lines = append(lines, l)
		mu.Unlock()
	}))

	waitResult(t, w.Start(context.Background()))

	mu.Lock()
	defer mu.Unlock()

	var texts []string
	for _, l := range lines {
		if l.Tag != "Parser" {
			t.Errorf("expected tag Parser, got %q", l.Tag)
		}
		texts = append(texts, l.Text)
	}
	want := []string{"Parsing RTL...", "**** sh -c echo one; echo two; echo three", "one", "two", "three"}
	if strings.Join(texts, "|") != strings.Join(want, "|") {
		t.Errorf("unexpected lines:\n got %q\nwant %q", texts, want)
	}
}

func TestWorker_LabelOverridesTag(t *testing.T) {
	var mu sync.Mutex
	tags := map[string]bool{}

	w := New("Regression", func(ctx context.Context, p *Proc) (Output, error) {
		_, err := p.Exec(ctx, Command{Name: "echo", Args: []string{"x"}, Label: "test_fifo"})
		return Output{}, err
	}, WithOutput(func(l Line) {
		mu.Lock()
		tags[l.Tag] = true
		mu.Unlock()
	}))

	waitResult(t, w.Start(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	if !tags["test_fifo"] || tags["Regression"] {
		t.Errorf("expected only the label tag, got %v", tags)
	}
}

func TestWorker_KillTerminatesProcess(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once

	w := New("Linter", func(ctx context.Context, p *Proc) (Output, error) {
		res, err := p.Exec(ctx, Command{Name: "sh", Args: []string{"-c", "echo ready; sleep 30"}})
		return Output{ExitCode: res.ExitCode}, err
	}, WithOutput(func(l Line) {
		if l.Text == "ready" {
			once.Do(func() { close(started) })
		}
	}))

	ch := w.Start(context.Background())

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("process never started")
	}

	if !w.Running() {
		t.Fatal("worker should be running")
	}
	if w.Kill(false) {
		t.Error("Kill(false) must be a no-op")
	}
	if !w.Kill(true) {
		t.Fatal("Kill(true) should report an interruption")
	}

	res := waitResult(t, ch)
	if res.Success() {
		t.Error("killed run must not succeed")
	}
	if res.Elapsed > 10*time.Second {
		t.Errorf("kill took too long: %v", res.Elapsed)
	}
	if w.Running() {
		t.Error("worker should not be running after completion")
	}
}

func TestWorker_KillWhenIdleIsNoop(t *testing.T) {
	w := New("Report", func(ctx context.Context, p *Proc) (Output, error) {
		return Output{}, nil
	})

	if w.Kill(true) {
		t.Error("Kill on a never-started worker should be a no-op")
	}

	waitResult(t, w.Start(context.Background()))

	if w.Kill(true) {
		t.Error("Kill on a finished worker should be a no-op")
	}
}

func TestWorker_ProcessManagerSeesProcesses(t *testing.T) {
	pm := NewProcessManager()
	seen := make(chan int, 1)

	w := New("t", func(ctx context.Context, p *Proc) (Output, error) {
		_, err := p.Exec(ctx, Command{Name: "sh", Args: []string{"-c", "echo go"}})
		return Output{}, err
	}, WithProcessManager(pm), WithOutput(func(l Line) {
		if l.Text == "go" {
			select {
			case seen <- pm.Count():
			default:
			}
		}
	}))

	waitResult(t, w.Start(context.Background()))

	if n := <-seen; n != 1 {
		t.Errorf("expected 1 tracked process while running, got %d", n)
	}
	if pm.Count() != 0 {
		t.Errorf("expected process to be untracked after exit, got %d", pm.Count())
	}
}
