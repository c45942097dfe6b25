package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/verifgui/verifsched/internal/events"
	"github.com/verifgui/verifsched/internal/prompt"
	"github.com/verifgui/verifsched/internal/status"
	"github.com/verifgui/verifsched/internal/worker"
)

// harness provides task bodies that record their execution order and can be
// made to fail or to block until released.
type harness struct {
	mu      sync.Mutex
	order   []string
	exit    map[string]int
	gates   map[string]chan struct{}
	running int32
	maxRun  int32
}

func newHarness() *harness {
	return &harness{exit: make(map[string]int), gates: make(map[string]chan struct{})}
}

func (h *harness) fail(name string, code int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.exit[name] = code
}

// gate makes name block until the returned function is called or it is killed.
func (h *harness) gate(name string) func() {
	ch := make(chan struct{})
	h.mu.Lock()
	h.gates[name] = ch
	h.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (h *harness) body(name string) worker.Func {
	return func(ctx context.Context, p *worker.Proc) (worker.Output, error) {
		n := atomic.AddInt32(&h.running, 1)
		defer atomic.AddInt32(&h.running, -1)
		for {
			m := atomic.LoadInt32(&h.maxRun)
			if n <= m || atomic.CompareAndSwapInt32(&h.maxRun, m, n) {
				break
			}
		}

		h.mu.Lock()
		h.order = append(h.order, name)
		code := h.exit[name]
		gate := h.gates[name]
		h.mu.Unlock()

		p.Log("running %s", name)

		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				return worker.Output{ExitCode: -1, Stderr: "interrupted"}, nil
			}
		}
		if code != 0 {
			return worker.Output{ExitCode: code, Stderr: name + " broke"}, nil
		}
		return worker.Output{Stdout: name + " ok"}, nil
	}
}

func (h *harness) ran() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.order...)
}

// pipeline registers Parse -> Lint -> Report.
func (h *harness) pipeline(t *testing.T) *Catalog {
	t.Helper()
	c := NewCatalog()
	for _, d := range []Descriptor{
		{Name: "Parse", Description: "Parse RTL", Body: h.body("Parse"), FollowOns: []string{"Lint"}},
		{Name: "Lint", Description: "Lint RTL", Dependencies: []string{"Parse"}, Body: h.body("Lint"), FollowOns: []string{"Report"}},
		{Name: "Report", Description: "Final report", Dependencies: []string{"Lint"}, Body: h.body("Report")},
	} {
		if err := c.Register(d); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}
	return c
}

func memStore(t *testing.T) *status.SQLiteStore {
	t.Helper()
	s, err := status.NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// startScheduler creates a scheduler and runs its event loop until the test ends.
func startScheduler(t *testing.T, c *Catalog, store status.Store, opts ...Option) *Scheduler {
	t.Helper()
	s, err := New(c, store, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s
}

func waitIdle(t *testing.T, s *Scheduler) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.WaitIdle(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("scheduler did not become idle (active=%q queue=%v)", s.Active(), s.Queue())
	}
	return err
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func record(t *testing.T, store status.Store, name string) (status.Record, bool) {
	t.Helper()
	rec, ok, err := store.Get(context.Background(), name)
	if err != nil {
		t.Fatalf("Get(%s) failed: %v", name, err)
	}
	return rec, ok
}

func TestScenario_FreshBuildRunsParseLintReport(t *testing.T) {
	h := newHarness()
	store := memStore(t)
	s := startScheduler(t, h.pipeline(t), store)

	planned, err := s.StartChain(context.Background(), "Report")
	if err != nil {
		t.Fatalf("StartChain failed: %v", err)
	}
	if strings.Join(planned, ",") != "Parse,Lint,Report" {
		t.Errorf("expected plan Parse,Lint,Report, got %v", planned)
	}

	if err := waitIdle(t, s); err != nil {
		t.Fatalf("chain failed: %v", err)
	}

	if got := strings.Join(h.ran(), ","); got != "Parse,Lint,Report" {
		t.Errorf("expected run order Parse,Lint,Report, got %s", got)
	}
	for _, name := range []string{"Parse", "Lint", "Report"} {
		rec, ok := record(t, store, name)
		if !ok || !rec.Finished || rec.Status != status.Passed {
			t.Errorf("%s: expected passed, got ok=%v %+v", name, ok, rec)
		}
	}
}

func TestScenario_LintFailureStopsChain(t *testing.T) {
	h := newHarness()
	h.fail("Lint", 2)
	store := memStore(t)
	s := startScheduler(t, h.pipeline(t), store)

	if _, err := s.StartChain(context.Background(), "Report"); err != nil {
		t.Fatalf("StartChain failed: %v", err)
	}

	err := waitIdle(t, s)
	var failed *TaskFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected TaskFailedError, got %v", err)
	}
	if failed.Task != "Lint" || failed.Killed || failed.ExitCode != 2 {
		t.Errorf("unexpected failure %+v", failed)
	}
	if !strings.Contains(failed.Message, "Lint broke") {
		t.Errorf("expected stderr in message, got %q", failed.Message)
	}

	if got := strings.Join(h.ran(), ","); got != "Parse,Lint" {
		t.Errorf("Report must not run, got %s", got)
	}

	if rec, _ := record(t, store, "Parse"); rec.Status != status.Passed {
		t.Errorf("earlier passes must be kept, Parse is %s", rec.Status)
	}
	if rec, _ := record(t, store, "Lint"); !rec.Finished || rec.Status != status.Failed {
		t.Errorf("expected Lint failed, got %+v", rec)
	}
	if _, ok := record(t, store, "Report"); ok {
		t.Error("Report should remain not started")
	}
	if len(s.Queue()) != 0 {
		t.Errorf("queue should be cleared after a failure, got %v", s.Queue())
	}
}

func TestScenario_ParsePassedQueuesOnlyLint(t *testing.T) {
	h := newHarness()
	store := memStore(t)
	store.Set(context.Background(), "Parse", status.Record{Finished: true, Status: status.Passed, LastRun: time.Now()})

	s, err := New(h.pipeline(t), store)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := s.Prepare(context.Background(), "Lint"); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if got := s.Queue(); strings.Join(got, ",") != "Lint" {
		t.Errorf("expected queue [Lint], got %v", got)
	}
}

func TestScenario_KilledLintBlocksReport(t *testing.T) {
	h := newHarness()
	release := h.gate("Lint")
	defer release()
	store := memStore(t)
	s := startScheduler(t, h.pipeline(t), store)

	if _, err := s.StartChain(context.Background(), "Lint"); err != nil {
		t.Fatalf("StartChain failed: %v", err)
	}
	eventually(t, "Lint to start", func() bool { return s.Active() == "Lint" })

	if !s.KillActive() {
		t.Fatal("KillActive should deliver a kill")
	}

	err := waitIdle(t, s)
	var failed *TaskFailedError
	if !errors.As(err, &failed) || !failed.Killed || failed.Task != "Lint" {
		t.Fatalf("expected Lint killed, got %v", err)
	}

	if rec, _ := record(t, store, "Lint"); !rec.Finished || rec.Status != status.Killed {
		t.Errorf("expected Lint killed, got %+v", rec)
	}

	_, err = s.StartChain(context.Background(), "Report")
	var depErr *DependencyFailedError
	if !errors.As(err, &depErr) {
		t.Fatalf("expected DependencyFailedError, got %v", err)
	}
	if depErr.Dependency != "Lint" || depErr.Status != status.Killed {
		t.Errorf("unexpected dependency error %+v", depErr)
	}
	if len(s.Queue()) != 0 {
		t.Errorf("queue must stay empty, got %v", s.Queue())
	}
}

func TestScenario_KillingActiveTaskHaltsChain(t *testing.T) {
	h := newHarness()
	release := h.gate("Lint")
	defer release()
	store := memStore(t)
	s := startScheduler(t, h.pipeline(t), store)

	if _, err := s.StartChain(context.Background(), "Report"); err != nil {
		t.Fatalf("StartChain failed: %v", err)
	}
	eventually(t, "Lint to start", func() bool { return s.Active() == "Lint" })
	if got := s.Queue(); strings.Join(got, ",") != "Report" {
		t.Fatalf("expected Report queued behind Lint, got %v", got)
	}

	if !s.KillActive() {
		t.Fatal("KillActive should deliver a kill")
	}

	err := waitIdle(t, s)
	var failed *TaskFailedError
	if !errors.As(err, &failed) || !failed.Killed || failed.Task != "Lint" {
		t.Fatalf("expected Lint killed, got %v", err)
	}

	if got := strings.Join(h.ran(), ","); got != "Parse,Lint" {
		t.Errorf("Report must not run, got %s", got)
	}
	if _, ok := record(t, store, "Report"); ok {
		t.Error("Report should remain not started")
	}
	if len(s.Queue()) != 0 {
		t.Errorf("queue should be cleared after a kill, got %v", s.Queue())
	}
}

// failingStore refuses to save the finished record of one task.
type failingStore struct {
	status.Store
	task string
}

func (f *failingStore) Set(ctx context.Context, name string, rec status.Record) error {
	if name == f.task && rec.Finished {
		return errors.New("disk full")
	}
	return f.Store.Set(ctx, name, rec)
}

func TestUnsavedResultHaltsChain(t *testing.T) {
	h := newHarness()
	store := &failingStore{Store: memStore(t), task: "Parse"}
	bus := events.NewEventBus()
	defer bus.Close()
	sub := bus.Subscribe(events.TopicQueue, 64)
	s := startScheduler(t, h.pipeline(t), store, WithEventBus(bus))

	if _, err := s.StartChain(context.Background(), "Report"); err != nil {
		t.Fatalf("StartChain failed: %v", err)
	}

	err := waitIdle(t, s)
	var persistErr *PersistError
	if !errors.As(err, &persistErr) || persistErr.Task != "Parse" {
		t.Fatalf("expected PersistError for Parse, got %v", err)
	}
	if !strings.Contains(err.Error(), "disk full") {
		t.Errorf("expected the store error in %q", err)
	}

	if got := strings.Join(h.ran(), ","); got != "Parse" {
		t.Errorf("dependents must not run on an unsaved result, got %s", got)
	}
	if rec, _ := record(t, store, "Parse"); rec.Finished {
		t.Errorf("Parse should still be recorded as unfinished, got %+v", rec)
	}
	for _, name := range []string{"Lint", "Report"} {
		if _, ok := record(t, store, name); ok {
			t.Errorf("%s should remain not started", name)
		}
	}
	if len(s.Queue()) != 0 {
		t.Errorf("queue should be cleared, got %v", s.Queue())
	}

	var finished *events.ChainFinishedEvent
	for finished == nil {
		select {
		case e := <-sub:
			if ev, ok := e.(events.ChainFinishedEvent); ok {
				finished = &ev
			}
		case <-time.After(time.Second):
			t.Fatal("no chain-finished event")
		}
	}
	if finished.Success || finished.Task != "Parse" {
		t.Errorf("expected a failed chain ending at Parse, got %+v", finished)
	}
}

func TestPrepare_Idempotent(t *testing.T) {
	h := newHarness()
	s, err := New(h.pipeline(t), memStore(t))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()

	s.Prepare(ctx, "Report")
	once := s.Queue()
	s.Prepare(ctx, "Report")
	twice := s.Queue()

	if strings.Join(once, ",") != "Parse,Lint,Report" {
		t.Errorf("unexpected queue %v", once)
	}
	if strings.Join(once, ",") != strings.Join(twice, ",") {
		t.Errorf("preparing twice changed the queue: %v vs %v", once, twice)
	}
}

func TestPrepare_SatisfiedClosureQueuesNothing(t *testing.T) {
	h := newHarness()
	store := memStore(t)
	ctx := context.Background()
	for _, name := range []string{"Parse", "Lint", "Report"} {
		store.Set(ctx, name, status.Record{Finished: true, Status: status.Passed})
	}

	s, _ := New(h.pipeline(t), store)
	if err := s.Prepare(ctx, "Report"); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if len(s.Queue()) != 0 {
		t.Errorf("expected empty queue, got %v", s.Queue())
	}
}

func TestPrepare_DependencyFailedLeavesQueueUnchanged(t *testing.T) {
	h := newHarness()
	c := h.pipeline(t)
	c.Register(Descriptor{Name: "Coverage", Body: h.body("Coverage")})
	store := memStore(t)
	ctx := context.Background()

	s, _ := New(c, store)
	s.Prepare(ctx, "Coverage")

	store.Set(ctx, "Parse", status.Record{Finished: true, Status: status.Failed})

	err := s.Prepare(ctx, "Report")
	var depErr *DependencyFailedError
	if !errors.As(err, &depErr) {
		t.Fatalf("expected DependencyFailedError, got %v", err)
	}
	if depErr.Dependency != "Parse" || depErr.Task != "Lint" {
		t.Errorf("expected Lint blocked by Parse, got %+v", depErr)
	}
	if got := s.Queue(); strings.Join(got, ",") != "Coverage" {
		t.Errorf("queue must be unchanged, got %v", got)
	}
}

func TestPrepare_UnknownTask(t *testing.T) {
	h := newHarness()
	s, _ := New(h.pipeline(t), memStore(t))

	err := s.Prepare(context.Background(), "Synthesis")
	var unknown *UnknownTaskError
	if !errors.As(err, &unknown) || unknown.Name != "Synthesis" {
		t.Fatalf("expected UnknownTaskError, got %v", err)
	}
	if len(s.Queue()) != 0 {
		t.Error("nothing should be queued")
	}
}

func TestClosure_DiamondRunsEachOnceInOrder(t *testing.T) {
	h := newHarness()
	c := NewCatalog()
	c.Register(Descriptor{Name: "A", Body: h.body("A")})
	c.Register(Descriptor{Name: "B", Dependencies: []string{"A"}, Body: h.body("B")})
	c.Register(Descriptor{Name: "C", Dependencies: []string{"A"}, Body: h.body("C")})
	c.Register(Descriptor{Name: "D", Dependencies: []string{"B", "C"}, Body: h.body("D")})

	s := startScheduler(t, c, memStore(t))
	if _, err := s.StartChain(context.Background(), "D"); err != nil {
		t.Fatalf("StartChain failed: %v", err)
	}
	if err := waitIdle(t, s); err != nil {
		t.Fatalf("chain failed: %v", err)
	}

	ran := h.ran()
	if len(ran) != 4 {
		t.Fatalf("expected each of A,B,C,D once, got %v", ran)
	}
	pos := make(map[string]int)
	for i, n := range ran {
		if _, dup := pos[n]; dup {
			t.Fatalf("%s ran twice: %v", n, ran)
		}
		pos[n] = i
	}
	for _, edge := range [][2]string{{"A", "B"}, {"A", "C"}, {"B", "D"}, {"C", "D"}} {
		if pos[edge[0]] > pos[edge[1]] {
			t.Errorf("%s ran after %s: %v", edge[0], edge[1], ran)
		}
	}
}

func TestStatusSurvivesReload(t *testing.T) {
	h := newHarness()
	path := filepath.Join(t.TempDir(), status.SQLiteFile)
	ctx := context.Background()

	store, err := status.NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}

	s := startScheduler(t, h.pipeline(t), store)
	s.StartChain(ctx, "Parse")
	if err := waitIdle(t, s); err != nil {
		t.Fatalf("chain failed: %v", err)
	}
	store.Close()

	reopened, err := status.NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer reopened.Close()

	rec, ok := record(t, reopened, "Parse")
	if !ok || !rec.Finished || rec.Status != status.Passed {
		t.Errorf("expected Parse passed after reload, got ok=%v %+v", ok, rec)
	}

	runs, err := reopened.Runs(ctx, "Parse", 0)
	if err != nil || len(runs) != 1 {
		t.Fatalf("expected one recorded run, got %d (err %v)", len(runs), err)
	}
	if runs[0].ChainID == "" || runs[0].Status != status.Passed {
		t.Errorf("unexpected run %+v", runs[0])
	}

	// A fresh scheduler over the reloaded store sees the pass.
	s2, _ := New(h.pipeline(t), reopened)
	if err := s2.Prepare(ctx, "Lint"); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if got := s2.Queue(); strings.Join(got, ",") != "Lint" {
		t.Errorf("expected only Lint queued, got %v", got)
	}
}

func TestReset_MakesTaskEligibleAgain(t *testing.T) {
	h := newHarness()
	store := memStore(t)
	s := startScheduler(t, h.pipeline(t), store)
	ctx := context.Background()

	s.StartChain(ctx, "Report")
	if err := waitIdle(t, s); err != nil {
		t.Fatalf("chain failed: %v", err)
	}

	if err := s.Reset(ctx, "Lint"); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	rec, ok := record(t, store, "Lint")
	if !ok || rec.Finished || rec.Status != status.Incomplete {
		t.Errorf("expected Lint reset, got %+v", rec)
	}
	st, _ := s.Status(ctx, "Lint")
	if st.Phase != PhaseNotStarted {
		t.Errorf("expected not started, got %s", st.Phase)
	}

	planned, err := s.StartChain(ctx, "Report")
	if err != nil {
		t.Fatalf("StartChain failed: %v", err)
	}
	if strings.Join(planned, ",") != "Lint" {
		t.Errorf("expected only Lint re-queued, got %v", planned)
	}
	if err := waitIdle(t, s); err != nil {
		t.Fatalf("chain failed: %v", err)
	}
	if got := strings.Join(h.ran(), ","); got != "Parse,Lint,Report,Lint" {
		t.Errorf("unexpected run history %s", got)
	}
}

func TestReset_FailedTaskCanRerun(t *testing.T) {
	h := newHarness()
	h.fail("Parse", 1)
	store := memStore(t)
	s := startScheduler(t, h.pipeline(t), store)
	ctx := context.Background()

	s.StartChain(ctx, "Report")
	waitIdle(t, s)

	if _, err := s.StartChain(ctx, "Lint"); err == nil {
		t.Fatal("expected dependency failure while Parse is failed")
	}

	h.fail("Parse", 0)
	if err := s.Reset(ctx, "Parse"); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if _, err := s.StartChain(ctx, "Lint"); err != nil {
		t.Fatalf("StartChain after reset failed: %v", err)
	}
	if err := waitIdle(t, s); err != nil {
		t.Fatalf("chain failed: %v", err)
	}
	if rec, _ := record(t, store, "Lint"); rec.Status != status.Passed {
		t.Errorf("expected Lint passed, got %s", rec.Status)
	}
}

func TestReset_RunningTaskRejected(t *testing.T) {
	h := newHarness()
	release := h.gate("Parse")
	s := startScheduler(t, h.pipeline(t), memStore(t))
	ctx := context.Background()

	s.StartChain(ctx, "Parse")
	eventually(t, "Parse to start", func() bool { return s.Active() == "Parse" })

	if err := s.Reset(ctx, "Parse"); !errors.Is(err, ErrTaskActive) {
		t.Errorf("expected ErrTaskActive, got %v", err)
	}
	st, _ := s.Status(ctx, "Parse")
	if st.Phase != PhaseRunning {
		t.Errorf("expected running, got %s", st.Phase)
	}

	release()
	waitIdle(t, s)
}

func TestOnlyOneTaskActive(t *testing.T) {
	h := newHarness()
	releaseA := h.gate("A")
	c := NewCatalog()
	c.Register(Descriptor{Name: "A", Body: h.body("A")})
	c.Register(Descriptor{Name: "B", Body: h.body("B")})

	s := startScheduler(t, c, memStore(t))
	ctx := context.Background()

	s.StartChain(ctx, "A")
	eventually(t, "A to start", func() bool { return s.Active() == "A" })

	planned, err := s.StartChain(ctx, "B")
	if err != nil {
		t.Fatalf("StartChain(B) failed: %v", err)
	}
	if strings.Join(planned, ",") != "A,B" {
		t.Errorf("expected B queued behind A, got %v", planned)
	}
	if s.Active() != "A" {
		t.Errorf("A should still be the only active task, got %q", s.Active())
	}

	releaseA()
	if err := waitIdle(t, s); err != nil {
		t.Fatalf("chains failed: %v", err)
	}
	if got := strings.Join(h.ran(), ","); got != "A,B" {
		t.Errorf("expected A then B, got %s", got)
	}
	if m := atomic.LoadInt32(&h.maxRun); m != 1 {
		t.Errorf("expected at most one body running at a time, saw %d", m)
	}
}

// countingConfirmer records requests and answers with a fixed policy.
type countingConfirmer struct {
	mu       sync.Mutex
	requests []prompt.Request
	accept   bool
}

func (c *countingConfirmer) Confirm(_ context.Context, req prompt.Request) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if c.accept {
		return req.Candidates, nil
	}
	return nil, nil
}

func (c *countingConfirmer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func TestFollowOns_AcceptedRun(t *testing.T) {
	h := newHarness()
	conf := &countingConfirmer{accept: true}
	store := memStore(t)
	s := startScheduler(t, h.pipeline(t), store, WithConfirmer(conf))

	s.StartChain(context.Background(), "Parse")
	if err := waitIdle(t, s); err != nil {
		t.Fatalf("chain failed: %v", err)
	}

	// Parse suggests Lint, Lint suggests Report.
	if got := strings.Join(h.ran(), ","); got != "Parse,Lint,Report" {
		t.Errorf("expected accepted follow-ons to run, got %s", got)
	}
	if conf.count() != 2 {
		t.Errorf("expected 2 confirmation requests, got %d", conf.count())
	}
	if conf.requests[0].Task != "Parse" || strings.Join(conf.requests[0].Candidates, ",") != "Lint" {
		t.Errorf("unexpected first request %+v", conf.requests[0])
	}
}

func TestFollowOns_DeclinedDoNotRun(t *testing.T) {
	h := newHarness()
	conf := &countingConfirmer{accept: false}
	store := memStore(t)
	s := startScheduler(t, h.pipeline(t), store, WithConfirmer(conf))

	s.StartChain(context.Background(), "Parse")
	if err := waitIdle(t, s); err != nil {
		t.Fatalf("chain failed: %v", err)
	}

	if got := strings.Join(h.ran(), ","); got != "Parse" {
		t.Errorf("declined follow-ons must not run, got %s", got)
	}
	if _, ok := record(t, store, "Lint"); ok {
		t.Error("Lint should be untouched")
	}
}

func TestFollowOns_OnlyOfferedWhenQueueDrains(t *testing.T) {
	h := newHarness()
	conf := &countingConfirmer{accept: true}
	s := startScheduler(t, h.pipeline(t), memStore(t), WithConfirmer(conf))

	s.StartChain(context.Background(), "Report")
	if err := waitIdle(t, s); err != nil {
		t.Fatalf("chain failed: %v", err)
	}

	// Parse and Lint finish with work still queued; Report suggests nothing.
	if conf.count() != 0 {
		t.Errorf("expected no confirmation requests, got %d", conf.count())
	}
}

func TestFollowOns_NotOfferedAfterFailure(t *testing.T) {
	h := newHarness()
	h.fail("Parse", 1)
	conf := &countingConfirmer{accept: true}
	s := startScheduler(t, h.pipeline(t), memStore(t), WithConfirmer(conf))

	s.StartChain(context.Background(), "Parse")
	waitIdle(t, s)

	if conf.count() != 0 {
		t.Errorf("failed tasks must not offer follow-ons, got %d requests", conf.count())
	}
}

func TestFollowOns_BrokerTimeoutDeclines(t *testing.T) {
	h := newHarness()
	b := prompt.NewBroker(1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	b.Start(ctx)

	s := startScheduler(t, h.pipeline(t), memStore(t), WithConfirmer(b))
	s.StartChain(context.Background(), "Parse")

	eventually(t, "follow-on request", func() bool { return len(b.Pending()) == 1 })

	// Nobody answers; stopping the broker counts as declining.
	cancel()
	b.Stop()

	if err := waitIdle(t, s); err != nil {
		t.Fatalf("chain failed: %v", err)
	}
	if got := strings.Join(h.ran(), ","); got != "Parse" {
		t.Errorf("expected no follow-ons after decline, got %s", got)
	}
}

func TestBodyPanicFailsTask(t *testing.T) {
	c := NewCatalog()
	c.Register(Descriptor{Name: "Report", Body: func(ctx context.Context, p *worker.Proc) (worker.Output, error) {
		panic("template missing")
	}})
	store := memStore(t)
	s := startScheduler(t, c, store)

	s.StartChain(context.Background(), "Report")
	err := waitIdle(t, s)

	var failed *TaskFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected TaskFailedError, got %v", err)
	}
	if failed.ExitCode != worker.ExitInternalError {
		t.Errorf("expected sentinel exit code, got %d", failed.ExitCode)
	}
	if !strings.Contains(failed.Message, "internal error") {
		t.Errorf("unexpected message %q", failed.Message)
	}
	if rec, _ := record(t, store, "Report"); rec.Status != status.Failed {
		t.Errorf("expected Report failed, got %s", rec.Status)
	}
}

func TestEvaluateOverridesExitCode(t *testing.T) {
	c := NewCatalog()
	c.Register(Descriptor{
		Name: "Linter",
		Body: func(ctx context.Context, p *worker.Proc) (worker.Output, error) {
			return worker.Output{ExitCode: 1, Stdout: "%Warning-WIDTH: a.sv:3: width"}, nil
		},
		Evaluate: func(r worker.Result) Outcome {
			return Outcome{Success: strings.Contains(r.Stdout, "%Warning"), Message: "1 lint message"}
		},
	})
	store := memStore(t)
	s := startScheduler(t, c, store)

	s.StartChain(context.Background(), "Linter")
	if err := waitIdle(t, s); err != nil {
		t.Fatalf("expected pass, got %v", err)
	}
	if rec, _ := record(t, store, "Linter"); rec.Status != status.Passed {
		t.Errorf("expected Linter passed, got %s", rec.Status)
	}
}

func TestStartChain_FinishedTargetQueuesNothing(t *testing.T) {
	h := newHarness()
	store := memStore(t)
	store.Set(context.Background(), "Parse", status.Record{Finished: true, Status: status.Passed})
	s := startScheduler(t, h.pipeline(t), store)

	planned, err := s.StartChain(context.Background(), "Parse")
	if err != nil || len(planned) != 0 {
		t.Errorf("expected nothing planned, got %v (err %v)", planned, err)
	}
	if len(h.ran()) != 0 {
		t.Error("nothing should run")
	}
}

func TestKillActive_NothingRunning(t *testing.T) {
	h := newHarness()
	s := startScheduler(t, h.pipeline(t), memStore(t))
	if s.KillActive() {
		t.Error("KillActive with nothing running should report false")
	}
}

func TestStatuses(t *testing.T) {
	h := newHarness()
	store := memStore(t)
	ctx := context.Background()
	store.Set(ctx, "Parse", status.Record{Finished: true, Status: status.Passed})
	store.Set(ctx, "Lint", status.Record{Finished: true, Status: status.Killed})

	s, _ := New(h.pipeline(t), store)
	states, err := s.Statuses(ctx)
	if err != nil {
		t.Fatalf("Statuses failed: %v", err)
	}

	var got []string
	for _, st := range states {
		got = append(got, fmt.Sprintf("%s=%s", st.Name, st.Phase))
	}
	want := "Parse=passed,Lint=killed,Report=not started"
	if strings.Join(got, ",") != want {
		t.Errorf("expected %s, got %s", want, strings.Join(got, ","))
	}

	if _, err := s.Status(ctx, "Nope"); err == nil {
		t.Error("expected error for unknown task")
	}
}

func TestNew_RejectsInvalidCatalog(t *testing.T) {
	c := NewCatalog()
	c.Register(desc("A", "B"))
	c.Register(desc("B", "A"))

	if _, err := New(c, memStore(t)); !errors.Is(err, ErrCycle) {
		t.Errorf("expected ErrCycle, got %v", err)
	}
}

func TestEvents(t *testing.T) {
	h := newHarness()
	bus := events.NewEventBus()
	defer bus.Close()
	sub := bus.SubscribeAll(1024)

	s := startScheduler(t, h.pipeline(t), memStore(t), WithEventBus(bus))
	s.StartChain(context.Background(), "Report")
	if err := waitIdle(t, s); err != nil {
		t.Fatalf("chain failed: %v", err)
	}

	counts := make(map[string]int)
	var output []string
	var finished *events.ChainFinishedEvent
	timeout := time.After(2 * time.Second)
	for finished == nil {
		select {
		case e := <-sub:
			counts[e.EventType()]++
			switch ev := e.(type) {
			case events.TaskOutputEvent:
				output = append(output, ev.Name+":"+ev.Line)
			case events.ChainFinishedEvent:
				finished = &ev
			}
		case <-timeout:
			t.Fatalf("no chain.finished event; saw %v", counts)
		}
	}

	if counts[events.EventTypeTaskStarted] != 3 || counts[events.EventTypeTaskCompleted] != 3 {
		t.Errorf("expected 3 started and 3 completed, got %v", counts)
	}
	if counts[events.EventTypeQueueAdvanced] == 0 {
		t.Error("expected queue.advanced events")
	}
	if !finished.Success || finished.Task != "Report" {
		t.Errorf("unexpected chain result %+v", finished)
	}
	if strings.Join(output, ",") != "Parse:running Parse,Lint:running Lint,Report:running Report" {
		t.Errorf("unexpected output events %v", output)
	}
}

func TestShutdownKillsActiveTask(t *testing.T) {
	h := newHarness()
	h.gate("Lint")
	store := memStore(t)
	pm := worker.NewProcessManager()
	s := startScheduler(t, h.pipeline(t), store, WithProcessManager(pm))

	s.StartChain(context.Background(), "Report")
	eventually(t, "Lint to start", func() bool { return s.Active() == "Lint" })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if rec, _ := record(t, store, "Lint"); rec.Status != status.Killed {
		t.Errorf("expected Lint killed at shutdown, got %s", rec.Status)
	}
	if _, ok := record(t, store, "Report"); ok {
		t.Error("Report must not start during shutdown")
	}
}
