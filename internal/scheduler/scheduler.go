package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/verifgui/verifsched/internal/events"
	"github.com/verifgui/verifsched/internal/prompt"
	"github.com/verifgui/verifsched/internal/status"
	"github.com/verifgui/verifsched/internal/worker"
)

// Confirmer decides which suggested follow-on tasks to run after a chain
// succeeds. The scheduler waits for the answer; an error counts as a decline.
type Confirmer interface {
	Confirm(ctx context.Context, req prompt.Request) ([]string, error)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithConfirmer sets the follow-on confirmer. Without one, follow-ons are
// reported in events but never run.
func WithConfirmer(c Confirmer) Option {
	return func(s *Scheduler) { s.confirmer = c }
}

// WithEventBus publishes scheduler events on bus.
func WithEventBus(bus *events.EventBus) Option {
	return func(s *Scheduler) { s.bus = bus }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithProcessManager tracks every tool process started by task bodies.
func WithProcessManager(pm *worker.ProcessManager) Option {
	return func(s *Scheduler) { s.pm = pm }
}

// WithFlushRetry sets the retry policy for flushing status after a completion.
func WithFlushRetry(cfg status.RetryConfig) Option {
	return func(s *Scheduler) { s.retry = cfg }
}

// WithClock overrides time.Now for status timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler turns "run task T" into an ordered, gated sequence of task runs.
// At most one task runs at a time. Completions arrive on a channel consumed
// by Run; everything else is safe to call from any goroutine.
type Scheduler struct {
	catalog   *Catalog
	store     status.Store
	bus       *events.EventBus
	confirmer Confirmer
	logger    zerolog.Logger
	pm        *worker.ProcessManager
	retry     status.RetryConfig
	now       func() time.Time

	completions chan Completion

	mu         sync.Mutex
	tasks      map[string]*Task
	queue      []string
	active     string
	chainID    string
	confirming bool
	lastErr    error
	baseCtx    context.Context
	changed    chan struct{} // closed and replaced on every state change
}

// New validates the catalog and creates a scheduler over store.
func New(catalog *Catalog, store status.Store, opts ...Option) (*Scheduler, error) {
	if _, err := catalog.Validate(); err != nil {
		return nil, err
	}

	s := &Scheduler{
		catalog:     catalog,
		store:       store,
		logger:      zerolog.Nop(),
		retry:       status.DefaultRetryConfig(),
		now:         time.Now,
		completions: make(chan Completion, 1),
		tasks:       make(map[string]*Task),
		baseCtx:     context.Background(),
		changed:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, name := range catalog.Names() {
		d, _ := catalog.Get(name)
		s.tasks[name] = newTask(d)
	}

	return s, nil
}

// Run consumes task completions until ctx is cancelled. Task bodies started
// afterwards inherit ctx. Only an invariant violation ends Run early.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c := <-s.completions:
			if err := s.handleCompletion(ctx, c); err != nil {
				if errors.Is(err, ErrInvariant) {
					s.logger.Error().Err(err).Msg("scheduler state corrupt")
					return err
				}
				s.logger.Error().Err(err).Str("task", c.Task).Msg("completion handling failed")
			}
		}
	}
}

// StartChain prepares name and starts the first queued task if nothing is
// running. It returns the run queue including the task that was started.
// A chain requested while another runs is queued behind it.
func (s *Scheduler) StartChain(ctx context.Context, name string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.prepareLocked(ctx, name); err != nil {
		return nil, err
	}

	if s.active == "" && len(s.queue) > 0 {
		s.chainID = uuid.NewString()
		s.lastErr = nil
	}

	planned := append([]string(nil), s.queue...)
	if s.active != "" {
		planned = append([]string{s.active}, planned...)
	}

	if err := s.runNextLocked(ctx); err != nil {
		return planned, err
	}
	s.notifyLocked()
	return planned, nil
}

// Prepare expands name into its unmet dependency closure and appends it to
// the run queue without starting anything. On error the queue is unchanged.
func (s *Scheduler) Prepare(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.prepareLocked(ctx, name); err != nil {
		return err
	}
	s.notifyLocked()
	return nil
}

func (s *Scheduler) prepareLocked(ctx context.Context, name string) error {
	scratch := append([]string(nil), s.queue...)
	if err := s.prepareInto(ctx, name, &scratch, nil); err != nil {
		return err
	}
	s.queue = scratch
	return nil
}

// prepareInto appends name's unmet dependencies in post-order, then name.
// path holds the names being expanded, to catch cycles.
func (s *Scheduler) prepareInto(ctx context.Context, name string, queue *[]string, path []string) error {
	if slices.Contains(path, name) {
		return cycleError(append(path, name))
	}
	path = append(path, name)

	task, ok := s.tasks[name]
	if !ok {
		return &UnknownTaskError{Name: name}
	}

	for _, dep := range task.desc.Dependencies {
		if _, ok := s.tasks[dep]; !ok {
			return &UnknownTaskError{Name: dep}
		}

		rec, _, err := s.store.Get(ctx, dep)
		if err != nil {
			return fmt.Errorf("read status of %s: %w", dep, err)
		}
		if rec.Status.Blocking() {
			return &DependencyFailedError{Task: name, Dependency: dep, Status: rec.Status}
		}
		if !rec.Finished {
			if err := s.prepareInto(ctx, dep, queue, path); err != nil {
				return err
			}
		}
	}

	rec, _, err := s.store.Get(ctx, name)
	if err != nil {
		return fmt.Errorf("read status of %s: %w", name, err)
	}
	if rec.Finished || name == s.active || slices.Contains(*queue, name) {
		return nil
	}

	*queue = append(*queue, name)
	return nil
}

// runNextLocked starts the next queued task that is neither finished nor
// running. It does nothing while a task is active.
func (s *Scheduler) runNextLocked(ctx context.Context) error {
	for s.active == "" && len(s.queue) > 0 {
		name := s.queue[0]
		s.queue = s.queue[1:]

		task, ok := s.tasks[name]
		if !ok {
			return &UnknownTaskError{Name: name}
		}

		rec, _, err := s.store.Get(ctx, name)
		if err != nil {
			return fmt.Errorf("read status of %s: %w", name, err)
		}
		if rec.Finished || task.Running() {
			continue
		}

		if err := s.startLocked(ctx, task); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) startLocked(ctx context.Context, task *Task) error {
	name := task.Name()
	started := s.now()

	// A process that dies mid-run leaves the task re-runnable.
	if err := s.store.Set(ctx, name, status.Record{Finished: false, Status: status.Incomplete, LastRun: started}); err != nil {
		return fmt.Errorf("record start of %s: %w", name, err)
	}

	opts := []worker.Option{worker.WithOutput(func(l worker.Line) {
		s.publish(events.TopicOutput, events.TaskOutputEvent{Name: name, Tag: l.Tag, Line: l.Text, Timestamp: l.Timestamp})
	})}
	if s.pm != nil {
		opts = append(opts, worker.WithProcessManager(s.pm))
	}

	if err := task.Start(s.baseCtx, s.completions, opts...); err != nil {
		return err
	}
	s.active = name

	s.logger.Info().Str("task", name).Str("chain", s.chainID).Msg("task started")
	s.publish(events.TopicTask, events.TaskStartedEvent{Name: name, ChainID: s.chainID, Timestamp: started})
	s.publishQueueLocked()
	return nil
}

func (s *Scheduler) handleCompletion(ctx context.Context, c Completion) error {
	s.mu.Lock()

	if c.Task != s.active {
		active := s.active
		s.mu.Unlock()
		return invariantf("completion for %q while %q is active", c.Task, active)
	}

	chainID := s.chainID
	st := c.Status()
	rec := status.Record{Finished: true, Status: st, LastRun: s.now()}

	// Persist before advancing so a crash loses at most this result.
	var persistErr error
	if err := s.store.Set(ctx, c.Task, rec); err != nil {
		persistErr = fmt.Errorf("save status of %s: %w", c.Task, err)
	} else if err := status.FlushWithRetry(ctx, s.store, s.retry); err != nil {
		persistErr = fmt.Errorf("flush status after %s: %w", c.Task, err)
	}
	s.recordRun(ctx, chainID, c)

	s.active = ""

	log := s.logger.With().Str("task", c.Task).Str("chain", chainID).
		Int("exit_code", c.Result.ExitCode).Dur("elapsed", c.Result.Elapsed).Logger()

	if !c.Success {
		if c.Killed {
			log.Warn().Msg("task killed")
		} else {
			log.Error().Str("message", c.Message).Msg("task failed")
		}

		s.queue = nil
		s.lastErr = &TaskFailedError{Task: c.Task, Message: c.Message, ExitCode: c.Result.ExitCode, Killed: c.Killed}
		if persistErr != nil {
			s.lastErr = errors.Join(s.lastErr, &PersistError{Task: c.Task, Err: persistErr})
		}
		s.publish(events.TopicTask, events.TaskFailedEvent{
			Name: c.Task, ChainID: chainID, ExitCode: c.Result.ExitCode, Killed: c.Killed,
			Message: c.Message, Duration: c.Result.Elapsed, Timestamp: rec.LastRun,
		})
		s.publish(events.TopicQueue, events.ChainFinishedEvent{ChainID: chainID, Task: c.Task, Success: false, Message: c.Message, Timestamp: rec.LastRun})
		s.publishQueueLocked()
		s.publishProgressLocked(ctx)
		s.notifyLocked()
		s.mu.Unlock()
		return persistErr
	}

	log.Info().Msg("task passed")
	s.publish(events.TopicTask, events.TaskCompletedEvent{
		Name: c.Task, ChainID: chainID, Message: c.Message, FollowOns: c.FollowOns,
		Duration: c.Result.Elapsed, Timestamp: rec.LastRun,
	})

	// Dependents never run on a result that was not saved.
	if persistErr != nil {
		log.Error().Err(persistErr).Msg("chain halted")
		s.queue = nil
		s.lastErr = &PersistError{Task: c.Task, Err: persistErr}
		s.publish(events.TopicQueue, events.ChainFinishedEvent{ChainID: chainID, Task: c.Task, Success: false, Message: s.lastErr.Error(), Timestamp: rec.LastRun})
		s.publishQueueLocked()
		s.publishProgressLocked(ctx)
		s.notifyLocked()
		s.mu.Unlock()
		return persistErr
	}

	if err := s.runNextLocked(ctx); err != nil {
		s.queue = nil
		s.lastErr = err
		s.publishQueueLocked()
		s.notifyLocked()
		s.mu.Unlock()
		return err
	}
	s.publishProgressLocked(ctx)

	if s.active != "" {
		s.notifyLocked()
		s.mu.Unlock()
		return nil
	}

	// Queue drained after a success: offer follow-ons, then finish.
	candidates := s.followOnCandidatesLocked(ctx, c.FollowOns)
	if len(candidates) == 0 || s.confirmer == nil {
		s.finishChainLocked(c, rec.LastRun)
		s.mu.Unlock()
		return nil
	}

	s.confirming = true
	s.publishQueueLocked()
	s.mu.Unlock()

	s.publish(events.TopicPrompt, events.FollowOnRequestedEvent{Name: c.Task, Message: c.Message, Candidates: candidates, Timestamp: s.now()})
	accepted, err := s.confirmer.Confirm(ctx, prompt.Request{Task: c.Task, Message: c.Message, Candidates: candidates})
	if err != nil {
		s.logger.Info().Err(err).Str("task", c.Task).Msg("follow-ons declined")
		accepted = nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirming = false

	for _, name := range accepted {
		if err := s.prepareLocked(ctx, name); err != nil {
			s.logger.Warn().Err(err).Str("task", name).Msg("follow-on not queued")
			s.lastErr = err
		}
	}
	if len(s.queue) > 0 && s.active == "" {
		if err := s.runNextLocked(ctx); err != nil {
			s.queue = nil
			s.lastErr = err
		}
	}

	if s.active == "" && len(s.queue) == 0 {
		s.finishChainLocked(c, s.now())
	} else {
		s.publishQueueLocked()
		s.notifyLocked()
	}
	return nil
}

// followOnCandidatesLocked keeps suggestions that are registered and not
// finished.
func (s *Scheduler) followOnCandidatesLocked(ctx context.Context, names []string) []string {
	var out []string
	for _, name := range names {
		if _, ok := s.tasks[name]; !ok {
			s.logger.Warn().Str("task", name).Msg("ignoring unregistered follow-on")
			continue
		}
		rec, _, err := s.store.Get(ctx, name)
		if err != nil || rec.Finished {
			continue
		}
		out = append(out, name)
	}
	return out
}

func (s *Scheduler) finishChainLocked(last Completion, at time.Time) {
	s.publish(events.TopicQueue, events.ChainFinishedEvent{ChainID: s.chainID, Task: last.Task, Success: true, Message: last.Message, Timestamp: at})
	s.publishQueueLocked()
	s.notifyLocked()
}

func (s *Scheduler) recordRun(ctx context.Context, chainID string, c Completion) {
	rr, ok := s.store.(status.RunRecorder)
	if !ok {
		return
	}
	err := rr.RecordRun(ctx, status.Run{
		RunID:      uuid.NewString(),
		ChainID:    chainID,
		Task:       c.Task,
		Status:     c.Status(),
		ExitCode:   c.Result.ExitCode,
		Elapsed:    c.Result.Elapsed,
		StdoutTail: status.Tail(c.Result.Stdout, 20),
		StderrTail: status.Tail(c.Result.Stderr, 20),
		FinishedAt: s.now(),
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("task", c.Task).Msg("run history not recorded")
	}
}

// KillActive kills the running task, if any. The chain halts when its
// completion arrives with status killed.
func (s *Scheduler) KillActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == "" {
		return false
	}
	s.logger.Info().Str("task", s.active).Msg("killing task")
	return s.tasks[s.active].Kill()
}

// Reset clears a task back to not started so it can run again.
func (s *Scheduler) Reset(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[name]
	if !ok {
		return &UnknownTaskError{Name: name}
	}
	if err := task.Reset(); err != nil {
		return err
	}

	at := s.now()
	if err := s.store.Set(ctx, name, status.Reset(at)); err != nil {
		return fmt.Errorf("reset %s: %w", name, err)
	}
	if err := status.FlushWithRetry(ctx, s.store, s.retry); err != nil {
		return fmt.Errorf("flush status after reset of %s: %w", name, err)
	}

	s.logger.Info().Str("task", name).Msg("task reset")
	s.publish(events.TopicTask, events.TaskResetEvent{Name: name, Timestamp: at})
	s.publishProgressLocked(ctx)
	s.notifyLocked()
	return nil
}

// Phase is the observable state of a task.
type Phase string

const (
	PhaseNotStarted Phase = "not started"
	PhaseRunning    Phase = "running"
	PhasePassed     Phase = "passed"
	PhaseFailed     Phase = "failed"
	PhaseKilled     Phase = "killed"
)

// TaskState is a snapshot of one task for display.
type TaskState struct {
	Name         string        `json:"name"`
	Description  string        `json:"description"`
	Dependencies []string      `json:"dependencies"`
	Phase        Phase         `json:"phase"`
	Record       status.Record `json:"record"`
	Recorded     bool          `json:"recorded"`
	Queued       bool          `json:"queued"`
}

// Status returns the state of one task.
func (s *Scheduler) Status(ctx context.Context, name string) (TaskState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[name]
	if !ok {
		return TaskState{}, &UnknownTaskError{Name: name}
	}
	return s.stateLocked(ctx, task)
}

// Statuses returns every task's state in catalog order.
func (s *Scheduler) Statuses(ctx context.Context) ([]TaskState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []TaskState
	for _, name := range s.catalog.Names() {
		st, err := s.stateLocked(ctx, s.tasks[name])
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *Scheduler) stateLocked(ctx context.Context, task *Task) (TaskState, error) {
	rec, ok, err := s.store.Get(ctx, task.Name())
	if err != nil {
		return TaskState{}, fmt.Errorf("read status of %s: %w", task.Name(), err)
	}

	st := TaskState{
		Name:         task.Name(),
		Description:  task.Description(),
		Dependencies: task.Dependencies(),
		Record:       rec,
		Recorded:     ok,
		Queued:       slices.Contains(s.queue, task.Name()),
	}
	st.Phase = phaseOf(rec, task.Running())
	return st, nil
}

func phaseOf(rec status.Record, running bool) Phase {
	switch {
	case running:
		return PhaseRunning
	case !rec.Finished:
		return PhaseNotStarted
	case rec.Status == status.Passed:
		return PhasePassed
	case rec.Status == status.Killed:
		return PhaseKilled
	default:
		return PhaseFailed
	}
}

// Queue returns the names waiting to run, excluding the active task.
func (s *Scheduler) Queue() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queue...)
}

// Active returns the running task, or "".
func (s *Scheduler) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// ChainID identifies the current or most recent chain.
func (s *Scheduler) ChainID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chainID
}

// Catalog returns the catalog the scheduler runs.
func (s *Scheduler) Catalog() *Catalog {
	return s.catalog
}

// WaitIdle blocks until no task is running, the queue is empty and no
// follow-on question is open. It returns the failure that ended the most
// recent chain, if any.
func (s *Scheduler) WaitIdle(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.active == "" && len(s.queue) == 0 && !s.confirming {
			err := s.lastErr
			s.mu.Unlock()
			return err
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Shutdown kills the active task and every tracked tool process, waits up to
// ctx for the completion to be recorded, then flushes the store.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.queue = nil
	s.mu.Unlock()

	s.KillActive()

	var errs []error
	if s.pm != nil {
		if err := s.pm.KillAll(); err != nil {
			errs = append(errs, err)
		}
	}

	// Run may already have stopped, so drain the completion here too.
	for {
		s.mu.Lock()
		idle := s.active == "" && !s.confirming
		changed := s.changed
		s.mu.Unlock()
		if idle {
			break
		}

		select {
		case c := <-s.completions:
			if err := s.handleCompletion(ctx, c); err != nil {
				errs = append(errs, err)
			}
		case <-changed:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("task still running at shutdown: %w", ctx.Err()))
			return errors.Join(errs...)
		}
	}

	if err := s.store.Flush(context.Background()); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Scheduler) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Scheduler) publish(topic string, e events.Event) {
	if s.bus != nil {
		s.bus.Publish(topic, e)
	}
}

func (s *Scheduler) publishQueueLocked() {
	s.publish(events.TopicQueue, events.QueueAdvancedEvent{
		ChainID:   s.chainID,
		Active:    s.active,
		Queued:    append([]string(nil), s.queue...),
		Timestamp: s.now(),
	})
}

func (s *Scheduler) publishProgressLocked(ctx context.Context) {
	if s.bus == nil {
		return
	}
	p := events.ProgressEvent{Total: len(s.tasks), Timestamp: s.now()}
	for _, task := range s.tasks {
		rec, _, err := s.store.Get(ctx, task.Name())
		if err != nil {
			return
		}
		switch phaseOf(rec, task.Running()) {
		case PhaseRunning:
			p.Running++
		case PhasePassed:
			p.Passed++
		case PhaseFailed:
			p.Failed++
		case PhaseKilled:
			p.Killed++
		default:
			p.NotStarted++
		}
	}
	s.publish(events.TopicQueue, p)
}
