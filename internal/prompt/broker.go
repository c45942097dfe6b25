// Package prompt carries follow-on confirmation requests from the scheduler
// to whoever answers them: a terminal prompt, the TUI, or the HTTP API.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrNoSuchRequest = errors.New("no pending request with that id")
	ErrNotCandidate  = errors.New("task was not offered")
)

// Request asks which of the suggested follow-on tasks should run next.
type Request struct {
	ID         string   `json:"id"`
	Task       string   `json:"task"`
	Message    string   `json:"message"`
	Candidates []string `json:"candidates"`
	responseCh chan Answer
}

// Answer is the decision for one request.
type Answer struct {
	Accepted []string
	Error    error
}

// AnswerFunc decides a request inline, typically by prompting a user.
type AnswerFunc func(ctx context.Context, req Request) ([]string, error)

// Option configures a Broker.
type Option func(*Broker)

// WithNotify calls fn for every new request, before it is answered.
func WithNotify(fn func(Request)) Option {
	return func(b *Broker) { b.notify = fn }
}

// Broker serializes confirmation requests. With an AnswerFunc the handler
// goroutine answers each request in turn; without one, requests stay pending
// until Answer is called from outside.
type Broker struct {
	requestCh chan Request
	answerFn  AnswerFunc
	notify    func(Request)
	done      chan struct{}

	mu      sync.Mutex
	pending map[string]Request
	order   []string
}

// NewBroker creates a broker. answerFn may be nil.
func NewBroker(bufferSize int, answerFn AnswerFunc, opts ...Option) *Broker {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	b := &Broker{
		requestCh: make(chan Request, bufferSize),
		answerFn:  answerFn,
		done:      make(chan struct{}),
		pending:   make(map[string]Request),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start launches the handler goroutine. It runs until ctx is cancelled, then
// fails every request still pending with the context error.
func (b *Broker) Start(ctx context.Context) {
	go b.handleRequests(ctx)
}

func (b *Broker) handleRequests(ctx context.Context) {
	defer close(b.done)
	defer b.failPending(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-b.requestCh:
			accepted, err := b.answerFn(ctx, req)
			if ctx.Err() != nil {
				b.resolve(req.ID, Answer{Error: ctx.Err()})
				return
			}
			if err != nil {
				b.resolve(req.ID, Answer{Error: err})
				continue
			}
			if err := b.Answer(req.ID, accepted); err != nil {
				b.resolve(req.ID, Answer{Error: err})
			}
		}
	}
}

// Confirm submits a request and blocks until it is answered or ctx ends.
// It returns the accepted subset of req.Candidates.
func (b *Broker) Confirm(ctx context.Context, req Request) ([]string, error) {
	if len(req.Candidates) == 0 {
		return nil, nil
	}

	req.ID = uuid.NewString()
	req.Candidates = append([]string(nil), req.Candidates...)
	req.responseCh = make(chan Answer, 1)

	b.mu.Lock()
	b.pending[req.ID] = req
	b.order = append(b.order, req.ID)
	b.mu.Unlock()
	defer b.forget(req.ID)

	if b.notify != nil {
		b.notify(req)
	}

	if b.answerFn != nil {
		select {
		case b.requestCh <- req:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	select {
	case answer := <-req.responseCh:
		if answer.Error != nil {
			return nil, answer.Error
		}
		return answer.Accepted, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pending returns the unanswered requests, oldest first.
func (b *Broker) Pending() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Request, 0, len(b.order))
	for _, id := range b.order {
		req := b.pending[id]
		req.Candidates = append([]string(nil), req.Candidates...)
		out = append(out, req)
	}
	return out
}

// Answer resolves a pending request. Every accepted name must be one of the
// request's candidates. An empty accepted list declines.
func (b *Broker) Answer(id string, accepted []string) error {
	b.mu.Lock()
	req, ok := b.pending[id]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchRequest, id)
	}

	for _, name := range accepted {
		if !slices.Contains(req.Candidates, name) {
			return fmt.Errorf("%w: %s", ErrNotCandidate, name)
		}
	}

	// Keep candidate order regardless of the order names were picked in.
	var ordered []string
	for _, name := range req.Candidates {
		if slices.Contains(accepted, name) {
			ordered = append(ordered, name)
		}
	}

	if !b.resolve(id, Answer{Accepted: ordered}) {
		return fmt.Errorf("%w: %s", ErrNoSuchRequest, id)
	}
	return nil
}

// resolve delivers an answer once; later answers for the same id are dropped.
func (b *Broker) resolve(id string, answer Answer) bool {
	b.mu.Lock()
	req, ok := b.pending[id]
	if ok {
		b.removeLocked(id)
	}
	b.mu.Unlock()

	if !ok {
		return false
	}
	req.responseCh <- answer
	return true
}

func (b *Broker) forget(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(id)
}

func (b *Broker) removeLocked(id string) {
	if _, ok := b.pending[id]; !ok {
		return
	}
	delete(b.pending, id)
	if i := slices.Index(b.order, id); i >= 0 {
		b.order = slices.Delete(b.order, i, i+1)
	}
}

func (b *Broker) failPending(ctx context.Context) {
	for _, req := range b.Pending() {
		b.resolve(req.ID, Answer{Error: ctx.Err()})
	}
}

// Stop blocks until the handler goroutine has exited.
func (b *Broker) Stop() {
	<-b.done
}

// ConfirmFunc adapts a function to the scheduler's confirmer.
type ConfirmFunc func(ctx context.Context, req Request) ([]string, error)

func (f ConfirmFunc) Confirm(ctx context.Context, req Request) ([]string, error) {
	return f(ctx, req)
}

// AcceptAll runs every suggested follow-on.
var AcceptAll = ConfirmFunc(func(_ context.Context, req Request) ([]string, error) {
	return append([]string(nil), req.Candidates...), nil
})

// DeclineAll never runs follow-ons.
var DeclineAll = ConfirmFunc(func(context.Context, Request) ([]string, error) {
	return nil, nil
})
