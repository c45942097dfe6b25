package status

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// Mirror writes through to a primary store and copies every write to a
// secondary one. Reads only hit the primary. Secondary failures are logged
// and never fail the caller; a circuit breaker stops hammering a secondary
// that keeps failing.
type Mirror struct {
	primary   Store
	secondary Store
	cb        *gobreaker.CircuitBreaker
	logger    zerolog.Logger
}

var _ Store = (*Mirror)(nil)

// NewMirror creates a mirror. The breaker opens after 5 consecutive
// secondary failures and probes again after 30s.
func NewMirror(primary, secondary Store, logger zerolog.Logger) *Mirror {
	m := &Mirror{
		primary:   primary,
		secondary: secondary,
		logger:    logger,
	}

	m.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "status-mirror",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("status mirror breaker changed state")
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return m
}

// Primary returns the authoritative store.
func (m *Mirror) Primary() Store {
	return m.primary
}

// BreakerState reports the secondary's circuit state.
func (m *Mirror) BreakerState() gobreaker.State {
	return m.cb.State()
}

func (m *Mirror) Get(ctx context.Context, name string) (Record, bool, error) {
	return m.primary.Get(ctx, name)
}

func (m *Mirror) All(ctx context.Context) (map[string]Record, error) {
	return m.primary.All(ctx)
}

func (m *Mirror) Set(ctx context.Context, name string, rec Record) error {
	if err := m.primary.Set(ctx, name, rec); err != nil {
		return err
	}
	m.secondaryDo("set", func() error {
		return m.secondary.Set(ctx, name, rec)
	})
	return nil
}

func (m *Mirror) Flush(ctx context.Context) error {
	if err := m.primary.Flush(ctx); err != nil {
		return err
	}
	m.secondaryDo("flush", func() error {
		return m.secondary.Flush(ctx)
	})
	return nil
}

func (m *Mirror) Close() error {
	return errors.Join(m.primary.Close(), m.secondary.Close())
}

// RecordRun forwards to the primary when it keeps history.
func (m *Mirror) RecordRun(ctx context.Context, run Run) error {
	if rr, ok := m.primary.(RunRecorder); ok {
		return rr.RecordRun(ctx, run)
	}
	return nil
}

// Runs forwards to the primary when it keeps history.
func (m *Mirror) Runs(ctx context.Context, task string, limit int) ([]Run, error) {
	if rr, ok := m.primary.(RunRecorder); ok {
		return rr.Runs(ctx, task, limit)
	}
	return nil, nil
}

func (m *Mirror) secondaryDo(op string, fn func() error) {
	_, err := m.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err == nil {
		return
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		m.logger.Debug().Str("op", op).Msg("status mirror skipped, breaker open")
		return
	}
	m.logger.Warn().Err(err).Str("op", op).Msg("status mirror write failed")
}
