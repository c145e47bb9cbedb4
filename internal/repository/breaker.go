package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hiroki-koketsu/go-task-tracker/internal/model"
	"github.com/sony/gobreaker"
)

// BreakerSettings configures the circuit breaker around a Store.
type BreakerSettings struct {
	Name string
	// ConsecutiveFailures trips the breaker once exceeded.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
}

// DefaultBreakerSettings trips after 5 consecutive failures and probes after 10s.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		Name:                "task-store",
		ConsecutiveFailures: 5,
		OpenTimeout:         10 * time.Second,
	}
}

// BreakerStore guards a Store with a circuit breaker. Every failure other
// than a missing task surfaces as model.ErrStoreUnavailable.
type BreakerStore struct {
	next Store
	cb   *gobreaker.CircuitBreaker
}

var _ Store = (*BreakerStore)(nil)

// NewBreakerStore wraps next.
func NewBreakerStore(next Store, settings BreakerSettings, logger *slog.Logger) *BreakerStore {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        settings.Name,
		MaxRequests: 1,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, model.ErrTaskNotFound) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
	return &BreakerStore{next: next, cb: cb}
}

// State reports the breaker state, for health checks.
func (s *BreakerStore) State() gobreaker.State {
	return s.cb.State()
}

func (s *BreakerStore) FindMany(ctx context.Context, pred TaskPredicate, order OrderBy) ([]*model.Task, error) {
	return execute(s.cb, func() ([]*model.Task, error) {
		return s.next.FindMany(ctx, pred, order)
	})
}

func (s *BreakerStore) FindOne(ctx context.Context, pred TaskPredicate) (*model.Task, error) {
	return execute(s.cb, func() (*model.Task, error) {
		return s.next.FindOne(ctx, pred)
	})
}

func (s *BreakerStore) Count(ctx context.Context, pred TaskPredicate) (int64, error) {
	return execute(s.cb, func() (int64, error) {
		return s.next.Count(ctx, pred)
	})
}

func (s *BreakerStore) Insert(ctx context.Context, task *model.Task) (*model.Task, error) {
	return execute(s.cb, func() (*model.Task, error) {
		return s.next.Insert(ctx, task)
	})
}

func (s *BreakerStore) UpdateFields(ctx context.Context, id string, changes TaskChanges) (*model.Task, error) {
	return execute(s.cb, func() (*model.Task, error) {
		return s.next.UpdateFields(ctx, id, changes)
	})
}

func (s *BreakerStore) DeleteByID(ctx context.Context, id string) error {
	_, err := execute(s.cb, func() (struct{}, error) {
		return struct{}{}, s.next.DeleteByID(ctx, id)
	})
	return err
}

func (s *BreakerStore) CountAll(ctx context.Context) (int64, error) {
	return execute(s.cb, func() (int64, error) {
		return s.next.CountAll(ctx)
	})
}

// Ping bypasses the breaker so health checks see the real store.
func (s *BreakerStore) Ping(ctx context.Context) error {
	return s.next.Ping(ctx)
}

func execute[T any](cb *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	v, err := cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, classify(err)
	}
	return v.(T), nil
}

func classify(err error) error {
	if errors.Is(err, model.ErrTaskNotFound) || errors.Is(err, context.Canceled) {
		return err
	}
	var verr *model.ValidationError
	if errors.As(err, &verr) {
		return err
	}
	return fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err)
}
