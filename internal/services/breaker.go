package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MegaGrindStone/convsync/internal/models"
	"github.com/sony/gobreaker"
)

// BreakerStore guards a Store with a circuit breaker. After MaxFailures consecutive backend
// failures every call fails fast with ErrStoreUnavailable until OpenTimeout has elapsed and a
// trial call succeeds.
type BreakerStore struct {
	store Store
	cb    *gobreaker.CircuitBreaker
}

// BreakerSettings configures a BreakerStore.
type BreakerSettings struct {
	MaxFailures uint32
	OpenTimeout time.Duration
}

// ErrStoreUnavailable is returned when the store cannot serve a read or a write.
var ErrStoreUnavailable = errors.New("store unavailable")

// NewBreakerStore wraps store with a circuit breaker configured by settings.
func NewBreakerStore(store Store, settings BreakerSettings, logger *slog.Logger) BreakerStore {
	logger = logger.With(slog.String("module", "breaker"))
	if settings.MaxFailures == 0 {
		settings.MaxFailures = 5
	}
	if settings.OpenTimeout == 0 {
		settings.OpenTimeout = 10 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "store",
		MaxRequests: 1,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				slog.String("name", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	return BreakerStore{store: store, cb: cb}
}

func (b BreakerStore) Conversation(ctx context.Context, userID string) (models.ConversationState, bool, error) {
	type result struct {
		state models.ConversationState
		found bool
	}
	res, err := execute(b.cb, func() (result, error) {
		s, found, err := b.store.Conversation(ctx, userID)
		return result{s, found}, err
	})
	return res.state, res.found, err
}

func (b BreakerStore) SetConversation(ctx context.Context, userID string, state models.ConversationState) error {
	_, err := execute(b.cb, func() (struct{}, error) {
		return struct{}{}, b.store.SetConversation(ctx, userID, state)
	})
	return err
}

func (b BreakerStore) AppendMessage(
	ctx context.Context,
	userID string,
	msg models.Message,
) (models.ConversationState, bool, error) {
	type result struct {
		state models.ConversationState
		added bool
	}
	res, err := execute(b.cb, func() (result, error) {
		s, added, err := b.store.AppendMessage(ctx, userID, msg)
		return result{s, added}, err
	})
	return res.state, res.added, err
}

func (b BreakerStore) DeleteConversation(ctx context.Context, userID string) error {
	_, err := execute(b.cb, func() (struct{}, error) {
		return struct{}{}, b.store.DeleteConversation(ctx, userID)
	})
	return err
}

func (b BreakerStore) Buttons(ctx context.Context, userID string) (models.ButtonState, bool, error) {
	type result struct {
		state models.ButtonState
		found bool
	}
	res, err := execute(b.cb, func() (result, error) {
		s, found, err := b.store.Buttons(ctx, userID)
		return result{s, found}, err
	})
	return res.state, res.found, err
}

func (b BreakerStore) UpdateButtons(ctx context.Context, userID string, patch models.ButtonPatch) (models.ButtonState, error) {
	return execute(b.cb, func() (models.ButtonState, error) {
		return b.store.UpdateButtons(ctx, userID, patch)
	})
}

func (b BreakerStore) DeleteButtons(ctx context.Context, userID string) error {
	_, err := execute(b.cb, func() (struct{}, error) {
		return struct{}{}, b.store.DeleteButtons(ctx, userID)
	})
	return err
}

func execute[T any](cb *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T
	res, err := cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return zero, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if err != nil {
		return zero, err
	}
	return res.(T), nil
}
