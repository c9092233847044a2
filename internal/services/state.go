package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MegaGrindStone/convsync/internal/models"
)

// Store defines the interface for persisting per-user conversation and button state. Records are
// whole values keyed by user ID; the only read-modify-write operations, AppendMessage and
// UpdateButtons, must be atomic with respect to other writes of the same record.
type Store interface {
	Conversation(ctx context.Context, userID string) (models.ConversationState, bool, error)
	SetConversation(ctx context.Context, userID string, state models.ConversationState) error
	AppendMessage(ctx context.Context, userID string, msg models.Message) (models.ConversationState, bool, error)
	DeleteConversation(ctx context.Context, userID string) error

	Buttons(ctx context.Context, userID string) (models.ButtonState, bool, error)
	UpdateButtons(ctx context.Context, userID string, patch models.ButtonPatch) (models.ButtonState, error)
	DeleteButtons(ctx context.Context, userID string) error
}

// Publisher fans an event out to the subscribers of a topic.
type Publisher interface {
	Publish(topic models.Topic, e models.Event) error
}

// Sync is the state service shared by every connection of the process. Each write goes to the
// Store first and is then announced through the Publisher. The announcement is best effort: a
// failed publish is logged and never undoes nor fails the write, since subscribers reconcile
// from the initial snapshot when they reconnect.
type Sync struct {
	store Store
	pub   Publisher

	logger *slog.Logger
}

const errLoggerKey = "err"

// NewSync creates the state service on top of store and pub.
func NewSync(store Store, pub Publisher, logger *slog.Logger) Sync {
	return Sync{
		store:  store,
		pub:    pub,
		logger: logger.With(slog.String("module", "sync")),
	}
}

// Conversation returns the conversation of userID, or the default conversation if none is stored.
func (s Sync) Conversation(ctx context.Context, userID string) (models.ConversationState, error) {
	state, found, err := s.store.Conversation(ctx, userID)
	if err != nil {
		return models.ConversationState{}, fmt.Errorf("failed to get conversation: %w", err)
	}
	if !found {
		return models.DefaultConversation(), nil
	}
	return state.Sanitized(), nil
}

// ReplaceConversation overwrites the conversation of userID and publishes an update. The draft
// input is cleared and duplicate message IDs are dropped before anything is stored.
func (s Sync) ReplaceConversation(
	ctx context.Context,
	userID string,
	state models.ConversationState,
	origin string,
) (models.ConversationState, error) {
	state = state.Sanitized()
	if err := s.store.SetConversation(ctx, userID, state); err != nil {
		return models.ConversationState{}, fmt.Errorf("failed to set conversation: %w", err)
	}

	s.publish(userID, models.ScopeConversation, models.EventTypeUpdate, origin, state)
	return state, nil
}

// AppendMessage appends msg to the conversation of userID. A message whose ID is already stored is
// a no-op and publishes nothing.
func (s Sync) AppendMessage(
	ctx context.Context,
	userID string,
	msg models.Message,
	origin string,
) (models.ConversationState, bool, error) {
	state, added, err := s.store.AppendMessage(ctx, userID, msg)
	if err != nil {
		return models.ConversationState{}, false, fmt.Errorf("failed to append message: %w", err)
	}
	state = state.Sanitized()
	if added {
		s.publish(userID, models.ScopeConversation, models.EventTypeUpdate, origin, state)
	}
	return state, added, nil
}

// ClearConversation deletes the conversation of userID and publishes a clear event.
func (s Sync) ClearConversation(ctx context.Context, userID, origin string) error {
	if err := s.store.DeleteConversation(ctx, userID); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}

	s.publish(userID, models.ScopeConversation, models.EventTypeClear, origin, nil)
	return nil
}

// Buttons returns the button state of userID, or the default button state if none is stored.
func (s Sync) Buttons(ctx context.Context, userID string) (models.ButtonState, error) {
	state, found, err := s.store.Buttons(ctx, userID)
	if err != nil {
		return models.ButtonState{}, fmt.Errorf("failed to get buttons: %w", err)
	}
	if !found {
		return models.DefaultButtons(), nil
	}
	return state.Clone(), nil
}

// UpdateButtons merges patch over the button state of userID and publishes an update.
func (s Sync) UpdateButtons(
	ctx context.Context,
	userID string,
	patch models.ButtonPatch,
	origin string,
) (models.ButtonState, error) {
	merged, err := s.store.UpdateButtons(ctx, userID, patch)
	if err != nil {
		return models.ButtonState{}, fmt.Errorf("failed to update buttons: %w", err)
	}

	s.publish(userID, models.ScopeButtons, models.EventTypeUpdate, origin, merged)
	return merged, nil
}

// ClearButtons deletes the button state of userID and publishes a clear event.
func (s Sync) ClearButtons(ctx context.Context, userID, origin string) error {
	if err := s.store.DeleteButtons(ctx, userID); err != nil {
		return fmt.Errorf("failed to delete buttons: %w", err)
	}

	s.publish(userID, models.ScopeButtons, models.EventTypeClear, origin, nil)
	return nil
}

// Snapshot returns the current state of the given scope as an initial event.
func (s Sync) Snapshot(ctx context.Context, topic models.Topic) (models.Event, error) {
	var v any
	switch topic.Scope {
	case models.ScopeConversation:
		state, err := s.Conversation(ctx, topic.UserID)
		if err != nil {
			return models.Event{}, err
		}
		v = state
	case models.ScopeButtons:
		state, err := s.Buttons(ctx, topic.UserID)
		if err != nil {
			return models.Event{}, err
		}
		v = state
	default:
		return models.Event{}, fmt.Errorf("unknown scope %q", topic.Scope)
	}
	return models.NewEvent(models.EventTypeInitial, topic.Scope, "", v)
}

func (s Sync) publish(userID string, scope models.Scope, typ models.EventType, origin string, v any) {
	topic := models.Topic{Scope: scope, UserID: userID}

	e, err := models.NewEvent(typ, scope, origin, v)
	if err != nil {
		s.logger.Error("Failed to encode event",
			slog.String("topic", topic.String()),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	if err := s.pub.Publish(topic, e); err != nil {
		s.logger.Error("Failed to publish event",
			slog.String("topic", topic.String()),
			slog.String("type", string(typ)),
			slog.String(errLoggerKey, err.Error()))
	}
}
