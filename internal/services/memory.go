package services

import (
	"context"
	"sync"

	"github.com/MegaGrindStone/convsync/internal/models"
)

// Memory implements the Store interface in process memory. Its contents live as long as the
// process; it is meant for tests and for throwaway demo servers.
type Memory struct {
	mu            sync.RWMutex
	conversations map[string]models.ConversationState
	buttons       map[string]models.ButtonState
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[string]models.ConversationState),
		buttons:       make(map[string]models.ButtonState),
	}
}

// Conversation returns a copy of the stored conversation of userID. The boolean result is false
// if the user has no stored conversation.
func (m *Memory) Conversation(_ context.Context, userID string) (models.ConversationState, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.conversations[userID]
	if !ok {
		return models.ConversationState{}, false, nil
	}
	return s.Clone(), true, nil
}

// SetConversation overwrites the stored conversation of userID with a copy of state.
func (m *Memory) SetConversation(_ context.Context, userID string, state models.ConversationState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations[userID] = state.Clone()
	return nil
}

// AppendMessage appends msg to the stored conversation of userID, starting from the default
// conversation if none is stored. It reports whether the message was added.
func (m *Memory) AppendMessage(
	_ context.Context,
	userID string,
	msg models.Message,
) (models.ConversationState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.conversations[userID]
	if !ok {
		s = models.DefaultConversation()
	}
	s = s.Clone()
	added := s.Append(msg)
	if added {
		m.conversations[userID] = s
	}
	return s.Clone(), added, nil
}

// DeleteConversation removes the stored conversation of userID.
func (m *Memory) DeleteConversation(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conversations, userID)
	return nil
}

// Buttons returns a copy of the stored button state of userID.
func (m *Memory) Buttons(_ context.Context, userID string) (models.ButtonState, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.buttons[userID]
	if !ok {
		return models.ButtonState{}, false, nil
	}
	return b.Clone(), true, nil
}

// UpdateButtons merges patch over the stored button state of userID, or over the default button
// state if none is stored.
func (m *Memory) UpdateButtons(_ context.Context, userID string, patch models.ButtonPatch) (models.ButtonState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buttons[userID]
	if !ok {
		b = models.DefaultButtons()
	}
	merged := b.Merge(patch)
	m.buttons[userID] = merged
	return merged.Clone(), nil
}

// DeleteButtons removes the stored button state of userID.
func (m *Memory) DeleteButtons(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buttons, userID)
	return nil
}
