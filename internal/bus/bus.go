// Package bus mirrors conversation state between the open surfaces (tabs, windows, embedded
// frames) of one user without a round trip through the push stream.
//
// A Bus encodes Messages onto a Transport. Transports behave like a browser BroadcastChannel: a
// post reaches every other endpoint of the channel in post order, never the poster itself.
// Delivery is not guaranteed; without a transport the bus is a silent no-op.
package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MegaGrindStone/convsync/internal/models"
)

// Kind is the type of a bus message.
type Kind string

const (
	// KindSyncState carries a full state mirror.
	KindSyncState Kind = "SYNC_STATE"
	// KindUserMessageSubmitted carries a newly appended user message and the new cursor.
	KindUserMessageSubmitted Kind = "USER_MESSAGE_SUBMITTED"
	// KindDemoProgress carries a cursor/status/placeholder delta, optionally with the newly
	// revealed message.
	KindDemoProgress Kind = "DEMO_PROGRESS"
)

// Message is the unit exchanged between surfaces.
type Message struct {
	Type Kind `json:"type"`

	// Origin is the token of the posting surface.
	Origin string `json:"origin,omitempty"`

	State   *models.ConversationState `json:"state,omitempty"`
	Message *models.Message           `json:"message,omitempty"`

	CurrentIndex               int           `json:"currentIndex"`
	Status                     models.Status `json:"status,omitempty"`
	IsUserMessageInPlaceholder bool          `json:"isUserMessageInPlaceholder"`

	// Reset marks a full state mirror that follows a clear and may rewind the receiver.
	Reset bool `json:"reset,omitempty"`
}

// Listener receives the messages posted by other surfaces.
type Listener func(Message)

// Transport moves raw frames between the endpoints of one channel.
type Transport interface {
	// Post sends data to every other endpoint of the channel.
	Post(data []byte) error
	// Subscribe registers fn for frames posted by other endpoints and returns its canceller.
	Subscribe(fn func(data []byte)) (cancel func())
	Close() error
}

// Bus is the typed broadcaster of one surface.
type Bus struct {
	transport Transport
	cancel    func()

	mu        sync.RWMutex
	listeners map[uint64]Listener
	nextID    uint64

	logger *slog.Logger
}

const errLoggerKey = "err"

// New creates a bus on top of t. A nil t gives a bus that drops every broadcast.
func New(t Transport, logger *slog.Logger) *Bus {
	if t == nil {
		t = Noop{}
	}
	b := &Bus{
		transport: t,
		listeners: make(map[uint64]Listener),
		logger:    logger.With(slog.String("module", "bus")),
	}
	b.cancel = t.Subscribe(b.receive)
	return b
}

// SyncState builds a full state mirror message.
func SyncState(state models.ConversationState, origin string) Message {
	s := state.Sanitized()
	return Message{
		Type:                       KindSyncState,
		Origin:                     origin,
		State:                      &s,
		CurrentIndex:               s.CurrentIndex,
		Status:                     s.Status,
		IsUserMessageInPlaceholder: s.IsUserMessageInPlaceholder,
	}
}

// Cleared builds the full state mirror of a conversation that was just cleared.
func Cleared(state models.ConversationState, origin string) Message {
	msg := SyncState(state, origin)
	msg.Reset = true
	return msg
}

// UserMessageSubmitted builds the message announcing a user message appended at the given cursor.
func UserMessageSubmitted(msg models.Message, currentIndex int, origin string) Message {
	return Message{
		Type:         KindUserMessageSubmitted,
		Origin:       origin,
		Message:      &msg,
		CurrentIndex: currentIndex,
	}
}

// DemoProgress builds a progress delta. revealed may be nil.
func DemoProgress(state models.ConversationState, revealed *models.Message, origin string) Message {
	return Message{
		Type:                       KindDemoProgress,
		Origin:                     origin,
		Message:                    revealed,
		CurrentIndex:               state.CurrentIndex,
		Status:                     state.Status,
		IsUserMessageInPlaceholder: state.IsUserMessageInPlaceholder,
	}
}

// Apply folds msg into state and returns the result. Messages are applied idempotently: a
// message already present is not appended twice.
func Apply(state models.ConversationState, msg Message) models.ConversationState {
	switch msg.Type {
	case KindSyncState:
		if msg.State == nil {
			return state
		}
		next := msg.State.Sanitized()
		next.Input = state.Input
		return next
	case KindUserMessageSubmitted:
		next := state.Clone()
		if msg.Message != nil {
			next.Append(*msg.Message)
		}
		next.CurrentIndex = msg.CurrentIndex
		next.IsUserMessageInPlaceholder = false
		return next
	case KindDemoProgress:
		next := state.Clone()
		if msg.Message != nil {
			next.Append(*msg.Message)
		}
		next.CurrentIndex = msg.CurrentIndex
		if msg.Status != "" {
			next.Status = msg.Status
		}
		next.IsUserMessageInPlaceholder = msg.IsUserMessageInPlaceholder
		return next
	}
	return state
}

// Broadcast posts msg to the other surfaces. Delivery is best effort: failures are logged and
// returned, and callers are free to ignore them.
func (b *Bus) Broadcast(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal bus message: %w", err)
	}
	if err := b.transport.Post(data); err != nil {
		b.logger.Debug("Failed to post bus message",
			slog.String("type", string(msg.Type)),
			slog.String(errLoggerKey, err.Error()))
		return fmt.Errorf("failed to post bus message: %w", err)
	}
	return nil
}

// Listen registers l and returns the function that removes it. The disposer may be called more
// than once.
func (b *Bus) Listen(l Listener) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners[id] = l
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

// Close detaches the bus from its transport and closes the transport.
func (b *Bus) Close() error {
	b.cancel()
	b.mu.Lock()
	clear(b.listeners)
	b.mu.Unlock()
	return b.transport.Close()
}

func (b *Bus) receive(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		b.logger.Warn("Dropping malformed bus message", slog.String(errLoggerKey, err.Error()))
		return
	}

	b.mu.RLock()
	listeners := make([]Listener, 0, len(b.listeners))
	for _, l := range b.listeners {
		listeners = append(listeners, l)
	}
	b.mu.RUnlock()

	for _, l := range listeners {
		l(msg)
	}
}

// Noop is the transport used when no channel is available. It accepts and drops every post.
type Noop struct{}

func (Noop) Post([]byte) error { return nil }

func (Noop) Subscribe(func([]byte)) func() { return func() {} }

func (Noop) Close() error { return nil }
