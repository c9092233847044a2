package models

import (
	"encoding/json"
	"maps"
	"slices"
)

// ConversationState is the synchronized state of one user's conversation. It is mirrored between
// the server and every open surface of the user.
type ConversationState struct {
	Messages                   []Message `json:"messages"`
	CurrentIndex               int       `json:"currentIndex"`
	Status                     Status    `json:"status"`
	IsUserMessageInPlaceholder bool      `json:"isUserMessageInPlaceholder"`
	DemoModeActive             bool      `json:"demoModeActive"`

	// Input is the draft text of the local surface. It is never stored nor broadcast.
	Input string `json:"input"`
}

// ButtonState holds the integration connection flags and the recording indicator of one user.
type ButtonState struct {
	Connections         map[string]bool `json:"connections"`
	AgentRecordingState RecordingState  `json:"agentRecordingState"`
}

// ButtonPatch is a partial ButtonState. Connections are merged key by key; a nil
// AgentRecordingState leaves the stored value untouched.
type ButtonPatch struct {
	Connections         map[string]bool `json:"connections,omitempty"`
	AgentRecordingState *RecordingState `json:"agentRecordingState,omitempty"`
}

// Status is the generation status of a conversation.
type Status string

// RecordingState is the state of the agent recording indicator.
type RecordingState string

const (
	StatusReady     Status = "ready"
	StatusStreaming Status = "streaming"
	StatusSubmitted Status = "submitted"

	RecordingNotStarted RecordingState = "not_started"
	RecordingActive     RecordingState = "recording"
	RecordingPaused     RecordingState = "paused"
	RecordingIdle       RecordingState = "idle"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusReady, StatusStreaming, StatusSubmitted:
		return true
	}
	return false
}

// Valid reports whether r is one of the known recording states.
func (r RecordingState) Valid() bool {
	switch r {
	case RecordingNotStarted, RecordingActive, RecordingPaused, RecordingIdle:
		return true
	}
	return false
}

// DefaultConversation returns the state of a user that has never stored anything.
func DefaultConversation() ConversationState {
	return ConversationState{
		Messages:       []Message{},
		CurrentIndex:   0,
		Status:         StatusReady,
		DemoModeActive: true,
	}
}

// DefaultButtons returns the button state of a user that has never stored anything.
func DefaultButtons() ButtonState {
	return ButtonState{
		Connections:         map[string]bool{},
		AgentRecordingState: RecordingNotStarted,
	}
}

// Clone returns a deep copy of the state. Parts are shared since they are immutable.
func (s ConversationState) Clone() ConversationState {
	c := s
	c.Messages = slices.Clone(s.Messages)
	if c.Messages == nil {
		c.Messages = []Message{}
	}
	return c
}

// Sanitized returns the form of the state that may leave the surface: a copy with the input
// cleared and every message whose ID was already seen dropped, first occurrence winning.
func (s ConversationState) Sanitized() ConversationState {
	c := s.Clone()
	c.Input = ""
	c.Messages = DedupeMessages(c.Messages)
	if c.Status == "" {
		c.Status = StatusReady
	}
	return c
}

// HasMessage reports whether a message with the given ID is already part of the state.
func (s ConversationState) HasMessage(id string) bool {
	return slices.ContainsFunc(s.Messages, func(m Message) bool { return m.ID == id })
}

// Append adds msg to the end of the conversation unless a message with the same ID exists.
// It reports whether the message was added.
func (s *ConversationState) Append(msg Message) bool {
	if s.HasMessage(msg.ID) {
		return false
	}
	s.Messages = append(s.Messages, msg)
	return true
}

// DedupeMessages drops every message whose ID appeared earlier in msgs.
func DedupeMessages(msgs []Message) []Message {
	seen := make(map[string]struct{}, len(msgs))
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	return out
}

// Clone returns a deep copy of the button state.
func (b ButtonState) Clone() ButtonState {
	c := b
	c.Connections = maps.Clone(b.Connections)
	if c.Connections == nil {
		c.Connections = map[string]bool{}
	}
	return c
}

// Merge returns b with the patch applied over it.
func (b ButtonState) Merge(p ButtonPatch) ButtonState {
	c := b.Clone()
	maps.Copy(c.Connections, p.Connections)
	if p.AgentRecordingState != nil {
		c.AgentRecordingState = *p.AgentRecordingState
	}
	if c.AgentRecordingState == "" {
		c.AgentRecordingState = RecordingNotStarted
	}
	return c
}

// MarshalJSON keeps the wire form stable: a conversation never leaves the process with its
// draft input or with a null message list.
func (s ConversationState) MarshalJSON() ([]byte, error) {
	type plain ConversationState
	p := plain(s)
	p.Input = ""
	if p.Messages == nil {
		p.Messages = []Message{}
	}
	return json.Marshal(p)
}
