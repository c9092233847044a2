package models

import (
	"encoding/json"
	"fmt"
)

// Event is a change notification for one user channel. It travels through the broker and is
// pushed verbatim to every connected client of the user.
type Event struct {
	Type  EventType `json:"type"`
	Scope Scope     `json:"scope"`

	// Origin is the token of the surface that caused the change, empty if unknown.
	Origin string `json:"origin,omitempty"`

	// Data is the full state after the change, or null for EventTypeClear.
	Data json.RawMessage `json:"data"`
}

// Topic addresses one user channel of one scope.
type Topic struct {
	Scope  Scope
	UserID string
}

// EventType represents the kind of change carried by an Event.
type EventType string

// Scope distinguishes the two independent state records of a user.
type Scope string

const (
	EventTypeInitial EventType = "initial"
	EventTypeUpdate  EventType = "update"
	EventTypeClear   EventType = "clear"
	EventTypeError   EventType = "error"
	EventTypeClose   EventType = "close"

	ScopeConversation Scope = "conversation"
	ScopeButtons      Scope = "buttons"
)

func (t Topic) String() string {
	return fmt.Sprintf("%s:%s", t.Scope, t.UserID)
}

// NewEvent builds an event carrying v as its data. A nil v produces a null payload.
func NewEvent(typ EventType, scope Scope, origin string, v any) (Event, error) {
	data := json.RawMessage("null")
	if v != nil {
		raw, err := json.Marshal(v)
		if err != nil {
			return Event{}, fmt.Errorf("failed to marshal %s data: %w", scope, err)
		}
		data = raw
	}
	return Event{
		Type:   typ,
		Scope:  scope,
		Origin: origin,
		Data:   data,
	}, nil
}

// Conversation decodes the event data as a conversation state. It returns false for a null
// payload.
func (e Event) Conversation() (ConversationState, bool, error) {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return ConversationState{}, false, nil
	}
	var s ConversationState
	if err := json.Unmarshal(e.Data, &s); err != nil {
		return ConversationState{}, false, fmt.Errorf("failed to unmarshal conversation: %w", err)
	}
	return s, true, nil
}

// Buttons decodes the event data as a button state. It returns false for a null payload.
func (e Event) Buttons() (ButtonState, bool, error) {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return ButtonState{}, false, nil
	}
	var b ButtonState
	if err := json.Unmarshal(e.Data, &b); err != nil {
		return ButtonState{}, false, fmt.Errorf("failed to unmarshal buttons: %w", err)
	}
	return b, true, nil
}
