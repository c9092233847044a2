package models

import (
	"fmt"
	"strings"
)

// Message represents one entry of a conversation. Messages are appended in arrival order and
// identified by an ID that is unique within a single user's conversation.
type Message struct {
	ID    string `json:"id" yaml:"id"`
	Role  Role   `json:"role" yaml:"role"`
	Parts []Part `json:"parts" yaml:"parts"`
}

// Part is a typed piece of a message. Only the fields relevant to Type are filled; parts are
// immutable once the message carrying them has been persisted.
type Part struct {
	Type PartType `json:"type" yaml:"type"`

	// Text would be filled if Type is PartTypeText, PartTypeSummaryAdded or PartTypeSummaryUpdated.
	Text string `json:"text,omitempty" yaml:"text,omitempty"`

	// Options would be filled if Type is PartTypeOptions.
	Options []string `json:"options,omitempty" yaml:"options,omitempty"`

	// Label and Action would be filled if Type is PartTypeButton.
	Label  string `json:"label,omitempty" yaml:"label,omitempty"`
	Action string `json:"action,omitempty" yaml:"action,omitempty"`

	// App and Connected would be filled if Type is PartTypeAppEvent.
	App       string `json:"app,omitempty" yaml:"app,omitempty"`
	Connected bool   `json:"connected,omitempty" yaml:"connected,omitempty"`

	// Workflow would be filled if Type is PartTypeNewWorkflow.
	Workflow *Workflow `json:"workflow,omitempty" yaml:"workflow,omitempty"`

	// RecordingState would be filled if Type is PartTypeRecordingState.
	RecordingState RecordingState `json:"recordingState,omitempty" yaml:"recordingState,omitempty"`

	// Event and Agent would be filled if Type is PartTypeSystemEvent.
	Event SystemEvent `json:"event,omitempty" yaml:"event,omitempty"`
	Agent string      `json:"agent,omitempty" yaml:"agent,omitempty"`
}

// Workflow is a learned workflow announced by the agent.
type Workflow struct {
	ID    string   `json:"id,omitempty" yaml:"id,omitempty"`
	Title string   `json:"title" yaml:"title"`
	Steps []string `json:"steps,omitempty" yaml:"steps,omitempty"`
}

// Role represents the author of a message.
type Role string

// PartType represents the type of a message part.
type PartType string

// SystemEvent names the UI cue carried by a system-event part.
type SystemEvent string

const (
	// RoleUser represents a message spoken or typed by the user.
	RoleUser Role = "user"
	// RoleAssistant represents a message from the assistant.
	RoleAssistant Role = "assistant"
	// RoleAgent represents a message from a delegated AI agent.
	RoleAgent Role = "ai-agent"

	PartTypeText           PartType = "text"
	PartTypeOptions        PartType = "options"
	PartTypeButton         PartType = "button"
	PartTypeAppEvent       PartType = "app-event"
	PartTypeSummaryAdded   PartType = "summary-added"
	PartTypeSummaryUpdated PartType = "summary-updated"
	PartTypeNewWorkflow    PartType = "new-workflow"
	PartTypeRecordingState PartType = "recording-state"
	PartTypeSystemEvent    PartType = "system-event"

	// SystemEventShowPanel reveals the side panel.
	SystemEventShowPanel SystemEvent = "show-panel"
	// SystemEventAgentSwitch starts the agent-switching cue.
	SystemEventAgentSwitch SystemEvent = "agent-switch"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleAgent:
		return true
	}
	return false
}

// Choices returns the selectable labels offered by the message: every option of its options
// parts followed by the labels of its button parts. It returns nil if the message offers none.
func (m Message) Choices() []string {
	var choices []string
	for _, p := range m.Parts {
		switch p.Type {
		case PartTypeOptions:
			choices = append(choices, p.Options...)
		case PartTypeButton:
			choices = append(choices, p.Label)
		}
	}
	return choices
}

// Text joins the text parts of the message.
func (m Message) Text() string {
	var texts []string
	for _, p := range m.Parts {
		if p.Type == PartTypeText && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n\n")
}

// TextMessage builds a message with a single text part.
func TextMessage(id string, role Role, text string) Message {
	return Message{
		ID:    id,
		Role:  role,
		Parts: []Part{{Type: PartTypeText, Text: text}},
	}
}

// RenderParts renders a slice of Part into markdown. Parts without a textual representation,
// such as recording-state or system-event, are skipped.
func RenderParts(parts []Part) string {
	var sb strings.Builder
	for _, p := range parts {
		switch p.Type {
		case PartTypeText:
			if p.Text == "" {
				continue
			}
			sb.WriteString(p.Text)
			sb.WriteString("\n\n")
		case PartTypeOptions:
			for _, opt := range p.Options {
				sb.WriteString(fmt.Sprintf("- %s\n", opt))
			}
			sb.WriteString("\n")
		case PartTypeButton:
			sb.WriteString(fmt.Sprintf("**[%s]**\n\n", p.Label))
		case PartTypeSummaryAdded, PartTypeSummaryUpdated:
			sb.WriteString(fmt.Sprintf("> **Summary:** %s\n\n", p.Text))
		case PartTypeNewWorkflow:
			if p.Workflow == nil {
				continue
			}
			sb.WriteString(fmt.Sprintf("**Workflow learned:** %s\n\n", p.Workflow.Title))
			for i, step := range p.Workflow.Steps {
				sb.WriteString(fmt.Sprintf("%d. %s\n", i+1, step))
			}
			sb.WriteString("\n")
		case PartTypeAppEvent:
			state := "disconnected"
			if p.Connected {
				state = "connected"
			}
			sb.WriteString(fmt.Sprintf("_%s %s_\n\n", p.App, state))
		}
	}
	return sb.String()
}
