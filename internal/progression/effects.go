package progression

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/MegaGrindStone/convsync/internal/models"
)

// Effect is a side effect triggered by a part of a newly revealed message. Effects are emitted
// once per revealing transition and never for messages mirrored from another surface.
type Effect struct {
	Kind      EffectKind
	MessageID string
	PartIndex int
	Part      models.Part

	// Workflow is the merged workflow entry for EffectWorkflow.
	Workflow *models.Workflow
}

// EffectKind names the side effect.
type EffectKind string

const (
	EffectPanelReveal      EffectKind = "panel-reveal"
	EffectSummary          EffectKind = "summary"
	EffectWorkflow         EffectKind = "workflow"
	EffectConnection       EffectKind = "connection"
	EffectRecording        EffectKind = "recording"
	EffectAgentSwitchStart EffectKind = "agent-switch-start"
	EffectAgentSwitchEnd   EffectKind = "agent-switch-end"
)

// Extras is the sidebar state derived from the revealed messages.
type Extras struct {
	PanelVisible bool
	Summary      string
	Workflows    []models.Workflow
	Connections  map[string]bool
	Recording    models.RecordingState

	// AgentSwitch is the agent being switched to while the switching cue runs.
	AgentSwitch string
}

// WorkflowID returns the stable ID of the workflow announced by the part at partIndex of the
// message messageID. Replaying the same history always yields the same IDs.
func WorkflowID(messageID string, partIndex int) string {
	return fmt.Sprintf("%s-part-%d", messageID, partIndex)
}

// Replay rebuilds the sidebar state from a persisted message history. Timed cues are not replayed.
func Replay(messages []models.Message) Extras {
	x := newExtras()
	for _, msg := range messages {
		for i, p := range msg.Parts {
			x.apply(msg.ID, i, p)
		}
	}
	x.AgentSwitch = ""
	return x
}

func newExtras() Extras {
	return Extras{
		Connections: map[string]bool{},
		Recording:   models.RecordingNotStarted,
	}
}

// Clone returns a deep copy of x.
func (x Extras) Clone() Extras {
	c := x
	c.Workflows = slices.Clone(x.Workflows)
	c.Connections = maps.Clone(x.Connections)
	if c.Connections == nil {
		c.Connections = map[string]bool{}
	}
	return c
}

// apply folds one part into x and returns the matching effect, if the part has one.
func (x *Extras) apply(messageID string, index int, p models.Part) (Effect, bool) {
	e := Effect{MessageID: messageID, PartIndex: index, Part: p}

	switch p.Type {
	case models.PartTypeSummaryAdded:
		if x.Summary == "" {
			x.Summary = p.Text
		} else {
			x.Summary = strings.Join([]string{x.Summary, p.Text}, "\n")
		}
		e.Kind = EffectSummary
	case models.PartTypeSummaryUpdated:
		x.Summary = p.Text
		e.Kind = EffectSummary
	case models.PartTypeNewWorkflow:
		if p.Workflow == nil {
			return Effect{}, false
		}
		w := *p.Workflow
		w.ID = WorkflowID(messageID, index)
		w.Steps = slices.Clone(w.Steps)
		x.upsertWorkflow(w)
		e.Kind = EffectWorkflow
		e.Workflow = &w
	case models.PartTypeAppEvent:
		if p.App == "" {
			return Effect{}, false
		}
		x.Connections[p.App] = p.Connected
		e.Kind = EffectConnection
	case models.PartTypeRecordingState:
		if p.RecordingState == "" {
			return Effect{}, false
		}
		x.Recording = p.RecordingState
		e.Kind = EffectRecording
	case models.PartTypeSystemEvent:
		switch p.Event {
		case models.SystemEventShowPanel:
			x.PanelVisible = true
			e.Kind = EffectPanelReveal
		case models.SystemEventAgentSwitch:
			x.AgentSwitch = p.Agent
			e.Kind = EffectAgentSwitchStart
		default:
			return Effect{}, false
		}
	default:
		return Effect{}, false
	}
	return e, true
}

func (x *Extras) upsertWorkflow(w models.Workflow) {
	idx := slices.IndexFunc(x.Workflows, func(old models.Workflow) bool { return old.ID == w.ID })
	if idx == -1 {
		x.Workflows = append(x.Workflows, w)
		return
	}
	x.Workflows[idx] = w
}
