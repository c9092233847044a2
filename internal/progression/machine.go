// Package progression drives a conversation through a fixed script.
//
// The Machine walks the script cursor forward: agent messages are revealed after a simulated
// thinking delay, messages offering options or buttons halt until a choice is made, and user
// messages halt with the input placeholder shown until the user responds. Every move is a
// transition of an explicit table keyed by phase and trigger; a trigger without an entry for the
// current phase is rejected with ErrInvalidTransition, which is what keeps a cursor value from
// being advanced twice.
package progression

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/convsync/internal/models"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// Phase is the resting state of the Machine between transitions.
type Phase string

// Trigger is an input of the Machine: an external call or an elapsed timer.
type Trigger string

const (
	PhaseIdle            Phase = "idle"
	PhaseWaitingOptions  Phase = "waiting-options"
	PhaseWaitingUserTurn Phase = "waiting-user-turn"
	PhaseThinking        Phase = "thinking"
	// PhaseFollowing mirrors another surface that is currently thinking. Only an explicit
	// Resume makes the surface drive the script itself.
	PhaseFollowing Phase = "following"
	PhaseDone      Phase = "done"
	// PhaseDormant is entered once demo mode is off; the script no longer drives anything.
	PhaseDormant Phase = "dormant"

	phaseAny Phase = "*"
)

const (
	TriggerStart    Trigger = "start"
	TriggerResume   Trigger = "resume"
	TriggerTimer    Trigger = "timer"
	TriggerSelect   Trigger = "select"
	TriggerRespond  Trigger = "respond"
	TriggerSubmit   Trigger = "submit"
	TriggerClear    Trigger = "clear"
	TriggerTakeOver Trigger = "take-over"
	TriggerSync     Trigger = "sync"
	TriggerReset    Trigger = "reset"
)

// Default delays of the reference script.
const (
	DefaultThinkingDelay    = 3000 * time.Millisecond
	DefaultAgentSwitchDelay = 2000 * time.Millisecond
)

var (
	// ErrInvalidTransition is returned when a trigger is not accepted in the current phase.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrDemoInactive is returned along with ErrInvalidTransition for script triggers received
	// while demo mode is off.
	ErrDemoInactive = errors.New("demo mode inactive")
	// ErrUnknownOption is returned when a selection is not offered by the current message.
	ErrUnknownOption = errors.New("unknown option")
	// ErrEmptyMessage is returned when submitting a message without text.
	ErrEmptyMessage = errors.New("empty message")
	// ErrStopped is returned by every trigger after Stop.
	ErrStopped = errors.New("machine stopped")
)

// ChangeKind describes what a state change did.
type ChangeKind string

const (
	// ChangeProgress moves the cursor, the status or the placeholder, possibly revealing a
	// message.
	ChangeProgress ChangeKind = "progress"
	// ChangeUserMessage appends a user message.
	ChangeUserMessage ChangeKind = "user-message"
	// ChangeCleared resets the conversation.
	ChangeCleared ChangeKind = "cleared"
	// ChangeSync replaces the state as a whole.
	ChangeSync ChangeKind = "sync"
)

// Change is emitted after every transition that touched the conversation state.
type Change struct {
	Kind    ChangeKind
	Trigger Trigger
	State   models.ConversationState

	// Message is the revealed or appended message, if any.
	Message *models.Message
}

// Config configures a Machine.
type Config struct {
	Script           Script
	Clock            clock.Clock
	ThinkingDelay    time.Duration
	AgentSwitchDelay time.Duration

	// OnChange and OnEffect are called outside the machine lock, in transition order. They may
	// call back into the Machine.
	OnChange func(Change)
	OnEffect func(Effect)

	Logger *slog.Logger
}

// Machine is the demo progression state machine of one surface.
type Machine struct {
	mu         sync.Mutex
	phase      Phase
	state      models.ConversationState
	extras     Extras
	generation uint64
	thinking   *clock.Timer
	switching  *clock.Timer
	stopped    bool

	emitMu  sync.Mutex
	pending []notification

	script           Script
	clock            clock.Clock
	thinkingDelay    time.Duration
	agentSwitchDelay time.Duration
	onChange         func(Change)
	onEffect         func(Effect)
	logger           *slog.Logger
}

type notification struct {
	change *Change
	effect *Effect
}

type input struct {
	text       string
	state      models.ConversationState
	generation uint64
}

type transitionKey struct {
	from Phase
	on   Trigger
}

type transitionFunc func(m *Machine, in input) error

var transitions map[transitionKey]transitionFunc

func init() {
	transitions = map[transitionKey]transitionFunc{
		{PhaseIdle, TriggerStart}:              (*Machine).start,
		{PhaseFollowing, TriggerResume}:        (*Machine).resume,
		{PhaseThinking, TriggerTimer}:          (*Machine).advance,
		{PhaseWaitingOptions, TriggerSelect}:   (*Machine).selectOption,
		{PhaseWaitingUserTurn, TriggerRespond}: (*Machine).respond,
		{PhaseWaitingUserTurn, TriggerSubmit}:  (*Machine).respond,
		{PhaseDormant, TriggerSubmit}:          (*Machine).submit,
		{PhaseDone, TriggerSubmit}:             (*Machine).submit,
		{phaseAny, TriggerClear}:               (*Machine).clear,
		{phaseAny, TriggerTakeOver}:            (*Machine).takeOver,
		{phaseAny, TriggerSync}:                (*Machine).sync,
		{phaseAny, TriggerReset}:               (*Machine).reset,
	}
}

// New creates a Machine in PhaseIdle. Call Start to begin.
func New(cfg Config) *Machine {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.ThinkingDelay <= 0 {
		cfg.ThinkingDelay = DefaultThinkingDelay
	}
	if cfg.AgentSwitchDelay <= 0 {
		cfg.AgentSwitchDelay = DefaultAgentSwitchDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Machine{
		phase:            PhaseIdle,
		state:            models.DefaultConversation(),
		extras:           newExtras(),
		script:           cfg.Script,
		clock:            cfg.Clock,
		thinkingDelay:    cfg.ThinkingDelay,
		agentSwitchDelay: cfg.AgentSwitchDelay,
		onChange:         cfg.OnChange,
		onEffect:         cfg.OnEffect,
		logger:           cfg.Logger.With(slog.String("module", "progression")),
	}
}

// Start begins the demo from snapshot, the state restored from the store. A snapshot without
// messages at cursor 0 starts the script from the top. A snapshot restored in the middle of the
// script turns demo mode off locally; a later Sync from a surface still driving the script turns
// it back on.
func (m *Machine) Start(snapshot models.ConversationState) error {
	return m.fire(TriggerStart, input{state: snapshot})
}

// Resume makes a surface that was following another one drive the script itself.
func (m *Machine) Resume() error {
	return m.fire(TriggerResume, input{})
}

// SelectOption answers the options or buttons of the current message with choice.
func (m *Machine) SelectOption(choice string) error {
	return m.fire(TriggerSelect, input{text: choice})
}

// Respond completes the pending user turn. A non-empty text replaces the scripted wording, as
// when the answer was captured by voice.
func (m *Machine) Respond(text string) error {
	return m.fire(TriggerRespond, input{text: text})
}

// Submit sends a free-form user message. Inside a user turn it counts as the response.
func (m *Machine) Submit(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	return m.fire(TriggerSubmit, input{text: text})
}

// Clear resets the conversation and restarts the script from the top.
func (m *Machine) Clear() error {
	return m.fire(TriggerClear, input{})
}

// TakeOver turns demo mode off because the user started driving the conversation, e.g. by
// starting a manual recording.
func (m *Machine) TakeOver() error {
	return m.fire(TriggerTakeOver, input{})
}

// Sync mirrors a state received from another surface or from the server. No effect fires and no
// timer starts: the surface that produced the state owns its consequences. A state older than
// the current one, with a lower cursor or a message log that does not extend the current log, is
// dropped.
func (m *Machine) Sync(state models.ConversationState) error {
	return m.fire(TriggerSync, input{state: state})
}

// Reset mirrors a clear made elsewhere. Unlike Sync it may rewind the cursor. The surface does not
// restart the script: the surface that cleared drives it.
func (m *Machine) Reset(state models.ConversationState) error {
	return m.fire(TriggerReset, input{state: state})
}

// SetInput updates the local draft text. The draft never leaves the surface.
func (m *Machine) SetInput(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Input = text
}

// State returns a copy of the current conversation state.
func (m *Machine) State() models.ConversationState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone()
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Extras returns a copy of the derived sidebar state.
func (m *Machine) Extras() Extras {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.extras.Clone()
}

// Stop cancels every timer. The machine rejects all triggers afterwards.
func (m *Machine) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	m.cancelTimers()
}

func (m *Machine) fire(on Trigger, in input) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrStopped
	}

	fn, ok := transitions[transitionKey{m.phase, on}]
	if !ok {
		fn, ok = transitions[transitionKey{phaseAny, on}]
	}
	if !ok {
		from := m.phase
		m.mu.Unlock()
		if from == PhaseDormant {
			return fmt.Errorf("%w: %w", ErrInvalidTransition, ErrDemoInactive)
		}
		return fmt.Errorf("%w: %s in phase %s", ErrInvalidTransition, on, from)
	}

	from := m.phase
	err := fn(m, in)
	to := m.phase
	m.mu.Unlock()

	m.logger.Debug("Transition",
		slog.String("trigger", string(on)),
		slog.String("from", string(from)),
		slog.String("to", string(to)))

	m.flush()
	return err
}

func (m *Machine) start(in input) error {
	s := in.state.Sanitized()
	s.Input = m.state.Input
	s.CurrentIndex = m.clampCursor(s.CurrentIndex)
	m.state = s
	m.extras = Replay(s.Messages)

	fresh := len(s.Messages) == 0 && s.CurrentIndex == 0
	switch {
	case fresh:
		m.settle(TriggerStart)
	case s.CurrentIndex >= len(m.script):
		m.state.Status = models.StatusReady
		m.phase = PhaseDone
	default:
		m.state.DemoModeActive = false
		m.phase = PhaseDormant
	}
	return nil
}

func (m *Machine) resume(input) error {
	m.settle(TriggerResume)
	return nil
}

func (m *Machine) advance(in input) error {
	if in.generation != m.generation {
		return nil
	}
	m.thinking = nil

	msg := m.script[m.state.CurrentIndex]
	revealed := m.reveal(msg)
	m.state.CurrentIndex++
	m.state.Status = models.StatusReady
	m.emitChange(ChangeProgress, TriggerTimer, revealed)

	m.settle(TriggerTimer)
	return nil
}

func (m *Machine) selectOption(in input) error {
	msg := m.script[m.state.CurrentIndex]
	if !slices.Contains(msg.Choices(), in.text) {
		return fmt.Errorf("%w: %q", ErrUnknownOption, in.text)
	}

	m.reveal(msg)
	for i, p := range msg.Parts {
		if p.Type == models.PartTypeButton && p.Label == in.text && p.App != "" {
			m.extras.Connections[p.App] = true
			m.emitEffect(Effect{Kind: EffectConnection, MessageID: msg.ID, PartIndex: i, Part: models.Part{
				Type:      models.PartTypeAppEvent,
				App:       p.App,
				Connected: true,
			}})
		}
	}

	selection := models.TextMessage(msg.ID+"-selection", models.RoleUser, in.text)
	m.state.Append(selection)
	m.state.CurrentIndex++
	m.state.Status = models.StatusSubmitted
	m.emitChange(ChangeUserMessage, TriggerSelect, &selection)

	m.settle(TriggerSelect)
	return nil
}

func (m *Machine) respond(in input) error {
	msg := m.script[m.state.CurrentIndex]
	if text := strings.TrimSpace(in.text); text != "" {
		msg = models.TextMessage(msg.ID, models.RoleUser, text)
	}

	m.state.IsUserMessageInPlaceholder = false
	m.reveal(msg)
	m.state.CurrentIndex++
	m.state.Status = models.StatusSubmitted
	m.state.Input = ""
	m.emitChange(ChangeUserMessage, TriggerRespond, &msg)

	m.settle(TriggerRespond)
	return nil
}

func (m *Machine) submit(in input) error {
	msg := models.TextMessage(uuid.NewString(), models.RoleUser, strings.TrimSpace(in.text))
	m.state.Append(msg)
	m.state.Status = models.StatusSubmitted
	m.state.Input = ""
	m.emitChange(ChangeUserMessage, TriggerSubmit, &msg)
	return nil
}

func (m *Machine) clear(input) error {
	m.cancelTimers()
	m.generation++

	draft := m.state.Input
	m.state = models.DefaultConversation()
	m.state.Input = draft
	m.extras = newExtras()
	m.phase = PhaseIdle
	m.emitChange(ChangeCleared, TriggerClear, nil)

	m.settle(TriggerClear)
	return nil
}

func (m *Machine) takeOver(input) error {
	m.cancelTimers()
	m.generation++

	m.state.DemoModeActive = false
	m.state.IsUserMessageInPlaceholder = false
	m.state.Status = models.StatusReady
	m.phase = PhaseDormant

	m.extras.AgentSwitch = ""
	m.extras.Recording = models.RecordingActive
	m.emitEffect(Effect{Kind: EffectRecording, Part: models.Part{
		Type:           models.PartTypeRecordingState,
		RecordingState: models.RecordingActive,
	}})
	m.emitChange(ChangeSync, TriggerTakeOver, nil)
	return nil
}

func (m *Machine) sync(in input) error {
	s := in.state.Sanitized()
	s.Input = m.state.Input
	s.CurrentIndex = m.clampCursor(s.CurrentIndex)
	if m.phase != PhaseIdle && sameProgress(m.state, s) {
		return nil
	}
	if !extends(s, m.state) {
		m.logger.Debug("Dropping stale state",
			slog.Int("cursor", m.state.CurrentIndex),
			slog.Int("staleCursor", s.CurrentIndex),
			slog.Int("messages", len(m.state.Messages)),
			slog.Int("staleMessages", len(s.Messages)))
		return nil
	}

	m.adopt(s, TriggerSync)
	return nil
}

func (m *Machine) reset(in input) error {
	s := in.state.Sanitized()
	s.Input = m.state.Input
	s.CurrentIndex = m.clampCursor(s.CurrentIndex)
	if m.phase != PhaseIdle && sameProgress(m.state, s) {
		return nil
	}

	m.adopt(s, TriggerReset)
	return nil
}

// adopt replaces the state with the mirrored s and waits passively.
func (m *Machine) adopt(s models.ConversationState, on Trigger) {
	m.cancelTimers()
	m.generation++
	m.state = s
	m.extras = Replay(s.Messages)
	m.phase = m.passivePhase()
	m.emitChange(ChangeSync, on, nil)
}

// settle decides what the message under the cursor requires and enters the matching phase.
func (m *Machine) settle(on Trigger) {
	if !m.state.DemoModeActive {
		m.phase = PhaseDormant
		return
	}
	if m.state.CurrentIndex >= len(m.script) {
		m.state.Status = models.StatusReady
		m.phase = PhaseDone
		return
	}

	msg := m.script[m.state.CurrentIndex]
	switch {
	case msg.Role == models.RoleUser:
		m.state.IsUserMessageInPlaceholder = true
		m.state.Status = models.StatusReady
		m.phase = PhaseWaitingUserTurn
		m.emitChange(ChangeProgress, on, nil)
	case len(msg.Choices()) > 0:
		m.state.Status = models.StatusReady
		m.phase = PhaseWaitingOptions
		m.emitChange(ChangeProgress, on, m.reveal(msg))
	default:
		m.state.Status = models.StatusStreaming
		m.phase = PhaseThinking
		m.startThinking()
		m.emitChange(ChangeProgress, on, nil)
	}
}

// passivePhase is the phase of a surface mirroring the state of another one. A message that the
// driving surface has not revealed yet is followed, even if it will gate once revealed.
func (m *Machine) passivePhase() Phase {
	switch {
	case !m.state.DemoModeActive:
		return PhaseDormant
	case m.state.CurrentIndex >= len(m.script):
		return PhaseDone
	}

	msg := m.script[m.state.CurrentIndex]
	switch {
	case msg.Role == models.RoleUser:
		return PhaseWaitingUserTurn
	case len(msg.Choices()) > 0 && m.state.HasMessage(msg.ID):
		return PhaseWaitingOptions
	}
	return PhaseFollowing
}

// reveal appends msg and fires the effects of its parts. It returns nil if msg had already been
// revealed, in which case no effect fires.
func (m *Machine) reveal(msg models.Message) *models.Message {
	if !m.state.Append(msg) {
		return nil
	}
	for i, p := range msg.Parts {
		e, ok := m.extras.apply(msg.ID, i, p)
		if !ok {
			continue
		}
		if e.Kind == EffectAgentSwitchStart {
			m.startAgentSwitch()
		}
		m.emitEffect(e)
	}
	return &msg
}

func (m *Machine) startThinking() {
	if m.thinking != nil {
		m.thinking.Stop()
	}
	m.generation++
	gen := m.generation
	m.thinking = m.clock.AfterFunc(m.thinkingDelay, func() {
		if err := m.fire(TriggerTimer, input{generation: gen}); err != nil {
			m.logger.Debug("Thinking timer ignored", slog.String("err", err.Error()))
		}
	})
}

func (m *Machine) startAgentSwitch() {
	if m.switching != nil {
		m.switching.Stop()
	}
	var timer *clock.Timer
	timer = m.clock.AfterFunc(m.agentSwitchDelay, func() {
		m.mu.Lock()
		if m.switching != timer || m.stopped {
			m.mu.Unlock()
			return
		}
		m.switching = nil
		agent := m.extras.AgentSwitch
		m.extras.AgentSwitch = ""
		m.emitEffect(Effect{Kind: EffectAgentSwitchEnd, Part: models.Part{
			Type:  models.PartTypeSystemEvent,
			Event: models.SystemEventAgentSwitch,
			Agent: agent,
		}})
		m.mu.Unlock()
		m.flush()
	})
	m.switching = timer
}

func (m *Machine) cancelTimers() {
	if m.thinking != nil {
		m.thinking.Stop()
		m.thinking = nil
	}
	if m.switching != nil {
		m.switching.Stop()
		m.switching = nil
	}
}

func sameProgress(a, b models.ConversationState) bool {
	return a.CurrentIndex == b.CurrentIndex &&
		a.Status == b.Status &&
		a.IsUserMessageInPlaceholder == b.IsUserMessageInPlaceholder &&
		a.DemoModeActive == b.DemoModeActive &&
		slices.EqualFunc(a.Messages, b.Messages, func(x, y models.Message) bool { return x.ID == y.ID })
}

// extends reports whether next is the same as or a later version of cur: its cursor is not lower
// and its message log starts with every message of cur, in order.
func extends(next, cur models.ConversationState) bool {
	if next.CurrentIndex < cur.CurrentIndex || len(next.Messages) < len(cur.Messages) {
		return false
	}
	for i, msg := range cur.Messages {
		if next.Messages[i].ID != msg.ID {
			return false
		}
	}
	return true
}

func (m *Machine) clampCursor(i int) int {
	return max(0, min(i, len(m.script)))
}

func (m *Machine) emitChange(kind ChangeKind, on Trigger, msg *models.Message) {
	m.pending = append(m.pending, notification{change: &Change{
		Kind:    kind,
		Trigger: on,
		State:   m.state.Clone(),
		Message: msg,
	}})
}

func (m *Machine) emitEffect(e Effect) {
	m.pending = append(m.pending, notification{effect: &e})
}

// flush delivers pending notifications in order. Whoever holds emitMu drains the queue, including
// notifications queued by callbacks re-entering the machine.
func (m *Machine) flush() {
	for {
		if !m.emitMu.TryLock() {
			return
		}
		for {
			m.mu.Lock()
			batch := m.pending
			m.pending = nil
			m.mu.Unlock()

			if len(batch) == 0 {
				break
			}
			for _, n := range batch {
				m.deliver(n)
			}
		}
		m.emitMu.Unlock()

		m.mu.Lock()
		more := len(m.pending) > 0
		m.mu.Unlock()
		if !more {
			return
		}
	}
}

func (m *Machine) deliver(n notification) {
	switch {
	case n.change != nil && m.onChange != nil:
		m.onChange(*n.change)
	case n.effect != nil && m.onEffect != nil:
		m.onEffect(*n.effect)
	}
}
