// Package surface assembles one client surface: a progression machine driving the local state,
// an origin tracker classifying changes, the broadcast bus to the sibling surfaces, and the remote
// store that persists the state and pushes it to everybody else.
//
// Changes produced by the local machine are published twice, to the bus and to the remote.
// Changes arriving from the bus or from the push stream are applied to the machine as a passive
// sync and are never published again, which is what stops two surfaces from echoing a change back
// and forth.
package surface

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/MegaGrindStone/convsync/internal/bus"
	"github.com/MegaGrindStone/convsync/internal/models"
	"github.com/MegaGrindStone/convsync/internal/origin"
	"github.com/MegaGrindStone/convsync/internal/progression"
	"github.com/benbjohnson/clock"
)

// Config configures a Surface.
type Config struct {
	Script progression.Script
	Remote Remote

	// Bus is optional; without it the surface runs alone.
	Bus *bus.Bus

	Clock            clock.Clock
	EchoWindow       time.Duration
	ThinkingDelay    time.Duration
	AgentSwitchDelay time.Duration

	// OnEffect observes the side effects of revealed messages, after the surface has handled them.
	OnEffect func(progression.Effect)
	// OnChange observes every state change of the machine, local or mirrored.
	OnChange func(progression.Change)

	Logger *slog.Logger
}

// Surface is one client view of a user's conversation.
type Surface struct {
	machine *progression.Machine
	tracker *origin.Tracker
	bus     *bus.Bus
	remote  Remote

	mu      sync.Mutex
	buttons models.ButtonState

	ctx        context.Context
	cancel     context.CancelFunc
	stopListen func()

	onEffect func(progression.Effect)
	onChange func(progression.Change)
	logger   *slog.Logger
}

const errLoggerKey = "err"

// New creates a surface. Nothing happens until Start.
func New(cfg Config) *Surface {
	if cfg.Bus == nil {
		cfg.Bus = bus.New(nil, cfg.Logger)
	}

	s := &Surface{
		tracker:  origin.NewTracker(cfg.Clock, cfg.EchoWindow),
		bus:      cfg.Bus,
		remote:   cfg.Remote,
		buttons:  models.DefaultButtons(),
		onEffect: cfg.OnEffect,
		onChange: cfg.OnChange,
		logger:   cfg.Logger.With(slog.String("module", "surface")),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.machine = progression.New(progression.Config{
		Script:           cfg.Script,
		Clock:            cfg.Clock,
		ThinkingDelay:    cfg.ThinkingDelay,
		AgentSwitchDelay: cfg.AgentSwitchDelay,
		OnChange:         s.handleChange,
		OnEffect:         s.handleEffect,
		Logger:           cfg.Logger,
	})
	return s
}

// Start restores the state from the remote and starts the machine. A remote that cannot be read
// is not fatal: the surface starts from the default state.
func (s *Surface) Start(ctx context.Context) error {
	snapshot, err := s.remote.Conversation(ctx)
	if err != nil {
		s.logger.Warn("Failed to load conversation, starting from default",
			slog.String(errLoggerKey, err.Error()))
		snapshot = models.DefaultConversation()
	}

	if err := s.machine.Start(snapshot); err != nil {
		return fmt.Errorf("failed to start machine: %w", err)
	}
	s.stopListen = s.bus.Listen(s.ApplyBus)
	return nil
}

// Machine returns the machine of the surface; its triggers are the user actions of the surface.
func (s *Surface) Machine() *progression.Machine {
	return s.machine
}

// Token returns the origin token stamped on everything the surface publishes.
func (s *Surface) Token() string {
	return s.tracker.Token()
}

// Buttons returns the last known button state.
func (s *Surface) Buttons() models.ButtonState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buttons.Clone()
}

// ApplyEvent applies an event of the push stream. Echoes of the surface's own changes are dropped.
func (s *Surface) ApplyEvent(e models.Event) error {
	if s.tracker.IsOwn(e.Origin) {
		s.logger.Debug("Dropping own echo", slog.String("type", string(e.Type)), slog.String("scope", string(e.Scope)))
		return nil
	}

	switch e.Type {
	case models.EventTypeInitial, models.EventTypeUpdate, models.EventTypeClear:
	case models.EventTypeError:
		return fmt.Errorf("push stream failed: %s", string(e.Data))
	default:
		return nil
	}

	switch e.Scope {
	case models.ScopeConversation:
		state, ok, err := e.Conversation()
		if err != nil {
			return err
		}
		s.tracker.MarkRemote()
		if e.Type == models.EventTypeClear || !ok {
			if err := s.machine.Reset(models.DefaultConversation()); err != nil {
				return fmt.Errorf("failed to reset conversation: %w", err)
			}
			return nil
		}
		if err := s.machine.Sync(state); err != nil {
			return fmt.Errorf("failed to sync conversation: %w", err)
		}
	case models.ScopeButtons:
		state, ok, err := e.Buttons()
		if err != nil {
			return err
		}
		if !ok {
			state = models.DefaultButtons()
		}
		s.tracker.MarkRemote()
		s.mu.Lock()
		s.buttons = state
		s.mu.Unlock()
	}
	return nil
}

// ApplyBus applies a message posted by a sibling surface.
func (s *Surface) ApplyBus(msg bus.Message) {
	if s.tracker.IsOwn(msg.Origin) {
		return
	}

	s.tracker.MarkRemote()
	next := bus.Apply(s.machine.State(), msg)
	apply := s.machine.Sync
	if msg.Reset {
		apply = s.machine.Reset
	}
	if err := apply(next); err != nil {
		s.logger.Error("Failed to sync bus message",
			slog.String("type", string(msg.Type)),
			slog.String(errLoggerKey, err.Error()))
	}
}

// Follow applies every event of a push stream until it ends. A stream ended by a close event or
// by ctx returns nil.
func (s *Surface) Follow(ctx context.Context, events iter.Seq2[models.Event, error]) error {
	for e, err := range events {
		if err != nil {
			return err
		}
		if err := s.ApplyEvent(e); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
	return nil
}

// Close stops the machine and detaches the surface from the bus. The bus itself is left open.
func (s *Surface) Close() {
	s.machine.Stop()
	s.tracker.Stop()
	if s.stopListen != nil {
		s.stopListen()
	}
	s.cancel()
}

// userTriggers are explicit actions of the person in front of the surface. They are published
// even inside the echo window of a remote change.
var userTriggers = map[progression.Trigger]bool{
	progression.TriggerSelect:   true,
	progression.TriggerRespond:  true,
	progression.TriggerSubmit:   true,
	progression.TriggerClear:    true,
	progression.TriggerTakeOver: true,
}

func (s *Surface) handleChange(c progression.Change) {
	defer func() {
		if s.onChange != nil {
			s.onChange(c)
		}
	}()

	if c.Trigger == progression.TriggerSync || c.Trigger == progression.TriggerReset {
		return
	}
	if !userTriggers[c.Trigger] && !s.tracker.IsSelf() {
		s.logger.Debug("Suppressing change inside echo window",
			slog.String("kind", string(c.Kind)),
			slog.String("trigger", string(c.Trigger)))
		return
	}

	token := s.tracker.Token()
	var msg bus.Message
	switch {
	case c.Kind == progression.ChangeCleared:
		msg = bus.Cleared(c.State, token)
	case c.Kind == progression.ChangeProgress:
		msg = bus.DemoProgress(c.State, c.Message, token)
	case c.Kind == progression.ChangeUserMessage && c.Message != nil:
		msg = bus.UserMessageSubmitted(*c.Message, c.State.CurrentIndex, token)
	default:
		msg = bus.SyncState(c.State, token)
	}
	// Bus delivery is best effort; Broadcast logs its own failures.
	_ = s.bus.Broadcast(msg)

	var err error
	if c.Kind == progression.ChangeCleared {
		err = s.remote.ClearConversation(s.ctx, token)
	} else {
		err = s.remote.ReplaceConversation(s.ctx, c.State, token)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("Failed to publish change",
			slog.String("kind", string(c.Kind)),
			slog.String(errLoggerKey, err.Error()))
	}
}

func (s *Surface) handleEffect(e progression.Effect) {
	var patch models.ButtonPatch
	switch e.Kind {
	case progression.EffectConnection:
		patch.Connections = map[string]bool{e.Part.App: e.Part.Connected}
	case progression.EffectRecording:
		rs := e.Part.RecordingState
		patch.AgentRecordingState = &rs
	}

	if patch.Connections != nil || patch.AgentRecordingState != nil {
		s.mu.Lock()
		s.buttons = s.buttons.Merge(patch)
		s.mu.Unlock()

		if err := s.remote.UpdateButtons(s.ctx, patch, s.tracker.Token()); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("Failed to publish buttons",
				slog.String("effect", string(e.Kind)),
				slog.String(errLoggerKey, err.Error()))
		}
	}

	if s.onEffect != nil {
		s.onEffect(e)
	}
}
