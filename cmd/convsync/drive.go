package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MegaGrindStone/convsync/internal/bus"
	"github.com/MegaGrindStone/convsync/internal/handlers"
	"github.com/MegaGrindStone/convsync/internal/models"
	"github.com/MegaGrindStone/convsync/internal/progression"
	"github.com/MegaGrindStone/convsync/internal/surface"
	"github.com/spf13/cobra"
)

type driveOptions struct {
	server  string
	user    string
	script  string
	choice  int
	pause   time.Duration
	exit    bool
	restart bool
	// stall is how long a followed surface may stay silent before this one takes over the script.
	stall time.Duration
}

const (
	defaultPause   = 1500 * time.Millisecond
	reconnectDelay = 2 * time.Second
)

var driveOpts driveOptions

// driver answers the gates of one surface the way a person clicking through the demo would.
type driver struct {
	surface *surface.Surface
	script  progression.Script
	opts    driveOptions
	changed chan struct{}
	logger  *slog.Logger
}

func runDrive(_ *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	scriptPath := driveOpts.script
	if scriptPath == "" {
		scriptPath = cfg.Demo.Script
	}
	script, err := progression.LoadScript(scriptPath)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client := surface.NewClient(driveOpts.server, driveOpts.user, &http.Client{})
	logger = logger.With(slog.String("userID", driveOpts.user))

	// The bus is optional: without it the surface still converges through the push stream.
	var transport bus.Transport
	wsURL, err := busURL(driveOpts.server, driveOpts.user)
	if err != nil {
		return err
	}
	ws, err := bus.DialWebSocket(ctx, wsURL, http.Header{handlers.UserIDHeader: {driveOpts.user}})
	if err != nil {
		logger.Warn("Bus relay unavailable, running without it", slog.String(errLoggerKey, err.Error()))
	} else {
		transport = ws
	}
	b := bus.New(transport, logger)
	defer b.Close()

	opts := driveOpts
	opts.stall = 2 * cfg.Demo.ThinkingDelay
	if opts.stall <= 0 {
		opts.stall = 2 * progression.DefaultThinkingDelay
	}
	d := &driver{
		script:  script,
		opts:    opts,
		changed: make(chan struct{}, 1),
		logger:  logger.With(slog.String("module", "driver")),
	}
	d.surface = surface.New(surface.Config{
		Script:           script,
		Remote:           client,
		Bus:              b,
		EchoWindow:       cfg.Demo.EchoWindow,
		ThinkingDelay:    cfg.Demo.ThinkingDelay,
		AgentSwitchDelay: cfg.Demo.AgentSwitchDelay,
		OnEffect:         d.logEffect,
		OnChange:         func(progression.Change) { d.notify() },
		Logger:           logger,
	})
	defer d.surface.Close()

	if err := d.surface.Start(ctx); err != nil {
		return err
	}
	if d.opts.restart {
		if err := d.surface.Machine().Clear(); err != nil {
			return fmt.Errorf("failed to restart script: %w", err)
		}
	}
	d.notify()

	go d.follow(ctx, client)
	return d.answerLoop(ctx)
}

func (d *driver) notify() {
	select {
	case d.changed <- struct{}{}:
	default:
	}
}

// follow keeps the push stream open, reconnecting after a transport fault. Every reconnect
// starts with an initial event, so nothing missed in between is lost.
func (d *driver) follow(ctx context.Context, client surface.Client) {
	for {
		err := d.surface.Follow(ctx, client.Stream(ctx, models.ScopeConversation))
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			d.logger.Warn("Push stream failed", slog.String(errLoggerKey, err.Error()))
		} else {
			d.logger.Info("Push stream closed by server")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// answerLoop answers every gate reached. A surface followed in silence for longer than the
// stall timeout is assumed gone, and the driver resumes the script itself.
func (d *driver) answerLoop(ctx context.Context) error {
	stall := time.NewTimer(d.opts.stall)
	defer stall.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stall.C:
			d.resumeStalled()
		case <-d.changed:
		}
		stall.Reset(d.opts.stall)

		if d.answer(ctx) && d.opts.exit {
			d.logger.Info("Script finished")
			return nil
		}
	}
}

func (d *driver) resumeStalled() {
	m := d.surface.Machine()
	if m.Phase() != progression.PhaseFollowing {
		return
	}
	d.logger.Info("Followed surface went silent, resuming script",
		slog.Int("currentIndex", m.State().CurrentIndex))
	if err := m.Resume(); err != nil {
		d.logger.Debug("Resume lost to a newer state", slog.String(errLoggerKey, err.Error()))
	}
}

// answer acts on the current phase and reports whether the script is finished. Losing a race
// against another surface answering the same gate is expected and only logged.
func (d *driver) answer(ctx context.Context) bool {
	m := d.surface.Machine()

	var act func() error
	switch m.Phase() {
	case progression.PhaseDone:
		return true
	case progression.PhaseWaitingOptions:
		state := m.State()
		if state.CurrentIndex >= len(d.script) {
			return false
		}
		choices := d.script[state.CurrentIndex].Choices()
		if len(choices) == 0 {
			return false
		}
		pick := choices[min(max(d.opts.choice, 0), len(choices)-1)]
		act = func() error {
			d.logger.Info("Selecting option", slog.String("option", pick))
			return m.SelectOption(pick)
		}
	case progression.PhaseWaitingUserTurn:
		act = func() error {
			d.logger.Info("Answering user turn")
			return m.Respond("")
		}
	default:
		return false
	}

	select {
	case <-ctx.Done():
		return false
	case <-time.After(d.opts.pause):
	}

	if err := act(); err != nil {
		if errors.Is(err, progression.ErrInvalidTransition) || errors.Is(err, progression.ErrUnknownOption) {
			d.logger.Debug("Gate already answered elsewhere", slog.String(errLoggerKey, err.Error()))
		} else {
			d.logger.Warn("Failed to answer gate", slog.String(errLoggerKey, err.Error()))
		}
	}
	return false
}

func (d *driver) logEffect(e progression.Effect) {
	attrs := []any{
		slog.String("effect", string(e.Kind)),
		slog.String("messageID", e.MessageID),
	}
	switch e.Kind {
	case progression.EffectSummary:
		attrs = append(attrs, slog.String("summary", e.Part.Text))
	case progression.EffectWorkflow:
		if e.Workflow != nil {
			attrs = append(attrs, slog.String("workflow", e.Workflow.Title))
		}
	case progression.EffectConnection:
		attrs = append(attrs, slog.String("app", e.Part.App))
	case progression.EffectAgentSwitchStart:
		attrs = append(attrs, slog.String("agent", e.Part.Agent))
	}
	d.logger.Info("Effect", attrs...)
}

func busURL(server, userID string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server scheme: %s", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/bus"
	u.RawQuery = url.Values{"userId": {userID}}.Encode()
	return u.String(), nil
}
