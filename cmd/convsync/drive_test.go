package main

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/MegaGrindStone/convsync/internal/models"
	"github.com/MegaGrindStone/convsync/internal/progression"
	"github.com/MegaGrindStone/convsync/internal/pubsub"
	"github.com/MegaGrindStone/convsync/internal/services"
	"github.com/MegaGrindStone/convsync/internal/surface"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDriver(t *testing.T, opts driveOptions) *driver {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	broker := pubsub.NewBroker(0, logger)
	t.Cleanup(broker.Close)

	script := progression.Script{
		{ID: "m0", Role: models.RoleAssistant, Parts: []models.Part{
			{Type: models.PartTypeOptions, Options: []string{"A", "B"}},
		}},
		{ID: "m1", Role: models.RoleAssistant, Parts: []models.Part{
			{Type: models.PartTypeText, Text: "Done thinking."},
		}},
		{ID: "m2", Role: models.RoleUser, Parts: []models.Part{
			{Type: models.PartTypeText, Text: "Thanks"},
		}},
	}
	d := &driver{
		script:  script,
		opts:    opts,
		changed: make(chan struct{}, 1),
		logger:  logger,
	}
	d.surface = surface.New(surface.Config{
		Script: script,
		Remote: surface.Local{Sync: services.NewSync(services.NewMemory(), broker, logger), UserID: "u1"},
		Clock:  clock.NewMock(),
		Logger: logger,
	})
	t.Cleanup(d.surface.Close)
	require.NoError(t, d.surface.Start(context.Background()))
	return d
}

func TestDriverAnswersOptions(t *testing.T) {
	d := newTestDriver(t, driveOptions{choice: 5})
	m := d.surface.Machine()
	require.Equal(t, progression.PhaseWaitingOptions, m.Phase())

	assert.False(t, d.answer(context.Background()))
	state := m.State()
	require.Len(t, state.Messages, 2)
	assert.Equal(t, "B", state.Messages[1].Text(), "an out of range choice picks the last option")
	assert.Equal(t, progression.PhaseThinking, m.Phase())
}

func TestDriverResumesStalledFollow(t *testing.T) {
	d := newTestDriver(t, driveOptions{})
	m := d.surface.Machine()

	require.NoError(t, m.Sync(models.ConversationState{
		Messages: []models.Message{
			d.script[0],
			models.TextMessage("m0-selection", models.RoleUser, "A"),
		},
		CurrentIndex:   1,
		Status:         models.StatusStreaming,
		DemoModeActive: true,
	}))
	require.Equal(t, progression.PhaseFollowing, m.Phase())
	assert.False(t, d.answer(context.Background()), "nothing to answer while following")

	d.resumeStalled()
	assert.Equal(t, progression.PhaseThinking, m.Phase())

	d.resumeStalled()
	assert.Equal(t, progression.PhaseThinking, m.Phase(), "only a following surface is resumed")
}
