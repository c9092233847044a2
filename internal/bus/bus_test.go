package bus_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/convsync/internal/bus"
	"github.com/MegaGrindStone/convsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inbox struct {
	mu   sync.Mutex
	msgs []bus.Message
}

func (i *inbox) listen(m bus.Message) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.msgs = append(i.msgs, m)
}

func (i *inbox) len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.msgs)
}

func (i *inbox) all() []bus.Message {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]bus.Message(nil), i.msgs...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLocalBusSkipsPosterAndKeepsOrder(t *testing.T) {
	hub := bus.NewLocalHub()
	a := bus.New(hub.Channel("u1"), testLogger())
	b := bus.New(hub.Channel("u1"), testLogger())
	c := bus.New(hub.Channel("u1"), testLogger())
	other := bus.New(hub.Channel("u2"), testLogger())
	defer a.Close()
	defer b.Close()
	defer c.Close()
	defer other.Close()

	inA, inB, inC, inOther := &inbox{}, &inbox{}, &inbox{}, &inbox{}
	a.Listen(inA.listen)
	b.Listen(inB.listen)
	c.Listen(inC.listen)
	other.Listen(inOther.listen)

	state := models.DefaultConversation()
	for i := range 10 {
		state.CurrentIndex = i
		require.NoError(t, a.Broadcast(bus.DemoProgress(state, nil, "tab-a")))
	}

	require.Eventually(t, func() bool { return inB.len() == 10 && inC.len() == 10 },
		time.Second, 5*time.Millisecond)
	for i, m := range inB.all() {
		assert.Equal(t, i, m.CurrentIndex)
		assert.Equal(t, bus.KindDemoProgress, m.Type)
		assert.Equal(t, "tab-a", m.Origin)
	}

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, inA.len(), "poster must not receive its own messages")
	assert.Zero(t, inOther.len(), "channels are isolated")
}

func TestListenDisposer(t *testing.T) {
	hub := bus.NewLocalHub()
	a := bus.New(hub.Channel("u1"), testLogger())
	b := bus.New(hub.Channel("u1"), testLogger())
	defer a.Close()
	defer b.Close()

	in := &inbox{}
	dispose := b.Listen(in.listen)

	require.NoError(t, a.Broadcast(bus.SyncState(models.DefaultConversation(), "a")))
	require.Eventually(t, func() bool { return in.len() == 1 }, time.Second, 5*time.Millisecond)

	dispose()
	dispose()
	require.NoError(t, a.Broadcast(bus.SyncState(models.DefaultConversation(), "a")))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, in.len())
}

func TestNoopBus(t *testing.T) {
	b := bus.New(nil, testLogger())
	in := &inbox{}
	b.Listen(in.listen)

	assert.NoError(t, b.Broadcast(bus.SyncState(models.DefaultConversation(), "")))
	assert.Zero(t, in.len())
	assert.NoError(t, b.Close())
}

func TestClosedEndpointRejectsPosts(t *testing.T) {
	hub := bus.NewLocalHub()
	a := hub.Channel("u1")
	require.NoError(t, a.Close())
	assert.ErrorIs(t, a.Post([]byte(`{}`)), bus.ErrEndpointClosed)
}

func TestApply(t *testing.T) {
	base := models.DefaultConversation()
	base.Input = "local draft"
	hello := models.TextMessage("m1", models.RoleAssistant, "hello")
	answer := models.TextMessage("m2", models.RoleUser, "answer")

	tests := []struct {
		name  string
		state models.ConversationState
		msg   bus.Message
		check func(t *testing.T, got models.ConversationState)
	}{
		{
			name: "Sync state keeps local input",
			msg: bus.SyncState(models.ConversationState{
				Messages:     []models.Message{hello},
				CurrentIndex: 1,
				Status:       models.StatusReady,
				Input:        "remote draft",
			}, "x"),
			check: func(t *testing.T, got models.ConversationState) {
				assert.Equal(t, "local draft", got.Input)
				assert.Equal(t, 1, got.CurrentIndex)
				assert.Len(t, got.Messages, 1)
			},
		},
		{
			name: "User message clears placeholder",
			state: func() models.ConversationState {
				s := base.Clone()
				s.IsUserMessageInPlaceholder = true
				return s
			}(),
			msg: bus.UserMessageSubmitted(answer, 1, "x"),
			check: func(t *testing.T, got models.ConversationState) {
				assert.False(t, got.IsUserMessageInPlaceholder)
				assert.Equal(t, 1, got.CurrentIndex)
				assert.Equal(t, []models.Message{answer}, got.Messages)
			},
		},
		{
			name: "Progress is idempotent",
			state: func() models.ConversationState {
				s := base.Clone()
				s.Messages = []models.Message{hello}
				return s
			}(),
			msg: bus.DemoProgress(models.ConversationState{CurrentIndex: 1, Status: models.StatusReady}, &hello, "x"),
			check: func(t *testing.T, got models.ConversationState) {
				assert.Len(t, got.Messages, 1)
				assert.Equal(t, 1, got.CurrentIndex)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := tt.state
			if state.Status == "" {
				state = base.Clone()
				state.Input = base.Input
			}
			tt.check(t, bus.Apply(state, tt.msg))
		})
	}
}

func TestFrameRelay(t *testing.T) {
	hub := bus.NewLocalHub()
	parentChannel := hub.Channel("u1")
	sibling := bus.New(hub.Channel("u1"), testLogger())
	defer sibling.Close()

	framePort, parentPort := bus.Pipe()
	stop := bus.Relay(parentPort, parentChannel, "")
	defer stop()

	embedded := bus.New(bus.NewFrameTransport(framePort, ""), testLogger())
	defer embedded.Close()

	fromFrame, fromSibling := &inbox{}, &inbox{}
	sibling.Listen(fromFrame.listen)
	embedded.Listen(fromSibling.listen)

	require.NoError(t, embedded.Broadcast(bus.DemoProgress(models.ConversationState{CurrentIndex: 3}, nil, "frame")))
	require.Eventually(t, func() bool { return fromFrame.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, fromFrame.all()[0].CurrentIndex)

	require.NoError(t, sibling.Broadcast(bus.DemoProgress(models.ConversationState{CurrentIndex: 4}, nil, "tab")))
	require.Eventually(t, func() bool { return fromSibling.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "tab", fromSibling.all()[0].Origin)

	// Untagged traffic on the frame port is ignored.
	require.NoError(t, framePort.Post([]byte(`{"type":"SYNC_STATE"}`)))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, fromFrame.len())
}

func TestWebSocketHub(t *testing.T) {
	hub := bus.NewWSHub(testLogger())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeUser(w, r, r.URL.Query().Get("userId"))
	}))
	defer srv.Close()
	defer hub.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx := context.Background()

	dial := func(user string) *bus.Bus {
		tr, err := bus.DialWebSocket(ctx, url+"?userId="+user, nil)
		require.NoError(t, err)
		b := bus.New(tr, testLogger())
		t.Cleanup(func() { _ = b.Close() })
		return b
	}

	a, b, stranger := dial("u1"), dial("u1"), dial("u2")
	require.Eventually(t, func() bool { return hub.Peers("u1") == 2 }, time.Second, 5*time.Millisecond)

	inA, inB, inStranger := &inbox{}, &inbox{}, &inbox{}
	a.Listen(inA.listen)
	b.Listen(inB.listen)
	stranger.Listen(inStranger.listen)

	msg := models.TextMessage("m1", models.RoleUser, "hi")
	require.NoError(t, a.Broadcast(bus.UserMessageSubmitted(msg, 2, "a")))

	require.Eventually(t, func() bool { return inB.len() == 1 }, time.Second, 5*time.Millisecond)
	got := inB.all()[0]
	assert.Equal(t, bus.KindUserMessageSubmitted, got.Type)
	assert.Equal(t, 2, got.CurrentIndex)
	require.NotNil(t, got.Message)
	assert.Equal(t, "hi", got.Message.Text())

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, inA.len())
	assert.Zero(t, inStranger.len())
}
