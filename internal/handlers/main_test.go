package handlers_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MegaGrindStone/convsync/internal/bus"
	"github.com/MegaGrindStone/convsync/internal/handlers"
	"github.com/MegaGrindStone/convsync/internal/models"
	"github.com/MegaGrindStone/convsync/internal/pubsub"
	"github.com/MegaGrindStone/convsync/internal/services"
	"github.com/MegaGrindStone/convsync/internal/surface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	srv    *httptest.Server
	main   handlers.Main
	broker *pubsub.Broker
}

type brokenStore struct {
	services.Store
}

func (brokenStore) Conversation(context.Context, string) (models.ConversationState, bool, error) {
	return models.ConversationState{}, false, errors.New("disk on fire")
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, store services.Store) testServer {
	t.Helper()
	return newTestServerWithOptions(t, store, handlers.Options{})
}

func newTestServerWithOptions(t *testing.T, store services.Store, opts handlers.Options) testServer {
	t.Helper()

	logger := testLogger()
	broker := pubsub.NewBroker(0, logger)
	svc := services.NewSync(store, broker, logger)

	m, err := handlers.NewMain(svc, broker, bus.NewWSHub(logger), opts, logger)
	require.NoError(t, err)

	mux := http.NewServeMux()
	m.Register(mux)
	srv := httptest.NewServer(mux)

	t.Cleanup(srv.Close)
	t.Cleanup(broker.Close)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	return testServer{srv: srv, main: m, broker: broker}
}

func (ts testServer) client(userID string) surface.Client {
	return surface.NewClient(ts.srv.URL, userID, ts.srv.Client())
}

func (ts testServer) do(t *testing.T, method, path string, header http.Header, body any) *http.Response {
	t.Helper()

	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, r)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func pull(t *testing.T, events iter.Seq2[models.Event, error]) func() models.Event {
	t.Helper()
	next, stop := iter.Pull2(events)
	t.Cleanup(stop)
	return func() models.Event {
		t.Helper()
		e, err, ok := next()
		require.True(t, ok, "stream ended")
		require.NoError(t, err)
		return e
	}
}

func TestNewMain(t *testing.T) {
	m, err := handlers.NewMain(services.NewSync(services.NewMemory(), pubsub.NewBroker(0, testLogger()), testLogger()),
		pubsub.NewBroker(0, testLogger()), nil, handlers.Options{}, testLogger())
	require.NoError(t, err)
	assert.NoError(t, m.Shutdown(context.Background()))
}

func TestStateAPI(t *testing.T) {
	ts := newTestServer(t, services.NewMemory())
	c := ts.client("u1")
	ctx := context.Background()

	state, err := c.Conversation(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.DefaultConversation().Sanitized(), state)

	hello := models.TextMessage("m1", models.RoleAssistant, "hello")
	require.NoError(t, c.ReplaceConversation(ctx, models.ConversationState{
		Messages:     []models.Message{hello, models.TextMessage("m1", models.RoleAssistant, "dup")},
		CurrentIndex: 1,
		Status:       models.StatusReady,
		Input:        "typing",
	}, "tab-a"))

	state, err = c.Conversation(ctx)
	require.NoError(t, err)
	assert.Equal(t, []models.Message{hello}, state.Messages)
	assert.Empty(t, state.Input)
	assert.Equal(t, 1, state.CurrentIndex)

	tests := []struct {
		name       string
		msg        models.Message
		wantStatus int
	}{
		{name: "New message", msg: models.TextMessage("m2", models.RoleUser, "hi"), wantStatus: http.StatusCreated},
		{name: "Duplicate message", msg: models.TextMessage("m2", models.RoleUser, "changed"), wantStatus: http.StatusOK},
		{name: "Missing id", msg: models.TextMessage("", models.RoleUser, "hi"), wantStatus: http.StatusBadRequest},
		{name: "Unknown role", msg: models.TextMessage("m3", "robot", "hi"), wantStatus: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.do(t, http.MethodPost, "/api/state/messages", http.Header{"X-User-Id": {"u1"}}, tt.msg)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}

	state, err = c.Conversation(ctx)
	require.NoError(t, err)
	require.Len(t, state.Messages, 2)
	assert.Equal(t, "hi", state.Messages[1].Text())

	require.NoError(t, c.ClearConversation(ctx, ""))
	state, err = c.Conversation(ctx)
	require.NoError(t, err)
	assert.Empty(t, state.Messages)
	assert.True(t, state.DemoModeActive)
}

func TestMalformedBody(t *testing.T) {
	ts := newTestServer(t, services.NewMemory())
	req, err := http.NewRequest(http.MethodPut, ts.srv.URL+"/api/state", strings.NewReader("{nope"))
	require.NoError(t, err)
	resp, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestButtonsAPI(t *testing.T) {
	ts := newTestServer(t, services.NewMemory())
	c := ts.client("u1")
	ctx := context.Background()

	buttons, err := c.Buttons(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.RecordingNotStarted, buttons.AgentRecordingState)

	require.NoError(t, c.UpdateButtons(ctx, models.ButtonPatch{Connections: map[string]bool{"gmail": true}}, ""))
	recording := models.RecordingActive
	require.NoError(t, c.UpdateButtons(ctx, models.ButtonPatch{AgentRecordingState: &recording}, ""))

	buttons, err = c.Buttons(ctx)
	require.NoError(t, err)
	assert.True(t, buttons.Connections["gmail"], "earlier fields survive a partial update")
	assert.Equal(t, models.RecordingActive, buttons.AgentRecordingState)

	require.NoError(t, c.ClearButtons(ctx, ""))
	buttons, err = c.Buttons(ctx)
	require.NoError(t, err)
	assert.Empty(t, buttons.Connections)
}

func TestUnknownEnumValues(t *testing.T) {
	ts := newTestServer(t, services.NewMemory())
	header := http.Header{"X-User-Id": {"u1"}}

	tests := []struct {
		name       string
		method     string
		path       string
		body       map[string]any
		wantStatus int
	}{
		{name: "Known status", method: http.MethodPut, path: "/api/state", body: map[string]any{"status": "streaming"}, wantStatus: http.StatusOK},
		{name: "Missing status", method: http.MethodPut, path: "/api/state", body: map[string]any{"currentIndex": 0}, wantStatus: http.StatusOK},
		{name: "Unknown status", method: http.MethodPut, path: "/api/state", body: map[string]any{"status": "thinking"}, wantStatus: http.StatusBadRequest},
		{name: "Known recording state", method: http.MethodPatch, path: "/api/buttons", body: map[string]any{"agentRecordingState": "paused"}, wantStatus: http.StatusOK},
		{name: "Unknown recording state", method: http.MethodPatch, path: "/api/buttons", body: map[string]any{"agentRecordingState": "on"}, wantStatus: http.StatusBadRequest},
		{name: "Empty recording state", method: http.MethodPatch, path: "/api/buttons", body: map[string]any{"agentRecordingState": ""}, wantStatus: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.do(t, tt.method, tt.path, header, tt.body)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}

	buttons, err := ts.client("u1").Buttons(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.RecordingPaused, buttons.AgentRecordingState, "rejected patches change nothing")
}

func TestUserIDResolution(t *testing.T) {
	ts := newTestServer(t, services.NewMemory())
	require.NoError(t, ts.client("u1").ReplaceConversation(context.Background(), models.ConversationState{
		Messages: []models.Message{models.TextMessage("m1", models.RoleUser, "mine")},
	}, ""))

	tests := []struct {
		name   string
		path   string
		header http.Header
		want   int
	}{
		{name: "Header", path: "/api/state", header: http.Header{"X-User-Id": {"u1"}}, want: 1},
		{name: "Query", path: "/api/state?userId=u1", want: 1},
		{name: "Default user", path: "/api/state", want: 0},
		{name: "Other user", path: "/api/state?userId=u2", want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.do(t, http.MethodGet, tt.path, tt.header, nil)
			require.Equal(t, http.StatusOK, resp.StatusCode)
			var state models.ConversationState
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&state))
			assert.Len(t, state.Messages, tt.want)
		})
	}
}

func TestStoreUnavailable(t *testing.T) {
	ts := newTestServer(t, brokenStore{})

	resp := ts.do(t, http.MethodGet, "/api/state", nil, nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	_, err := ts.client("u1").Conversation(context.Background())
	var statusErr *surface.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, "failed to load state", statusErr.Message)
}

func TestPushStreamLateJoiner(t *testing.T) {
	ts := newTestServer(t, services.NewMemory())
	c := ts.client("u1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var want models.ConversationState
	for i := range 5 {
		msg := models.TextMessage(string(rune('a'+i)), models.RoleAssistant, "step")
		require.NoError(t, c.AppendMessage(ctx, msg, "tab-a"))
		want.Messages = append(want.Messages, msg)
	}

	next := pull(t, c.Stream(ctx, models.ScopeConversation))
	initial := next()
	assert.Equal(t, models.EventTypeInitial, initial.Type)
	got, ok, err := initial.Conversation()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want.Messages, got.Messages)

	require.NoError(t, c.AppendMessage(ctx, models.TextMessage("z", models.RoleUser, "later"), "tab-b"))
	update := next()
	assert.Equal(t, models.EventTypeUpdate, update.Type)
	assert.Equal(t, "tab-b", update.Origin)
	got, _, err = update.Conversation()
	require.NoError(t, err)
	assert.Len(t, got.Messages, 6)

	require.NoError(t, c.ClearConversation(ctx, "tab-b"))
	cleared := next()
	assert.Equal(t, models.EventTypeClear, cleared.Type)
	assert.JSONEq(t, "null", string(cleared.Data))
}

func TestPushStreamButtons(t *testing.T) {
	ts := newTestServer(t, services.NewMemory())
	c := ts.client("u1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	next := pull(t, c.Stream(ctx, models.ScopeButtons))
	initial := next()
	buttons, ok, err := initial.Buttons()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.RecordingNotStarted, buttons.AgentRecordingState)

	require.NoError(t, c.UpdateButtons(ctx, models.ButtonPatch{Connections: map[string]bool{"slack": true}}, ""))
	buttons, _, err = next().Buttons()
	require.NoError(t, err)
	assert.True(t, buttons.Connections["slack"])
}

func TestPushStreamIsolatesUsers(t *testing.T) {
	ts := newTestServer(t, services.NewMemory())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	next := pull(t, ts.client("u1").Stream(ctx, models.ScopeConversation))
	next()

	require.NoError(t, ts.client("u2").AppendMessage(ctx, models.TextMessage("x", models.RoleUser, "other"), ""))
	require.NoError(t, ts.client("u1").AppendMessage(ctx, models.TextMessage("y", models.RoleUser, "mine"), ""))

	got, _, err := next().Conversation()
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "y", got.Messages[0].ID)
}

func TestPushStreamEncodingFailure(t *testing.T) {
	ts := newTestServer(t, services.NewMemory())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	next := pull(t, ts.client("u1").Stream(ctx, models.ScopeConversation))
	next()

	topic := models.Topic{Scope: models.ScopeConversation, UserID: "u1"}
	require.NoError(t, ts.broker.Publish(topic, models.Event{
		Type:  models.EventTypeUpdate,
		Scope: models.ScopeConversation,
		Data:  json.RawMessage("{broken"),
	}))

	e := next()
	assert.Equal(t, models.EventTypeError, e.Type)
	assert.Contains(t, string(e.Data), "failed to push state")
	require.Eventually(t, func() bool { return ts.broker.Subscribers(topic) == 0 }, time.Second, 5*time.Millisecond)
}

func TestPushStreamDisconnectUnsubscribes(t *testing.T) {
	ts := newTestServer(t, services.NewMemory())
	ctx, cancel := context.WithCancel(context.Background())

	next := pull(t, ts.client("u1").Stream(ctx, models.ScopeConversation))
	next()

	topic := models.Topic{Scope: models.ScopeConversation, UserID: "u1"}
	require.Equal(t, 1, ts.broker.Subscribers(topic))

	cancel()
	require.Eventually(t, func() bool { return ts.broker.Subscribers(topic) == 0 }, time.Second, 5*time.Millisecond)
}

func TestPushStreamHeartbeat(t *testing.T) {
	ts := newTestServerWithOptions(t, services.NewMemory(), handlers.Options{Heartbeat: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.srv.URL+"/sse/state", nil)
	require.NoError(t, err)
	req.Header.Set(handlers.UserIDHeader, "u1")
	resp, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	comments := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if line := scanner.Text(); strings.HasPrefix(line, ":") {
				comments <- line
				return
			}
		}
	}()

	select {
	case line := <-comments:
		assert.Contains(t, line, "heartbeat")
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat received")
	}

	topic := models.Topic{Scope: models.ScopeConversation, UserID: "u1"}
	assert.Equal(t, 1, ts.broker.Subscribers(topic), "heartbeats keep the stream subscribed")

	cancel()
	require.Eventually(t, func() bool { return ts.broker.Subscribers(topic) == 0 }, time.Second, 5*time.Millisecond)
}

func TestShutdownClosesStreams(t *testing.T) {
	ts := newTestServer(t, services.NewMemory())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	next := pull(t, ts.client("u1").Stream(ctx, models.ScopeConversation))
	next()

	require.NoError(t, ts.main.Shutdown(context.Background()))
	assert.Equal(t, models.EventTypeClose, next().Type)
}

func TestTranscript(t *testing.T) {
	ts := newTestServer(t, services.NewMemory())
	require.NoError(t, ts.client("u1").ReplaceConversation(context.Background(), models.ConversationState{
		Messages: []models.Message{
			models.TextMessage("m1", models.RoleAssistant, "Hello **there**"),
			{ID: "m2", Role: models.RoleAgent, Parts: []models.Part{
				{Type: models.PartTypeSummaryAdded, Text: "Weekly sync"},
				{Type: models.PartTypeText, Text: "<script>alert(1)</script>"},
			}},
		},
		CurrentIndex: 2,
	}, ""))

	resp := ts.do(t, http.MethodGet, "/transcript?userId=u1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	page := string(body)
	assert.Contains(t, page, "<strong>there</strong>")
	assert.Contains(t, page, "Weekly sync")
	assert.NotContains(t, page, "<script>alert(1)</script>")
}

func TestBusRelay(t *testing.T) {
	ts := newTestServer(t, services.NewMemory())
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws/bus?userId=u1"
	ctx := context.Background()

	ta, err := bus.DialWebSocket(ctx, url, nil)
	require.NoError(t, err)
	a := bus.New(ta, testLogger())
	defer a.Close()

	tb, err := bus.DialWebSocket(ctx, url, nil)
	require.NoError(t, err)
	b := bus.New(tb, testLogger())
	defer b.Close()

	got := make(chan bus.Message, 1)
	b.Listen(func(m bus.Message) {
		select {
		case got <- m:
		default:
		}
	})

	// The relay registers peers asynchronously after the handshake.
	require.Eventually(t, func() bool {
		_ = a.Broadcast(bus.DemoProgress(models.ConversationState{CurrentIndex: 7}, nil, "a"))
		select {
		case m := <-got:
			return m.CurrentIndex == 7
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, time.Second, 5*time.Millisecond)
}
