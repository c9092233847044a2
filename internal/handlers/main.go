package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/convsync"
	"github.com/MegaGrindStone/convsync/internal/models"
	"github.com/MegaGrindStone/convsync/internal/pubsub"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// StateService defines the state operations exposed over HTTP. Every write takes the origin token
// of the writing surface, which is echoed back in the resulting push event.
type StateService interface {
	Conversation(ctx context.Context, userID string) (models.ConversationState, error)
	ReplaceConversation(ctx context.Context, userID string, state models.ConversationState, origin string) (models.ConversationState, error)
	AppendMessage(ctx context.Context, userID string, msg models.Message, origin string) (models.ConversationState, bool, error)
	ClearConversation(ctx context.Context, userID, origin string) error

	Buttons(ctx context.Context, userID string) (models.ButtonState, error)
	UpdateButtons(ctx context.Context, userID string, patch models.ButtonPatch, origin string) (models.ButtonState, error)
	ClearButtons(ctx context.Context, userID, origin string) error

	Snapshot(ctx context.Context, topic models.Topic) (models.Event, error)
}

// Subscriber registers handlers on user channels.
type Subscriber interface {
	Subscribe(topic models.Topic, handler pubsub.Handler) func()
}

// BusRelay serves the websocket relay between the surfaces of one user.
type BusRelay interface {
	ServeUser(w http.ResponseWriter, r *http.Request, userID string)
	Close()
}

// Options tunes the push gateway.
type Options struct {
	// Heartbeat is the interval of keep-alive comments on push streams. Zero disables them.
	Heartbeat time.Duration
	// Buffer is the number of events a push stream may lag behind before the broker drops them.
	Buffer int
}

// Main serves the state API, the push streams, the bus relay and the transcript page.
type Main struct {
	templates *template.Template
	markdown  goldmark.Markdown

	svc    StateService
	broker Subscriber
	relay  BusRelay

	heartbeat time.Duration
	buffer    int

	done      chan struct{}
	closeOnce *sync.Once
	streams   *sync.WaitGroup

	logger *slog.Logger
}

// Header names and defaults of the user channel addressing.
const (
	UserIDHeader  = "X-User-ID"
	OriginHeader  = "X-Origin"
	DefaultUserID = "default-user"

	userIDQuery = "userId"

	errLoggerKey = "err"
)

// NewMain creates the handlers on top of svc and broker. relay may be nil, in which case the bus
// relay route answers 404.
func NewMain(svc StateService, broker Subscriber, relay BusRelay, opts Options, logger *slog.Logger) (Main, error) {
	tmpl, err := template.ParseFS(convsync.TemplateFS, "templates/*.html")
	if err != nil {
		return Main{}, fmt.Errorf("failed to parse templates: %w", err)
	}

	if opts.Buffer <= 0 {
		opts.Buffer = pubsub.DefaultBuffer
	}

	return Main{
		templates: tmpl,
		markdown: goldmark.New(
			goldmark.WithExtensions(
				extension.GFM,
				highlighting.NewHighlighting(highlighting.WithStyle("github")),
			),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		),
		svc:       svc,
		broker:    broker,
		relay:     relay,
		heartbeat: opts.Heartbeat,
		buffer:    opts.Buffer,
		done:      make(chan struct{}),
		closeOnce: &sync.Once{},
		streams:   &sync.WaitGroup{},
		logger:    logger.With(slog.String("module", "main")),
	}, nil
}

// Register adds every route of m to mux.
func (m Main) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/state", m.HandleGetState)
	mux.HandleFunc("PUT /api/state", m.HandleReplaceState)
	mux.HandleFunc("DELETE /api/state", m.HandleClearState)
	mux.HandleFunc("POST /api/state/messages", m.HandleAppendMessage)
	mux.HandleFunc("GET /api/buttons", m.HandleGetButtons)
	mux.HandleFunc("PATCH /api/buttons", m.HandleUpdateButtons)
	mux.HandleFunc("DELETE /api/buttons", m.HandleClearButtons)
	mux.HandleFunc("GET /sse/state", m.HandleStateStream)
	mux.HandleFunc("GET /sse/buttons", m.HandleButtonsStream)
	mux.HandleFunc("GET /ws/bus", m.HandleBus)
	mux.HandleFunc("GET /transcript", m.HandleTranscript)
}

// Shutdown sends a close event to every open push stream and waits up to 5 seconds for them to
// end. It also disconnects the bus relay.
func (m Main) Shutdown(ctx context.Context) error {
	m.closeOnce.Do(func() {
		close(m.done)
	})
	if m.relay != nil {
		m.relay.Close()
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	finished := make(chan struct{})
	go func() {
		m.streams.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to close push streams: %w", ctx.Err())
	}
}

// HandleBus relays bus frames between the websocket connections of the requesting user.
func (m Main) HandleBus(w http.ResponseWriter, r *http.Request) {
	if m.relay == nil {
		http.NotFound(w, r)
		return
	}
	m.relay.ServeUser(w, r, userID(r))
}

func userID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(UserIDHeader)); id != "" {
		return id
	}
	if id := strings.TrimSpace(r.URL.Query().Get(userIDQuery)); id != "" {
		return id
	}
	return DefaultUserID
}

func origin(r *http.Request) string {
	return r.Header.Get(OriginHeader)
}

func (m Main) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		m.logger.Error("Failed to write response", slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) writeError(w http.ResponseWriter, status int, msg string) {
	m.writeJSON(w, status, map[string]string{"error": msg})
}
