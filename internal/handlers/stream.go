package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MegaGrindStone/convsync/internal/models"
	"github.com/tmaxmax/go-sse"
)

// HandleStateStream opens the push stream of the requesting user's conversation.
func (m Main) HandleStateStream(w http.ResponseWriter, r *http.Request) {
	m.stream(w, r, models.ScopeConversation)
}

// HandleButtonsStream opens the push stream of the requesting user's button state.
func (m Main) HandleButtonsStream(w http.ResponseWriter, r *http.Request) {
	m.stream(w, r, models.ScopeButtons)
}

// stream is the push gateway of one connection. It subscribes to the user channel before reading
// the snapshot, so no event published in between is lost: at worst an event already reflected in
// the snapshot is pushed once more, which clients apply idempotently.
func (m Main) stream(w http.ResponseWriter, r *http.Request, scope models.Scope) {
	topic := models.Topic{Scope: scope, UserID: userID(r)}
	logger := m.logger.With(slog.String("topic", topic.String()))

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		logger.Error("Failed to upgrade push stream", slog.String(errLoggerKey, err.Error()))
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	m.streams.Add(1)
	defer m.streams.Done()

	events := make(chan models.Event, m.buffer)
	stop := make(chan struct{})
	unsubscribe := m.broker.Subscribe(topic, func(e models.Event) {
		select {
		case events <- e:
		case <-stop:
		}
	})
	var once sync.Once
	teardown := func() {
		once.Do(func() {
			unsubscribe()
			close(stop)
		})
	}
	defer teardown()

	initial, err := m.svc.Snapshot(r.Context(), topic)
	if err != nil {
		logger.Error("Failed to load snapshot", slog.String(errLoggerKey, err.Error()))
		m.sendError(sess, scope, "failed to load state")
		return
	}
	if err := m.send(sess, initial); err != nil {
		logger.Warn("Failed to push snapshot", slog.String(errLoggerKey, err.Error()))
		m.sendError(sess, scope, "failed to push state")
		return
	}

	var heartbeat <-chan time.Time
	if m.heartbeat > 0 {
		ticker := time.NewTicker(m.heartbeat)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	for {
		select {
		case <-r.Context().Done():
			logger.Debug("Push stream closed by client")
			return
		case <-m.done:
			closing, _ := models.NewEvent(models.EventTypeClose, scope, "", nil)
			_ = m.send(sess, closing)
			return
		case e := <-events:
			if err := m.send(sess, e); err != nil {
				logger.Warn("Failed to push event",
					slog.String("type", string(e.Type)),
					slog.String(errLoggerKey, err.Error()))
				m.sendError(sess, scope, "failed to push state")
				return
			}
		case <-heartbeat:
			msg := &sse.Message{}
			msg.AppendComment("heartbeat")
			if err := sendFlush(sess, msg); err != nil {
				logger.Debug("Heartbeat failed", slog.String(errLoggerKey, err.Error()))
				return
			}
		}
	}
}

func (m Main) send(sess *sse.Session, e models.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	msg := &sse.Message{Type: sse.Type(string(e.Type))}
	msg.AppendData(string(data))
	return sendFlush(sess, msg)
}

// sendError pushes a single error event. It is best effort, the connection is closed right after.
func (m Main) sendError(sess *sse.Session, scope models.Scope, reason string) {
	e, err := models.NewEvent(models.EventTypeError, scope, "", map[string]string{"error": reason})
	if err != nil {
		return
	}
	if err := m.send(sess, e); err != nil {
		m.logger.Debug("Failed to push error event", slog.String(errLoggerKey, err.Error()))
	}
}

func sendFlush(sess *sse.Session, msg *sse.Message) error {
	if err := sess.Send(msg); err != nil {
		return err
	}
	return sess.Flush()
}
