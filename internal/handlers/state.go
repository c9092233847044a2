package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/convsync/internal/models"
	"github.com/MegaGrindStone/convsync/internal/services"
)

const maxBodySize = 4 << 20

// HandleGetState returns the conversation of the requesting user, or the default conversation.
func (m Main) HandleGetState(w http.ResponseWriter, r *http.Request) {
	state, err := m.svc.Conversation(r.Context(), userID(r))
	if err != nil {
		m.logger.Error("Failed to get conversation", slog.String(errLoggerKey, err.Error()))
		m.writeError(w, storeStatus(err), "failed to load state")
		return
	}
	m.writeJSON(w, http.StatusOK, state)
}

// HandleReplaceState overwrites the conversation of the requesting user with the request body.
func (m Main) HandleReplaceState(w http.ResponseWriter, r *http.Request) {
	var state models.ConversationState
	if !m.decode(w, r, &state) {
		return
	}
	if state.Status != "" && !state.Status.Valid() {
		m.writeError(w, http.StatusBadRequest, "unknown status: "+string(state.Status))
		return
	}

	saved, err := m.svc.ReplaceConversation(r.Context(), userID(r), state, origin(r))
	if err != nil {
		m.logger.Error("Failed to replace conversation", slog.String(errLoggerKey, err.Error()))
		m.writeError(w, storeStatus(err), "failed to save state")
		return
	}
	m.writeJSON(w, http.StatusOK, saved)
}

// HandleClearState deletes the conversation of the requesting user.
func (m Main) HandleClearState(w http.ResponseWriter, r *http.Request) {
	if err := m.svc.ClearConversation(r.Context(), userID(r), origin(r)); err != nil {
		m.logger.Error("Failed to clear conversation", slog.String(errLoggerKey, err.Error()))
		m.writeError(w, storeStatus(err), "failed to clear state")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleAppendMessage appends the message in the request body to the conversation of the requesting
// user. It answers 201 when the message was added and 200 when its ID was already stored.
func (m Main) HandleAppendMessage(w http.ResponseWriter, r *http.Request) {
	var msg models.Message
	if !m.decode(w, r, &msg) {
		return
	}
	if msg.ID == "" || !msg.Role.Valid() {
		m.writeError(w, http.StatusBadRequest, "message needs an id and a known role")
		return
	}

	state, added, err := m.svc.AppendMessage(r.Context(), userID(r), msg, origin(r))
	if err != nil {
		m.logger.Error("Failed to append message", slog.String(errLoggerKey, err.Error()))
		m.writeError(w, storeStatus(err), "failed to save state")
		return
	}

	status := http.StatusOK
	if added {
		status = http.StatusCreated
	}
	m.writeJSON(w, status, state)
}

// HandleGetButtons returns the button state of the requesting user, or the default button state.
func (m Main) HandleGetButtons(w http.ResponseWriter, r *http.Request) {
	state, err := m.svc.Buttons(r.Context(), userID(r))
	if err != nil {
		m.logger.Error("Failed to get buttons", slog.String(errLoggerKey, err.Error()))
		m.writeError(w, storeStatus(err), "failed to load state")
		return
	}
	m.writeJSON(w, http.StatusOK, state)
}

// HandleUpdateButtons merges the fields present in the request body over the button state of the
// requesting user.
func (m Main) HandleUpdateButtons(w http.ResponseWriter, r *http.Request) {
	var patch models.ButtonPatch
	if !m.decode(w, r, &patch) {
		return
	}
	if rs := patch.AgentRecordingState; rs != nil && !rs.Valid() {
		m.writeError(w, http.StatusBadRequest, "unknown recording state: "+string(*rs))
		return
	}

	merged, err := m.svc.UpdateButtons(r.Context(), userID(r), patch, origin(r))
	if err != nil {
		m.logger.Error("Failed to update buttons", slog.String(errLoggerKey, err.Error()))
		m.writeError(w, storeStatus(err), "failed to save state")
		return
	}
	m.writeJSON(w, http.StatusOK, merged)
}

// HandleClearButtons deletes the button state of the requesting user.
func (m Main) HandleClearButtons(w http.ResponseWriter, r *http.Request) {
	if err := m.svc.ClearButtons(r.Context(), userID(r), origin(r)); err != nil {
		m.logger.Error("Failed to clear buttons", slog.String(errLoggerKey, err.Error()))
		m.writeError(w, storeStatus(err), "failed to clear state")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m Main) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	if err := dec.Decode(dst); err != nil {
		m.logger.Debug("Rejecting malformed body", slog.String(errLoggerKey, err.Error()))
		m.writeError(w, http.StatusBadRequest, "malformed body")
		return false
	}
	return true
}

func storeStatus(err error) int {
	if errors.Is(err, services.ErrStoreUnavailable) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
