package handlers

import (
	"bytes"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/convsync/internal/models"
)

type transcriptData struct {
	UserID   string
	Status   models.Status
	Cursor   int
	Messages []transcriptMessage
}

type transcriptMessage struct {
	ID      string
	Role    models.Role
	Content template.HTML
}

// HandleTranscript renders the conversation of the requesting user as an HTML page.
func (m Main) HandleTranscript(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	state, err := m.svc.Conversation(r.Context(), user)
	if err != nil {
		m.logger.Error("Failed to get conversation", slog.String(errLoggerKey, err.Error()))
		http.Error(w, "failed to load state", storeStatus(err))
		return
	}

	data := transcriptData{
		UserID: user,
		Status: state.Status,
		Cursor: state.CurrentIndex,
	}
	for _, msg := range state.Messages {
		content, err := m.renderMarkdown(models.RenderParts(msg.Parts))
		if err != nil {
			m.logger.Error("Failed to render message",
				slog.String("messageID", msg.ID),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		data.Messages = append(data.Messages, transcriptMessage{
			ID:      msg.ID,
			Role:    msg.Role,
			Content: content,
		})
	}

	if err := m.templates.ExecuteTemplate(w, "transcript.html", data); err != nil {
		m.logger.Error("Failed to execute template", slog.String(errLoggerKey, err.Error()))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

func (m Main) renderMarkdown(src string) (template.HTML, error) {
	var buf bytes.Buffer
	if err := m.markdown.Convert([]byte(src), &buf); err != nil {
		return "", fmt.Errorf("failed to convert markdown: %w", err)
	}
	return template.HTML(buf.String()), nil
}
