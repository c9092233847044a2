package surface

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strings"

	"github.com/MegaGrindStone/convsync/internal/models"
	"github.com/tmaxmax/go-sse"
)

// Client talks to the HTTP API of a convsync server on behalf of one user. It implements Remote.
type Client struct {
	baseURL string
	userID  string

	client *http.Client
}

// Header names shared with the server handlers.
const (
	UserIDHeader = "X-User-ID"
	OriginHeader = "X-Origin"
)

// NewClient creates a client for the server at baseURL acting as userID. A nil httpClient uses a
// fresh http.Client.
func NewClient(baseURL, userID string, httpClient *http.Client) Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		userID:  userID,
		client:  httpClient,
	}
}

// UserID returns the user the client acts as.
func (c Client) UserID() string {
	return c.userID
}

// Conversation fetches the stored conversation, or the default one.
func (c Client) Conversation(ctx context.Context) (models.ConversationState, error) {
	var state models.ConversationState
	if err := c.do(ctx, http.MethodGet, "/api/state", "", nil, &state); err != nil {
		return models.ConversationState{}, err
	}
	return state.Sanitized(), nil
}

// ReplaceConversation overwrites the stored conversation.
func (c Client) ReplaceConversation(ctx context.Context, state models.ConversationState, origin string) error {
	return c.do(ctx, http.MethodPut, "/api/state", origin, state, nil)
}

// AppendMessage appends msg to the stored conversation. Appending an ID twice is a no-op.
func (c Client) AppendMessage(ctx context.Context, msg models.Message, origin string) error {
	return c.do(ctx, http.MethodPost, "/api/state/messages", origin, msg, nil)
}

// ClearConversation deletes the stored conversation.
func (c Client) ClearConversation(ctx context.Context, origin string) error {
	return c.do(ctx, http.MethodDelete, "/api/state", origin, nil, nil)
}

// Buttons fetches the stored button state, or the default one.
func (c Client) Buttons(ctx context.Context) (models.ButtonState, error) {
	var state models.ButtonState
	if err := c.do(ctx, http.MethodGet, "/api/buttons", "", nil, &state); err != nil {
		return models.ButtonState{}, err
	}
	return state, nil
}

// UpdateButtons merges patch over the stored button state.
func (c Client) UpdateButtons(ctx context.Context, patch models.ButtonPatch, origin string) error {
	return c.do(ctx, http.MethodPatch, "/api/buttons", origin, patch, nil)
}

// ClearButtons deletes the stored button state.
func (c Client) ClearButtons(ctx context.Context, origin string) error {
	return c.do(ctx, http.MethodDelete, "/api/buttons", origin, nil, nil)
}

// Stream opens the push stream of scope and yields its events until the server closes it, a close
// event arrives or ctx is done. The first event is always the initial snapshot.
func (c Client) Stream(ctx context.Context, scope models.Scope) iter.Seq2[models.Event, error] {
	return func(yield func(models.Event, error) bool) {
		path := "/sse/state"
		if scope == models.ScopeButtons {
			path = "/sse/buttons"
		}

		req, err := c.newRequest(ctx, http.MethodGet, path, "", nil)
		if err != nil {
			yield(models.Event{}, err)
			return
		}
		req.Header.Set("Accept", "text/event-stream")

		resp, err := c.client.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(models.Event{}, fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			yield(models.Event{}, statusError(resp))
			return
		}

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				yield(models.Event{}, fmt.Errorf("error reading stream: %w", err))
				return
			}

			var e models.Event
			if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
				yield(models.Event{}, fmt.Errorf("error unmarshaling %s event: %w", ev.Type, err))
				return
			}
			if !yield(e, nil) {
				return
			}
			if e.Type == models.EventTypeClose || e.Type == models.EventTypeError {
				return
			}
		}
	}
}

func (c Client) do(ctx context.Context, method, path, origin string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, origin, body)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return statusError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("error decoding response: %w", err)
	}
	return nil
}

func (c Client) newRequest(ctx context.Context, method, path, origin string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("error marshaling request: %w", err)
		}
		r = bytes.NewReader(jsonBody)
	}

	u := c.baseURL + path + "?" + url.Values{"userId": {c.userID}}.Encode()
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(UserIDHeader, c.userID)
	if origin != "" {
		req.Header.Set(OriginHeader, origin)
	}
	return req, nil
}

// StatusError is returned for responses with an error status.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

func statusError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	return &StatusError{Code: resp.StatusCode, Message: msg}
}
