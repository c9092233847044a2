package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSHub relays bus frames between the websocket connections of the same user. It extends the bus
// to surfaces that share no process with each other, such as the headless driver or a second
// device.
type WSHub struct {
	upgrader websocket.Upgrader

	mu     sync.Mutex
	rooms  map[string]map[*wsPeer]struct{}
	closed bool

	logger *slog.Logger
}

type wsPeer struct {
	conn *websocket.Conn
	out  chan []byte
	done chan struct{}
	once sync.Once
}

const (
	wsPeerBuffer  = 64
	wsWriteWait   = 5 * time.Second
	wsMaxFrameLen = 1 << 20
)

// NewWSHub creates an empty hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		rooms:  make(map[string]map[*wsPeer]struct{}),
		logger: logger.With(slog.String("module", "wshub")),
	}
}

// ServeUser upgrades the request and relays the connection's frames to the other connections of
// userID until either side closes.
func (h *WSHub) ServeUser(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket", slog.String(errLoggerKey, err.Error()))
		return
	}
	conn.SetReadLimit(wsMaxFrameLen)

	peer := &wsPeer{
		conn: conn,
		out:  make(chan []byte, wsPeerBuffer),
		done: make(chan struct{}),
	}
	if !h.join(userID, peer) {
		_ = conn.Close()
		return
	}
	defer h.leave(userID, peer)

	go peer.writeLoop(h.logger)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("Websocket closed unexpectedly",
					slog.String("userID", userID),
					slog.String(errLoggerKey, err.Error()))
			}
			return
		}
		h.forward(userID, peer, data)
	}
}

// Peers returns the number of connections of userID.
func (h *WSHub) Peers(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[userID])
}

// Close disconnects every peer.
func (h *WSHub) Close() {
	h.mu.Lock()
	h.closed = true
	rooms := h.rooms
	h.rooms = make(map[string]map[*wsPeer]struct{})
	h.mu.Unlock()

	for _, peers := range rooms {
		for p := range peers {
			p.close()
		}
	}
}

func (h *WSHub) join(userID string, p *wsPeer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	if h.rooms[userID] == nil {
		h.rooms[userID] = make(map[*wsPeer]struct{})
	}
	h.rooms[userID][p] = struct{}{}
	return true
}

func (h *WSHub) leave(userID string, p *wsPeer) {
	h.mu.Lock()
	if peers, ok := h.rooms[userID]; ok {
		delete(peers, p)
		if len(peers) == 0 {
			delete(h.rooms, userID)
		}
	}
	h.mu.Unlock()
	p.close()
}

func (h *WSHub) forward(userID string, from *wsPeer, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for p := range h.rooms[userID] {
		if p == from {
			continue
		}
		select {
		case p.out <- data:
		default:
			h.logger.Warn("Websocket peer too slow, dropping frame", slog.String("userID", userID))
		}
	}
}

func (p *wsPeer) writeLoop(logger *slog.Logger) {
	defer p.close()
	for {
		select {
		case <-p.done:
			return
		case data := <-p.out:
			_ = p.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Debug("Failed to write websocket frame", slog.String(errLoggerKey, err.Error()))
				return
			}
		}
	}
}

func (p *wsPeer) close() {
	p.once.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

// WSTransport is the client side of a WSHub connection.
type WSTransport struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu     sync.Mutex
	subs   map[uint64]func([]byte)
	nextID uint64

	done chan struct{}
	once sync.Once
}

// ErrTransportClosed is returned when posting on a closed transport.
var ErrTransportClosed = errors.New("transport closed")

// DialWebSocket connects to a WSHub endpoint.
func DialWebSocket(ctx context.Context, url string, header http.Header) (*WSTransport, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial websocket: %w", err)
	}
	conn.SetReadLimit(wsMaxFrameLen)

	t := &WSTransport{
		conn: conn,
		subs: make(map[uint64]func([]byte)),
		done: make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

func (t *WSTransport) Post(data []byte) error {
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write websocket frame: %w", err)
	}
	return nil
}

func (t *WSTransport) Subscribe(fn func([]byte)) func() {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.subs[id] = fn
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}

// Done is closed once the connection is gone.
func (t *WSTransport) Done() <-chan struct{} {
	return t.done
}

func (t *WSTransport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.done)
		t.writeMu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(wsWriteWait))
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}

func (t *WSTransport) readLoop() {
	defer func() {
		t.once.Do(func() {
			close(t.done)
			_ = t.conn.Close()
		})
	}()

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			return
		}

		t.mu.Lock()
		subs := make([]func([]byte), 0, len(t.subs))
		for _, fn := range t.subs {
			subs = append(subs, fn)
		}
		t.mu.Unlock()

		for _, fn := range subs {
			fn(data)
		}
	}
}
