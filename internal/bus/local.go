package bus

import (
	"errors"
	"sync"
)

// LocalHub connects endpoints living in the same process, the way a BroadcastChannel connects
// the tabs of one origin. Each endpoint receives frames on its own goroutine in post order.
type LocalHub struct {
	mu       sync.Mutex
	channels map[string]map[*LocalEndpoint]struct{}
}

// LocalEndpoint is one participant of a LocalHub channel.
type LocalEndpoint struct {
	hub  *LocalHub
	name string

	mu     sync.Mutex
	subs   map[uint64]func([]byte)
	nextID uint64
	box    *mailbox
	once   sync.Once
}

// ErrEndpointClosed is returned when posting on a closed endpoint.
var ErrEndpointClosed = errors.New("endpoint closed")

// NewLocalHub creates a hub without channels.
func NewLocalHub() *LocalHub {
	return &LocalHub{channels: make(map[string]map[*LocalEndpoint]struct{})}
}

// Channel opens a new endpoint on the named channel.
func (h *LocalHub) Channel(name string) *LocalEndpoint {
	e := &LocalEndpoint{
		hub:  h,
		name: name,
		subs: make(map[uint64]func([]byte)),
		box:  newMailbox(),
	}
	go e.box.run(e.deliver)

	h.mu.Lock()
	if h.channels[name] == nil {
		h.channels[name] = make(map[*LocalEndpoint]struct{})
	}
	h.channels[name][e] = struct{}{}
	h.mu.Unlock()
	return e
}

// Pipe returns two endpoints connected only to each other, like a window and the frame it embeds.
func Pipe() (*LocalEndpoint, *LocalEndpoint) {
	h := NewLocalHub()
	return h.Channel("pipe"), h.Channel("pipe")
}

// Post enqueues data on every other endpoint of the channel.
func (e *LocalEndpoint) Post(data []byte) error {
	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()

	peers, ok := e.hub.channels[e.name]
	if !ok {
		return ErrEndpointClosed
	}
	if _, ok := peers[e]; !ok {
		return ErrEndpointClosed
	}
	for peer := range peers {
		if peer == e {
			continue
		}
		peer.box.put(append([]byte(nil), data...))
	}
	return nil
}

// Subscribe registers fn for frames posted by the other endpoints.
func (e *LocalEndpoint) Subscribe(fn func([]byte)) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.subs[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}
}

// Close leaves the channel. Frames already queued are discarded.
func (e *LocalEndpoint) Close() error {
	e.once.Do(func() {
		e.hub.mu.Lock()
		if peers, ok := e.hub.channels[e.name]; ok {
			delete(peers, e)
			if len(peers) == 0 {
				delete(e.hub.channels, e.name)
			}
		}
		e.hub.mu.Unlock()
		e.box.close()
	})
	return nil
}

func (e *LocalEndpoint) deliver(data []byte) {
	e.mu.Lock()
	subs := make([]func([]byte), 0, len(e.subs))
	for _, fn := range e.subs {
		subs = append(subs, fn)
	}
	e.mu.Unlock()

	for _, fn := range subs {
		fn(data)
	}
}

// mailbox is an unbounded FIFO drained by a single goroutine.
type mailbox struct {
	mu     sync.Mutex
	items  [][]byte
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newMailbox() *mailbox {
	return &mailbox{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (m *mailbox) put(item []byte) {
	m.mu.Lock()
	m.items = append(m.items, item)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) run(deliver func([]byte)) {
	for {
		select {
		case <-m.done:
			return
		case <-m.signal:
		}

		for {
			m.mu.Lock()
			items := m.items
			m.items = nil
			m.mu.Unlock()

			if len(items) == 0 {
				break
			}
			for _, item := range items {
				select {
				case <-m.done:
					return
				default:
				}
				deliver(item)
			}
		}
	}
}

func (m *mailbox) close() {
	m.once.Do(func() {
		close(m.done)
	})
}
