package bus

import (
	"encoding/json"
	"fmt"
)

// DefaultFrameSource tags the envelopes exchanged between an embedded frame and its parent.
const DefaultFrameSource = "convsync-frame"

// Envelope wraps a bus frame crossing a window/frame boundary. The port between the two windows
// is shared with unrelated traffic, so only envelopes carrying the expected Source are accepted.
type Envelope struct {
	Source  string          `json:"source"`
	Payload json.RawMessage `json:"payload"`
}

// FrameTransport is the transport of a surface embedded in a frame: it has no channel of its own
// and talks to its parent window through port, relying on the parent to Relay.
type FrameTransport struct {
	port   Transport
	source string
}

// NewFrameTransport creates the frame side of the bridge. An empty source uses
// DefaultFrameSource.
func NewFrameTransport(port Transport, source string) FrameTransport {
	if source == "" {
		source = DefaultFrameSource
	}
	return FrameTransport{port: port, source: source}
}

func (f FrameTransport) Post(data []byte) error {
	env, err := wrap(f.source, data)
	if err != nil {
		return err
	}
	return f.port.Post(env)
}

func (f FrameTransport) Subscribe(fn func([]byte)) func() {
	return f.port.Subscribe(func(data []byte) {
		if payload, ok := unwrap(f.source, data); ok {
			fn(payload)
		}
	})
}

func (f FrameTransport) Close() error {
	return f.port.Close()
}

// Relay bridges a frame port into a channel on the parent side: tagged envelopes coming from the
// frame are unwrapped and posted on channel, and frames seen on channel are wrapped and posted to
// the frame. It returns the function that stops relaying in both directions.
func Relay(frame, channel Transport, source string) func() {
	if source == "" {
		source = DefaultFrameSource
	}

	stopUp := frame.Subscribe(func(data []byte) {
		if payload, ok := unwrap(source, data); ok {
			_ = channel.Post(payload)
		}
	})
	stopDown := channel.Subscribe(func(data []byte) {
		if env, err := wrap(source, data); err == nil {
			_ = frame.Post(env)
		}
	})

	return func() {
		stopUp()
		stopDown()
	}
}

func wrap(source string, data []byte) ([]byte, error) {
	env, err := json.Marshal(Envelope{Source: source, Payload: data})
	if err != nil {
		return nil, fmt.Errorf("failed to wrap frame envelope: %w", err)
	}
	return env, nil
}

func unwrap(source string, data []byte) ([]byte, bool) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, false
	}
	if env.Source != source || len(env.Payload) == 0 {
		return nil, false
	}
	return env.Payload, true
}
