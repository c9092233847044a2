// Package origin classifies state changes of a surface as self-originated or remote-originated.
//
// A surface flips its Tracker to Remote right before applying a change that arrived from the push
// stream or the broadcast bus, and only republishes changes observed while the tracker reads
// Self. The flag falls back to Self after a fixed window. Every surface also owns a random token
// that it stamps on what it publishes, so an echo of its own change can be dropped by exact match
// whatever the timing.
package origin

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// Source is the origin of the change currently being applied.
type Source int

const (
	// Self marks changes made by the local surface.
	Self Source = iota
	// Remote marks changes mirrored from another surface or from the server.
	Remote
)

// DefaultWindow is how long the tracker stays Remote after the last remote change.
const DefaultWindow = 100 * time.Millisecond

// Tracker holds the update source of one surface.
type Tracker struct {
	mu     sync.Mutex
	source Source
	reset  *clock.Timer

	clock  clock.Clock
	window time.Duration
	token  string
}

func (s Source) String() string {
	if s == Remote {
		return "remote"
	}
	return "self"
}

// NewTracker creates a tracker reading Self. A zero window falls back to DefaultWindow.
func NewTracker(clk clock.Clock, window time.Duration) *Tracker {
	if clk == nil {
		clk = clock.New()
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{
		clock:  clk,
		window: window,
		token:  uuid.NewString(),
	}
}

// Token returns the origin token of the surface.
func (t *Tracker) Token() string {
	return t.token
}

// IsOwn reports whether origin is the token of this surface.
func (t *Tracker) IsOwn(origin string) bool {
	return origin != "" && origin == t.token
}

// Source returns the current update source.
func (t *Tracker) Source() Source {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.source
}

// IsSelf reports whether changes observed now may be published outward.
func (t *Tracker) IsSelf() bool {
	return t.Source() == Self
}

// MarkRemote switches the tracker to Remote and restarts the window after which it reads Self
// again. Remote changes arriving inside the window extend it.
func (t *Tracker) MarkRemote() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.source = Remote
	if t.reset != nil {
		t.reset.Stop()
	}

	var timer *clock.Timer
	timer = t.clock.AfterFunc(t.window, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.reset != timer {
			return
		}
		t.source = Self
		t.reset = nil
	})
	t.reset = timer
}

// Stop cancels a pending reset and leaves the tracker reading Self.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.reset != nil {
		t.reset.Stop()
		t.reset = nil
	}
	t.source = Self
}
