package bus

import (
	"sync"

	"github.com/agentwire/agentwire/events"
)

// Mirror receives a copy of every published event, keyed by thread. Used
// to fan the live feed out to an external broker; delivery is best
// effort and must not block the run.
type Mirror interface {
	MirrorEvent(threadID string, ev events.Event)
}

// Bus tracks the live feed of each actively running thread and forwards
// published events to an optional mirror.
type Bus struct {
	mu     sync.Mutex
	feeds  map[string]*Feed
	mirror Mirror
}

// Option configures a Bus.
type Option func(*Bus)

// WithMirror attaches a mirror that receives a copy of every event.
func WithMirror(m Mirror) Option {
	return func(b *Bus) { b.mirror = m }
}

// New returns an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{feeds: make(map[string]*Feed)}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Open creates and registers a fresh feed for the thread, replacing and
// closing any feed left over from a previous run.
func (b *Bus) Open(threadID string) *Feed {
	b.mu.Lock()
	prev := b.feeds[threadID]
	feed := NewFeed()
	b.feeds[threadID] = feed
	b.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
	return feed
}

// Lookup returns the thread's live feed, if one is open.
func (b *Bus) Lookup(threadID string) (*Feed, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.feeds[threadID]
	return f, ok
}

// Publish appends the event to the thread's feed and mirrors it. A
// publish on a thread with no open feed only mirrors.
func (b *Bus) Publish(threadID string, ev events.Event) {
	b.mu.Lock()
	feed := b.feeds[threadID]
	mirror := b.mirror
	b.mu.Unlock()

	if feed != nil {
		feed.Publish(ev)
	}
	if mirror != nil {
		mirror.MirrorEvent(threadID, ev)
	}
}

// Close completes and unregisters the thread's feed. The feed stays
// usable for late Subscribe calls through any reference already held.
func (b *Bus) Close(threadID string) {
	b.mu.Lock()
	feed := b.feeds[threadID]
	delete(b.feeds, threadID)
	b.mu.Unlock()

	if feed != nil {
		feed.Close()
	}
}
