// Package bus fans a run's live event feed out to any number of
// subscribers. Every subscriber sees the feed from its first event;
// subscribers that stop draining are dropped rather than allowed to stall
// the publisher.
package bus

import (
	"errors"
	"sync"

	"github.com/agentwire/agentwire/events"
)

// ErrSlowSubscriber is reported by a subscription that was dropped because
// its buffer filled while the run kept producing.
var ErrSlowSubscriber = errors.New("subscriber fell behind and was dropped")

// subscriberBuffer is the per-subscriber headroom beyond the replayed
// backlog. A subscriber lagging more than this behind the live feed is
// kicked.
const subscriberBuffer = 256

// Feed is the ordered live event feed of a single run.
type Feed struct {
	mu     sync.Mutex
	events []events.Event
	subs   map[*Subscription]struct{}
	closed bool
}

// Subscription is one subscriber's view of a feed. Events() yields the
// full feed from the start; after the channel closes, Err() reports
// whether the feed completed or the subscriber was dropped.
type Subscription struct {
	feed *Feed
	ch   chan events.Event
	mu   sync.Mutex
	err  error
}

// Events returns the subscription's event channel. It is closed when the
// feed completes or the subscriber is dropped.
func (s *Subscription) Events() <-chan events.Event {
	return s.ch
}

// Err returns the terminal state of the subscription. Valid once Events()
// has closed; nil means the feed completed normally.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Cancel detaches the subscription from its feed and closes the event
// channel. The feed and its other subscribers are unaffected. Safe to
// call after the feed has closed or the subscriber was dropped.
func (s *Subscription) Cancel() {
	if s.feed != nil {
		s.feed.Unsubscribe(s)
	}
}

// NewFeed returns an empty open feed.
func NewFeed() *Feed {
	return &Feed{subs: make(map[*Subscription]struct{})}
}

// Publish appends an event to the feed and delivers it to every
// subscriber. A subscriber whose buffer is full is dropped with
// ErrSlowSubscriber. Publishing to a closed feed is a no-op.
func (f *Feed) Publish(ev events.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.events = append(f.events, ev)

	for sub := range f.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.fail(ErrSlowSubscriber)
			delete(f.subs, sub)
			close(sub.ch)
		}
	}
}

// Subscribe returns a subscription that replays the feed from its first
// event and then follows it live. Subscribing to a closed feed yields the
// complete feed followed immediately by channel close.
func (f *Feed) Subscribe() *Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()

	// The backlog is preloaded in full; the extra headroom only has to
	// absorb live lag.
	sub := &Subscription{feed: f, ch: make(chan events.Event, len(f.events)+subscriberBuffer)}
	for _, ev := range f.events {
		sub.ch <- ev
	}
	if f.closed {
		close(sub.ch)
		return sub
	}
	f.subs[sub] = struct{}{}
	return sub
}

// Snapshot returns a copy of every event published so far.
func (f *Feed) Snapshot() []events.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]events.Event, len(f.events))
	copy(out, f.events)
	return out
}

// Close completes the feed. Every live subscriber's channel is closed
// after its buffered events; further publishes are dropped.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.closed = true
	for sub := range f.subs {
		delete(f.subs, sub)
		close(sub.ch)
	}
}

// Unsubscribe detaches a subscription without closing the feed. Safe to
// call for already-dropped subscriptions.
func (f *Feed) Unsubscribe(sub *Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.subs[sub]; !ok {
		return
	}
	delete(f.subs, sub)
	close(sub.ch)
}
