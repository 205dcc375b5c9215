// Package hub fans score updates out to connected scoreboard clients.
package hub

import (
	"strconv"
	"sync"
	"time"

	"github.com/scorelinehq/scoreline/internal/platform/timeouts"
)

const subscriberBufferSize = 16

// Entry is one leaderboard position as broadcast on the wire.
type Entry struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Score    int64  `json:"score"`
}

// UpdatedIdentity names the identity whose score changed in an event.
type UpdatedIdentity struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Score    int64  `json:"score"`
}

// Event is one broadcast frame. TopK is the leaderboard after the change
// and Updated is the identity that moved.
type Event struct {
	Type    string          `json:"type"`
	TopK    []Entry         `json:"top_k"`
	Updated UpdatedIdentity `json:"updated_identity"`
}

// EventTypeScoreUpdate labels leaderboard change frames.
const EventTypeScoreUpdate = "score_update"

// Subscription is one client's event feed. Events arrives in publish order;
// Done closes when the hub drops the subscription.
type Subscription struct {
	id     string
	events chan Event
	done   chan struct{}
	once   sync.Once
}

// Events returns the subscription's ordered event feed.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Done closes when the subscription has been removed from the hub.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) close() {
	s.once.Do(func() {
		close(s.done)
	})
}

// Hub tracks subscribers and delivers events to each of them. A subscriber
// that cannot drain its buffer within the send timeout is dropped so one
// slow connection cannot stall the rest.
type Hub struct {
	sendTimeout time.Duration

	mu          sync.Mutex
	subscribers map[string]*Subscription
	nextID      uint64
	closed      bool
}

// New returns an empty hub. A non-positive sendTimeout falls back to the
// platform subscriber send timeout.
func New(sendTimeout time.Duration) *Hub {
	if sendTimeout <= 0 {
		sendTimeout = timeouts.SubscriberSend
	}
	return &Hub{
		sendTimeout: sendTimeout,
		subscribers: make(map[string]*Subscription),
	}
}

// Subscribe registers a new subscriber and returns its feed. The caller
// must call Unsubscribe when the connection ends.
func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscription{
		id:     strconv.FormatUint(h.nextID, 10),
		events: make(chan Event, subscriberBufferSize),
		done:   make(chan struct{}),
	}
	if h.closed {
		sub.close()
		return sub
	}
	h.subscribers[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription. Safe to call more than once.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	delete(h.subscribers, sub.id)
	h.mu.Unlock()
	sub.close()
}

// Publish delivers the event to every subscriber. Each subscriber receives
// through its own buffered channel, so one subscriber observes events in
// publish order. Timed sends to full subscribers run in their own
// goroutines, so a stalled subscriber never delays delivery to the rest;
// subscribers that stay full past the send timeout are dropped.
func (h *Hub) Publish(event Event) {
	h.mu.Lock()
	targets := make([]*Subscription, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, sub := range targets {
		select {
		case sub.events <- event:
			continue
		default:
		}

		wg.Add(1)
		go func(sub *Subscription) {
			defer wg.Done()
			timer := time.NewTimer(h.sendTimeout)
			defer timer.Stop()
			select {
			case sub.events <- event:
			case <-timer.C:
				h.Unsubscribe(sub)
			}
		}(sub)
	}
	wg.Wait()
}

// Len reports the current subscriber count.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Close drops every subscriber and rejects future subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.subscribers = make(map[string]*Subscription)
	h.closed = true
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}
