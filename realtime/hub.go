package realtime

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"scenesync/core"
	"scenesync/metrics"
)

const subscriberBuffer = 32

type (
	// Hub fans row changes out to the subscribers of one session.
	Hub interface {
		Publish(ctx context.Context, change core.RowChange) error
		Subscribe(ctx context.Context, sessionID string) (*Subscription, error)
		Subscribers(sessionID string) int
		Sessions() map[string]int
	}

	Subscription struct {
		SessionID string
		changes   chan core.RowChange
		errs      chan error
		once      sync.Once
		closeFn   func()
	}
)

func newSubscription(sessionID string, closeFn func()) *Subscription {
	return &Subscription{
		SessionID: sessionID,
		changes:   make(chan core.RowChange, subscriberBuffer),
		errs:      make(chan error, 1),
		closeFn:   closeFn,
	}
}

// Changes delivers row images in publish order. It is closed by Close.
func (s *Subscription) Changes() <-chan core.RowChange {
	return s.changes
}

// Errors reports a failure of the underlying transport. At most one error is
// delivered; the change channel is closed afterwards.
func (s *Subscription) Errors() <-chan error {
	return s.errs
}

func (s *Subscription) Close() error {
	s.once.Do(func() {
		if s.closeFn != nil {
			s.closeFn()
		}
		close(s.changes)
	})
	return nil
}

// offer delivers change without blocking. A lagging subscriber loses the
// change; the next one carries the full row anyway.
func (s *Subscription) offer(change core.RowChange) bool {
	select {
	case s.changes <- change:
		return true
	default:
		return false
	}
}

func (s *Subscription) fail(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

// MemoryHub is an in-process Hub.
type MemoryHub struct {
	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[string]map[*Subscription]struct{})}
}

func (h *MemoryHub) Subscribe(_ context.Context, sessionID string) (*Subscription, error) {
	var sub *Subscription
	sub = newSubscription(sessionID, func() { h.remove(sub) })

	h.mu.Lock()
	set, ok := h.subs[sessionID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[sessionID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	metrics.Subscribers.Inc()
	logrus.WithField("session_id", sessionID).Debug("Subscriber added")
	return sub, nil
}

func (h *MemoryHub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[sub.SessionID]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.SessionID)
	}
	metrics.Subscribers.Dec()
}

func (h *MemoryHub) Publish(_ context.Context, change core.RowChange) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[change.New.ID] {
		deliver(sub, change)
	}
	return nil
}

func (h *MemoryHub) Subscribers(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[sessionID])
}

// Sessions returns subscriber counts keyed by session.
func (h *MemoryHub) Sessions() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]int, len(h.subs))
	for id, set := range h.subs {
		out[id] = len(set)
	}
	return out
}

func deliver(sub *Subscription, change core.RowChange) {
	if sub.offer(change.Clone()) {
		metrics.Notifications.WithLabelValues("delivered").Inc()
		return
	}
	metrics.Notifications.WithLabelValues("dropped").Inc()
	logrus.WithField("session_id", sub.SessionID).Warn("Dropped notification for lagging subscriber")
}
