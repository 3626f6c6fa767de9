package engine

import (
	"sync"
	"time"

	"github.com/privstack/core/internal/ids"
)

// ChangeType names the kind of local change a Notification reports.
type ChangeType string

const (
	ChangeCreated ChangeType = "created"
	ChangeUpdated ChangeType = "updated"
	ChangeDeleted ChangeType = "deleted"
	ChangeSynced  ChangeType = "synced"
)

// Notification is a change pushed to local subscribers (a CLI or UI
// layer built on this engine) whenever the applicator projects an event,
// whether produced
// locally or received from a peer. Adapted from the teacher's
// engine.Event/EventBus (internal/engine/events.go), retargeted from a
// bare uuid.UUID entry id to ids.EntityId; EntityType is a plain string.
type Notification struct {
	Type      ChangeType
	EntityID  ids.EntityId
	EntityType string
	Timestamp time.Time
}

// NotificationFilter configures a subscription.
type NotificationFilter struct {
	Types      []ChangeType
	EntityType string
}

// Subscription is an active local subscription to Notifications.
type Subscription interface {
	Notifications() <-chan Notification
	Close()
}

type subscription struct {
	ch     chan Notification
	mu     sync.Mutex
	closed bool
	filter NotificationFilter
}

func newSubscription(bufferSize int, filter NotificationFilter) *subscription {
	return &subscription{ch: make(chan Notification, bufferSize), filter: filter}
}

func (s *subscription) Notifications() <-chan Notification { return s.ch }

func (s *subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (s *subscription) matches(n Notification) bool {
	if len(s.filter.Types) > 0 {
		found := false
		for _, t := range s.filter.Types {
			if t == n.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if s.filter.EntityType != "" && n.EntityType != s.filter.EntityType {
		return false
	}
	return true
}

func (s *subscription) send(n Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.matches(n) {
		return
	}
	select {
	case s.ch <- n:
	default:
		// Subscriber too slow to keep up; drop rather than block the
		// applicator, matching the teacher's non-blocking send.
	}
}

// NotificationBus fans local Notifications out to subscribers (e.g. a UI
// layer watching for "something changed"), independent of the
// peer-to-peer EventNotify push internal/engine's Engine sends across the
// wire — the two share a name in spirit but one is in-process, the other
// is a protocol.Message.
type NotificationBus struct {
	mu   sync.RWMutex
	subs []*subscription
}

func NewNotificationBus() *NotificationBus { return &NotificationBus{} }

func (b *NotificationBus) Subscribe() Subscription {
	return b.SubscribeWithFilter(NotificationFilter{})
}

func (b *NotificationBus) SubscribeWithFilter(filter NotificationFilter) Subscription {
	sub := newSubscription(100, filter)
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub
}

func (b *NotificationBus) Publish(n Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		sub.send(n)
	}
}

func (b *NotificationBus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == sub {
			s.Close()
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

func (b *NotificationBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		s.Close()
	}
	b.subs = nil
}
