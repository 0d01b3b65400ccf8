package stream

import (
	"context"
	"sync"
	"time"
)

// EventKind classifies unit ledger events published to subscribers.
type EventKind string

const (
	KindReserved  EventKind = "reserved"
	KindReleased  EventKind = "released"
	KindConsumed  EventKind = "consumed"
	KindExhausted EventKind = "exhausted"
	KindRevoked   EventKind = "revoked"
)

// UnitEvent describes one committed unit movement on an authorization.
// Dashboards and dependent schedulers subscribe to react to pool changes
// without polling.
type UnitEvent struct {
	Kind            EventKind `json:"kind"`
	AuthorizationID string    `json:"authorization_id"`
	OrganizationID  string    `json:"organization_id"`
	PatientID       string    `json:"patient_id"`
	Units           int       `json:"units"`
	AvailableUnits  int       `json:"available_units"`
	ScheduledUnits  int       `json:"scheduled_units"`
	UsedUnits       int       `json:"used_units"`
	Timestamp       time.Time `json:"timestamp"`
}

// Stream fan-outs unit events to all active subscribers (SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan UnitEvent
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan UnitEvent)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan UnitEvent {
	ch := make(chan UnitEvent, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt UnitEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
