package stream

import (
	"context"
	"sync"
	"time"

	"clinicdash.org/internal/practice"
)

// GoalEvent describes a goal status transition.
type GoalEvent struct {
	GoalID       string              `json:"goal_id"`
	ClinicID     string              `json:"clinic_id"`
	From         practice.GoalStatus `json:"from"`
	To           practice.GoalStatus `json:"to"`
	CurrentValue float64             `json:"current_value"`
	TargetValue  float64             `json:"target_value"`
	Timestamp    time.Time           `json:"timestamp"`
}

type subscriber struct {
	ch    chan GoalEvent
	allow func(clinicID string) bool
}

// Stream fans goal events out to subscribers. Each subscriber only receives
// events for clinics its allow predicate accepts.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]subscriber
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]subscriber)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when ctx ends.
func (s *Stream) Subscribe(ctx context.Context, allow func(clinicID string) bool) <-chan GoalEvent {
	ch := make(chan GoalEvent, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = subscriber{ch: ch, allow: allow}
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

// Publish fans the event out to every subscriber allowed to see it.
func (s *Stream) Publish(evt GoalEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.allow == nil || !sub.allow(evt.ClinicID) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// Subscribers reports the number of active subscribers.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
