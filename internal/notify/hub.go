// Package notify fans job events out to any number of observers.
//
// Publishing never blocks: every subscription owns a bounded buffer and when
// an observer does not keep up, its oldest undelivered event is dropped.
package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CZERTAINLY/renderq/internal/model"
)

type EventType string

const (
	EventJobCreated    EventType = "job.created"
	EventJobUpdated    EventType = "job.updated"
	EventJobsRemoved   EventType = "jobs.removed"
	EventJobsReordered EventType = "jobs.reordered"
)

const DefaultBuffer = 64

// Event is a change of the job queue. Job is a full snapshot for created
// and updated events, IDs are set for removed (removed ids) and reordered
// (the new queue order) events.
type Event struct {
	Type EventType  `json:"type"`
	Time time.Time  `json:"time"`
	Job  *model.Job `json:"job,omitempty"`
	IDs  []string   `json:"ids,omitempty"`
}

func JobCreated(job model.Job) Event {
	job = job.Clone()
	return Event{Type: EventJobCreated, Time: time.Now().UTC(), Job: &job}
}

func JobUpdated(job model.Job) Event {
	job = job.Clone()
	return Event{Type: EventJobUpdated, Time: time.Now().UTC(), Job: &job}
}

func JobsRemoved(ids ...string) Event {
	return Event{Type: EventJobsRemoved, Time: time.Now().UTC(), IDs: ids}
}

func JobsReordered(ids ...string) Event {
	return Event{Type: EventJobsReordered, Time: time.Now().UTC(), IDs: ids}
}

type Hub struct {
	mx     sync.RWMutex
	subs   map[*Subscription]struct{}
	buffer int
	closed bool
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		subs:   make(map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers a new observer. Call Close once done with it.
func (h *Hub) Subscribe() *Subscription {
	s := &Subscription{
		hub: h,
		ch:  make(chan Event, h.buffer),
	}
	h.mx.Lock()
	defer h.mx.Unlock()
	if h.closed {
		close(s.ch)
		s.closed = true
		return s
	}
	h.subs[s] = struct{}{}
	return s
}

// Publish delivers e to every subscriber without waiting for any of them.
func (h *Hub) Publish(e Event) {
	h.mx.RLock()
	defer h.mx.RUnlock()
	for s := range h.subs {
		s.deliver(e)
	}
}

// Len returns the number of active subscriptions.
func (h *Hub) Len() int {
	h.mx.RLock()
	defer h.mx.RUnlock()
	return len(h.subs)
}

// Close ends all subscriptions, their channels get closed.
func (h *Hub) Close() {
	h.mx.Lock()
	defer h.mx.Unlock()
	h.closed = true
	for s := range h.subs {
		s.closeLocked()
		delete(h.subs, s)
	}
}

// Observe calls fn for every event until ctx is done or the hub is closed.
func (h *Hub) Observe(ctx context.Context, fn func(context.Context, Event)) {
	h.Subscribe().Observe(ctx, fn)
}

// Observe calls fn for every event of s until ctx is done or the hub is
// closed, then closes s.
func (s *Subscription) Observe(ctx context.Context, fn func(context.Context, Event)) {
	defer s.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-s.Events():
			if !ok {
				return
			}
			fn(ctx, e)
		}
	}
}

type Subscription struct {
	hub     *Hub
	mx      sync.Mutex // serializes the drop-oldest dance
	ch      chan Event
	dropped atomic.Uint64
	closed  bool // guarded by hub.mx
}

func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped returns number of events lost because the buffer was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscription) Close() {
	s.hub.mx.Lock()
	defer s.hub.mx.Unlock()
	if _, ok := s.hub.subs[s]; !ok {
		return
	}
	delete(s.hub.subs, s)
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

func (s *Subscription) deliver(e Event) {
	s.mx.Lock()
	defer s.mx.Unlock()
	select {
	case s.ch <- e:
		return
	default:
	}
	select {
	case <-s.ch:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.ch <- e:
	default:
		s.dropped.Add(1)
	}
}
