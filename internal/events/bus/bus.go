// Package bus provides the project-scoped publish/subscribe fan-out that
// streams orchestration progress to transport adapters.
package bus

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/haivemind/haivemind/internal/common/logger"
	"github.com/haivemind/haivemind/internal/protocol"
	v1 "github.com/haivemind/haivemind/pkg/api/v1"
)

// Subscriber receives events for the projects it is subscribed to.
// Send must never block; implementations return false when the event
// was dropped due to backpressure.
type Subscriber interface {
	Send(ev *v1.Event) bool
}

// Resolver maps an event that carries only a task or session reference
// to its owning project slug. Returns "" when no project is resolvable.
type Resolver interface {
	ResolveProject(ev *v1.Event) string
}

// Recorder appends events to the owning session's timeline ring buffer.
type Recorder interface {
	Record(ev *v1.Event)
}

// Broadcaster delivers events to every subscriber whose subscription set
// contains the event's project slug. Delivery is best-effort and
// non-blocking; drops are counted and observable via Dropped.
type Broadcaster struct {
	mu       sync.RWMutex
	subs     map[Subscriber]map[string]struct{}
	taps     []Subscriber // receive every event regardless of scope
	resolver Resolver
	recorder Recorder
	dropped  atomic.Uint64
	logger   *logger.Logger
}

// New creates a broadcaster with no subscribers.
func New(log *logger.Logger) *Broadcaster {
	return &Broadcaster{
		subs:   make(map[Subscriber]map[string]struct{}),
		logger: log.WithFields(zap.String("component", "event-bus")),
	}
}

// SetResolver installs the task/session to project index.
func (b *Broadcaster) SetResolver(r Resolver) {
	b.mu.Lock()
	b.resolver = r
	b.mu.Unlock()
}

// SetRecorder installs the session timeline recorder.
func (b *Broadcaster) SetRecorder(r Recorder) {
	b.mu.Lock()
	b.recorder = r
	b.mu.Unlock()
}

// Subscribe adds slug to the subscriber's subscription set.
func (b *Broadcaster) Subscribe(sub Subscriber, slug string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.subs[sub]
	if !ok {
		set = make(map[string]struct{})
		b.subs[sub] = set
	}
	set[slug] = struct{}{}
	b.logger.Debug("subscriber added", zap.String("project", slug))
}

// Unsubscribe removes slug from the subscriber's subscription set.
// Unsubscribing an unknown slug is a silent no-op.
func (b *Broadcaster) Unsubscribe(sub Subscriber, slug string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if set, ok := b.subs[sub]; ok {
		delete(set, slug)
		if len(set) == 0 {
			delete(b.subs, sub)
		}
	}
}

// Drop removes the subscriber entirely, across all projects.
func (b *Broadcaster) Drop(sub Subscriber) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

// Tap registers a subscriber that receives every event, scoped or
// global. Used by the NATS bridge and TTY renderers.
func (b *Broadcaster) Tap(sub Subscriber) {
	b.mu.Lock()
	b.taps = append(b.taps, sub)
	b.mu.Unlock()
}

// Broadcast delivers the event to every subscriber whose set contains
// the event's project slug. Events without a resolvable project are
// delivered globally.
func (b *Broadcaster) Broadcast(ev *v1.Event) {
	b.record(ev)

	slug := ev.ProjectSlug
	if slug == "" {
		b.mu.RLock()
		resolver := b.resolver
		b.mu.RUnlock()
		if resolver != nil {
			slug = resolver.ResolveProject(ev)
			ev.ProjectSlug = slug
		}
	}
	if slug == "" {
		b.deliverAll(ev)
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub, set := range b.subs {
		if _, ok := set[slug]; ok {
			b.deliver(sub, ev)
		}
	}
	for _, tap := range b.taps {
		b.deliver(tap, ev)
	}
}

// BroadcastGlobal delivers the event to all subscribers regardless of
// their subscription sets. Used for process-wide events such as
// shutdown warnings.
func (b *Broadcaster) BroadcastGlobal(ev *v1.Event) {
	b.record(ev)
	b.deliverAll(ev)
}

// Dropped returns the number of events dropped due to backpressure.
func (b *Broadcaster) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscribers returns the number of registered subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Broadcaster) record(ev *v1.Event) {
	b.mu.RLock()
	recorder := b.recorder
	b.mu.RUnlock()

	if recorder != nil && protocol.Recorded(ev.Kind) {
		recorder.Record(ev)
	}
}

func (b *Broadcaster) deliverAll(ev *v1.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		b.deliver(sub, ev)
	}
	for _, tap := range b.taps {
		b.deliver(tap, ev)
	}
}

// deliver pushes the event to one subscriber. A full subscriber queue
// drops the event rather than blocking the producer.
func (b *Broadcaster) deliver(sub Subscriber, ev *v1.Event) {
	if !sub.Send(ev) {
		b.dropped.Add(1)
		b.logger.Warn("event dropped on backpressure",
			zap.String("kind", ev.Kind),
			zap.String("project", ev.ProjectSlug))
	}
}
