package bus

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ErrorEvent is the name published when a subscriber panics.
const ErrorEvent = "bus:error"

// DefaultHistoryCap bounds the diagnostic history of published events.
const DefaultHistoryCap = 100

// Event is what subscribers receive.
type Event struct {
	Name   string
	Data   any
	Source string
	At     time.Time
}

// ErrorInfo is the data attached to a bus:error publish.
type ErrorInfo struct {
	Event  string
	Source string
	Panic  any
}

// Handler receives published events synchronously, in priority order.
type Handler func(Event)

// SubscribeOptions tune a single subscription. The zero value is a durable
// priority-0 subscription.
type SubscribeOptions struct {
	Priority int
	Once     bool
	Context  any // opaque tag carried for the subscriber's own bookkeeping
}

type subscription struct {
	name     string
	handler  Handler
	priority int
	once     bool
	context  any
	seq      uint64
	active   atomic.Bool
}

// Bus is an in-process publish/subscribe router. Handlers for the same event
// fire synchronously within a single Publish call, descending priority,
// subscription order breaking ties. A panicking handler is recovered and
// reported via bus:error.
type Bus struct {
	log zerolog.Logger

	mu         sync.Mutex
	subs       map[string][]*subscription
	seq        uint64
	history    []Event
	historyCap int
}

func New(log zerolog.Logger) *Bus {
	return &Bus{
		log:        log,
		subs:       make(map[string][]*subscription),
		historyCap: DefaultHistoryCap,
	}
}

// Subscribe registers a handler and returns its removal func. Removal is
// idempotent.
func (b *Bus) Subscribe(name string, h Handler, opts ...SubscribeOptions) func() {
	var o SubscribeOptions
	if len(opts) > 0 {
		o = opts[0]
	}

	b.mu.Lock()
	b.seq++
	sub := &subscription{
		name:     name,
		handler:  h,
		priority: o.Priority,
		once:     o.Once,
		context:  o.Context,
		seq:      b.seq,
	}
	sub.active.Store(true)
	b.subs[name] = append(b.subs[name], sub)
	b.mu.Unlock()

	return func() { b.remove(sub) }
}

// Unsubscribe removes every handler registered for name.
func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	for _, sub := range b.subs[name] {
		sub.active.Store(false)
	}
	delete(b.subs, name)
	b.mu.Unlock()
}

func (b *Bus) remove(target *subscription) {
	if !target.active.CompareAndSwap(true, false) {
		return
	}
	b.mu.Lock()
	list := b.subs[target.name]
	for i, sub := range list {
		if sub == target {
			b.subs[target.name] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[target.name]) == 0 {
		delete(b.subs, target.name)
	}
	b.mu.Unlock()
}

// Publish delivers data to every subscriber of name.
func (b *Bus) Publish(name string, data any) {
	b.PublishFrom(name, data, "")
}

// PublishFrom delivers data to every subscriber of name, tagging the event
// with its source for diagnostics.
func (b *Bus) PublishFrom(name string, data any, source string) {
	ev := Event{Name: name, Data: data, Source: source, At: time.Now()}

	b.mu.Lock()
	b.history = append(b.history, ev)
	if len(b.history) > b.historyCap {
		b.history = b.history[len(b.history)-b.historyCap:]
	}
	snapshot := make([]*subscription, len(b.subs[name]))
	copy(snapshot, b.subs[name])
	b.mu.Unlock()

	sort.SliceStable(snapshot, func(i, j int) bool {
		if snapshot[i].priority != snapshot[j].priority {
			return snapshot[i].priority > snapshot[j].priority
		}
		return snapshot[i].seq < snapshot[j].seq
	})

	for _, sub := range snapshot {
		if !sub.active.Load() {
			continue
		}
		// Once-subscriptions are removed before invocation, so they are gone
		// even if the handler panics.
		if sub.once {
			b.remove(sub)
		}
		b.invoke(sub, ev)
	}
}

func (b *Bus) invoke(sub *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Str("event", ev.Name).
				Interface("panic", r).
				Msg("bus handler panicked")
			// A bus:error handler that panics must not re-trigger bus:error.
			if ev.Name != ErrorEvent {
				b.Publish(ErrorEvent, ErrorInfo{Event: ev.Name, Source: ev.Source, Panic: r})
			}
		}
	}()
	sub.handler(ev)
}

// History returns a copy of the retained event history, oldest first. The
// history is diagnostic only and may be cleared at any time.
func (b *Bus) History() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.history))
	copy(out, b.history)
	return out
}

// ClearHistory drops the retained history.
func (b *Bus) ClearHistory() {
	b.mu.Lock()
	b.history = nil
	b.mu.Unlock()
}
