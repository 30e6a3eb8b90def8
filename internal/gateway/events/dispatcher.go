// Package events fans gateway events out to subscribers.
package events

import (
	"fmt"
	"log/slog"
	"sync"
)

// Event is one notification delivered to subscribers. ConnectionID is empty
// for events that are not tied to a connection.
type Event struct {
	Name         string
	ConnectionID string
	Payload      any
}

// Handler receives events.
type Handler func(Event)

// Subscription identifies one registration. Unsubscribing an unknown or
// already removed token is a no-op.
type Subscription uint64

// Wildcard subscribes to every event name.
const Wildcard = "*"

type entry struct {
	id      Subscription
	name    string
	handler Handler
}

// Dispatcher delivers events synchronously, in registration order, to the
// handlers subscribed to the event's name and to wildcard handlers. A
// panicking handler is logged and does not stop delivery to the rest.
type Dispatcher struct {
	mu      sync.RWMutex
	nextID  Subscription
	entries []entry
	logger  *slog.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{logger: logger}
}

// Subscribe registers h for events named name (or Wildcard).
func (d *Dispatcher) Subscribe(name string, h Handler) Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.entries = append(d.entries, entry{id: d.nextID, name: name, handler: h})
	return d.nextID
}

// Unsubscribe removes exactly the registration identified by sub.
func (d *Dispatcher) Unsubscribe(sub Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, e := range d.entries {
		if e.id == sub {
			d.entries = append(d.entries[:i:i], d.entries[i+1:]...)
			return
		}
	}
}

// Publish delivers ev to a snapshot of the current subscribers, so handlers
// may subscribe or unsubscribe while it runs.
func (d *Dispatcher) Publish(ev Event) {
	d.mu.RLock()
	targets := make([]entry, 0, len(d.entries))
	for _, e := range d.entries {
		if e.name == ev.Name || e.name == Wildcard {
			targets = append(targets, e)
		}
	}
	d.mu.RUnlock()

	for _, e := range targets {
		d.deliver(e, ev)
	}
}

// Len returns the number of live subscriptions.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

func (d *Dispatcher) deliver(e entry, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event handler panicked",
				"event", ev.Name,
				"subscription", e.id,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	e.handler(ev)
}
