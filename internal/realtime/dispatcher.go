package realtime

import (
	"encoding/json"
	"slices"
	"sync"
)

// Handler consumes the payload of one channel event.
type Handler func(data json.RawMessage)

// Subscription ties one handler registration to its dispatcher slot. Dispose
// removes exactly this registration, making subscribe/unsubscribe symmetry a
// structural guarantee instead of caller discipline.
type Subscription struct {
	kind       EventKind
	id         int64
	dispatcher *Dispatcher
	once       sync.Once
}

// Kind returns the event kind this subscription listens for.
func (s *Subscription) Kind() EventKind {
	return s.kind
}

// Dispose unregisters the handler. Safe to call more than once.
func (s *Subscription) Dispose() {
	s.once.Do(func() {
		s.dispatcher.remove(s.kind, s.id)
	})
}

// Dispatcher fans channel events out to subscribed handlers. Registrations
// live here rather than on the transport, so a transport reconnect never
// requires re-subscription and never duplicates handlers.
type Dispatcher struct {
	mu       sync.RWMutex
	nextID   int64
	handlers map[EventKind]map[int64]Handler
}

// NewDispatcher constructs an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[EventKind]map[int64]Handler),
	}
}

// Subscribe registers a handler for one event kind.
func (d *Dispatcher) Subscribe(kind EventKind, handler Handler) *Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	if _, ok := d.handlers[kind]; !ok {
		d.handlers[kind] = make(map[int64]Handler)
	}
	d.handlers[kind][d.nextID] = handler

	return &Subscription{kind: kind, id: d.nextID, dispatcher: d}
}

// Dispatch invokes every handler registered for the envelope's event kind.
// Handlers run synchronously so events of one kind apply in arrival order.
func (d *Dispatcher) Dispatch(envelope Envelope) {
	d.mu.RLock()
	registered := d.handlers[envelope.Event]
	handlers := make([]Handler, 0, len(registered))
	ids := make([]int64, 0, len(registered))
	for id := range registered {
		ids = append(ids, id)
	}
	// Handlers registered earlier dispatch earlier; registration ids are ordered.
	slices.Sort(ids)
	for _, id := range ids {
		handlers = append(handlers, registered[id])
	}
	d.mu.RUnlock()

	for _, handler := range handlers {
		handler(envelope.Data)
	}
}

// HandlerCount returns the number of live registrations for an event kind.
func (d *Dispatcher) HandlerCount(kind EventKind) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[kind])
}

func (d *Dispatcher) remove(kind EventKind, id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	registered := d.handlers[kind]
	if registered != nil {
		delete(registered, id)
		if len(registered) == 0 {
			delete(d.handlers, kind)
		}
	}
}
