package connectivity

import "sync"

// Monitor tracks host connectivity and notifies edge-triggered listeners when
// the host transitions from offline to online. Repeated online reports do not
// re-fire listeners.
type Monitor struct {
	mu        sync.Mutex
	online    bool
	nextID    int64
	listeners map[int64]func()
}

// NewMonitor constructs a Monitor with the given initial state.
func NewMonitor(initiallyOnline bool) *Monitor {
	return &Monitor{
		online:    initiallyOnline,
		listeners: make(map[int64]func()),
	}
}

// IsOnline reports the last observed connectivity state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records a connectivity observation. Listeners fire only on the
// offline-to-online edge.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	wasOnline := m.online
	m.online = online
	var listeners []func()
	if online && !wasOnline {
		listeners = make([]func(), 0, len(m.listeners))
		for _, listener := range m.listeners {
			listeners = append(listeners, listener)
		}
	}
	m.mu.Unlock()

	for _, listener := range listeners {
		listener()
	}
}

// OnBecameOnline registers an edge-triggered listener and returns a dispose
// function that removes exactly this registration.
func (m *Monitor) OnBecameOnline(listener func()) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners[id] = listener
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}
