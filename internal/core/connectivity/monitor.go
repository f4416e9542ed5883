// Package connectivity carries the platform online/offline signal to the
// components that react to it. The signal source is injected (a netlink
// watcher, a browser bridge, a test), the monitor only fans it out.
package connectivity

import "sync"

// Listener observes online/offline transitions.
type Listener func(online bool)

// Monitor tracks the current connectivity state and notifies listeners only
// on actual change.
type Monitor struct {
	mu        sync.Mutex
	online    bool
	listeners map[uint64]Listener
	nextSub   uint64
}

// NewMonitor creates a monitor with the given initial state.
func NewMonitor(online bool) *Monitor {
	return &Monitor{
		online:    online,
		listeners: make(map[uint64]Listener),
	}
}

// Online reports the last signaled state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records a new state. Listeners fire only when the state actually
// flips.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	listeners := make([]Listener, 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(online)
	}
}

// Subscribe registers a listener; the returned function removes it.
func (m *Monitor) Subscribe(fn Listener) func() {
	m.mu.Lock()
	m.nextSub++
	id := m.nextSub
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}
