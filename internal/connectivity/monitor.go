// Package connectivity reports whether the remote authority is reachable and
// notifies subscribers on every online/offline edge. Callers depend on the
// Monitor interface only; the concrete primitive (manual flag, HTTP probe,
// MQTT session) is chosen at wiring time.
package connectivity

import (
	"log/slog"
	"sync"
)

// Monitor exposes current connectivity and transition notifications.
type Monitor interface {
	// Online reports the last observed state.
	Online() bool
	// OnTransition registers fn to be called with the new state on every
	// edge. The returned func unregisters it.
	OnTransition(fn func(online bool)) (cancel func())
}

// notifier implements edge detection and subscriber fan-out for the
// concrete monitors.
type notifier struct {
	mu     sync.Mutex
	online bool
	subs   map[int]func(bool)
	nextID int
	logger *slog.Logger
}

func newNotifier(initial bool, logger *slog.Logger) *notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &notifier{
		online: initial,
		subs:   make(map[int]func(bool)),
		logger: logger,
	}
}

func (n *notifier) Online() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.online
}

func (n *notifier) OnTransition(fn func(online bool)) func() {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.subs[id] = fn
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
		})
	}
}

// set records the new state and, if it differs from the previous one, calls
// every subscriber synchronously outside the lock. It reports whether an
// edge occurred.
func (n *notifier) set(online bool) bool {
	n.mu.Lock()
	if n.online == online {
		n.mu.Unlock()
		return false
	}
	n.online = online
	subs := make([]func(bool), 0, len(n.subs))
	for _, fn := range n.subs {
		subs = append(subs, fn)
	}
	n.mu.Unlock()

	n.logger.Info("connectivity changed", "online", online)
	for _, fn := range subs {
		fn(online)
	}
	return true
}

// Manual is a Monitor whose state is set by its owner, e.g. a host
// application forwarding native OS network events.
type Manual struct {
	*notifier
}

// NewManual returns a Manual monitor with the given initial state.
func NewManual(online bool, logger *slog.Logger) *Manual {
	return &Manual{notifier: newNotifier(online, logger)}
}

// SetOnline updates the state, notifying subscribers on an edge.
func (m *Manual) SetOnline(online bool) bool {
	return m.set(online)
}
