// Package notify coalesces upstream list-change notifications across every
// connector a session owns into one debounced outbound event per kind.
package notify

import (
	"sync"
	"time"

	"github.com/jrbemt/mcpbundler-gateway/pkg/upstream"
)

// DefaultDebounce is the default coalescing window per change kind.
const DefaultDebounce = 500 * time.Millisecond

// Emitter is called at most once per debounce window per kind, with every
// namespace that reported a change during that window.
type Emitter func(kind upstream.ChangeKind, namespaces []string)

// Coordinator fans in notifications from every attached connector and emits
// one debounced event per kind.
type Coordinator struct {
	debounce time.Duration
	emit     Emitter

	mu      sync.Mutex
	timers  map[upstream.ChangeKind]*time.Timer
	pending map[upstream.ChangeKind]map[string]struct{}
	closed  bool
}

// New builds a Coordinator. A zero debounce uses DefaultDebounce.
func New(debounce time.Duration, emit Emitter) *Coordinator {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Coordinator{
		debounce: debounce,
		emit:     emit,
		timers:   make(map[upstream.ChangeKind]*time.Timer),
		pending:  make(map[upstream.ChangeKind]map[string]struct{}),
	}
}

// Handler returns an upstream.NotificationHandler suitable for passing to
// Connector.AddListener or Pool.Acquire; every connector the session owns
// should be given one.
func (c *Coordinator) Handler() upstream.NotificationHandler {
	return func(namespace string, kind upstream.ChangeKind) {
		c.onChange(namespace, kind)
	}
}

func (c *Coordinator) onChange(namespace string, kind upstream.ChangeKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	set, ok := c.pending[kind]
	if !ok {
		set = make(map[string]struct{})
		c.pending[kind] = set
	}
	set[namespace] = struct{}{}

	if timer, ok := c.timers[kind]; ok {
		timer.Stop()
	}
	c.timers[kind] = time.AfterFunc(c.debounce, func() { c.fire(kind) })
}

func (c *Coordinator) fire(kind upstream.ChangeKind) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	set := c.pending[kind]
	delete(c.pending, kind)
	delete(c.timers, kind)
	c.mu.Unlock()

	if len(set) == 0 {
		return
	}
	namespaces := make([]string, 0, len(set))
	for ns := range set {
		namespaces = append(namespaces, ns)
	}
	if c.emit != nil {
		c.emit(kind, namespaces)
	}
}

// DetachAll cancels every pending debounce timer and stops accepting new
// change events. Safe to call more than once.
func (c *Coordinator) DetachAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, timer := range c.timers {
		timer.Stop()
	}
	c.timers = make(map[upstream.ChangeKind]*time.Timer)
	c.pending = make(map[upstream.ChangeKind]map[string]struct{})
}
