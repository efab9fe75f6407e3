// Package events implements the typed pub/sub bus that connects agents, the
// adaptive loop, and external observers. Buses compose hierarchically: a
// child bus forwards every event to its parent, so a per-node bus feeds the
// cluster root automatically.
package events

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sipeed/picocell/pkg/logger"
)

// Event is the unit of delivery. Data is free-form per event type.
type Event struct {
	Type   string         `json:"type"`
	NodeID string         `json:"node_id,omitempty"`
	TaskID string         `json:"task_id,omitempty"`
	Origin string         `json:"origin,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
	Time   time.Time      `json:"time"`
}

// Handler receives events. Handlers run synchronously on the emitter's
// goroutine, in subscription order, so they must return quickly and must be
// re-entrant: a handler may itself Emit.
type Handler func(Event)

// HandlerID identifies a subscription for removal.
type HandlerID string

type subscription struct {
	id HandlerID
	fn Handler
}

type patternSub struct {
	prefix string
	sub    subscription
}

// Bus delivers events to exact-type, wildcard, and pattern subscribers, then
// to the parent bus. A handler failure never aborts the others.
type Bus struct {
	mu       sync.RWMutex
	parent   *Bus
	nodeID   string
	exact    map[string][]subscription
	patterns []patternSub
	all      []subscription
}

// NewBus creates a root bus.
func NewBus() *Bus {
	return &Bus{exact: make(map[string][]subscription)}
}

// Child returns a bus whose Emit also pushes upward to b. Events emitted on
// the child default their NodeID to nodeID.
func (b *Bus) Child(nodeID string) *Bus {
	c := NewBus()
	c.parent = b
	c.nodeID = nodeID
	return c
}

// Subscribe registers a handler for one exact event type.
func (b *Bus) Subscribe(eventType string, fn Handler) HandlerID {
	id := HandlerID(uuid.NewString())
	b.mu.Lock()
	b.exact[eventType] = append(b.exact[eventType], subscription{id: id, fn: fn})
	b.mu.Unlock()
	return id
}

// SubscribePattern registers a handler for every type matching the pattern.
// The pattern is a prefix followed by "*", e.g. "tool_call_*".
func (b *Bus) SubscribePattern(pattern string, fn Handler) HandlerID {
	prefix := strings.TrimSuffix(pattern, "*")
	id := HandlerID(uuid.NewString())
	b.mu.Lock()
	b.patterns = append(b.patterns, patternSub{prefix: prefix, sub: subscription{id: id, fn: fn}})
	b.mu.Unlock()
	return id
}

// SubscribeAll registers a wildcard handler receiving every event.
func (b *Bus) SubscribeAll(fn Handler) HandlerID {
	id := HandlerID(uuid.NewString())
	b.mu.Lock()
	b.all = append(b.all, subscription{id: id, fn: fn})
	b.mu.Unlock()
	return id
}

// Unsubscribe removes the subscription with the given id. Unknown ids are
// ignored.
func (b *Bus) Unsubscribe(id HandlerID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for typ, subs := range b.exact {
		for i, s := range subs {
			if s.id == id {
				b.exact[typ] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
	for i, p := range b.patterns {
		if p.sub.id == id {
			b.patterns = append(b.patterns[:i:i], b.patterns[i+1:]...)
			return
		}
	}
	for i, s := range b.all {
		if s.id == id {
			b.all = append(b.all[:i:i], b.all[i+1:]...)
			return
		}
	}
}

// Emit delivers ev to exact subscribers, then wildcard subscribers, then
// matching pattern subscribers, then the parent bus. Within one Emit that
// order is guaranteed; across concurrent Emits there is no ordering.
func (b *Bus) Emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if ev.NodeID == "" {
		ev.NodeID = b.nodeID
	}

	b.mu.RLock()
	exact := append([]subscription(nil), b.exact[ev.Type]...)
	all := append([]subscription(nil), b.all...)
	var matched []subscription
	for _, p := range b.patterns {
		if strings.HasPrefix(ev.Type, p.prefix) {
			matched = append(matched, p.sub)
		}
	}
	parent := b.parent
	b.mu.RUnlock()

	for _, s := range exact {
		b.deliver(s, ev)
	}
	for _, s := range all {
		b.deliver(s, ev)
	}
	for _, s := range matched {
		b.deliver(s, ev)
	}
	if parent != nil {
		parent.Emit(ev)
	}
}

// deliver invokes one handler, swallowing and logging panics so a broken
// subscriber cannot abort delivery to the rest.
func (b *Bus) deliver(s subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCF("events", "handler panic", map[string]any{
				"type":  ev.Type,
				"panic": r,
			})
		}
	}()
	s.fn(ev)
}
