// Package bus provides the in-process event bus connecting the run
// processor to streaming gateway connections.
package bus

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/parallaxlabs/relay/pkg/models"
)

// Handler receives events published for a subscribed run and channel.
// Handlers must be safe to call from multiple goroutines and should
// return quickly; slow consumers should hand off to their own buffers.
type Handler func(event models.Event)

// UnsubscribeFunc removes a subscription. Safe to call more than once.
type UnsubscribeFunc func()

// SubscribeOptions tunes a single subscription.
type SubscribeOptions struct {
	// Replay re-delivers the last event published for the run and
	// channel to the handler during registration, so late-joining
	// subscribers start from the current state.
	Replay bool
}

type subscription struct {
	id      string
	handler Handler
}

type registryKey struct {
	runID   string
	channel models.Channel
}

// Bus is an in-process publish/subscribe registry keyed by
// (run id, channel). Delivery is at-least-once with no cross-channel
// ordering guarantee; per-run ordering from a single publisher is
// preserved because publish dispatches synchronously in call order.
type Bus struct {
	mu     sync.RWMutex
	subs   map[registryKey][]*subscription
	last   map[registryKey]models.Event
	closed bool
	logger *slog.Logger
}

// New creates an empty bus. If logger is nil, slog.Default() is used.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[registryKey][]*subscription),
		last:   make(map[registryKey]models.Event),
		logger: logger,
	}
}

// On registers a handler for events published for runID on channel.
// runID may be models.WildcardRunID to receive all run traffic on the
// channel. The returned func removes the subscription.
func (b *Bus) On(runID string, channel models.Channel, handler Handler, opts *SubscribeOptions) UnsubscribeFunc {
	if handler == nil {
		return func() {}
	}

	sub := &subscription{
		id:      uuid.NewString(),
		handler: handler,
	}
	key := registryKey{runID: runID, channel: channel}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.subs[key] = append(b.subs[key], sub)
	var replay models.Event
	var hasReplay bool
	if opts != nil && opts.Replay {
		replay, hasReplay = b.last[key]
	}
	b.mu.Unlock()

	if hasReplay {
		handler(replay)
	}

	return func() {
		b.remove(key, sub.id)
	}
}

func (b *Bus) remove(key registryKey, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[key]
	for i, sub := range subs {
		if sub.id == id {
			b.subs[key] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[key]) == 0 {
		delete(b.subs, key)
	}
}

// Publish fans the event out to every live subscription matching runID
// (or the wildcard) on the channel. Handlers run synchronously in
// registration order so a single publisher's events arrive in publish
// order. A panicking handler is logged and does not fail the publish.
func (b *Bus) Publish(runID string, channel models.Channel, event models.Event) {
	event.RunID = runID
	key := registryKey{runID: runID, channel: channel}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	targets := make([]*subscription, 0, len(b.subs[key]))
	targets = append(targets, b.subs[key]...)
	if runID != models.WildcardRunID {
		wildcard := registryKey{runID: models.WildcardRunID, channel: channel}
		targets = append(targets, b.subs[wildcard]...)
	}
	b.mu.RUnlock()

	b.mu.Lock()
	b.last[key] = event
	b.mu.Unlock()

	for _, sub := range targets {
		b.dispatch(sub, event)
	}
}

func (b *Bus) dispatch(sub *subscription, event models.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			b.logger.Error("bus handler panicked",
				"run_id", event.RunID,
				"event_type", string(event.Type),
				"panic", rec)
		}
	}()
	sub.handler(event)
}

// Close drops all subscriptions and rejects future ones. Publishes
// after Close are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[registryKey][]*subscription)
	b.last = make(map[registryKey]models.Event)
}
