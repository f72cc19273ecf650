// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Handler is a function that processes broadcast events.
type Handler func(event *Event)

// FilterFunc determines whether a subscription wants an event.
type FilterFunc func(event *Event) bool

// Subscription is one registered listener on the broadcaster.
//
// A subscription receives events either through Handler (synchronous,
// panic-recovered) or through C (buffered channel, drop-on-full).
// Exactly one of the two is active per subscription.
type Subscription struct {
	// ID uniquely identifies this subscription.
	ID string

	// C delivers events for channel subscriptions. Nil for handler
	// subscriptions. Closed on Unsubscribe.
	C <-chan *Event

	handler Handler
	filter  FilterFunc
	types   []Type

	// mu serializes channel sends against closeChan so a Publish
	// racing an Unsubscribe can never send on a closed channel.
	mu      sync.Mutex
	closed  bool
	ch      chan *Event
	dropped atomic.Int64
}

// Dropped returns how many events this subscription has missed because
// its channel buffer was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// send delivers an event to the subscription channel without blocking.
// Returns false when the buffer is full (counted as a drop) or the
// subscription is already closed.
func (s *Subscription) send(event *Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- event:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// closeChan marks the subscription dead and closes its channel.
// Idempotent.
func (s *Subscription) closeChan() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.ch != nil {
		close(s.ch)
	}
}

// Broadcaster fans logged patch events out to live subscribers.
//
// # Description
//
// Delivery is best-effort and never blocks the event pipeline: a
// channel subscriber whose buffer is full loses the event (its drop
// counter increments), and a handler that panics is recovered and
// logged. The durable record always lives in the Store; the broadcaster
// is strictly a live feed.
//
// Thread Safety: safe for concurrent use.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	logger *slog.Logger
	closed bool
}

// NewBroadcaster creates a broadcaster. A nil logger means slog.Default().
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subs:   make(map[string]*Subscription),
		logger: logger.With(slog.String("component", "broadcaster")),
	}
}

// Subscribe registers a buffered channel subscription.
//
// Inputs:
//
//	buffer - Channel capacity. Values below 1 are raised to 1.
//	types - Event types to receive (none = all types).
//
// Outputs:
//
//	*Subscription - Read events from its C field; call Unsubscribe
//	                with its ID when done.
func (b *Broadcaster) Subscribe(buffer int, types ...Type) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan *Event, buffer)
	sub := &Subscription{
		ID:    uuid.NewString(),
		C:     ch,
		ch:    ch,
		types: types,
	}
	b.add(sub)
	return sub
}

// SubscribeFunc registers a synchronous handler subscription.
//
// The handler runs on the publishing goroutine with panic recovery;
// keep it fast.
func (b *Broadcaster) SubscribeFunc(handler Handler, types ...Type) *Subscription {
	return b.SubscribeFuncWithFilter(handler, nil, types...)
}

// SubscribeFuncWithFilter registers a handler with a custom filter.
func (b *Broadcaster) SubscribeFuncWithFilter(handler Handler, filter FilterFunc, types ...Type) *Subscription {
	sub := &Subscription{
		ID:      uuid.NewString(),
		handler: handler,
		filter:  filter,
		types:   types,
	}
	b.add(sub)
	return sub
}

func (b *Broadcaster) add(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.closeChan()
		return
	}
	b.subs[sub.ID] = sub
}

// Unsubscribe removes a subscription and closes its channel.
//
// Outputs:
//
//	bool - True if the subscription was found and removed.
func (b *Broadcaster) Unsubscribe(id string) bool {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()

	if !ok {
		return false
	}
	sub.closeChan()
	return true
}

// Publish fans an event out to every matching subscription.
//
// Never blocks: full channel buffers drop the event and handler panics
// are recovered.
func (b *Broadcaster) Publish(event *Event) {
	if event == nil {
		return
	}

	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		if !b.wants(sub, event) {
			continue
		}
		if sub.ch != nil {
			if !sub.send(event) {
				b.logger.Debug("subscriber unavailable, event dropped",
					slog.String("subscription_id", sub.ID),
					slog.String("event_type", string(event.EventType)))
			}
			continue
		}
		b.safeInvoke(sub.handler, event)
	}
}

// safeInvoke calls a handler with panic recovery so one misbehaving
// subscriber cannot take down the pipeline.
func (b *Broadcaster) safeInvoke(handler Handler, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				slog.String("event_type", string(event.EventType)),
				slog.String("patch_id", event.PatchID),
				slog.Any("panic", r))
		}
	}()
	handler(event)
}

// wants applies the subscription's type list and filter.
func (b *Broadcaster) wants(sub *Subscription, event *Event) bool {
	if len(sub.types) > 0 {
		match := false
		for _, t := range sub.types {
			if t == event.EventType {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	if sub.filter != nil && !sub.filter(event) {
		return false
	}
	return true
}

// SubscriptionCount returns the number of active subscriptions.
func (b *Broadcaster) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close removes all subscriptions and closes their channels. Further
// Subscribe calls return dead subscriptions.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subs {
		sub.closeChan()
		delete(b.subs, id)
	}
	b.closed = true
}
