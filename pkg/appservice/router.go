// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package appservice

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// EventHandlerFunc processes one event. sender is the resolved virtual
// identity of the event's sender, or nil when the sender is an ordinary
// homeserver user outside the appservice's namespaces. Returned errors are
// recorded per event and never fail the transaction.
type EventHandlerFunc func(ctx context.Context, sender *VirtualIdentity, evt *event.Event) error

// EphemeralHandlerFunc processes one MSC2409 ephemeral event. Ephemeral
// events carry no ordering or delivery guarantees.
type EphemeralHandlerFunc func(ctx context.Context, evt *event.Event)

// EventErrorFunc observes per-event failures: handler errors and sender
// resolution failures. Failed events are reported here rather than silently
// dropped, so the bridge can account for every event the homeserver
// delivered.
type EventErrorFunc func(ctx context.Context, evt *event.Event, err error)

// EventRouter dispatches transaction events to registered handlers.
//
// Events within one room are dispatched strictly in transaction order, and
// batches for the same room from different transactions run first-in
// first-out, while distinct rooms progress concurrently up to the pool
// bound.
type EventRouter struct {
	resolver *IdentityResolver
	log      zerolog.Logger
	metrics  *Metrics
	pool     *semaphore.Weighted

	handlerMu sync.RWMutex
	handlers  map[string][]EventHandlerFunc
	fallback  []EventHandlerFunc
	ephemeral []EphemeralHandlerFunc
	onError   EventErrorFunc

	// roomTails chains per-room batches: each Route call swaps in its own
	// done channel and waits for the previous one, giving FIFO dispatch per
	// room without a long-lived worker per room.
	roomMu    sync.Mutex
	roomTails map[id.RoomID]chan struct{}
}

// NewEventRouter creates a router resolving senders through resolver and
// dispatching at most maxConcurrentRooms room batches at once.
func NewEventRouter(resolver *IdentityResolver, maxConcurrentRooms int, log zerolog.Logger, metrics *Metrics) *EventRouter {
	return &EventRouter{
		resolver:  resolver,
		log:       log.With().Str("component", "event_router").Logger(),
		metrics:   metrics,
		pool:      semaphore.NewWeighted(int64(maxConcurrentRooms)),
		handlers:  make(map[string][]EventHandlerFunc),
		roomTails: make(map[id.RoomID]chan struct{}),
	}
}

// AddEventHandler registers a handler for the given event type. Multiple
// handlers per type run in registration order.
func (r *EventRouter) AddEventHandler(eventType event.Type, handler EventHandlerFunc) {
	r.handlerMu.Lock()
	defer r.handlerMu.Unlock()
	r.handlers[eventType.Type] = append(r.handlers[eventType.Type], handler)
}

// AddFallbackHandler registers a handler invoked for every event regardless
// of type, after any type-specific handlers.
func (r *EventRouter) AddFallbackHandler(handler EventHandlerFunc) {
	r.handlerMu.Lock()
	defer r.handlerMu.Unlock()
	r.fallback = append(r.fallback, handler)
}

// AddEphemeralHandler registers a handler for MSC2409 ephemeral events.
func (r *EventRouter) AddEphemeralHandler(handler EphemeralHandlerFunc) {
	r.handlerMu.Lock()
	defer r.handlerMu.Unlock()
	r.ephemeral = append(r.ephemeral, handler)
}

// SetErrorHandler installs the per-event failure observer.
func (r *EventRouter) SetErrorHandler(handler EventErrorFunc) {
	r.handlerMu.Lock()
	defer r.handlerMu.Unlock()
	r.onError = handler
}

type indexedEvent struct {
	index int
	evt   *event.Event
}

type roomBatch struct {
	roomID id.RoomID
	events []indexedEvent
}

// Route dispatches all events of the transaction and returns the per-event
// failures. A non-nil error is returned only when ctx was cancelled before
// routing finished; the caller must then not mark the transaction completed.
func (r *EventRouter) Route(ctx context.Context, txn *Transaction) ([]*EventError, error) {
	batches := groupByRoom(txn.Events)

	var (
		errMu sync.Mutex
		errs  []*EventError
		wg    sync.WaitGroup
	)
	record := func(evtErr *EventError) {
		evtErr.Time = time.Now()
		errMu.Lock()
		errs = append(errs, evtErr)
		errMu.Unlock()
		if r.metrics != nil {
			r.metrics.EventErrors.Inc()
		}
	}

	for _, batch := range batches {
		mine := make(chan struct{})
		prev := r.swapRoomTail(batch.roomID, mine)
		wg.Add(1)
		go func(batch roomBatch, prev <-chan struct{}, mine chan struct{}) {
			defer wg.Done()
			defer r.clearRoomTail(batch.roomID, mine)
			defer close(mine)

			if prev != nil {
				select {
				case <-prev:
				case <-ctx.Done():
					r.recordSkipped(batch, ctx.Err(), record)
					return
				}
			}
			if err := r.pool.Acquire(ctx, 1); err != nil {
				r.recordSkipped(batch, err, record)
				return
			}
			defer r.pool.Release(1)

			for i, ie := range batch.events {
				if err := ctx.Err(); err != nil {
					r.recordSkipped(roomBatch{roomID: batch.roomID, events: batch.events[i:]}, err, record)
					return
				}
				r.dispatch(ctx, ie, record)
			}
		}(batch, prev, mine)
	}

	r.dispatchEphemeral(ctx, txn.Ephemeral)

	wg.Wait()
	sort.Slice(errs, func(i, j int) bool { return errs[i].Index < errs[j].Index })
	if err := ctx.Err(); err != nil {
		return errs, err
	}
	return errs, nil
}

// groupByRoom splits the events into one ordered batch per room, batches
// ordered by the room's first appearance in the transaction.
func groupByRoom(events []*event.Event) []roomBatch {
	var batches []roomBatch
	byRoom := make(map[id.RoomID]int)
	for i, evt := range events {
		idx, ok := byRoom[evt.RoomID]
		if !ok {
			idx = len(batches)
			byRoom[evt.RoomID] = idx
			batches = append(batches, roomBatch{roomID: evt.RoomID})
		}
		batches[idx].events = append(batches[idx].events, indexedEvent{index: i, evt: evt})
	}
	return batches
}

func (r *EventRouter) swapRoomTail(roomID id.RoomID, tail chan struct{}) <-chan struct{} {
	r.roomMu.Lock()
	defer r.roomMu.Unlock()
	prev := r.roomTails[roomID]
	r.roomTails[roomID] = tail
	if prev == nil {
		return nil
	}
	return prev
}

func (r *EventRouter) clearRoomTail(roomID id.RoomID, tail chan struct{}) {
	r.roomMu.Lock()
	defer r.roomMu.Unlock()
	if r.roomTails[roomID] == tail {
		delete(r.roomTails, roomID)
	}
}

func (r *EventRouter) recordSkipped(batch roomBatch, cause error, record func(*EventError)) {
	for _, ie := range batch.events {
		record(&EventError{
			Index:   ie.index,
			EventID: ie.evt.ID,
			RoomID:  ie.evt.RoomID,
			Sender:  ie.evt.Sender,
			Err:     cause,
		})
	}
}

func (r *EventRouter) dispatch(ctx context.Context, ie indexedEvent, record func(*EventError)) {
	evt := ie.evt
	var sender *VirtualIdentity
	if evt.Sender != "" {
		var err error
		sender, err = r.resolver.Resolve(ctx, evt.Sender)
		if err != nil && !errors.Is(err, ErrNotOwned) {
			// Owned sender that could not be provisioned. Reported, never
			// silently dropped: the homeserver considers this event
			// delivered and will not send it again.
			record(&EventError{
				Index:   ie.index,
				EventID: evt.ID,
				RoomID:  evt.RoomID,
				Sender:  evt.Sender,
				Err:     err,
			})
			r.reportError(ctx, evt, err)
			return
		}
		// ErrNotOwned means the sender is an ordinary homeserver user;
		// the event is dispatched with a nil identity.
	}

	handlers := r.handlersFor(evt.Type)
	if len(handlers) == 0 {
		r.log.Debug().
			Str("event_type", evt.Type.Type).
			Stringer("room_id", evt.RoomID).
			Msg("No handler registered for event type")
		return
	}
	for _, handler := range handlers {
		if err := handler(ctx, sender, evt); err != nil {
			record(&EventError{
				Index:   ie.index,
				EventID: evt.ID,
				RoomID:  evt.RoomID,
				Sender:  evt.Sender,
				Err:     err,
			})
			r.reportError(ctx, evt, err)
		}
	}
	if r.metrics != nil {
		r.metrics.EventsRouted.Inc()
	}
}

func (r *EventRouter) handlersFor(eventType event.Type) []EventHandlerFunc {
	r.handlerMu.RLock()
	defer r.handlerMu.RUnlock()
	typed := r.handlers[eventType.Type]
	if len(r.fallback) == 0 {
		return typed
	}
	combined := make([]EventHandlerFunc, 0, len(typed)+len(r.fallback))
	combined = append(combined, typed...)
	combined = append(combined, r.fallback...)
	return combined
}

func (r *EventRouter) dispatchEphemeral(ctx context.Context, events []*event.Event) {
	if len(events) == 0 {
		return
	}
	r.handlerMu.RLock()
	handlers := r.ephemeral
	r.handlerMu.RUnlock()
	for _, evt := range events {
		for _, handler := range handlers {
			handler(ctx, evt)
		}
	}
}

func (r *EventRouter) reportError(ctx context.Context, evt *event.Event, err error) {
	r.handlerMu.RLock()
	onError := r.onError
	r.handlerMu.RUnlock()
	r.log.Warn().Err(err).
		Stringer("event_id", evt.ID).
		Stringer("room_id", evt.RoomID).
		Stringer("sender", evt.Sender).
		Msg("Event dispatch failed")
	if onError != nil {
		onError(ctx, evt, err)
	}
}
