package runtime

import (
	"chat-core/contract"
	"chat-core/domain"
	"chat-core/domain/event"
	"chat-core/observability"
	"chat-core/wire"
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// PublishOptions narrows a fan-out.
// SenderID is delivered to like anyone else but never counts as a reached recipient.
// AckMessageID asks remote nodes to acknowledge delivery of that message.
type PublishOptions struct {
	ExcludeSession string
	ExcludeUser    string
	SenderID       string
	AckMessageID   *uuid.UUID
}

// Delivery reports what a local fan-out reached.
type Delivery struct {
	Sessions int
	Users    Set
}

func (d Delivery) Reached(userID string) bool {
	_, ok := d.Users[userID]
	return ok
}

type (
	AckHandler        func(ctx context.Context, roomID domain.RoomID, messageID uuid.UUID)
	InvalidateHandler func(ctx context.Context, roomID domain.RoomID, userID string, removed bool)
	FrameHandler      func(ctx context.Context, roomID domain.RoomID, frame []byte)
)

// Router fans room events out to the live sessions of this node and,
// when a bus is configured, to the other nodes. Publication into one room
// is serialized so every subscriber observes the same order.
type Router struct {
	log     *slog.Logger
	node    string
	table   *Registry
	locks   *RoomLocks
	bus     contract.IBus
	metrics *observability.Metrics

	mu           sync.RWMutex
	onAck        AckHandler
	onInvalidate []InvalidateHandler
	onFrame      FrameHandler
}

// NewRouter builds a router. bus may be nil in single-process mode.
func NewRouter(log *slog.Logger, node string, bus contract.IBus, metrics *observability.Metrics) *Router {
	return &Router{
		log:     log,
		node:    node,
		table:   NewRegistry(),
		locks:   NewRoomLocks(),
		bus:     bus,
		metrics: metrics,
	}
}

func (r *Router) Node() string { return r.node }

// MultiNode reports whether other processes may hold sessions.
func (r *Router) MultiNode() bool { return r.bus != nil }

func (r *Router) OnRemoteDelivered(handler AckHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onAck = handler
}

// OnRemoteFrame observes every room frame published by another node, once it was fanned out here.
func (r *Router) OnRemoteFrame(handler FrameHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onFrame = handler
}

func (r *Router) OnInvalidate(handler InvalidateHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onInvalidate = append(r.onInvalidate, handler)
}

// Subscribe attaches a session to a room, reporting whether it is the user's first one there.
func (r *Router) Subscribe(sink contract.Sink, roomID domain.RoomID) bool {
	unlock := r.locks.Lock(roomID)
	defer unlock()
	return r.table.Subscribe(sink, roomID)
}

func (r *Router) Unsubscribe(sessionID string, roomID domain.RoomID) (removed bool, last bool) {
	return r.table.Unsubscribe(sessionID, roomID)
}

func (r *Router) UnsubscribeAll(sessionID string) map[domain.RoomID]bool {
	return r.table.UnsubscribeAll(sessionID)
}

func (r *Router) EvictUser(roomID domain.RoomID, userID string) []contract.Sink {
	return r.table.EvictUser(roomID, userID)
}

func (r *Router) HasLiveSession(roomID domain.RoomID, userID string) bool {
	return r.table.HasLiveSession(roomID, userID)
}

// Publish delivers evt to every local subscriber of its room, then forwards it to the bus.
// A subscriber whose buffer is closed or full is pruned and never blocks the others.
func (r *Router) Publish(ctx context.Context, evt event.DomainEvent, opts PublishOptions) Delivery {
	frame, err := wire.Encode(evt)
	if err != nil {
		r.log.Error("Unable to encode event", "room_id", evt.RoomID(), "error", err)
		return Delivery{Users: Set{}}
	}

	unlock := r.locks.Lock(evt.RoomID())
	defer unlock()

	delivery := r.deliverLocal(evt.RoomID(), frame, opts)
	if r.bus != nil {
		env := event.Envelope{
			Kind:        event.EnvelopeFrame,
			Node:        r.node,
			Room:        evt.RoomID(),
			MessageID:   opts.AckMessageID,
			SenderID:    opts.SenderID,
			ExcludeUser: opts.ExcludeUser,
			Frame:       frame,
		}
		r.publish(ctx, env)
	}
	return delivery
}

// SendTo delivers evt to a single session, pruning it on failure.
func (r *Router) SendTo(sink contract.Sink, evt event.DomainEvent) bool {
	frame, err := wire.Encode(evt)
	if err != nil {
		r.log.Error("Unable to encode event", "room_id", evt.RoomID(), "error", err)
		return false
	}
	if !sink.Deliver(frame) {
		r.prune(sink)
		return false
	}
	r.metrics.FramesDelivered(1)
	return true
}

func (r *Router) deliverLocal(roomID domain.RoomID, frame []byte, opts PublishOptions) Delivery {
	delivery := Delivery{Users: Set{}}
	for _, sink := range r.table.GetSinksForRoom(roomID) {
		if sink.ID() == opts.ExcludeSession {
			continue
		}
		if opts.ExcludeUser != "" && sink.UserID() == opts.ExcludeUser {
			continue
		}
		if !sink.Deliver(frame) {
			r.prune(sink)
			continue
		}
		delivery.Sessions++
		if sink.UserID() != opts.SenderID {
			delivery.Users[sink.UserID()] = struct{}{}
		}
	}
	r.metrics.FramesDelivered(delivery.Sessions)
	return delivery
}

func (r *Router) prune(sink contract.Sink) {
	r.table.UnsubscribeAll(sink.ID())
	sink.Close()
	r.metrics.SessionPruned()
	r.log.Debug("Pruned dead subscriber", "session_id", sink.ID(), "user_id", sink.UserID())
}

func (r *Router) publish(ctx context.Context, env event.Envelope) {
	if err := r.bus.Publish(ctx, env); err != nil {
		r.metrics.BusPublishFailed()
		r.log.Warn("Unable to publish envelope", "kind", env.Kind, "room_id", env.Room, "error", err)
	}
}

// MembershipChanged tells the other nodes to drop their cached member set.
func (r *Router) MembershipChanged(ctx context.Context, roomID domain.RoomID, userID string, removed bool) {
	if r.bus == nil {
		return
	}
	r.publish(ctx, event.Envelope{
		Kind:    event.EnvelopeInvalidate,
		Node:    r.node,
		Room:    roomID,
		UserID:  userID,
		Removed: removed,
	})
}

// HandleEnvelope applies an envelope received from the bus.
// Envelopes published by this node are ignored.
func (r *Router) HandleEnvelope(ctx context.Context, env event.Envelope) {
	if env.Node == r.node {
		return
	}
	switch env.Kind {
	case event.EnvelopeFrame:
		unlock := r.locks.Lock(env.Room)
		delivery := r.deliverLocal(env.Room, env.Frame, PublishOptions{ExcludeUser: env.ExcludeUser, SenderID: env.SenderID})
		unlock()
		if env.MessageID != nil && len(delivery.Users) > 0 && r.bus != nil {
			r.publish(ctx, event.Envelope{
				Kind:      event.EnvelopeAck,
				Node:      r.node,
				Target:    env.Node,
				Room:      env.Room,
				MessageID: env.MessageID,
			})
		}
		r.mu.RLock()
		observe := r.onFrame
		r.mu.RUnlock()
		if observe != nil {
			observe(ctx, env.Room, env.Frame)
		}
	case event.EnvelopeAck:
		if env.Target != r.node || env.MessageID == nil {
			return
		}
		r.mu.RLock()
		handler := r.onAck
		r.mu.RUnlock()
		if handler != nil {
			handler(ctx, env.Room, *env.MessageID)
		}
	case event.EnvelopeInvalidate:
		r.mu.RLock()
		handlers := append([]InvalidateHandler(nil), r.onInvalidate...)
		r.mu.RUnlock()
		for _, handler := range handlers {
			handler(ctx, env.Room, env.UserID, env.Removed)
		}
	default:
		r.log.Warn("Unknown envelope kind", "kind", env.Kind, "node", env.Node)
	}
}
