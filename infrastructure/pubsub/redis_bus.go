// Package pubsub carries router envelopes between gateway processes over Redis pub/sub.
package pubsub

import (
	"chat-core/contract"
	"chat-core/domain"
	"chat-core/domain/event"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const (
	roomChannelPrefix  = "chat:room:"
	ackChannelPrefix   = "chat:acks:"
	membershipChannel  = "chat:membership"
	roomChannelPattern = roomChannelPrefix + "*"
)

func roomChannel(roomID domain.RoomID) string { return roomChannelPrefix + string(roomID) }
func ackChannel(node string) string           { return ackChannelPrefix + node }

// channelOf routes frames by room, acknowledgements to their origin node only
// and membership invalidations to every node.
func channelOf(env event.Envelope) (string, error) {
	switch env.Kind {
	case event.EnvelopeFrame:
		return roomChannel(env.Room), nil
	case event.EnvelopeAck:
		return ackChannel(env.Target), nil
	case event.EnvelopeInvalidate:
		return membershipChannel, nil
	}
	return "", fmt.Errorf("unknown envelope kind %q", env.Kind)
}

type RedisBus struct {
	log  *slog.Logger
	rdb  redis.UniversalClient
	node string
}

func NewRedisBus(log *slog.Logger, rdb redis.UniversalClient, node string) *RedisBus {
	return &RedisBus{log: log, rdb: rdb, node: node}
}

func (b *RedisBus) Publish(ctx context.Context, env event.Envelope) error {
	channel, err := channelOf(env)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, channel, data).Err()
}

// Listener is the worker feeding envelopes of other nodes to a handler.
// It returns an error when the subscription drops so the supervisor restarts it.
type Listener struct {
	log     *slog.Logger
	bus     *RedisBus
	handler contract.EnvelopeHandler
	ready   chan struct{}
}

func NewListener(log *slog.Logger, bus *RedisBus, handler contract.EnvelopeHandler) *Listener {
	return &Listener{log: log, bus: bus, handler: handler, ready: make(chan struct{}, 1)}
}

// Ready is signalled each time the subscription is confirmed by Redis.
func (l *Listener) Ready() <-chan struct{} { return l.ready }

func (l *Listener) Run(ctx context.Context) error {
	sub := l.bus.rdb.PSubscribe(ctx, roomChannelPattern)
	defer func() { _ = sub.Close() }()
	if err := sub.Subscribe(ctx, ackChannel(l.bus.node), membershipChannel); err != nil {
		return err
	}
	// One confirmation per channel and pattern
	for range 3 {
		if _, err := sub.Receive(ctx); err != nil {
			return fmt.Errorf("subscription failed: %w", err)
		}
	}
	select {
	case l.ready <- struct{}{}:
	default:
	}
	l.log.Info("Listening to the bus", "node", l.bus.node)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("bus subscription closed")
			}
			var env event.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				l.log.Warn("Dropping malformed envelope", "channel", msg.Channel, "error", err)
				continue
			}
			if env.Node == l.bus.node {
				continue
			}
			l.handler.HandleEnvelope(ctx, env)
		}
	}
}
