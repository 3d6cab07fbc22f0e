package pubsub

import (
	"chat-core/domain/event"
	"chat-core/mocks"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestChannelOf(t *testing.T) {
	testCases := []struct {
		name    string
		env     event.Envelope
		channel string
	}{
		{name: "frame goes to its room", env: event.Envelope{Kind: event.EnvelopeFrame, Room: "room-1"}, channel: "chat:room:room-1"},
		{name: "ack goes to its origin", env: event.Envelope{Kind: event.EnvelopeAck, Target: "node-a"}, channel: "chat:acks:node-a"},
		{name: "invalidate goes everywhere", env: event.Envelope{Kind: event.EnvelopeInvalidate, Room: "room-1"}, channel: "chat:membership"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := require.New(t)
			channel, err := channelOf(tc.env)
			req.NoError(err)
			req.Equal(tc.channel, channel)
		})
	}

	_, err := channelOf(event.Envelope{Kind: "gossip"})
	require.Error(t, err)
}

func TestListener_Delivers_Envelopes_Of_Other_Nodes(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	server := miniredis.RunT(t)
	newClient := func() *redis.Client {
		rdb := redis.NewClient(&redis.Options{Addr: server.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
		return rdb
	}

	busA := NewRedisBus(slog.Default(), newClient(), "node-a")
	busB := NewRedisBus(slog.Default(), newClient(), "node-b")

	received := make(chan event.Envelope, 10)
	handler := mocks.NewMockEnvelopeHandler(ctrl)
	handler.EXPECT().HandleEnvelope(gomock.Any(), gomock.Any()).Do(func(_ context.Context, env event.Envelope) {
		received <- env
	}).AnyTimes()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	listener := NewListener(slog.Default(), busB, handler)
	go func() { _ = listener.Run(ctx) }()

	select {
	case <-listener.Ready():
	case <-time.After(2 * time.Second):
		req.FailNow("listener never subscribed")
	}

	msgID := uuid.New()
	frame := json.RawMessage(`{"type":"typing","room_id":"room-1","user_id":"alice"}`)

	// Given envelopes from node-b itself, an ack for another node and a frame from node-a
	req.NoError(busB.Publish(ctx, event.Envelope{Kind: event.EnvelopeFrame, Node: "node-b", Room: "room-1", Frame: frame}))
	req.NoError(busA.Publish(ctx, event.Envelope{Kind: event.EnvelopeAck, Node: "node-a", Target: "node-c", MessageID: &msgID}))
	req.NoError(busA.Publish(ctx, event.Envelope{Kind: event.EnvelopeFrame, Node: "node-a", Room: "room-1", MessageID: &msgID, Frame: frame}))
	req.NoError(busA.Publish(ctx, event.Envelope{Kind: event.EnvelopeInvalidate, Node: "node-a", Room: "room-1", UserID: "bob", Removed: true}))

	// Then only the frame and the invalidation of node-a reach the handler, in order
	var got []event.Envelope
	for len(got) < 2 {
		select {
		case env := <-received:
			got = append(got, env)
		case <-time.After(2 * time.Second):
			req.FailNow("envelopes not received", "got %d", len(got))
		}
	}
	req.Equal(event.EnvelopeFrame, got[0].Kind)
	req.Equal("node-a", got[0].Node)
	req.Equal(msgID, *got[0].MessageID)
	req.JSONEq(string(frame), string(got[0].Frame))
	req.Equal(event.EnvelopeInvalidate, got[1].Kind)
	req.True(got[1].Removed)

	select {
	case env := <-received:
		req.Failf("unexpected envelope", "%+v", env)
	case <-time.After(100 * time.Millisecond):
	}
}
