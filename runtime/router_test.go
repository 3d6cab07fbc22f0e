package runtime

import (
	"chat-core/domain"
	"chat-core/domain/event"
	"chat-core/mocks"
	"chat-core/wire"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func decodeFrames(t *testing.T, sink *Sink) []wire.Outbound {
	t.Helper()
	var frames []wire.Outbound
	for {
		select {
		case data := <-sink.out:
			var out wire.Outbound
			require.NoError(t, json.Unmarshal(data, &out))
			frames = append(frames, out)
		default:
			return frames
		}
	}
}

func Test_Publish_Reaches_Room_Sessions_Except_Origin(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	router := NewRouter(logs.GetLoggerFromLevel(slog.LevelDebug), "node-1", nil, nil)
	aliceOrigin, aliceOther, bob := newSink("alice", 4), newSink("alice", 4), newSink("bob", 4)
	outsider := newSink("carol", 4)

	// Given alice with two sessions and bob in the room, carol elsewhere
	router.Subscribe(aliceOrigin, "room")
	router.Subscribe(aliceOther, "room")
	router.Subscribe(bob, "room")
	router.Subscribe(outsider, "other")

	// When alice sends from one session
	msg := domain.Message{ID: uuid.New(), RoomID: "room", SenderID: "alice", Content: "hi", Status: domain.StatusSent}
	delivery := router.Publish(ctx, event.MessagePosted{Message: msg}, PublishOptions{
		ExcludeSession: aliceOrigin.ID(),
		SenderID:       "alice",
	})

	// Then her other session and bob receive it, but only bob counts as reached
	req.Equal(2, delivery.Sessions)
	req.True(delivery.Reached("bob"))
	req.False(delivery.Reached("alice"))
	req.Empty(decodeFrames(t, aliceOrigin))
	req.Len(decodeFrames(t, aliceOther), 1)
	frames := decodeFrames(t, bob)
	req.Len(frames, 1)
	req.Equal(wire.OutMessage, frames[0].Type)
	req.Equal("hi", frames[0].Message.Content)
	req.Empty(decodeFrames(t, outsider))
}

func Test_Publish_Prunes_Slow_Subscriber_Without_Blocking_Others(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	router := NewRouter(slog.Default(), "node-1", nil, nil)
	slow, healthy := newSink("slow", 1), newSink("healthy", 8)
	router.Subscribe(slow, "room")
	router.Subscribe(healthy, "room")

	// When more frames are published than the slow buffer holds
	for i := 0; i < 3; i++ {
		router.Publish(ctx, event.Typing{Room: "room", UserID: "someone"}, PublishOptions{})
	}

	// Then the slow session is closed and removed, the healthy one saw everything
	req.True(slow.isClosed())
	req.False(router.HasLiveSession("room", "slow"))
	req.Len(decodeFrames(t, healthy), 3)

	// And a closed session is never delivered to again
	delivery := router.Publish(ctx, event.Typing{Room: "room", UserID: "someone"}, PublishOptions{})
	req.Equal(1, delivery.Sessions)
}

func Test_Publish_Preserves_Per_Room_Order_For_Every_Subscriber(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	router := NewRouter(slog.Default(), "node-1", nil, nil)
	const publishers, perPublisher = 8, 25
	sinks := []*Sink{newSink("a", 1024), newSink("b", 1024), newSink("c", 1024)}
	for _, s := range sinks {
		router.Subscribe(s, "room")
	}

	// Frames are published concurrently; each subscriber must see one global order
	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				router.Publish(ctx, event.SystemNotice{Room: "room", Text: fmt.Sprintf("%d-%d", p, i)}, PublishOptions{})
			}
		}(p)
	}
	wg.Wait()

	reference := decodeFrames(t, sinks[0])
	req.Len(reference, publishers*perPublisher)
	for _, s := range sinks[1:] {
		req.Equal(reference, decodeFrames(t, s))
	}
}

func Test_Publish_Forwards_To_Bus(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	bus := mocks.NewMockIBus(ctrl)
	router := NewRouter(slog.Default(), "node-1", bus, nil)
	msgID := uuid.New()

	bus.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, env event.Envelope) error {
		req.Equal(event.EnvelopeFrame, env.Kind)
		req.Equal("node-1", env.Node)
		req.Equal(domain.RoomID("room"), env.Room)
		req.Equal(&msgID, env.MessageID)
		req.Equal("alice", env.SenderID)
		req.NotEmpty(env.Frame)
		return nil
	}).Times(1)

	router.Publish(context.Background(),
		event.MessagePosted{Message: domain.Message{ID: msgID, RoomID: "room", SenderID: "alice", Status: domain.StatusSent}},
		PublishOptions{SenderID: "alice", AckMessageID: &msgID})
	req.True(router.MultiNode())
}

func Test_Remote_Frame_Is_Delivered_And_Acknowledged_To_Origin(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	bus := mocks.NewMockIBus(ctrl)
	router := NewRouter(slog.Default(), "node-2", bus, nil)
	bob := newSink("bob", 4)
	router.Subscribe(bob, "room")
	msgID := uuid.New()
	frame, err := wire.Encode(event.MessagePosted{Message: domain.Message{ID: msgID, RoomID: "room", SenderID: "alice", Status: domain.StatusSent}})
	req.NoError(err)

	// Then an ack targeting the origin node is published
	bus.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, env event.Envelope) error {
		req.Equal(event.EnvelopeAck, env.Kind)
		req.Equal("node-1", env.Target)
		req.Equal(&msgID, env.MessageID)
		return nil
	}).Times(1)

	// When a frame from node-1 arrives
	router.HandleEnvelope(context.Background(), event.Envelope{
		Kind: event.EnvelopeFrame, Node: "node-1", Room: "room", MessageID: &msgID, SenderID: "alice", Frame: frame,
	})
	req.Len(decodeFrames(t, bob), 1)
}

func Test_Remote_Frame_Reaching_Only_Sender_Is_Not_Acknowledged(t *testing.T) {
	ctrl := gomock.NewController(t)
	bus := mocks.NewMockIBus(ctrl)
	router := NewRouter(slog.Default(), "node-2", bus, nil)
	router.Subscribe(newSink("alice", 4), "room")
	msgID := uuid.New()

	bus.EXPECT().Publish(gomock.Any(), gomock.Any()).Times(0)

	router.HandleEnvelope(context.Background(), event.Envelope{
		Kind: event.EnvelopeFrame, Node: "node-1", Room: "room", MessageID: &msgID, SenderID: "alice", Frame: []byte(`{"type":"message"}`),
	})
}

func Test_Own_Envelopes_Are_Ignored(t *testing.T) {
	router := NewRouter(slog.Default(), "node-1", nil, nil)
	sink := newSink("bob", 4)
	router.Subscribe(sink, "room")

	router.HandleEnvelope(context.Background(), event.Envelope{Kind: event.EnvelopeFrame, Node: "node-1", Room: "room", Frame: []byte(`{}`)})

	require.Empty(t, decodeFrames(t, sink))
}

func Test_Ack_And_Invalidate_Reach_Handlers(t *testing.T) {
	req := require.New(t)
	router := NewRouter(slog.Default(), "node-1", nil, nil)
	msgID := uuid.New()
	var acked []uuid.UUID
	var invalidated []string
	router.OnRemoteDelivered(func(_ context.Context, roomID domain.RoomID, id uuid.UUID) {
		acked = append(acked, id)
	})
	router.OnInvalidate(func(_ context.Context, roomID domain.RoomID, userID string, removed bool) {
		invalidated = append(invalidated, fmt.Sprintf("%s/%s/%t", roomID, userID, removed))
	})

	// An ack addressed to another node is not ours
	router.HandleEnvelope(context.Background(), event.Envelope{Kind: event.EnvelopeAck, Node: "node-2", Target: "node-3", MessageID: &msgID})
	router.HandleEnvelope(context.Background(), event.Envelope{Kind: event.EnvelopeAck, Node: "node-2", Target: "node-1", Room: "room", MessageID: &msgID})
	router.HandleEnvelope(context.Background(), event.Envelope{Kind: event.EnvelopeInvalidate, Node: "node-2", Room: "room", UserID: "bob", Removed: true})

	req.Equal([]uuid.UUID{msgID}, acked)
	req.Equal([]string{"room/bob/true"}, invalidated)
}

func Test_Remote_Frames_Reach_Frame_Observer(t *testing.T) {
	req := require.New(t)
	router := NewRouter(slog.Default(), "node-1", nil, nil)
	var observed []string
	router.OnRemoteFrame(func(_ context.Context, roomID domain.RoomID, frame []byte) {
		observed = append(observed, fmt.Sprintf("%s:%s", roomID, frame))
	})

	// Given a frame of another node and one of our own
	router.HandleEnvelope(context.Background(), event.Envelope{Kind: event.EnvelopeFrame, Node: "node-2", Room: "room", Frame: []byte(`{"type":"deleted"}`)})
	router.HandleEnvelope(context.Background(), event.Envelope{Kind: event.EnvelopeFrame, Node: "node-1", Room: "room", Frame: []byte(`{"type":"message"}`)})

	// Then only the remote one is observed, even with nobody subscribed here
	req.Equal([]string{`room:{"type":"deleted"}`}, observed)
}
