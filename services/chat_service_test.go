package services

import (
	"chat-core/domain"
	"chat-core/domain/event"
	"chat-core/errors"
	"chat-core/mocks"
	"chat-core/presence"
	"chat-core/repositories"
	"chat-core/runtime"
	"chat-core/wire"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/mama165/sdk-go/logs"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// testSink is a session with a bounded buffer, the way the gateway builds them.
type testSink struct {
	id     string
	userID string
	out    chan []byte
	once   sync.Once
	closed chan struct{}
}

func newTestSink(userID string) *testSink {
	return &testSink{id: uuid.NewString(), userID: userID, out: make(chan []byte, 1024), closed: make(chan struct{})}
}

func (s *testSink) ID() string     { return s.id }
func (s *testSink) UserID() string { return s.userID }

func (s *testSink) Deliver(frame []byte) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.out <- frame:
		return true
	default:
		return false
	}
}

func (s *testSink) Close() { s.once.Do(func() { close(s.closed) }) }

// drain empties the buffer and returns the decoded frames.
func (s *testSink) drain(t *testing.T) []wire.Outbound {
	t.Helper()
	var frames []wire.Outbound
	for {
		select {
		case raw := <-s.out:
			var out wire.Outbound
			require.NoError(t, json.Unmarshal(raw, &out))
			frames = append(frames, out)
		default:
			return frames
		}
	}
}

func ofType(frames []wire.Outbound, frameType string) []wire.Outbound {
	return lo.Filter(frames, func(f wire.Outbound, _ int) bool { return f.Type == frameType })
}

type fixture struct {
	service  *ChatService
	messages messageReader
	rooms    *RoomRegistry
	presence *presence.MemoryStore
	router   *runtime.Router
	notifier *mocks.MockINotifier
}

// messageReader narrows the store to what tests read back.
type messageReader interface {
	Get(id uuid.UUID) (domain.Message, error)
}

func newFixture(t *testing.T, configure func(deps *ChatDependencies)) fixture {
	t.Helper()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ctrl := gomock.NewController(t)
	messages := repositories.NewMessageRepository(db, log, nil)
	rooms := NewRoomRegistry(log, repositories.NewRoomRepository(db, log))
	store := presence.NewMemoryStore()
	router := runtime.NewRouter(log, "node-test", nil, nil)
	notifier := mocks.NewMockINotifier(ctrl)

	deps := ChatDependencies{
		Messages: messages,
		Rooms:    rooms,
		Presence: store,
		Router:   router,
		Notifier: notifier,
	}
	if configure != nil {
		configure(&deps)
	}
	service := NewChatService(log, deps, ChatConfig{
		PersistAttempts: 3,
		PersistBackoff:  time.Millisecond,
		RedeliveryLimit: 50,
	})
	return fixture{service: service, messages: messages, rooms: rooms, presence: store, router: router, notifier: notifier}
}

func (f fixture) room(t *testing.T, kind domain.RoomKind, members map[string]domain.Role) domain.RoomID {
	t.Helper()
	room, err := f.rooms.CreateRoom(context.Background(), domain.Room{Kind: kind, Name: "general"}, members)
	require.NoError(t, err)
	return room.ID
}

func (f fixture) join(t *testing.T, userID string, roomID domain.RoomID) *testSink {
	t.Helper()
	sink := newTestSink(userID)
	require.NoError(t, f.service.Join(context.Background(), sink, domain.Identity{UserID: userID}, roomID))
	return sink
}

func post(roomID domain.RoomID, sender, content string) domain.PostMessageCommand {
	return domain.PostMessageCommand{Room: roomID, SenderID: sender, Content: content}
}

func TestChatService_Send_To_Online_Member_Is_Delivered(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, nil)
	roomID := f.room(t, domain.RoomKindGroup, map[string]domain.Role{"alice": domain.RoleAdmin, "bob": domain.RoleMember})

	// Given bob is connected to the room
	bob := f.join(t, "bob", roomID)

	// When alice posts
	msg, err := f.service.Send(ctx, post(roomID, "alice", "hello bob"))
	req.NoError(err)

	// Then the message is delivered before Send returns
	req.Equal(domain.StatusDelivered, msg.Status)
	stored, err := f.messages.Get(msg.ID)
	req.NoError(err)
	req.Equal(domain.StatusDelivered, stored.Status)

	// And bob received it
	frames := ofType(bob.drain(t), wire.OutMessage)
	req.Len(frames, 1)
	req.Equal("hello bob", frames[0].Message.Content)
}

func TestChatService_Send_To_Offline_Member_Enqueues_Notification(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, nil)
	roomID := f.room(t, domain.RoomKindGroup, map[string]domain.Role{"alice": domain.RoleAdmin, "carol": domain.RoleMember})

	var notified uuid.UUID
	f.notifier.EXPECT().
		Enqueue(gomock.Any(), "carol", gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, id uuid.UUID) error {
			notified = id
			return nil
		}).
		Times(1)

	// When alice posts while carol is away
	msg, err := f.service.Send(ctx, post(roomID, "alice", "are you there?"))
	req.NoError(err)

	// Then carol gets exactly one notification and the message stays sent
	req.Equal(msg.ID, notified)
	stored, err := f.messages.Get(msg.ID)
	req.NoError(err)
	req.Equal(domain.StatusSent, stored.Status)
}

func TestChatService_Muted_Member_Is_Not_Notified(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, nil)
	roomID := f.room(t, domain.RoomKindGroup, map[string]domain.Role{"alice": domain.RoleAdmin, "carol": domain.RoleMember})
	req.NoError(f.rooms.Mute(ctx, domain.Mute{RoomID: roomID, UserID: "carol"}))

	// No Enqueue expectation: any call fails the test
	_, err := f.service.Send(ctx, post(roomID, "alice", "quiet please"))
	req.NoError(err)
}

func TestChatService_Notification_Failure_Does_Not_Fail_Send(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, nil)
	roomID := f.room(t, domain.RoomKindGroup, map[string]domain.Role{"alice": domain.RoleAdmin, "carol": domain.RoleMember})
	f.notifier.EXPECT().Enqueue(gomock.Any(), "carol", gomock.Any()).Return(fmt.Errorf("queue down"))

	msg, err := f.service.Send(context.Background(), post(roomID, "alice", "still stored"))
	req.NoError(err)
	_, err = f.messages.Get(msg.ID)
	req.NoError(err)
}

func TestChatService_Send_Preserves_Room_Order(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, nil)
	members := map[string]domain.Role{"watcher": domain.RoleMember}
	for i := 0; i < 8; i++ {
		members[fmt.Sprintf("sender-%d", i)] = domain.RoleMember
	}
	roomID := f.room(t, domain.RoomKindGroup, members)
	watcher := f.join(t, "watcher", roomID)
	// Senders are members without sessions: every post notifies them
	f.notifier.EXPECT().Enqueue(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

	// When eight senders post concurrently
	var wg sync.WaitGroup
	errs := make(chan error, 80)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_, err := f.service.Send(ctx, post(roomID, fmt.Sprintf("sender-%d", i), fmt.Sprintf("%d-%d", i, j)))
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		req.NoError(err)
	}

	// Then the watcher sees every message in store order
	frames := ofType(watcher.drain(t), wire.OutMessage)
	req.Len(frames, 80)
	for i, frame := range frames {
		req.Equal(uint64(i+1), frame.Message.Seq)
	}
}

func TestChatService_Transient_Failures_Are_Retried(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	store := mocks.NewMockIMessageStore(ctrl)
	f := newFixture(t, func(deps *ChatDependencies) { deps.Messages = store })
	roomID := f.room(t, domain.RoomKindGroup, map[string]domain.Role{"alice": domain.RoleAdmin})

	gomock.InOrder(
		store.EXPECT().Append(gomock.Any()).Return(domain.Message{}, errors.ErrTransientPersistence).Times(2),
		store.EXPECT().Append(gomock.Any()).DoAndReturn(func(msg domain.Message) (domain.Message, error) {
			msg.ID = uuid.New()
			msg.Seq = 1
			msg.Status = domain.StatusSent
			return msg, nil
		}),
	)

	msg, err := f.service.Send(context.Background(), post(roomID, "alice", "third time lucky"))
	req.NoError(err)
	req.Equal(uint64(1), msg.Seq)
}

func TestChatService_Exhausted_Retries_Report_Send_Failed(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	store := mocks.NewMockIMessageStore(ctrl)
	f := newFixture(t, func(deps *ChatDependencies) { deps.Messages = store })
	roomID := f.room(t, domain.RoomKindGroup, map[string]domain.Role{"alice": domain.RoleAdmin, "bob": domain.RoleMember})
	store.EXPECT().Undelivered(roomID, "bob", 50).Return(nil, nil)
	bob := f.join(t, "bob", roomID)

	store.EXPECT().Append(gomock.Any()).Return(domain.Message{}, errors.ErrTransientPersistence).Times(3)

	_, err := f.service.Send(context.Background(), post(roomID, "alice", "lost"))
	req.ErrorIs(err, errors.ErrSendFailed)
	req.Equal("send_failed", errors.Code(err))

	// Nothing was broadcast
	req.Empty(ofType(bob.drain(t), wire.OutMessage))
}

func TestChatService_Send_Rules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	group := f.room(t, domain.RoomKindGroup, map[string]domain.Role{"alice": domain.RoleAdmin})
	channel := f.room(t, domain.RoomKindChannel, map[string]domain.Role{"alice": domain.RoleAdmin, "bob": domain.RoleMember})
	other := f.room(t, domain.RoomKindGroup, map[string]domain.Role{"alice": domain.RoleAdmin})
	archived := f.room(t, domain.RoomKindGroup, map[string]domain.Role{"alice": domain.RoleAdmin})
	require.NoError(t, f.rooms.SetArchived(ctx, archived, true))
	f.notifier.EXPECT().Enqueue(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

	elsewhere, err := f.service.Send(ctx, post(other, "alice", "elsewhere"))
	require.NoError(t, err)

	tests := []struct {
		description string
		cmd         domain.PostMessageCommand
		wantErr     error
	}{
		{"Should reject a non member", post(group, "mallory", "hi"), errors.ErrNotAMember},
		{"Should reject an unknown room", post("nowhere", "alice", "hi"), errors.ErrRoomNotFound},
		{"Should reject an archived room", post(archived, "alice", "hi"), errors.ErrRoomArchived},
		{"Should reject a plain member posting in a channel", post(channel, "bob", "hi"), errors.ErrForbidden},
		{"Should reject an empty body", post(group, "alice", "   "), errors.ErrInvalidFrame},
		{
			"Should reject a reply to another room",
			func() domain.PostMessageCommand {
				cmd := post(group, "alice", "re")
				cmd.ReplyTo = lo.ToPtr(elsewhere.ID)
				return cmd
			}(),
			errors.ErrReplyOutsideRoom,
		},
		{
			"Should reject an expiry beyond a year",
			func() domain.PostMessageCommand {
				cmd := post(group, "alice", "later")
				cmd.ExpiresIn = 366 * 24 * time.Hour
				return cmd
			}(),
			errors.ErrInvalidFrame,
		},
	}
	for _, tt := range tests {
		t.Run(tt.description, func(t *testing.T) {
			_, err := f.service.Send(ctx, tt.cmd)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestChatService_Join_Redelivers_Pending_Messages(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, nil)
	roomID := f.room(t, domain.RoomKindGroup, map[string]domain.Role{"alice": domain.RoleAdmin, "bob": domain.RoleMember})
	f.notifier.EXPECT().Enqueue(gomock.Any(), "bob", gomock.Any()).Return(nil).Times(2)

	// Given two messages posted while bob was away
	first, err := f.service.Send(ctx, post(roomID, "alice", "first"))
	req.NoError(err)
	_, err = f.service.Send(ctx, post(roomID, "alice", "second"))
	req.NoError(err)

	// When bob joins
	bob := f.join(t, "bob", roomID)

	// Then he receives both in order and they are delivered
	frames := ofType(bob.drain(t), wire.OutMessage)
	req.Len(frames, 2)
	req.Equal("first", frames[0].Message.Content)
	req.Equal("second", frames[1].Message.Content)
	stored, err := f.messages.Get(first.ID)
	req.NoError(err)
	req.Equal(domain.StatusDelivered, stored.Status)
}

func TestChatService_Join_And_Leave_Notices(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, nil)
	roomID := f.room(t, domain.RoomKindGroup, map[string]domain.Role{"alice": domain.RoleAdmin, "bob": domain.RoleMember})
	alice := f.join(t, "alice", roomID)

	// When bob joins from two devices then leaves from one
	phone := f.join(t, "bob", roomID)
	laptop := f.join(t, "bob", roomID)
	f.service.Leave(ctx, phone, roomID)

	// Then alice saw a single join and no leave yet
	notices := ofType(alice.drain(t), wire.OutSystem)
	req.Len(notices, 1)
	req.Contains(notices[0].Text, "joined")

	// When the last device leaves
	f.service.LeaveAll(ctx, laptop, []domain.RoomID{roomID})
	notices = ofType(alice.drain(t), wire.OutSystem)
	req.Len(notices, 1)
	req.Contains(notices[0].Text, "left")
}

func TestChatService_Edit_And_Delete_Rules(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, nil)
	roomID := f.room(t, domain.RoomKindGroup, map[string]domain.Role{
		"alice": domain.RoleMember, "bob": domain.RoleMember, "mod": domain.RoleModerator,
	})
	f.notifier.EXPECT().Enqueue(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	bob := f.join(t, "bob", roomID)
	msg, err := f.service.Send(ctx, post(roomID, "alice", "tpyo"))
	req.NoError(err)

	// Only the sender edits
	_, err = f.service.Edit(ctx, domain.EditMessageCommand{MessageID: msg.ID, EditorID: "bob", Content: "nope"})
	req.ErrorIs(err, errors.ErrForbidden)
	edited, err := f.service.Edit(ctx, domain.EditMessageCommand{MessageID: msg.ID, EditorID: "alice", Content: "typo"})
	req.NoError(err)
	req.Equal("typo", edited.Content)
	history, err := f.service.EditHistory(ctx, domain.Identity{UserID: "bob"}, msg.ID)
	req.NoError(err)
	req.Len(history, 1)
	req.Equal("tpyo", history[0].PreviousContent)

	// A plain member cannot delete someone else's message, a moderator can
	_, err = f.service.Delete(ctx, domain.DeleteMessageCommand{MessageID: msg.ID, UserID: "bob"})
	req.ErrorIs(err, errors.ErrForbidden)
	deleted, err := f.service.Delete(ctx, domain.DeleteMessageCommand{MessageID: msg.ID, UserID: "mod"})
	req.NoError(err)
	req.True(deleted.Deleted)
	req.Equal("Deleted by moderator", deleted.DeleteReason)

	// A deleted message can no longer be edited or deleted
	_, err = f.service.Edit(ctx, domain.EditMessageCommand{MessageID: msg.ID, EditorID: "alice", Content: "again"})
	req.ErrorIs(err, errors.ErrAlreadyDeleted)
	_, err = f.service.Delete(ctx, domain.DeleteMessageCommand{MessageID: msg.ID, UserID: "alice"})
	req.ErrorIs(err, errors.ErrAlreadyDeleted)

	frames := bob.drain(t)
	req.Len(ofType(frames, wire.OutEdited), 1)
	req.Len(ofType(frames, wire.OutDeleted), 1)
}

func TestChatService_Duplicate_Reaction_And_Receipt_Are_No_Ops(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, nil)
	roomID := f.room(t, domain.RoomKindGroup, map[string]domain.Role{"alice": domain.RoleAdmin, "bob": domain.RoleMember})
	alice := f.join(t, "alice", roomID)
	f.join(t, "bob", roomID)
	msg, err := f.service.Send(ctx, post(roomID, "alice", "react to me"))
	req.NoError(err)
	alice.drain(t)

	react := domain.ReactCommand{MessageID: msg.ID, UserID: "bob", Emoji: "👍"}
	req.NoError(f.service.React(ctx, react))
	req.NoError(f.service.React(ctx, react))
	req.Len(ofType(alice.drain(t), wire.OutReaction), 1)

	seen := domain.SeenCommand{MessageID: msg.ID, UserID: "bob"}
	req.NoError(f.service.MarkSeen(ctx, seen))
	req.NoError(f.service.MarkSeen(ctx, seen))
	frames := alice.drain(t)
	req.Len(ofType(frames, wire.OutReceipt), 1)
	statuses := ofType(frames, wire.OutStatus)
	req.Len(statuses, 1)
	req.Equal(domain.StatusSeen, *statuses[0].Status)

	// Removing a reaction that is not there is silent too
	req.NoError(f.service.React(ctx, domain.ReactCommand{MessageID: msg.ID, UserID: "bob", Emoji: "🎉", Remove: true}))
	req.Empty(ofType(alice.drain(t), wire.OutReaction))
}

func TestChatService_Pin_Requires_Moderation(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, nil)
	roomID := f.room(t, domain.RoomKindGroup, map[string]domain.Role{"alice": domain.RoleAdmin, "bob": domain.RoleMember})
	f.notifier.EXPECT().Enqueue(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	msg, err := f.service.Send(ctx, post(roomID, "bob", "pin me"))
	req.NoError(err)

	req.ErrorIs(f.service.Pin(ctx, domain.PinCommand{MessageID: msg.ID, UserID: "bob", Pinned: true}), errors.ErrForbidden)
	req.NoError(f.service.Pin(ctx, domain.PinCommand{MessageID: msg.ID, UserID: "alice", Pinned: true}))

	stored, err := f.messages.Get(msg.ID)
	req.NoError(err)
	req.True(stored.Pinned)
}

func TestChatService_ExpireDue_Broadcasts_Deletions(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, nil)
	roomID := f.room(t, domain.RoomKindGroup, map[string]domain.Role{"alice": domain.RoleAdmin, "bob": domain.RoleMember})
	bob := f.join(t, "bob", roomID)

	cmd := post(roomID, "alice", "self destruct")
	cmd.ExpiresIn = time.Minute
	msg, err := f.service.Send(ctx, cmd)
	req.NoError(err)

	expired, err := f.service.ExpireDue(ctx, time.Now().Add(2*time.Minute))
	req.NoError(err)
	req.Equal(1, expired)

	frames := ofType(bob.drain(t), wire.OutDeleted)
	req.Len(frames, 1)
	req.Equal(msg.ID, *frames[0].MessageID)
	req.Equal(domain.ExpiredReason, frames[0].Reason)
}

func TestChatService_Bot_Receives_Member_Messages(t *testing.T) {
	req := require.New(t)
	bot := make(chan domain.Message, 1)
	f := newFixture(t, func(deps *ChatDependencies) { deps.Bot = bot })
	roomID := f.room(t, domain.RoomKindGroup, map[string]domain.Role{"alice": domain.RoleAdmin})

	_, err := f.service.Send(context.Background(), post(roomID, "alice", "help"))
	req.NoError(err)
	req.Equal("help", (<-bot).Content)

	reply, err := f.service.SendBot(context.Background(), roomID, "how can I help?")
	req.NoError(err)
	req.True(reply.IsSystem())
	req.Empty(bot)
}

func TestKeywordResponder(t *testing.T) {
	req := require.New(t)
	responder := NewKeywordResponder(ParseTriggers("help=How can I help?| Ping = pong |broken"))

	reply, ok := responder.Respond(context.Background(), domain.Message{SenderID: "alice", Content: "  PING "})
	req.True(ok)
	req.Equal("pong", reply)

	_, ok = responder.Respond(context.Background(), domain.Message{SenderID: "alice", Content: "help me"})
	req.False(ok)

	_, ok = responder.Respond(context.Background(), domain.Message{SenderID: domain.BotUserID, Content: "help"})
	req.False(ok)
}

func TestChatService_Concurrent_Receipts_Are_All_Recorded(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, nil)
	// Each reader loses at most one race per other reader
	f.service.cfg.PersistAttempts = 20

	members := map[string]domain.Role{"alice": domain.RoleAdmin}
	readers := make([]string, 20)
	for i := range readers {
		readers[i] = fmt.Sprintf("reader-%02d", i)
		members[readers[i]] = domain.RoleMember
	}
	roomID := f.room(t, domain.RoomKindGroup, members)
	f.notifier.EXPECT().Enqueue(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	alice := f.join(t, "alice", roomID)
	msg, err := f.service.Send(ctx, post(roomID, "alice", "read me"))
	req.NoError(err)
	alice.drain(t)

	// When every reader acknowledges the message at the same time
	errs := make(chan error, len(readers))
	var wg sync.WaitGroup
	for _, reader := range readers {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			errs <- f.service.MarkSeen(ctx, domain.SeenCommand{MessageID: msg.ID, UserID: userID})
		}(reader)
	}
	wg.Wait()
	close(errs)

	// Then no receipt is lost
	for err := range errs {
		req.NoError(err)
	}
	frames := alice.drain(t)
	req.Len(ofType(frames, wire.OutReceipt), len(readers))
	req.Len(ofType(frames, wire.OutStatus), 1)
	stored, err := f.messages.Get(msg.ID)
	req.NoError(err)
	req.Equal(domain.StatusSeen, stored.Status)
}

func TestChatService_Mutations_Retry_Transient_Failures(t *testing.T) {
	msgID := uuid.New()
	editedAt := time.Now().UTC()
	tests := []struct {
		name   string
		expect func(store *mocks.MockIMessageStore, msg domain.Message)
		run    func(ctx context.Context, s *ChatService) error
	}{
		{
			name: "edit",
			expect: func(store *mocks.MockIMessageStore, msg domain.Message) {
				edited := msg
				edited.Content = "fixed"
				edited.EditedAt = &editedAt
				gomock.InOrder(
					store.EXPECT().Edit(msgID, "alice", "fixed", gomock.Any()).Return(domain.Message{}, errors.ErrTransientPersistence),
					store.EXPECT().Edit(msgID, "alice", "fixed", gomock.Any()).Return(edited, nil),
				)
			},
			run: func(ctx context.Context, s *ChatService) error {
				_, err := s.Edit(ctx, domain.EditMessageCommand{MessageID: msgID, EditorID: "alice", Content: "fixed"})
				return err
			},
		},
		{
			name: "delete",
			expect: func(store *mocks.MockIMessageStore, msg domain.Message) {
				deleted := msg
				deleted.Deleted = true
				gomock.InOrder(
					store.EXPECT().SoftDelete(msgID, gomock.Any(), gomock.Any(), gomock.Any()).Return(domain.Message{}, errors.ErrTransientPersistence),
					store.EXPECT().SoftDelete(msgID, gomock.Any(), gomock.Any(), gomock.Any()).Return(deleted, nil),
				)
			},
			run: func(ctx context.Context, s *ChatService) error {
				_, err := s.Delete(ctx, domain.DeleteMessageCommand{MessageID: msgID, UserID: "alice"})
				return err
			},
		},
		{
			name: "react",
			expect: func(store *mocks.MockIMessageStore, msg domain.Message) {
				gomock.InOrder(
					store.EXPECT().AddReaction(gomock.Any()).Return(domain.Message{}, errors.ErrTransientPersistence),
					store.EXPECT().AddReaction(gomock.Any()).Return(msg, nil),
				)
			},
			run: func(ctx context.Context, s *ChatService) error {
				return s.React(ctx, domain.ReactCommand{MessageID: msgID, UserID: "bob", Emoji: "👍"})
			},
		},
		{
			name: "seen",
			expect: func(store *mocks.MockIMessageStore, msg domain.Message) {
				seen := msg
				seen.Status = domain.StatusSeen
				gomock.InOrder(
					store.EXPECT().AddReadReceipt(gomock.Any()).Return(domain.Message{}, false, errors.ErrTransientPersistence),
					store.EXPECT().AddReadReceipt(gomock.Any()).Return(seen, true, nil),
				)
			},
			run: func(ctx context.Context, s *ChatService) error {
				return s.MarkSeen(ctx, domain.SeenCommand{MessageID: msgID, UserID: "bob"})
			},
		},
		{
			name: "pin",
			expect: func(store *mocks.MockIMessageStore, msg domain.Message) {
				pinned := msg
				pinned.Pinned = true
				gomock.InOrder(
					store.EXPECT().SetPinned(msgID, true).Return(domain.Message{}, errors.ErrTransientPersistence),
					store.EXPECT().SetPinned(msgID, true).Return(pinned, nil),
				)
			},
			run: func(ctx context.Context, s *ChatService) error {
				return s.Pin(ctx, domain.PinCommand{MessageID: msgID, UserID: "alice", Pinned: true})
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)
			ctrl := gomock.NewController(t)
			store := mocks.NewMockIMessageStore(ctrl)
			f := newFixture(t, func(deps *ChatDependencies) { deps.Messages = store })
			roomID := f.room(t, domain.RoomKindGroup, map[string]domain.Role{"alice": domain.RoleAdmin, "bob": domain.RoleMember})
			msg := domain.Message{ID: msgID, Seq: 1, RoomID: roomID, SenderID: "alice", Content: "typo", Status: domain.StatusDelivered}
			store.EXPECT().Get(msgID).Return(msg, nil).AnyTimes()

			// Given the store conflicts once
			tt.expect(store, msg)

			// Then the pipeline retries and the caller never sees it
			req.NoError(tt.run(context.Background(), f.service))
		})
	}
}

func TestChatService_Delivery_Conflict_Is_Retried(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	store := mocks.NewMockIMessageStore(ctrl)
	f := newFixture(t, func(deps *ChatDependencies) { deps.Messages = store })
	roomID := f.room(t, domain.RoomKindGroup, map[string]domain.Role{"alice": domain.RoleAdmin})
	msgID := uuid.New()
	delivered := domain.Message{ID: msgID, RoomID: roomID, SenderID: "alice", Status: domain.StatusDelivered}

	// Given a remote delivery whose first status write conflicts
	gomock.InOrder(
		store.EXPECT().AdvanceStatus(msgID, domain.StatusDelivered).Return(domain.Message{}, false, errors.ErrTransientPersistence),
		store.EXPECT().AdvanceStatus(msgID, domain.StatusDelivered).Return(delivered, true, nil),
	)

	// Then the message still ends delivered
	f.service.MarkDelivered(context.Background(), roomID, msgID)
	req.True(ctrl.Satisfied())
}

func TestChatService_Join_Does_Not_Redeliver_What_Another_Member_Received(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, nil)
	roomID := f.room(t, domain.RoomKindGroup, map[string]domain.Role{
		"alice": domain.RoleAdmin,
		"bob":   domain.RoleMember,
		"carol": domain.RoleMember,
	})
	f.notifier.EXPECT().Enqueue(gomock.Any(), "bob", gomock.Any()).Return(nil).Times(1)

	// Given carol received the message while bob was away
	f.join(t, "carol", roomID)
	msg, err := f.service.Send(ctx, post(roomID, "alice", "morning all"))
	req.NoError(err)
	req.Equal(domain.StatusDelivered, msg.Status)

	// When bob connects
	bob := f.join(t, "bob", roomID)

	// Then nothing is redelivered, the message is already past sent and bob reads it through history
	req.Empty(ofType(bob.drain(t), wire.OutMessage))
	history, _, err := f.service.History(ctx, domain.Identity{UserID: "bob"}, roomID, 0, 10)
	req.NoError(err)
	req.Len(history, 1)
	req.Equal(msg.ID, history[0].ID)
}

func TestChatService_Remote_Frames_Feed_The_Local_Index(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	index := mocks.NewMockIMessageIndex(ctrl)
	var store interface {
		Append(msg domain.Message) (domain.Message, error)
		Edit(id uuid.UUID, editorID, content string, at time.Time) (domain.Message, error)
	}
	f := newFixture(t, func(deps *ChatDependencies) {
		deps.Index = index
		store = deps.Messages
	})

	// Given a message written and edited through another node
	stored, err := store.Append(domain.Message{RoomID: "room", SenderID: "alice", Content: "first draft"})
	req.NoError(err)
	posted, err := wire.Encode(event.MessagePosted{Message: stored})
	req.NoError(err)
	edited, err := store.Edit(stored.ID, "alice", "final", time.Now().UTC())
	req.NoError(err)
	editFrame, err := wire.Encode(event.MessageEdited{Room: "room", MessageID: stored.ID, Content: "final", EditedAt: *edited.EditedAt})
	req.NoError(err)
	deleteFrame, err := wire.Encode(event.MessageDeleted{Room: "room", MessageID: stored.ID, Reason: "spam"})
	req.NoError(err)
	typing, err := wire.Encode(event.Typing{Room: "room", UserID: "alice"})
	req.NoError(err)

	// Then the index follows the message, the edit read back from the store, and the deletion
	gomock.InOrder(
		index.EXPECT().Index(gomock.Any()).DoAndReturn(func(msg domain.Message) error {
			req.Equal("first draft", msg.Content)
			return nil
		}),
		index.EXPECT().Index(gomock.Any()).DoAndReturn(func(msg domain.Message) error {
			req.Equal(stored.ID, msg.ID)
			req.Equal("final", msg.Content)
			return nil
		}),
		index.EXPECT().Remove(stored.ID).Return(nil),
	)

	// When the frames arrive, along with frames that carry nothing to index
	f.service.IndexRemoteFrame(ctx, "room", posted)
	f.service.IndexRemoteFrame(ctx, "room", editFrame)
	f.service.IndexRemoteFrame(ctx, "room", typing)
	f.service.IndexRemoteFrame(ctx, "room", []byte("not json"))
	f.service.IndexRemoteFrame(ctx, "room", deleteFrame)
}
