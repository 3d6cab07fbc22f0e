package services

import (
	"chat-core/contract"
	"chat-core/domain"
	"chat-core/domain/event"
	"chat-core/errors"
	"chat-core/moderation"
	"chat-core/observability"
	"chat-core/runtime"
	"chat-core/wire"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/abadojack/whatlanggo"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

type IChatService interface {
	Send(ctx context.Context, cmd domain.PostMessageCommand) (domain.Message, error)
	SendBot(ctx context.Context, roomID domain.RoomID, content string) (domain.Message, error)
	Typing(ctx context.Context, identity domain.Identity, sessionID string, roomID domain.RoomID) error
	Edit(ctx context.Context, cmd domain.EditMessageCommand) (domain.Message, error)
	Delete(ctx context.Context, cmd domain.DeleteMessageCommand) (domain.Message, error)
	React(ctx context.Context, cmd domain.ReactCommand) error
	MarkSeen(ctx context.Context, cmd domain.SeenCommand) error
	Pin(ctx context.Context, cmd domain.PinCommand) error
	History(ctx context.Context, identity domain.Identity, roomID domain.RoomID, before uint64, limit int) ([]domain.Message, uint64, error)
	Search(ctx context.Context, identity domain.Identity, roomID domain.RoomID, query string) ([]domain.Message, uint64, error)
	EditHistory(ctx context.Context, identity domain.Identity, messageID uuid.UUID) ([]domain.EditHistoryEntry, error)
	Join(ctx context.Context, sink contract.Sink, identity domain.Identity, roomID domain.RoomID) error
	Leave(ctx context.Context, sink contract.Sink, roomID domain.RoomID)
	LeaveAll(ctx context.Context, sink contract.Sink, rooms []domain.RoomID)
	MarkDelivered(ctx context.Context, roomID domain.RoomID, messageID uuid.UUID)
	IndexRemoteFrame(ctx context.Context, roomID domain.RoomID, frame []byte)
	ExpireDue(ctx context.Context, now time.Time) (int, error)
}

type ChatConfig struct {
	PersistAttempts  int
	PersistBackoff   time.Duration
	MaxContentLength int
	RedeliveryLimit  int
	HistoryLimit     int
	SearchLimit      int
	ExpiryBatchSize  int
}

// ChatDependencies are the collaborators of the pipeline.
// Index, Attachments, Moderator and Bot are optional.
type ChatDependencies struct {
	Messages    contract.IMessageStore
	Index       contract.IMessageIndex
	Rooms       contract.IRoomRegistry
	Presence    contract.IPresenceStore
	Router      *runtime.Router
	Notifier    contract.INotifier
	Attachments contract.IAttachmentStore
	Moderator   *moderation.Moderator
	Bot         chan<- domain.Message
	Metrics     *observability.Metrics
}

// ChatService is the message pipeline: it validates commands, persists them,
// fans the result out through the router and triggers the side effects.
// Work on one room is serialized so persistence order is broadcast order.
type ChatService struct {
	log       *slog.Logger
	deps      ChatDependencies
	cfg       ChatConfig
	locks     *runtime.RoomLocks
	validator *validator.Validate
	now       func() time.Time
}

func NewChatService(log *slog.Logger, deps ChatDependencies, cfg ChatConfig) *ChatService {
	if cfg.PersistAttempts <= 0 {
		cfg.PersistAttempts = 1
	}
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = 4096
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = 20
	}
	if cfg.ExpiryBatchSize <= 0 {
		cfg.ExpiryBatchSize = 100
	}
	return &ChatService{
		log:       log,
		deps:      deps,
		cfg:       cfg,
		locks:     runtime.NewRoomLocks(),
		validator: validator.New(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// authorize resolves the room for a caller and its role there.
// Rooms of another tenant read as not found.
func (s *ChatService) authorize(ctx context.Context, roomID domain.RoomID, userID, tenantID string) (domain.Room, domain.Role, error) {
	room, err := s.deps.Rooms.GetRoom(ctx, roomID)
	if err != nil {
		return domain.Room{}, "", err
	}
	if !room.VisibleTo(tenantID) {
		return domain.Room{}, "", errors.ErrRoomNotFound
	}
	role, err := s.deps.Rooms.Role(ctx, roomID, userID)
	if err != nil {
		return domain.Room{}, "", err
	}
	return room, role, nil
}

// message loads a message and authorizes the caller against its room.
func (s *ChatService) message(ctx context.Context, id uuid.UUID, userID, tenantID string) (domain.Message, domain.Room, domain.Role, error) {
	msg, err := s.deps.Messages.Get(id)
	if err != nil {
		return domain.Message{}, domain.Room{}, "", err
	}
	room, role, err := s.authorize(ctx, msg.RoomID, userID, tenantID)
	if err != nil {
		return domain.Message{}, domain.Room{}, "", err
	}
	return msg, room, role, nil
}

func (s *ChatService) invalid(err error) error {
	return fmt.Errorf("%w: %v", errors.ErrInvalidFrame, err)
}

// Send validates, stores and broadcasts a message. When persistence keeps failing
// the error wraps errors.ErrSendFailed and nothing was broadcast.
func (s *ChatService) Send(ctx context.Context, cmd domain.PostMessageCommand) (domain.Message, error) {
	if err := s.validator.Struct(cmd); err != nil {
		return domain.Message{}, s.invalid(err)
	}
	room, role, err := s.authorize(ctx, cmd.Room, cmd.SenderID, cmd.TenantID)
	if err != nil {
		return domain.Message{}, err
	}
	if room.Archived {
		return domain.Message{}, errors.ErrRoomArchived
	}
	if room.Kind == domain.RoomKindChannel && !role.CanModerate() {
		return domain.Message{}, errors.ErrForbidden
	}

	msg := domain.Message{
		RoomID:    room.ID,
		SenderID:  cmd.SenderID,
		Content:   strings.TrimSpace(cmd.Content),
		CreatedAt: lo.Ternary(cmd.CreatedAt.IsZero(), s.now(), cmd.CreatedAt),
	}
	if utf8.RuneCountInString(msg.Content) > s.cfg.MaxContentLength {
		return domain.Message{}, s.invalid(fmt.Errorf("content longer than %d characters", s.cfg.MaxContentLength))
	}
	if cmd.ReplyTo != nil {
		target, err := s.deps.Messages.Get(*cmd.ReplyTo)
		if errors.Is(err, errors.ErrMessageNotFound) || (err == nil && target.RoomID != room.ID) {
			return domain.Message{}, errors.ErrReplyOutsideRoom
		}
		if err != nil {
			return domain.Message{}, err
		}
		msg.ReplyTo = cmd.ReplyTo
	}
	if cmd.ForwardedFrom != nil {
		source, _, _, err := s.message(ctx, *cmd.ForwardedFrom, cmd.SenderID, cmd.TenantID)
		if err != nil {
			return domain.Message{}, err
		}
		if source.Deleted {
			return domain.Message{}, errors.ErrAlreadyDeleted
		}
		if msg.Content == "" {
			msg.Content = source.Content
		}
		msg.Attachments = append(msg.Attachments, source.Attachments...)
		msg.ForwardedFrom = cmd.ForwardedFrom
	}
	if len(cmd.Attachment) > 0 {
		if s.deps.Attachments == nil {
			return domain.Message{}, s.invalid(fmt.Errorf("attachments are disabled"))
		}
		attachment, err := s.deps.Attachments.Store(ctx, cmd.Attachment, cmd.AttachmentName)
		if err != nil {
			return domain.Message{}, err
		}
		msg.Attachments = append(msg.Attachments, attachment)
	}
	if msg.Content == "" && len(msg.Attachments) == 0 {
		return domain.Message{}, s.invalid(fmt.Errorf("empty message"))
	}
	if cmd.ExpiresIn > 0 {
		msg.ExpiresAt = lo.ToPtr(msg.CreatedAt.Add(cmd.ExpiresIn))
	}
	return s.post(ctx, msg, cmd.SessionID, true)
}

// SendBot posts as the reserved bot identity. Bot messages never notify.
func (s *ChatService) SendBot(ctx context.Context, roomID domain.RoomID, content string) (domain.Message, error) {
	msg := domain.Message{
		RoomID:    roomID,
		SenderID:  domain.BotUserID,
		Content:   content,
		CreatedAt: s.now(),
	}
	return s.post(ctx, msg, "", false)
}

func (s *ChatService) post(ctx context.Context, msg domain.Message, sessionID string, notify bool) (domain.Message, error) {
	msg.Content = s.censor(msg.Content)
	msg.Lang = detectLang(msg.Content)

	var members map[string]domain.Role
	if notify {
		var err error
		if members, err = s.deps.Rooms.GetMembers(ctx, msg.RoomID); err != nil {
			return domain.Message{}, err
		}
	}

	unlock := s.locks.Lock(msg.RoomID)
	stored, err := s.persist(ctx, msg)
	if err != nil {
		unlock()
		s.deps.Metrics.SendFailed()
		s.log.Warn("Message could not be stored", "room_id", msg.RoomID, "sender_id", msg.SenderID, "error", err)
		return domain.Message{}, fmt.Errorf("%w: %v", errors.ErrSendFailed, err)
	}
	s.index(stored)
	delivery := s.deps.Router.Publish(ctx, event.MessagePosted{Message: stored}, runtime.PublishOptions{
		ExcludeSession: sessionID,
		SenderID:       stored.SenderID,
		AckMessageID:   &stored.ID,
	})
	if len(delivery.Users) > 0 {
		stored = s.advance(ctx, stored, domain.StatusDelivered)
	}
	unlock()
	s.deps.Metrics.MessageSent()

	if notify {
		s.notifyAbsent(ctx, stored, members, delivery)
		s.toBot(stored)
	}
	return stored, nil
}

// persist appends with a bounded retry on transient failures.
func (s *ChatService) persist(ctx context.Context, msg domain.Message) (domain.Message, error) {
	var stored domain.Message
	err := s.retryTransient(ctx, "append", func() error {
		var err error
		stored, err = s.deps.Messages.Append(msg)
		return err
	})
	return stored, err
}

// retryTransient runs op until it succeeds, fails for another reason or
// PersistAttempts run out. Backoff grows linearly with the attempt.
func (s *ChatService) retryTransient(ctx context.Context, operation string, op func() error) error {
	var err error
	for attempt := 1; attempt <= s.cfg.PersistAttempts; attempt++ {
		if err = op(); err == nil || !errors.Is(err, errors.ErrTransientPersistence) {
			return err
		}
		if attempt == s.cfg.PersistAttempts {
			break
		}
		s.deps.Metrics.PersistRetried()
		s.log.Debug("Retrying persistence", "operation", operation, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.PersistBackoff * time.Duration(attempt)):
		}
	}
	return err
}

// advance moves the lifecycle forward and broadcasts the change.
func (s *ChatService) advance(ctx context.Context, msg domain.Message, to domain.Status) domain.Message {
	var updated domain.Message
	var changed bool
	err := s.retryTransient(ctx, "advance", func() error {
		var err error
		updated, changed, err = s.deps.Messages.AdvanceStatus(msg.ID, to)
		return err
	})
	if err != nil {
		s.log.Warn("Unable to advance message status", "message_id", msg.ID, "status", to, "error", err)
		return msg
	}
	if changed {
		s.deps.Router.Publish(ctx, event.StatusChanged{Room: msg.RoomID, MessageID: msg.ID, Status: updated.Status}, runtime.PublishOptions{})
	}
	return updated
}

// notifyAbsent enqueues a notification for every member the fan-out did not reach.
// Dispatch failures are logged and never undo the send.
func (s *ChatService) notifyAbsent(ctx context.Context, msg domain.Message, members map[string]domain.Role, delivery runtime.Delivery) {
	if s.deps.Notifier == nil {
		return
	}
	for userID := range members {
		if userID == msg.SenderID || userID == domain.BotUserID || delivery.Reached(userID) {
			continue
		}
		if s.deps.Router.MultiNode() {
			// Another gateway process may hold the recipient's session.
			online, err := s.deps.Presence.IsOnline(ctx, userID)
			if err == nil && online {
				continue
			}
		}
		muted, err := s.deps.Rooms.IsMuted(ctx, msg.RoomID, userID, s.now())
		if err != nil {
			s.log.Warn("Unable to read mute, notifying anyway", "room_id", msg.RoomID, "user_id", userID, "error", err)
		}
		if muted {
			continue
		}
		if err := s.deps.Notifier.Enqueue(ctx, userID, msg.ID); err != nil {
			s.log.Warn("Notification dispatch failed",
				"user_id", userID, "message_id", msg.ID,
				"error", fmt.Errorf("%w: %v", errors.ErrNotificationDispatch, err))
		}
	}
}

func (s *ChatService) toBot(msg domain.Message) {
	if s.deps.Bot == nil || msg.IsSystem() || msg.Content == "" {
		return
	}
	select {
	case s.deps.Bot <- msg:
	default:
		s.log.Warn("Bot queue full, dropping message", "message_id", msg.ID)
	}
}

func (s *ChatService) censor(content string) string {
	censored, words := s.deps.Moderator.Censor(content)
	if len(words) > 0 {
		s.log.Debug("Censored message content", "words", len(words))
	}
	return censored
}

func detectLang(content string) string {
	if content == "" {
		return ""
	}
	info := whatlanggo.Detect(content)
	if !info.IsReliable() {
		return ""
	}
	return info.Lang.Iso6391()
}

func (s *ChatService) index(msg domain.Message) {
	if s.deps.Index == nil {
		return
	}
	if err := s.deps.Index.Index(msg); err != nil {
		s.log.Warn("Unable to index message", "message_id", msg.ID, "error", err)
	}
}

func (s *ChatService) unindex(id uuid.UUID) {
	if s.deps.Index == nil {
		return
	}
	if err := s.deps.Index.Remove(id); err != nil {
		s.log.Warn("Unable to remove message from index", "message_id", id, "error", err)
	}
}

// Typing is broadcast only, never stored.
func (s *ChatService) Typing(ctx context.Context, identity domain.Identity, sessionID string, roomID domain.RoomID) error {
	if _, _, err := s.authorize(ctx, roomID, identity.UserID, identity.TenantID); err != nil {
		return err
	}
	s.deps.Router.Publish(ctx, event.Typing{Room: roomID, UserID: identity.UserID}, runtime.PublishOptions{
		ExcludeSession: sessionID,
		ExcludeUser:    identity.UserID,
	})
	return nil
}

func (s *ChatService) Edit(ctx context.Context, cmd domain.EditMessageCommand) (domain.Message, error) {
	if err := s.validator.Struct(cmd); err != nil {
		return domain.Message{}, s.invalid(err)
	}
	content := strings.TrimSpace(cmd.Content)
	if content == "" || utf8.RuneCountInString(content) > s.cfg.MaxContentLength {
		return domain.Message{}, s.invalid(fmt.Errorf("content must be 1 to %d characters", s.cfg.MaxContentLength))
	}
	msg, _, _, err := s.message(ctx, cmd.MessageID, cmd.EditorID, cmd.TenantID)
	if err != nil {
		return domain.Message{}, err
	}
	censored, at := s.censor(content), s.now()
	var edited domain.Message
	err = s.retryTransient(ctx, "edit", func() error {
		var err error
		edited, err = s.deps.Messages.Edit(msg.ID, cmd.EditorID, censored, at)
		return err
	})
	if err != nil {
		return domain.Message{}, err
	}
	s.index(edited)
	s.deps.Router.Publish(ctx, event.MessageEdited{
		Room:      edited.RoomID,
		MessageID: edited.ID,
		Content:   edited.Content,
		EditedAt:  *edited.EditedAt,
	}, runtime.PublishOptions{})
	return edited, nil
}

// Delete soft deletes a message. The sender or a room moderator may do it.
func (s *ChatService) Delete(ctx context.Context, cmd domain.DeleteMessageCommand) (domain.Message, error) {
	if err := s.validator.Struct(cmd); err != nil {
		return domain.Message{}, s.invalid(err)
	}
	msg, _, role, err := s.message(ctx, cmd.MessageID, cmd.UserID, cmd.TenantID)
	if err != nil {
		return domain.Message{}, err
	}
	reason := cmd.Reason
	if reason == "" {
		reason = lo.Ternary(msg.SenderID == cmd.UserID, "Deleted by sender", "Deleted by moderator")
	}
	authorize := func(current domain.Message) error {
		if current.SenderID != cmd.UserID && !role.CanModerate() {
			return errors.ErrForbidden
		}
		return nil
	}
	at := s.now()
	var deleted domain.Message
	err = s.retryTransient(ctx, "delete", func() error {
		var err error
		deleted, err = s.deps.Messages.SoftDelete(msg.ID, reason, at, authorize)
		return err
	})
	if err != nil {
		return domain.Message{}, err
	}
	s.unindex(deleted.ID)
	s.deps.Router.Publish(ctx, event.MessageDeleted{Room: deleted.RoomID, MessageID: deleted.ID, Reason: reason}, runtime.PublishOptions{})
	return deleted, nil
}

// React adds or removes a reaction. Repeating either is a silent no-op.
func (s *ChatService) React(ctx context.Context, cmd domain.ReactCommand) error {
	if err := s.validator.Struct(cmd); err != nil {
		return s.invalid(err)
	}
	msg, _, _, err := s.message(ctx, cmd.MessageID, cmd.UserID, cmd.TenantID)
	if err != nil {
		return err
	}
	reaction := domain.Reaction{MessageID: msg.ID, UserID: cmd.UserID, Emoji: cmd.Emoji, ReactedAt: s.now()}
	err = s.retryTransient(ctx, "react", func() error {
		if cmd.Remove {
			_, err := s.deps.Messages.RemoveReaction(reaction)
			return err
		}
		_, err := s.deps.Messages.AddReaction(reaction)
		return err
	})
	if errors.Is(err, errors.ErrDuplicateReaction) || errors.Is(err, errors.ErrReactionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	s.deps.Router.Publish(ctx, event.ReactionChanged{Room: msg.RoomID, Removed: cmd.Remove, Reaction: reaction}, runtime.PublishOptions{})
	return nil
}

// MarkSeen records a read receipt and the reader's read marker.
// The first receipt from someone other than the sender moves the message to seen.
func (s *ChatService) MarkSeen(ctx context.Context, cmd domain.SeenCommand) error {
	if err := s.validator.Struct(cmd); err != nil {
		return s.invalid(err)
	}
	msg, _, _, err := s.message(ctx, cmd.MessageID, cmd.UserID, cmd.TenantID)
	if err != nil {
		return err
	}
	now := s.now()
	err = s.retryTransient(ctx, "mark read", func() error {
		return s.deps.Rooms.MarkRead(ctx, msg.RoomID, cmd.UserID, now)
	})
	if err != nil {
		s.log.Warn("Unable to update read marker", "room_id", msg.RoomID, "user_id", cmd.UserID, "error", err)
	}
	receipt := domain.ReadReceipt{MessageID: msg.ID, UserID: cmd.UserID, SeenAt: now}
	var updated domain.Message
	var changed bool
	err = s.retryTransient(ctx, "receipt", func() error {
		var err error
		updated, changed, err = s.deps.Messages.AddReadReceipt(receipt)
		return err
	})
	if errors.Is(err, errors.ErrDuplicateReadReceipt) {
		return nil
	}
	if err != nil {
		return err
	}
	if cmd.UserID == msg.SenderID {
		return nil
	}
	s.deps.Router.Publish(ctx, event.ReceiptAdded{Room: msg.RoomID, ReadReceipt: receipt}, runtime.PublishOptions{})
	if changed {
		s.deps.Router.Publish(ctx, event.StatusChanged{Room: msg.RoomID, MessageID: msg.ID, Status: updated.Status}, runtime.PublishOptions{})
	}
	return nil
}

func (s *ChatService) Pin(ctx context.Context, cmd domain.PinCommand) error {
	if err := s.validator.Struct(cmd); err != nil {
		return s.invalid(err)
	}
	msg, _, role, err := s.message(ctx, cmd.MessageID, cmd.UserID, cmd.TenantID)
	if err != nil {
		return err
	}
	if !role.CanModerate() {
		return errors.ErrForbidden
	}
	if msg.Pinned == cmd.Pinned {
		return nil
	}
	err = s.retryTransient(ctx, "pin", func() error {
		_, err := s.deps.Messages.SetPinned(msg.ID, cmd.Pinned)
		return err
	})
	if err != nil {
		return err
	}
	s.deps.Router.Publish(ctx, event.MessagePinned{Room: msg.RoomID, MessageID: msg.ID, Pinned: cmd.Pinned}, runtime.PublishOptions{})
	return nil
}

func (s *ChatService) History(ctx context.Context, identity domain.Identity, roomID domain.RoomID, before uint64, limit int) ([]domain.Message, uint64, error) {
	if _, _, err := s.authorize(ctx, roomID, identity.UserID, identity.TenantID); err != nil {
		return nil, 0, err
	}
	if limit <= 0 || limit > s.cfg.HistoryLimit {
		limit = s.cfg.HistoryLimit
	}
	return s.deps.Messages.History(roomID, before, limit)
}

// Search runs a full text query over the visible messages of a room.
func (s *ChatService) Search(ctx context.Context, identity domain.Identity, roomID domain.RoomID, query string) ([]domain.Message, uint64, error) {
	if _, _, err := s.authorize(ctx, roomID, identity.UserID, identity.TenantID); err != nil {
		return nil, 0, err
	}
	if s.deps.Index == nil {
		return nil, 0, nil
	}
	ids, total, err := s.deps.Index.Search(ctx, roomID, query, s.cfg.SearchLimit)
	if err != nil {
		return nil, 0, err
	}
	messages := make([]domain.Message, 0, len(ids))
	for _, id := range ids {
		msg, err := s.deps.Messages.Get(id)
		if errors.Is(err, errors.ErrMessageNotFound) {
			continue
		}
		if err != nil {
			return nil, 0, err
		}
		if !msg.Deleted {
			messages = append(messages, msg)
		}
	}
	return messages, total, nil
}

func (s *ChatService) EditHistory(ctx context.Context, identity domain.Identity, messageID uuid.UUID) ([]domain.EditHistoryEntry, error) {
	if _, _, _, err := s.message(ctx, messageID, identity.UserID, identity.TenantID); err != nil {
		return nil, err
	}
	return s.deps.Messages.EditHistory(messageID)
}

// Join subscribes a session to a room after a membership check, then hands it
// the messages still waiting for delivery, before any newer message.
func (s *ChatService) Join(ctx context.Context, sink contract.Sink, identity domain.Identity, roomID domain.RoomID) error {
	if _, _, err := s.authorize(ctx, roomID, identity.UserID, identity.TenantID); err != nil {
		return err
	}
	unlock := s.locks.Lock(roomID)
	first := s.deps.Router.Subscribe(sink, roomID)
	s.redeliver(ctx, sink, roomID)
	unlock()

	if first {
		s.deps.Router.Publish(ctx, event.SystemNotice{Room: roomID, Text: fmt.Sprintf("%s joined the room", identity.UserID)},
			runtime.PublishOptions{ExcludeUser: identity.UserID})
	}
	return nil
}

func (s *ChatService) redeliver(ctx context.Context, sink contract.Sink, roomID domain.RoomID) {
	if s.cfg.RedeliveryLimit <= 0 {
		return
	}
	pending, err := s.deps.Messages.Undelivered(roomID, sink.UserID(), s.cfg.RedeliveryLimit)
	if err != nil {
		s.log.Warn("Unable to load undelivered messages", "room_id", roomID, "user_id", sink.UserID(), "error", err)
		return
	}
	for _, msg := range pending {
		if !s.deps.Router.SendTo(sink, event.MessagePosted{Message: msg}) {
			return
		}
		s.advance(ctx, msg, domain.StatusDelivered)
	}
}

// Leave detaches a session from a room and announces the user's departure
// once no other session of the user remains there.
func (s *ChatService) Leave(ctx context.Context, sink contract.Sink, roomID domain.RoomID) {
	s.deps.Router.Unsubscribe(sink.ID(), roomID)
	s.announceDeparture(ctx, sink.UserID(), roomID)
}

// LeaveAll detaches a closing session from everything. rooms are the rooms the
// session believed it followed, which still matters when the router pruned it first.
func (s *ChatService) LeaveAll(ctx context.Context, sink contract.Sink, rooms []domain.RoomID) {
	s.deps.Router.UnsubscribeAll(sink.ID())
	for _, roomID := range rooms {
		s.announceDeparture(ctx, sink.UserID(), roomID)
	}
}

func (s *ChatService) announceDeparture(ctx context.Context, userID string, roomID domain.RoomID) {
	if s.deps.Router.HasLiveSession(roomID, userID) {
		return
	}
	s.deps.Router.Publish(ctx, event.SystemNotice{Room: roomID, Text: fmt.Sprintf("%s left the room", userID)},
		runtime.PublishOptions{ExcludeUser: userID})
}

// MarkDelivered applies a delivery reported by another gateway process.
func (s *ChatService) MarkDelivered(ctx context.Context, roomID domain.RoomID, messageID uuid.UUID) {
	unlock := s.locks.Lock(roomID)
	defer unlock()
	s.advance(ctx, domain.Message{ID: messageID, RoomID: roomID}, domain.StatusDelivered)
}

// IndexRemoteFrame keeps the local search index in step with messages written
// through other gateway processes. Edits are read back from the shared store.
func (s *ChatService) IndexRemoteFrame(_ context.Context, roomID domain.RoomID, frame []byte) {
	if s.deps.Index == nil {
		return
	}
	var out wire.Outbound
	if err := json.Unmarshal(frame, &out); err != nil {
		s.log.Warn("Dropping undecodable remote frame", "room_id", roomID, "error", err)
		return
	}
	switch {
	case out.Type == wire.OutMessage && out.Message != nil:
		s.index(*out.Message)
	case out.Type == wire.OutEdited && out.MessageID != nil:
		msg, err := s.deps.Messages.Get(*out.MessageID)
		if err != nil {
			s.log.Warn("Unable to reload edited message", "message_id", *out.MessageID, "error", err)
			return
		}
		if !msg.Deleted {
			s.index(msg)
		}
	case out.Type == wire.OutDeleted && out.MessageID != nil:
		s.unindex(*out.MessageID)
	}
}

// ExpireDue soft deletes every message whose expiry passed and broadcasts the deletions.
func (s *ChatService) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	var total int
	for {
		var expired []domain.Message
		err := s.retryTransient(ctx, "expire", func() error {
			var err error
			expired, err = s.deps.Messages.ExpireDue(now, s.cfg.ExpiryBatchSize)
			return err
		})
		if err != nil {
			return total, err
		}
		for _, msg := range expired {
			s.unindex(msg.ID)
			s.deps.Router.Publish(ctx, event.MessageDeleted{Room: msg.RoomID, MessageID: msg.ID, Reason: domain.ExpiredReason}, runtime.PublishOptions{})
		}
		total += len(expired)
		if len(expired) < s.cfg.ExpiryBatchSize {
			s.deps.Metrics.MessagesExpired(total)
			return total, nil
		}
	}
}
