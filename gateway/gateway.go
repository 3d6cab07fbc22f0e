package gateway

import (
	"chat-core/contract"
	"chat-core/domain"
	"chat-core/domain/event"
	"chat-core/errors"
	"chat-core/observability"
	"chat-core/runtime"
	"chat-core/services"
	"chat-core/wire"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"
	"golang.org/x/time/rate"
)

type Config struct {
	SessionBuffer int
	FrameRate     float64
	FrameBurst    int
	PresenceGrace time.Duration
}

// Gateway owns the live sessions of this process. It turns inbound frames into
// pipeline calls and keeps presence in step with connects and disconnects.
type Gateway struct {
	log      *slog.Logger
	chat     services.IChatService
	rooms    contract.IRoomRegistry
	presence contract.IPresenceStore
	router   *runtime.Router
	metrics  *observability.Metrics
	cfg      Config
	now      func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewGateway(
	log *slog.Logger,
	chat services.IChatService,
	rooms contract.IRoomRegistry,
	presence contract.IPresenceStore,
	router *runtime.Router,
	metrics *observability.Metrics,
	cfg Config,
) *Gateway {
	if cfg.SessionBuffer <= 0 {
		cfg.SessionBuffer = 256
	}
	return &Gateway{
		log:      log,
		chat:     chat,
		rooms:    rooms,
		presence: presence,
		router:   router,
		metrics:  metrics,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		sessions: make(map[string]*Session),
	}
}

// Connect opens a session for an authenticated user. When roomID is set the user
// must be a member of it, otherwise nothing is registered and the error is returned.
func (g *Gateway) Connect(ctx context.Context, identity domain.Identity, roomID domain.RoomID) (*Session, error) {
	now := g.now()
	var limiter *rate.Limiter
	if g.cfg.FrameRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(g.cfg.FrameRate), max(g.cfg.FrameBurst, 1))
	}
	s := newSession(identity, g.cfg.SessionBuffer, limiter, now)

	if roomID != "" {
		if err := g.chat.Join(ctx, s, identity, roomID); err != nil {
			return nil, err
		}
		s.addRoom(roomID)
		g.reply(s, wire.Joined("", roomID))
	}

	g.mu.Lock()
	g.sessions[s.id] = s
	g.mu.Unlock()
	g.metrics.SessionOpened()

	flipped, err := g.presence.MarkOnline(ctx, identity.UserID, s.id, now)
	if err != nil {
		g.log.Warn("Unable to mark user online", "user_id", identity.UserID, "error", err)
	}
	if flipped {
		g.AnnouncePresence(ctx, identity.UserID, true, now)
	}
	g.log.Debug("Session opened", "session_id", s.id, "user_id", identity.UserID, "room_id", roomID)
	return s, nil
}

// Disconnect releases everything the session holds. It runs on normal and abnormal
// termination alike and is a no-op for a session already disconnected.
func (g *Gateway) Disconnect(ctx context.Context, s *Session) {
	g.mu.Lock()
	_, ok := g.sessions[s.id]
	delete(g.sessions, s.id)
	g.mu.Unlock()
	if !ok {
		return
	}
	s.Close()
	g.chat.LeaveAll(ctx, s, s.Rooms())

	now := g.now()
	flipped, err := g.presence.MarkOffline(ctx, s.UserID(), s.id, now)
	if err != nil {
		g.log.Warn("Unable to mark user offline", "user_id", s.UserID(), "error", err)
	}
	if flipped {
		g.AnnouncePresence(ctx, s.UserID(), false, now)
	}
	g.metrics.SessionClosed()
	g.log.Debug("Session closed", "session_id", s.id, "user_id", s.UserID())
}

// Heartbeat refreshes the session for the stale sweep and the shared presence record.
func (g *Gateway) Heartbeat(ctx context.Context, s *Session) {
	now := g.now()
	s.beat(now)
	if err := g.presence.Heartbeat(ctx, s.UserID(), s.id, now); err != nil {
		g.log.Warn("Presence heartbeat failed", "user_id", s.UserID(), "error", err)
	}
}

// Handle processes one inbound frame. Failures are answered on the session
// with an error frame and never close the connection.
func (g *Gateway) Handle(ctx context.Context, s *Session, raw []byte) {
	s.beat(g.now())
	if !s.allow() {
		g.metrics.RateLimited()
		g.reply(s, wire.Error("", errors.ErrRateLimited))
		return
	}
	in, err := wire.DecodeInbound(raw)
	if err != nil {
		g.reply(s, wire.Error(in.Ref, err))
		return
	}
	if err := g.dispatch(ctx, s, in); err != nil {
		g.log.Debug("Frame rejected", "session_id", s.id, "type", in.Type, "error", err)
		g.reply(s, wire.Error(in.Ref, err))
	}
}

func (g *Gateway) dispatch(ctx context.Context, s *Session, in wire.Inbound) error {
	identity := s.Identity()
	switch in.Type {
	case wire.InMessage:
		return g.send(ctx, s, in)
	case wire.InTyping:
		roomID := domain.RoomID(in.RoomID)
		if roomID == "" {
			only, ok := s.onlyRoom()
			if !ok {
				return fmt.Errorf("%w: typing requires room_id", errors.ErrInvalidFrame)
			}
			roomID = only
		}
		return g.chat.Typing(ctx, identity, s.id, roomID)
	case wire.InJoin:
		return g.join(ctx, s, in.Ref, domain.RoomID(in.RoomID))
	case wire.InLeave:
		roomID := domain.RoomID(in.RoomID)
		if s.removeRoom(roomID) {
			g.chat.Leave(ctx, s, roomID)
		}
		return nil
	case wire.InDirect:
		room, err := g.rooms.GetOrCreateDirect(ctx, identity.UserID, in.UserID, identity.TenantID)
		if err != nil {
			return err
		}
		return g.join(ctx, s, in.Ref, room.ID)
	case wire.InEdit:
		_, err := g.chat.Edit(ctx, domain.EditMessageCommand{
			MessageID: in.Message(), EditorID: identity.UserID, TenantID: identity.TenantID, Content: in.Content,
		})
		return err
	case wire.InDelete:
		_, err := g.chat.Delete(ctx, domain.DeleteMessageCommand{
			MessageID: in.Message(), UserID: identity.UserID, TenantID: identity.TenantID, Reason: in.Reason,
		})
		return err
	case wire.InReact, wire.InUnreact:
		return g.chat.React(ctx, domain.ReactCommand{
			MessageID: in.Message(), UserID: identity.UserID, TenantID: identity.TenantID,
			Emoji: in.Emoji, Remove: in.Type == wire.InUnreact,
		})
	case wire.InSeen:
		return g.chat.MarkSeen(ctx, domain.SeenCommand{MessageID: in.Message(), UserID: identity.UserID, TenantID: identity.TenantID})
	case wire.InPin:
		return g.chat.Pin(ctx, domain.PinCommand{
			MessageID: in.Message(), UserID: identity.UserID, TenantID: identity.TenantID, Pinned: in.Pinned,
		})
	case wire.InHistory:
		roomID := domain.RoomID(in.RoomID)
		messages, cursor, err := g.chat.History(ctx, identity, roomID, in.Before, in.Limit)
		if err != nil {
			return err
		}
		g.reply(s, wire.History(in.Ref, roomID, messages, cursor))
		return nil
	case wire.InSearch:
		roomID := domain.RoomID(in.RoomID)
		messages, total, err := g.chat.Search(ctx, identity, roomID, in.Query)
		if err != nil {
			return err
		}
		g.reply(s, wire.SearchResults(in.Ref, roomID, in.Query, messages, total))
		return nil
	case wire.InPing:
		g.Heartbeat(ctx, s)
		g.reply(s, wire.Pong(in.Ref))
		return nil
	}
	return fmt.Errorf("%w: unknown type %q", errors.ErrInvalidFrame, in.Type)
}

func (g *Gateway) send(ctx context.Context, s *Session, in wire.Inbound) error {
	identity := s.Identity()
	roomID := domain.RoomID(in.RoomID)
	msg, err := g.chat.Send(ctx, domain.PostMessageCommand{
		Room:           roomID,
		SenderID:       identity.UserID,
		TenantID:       identity.TenantID,
		SessionID:      s.id,
		Content:        in.Content,
		ReplyTo:        in.ReplyToID(),
		ForwardedFrom:  in.ForwardedFromID(),
		ExpiresIn:      time.Duration(in.ExpiresIn) * time.Second,
		Attachment:     in.Attachment,
		AttachmentName: in.AttachmentName,
	})
	if errors.Is(err, errors.ErrSendFailed) {
		// Only the origin session learns about it
		g.reply(s, wire.SendFailed(in.Ref, roomID, err.Error()))
		return nil
	}
	if err != nil {
		return err
	}
	g.reply(s, wire.Ack(in.Ref, msg))
	return nil
}

func (g *Gateway) join(ctx context.Context, s *Session, ref string, roomID domain.RoomID) error {
	if err := g.chat.Join(ctx, s, s.Identity(), roomID); err != nil {
		return err
	}
	s.addRoom(roomID)
	g.reply(s, wire.Joined(ref, roomID))
	return nil
}

// reply writes a frame to one session. A session that cannot take it is closed.
func (g *Gateway) reply(s *Session, frame []byte) {
	if !s.Deliver(frame) && !s.Closed() {
		g.log.Debug("Session buffer full, closing", "session_id", s.id)
		s.Close()
	}
}

// AnnouncePresence publishes a transition to the user's direct rooms.
func (g *Gateway) AnnouncePresence(ctx context.Context, userID string, online bool, at time.Time) {
	rooms, err := g.rooms.ListRooms(ctx, userID)
	if err != nil {
		g.log.Warn("Unable to list rooms for presence", "user_id", userID, "error", err)
		return
	}
	for _, room := range rooms {
		if room.Kind != domain.RoomKindDirect {
			continue
		}
		g.router.Publish(ctx, event.PresenceChanged{Room: room.ID, UserID: userID, Online: online, LastSeen: at},
			runtime.PublishOptions{ExcludeUser: userID})
	}
}

// MembershipChanged drops the live subscriptions of a removed member.
func (g *Gateway) MembershipChanged(ctx context.Context, roomID domain.RoomID, userID string, removed bool) {
	if !removed {
		return
	}
	for _, sink := range g.router.EvictUser(roomID, userID) {
		s, ok := sink.(*Session)
		if !ok {
			continue
		}
		s.removeRoom(roomID)
		g.reply(s, wire.Error("", fmt.Errorf("%w: %s", errors.ErrNotAMember, roomID)))
	}
}

// PruneStale disconnects sessions that stopped beating or were closed by the router.
func (g *Gateway) PruneStale(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-g.cfg.PresenceGrace)
	g.mu.RLock()
	stale := lo.Filter(lo.Values(g.sessions), func(s *Session, _ int) bool {
		return s.Closed() || s.LastBeat().Before(cutoff)
	})
	g.mu.RUnlock()

	for _, s := range stale {
		g.Disconnect(ctx, s)
		g.metrics.SessionPruned()
	}
	return len(stale)
}

// SweepPresence is the backstop for connections lost without a disconnect,
// on this process and on any other one sharing the presence store.
func (g *Gateway) SweepPresence(ctx context.Context, now time.Time) (int, error) {
	if pruned := g.PruneStale(ctx, now); pruned > 0 {
		g.log.Info("Pruned stale sessions", "count", pruned)
	}
	flipped, err := g.presence.Sweep(ctx, now, g.cfg.PresenceGrace)
	if err != nil {
		return 0, err
	}
	for _, record := range flipped {
		g.AnnouncePresence(ctx, record.UserID, false, record.LastSeen)
	}
	g.metrics.PresenceSwept(len(flipped))
	return len(flipped), nil
}

func (g *Gateway) Sessions() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.sessions)
}

// Shutdown disconnects every session.
func (g *Gateway) Shutdown(ctx context.Context) {
	g.mu.RLock()
	sessions := lo.Values(g.sessions)
	g.mu.RUnlock()
	for _, s := range sessions {
		g.Disconnect(ctx, s)
	}
}
