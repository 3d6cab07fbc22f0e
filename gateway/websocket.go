package gateway

import (
	"chat-core/contract"
	"chat-core/domain"
	"chat-core/errors"
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

type TransportConfig struct {
	MaxFrameBytes int64
	PongWait      time.Duration
	WriteWait     time.Duration
}

func (c TransportConfig) pingPeriod() time.Duration {
	return c.PongWait * 9 / 10
}

// Handler upgrades authenticated HTTP requests to websocket sessions.
// Routes with a {roomID} variable join that room on connect.
type Handler struct {
	log      *slog.Logger
	gateway  *Gateway
	auth     contract.Authenticator
	cfg      TransportConfig
	upgrader websocket.Upgrader
}

func NewHandler(log *slog.Logger, gateway *Gateway, auth contract.Authenticator, cfg TransportConfig) *Handler {
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = 64 * 1024
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	return &Handler{
		log:     log,
		gateway: gateway,
		auth:    auth,
		cfg:     cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := h.auth.Authenticate(bearer(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	roomID := domain.RoomID(mux.Vars(r)["roomID"])

	// The membership check happens before the upgrade so it can still be refused with a status
	session, err := h.gateway.Connect(r.Context(), identity, roomID)
	if err != nil {
		http.Error(w, err.Error(), statusOf(err))
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("Websocket upgrade failed", "user_id", identity.UserID, "error", err)
		h.gateway.Disconnect(context.Background(), session)
		return
	}

	go h.writePump(conn, session)
	h.readPump(conn, session)
}

func (h *Handler) readPump(conn *websocket.Conn, s *Session) {
	ctx := context.Background()
	defer func() {
		h.gateway.Disconnect(ctx, s)
		_ = conn.Close()
	}()

	conn.SetReadLimit(h.cfg.MaxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		h.gateway.Heartbeat(ctx, s)
		return conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("Websocket closed unexpectedly", "session_id", s.ID(), "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
		if kind != websocket.TextMessage {
			continue
		}
		h.gateway.Handle(ctx, s, data)
	}
}

// writePump sends one frame per websocket message and pings the client.
// It returns when the session is closed, which also ends the read pump.
func (h *Handler) writePump(conn *websocket.Conn, s *Session) {
	ticker := time.NewTicker(h.cfg.pingPeriod())
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case frame := <-s.Outbound():
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}
		case <-s.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func bearer(r *http.Request) string {
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, errors.ErrNotAMember), errors.Is(err, errors.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, errors.ErrRoomNotFound):
		return http.StatusNotFound
	case errors.Is(err, errors.ErrInvalidFrame):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
