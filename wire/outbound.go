package wire

import (
	"chat-core/domain"
	"chat-core/domain/event"
	"chat-core/errors"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

const (
	OutMessage       = "message"
	OutTyping        = "typing"
	OutSystem        = "system"
	OutPresence      = "presence"
	OutEdited        = "edited"
	OutDeleted       = "deleted"
	OutReaction      = "reaction"
	OutReceipt       = "receipt"
	OutStatus        = "status"
	OutPinned        = "pinned"
	OutAck           = "ack"
	OutJoined        = "joined"
	OutHistory       = "history"
	OutSearchResults = "search_results"
	OutSendFailed    = "send_failed"
	OutError         = "error"
	OutPong          = "pong"
)

// Outbound is every frame the server writes. Unused fields are omitted.
type Outbound struct {
	Type      string              `json:"type"`
	Ref       string              `json:"ref,omitempty"`
	RoomID    domain.RoomID       `json:"room_id,omitempty"`
	UserID    string              `json:"user_id,omitempty"`
	MessageID *uuid.UUID          `json:"message_id,omitempty"`
	Seq       uint64              `json:"seq,omitempty"`
	Status    *domain.Status      `json:"status,omitempty"`
	Message   *domain.Message     `json:"message,omitempty"`
	Messages  []domain.Message    `json:"messages,omitempty"`
	Content   string              `json:"content,omitempty"`
	Text      string              `json:"text,omitempty"`
	Online    *bool               `json:"online,omitempty"`
	LastSeen  *time.Time          `json:"last_seen,omitempty"`
	EditedAt  *time.Time          `json:"edited_at,omitempty"`
	Reason    string              `json:"reason,omitempty"`
	Reaction  *domain.Reaction    `json:"reaction,omitempty"`
	Removed   bool                `json:"removed,omitempty"`
	Receipt   *domain.ReadReceipt `json:"receipt,omitempty"`
	Pinned    *bool               `json:"pinned,omitempty"`
	Cursor    *uint64             `json:"cursor,omitempty"`
	Total     *uint64             `json:"total,omitempty"`
	Query     string              `json:"query,omitempty"`
	Code      string              `json:"code,omitempty"`
	Error     string              `json:"error,omitempty"`
}

// Encode turns a room event into the frame fanned out to subscribers.
func Encode(evt event.DomainEvent) ([]byte, error) {
	out, err := frameOf(evt)
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

func frameOf(evt event.DomainEvent) (Outbound, error) {
	switch e := evt.(type) {
	case event.MessagePosted:
		return Outbound{Type: OutMessage, RoomID: e.RoomID(), Message: lo.ToPtr(e.Message)}, nil
	case event.Typing:
		return Outbound{Type: OutTyping, RoomID: e.Room, UserID: e.UserID}, nil
	case event.SystemNotice:
		return Outbound{Type: OutSystem, RoomID: e.Room, Text: e.Text}, nil
	case event.PresenceChanged:
		out := Outbound{Type: OutPresence, RoomID: e.Room, UserID: e.UserID, Online: lo.ToPtr(e.Online)}
		if !e.LastSeen.IsZero() {
			out.LastSeen = lo.ToPtr(e.LastSeen)
		}
		return out, nil
	case event.MessageEdited:
		return Outbound{Type: OutEdited, RoomID: e.Room, MessageID: lo.ToPtr(e.MessageID),
			Content: e.Content, EditedAt: lo.ToPtr(e.EditedAt)}, nil
	case event.MessageDeleted:
		return Outbound{Type: OutDeleted, RoomID: e.Room, MessageID: lo.ToPtr(e.MessageID), Reason: e.Reason}, nil
	case event.ReactionChanged:
		return Outbound{Type: OutReaction, RoomID: e.Room, Removed: e.Removed, Reaction: lo.ToPtr(e.Reaction)}, nil
	case event.ReceiptAdded:
		return Outbound{Type: OutReceipt, RoomID: e.Room, Receipt: lo.ToPtr(e.ReadReceipt)}, nil
	case event.StatusChanged:
		return Outbound{Type: OutStatus, RoomID: e.Room, MessageID: lo.ToPtr(e.MessageID), Status: lo.ToPtr(e.Status)}, nil
	case event.MessagePinned:
		return Outbound{Type: OutPinned, RoomID: e.Room, MessageID: lo.ToPtr(e.MessageID), Pinned: lo.ToPtr(e.Pinned)}, nil
	}
	return Outbound{}, fmt.Errorf("no frame for event %T", evt)
}

// Ack confirms a durable send to its author.
func Ack(ref string, msg domain.Message) []byte {
	return mustEncode(Outbound{Type: OutAck, Ref: ref, RoomID: msg.RoomID, MessageID: lo.ToPtr(msg.ID),
		Seq: msg.Seq, Status: lo.ToPtr(msg.Status)})
}

func Joined(ref string, roomID domain.RoomID) []byte {
	return mustEncode(Outbound{Type: OutJoined, Ref: ref, RoomID: roomID})
}

func History(ref string, roomID domain.RoomID, messages []domain.Message, cursor uint64) []byte {
	return mustEncode(Outbound{Type: OutHistory, Ref: ref, RoomID: roomID, Messages: messages, Cursor: lo.ToPtr(cursor)})
}

func SearchResults(ref string, roomID domain.RoomID, query string, messages []domain.Message, total uint64) []byte {
	return mustEncode(Outbound{Type: OutSearchResults, Ref: ref, RoomID: roomID, Query: query,
		Messages: messages, Total: lo.ToPtr(total)})
}

// SendFailed tells the author that a message was not stored and never broadcast.
func SendFailed(ref string, roomID domain.RoomID, reason string) []byte {
	return mustEncode(Outbound{Type: OutSendFailed, Ref: ref, RoomID: roomID, Reason: reason})
}

func Error(ref string, err error) []byte {
	return mustEncode(Outbound{Type: OutError, Ref: ref, Code: errors.Code(err), Error: err.Error()})
}

func Pong(ref string) []byte {
	return mustEncode(Outbound{Type: OutPong, Ref: ref})
}

// mustEncode only sees values built above, which always marshal.
func mustEncode(out Outbound) []byte {
	data, err := json.Marshal(out)
	if err != nil {
		panic(err)
	}
	return data
}
