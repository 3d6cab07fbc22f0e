package repositories

import (
	"chat-core/domain"
	"context"
	"log/slog"
	"strings"

	"github.com/blugelabs/bluge"
	"github.com/blugelabs/bluge/search"
	"github.com/google/uuid"
)

const (
	fieldRoom    = "room_id"
	fieldContent = "content"
	fieldSender  = "sender_id"
	fieldLang    = "lang"
)

// MessageIndex keeps a bluge full text index of visible messages.
// Deleted messages are removed so search never resurfaces them.
type MessageIndex struct {
	writer *bluge.Writer
	log    *slog.Logger
}

func NewMessageIndex(writer *bluge.Writer, log *slog.Logger) *MessageIndex {
	return &MessageIndex{writer: writer, log: log}
}

func (i *MessageIndex) Index(msg domain.Message) error {
	doc := bluge.NewDocument(msg.ID.String()).
		AddField(bluge.NewKeywordField(fieldRoom, string(msg.RoomID)).StoreValue()).
		AddField(bluge.NewKeywordField(fieldSender, msg.SenderID)).
		AddField(bluge.NewTextField(fieldContent, msg.Content))
	if msg.Lang != "" {
		doc.AddField(bluge.NewKeywordField(fieldLang, msg.Lang))
	}
	return i.writer.Update(doc.ID(), doc)
}

func (i *MessageIndex) Remove(id uuid.UUID) error {
	return i.writer.Delete(bluge.Identifier(id.String()))
}

// Search matches query against message bodies of one room, best match first.
func (i *MessageIndex) Search(ctx context.Context, roomID domain.RoomID, query string, limit int) ([]uuid.UUID, uint64, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, 0, nil
	}
	if limit <= 0 {
		limit = 20
	}
	reader, err := i.writer.Reader()
	if err != nil {
		return nil, 0, err
	}
	defer func() {
		_ = reader.Close()
	}()

	q := bluge.NewBooleanQuery().
		AddMust(bluge.NewMatchQuery(query).SetField(fieldContent)).
		AddMust(bluge.NewTermQuery(string(roomID)).SetField(fieldRoom))
	request := bluge.NewTopNSearch(limit, q).WithStandardAggregations()

	matches, err := reader.Search(ctx, request)
	if err != nil {
		return nil, 0, err
	}
	var ids []uuid.UUID
	match, err := matches.Next()
	for err == nil && match != nil {
		ids = append(ids, i.matchID(match)...)
		match, err = matches.Next()
	}
	if err != nil {
		return nil, 0, err
	}
	return ids, matches.Aggregations().Count(), nil
}

func (i *MessageIndex) matchID(match *search.DocumentMatch) []uuid.UUID {
	var ids []uuid.UUID
	err := match.VisitStoredFields(func(field string, value []byte) bool {
		if field != "_id" {
			return true
		}
		id, err := uuid.ParseBytes(value)
		if err != nil {
			i.log.Warn("Unparsable document id in message index", "id", string(value))
			return false
		}
		ids = append(ids, id)
		return false
	})
	if err != nil {
		i.log.Warn("Unable to read stored fields", "error", err)
	}
	return ids
}
