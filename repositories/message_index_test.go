package repositories

import (
	"chat-core/domain"
	"context"
	"log/slog"
	"testing"

	"github.com/blugelabs/bluge"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func openIndex(t *testing.T) *MessageIndex {
	t.Helper()
	writer, err := bluge.OpenWriter(bluge.DefaultConfig(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = writer.Close() })
	return NewMessageIndex(writer, slog.Default())
}

func Test_Search_Is_Scoped_To_Room_And_Case_Insensitive(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	index := openIndex(t)

	inRoom := domain.Message{ID: uuid.New(), RoomID: "room1", SenderID: "alice", Content: "Secret database migration tonight"}
	otherRoom := domain.Message{ID: uuid.New(), RoomID: "room2", SenderID: "bob", Content: "secret plans"}
	req.NoError(index.Index(inRoom))
	req.NoError(index.Index(otherRoom))

	for _, query := range []string{"secret", "SECRET", "Database"} {
		ids, total, err := index.Search(ctx, "room1", query, 10)
		req.NoError(err)
		req.Equal(uint64(1), total, query)
		req.Equal([]uuid.UUID{inRoom.ID}, ids, query)
	}
}

func Test_Removed_Messages_Are_Not_Found(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	index := openIndex(t)
	msg := domain.Message{ID: uuid.New(), RoomID: "room", Content: "ephemeral words"}
	req.NoError(index.Index(msg))

	req.NoError(index.Remove(msg.ID))

	ids, total, err := index.Search(ctx, "room", "ephemeral", 10)
	req.NoError(err)
	req.Zero(total)
	req.Empty(ids)
}

func Test_Reindex_Replaces_Content(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	index := openIndex(t)
	msg := domain.Message{ID: uuid.New(), RoomID: "room", Content: "first draft"}
	req.NoError(index.Index(msg))

	msg.Content = "final version"
	req.NoError(index.Index(msg))

	ids, _, err := index.Search(ctx, "room", "draft", 10)
	req.NoError(err)
	req.Empty(ids)
	ids, _, err = index.Search(ctx, "room", "final", 10)
	req.NoError(err)
	req.Equal([]uuid.UUID{msg.ID}, ids)
}

func Test_Empty_Query_Returns_Nothing(t *testing.T) {
	ids, total, err := openIndex(t).Search(context.Background(), "room", "   ", 10)
	require.NoError(t, err)
	require.Zero(t, total)
	require.Empty(t, ids)
}
