package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veilchat/veilchat/internal/wire"
)

func testStores(t *testing.T) map[string]Store {
	t.Helper()

	b, err := OpenBolt(filepath.Join(t.TempDir(), "messages.db"))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	return map[string]Store{
		"memory": NewMemory(),
		"bolt":   b,
	}
}

func TestFindOrCreateChatIsStableAcrossOrder(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			first, err := s.FindOrCreateChat(ctx, "alice", "bob")
			require.NoError(t, err)
			require.Len(t, first.Participants, 2)

			// Same pair in reverse order must resolve to the same chat.
			second, err := s.FindOrCreateChat(ctx, "bob", "alice")
			require.NoError(t, err)
			require.Equal(t, first.ChatID, second.ChatID)

			other, err := s.FindOrCreateChat(ctx, "alice", "carol")
			require.NoError(t, err)
			require.NotEqual(t, first.ChatID, other.ChatID)
		})
	}
}

func TestSaveAndListMessagesOrdered(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

			// Insert out of timestamp order.
			for _, offset := range []time.Duration{2 * time.Second, 0, time.Second} {
				require.NoError(t, s.SaveMessage(ctx, wire.MessageRecord{
					ChatID:       "c1",
					SenderID:     "alice",
					Content:      "msg",
					Timestamp:    base.Add(offset),
					ClientTempID: offset.String(),
				}))
			}

			msgs, err := s.ListByChat(ctx, "c1")
			require.NoError(t, err)
			require.Len(t, msgs, 3)
			for i := 1; i < len(msgs); i++ {
				require.False(t, msgs[i].Timestamp.Before(msgs[i-1].Timestamp))
			}

			empty, err := s.ListByChat(ctx, "unknown")
			require.NoError(t, err)
			require.Empty(t, empty)
		})
	}
}

func TestListChatsByParticipant(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := s.FindOrCreateChat(ctx, "alice", "bob")
			require.NoError(t, err)
			_, err = s.FindOrCreateChat(ctx, "alice", "carol")
			require.NoError(t, err)
			_, err = s.FindOrCreateChat(ctx, "bob", "carol")
			require.NoError(t, err)

			chats, err := s.ListChatsByParticipant(ctx, "alice")
			require.NoError(t, err)
			require.Len(t, chats, 2)

			none, err := s.ListChatsByParticipant(ctx, "dave")
			require.NoError(t, err)
			require.Empty(t, none)
		})
	}
}

func TestGetChat(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			created, err := s.FindOrCreateChat(ctx, "alice", "bob")
			require.NoError(t, err)

			got, err := s.GetChat(ctx, created.ChatID)
			require.NoError(t, err)
			require.ElementsMatch(t, []string{"alice", "bob"}, got.Participants)

			_, err = s.GetChat(ctx, "missing")
			require.ErrorIs(t, err, ErrChatNotFound)
		})
	}
}

func TestPairKeyCanonical(t *testing.T) {
	require.Equal(t, PairKey("alice", "bob"), PairKey("bob", "alice"))
	require.NotEqual(t, PairKey("alice", "bob"), PairKey("alice", "carol"))
}
