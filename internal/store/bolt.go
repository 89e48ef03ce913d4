package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/veilchat/veilchat/internal/wire"
)

var (
	bucketChats    = []byte("chats")
	bucketPairs    = []byte("chat_pairs")
	bucketMessages = []byte("messages")
)

// Bolt is a bbolt-backed Store for the relay host.
type Bolt struct {
	db    *bolt.DB
	nowFn func() time.Time
}

// OpenBolt opens (or creates) the database file and its buckets.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open message store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketChats, bucketPairs, bucketMessages} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init message store buckets: %w", err)
	}
	return &Bolt{db: db, nowFn: time.Now}, nil
}

// Close releases the database file.
func (b *Bolt) Close() error {
	return b.db.Close()
}

// SaveMessage appends a message under its chat's message bucket.
func (b *Bolt) SaveMessage(ctx context.Context, msg wire.MessageRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	encoded, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		chatBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(msg.ChatID))
		if err != nil {
			return err
		}
		seq, err := chatBucket.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		return chatBucket.Put(key[:], encoded)
	})
}

// ListByChat returns a chat's history ordered by timestamp.
func (b *Bolt) ListByChat(ctx context.Context, chatID string) ([]wire.MessageRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []wire.MessageRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		chatBucket := tx.Bucket(bucketMessages).Bucket([]byte(chatID))
		if chatBucket == nil {
			return nil
		}
		return chatBucket.ForEach(func(_, value []byte) error {
			var msg wire.MessageRecord
			if err := json.Unmarshal(value, &msg); err != nil {
				return fmt.Errorf("decode message: %w", err)
			}
			out = append(out, msg)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// ListChatsByParticipant scans the chat directory for the principal.
func (b *Bolt) ListChatsByParticipant(ctx context.Context, principal string) ([]ChatRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []ChatRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChats).ForEach(func(_, value []byte) error {
			var chat ChatRecord
			if err := json.Unmarshal(value, &chat); err != nil {
				return fmt.Errorf("decode chat: %w", err)
			}
			for _, p := range chat.Participants {
				if p == principal {
					out = append(out, chat)
					break
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out, nil
}

// FindOrCreateChat resolves the chat for a participant pair via the pair
// index, creating both directory and index entries when absent.
func (b *Bolt) FindOrCreateChat(ctx context.Context, ownerID, targetID string) (ChatRecord, error) {
	if err := ctx.Err(); err != nil {
		return ChatRecord{}, err
	}
	pair := []byte(PairKey(ownerID, targetID))
	var chat ChatRecord
	err := b.db.Update(func(tx *bolt.Tx) error {
		pairs := tx.Bucket(bucketPairs)
		chats := tx.Bucket(bucketChats)

		if chatID := pairs.Get(pair); chatID != nil {
			encoded := chats.Get(chatID)
			if encoded == nil {
				return fmt.Errorf("pair index points at missing chat %s", chatID)
			}
			return json.Unmarshal(encoded, &chat)
		}

		chat = ChatRecord{
			ChatID:       uuid.NewString(),
			Participants: []string{ownerID, targetID},
			Type:         "direct",
			CreatedAt:    b.nowFn().UTC(),
		}
		encoded, err := json.Marshal(chat)
		if err != nil {
			return fmt.Errorf("encode chat: %w", err)
		}
		if err := chats.Put([]byte(chat.ChatID), encoded); err != nil {
			return err
		}
		return pairs.Put(pair, []byte(chat.ChatID))
	})
	if err != nil {
		return ChatRecord{}, err
	}
	return chat, nil
}

// GetChat fetches a chat by id.
func (b *Bolt) GetChat(ctx context.Context, chatID string) (ChatRecord, error) {
	if err := ctx.Err(); err != nil {
		return ChatRecord{}, err
	}
	var chat ChatRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		encoded := tx.Bucket(bucketChats).Get([]byte(chatID))
		if encoded == nil {
			return ErrChatNotFound
		}
		return json.Unmarshal(encoded, &chat)
	})
	if err != nil {
		return ChatRecord{}, err
	}
	return chat, nil
}
