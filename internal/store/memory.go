package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veilchat/veilchat/internal/wire"
)

// Memory is a map-backed Store used by tests and single-process deployments.
type Memory struct {
	mu       sync.RWMutex
	chats    map[string]ChatRecord
	byPair   map[string]string
	messages map[string][]wire.MessageRecord
	nowFn    func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		chats:    make(map[string]ChatRecord),
		byPair:   make(map[string]string),
		messages: make(map[string][]wire.MessageRecord),
		nowFn:    time.Now,
	}
}

// SaveMessage appends a message to its chat's history.
func (m *Memory) SaveMessage(ctx context.Context, msg wire.MessageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.ChatID] = append(m.messages[msg.ChatID], msg)
	return ctx.Err()
}

// ListByChat returns a chat's history ordered by timestamp.
func (m *Memory) ListByChat(ctx context.Context, chatID string) ([]wire.MessageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := append([]wire.MessageRecord(nil), m.messages[chatID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, ctx.Err()
}

// ListChatsByParticipant returns every chat the principal belongs to.
func (m *Memory) ListChatsByParticipant(ctx context.Context, principal string) ([]ChatRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ChatRecord
	for _, chat := range m.chats {
		for _, p := range chat.Participants {
			if p == principal {
				out = append(out, cloneChat(chat))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out, ctx.Err()
}

// FindOrCreateChat resolves the chat for a participant pair, creating it
// with a fresh id when absent.
func (m *Memory) FindOrCreateChat(ctx context.Context, ownerID, targetID string) (ChatRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pair := PairKey(ownerID, targetID)
	if chatID, ok := m.byPair[pair]; ok {
		return cloneChat(m.chats[chatID]), ctx.Err()
	}

	chat := ChatRecord{
		ChatID:       uuid.NewString(),
		Participants: []string{ownerID, targetID},
		Type:         "direct",
		CreatedAt:    m.nowFn().UTC(),
	}
	m.chats[chat.ChatID] = chat
	m.byPair[pair] = chat.ChatID
	return cloneChat(chat), ctx.Err()
}

// GetChat fetches a chat by id.
func (m *Memory) GetChat(ctx context.Context, chatID string) (ChatRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	chat, ok := m.chats[chatID]
	if !ok {
		return ChatRecord{}, ErrChatNotFound
	}
	return cloneChat(chat), ctx.Err()
}

func cloneChat(c ChatRecord) ChatRecord {
	out := c
	out.Participants = append([]string(nil), c.Participants...)
	return out
}
