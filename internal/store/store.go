// Package store is the boundary to the external persistent store holding
// message history and the chat directory. The router treats it as an opaque,
// possibly-failing collaborator and never assumes it is synchronously
// consistent with in-memory state.
package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/veilchat/veilchat/internal/wire"
)

var ErrChatNotFound = errors.New("chat not found")

// ChatRecord is the authoritative directory entry for one conversation.
type ChatRecord struct {
	ChatID       string    `json:"chatId"`
	Participants []string  `json:"participants"`
	Type         string    `json:"type,omitempty"`
	Name         string    `json:"name,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Store is the persistence contract the relay core calls out to.
type Store interface {
	SaveMessage(ctx context.Context, msg wire.MessageRecord) error
	ListByChat(ctx context.Context, chatID string) ([]wire.MessageRecord, error)
	ListChatsByParticipant(ctx context.Context, principal string) ([]ChatRecord, error)
	FindOrCreateChat(ctx context.Context, ownerID, targetID string) (ChatRecord, error)
	GetChat(ctx context.Context, chatID string) (ChatRecord, error)
}

// PairKey canonicalizes a participant set so two-party chats can be matched
// regardless of who created them.
func PairKey(participants ...string) string {
	sorted := append([]string(nil), participants...)
	sort.Strings(sorted)
	return strings.Join(sorted, "\x00")
}
