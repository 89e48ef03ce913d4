// Package session tracks per-chat key material and the handshake state that
// establishes it.
package session

import (
	"sort"
	"sync"
	"time"
)

// KeyState is the handshake progress for one chat, as seen by the local
// side. Replicas on each participant's side are independent and may disagree
// until the handshake round trip completes.
type KeyState int

const (
	KeyStateNone KeyState = iota
	KeyStateSent
	KeyStateReceived
	KeyStateEstablished
)

func (s KeyState) String() string {
	switch s {
	case KeyStateNone:
		return "NONE"
	case KeyStateSent:
		return "KEY_SENT"
	case KeyStateReceived:
		return "KEY_RECEIVED"
	case KeyStateEstablished:
		return "ESTABLISHED"
	default:
		return "UNKNOWN"
	}
}

// ChatSession is the local record of one conversation. Participants use set
// semantics; order is irrelevant for membership checks.
type ChatSession struct {
	ChatID       string
	Participants []string
	KeyState     KeyState
	CreatedAt    time.Time
}

type chatEntry struct {
	participants map[string]struct{}
	key          []byte
	state        KeyState
	createdAt    time.Time
}

// Store is the concurrency-safe per-chat key cache. At most one live key
// exists per chat: installing a new key overwrites (last-writer-wins). Two
// racing handshakes therefore cannot crash the store; the loser surfaces
// later as a failed decrypt and a handshake retry.
type Store struct {
	mu    sync.RWMutex
	chats map[string]*chatEntry
	nowFn func() time.Time
}

// NewStore creates an empty session key store.
func NewStore() *Store {
	return &Store{
		chats: make(map[string]*chatEntry),
		nowFn: time.Now,
	}
}

// EnsureChat creates the chat record if missing and merges the given
// participants into its set. A key exchange may arrive before any
// application message, so implicit creation is normal.
func (s *Store) EnsureChat(chatID string, participants ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.ensureLocked(chatID)
	for _, p := range participants {
		if p != "" {
			entry.participants[p] = struct{}{}
		}
	}
}

// Put installs a session key for a chat, overwriting any previous key.
func (s *Store) Put(chatID string, key []byte, state KeyState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.ensureLocked(chatID)
	zero(entry.key)
	entry.key = append([]byte(nil), key...)
	entry.state = state
}

// Get returns a copy of the chat's session key, if one is installed.
func (s *Store) Get(chatID string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.chats[chatID]
	if !ok || len(entry.key) == 0 {
		return nil, false
	}
	return append([]byte(nil), entry.key...), true
}

// State reports the handshake state for a chat; unknown chats are NONE.
func (s *Store) State(chatID string) KeyState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.chats[chatID]
	if !ok {
		return KeyStateNone
	}
	return entry.state
}

// Advance moves the handshake state forward. Regressions are ignored: state
// only moves backward through an explicit re-key (Put).
func (s *Store) Advance(chatID string, state KeyState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.chats[chatID]
	if !ok || state <= entry.state {
		return false
	}
	entry.state = state
	return true
}

// Participants returns the sorted participant set of a chat.
func (s *Store) Participants(chatID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.chats[chatID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(entry.participants))
	for p := range entry.participants {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Snapshot lists all tracked chats without exposing key material.
func (s *Store) Snapshot() []ChatSession {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ChatSession, 0, len(s.chats))
	for id, entry := range s.chats {
		participants := make([]string, 0, len(entry.participants))
		for p := range entry.participants {
			participants = append(participants, p)
		}
		sort.Strings(participants)
		out = append(out, ChatSession{
			ChatID:       id,
			Participants: participants,
			KeyState:     entry.state,
			CreatedAt:    entry.createdAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out
}

func (s *Store) ensureLocked(chatID string) *chatEntry {
	entry, ok := s.chats[chatID]
	if !ok {
		entry = &chatEntry{
			participants: make(map[string]struct{}),
			state:        KeyStateNone,
			createdAt:    s.nowFn(),
		}
		s.chats[chatID] = entry
	}
	return entry
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
