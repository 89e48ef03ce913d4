// Package reconcile merges locally synthesized provisional chats with the
// authoritative state returned by the external store. Provisional chat ids
// exist only until an authoritative record for the same participant set
// arrives; they are replaced, never surfaced alongside it, and any messages
// buffered under them are carried forward.
package reconcile

import (
	"sort"

	"github.com/veilchat/veilchat/internal/store"
	"github.com/veilchat/veilchat/internal/wire"
)

// Chat is one entry of the application's chat list.
type Chat struct {
	ChatID       string
	Provisional  bool
	Participants []string
	Type         string
	Name         string
	Messages     []wire.MessageRecord
}

// Merge reconciles the local chat list against the authoritative one.
// Matching is by participant-set equality, not by id: a provisional chat and
// its authoritative counterpart have different ids for the same pair.
// Authoritative entries win on metadata; locally buffered messages are
// preserved by a timestamp-ordered, clientTempId-deduplicated union.
func Merge(local, authoritative []Chat) []Chat {
	byPair := make(map[string]int, len(authoritative))
	out := make([]Chat, len(authoritative))
	for i, chat := range authoritative {
		chat.Provisional = false
		out[i] = cloneChat(chat)
		byPair[participantKey(chat.Participants)] = i
	}

	for _, chat := range local {
		idx, ok := byPair[participantKey(chat.Participants)]
		if !ok {
			// Nothing authoritative yet; the local entry (provisional or
			// not) survives as-is.
			out = append(out, cloneChat(chat))
			continue
		}
		out[idx].Messages = mergeMessages(out[idx].Messages, chat.Messages)
	}
	return out
}

// mergeMessages unions two histories, dropping duplicates by clientTempId
// (falling back to the server id when the temp id is absent) and ordering
// the result by timestamp.
func mergeMessages(a, b []wire.MessageRecord) []wire.MessageRecord {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]wire.MessageRecord, 0, len(a)+len(b))
	for _, msg := range append(append([]wire.MessageRecord(nil), a...), b...) {
		key := msg.ClientTempID
		if key == "" {
			key = msg.ID
		}
		if key != "" {
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
		}
		out = append(out, msg)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func participantKey(participants []string) string {
	return store.PairKey(participants...)
}

func cloneChat(c Chat) Chat {
	out := c
	out.Participants = append([]string(nil), c.Participants...)
	out.Messages = append([]wire.MessageRecord(nil), c.Messages...)
	return out
}
