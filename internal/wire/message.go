package wire

import (
	"time"

	"github.com/google/uuid"
)

// DeliveryStatus tracks how far a message has progressed toward its reader.
type DeliveryStatus string

const (
	StatusSent      DeliveryStatus = "SENT"
	StatusDelivered DeliveryStatus = "DELIVERED"
	StatusRead      DeliveryStatus = "READ"
)

// MessageRecord is the domain message emitted to the application after
// routing. Content holds plaintext locally; on the wire it travels inside a
// Frame. ClientTempID is assigned once at creation and never changes: it is
// the join key between a locally echoed optimistic message and the later
// server-confirmed copy.
type MessageRecord struct {
	ID            string         `json:"id,omitempty"`
	ChatID        string         `json:"chatId"`
	SenderID      string         `json:"senderId"`
	Content       string         `json:"content"`
	Timestamp     time.Time      `json:"timestamp"`
	ClientTempID  string         `json:"clientTempId"`
	Status        DeliveryStatus `json:"deliveryStatus"`
	Undecryptable bool           `json:"undecryptable,omitempty"`
}

// NewMessage builds an outbound record with a fresh client temp id. The
// server-assigned ID stays empty until the send is acknowledged.
func NewMessage(chatID, senderID, content string) MessageRecord {
	return MessageRecord{
		ChatID:       chatID,
		SenderID:     senderID,
		Content:      content,
		Timestamp:    time.Now().UTC(),
		ClientTempID: uuid.NewString(),
		Status:       StatusSent,
	}
}

// RecordFromFrame lifts a routed frame into a domain record.
func RecordFromFrame(f Frame) MessageRecord {
	return MessageRecord{
		ID:           f.MessageID,
		ChatID:       f.ChatID,
		SenderID:     f.SenderID,
		Content:      f.Content,
		Timestamp:    f.Timestamp,
		ClientTempID: f.ClientTempID,
		Status:       StatusDelivered,
	}
}
