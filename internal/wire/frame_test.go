package wire

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestFrameValidate(t *testing.T) {
	valid := Frame{
		MessageType: MessageTypeText,
		SenderID:    "alice",
		ChatID:      "chat-1",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid frame rejected: %v", err)
	}

	cases := []struct {
		name  string
		build func(Frame) Frame
		want  error
	}{
		{"missing chat", func(f Frame) Frame { f.ChatID = ""; return f }, ErrMissingChatID},
		{"missing sender", func(f Frame) Frame { f.SenderID = ""; return f }, ErrMissingSender},
		{"bad type", func(f Frame) Frame { f.MessageType = "SMOKE_SIGNAL"; return f }, ErrBadFrameType},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.build(valid).Validate(); !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestFrameEncodeFieldNames(t *testing.T) {
	frame := Frame{
		MessageID:    "m1",
		MessageType:  MessageTypeEncrypted,
		SenderID:     "alice",
		ChatID:       "chat-1",
		Content:      "cipher",
		Timestamp:    time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		ClientTempID: "tmp-1",
		IV:           "nonce",
	}
	data, err := frame.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	// The wire field names are part of the protocol.
	for _, field := range []string{`"messageId"`, `"messageType"`, `"senderId"`, `"chatId"`, `"content"`, `"timestamp"`, `"clientTempId"`, `"iv"`} {
		if !strings.Contains(string(data), field) {
			t.Fatalf("encoded frame missing field %s: %s", field, data)
		}
	}
	// Optional fields stay off the wire when empty.
	if strings.Contains(string(data), `"encryptedKey"`) {
		t.Fatalf("empty encryptedKey must be omitted: %s", data)
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decoded.Timestamp.Equal(frame.Timestamp) {
		t.Fatalf("timestamp round trip mismatch: %v != %v", decoded.Timestamp, frame.Timestamp)
	}
	decoded.Timestamp, frame.Timestamp = time.Time{}, time.Time{}
	if decoded != frame {
		t.Fatalf("round trip mismatch: %+v != %+v", decoded, frame)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte("{not json")); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestNewFrameStampsIdentity(t *testing.T) {
	frame := NewFrame(MessageTypeText, "alice", "chat-1", "hello")
	if frame.MessageID == "" || frame.ClientTempID == "" {
		t.Fatalf("frame ids not stamped: %+v", frame)
	}
	if frame.Timestamp.IsZero() {
		t.Fatal("frame timestamp not stamped")
	}
	other := NewFrame(MessageTypeText, "alice", "chat-1", "hello")
	if other.MessageID == frame.MessageID {
		t.Fatal("message ids must be unique per frame")
	}
}

func TestRecordFromFrame(t *testing.T) {
	frame := NewFrame(MessageTypeText, "alice", "chat-1", "hello")
	rec := RecordFromFrame(frame)
	if rec.ID != frame.MessageID || rec.ClientTempID != frame.ClientTempID {
		t.Fatalf("record ids diverge from frame: %+v", rec)
	}
	if rec.Status != StatusDelivered {
		t.Fatalf("status = %s, want DELIVERED", rec.Status)
	}
}
