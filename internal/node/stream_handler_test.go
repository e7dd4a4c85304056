package node

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/Cyrix126/bch-xmr-swap/internal/swap"
)

func TestWriteLengthPrefixed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty message", []byte{}},
		{"small message", []byte("hello world")},
		{"json message", []byte(`{"type":"keys","session_id":"123"}`)},
		{"binary data", []byte{0x00, 0x01, 0x02, 0xff, 0xfe, 0xfd}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := writeLengthPrefixed(&buf, tt.data); err != nil {
				t.Fatalf("writeLengthPrefixed() error = %v", err)
			}

			result := buf.Bytes()
			if len(result) < 4 {
				t.Fatalf("expected at least 4 bytes, got %d", len(result))
			}

			length := binary.BigEndian.Uint32(result[:4])
			if int(length) != len(tt.data) {
				t.Errorf("length prefix = %d, want %d", length, len(tt.data))
			}
			if !bytes.Equal(result[4:], tt.data) {
				t.Errorf("data mismatch: got %v, want %v", result[4:], tt.data)
			}
		})
	}
}

func TestWriteLengthPrefixedTooLarge(t *testing.T) {
	largeData := make([]byte, maxMessageSize+1)
	var buf bytes.Buffer

	if err := writeLengthPrefixed(&buf, largeData); err == nil {
		t.Error("expected error for message exceeding max size")
	}
}

func TestReadLengthPrefixed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty message", []byte{}},
		{"small message", []byte("hello world")},
		{"json message", []byte(`{"type":"contract","session_id":"123"}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := writeLengthPrefixed(&buf, tt.data); err != nil {
				t.Fatalf("failed to write test data: %v", err)
			}

			result, err := readLengthPrefixed(bytes.NewReader(buf.Bytes()))
			if err != nil {
				t.Fatalf("readLengthPrefixed() error = %v", err)
			}
			if !bytes.Equal(result, tt.data) {
				t.Errorf("data mismatch: got %v, want %v", result, tt.data)
			}
		})
	}
}

func TestReadLengthPrefixedTooLarge(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(maxMessageSize+1))
	buf.Write([]byte("some data"))

	if _, err := readLengthPrefixed(bytes.NewReader(buf.Bytes())); err == nil {
		t.Error("expected error for message exceeding max size")
	}
}

func TestReadLengthPrefixedTruncated(t *testing.T) {
	// Header claims 100 bytes but only 5 follow.
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(100))
	buf.Write([]byte("short"))

	if _, err := readLengthPrefixed(bytes.NewReader(buf.Bytes())); err == nil {
		t.Error("expected error for truncated message")
	}
}

func TestReadLengthPrefixedNoHeader(t *testing.T) {
	if _, err := readLengthPrefixed(bytes.NewReader(nil)); err == nil {
		t.Error("expected error for empty input")
	}
}

func TestRoundTripMessage(t *testing.T) {
	msg := Message{
		Type:        MsgContract,
		SessionID:   "f6c010e1-9a00-4b98-a64e-ca12cfa4ff72",
		FromPeer:    "12D3KooWExample",
		Timestamp:   1234567890,
		MessageID:   "msg-456",
		SequenceNum: 5,
		RequiresAck: true,
		Payload:     json.RawMessage(`{"bch_address":"bitcoincash:pq..."}`),
	}

	msgBytes, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("failed to marshal message: %v", err)
	}

	var buf bytes.Buffer
	if err := writeLengthPrefixed(&buf, msgBytes); err != nil {
		t.Fatalf("failed to write message: %v", err)
	}

	readBytes, err := readLengthPrefixed(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("failed to read message: %v", err)
	}

	var got Message
	if err := json.Unmarshal(readBytes, &got); err != nil {
		t.Fatalf("failed to unmarshal message: %v", err)
	}

	if got.Type != msg.Type {
		t.Errorf("Type = %s, want %s", got.Type, msg.Type)
	}
	if got.SessionID != msg.SessionID {
		t.Errorf("SessionID = %s, want %s", got.SessionID, msg.SessionID)
	}
	if got.MessageID != msg.MessageID {
		t.Errorf("MessageID = %s, want %s", got.MessageID, msg.MessageID)
	}
	if got.SequenceNum != msg.SequenceNum {
		t.Errorf("SequenceNum = %d, want %d", got.SequenceNum, msg.SequenceNum)
	}
	if got.RequiresAck != msg.RequiresAck {
		t.Errorf("RequiresAck = %v, want %v", got.RequiresAck, msg.RequiresAck)
	}
}

func TestRoundTripAckPayload(t *testing.T) {
	tests := []struct {
		name    string
		payload AckPayload
	}{
		{
			name: "success ack",
			payload: AckPayload{
				MessageID:   "msg-123",
				SequenceNum: 5,
				Success:     true,
			},
		},
		{
			name: "failure ack",
			payload: AckPayload{
				MessageID:   "msg-456",
				SequenceNum: 10,
				Success:     false,
				Error:       "contract mismatch",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.payload)
			if err != nil {
				t.Fatalf("failed to marshal: %v", err)
			}

			var result AckPayload
			if err := json.Unmarshal(data, &result); err != nil {
				t.Fatalf("failed to unmarshal: %v", err)
			}

			if result != tt.payload {
				t.Errorf("got %+v, want %+v", result, tt.payload)
			}
		})
	}
}

func TestMessageForTransition(t *testing.T) {
	sessionID := "f6c010e1-9a00-4b98-a64e-ca12cfa4ff72"

	msg, err := MessageForTransition(sessionID, swap.TransitionContract{
		BchAddress: "bitcoincash:pq1234",
		XmrAddress: "4Aabc",
	})
	if err != nil {
		t.Fatalf("MessageForTransition() error = %v", err)
	}
	if msg.Type != MsgContract {
		t.Errorf("Type = %s, want %s", msg.Type, MsgContract)
	}
	if msg.SessionID != sessionID {
		t.Errorf("SessionID = %s, want %s", msg.SessionID, sessionID)
	}

	back, err := TransitionForMessage(msg)
	if err != nil {
		t.Fatalf("TransitionForMessage() error = %v", err)
	}
	contract, ok := back.(swap.TransitionContract)
	if !ok {
		t.Fatalf("got %T, want swap.TransitionContract", back)
	}
	if contract.BchAddress != "bitcoincash:pq1234" {
		t.Errorf("BchAddress = %s, want bitcoincash:pq1234", contract.BchAddress)
	}
	if contract.XmrAddress != "4Aabc" {
		t.Errorf("XmrAddress = %s, want 4Aabc", contract.XmrAddress)
	}
}

func TestMessageForTransitionInternalOnly(t *testing.T) {
	// Chain-derived transitions never cross the wire.
	if _, err := MessageForTransition("id", swap.TransitionXmrLocked{Amount: 1}); err == nil {
		t.Error("expected error for internal transition")
	}
}

func TestTransitionForMessageUnknownType(t *testing.T) {
	msg := &Message{Type: "bogus", Payload: json.RawMessage(`{}`)}
	if _, err := TransitionForMessage(msg); err == nil {
		t.Error("expected error for unknown message type")
	}
}

func TestMaxMessageSizeConstant(t *testing.T) {
	if maxMessageSize != 1024*1024 {
		t.Errorf("maxMessageSize = %d, want %d", maxMessageSize, 1024*1024)
	}
}

func TestMultipleMessagesInSequence(t *testing.T) {
	messages := [][]byte{
		[]byte(`{"type":"keys"}`),
		[]byte(`{"type":"contract"}`),
		[]byte(`{"type":"enc_sig"}`),
	}

	var buf bytes.Buffer
	for _, msg := range messages {
		if err := writeLengthPrefixed(&buf, msg); err != nil {
			t.Fatalf("failed to write message: %v", err)
		}
	}

	reader := bytes.NewReader(buf.Bytes())
	for i, expected := range messages {
		result, err := readLengthPrefixed(reader)
		if err != nil {
			t.Fatalf("failed to read message %d: %v", i, err)
		}
		if !bytes.Equal(result, expected) {
			t.Errorf("message %d: got %s, want %s", i, result, expected)
		}
	}
}
