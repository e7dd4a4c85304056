// Package node - wire messages for the swap protocol.
package node

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Cyrix126/bch-xmr-swap/internal/swap"
)

// Message is the envelope for every frame on the direct protocol and every
// offer advert on the gossip topic.
type Message struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	FromPeer  string          `json:"from_peer"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`

	// Delivery guarantee fields (direct protocol only)
	MessageID   string `json:"message_id,omitempty"`
	SequenceNum uint64 `json:"sequence_num,omitempty"`
	RequiresAck bool   `json:"requires_ack,omitempty"`
}

// AckPayload is the acknowledgment frame payload.
type AckPayload struct {
	MessageID   string `json:"message_id"`
	SequenceNum uint64 `json:"sequence_num"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
}

// Message types. The three protocol types carry the same payload shape in
// both directions: the initiator's message is the transition the responder
// applies, and the responder's reply is the transition the initiator would.
const (
	MsgKeys     = "keys"
	MsgContract = "contract"
	MsgEncSig   = "enc_sig"
	MsgOffer    = "offer"
	MsgAck      = "ack"
)

// MessageHandler handles one inbound message.
type MessageHandler func(ctx context.Context, msg *Message) error

// OfferPayload is the gossip advert for an open session. The trade id doubles
// as the session id the counterparty must address its protocol messages to.
type OfferPayload struct {
	TradeID   string `json:"trade_id"`
	Network   string `json:"network"`
	BchAmount uint64 `json:"bch_amount"`
	XmrAmount uint64 `json:"xmr_amount"`
	Timelock1 uint32 `json:"timelock1"`
	Timelock2 uint32 `json:"timelock2"`
}

// NewMessage wraps a payload in a protocol envelope.
func NewMessage(msgType, sessionID string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:      msgType,
		SessionID: sessionID,
		Payload:   data,
	}, nil
}

// MessageForTransition maps an outbound transition onto its wire type.
func MessageForTransition(sessionID string, t swap.Transition) (*Message, error) {
	var msgType string
	switch t.(type) {
	case swap.TransitionKeys:
		msgType = MsgKeys
	case swap.TransitionContract:
		msgType = MsgContract
	case swap.TransitionEncSig:
		msgType = MsgEncSig
	default:
		return nil, fmt.Errorf("transition %s does not cross the wire", t)
	}
	return NewMessage(msgType, sessionID, t)
}

// TransitionForMessage parses an inbound protocol message into the transition
// it carries. Non-protocol types return an error.
func TransitionForMessage(msg *Message) (swap.Transition, error) {
	switch msg.Type {
	case MsgKeys:
		var t swap.TransitionKeys
		if err := json.Unmarshal(msg.Payload, &t); err != nil {
			return nil, fmt.Errorf("malformed keys payload: %w", err)
		}
		return t, nil
	case MsgContract:
		var t swap.TransitionContract
		if err := json.Unmarshal(msg.Payload, &t); err != nil {
			return nil, fmt.Errorf("malformed contract payload: %w", err)
		}
		return t, nil
	case MsgEncSig:
		var t swap.TransitionEncSig
		if err := json.Unmarshal(msg.Payload, &t); err != nil {
			return nil, fmt.Errorf("malformed enc_sig payload: %w", err)
		}
		return t, nil
	default:
		return nil, fmt.Errorf("message type %q carries no transition", msg.Type)
	}
}
