// Package node - outbound message delivery with persistence and retry.
package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/Cyrix126/bch-xmr-swap/internal/storage"
	"github.com/Cyrix126/bch-xmr-swap/pkg/logging"
)

// MessageSenderConfig configures delivery and retry behavior.
type MessageSenderConfig struct {
	InitialRetryInterval time.Duration // first retry delay
	MaxRetryInterval     time.Duration // backoff ceiling
	BackoffMultiplier    float64
	AckTimeout           time.Duration // how long to wait for the ACK frame
	MaxRetries           int           // attempts before the message is marked failed
	DHTLookupTimeout     time.Duration
	ConnectTimeout       time.Duration
}

// DefaultMessageSenderConfig returns the default configuration.
func DefaultMessageSenderConfig() MessageSenderConfig {
	return MessageSenderConfig{
		InitialRetryInterval: 10 * time.Second,
		MaxRetryInterval:     10 * time.Minute,
		BackoffMultiplier:    2.0,
		AckTimeout:           30 * time.Second,
		MaxRetries:           50,
		DHTLookupTimeout:     30 * time.Second,
		ConnectTimeout:       15 * time.Second,
	}
}

// MessageSender persists outbound messages to the outbox before attempting
// delivery over a direct stream, so a crash or an offline counterparty never
// loses a protocol message. libp2p streams are authenticated and encrypted
// by the transport; the sender adds only ordering and at-least-once delivery.
type MessageSender struct {
	node          *Node
	storage       *storage.Storage
	streamHandler *StreamHandler
	config        MessageSenderConfig
	log           *logging.Logger
}

// NewMessageSender creates a new message sender.
func NewMessageSender(n *Node, store *storage.Storage, streamHandler *StreamHandler, cfg MessageSenderConfig) *MessageSender {
	return &MessageSender{
		node:          n,
		storage:       store,
		streamHandler: streamHandler,
		config:        cfg,
		log:           logging.Component("message-sender"),
	}
}

// SendDirect persists a message to the outbox and attempts delivery. If the
// peer is offline the retry worker picks the message up later.
func (s *MessageSender) SendDirect(ctx context.Context, peerID peer.ID, sessionID string, msg *Message) error {
	if msg.MessageID == "" {
		msg.MessageID = uuid.New().String()
	}
	if msg.SessionID == "" {
		msg.SessionID = sessionID
	}
	msg.RequiresAck = true
	msg.FromPeer = s.node.ID().String()
	msg.Timestamp = time.Now().Unix()

	seq, err := s.storage.GetNextLocalSequence(sessionID)
	if err != nil {
		return fmt.Errorf("failed to get sequence number: %w", err)
	}
	msg.SequenceNum = seq

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	// Outbox first, then delivery; the reverse order can lose the message.
	outboxMsg := &storage.OutboxMessage{
		MessageID:   msg.MessageID,
		SessionID:   sessionID,
		PeerID:      peerID.String(),
		MessageType: msg.Type,
		Payload:     payload,
		SequenceNum: seq,
	}

	if err := s.storage.EnqueueMessage(outboxMsg); err != nil {
		if errors.Is(err, storage.ErrDuplicateMessage) {
			return nil
		}
		return fmt.Errorf("failed to persist message: %w", err)
	}

	s.log.Debug("message enqueued",
		"type", msg.Type,
		"session", sessionID,
		"message_id", msg.MessageID,
		"peer", shortPeerID(peerID))

	// Delivery should outlive the caller's request context.
	go s.attemptDelivery(context.Background(), peerID, msg)

	return nil
}

// attemptDelivery tries to deliver a message over a direct stream, dialing
// through the DHT when the peer is not connected.
func (s *MessageSender) attemptDelivery(ctx context.Context, peerID peer.ID, msg *Message) {
	if err := s.storage.MarkMessageSent(msg.MessageID); err != nil {
		s.log.Warn("failed to mark message sent", "error", err)
	}

	if s.node.Host().Network().Connectedness(peerID) != network.Connected {
		s.log.Debug("peer not connected, attempting DHT lookup",
			"peer", shortPeerID(peerID),
			"message_id", msg.MessageID)

		if s.tryConnectViaDHT(ctx, peerID) {
			s.log.Debug("connected to peer via DHT", "peer", shortPeerID(peerID))
		}
	}

	if s.node.Host().Network().Connectedness(peerID) == network.Connected {
		deliveryCtx, cancel := context.WithTimeout(ctx, s.config.AckTimeout)
		err := s.streamHandler.SendDirectMessage(deliveryCtx, peerID, msg)
		cancel()

		if err == nil {
			if err := s.storage.MarkMessageAcked(msg.MessageID); err != nil {
				s.log.Warn("failed to mark message ACKed", "error", err)
			}
			s.log.Debug("message delivered",
				"type", msg.Type,
				"session", msg.SessionID,
				"message_id", msg.MessageID)
			return
		}

		s.log.Debug("direct delivery failed",
			"peer", shortPeerID(peerID),
			"error", err)
	}

	s.log.Debug("delivery failed, scheduling retry",
		"peer", shortPeerID(peerID),
		"message_id", msg.MessageID)

	retryCount := 0
	if stored, err := s.storage.GetOutboxMessage(msg.MessageID); err == nil && stored != nil {
		retryCount = stored.RetryCount
	}
	s.scheduleRetry(msg.MessageID, retryCount)
}

// tryConnectViaDHT attempts to find and connect to a peer using the DHT.
func (s *MessageSender) tryConnectViaDHT(ctx context.Context, peerID peer.ID) bool {
	dht := s.node.DHT()
	if dht == nil {
		s.log.Debug("DHT not available for peer lookup")
		return false
	}

	lookupCtx, cancel := context.WithTimeout(ctx, s.config.DHTLookupTimeout)
	defer cancel()

	peerInfo, err := dht.FindPeer(lookupCtx, peerID)
	if err != nil {
		s.log.Debug("DHT peer lookup failed", "peer", shortPeerID(peerID), "error", err)
		return false
	}

	if len(peerInfo.Addrs) == 0 {
		s.log.Debug("DHT found peer but no addresses", "peer", shortPeerID(peerID))
		return false
	}

	connectCtx, cancel := context.WithTimeout(ctx, s.config.ConnectTimeout)
	defer cancel()

	if err := s.node.Host().Connect(connectCtx, peerInfo); err != nil {
		s.log.Debug("failed to connect to peer", "peer", shortPeerID(peerID), "error", err)
		return false
	}

	return true
}

// scheduleRetry schedules a message for retry with exponential backoff.
func (s *MessageSender) scheduleRetry(messageID string, currentRetryCount int) {
	backoff := s.config.InitialRetryInterval
	for i := 0; i < currentRetryCount; i++ {
		backoff = time.Duration(float64(backoff) * s.config.BackoffMultiplier)
		if backoff > s.config.MaxRetryInterval {
			backoff = s.config.MaxRetryInterval
			break
		}
	}

	nextRetry := time.Now().Add(backoff).Unix()
	if err := s.storage.ScheduleRetry(messageID, nextRetry); err != nil {
		s.log.Warn("failed to schedule retry", "error", err)
	}

	s.log.Debug("retry scheduled",
		"message_id", messageID,
		"next_retry", time.Unix(nextRetry, 0).Format(time.RFC3339),
		"backoff", backoff)
}

// RetryMessage retries a pending message from the outbox.
func (s *MessageSender) RetryMessage(ctx context.Context, outboxMsg *storage.OutboxMessage) {
	if s.config.MaxRetries > 0 && outboxMsg.RetryCount >= s.config.MaxRetries {
		s.log.Warn("max retries exceeded, marking message failed",
			"message_id", outboxMsg.MessageID,
			"session", outboxMsg.SessionID,
			"retry_count", outboxMsg.RetryCount)
		if err := s.storage.MarkMessageFailed(outboxMsg.MessageID, "max retries exceeded"); err != nil {
			s.log.Warn("failed to mark message failed", "error", err)
		}
		return
	}

	peerID, err := peer.Decode(outboxMsg.PeerID)
	if err != nil {
		s.log.Error("invalid peer ID in outbox", "peer", outboxMsg.PeerID)
		if err := s.storage.MarkMessageFailed(outboxMsg.MessageID, "invalid peer ID"); err != nil {
			s.log.Warn("failed to mark message failed", "error", err)
		}
		return
	}

	var msg Message
	if err := json.Unmarshal(outboxMsg.Payload, &msg); err != nil {
		s.log.Error("invalid message payload in outbox", "message_id", outboxMsg.MessageID)
		if err := s.storage.MarkMessageFailed(outboxMsg.MessageID, "invalid payload"); err != nil {
			s.log.Warn("failed to mark message failed", "error", err)
		}
		return
	}

	s.attemptDelivery(ctx, peerID, &msg)
}

// FlushPendingForPeer attempts to deliver all pending messages for a peer.
// Called when a peer reconnects.
func (s *MessageSender) FlushPendingForPeer(ctx context.Context, peerID peer.ID) {
	messages, err := s.storage.GetPendingForPeer(peerID.String())
	if err != nil {
		s.log.Warn("failed to get pending messages for peer", "error", err)
		return
	}

	if len(messages) == 0 {
		return
	}

	s.log.Info("peer reconnected, flushing pending messages",
		"peer", shortPeerID(peerID),
		"count", len(messages))

	for _, msg := range messages {
		s.RetryMessage(ctx, msg)
	}
}

// GetPendingCount returns the number of pending messages for a session.
func (s *MessageSender) GetPendingCount(sessionID string) (int, error) {
	messages, err := s.storage.GetPendingForSession(sessionID)
	if err != nil {
		return 0, err
	}
	return len(messages), nil
}

// CancelPendingForSession marks all pending messages for a session as failed.
// Used when a session is purged.
func (s *MessageSender) CancelPendingForSession(sessionID string, reason string) error {
	messages, err := s.storage.GetPendingForSession(sessionID)
	if err != nil {
		return err
	}

	for _, msg := range messages {
		if err := s.storage.MarkMessageFailed(msg.MessageID, reason); err != nil {
			s.log.Warn("failed to mark message failed", "error", err)
		}
	}

	s.log.Info("cancelled pending messages for session",
		"session", sessionID,
		"count", len(messages),
		"reason", reason)

	return nil
}
