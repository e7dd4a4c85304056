// Package node - background worker for retrying undelivered messages.
package node

import (
	"context"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/Cyrix126/bch-xmr-swap/internal/storage"
	"github.com/Cyrix126/bch-xmr-swap/pkg/logging"
)

// RetryWorkerConfig configures the retry worker behavior.
type RetryWorkerConfig struct {
	PollInterval    time.Duration // how often to check for messages to retry
	CleanupInterval time.Duration // how often to prune delivered messages
	RetentionPeriod time.Duration // how long delivered/failed messages are kept
}

// DefaultRetryWorkerConfig returns the default configuration.
func DefaultRetryWorkerConfig() RetryWorkerConfig {
	return RetryWorkerConfig{
		PollInterval:    5 * time.Second,
		CleanupInterval: 1 * time.Hour,
		RetentionPeriod: 7 * 24 * time.Hour,
	}
}

// RetryWorker periodically redelivers undelivered outbox messages. Protocol
// messages stay pending until acked or the retry budget runs out; the state
// machine, not a clock, decides when a session is over.
type RetryWorker struct {
	node    *Node
	storage *storage.Storage
	sender  *MessageSender
	config  RetryWorkerConfig
	log     *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewRetryWorker creates a new retry worker.
func NewRetryWorker(n *Node, store *storage.Storage, sender *MessageSender, cfg RetryWorkerConfig) *RetryWorker {
	ctx, cancel := context.WithCancel(context.Background())

	return &RetryWorker{
		node:    n,
		storage: store,
		sender:  sender,
		config:  cfg,
		log:     logging.Component("retry-worker"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start starts the retry worker background goroutine.
func (w *RetryWorker) Start() {
	go w.run()
	w.log.Info("retry worker started", "poll_interval", w.config.PollInterval)
}

// Stop stops the retry worker.
func (w *RetryWorker) Stop() {
	w.cancel()
	w.log.Info("retry worker stopped")
}

func (w *RetryWorker) run() {
	retryTicker := time.NewTicker(w.config.PollInterval)
	cleanupTicker := time.NewTicker(w.config.CleanupInterval)
	defer retryTicker.Stop()
	defer cleanupTicker.Stop()

	w.cleanupOldMessages()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-retryTicker.C:
			w.processRetries()
		case <-cleanupTicker.C:
			w.cleanupOldMessages()
		}
	}
}

// cleanupOldMessages prunes delivered and failed messages past retention.
func (w *RetryWorker) cleanupOldMessages() {
	olderThan := time.Now().Add(-w.config.RetentionPeriod).Unix()

	count, err := w.storage.CleanupOldMessages(olderThan)
	if err != nil {
		w.log.Warn("failed to cleanup outbox messages", "error", err)
		return
	}

	if count > 0 {
		w.log.Info("cleaned up old messages", "count", count)
	}
}

// processRetries redelivers every message whose retry time has come.
func (w *RetryWorker) processRetries() {
	now := time.Now().Unix()

	messages, err := w.storage.GetPendingMessages(now)
	if err != nil {
		w.log.Warn("failed to get pending messages", "error", err)
		return
	}

	if len(messages) == 0 {
		return
	}

	w.log.Debug("processing pending messages", "count", len(messages))

	for _, msg := range messages {
		select {
		case <-w.ctx.Done():
			return
		default:
		}

		peerID, err := peer.Decode(msg.PeerID)
		if err != nil {
			w.log.Warn("invalid peer ID", "peer", msg.PeerID, "message_id", msg.MessageID)
			if err := w.storage.MarkMessageFailed(msg.MessageID, "invalid peer ID"); err != nil {
				w.log.Warn("failed to mark message failed", "error", err)
			}
			continue
		}

		connected := w.node.Host().Network().Connectedness(peerID) == network.Connected

		if !connected && w.node.DHT() != nil {
			ctx, cancel := context.WithTimeout(w.ctx, 10*time.Second)
			pi, err := w.node.DHT().FindPeer(ctx, peerID)
			cancel()

			if err == nil {
				ctx, cancel := context.WithTimeout(w.ctx, 10*time.Second)
				err = w.node.Connect(ctx, pi)
				cancel()

				if err == nil {
					connected = true
					w.log.Debug("reconnected to peer via DHT", "peer", shortPeerID(peerID))
				}
			}
		}

		if !connected {
			w.log.Debug("peer not reachable, scheduling retry",
				"peer", shortPeerID(peerID),
				"message_id", msg.MessageID,
				"retry_count", msg.RetryCount)

			w.sender.scheduleRetry(msg.MessageID, msg.RetryCount)
			continue
		}

		w.log.Debug("retrying message",
			"type", msg.MessageType,
			"session", msg.SessionID,
			"message_id", msg.MessageID,
			"retry_count", msg.RetryCount)

		w.sender.RetryMessage(w.ctx, msg)
	}
}
