// Package node - watches peer connection events to flush queued messages.
package node

import (
	"context"

	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/Cyrix126/bch-xmr-swap/internal/storage"
	"github.com/Cyrix126/bch-xmr-swap/pkg/logging"
)

// PeerMonitor delivers the queued backlog the moment a counterparty comes
// back online, instead of waiting for the next retry tick.
type PeerMonitor struct {
	node    *Node
	storage *storage.Storage
	sender  *MessageSender
	log     *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewPeerMonitor creates a new peer monitor.
func NewPeerMonitor(n *Node, store *storage.Storage, sender *MessageSender) *PeerMonitor {
	ctx, cancel := context.WithCancel(context.Background())

	return &PeerMonitor{
		node:    n,
		storage: store,
		sender:  sender,
		log:     logging.Component("peer-monitor"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start subscribes to connectedness events.
func (m *PeerMonitor) Start() error {
	sub, err := m.node.Host().EventBus().Subscribe(new(event.EvtPeerConnectednessChanged))
	if err != nil {
		return err
	}

	go m.run(sub)
	m.log.Info("peer monitor started")
	return nil
}

// Stop stops the peer monitor.
func (m *PeerMonitor) Stop() {
	m.cancel()
	m.log.Info("peer monitor stopped")
}

func (m *PeerMonitor) run(sub event.Subscription) {
	defer sub.Close()

	for {
		select {
		case <-m.ctx.Done():
			return
		case ev := <-sub.Out():
			e, ok := ev.(event.EvtPeerConnectednessChanged)
			if !ok {
				continue
			}

			if e.Connectedness == network.Connected {
				m.handlePeerConnected(e.Peer)
			}
		}
	}
}

// handlePeerConnected flushes the peer's pending backlog in the background.
func (m *PeerMonitor) handlePeerConnected(peerID peer.ID) {
	messages, err := m.storage.GetPendingForPeer(peerID.String())
	if err != nil {
		m.log.Warn("failed to get pending messages for peer", "error", err)
		return
	}

	if len(messages) == 0 {
		return
	}

	m.log.Info("peer connected with pending messages",
		"peer", shortPeerID(peerID),
		"pending_count", len(messages))

	go m.sender.FlushPendingForPeer(m.ctx, peerID)
}
