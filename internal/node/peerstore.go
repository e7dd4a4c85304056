package node

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/multiformats/go-multiaddr"

	"github.com/Cyrix126/bch-xmr-swap/internal/storage"
)

// Peer redial window. Matches the outbox retention period: a counterparty
// the daemon still owes messages to must stay dialable for as long as those
// messages are retried.
const (
	peerRedialWindow = 7 * 24 * time.Hour
	peerRedialLimit  = 100
)

// PeerStoreAdapter persists peer addresses so the daemon can redial swap
// counterparties after a restart without waiting for discovery.
type PeerStoreAdapter struct {
	store *storage.Storage
}

// NewPeerStoreAdapter creates a new peer store adapter.
func NewPeerStoreAdapter(store *storage.Storage) *PeerStoreAdapter {
	return &PeerStoreAdapter{store: store}
}

// SavePeer saves a peer's addresses.
func (a *PeerStoreAdapter) SavePeer(peerID peer.ID, addrs []multiaddr.Multiaddr, isBootstrap bool) error {
	addrStrs := make([]string, len(addrs))
	for i, addr := range addrs {
		addrStrs[i] = addr.String()
	}

	now := time.Now()
	return a.store.SavePeer(&storage.PeerRecord{
		PeerID:      peerID.String(),
		Addresses:   addrStrs,
		FirstSeen:   now,
		LastSeen:    now,
		IsBootstrap: isBootstrap,
	})
}

// UpdatePeerConnected records a successful connection to the peer.
func (a *PeerStoreAdapter) UpdatePeerConnected(peerID peer.ID) error {
	return a.store.UpdatePeerConnected(peerID.String())
}

// UpdatePeerSeen bumps the peer's last-seen timestamp.
func (a *PeerStoreAdapter) UpdatePeerSeen(peerID peer.ID) error {
	return a.store.UpdatePeerSeen(peerID.String())
}

// LoadRecentPeers loads peers seen within the given duration.
func (a *PeerStoreAdapter) LoadRecentPeers(since time.Duration, limit int) ([]*storage.PeerRecord, error) {
	return a.store.ListRecentPeers(since, limit)
}

// PeerCount returns the number of known peers.
func (a *PeerStoreAdapter) PeerCount() (int, error) {
	return a.store.PeerCount()
}

// SetPeerStoreAdapter attaches persistent peer storage to the node.
func (n *Node) SetPeerStoreAdapter(adapter *PeerStoreAdapter) {
	n.mu.Lock()
	n.peerStoreAdapter = adapter
	n.mu.Unlock()
}

func (n *Node) adapter() *PeerStoreAdapter {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.peerStoreAdapter
}

// LoadPersistedPeers seeds the libp2p peerstore with recently seen peers so
// queued session messages can be delivered before discovery kicks in.
func (n *Node) LoadPersistedPeers() error {
	adapter := n.adapter()
	if adapter == nil {
		return nil
	}

	records, err := adapter.LoadRecentPeers(peerRedialWindow, peerRedialLimit)
	if err != nil {
		return err
	}

	loaded := 0
	for _, record := range records {
		peerID, err := peer.Decode(record.PeerID)
		if err != nil {
			n.log.Debug("invalid peer ID in storage", "peer", record.PeerID, "error", err)
			continue
		}
		if peerID == n.host.ID() {
			continue
		}

		addrs := decodeAddrs(record.Addresses)
		if len(addrs) == 0 {
			continue
		}

		n.host.Peerstore().AddAddrs(peerID, addrs, peerstore.TempAddrTTL)
		loaded++
	}

	if loaded > 0 {
		n.log.Info("loaded persisted peers", "count", loaded)
	}
	return nil
}

// SavePeerCache writes every peer with known addresses to storage. Called on
// shutdown so the next start can redial.
func (n *Node) SavePeerCache() error {
	adapter := n.adapter()
	if adapter == nil {
		return nil
	}

	saved := 0
	for _, peerID := range n.host.Peerstore().Peers() {
		if peerID == n.host.ID() {
			continue
		}
		addrs := n.host.Peerstore().Addrs(peerID)
		if len(addrs) == 0 {
			continue
		}
		if err := adapter.SavePeer(peerID, addrs, false); err != nil {
			n.log.Debug("failed to save peer", "peer", shortPeerID(peerID), "error", err)
			continue
		}
		saved++
	}

	if saved > 0 {
		n.log.Info("saved peer cache", "count", saved)
	}
	return nil
}

// savePeerOnConnect persists a peer as soon as it connects, so a crash
// between connect and shutdown does not lose the address.
func (n *Node) savePeerOnConnect(peerID peer.ID) {
	adapter := n.adapter()
	if adapter == nil {
		return
	}

	addrs := n.host.Peerstore().Addrs(peerID)
	if len(addrs) == 0 {
		return
	}

	if err := adapter.SavePeer(peerID, addrs, false); err != nil {
		n.log.Debug("failed to save connected peer", "error", err)
	}
	adapter.UpdatePeerConnected(peerID)
}

func decodeAddrs(strs []string) []multiaddr.Multiaddr {
	addrs := make([]multiaddr.Multiaddr, 0, len(strs))
	for _, s := range strs {
		addr, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			continue
		}
		addrs = append(addrs, addr)
	}
	return addrs
}
