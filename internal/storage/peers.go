package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PeerRecord is a known peer: the daemon keeps addresses around so it can
// redial a swap counterparty after a restart without waiting for discovery.
type PeerRecord struct {
	PeerID          string    `json:"peer_id"`
	Addresses       []string  `json:"addresses"`
	FirstSeen       time.Time `json:"first_seen"`
	LastSeen        time.Time `json:"last_seen"`
	LastConnected   time.Time `json:"last_connected"`
	ConnectionCount int       `json:"connection_count"`
	IsBootstrap     bool      `json:"is_bootstrap"`
}

// peerColumns is the SELECT list every peer query shares, in scanPeer order.
const peerColumns = "peer_id, addresses, first_seen, last_seen, last_connected, connection_count, is_bootstrap"

// SavePeer inserts or refreshes a peer. On conflict the address set and
// last-seen time win, first_seen and the connection counter are preserved,
// and a bootstrap mark is sticky.
func (s *Storage) SavePeer(peer *PeerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	addrsJSON, err := json.Marshal(peer.Addresses)
	if err != nil {
		return fmt.Errorf("failed to encode peer addresses: %w", err)
	}

	var lastConnected int64
	if !peer.LastConnected.IsZero() {
		lastConnected = peer.LastConnected.Unix()
	}
	bootstrap := 0
	if peer.IsBootstrap {
		bootstrap = 1
	}

	_, err = s.db.Exec(`
		INSERT INTO peers (`+peerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			addresses = excluded.addresses,
			last_seen = excluded.last_seen,
			last_connected = CASE WHEN excluded.last_connected > 0 THEN excluded.last_connected ELSE peers.last_connected END,
			connection_count = peers.connection_count + 1,
			is_bootstrap = CASE WHEN excluded.is_bootstrap THEN 1 ELSE peers.is_bootstrap END`,
		peer.PeerID,
		string(addrsJSON),
		peer.FirstSeen.Unix(),
		peer.LastSeen.Unix(),
		lastConnected,
		peer.ConnectionCount,
		bootstrap,
	)
	return err
}

// GetPeer looks up one peer. A missing peer is (nil, nil), not an error.
func (s *Storage) GetPeer(peerID string) (*PeerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+peerColumns+" FROM peers WHERE peer_id = ?", peerID)
	peer, err := scanPeer(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return peer, err
}

// ListPeers returns known peers, most recently seen first. A limit of zero
// returns everything.
func (s *Storage) ListPeers(limit int) ([]*PeerRecord, error) {
	return s.queryPeers(
		"SELECT "+peerColumns+" FROM peers ORDER BY last_seen DESC",
		limit,
	)
}

// ListRecentPeers returns peers seen within the given window, best-connected
// first, so redial attempts start with the counterparties most likely to
// still be there.
func (s *Storage) ListRecentPeers(since time.Duration, limit int) ([]*PeerRecord, error) {
	cutoff := time.Now().Add(-since).Unix()
	return s.queryPeers(
		"SELECT "+peerColumns+" FROM peers WHERE last_seen > ? ORDER BY connection_count DESC, last_seen DESC",
		limit, cutoff,
	)
}

// UpdatePeerConnected records a successful connection.
func (s *Storage) UpdatePeerConnected(peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	_, err := s.db.Exec(
		"UPDATE peers SET last_connected = ?, last_seen = ?, connection_count = connection_count + 1 WHERE peer_id = ?",
		now, now, peerID,
	)
	return err
}

// UpdatePeerSeen bumps the last-seen time without counting a connection.
func (s *Storage) UpdatePeerSeen(peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE peers SET last_seen = ? WHERE peer_id = ?", time.Now().Unix(), peerID)
	return err
}

// DeletePeer forgets a peer.
func (s *Storage) DeletePeer(peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM peers WHERE peer_id = ?", peerID)
	return err
}

// PeerCount returns how many peers are known.
func (s *Storage) PeerCount() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM peers").Scan(&count)
	return count, err
}

// queryPeers runs a peer SELECT, appending a LIMIT clause when limit > 0.
// The read lock is taken here so callers stay lock-free.
func (s *Storage) queryPeers(query string, limit int, args ...interface{}) ([]*PeerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var peers []*PeerRecord
	for rows.Next() {
		peer, err := scanPeer(rows)
		if err != nil {
			return nil, err
		}
		peers = append(peers, peer)
	}
	return peers, rows.Err()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPeer(row rowScanner) (*PeerRecord, error) {
	var (
		peer                              PeerRecord
		addrsJSON                         string
		firstSeen, lastSeen, lastConnected int64
		isBootstrap                       int
	)

	err := row.Scan(
		&peer.PeerID,
		&addrsJSON,
		&firstSeen,
		&lastSeen,
		&lastConnected,
		&peer.ConnectionCount,
		&isBootstrap,
	)
	if err != nil {
		return nil, err
	}

	if addrsJSON != "" {
		json.Unmarshal([]byte(addrsJSON), &peer.Addresses)
	}
	peer.FirstSeen = time.Unix(firstSeen, 0)
	peer.LastSeen = time.Unix(lastSeen, 0)
	if lastConnected > 0 {
		peer.LastConnected = time.Unix(lastConnected, 0)
	}
	peer.IsBootstrap = isBootstrap == 1

	return &peer, nil
}
