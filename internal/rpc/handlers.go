package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Version of the daemon.
const Version = "0.1.0"

// NodeInfoResult is the response for node_info.
type NodeInfoResult struct {
	PeerID  string   `json:"peer_id"`
	Addrs   []string `json:"addrs"`
	Network string   `json:"network"`
	Peers   int      `json:"peers"`
	Uptime  string   `json:"uptime"`
	Version string   `json:"version"`
}

func (s *Server) nodeInfo(ctx context.Context, params json.RawMessage) (interface{}, error) {
	addrs := make([]string, 0)
	for _, addr := range s.node.Addrs() {
		addrs = append(addrs, addr.String()+"/p2p/"+s.node.ID().String())
	}

	return &NodeInfoResult{
		PeerID:  s.node.ID().String(),
		Addrs:   addrs,
		Network: string(s.node.Config().NetworkType),
		Peers:   s.node.PeerCount(),
		Uptime:  s.node.Uptime().Round(time.Second).String(),
		Version: Version,
	}, nil
}

// NodeStatusResult is the response for node_status.
type NodeStatusResult struct {
	Running        bool   `json:"running"`
	PeerCount      int    `json:"peer_count"`
	KnownPeers     int    `json:"known_peers"`
	ActiveSessions int    `json:"active_sessions"`
	Uptime         string `json:"uptime"`
	WSClients      int    `json:"ws_clients"`
}

func (s *Server) nodeStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	knownPeers := 0
	if s.store != nil {
		if count, err := s.store.PeerCount(); err == nil {
			knownPeers = count
		}
	}

	return &NodeStatusResult{
		Running:        true,
		PeerCount:      s.node.PeerCount(),
		KnownPeers:     knownPeers,
		ActiveSessions: len(s.supervisor.List()),
		Uptime:         s.node.Uptime().Round(time.Second).String(),
		WSClients:      s.wsHub.ClientCount(),
	}, nil
}

// PeerInfo describes one connected peer.
type PeerInfo struct {
	PeerID string   `json:"peer_id"`
	Addrs  []string `json:"addrs,omitempty"`
}

// PeersListResult is the response for peers_list.
type PeersListResult struct {
	Peers []PeerInfo `json:"peers"`
	Count int        `json:"count"`
}

func (s *Server) peersList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	peers := s.node.Peers()
	result := make([]PeerInfo, 0, len(peers))

	host := s.node.Host()
	for _, p := range peers {
		addrs := host.Peerstore().Addrs(p)
		addrStrs := make([]string, 0, len(addrs))
		for _, addr := range addrs {
			addrStrs = append(addrStrs, addr.String())
		}

		result = append(result, PeerInfo{
			PeerID: p.String(),
			Addrs:  addrStrs,
		})
	}

	return &PeersListResult{
		Peers: result,
		Count: len(result),
	}, nil
}

// ConnectParams is the parameters for peers_connect.
type ConnectParams struct {
	Addr string `json:"addr"`
}

func (s *Server) peersConnect(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ConnectParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.Addr == "" {
		return nil, fmt.Errorf("addr is required")
	}

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := s.node.ConnectByAddr(connectCtx, p.Addr); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	return map[string]interface{}{
		"success": true,
		"addr":    p.Addr,
	}, nil
}

// KnownPeersParams is the parameters for peers_known.
type KnownPeersParams struct {
	Limit int `json:"limit"`
}

// KnownPeerInfo describes a peer from the persistent peer store.
type KnownPeerInfo struct {
	PeerID      string   `json:"peer_id"`
	Addrs       []string `json:"addrs"`
	FirstSeen   int64    `json:"first_seen"`
	LastSeen    int64    `json:"last_seen"`
	IsConnected bool     `json:"is_connected"`
}

// KnownPeersResult is the response for peers_known.
type KnownPeersResult struct {
	Peers []KnownPeerInfo `json:"peers"`
	Count int             `json:"count"`
}

func (s *Server) peersKnown(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p KnownPeersParams
	if params != nil {
		json.Unmarshal(params, &p)
	}
	if p.Limit == 0 {
		p.Limit = 100
	}

	records, err := s.store.ListPeers(p.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list peers: %w", err)
	}

	connected := make(map[string]bool)
	for _, pid := range s.node.Peers() {
		connected[pid.String()] = true
	}

	result := make([]KnownPeerInfo, 0, len(records))
	for _, r := range records {
		result = append(result, KnownPeerInfo{
			PeerID:      r.PeerID,
			Addrs:       r.Addresses,
			FirstSeen:   r.FirstSeen.Unix(),
			LastSeen:    r.LastSeen.Unix(),
			IsConnected: connected[r.PeerID],
		})
	}

	return &KnownPeersResult{
		Peers: result,
		Count: len(result),
	}, nil
}
