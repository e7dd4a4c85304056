package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/Cyrix126/bch-xmr-swap/internal/config"
	"github.com/Cyrix126/bch-xmr-swap/internal/swap"
)

// SwapCreateParams is the parameters for swap_create. Amounts are in the
// smallest unit of each chain (satoshis, piconeros). Omitted timelocks fall
// back to the daemon's configured policy; an omitted receiving address sends
// the BCH payout to the built-in wallet.
type SwapCreateParams struct {
	BchAmount        uint64 `json:"bch_amount"`
	XmrAmount        uint64 `json:"xmr_amount"`
	Timelock1        uint32 `json:"timelock1,omitempty"`
	Timelock2        uint32 `json:"timelock2,omitempty"`
	ReceivingAddress string `json:"receiving_address,omitempty"`
	Announce         bool   `json:"announce,omitempty"`
}

// SwapCreateResult is the response for swap_create.
type SwapCreateResult struct {
	TradeID   string `json:"trade_id"`
	State     string `json:"state"`
	Announced bool   `json:"announced"`
}

func (s *Server) swapCreate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapCreateParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}

	bch, _ := config.GetCoin("BCH")
	if p.BchAmount < bch.MinAmount || (bch.MaxAmount > 0 && p.BchAmount > bch.MaxAmount) {
		return nil, fmt.Errorf("bch_amount %d outside tradable range", p.BchAmount)
	}
	xmr, _ := config.GetCoin("XMR")
	if p.XmrAmount < xmr.MinAmount {
		return nil, fmt.Errorf("xmr_amount %d below minimum", p.XmrAmount)
	}

	policy := s.node.Config().Swap
	if p.Timelock1 == 0 {
		p.Timelock1 = policy.Timelock1
	}
	if p.Timelock2 == 0 {
		p.Timelock2 = policy.Timelock2
	}

	network := s.node.Config().ChainNetwork()

	var receiving swap.HexBytes
	var err error
	if p.ReceivingAddress != "" {
		receiving, err = swap.ReceivingScript(p.ReceivingAddress, network)
		if err != nil {
			return nil, fmt.Errorf("invalid receiving_address: %w", err)
		}
	} else {
		receiving, err = s.wallet.PayoutScript(0, 0)
		if err != nil {
			return nil, fmt.Errorf("derive payout script: %w", err)
		}
	}

	keys, err := swap.GenerateKeyPrivate()
	if err != nil {
		return nil, fmt.Errorf("generate session keys: %w", err)
	}

	sw := &swap.Swap{
		Keys:       keys,
		BchRecv:    receiving,
		BchAmount:  p.BchAmount,
		XmrAmount:  p.XmrAmount,
		Timelock1:  p.Timelock1,
		Timelock2:  p.Timelock2,
		BchNetwork: network,
		XmrNetwork: network,
	}

	id, err := s.swaps.CreateSession(ctx, sw)
	if err != nil {
		return nil, err
	}

	announced := false
	if p.Announce {
		if err := s.swaps.AnnounceSession(ctx, id); err != nil {
			s.log.Warn("offer announcement failed", "session", id, "err", err)
		} else {
			announced = true
		}
	}

	return &SwapCreateResult{
		TradeID:   id.String(),
		State:     swap.StateInit{}.String(),
		Announced: announced,
	}, nil
}

// SwapInfo summarizes one session for the API.
type SwapInfo struct {
	TradeID   string `json:"trade_id"`
	State     string `json:"state"`
	Running   bool   `json:"running"`
	BchAmount uint64 `json:"bch_amount"`
	XmrAmount uint64 `json:"xmr_amount"`
	Timelock1 uint32 `json:"timelock1"`
	Timelock2 uint32 `json:"timelock2"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// SwapListResult is the response for swap_list.
type SwapListResult struct {
	Swaps []SwapInfo `json:"swaps"`
	Count int        `json:"count"`
}

func (s *Server) swapList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	summaries, err := s.store.ListSessions()
	if err != nil {
		return nil, err
	}

	result := make([]SwapInfo, 0, len(summaries))
	for _, sum := range summaries {
		_, running := s.supervisor.Get(sum.ID)
		result = append(result, SwapInfo{
			TradeID:   sum.ID.String(),
			State:     sum.State,
			Running:   running,
			BchAmount: sum.BchAmount,
			XmrAmount: sum.XmrAmount,
			Timelock1: sum.Timelock1,
			Timelock2: sum.Timelock2,
			CreatedAt: sum.CreatedAt.Unix(),
			UpdatedAt: sum.UpdatedAt.Unix(),
		})
	}

	return &SwapListResult{Swaps: result, Count: len(result)}, nil
}

// SwapGetParams is the parameters for swap_get, swap_announce and
// swap_resume.
type SwapGetParams struct {
	TradeID string `json:"trade_id"`
}

// SwapGetResult is the response for swap_get.
type SwapGetResult struct {
	SwapInfo

	// ContractAddresses are present once the session has both key sets.
	BchContractAddress string `json:"bch_contract_address,omitempty"`
	XmrSharedAddress   string `json:"xmr_shared_address,omitempty"`
}

func (s *Server) swapGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	id, err := parseTradeID(params)
	if err != nil {
		return nil, err
	}

	sum, err := s.store.GetSessionSummary(id)
	if err != nil {
		return nil, fmt.Errorf("unknown session: %w", err)
	}

	result := &SwapGetResult{
		SwapInfo: SwapInfo{
			TradeID:   sum.ID.String(),
			State:     sum.State,
			BchAmount: sum.BchAmount,
			XmrAmount: sum.XmrAmount,
			Timelock1: sum.Timelock1,
			Timelock2: sum.Timelock2,
			CreatedAt: sum.CreatedAt.Unix(),
			UpdatedAt: sum.UpdatedAt.Unix(),
		},
	}

	if runner, ok := s.supervisor.Get(id); ok {
		result.Running = true
		if bch, xmr, err := runner.ContractAddresses(); err == nil {
			result.BchContractAddress = bch
			result.XmrSharedAddress = xmr
		}
	}

	return result, nil
}

func (s *Server) swapAnnounce(ctx context.Context, params json.RawMessage) (interface{}, error) {
	id, err := parseTradeID(params)
	if err != nil {
		return nil, err
	}
	if err := s.swaps.AnnounceSession(ctx, id); err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true, "trade_id": id.String()}, nil
}

// SwapResumeResult is the response for swap_resume.
type SwapResumeResult struct {
	Resumed int `json:"resumed"`
}

// swapResume reloads persisted sessions that are not currently supervised.
// Sessions already running are skipped, so the call is idempotent.
func (s *Server) swapResume(ctx context.Context, params json.RawMessage) (interface{}, error) {
	n, err := s.swaps.ResumeSessions()
	if err != nil {
		return nil, err
	}
	return &SwapResumeResult{Resumed: n}, nil
}

func parseTradeID(params json.RawMessage) (uuid.UUID, error) {
	var p SwapGetParams
	if err := json.Unmarshal(params, &p); err != nil {
		return uuid.Nil, fmt.Errorf("invalid params: %w", err)
	}
	id, err := uuid.Parse(p.TradeID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid trade_id: %w", err)
	}
	return id, nil
}
