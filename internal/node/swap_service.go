// Package node - bridges the p2p transport to the session supervisor.
package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/Cyrix126/bch-xmr-swap/internal/config"
	"github.com/Cyrix126/bch-xmr-swap/internal/storage"
	"github.com/Cyrix126/bch-xmr-swap/internal/swap"
	"github.com/Cyrix126/bch-xmr-swap/pkg/helpers"
	"github.com/Cyrix126/bch-xmr-swap/pkg/logging"
)

// RunnerFactory wires a session's runner to the daemon's chain backends.
// Provided by the daemon shell so this package stays transport-only.
type RunnerFactory func(id uuid.UUID, bob *swap.Bob) *swap.Runner

// SwapService routes inbound protocol messages into the state machine and
// sends the responder's replies back out. It owns session creation and
// resume; the supervisor owns session lifetime.
type SwapService struct {
	node       *Node
	store      *storage.Storage
	supervisor *swap.Supervisor
	newRunner  RunnerFactory
	log        *logging.Logger
}

// NewSwapService creates the service and registers its message handlers.
func NewSwapService(n *Node, store *storage.Storage, sup *swap.Supervisor, factory RunnerFactory) *SwapService {
	s := &SwapService{
		node:       n,
		store:      store,
		supervisor: sup,
		newRunner:  factory,
		log:        logging.Component("swap-service"),
	}

	n.RegisterDirectHandler(MsgKeys, s.handleProtocolMessage)
	n.RegisterDirectHandler(MsgContract, s.handleProtocolMessage)
	n.RegisterDirectHandler(MsgEncSig, s.handleProtocolMessage)

	return s
}

// CreateSession builds a new responder session: fresh keys, the operator's
// terms, a supervised runner, and a persisted record. The returned id is the
// trade id the counterparty must address.
func (s *SwapService) CreateSession(ctx context.Context, sw *swap.Swap) (uuid.UUID, error) {
	if !config.ValidTimelocks(sw.Timelock1, sw.Timelock2) {
		return uuid.Nil, fmt.Errorf("timelocks out of bounds: %d, %d", sw.Timelock1, sw.Timelock2)
	}

	id := uuid.New()
	bob := swap.NewBob(sw)
	runner := s.newRunner(id, bob)

	if err := s.store.SaveSession(id, sw, bob.State); err != nil {
		return uuid.Nil, fmt.Errorf("persist session: %w", err)
	}

	if err := s.supervisor.Add(runner); err != nil {
		return uuid.Nil, err
	}

	s.log.Info("session created",
		"session", id,
		"bch", helpers.SatoshisToBCH(sw.BchAmount),
		"xmr", helpers.PiconerosToXMR(sw.XmrAmount))
	return id, nil
}

// AnnounceSession publishes the offer advert for an open session.
func (s *SwapService) AnnounceSession(ctx context.Context, id uuid.UUID) error {
	summary, err := s.store.GetSessionSummary(id)
	if err != nil {
		return err
	}

	offers := s.node.OfferHandler()
	if offers == nil {
		return fmt.Errorf("offer gossip not available")
	}

	return offers.Publish(ctx, &OfferPayload{
		TradeID:   id.String(),
		Network:   string(s.node.Config().NetworkType),
		BchAmount: summary.BchAmount,
		XmrAmount: summary.XmrAmount,
		Timelock1: summary.Timelock1,
		Timelock2: summary.Timelock2,
	})
}

// ResumeSessions reloads every persisted session into the supervisor.
// Pending outbound messages are redelivered by the retry worker; pending
// inbound ones arrive again from the counterparty, where the inbox dedup
// answers redeliveries of already-processed frames.
func (s *SwapService) ResumeSessions() (int, error) {
	summaries, err := s.store.ListSessions()
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, summary := range summaries {
		sw, state, err := s.store.LoadSession(summary.ID)
		if err != nil {
			s.log.Error("failed to load session", "session", summary.ID, "err", err)
			continue
		}

		bob := swap.NewBob(sw)
		bob.State = state

		if err := s.supervisor.Add(s.newRunner(summary.ID, bob)); err != nil {
			if !errors.Is(err, swap.ErrSessionRunning) {
				s.log.Error("failed to resume session", "session", summary.ID, "err", err)
			}
			continue
		}
		resumed++
	}

	if resumed > 0 {
		s.log.Info("resumed sessions", "count", resumed)
	}
	return resumed, nil
}

// handleProtocolMessage applies a counterparty message to its session and
// queues the responder's reply. Returning an error makes the stream handler
// NACK the frame, so the counterparty knows the message was rejected.
func (s *SwapService) handleProtocolMessage(ctx context.Context, msg *Message) error {
	id, err := uuid.Parse(msg.SessionID)
	if err != nil {
		return fmt.Errorf("bad session id %q: %w", msg.SessionID, err)
	}

	t, err := TransitionForMessage(msg)
	if err != nil {
		return err
	}

	if err := s.supervisor.Deliver(ctx, id, t); err != nil {
		return err
	}

	// The counterparty may need the reply redelivered after a restart, so it
	// goes through the persistent outbox rather than the open stream.
	if err := s.sendReply(ctx, id, msg.FromPeer); err != nil {
		s.log.Error("failed to queue reply", "session", id, "err", err)
	}
	return nil
}

// sendReply queues the message the responder owes for the session's phase.
func (s *SwapService) sendReply(ctx context.Context, id uuid.UUID, toPeer string) error {
	peerID, err := peer.Decode(toPeer)
	if err != nil {
		return fmt.Errorf("bad peer id %q: %w", toPeer, err)
	}

	runner, ok := s.supervisor.Get(id)
	if !ok {
		// Session already finished and left the supervisor.
		return nil
	}

	out, err := runner.Outbound()
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}

	reply, err := MessageForTransition(id.String(), out)
	if err != nil {
		return err
	}

	return s.node.SendDirect(ctx, peerID, id.String(), reply)
}
