// Package node - offer adverts over gossipsub.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"

	"github.com/Cyrix126/bch-xmr-swap/pkg/helpers"
	"github.com/Cyrix126/bch-xmr-swap/pkg/logging"
)

// OfferTopic carries open-session adverts. Protocol messages never pass
// here; anything session-specific goes over the direct protocol.
const OfferTopic = "/bch-xmr-swap/offers/1.0.0"

// OfferHandler publishes this node's open offers and surfaces adverts from
// the rest of the network.
type OfferHandler struct {
	node *Node
	log  *logging.Logger

	topic *pubsub.Topic
	sub   *pubsub.Subscription

	handlers []func(from string, offer *OfferPayload)
	mu       sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
}

// NewOfferHandler creates an offer handler.
func NewOfferHandler(n *Node) (*OfferHandler, error) {
	ctx, cancel := context.WithCancel(context.Background())

	return &OfferHandler{
		node:   n,
		log:    logging.Component("offers"),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start joins the offer topic and begins processing adverts.
func (h *OfferHandler) Start() error {
	if h.node.pubsub == nil {
		return fmt.Errorf("pubsub not initialized")
	}

	topic, err := h.node.pubsub.Join(OfferTopic)
	if err != nil {
		return fmt.Errorf("failed to join offer topic: %w", err)
	}
	h.topic = topic

	sub, err := topic.Subscribe()
	if err != nil {
		return fmt.Errorf("failed to subscribe to offer topic: %w", err)
	}
	h.sub = sub

	go h.processOffers()

	h.log.Info("offer handler started", "topic", OfferTopic)
	return nil
}

// Stop leaves the offer topic.
func (h *OfferHandler) Stop() error {
	h.cancel()

	if h.sub != nil {
		h.sub.Cancel()
	}
	if h.topic != nil {
		h.topic.Close()
	}

	h.log.Info("offer handler stopped")
	return nil
}

// OnOffer registers a callback for incoming adverts.
func (h *OfferHandler) OnOffer(cb func(from string, offer *OfferPayload)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers = append(h.handlers, cb)
}

// Publish announces an open session to the network.
func (h *OfferHandler) Publish(ctx context.Context, offer *OfferPayload) error {
	if h.topic == nil {
		return fmt.Errorf("not connected to offer topic")
	}

	msg, err := NewMessage(MsgOffer, offer.TradeID, offer)
	if err != nil {
		return fmt.Errorf("failed to build offer: %w", err)
	}
	msg.FromPeer = h.node.ID().String()
	msg.Timestamp = time.Now().Unix()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal offer: %w", err)
	}

	if err := h.topic.Publish(ctx, data); err != nil {
		return fmt.Errorf("failed to publish offer: %w", err)
	}

	h.log.Debug("published offer", "trade_id", offer.TradeID,
		"bch", helpers.SatoshisToBCH(offer.BchAmount),
		"xmr", helpers.PiconerosToXMR(offer.XmrAmount))
	return nil
}

// processOffers dispatches incoming adverts to the registered callbacks.
// Adverts on the wrong network are dropped here so callers never see them.
func (h *OfferHandler) processOffers() {
	network := string(h.node.config.NetworkType)

	for {
		msg, err := h.sub.Next(h.ctx)
		if err != nil {
			if h.ctx.Err() != nil {
				return
			}
			h.log.Warn("error receiving offer", "error", err)
			continue
		}

		if msg.ReceivedFrom == h.node.ID() {
			continue
		}

		var envelope Message
		if err := json.Unmarshal(msg.Data, &envelope); err != nil {
			h.log.Debug("failed to parse offer envelope", "error", err)
			continue
		}
		if envelope.Type != MsgOffer {
			continue
		}

		var offer OfferPayload
		if err := json.Unmarshal(envelope.Payload, &offer); err != nil {
			h.log.Debug("failed to parse offer payload", "error", err)
			continue
		}

		if offer.Network != network {
			continue
		}

		h.log.Debug("received offer",
			"trade_id", offer.TradeID,
			"from", shortPeerID(msg.ReceivedFrom),
			"bch", helpers.SatoshisToBCH(offer.BchAmount),
			"xmr", helpers.PiconerosToXMR(offer.XmrAmount))

		h.mu.RLock()
		handlers := make([]func(string, *OfferPayload), len(h.handlers))
		copy(handlers, h.handlers)
		h.mu.RUnlock()

		for _, cb := range handlers {
			go cb(envelope.FromPeer, &offer)
		}
	}
}
