package backend

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Cyrix126/bch-xmr-swap/pkg/logging"
)

// TCPElectrum multiplexes one persistent electrum (fulcrum) connection. Any
// number of goroutines may issue requests concurrently: a monotonically
// increasing id correlates each response, a single-writer lock keeps frames
// from interleaving, and unsolicited notification lines fan out to
// subscribers. The client is freely shareable.
type TCPElectrum struct {
	conn      net.Conn
	requestID atomic.Uint64

	// writeMu serializes whole frames onto the connection.
	writeMu sync.Mutex

	// mu guards pending, subs and closed.
	mu      sync.Mutex
	pending map[uint64]chan json.RawMessage
	subs    map[uint64]chan json.RawMessage
	subSeq  uint64
	closed  bool

	done chan struct{}
	log  *logging.Logger
}

// electrumEnvelope is the minimal inbound frame shape: a line with an integer
// id is a response, anything else is a notification.
type electrumEnvelope struct {
	ID     *uint64         `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *electrumError  `json:"error"`
}

type electrumError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *electrumError) Error() string {
	return fmt.Sprintf("electrum error %d: %s", e.Code, e.Message)
}

// NewTCPElectrum dials the server and starts the read loop. The context
// bounds the dial only; the connection lives until Close or EOF.
func NewTCPElectrum(ctx context.Context, addr string, useTLS bool) (*TCPElectrum, error) {
	dialer := &net.Dialer{Timeout: 30 * time.Second}
	var (
		conn net.Conn
		err  error
	)
	if useTLS {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{MinVersion: tls.VersionTLS12})
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return WrapElectrumConn(conn), nil
}

// WrapElectrumConn builds a client over an established connection. Split out
// so tests can drive the protocol over a pipe.
func WrapElectrumConn(conn net.Conn) *TCPElectrum {
	e := &TCPElectrum{
		conn:    conn,
		pending: make(map[uint64]chan json.RawMessage),
		subs:    make(map[uint64]chan json.RawMessage),
		done:    make(chan struct{}),
		log:     logging.Component("electrum"),
	}
	go e.readLoop()
	return e
}

// Close tears down the connection. Pending requests fail with
// ErrConnectionLost once the read loop observes EOF.
func (e *TCPElectrum) Close() error {
	return e.conn.Close()
}

// Send issues one request and waits for its response. The completion slot is
// registered before the frame is written: a response can arrive the instant
// the frame hits the wire, and must always find its slot.
func (e *TCPElectrum) Send(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	id := e.requestID.Add(1)
	slot := make(chan json.RawMessage, 1)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrConnectionLost
	}
	e.pending[id] = slot
	e.mu.Unlock()

	frame, err := json.Marshal(struct {
		ID     uint64 `json:"id"`
		Method string `json:"method"`
		Params []any  `json:"params"`
	}{ID: id, Method: method, Params: params})
	if err != nil {
		e.dropPending(id)
		return nil, err
	}
	frame = append(frame, '\n')

	e.writeMu.Lock()
	_, err = e.conn.Write(frame)
	e.writeMu.Unlock()
	if err != nil {
		e.dropPending(id)
		return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}

	select {
	case line, ok := <-slot:
		if !ok {
			return nil, ErrConnectionLost
		}
		return parseElectrumResponse(line)
	case <-e.done:
		return nil, ErrConnectionLost
	case <-ctx.Done():
		e.dropPending(id)
		return nil, ctx.Err()
	}
}

// Subscribe registers a receiver for notification lines. Notifications
// published while no subscriber exists are dropped. The returned cancel
// function releases the subscription; the channel closes on cancel or EOF.
func (e *TCPElectrum) Subscribe() (<-chan json.RawMessage, func()) {
	ch := make(chan json.RawMessage, 16)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	e.subSeq++
	id := e.subSeq
	e.subs[id] = ch
	e.mu.Unlock()

	cancel := func() {
		e.mu.Lock()
		if sub, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(sub)
		}
		e.mu.Unlock()
	}
	return ch, cancel
}

func (e *TCPElectrum) dropPending(id uint64) {
	e.mu.Lock()
	delete(e.pending, id)
	e.mu.Unlock()
}

// readLoop drains the connection for the client's lifetime. Lines carrying an
// integer id complete their pending slot exactly once; all other lines fan
// out to subscribers. EOF fails every pending request instead of leaving
// callers hanging.
func (e *TCPElectrum) readLoop() {
	scanner := bufio.NewScanner(e.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())

		var env electrumEnvelope
		if err := json.Unmarshal(line, &env); err != nil || env.ID == nil {
			e.broadcast(line)
			continue
		}

		e.mu.Lock()
		slot, ok := e.pending[*env.ID]
		if ok {
			delete(e.pending, *env.ID)
		}
		e.mu.Unlock()
		if ok {
			slot <- line
		}
		// A duplicate or unknown id is dropped silently.
	}

	if err := scanner.Err(); err != nil {
		e.log.Warn("connection read failed", "err", err)
	}

	e.mu.Lock()
	e.closed = true
	for id, slot := range e.pending {
		delete(e.pending, id)
		close(slot)
	}
	for id, sub := range e.subs {
		delete(e.subs, id)
		close(sub)
	}
	e.mu.Unlock()
	close(e.done)
}

func (e *TCPElectrum) broadcast(line []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, sub := range e.subs {
		select {
		case sub <- line:
		default:
			// Slow subscriber; notifications carry no delivery guarantee.
		}
	}
}

func parseElectrumResponse(line json.RawMessage) (json.RawMessage, error) {
	var env electrumEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRPC, err)
	}
	if env.Error != nil {
		return nil, fmt.Errorf("%w: %v", ErrRPC, env.Error)
	}
	return env.Result, nil
}

// =============================================================================
// Typed calls
// =============================================================================

// GetHistory fetches an address's transaction history.
func (e *TCPElectrum) GetHistory(ctx context.Context, address string) ([]HistoryItem, error) {
	raw, err := e.Send(ctx, "blockchain.address.get_history", []any{address})
	if err != nil {
		return nil, err
	}
	var items []HistoryItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRPC, err)
	}
	return items, nil
}

// GetTransaction fetches a transaction in verbose form.
func (e *TCPElectrum) GetTransaction(ctx context.Context, txid string) (*TxVerbose, error) {
	raw, err := e.Send(ctx, "blockchain.transaction.get", []any{txid, true})
	if err != nil {
		return nil, err
	}
	var tx TxVerbose
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRPC, err)
	}
	return &tx, nil
}

// Broadcast submits a raw transaction and returns its txid.
func (e *TCPElectrum) Broadcast(ctx context.Context, rawTxHex string) (string, error) {
	raw, err := e.Send(ctx, "blockchain.transaction.broadcast", []any{rawTxHex})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}
	var txid string
	if err := json.Unmarshal(raw, &txid); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}
	return txid, nil
}

// ScanAddress returns the address's confirmed transactions at or above the
// confirmation floor. Mempool entries (height <= 0) are dropped before the
// transactions are even fetched.
func (e *TCPElectrum) ScanAddress(ctx context.Context, address string, minConf uint32) ([]ConfirmedTx, error) {
	history, err := e.GetHistory(ctx, address)
	if err != nil {
		return nil, err
	}

	var txs []ConfirmedTx
	for _, item := range history {
		if item.Height <= 0 {
			continue
		}
		tx, err := e.GetTransaction(ctx, item.TxHash)
		if err != nil {
			return nil, err
		}
		if tx.Confirmations < minConf {
			continue
		}
		raw, err := hex.DecodeString(tx.Hex)
		if err != nil {
			return nil, fmt.Errorf("%w: bad tx hex for %s", ErrRPC, item.TxHash)
		}
		txs = append(txs, ConfirmedTx{TxID: tx.TxID, Raw: raw, Confirmations: tx.Confirmations})
	}
	return txs, nil
}
