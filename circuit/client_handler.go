// SPDX-FileCopyrightText: Copyright (C) 2024 The parnet authors
// SPDX-License-Identifier: AGPL-3.0-only

package circuit

import (
	"context"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/parnet/par/circuit/commands"
	"github.com/parnet/par/core/crypto/blindrsa"
	"github.com/parnet/par/core/log"
	"github.com/parnet/par/core/par"
	"github.com/parnet/par/internal/instrument"
)

const (
	// DefaultCellsPerPayment is the cell credit bought by one coin.
	DefaultCellsPerPayment = 2560

	// DefaultInitialAllotment is the optimistic credit, in cells, extended
	// to the peer before any payment clears.
	DefaultInitialAllotment = 1280

	defaultSetupTimeout   = 45 * time.Second
	defaultPaymentTimeout = 30 * time.Second
)

// ClientConfig tunes a ClientPaymentHandler.
type ClientConfig struct {
	// HopKeys holds each hop's long-term identity key, in hop order.
	HopKeys []*blindrsa.PublicKey

	// CellsPerPayment is the cell credit bought by one coin.
	CellsPerPayment uint32

	// InitialAllotment is the optimistic pre-setup credit in cells.
	InitialAllotment int

	// SetupTimeout bounds the circuit-wide setup handshake.
	SetupTimeout time.Duration

	// PaymentTimeout bounds a single payment round across all hops.
	PaymentTimeout time.Duration
}

func (cfg *ClientConfig) applyDefaults() {
	if cfg.CellsPerPayment == 0 {
		cfg.CellsPerPayment = DefaultCellsPerPayment
	}
	if cfg.InitialAllotment == 0 {
		cfg.InitialAllotment = DefaultInitialAllotment
	}
	if cfg.SetupTimeout <= 0 {
		cfg.SetupTimeout = defaultSetupTimeout
	}
	if cfg.PaymentTimeout <= 0 {
		cfg.PaymentTimeout = defaultPaymentTimeout
	}
}

// ClientPaymentHandler drives the origin side of the payment protocol: one
// PaymentStream per hop, the setup handshake with its circuit-wide timeout,
// and the all-or-nothing payment rounds that keep the transport's token
// buckets funded.
type ClientPaymentHandler struct {
	sync.Mutex

	log       *logging.Logger
	cfg       ClientConfig
	transport Transport
	relay     *MessageRelay
	streams   map[int]*PaymentStream

	setupStarted bool
	setupTimer   *time.Timer
	flushed      bool

	queuedReadTokens  uint32
	queuedWriteTokens uint32

	inflightReadTokens  uint32
	inflightWriteTokens uint32

	bankWaiters map[uint32]chan []byte
	nextBankID  uint32
}

// NewClientPaymentHandler constructs the handler and registers its message
// handlers on the relay.
func NewClientPaymentHandler(cfg ClientConfig, transport Transport, relay *MessageRelay, coins CoinSource, logBackend *log.Backend) *ClientPaymentHandler {
	cfg.applyDefaults()
	h := &ClientPaymentHandler{
		log:         logBackend.GetLogger("circuit/client"),
		cfg:         cfg,
		transport:   transport,
		relay:       relay,
		streams:     make(map[int]*PaymentStream),
		bankWaiters: make(map[uint32]chan []byte),
		nextBankID:  1,
	}
	for i, key := range cfg.HopKeys {
		hop := i + 1
		h.streams[hop] = newPaymentStream(hop, key, cfg.CellsPerPayment, relay, coins, h.log)
	}

	relay.RegisterHandler(commands.TypeSetupReply, h.onSetupReply)
	relay.RegisterHandler(commands.TypeReceipt, h.onReceipt)
	relay.RegisterHandler(commands.TypeMintRelay, h.onMintRelay)
	return h
}

// SendSetupMessage starts the setup handshake.  Idempotent; the first call
// extends the optimistic initial allotment and arms the circuit-wide setup
// timeout.
func (h *ClientPaymentHandler) SendSetupMessage() error {
	h.Lock()
	if h.setupStarted {
		h.Unlock()
		return nil
	}
	h.setupStarted = true
	h.setupTimer = time.AfterFunc(h.cfg.SetupTimeout, h.onSetupTimeout)
	h.Unlock()

	h.transport.AddTokens(h.cfg.InitialAllotment, h.cfg.InitialAllotment)
	for _, s := range h.streams {
		if err := s.SendSetup(); err != nil {
			h.teardown(ReasonShutdown, err)
			return err
		}
	}
	return nil
}

// SendPaymentRequest pays every hop for readTokens+writeTokens cells of
// credit.  Before setup completes the amounts accumulate into the queued
// counters and are flushed exactly once when the last hop reports ready.
// The transport's credit is adjusted only after a receipt from every hop.
func (h *ClientPaymentHandler) SendPaymentRequest(readTokens, writeTokens uint32) error {
	h.Lock()
	if !h.setupStarted || !h.allReadyLocked() {
		h.queuedReadTokens += readTokens
		h.queuedWriteTokens += writeTokens
		started := h.setupStarted
		h.Unlock()
		if !started {
			return h.SendSetupMessage()
		}
		return nil
	}
	h.inflightReadTokens += readTokens
	h.inflightWriteTokens += writeTokens
	h.Unlock()

	handles := make([]*Pending, 0, len(h.streams))
	for _, s := range h.streams {
		handle, err := s.SendPayment(readTokens, writeTokens)
		if err != nil {
			h.settleRound(readTokens, writeTokens, false)
			h.teardown(ReasonProtocolViolation, err)
			return err
		}
		handles = append(handles, handle)
	}

	go h.awaitReceipts(readTokens, writeTokens, handles)
	return nil
}

// awaitReceipts is the all-or-nothing barrier: credit is extended only after
// every hop acknowledges, and a single bad or missing receipt fails the
// whole round.
func (h *ClientPaymentHandler) awaitReceipts(readTokens, writeTokens uint32, handles []*Pending) {
	timeout := time.NewTimer(h.cfg.PaymentTimeout)
	defer timeout.Stop()

	for _, handle := range handles {
		select {
		case <-handle.Done():
			if err := handle.Err(); err != nil {
				h.settleRound(readTokens, writeTokens, false)
				h.teardown(ReasonProtocolViolation, err)
				return
			}
		case <-timeout.C:
			h.settleRound(readTokens, writeTokens, false)
			h.teardown(ReasonTimeout, par.ErrTimeout)
			return
		}
	}
	h.settleRound(readTokens, writeTokens, true)
	instrument.PaymentRound()
}

// settleRound decrements the inflight counters for a finished round.  It
// runs exactly once per round regardless of how the round ended, credit
// accounting must never leak.
func (h *ClientPaymentHandler) settleRound(readTokens, writeTokens uint32, ok bool) {
	h.Lock()
	h.inflightReadTokens -= readTokens
	h.inflightWriteTokens -= writeTokens
	h.Unlock()
	if ok {
		h.transport.AddTokens(int(readTokens), int(writeTokens))
	}
}

// InflightTokens returns the credit currently awaiting receipts.
func (h *ClientPaymentHandler) InflightTokens() (read, write uint32) {
	h.Lock()
	defer h.Unlock()
	return h.inflightReadTokens, h.inflightWriteTokens
}

// QueuedTokens returns the credit accumulated while setup is incomplete.
func (h *ClientPaymentHandler) QueuedTokens() (read, write uint32) {
	h.Lock()
	defer h.Unlock()
	return h.queuedReadTokens, h.queuedWriteTokens
}

// BankRoundTrip tunnels one bank datagram through the exit hop and waits for
// the answer, letting the origin reach the issuer without revealing its
// address.  The exit hop handles UDP retransmission, the caller bounds the
// whole exchange with ctx.
func (h *ClientPaymentHandler) BankRoundTrip(ctx context.Context, payload []byte) ([]byte, error) {
	h.Lock()
	id := h.nextBankID
	h.nextBankID++
	ch := make(chan []byte, 1)
	h.bankWaiters[id] = ch
	h.Unlock()

	defer func() {
		h.Lock()
		delete(h.bankWaiters, id)
		h.Unlock()
	}()

	exitHop := len(h.streams)
	if err := h.relay.Send(exitHop, &commands.MintRelay{RequestID: id, Payload: payload}); err != nil {
		return nil, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, par.ErrTimeout
	}
}

// Close tears the circuit down in an orderly fashion.
func (h *ClientPaymentHandler) Close() {
	h.teardown(ReasonShutdown, par.Violation("circuit closed"))
}

func (h *ClientPaymentHandler) onSetupReply(hop int, cmd commands.Command) error {
	reply, ok := cmd.(*commands.SetupReply)
	if !ok {
		return par.Violation("client: type confusion on setup reply")
	}
	s := h.streams[hop]
	if s == nil {
		return par.Violation("client: setup reply from unknown hop %d", hop)
	}
	if err := s.HandleSetupReply(reply); err != nil {
		return err
	}

	h.Lock()
	if !h.allReadyLocked() || h.flushed {
		h.Unlock()
		return nil
	}
	h.flushed = true
	if h.setupTimer != nil {
		h.setupTimer.Stop()
	}
	read, write := h.queuedReadTokens, h.queuedWriteTokens
	h.queuedReadTokens, h.queuedWriteTokens = 0, 0
	h.Unlock()

	h.log.Debugf("All %d hops set up", len(h.streams))
	if read > 0 || write > 0 {
		return h.SendPaymentRequest(read, write)
	}
	return nil
}

func (h *ClientPaymentHandler) onReceipt(hop int, cmd commands.Command) error {
	receipt, ok := cmd.(*commands.Receipt)
	if !ok {
		return par.Violation("client: type confusion on receipt")
	}
	s := h.streams[hop]
	if s == nil {
		return par.Violation("client: receipt from unknown hop %d", hop)
	}
	return s.HandleReceipt(receipt)
}

func (h *ClientPaymentHandler) onMintRelay(hop int, cmd commands.Command) error {
	relay, ok := cmd.(*commands.MintRelay)
	if !ok {
		return par.Violation("client: type confusion on mint relay")
	}
	if hop != len(h.streams) {
		return par.Violation("client: mint relay answer from non-exit hop %d", hop)
	}

	h.Lock()
	ch := h.bankWaiters[relay.RequestID]
	h.Unlock()
	if ch == nil {
		h.log.Debugf("Dropping mint relay answer for stale request %d", relay.RequestID)
		return nil
	}
	select {
	case ch <- relay.Payload:
	default:
	}
	return nil
}

// onSetupTimeout fires when not every hop completed setup in time.  A no-op
// if the handshake already finished.
func (h *ClientPaymentHandler) onSetupTimeout() {
	h.Lock()
	done := h.flushed
	h.Unlock()
	if done {
		return
	}
	h.teardown(ReasonTimeout, par.ErrTimeout)
}

func (h *ClientPaymentHandler) allReadyLocked() bool {
	for _, s := range h.streams {
		if s.State() != StateReady {
			return false
		}
	}
	return true
}

func (h *ClientPaymentHandler) teardown(reason CloseReason, err error) {
	h.log.Warningf("Tearing circuit down (%v): %v", reason, err)
	for _, s := range h.streams {
		s.Fail(err)
	}
	instrument.CircuitClosed(reason.String())
	h.transport.CloseCircuit(reason)
}
