// SPDX-FileCopyrightText: Copyright (C) 2024 The parnet authors
// SPDX-License-Identifier: AGPL-3.0-only

package circuit

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/parnet/par/bank"
	"github.com/parnet/par/circuit/commands"
	"github.com/parnet/par/core/coin"
	"github.com/parnet/par/core/crypto/blindrsa"
	"github.com/parnet/par/core/epoch"
	"github.com/parnet/par/core/log"
	"github.com/parnet/par/core/par"
	"github.com/parnet/par/internal/instrument"
)

// DefaultTokenBatchSize is the number of fresh mint-request tokens offered
// in a setup reply or receipt.
const DefaultTokenBatchSize = 4

// BankAgent is the relay's view of its bank glue: deposit earned coins and
// turn blind signatures into fresh wallet coins.
type BankAgent interface {
	Deposit(ctx context.Context, coins []*coin.Coin) (*bank.DepositResponseMsg, error)
	MintRequests(ctx context.Context, value uint32, reqs []*coin.MintRequest) error
}

// IntervalSource reports the issuer's current interval.  Satisfied by
// epoch.Clock.
type IntervalSource interface {
	Current() (epoch.Interval, bool)
}

// ServerConfig tunes a ServerPaymentHandler.
type ServerConfig struct {
	// IdentityKey is the relay's long-term identity key, used to sign the
	// blinded mint requests it hands to payers.
	IdentityKey *blindrsa.PrivateKey

	// IssuerKey is the issuer's public key for the relay's value tier.
	IssuerKey *blindrsa.PublicKey

	// Value is the relay's coin value tier.
	Value uint32

	// CellsPerPayment is the cell credit bought by one coin.
	CellsPerPayment uint32

	// InitialAllotment is the optimistic pre-payment credit in cells.
	InitialAllotment int

	// TokenBatchSize is the number of tokens offered per reply.
	TokenBatchSize int

	// BankAddr is the bank front door proxied to for MintRelay traffic.
	BankAddr string

	// BankTimeout bounds one proxied or direct bank exchange.
	BankTimeout time.Duration

	// BankRetries bounds UDP retransmits when proxying to the bank.
	BankRetries int
}

func (cfg *ServerConfig) applyDefaults() {
	if cfg.Value == 0 {
		cfg.Value = coin.DefaultValue
	}
	if cfg.CellsPerPayment == 0 {
		cfg.CellsPerPayment = DefaultCellsPerPayment
	}
	if cfg.InitialAllotment == 0 {
		cfg.InitialAllotment = DefaultInitialAllotment
	}
	if cfg.TokenBatchSize == 0 {
		cfg.TokenBatchSize = DefaultTokenBatchSize
	}
	if cfg.BankTimeout <= 0 {
		cfg.BankTimeout = 15 * time.Second
	}
	if cfg.BankRetries <= 0 {
		cfg.BankRetries = 3
	}
}

// ServerPaymentHandler drives the relay side of the payment protocol: it
// answers setup with a batch of identity-signed mint-request tokens, redeems
// payment coins with the issuer, extends cell credit for honest payment, and
// proxies the origin's bank datagrams.
type ServerPaymentHandler struct {
	sync.Mutex

	log       *logging.Logger
	cfg       ServerConfig
	transport Transport
	relay     *MessageRelay
	bank      BankAgent
	intervals IntervalSource

	outstanding map[uint32]*coin.MintRequest
	nextTokenID uint32
}

// NewServerPaymentHandler constructs the handler and registers its message
// handlers on the relay.
func NewServerPaymentHandler(cfg ServerConfig, transport Transport, relay *MessageRelay, bankAgent BankAgent, intervals IntervalSource, logBackend *log.Backend) *ServerPaymentHandler {
	cfg.applyDefaults()
	h := &ServerPaymentHandler{
		log:         logBackend.GetLogger("circuit/server"),
		cfg:         cfg,
		transport:   transport,
		relay:       relay,
		bank:        bankAgent,
		intervals:   intervals,
		outstanding: make(map[uint32]*coin.MintRequest),
		nextTokenID: 1,
	}
	relay.RegisterHandler(commands.TypeSetup, h.onSetup)
	relay.RegisterHandler(commands.TypePayment, h.onPayment)
	relay.RegisterHandler(commands.TypeMintRelay, h.onMintRelay)
	return h
}

// NumOutstanding returns the number of tokens handed out and not yet paid.
func (h *ServerPaymentHandler) NumOutstanding() int {
	h.Lock()
	defer h.Unlock()
	return len(h.outstanding)
}

func (h *ServerPaymentHandler) onSetup(hop int, cmd commands.Command) error {
	setup, ok := cmd.(*commands.Setup)
	if !ok {
		return par.Violation("server: type confusion on setup")
	}
	if setup.Version != commands.ProtocolVersion {
		return par.Violation("server: peer speaks version %d, want %d", setup.Version, commands.ProtocolVersion)
	}

	tokens, err := h.generateTokens(h.cfg.TokenBatchSize)
	if err != nil {
		return err
	}
	reply := &commands.SetupReply{
		Cmds:    h.relay.cmds,
		Version: commands.ProtocolVersion,
		Tokens:  tokens,
	}
	if err = h.relay.Send(hop, reply); err != nil {
		return err
	}
	h.transport.AddTokens(h.cfg.InitialAllotment, h.cfg.InitialAllotment)
	h.log.Debugf("Setup from hop %d, offered %d tokens", hop, len(tokens))
	return nil
}

// onPayment settles one payment round.  Any failure here, a malformed
// message, a failed redemption or an underpayment, aborts the circuit via
// the teardown convention.  The token adjustment is the only teardown
// signal, the error is swallowed so the framing layer does not close the
// circuit a second time.
func (h *ServerPaymentHandler) onPayment(hop int, cmd commands.Command) error {
	payment, ok := cmd.(*commands.Payment)
	if !ok {
		return par.Violation("server: type confusion on payment")
	}
	if err := h.settlePayment(hop, payment); err != nil {
		h.log.Warningf("Aborting circuit on payment %d: %v", payment.RequestID, err)
		instrument.CircuitClosed(ReasonProtocolViolation.String())
		h.transport.AddTokens(-1, -1)
	}
	return nil
}

func (h *ServerPaymentHandler) settlePayment(hop int, payment *commands.Payment) error {
	coins := make([]*coin.Coin, len(payment.Entries))
	consumed := make([]*coin.MintRequest, len(payment.Entries))

	h.Lock()
	for i, e := range payment.Entries {
		req := h.outstanding[e.TokenID]
		if req == nil {
			h.Unlock()
			return par.Violation("server: payment into unknown token %d", e.TokenID)
		}
		delete(h.outstanding, e.TokenID)
		coins[i] = e.Coin
		consumed[i] = req
	}
	h.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.BankTimeout)
	defer cancel()
	resp, err := h.bank.Deposit(ctx, coins)
	if err != nil {
		return err
	}

	var paid uint32
	for i, code := range resp.Codes {
		if code == bank.CodeAccepted {
			paid += coins[i].Value
		}
	}
	paidTokens := paid * h.cfg.CellsPerPayment
	if paidTokens < payment.ReadTokens+payment.WriteTokens {
		return par.Violation("server: paid %d tokens for %d requested", paidTokens, payment.ReadTokens+payment.WriteTokens)
	}

	// The paid-into requests are now funded by the deposit; turn them into
	// wallet coins.  A failed mint here loses only the relay's own refill,
	// the payer already paid honestly.
	if err = h.bank.MintRequests(ctx, h.cfg.Value, consumed); err != nil {
		h.log.Errorf("Failed to mint %d earned coins: %v", len(consumed), err)
	}

	tokens, err := h.generateTokens(len(payment.Entries))
	if err != nil {
		return err
	}
	receipt := &commands.Receipt{
		Cmds:      h.relay.cmds,
		RequestID: payment.RequestID,
		Tokens:    tokens,
	}
	if err = h.relay.Send(hop, receipt); err != nil {
		return err
	}
	h.transport.AddTokens(int(payment.ReadTokens), int(payment.WriteTokens))
	instrument.PaymentRound()
	return nil
}

// generateTokens builds n fresh mint requests against the current interval,
// signs each blinded message with the relay's identity key, and records them
// as outstanding.
func (h *ServerPaymentHandler) generateTokens(n int) ([]commands.RequestToken, error) {
	cur, ok := h.intervals.Current()
	if !ok {
		return nil, par.ErrEpochExhausted
	}
	interval := cur.ID
	tokens := make([]commands.RequestToken, n)
	for i := range tokens {
		req, err := coin.NewMintRequest(h.cfg.IssuerKey, interval, h.cfg.Value)
		if err != nil {
			return nil, err
		}
		sig, err := h.cfg.IdentityKey.Sign(req.Blinded)
		if err != nil {
			return nil, err
		}

		h.Lock()
		id := h.nextTokenID
		h.nextTokenID++
		h.outstanding[id] = req
		h.Unlock()

		tokens[i] = commands.RequestToken{ID: id, Blinded: req.Blinded, IdentitySig: sig}
	}
	return tokens, nil
}

// onMintRelay proxies an opaque bank datagram for the circuit origin.  The
// exchange runs off the ingest path so a slow bank cannot stall the relay;
// a failed exchange is dropped and left to the origin's own retry logic.
func (h *ServerPaymentHandler) onMintRelay(hop int, cmd commands.Command) error {
	mr, ok := cmd.(*commands.MintRelay)
	if !ok {
		return par.Violation("server: type confusion on mint relay")
	}
	go func() {
		resp, err := h.proxyToBank(mr.Payload)
		if err != nil {
			h.log.Warningf("Dropping mint relay %d: %v", mr.RequestID, err)
			return
		}
		answer := &commands.MintRelay{RequestID: mr.RequestID, Payload: resp}
		if err = h.relay.Send(hop, answer); err != nil {
			h.log.Warningf("Failed to forward mint relay answer %d: %v", mr.RequestID, err)
		}
	}()
	return nil
}

// proxyToBank performs one opaque request/response exchange with the bank
// front door, retransmitting on timeout.
func (h *ServerPaymentHandler) proxyToBank(payload []byte) ([]byte, error) {
	conn, err := net.Dial("udp", h.cfg.BankAddr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	interval := h.cfg.BankTimeout / time.Duration(h.cfg.BankRetries)
	buf := make([]byte, 65536)
	for attempt := 0; attempt < h.cfg.BankRetries; attempt++ {
		if _, err = conn.Write(payload); err != nil {
			return nil, err
		}
		if err = conn.SetReadDeadline(time.Now().Add(interval)); err != nil {
			return nil, err
		}
		n, err := conn.Read(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return nil, err
		}
		return append([]byte(nil), buf[:n]...), nil
	}
	return nil, par.ErrTimeout
}
