// SPDX-FileCopyrightText: Copyright (C) 2024 The parnet authors
// SPDX-License-Identifier: AGPL-3.0-only

package circuit

import (
	"container/list"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/parnet/par/circuit/commands"
	"github.com/parnet/par/core/coin"
	"github.com/parnet/par/core/crypto/blindrsa"
	"github.com/parnet/par/core/par"
)

// StreamState is the setup progression of a PaymentStream.
type StreamState uint8

const (
	// StateNotSetUp means no setup message has been sent yet.
	StateNotSetUp StreamState = iota

	// StateAwaitingTokens means setup was sent and the reply is pending.
	StateAwaitingTokens

	// StateReady means the relay's token batch arrived, payments flow
	// immediately.
	StateReady
)

// CoinSource supplies unspent coins for outgoing payments.  Ownership of the
// returned coins transfers to the caller.
type CoinSource interface {
	SpendCoins(n int) ([]*coin.Coin, error)
}

// Pending is the completion handle for an in-flight payment round on one
// stream.  Completion is level triggered and happens exactly once, a receipt
// and a timeout racing on the same round resolve to whichever fires first.
type Pending struct {
	once   sync.Once
	doneCh chan struct{}
	err    error
}

func newPending() *Pending {
	return &Pending{doneCh: make(chan struct{})}
}

func completedPending() *Pending {
	p := newPending()
	p.complete(nil)
	return p
}

// Done returns a channel closed when the round completes.
func (p *Pending) Done() <-chan struct{} {
	return p.doneCh
}

// Err returns the round's outcome.  Only valid after Done is closed.
func (p *Pending) Err() error {
	return p.err
}

func (p *Pending) complete(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.doneCh)
	})
}

type queuedPayment struct {
	readTokens  uint32
	writeTokens uint32
	handle      *Pending
}

// PaymentStream is the per-hop payment bookkeeping: the pool of relay-issued
// mint-request tokens, the in-flight payment rounds, and the queue of
// payments waiting for tokens to accumulate.
type PaymentStream struct {
	sync.Mutex

	log   *logging.Logger
	relay *MessageRelay
	cmds  *commands.Commands
	coins CoinSource

	hop             int
	relayKey        *blindrsa.PublicKey
	cellsPerPayment uint32

	state         StreamState
	tokens        map[uint32]commands.RequestToken
	inFlight      map[uint32]*Pending
	pending       *list.List
	nextRequestID uint32
}

func newPaymentStream(hop int, relayKey *blindrsa.PublicKey, cellsPerPayment uint32, relay *MessageRelay, coins CoinSource, log *logging.Logger) *PaymentStream {
	return &PaymentStream{
		log:             log,
		relay:           relay,
		cmds:            relay.cmds,
		coins:           coins,
		hop:             hop,
		relayKey:        relayKey,
		cellsPerPayment: cellsPerPayment,
		tokens:          make(map[uint32]commands.RequestToken),
		inFlight:        make(map[uint32]*Pending),
		pending:         list.New(),
		nextRequestID:   1,
	}
}

// Hop returns the stream's 1-based hop position.
func (s *PaymentStream) Hop() int {
	return s.hop
}

// State returns the stream's setup progression.
func (s *PaymentStream) State() StreamState {
	s.Lock()
	defer s.Unlock()
	return s.state
}

// NumTokens returns the number of unconsumed relay tokens in the pool.
func (s *PaymentStream) NumTokens() int {
	s.Lock()
	defer s.Unlock()
	return len(s.tokens)
}

// SendSetup emits the one-way setup message toward the hop.  The owning
// handler arms the setup timeout, the stream only tracks the state change.
func (s *PaymentStream) SendSetup() error {
	s.Lock()
	if s.state != StateNotSetUp {
		s.Unlock()
		return nil
	}
	s.state = StateAwaitingTokens
	s.Unlock()
	return s.relay.Send(s.hop, &commands.Setup{Version: commands.ProtocolVersion})
}

// HandleSetupReply stores the relay's initial token batch and flushes any
// payments queued while the stream was not ready.
func (s *PaymentStream) HandleSetupReply(cmd *commands.SetupReply) error {
	if cmd.Version != commands.ProtocolVersion {
		return par.Violation("stream: hop %d speaks version %d, want %d", s.hop, cmd.Version, commands.ProtocolVersion)
	}
	if err := s.absorbTokens(cmd.Tokens); err != nil {
		return err
	}

	s.Lock()
	s.state = StateReady
	s.Unlock()
	s.log.Debugf("Hop %d setup complete, %d tokens", s.hop, len(cmd.Tokens))
	return s.flushQueue()
}

// SendPayment pays for readTokens+writeTokens cells of credit.  The payment
// is sent immediately when the stream is ready and holds enough tokens,
// otherwise it is queued and sent as tokens arrive.  The returned handle
// completes when the hop's receipt arrives.
func (s *PaymentStream) SendPayment(readTokens, writeTokens uint32) (*Pending, error) {
	numPayments := int((readTokens + writeTokens) / s.cellsPerPayment)
	if numPayments > commands.MaxCoinsPerPayment {
		return nil, par.Violation("stream: %d coins in one payment exceeds limit %d", numPayments, commands.MaxCoinsPerPayment)
	}
	if numPayments == 0 {
		return completedPending(), nil
	}

	s.Lock()
	if s.state != StateReady || len(s.tokens) < numPayments {
		handle := newPending()
		s.pending.PushBack(&queuedPayment{readTokens: readTokens, writeTokens: writeTokens, handle: handle})
		s.Unlock()
		s.log.Debugf("Hop %d queued payment for %d/%d tokens", s.hop, readTokens, writeTokens)
		return handle, nil
	}
	handle := newPending()
	cmd, err := s.buildPaymentLocked(readTokens, writeTokens, numPayments, handle)
	s.Unlock()
	if err != nil {
		return nil, err
	}
	return handle, s.relay.Send(s.hop, cmd)
}

// buildPaymentLocked consumes numPayments tokens and wallet coins and
// registers the handle under a fresh request id.  Each token leaves the pool
// for good, a token id is never reused across payments.
func (s *PaymentStream) buildPaymentLocked(readTokens, writeTokens uint32, numPayments int, handle *Pending) (*commands.Payment, error) {
	wallet, err := s.coins.SpendCoins(numPayments)
	if err != nil {
		return nil, err
	}

	cmd := &commands.Payment{
		Cmds:        s.cmds,
		ReadTokens:  readTokens,
		WriteTokens: writeTokens,
		RequestID:   s.nextRequestID,
		Entries:     make([]commands.PaymentEntry, 0, numPayments),
	}
	s.nextRequestID++
	for id := range s.tokens {
		if len(cmd.Entries) == numPayments {
			break
		}
		delete(s.tokens, id)
		cmd.Entries = append(cmd.Entries, commands.PaymentEntry{TokenID: id, Coin: wallet[len(cmd.Entries)]})
	}
	s.inFlight[cmd.RequestID] = handle
	return cmd, nil
}

// HandleReceipt completes the round identified by the receipt's request id,
// absorbs the freshly offered tokens, and drains the queue while tokens
// last.
func (s *PaymentStream) HandleReceipt(cmd *commands.Receipt) error {
	s.Lock()
	handle := s.inFlight[cmd.RequestID]
	delete(s.inFlight, cmd.RequestID)
	s.Unlock()
	if handle == nil {
		return par.Violation("stream: hop %d receipt for unknown request %d", s.hop, cmd.RequestID)
	}

	if err := s.absorbTokens(cmd.Tokens); err != nil {
		handle.complete(err)
		return err
	}
	handle.complete(nil)
	return s.flushQueue()
}

// Fail completes every in-flight and queued round with err.  Used on circuit
// teardown so no waiter blocks forever.
func (s *PaymentStream) Fail(err error) {
	s.Lock()
	handles := make([]*Pending, 0, len(s.inFlight)+s.pending.Len())
	for id, h := range s.inFlight {
		delete(s.inFlight, id)
		handles = append(handles, h)
	}
	for e := s.pending.Front(); e != nil; e = e.Next() {
		handles = append(handles, e.Value.(*queuedPayment).handle)
	}
	s.pending.Init()
	s.Unlock()

	for _, h := range handles {
		h.complete(err)
	}
}

// absorbTokens verifies the relay's identity signature on each offered token
// before admitting it to the pool.  An unverifiable token means someone along
// the path substituted their own mint request, which is fatal.
func (s *PaymentStream) absorbTokens(tokens []commands.RequestToken) error {
	for i := range tokens {
		if !s.relayKey.Verify(tokens[i].Blinded, tokens[i].IdentitySig) {
			return par.Violation("stream: hop %d token %d fails identity check", s.hop, tokens[i].ID)
		}
	}
	s.Lock()
	for _, t := range tokens {
		s.tokens[t.ID] = t
	}
	s.Unlock()
	return nil
}

// flushQueue dequeues and sends queued payments in FIFO order, one at a
// time, for as long as the pool can cover the head of the queue.
func (s *PaymentStream) flushQueue() error {
	for {
		s.Lock()
		front := s.pending.Front()
		if front == nil {
			s.Unlock()
			return nil
		}
		qp := front.Value.(*queuedPayment)
		numPayments := int((qp.readTokens + qp.writeTokens) / s.cellsPerPayment)
		if s.state != StateReady || len(s.tokens) < numPayments {
			s.Unlock()
			return nil
		}
		s.pending.Remove(front)
		cmd, err := s.buildPaymentLocked(qp.readTokens, qp.writeTokens, numPayments, qp.handle)
		s.Unlock()
		if err != nil {
			qp.handle.complete(err)
			return err
		}
		if err = s.relay.Send(s.hop, cmd); err != nil {
			qp.handle.complete(err)
			return err
		}
	}
}
