// SPDX-FileCopyrightText: Copyright (C) 2024 The parnet authors
// SPDX-License-Identifier: AGPL-3.0-only

package circuit

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/parnet/par/bank"
	"github.com/parnet/par/circuit/commands"
	"github.com/parnet/par/core/coin"
	"github.com/parnet/par/core/crypto/blindrsa"
	"github.com/parnet/par/core/epoch"
	"github.com/parnet/par/core/par"
)

// fakeBank accepts or rejects every deposited coin wholesale.
type fakeBank struct {
	sync.Mutex

	rejectAll bool
	deposited []*coin.Coin
	minted    int
}

func (b *fakeBank) Deposit(ctx context.Context, coins []*coin.Coin) (*bank.DepositResponseMsg, error) {
	b.Lock()
	defer b.Unlock()
	b.deposited = append(b.deposited, coins...)
	resp := &bank.DepositResponseMsg{Codes: make([]byte, len(coins)), IntervalID: 7}
	for i := range resp.Codes {
		if b.rejectAll {
			resp.Codes[i] = bank.CodeInvalid
		} else {
			resp.Codes[i] = bank.CodeAccepted
			resp.Balance += coins[i].Value
		}
	}
	return resp, nil
}

func (b *fakeBank) MintRequests(ctx context.Context, value uint32, reqs []*coin.MintRequest) error {
	b.Lock()
	defer b.Unlock()
	b.minted += len(reqs)
	return nil
}

func (b *fakeBank) numDeposited() int {
	b.Lock()
	defer b.Unlock()
	return len(b.deposited)
}

type fakeIntervals struct{}

func (fakeIntervals) Current() (epoch.Interval, bool) {
	return epoch.Interval{ID: 7, ValidAfter: time.Now().Add(-time.Hour), SpoilsOn: time.Now().Add(time.Hour)}, true
}

type serverEnv struct {
	transport *fakeTransport
	relay     *MessageRelay
	handler   *ServerPaymentHandler
	bank      *fakeBank
}

type circuitHarness struct {
	t *testing.T

	clientTransport *fakeTransport
	clientRelay     *MessageRelay
	client          *ClientPaymentHandler
	coins           *fakeCoinSource

	servers map[int]*serverEnv

	// dropHop, when nonzero, blackholes client traffic toward that hop.
	dropHop int32
}

// deliveryQueue forwards chunks to deliver in order on a dedicated
// goroutine, decoupling the sender from the receiving relay the way a real
// circuit does.
func (h *circuitHarness) deliveryQueue(deliver func(b []byte)) func(b []byte) {
	ch := make(chan []byte, 1024)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case b := <-ch:
				deliver(b)
			case <-done:
				return
			}
		}
	}()
	h.t.Cleanup(func() { close(done) })
	return func(b []byte) { ch <- b }
}

func newCircuitHarness(t *testing.T, numHops int, cfg ClientConfig, rejectAll bool) *circuitHarness {
	backend := testLogBackend(t)
	cmds := commands.NewCommands(testKeySize)

	h := &circuitHarness{t: t, servers: make(map[int]*serverEnv)}
	toServer := make(map[int]func([]byte))
	h.clientTransport = &fakeTransport{route: func(hop int, b []byte) error {
		if int(atomic.LoadInt32(&h.dropHop)) == hop {
			return nil
		}
		if send := toServer[hop]; send != nil {
			send(b)
		}
		return nil
	}}
	h.clientRelay = NewMessageRelay(h.clientTransport, cmds, DefaultChunkSize, backend)
	h.coins = &fakeCoinSource{keySize: testKeySize}

	identityKey, err := blindrsa.GenerateKey(8 * testKeySize)
	require.NoError(t, err)

	cfg.HopKeys = make([]*blindrsa.PublicKey, numHops)
	for i := 0; i < numHops; i++ {
		hop := i + 1
		cfg.HopKeys[i] = &identityKey.PublicKey

		env := &serverEnv{bank: &fakeBank{rejectAll: rejectAll}}
		toClient := h.deliveryQueue(func(b []byte) {
			h.clientRelay.Ingest(hop, b)
		})
		env.transport = &fakeTransport{route: func(_ int, b []byte) error {
			toClient(b)
			return nil
		}}
		env.relay = NewMessageRelay(env.transport, cmds, DefaultChunkSize, backend)
		env.handler = NewServerPaymentHandler(ServerConfig{
			IdentityKey:      identityKey,
			IssuerKey:        &identityKey.PublicKey,
			CellsPerPayment:  cfg.CellsPerPayment,
			InitialAllotment: cfg.InitialAllotment,
			BankAddr:         "127.0.0.1:1",
		}, env.transport, env.relay, env.bank, fakeIntervals{}, backend)
		toServer[hop] = h.deliveryQueue(func(b []byte) {
			env.relay.Ingest(1, b)
		})
		h.servers[hop] = env
	}

	h.client = NewClientPaymentHandler(cfg, h.clientTransport, h.clientRelay, h.coins, backend)
	return h
}

// startBankResponder runs a UDP bank stand-in that answers every datagram
// with an acknowledged copy of its payload.
func startBankResponder(t *testing.T) string {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	go func() {
		buf := make([]byte, 65536)
		for {
			n, addr, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			resp := append([]byte("ack "), buf[:n]...)
			if _, err = conn.WriteTo(resp, addr); err != nil {
				return
			}
		}
	}()
	return conn.LocalAddr().String()
}

func TestClientServerPaymentRound(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	h := newCircuitHarness(t, 1, ClientConfig{
		CellsPerPayment:  testCellsPerPayment,
		InitialAllotment: 1280,
		SetupTimeout:     5 * time.Second,
		PaymentTimeout:   5 * time.Second,
	}, false)

	// Requested before setup, so the amount is queued, setup runs, and the
	// queued credit is flushed into a real payment automatically.
	require.NoError(h.client.SendPaymentRequest(testCellsPerPayment, 0))

	require.Eventually(func() bool {
		read, write := h.clientTransport.tokens()
		return read == 1280+testCellsPerPayment && write == 1280
	}, 5*time.Second, 10*time.Millisecond)

	read, write := h.client.InflightTokens()
	require.Zero(read)
	require.Zero(write)
	qr, qw := h.client.QueuedTokens()
	require.Zero(qr)
	require.Zero(qw)

	env := h.servers[1]
	require.Equal(1, env.bank.numDeposited())
	require.Equal(1, env.bank.minted)
	require.Equal(DefaultTokenBatchSize, env.handler.NumOutstanding())

	sread, swrite := env.transport.tokens()
	require.Equal(1280+testCellsPerPayment, sread)
	require.Equal(1280, swrite)
	require.Empty(h.clientTransport.closeReasons())
}

func TestAllReceiptsBarrierDeadHop(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	h := newCircuitHarness(t, 3, ClientConfig{
		CellsPerPayment: testCellsPerPayment,
		SetupTimeout:    5 * time.Second,
		PaymentTimeout:  300 * time.Millisecond,
	}, false)

	require.NoError(h.client.SendSetupMessage())
	require.Eventually(func() bool {
		for _, s := range h.client.streams {
			if s.State() != StateReady {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	// Hop 2 goes dark after setup, its receipt never arrives.
	atomic.StoreInt32(&h.dropHop, 2)
	require.NoError(h.client.SendPaymentRequest(testCellsPerPayment, 0))

	require.Eventually(func() bool {
		reasons := h.clientTransport.closeReasons()
		return len(reasons) == 1 && reasons[0] == ReasonTimeout
	}, 5*time.Second, 10*time.Millisecond)

	// The inflight counters are settled exactly once, credit accounting
	// must not leak even on a failed round.
	read, write := h.client.InflightTokens()
	require.Zero(read)
	require.Zero(write)

	// No credit was extended for the failed round.
	tread, twrite := h.clientTransport.tokens()
	require.Equal(DefaultInitialAllotment, tread)
	require.Equal(DefaultInitialAllotment, twrite)
}

func TestSetupTimeoutTearsCircuitDown(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	h := newCircuitHarness(t, 1, ClientConfig{
		CellsPerPayment: testCellsPerPayment,
		SetupTimeout:    200 * time.Millisecond,
		PaymentTimeout:  5 * time.Second,
	}, false)

	atomic.StoreInt32(&h.dropHop, 1)
	require.NoError(h.client.SendPaymentRequest(testCellsPerPayment, 0))

	require.Eventually(func() bool {
		reasons := h.clientTransport.closeReasons()
		return len(reasons) == 1 && reasons[0] == ReasonTimeout
	}, 5*time.Second, 10*time.Millisecond)
}

func TestServerAbortsOnRejectedCoins(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	h := newCircuitHarness(t, 1, ClientConfig{
		CellsPerPayment: testCellsPerPayment,
		SetupTimeout:    5 * time.Second,
		PaymentTimeout:  300 * time.Millisecond,
	}, true)

	require.NoError(h.client.SendPaymentRequest(testCellsPerPayment, 0))

	// The deposit rejects every coin, which reads as underpayment.  The
	// relay aborts via the teardown convention instead of sending a
	// receipt, and the client's round times out.
	env := h.servers[1]
	require.Eventually(func() bool {
		return env.transport.lastAdjustment() == [2]int{-1, -1}
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(func() bool {
		reasons := h.clientTransport.closeReasons()
		return len(reasons) == 1 && reasons[0] == ReasonTimeout
	}, 5*time.Second, 10*time.Millisecond)
}

func TestServerAbortsOnUnknownToken(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	backend := testLogBackend(t)
	cmds := commands.NewCommands(testKeySize)

	identityKey, err := blindrsa.GenerateKey(8 * testKeySize)
	require.NoError(err)

	transport := &fakeTransport{}
	relay := NewMessageRelay(transport, cmds, DefaultChunkSize, backend)
	NewServerPaymentHandler(ServerConfig{
		IdentityKey: identityKey,
		IssuerKey:   &identityKey.PublicKey,
		BankAddr:    "127.0.0.1:1",
	}, transport, relay, &fakeBank{}, fakeIntervals{}, backend)

	coins := &fakeCoinSource{keySize: testKeySize}
	wallet, err := coins.SpendCoins(1)
	require.NoError(err)

	feeder := &fakeTransport{route: func(hop int, b []byte) error {
		relay.Ingest(1, b)
		return nil
	}}
	feederRelay := NewMessageRelay(feeder, cmds, DefaultChunkSize, backend)
	payment := &commands.Payment{
		Cmds:       cmds,
		ReadTokens: testCellsPerPayment,
		RequestID:  1,
		Entries:    []commands.PaymentEntry{{TokenID: 999, Coin: wallet[0]}},
	}
	require.NoError(feederRelay.Send(1, payment))

	// The token adjustment is the one and only teardown signal, the relay
	// must not also close the circuit through the framing layer.
	require.Equal([2]int{-1, -1}, transport.lastAdjustment())
	require.Empty(transport.closeReasons())
}

func TestBankTunnelRoundTrip(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	h := newCircuitHarness(t, 2, ClientConfig{
		CellsPerPayment: testCellsPerPayment,
		SetupTimeout:    5 * time.Second,
		PaymentTimeout:  5 * time.Second,
	}, false)
	h.servers[2].handler.cfg.BankAddr = startBankResponder(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := h.client.BankRoundTrip(ctx, []byte("withdrawal"))
	require.NoError(err)
	require.Equal([]byte("ack withdrawal"), resp)

	// The datagram tunnels through the exit hop only.
	middle := h.servers[1].transport
	middle.Lock()
	require.Empty(middle.sent)
	middle.Unlock()
	require.Empty(h.clientTransport.closeReasons())
}

func TestBankTunnelRejectsNonExitHopAnswer(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	h := newCircuitHarness(t, 2, ClientConfig{
		CellsPerPayment: testCellsPerPayment,
		SetupTimeout:    5 * time.Second,
		PaymentTimeout:  5 * time.Second,
	}, false)

	// A middle hop forging a bank answer is a protocol violation.
	require.NoError(h.servers[1].relay.Send(1, &commands.MintRelay{RequestID: 1, Payload: []byte("forged")}))

	require.Eventually(func() bool {
		reasons := h.clientTransport.closeReasons()
		return len(reasons) == 1 && reasons[0] == ReasonProtocolViolation
	}, 5*time.Second, 10*time.Millisecond)
}

func TestBankTunnelDroppedExchangeLeavesCircuitOpen(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	h := newCircuitHarness(t, 2, ClientConfig{
		CellsPerPayment: testCellsPerPayment,
		SetupTimeout:    5 * time.Second,
		PaymentTimeout:  5 * time.Second,
	}, false)

	// A blackhole socket, the bank never answers.
	blackhole, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(err)
	t.Cleanup(func() { blackhole.Close() })
	exit := h.servers[2].handler
	exit.cfg.BankAddr = blackhole.LocalAddr().String()
	exit.cfg.BankTimeout = 200 * time.Millisecond
	exit.cfg.BankRetries = 2

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = h.client.BankRoundTrip(ctx, []byte("withdrawal"))
	require.ErrorIs(err, par.ErrTimeout)

	// The exchange is dropped and left to the origin's retry logic, the
	// circuit stays up on both ends.
	require.Empty(h.clientTransport.closeReasons())
	require.Empty(h.servers[2].transport.closeReasons())
	require.Equal([2]int{}, h.servers[2].transport.lastAdjustment())
}
