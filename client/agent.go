// SPDX-FileCopyrightText: Copyright (C) 2024 The parnet authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/parnet/par/bank"
	"github.com/parnet/par/bank/ledger"
	"github.com/parnet/par/core/coin"
	"github.com/parnet/par/core/crypto/blindrsa"
	"github.com/parnet/par/core/epoch"
	"github.com/parnet/par/core/log"
	"github.com/parnet/par/core/par"
)

// AgentConfig tunes a bank Agent.
type AgentConfig struct {
	// BankAddr is the bank front door's UDP address.
	BankAddr string

	// Account is the agent's bank account.
	Account ledger.AccountID

	// AuthKey is the account's request authentication key.
	AuthKey []byte

	// IssuerKeys maps each value tier to the issuer's public key.
	IssuerKeys map[uint32]*blindrsa.PublicKey

	// RetryInterval is the retransmit interval for a pending round trip.
	RetryInterval time.Duration

	// MaxRetries bounds retransmits before the round trip fails.
	MaxRetries int

	// WalletFile persists the wallet across restarts, empty disables it.
	WalletFile string

	// LowBalanceThreshold arms OnLowBalance, zero disables it.
	LowBalanceThreshold uint32

	// OnLowBalance is invoked (at most once per crossing) when the known
	// balance drops below the threshold.
	OnLowBalance func(balance uint32)
}

func (cfg *AgentConfig) applyDefaults() {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 2 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
}

// Agent is the client side bank glue: it owns the wallet, tracks the known
// account balance, and turns "I need N coins" / "deposit these coins" into
// authenticated UDP round trips with retransmit.
type Agent struct {
	sync.Mutex

	log *logging.Logger
	cfg AgentConfig

	wallet   *wallet
	balance  uint32
	warnedLo bool

	keySize int
}

// NewAgent constructs an Agent, loading the persisted wallet if one exists.
func NewAgent(cfg AgentConfig, logBackend *log.Backend) (*Agent, error) {
	cfg.applyDefaults()
	if len(cfg.IssuerKeys) == 0 {
		return nil, errors.New("client: no issuer keys configured")
	}

	a := &Agent{
		log:    logBackend.GetLogger("client/agent"),
		cfg:    cfg,
		wallet: newWallet(),
	}
	for _, k := range cfg.IssuerKeys {
		if a.keySize == 0 {
			a.keySize = k.Size()
		} else if k.Size() != a.keySize {
			return nil, errors.New("client: issuer keys disagree on modulus size")
		}
	}

	if cfg.WalletFile != "" {
		balance, err := a.wallet.load(cfg.WalletFile)
		switch {
		case err == nil:
			a.balance = balance
			a.log.Debugf("Loaded %d coins from wallet", a.wallet.size())
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, err
		}
	}
	return a, nil
}

// Balance returns the last balance reported by the bank.
func (a *Agent) Balance() uint32 {
	a.Lock()
	defer a.Unlock()
	return a.balance
}

// NumCoins returns the number of unspent coins in the wallet.
func (a *Agent) NumCoins() int {
	a.Lock()
	defer a.Unlock()
	return a.wallet.size()
}

// SpendCoins removes n coins from the wallet for placement into an outgoing
// payment.  Ownership transfers to the caller, the coins never come back.
func (a *Agent) SpendCoins(n int) ([]*coin.Coin, error) {
	a.Lock()
	defer a.Unlock()
	coins, err := a.wallet.take(n)
	if err != nil {
		return nil, err
	}
	a.persistLocked()
	return coins, nil
}

// WithdrawCoins mints count coins of the given value into the wallet.  The
// coins are built against interval, normally the bank's current interval as
// reported by CurrentAndNext.
func (a *Agent) WithdrawCoins(ctx context.Context, value uint32, count int, interval uint32) error {
	key := a.cfg.IssuerKeys[value]
	if key == nil {
		return errors.New("client: unknown value tier")
	}

	reqs := make([]*coin.MintRequest, count)
	for i := 0; i < count; i++ {
		r, err := coin.NewMintRequest(key, interval, value)
		if err != nil {
			return err
		}
		reqs[i] = r
	}
	return a.MintRequests(ctx, value, reqs)
}

// MintRequests submits pre-built blinded mint requests, finalizing the blind
// signatures into wallet coins.  A relay uses this to turn the tokens a payer
// paid into its own coins; the requests are consumed either way.
func (a *Agent) MintRequests(ctx context.Context, value uint32, reqs []*coin.MintRequest) error {
	count := len(reqs)
	msg := &bank.MintRequestMsg{Value: value, Blinded: make([][]byte, count)}
	for i, r := range reqs {
		msg.Blinded[i] = r.Blinded
	}

	payload, err := a.roundTrip(ctx, bank.ReqMint, msg.ToBytes())
	if err != nil {
		return err
	}
	resp, err := bank.ParseMintResponse(payload, a.keySize)
	if err != nil {
		return err
	}

	a.Lock()
	defer a.Unlock()
	a.setBalanceLocked(resp.Balance)
	if resp.Status == bank.StatusInsufficientBalance {
		return par.ErrInsufficientBalance
	}
	if len(resp.Signatures) != count {
		return par.Violation("client: mint response carries %d signatures, want %d", len(resp.Signatures), count)
	}

	for i, blindSig := range resp.Signatures {
		c, err := reqs[i].Finalize(blindSig)
		if err != nil {
			// The coin is lost either way; keep the rest of the batch.
			a.log.Errorf("Discarding unfinalizable coin %d: %v", i, err)
			continue
		}
		a.wallet.add(c)
	}
	a.persistLocked()
	return nil
}

// Deposit redeems coins into the account and returns the per-coin outcome
// codes along with the bank's epoch view.
func (a *Agent) Deposit(ctx context.Context, coins []*coin.Coin) (*bank.DepositResponseMsg, error) {
	msg := &bank.DepositRequestMsg{Coins: coins}
	payload, err := a.roundTrip(ctx, bank.ReqDeposit, msg.ToBytes())
	if err != nil {
		return nil, err
	}
	resp, err := bank.ParseDepositResponse(payload, len(coins))
	if err != nil {
		return nil, err
	}

	a.Lock()
	a.setBalanceLocked(resp.Balance)
	a.Unlock()
	return resp, nil
}

// CurrentAndNext implements epoch.Source by querying the bank, letting an
// epoch.Clock track the issuer's interval table remotely.
func (a *Agent) CurrentAndNext(ctx context.Context) ([]epoch.Interval, error) {
	payload, err := a.roundTrip(ctx, bank.ReqEpoch, nil)
	if err != nil {
		return nil, err
	}
	resp, err := bank.ParseEpochResponse(payload)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	cur := epoch.Interval{
		ID:         resp.IntervalID,
		ValidAfter: now.Add(-time.Second),
		SpoilsOn:   now.Add(time.Duration(resp.SecsUntilExpiry) * time.Second),
	}
	next := epoch.Interval{
		ID:         resp.NextIntervalID,
		ValidAfter: cur.SpoilsOn,
		SpoilsOn:   now.Add(time.Duration(resp.SecsUntilNext) * time.Second),
	}
	return []epoch.Interval{cur, next}, nil
}

// roundTrip performs one authenticated request/response exchange with
// retransmit.  The bank deduplicates on the request id, so a retransmitted
// mint cannot debit twice.
func (a *Agent) roundTrip(ctx context.Context, typ byte, payload []byte) ([]byte, error) {
	var idBuf [4]byte
	if _, err := rand.Read(idBuf[:]); err != nil {
		return nil, err
	}
	requestID := binary.BigEndian.Uint32(idBuf[:])
	raw := bank.SealEnvelope(a.cfg.Account, typ, requestID, payload, a.cfg.AuthKey)

	conn, err := net.Dial("udp", a.cfg.BankAddr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	buf := make([]byte, 65536)
	for attempt := 0; attempt < a.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := conn.Write(raw); err != nil {
			return nil, err
		}

		deadline := time.Now().Add(a.cfg.RetryInterval)
		if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
			deadline = ctxDeadline
		}
		if err := conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}

		n, err := conn.Read(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				a.log.Debugf("Retransmitting request %08x (attempt %d)", requestID, attempt+1)
				continue
			}
			return nil, err
		}

		env, err := bank.OpenEnvelope(buf[:n])
		if err != nil || env.Account != a.cfg.Account || env.Type != typ || env.RequestID != requestID {
			a.log.Debugf("Dropping unexpected datagram")
			continue
		}
		if !env.VerifyMAC(a.cfg.AuthKey) {
			a.log.Warningf("Dropping response with bad MAC")
			continue
		}
		return env.Payload, nil
	}
	return nil, par.ErrTimeout
}

func (a *Agent) setBalanceLocked(balance uint32) {
	a.balance = balance
	if a.cfg.LowBalanceThreshold == 0 || a.cfg.OnLowBalance == nil {
		return
	}
	if balance < a.cfg.LowBalanceThreshold {
		if !a.warnedLo {
			a.warnedLo = true
			a.log.Warningf("Balance %d below threshold %d", balance, a.cfg.LowBalanceThreshold)
			a.cfg.OnLowBalance(balance)
		}
	} else {
		a.warnedLo = false
	}
}

func (a *Agent) persistLocked() {
	if a.cfg.WalletFile == "" {
		return
	}
	if err := a.wallet.save(a.cfg.WalletFile, a.balance); err != nil {
		a.log.Errorf("Failed to persist wallet: %v", err)
	}
}
