// SPDX-FileCopyrightText: Copyright (C) 2024 The parnet authors
// SPDX-License-Identifier: AGPL-3.0-only

package bank

import (
	"context"
	"errors"
	"math"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/parnet/par/bank/ledger"
	"github.com/parnet/par/core/coin"
	"github.com/parnet/par/core/crypto/blindrsa"
	"github.com/parnet/par/core/epoch"
	"github.com/parnet/par/core/log"
	"github.com/parnet/par/core/par"
	"github.com/parnet/par/internal/instrument"
)

// Issuer implements the bank's mint and redeem flows.
type Issuer struct {
	log *logging.Logger

	keys     map[uint32]*blindrsa.PrivateKey
	accounts ledger.AccountLedger
	spent    *DoubleSpendSet
	clock    *epoch.Clock

	keySize int
}

// NewIssuer constructs an Issuer.  keys maps each value tier to its signing
// key; all keys must share one modulus size, that size is the deployment's
// wire keySize.
func NewIssuer(keys map[uint32]*blindrsa.PrivateKey, accounts ledger.AccountLedger, spent *DoubleSpendSet, clock *epoch.Clock, logBackend *log.Backend) (*Issuer, error) {
	if len(keys) == 0 {
		return nil, errors.New("bank: no value tier keys")
	}
	i := &Issuer{
		log:      logBackend.GetLogger("bank/issuer"),
		keys:     keys,
		accounts: accounts,
		spent:    spent,
		clock:    clock,
	}
	for _, k := range keys {
		if i.keySize == 0 {
			i.keySize = k.Size()
		} else if k.Size() != i.keySize {
			return nil, errors.New("bank: value tier keys disagree on modulus size")
		}
	}
	return i, nil
}

// KeySize returns the deployment's modulus size in bytes.
func (i *Issuer) KeySize() int {
	return i.keySize
}

// PublicKey returns the issuer public key for a value tier.
func (i *Issuer) PublicKey(value uint32) (*blindrsa.PublicKey, bool) {
	k, ok := i.keys[value]
	if !ok {
		return nil, false
	}
	return &k.PublicKey, true
}

// Mint debits the account and blind-signs the submitted messages.  The debit
// is atomic relative to concurrent requests from the same account; a race
// here would print money.
func (i *Issuer) Mint(ctx context.Context, acct ledger.AccountID, req *MintRequestMsg) (*MintResponseMsg, error) {
	key, ok := i.keys[req.Value]
	if !ok {
		return nil, par.Violation("bank: unknown value tier %d", req.Value)
	}
	count := uint64(len(req.Blinded))
	bill := uint64(req.Value) * count
	if count == 0 || bill > math.MaxUint32 {
		return nil, par.Violation("bank: mint bill out of range")
	}

	balance, ok, err := i.accounts.Debit(ctx, acct, uint32(bill))
	if err != nil {
		return nil, err
	}
	if !ok {
		i.log.Debugf("Mint rejected: balance %d < bill %d", balance, bill)
		instrument.InsufficientBalance()
		return &MintResponseMsg{
			Status:  StatusInsufficientBalance,
			Balance: balance,
		}, nil
	}

	sigs := make([][]byte, len(req.Blinded))
	for idx, blinded := range req.Blinded {
		if sigs[idx], err = key.RawDecrypt(blinded, false); err != nil {
			// The account was already debited; hand the money back
			// before rejecting the request.
			if _, cerr := i.accounts.Credit(ctx, acct, uint32(bill)); cerr != nil {
				i.log.Errorf("Failed to refund %d after bad blinded message: %v", bill, cerr)
			}
			return nil, par.Violation("bank: blinded message %d: %v", idx, err)
		}
	}

	instrument.CoinsMinted(len(sigs))
	return &MintResponseMsg{
		Status:     StatusOK,
		Balance:    balance,
		Signatures: sigs,
	}, nil
}

// Redeem classifies each deposited coin as accepted, invalid or already
// spent, then credits the accepted total to the account in one step so a
// partial failure never credits.
func (i *Issuer) Redeem(ctx context.Context, acct ledger.AccountID, req *DepositRequestMsg) (*DepositResponseMsg, error) {
	// Capture the epoch view once so a mid-batch rollover cannot validate
	// half the batch against the wrong interval.
	cur, haveEpoch := i.clock.Current()
	if !haveEpoch {
		return nil, par.ErrEpochExhausted
	}
	next, _ := i.clock.Next()

	codes := make([]byte, len(req.Coins))
	var total uint32
	for idx, c := range req.Coins {
		codes[idx] = i.classify(ctx, c, cur.ID)
		if codes[idx] == CodeAccepted {
			total += c.Value
		}
	}

	var balance uint32
	var err error
	if total > 0 {
		if balance, err = i.accounts.Credit(ctx, acct, total); err != nil {
			return nil, err
		}
		instrument.CoinsRedeemed(int(total))
	} else if balance, err = i.accounts.Balance(ctx, acct); err != nil {
		return nil, err
	}

	return &DepositResponseMsg{
		Codes:           codes,
		Balance:         balance,
		IntervalID:      cur.ID,
		SecsUntilExpiry: secsUntil(cur.SpoilsOn),
		SecsUntilNext:   secsUntil(next.SpoilsOn),
	}, nil
}

func (i *Issuer) classify(ctx context.Context, c *coin.Coin, currentInterval uint32) byte {
	key, ok := i.keys[c.Value]
	if !ok {
		instrument.InvalidCoin()
		return CodeInvalid
	}
	if err := c.Validate(currentInterval, &key.PublicKey); err != nil {
		i.log.Debugf("Coin rejected: %v", err)
		instrument.InvalidCoin()
		return CodeInvalid
	}

	inserted, err := i.spent.TestAndInsert(ctx, c.Interval, c.Fingerprint())
	if err != nil {
		i.log.Errorf("Spent log insert failed: %v", err)
		instrument.InvalidCoin()
		return CodeInvalid
	}
	if !inserted {
		instrument.DoubleSpend()
		return CodeAlreadySpent
	}
	return CodeAccepted
}

// EpochInfo reports the issuer's current epoch view, used by remote clients
// to drive their own interval clocks.
func (i *Issuer) EpochInfo() (*EpochResponseMsg, error) {
	cur, haveEpoch := i.clock.Current()
	if !haveEpoch {
		return nil, par.ErrEpochExhausted
	}
	next, _ := i.clock.Next()
	return &EpochResponseMsg{
		IntervalID:      cur.ID,
		SecsUntilExpiry: secsUntil(cur.SpoilsOn),
		NextIntervalID:  next.ID,
		SecsUntilNext:   secsUntil(next.SpoilsOn),
	}, nil
}

func secsUntil(t time.Time) uint32 {
	d := time.Until(t)
	if d < 0 {
		return 0
	}
	return uint32(d / time.Second)
}
