// SPDX-FileCopyrightText: Copyright (C) 2024 The parnet authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package client implements the bank agent: the wallet of unspent coins and
// the authenticated UDP round trips to the bank's front door.
package client

import (
	"errors"
	"os"

	"github.com/fxamacker/cbor/v2"

	"github.com/parnet/par/core/coin"
)

// ErrWalletEmpty is returned when spending more coins than the wallet holds.
var ErrWalletEmpty = errors.New("client: not enough coins in wallet")

// wallet owns unspent coins.  It is only ever touched under the Agent's
// lock; a coin leaves the map at the moment it is placed into an outgoing
// message and never returns.
type wallet struct {
	coins map[[coin.ReceiptSize]byte]*coin.Coin
}

func newWallet() *wallet {
	return &wallet{coins: make(map[[coin.ReceiptSize]byte]*coin.Coin)}
}

func (w *wallet) add(c *coin.Coin) {
	w.coins[c.Receipt] = c
}

func (w *wallet) size() int {
	return len(w.coins)
}

// take removes and returns n coins, or nothing at all if fewer are held.
func (w *wallet) take(n int) ([]*coin.Coin, error) {
	if len(w.coins) < n {
		return nil, ErrWalletEmpty
	}
	out := make([]*coin.Coin, 0, n)
	for k, c := range w.coins {
		if len(out) == n {
			break
		}
		delete(w.coins, k)
		out = append(out, c)
	}
	return out, nil
}

type walletCoin struct {
	Receipt   []byte `cbor:"1,keyasint"`
	Interval  uint32 `cbor:"2,keyasint"`
	Value     uint32 `cbor:"3,keyasint"`
	Signature []byte `cbor:"4,keyasint"`
}

type walletSnapshot struct {
	Balance uint32       `cbor:"1,keyasint"`
	Coins   []walletCoin `cbor:"2,keyasint"`
}

// save writes the wallet and the known balance to f.
func (w *wallet) save(f string, balance uint32) error {
	snap := walletSnapshot{Balance: balance}
	for _, c := range w.coins {
		snap.Coins = append(snap.Coins, walletCoin{
			Receipt:   append([]byte(nil), c.Receipt[:]...),
			Interval:  c.Interval,
			Value:     c.Value,
			Signature: append([]byte(nil), c.Signature...),
		})
	}
	b, err := cbor.Marshal(&snap)
	if err != nil {
		return err
	}
	return os.WriteFile(f, b, 0600)
}

// load replaces the wallet contents from f and returns the stored balance.
func (w *wallet) load(f string) (uint32, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return 0, err
	}
	var snap walletSnapshot
	if err := cbor.Unmarshal(b, &snap); err != nil {
		return 0, err
	}
	w.coins = make(map[[coin.ReceiptSize]byte]*coin.Coin)
	for _, wc := range snap.Coins {
		if len(wc.Receipt) != coin.ReceiptSize {
			return 0, errors.New("client: corrupted wallet entry")
		}
		var receipt [coin.ReceiptSize]byte
		copy(receipt[:], wc.Receipt)
		w.add(coin.New(wc.Value, receipt, wc.Signature, wc.Interval))
	}
	return snap.Balance, nil
}
