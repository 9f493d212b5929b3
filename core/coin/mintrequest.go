// SPDX-FileCopyrightText: Copyright (C) 2024 The parnet authors
// SPDX-License-Identifier: AGPL-3.0-only

package coin

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"math/big"

	"github.com/parnet/par/core/crypto/blindrsa"
)

// ErrConsumed is returned when a mint request is finalized twice.
var ErrConsumed = errors.New("coin: mint request already consumed")

// MintRequest pairs a blinded message submitted for signing with the secret
// material needed to turn the issuer's blind signature into a Coin.  It is
// consumed exactly once by Finalize.
type MintRequest struct {
	receipt        [ReceiptSize]byte
	blindingFactor *big.Int
	issuerKey      *blindrsa.PublicKey

	// Blinded is the value actually sent to the issuer for signing.
	Blinded []byte

	// Interval is the epoch the eventual coin will be minted for.
	Interval uint32

	// Value is the requested denomination.
	Value uint32
}

// NewMintRequest builds a fresh request against the given interval and value
// tier.  issuerKey is the issuer's public key for that tier.
func NewMintRequest(issuerKey *blindrsa.PublicKey, interval, value uint32) (*MintRequest, error) {
	r := &MintRequest{
		issuerKey: issuerKey,
		Interval:  interval,
		Value:     value,
	}
	if _, err := rand.Read(r.receipt[:]); err != nil {
		return nil, err
	}

	factor, err := issuerKey.BlindingFactor()
	if err != nil {
		return nil, err
	}
	r.blindingFactor = factor

	msg := make([]byte, headerSize)
	copy(msg, r.receipt[:])
	binary.BigEndian.PutUint32(msg[ReceiptSize:], interval)

	r.Blinded, err = issuerKey.Blind(msg, factor)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Finalize unblinds the issuer's blind signature into a Coin, verifying it
// against the issuer key before handing it out.  The request's blinding
// factor is destroyed, a second call fails.
func (r *MintRequest) Finalize(blindSig []byte) (*Coin, error) {
	if r.blindingFactor == nil {
		return nil, ErrConsumed
	}

	sig, err := r.issuerKey.Unblind(blindSig, r.blindingFactor)
	r.blindingFactor = nil
	if err != nil {
		return nil, err
	}

	// Freshness is judged later by the holder against the live clock; the
	// request's own interval is trivially fresh relative to itself, so the
	// only failure mode here is a bad issuer signature.
	c := New(r.Value, r.receipt, sig, r.Interval)
	if err := c.Validate(r.Interval, r.issuerKey); err != nil {
		return nil, err
	}
	return c, nil
}
