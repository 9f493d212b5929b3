// SPDX-FileCopyrightText: Copyright (C) 2024 The parnet authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package coin implements the anonymous payment token data model.  A coin is
// a single-use, fixed-denomination token whose validity rests on a blind RSA
// signature from the issuer over receipt‖interval.
package coin

import (
	"bytes"
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/blake2b"

	"github.com/parnet/par/core/crypto/blindrsa"
	"github.com/parnet/par/core/epoch"
	"github.com/parnet/par/core/par"
)

const (
	// ReceiptSize is the length of the coin's random receipt.
	ReceiptSize = 32

	// headerSize is the serialized size of everything but the signature.
	headerSize = ReceiptSize + 4

	// FingerprintSize is the length of a coin fingerprint.
	FingerprintSize = 16

	// DefaultValue is the only denomination currently minted.
	DefaultValue = 1
)

// ErrShortBuffer is returned when parsing a truncated coin.
var ErrShortBuffer = errors.New("coin: short buffer")

// Fingerprint indexes a redeemed coin in the double spend set.
type Fingerprint [FingerprintSize]byte

// Coin is one anonymous token.  It is immutable after construction.
type Coin struct {
	// Receipt is the random secret the signature covers.
	Receipt [ReceiptSize]byte

	// Interval is the epoch the coin was minted for.
	Interval uint32

	// Value is the coin's denomination.  Not serialized, the value tier is
	// carried out of band by the enclosing message.
	Value uint32

	// Signature is the issuer's raw RSA signature over receipt‖interval.
	Signature []byte
}

// New constructs a coin from already unblinded material.
func New(value uint32, receipt [ReceiptSize]byte, signature []byte, interval uint32) *Coin {
	return &Coin{
		Receipt:   receipt,
		Interval:  interval,
		Value:     value,
		Signature: signature,
	}
}

// FromBytes parses the fixed binary layout receipt‖interval‖signature.  The
// signature length is implied by the deployment's key size; anything shorter
// than a one byte signature is rejected.
func FromBytes(b []byte, value uint32) (*Coin, error) {
	if len(b) <= headerSize {
		return nil, ErrShortBuffer
	}
	c := &Coin{Value: value}
	copy(c.Receipt[:], b[:ReceiptSize])
	c.Interval = binary.BigEndian.Uint32(b[ReceiptSize:headerSize])
	c.Signature = make([]byte, len(b)-headerSize)
	copy(c.Signature, b[headerSize:])
	return c, nil
}

// ToBytes serializes the coin.
func (c *Coin) ToBytes() []byte {
	out := make([]byte, headerSize, headerSize+len(c.Signature))
	copy(out, c.Receipt[:])
	binary.BigEndian.PutUint32(out[ReceiptSize:], c.Interval)
	return append(out, c.Signature...)
}

// SerializedSize returns the wire size of a coin for the given key size.
func SerializedSize(keySize int) int {
	return headerSize + keySize
}

// signedMessage reconstructs the byte string the issuer signed.
func (c *Coin) signedMessage() []byte {
	msg := make([]byte, headerSize)
	copy(msg, c.Receipt[:])
	binary.BigEndian.PutUint32(msg[ReceiptSize:], c.Interval)
	return msg
}

// Validate checks the issuer signature and interval freshness.  Failures are
// reported as an InvalidCoinError with a reason code; disposition is entirely
// the caller's business.
func (c *Coin) Validate(currentInterval uint32, issuerKey *blindrsa.PublicKey) error {
	recovered, err := issuerKey.RawEncrypt(c.Signature, false)
	if err != nil {
		return &par.InvalidCoinError{Reason: par.ReasonMalformed}
	}

	// The raw RSA operation left-pads to the modulus width, so only the
	// suffix has to match.
	if !bytes.HasSuffix(recovered, c.signedMessage()) {
		return &par.InvalidCoinError{Reason: par.ReasonBadSignature}
	}

	if !epoch.IsFresh(c.Interval, currentInterval) {
		if c.Interval > currentInterval {
			return &par.InvalidCoinError{Reason: par.ReasonFutureInterval}
		}
		return &par.InvalidCoinError{Reason: par.ReasonStaleInterval}
	}
	return nil
}

// Fingerprint returns the double spend index for the coin.  Collision
// resistance here only has to make intentional collisions cost the attacker
// the colliding coins' value, a truncated blake2b is plenty.
func (c *Coin) Fingerprint() Fingerprint {
	var fp Fingerprint
	sum := blake2b.Sum256(c.Signature)
	copy(fp[:], sum[:FingerprintSize])
	return fp
}
