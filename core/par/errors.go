// SPDX-FileCopyrightText: Copyright (C) 2024 The parnet authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package par defines the error taxonomy shared by the bank and circuit
// payment layers.
package par

import (
	"errors"
	"fmt"
)

// CoinReason describes why a coin failed validation.
type CoinReason int

const (
	// ReasonMalformed indicates the coin could not be parsed at all.
	ReasonMalformed CoinReason = iota

	// ReasonBadSignature indicates the issuer signature did not verify.
	ReasonBadSignature

	// ReasonStaleInterval indicates the coin's interval is older than the
	// freshness window permits.
	ReasonStaleInterval

	// ReasonFutureInterval indicates the coin's interval is further in the
	// future than the freshness window permits.
	ReasonFutureInterval
)

func (r CoinReason) String() string {
	switch r {
	case ReasonMalformed:
		return "malformed"
	case ReasonBadSignature:
		return "bad signature"
	case ReasonStaleInterval:
		return "stale interval"
	case ReasonFutureInterval:
		return "future interval"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// InvalidCoinError is returned when a coin fails cryptographic or freshness
// validation.  It is always recoverable, the caller rejects the single coin.
type InvalidCoinError struct {
	Reason CoinReason
}

func (e *InvalidCoinError) Error() string {
	return fmt.Sprintf("par: invalid coin: %v", e.Reason)
}

// ErrAlreadySpent is returned when redeeming a coin whose fingerprint is
// already recorded for its interval.  It does not imply any other coin in the
// batch is bad.
var ErrAlreadySpent = errors.New("par: coin already spent")

// ErrInsufficientBalance is returned when a mint request exceeds the account
// balance.  The caller may retry with a smaller bill.
var ErrInsufficientBalance = errors.New("par: insufficient balance")

// ErrEpochExhausted indicates that the issuer has no current epoch row.  This
// is a fatal operational condition that must be surfaced to operators.
var ErrEpochExhausted = errors.New("par: epoch table exhausted")

// ErrTimeout indicates a setup or payment round did not complete in time.
// The owning circuit must be closed.
var ErrTimeout = errors.New("par: round timed out")

// ProtocolViolationError is returned on malformed framing, underpayment,
// unknown message types and identity signature mismatches.  It is not locally
// recoverable, the owning circuit must be closed.
type ProtocolViolationError struct {
	Msg string
}

func (e *ProtocolViolationError) Error() string {
	return "par: protocol violation: " + e.Msg
}

// Violation constructs a ProtocolViolationError.
func Violation(format string, a ...interface{}) error {
	return &ProtocolViolationError{Msg: fmt.Sprintf(format, a...)}
}

// IsViolation returns true if err is a ProtocolViolationError.
func IsViolation(err error) bool {
	var pv *ProtocolViolationError
	return errors.As(err, &pv)
}
