// SPDX-FileCopyrightText: Copyright (C) 2024 The parnet authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package ledger defines the storage collaborators consumed by the bank: the
// account ledger, the pre-provisioned epoch table and the persisted spent
// coin log.  Implementations must provide the atomicity documented on each
// method, a race in the debit path is a double mint vulnerability.
package ledger

import (
	"context"
	"errors"

	"github.com/parnet/par/core/coin"
	"github.com/parnet/par/core/epoch"
)

// AccountIDSize is the length of an account identifier.
const AccountIDSize = 16

// AccountID identifies a bank account.
type AccountID [AccountIDSize]byte

var (
	// ErrNoSuchAccount is returned for operations on unknown accounts.
	ErrNoSuchAccount = errors.New("ledger: no such account")

	// ErrAccountExists is returned when creating a duplicate account.
	ErrAccountExists = errors.New("ledger: account already exists")
)

// AccountLedger stores balances and authentication keys.
type AccountLedger interface {
	// Balance returns the account's current balance.
	Balance(ctx context.Context, acct AccountID) (uint32, error)

	// Debit atomically subtracts amount from the balance and returns the
	// new balance.  If the balance is lower than amount nothing changes
	// and ok is false; the returned balance is then the current one.  No
	// interleaving of concurrent Debit calls may drive a balance negative.
	Debit(ctx context.Context, acct AccountID, amount uint32) (balance uint32, ok bool, err error)

	// Credit atomically adds amount to the balance and returns the new
	// balance.
	Credit(ctx context.Context, acct AccountID, amount uint32) (uint32, error)

	// AuthKey returns the account's request authentication key.
	AuthKey(ctx context.Context, acct AccountID) ([]byte, error)

	// CreateAccount provisions an account with an initial balance and
	// authentication key.
	CreateAccount(ctx context.Context, acct AccountID, authKey []byte, balance uint32) error
}

// EpochTable stores the pre-provisioned coin validity intervals.
type EpochTable interface {
	epoch.Source

	// AddInterval appends an interval to the table.  Provisioning is an
	// offline administrative task, there is no online path that creates
	// intervals.
	AddInterval(ctx context.Context, iv epoch.Interval) error
}

// SpentLog durably records redeemed coin fingerprints so a restart cannot
// forget a coin inside the freshness window.
type SpentLog interface {
	// InsertIfAbsent atomically records fp for (epochID, shard).  It
	// returns false if the fingerprint was already present.
	InsertIfAbsent(ctx context.Context, epochID uint32, shard uint8, fp coin.Fingerprint) (bool, error)

	// LoadEpoch streams every fingerprint recorded for epochID.
	LoadEpoch(ctx context.Context, epochID uint32, fn func(shard uint8, fp coin.Fingerprint) error) error

	// DropEpoch discards everything recorded for epochID.
	DropEpoch(ctx context.Context, epochID uint32) error
}
