// SPDX-FileCopyrightText: Copyright (C) 2024 The parnet authors
// SPDX-License-Identifier: AGPL-3.0-only

package boltledger

import (
	"context"
	"crypto/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/parnet/par/bank/ledger"
	"github.com/parnet/par/core/coin"
	"github.com/parnet/par/core/epoch"
)

func newTestLedger(t *testing.T) *Ledger {
	l, err := New(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(l.Close)
	return l
}

func testAccount(t *testing.T) (ledger.AccountID, []byte) {
	var acct ledger.AccountID
	_, err := rand.Read(acct[:])
	require.NoError(t, err)
	authKey := make([]byte, 32)
	_, err = rand.Read(authKey)
	require.NoError(t, err)
	return acct, authKey
}

func TestAccountLifecycle(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	ctx := context.Background()
	l := newTestLedger(t)
	acct, authKey := testAccount(t)

	_, err := l.Balance(ctx, acct)
	require.ErrorIs(err, ledger.ErrNoSuchAccount)

	require.NoError(l.CreateAccount(ctx, acct, authKey, 100))
	require.ErrorIs(l.CreateAccount(ctx, acct, authKey, 0), ledger.ErrAccountExists)

	balance, err := l.Balance(ctx, acct)
	require.NoError(err)
	require.Equal(uint32(100), balance)

	gotKey, err := l.AuthKey(ctx, acct)
	require.NoError(err)
	require.Equal(authKey, gotKey)
}

func TestDebitCredit(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	ctx := context.Background()
	l := newTestLedger(t)
	acct, authKey := testAccount(t)
	require.NoError(l.CreateAccount(ctx, acct, authKey, 100))

	balance, ok, err := l.Debit(ctx, acct, 30)
	require.NoError(err)
	require.True(ok)
	require.Equal(uint32(70), balance)

	// An overdraft changes nothing and reports the current balance.
	balance, ok, err = l.Debit(ctx, acct, 71)
	require.NoError(err)
	require.False(ok)
	require.Equal(uint32(70), balance)

	balance, err = l.Credit(ctx, acct, 5)
	require.NoError(err)
	require.Equal(uint32(75), balance)

	_, _, err = l.Debit(ctx, ledger.AccountID{}, 1)
	require.ErrorIs(err, ledger.ErrNoSuchAccount)
}

func TestEpochTable(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	ctx := context.Background()
	l := newTestLedger(t)
	now := time.Now()

	rows, err := l.CurrentAndNext(ctx)
	require.NoError(err)
	require.Empty(rows)

	for i, iv := range []epoch.Interval{
		{ID: 9, ValidAfter: now.Add(-2 * time.Hour), SpoilsOn: now.Add(-time.Hour)},
		{ID: 10, ValidAfter: now.Add(-time.Hour), SpoilsOn: now.Add(time.Hour)},
		{ID: 11, ValidAfter: now.Add(time.Hour), SpoilsOn: now.Add(2 * time.Hour)},
	} {
		require.NoError(l.AddInterval(ctx, iv), "interval %d", i)
	}

	rows, err = l.CurrentAndNext(ctx)
	require.NoError(err)
	require.Len(rows, 2)
	require.Equal(uint32(10), rows[0].ID)
	require.Equal(uint32(11), rows[1].ID)
	require.True(rows[0].Contains(now))
}

func TestSpentLog(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	ctx := context.Background()
	l := newTestLedger(t)

	var fp coin.Fingerprint
	_, err := rand.Read(fp[:])
	require.NoError(err)

	inserted, err := l.InsertIfAbsent(ctx, 10, 3, fp)
	require.NoError(err)
	require.True(inserted)

	inserted, err = l.InsertIfAbsent(ctx, 10, 3, fp)
	require.NoError(err)
	require.False(inserted)

	var loaded []coin.Fingerprint
	err = l.LoadEpoch(ctx, 10, func(shard uint8, got coin.Fingerprint) error {
		require.Equal(uint8(3), shard)
		loaded = append(loaded, got)
		return nil
	})
	require.NoError(err)
	require.Equal([]coin.Fingerprint{fp}, loaded)

	require.NoError(l.DropEpoch(ctx, 10))
	inserted, err = l.InsertIfAbsent(ctx, 10, 3, fp)
	require.NoError(err)
	require.True(inserted)

	// Dropping a missing epoch is not an error.
	require.NoError(l.DropEpoch(ctx, 999))
}
