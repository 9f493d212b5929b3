// SPDX-FileCopyrightText: Copyright (C) 2024 The parnet authors
// SPDX-License-Identifier: AGPL-3.0-only

package bank

import (
	"context"
	"crypto/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parnet/par/core/coin"
)

func randomFingerprint(t *testing.T) coin.Fingerprint {
	var fp coin.Fingerprint
	_, err := rand.Read(fp[:])
	require.NoError(t, err)
	return fp
}

// memSpentLog is an in-memory ledger.SpentLog for testing persistence
// semantics.
type memSpentLog struct {
	sync.Mutex
	epochs map[uint32]map[coin.Fingerprint]uint8
}

func newMemSpentLog() *memSpentLog {
	return &memSpentLog{epochs: make(map[uint32]map[coin.Fingerprint]uint8)}
}

func (l *memSpentLog) InsertIfAbsent(ctx context.Context, epochID uint32, shard uint8, fp coin.Fingerprint) (bool, error) {
	l.Lock()
	defer l.Unlock()
	set := l.epochs[epochID]
	if set == nil {
		set = make(map[coin.Fingerprint]uint8)
		l.epochs[epochID] = set
	}
	if _, ok := set[fp]; ok {
		return false, nil
	}
	set[fp] = shard
	return true, nil
}

func (l *memSpentLog) LoadEpoch(ctx context.Context, epochID uint32, fn func(shard uint8, fp coin.Fingerprint) error) error {
	l.Lock()
	defer l.Unlock()
	for fp, shard := range l.epochs[epochID] {
		if err := fn(shard, fp); err != nil {
			return err
		}
	}
	return nil
}

func (l *memSpentLog) DropEpoch(ctx context.Context, epochID uint32) error {
	l.Lock()
	defer l.Unlock()
	delete(l.epochs, epochID)
	return nil
}

func TestTestAndInsert(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	ctx := context.Background()
	s := NewDoubleSpendSet(nil)
	fp := randomFingerprint(t)

	inserted, err := s.TestAndInsert(ctx, 10, fp)
	require.NoError(err)
	require.True(inserted)

	inserted, err = s.TestAndInsert(ctx, 10, fp)
	require.NoError(err)
	require.False(inserted)

	// The same fingerprint in a different epoch is a distinct coin.
	inserted, err = s.TestAndInsert(ctx, 11, fp)
	require.NoError(err)
	require.True(inserted)
}

func TestTestAndInsertConcurrent(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	ctx := context.Background()
	s := NewDoubleSpendSet(nil)
	fp := randomFingerprint(t)

	const workers = 32
	var wins int32
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			inserted, err := s.TestAndInsert(ctx, 10, fp)
			require.NoError(err)
			if inserted {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	require.Equal(int32(1), wins)
}

func TestExpireBefore(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	ctx := context.Background()
	log := newMemSpentLog()
	s := NewDoubleSpendSet(log)

	fps := make(map[uint32]coin.Fingerprint)
	for _, id := range []uint32{5, 6, 7} {
		fps[id] = randomFingerprint(t)
		inserted, err := s.TestAndInsert(ctx, id, fps[id])
		require.NoError(err)
		require.True(inserted)
	}

	require.NoError(s.ExpireBefore(ctx, 6))

	// Epoch 5 is forgotten in memory and on disk, 6 and 7 survive.
	inserted, err := s.TestAndInsert(ctx, 5, fps[5])
	require.NoError(err)
	require.True(inserted)
	for _, id := range []uint32{6, 7} {
		inserted, err = s.TestAndInsert(ctx, id, fps[id])
		require.NoError(err)
		require.False(inserted)
	}
}

func TestPersistedVerdictSurvivesRestart(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	ctx := context.Background()
	log := newMemSpentLog()

	s := NewDoubleSpendSet(log)
	fp := randomFingerprint(t)
	inserted, err := s.TestAndInsert(ctx, 10, fp)
	require.NoError(err)
	require.True(inserted)

	// A fresh set over the same log must still reject the coin, with or
	// without warming.
	cold := NewDoubleSpendSet(log)
	inserted, err = cold.TestAndInsert(ctx, 10, fp)
	require.NoError(err)
	require.False(inserted)

	warmed := NewDoubleSpendSet(log)
	require.NoError(warmed.Warm(ctx, 10))
	inserted, err = warmed.TestAndInsert(ctx, 10, fp)
	require.NoError(err)
	require.False(inserted)
}
