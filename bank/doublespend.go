// SPDX-FileCopyrightText: Copyright (C) 2024 The parnet authors
// SPDX-License-Identifier: AGPL-3.0-only

package bank

import (
	"context"
	"sync"

	"github.com/parnet/par/core/coin"
)

// NumShards fixes the double spend set's shard count.  Sharding only bounds
// lock contention, the shard index carries no meaning.
const NumShards = 16

// ShardOf maps a fingerprint to its shard.  The fingerprint is already a
// hash, so its first byte is uniformly distributed.
func ShardOf(fp coin.Fingerprint) uint8 {
	return fp[0] % NumShards
}

type spendShard struct {
	sync.Mutex
	epochs map[uint32]map[coin.Fingerprint]struct{}
}

// DoubleSpendSet records which coin fingerprints have been redeemed within
// each epoch.  The check-then-insert is atomic per shard; two concurrent
// redeems of the same coin can never both succeed.  Entries are persisted
// through an optional SpentLog so a restart cannot forget an in-window coin.
type DoubleSpendSet struct {
	shards   [NumShards]spendShard
	spentLog SpentLogger
}

// SpentLogger is the durable backing store for a DoubleSpendSet.  It is a
// subset of ledger.SpentLog so callers without persistence needs can pass
// nil.
type SpentLogger interface {
	InsertIfAbsent(ctx context.Context, epochID uint32, shard uint8, fp coin.Fingerprint) (bool, error)
	LoadEpoch(ctx context.Context, epochID uint32, fn func(shard uint8, fp coin.Fingerprint) error) error
	DropEpoch(ctx context.Context, epochID uint32) error
}

// NewDoubleSpendSet creates a DoubleSpendSet.  spentLog may be nil for a
// purely in-memory set.
func NewDoubleSpendSet(spentLog SpentLogger) *DoubleSpendSet {
	s := &DoubleSpendSet{spentLog: spentLog}
	for i := range s.shards {
		s.shards[i].epochs = make(map[uint32]map[coin.Fingerprint]struct{})
	}
	return s
}

// Warm loads the persisted fingerprints for the given epochs into memory.
// Called once at startup, before the set is shared.
func (s *DoubleSpendSet) Warm(ctx context.Context, epochIDs ...uint32) error {
	if s.spentLog == nil {
		return nil
	}
	for _, id := range epochIDs {
		err := s.spentLog.LoadEpoch(ctx, id, func(shard uint8, fp coin.Fingerprint) error {
			sh := &s.shards[shard%NumShards]
			sh.Lock()
			sh.insertLocked(id, fp)
			sh.Unlock()
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// TestAndInsert records fp for epochID.  It returns false if the
// fingerprint was already present, meaning the coin is a double spend.
func (s *DoubleSpendSet) TestAndInsert(ctx context.Context, epochID uint32, fp coin.Fingerprint) (bool, error) {
	sh := &s.shards[ShardOf(fp)]
	sh.Lock()
	defer sh.Unlock()

	if set := sh.epochs[epochID]; set != nil {
		if _, spent := set[fp]; spent {
			return false, nil
		}
	}
	if s.spentLog != nil {
		// The persisted verdict wins: the memory image may be cold after
		// a restart with an incomplete Warm.
		inserted, err := s.spentLog.InsertIfAbsent(ctx, epochID, ShardOf(fp), fp)
		if err != nil {
			return false, err
		}
		if !inserted {
			sh.insertLocked(epochID, fp)
			return false, nil
		}
	}
	sh.insertLocked(epochID, fp)
	return true, nil
}

// ExpireBefore discards every epoch older than epochID.  The caller invokes
// this on interval rollover with currentID-1 so nothing inside the freshness
// window is ever dropped.
func (s *DoubleSpendSet) ExpireBefore(ctx context.Context, epochID uint32) error {
	dropped := make(map[uint32]struct{})
	for i := range s.shards {
		sh := &s.shards[i]
		sh.Lock()
		for id := range sh.epochs {
			if id < epochID {
				delete(sh.epochs, id)
				dropped[id] = struct{}{}
			}
		}
		sh.Unlock()
	}
	if s.spentLog == nil {
		return nil
	}
	var firstErr error
	for id := range dropped {
		if err := s.spentLog.DropEpoch(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (sh *spendShard) insertLocked(epochID uint32, fp coin.Fingerprint) {
	set := sh.epochs[epochID]
	if set == nil {
		set = make(map[coin.Fingerprint]struct{})
		sh.epochs[epochID] = set
	}
	set[fp] = struct{}{}
}
