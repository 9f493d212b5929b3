// SPDX-FileCopyrightText: Copyright (C) 2024 The parnet authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package boltledger implements the bank's ledger interfaces with a simple
// boltdb based backend.  Bolt serializes writers, so every read-modify-write
// below is naturally atomic.
package boltledger

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/parnet/par/bank/ledger"
	"github.com/parnet/par/core/coin"
	"github.com/parnet/par/core/epoch"
)

const (
	accountsBucket = "accounts"
	authKeysBucket = "authkeys"
	epochsBucket   = "epochs"
	spentBucket    = "spent"
)

// Ledger is a boltdb backed implementation of AccountLedger, EpochTable and
// SpentLog.
type Ledger struct {
	db *bolt.DB
}

// New creates or opens the ledger database at path f.
func New(f string) (*Ledger, error) {
	const fileMode = 0600

	db, err := bolt.Open(f, fileMode, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, n := range []string{accountsBucket, authKeysBucket, epochsBucket, spentBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(n)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Ledger{db: db}, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() {
	l.db.Close()
}

func (l *Ledger) Balance(ctx context.Context, acct ledger.AccountID) (uint32, error) {
	var balance uint32
	err := l.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(accountsBucket)).Get(acct[:])
		if raw == nil {
			return ledger.ErrNoSuchAccount
		}
		balance = binary.BigEndian.Uint32(raw)
		return nil
	})
	return balance, err
}

func (l *Ledger) Debit(ctx context.Context, acct ledger.AccountID, amount uint32) (uint32, bool, error) {
	var balance uint32
	var ok bool
	err := l.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(accountsBucket))
		raw := bkt.Get(acct[:])
		if raw == nil {
			return ledger.ErrNoSuchAccount
		}
		balance = binary.BigEndian.Uint32(raw)
		if balance < amount {
			return nil
		}
		balance -= amount
		ok = true
		return bkt.Put(acct[:], encodeU32(balance))
	})
	return balance, ok, err
}

func (l *Ledger) Credit(ctx context.Context, acct ledger.AccountID, amount uint32) (uint32, error) {
	var balance uint32
	err := l.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(accountsBucket))
		raw := bkt.Get(acct[:])
		if raw == nil {
			return ledger.ErrNoSuchAccount
		}
		balance = binary.BigEndian.Uint32(raw) + amount
		return bkt.Put(acct[:], encodeU32(balance))
	})
	return balance, err
}

func (l *Ledger) AuthKey(ctx context.Context, acct ledger.AccountID) ([]byte, error) {
	var key []byte
	err := l.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(authKeysBucket)).Get(acct[:])
		if raw == nil {
			return ledger.ErrNoSuchAccount
		}
		key = append([]byte(nil), raw...)
		return nil
	})
	return key, err
}

func (l *Ledger) CreateAccount(ctx context.Context, acct ledger.AccountID, authKey []byte, balance uint32) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(accountsBucket))
		if bkt.Get(acct[:]) != nil {
			return ledger.ErrAccountExists
		}
		if err := bkt.Put(acct[:], encodeU32(balance)); err != nil {
			return err
		}
		return tx.Bucket([]byte(authKeysBucket)).Put(acct[:], authKey)
	})
}

func (l *Ledger) CurrentAndNext(ctx context.Context) ([]epoch.Interval, error) {
	now := time.Now()
	var rows []epoch.Interval
	err := l.db.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket([]byte(epochsBucket)).Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			iv := decodeInterval(k, v)
			if iv.Contains(now) {
				rows = append(rows, iv)
				if nk, nv := cur.Next(); nk != nil {
					rows = append(rows, decodeInterval(nk, nv))
				}
				return nil
			}
		}
		return nil
	})
	return rows, err
}

func (l *Ledger) AddInterval(ctx context.Context, iv epoch.Interval) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		v := make([]byte, 16)
		binary.BigEndian.PutUint64(v[0:8], uint64(iv.ValidAfter.Unix()))
		binary.BigEndian.PutUint64(v[8:16], uint64(iv.SpoilsOn.Unix()))
		return tx.Bucket([]byte(epochsBucket)).Put(encodeU32(iv.ID), v)
	})
}

func (l *Ledger) InsertIfAbsent(ctx context.Context, epochID uint32, shard uint8, fp coin.Fingerprint) (bool, error) {
	inserted := false
	err := l.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.Bucket([]byte(spentBucket)).CreateBucketIfNotExists(encodeU32(epochID))
		if err != nil {
			return err
		}
		k := spentKey(shard, fp)
		if bkt.Get(k) != nil {
			return nil
		}
		inserted = true
		return bkt.Put(k, []byte{})
	})
	return inserted, err
}

func (l *Ledger) LoadEpoch(ctx context.Context, epochID uint32, fn func(shard uint8, fp coin.Fingerprint) error) error {
	return l.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(spentBucket)).Bucket(encodeU32(epochID))
		if bkt == nil {
			return nil
		}
		return bkt.ForEach(func(k, _ []byte) error {
			if len(k) != 1+coin.FingerprintSize {
				return fmt.Errorf("boltledger: corrupted spent key length %d", len(k))
			}
			var fp coin.Fingerprint
			copy(fp[:], k[1:])
			return fn(k[0], fp)
		})
	})
}

func (l *Ledger) DropEpoch(ctx context.Context, epochID uint32) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(spentBucket))
		if bkt.Bucket(encodeU32(epochID)) == nil {
			return nil
		}
		return bkt.DeleteBucket(encodeU32(epochID))
	})
}

func encodeU32(v uint32) []byte {
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, v)
	return out
}

func decodeInterval(k, v []byte) epoch.Interval {
	return epoch.Interval{
		ID:         binary.BigEndian.Uint32(k),
		ValidAfter: time.Unix(int64(binary.BigEndian.Uint64(v[0:8])), 0),
		SpoilsOn:   time.Unix(int64(binary.BigEndian.Uint64(v[8:16])), 0),
	}
}

func spentKey(shard uint8, fp coin.Fingerprint) []byte {
	k := make([]byte, 1+coin.FingerprintSize)
	k[0] = shard
	copy(k[1:], fp[:])
	return k
}
