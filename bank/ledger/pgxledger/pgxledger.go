// SPDX-FileCopyrightText: Copyright (C) 2024 The parnet authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package pgxledger implements the bank's ledger interfaces on top of a
// PostgreSQL database.  All balance mutation happens inside stored
// procedures so concurrent requests ride on row level locking; the schema
// ships the procedures named in initStatements.
package pgxledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx"
	"gopkg.in/op/go-logging.v1"

	"github.com/parnet/par/bank/ledger"
	"github.com/parnet/par/core/coin"
	"github.com/parnet/par/core/epoch"
	"github.com/parnet/par/core/log"
)

const (
	tagAccountBalance      = "account_balance"
	tagAccountDebit        = "account_debit"
	tagAccountCredit       = "account_credit"
	tagAccountAuthKey      = "account_auth_key"
	tagAccountCreate       = "account_create"
	tagEpochCurrentAndNext = "epoch_current_and_next"
	tagEpochAdd            = "epoch_add"
	tagSpentInsert         = "spent_insert_if_absent"
	tagSpentLoad           = "spent_load_epoch"
	tagSpentDrop           = "spent_drop_epoch"

	pgCodeUniqueViolation = "23505"
	pgCodeNoDataFound     = "P0002"
)

// Ledger is a PostgreSQL backed implementation of AccountLedger, EpochTable
// and SpentLog.
type Ledger struct {
	log  *logging.Logger
	pool *pgx.ConnPool
}

// New connects to the database described by dataSourceName and prepares the
// ledger statements.
func New(dataSourceName string, logBackend *log.Backend) (*Ledger, error) {
	l := &Ledger{
		log: logBackend.GetLogger("pgxledger"),
	}

	connCfg, err := pgx.ParseConnectionString(dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("pgxledger: invalid data source: %v", err)
	}
	connCfg.Logger = l
	connCfg.LogLevel = pgx.LogLevelInfo

	poolCfg := pgx.ConnPoolConfig{
		ConnConfig:     connCfg,
		MaxConnections: 8,
	}
	if l.pool, err = pgx.NewConnPool(poolCfg); err != nil {
		return nil, fmt.Errorf("pgxledger: failed to create pool: %v", err)
	}

	if err = l.initStatements(); err != nil {
		l.pool.Close()
		return nil, err
	}
	return l, nil
}

// Close closes the connection pool.
func (l *Ledger) Close() {
	l.pool.Close()
}

// Log adapts pgx logging onto the ledger's module logger.
func (l *Ledger) Log(level pgx.LogLevel, msg string, data map[string]interface{}) {
	if level == pgx.LogLevelNone {
		return
	}

	argVec := make([]interface{}, 0, 1+len(data))
	argVec = append(argVec, msg+" ")
	for k, v := range data {
		argVec = append(argVec, fmt.Sprintf("%s=%v ", k, v))
	}
	mStr := strings.TrimSpace(fmt.Sprint(argVec...))

	switch level {
	case pgx.LogLevelDebug:
		l.log.Debug(mStr)
	case pgx.LogLevelInfo:
		l.log.Info(mStr)
	case pgx.LogLevelWarn:
		l.log.Warning(mStr)
	case pgx.LogLevelError:
		l.log.Error(mStr)
	}
}

func (l *Ledger) initStatements() error {
	stmts := []struct {
		tag, query string
	}{
		{tagAccountBalance, "SELECT account_balance($1);"},
		{tagAccountDebit, "SELECT * FROM account_debit($1, $2) AS (balance integer, ok boolean);"},
		{tagAccountCredit, "SELECT account_credit($1, $2);"},
		{tagAccountAuthKey, "SELECT account_auth_key($1);"},
		{tagAccountCreate, "SELECT account_create($1, $2, $3);"},
		{tagEpochCurrentAndNext, "SELECT * FROM epoch_current_and_next() AS (id integer, valid_after timestamptz, spoils_on timestamptz);"},
		{tagEpochAdd, "SELECT epoch_add($1, $2, $3);"},
		{tagSpentInsert, "SELECT spent_insert_if_absent($1, $2, $3);"},
		{tagSpentLoad, "SELECT * FROM spent_load_epoch($1) AS (shard smallint, fingerprint bytea);"},
		{tagSpentDrop, "SELECT spent_drop_epoch($1);"},
	}

	for _, v := range stmts {
		if _, err := l.pool.Prepare(v.tag, v.query); err != nil {
			l.log.Errorf("Failed to prepare statement %v -> %v: %v", v.tag, v.query, err)
			return err
		}
	}
	return nil
}

func (l *Ledger) Balance(ctx context.Context, acct ledger.AccountID) (uint32, error) {
	var balance int64
	err := l.pool.QueryRowEx(ctx, tagAccountBalance, nil, acct[:]).Scan(&balance)
	if err != nil {
		return 0, mapAccountErr(err)
	}
	return uint32(balance), nil
}

func (l *Ledger) Debit(ctx context.Context, acct ledger.AccountID, amount uint32) (uint32, bool, error) {
	var balance int64
	var ok bool
	err := l.pool.QueryRowEx(ctx, tagAccountDebit, nil, acct[:], int64(amount)).Scan(&balance, &ok)
	if err != nil {
		return 0, false, mapAccountErr(err)
	}
	return uint32(balance), ok, nil
}

func (l *Ledger) Credit(ctx context.Context, acct ledger.AccountID, amount uint32) (uint32, error) {
	var balance int64
	err := l.pool.QueryRowEx(ctx, tagAccountCredit, nil, acct[:], int64(amount)).Scan(&balance)
	if err != nil {
		return 0, mapAccountErr(err)
	}
	return uint32(balance), nil
}

func (l *Ledger) AuthKey(ctx context.Context, acct ledger.AccountID) ([]byte, error) {
	var key []byte
	err := l.pool.QueryRowEx(ctx, tagAccountAuthKey, nil, acct[:]).Scan(&key)
	if err != nil {
		return nil, mapAccountErr(err)
	}
	return key, nil
}

func (l *Ledger) CreateAccount(ctx context.Context, acct ledger.AccountID, authKey []byte, balance uint32) error {
	_, err := l.pool.ExecEx(ctx, tagAccountCreate, nil, acct[:], authKey, int64(balance))
	if pgErr, isPgErr := err.(pgx.PgError); isPgErr && pgErr.Code == pgCodeUniqueViolation {
		return ledger.ErrAccountExists
	}
	return err
}

func (l *Ledger) CurrentAndNext(ctx context.Context) ([]epoch.Interval, error) {
	rows, err := l.pool.QueryEx(ctx, tagEpochCurrentAndNext, nil)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []epoch.Interval
	for rows.Next() {
		var id int64
		var validAfter, spoilsOn time.Time
		if err = rows.Scan(&id, &validAfter, &spoilsOn); err != nil {
			return nil, err
		}
		out = append(out, epoch.Interval{
			ID:         uint32(id),
			ValidAfter: validAfter,
			SpoilsOn:   spoilsOn,
		})
	}
	return out, rows.Err()
}

func (l *Ledger) AddInterval(ctx context.Context, iv epoch.Interval) error {
	_, err := l.pool.ExecEx(ctx, tagEpochAdd, nil, int64(iv.ID), iv.ValidAfter, iv.SpoilsOn)
	return err
}

func (l *Ledger) InsertIfAbsent(ctx context.Context, epochID uint32, shard uint8, fp coin.Fingerprint) (bool, error) {
	var inserted bool
	err := l.pool.QueryRowEx(ctx, tagSpentInsert, nil, int64(epochID), int16(shard), fp[:]).Scan(&inserted)
	if err != nil {
		return false, err
	}
	return inserted, nil
}

func (l *Ledger) LoadEpoch(ctx context.Context, epochID uint32, fn func(shard uint8, fp coin.Fingerprint) error) error {
	rows, err := l.pool.QueryEx(ctx, tagSpentLoad, nil, int64(epochID))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var shard int16
		var raw []byte
		if err = rows.Scan(&shard, &raw); err != nil {
			return err
		}
		if len(raw) != coin.FingerprintSize {
			return fmt.Errorf("pgxledger: corrupted fingerprint length %d", len(raw))
		}
		var fp coin.Fingerprint
		copy(fp[:], raw)
		if err = fn(uint8(shard), fp); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (l *Ledger) DropEpoch(ctx context.Context, epochID uint32) error {
	_, err := l.pool.ExecEx(ctx, tagSpentDrop, nil, int64(epochID))
	return err
}

func mapAccountErr(err error) error {
	if pgErr, isPgErr := err.(pgx.PgError); isPgErr && pgErr.Code == pgCodeNoDataFound {
		return ledger.ErrNoSuchAccount
	}
	if err == pgx.ErrNoRows {
		return ledger.ErrNoSuchAccount
	}
	return err
}
