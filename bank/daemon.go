// SPDX-FileCopyrightText: Copyright (C) 2024 The parnet authors
// SPDX-License-Identifier: AGPL-3.0-only

package bank

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/parnet/par/bank/config"
	"github.com/parnet/par/bank/ledger"
	"github.com/parnet/par/bank/ledger/boltledger"
	"github.com/parnet/par/bank/ledger/pgxledger"
	"github.com/parnet/par/core/crypto/blindrsa"
	"github.com/parnet/par/core/epoch"
	"github.com/parnet/par/core/log"
	"github.com/parnet/par/internal/instrument"
)

// Backend is the full set of storage interfaces a ledger backend provides.
type Backend interface {
	ledger.AccountLedger
	ledger.EpochTable
	ledger.SpentLog

	Close()
}

// Daemon glues the bank together: ledger backend, interval clock, issuer and
// the UDP front door.
type Daemon struct {
	log        *logging.Logger
	logBackend *log.Backend

	db     Backend
	spent  *DoubleSpendSet
	clock  *epoch.Clock
	issuer *Issuer
	server *Server

	warmOnce sync.Once
	haltOnce sync.Once
	doneCh   chan struct{}
}

// NewDaemon constructs a Daemon from a validated config and starts serving.
func NewDaemon(cfg *config.Config) (*Daemon, error) {
	logBackend, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return nil, err
	}
	d := &Daemon{
		log:        logBackend.GetLogger("bank/daemon"),
		logBackend: logBackend,
		doneCh:     make(chan struct{}),
	}

	switch cfg.Ledger.Backend {
	case config.BackendBolt:
		d.db, err = boltledger.New(cfg.Ledger.File)
	case config.BackendPgx:
		d.db, err = pgxledger.New(cfg.Ledger.DataSourceName, logBackend)
	default:
		err = fmt.Errorf("bank: unknown ledger backend '%v'", cfg.Ledger.Backend)
	}
	if err != nil {
		return nil, err
	}

	keys, err := loadTierKeys(cfg.Keys)
	if err != nil {
		d.db.Close()
		return nil, err
	}

	d.spent = NewDoubleSpendSet(d.db)
	d.clock = epoch.NewClock(d.db, epoch.ClockConfig{
		OnRollover: d.onRollover,
	}, logBackend)

	if d.issuer, err = NewIssuer(keys, d.db, d.spent, d.clock, logBackend); err != nil {
		d.clock.Halt()
		d.db.Close()
		return nil, err
	}

	srvCfg := ServerConfig{
		Addr:       cfg.Addr,
		NumWorkers: cfg.NumWorkers,
		QueueDepth: cfg.QueueDepth,
	}
	if d.server, err = NewServer(srvCfg, d.issuer, logBackend); err != nil {
		d.clock.Halt()
		d.db.Close()
		return nil, err
	}

	if cfg.MetricsAddr != "" {
		instrument.StartPrometheusListener(cfg.MetricsAddr)
	}

	d.log.Noticef("Bank listening on %v", d.server.Addr())
	return d, nil
}

// Wait blocks until Shutdown is called.
func (d *Daemon) Wait() {
	<-d.doneCh
}

// Shutdown stops the daemon and releases its resources.
func (d *Daemon) Shutdown() {
	d.haltOnce.Do(func() {
		d.log.Noticef("Shutting down")
		d.server.Shutdown()
		d.clock.Halt()
		d.db.Close()
		close(d.doneCh)
	})
}

// onRollover keeps the double spend set aligned with the freshness window:
// warm the window from the spent log once at startup, expire everything that
// left the window on each rollover.
func (d *Daemon) onRollover(iv epoch.Interval) {
	ctx := context.Background()
	d.warmOnce.Do(func() {
		window := []uint32{iv.ID, iv.ID + 1}
		if iv.ID >= 1 {
			window = append(window, iv.ID-1)
		}
		if err := d.spent.Warm(ctx, window...); err != nil {
			d.log.Errorf("Failed to warm spent set: %v", err)
		}
	})
	if iv.ID >= 1 {
		if err := d.spent.ExpireBefore(ctx, iv.ID-1); err != nil {
			d.log.Errorf("Failed to expire spent epochs before %d: %v", iv.ID-1, err)
		}
	}
}

func loadTierKeys(files map[string]string) (map[uint32]*blindrsa.PrivateKey, error) {
	keys := make(map[uint32]*blindrsa.PrivateKey, len(files))
	for tier, f := range files {
		value, err := strconv.ParseUint(tier, 10, 32)
		if err != nil || value == 0 {
			return nil, fmt.Errorf("bank: invalid value tier '%v'", tier)
		}
		if keys[uint32(value)], err = blindrsa.FromPEMFile(f); err != nil {
			return nil, fmt.Errorf("bank: tier %v key: %v", tier, err)
		}
	}
	return keys, nil
}
