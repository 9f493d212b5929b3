// SPDX-FileCopyrightText: Copyright (C) 2024 The parnet authors
// SPDX-License-Identifier: AGPL-3.0-only

package epoch

import (
	"context"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/parnet/par/core/log"
	"github.com/parnet/par/core/par"
	"github.com/parnet/par/core/worker"
)

// Source is the epoch table collaborator queried by the Clock.  It returns
// the interval whose ValidAfter < now < SpoilsOn, followed by the next
// interval, in that order.
type Source interface {
	CurrentAndNext(ctx context.Context) ([]Interval, error)
}

// ClockConfig tunes a Clock.
type ClockConfig struct {
	// SkewBudget is added to the refresh delay so a lookup lands after the
	// epoch boundary even when the local clock runs slightly fast.
	SkewBudget time.Duration

	// MinRetry clamps the refresh delay and paces retries when the epoch
	// table is exhausted.
	MinRetry time.Duration

	// LookupTimeout bounds a single Source query.
	LookupTimeout time.Duration

	// OnFirstEpoch is invoked exactly once, on the first successful lookup.
	OnFirstEpoch func()

	// OnRollover is invoked on every successful lookup with the new
	// current interval.
	OnRollover func(Interval)

	// OnExhausted is invoked whenever a lookup fails or returns fewer than
	// two rows.
	OnExhausted func(error)
}

func (cfg *ClockConfig) applyDefaults() {
	if cfg.SkewBudget <= 0 {
		cfg.SkewBudget = 2 * time.Second
	}
	if cfg.MinRetry <= 0 {
		cfg.MinRetry = 5 * time.Second
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = 10 * time.Second
	}
}

// Clock tracks the currently valid interval and reschedules its own refresh
// off the interval's expiry.
type Clock struct {
	worker.Worker
	sync.RWMutex

	log *logging.Logger
	src Source
	cfg ClockConfig

	current   Interval
	next      Interval
	haveEpoch bool

	firstOnce sync.Once
}

// NewClock constructs a Clock and starts its refresh worker.
func NewClock(src Source, cfg ClockConfig, logBackend *log.Backend) *Clock {
	cfg.applyDefaults()
	c := &Clock{
		log: logBackend.GetLogger("epoch/clock"),
		src: src,
		cfg: cfg,
	}
	c.Go(c.worker)
	return c
}

// Current returns the current interval, and false if no successful lookup
// has happened yet.
func (c *Clock) Current() (Interval, bool) {
	c.RLock()
	defer c.RUnlock()
	return c.current, c.haveEpoch
}

// Next returns the interval following the current one.
func (c *Clock) Next() (Interval, bool) {
	c.RLock()
	defer c.RUnlock()
	return c.next, c.haveEpoch
}

// Fresh returns true if a coin minted for interval id is acceptable under
// the current interval.
func (c *Clock) Fresh(id uint32) bool {
	c.RLock()
	defer c.RUnlock()
	if !c.haveEpoch {
		return false
	}
	return IsFresh(id, c.current.ID)
}

func (c *Clock) worker() {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-c.HaltCh():
			return
		case <-timer.C:
		}
		timer.Reset(c.refresh())
	}
}

// refresh performs one lookup and returns the delay until the next one.
func (c *Clock) refresh() time.Duration {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.LookupTimeout)
	defer cancel()

	rows, err := c.src.CurrentAndNext(ctx)
	if err == nil && len(rows) < 2 {
		err = par.ErrEpochExhausted
	}
	if err != nil {
		// Running out of pre-provisioned epochs stops all payments, so
		// be loud about it, but keep retrying rather than crash.
		c.log.Errorf("Epoch lookup failed: %v", err)
		if c.cfg.OnExhausted != nil {
			c.cfg.OnExhausted(err)
		}
		return c.cfg.MinRetry
	}

	c.Lock()
	c.current, c.next = rows[0], rows[1]
	c.haveEpoch = true
	cur := c.current
	c.Unlock()

	c.log.Debugf("Interval %d current till %v", cur.ID, cur.SpoilsOn)

	c.firstOnce.Do(func() {
		if c.cfg.OnFirstEpoch != nil {
			c.cfg.OnFirstEpoch()
		}
	})
	if c.cfg.OnRollover != nil {
		c.cfg.OnRollover(cur)
	}

	d := time.Until(cur.SpoilsOn) + c.cfg.SkewBudget
	if d <= 0 {
		d = c.cfg.MinRetry
	}
	return d
}
