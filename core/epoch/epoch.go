// SPDX-FileCopyrightText: Copyright (C) 2024 The parnet authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package epoch implements coin validity interval timekeeping.  Intervals are
// pre-provisioned in the issuer's epoch table and advanced by the Clock, the
// only self-rescheduling component in the system.
package epoch

import "time"

// Interval is one coin validity epoch.
type Interval struct {
	// ID is the monotonic epoch identifier.
	ID uint32

	// ValidAfter is the instant the interval becomes current.
	ValidAfter time.Time

	// SpoilsOn is the instant the interval stops being current.  The next
	// interval's ValidAfter equals this value, epochs are gapless.
	SpoilsOn time.Time
}

// Contains returns true if t falls within the interval.
func (i *Interval) Contains(t time.Time) bool {
	return t.After(i.ValidAfter) && t.Before(i.SpoilsOn)
}

// IsFresh returns true if id is within the freshness window of the current
// interval cur, i.e. one of {cur-1, cur, cur+1}.  Coins from the adjacent
// intervals are accepted to tolerate clock skew and in-flight latency.  The
// window is exact at the uint32 boundaries, the comparison never wraps.
func IsFresh(id, cur uint32) bool {
	d := id - cur
	if id < cur {
		d = cur - id
	}
	return d <= 1
}
