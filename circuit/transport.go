// SPDX-FileCopyrightText: Copyright (C) 2024 The parnet authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package circuit implements the per-circuit payment protocol: the cell
// chunking message relay, the per-hop payment streams, and the client and
// relay side payment handlers that keep the transport's token buckets fed.
//
// The onion transport itself is an external collaborator.  It carries
// fixed-size opaque cells, delivers bytes in order per hop, and exposes the
// token bucket credit counters the payments replenish.
package circuit

import "fmt"

// CloseReason explains why the payment layer tears a circuit down.
type CloseReason uint8

const (
	// ReasonShutdown is an orderly local teardown.
	ReasonShutdown CloseReason = iota

	// ReasonTimeout means a setup or payment round did not complete in
	// time.
	ReasonTimeout

	// ReasonProtocolViolation means the peer misbehaved: malformed
	// framing, underpayment, a bad receipt or an unknown message type.
	ReasonProtocolViolation
)

func (r CloseReason) String() string {
	switch r {
	case ReasonShutdown:
		return "shutdown"
	case ReasonTimeout:
		return "timeout"
	case ReasonProtocolViolation:
		return "protocol violation"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(r))
	}
}

// Transport is the onion transport collaborator.  Hops are 1-based from the
// point of view of the circuit origin; a relay sees exactly one hop, the
// origin of the cells it forwards.
type Transport interface {
	// SendBytes queues b toward hop on the circuit's control channel.
	// The channel is line oriented and text safe, callers must armor
	// binary data.
	SendBytes(hop int, b []byte) error

	// AddTokens adjusts the local token bucket credit counters and
	// returns the new totals.  By convention AddTokens(-1, -1) requests
	// the transport to tear the circuit down.
	AddTokens(read, write int) (int, int)

	// CloseCircuit tears the circuit down.
	CloseCircuit(reason CloseReason)
}
