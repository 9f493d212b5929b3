// SPDX-FileCopyrightText: Copyright (C) 2024 The parnet authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument exports the bank's and payment layer's prometheus
// metrics.
package instrument

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	coinsMinted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "par_bank_coins_minted_total",
		Help: "Number of coins minted",
	})
	coinsRedeemed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "par_bank_coins_redeemed_total",
		Help: "Number of coins redeemed",
	})
	doubleSpends = promauto.NewCounter(prometheus.CounterOpts{
		Name: "par_bank_double_spends_total",
		Help: "Number of coins rejected as already spent",
	})
	invalidCoins = promauto.NewCounter(prometheus.CounterOpts{
		Name: "par_bank_invalid_coins_total",
		Help: "Number of coins rejected as invalid",
	})
	insufficientBalance = promauto.NewCounter(prometheus.CounterOpts{
		Name: "par_bank_insufficient_balance_total",
		Help: "Number of mint requests rejected for insufficient balance",
	})
	requestsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "par_bank_requests_dropped_total",
		Help: "Number of bank requests dropped due to worker backpressure",
	})
	paymentRounds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "par_payment_rounds_total",
		Help: "Number of completed circuit payment rounds",
	})
	circuitCloses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "par_circuit_closes_total",
		Help: "Number of circuits closed by the payment layer",
	}, []string{"reason"})
)

// StartPrometheusListener exposes the registered metrics via HTTP on addr.
func StartPrometheusListener(addr string) {
	http.Handle("/metrics", promhttp.Handler())
	go http.ListenAndServe(addr, nil)
}

// CoinsMinted adds n to the minted coin counter.
func CoinsMinted(n int) { coinsMinted.Add(float64(n)) }

// CoinsRedeemed adds n to the redeemed coin counter.
func CoinsRedeemed(n int) { coinsRedeemed.Add(float64(n)) }

// DoubleSpend increments the double spend counter.
func DoubleSpend() { doubleSpends.Inc() }

// InvalidCoin increments the invalid coin counter.
func InvalidCoin() { invalidCoins.Inc() }

// InsufficientBalance increments the insufficient balance counter.
func InsufficientBalance() { insufficientBalance.Inc() }

// RequestDropped increments the dropped request counter.
func RequestDropped() { requestsDropped.Inc() }

// PaymentRound increments the completed payment round counter.
func PaymentRound() { paymentRounds.Inc() }

// CircuitClosed increments the circuit close counter for reason.
func CircuitClosed(reason string) { circuitCloses.WithLabelValues(reason).Inc() }
