package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	walletDebitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "newmeclass_wallet_debits_total",
		Help: "Wallet debit attempts, labeled by outcome",
	}, []string{"outcome"})

	walletCreditsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "newmeclass_wallet_credits_total",
		Help: "Wallet credits applied, labeled by source",
	}, []string{"source"})

	settlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "newmeclass_payment_resolutions_total",
		Help: "Payment intent resolutions, labeled by status and whether they changed state",
	}, []string{"status", "applied"})

	sessionsCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "newmeclass_test_sessions_completed_total",
		Help: "Completed test sessions, labeled by test type",
	}, []string{"test_type"})
)
