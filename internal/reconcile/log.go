package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "reconcile")

const (
	outcomeValidated    = "validated"
	outcomeSlashed      = "slashed"
	outcomeUnreconciled = "unreconciled"
)

var (
	passesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "validator",
		Name:      "reconcile_passes_total",
		Help:      "Reconciliation passes by result.",
	}, []string{"result"})
	passDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "validator",
		Name:      "reconcile_pass_duration_seconds",
		Help:      "Time spent in one reconciliation pass.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	})
	itemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "validator",
		Name:      "reconciled_items_total",
		Help:      "Bundle items by reconciliation outcome.",
	}, []string{"outcome"})
)

func passResult(err error) string {
	if err != nil {
		return "failed"
	}

	return "ok"
}
