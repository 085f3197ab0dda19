package slasher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "slasher")

var slashVotesTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "validator",
	Name:      "slash_votes_total",
	Help:      "Slash votes raised against the bundler.",
})
