package peers

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "peers")

const (
	resultHit  = "hit"
	resultMiss = "miss"
)

var peerLookupsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "validator",
		Name:      "peer_lookups_total",
		Help:      "Receipt lookups sent to peer validators by result.",
	},
	[]string{"result"},
)
