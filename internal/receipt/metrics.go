package receipt

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultSigned    = "signed"
	resultDuplicate = "duplicate"
	resultStale     = "stale_block"
	resultInvalid   = "invalid_signature"
	resultError     = "error"
)

var signRequestsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "validator",
		Name:      "sign_requests_total",
		Help:      "Sign requests by result.",
	},
	[]string{"result"},
)
