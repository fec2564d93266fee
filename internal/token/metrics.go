package token

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var refreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ottrelay_token_renewals_total",
	Help: "Token renewals by provider and kind (refresh grant vs full login).",
}, []string{"provider", "kind"})
