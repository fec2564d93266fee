package apiclient

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ottrelay_apiclient_attempts_total",
		Help: "Outbound API attempts by outcome (ok, transport_error, decode_error, non_2xx).",
	}, []string{"outcome"})

	decodeStageTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ottrelay_apiclient_decode_stage_total",
		Help: "Successful decode-cascade stages (strict, quotes, embedded, jsonp).",
	}, []string{"stage"})

	callsExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ottrelay_apiclient_calls_exhausted_total",
		Help: "Calls that failed on every attempt.",
	})
)
