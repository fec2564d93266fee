package provider

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var resolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ottrelay_resolutions_total",
	Help: "Stream resolutions by provider and outcome.",
}, []string{"provider", "outcome"})
