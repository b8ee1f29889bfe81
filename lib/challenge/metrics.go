package challenge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	challengesIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "powgate_challenges_issued",
		Help: "The total number of challenges issued",
	}, []string{"method"})

	challengesValidated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "powgate_challenges_validated",
		Help: "The total number of challenges that were solved and accepted",
	})

	failedValidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "powgate_failed_validations",
		Help: "The total number of failed validations",
	}, []string{"reason"})

	challengesStored = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "powgate_challenges_stored",
		Help: "The number of challenges currently held in memory",
	})

	challengesSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "powgate_challenges_swept",
		Help: "The total number of expired challenges removed by the sweeper",
	})
)
