package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	rtbfsvc "github.com/davidleathers/privacy-decision-gateway/internal/service/rtbf"
)

// breakerStateValue maps breaker states onto the gauge.
var breakerStateValue = map[rtbfsvc.CircuitState]float64{
	rtbfsvc.CircuitClosed:   0,
	rtbfsvc.CircuitHalfOpen: 1,
	rtbfsvc.CircuitOpen:     2,
}

// registerGatewayMetrics exposes build info and per-layer breaker state.
func registerGatewayMetrics(reg prometheus.Registerer, version string, erasure rtbfsvc.Service) error {
	factory := promauto.With(reg)

	factory.NewGauge(prometheus.GaugeOpts{
		Namespace:   "pdg",
		Name:        "build_info",
		Help:        "Build information of the running gateway",
		ConstLabels: prometheus.Labels{"version": version},
	}).Set(1)

	for _, layer := range erasure.RegisteredLayers() {
		layer := string(layer)
		if err := reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "pdg",
			Subsystem:   "rtbf",
			Name:        "breaker_state",
			Help:        "Circuit breaker state per erasure layer (0 closed, 1 half-open, 2 open)",
			ConstLabels: prometheus.Labels{"layer": layer},
		}, func() float64 {
			return breakerStateValue[erasure.BreakerStates()[layer]]
		})); err != nil {
			return err
		}
	}
	return nil
}
