// Package metrics exposes Prometheus metrics for fits, connects and magnet
// adjustments.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/steering/internal/connect"
	"github.com/banshee-data/steering/internal/orbit"
)

const namespace = "steering"

// Manager owns the steering metrics. A nil *Manager records nothing.
type Manager struct {
	gatherer prometheus.Gatherer

	fits          *prometheus.CounterVec
	fitDuration   prometheus.Histogram
	fitChiSquare  *prometheus.GaugeVec
	fitNDF        *prometheus.GaugeVec
	connectState  *prometheus.GaugeVec
	droppedTotal  *prometheus.CounterVec
	connectedDevs *prometheus.GaugeVec
	adjustments   *prometheus.CounterVec
	snapshots     prometheus.Counter
}

// NewManager registers the metrics on reg, or on the default registry when
// reg is nil.
func NewManager(reg prometheus.Registerer) *Manager {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	auto := promauto.With(reg)
	return &Manager{
		gatherer: gatherer,
		fits: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fits_total",
			Help:      "Trajectory fits attempted, by outcome.",
		}, []string{"result"}),
		fitDuration: auto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fit_duration_seconds",
			Help:      "Time spent in a trajectory fit, including model queries.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		fitChiSquare: auto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fit_chi_square",
			Help:      "Chi-square of the last successful fit.",
		}, []string{"orbit"}),
		fitNDF: auto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fit_ndf",
			Help:      "Degrees of freedom of the last successful fit.",
		}, []string{"orbit"}),
		connectState: auto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connect_state",
			Help:      "Current connect state per collection (0 idle ... 6 cancelled).",
		}, []string{"collection"}),
		droppedTotal: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_devices_total",
			Help:      "Devices dropped for failing to connect.",
		}, []string{"collection"}),
		connectedDevs: auto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices",
			Help:      "Devices currently held per collection.",
		}, []string{"collection"}),
		adjustments: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "magnet_adjustments_total",
			Help:      "Magnet setpoint changes, by operation.",
		}, []string{"op"}),
		snapshots: auto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_saved_total",
			Help:      "Orbit snapshots written to the database.",
		}),
	}
}

// ObserveFit records one fit call.
func (m *Manager) ObserveFit(orbitName string, res *orbit.FitResult, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.fitDuration.Observe(elapsed.Seconds())
	if err != nil || res == nil {
		m.fits.WithLabelValues("error").Inc()
		return
	}
	m.fits.WithLabelValues("ok").Inc()
	m.fitChiSquare.WithLabelValues(orbitName).Set(res.ChiSquare)
	m.fitNDF.WithLabelValues(orbitName).Set(float64(res.NDF))
}

// ObserveConnect records a connect progress event.
func (m *Manager) ObserveConnect(e connect.Event) {
	if m == nil {
		return
	}
	switch e.Kind {
	case connect.StateChanged:
		m.connectState.WithLabelValues(e.Collection).Set(float64(e.State))
	case connect.DevicesDropped:
		m.droppedTotal.WithLabelValues(e.Collection).Add(float64(len(e.Dropped)))
	}
}

// SetDevices records how many devices a collection holds.
func (m *Manager) SetDevices(collection string, n int) {
	if m == nil {
		return
	}
	m.connectedDevs.WithLabelValues(collection).Set(float64(n))
}

// MagnetAdjusted counts a setpoint change. op is "increase", "decrease" or
// "restore".
func (m *Manager) MagnetAdjusted(op string) {
	if m == nil {
		return
	}
	m.adjustments.WithLabelValues(op).Inc()
}

// SnapshotSaved counts a stored snapshot.
func (m *Manager) SnapshotSaved() {
	if m == nil {
		return
	}
	m.snapshots.Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Manager) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
