// Package metrics exposes the Prometheus instrumentation for the RDMA
// transport core: connection lifecycle counters, queue-depth gauges and
// submit-to-completion latency.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nvme_rdma"

// Metrics holds every metric this core registers. A custom registry is
// used, not prometheus.DefaultRegisterer, so creating a second daemon
// instance in the same process (as happens in tests) never panics on a
// duplicate registration.
type Metrics struct {
	registry *prometheus.Registry

	connectsTotal   *prometheus.CounterVec
	connectDuration prometheus.Histogram

	reconnectsTotal    *prometheus.CounterVec
	reconnectDuration  prometheus.Histogram
	controllerState    *prometheus.GaugeVec
	activeQueues       *prometheus.GaugeVec
	capsuleRingInUse   *prometheus.GaugeVec
	submitTotal        *prometheus.CounterVec
	submitDuration     prometheus.Histogram
	completionsTotal   *prometheus.CounterVec
	fastRegTotal       prometheus.Counter
	inlineTotal        prometheus.Counter
	singleKeyTotal     prometheus.Counter
	nullSGLTotal       prometheus.Counter
	invalidateElided   prometheus.Counter
	deviceRefcount     *prometheus.GaugeVec
	errorRecoveryTotal *prometheus.CounterVec
}

// New creates a Metrics instance with every metric registered against a
// fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		connectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connects_total",
			Help:      "Total controller connection attempts by status",
		}, []string{"status"}),

		connectDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_duration_seconds",
			Help:      "Duration of controller connection establishment",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),

		reconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Total reconnect worker attempts by status",
		}, []string{"status"}),

		reconnectDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconnect_duration_seconds",
			Help:      "Duration of successful reconnects",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),

		controllerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "controller_state",
			Help:      "Controller lifecycle state (0=Connecting,1=Connected,2=Reconnecting,3=Resetting,4=Deleting)",
		}, []string{"controller"}),

		activeQueues: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_queues",
			Help:      "Number of connected queues per controller",
		}, []string{"controller"}),

		capsuleRingInUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "capsule_ring_in_use",
			Help:      "Outstanding capsules per queue",
		}, []string{"controller", "queue"}),

		submitTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submits_total",
			Help:      "Total submit() calls by result",
		}, []string{"result"}),

		submitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "submit_to_completion_seconds",
			Help:      "Latency from submit() to complete_rq()",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 12),
		}),

		completionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completions_total",
			Help:      "Total completions processed by status class",
		}, []string{"status_class"}),

		fastRegTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "data_mapping_fast_reg_total",
			Help:      "Requests mapped using fast registration",
		}),
		inlineTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "data_mapping_inline_total",
			Help:      "Requests mapped inline in the capsule",
		}),
		singleKeyTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "data_mapping_single_key_total",
			Help:      "Requests mapped with the device's single remote key",
		}),
		nullSGLTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "data_mapping_null_total",
			Help:      "Requests with no data payload",
		}),
		invalidateElided: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invalidate_elided_total",
			Help:      "Completions where the peer's remote invalidate made a local LOCAL_INV unnecessary",
		}),

		deviceRefcount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_refcount",
			Help:      "Device registry entry refcount",
		}, []string{"device_guid"}),

		errorRecoveryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "error_recovery_total",
			Help:      "Total times error recovery was kicked, by trigger",
		}, []string{"trigger"}),
	}

	reg.MustRegister(
		m.connectsTotal, m.connectDuration,
		m.reconnectsTotal, m.reconnectDuration,
		m.controllerState, m.activeQueues, m.capsuleRingInUse,
		m.submitTotal, m.submitDuration, m.completionsTotal,
		m.fastRegTotal, m.inlineTotal, m.singleKeyTotal, m.nullSGLTotal,
		m.invalidateElided, m.deviceRefcount, m.errorRecoveryTotal,
	)

	return m
}

// Handler returns an http.Handler suitable for exposing /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// RecordConnect records a controller connect attempt and, on success, its
// duration.
func (m *Metrics) RecordConnect(err error, d time.Duration) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.connectsTotal.WithLabelValues(status).Inc()
	if err == nil {
		m.connectDuration.Observe(d.Seconds())
	}
}

// RecordReconnect records a reconnect worker attempt.
func (m *Metrics) RecordReconnect(err error, d time.Duration) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.reconnectsTotal.WithLabelValues(status).Inc()
	if err == nil {
		m.reconnectDuration.Observe(d.Seconds())
	}
}

// SetControllerState records the current lifecycle state as a small integer.
func (m *Metrics) SetControllerState(controller string, state int) {
	m.controllerState.WithLabelValues(controller).Set(float64(state))
}

// SetActiveQueues records the number of connected queues for a controller.
func (m *Metrics) SetActiveQueues(controller string, n int) {
	m.activeQueues.WithLabelValues(controller).Set(float64(n))
}

// SetCapsuleRingInUse records outstanding capsule count for a queue.
func (m *Metrics) SetCapsuleRingInUse(controller, queue string, n int) {
	m.capsuleRingInUse.WithLabelValues(controller, queue).Set(float64(n))
}

// RecordSubmit records a submit() call outcome. Submit-to-completion
// latency is recorded separately, by ObserveSubmitToCompletion.
func (m *Metrics) RecordSubmit(result string) {
	m.submitTotal.WithLabelValues(result).Inc()
}

// ObserveSubmitToCompletion records the latency between submit and
// completion for one request.
func (m *Metrics) ObserveSubmitToCompletion(d time.Duration) {
	m.submitDuration.Observe(d.Seconds())
}

// RecordCompletion records a completion by NVMe status class ("success",
// "abort", "error").
func (m *Metrics) RecordCompletion(statusClass string) {
	m.completionsTotal.WithLabelValues(statusClass).Inc()
}

// RecordMapping records which data-mapping encoding a request used.
func (m *Metrics) RecordMapping(kind string) {
	switch kind {
	case "fast_reg":
		m.fastRegTotal.Inc()
	case "inline":
		m.inlineTotal.Inc()
	case "single_key":
		m.singleKeyTotal.Inc()
	case "null":
		m.nullSGLTotal.Inc()
	}
}

// RecordInvalidateElided records a peer remote-invalidate that made a local
// LOCAL_INV work request unnecessary.
func (m *Metrics) RecordInvalidateElided() {
	m.invalidateElided.Inc()
}

// SetDeviceRefcount records a device registry entry's current refcount.
func (m *Metrics) SetDeviceRefcount(guid string, n int) {
	m.deviceRefcount.WithLabelValues(guid).Set(float64(n))
}

// RecordErrorRecovery records that error recovery was kicked, and by what.
func (m *Metrics) RecordErrorRecovery(trigger string) {
	m.errorRecoveryTotal.WithLabelValues(trigger).Inc()
}
