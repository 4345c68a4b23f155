// Package metrics exposes Prometheus collectors for sync sessions and the
// wire protocol.
//
// Collectors are registered on a private registry so several engines can
// run in one process (tests do) without clashing on the default registry.
// Session metrics are fed by controller observers; HTTP metrics by the
// transport middleware.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/peersync/internal/engine"
	"github.com/roach88/peersync/internal/ir"
)

const namespace = "peersync"

// Collectors holds every metric the process exports.
type Collectors struct {
	registry *prometheus.Registry

	// TRAFFIC
	TransfersTotal     *prometheus.CounterVec
	RecordsTransferred *prometheus.CounterVec
	HTTPRequestsTotal  *prometheus.CounterVec

	// LATENCY
	HTTPRequestDuration *prometheus.HistogramVec

	// ERRORS
	StageErrorsTotal *prometheus.CounterVec

	// Merge outcomes and stage progress
	StagesCompleted *prometheus.CounterVec
	MergeOutcomes   *prometheus.CounterVec
	Deserialized    *prometheus.CounterVec
}

// New creates the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Collectors {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Collectors{
		registry: reg,

		TransfersTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "Transfer sessions that reached a terminal stage",
		}, []string{"direction", "role", "result"}),

		RecordsTransferred: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_transferred_total",
			Help:      "Records moved through the transferring stage",
		}, []string{"direction", "role"}),

		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Wire protocol requests served",
		}, []string{"method", "route", "status_code"}),

		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Wire protocol request duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		}, []string{"method", "route"}),

		StageErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_errors_total",
			Help:      "Stage failures by error code",
		}, []string{"stage", "code"}),

		StagesCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stages_completed_total",
			Help:      "Completed transfer stages",
		}, []string{"stage", "direction", "role"}),

		MergeOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merge_outcomes_total",
			Help:      "Incoming records by merge outcome",
		}, []string{"outcome"}),

		Deserialized: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deserialized_records_total",
			Help:      "Records handed to the host application",
		}, []string{"result"}),
	}
}

// Registry returns the registry holding the collectors.
func (c *Collectors) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Observe attaches the session collectors to ctrl.
func (c *Collectors) Observe(ctrl *engine.Controller) {
	ctrl.On(engine.EventStageCompleted, c.stageCompleted)
	ctrl.On(engine.EventStageErrored, c.stageErrored)
}

func (c *Collectors) stageCompleted(ev engine.Event) {
	dir, role := string(ev.Direction), roleOf(ev)
	c.StagesCompleted.WithLabelValues(ev.Stage.String(), dir, role).Inc()

	switch ev.Stage {
	case ir.StageTransferring:
		c.RecordsTransferred.WithLabelValues(dir, role).Add(float64(ev.RecordsTransferred))
	case ir.StageDequeuing:
		c.MergeOutcomes.WithLabelValues("new").Add(float64(ev.Stats.New))
		c.MergeOutcomes.WithLabelValues("fast_forward").Add(float64(ev.Stats.FastForward))
		c.MergeOutcomes.WithLabelValues("already_have").Add(float64(ev.Stats.AlreadyHave))
		c.MergeOutcomes.WithLabelValues("conflict").Add(float64(ev.Stats.Conflict))
	case ir.StageDeserializing:
		c.Deserialized.WithLabelValues("applied").Add(float64(ev.Stats.Deserialized))
		c.Deserialized.WithLabelValues("failed").Add(float64(ev.Stats.DeserializeFailures))
	case ir.StageCleanup:
		c.TransfersTotal.WithLabelValues(dir, role, "completed").Inc()
	}
}

func (c *Collectors) stageErrored(ev engine.Event) {
	code := string(ir.CodeOf(ev.Err))
	if code == "" {
		code = "UNKNOWN"
	}
	c.StageErrorsTotal.WithLabelValues(ev.Stage.String(), code).Inc()
	if ev.Stage == ir.StageErrored {
		c.TransfersTotal.WithLabelValues(string(ev.Direction), roleOf(ev), "aborted").Inc()
	}
}

// ObserveRequest records one served wire request.
func (c *Collectors) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	c.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.HTTPRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func roleOf(ev engine.Event) string {
	if ev.IsServer {
		return "server"
	}
	return "client"
}
