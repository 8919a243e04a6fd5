// Package metrics provides Prometheus instrumentation for contauthd.
package metrics

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "contauth"

// ScoreBuckets cover the practical score range; the hard ceiling is 10.
var ScoreBuckets = []float64{0.25, 0.5, 1, 1.5, 2.2, 3, 3.5, 5, 7.5, 10}

// Config controls the metrics endpoint.
type Config struct {
	Enabled bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Path    string `toml:"path" json:"path" yaml:"path"`
	// DBStatsIntervalSec is how often database pool stats are sampled.
	DBStatsIntervalSec int `toml:"db_stats_interval_sec" json:"db_stats_interval_sec" yaml:"db_stats_interval_sec"`
}

// DefaultConfig returns metrics enabled on /metrics.
func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		Path:               "/metrics",
		DBStatsIntervalSec: 15,
	}
}

// Metrics holds every collector exported by the daemon.
type Metrics struct {
	registry *prometheus.Registry

	SessionsStarted *prometheus.CounterVec
	SessionsEnded   *prometheus.CounterVec
	ActiveSessions  prometheus.Gauge

	EventsTotal   *prometheus.CounterVec
	EventsDropped prometheus.Counter
	WindowsTotal  prometheus.Counter
	TickDuration  prometheus.Histogram

	AnomalyScore    prometheus.Histogram
	AnomaliesTotal  *prometheus.CounterVec
	ReauthRequired  prometheus.Counter
	ReauthOutcomes  *prometheus.CounterVec
	TrustLevel      prometheus.Histogram
	BiometricOps    *prometheus.CounterVec
	BiometricTiming *prometheus.HistogramVec

	NotifyPublished *prometheus.CounterVec

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	WebSocketClients    prometheus.Gauge

	DBOpenConnections  prometheus.Gauge
	DBInUseConnections prometheus.Gauge
	DBWaitCount        prometheus.Gauge
	GoroutineCount     prometheus.Gauge
}

// New creates the collectors and registers them, together with the Go and
// process collectors, on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,

		SessionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Sessions started, by initial authentication method.",
		}, []string{"method"}),
		SessionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Sessions ended, by reason.",
		}, []string{"reason"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of sessions currently being monitored.",
		}),

		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "input_events_total",
			Help:      "Raw input events received, by kind.",
		}, []string{"kind"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "input_events_dropped_total",
			Help:      "Raw input events discarded as malformed.",
		}),
		WindowsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "windows_total",
			Help:      "Telemetry windows closed and scored.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Time to tick every active session once.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}),

		AnomalyScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "anomaly_score",
			Help:      "Distribution of per-window anomaly scores.",
			Buckets:   ScoreBuckets,
		}),
		AnomaliesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_total",
			Help:      "Logged anomalies, by severity and dominant feature.",
		}, []string{"severity", "feature"}),
		ReauthRequired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reauth_required_total",
			Help:      "Re-authentication requests raised.",
		}),
		ReauthOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reauth_outcomes_total",
			Help:      "Re-authentication attempts, by method and outcome.",
		}, []string{"method", "outcome"}),
		TrustLevel: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "trust_level",
			Help:      "Distribution of per-window session trust levels.",
			Buckets:   []float64{40, 50, 60, 70, 80, 90, 95, 100},
		}),
		BiometricOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "biometric_operations_total",
			Help:      "Biometric enroll and verify calls, by modality and result.",
		}, []string{"op", "modality", "result"}),
		BiometricTiming: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "biometric_duration_seconds",
			Help:      "Biometric operation latency including capture.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"op", "modality"}),

		NotifyPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notify_published_total",
			Help:      "Events published to the message bus, by channel and result.",
		}, []string{"channel", "result"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route template and status class.",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		WebSocketClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_clients",
			Help:      "Connected telemetry stream clients.",
		}),

		DBOpenConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_open_connections",
			Help:      "Open database connections.",
		}),
		DBInUseConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_in_use_connections",
			Help:      "Database connections currently in use.",
		}),
		DBWaitCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_wait_count",
			Help:      "Total number of waits for a database connection.",
		}),
		GoroutineCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines",
			Help:      "Number of running goroutines.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.SessionsStarted, m.SessionsEnded, m.ActiveSessions,
		m.EventsTotal, m.EventsDropped, m.WindowsTotal, m.TickDuration,
		m.AnomalyScore, m.AnomaliesTotal, m.ReauthRequired, m.ReauthOutcomes, m.TrustLevel,
		m.BiometricOps, m.BiometricTiming,
		m.NotifyPublished,
		m.HTTPRequestsTotal, m.HTTPRequestDuration, m.WebSocketClients,
		m.DBOpenConnections, m.DBInUseConnections, m.DBWaitCount, m.GoroutineCount,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SessionStarted records a new monitored session.
func (m *Metrics) SessionStarted(method string) {
	m.SessionsStarted.WithLabelValues(method).Inc()
	m.ActiveSessions.Inc()
}

// SessionEnded records the end of a monitored session.
func (m *Metrics) SessionEnded(reason string) {
	m.SessionsEnded.WithLabelValues(reason).Inc()
	m.ActiveSessions.Dec()
}

// RecordEvent counts one raw input event.
func (m *Metrics) RecordEvent(kind string, accepted bool) {
	if !accepted {
		m.EventsDropped.Inc()
		return
	}
	m.EventsTotal.WithLabelValues(kind).Inc()
}

// RecordWindow records the outcome of one scored window.
func (m *Metrics) RecordWindow(score float64, severity, feature string, trust int) {
	m.WindowsTotal.Inc()
	m.AnomalyScore.Observe(score)
	m.TrustLevel.Observe(float64(trust))
	if severity != "" && severity != "none" {
		m.AnomaliesTotal.WithLabelValues(severity, feature).Inc()
	}
}

// RecordReauthRequired counts one edge into the pending re-auth state.
func (m *Metrics) RecordReauthRequired() {
	m.ReauthRequired.Inc()
}

// RecordReauth records a re-authentication outcome such as "cleared",
// "failed" or "cancelled".
func (m *Metrics) RecordReauth(method, outcome string) {
	m.ReauthOutcomes.WithLabelValues(method, outcome).Inc()
}

// ObserveTick records how long one tick over all sessions took.
func (m *Metrics) ObserveTick(d time.Duration) {
	m.TickDuration.Observe(d.Seconds())
}

// RecordBiometric records one biometric call.
func (m *Metrics) RecordBiometric(op, modality, result string, d time.Duration) {
	m.BiometricOps.WithLabelValues(op, modality, result).Inc()
	m.BiometricTiming.WithLabelValues(op, modality).Observe(d.Seconds())
}

// RecordPublish records one message bus publish. result is "ok", "error"
// or "dropped".
func (m *Metrics) RecordPublish(channel, result string) {
	m.NotifyPublished.WithLabelValues(channel, result).Inc()
}

// StartDBStatsCollector periodically samples sql.DBStats into gauges until
// ctx is done.
func (m *Metrics) StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			m.DBOpenConnections.Set(float64(stats.OpenConnections))
			m.DBInUseConnections.Set(float64(stats.InUse))
			m.DBWaitCount.Set(float64(stats.WaitCount))
			m.GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware records request count and latency keyed by the matched route
// template, not the raw path, to keep label cardinality bounded.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := "unmatched"
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				path = tpl
			}
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		m.HTTPRequestsTotal.WithLabelValues(r.Method, path, statusBucket(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
