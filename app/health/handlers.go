package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Handler serves the monitor over HTTP.
type Handler struct {
	monitor *Monitor
	logger  *zap.Logger
}

func NewHandler(m *Monitor, logger *zap.Logger) *Handler {
	return &Handler{monitor: m, logger: logger}
}

// Register mounts the health routes on r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/health", h.HandleHealth).Methods("GET")
	r.HandleFunc("/samples", h.HandleRecordSample).Methods("POST")
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }).Methods("GET")
	r.HandleFunc("/readyz", h.HandleReady).Methods("GET")
}

// HandleHealth returns the JSON report, or gauges when format=prometheus.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	report := h.monitor.Check(r.Context())

	if r.URL.Query().Get("format") == "prometheus" {
		h.writeGauges(w, r, report)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(report.HTTPStatus())
	if err := json.NewEncoder(w).Encode(report); err != nil {
		h.logger.Debug("write health report", zap.Error(err))
	}
}

// writeGauges exposes the report through a registry built for this request only, so the
// scrape always matches the JSON a concurrent caller would see for the same check.
func (h *Handler) writeGauges(w http.ResponseWriter, r *http.Request, report Report) {
	ns := h.monitor.cfg.MetricsNamespace
	reg := prometheus.NewRegistry()

	gauge := func(name, help string, v float64) {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: name, Help: help})
		g.Set(v)
		reg.MustRegister(g)
	}
	gauge("error_rate", "Failed share of the recent request window.", report.Metrics.ErrorRate)
	gauge("avg_response_time_ms", "Mean request duration over the recent window in milliseconds.", report.Metrics.AvgResponseTimeMs)
	gauge("queue_depth", "Jobs waiting in the queue.", float64(report.Metrics.QueueDepth))
	gauge("active_workers", "Workers with a fresh heartbeat.", float64(report.Metrics.ActiveWorkers))
	gauge("errors_last_minute", "Failed requests in the current minute.", float64(report.Metrics.ErrorsLastMinute))
	gauge("uptime_seconds", "Seconds since the monitor started.", report.UptimeSeconds)

	status := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "health_status",
		Help:      "1 for the current health status.",
	}, []string{"status"})
	for _, s := range []Status{StatusWarmingUp, StatusHealthy, StatusDegraded, StatusUnhealthy} {
		v := 0.0
		if s == report.Status {
			v = 1
		}
		status.WithLabelValues(string(s)).Set(v)
	}
	reg.MustRegister(status)

	promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

// HandleReady fails when the metrics store cannot be reached.
func (h *Handler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.monitor.Ping(ctx); err != nil {
		h.logger.Warn("readiness: metrics store unreachable", zap.Error(err))
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type sampleRequest struct {
	Success    *bool   `json:"success"`
	DurationMs float64 `json:"duration_ms"`
}

// HandleRecordSample lets services that cannot embed Middleware report an outcome.
func (h *Handler) HandleRecordSample(w http.ResponseWriter, r *http.Request) {
	var req sampleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Success == nil || req.DurationMs < 0 {
		http.Error(w, `expected {"success": bool, "duration_ms": number >= 0}`, http.StatusBadRequest)
		return
	}
	h.monitor.RecordRequest(r.Context(), *req.Success, time.Duration(req.DurationMs*float64(time.Millisecond)))
	w.WriteHeader(http.StatusAccepted)
}

// Middleware records every request that passes through next. Responses below 500 count
// as successes.
func (m *Monitor) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := m.clock.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.RecordRequest(context.WithoutCancel(r.Context()), rec.status < http.StatusInternalServerError, m.clock.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.wroteHeader = true
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }
