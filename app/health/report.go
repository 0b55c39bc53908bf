package health

import (
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/canopy-network/poolscaler/pkg/config"
)

// Status is the classified health of the service.
type Status string

const (
	StatusWarmingUp Status = "warming_up"
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Metrics are the observed values a Report is classified from.
type Metrics struct {
	ErrorRate         float64 `json:"error_rate"`
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
	QueueDepth        int64   `json:"queue_depth"`
	ActiveWorkers     int     `json:"active_workers"`
	ErrorsLastMinute  int64   `json:"errors_last_minute"`
	SampleCount       int     `json:"sample_count"`
}

// Thresholds echoes the configuration the status was computed against.
type Thresholds struct {
	WarmupSeconds       float64 `json:"warmup_seconds"`
	DegradedErrorRate   float64 `json:"degraded_error_rate"`
	UnhealthyErrorRate  float64 `json:"unhealthy_error_rate"`
	MaxQueueDepth       int64   `json:"max_queue_depth"`
	HeartbeatTTLSeconds float64 `json:"heartbeat_ttl_seconds"`
	SampleSize          int     `json:"sample_size"`
}

// Report is the result of one health check. It is computed fresh on every call.
type Report struct {
	Status          Status     `json:"status"`
	Timestamp       time.Time  `json:"timestamp"`
	UptimeSeconds   float64    `json:"uptime_seconds"`
	IsWarmingUp     bool       `json:"is_warming_up"`
	Metrics         Metrics    `json:"metrics"`
	Thresholds      Thresholds `json:"thresholds"`
	CheckDurationMs float64    `json:"check_duration_ms"`
	Warnings        []string   `json:"warnings,omitempty"`
}

// HTTPStatus maps the status for load balancers: only unhealthy is rejected.
func (r Report) HTTPStatus() int {
	if r.Status == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

// observation is what a check gathered, before rounding.
type observation struct {
	uptime        time.Duration
	samples       int
	failures      int
	totalDuration float64
	queueDepth    int64
	activeWorkers int
	errorsMinute  int64

	storeErr error
	queueErr error
}

func (o observation) errorRate() float64 {
	if o.samples == 0 {
		return 0
	}
	return float64(o.failures) / float64(o.samples)
}

func (o observation) avgResponseSeconds() float64 {
	if o.samples == 0 {
		return 0
	}
	return o.totalDuration / float64(o.samples)
}

// classify applies the status rules in priority order; the first match wins.
func classify(o observation, cfg config.Health) Status {
	rate := o.errorRate()
	switch {
	case o.storeErr != nil:
		return StatusUnhealthy
	case o.uptime < cfg.Warmup:
		return StatusWarmingUp
	case o.activeWorkers == 0:
		return StatusUnhealthy
	case rate >= cfg.UnhealthyErrorRate:
		return StatusUnhealthy
	case rate >= cfg.DegradedErrorRate || o.queueDepth > cfg.MaxQueueDepth:
		return StatusDegraded
	case o.queueErr != nil:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// warnings lists every breached threshold. Diagnostic only.
func warnings(status Status, o observation, cfg config.Health) []string {
	if status != StatusDegraded && status != StatusUnhealthy {
		return nil
	}
	var out []string
	if o.storeErr != nil {
		out = append(out, fmt.Sprintf("metrics store unreachable: %v", o.storeErr))
	}
	if rate := o.errorRate(); rate >= cfg.DegradedErrorRate {
		out = append(out, fmt.Sprintf("high error rate: %.1f%% (degraded at %.1f%%, unhealthy at %.1f%%)",
			rate*100, cfg.DegradedErrorRate*100, cfg.UnhealthyErrorRate*100))
	}
	if o.queueErr != nil {
		out = append(out, fmt.Sprintf("queue depth unavailable: %v", o.queueErr))
	} else if o.queueDepth > cfg.MaxQueueDepth {
		out = append(out, fmt.Sprintf("high queue depth: %d jobs (limit %d)", o.queueDepth, cfg.MaxQueueDepth))
	}
	if o.storeErr == nil && o.activeWorkers < cfg.LowWorkerWarning {
		out = append(out, fmt.Sprintf("low worker count: %d active (want at least %d)", o.activeWorkers, cfg.LowWorkerWarning))
	}
	return out
}

func thresholdsOf(cfg config.Health) Thresholds {
	return Thresholds{
		WarmupSeconds:       cfg.Warmup.Seconds(),
		DegradedErrorRate:   cfg.DegradedErrorRate,
		UnhealthyErrorRate:  cfg.UnhealthyErrorRate,
		MaxQueueDepth:       cfg.MaxQueueDepth,
		HeartbeatTTLSeconds: cfg.HeartbeatTTL.Seconds(),
		SampleSize:          cfg.SampleSize,
	}
}

// round is shared by the JSON report and the gauge export so both print the same numbers.
func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
