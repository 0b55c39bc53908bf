package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// envReader overrides fields from environment variables and collects parse errors, so a
// typo fails startup instead of silently falling back to a default.
type envReader struct {
	errs []error
}

func (r *envReader) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (r *envReader) strVar(key string, dst *string) {
	if v, ok := r.lookup(key); ok {
		*dst = v
	}
}

func (r *envReader) intVar(key string, dst *int) {
	if v, ok := r.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s: %q is not an integer", key, v))
			return
		}
		*dst = n
	}
}

func (r *envReader) int64Var(key string, dst *int64) {
	if v, ok := r.lookup(key); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s: %q is not an integer", key, v))
			return
		}
		*dst = n
	}
}

func (r *envReader) floatVar(key string, dst *float64) {
	if v, ok := r.lookup(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s: %q is not a number", key, v))
			return
		}
		*dst = f
	}
}

func (r *envReader) boolVar(key string, dst *bool) {
	if v, ok := r.lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s: %q is not a boolean", key, v))
			return
		}
		*dst = b
	}
}

// durationVar accepts Go durations ("5m") and bare integers, read as seconds.
func (r *envReader) durationVar(key string, dst *time.Duration) {
	v, ok := r.lookup(key)
	if !ok {
		return
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		*dst = time.Duration(n) * time.Second
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %q is not a duration", key, v))
		return
	}
	*dst = d
}

func (c *Config) applyEnv() error {
	r := &envReader{}

	r.intVar("SCALER_MIN_WORKERS", &c.Scaler.MinWorkers)
	r.intVar("SCALER_MAX_WORKERS", &c.Scaler.MaxWorkers)
	r.int64Var("SCALER_SCALE_UP_THRESHOLD", &c.Scaler.ScaleUpThreshold)
	r.int64Var("SCALER_SCALE_DOWN_THRESHOLD", &c.Scaler.ScaleDownThreshold)
	r.intVar("SCALER_SCALE_STEP", &c.Scaler.ScaleStep)
	r.durationVar("SCALER_SCALE_DOWN_SUSTAIN", &c.Scaler.ScaleDownSustain)
	r.durationVar("SCALER_COOLDOWN", &c.Scaler.Cooldown)
	r.durationVar("SCALER_POLL_INTERVAL", &c.Scaler.PollInterval)
	r.durationVar("SCALER_RESIZE_TIMEOUT", &c.Scaler.ResizeTimeout)

	r.intVar("HEALTH_SAMPLE_SIZE", &c.Health.SampleSize)
	r.durationVar("HEALTH_WARMUP", &c.Health.Warmup)
	r.floatVar("HEALTH_DEGRADED_ERROR_RATE", &c.Health.DegradedErrorRate)
	r.floatVar("HEALTH_UNHEALTHY_ERROR_RATE", &c.Health.UnhealthyErrorRate)
	r.int64Var("HEALTH_MAX_QUEUE_DEPTH", &c.Health.MaxQueueDepth)
	r.durationVar("HEALTH_HEARTBEAT_TTL", &c.Health.HeartbeatTTL)
	r.durationVar("HEALTH_ERROR_COUNTER_TTL", &c.Health.ErrorCounterTTL)
	r.intVar("HEALTH_LOW_WORKER_WARNING", &c.Health.LowWorkerWarning)
	r.strVar("HEALTH_METRICS_NAMESPACE", &c.Health.MetricsNamespace)
	r.strVar("HEALTH_INSTANCE", &c.Health.Instance)

	r.strVar("METRICS_STORE", &c.Store.Backend)
	r.strVar("METRICS_KEY_PREFIX", &c.Store.KeyPrefix)
	r.strVar("REDIS_HOST", &c.Store.Redis.Host)
	r.strVar("REDIS_PORT", &c.Store.Redis.Port)
	r.strVar("REDIS_PASSWORD", &c.Store.Redis.Password)
	r.intVar("REDIS_DB", &c.Store.Redis.DB)

	r.strVar("QUEUE_BACKEND", &c.Queue.Backend)
	r.strVar("QUEUE_KEY", &c.Queue.Key)
	r.strVar("TEMPORAL_HOSTPORT", &c.Queue.TemporalHostPort)
	r.strVar("TEMPORAL_NAMESPACE", &c.Queue.TemporalNamespace)
	r.strVar("TEMPORAL_TASK_QUEUE", &c.Queue.TemporalTaskQueue)

	r.strVar("POOL_CONTROLLER", &c.Controller.Kind)
	r.strVar("K8S_NAMESPACE", &c.Controller.Namespace)
	r.strVar("WORKER_DEPLOYMENT", &c.Controller.Deployment)
	r.strVar("RESIZE_COMMAND", &c.Controller.ResizeCommand)
	r.strVar("COUNT_COMMAND", &c.Controller.CountCommand)

	r.boolVar("EVENTS_REDIS", &c.Events.Redis)
	r.strVar("CLICKHOUSE_ADDR", &c.Events.ClickHouseAddr)
	r.strVar("CLICKHOUSE_DATABASE", &c.Events.ClickHouseDatabase)
	r.strVar("CLICKHOUSE_USER", &c.Events.ClickHouseUser)
	r.strVar("CLICKHOUSE_PASSWORD", &c.Events.ClickHousePassword)
	r.strVar("CLICKHOUSE_TABLE", &c.Events.ClickHouseTable)

	r.strVar("WORKER_ID", &c.Heartbeat.WorkerID)
	r.durationVar("HEARTBEAT_INTERVAL", &c.Heartbeat.Interval)

	r.strVar("ADDR", &c.Addr)

	return errors.Join(r.errs...)
}
