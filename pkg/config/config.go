// Package config loads the settings shared by the autoscaler, health and heartbeat
// commands. Values come from defaults, then an optional YAML file (CONFIG_FILE), then
// environment variables. An invalid result is a startup error.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Scaler holds the autoscaler thresholds.
type Scaler struct {
	MinWorkers         int           `yaml:"min_workers" validate:"gte=0"`
	MaxWorkers         int           `yaml:"max_workers" validate:"gte=1,lte=65535,gtefield=MinWorkers"`
	ScaleUpThreshold   int64         `yaml:"scale_up_threshold" validate:"gtfield=ScaleDownThreshold"`
	ScaleDownThreshold int64         `yaml:"scale_down_threshold" validate:"gte=0"`
	ScaleStep          int           `yaml:"scale_step" validate:"gte=1"`
	ScaleDownSustain   time.Duration `yaml:"scale_down_sustain" validate:"gte=0"`
	Cooldown           time.Duration `yaml:"cooldown" validate:"gte=0"`
	PollInterval       time.Duration `yaml:"poll_interval" validate:"gt=0"`
	ResizeTimeout      time.Duration `yaml:"resize_timeout" validate:"gt=0"`
}

// Health holds the health monitor thresholds.
type Health struct {
	SampleSize         int           `yaml:"sample_size" validate:"gte=1"`
	Warmup             time.Duration `yaml:"warmup" validate:"gte=0"`
	DegradedErrorRate  float64       `yaml:"degraded_error_rate" validate:"gte=0,lte=1,ltefield=UnhealthyErrorRate"`
	UnhealthyErrorRate float64       `yaml:"unhealthy_error_rate" validate:"gte=0,lte=1"`
	MaxQueueDepth      int64         `yaml:"max_queue_depth" validate:"gte=0"`
	HeartbeatTTL       time.Duration `yaml:"heartbeat_ttl" validate:"gt=0"`
	ErrorCounterTTL    time.Duration `yaml:"error_counter_ttl" validate:"gt=0"`
	LowWorkerWarning   int           `yaml:"low_worker_warning" validate:"gte=0"`
	MetricsNamespace   string        `yaml:"metrics_namespace" validate:"required"`
	Instance           string        `yaml:"instance" validate:"required"`
}

// Redis is the shared store connection.
type Redis struct {
	Host     string `yaml:"host" validate:"required"`
	Port     string `yaml:"port" validate:"required"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
}

// Store selects the metrics store.
type Store struct {
	Backend   string `yaml:"backend" validate:"oneof=redis memory"`
	KeyPrefix string `yaml:"key_prefix" validate:"required"`
	Redis     Redis  `yaml:"redis"`
}

// Queue selects the queue stats provider.
type Queue struct {
	Backend           string `yaml:"backend" validate:"oneof=redis temporal"`
	Key               string `yaml:"key" validate:"required_if=Backend redis"`
	TemporalHostPort  string `yaml:"temporal_hostport" validate:"required_if=Backend temporal"`
	TemporalNamespace string `yaml:"temporal_namespace" validate:"required_if=Backend temporal"`
	TemporalTaskQueue string `yaml:"temporal_task_queue" validate:"required_if=Backend temporal"`
}

// Controller selects how the worker pool is resized.
type Controller struct {
	Kind          string `yaml:"kind" validate:"oneof=fake k8s exec"`
	Namespace     string `yaml:"namespace" validate:"required_if=Kind k8s"`
	Deployment    string `yaml:"deployment" validate:"required_if=Kind k8s"`
	ResizeCommand string `yaml:"resize_command" validate:"required_if=Kind exec"`
	CountCommand  string `yaml:"count_command"`
}

// Events configures where scale events go besides the log.
type Events struct {
	Redis              bool   `yaml:"redis"`
	ClickHouseAddr     string `yaml:"clickhouse_addr"`
	ClickHouseDatabase string `yaml:"clickhouse_database"`
	ClickHouseUser     string `yaml:"clickhouse_user"`
	ClickHousePassword string `yaml:"clickhouse_password"`
	ClickHouseTable    string `yaml:"clickhouse_table"`
}

// Heartbeat configures the heartbeat sidecar.
type Heartbeat struct {
	WorkerID string        `yaml:"worker_id"`
	Interval time.Duration `yaml:"interval" validate:"gt=0"`
}

// Config is the full configuration.
type Config struct {
	Scaler     Scaler     `yaml:"scaler"`
	Health     Health     `yaml:"health"`
	Store      Store      `yaml:"store"`
	Queue      Queue      `yaml:"queue"`
	Controller Controller `yaml:"controller"`
	Events     Events     `yaml:"events"`
	Heartbeat  Heartbeat  `yaml:"heartbeat"`
	Addr       string     `yaml:"addr" validate:"required"`
}

// Default returns the built-in defaults.
func Default() Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "local"
	}
	return Config{
		Scaler: Scaler{
			MinWorkers:         2,
			MaxWorkers:         10,
			ScaleUpThreshold:   50,
			ScaleDownThreshold: 10,
			ScaleStep:          2,
			ScaleDownSustain:   300 * time.Second,
			Cooldown:           60 * time.Second,
			PollInterval:       30 * time.Second,
			ResizeTimeout:      25 * time.Second,
		},
		Health: Health{
			SampleSize:         100,
			Warmup:             60 * time.Second,
			DegradedErrorRate:  0.05,
			UnhealthyErrorRate: 0.20,
			MaxQueueDepth:      100,
			HeartbeatTTL:       120 * time.Second,
			ErrorCounterTTL:    2 * time.Minute,
			LowWorkerWarning:   2,
			MetricsNamespace:   "worker_pool",
			Instance:           host,
		},
		Store: Store{
			Backend:   "redis",
			KeyPrefix: "health",
			Redis:     Redis{Host: "localhost", Port: "6379"},
		},
		Queue: Queue{
			Backend:           "redis",
			Key:               "queue:jobs",
			TemporalNamespace: "default",
		},
		Controller: Controller{Kind: "fake"},
		Heartbeat:  Heartbeat{WorkerID: host, Interval: 30 * time.Second},
		Addr:       ":3002",
	}
}

// Load builds the configuration from defaults, CONFIG_FILE and the environment.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every section. All violations are reported together.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	errs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		errs = append(errs, fmt.Errorf("%s: failed %q (%s)", fe.Namespace(), fe.Tag(), fe.Param()))
	}
	return fmt.Errorf("invalid config: %w", errors.Join(errs...))
}
