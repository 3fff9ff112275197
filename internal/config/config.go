// Package config loads coordinator and worker configuration from YAML
// files with environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Coordinator holds the coordinator process configuration.
type Coordinator struct {
	NATSURL    string `mapstructure:"nats_url"`
	SourcePath string `mapstructure:"source_path"`

	TargetChunks int `mapstructure:"target_chunks"`
	MaxAttempts  int `mapstructure:"max_attempts"`

	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	SuspectTimeout time.Duration `mapstructure:"suspect_timeout"`
	DeadTimeout    time.Duration `mapstructure:"dead_timeout"`

	DispatchInterval     time.Duration `mapstructure:"dispatch_interval"`
	MaxInflightPerWorker int           `mapstructure:"max_inflight_per_worker"`

	WindowSize         time.Duration `mapstructure:"window_size"`
	ErrorRateThreshold float64       `mapstructure:"error_rate_threshold"`

	HistoryPath      string        `mapstructure:"history_path"`
	HistoryRetention time.Duration `mapstructure:"history_retention"`
	SummarySchedule  string        `mapstructure:"summary_schedule"`
	CleanupSchedule  string        `mapstructure:"cleanup_schedule"`
}

// Worker holds the worker process configuration.
type Worker struct {
	NATSURL  string `mapstructure:"nats_url"`
	WorkerID string `mapstructure:"worker_id"`

	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	WindowSize        time.Duration `mapstructure:"window_size"`

	SubmitMaxAttempts    int           `mapstructure:"submit_max_attempts"`
	SubmitInitialBackoff time.Duration `mapstructure:"submit_initial_backoff"`
	SubmitMaxBackoff     time.Duration `mapstructure:"submit_max_backoff"`
}

func newViper(configFile string) *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix("LOGFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadCoordinator reads coordinator configuration. configFile may be
// empty, in which case ./config/coordinator.yaml is used.
func LoadCoordinator(configFile string) (*Coordinator, error) {
	v := newViper(configFile)
	if configFile == "" {
		v.SetConfigName("coordinator")
	}

	v.SetDefault("nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("target_chunks", 8)
	v.SetDefault("max_attempts", 3)
	v.SetDefault("sweep_interval", 10*time.Second)
	v.SetDefault("suspect_timeout", 30*time.Second)
	v.SetDefault("dead_timeout", time.Minute)
	v.SetDefault("dispatch_interval", 500*time.Millisecond)
	v.SetDefault("max_inflight_per_worker", 2)
	v.SetDefault("window_size", time.Minute)
	v.SetDefault("error_rate_threshold", 0.5)
	v.SetDefault("history_path", "chunk_history.db")
	v.SetDefault("history_retention", 24*time.Hour)
	v.SetDefault("summary_schedule", "*/30 * * * * *")
	v.SetDefault("cleanup_schedule", "0 0 * * * *")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Coordinator
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Coordinator) validate() error {
	if c.SourcePath == "" {
		return fmt.Errorf("source_path is required")
	}
	if c.SuspectTimeout >= c.DeadTimeout {
		return fmt.Errorf("suspect_timeout (%s) must be shorter than dead_timeout (%s)",
			c.SuspectTimeout, c.DeadTimeout)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive")
	}
	if c.TargetChunks <= 0 {
		return fmt.Errorf("target_chunks must be positive")
	}
	return nil
}

// LoadWorker reads worker configuration. configFile may be empty, in
// which case ./config/worker.yaml is used.
func LoadWorker(configFile string) (*Worker, error) {
	v := newViper(configFile)
	if configFile == "" {
		v.SetConfigName("worker")
	}

	v.SetDefault("nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("heartbeat_interval", 10*time.Second)
	v.SetDefault("window_size", time.Minute)
	v.SetDefault("submit_max_attempts", 5)
	v.SetDefault("submit_initial_backoff", 500*time.Millisecond)
	v.SetDefault("submit_max_backoff", 10*time.Second)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Worker
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}
