// Package config loads and persists agentpool's on-disk configuration: the
// pool sizing/scaling policy and the per-worker resource limits. It mirrors
// the defaults documented in the pool and worker packages so a config file
// is optional: DefaultConfig() alone is enough to run.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const ConfigFileName = "config.json"

// Config is the on-disk shape of agentpool's tunables. Durations are
// expressed in milliseconds so the struct round-trips through JSON exactly.
type Config struct {
	MinWorkers            int `json:"min_workers"`
	MaxWorkers            int `json:"max_workers"`
	InitialWorkers        int `json:"initial_workers"`
	ScaleUpStep           int `json:"scale_up_step"`
	ScaleDownStep         int `json:"scale_down_step"`
	CooldownPeriodMs      int `json:"cooldown_period_ms"`
	HealthCheckIntervalMs int `json:"health_check_interval_ms"`
	DispatchIntervalMs    int `json:"dispatch_interval_ms"`
	IdleTimeoutMs         int `json:"idle_timeout_ms"`
	TaskTimeoutMs         int `json:"task_timeout_ms"`
	MaxTaskRetries        int `json:"max_task_retries"`

	ScaleUpThreshold   float64 `json:"scale_up_threshold"`
	ScaleDownThreshold float64 `json:"scale_down_threshold"`

	WorkerMemoryLimitMB  int    `json:"worker_memory_limit_mb"`
	WorkerCPULimit       int    `json:"worker_cpu_limit_percent"`
	WorkerReadyTimeoutMs int    `json:"worker_ready_timeout_ms"`
	WorkerBaseDir        string `json:"worker_base_dir"`
	LaunchMode           string `json:"launch_mode"` // "pipe" or "pty"
}

// DefaultConfig returns the built-in pool and worker defaults.
func DefaultConfig() *Config {
	return &Config{
		MinWorkers:            2,
		MaxWorkers:            10,
		InitialWorkers:        2,
		ScaleUpStep:           1,
		ScaleDownStep:         1,
		CooldownPeriodMs:      60_000,
		HealthCheckIntervalMs: 10_000,
		DispatchIntervalMs:    100,
		IdleTimeoutMs:         60_000,
		TaskTimeoutMs:         5 * 60_000,
		MaxTaskRetries:        3,
		ScaleUpThreshold:      0.8,
		ScaleDownThreshold:    0.2,
		WorkerMemoryLimitMB:   512,
		WorkerCPULimit:        80,
		WorkerReadyTimeoutMs:  60 * 60_000,
		WorkerBaseDir:         ".agent-workers",
		LaunchMode:            "pipe",
	}
}

// GetConfigDir returns the directory agentpool stores its config file in.
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config home directory: %w", err)
	}
	return filepath.Join(homeDir, ".agentpool"), nil
}

// Load reads the config file from the config directory, falling back to
// DefaultConfig() if it does not exist.
func Load() (*Config, error) {
	dir, err := GetConfigDir()
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, ConfigFileName)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Save persists cfg to the config directory, creating it if necessary, and
// writes atomically so a crash mid-write cannot corrupt the existing file.
func Save(cfg *Config) error {
	dir, err := GetConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	path := filepath.Join(dir, ConfigFileName)
	return atomicWriteFile(path, data, 0644)
}
