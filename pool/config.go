package pool

import (
	"time"

	appconfig "github.com/foundryhq/agentpool/config"

	"github.com/foundryhq/agentpool/internal/worker"
)

// Config is the pool's sizing/scaling/timing policy plus the
// per-worker resource limits and the command used to spawn each worker's
// persistent child process. The concrete child program is out of scope for
// this package; callers must supply one that speaks the IPC
// protocol.
type Config struct {
	MinWorkers          int
	MaxWorkers          int
	InitialWorkers      int
	ScaleUpThreshold    float64
	ScaleDownThreshold  float64
	ScaleUpStep         int
	ScaleDownStep       int
	CooldownPeriod      time.Duration
	HealthCheckInterval time.Duration
	DispatchInterval    time.Duration
	IdleTimeout         time.Duration
	TaskTimeout         time.Duration
	MaxTaskRetries      int

	WorkerMemoryLimitMB int
	WorkerCPULimit      int
	WorkerReadyTimeout  time.Duration
	WorkerBaseDir       string
	WorkerLaunchMode    string // "pipe" or "pty"

	ChildCommand string
	ChildArgs    []string

	// WorkerLauncher overrides the launch strategy selected by
	// WorkerLaunchMode; tests inject an in-memory launcher here.
	WorkerLauncher worker.Launcher
}

// DefaultConfig returns the standard pool defaults.
func DefaultConfig() Config {
	return Config{
		MinWorkers:          2,
		MaxWorkers:          10,
		InitialWorkers:      2,
		ScaleUpThreshold:    0.8,
		ScaleDownThreshold:  0.2,
		ScaleUpStep:         1,
		ScaleDownStep:       1,
		CooldownPeriod:      60 * time.Second,
		HealthCheckInterval: 10 * time.Second,
		DispatchInterval:    100 * time.Millisecond,
		IdleTimeout:         60 * time.Second,
		TaskTimeout:         5 * time.Minute,
		MaxTaskRetries:      3,
		WorkerMemoryLimitMB: 512,
		WorkerCPULimit:      80,
		WorkerReadyTimeout:  time.Hour,
		WorkerBaseDir:       ".agent-workers",
		WorkerLaunchMode:    "pipe",
	}
}

// FromFileConfig converts an on-disk config.Config (milliseconds-based)
// into a pool.Config (time.Duration-based).
func FromFileConfig(c *appconfig.Config, childCommand string, childArgs []string) Config {
	return Config{
		MinWorkers:          c.MinWorkers,
		MaxWorkers:          c.MaxWorkers,
		InitialWorkers:      c.InitialWorkers,
		ScaleUpThreshold:    c.ScaleUpThreshold,
		ScaleDownThreshold:  c.ScaleDownThreshold,
		ScaleUpStep:         c.ScaleUpStep,
		ScaleDownStep:       c.ScaleDownStep,
		CooldownPeriod:      time.Duration(c.CooldownPeriodMs) * time.Millisecond,
		HealthCheckInterval: time.Duration(c.HealthCheckIntervalMs) * time.Millisecond,
		DispatchInterval:    time.Duration(c.DispatchIntervalMs) * time.Millisecond,
		IdleTimeout:         time.Duration(c.IdleTimeoutMs) * time.Millisecond,
		TaskTimeout:         time.Duration(c.TaskTimeoutMs) * time.Millisecond,
		MaxTaskRetries:      c.MaxTaskRetries,
		WorkerMemoryLimitMB: c.WorkerMemoryLimitMB,
		WorkerCPULimit:      c.WorkerCPULimit,
		WorkerReadyTimeout:  time.Duration(c.WorkerReadyTimeoutMs) * time.Millisecond,
		WorkerBaseDir:       c.WorkerBaseDir,
		WorkerLaunchMode:    c.LaunchMode,
		ChildCommand:        childCommand,
		ChildArgs:           childArgs,
	}
}
