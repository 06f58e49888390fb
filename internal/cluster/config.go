// Package cluster holds the deployment configuration shared by the
// manager and runner binaries.
package cluster

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"gridsim.dev/internal/geom"
	"gridsim.dev/internal/manager"
	"gridsim.dev/internal/region"
)

type Config struct {
	Domain        BoundsSpec    `yaml:"domain"`
	CellSize      float64       `yaml:"cell_size"`      // 0: derive from target_regions
	TargetRegions int           `yaml:"target_regions"` // used when cell_size is 0
	Tick          TickSpec      `yaml:"tick"`
	Liveness      LivenessSpec  `yaml:"liveness"`
	Migration     MigrationSpec `yaml:"migration"`
	Manager       ManagerSpec   `yaml:"manager"`
	Runner        RunnerSpec    `yaml:"runner"`
}

type BoundsSpec struct {
	Mins [3]float64 `yaml:"mins"`
	Maxs [3]float64 `yaml:"maxs"`
}

type TickSpec struct {
	Dt         float64 `yaml:"dt"`
	IntervalMs int     `yaml:"interval_ms"`
	TimeoutMs  int     `yaml:"timeout_ms"`
}

type LivenessSpec struct {
	HeartbeatIntervalMs  int `yaml:"heartbeat_interval_ms"`
	MissedHeartbeatLimit int `yaml:"missed_heartbeat_limit"`
	MissedBarrierLimit   int `yaml:"missed_barrier_limit"`
}

type MigrationSpec struct {
	RetryTicks        int `yaml:"retry_ticks"`
	MaxAttempts       int `yaml:"max_attempts"`
	DedupeWindowTicks int `yaml:"dedupe_window_ticks"`
}

type ManagerSpec struct {
	ListenAddr       string `yaml:"listen_addr"`
	DataDir          string `yaml:"data_dir"`
	RebalanceEveryMs int    `yaml:"rebalance_every_ms"`
	ArtifactDir      string `yaml:"artifact_dir,omitempty"`
}

type RunnerSpec struct {
	ManagerURL     string `yaml:"manager_url"`
	Engine         string `yaml:"engine"`
	DrainTimeoutMs int    `yaml:"drain_timeout_ms"`
	MaxObjects     int    `yaml:"max_objects"`
}

func Load(path string) (Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("cluster.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("cluster.yaml: %w", err)
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		Domain: BoundsSpec{
			Mins: [3]float64{-500, -100, -500},
			Maxs: [3]float64{500, 400, 500},
		},
		CellSize: region.DefaultCellSize,
		Tick: TickSpec{
			Dt:         1.0 / 60,
			IntervalMs: 50,
			TimeoutMs:  500,
		},
		Liveness: LivenessSpec{
			HeartbeatIntervalMs:  1000,
			MissedHeartbeatLimit: 3,
			MissedBarrierLimit:   3,
		},
		Migration: MigrationSpec{
			RetryTicks:        10,
			MaxAttempts:       3,
			DedupeWindowTicks: 600,
		},
		Manager: ManagerSpec{
			ListenAddr:       ":8090",
			DataDir:          "./data",
			RebalanceEveryMs: 10000,
		},
		Runner: RunnerSpec{
			ManagerURL:     "ws://127.0.0.1:8090/v1/bus",
			Engine:         "ballistic",
			DrainTimeoutMs: 5000,
		},
	}
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	if c.CellSize <= 0 && c.TargetRegions > 0 {
		c.CellSize = region.CellSizeFor(c.DomainBounds(), c.TargetRegions)
	}
	if c.CellSize <= 0 {
		c.CellSize = region.DefaultCellSize
	}
	if strings.TrimSpace(c.Manager.DataDir) == "" {
		c.Manager.DataDir = "./data"
	}
	if strings.TrimSpace(c.Runner.Engine) == "" {
		c.Runner.Engine = "ballistic"
	}
}

func (c Config) Validate() error {
	d := c.DomainBounds()
	ext := d.Maxs.Sub(d.Mins)
	if ext.X <= 0 || ext.Y <= 0 || ext.Z <= 0 {
		return fmt.Errorf("domain must have positive extent on every axis")
	}
	if c.CellSize <= 0 {
		return fmt.Errorf("cell_size must be > 0")
	}
	if c.Tick.Dt <= 0 {
		return fmt.Errorf("tick.dt must be > 0")
	}
	if c.Tick.TimeoutMs <= 0 {
		return fmt.Errorf("tick.timeout_ms must be > 0")
	}
	if c.Liveness.HeartbeatIntervalMs <= 0 {
		return fmt.Errorf("liveness.heartbeat_interval_ms must be > 0")
	}
	if c.Liveness.MissedHeartbeatLimit <= 0 || c.Liveness.MissedBarrierLimit <= 0 {
		return fmt.Errorf("liveness limits must be > 0")
	}
	if c.Migration.RetryTicks <= 0 || c.Migration.MaxAttempts <= 0 {
		return fmt.Errorf("migration retry_ticks and max_attempts must be > 0")
	}
	if strings.TrimSpace(c.Manager.ListenAddr) == "" {
		return fmt.Errorf("manager.listen_addr must not be empty")
	}
	if strings.TrimSpace(c.Runner.ManagerURL) == "" {
		return fmt.Errorf("runner.manager_url must not be empty")
	}
	return nil
}

func (c Config) DomainBounds() geom.AABB {
	return geom.AABB{
		Mins: geom.Vec3{X: c.Domain.Mins[0], Y: c.Domain.Mins[1], Z: c.Domain.Mins[2]},
		Maxs: geom.Vec3{X: c.Domain.Maxs[0], Y: c.Domain.Maxs[1], Z: c.Domain.Maxs[2]},
	}
}

// BuildMap constructs the initial (unowned) decomposition.
func (c Config) BuildMap() region.Map {
	return region.Build(1, c.CellSize, c.DomainBounds())
}

func (c Config) ManagerConfig() manager.Config {
	return manager.Config{
		Dt:                   c.Tick.Dt,
		TickTimeout:          time.Duration(c.Tick.TimeoutMs) * time.Millisecond,
		HeartbeatInterval:    time.Duration(c.Liveness.HeartbeatIntervalMs) * time.Millisecond,
		MissedHeartbeatLimit: c.Liveness.MissedHeartbeatLimit,
		MissedBarrierLimit:   c.Liveness.MissedBarrierLimit,
	}
}

func (c Config) ServiceConfig() manager.ServiceConfig {
	return manager.ServiceConfig{
		TickInterval:   time.Duration(c.Tick.IntervalMs) * time.Millisecond,
		RebalanceEvery: time.Duration(c.Manager.RebalanceEveryMs) * time.Millisecond,
	}
}

func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.Runner.DrainTimeoutMs) * time.Millisecond
}
