package config

import (
	"time"
)

// Config is the scheduler-wide configuration surface. Every knob has a
// default so an empty file yields a working scheduler.
type Config struct {
	LogLevel string `yaml:"log_level"`

	Gaming    GamingConfig    `yaml:"gaming"`
	RT        RTConfig        `yaml:"rt"`
	Placement PlacementConfig `yaml:"placement"`
	Balance   BalanceConfig   `yaml:"balance"`
	Aging     AgingConfig     `yaml:"aging"`

	MinMigrationIntervalMS uint32 `yaml:"min_migration_interval_ms"`

	Telemetry TelemetryConfig `yaml:"telemetry"`
	Simulator SimulatorConfig `yaml:"simulator"`
}

type GamingConfig struct {
	Enabled              bool   `yaml:"enabled"`
	InputBoostPriority   int32  `yaml:"input_boost_priority"`
	InputBoostDurationNS uint64 `yaml:"input_boost_duration_ns"`
	FrameRateTarget      uint32 `yaml:"frame_rate_target"`
	// CPUMask is a cpuset-style list ("0-3"). Empty means all performance cores.
	CPUMask string `yaml:"cpu_mask"`
}

type RTConfig struct {
	BandwidthNS uint64 `yaml:"bandwidth_ns"`
	PeriodNS    uint64 `yaml:"period_ns"`
}

type PlacementConfig struct {
	// Policy is one of first_fit, best_fit, numa_local, cache_aware,
	// thermal_aware, power_aware.
	Policy string `yaml:"policy"`
}

type BalanceConfig struct {
	IntervalMS BalanceIntervals `yaml:"interval_ms"`
}

type BalanceIntervals struct {
	SMT     uint32 `yaml:"smt"`
	Core    uint32 `yaml:"core"`
	Package uint32 `yaml:"package"`
	NUMA    uint32 `yaml:"numa"`
}

type AgingConfig struct {
	ScanIntervalMS       uint32 `yaml:"scan_interval_ms"`
	ThresholdMS          uint32 `yaml:"threshold_ms"`
	EmergencyThresholdMS uint32 `yaml:"emergency_threshold_ms"`
}

type TelemetryConfig struct {
	Enabled         bool   `yaml:"enabled"`
	URL             string `yaml:"url"`
	Token           string `yaml:"token"`
	Org             string `yaml:"org"`
	Bucket          string `yaml:"bucket"`
	FlushIntervalMS uint32 `yaml:"flush_interval_ms"`
}

type SimulatorConfig struct {
	DurationMS uint32         `yaml:"duration_ms"`
	TickNS     uint64         `yaml:"tick_ns"`
	Topology   TopologySpec   `yaml:"topology"`
	Workload   []WorkloadSpec `yaml:"workload"`
}

type TopologySpec struct {
	Sockets          int `yaml:"sockets"`
	CoresPerSocket   int `yaml:"cores_per_socket"`
	ThreadsPerCore   int `yaml:"threads_per_core"`
	NUMANodes        int `yaml:"numa_nodes"`
	PerformanceCores int `yaml:"performance_cores"`
}

// WorkloadSpec describes one synthetic process for the simulator.
type WorkloadSpec struct {
	Name  string `yaml:"name"`
	Count int    `yaml:"count"`
	// Class is one of gaming, realtime, interactive, normal, background.
	Class string `yaml:"class"`
	Nice  int32  `yaml:"nice"`
	// BurstNS/BlockNS form the run/block cycle; BlockNS 0 is CPU-bound.
	BurstNS uint64 `yaml:"burst_ns"`
	BlockNS uint64 `yaml:"block_ns"`
	// TargetFPS drives a frame loop for gaming workloads.
	TargetFPS uint32 `yaml:"target_fps"`
	// RTPolicy is one of fifo, rr, deadline (realtime class only).
	RTPolicy string `yaml:"rt_policy"`
	PeriodNS uint64 `yaml:"period_ns"`
	// Affinity is a cpuset-style list; empty means all online CPUs.
	Affinity string `yaml:"affinity"`
}

func (c *Config) SimDuration() time.Duration {
	return time.Duration(c.Simulator.DurationMS) * time.Millisecond
}

// Defaults returns a fully-populated configuration with every knob at its
// documented default.
func Defaults() *Config {
	return &Config{
		LogLevel: "info",
		Gaming: GamingConfig{
			Enabled:              false,
			InputBoostPriority:   -10,
			InputBoostDurationNS: 16_666_666,
			FrameRateTarget:      60,
		},
		RT: RTConfig{
			BandwidthNS: 950_000_000,
			PeriodNS:    1_000_000_000,
		},
		Placement: PlacementConfig{Policy: "numa_local"},
		Balance: BalanceConfig{
			IntervalMS: BalanceIntervals{SMT: 1, Core: 5, Package: 10, NUMA: 100},
		},
		Aging: AgingConfig{
			ScanIntervalMS:       100,
			ThresholdMS:          100,
			EmergencyThresholdMS: 500,
		},
		MinMigrationIntervalMS: 10,
		Telemetry: TelemetryConfig{
			FlushIntervalMS: 1000,
		},
		Simulator: SimulatorConfig{
			DurationMS: 1000,
			TickNS:     1_000_000,
			Topology:   TopologySpec{Sockets: 1, CoresPerSocket: 4, ThreadsPerCore: 2},
		},
	}
}
