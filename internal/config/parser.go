package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"schedcore/internal/logging"

	"gopkg.in/yaml.v3"
)

var validPolicies = map[string]bool{
	"first_fit":     true,
	"best_fit":      true,
	"numa_local":    true,
	"cache_aware":   true,
	"thermal_aware": true,
	"power_aware":   true,
}

var validClasses = map[string]bool{
	"gaming":      true,
	"realtime":    true,
	"interactive": true,
	"normal":      true,
	"background":  true,
}

var validRTPolicies = map[string]bool{
	"":         true,
	"fifo":     true,
	"rr":       true,
	"deadline": true,
}

// Load reads a YAML config file, expands ${VAR} environment references and
// validates the result. Missing keys keep their defaults.
func Load(filepath string) (*Config, error) {
	logger := logging.GetLogger()

	data, err := os.ReadFile(filepath)
	if err != nil {
		logger.WithField("filepath", filepath).WithError(err).Error("Failed to read config file")
		return nil, err
	}

	expanded := expandEnvVars(string(data))

	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		logger.WithField("filepath", filepath).WithError(err).Error("Failed to parse config file")
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func expandEnvVars(content string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(content, func(match string) string {
		envVar := strings.Trim(match, "${}")
		if value := os.Getenv(envVar); value != "" {
			return value
		}
		return match
	})
}

// Validate checks cross-field consistency and enumerated values.
func Validate(cfg *Config) error {
	if cfg.Placement.Policy != "" && !validPolicies[cfg.Placement.Policy] {
		return fmt.Errorf("unknown placement policy %q", cfg.Placement.Policy)
	}
	if cfg.RT.PeriodNS == 0 {
		return fmt.Errorf("rt.period_ns must be positive")
	}
	if cfg.RT.BandwidthNS > cfg.RT.PeriodNS {
		return fmt.Errorf("rt.bandwidth_ns %d exceeds rt.period_ns %d", cfg.RT.BandwidthNS, cfg.RT.PeriodNS)
	}
	if cfg.Aging.ScanIntervalMS == 0 {
		return fmt.Errorf("aging.scan_interval_ms must be positive")
	}
	if cfg.Aging.EmergencyThresholdMS < cfg.Aging.ThresholdMS {
		return fmt.Errorf("aging.emergency_threshold_ms %d below aging.threshold_ms %d",
			cfg.Aging.EmergencyThresholdMS, cfg.Aging.ThresholdMS)
	}
	if cfg.Gaming.InputBoostPriority < -20 || cfg.Gaming.InputBoostPriority > 19 {
		return fmt.Errorf("gaming.input_boost_priority %d outside [-20, 19]", cfg.Gaming.InputBoostPriority)
	}
	if cfg.Gaming.CPUMask != "" {
		if _, err := ParseCPUSpec(cfg.Gaming.CPUMask); err != nil {
			return fmt.Errorf("gaming.cpu_mask: %w", err)
		}
	}
	for i, w := range cfg.Simulator.Workload {
		if w.Class != "" && !validClasses[w.Class] {
			return fmt.Errorf("workload[%d] %q: unknown class %q", i, w.Name, w.Class)
		}
		if !validRTPolicies[w.RTPolicy] {
			return fmt.Errorf("workload[%d] %q: unknown rt policy %q", i, w.Name, w.RTPolicy)
		}
		if w.Nice < -20 || w.Nice > 19 {
			return fmt.Errorf("workload[%d] %q: nice %d outside [-20, 19]", i, w.Name, w.Nice)
		}
		if w.Affinity != "" {
			if _, err := ParseCPUSpec(w.Affinity); err != nil {
				return fmt.Errorf("workload[%d] %q: affinity: %w", i, w.Name, err)
			}
		}
	}
	if cfg.Telemetry.Enabled {
		if cfg.Telemetry.URL == "" || cfg.Telemetry.Org == "" || cfg.Telemetry.Bucket == "" {
			return fmt.Errorf("telemetry enabled but url/org/bucket incomplete")
		}
	}
	return nil
}
