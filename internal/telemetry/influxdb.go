package telemetry

import (
	"context"
	"os"
	"strconv"
	"time"

	"schedcore/internal/config"
	"schedcore/internal/logging"
	"schedcore/internal/sched"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/sirupsen/logrus"
)

// StatsSink receives periodic scheduler statistics snapshots.
type StatsSink interface {
	Publish(ctx context.Context, stats sched.SchedStats) error
	Close()
}

// NopSink discards every snapshot. Used when telemetry is disabled.
type NopSink struct{}

func (NopSink) Publish(ctx context.Context, stats sched.SchedStats) error { return nil }
func (NopSink) Close()                                                    {}

// InfluxSink publishes scheduler statistics to an InfluxDB bucket as
// sched_stats and sched_cpu measurements.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	logger   *logrus.Logger
	host     string
}

// NewInfluxSink connects to InfluxDB and verifies the server is healthy
// before accepting snapshots.
func NewInfluxSink(cfg config.TelemetryConfig) (*InfluxSink, error) {
	logger := logging.GetLogger()

	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	health, err := client.Health(ctx)
	if err != nil {
		logger.WithField("url", cfg.URL).WithError(err).Error("Failed to connect to InfluxDB")
		return nil, err
	}
	if health.Status != "pass" {
		logger.WithFields(logrus.Fields{
			"url":     cfg.URL,
			"status":  health.Status,
			"message": health.Message,
		}).Warn("InfluxDB health check not passing")
	}

	logger.WithFields(logrus.Fields{
		"url":    cfg.URL,
		"bucket": cfg.Bucket,
		"org":    cfg.Org,
	}).Info("Connected to InfluxDB")

	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}

	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		logger:   logger,
		host:     host,
	}, nil
}

// Publish writes one snapshot: a scheduler-wide point plus one point per CPU.
func (s *InfluxSink) Publish(ctx context.Context, stats sched.SchedStats) error {
	now := time.Now()

	global := influxdb2.NewPoint("sched_stats",
		map[string]string{
			"host": s.host,
		},
		map[string]interface{}{
			"processes_created":       int64(stats.ProcessesCreated),
			"processes_destroyed":     int64(stats.ProcessesDestroyed),
			"context_switches":        int64(stats.ContextSwitches),
			"quantum_expirations":     int64(stats.QuantumExpirations),
			"rt_deadline_misses":      int64(stats.RTDeadlineMisses),
			"rt_bandwidth_violations": int64(stats.RTBandwidthViolations),
			"rt_throttled":            stats.RTThrottled,
			"frame_misses":            int64(stats.FrameMisses),
			"input_boosts":            int64(stats.InputBoosts),
			"migrations":              int64(stats.Migrations),
			"failed_migrations":       int64(stats.FailedMigrations),
			"numa_local_placements":   int64(stats.NUMALocalPlacements),
			"numa_remote_placements":  int64(stats.NUMARemotePlacements),
			"aging_boosts":            int64(stats.AgingBoosts),
			"idle_steal_attempts":     int64(stats.IdleStealAttempts),
			"idle_steal_successes":    int64(stats.IdleStealSuccesses),
		},
		now)

	if err := s.writeAPI.WritePoint(ctx, global); err != nil {
		s.logger.WithError(err).Error("Failed to write scheduler stats point")
		return err
	}

	for _, cpu := range stats.PerCPU {
		point := influxdb2.NewPoint("sched_cpu",
			map[string]string{
				"host": s.host,
				"cpu":  strconv.FormatUint(uint64(cpu.CPU), 10),
			},
			map[string]interface{}{
				"current_pid":      int64(cpu.CurrentPID),
				"current_class":    cpu.CurrentClass.String(),
				"idle":             cpu.Idle,
				"runnable":         int64(cpu.Runnable),
				"context_switches": int64(cpu.ContextSwitches),
				"idle_time_ns":     int64(cpu.IdleTimeNS),
				"load_1m":          int64(cpu.Load.Load1m),
				"load_5m":          int64(cpu.Load.Load5m),
				"load_15m":         int64(cpu.Load.Load15m),
			},
			now)
		if err := s.writeAPI.WritePoint(ctx, point); err != nil {
			s.logger.WithError(err).Error("Failed to write per-CPU stats point")
			return err
		}
	}
	return nil
}

// Close shuts the underlying client down.
func (s *InfluxSink) Close() {
	s.client.Close()
}
