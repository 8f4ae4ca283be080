package simulator

import (
	"context"
	"fmt"

	"schedcore/internal/config"
	"schedcore/internal/logging"
	"schedcore/internal/sched"
	"schedcore/internal/telemetry"
	"schedcore/internal/topology"

	"github.com/sirupsen/logrus"
)

// proc is one synthetic process driven through its run/block cycle by the
// simulator's virtual clock.
type proc struct {
	pid  uint32
	spec config.WorkloadSpec

	blocked        bool
	wakeAtNS       uint64
	burstStartedNS uint64
	runtimeAtBurst uint64
	nextFrameNS    uint64
}

// Simulator drives a scheduler over a synthetic topology and workload with a
// virtual clock, ticking every CPU at the configured rate.
type Simulator struct {
	cfg    *config.Config
	topo   *topology.Topology
	sched  *sched.Scheduler
	clock  *sched.ManualClock
	sink   telemetry.StatsSink
	logger *logrus.Logger

	procs   []*proc
	nextPID uint32
}

// Report summarises one simulation run.
type Report struct {
	SimulatedNS uint64
	Ticks       uint64
	Stats       sched.SchedStats
}

// New builds a simulator from the configuration: synthetic topology,
// scheduler, manual clock and workload processes.
func New(cfg *config.Config, sink telemetry.StatsSink) (*Simulator, error) {
	ts := cfg.Simulator.Topology
	topo, err := topology.NewSynthetic(topology.Spec{
		Sockets:          ts.Sockets,
		CoresPerSocket:   ts.CoresPerSocket,
		ThreadsPerCore:   ts.ThreadsPerCore,
		NUMANodes:        ts.NUMANodes,
		PerformanceCores: ts.PerformanceCores,
	})
	if err != nil {
		return nil, fmt.Errorf("building topology: %w", err)
	}

	sc, err := sched.New(topo, cfg)
	if err != nil {
		return nil, fmt.Errorf("building scheduler: %w", err)
	}
	clock := sched.NewManualClock(0)
	sc.SetClock(clock)

	if sink == nil {
		sink = telemetry.NopSink{}
	}

	sim := &Simulator{
		cfg:     cfg,
		topo:    topo,
		sched:   sc,
		clock:   clock,
		sink:    sink,
		logger:  logging.GetLogger(),
		nextPID: 1,
	}
	if err := sim.spawnWorkload(); err != nil {
		return nil, err
	}
	return sim, nil
}

// Scheduler exposes the simulated scheduler for inspection.
func (sim *Simulator) Scheduler() *sched.Scheduler { return sim.sched }

func (sim *Simulator) spawnWorkload() error {
	for _, spec := range sim.cfg.Simulator.Workload {
		count := spec.Count
		if count == 0 {
			count = 1
		}
		for i := 0; i < count; i++ {
			if err := sim.spawnOne(spec, i); err != nil {
				return err
			}
		}
	}
	return nil
}

func (sim *Simulator) spawnOne(spec config.WorkloadSpec, index int) error {
	class, err := sched.ParseClass(spec.Class)
	if err != nil {
		return fmt.Errorf("workload %q: %w", spec.Name, err)
	}
	var affinity topology.CPUMask
	if spec.Affinity != "" {
		cpus, err := config.ParseCPUSpec(spec.Affinity)
		if err != nil {
			return fmt.Errorf("workload %q affinity: %w", spec.Name, err)
		}
		affinity = topology.MaskOf(cpus...)
	}

	pid := sim.nextPID
	sim.nextPID++
	name := spec.Name
	if spec.Count > 1 {
		name = fmt.Sprintf("%s-%d", spec.Name, index)
	}

	if _, err := sim.sched.Attach(pid, name, class, affinity); err != nil {
		return err
	}
	if spec.Nice != 0 {
		if err := sim.sched.SetPriority(pid, spec.Nice); err != nil {
			return err
		}
	}
	if class == sched.ClassRealtime && spec.RTPolicy != "" {
		policy, err := sched.ParseRTPolicy(spec.RTPolicy)
		if err != nil {
			return fmt.Errorf("workload %q: %w", spec.Name, err)
		}
		if err := sim.sched.RTSetPolicy(pid, policy); err != nil {
			return err
		}
		if spec.PeriodNS > 0 {
			if err := sim.sched.RTSetPeriod(pid, spec.PeriodNS); err != nil {
				return err
			}
		}
	}

	sim.procs = append(sim.procs, &proc{pid: pid, spec: spec})
	return sim.sched.Wake(pid)
}

// Run executes the configured duration tick by tick and returns the final
// statistics. The context aborts a long run early.
func (sim *Simulator) Run(ctx context.Context) (*Report, error) {
	tickNS := sim.cfg.Simulator.TickNS
	if tickNS == 0 {
		tickNS = 1_000_000
	}
	durationNS := uint64(sim.cfg.Simulator.DurationMS) * 1_000_000
	flushNS := uint64(sim.cfg.Telemetry.FlushIntervalMS) * 1_000_000

	sim.logger.WithFields(logrus.Fields{
		"cpus":        sim.topo.NumCPUs(),
		"processes":   len(sim.procs),
		"duration_ms": sim.cfg.Simulator.DurationMS,
		"tick_ns":     tickNS,
	}).Info("Starting simulation")

	var report Report
	var lastFlushNS uint64
	ncpus := sim.topo.NumCPUs()

	for sim.clock.NowNS() < durationNS {
		select {
		case <-ctx.Done():
			return &report, ctx.Err()
		default:
		}

		now := sim.clock.Advance(tickNS)
		sim.stepWorkload(now)
		for cpu := 0; cpu < ncpus; cpu++ {
			sim.sched.Tick(uint32(cpu), now)
		}
		report.Ticks++

		if flushNS > 0 && now-lastFlushNS >= flushNS {
			lastFlushNS = now
			if err := sim.sink.Publish(ctx, sim.sched.StatsSnapshot()); err != nil {
				sim.logger.WithError(err).Warn("Telemetry publish failed")
			}
		}
	}

	report.SimulatedNS = sim.clock.NowNS()
	report.Stats = sim.sched.StatsSnapshot()
	sim.logger.WithFields(logrus.Fields{
		"ticks":            report.Ticks,
		"context_switches": report.Stats.ContextSwitches,
		"migrations":       report.Stats.Migrations,
	}).Info("Simulation finished")
	return &report, nil
}

// stepWorkload advances every synthetic process one tick: wake the ones whose
// block expired, block the ones whose burst completed, and keep gaming frame
// deadlines installed.
func (sim *Simulator) stepWorkload(now uint64) {
	for _, p := range sim.procs {
		if p.blocked {
			if now >= p.wakeAtNS {
				p.blocked = false
				if err := sim.sched.Wake(p.pid); err != nil {
					sim.logger.WithError(err).WithField("pid", p.pid).Warn("Wake failed")
				}
			}
			continue
		}
		sim.stepRunnable(p, now)
	}
}

func (sim *Simulator) stepRunnable(p *proc, now uint64) {
	if p.spec.TargetFPS > 0 && now >= p.nextFrameNS {
		frameNS := uint64(1_000_000_000) / uint64(p.spec.TargetFPS)
		p.nextFrameNS = now + frameNS
		if err := sim.sched.SetFrameDeadline(p.pid, now+frameNS); err != nil {
			sim.logger.WithError(err).WithField("pid", p.pid).Debug("Frame deadline rejected")
		}
	}

	if p.spec.BurstNS == 0 || p.spec.BlockNS == 0 {
		return // pure CPU-bound, never blocks
	}

	ran := sim.runtimeOf(p.pid)
	if p.burstStartedNS == 0 {
		p.burstStartedNS = now
		p.runtimeAtBurst = ran
		return
	}
	if ran-p.runtimeAtBurst >= p.spec.BurstNS {
		p.blocked = true
		p.wakeAtNS = now + p.spec.BlockNS
		p.burstStartedNS = 0
		if err := sim.sched.Block(p.pid); err != nil {
			sim.logger.WithError(err).WithField("pid", p.pid).Warn("Block failed")
		}
	}
}

func (sim *Simulator) runtimeOf(pid uint32) uint64 {
	e, err := sim.sched.Entity(pid)
	if err != nil {
		return 0
	}
	return e.Counters().TotalRuntimeNS
}
