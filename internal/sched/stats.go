package sched

import (
	"fmt"
	"sync/atomic"
)

type globalStats struct {
	processesCreated     atomic.Uint64
	processesDestroyed   atomic.Uint64
	contextSwitches      atomic.Uint64
	preemptionsRequested atomic.Uint64
	quantumExpirations   atomic.Uint64

	classSwitches  [numClasses]atomic.Uint64
	classRuntimeNS [numClasses]atomic.Uint64

	rtDeadlineMisses      atomic.Uint64
	rtBandwidthViolations atomic.Uint64

	frameMisses atomic.Uint64
	inputBoosts atomic.Uint64

	migrations           atomic.Uint64
	failedMigrations     atomic.Uint64
	numaLocalPlacements  atomic.Uint64
	numaRemotePlacements atomic.Uint64
	agingBoosts          atomic.Uint64
	idleStealAttempts    atomic.Uint64
	idleStealSuccesses   atomic.Uint64
}

// ClassStats aggregates per-scheduling-class accounting.
type ClassStats struct {
	Runnable        uint32
	RuntimeNS       uint64
	ContextSwitches uint64
}

// CPUStats is the per-CPU portion of a stats snapshot.
type CPUStats struct {
	CPU             uint32
	CurrentPID      uint32
	CurrentClass    Class
	Idle            bool
	Runnable        uint32
	ContextSwitches uint64
	IdleTimeNS      uint64
	Load            LoadAverages
}

// SchedStats is a point-in-time snapshot of scheduler-wide statistics.
type SchedStats struct {
	ProcessesCreated   uint64
	ProcessesDestroyed uint64
	ContextSwitches    uint64
	QuantumExpirations uint64

	PerClass [5]ClassStats
	PerCPU   []CPUStats

	RTDeadlineMisses      uint64
	RTBandwidthViolations uint64
	RTThrottled           bool

	FrameMisses uint64
	InputBoosts uint64

	Migrations           uint64
	FailedMigrations     uint64
	NUMALocalPlacements  uint64
	NUMARemotePlacements uint64
	AgingBoosts          uint64
	IdleStealAttempts    uint64
	IdleStealSuccesses   uint64
}

// StatsSnapshot collects the observable scheduler state. Each runqueue is
// sampled under its own lock; the snapshot is consistent per-CPU, not
// globally atomic.
func (s *Scheduler) StatsSnapshot() SchedStats {
	st := SchedStats{
		ProcessesCreated:      s.stats.processesCreated.Load(),
		ProcessesDestroyed:    s.stats.processesDestroyed.Load(),
		ContextSwitches:       s.stats.contextSwitches.Load(),
		QuantumExpirations:    s.stats.quantumExpirations.Load(),
		RTDeadlineMisses:      s.stats.rtDeadlineMisses.Load(),
		RTBandwidthViolations: s.stats.rtBandwidthViolations.Load(),
		RTThrottled:           s.rtThrottledNow(),
		FrameMisses:           s.stats.frameMisses.Load(),
		InputBoosts:           s.stats.inputBoosts.Load(),
		Migrations:            s.stats.migrations.Load(),
		FailedMigrations:      s.stats.failedMigrations.Load(),
		NUMALocalPlacements:   s.stats.numaLocalPlacements.Load(),
		NUMARemotePlacements:  s.stats.numaRemotePlacements.Load(),
		AgingBoosts:           s.stats.agingBoosts.Load(),
		IdleStealAttempts:     s.stats.idleStealAttempts.Load(),
		IdleStealSuccesses:    s.stats.idleStealSuccesses.Load(),
	}
	for c := 0; c < int(numClasses); c++ {
		st.PerClass[c].RuntimeNS = s.stats.classRuntimeNS[c].Load()
		st.PerClass[c].ContextSwitches = s.stats.classSwitches[c].Load()
	}

	st.PerCPU = make([]CPUStats, len(s.rqs))
	for i, rq := range s.rqs {
		rq.mu.Lock()
		cs := CPUStats{
			CPU:             rq.cpuID,
			Runnable:        rq.runnableCount(),
			ContextSwitches: rq.contextSwitches,
			IdleTimeNS:      rq.idleTimeNS,
			Load:            rq.loadAverages(),
		}
		if rq.current != nil {
			cs.CurrentPID = rq.current.PID
			cs.CurrentClass = rq.current.class
			cs.Idle = rq.current.isIdle
			if !rq.current.isIdle {
				st.PerClass[rq.current.class].Runnable++
			}
		}
		countQueued := func(e *Entity) { st.PerClass[e.class].Runnable++ }
		rq.gamingQueue.forEach(countQueued)
		rq.rtQueue.forEach(countQueued)
		for l := range rq.mlfq {
			rq.mlfq[l].forEach(countQueued)
		}
		rq.mu.Unlock()
		st.PerCPU[i] = cs
	}
	return st
}

// QueueDump describes one CPU's queues for debugging.
type QueueDump struct {
	CPU        uint32
	Current    string
	RT         []string
	Gaming     []string
	MLFQ       [MLFQLevels][]string
	LoadAvg1m  uint32
	Runnable   uint32
	FreqHintMH uint32
}

// DumpState returns a structured dump of every runqueue, in dispatch order.
func (s *Scheduler) DumpState() []QueueDump {
	dumps := make([]QueueDump, len(s.rqs))
	for i, rq := range s.rqs {
		rq.mu.Lock()
		d := QueueDump{
			CPU:       rq.cpuID,
			Runnable:  rq.runnableCount(),
			LoadAvg1m: rq.loadAverages().Load1m,
		}
		d.Current = describeEntity(rq.current)
		rq.gamingQueue.forEach(func(e *Entity) { d.Gaming = append(d.Gaming, describeEntity(e)) })
		rq.rtQueue.forEach(func(e *Entity) { d.RT = append(d.RT, describeEntity(e)) })
		for l := range rq.mlfq {
			lvl := l
			rq.mlfq[l].forEach(func(e *Entity) { d.MLFQ[lvl] = append(d.MLFQ[lvl], describeEntity(e)) })
		}
		rq.mu.Unlock()
		d.FreqHintMH = s.topo.Dynamic(rq.cpuID).CurrentMHz
		dumps[i] = d
	}
	return dumps
}

func describeEntity(e *Entity) string {
	if e == nil {
		return "<nil>"
	}
	if e.isIdle {
		return "idle"
	}
	name := e.Name
	if name == "" {
		name = "?"
	}
	return fmt.Sprintf("%s/%d:%s", name, e.PID, e.class.String())
}

// RunnableTotal counts runnable entities plus running non-idle currents
// across all CPUs. Exposed for invariant checks.
func (s *Scheduler) RunnableTotal() uint32 {
	var total uint32
	for _, rq := range s.rqs {
		rq.mu.Lock()
		total += rq.load()
		rq.mu.Unlock()
	}
	return total
}

// CurrentOn returns the entity running on a CPU (possibly the idle task).
func (s *Scheduler) CurrentOn(cpu uint32) *Entity {
	rq := s.rq(cpu)
	rq.mu.Lock()
	defer rq.mu.Unlock()
	return rq.current
}

// loadOf returns a CPU's instantaneous load without external locking
// assumptions. Balancer helper.
func (s *Scheduler) loadOf(cpu uint32) uint32 {
	rq := s.rq(cpu)
	rq.mu.Lock()
	defer rq.mu.Unlock()
	return rq.load()
}
