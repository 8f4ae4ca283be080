package sched

import (
	"fmt"
	"sync"
	"sync/atomic"

	"schedcore/internal/config"
	"schedcore/internal/logging"
	"schedcore/internal/topology"

	"github.com/sirupsen/logrus"
)

// PlacementPolicy selects the initial-placement strategy for newly runnable
// entities.
type PlacementPolicy int

const (
	PlaceNUMALocal PlacementPolicy = iota
	PlaceFirstFit
	PlaceBestFit
	PlaceCacheAware
	PlaceThermalAware
	PlacePowerAware
)

func (p PlacementPolicy) String() string {
	switch p {
	case PlaceFirstFit:
		return "first_fit"
	case PlaceBestFit:
		return "best_fit"
	case PlaceNUMALocal:
		return "numa_local"
	case PlaceCacheAware:
		return "cache_aware"
	case PlaceThermalAware:
		return "thermal_aware"
	case PlacePowerAware:
		return "power_aware"
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// ParsePlacementPolicy maps a config string to a PlacementPolicy.
func ParsePlacementPolicy(s string) (PlacementPolicy, error) {
	switch s {
	case "first_fit":
		return PlaceFirstFit, nil
	case "best_fit":
		return PlaceBestFit, nil
	case "", "numa_local":
		return PlaceNUMALocal, nil
	case "cache_aware":
		return PlaceCacheAware, nil
	case "thermal_aware":
		return PlaceThermalAware, nil
	case "power_aware":
		return PlacePowerAware, nil
	}
	return PlaceNUMALocal, fmt.Errorf("unknown placement policy %q", s)
}

// tuning holds the nanosecond-resolution knobs derived from config.
type tuning struct {
	agingScanIntervalNS  uint64
	agingThresholdNS     uint64
	emergencyThresholdNS uint64
	minMigrationNS       uint64
	learningIntervalNS   uint64
	balanceIntervalNS    [4]uint64
	imbalanceThreshold   [4]uint32
}

// gamingSettings is the scheduler-wide gaming configuration.
type gamingSettings struct {
	inputBoostPriority   int32
	inputBoostDurationNS uint64
	frameRateTarget      uint32
	cpuMask              topology.CPUMask
}

// Scheduler is the multi-level feedback queue scheduler core: one runqueue
// per CPU, five scheduling classes, topology-aware placement and balancing,
// and the gaming/RT fast paths layered on top.
type Scheduler struct {
	topo   *topology.Topology
	logger *logrus.Logger

	clock    Clock
	switcher ContextSwitcher
	timer    TimerProgrammer

	rqs []*runQueue

	mu       sync.RWMutex
	entities map[uint32]*Entity

	policy atomic.Int32

	tune tuning

	gamingMu      sync.Mutex
	gamingEnabled atomic.Bool
	gamingCfg     gamingSettings
	vsyncNS       uint64

	rtMu          sync.Mutex
	rtBandwidthNS uint64
	rtPeriodNS    uint64
	rtPeriodStart uint64
	rtConsumedNS  uint64
	rtThrottled   bool

	balanceMu sync.Mutex
	// lastBalanceNS[level][domainIndex]
	lastBalanceNS [4][]uint64

	stats globalStats
}

// New builds a scheduler over the given topology using cfg for every tunable.
// The zero collaborators (wall clock, no-op context switcher and timer) suit
// the simulator; kernels inject real ones via the Set methods.
func New(topo *topology.Topology, cfg *config.Config) (*Scheduler, error) {
	if cfg == nil {
		cfg = config.Defaults()
	}
	policy, err := ParsePlacementPolicy(cfg.Placement.Policy)
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		topo:     topo,
		logger:   logging.GetSchedulerLogger(),
		clock:    NewMonotonicClock(),
		switcher: nopSwitcher{},
		timer:    nopTimer{},
		entities: make(map[uint32]*Entity),
		tune: tuning{
			agingScanIntervalNS:  uint64(cfg.Aging.ScanIntervalMS) * 1_000_000,
			agingThresholdNS:     uint64(cfg.Aging.ThresholdMS) * 1_000_000,
			emergencyThresholdNS: uint64(cfg.Aging.EmergencyThresholdMS) * 1_000_000,
			minMigrationNS:       uint64(cfg.MinMigrationIntervalMS) * 1_000_000,
			learningIntervalNS:   100_000_000,
			balanceIntervalNS: [4]uint64{
				uint64(cfg.Balance.IntervalMS.SMT) * 1_000_000,
				uint64(cfg.Balance.IntervalMS.Core) * 1_000_000,
				uint64(cfg.Balance.IntervalMS.Package) * 1_000_000,
				uint64(cfg.Balance.IntervalMS.NUMA) * 1_000_000,
			},
			imbalanceThreshold: [4]uint32{1, 2, 3, 4},
		},
		rtBandwidthNS: cfg.RT.BandwidthNS,
		rtPeriodNS:    cfg.RT.PeriodNS,
	}
	s.policy.Store(int32(policy))

	s.rqs = make([]*runQueue, topo.NumCPUs())
	for i := range s.rqs {
		s.rqs[i] = newRunQueue(uint32(i))
	}
	for level, domains := range [][]topology.Domain{
		topo.Domains(topology.DomainSMT),
		topo.Domains(topology.DomainCore),
		topo.Domains(topology.DomainPackage),
		topo.Domains(topology.DomainNUMA),
	} {
		s.lastBalanceNS[level] = make([]uint64, len(domains))
	}

	gcMask := topo.PerformanceMask()
	if cfg.Gaming.CPUMask != "" {
		cpus, err := config.ParseCPUSpec(cfg.Gaming.CPUMask)
		if err != nil {
			return nil, fmt.Errorf("gaming cpu mask: %w", err)
		}
		gcMask = topology.MaskOf(cpus...)
	}
	if gcMask.IsEmpty() {
		gcMask = topo.AllMask()
	}
	s.gamingCfg = gamingSettings{
		inputBoostPriority:   cfg.Gaming.InputBoostPriority,
		inputBoostDurationNS: cfg.Gaming.InputBoostDurationNS,
		frameRateTarget:      cfg.Gaming.FrameRateTarget,
		cpuMask:              gcMask,
	}
	if cfg.Gaming.Enabled {
		s.GamingEnable()
	}

	s.logger.WithFields(logrus.Fields{
		"cpus":             topo.NumCPUs(),
		"numa_nodes":       topo.NumNUMANodes(),
		"placement_policy": policy.String(),
		"rt_bandwidth_ns":  s.rtBandwidthNS,
	}).Info("Scheduler initialized")
	return s, nil
}

// SetClock replaces the clock used by API entry points.
func (s *Scheduler) SetClock(c Clock) {
	s.clock = c
}

// SetContextSwitcher installs the platform context-switch primitive.
func (s *Scheduler) SetContextSwitcher(cs ContextSwitcher) {
	s.switcher = cs
}

// SetTimerProgrammer installs the per-CPU timer interface.
func (s *Scheduler) SetTimerProgrammer(t TimerProgrammer) {
	s.timer = t
}

// SetPlacementPolicy changes the scheduler-wide placement policy.
func (s *Scheduler) SetPlacementPolicy(p PlacementPolicy) {
	s.policy.Store(int32(p))
}

// Topology returns the topology the scheduler was built over.
func (s *Scheduler) Topology() *topology.Topology {
	return s.topo
}

func (s *Scheduler) placementPolicy() PlacementPolicy {
	return PlacementPolicy(s.policy.Load())
}

func (s *Scheduler) rq(cpu uint32) *runQueue {
	return s.rqs[cpu]
}

// lookup returns the entity for a PID without taking any runqueue lock.
func (s *Scheduler) lookup(pid uint32) (*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[pid]
	if !ok {
		return nil, fmt.Errorf("pid %d: %w", pid, ErrUnknownProcess)
	}
	return e, nil
}

// Entity returns the scheduling entity for a PID.
func (s *Scheduler) Entity(pid uint32) (*Entity, error) {
	return s.lookup(pid)
}

// lockOwner locks the runqueue that owns e. A migration may move the entity
// between the lookup and the lock, so re-check ownership after acquiring.
func (s *Scheduler) lockOwner(e *Entity) *runQueue {
	for {
		rq := s.rqs[e.lastCPU.Load()]
		rq.mu.Lock()
		if s.rqs[e.lastCPU.Load()] == rq {
			return rq
		}
		rq.mu.Unlock()
	}
}

// withEntity runs fn with the entity's owning runqueue locked.
func (s *Scheduler) withEntity(pid uint32, fn func(e *Entity, rq *runQueue) error) error {
	e, err := s.lookup(pid)
	if err != nil {
		return err
	}
	rq := s.lockOwner(e)
	defer rq.mu.Unlock()
	return fn(e, rq)
}

// Attach allocates a scheduling entity for a new process. The entity starts
// blocked: Wake makes it runnable and places it. An empty affinity mask means
// all online CPUs.
func (s *Scheduler) Attach(pid uint32, name string, class Class, affinity topology.CPUMask) (*Entity, error) {
	if affinity.IsEmpty() {
		affinity = s.topo.OnlineMask()
	}
	if affinity.And(s.topo.OnlineMask()).IsEmpty() {
		return nil, fmt.Errorf("pid %d: %w", pid, ErrAffinityEmpty)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entities[pid]; exists {
		return nil, fmt.Errorf("pid %d: %w", pid, ErrAlreadyAttached)
	}

	e := &Entity{
		PID:      pid,
		Name:     name,
		class:    class,
		affinity: affinity,
		state:    stateBlocked,
	}
	e.mlfqLevel = classBaseLevel(class)
	e.quantumRemainingNS = QuantumForLevel(e.mlfqLevel)
	if first, ok := affinity.And(s.topo.OnlineMask()).First(); ok {
		e.lastCPU.Store(first)
		e.preferredCPU = first
	}
	if class == ClassGaming {
		e.gamingEnabled = true
		e.dynamicPriority = -20
		e.staticPriority = -20
	}
	s.entities[pid] = e
	s.stats.processesCreated.Add(1)

	s.logger.WithFields(logrus.Fields{
		"pid":      pid,
		"name":     name,
		"class":    class.String(),
		"affinity": affinity.String(),
	}).Debug("Attached scheduling entity")
	return e, nil
}

// Detach removes a process's entity. A queued entity is dequeued; a running
// one is replaced by the idle task at the owning CPU's next dispatch.
func (s *Scheduler) Detach(pid uint32) error {
	e, err := s.lookup(pid)
	if err != nil {
		return err
	}

	rq := s.lockOwner(e)
	if e.queue != nil {
		e.queue.remove(e)
	}
	if rq.current == e {
		rq.current = rq.idle
		rq.preemptPending = true
	}
	e.state = stateBlocked
	rq.mu.Unlock()

	s.mu.Lock()
	delete(s.entities, pid)
	s.mu.Unlock()
	s.stats.processesDestroyed.Add(1)
	return nil
}

// Block marks a process not-runnable. Blocking the running entity releases
// its CPU immediately.
func (s *Scheduler) Block(pid uint32) error {
	now := s.clock.NowNS()
	e, err := s.lookup(pid)
	if err != nil {
		return err
	}

	rq := s.lockOwner(e)
	if e.queue != nil {
		e.queue.remove(e)
	}
	wasCurrent := rq.current == e
	var prev, next *Entity
	if wasCurrent {
		s.chargeCurrentLocked(rq, e, now, rq.lastTickNS)
		e.state = stateBlocked
		e.voluntarySwitches++
		rq.current = rq.idle
		prev, next = e, s.pickNextLocked(rq, now)
		next.state = stateRunning
		next.lastCPU.Store(rq.cpuID)
		rq.current = next
		rq.preemptPending = false
	} else {
		e.state = stateBlocked
		e.voluntarySwitches++
	}
	rq.mu.Unlock()
	if wasCurrent {
		s.finishSwitch(rq, prev, next, now)
	}
	return nil
}

// Wake makes a blocked process runnable, places it per the placement policy
// and enqueues it on the chosen CPU.
func (s *Scheduler) Wake(pid uint32) error {
	now := s.clock.NowNS()
	e, err := s.lookup(pid)
	if err != nil {
		return err
	}

	rq := s.lockOwner(e)
	if e.state != stateBlocked {
		rq.mu.Unlock()
		return nil
	}
	rq.mu.Unlock()

	target, err := s.placeEntity(e)
	if err != nil {
		return err
	}
	return s.enqueueOn(e, target, now)
}

// Yield requeues the running process behind its peers and dispatches the next
// entity on its CPU.
func (s *Scheduler) Yield(pid uint32) error {
	now := s.clock.NowNS()
	e, err := s.lookup(pid)
	if err != nil {
		return err
	}

	rq := s.lockOwner(e)
	if rq.current != e {
		rq.mu.Unlock()
		return nil
	}
	s.chargeCurrentLocked(rq, e, now, rq.lastTickNS)
	e.voluntarySwitches++
	if e.class == ClassGaming || e.gamingEnabled {
		s.frameDispatchOut(e, now)
	}
	s.requeueLocked(rq, e, now, false)
	prev, next := e, s.pickNextLocked(rq, now)
	next.state = stateRunning
	next.lastCPU.Store(rq.cpuID)
	rq.current = next
	rq.preemptPending = false
	if next == prev && (next.gamingEnabled || next.class == ClassGaming) && next.frameStartNS == 0 {
		next.frameStartNS = now
	}
	rq.mu.Unlock()
	s.finishSwitch(rq, prev, next, now)
	return nil
}

// SetCPUAffinity replaces a process's allowed-CPU mask. A runnable entity on
// a now-forbidden CPU is moved immediately.
func (s *Scheduler) SetCPUAffinity(pid uint32, mask topology.CPUMask) error {
	if mask.And(s.topo.OnlineMask()).IsEmpty() {
		return fmt.Errorf("pid %d: %w", pid, ErrAffinityEmpty)
	}
	now := s.clock.NowNS()
	e, err := s.lookup(pid)
	if err != nil {
		return err
	}

	rq := s.lockOwner(e)
	e.affinity = mask
	needsMove := e.state != stateBlocked && !mask.Has(e.lastCPU.Load())
	if !needsMove {
		rq.mu.Unlock()
		return nil
	}

	if e.queue != nil {
		e.queue.remove(e)
	}
	var prev, next *Entity
	wasCurrent := rq.current == e
	if wasCurrent {
		s.chargeCurrentLocked(rq, e, now, rq.lastTickNS)
		e.involuntarySwitches++
		e.state = stateBlocked
		rq.current = rq.idle
		prev, next = e, s.pickNextLocked(rq, now)
		next.state = stateRunning
		next.lastCPU.Store(rq.cpuID)
		rq.current = next
		rq.preemptPending = false
	} else {
		e.state = stateBlocked
	}
	rq.mu.Unlock()
	if wasCurrent {
		s.finishSwitch(rq, prev, next, now)
	}

	target, err := s.placeEntity(e)
	if err != nil {
		return err
	}
	return s.enqueueOn(e, target, now)
}

// GetCPUAffinity returns a process's allowed-CPU mask.
func (s *Scheduler) GetCPUAffinity(pid uint32) (topology.CPUMask, error) {
	e, err := s.lookup(pid)
	if err != nil {
		return topology.MaskNone, err
	}
	rq := s.lockOwner(e)
	defer rq.mu.Unlock()
	return e.affinity, nil
}

// SetPriority sets a process's nice value, clamped to [-20, +19]. The dynamic
// priority is re-anchored to the new static value.
func (s *Scheduler) SetPriority(pid uint32, nice int32) error {
	return s.withEntity(pid, func(e *Entity, rq *runQueue) error {
		nice = clampNice(nice)
		e.staticPriority = nice
		e.dynamicPriority = boundedPenalty(nice, e.dynamicPriority)
		return nil
	})
}

// ProcessNameHint records a process-name change. Names matching the known
// gaming patterns mark the entity as a gaming candidate; class promotion
// still requires an explicit GamingBoost.
func (s *Scheduler) ProcessNameHint(pid uint32, name string) error {
	return s.withEntity(pid, func(e *Entity, rq *runQueue) error {
		e.Name = name
		if matchesGamingPattern(name) {
			e.gamingCandidate = true
			s.logger.WithFields(logrus.Fields{
				"pid":  pid,
				"name": name,
			}).Debug("Process flagged as gaming candidate")
		}
		return nil
	})
}

// chargeClassRuntime adds runtime to the per-class accounting, and to the RT
// bandwidth window for realtime entities.
func (s *Scheduler) chargeClassRuntime(class Class, deltaNS uint64) {
	s.stats.classRuntimeNS[class].Add(deltaNS)
	if class == ClassRealtime {
		s.chargeRTBandwidth(deltaNS)
	}
}
