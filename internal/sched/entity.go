package sched

import (
	"fmt"
	"sync/atomic"

	"schedcore/internal/topology"
)

// Class is a scheduling class, ordered by preemption strength: a lower value
// preempts a higher one.
type Class int

const (
	ClassGaming Class = iota
	ClassRealtime
	ClassInteractive
	ClassNormal
	ClassBackground
	numClasses
)

func (c Class) String() string {
	switch c {
	case ClassGaming:
		return "gaming"
	case ClassRealtime:
		return "realtime"
	case ClassInteractive:
		return "interactive"
	case ClassNormal:
		return "normal"
	case ClassBackground:
		return "background"
	}
	return fmt.Sprintf("class(%d)", int(c))
}

// ParseClass maps a config string to a Class.
func ParseClass(s string) (Class, error) {
	switch s {
	case "gaming":
		return ClassGaming, nil
	case "realtime":
		return ClassRealtime, nil
	case "interactive":
		return ClassInteractive, nil
	case "", "normal":
		return ClassNormal, nil
	case "background":
		return ClassBackground, nil
	}
	return ClassNormal, fmt.Errorf("unknown scheduling class %q", s)
}

// usesMLFQ reports whether the class is scheduled through the MLFQ levels.
func (c Class) usesMLFQ() bool {
	return c == ClassInteractive || c == ClassNormal || c == ClassBackground
}

// Behaviour is the learned workload pattern of an entity.
type Behaviour int

const (
	BehaviourUnknown Behaviour = iota
	BehaviourCPUBound
	BehaviourIOBound
	BehaviourInteractive
	BehaviourGaming
	BehaviourBatch
)

func (b Behaviour) String() string {
	switch b {
	case BehaviourCPUBound:
		return "cpu_bound"
	case BehaviourIOBound:
		return "io_bound"
	case BehaviourInteractive:
		return "interactive"
	case BehaviourGaming:
		return "gaming"
	case BehaviourBatch:
		return "batch"
	}
	return "unknown"
}

// RTPolicy selects how realtime entities are ordered within the RT queue.
type RTPolicy int

const (
	RTFifo RTPolicy = iota
	RTRoundRobin
	RTDeadline
)

func (p RTPolicy) String() string {
	switch p {
	case RTFifo:
		return "fifo"
	case RTRoundRobin:
		return "rr"
	case RTDeadline:
		return "deadline"
	}
	return fmt.Sprintf("rt_policy(%d)", int(p))
}

// ParseRTPolicy maps a config string to an RTPolicy.
func ParseRTPolicy(s string) (RTPolicy, error) {
	switch s {
	case "", "fifo":
		return RTFifo, nil
	case "rr":
		return RTRoundRobin, nil
	case "deadline":
		return RTDeadline, nil
	}
	return RTFifo, fmt.Errorf("unknown rt policy %q", s)
}

// MLFQLevels is the number of feedback-queue levels.
const MLFQLevels = 5

// rtQuantumNS is the round-robin slice for RT_RR entities.
const rtQuantumNS = 1_000_000

// quantumNS is the fixed quantum table indexed by MLFQ level.
var quantumNS = [MLFQLevels]uint64{
	1_000_000,  // level 0: 1ms
	2_000_000,  // level 1: 2ms
	4_000_000,  // level 2: 4ms
	8_000_000,  // level 3: 8ms
	16_000_000, // level 4: 16ms
}

// QuantumForLevel returns the time quantum for an MLFQ level.
func QuantumForLevel(level int) uint64 {
	if level < 0 {
		level = 0
	}
	if level >= MLFQLevels {
		level = MLFQLevels - 1
	}
	return quantumNS[level]
}

type entityState int

const (
	stateBlocked entityState = iota
	stateReady               // linked into a runqueue
	stateRunning             // some CPU's current
)

// Entity is the per-process scheduling record. All mutable fields are owned by
// the runqueue of LastCPU and must only be touched under that queue's lock;
// migration hands ownership over while holding both locks. lastCPU itself is
// atomic because lockOwner has to read it before any lock is held.
type Entity struct {
	PID  uint32
	Name string

	class           Class
	staticPriority  int32 // nice, -20..+19
	dynamicPriority int32
	mlfqLevel       int

	quantumRemainingNS uint64
	totalRuntimeNS     uint64
	lastDispatchedNS   uint64
	lastPreemptedNS    uint64
	waitStartNS        uint64
	enqueuedNS         uint64

	voluntarySwitches   uint64
	involuntarySwitches uint64
	boostCount          uint64
	migrationCount      uint64
	lastMigrationNS     uint64

	affinity     topology.CPUMask
	preferredCPU uint32
	lastCPU      atomic.Uint32

	behaviour          Behaviour
	cpuUsagePercent    uint32
	ioWaitPercent      uint32
	lastLearnRuntimeNS uint64
	lastLearnNS        uint64
	gamingCandidate    bool
	levelBias          int // -1 for interactive/io-bound entities, else 0

	// Realtime state.
	rtPolicy        RTPolicy
	deadlineNS      uint64
	periodNS        uint64
	runtimeBudgetNS uint64
	throttled       bool
	deadlineMisses  uint64

	// Gaming state.
	gamingEnabled  bool
	inputPriority  int32
	frameDeadline  uint64
	frameTargetFPS uint32
	frameStartNS   uint64
	frameAvgNS     uint64
	frameMisses    uint64
	boostExpiryNS  uint64
	boostSavedPrio int32  // dynamicPriority before the active input boost
	pacingDelayNS  uint64 // suggested sleep before the next frame

	state  entityState
	isIdle bool

	// Intrusive runqueue linkage.
	prev, next *Entity
	queue      *entityQueue
}

// Class returns the entity's scheduling class.
func (e *Entity) Class() Class { return e.class }

// MLFQLevel returns the entity's current feedback-queue level. It is only
// meaningful for MLFQ classes.
func (e *Entity) MLFQLevel() int { return e.mlfqLevel }

// LastCPU returns the CPU that owns (or last ran) the entity.
func (e *Entity) LastCPU() uint32 { return e.lastCPU.Load() }

// hasQuantum reports whether the entity's policy carries a time slice at all.
// RT FIFO, RT DEADLINE and gaming entities run untimed.
func (e *Entity) hasQuantum() bool {
	if e.class == ClassGaming || e.gamingEnabled {
		return false
	}
	if e.class == ClassRealtime {
		return e.rtPolicy == RTRoundRobin
	}
	return e.class.usesMLFQ()
}

// Affinity returns the entity's allowed-CPU mask.
func (e *Entity) Affinity() topology.CPUMask { return e.affinity }

// Behaviour returns the learned behaviour pattern.
func (e *Entity) Behaviour() Behaviour { return e.behaviour }

// StaticPriority returns the nice value.
func (e *Entity) StaticPriority() int32 { return e.staticPriority }

// DynamicPriority returns the effective priority after boosts.
func (e *Entity) DynamicPriority() int32 { return e.dynamicPriority }

// GamingEnabled reports whether the entity runs on the gaming fast path.
func (e *Entity) GamingEnabled() bool { return e.gamingEnabled }

// Throttled reports whether the entity was set aside by the RT bandwidth
// throttle. The flag clears when the entity is next considered for dispatch
// after the window rolls over.
func (e *Entity) Throttled() bool { return e.throttled }

// Counters returns a copy of the entity's accounting counters.
func (e *Entity) Counters() EntityCounters {
	return EntityCounters{
		TotalRuntimeNS:      e.totalRuntimeNS,
		VoluntarySwitches:   e.voluntarySwitches,
		InvoluntarySwitches: e.involuntarySwitches,
		BoostCount:          e.boostCount,
		MigrationCount:      e.migrationCount,
		DeadlineMisses:      e.deadlineMisses,
		FrameMisses:         e.frameMisses,
	}
}

// EntityCounters is a snapshot of per-entity accounting.
type EntityCounters struct {
	TotalRuntimeNS      uint64
	VoluntarySwitches   uint64
	InvoluntarySwitches uint64
	BoostCount          uint64
	MigrationCount      uint64
	DeadlineMisses      uint64
	FrameMisses         uint64
}

// naturalLevel is the MLFQ level an entity returns to when fully promoted:
// the class base, pushed up by accumulated dynamic-priority penalty and down
// by the interactive bias.
func (e *Entity) naturalLevel() int {
	base := classBaseLevel(e.class)
	penalty := int(e.dynamicPriority-e.staticPriority) / 5
	level := base + penalty + e.levelBias
	if level < 0 {
		level = 0
	}
	if level >= MLFQLevels {
		level = MLFQLevels - 1
	}
	return level
}

func classBaseLevel(c Class) int {
	switch c {
	case ClassInteractive:
		return 1
	case ClassNormal:
		return 2
	case ClassBackground:
		return 4
	}
	return 0
}

func clampNice(nice int32) int32 {
	if nice < -20 {
		return -20
	}
	if nice > 19 {
		return 19
	}
	return nice
}

// boundedPenalty keeps the dynamic priority of MLFQ entities within the
// permitted band above the static priority. The penalty never goes negative
// and never exceeds 10 nice steps. Gaming and input boosts bypass this band:
// they are explicit class-level overrides, not behaviour bias.
func boundedPenalty(static, dynamic int32) int32 {
	if dynamic < static {
		return static
	}
	if dynamic-static > 10 {
		return static + 10
	}
	return dynamic
}
