package sched

import (
	"sync"
)

// loadShift is the fixed-point shift for load averages.
const loadShift = 11

const (
	window1mNS  = 60_000_000_000
	window5mNS  = 300_000_000_000
	window15mNS = 900_000_000_000
)

// runQueue is the per-CPU scheduling state. Every field is owned by the
// queue's mutex; the dispatcher of the owning CPU and migrators holding the
// lock are the only writers.
type runQueue struct {
	cpuID uint32

	mu sync.Mutex

	mlfq        [MLFQLevels]entityQueue
	rtQueue     entityQueue
	gamingQueue entityQueue

	current *Entity
	idle    *Entity

	lastTickNS     uint64
	lastAgingNS    uint64
	lastLearningNS uint64
	preemptPending bool

	// Fixed-point runnable-count EMAs sampled on each tick.
	loadAvg1m  uint64
	loadAvg5m  uint64
	loadAvg15m uint64

	contextSwitches uint64
	idleTimeNS      uint64
	tickCount       uint64
}

func newRunQueue(cpuID uint32) *runQueue {
	rq := &runQueue{cpuID: cpuID}
	rq.idle = &Entity{
		PID:       0,
		Name:      "idle",
		class:     ClassBackground,
		mlfqLevel: MLFQLevels - 1,
		isIdle:    true,
		state:     stateRunning,
	}
	rq.idle.lastCPU.Store(cpuID)
	rq.current = rq.idle
	return rq
}

// runnableCount is the number of queued entities, excluding current.
func (rq *runQueue) runnableCount() uint32 {
	n := rq.rtQueue.len() + rq.gamingQueue.len()
	for i := range rq.mlfq {
		n += rq.mlfq[i].len()
	}
	return n
}

// load is the balancing metric: queued entities plus one for a running
// non-idle current.
func (rq *runQueue) load() uint32 {
	n := rq.runnableCount()
	if rq.current != nil && !rq.current.isIdle {
		n++
	}
	return n
}

// sampleLoad folds the current runnable count into the 1/5/15-minute EMAs.
func (rq *runQueue) sampleLoad(deltaNS uint64) {
	sample := uint64(rq.load()) << loadShift
	rq.loadAvg1m = emaStep(rq.loadAvg1m, sample, deltaNS, window1mNS)
	rq.loadAvg5m = emaStep(rq.loadAvg5m, sample, deltaNS, window5mNS)
	rq.loadAvg15m = emaStep(rq.loadAvg15m, sample, deltaNS, window15mNS)
}

// emaStep advances an exponential moving average by deltaNS against a window,
// in integer arithmetic.
func emaStep(avg, sample, deltaNS, windowNS uint64) uint64 {
	if deltaNS >= windowNS {
		return sample
	}
	if sample >= avg {
		return avg + (sample-avg)*deltaNS/windowNS
	}
	return avg - (avg-sample)*deltaNS/windowNS
}

// LoadAverages are the per-CPU 1/5/15-minute runnable-count averages,
// scaled by 100 (a value of 150 means 1.5 runnable on average).
type LoadAverages struct {
	Load1m  uint32
	Load5m  uint32
	Load15m uint32
}

func (rq *runQueue) loadAverages() LoadAverages {
	return LoadAverages{
		Load1m:  uint32(rq.loadAvg1m * 100 >> loadShift),
		Load5m:  uint32(rq.loadAvg5m * 100 >> loadShift),
		Load15m: uint32(rq.loadAvg15m * 100 >> loadShift),
	}
}

// queueFor returns the destination queue for an entity on this CPU.
func (rq *runQueue) queueFor(e *Entity) *entityQueue {
	switch {
	case e.gamingEnabled || e.class == ClassGaming:
		return &rq.gamingQueue
	case e.class == ClassRealtime:
		return &rq.rtQueue
	default:
		return &rq.mlfq[e.mlfqLevel]
	}
}

// withTwoQueues runs fn with both runqueue locks held, acquiring them in
// ascending CPU-id order so concurrent migrations cannot deadlock.
func withTwoQueues(a, b *runQueue, fn func()) {
	if a == b {
		a.mu.Lock()
		defer a.mu.Unlock()
		fn()
		return
	}
	first, second := a, b
	if b.cpuID < a.cpuID {
		first, second = b, a
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()
	fn()
}
