package sched

import "time"

// Clock supplies monotonic nanosecond timestamps. The dispatcher itself takes
// explicit timestamps on the tick path; the clock covers API entry points
// (wake, yield, gaming events) that need "now" without a tick.
type Clock interface {
	NowNS() uint64
}

// ContextSwitcher performs the platform register/stack swap between two
// entities. The scheduler never holds a runqueue lock across Switch.
type ContextSwitcher interface {
	Switch(prev, next *Entity)
}

// TimerProgrammer arms the per-CPU tick timer. Gaming mode raises the tick
// rate to 1 kHz; disabling it restores the normal rate.
type TimerProgrammer interface {
	ArmTimer(cpu uint32, intervalNS uint64)
}

const (
	normalTickNS = 10_000_000 // 100 Hz
	gamingTickNS = 1_000_000  // 1 kHz
)

type nopSwitcher struct{}

func (nopSwitcher) Switch(prev, next *Entity) {}

type nopTimer struct{}

func (nopTimer) ArmTimer(cpu uint32, intervalNS uint64) {}

// MonotonicClock reads the host monotonic clock.
type MonotonicClock struct {
	base time.Time
}

func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{base: time.Now()}
}

func (c *MonotonicClock) NowNS() uint64 {
	return uint64(time.Since(c.base))
}

// ManualClock is a settable clock for simulation and tests.
type ManualClock struct {
	now uint64
}

func NewManualClock(start uint64) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) NowNS() uint64 {
	return c.now
}

func (c *ManualClock) Advance(deltaNS uint64) uint64 {
	c.now += deltaNS
	return c.now
}

func (c *ManualClock) Set(nowNS uint64) {
	c.now = nowNS
}
