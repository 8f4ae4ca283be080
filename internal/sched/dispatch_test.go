package sched

import (
	"testing"

	"schedcore/internal/config"
	"schedcore/internal/topology"
)

func TestGamingPreemptsNormal(t *testing.T) {
	s, clk := newTestScheduler(t, dualCore(), nil)

	mustAttach(t, s, 1, "batch", ClassNormal, topology.MaskOf(0))
	mustWake(t, s, 1)
	tick(s, clk, 0, 1_000_000)
	if s.CurrentOn(0).PID != 1 {
		t.Fatal("Setup failed: normal entity not running")
	}

	s.GamingEnable()
	mustAttach(t, s, 2, "game", ClassGaming, topology.MaskOf(0))
	if err := s.GamingBoost(2); err != nil {
		t.Fatalf("GamingBoost failed: %v", err)
	}
	clk.Set(2_000_000)
	mustWake(t, s, 2)
	if err := s.SetFrameDeadline(2, 3_000_000); err != nil {
		t.Fatalf("SetFrameDeadline failed: %v", err)
	}

	tick(s, clk, 0, 2_500_000)
	if cur := s.CurrentOn(0); cur.PID != 2 {
		t.Fatalf("Expected gaming entity running after one tick, got pid %d", cur.PID)
	}
	// The preempted entity waits at the head of its level, slice intact.
	e1, _ := s.Entity(1)
	if e1.MLFQLevel() != 2 {
		t.Errorf("Expected preempted entity back at level 2, got %d", e1.MLFQLevel())
	}
	if e1.state != stateReady {
		t.Errorf("Expected preempted entity ready, got state %d", e1.state)
	}
}

func TestQuantumExhaustionDemotes(t *testing.T) {
	s, clk := newTestScheduler(t, singleCore(), nil)
	mustAttach(t, s, 1, "spin", ClassNormal, topology.MaskNone)
	mustWake(t, s, 1)

	// Level 2 carries a 4ms quantum; tick every millisecond until it burns.
	for ms := uint64(1); ms <= 5; ms++ {
		tick(s, clk, 0, ms*1_000_000)
	}

	e, _ := s.Entity(1)
	if e.MLFQLevel() != 3 {
		t.Errorf("Expected demotion to level 3 after quantum exhaustion, got %d", e.MLFQLevel())
	}
	if e.Counters().InvoluntarySwitches == 0 {
		t.Error("Expected an involuntary switch recorded")
	}
	if got := s.StatsSnapshot().QuantumExpirations; got != 1 {
		t.Errorf("Expected 1 quantum expiration, got %d", got)
	}
	// Sole runnable entity keeps the CPU with a fresh level-3 quantum.
	if cur := s.CurrentOn(0); cur.PID != 1 {
		t.Fatalf("Expected entity re-picked, got %q", cur.Name)
	}
	if e.quantumRemainingNS != QuantumForLevel(3) {
		t.Errorf("Expected fresh quantum %d, got %d", QuantumForLevel(3), e.quantumRemainingNS)
	}
}

func TestLevelPreemptionWithinClass(t *testing.T) {
	s, clk := newTestScheduler(t, singleCore(), nil)
	mustAttach(t, s, 1, "bg", ClassBackground, topology.MaskNone)
	mustWake(t, s, 1)
	tick(s, clk, 0, 1_000_000)
	if s.CurrentOn(0).PID != 1 {
		t.Fatal("Setup failed: background entity not running")
	}

	// An interactive entity enters at level 1 and outranks level 4.
	mustAttach(t, s, 2, "editor", ClassInteractive, topology.MaskNone)
	clk.Set(1_500_000)
	mustWake(t, s, 2)
	tick(s, clk, 0, 2_000_000)
	if cur := s.CurrentOn(0); cur.PID != 2 {
		t.Fatalf("Expected interactive entity to preempt background, got pid %d", cur.PID)
	}
}

func TestAgingPromotesStarvedEntity(t *testing.T) {
	s, clk := newTestScheduler(t, singleCore(), func(cfg *config.Config) {
		cfg.Gaming.Enabled = true
	})
	// The gaming hog outranks every MLFQ level, so the background entity
	// can only climb via aging.
	mustAttach(t, s, 1, "hog", ClassGaming, topology.MaskNone)
	mustAttach(t, s, 2, "starved", ClassBackground, topology.MaskNone)
	mustWake(t, s, 1)
	mustWake(t, s, 2)

	for ms := uint64(1); ms <= 600; ms++ {
		tick(s, clk, 0, ms*1_000_000)
	}

	e2, _ := s.Entity(2)
	if e2.MLFQLevel() != 0 {
		t.Errorf("Expected aging to promote the starved entity to level 0, got %d", e2.MLFQLevel())
	}
	if e2.Counters().BoostCount == 0 {
		t.Error("Expected aging boosts on the starved entity")
	}
	if got := s.StatsSnapshot().AgingBoosts; got == 0 {
		t.Error("Expected aging boosts recorded in global stats")
	}
}

func TestDemotionLetsPeerRun(t *testing.T) {
	s, clk := newTestScheduler(t, singleCore(), nil)
	mustAttach(t, s, 1, "hog", ClassNormal, topology.MaskNone)
	mustAttach(t, s, 2, "bg", ClassBackground, topology.MaskNone)
	mustWake(t, s, 1)
	mustWake(t, s, 2)

	// The hog demotes from level 2 to 4 as it burns quanta; once levels
	// meet, FIFO order hands the background entity the CPU.
	for ms := uint64(1); ms <= 60; ms++ {
		tick(s, clk, 0, ms*1_000_000)
	}
	e2, _ := s.Entity(2)
	if e2.Counters().TotalRuntimeNS == 0 {
		t.Error("Expected the background entity to run once the hog demoted")
	}
}

func TestTickUsesMeasuredDelta(t *testing.T) {
	s, clk := newTestScheduler(t, singleCore(), nil)
	mustAttach(t, s, 1, "w", ClassNormal, topology.MaskNone)
	mustWake(t, s, 1)
	tick(s, clk, 0, 1_000_000)

	// A single 3ms gap must charge 3ms, not one nominal tick.
	tick(s, clk, 0, 4_000_000)
	e, _ := s.Entity(1)
	if e.Counters().TotalRuntimeNS != 3_000_000 {
		t.Errorf("Expected 3ms charged from measured delta, got %d", e.Counters().TotalRuntimeNS)
	}
	if e.quantumRemainingNS != QuantumForLevel(2)-3_000_000 {
		t.Errorf("Expected quantum reduced by 3ms, got %d remaining", e.quantumRemainingNS)
	}
}

func TestIdleTimeAccounting(t *testing.T) {
	s, clk := newTestScheduler(t, singleCore(), nil)
	tick(s, clk, 0, 1_000_000)
	tick(s, clk, 0, 3_000_000)

	st := s.StatsSnapshot()
	if st.PerCPU[0].IdleTimeNS != 2_000_000 {
		t.Errorf("Expected 2ms idle time, got %d", st.PerCPU[0].IdleTimeNS)
	}
}

func TestPreemptsPredicate(t *testing.T) {
	s, _ := newTestScheduler(t, singleCore(), nil)

	idle := s.rq(0).idle
	gaming := &Entity{class: ClassGaming, gamingEnabled: true}
	rt := &Entity{class: ClassRealtime, rtPolicy: RTFifo}
	rtEDF1 := &Entity{class: ClassRealtime, rtPolicy: RTDeadline, deadlineNS: 100}
	rtEDF2 := &Entity{class: ClassRealtime, rtPolicy: RTDeadline, deadlineNS: 200}
	normalL2 := &Entity{class: ClassNormal, mlfqLevel: 2, quantumRemainingNS: 1000}
	normalL3 := &Entity{class: ClassNormal, mlfqLevel: 3, quantumRemainingNS: 1000}
	exhausted := &Entity{class: ClassNormal, mlfqLevel: 2, quantumRemainingNS: 0}

	cases := []struct {
		name string
		c, t *Entity
		want bool
	}{
		{"anything preempts idle", normalL3, idle, true},
		{"gaming preempts rt", gaming, rt, true},
		{"gaming preempts normal", gaming, normalL2, true},
		{"rt preempts normal", rt, normalL2, true},
		{"rt does not preempt gaming", rt, gaming, false},
		{"earlier deadline wins", rtEDF1, rtEDF2, true},
		{"later deadline loses", rtEDF2, rtEDF1, false},
		{"lower level preempts higher", normalL2, normalL3, true},
		{"higher level yields", normalL3, normalL2, false},
		{"same level exhausted quantum", normalL2, exhausted, true},
		{"same level live quantum", exhausted, normalL2, false},
	}
	for _, c := range cases {
		if got := s.preempts(c.c, c.t); got != c.want {
			t.Errorf("%s: expected %v, got %v", c.name, c.want, got)
		}
	}
}

func TestFrequencyHintFollowsWorkload(t *testing.T) {
	s, clk := newTestScheduler(t, singleCore(), func(cfg *config.Config) {
		cfg.Gaming.Enabled = true
	})
	mustAttach(t, s, 1, "game", ClassGaming, topology.MaskNone)
	mustWake(t, s, 1)
	tick(s, clk, 0, 1_000_000)
	tick(s, clk, 0, 2_000_000)

	cpu0, _ := s.Topology().CPU(0)
	if got := s.Topology().Dynamic(0).CurrentMHz; got != cpu0.MaxMHz {
		t.Errorf("Expected max frequency hint %d under gaming load, got %d", cpu0.MaxMHz, got)
	}

	clk.Set(3_000_000)
	if err := s.Block(1); err != nil {
		t.Fatalf("Block failed: %v", err)
	}
	tick(s, clk, 0, 4_000_000)
	if got := s.Topology().Dynamic(0).CurrentMHz; got != cpu0.BaseMHz {
		t.Errorf("Expected base frequency hint %d when idle, got %d", cpu0.BaseMHz, got)
	}
}
