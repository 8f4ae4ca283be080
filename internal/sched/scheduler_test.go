package sched

import (
	"errors"
	"testing"

	"schedcore/internal/config"
	"schedcore/internal/topology"
)

func testTopology(t *testing.T, spec topology.Spec) *topology.Topology {
	t.Helper()
	topo, err := topology.NewSynthetic(spec)
	if err != nil {
		t.Fatalf("Failed to build topology: %v", err)
	}
	return topo
}

// newTestScheduler builds a scheduler over a synthetic machine with a manual
// clock starting at zero. mutate adjusts the default config before
// construction.
func newTestScheduler(t *testing.T, spec topology.Spec, mutate func(*config.Config)) (*Scheduler, *ManualClock) {
	t.Helper()
	cfg := config.Defaults()
	if mutate != nil {
		mutate(cfg)
	}
	s, err := New(testTopology(t, spec), cfg)
	if err != nil {
		t.Fatalf("Failed to build scheduler: %v", err)
	}
	clk := NewManualClock(0)
	s.SetClock(clk)
	return s, clk
}

func dualCore() topology.Spec {
	return topology.Spec{Sockets: 1, CoresPerSocket: 2, ThreadsPerCore: 1}
}

func singleCore() topology.Spec {
	return topology.Spec{Sockets: 1, CoresPerSocket: 1, ThreadsPerCore: 1}
}

// tick advances the clock to the given time and runs the tick handler on one
// CPU.
func tick(s *Scheduler, clk *ManualClock, cpu uint32, nowNS uint64) {
	clk.Set(nowNS)
	s.Tick(cpu, nowNS)
}

func mustAttach(t *testing.T, s *Scheduler, pid uint32, name string, class Class, affinity topology.CPUMask) *Entity {
	t.Helper()
	e, err := s.Attach(pid, name, class, affinity)
	if err != nil {
		t.Fatalf("Failed to attach pid %d: %v", pid, err)
	}
	return e
}

func mustWake(t *testing.T, s *Scheduler, pid uint32) {
	t.Helper()
	if err := s.Wake(pid); err != nil {
		t.Fatalf("Failed to wake pid %d: %v", pid, err)
	}
}

func TestAttachWakeRun(t *testing.T) {
	s, clk := newTestScheduler(t, dualCore(), nil)

	e := mustAttach(t, s, 1, "worker", ClassNormal, topology.MaskNone)
	if e.MLFQLevel() != 2 {
		t.Errorf("Expected normal class to start at level 2, got %d", e.MLFQLevel())
	}

	mustWake(t, s, 1)
	cpu := e.LastCPU()
	tick(s, clk, cpu, 1_000_000)

	cur := s.CurrentOn(cpu)
	if cur.PID != 1 {
		t.Fatalf("Expected pid 1 running on CPU %d, got %q", cpu, cur.Name)
	}
	if cur.Class() != ClassNormal {
		t.Errorf("Expected class normal, got %s", cur.Class().String())
	}
}

func TestAttachDuplicatePID(t *testing.T) {
	s, _ := newTestScheduler(t, singleCore(), nil)
	mustAttach(t, s, 7, "a", ClassNormal, topology.MaskNone)
	if _, err := s.Attach(7, "b", ClassNormal, topology.MaskNone); !errors.Is(err, ErrAlreadyAttached) {
		t.Errorf("Expected ErrAlreadyAttached, got %v", err)
	}
}

func TestUnknownPID(t *testing.T) {
	s, _ := newTestScheduler(t, singleCore(), nil)
	if err := s.Wake(99); !errors.Is(err, ErrUnknownProcess) {
		t.Errorf("Expected ErrUnknownProcess from Wake, got %v", err)
	}
	if err := s.Block(99); !errors.Is(err, ErrUnknownProcess) {
		t.Errorf("Expected ErrUnknownProcess from Block, got %v", err)
	}
}

func TestBlockReleasesCPU(t *testing.T) {
	s, clk := newTestScheduler(t, singleCore(), nil)
	mustAttach(t, s, 1, "worker", ClassNormal, topology.MaskNone)
	mustWake(t, s, 1)
	tick(s, clk, 0, 1_000_000)

	clk.Set(2_000_000)
	if err := s.Block(1); err != nil {
		t.Fatalf("Failed to block: %v", err)
	}
	if cur := s.CurrentOn(0); !cur.isIdle {
		t.Fatalf("Expected idle after blocking the only entity, got %q", cur.Name)
	}
	e, _ := s.Entity(1)
	if e.Counters().VoluntarySwitches != 1 {
		t.Errorf("Expected 1 voluntary switch, got %d", e.Counters().VoluntarySwitches)
	}
	if e.Counters().TotalRuntimeNS != 1_000_000 {
		t.Errorf("Expected 1ms of runtime charged, got %d", e.Counters().TotalRuntimeNS)
	}
}

func TestYieldRotatesSameLevel(t *testing.T) {
	s, clk := newTestScheduler(t, singleCore(), nil)
	mustAttach(t, s, 1, "a", ClassNormal, topology.MaskNone)
	mustAttach(t, s, 2, "b", ClassNormal, topology.MaskNone)
	mustWake(t, s, 1)
	mustWake(t, s, 2)
	tick(s, clk, 0, 1_000_000)

	first := s.CurrentOn(0).PID
	clk.Set(2_000_000)
	if err := s.Yield(first); err != nil {
		t.Fatalf("Failed to yield: %v", err)
	}
	second := s.CurrentOn(0).PID
	if second == first {
		t.Fatalf("Expected yield to hand the CPU to the other entity, still pid %d", first)
	}
}

func TestDetachRunningEntity(t *testing.T) {
	s, clk := newTestScheduler(t, singleCore(), nil)
	mustAttach(t, s, 1, "w", ClassNormal, topology.MaskNone)
	mustWake(t, s, 1)
	tick(s, clk, 0, 1_000_000)

	if err := s.Detach(1); err != nil {
		t.Fatalf("Failed to detach: %v", err)
	}
	if _, err := s.Entity(1); !errors.Is(err, ErrUnknownProcess) {
		t.Error("Expected entity gone after detach")
	}
	tick(s, clk, 0, 2_000_000)
	if cur := s.CurrentOn(0); !cur.isIdle {
		t.Fatalf("Expected idle after detaching the running entity, got %q", cur.Name)
	}
}

func TestSetCPUAffinityMovesRunnable(t *testing.T) {
	s, clk := newTestScheduler(t, dualCore(), nil)
	mustAttach(t, s, 1, "w", ClassNormal, topology.MaskOf(0))
	mustWake(t, s, 1)
	tick(s, clk, 0, 1_000_000)
	if s.CurrentOn(0).PID != 1 {
		t.Fatal("Setup failed: entity not running on CPU 0")
	}

	clk.Set(2_000_000)
	if err := s.SetCPUAffinity(1, topology.MaskOf(1)); err != nil {
		t.Fatalf("Failed to set affinity: %v", err)
	}
	e, _ := s.Entity(1)
	if e.LastCPU() != 1 {
		t.Errorf("Expected entity moved to CPU 1, got %d", e.LastCPU())
	}
	mask, err := s.GetCPUAffinity(1)
	if err != nil {
		t.Fatalf("GetCPUAffinity failed: %v", err)
	}
	if mask != topology.MaskOf(1) {
		t.Errorf("Expected affinity {1}, got %s", mask.String())
	}
}

func TestSetCPUAffinityRejectsOffline(t *testing.T) {
	s, _ := newTestScheduler(t, dualCore(), nil)
	mustAttach(t, s, 1, "w", ClassNormal, topology.MaskNone)
	s.Topology().SetOnline(1, false)
	if err := s.SetCPUAffinity(1, topology.MaskOf(1)); !errors.Is(err, ErrAffinityEmpty) {
		t.Errorf("Expected ErrAffinityEmpty for offline-only mask, got %v", err)
	}
}

func TestSetPriorityClampsAndReanchors(t *testing.T) {
	s, _ := newTestScheduler(t, singleCore(), nil)
	mustAttach(t, s, 1, "w", ClassNormal, topology.MaskNone)

	if err := s.SetPriority(1, 50); err != nil {
		t.Fatalf("SetPriority failed: %v", err)
	}
	e, _ := s.Entity(1)
	if e.StaticPriority() != 19 {
		t.Errorf("Expected nice clamped to 19, got %d", e.StaticPriority())
	}
	if e.DynamicPriority() != 19 {
		t.Errorf("Expected dynamic priority re-anchored to 19, got %d", e.DynamicPriority())
	}
}

func TestProcessNameHintFlagsGamingCandidate(t *testing.T) {
	s, _ := newTestScheduler(t, singleCore(), nil)
	mustAttach(t, s, 1, "worker", ClassNormal, topology.MaskNone)
	mustAttach(t, s, 2, "worker", ClassNormal, topology.MaskNone)

	if err := s.ProcessNameHint(1, "UnityRenderThread"); err != nil {
		t.Fatalf("ProcessNameHint failed: %v", err)
	}
	if err := s.ProcessNameHint(2, "sshd"); err != nil {
		t.Fatalf("ProcessNameHint failed: %v", err)
	}
	e1, _ := s.Entity(1)
	e2, _ := s.Entity(2)
	if !e1.gamingCandidate {
		t.Error("Expected render thread flagged as gaming candidate")
	}
	if e2.gamingCandidate {
		t.Error("Expected sshd not flagged")
	}
	if e1.Class() != ClassNormal {
		t.Error("Name hint alone must not change the scheduling class")
	}
}

func TestStatsSnapshotShape(t *testing.T) {
	s, clk := newTestScheduler(t, dualCore(), nil)
	mustAttach(t, s, 1, "w", ClassNormal, topology.MaskNone)
	mustWake(t, s, 1)
	tick(s, clk, 0, 1_000_000)
	tick(s, clk, 1, 1_000_000)

	st := s.StatsSnapshot()
	if len(st.PerCPU) != 2 {
		t.Fatalf("Expected 2 per-CPU entries, got %d", len(st.PerCPU))
	}
	if st.ProcessesCreated != 1 {
		t.Errorf("Expected 1 process created, got %d", st.ProcessesCreated)
	}
	if st.ContextSwitches == 0 {
		t.Error("Expected at least one context switch")
	}

	dumps := s.DumpState()
	if len(dumps) != 2 {
		t.Fatalf("Expected 2 queue dumps, got %d", len(dumps))
	}
	if dumps[0].Current == "" {
		t.Error("Expected a current entity description")
	}
}

func TestConcurrentAPIAndTicks(t *testing.T) {
	s, _ := newTestScheduler(t, dualCore(), nil)
	for pid := uint32(1); pid <= 4; pid++ {
		mustAttach(t, s, pid, "w", ClassNormal, topology.MaskNone)
		mustWake(t, s, pid)
	}

	// API entry points look up the owning queue from lastCPU while the
	// balancer migrates entities between queues.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			pid := uint32(i%4) + 1
			if err := s.SetPriority(pid, int32(i%20-10)); err != nil {
				t.Errorf("SetPriority failed: %v", err)
				return
			}
			if _, err := s.GetCPUAffinity(pid); err != nil {
				t.Errorf("GetCPUAffinity failed: %v", err)
				return
			}
		}
	}()

	for ms := uint64(1); ms <= 100; ms++ {
		now := ms * 1_000_000
		s.Tick(0, now)
		s.Tick(1, now)
	}
	<-done
}
