package sched

import (
	"errors"
	"testing"

	"schedcore/internal/topology"
)

// hybridQuad is a single-socket machine with two P-cores (CPUs 0,1) and two
// E-cores (CPUs 2,3).
func hybridQuad() topology.Spec {
	return topology.Spec{Sockets: 1, CoresPerSocket: 4, ThreadsPerCore: 1, PerformanceCores: 2}
}

// loadCPU parks n runnable fillers on one CPU to raise its load.
func loadCPU(t *testing.T, s *Scheduler, cpu uint32, basePID uint32, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		pid := basePID + uint32(i)
		mustAttach(t, s, pid, "filler", ClassNormal, topology.MaskOf(cpu))
		mustWake(t, s, pid)
	}
}

func TestPlaceFirstFit(t *testing.T) {
	s, _ := newTestScheduler(t, hybridQuad(), nil)
	s.SetPlacementPolicy(PlaceFirstFit)

	e := mustAttach(t, s, 1, "w", ClassNormal, topology.MaskOf(2, 3))
	cpu, err := s.placeEntity(e)
	if err != nil {
		t.Fatalf("placeEntity failed: %v", err)
	}
	if cpu != 2 {
		t.Errorf("Expected first allowed CPU 2, got %d", cpu)
	}
}

func TestPlaceDefaultPicksLeastLoaded(t *testing.T) {
	s, _ := newTestScheduler(t, dualCore(), nil)
	loadCPU(t, s, 0, 100, 2)

	e := mustAttach(t, s, 1, "w", ClassNormal, topology.MaskNone)
	cpu, err := s.placeEntity(e)
	if err != nil {
		t.Fatalf("placeEntity failed: %v", err)
	}
	if cpu != 1 {
		t.Errorf("Expected idle CPU 1, got %d", cpu)
	}
}

func TestPlaceNUMALocalStaysOnNode(t *testing.T) {
	spec := topology.Spec{Sockets: 2, CoresPerSocket: 2, ThreadsPerCore: 1, NUMANodes: 2}
	s, _ := newTestScheduler(t, spec, nil)

	// CPUs 0,1 are node 0; CPUs 2,3 are node 1. The entity last ran on node 1,
	// which is busier than node 0, and must still be kept local.
	loadCPU(t, s, 2, 100, 1)
	e := mustAttach(t, s, 1, "w", ClassNormal, topology.MaskNone)
	e.lastCPU.Store(2)
	cpu, err := s.placeEntity(e)
	if err != nil {
		t.Fatalf("placeEntity failed: %v", err)
	}
	if cpu != 3 {
		t.Errorf("Expected least-loaded CPU on node 1, got %d", cpu)
	}
	if got := s.StatsSnapshot().NUMALocalPlacements; got == 0 {
		t.Error("Expected a NUMA-local placement to be counted")
	}

	// Affinity excluding the local node widens to the remaining candidates.
	e2 := mustAttach(t, s, 2, "w", ClassNormal, topology.MaskOf(0, 1))
	e2.lastCPU.Store(2)
	cpu, err = s.placeEntity(e2)
	if err != nil {
		t.Fatalf("placeEntity failed: %v", err)
	}
	if cpu != 0 && cpu != 1 {
		t.Errorf("Expected placement on node 0, got CPU %d", cpu)
	}
	if got := s.StatsSnapshot().NUMARemotePlacements; got == 0 {
		t.Error("Expected a NUMA-remote placement to be counted")
	}
}

func TestPlaceBestFitRoutesByClass(t *testing.T) {
	s, _ := newTestScheduler(t, hybridQuad(), nil)
	s.SetPlacementPolicy(PlaceBestFit)

	game := mustAttach(t, s, 1, "game", ClassGaming, topology.MaskNone)
	cpu, err := s.placeEntity(game)
	if err != nil {
		t.Fatalf("placeEntity failed: %v", err)
	}
	if !s.topo.PerformanceMask().Has(cpu) {
		t.Errorf("Expected a gaming entity on a P-core, got CPU %d", cpu)
	}

	bg := mustAttach(t, s, 2, "indexer", ClassBackground, topology.MaskNone)
	cpu, err = s.placeEntity(bg)
	if err != nil {
		t.Fatalf("placeEntity failed: %v", err)
	}
	if !s.topo.EfficiencyMask().Has(cpu) {
		t.Errorf("Expected a background entity on an E-core, got CPU %d", cpu)
	}

	// With affinity restricted to P-cores, background work falls back to them.
	bg2 := mustAttach(t, s, 3, "indexer", ClassBackground, topology.MaskOf(0, 1))
	cpu, err = s.placeEntity(bg2)
	if err != nil {
		t.Fatalf("placeEntity failed: %v", err)
	}
	if cpu != 0 && cpu != 1 {
		t.Errorf("Expected fallback inside the affinity, got CPU %d", cpu)
	}
}

func TestPlacePowerAwarePrefersEfficiencyCores(t *testing.T) {
	s, _ := newTestScheduler(t, hybridQuad(), nil)
	s.SetPlacementPolicy(PlacePowerAware)

	e := mustAttach(t, s, 1, "w", ClassNormal, topology.MaskNone)
	cpu, err := s.placeEntity(e)
	if err != nil {
		t.Fatalf("placeEntity failed: %v", err)
	}
	if !s.topo.EfficiencyMask().Has(cpu) {
		t.Errorf("Expected an E-core, got CPU %d", cpu)
	}
}

func TestPlaceThermalAwarePicksCoolest(t *testing.T) {
	s, _ := newTestScheduler(t, dualCore(), nil)
	s.SetPlacementPolicy(PlaceThermalAware)
	s.topo.SetTemperature(0, 82)
	s.topo.SetTemperature(1, 55)

	e := mustAttach(t, s, 1, "w", ClassNormal, topology.MaskNone)
	cpu, err := s.placeEntity(e)
	if err != nil {
		t.Fatalf("placeEntity failed: %v", err)
	}
	if cpu != 1 {
		t.Errorf("Expected the cooler CPU 1, got %d", cpu)
	}
}

func TestPlaceCacheAwarePrefersSharedCaches(t *testing.T) {
	// Two SMT cores: CPUs 0,1 share L1/L2 on core 0; CPUs 2,3 on core 1.
	spec := topology.Spec{Sockets: 1, CoresPerSocket: 2, ThreadsPerCore: 2}
	s, _ := newTestScheduler(t, spec, nil)
	s.SetPlacementPolicy(PlaceCacheAware)

	e := mustAttach(t, s, 1, "w", ClassNormal, topology.MaskNone)
	e.lastCPU.Store(2)
	cpu, err := s.placeEntity(e)
	if err != nil {
		t.Fatalf("placeEntity failed: %v", err)
	}
	if cpu != 2 {
		t.Errorf("Expected CPU 2 sharing all cache levels, got %d", cpu)
	}

	// When the warm CPU is loaded, its SMT sibling wins the tie on load.
	loadCPU(t, s, 2, 100, 1)
	cpu, err = s.placeEntity(e)
	if err != nil {
		t.Fatalf("placeEntity failed: %v", err)
	}
	if cpu != 3 {
		t.Errorf("Expected the SMT sibling CPU 3, got %d", cpu)
	}
}

func TestPlaceRejectsOfflineOnlyAffinity(t *testing.T) {
	s, _ := newTestScheduler(t, dualCore(), nil)
	e := mustAttach(t, s, 1, "w", ClassNormal, topology.MaskNone)
	e.affinity = topology.MaskOf(1)
	s.topo.SetOnline(1, false)

	if _, err := s.placeEntity(e); !errors.Is(err, ErrAffinityEmpty) {
		t.Errorf("Expected ErrAffinityEmpty, got %v", err)
	}
}
