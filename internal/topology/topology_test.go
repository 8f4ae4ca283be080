package topology

import (
	"testing"
)

func buildTestTopology(t *testing.T, spec Spec) *Topology {
	t.Helper()
	topo, err := NewSynthetic(spec)
	if err != nil {
		t.Fatalf("Failed to build topology: %v", err)
	}
	return topo
}

func TestSyntheticTopology_Counts(t *testing.T) {
	topo := buildTestTopology(t, Spec{
		Sockets:          2,
		CoresPerSocket:   4,
		ThreadsPerCore:   2,
		NUMANodes:        2,
		PerformanceCores: 4,
	})

	if topo.NumCPUs() != 16 {
		t.Errorf("Expected 16 CPUs, got %d", topo.NumCPUs())
	}
	if topo.NumNUMANodes() != 2 {
		t.Errorf("Expected 2 NUMA nodes, got %d", topo.NumNUMANodes())
	}
	if got := topo.PerformanceMask().Count(); got != 8 {
		t.Errorf("Expected 8 performance threads, got %d", got)
	}
	if got := topo.EfficiencyMask().Count(); got != 8 {
		t.Errorf("Expected 8 efficiency threads, got %d", got)
	}
	if got := topo.OnlineMask().Count(); got != 16 {
		t.Errorf("Expected all 16 CPUs online, got %d", got)
	}
}

func TestSyntheticTopology_SMTSiblings(t *testing.T) {
	topo := buildTestTopology(t, Spec{Sockets: 1, CoresPerSocket: 2, ThreadsPerCore: 2})

	cpu0, err := topo.CPU(0)
	if err != nil {
		t.Fatalf("CPU(0) failed: %v", err)
	}
	if cpu0.SMTSiblingID != 1 {
		t.Errorf("Expected CPU 0 sibling 1, got %d", cpu0.SMTSiblingID)
	}
	cpu1, err := topo.CPU(1)
	if err != nil {
		t.Fatalf("CPU(1) failed: %v", err)
	}
	if cpu1.SMTSiblingID != 0 {
		t.Errorf("Expected CPU 1 sibling 0, got %d", cpu1.SMTSiblingID)
	}
	if cpu0.PhysicalCoreID != cpu1.PhysicalCoreID {
		t.Errorf("Siblings should share a physical core: %d vs %d",
			cpu0.PhysicalCoreID, cpu1.PhysicalCoreID)
	}
}

func TestSyntheticTopology_CacheSharing(t *testing.T) {
	topo := buildTestTopology(t, Spec{Sockets: 2, CoresPerSocket: 2, ThreadsPerCore: 2})

	// CPUs 0 and 1 are SMT siblings: all cache levels shared.
	if !topo.ShareCache(0, 1, CacheL1) {
		t.Error("Expected siblings to share L1")
	}
	// CPUs 0 and 2 are different cores on the same socket: L3 only.
	if topo.ShareCache(0, 2, CacheL1) {
		t.Error("Different cores must not share L1")
	}
	if !topo.ShareCache(0, 2, CacheL3) {
		t.Error("Same-socket cores share L3")
	}
	// CPUs 0 and 4 sit on different sockets.
	if topo.ShareCache(0, 4, CacheL3) {
		t.Error("Cross-socket CPUs must not share L3")
	}
}

func TestSyntheticTopology_NUMA(t *testing.T) {
	topo := buildTestTopology(t, Spec{Sockets: 2, CoresPerSocket: 2, ThreadsPerCore: 1, NUMANodes: 2})

	node, err := topo.NUMANodeOf(3)
	if err != nil {
		t.Fatalf("NUMANodeOf(3) failed: %v", err)
	}
	if node.ID != 1 {
		t.Errorf("Expected CPU 3 on node 1, got node %d", node.ID)
	}
	if !node.CPUs.Has(2) || !node.CPUs.Has(3) {
		t.Errorf("Expected node 1 to hold CPUs 2-3, got %s", node.CPUs.String())
	}
}

func TestSyntheticTopology_Domains(t *testing.T) {
	topo := buildTestTopology(t, Spec{Sockets: 2, CoresPerSocket: 2, ThreadsPerCore: 2, NUMANodes: 2})

	cases := []struct {
		level DomainLevel
		want  int
	}{
		{DomainSMT, 4},
		{DomainCore, 2},
		{DomainPackage, 2},
		{DomainNUMA, 2},
	}
	for _, c := range cases {
		if got := len(topo.Domains(c.level)); got != c.want {
			t.Errorf("Expected %d %s domains, got %d", c.want, c.level.String(), got)
		}
	}

	smt := topo.CPUsInDomain(DomainSMT, 0)
	if smt.Count() != 2 || !smt.Has(0) || !smt.Has(1) {
		t.Errorf("Expected SMT domain of CPU 0 to be 0-1, got %s", smt.String())
	}
}

func TestSetOnline(t *testing.T) {
	topo := buildTestTopology(t, Spec{Sockets: 1, CoresPerSocket: 4, ThreadsPerCore: 1})

	topo.SetOnline(2, false)
	if topo.IsOnline(2) {
		t.Error("Expected CPU 2 offline")
	}
	if topo.OnlineMask().Has(2) {
		t.Errorf("Online mask still contains CPU 2: %s", topo.OnlineMask().String())
	}
	topo.SetOnline(2, true)
	if !topo.IsOnline(2) {
		t.Error("Expected CPU 2 back online")
	}

	topo.SetIsolated(3, true)
	if topo.OnlineMask().Has(3) {
		t.Error("Isolated CPU must not appear in the online mask")
	}
}

func TestDynamicState(t *testing.T) {
	topo := buildTestTopology(t, Spec{Sockets: 1, CoresPerSocket: 2, ThreadsPerCore: 1})

	topo.SetTemperature(1, 88)
	if got := topo.Dynamic(1).TemperatureC; got != 88 {
		t.Errorf("Expected temperature 88, got %d", got)
	}
	topo.SetFrequencyHint(0, 4200)
	if got := topo.Dynamic(0).CurrentMHz; got != 4200 {
		t.Errorf("Expected frequency hint 4200, got %d", got)
	}
}

func TestSyntheticTopology_InvalidSpecs(t *testing.T) {
	if _, err := NewSynthetic(Spec{}); err == nil {
		t.Error("Expected error for empty spec")
	}
	if _, err := NewSynthetic(Spec{Sockets: 3, CoresPerSocket: 2, ThreadsPerCore: 1, NUMANodes: 2}); err == nil {
		t.Error("Expected error when NUMA nodes do not divide sockets")
	}
	if _, err := NewSynthetic(Spec{Sockets: 1, CoresPerSocket: 65, ThreadsPerCore: 1}); err == nil {
		t.Error("Expected error when spec exceeds the CPU mask width")
	}
}
