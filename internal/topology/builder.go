package topology

import (
	"fmt"
)

// Spec describes a synthetic machine for the builder. The simulator and the
// test suites construct topologies from specs; production code uses Discover.
type Spec struct {
	Sockets        int
	CoresPerSocket int
	ThreadsPerCore int

	// NUMANodes defaults to one node per socket. It must divide Sockets or be
	// a multiple of it (several nodes per socket is not modelled).
	NUMANodes int

	// PerformanceCores is the number of physical cores (counted from core 0)
	// flagged as P-cores; the rest become E-cores. Zero means all cores are
	// P-cores (symmetric machine).
	PerformanceCores int

	BaseMHz uint32
	MaxMHz  uint32

	MemoryBytesPerNode uint64
}

// NewSynthetic builds and validates a topology from a spec.
func NewSynthetic(spec Spec) (*Topology, error) {
	if spec.Sockets <= 0 || spec.CoresPerSocket <= 0 || spec.ThreadsPerCore <= 0 {
		return nil, fmt.Errorf("invalid spec: sockets=%d cores=%d threads=%d",
			spec.Sockets, spec.CoresPerSocket, spec.ThreadsPerCore)
	}
	numCPUs := spec.Sockets * spec.CoresPerSocket * spec.ThreadsPerCore
	if numCPUs > MaxCPUs {
		return nil, fmt.Errorf("spec yields %d cpus, max is %d", numCPUs, MaxCPUs)
	}
	nodes := spec.NUMANodes
	if nodes == 0 {
		nodes = spec.Sockets
	}
	if nodes > spec.Sockets || spec.Sockets%nodes != 0 {
		return nil, fmt.Errorf("numa nodes %d must evenly divide sockets %d", nodes, spec.Sockets)
	}
	socketsPerNode := spec.Sockets / nodes

	baseMHz := spec.BaseMHz
	if baseMHz == 0 {
		baseMHz = 2400
	}
	maxMHz := spec.MaxMHz
	if maxMHz == 0 {
		maxMHz = 4200
	}
	memPerNode := spec.MemoryBytesPerNode
	if memPerNode == 0 {
		memPerNode = 16 << 30
	}

	t := &Topology{
		cpus:    make([]CPU, 0, numCPUs),
		nodes:   make([]NUMANode, nodes),
		dynamic: make([]DynamicState, numCPUs),
	}

	perfCores := spec.PerformanceCores
	if perfCores == 0 {
		perfCores = spec.Sockets * spec.CoresPerSocket
	}

	id := uint32(0)
	globalCore := 0
	for socket := 0; socket < spec.Sockets; socket++ {
		node := uint32(socket / socketsPerNode)
		for core := 0; core < spec.CoresPerSocket; core++ {
			isPerf := globalCore < perfCores
			coreMHz := maxMHz
			if !isPerf {
				// E-cores clock lower.
				coreMHz = baseMHz + (maxMHz-baseMHz)/3
			}
			first := id
			for th := 0; th < spec.ThreadsPerCore; th++ {
				sibling := int32(-1)
				if spec.ThreadsPerCore == 2 {
					if th == 0 {
						sibling = int32(first + 1)
					} else {
						sibling = int32(first)
					}
				}
				t.cpus = append(t.cpus, CPU{
					ID:                id,
					PhysicalCoreID:    uint32(globalCore),
					PackageID:         uint32(socket),
					NUMANodeID:        node,
					L1Group:           uint32(globalCore),
					L2Group:           uint32(globalCore),
					L3Group:           uint32(socket),
					IsPerformanceCore: isPerf,
					IsEfficiencyCore:  !isPerf,
					SMTSiblingID:      sibling,
					BaseMHz:           baseMHz,
					MaxMHz:            coreMHz,
				})
				t.dynamic[id] = DynamicState{Online: true, CurrentMHz: baseMHz, TemperatureC: 45}
				id++
			}
			globalCore++
		}
	}

	for i := range t.nodes {
		t.nodes[i] = NUMANode{
			ID:            uint32(i),
			MemoryBytes:   memPerNode,
			FreeBytes:     memPerNode,
			BandwidthMBps: 50000,
			LatencyNS:     100,
		}
	}
	for _, c := range t.cpus {
		t.nodes[c.NUMANodeID].CPUs = t.nodes[c.NUMANodeID].CPUs.Set(c.ID)
		if c.IsPerformanceCore {
			t.performance = t.performance.Set(c.ID)
		} else {
			t.efficiency = t.efficiency.Set(c.ID)
		}
	}

	t.buildDomains()
	if err := t.validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// buildDomains derives the four balance-domain levels from the CPU records:
// SMT per physical core, CORE per LLC group, PACKAGE per package, NUMA per
// node. Sets nest upward because each core belongs to one LLC group, each LLC
// group to one package and each package to one node.
func (t *Topology) buildDomains() {
	byCore := map[uint32]CPUMask{}
	byL3 := map[uint32]CPUMask{}
	byPackage := map[uint32]CPUMask{}
	for _, c := range t.cpus {
		byCore[c.PhysicalCoreID] = byCore[c.PhysicalCoreID].Set(c.ID)
		byL3[c.L3Group] = byL3[c.L3Group].Set(c.ID)
		byPackage[c.PackageID] = byPackage[c.PackageID].Set(c.ID)
	}
	t.domains[DomainSMT] = domainsFromGroups(DomainSMT, byCore)
	t.domains[DomainCore] = domainsFromGroups(DomainCore, byL3)
	t.domains[DomainPackage] = domainsFromGroups(DomainPackage, byPackage)
	numa := make([]Domain, 0, len(t.nodes))
	for _, n := range t.nodes {
		numa = append(numa, Domain{Level: DomainNUMA, CPUs: n.CPUs})
	}
	t.domains[DomainNUMA] = numa
}

func domainsFromGroups(level DomainLevel, groups map[uint32]CPUMask) []Domain {
	max := uint32(0)
	for g := range groups {
		if g > max {
			max = g
		}
	}
	out := make([]Domain, 0, len(groups))
	for g := uint32(0); g <= max; g++ {
		if mask, ok := groups[g]; ok {
			out = append(out, Domain{Level: level, CPUs: mask})
		}
	}
	return out
}
