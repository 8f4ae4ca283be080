package topology

import (
	"fmt"
	"sync"
)

// DomainLevel identifies a load-balance domain level, innermost first.
type DomainLevel int

const (
	DomainSMT DomainLevel = iota
	DomainCore
	DomainPackage
	DomainNUMA
	domainLevels
)

func (l DomainLevel) String() string {
	switch l {
	case DomainSMT:
		return "smt"
	case DomainCore:
		return "core"
	case DomainPackage:
		return "package"
	case DomainNUMA:
		return "numa"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// DomainLevels lists the balance levels innermost-first, the order in which
// the balancer walks them.
func DomainLevels() []DomainLevel {
	return []DomainLevel{DomainSMT, DomainCore, DomainPackage, DomainNUMA}
}

// CPU describes one logical CPU. Identity and traits are immutable after the
// topology is built; runtime state lives in DynamicState behind the topology
// accessors.
type CPU struct {
	ID             uint32
	PhysicalCoreID uint32
	PackageID      uint32
	NUMANodeID     uint32
	L1Group        uint32
	L2Group        uint32
	L3Group        uint32

	IsPerformanceCore bool
	IsEfficiencyCore  bool
	SMTSiblingID      int32 // -1 when the core has no sibling thread
	BaseMHz           uint32
	MaxMHz            uint32
}

// DynamicState is the mutable per-CPU runtime state.
type DynamicState struct {
	Online       bool
	Isolated     bool
	CurrentMHz   uint32
	TemperatureC uint32
}

// NUMANode groups CPUs sharing local memory.
type NUMANode struct {
	ID            uint32
	CPUs          CPUMask
	MemoryBytes   uint64
	FreeBytes     uint64
	BandwidthMBps uint32
	LatencyNS     uint32
}

// Domain is one load-balance domain: a set of CPUs equalised at a given level.
type Domain struct {
	Level DomainLevel
	CPUs  CPUMask
}

// Topology is the static machine description published once at boot.
// All lookup methods are pointer-chase-free over flat slices.
type Topology struct {
	cpus    []CPU
	nodes   []NUMANode
	domains [domainLevels][]Domain

	performance CPUMask
	efficiency  CPUMask

	mu      sync.RWMutex
	dynamic []DynamicState
}

// NumCPUs returns the number of logical CPUs.
func (t *Topology) NumCPUs() int {
	return len(t.cpus)
}

// NumNUMANodes returns the number of NUMA nodes.
func (t *Topology) NumNUMANodes() int {
	return len(t.nodes)
}

// CPU returns the static record for a logical CPU ID.
func (t *Topology) CPU(id uint32) (*CPU, error) {
	if int(id) >= len(t.cpus) {
		return nil, fmt.Errorf("cpu %d out of range (%d cpus)", id, len(t.cpus))
	}
	return &t.cpus[id], nil
}

// NUMANodeOf returns the NUMA node containing the given CPU.
func (t *Topology) NUMANodeOf(cpu uint32) (*NUMANode, error) {
	c, err := t.CPU(cpu)
	if err != nil {
		return nil, err
	}
	return &t.nodes[c.NUMANodeID], nil
}

// NUMANode returns a node by ID.
func (t *Topology) NUMANode(id uint32) (*NUMANode, error) {
	if int(id) >= len(t.nodes) {
		return nil, fmt.Errorf("numa node %d out of range (%d nodes)", id, len(t.nodes))
	}
	return &t.nodes[id], nil
}

// CacheLevel selects a cache-sharing group for ShareCache.
type CacheLevel int

const (
	CacheL1 CacheLevel = 1
	CacheL2 CacheLevel = 2
	CacheL3 CacheLevel = 3
)

// ShareCache reports whether two CPUs share a cache at the given level.
func (t *Topology) ShareCache(a, b uint32, level CacheLevel) bool {
	ca, err := t.CPU(a)
	if err != nil {
		return false
	}
	cb, err := t.CPU(b)
	if err != nil {
		return false
	}
	switch level {
	case CacheL1:
		return ca.L1Group == cb.L1Group
	case CacheL2:
		return ca.L2Group == cb.L2Group
	case CacheL3:
		return ca.L3Group == cb.L3Group
	}
	return false
}

// CPUsInDomain returns the member mask of the domain at level containing the
// representative CPU, or the empty mask when the CPU is unknown.
func (t *Topology) CPUsInDomain(level DomainLevel, cpu uint32) CPUMask {
	for _, d := range t.domains[level] {
		if d.CPUs.Has(cpu) {
			return d.CPUs
		}
	}
	return MaskNone
}

// Domains returns all domains at the given level.
func (t *Topology) Domains(level DomainLevel) []Domain {
	return t.domains[level]
}

// AllMask returns the mask of every CPU in the topology regardless of state.
func (t *Topology) AllMask() CPUMask {
	var m CPUMask
	for _, c := range t.cpus {
		m = m.Set(c.ID)
	}
	return m
}

// OnlineMask returns the mask of CPUs that are online and not isolated.
func (t *Topology) OnlineMask() CPUMask {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var m CPUMask
	for i, d := range t.dynamic {
		if d.Online && !d.Isolated {
			m = m.Set(uint32(i))
		}
	}
	return m
}

// PerformanceMask returns the mask of P-cores.
func (t *Topology) PerformanceMask() CPUMask {
	return t.performance
}

// EfficiencyMask returns the mask of E-cores.
func (t *Topology) EfficiencyMask() CPUMask {
	return t.efficiency
}

// IsOnline reports whether the CPU is online and schedulable.
func (t *Topology) IsOnline(cpu uint32) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return int(cpu) < len(t.dynamic) && t.dynamic[cpu].Online && !t.dynamic[cpu].Isolated
}

// SetOnline marks a CPU online or offline.
func (t *Topology) SetOnline(cpu uint32, online bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(cpu) < len(t.dynamic) {
		t.dynamic[cpu].Online = online
	}
}

// SetIsolated isolates a CPU from the scheduler without taking it offline.
func (t *Topology) SetIsolated(cpu uint32, isolated bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(cpu) < len(t.dynamic) {
		t.dynamic[cpu].Isolated = isolated
	}
}

// Dynamic returns a copy of the CPU's runtime state.
func (t *Topology) Dynamic(cpu uint32) DynamicState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(cpu) >= len(t.dynamic) {
		return DynamicState{}
	}
	return t.dynamic[cpu]
}

// SetTemperature records the CPU's current temperature in Celsius.
func (t *Topology) SetTemperature(cpu uint32, celsius uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(cpu) < len(t.dynamic) {
		t.dynamic[cpu].TemperatureC = celsius
	}
}

// SetFrequencyHint records the target frequency for a CPU. The scheduler only
// hints; an external governor is expected to act on it.
func (t *Topology) SetFrequencyHint(cpu uint32, mhz uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(cpu) < len(t.dynamic) {
		t.dynamic[cpu].CurrentMHz = mhz
	}
}

// validate enforces the structural invariants: cache group nesting and the
// NUMA masks partitioning the CPU set.
func (t *Topology) validate() error {
	l2ByL1 := make(map[uint32]uint32)
	l3ByL2 := make(map[uint32]uint32)
	for _, c := range t.cpus {
		if prev, ok := l2ByL1[c.L1Group]; ok && prev != c.L2Group {
			return fmt.Errorf("cpu %d: l1 group %d spans l2 groups %d and %d", c.ID, c.L1Group, prev, c.L2Group)
		}
		l2ByL1[c.L1Group] = c.L2Group
		if prev, ok := l3ByL2[c.L2Group]; ok && prev != c.L3Group {
			return fmt.Errorf("cpu %d: l2 group %d spans l3 groups %d and %d", c.ID, c.L2Group, prev, c.L3Group)
		}
		l3ByL2[c.L2Group] = c.L3Group
		if int(c.NUMANodeID) >= len(t.nodes) {
			return fmt.Errorf("cpu %d: numa node %d does not exist", c.ID, c.NUMANodeID)
		}
	}
	var union CPUMask
	for _, n := range t.nodes {
		if !union.And(n.CPUs).IsEmpty() {
			return fmt.Errorf("numa node %d overlaps another node", n.ID)
		}
		union = union.Or(n.CPUs)
	}
	if union != t.AllMask() {
		return fmt.Errorf("numa nodes do not cover all cpus: have %s want %s", union, t.AllMask())
	}
	return nil
}
