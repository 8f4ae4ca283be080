package topology

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"schedcore/internal/logging"

	"github.com/intel/goresctrl/pkg/rdt"
	"github.com/sirupsen/logrus"
)

const sysCPUPath = "/sys/devices/system/cpu"
const sysNodePath = "/sys/devices/system/node"

// Discover builds a topology from the running Linux host using sysfs, with
// resctrl supplying L3 cache metadata when available. It is best-effort: on
// hosts without the expected sysfs layout it falls back to a flat symmetric
// topology over runtime.NumCPU() so the scheduler can still start.
func Discover() (*Topology, error) {
	logger := logging.GetLogger()

	t, err := discoverSysfs()
	if err != nil {
		logger.WithError(err).Warn("Topology discovery from sysfs failed, using flat fallback")
		return NewSynthetic(Spec{Sockets: 1, CoresPerSocket: min(runtime.NumCPU(), MaxCPUs), ThreadsPerCore: 1})
	}

	if rdt.MonSupported() {
		features := rdt.GetMonFeatures()
		logger.WithFields(logrus.Fields{
			"mon_resources": len(features),
		}).Debug("resctrl monitoring available for cache topology")
	}

	if err := t.validate(); err != nil {
		return nil, fmt.Errorf("discovered topology is inconsistent: %w", err)
	}
	logger.WithFields(logrus.Fields{
		"cpus":       t.NumCPUs(),
		"numa_nodes": t.NumNUMANodes(),
		"p_cores":    t.performance.Count(),
		"e_cores":    t.efficiency.Count(),
	}).Info("CPU topology discovered")
	return t, nil
}

func discoverSysfs() (*Topology, error) {
	online, err := readCPUList(filepath.Join(sysCPUPath, "online"))
	if err != nil {
		return nil, fmt.Errorf("read online cpus: %w", err)
	}
	if len(online) == 0 {
		return nil, fmt.Errorf("no online cpus reported")
	}
	if online[len(online)-1] >= MaxCPUs {
		return nil, fmt.Errorf("cpu id %d exceeds supported maximum %d", online[len(online)-1], MaxCPUs-1)
	}

	numCPUs := int(online[len(online)-1]) + 1
	t := &Topology{
		cpus:    make([]CPU, numCPUs),
		dynamic: make([]DynamicState, numCPUs),
	}

	maxFreq := readUintFile(filepath.Join(sysCPUPath, "cpu0/cpufreq/cpuinfo_max_freq")) / 1000
	baseFreq := readUintFile(filepath.Join(sysCPUPath, "cpu0/cpufreq/base_frequency")) / 1000
	if baseFreq == 0 {
		baseFreq = maxFreq
	}

	type coreKey struct{ pkg, core uint32 }
	coreIDs := map[coreKey]uint32{}
	nextCore := uint32(0)

	for _, cpu := range online {
		base := filepath.Join(sysCPUPath, fmt.Sprintf("cpu%d/topology", cpu))
		pkg := uint32(readUintFile(filepath.Join(base, "physical_package_id")))
		core := uint32(readUintFile(filepath.Join(base, "core_id")))
		key := coreKey{pkg, core}
		globalCore, ok := coreIDs[key]
		if !ok {
			globalCore = nextCore
			coreIDs[key] = globalCore
			nextCore++
		}

		sibling := int32(-1)
		if sibs, err := readCPUList(filepath.Join(base, "thread_siblings_list")); err == nil {
			for _, s := range sibs {
				if s != cpu {
					sibling = int32(s)
					break
				}
			}
		}

		// L3 group via the cache index shared_cpu_list; fall back to package.
		l3 := pkg
		if l3cpus, err := readCPUList(filepath.Join(sysCPUPath, fmt.Sprintf("cpu%d/cache/index3/shared_cpu_list", cpu))); err == nil && len(l3cpus) > 0 {
			l3 = l3cpus[0]
		}

		t.cpus[cpu] = CPU{
			ID:             cpu,
			PhysicalCoreID: globalCore,
			PackageID:      pkg,
			NUMANodeID:     0,
			L1Group:        globalCore,
			L2Group:        globalCore,
			L3Group:        l3,
			// Hybrid P/E detection needs per-cpu max frequency comparison.
			IsPerformanceCore: true,
			SMTSiblingID:      sibling,
			BaseMHz:           uint32(baseFreq),
			MaxMHz:            uint32(maxFreq),
		}
		t.dynamic[cpu] = DynamicState{Online: true, CurrentMHz: uint32(baseFreq), TemperatureC: 0}
	}

	classifyHybridCores(t, online)
	if err := discoverNUMA(t); err != nil {
		// Single-node fallback covering every CPU.
		t.nodes = []NUMANode{{ID: 0, CPUs: t.AllMask(), MemoryBytes: 0}}
	}
	for _, c := range t.cpus {
		if c.IsPerformanceCore {
			t.performance = t.performance.Set(c.ID)
		} else {
			t.efficiency = t.efficiency.Set(c.ID)
		}
	}
	t.buildDomains()
	return t, nil
}

// classifyHybridCores flags CPUs whose max frequency is well below the fastest
// CPU as efficiency cores. Symmetric machines end up all-performance.
func classifyHybridCores(t *Topology, online []uint32) {
	fastest := uint64(0)
	freqs := make(map[uint32]uint64, len(online))
	for _, cpu := range online {
		f := readUintFile(filepath.Join(sysCPUPath, fmt.Sprintf("cpu%d/cpufreq/cpuinfo_max_freq", cpu)))
		freqs[cpu] = f
		if f > fastest {
			fastest = f
		}
	}
	if fastest == 0 {
		return
	}
	for _, cpu := range online {
		f := freqs[cpu]
		if f > 0 && f*100 < fastest*85 {
			t.cpus[cpu].IsPerformanceCore = false
			t.cpus[cpu].IsEfficiencyCore = true
			t.cpus[cpu].MaxMHz = uint32(f / 1000)
		}
	}
}

func discoverNUMA(t *Topology) error {
	entries, err := os.ReadDir(sysNodePath)
	if err != nil {
		return err
	}
	var nodeIDs []uint32
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "node") {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimPrefix(name, "node"), 10, 32)
		if err != nil {
			continue
		}
		nodeIDs = append(nodeIDs, uint32(id))
	}
	if len(nodeIDs) == 0 {
		return fmt.Errorf("no numa nodes in %s", sysNodePath)
	}
	sort.Slice(nodeIDs, func(i, j int) bool { return nodeIDs[i] < nodeIDs[j] })

	t.nodes = make([]NUMANode, len(nodeIDs))
	for i, id := range nodeIDs {
		cpus, err := readCPUList(filepath.Join(sysNodePath, fmt.Sprintf("node%d/cpulist", id)))
		if err != nil {
			return err
		}
		node := NUMANode{ID: uint32(i), LatencyNS: 100, BandwidthMBps: 50000}
		for _, cpu := range cpus {
			if int(cpu) < len(t.cpus) {
				node.CPUs = node.CPUs.Set(cpu)
				t.cpus[cpu].NUMANodeID = uint32(i)
			}
		}
		if memKB := readMeminfoKB(filepath.Join(sysNodePath, fmt.Sprintf("node%d/meminfo", id)), "MemTotal"); memKB > 0 {
			node.MemoryBytes = memKB * 1024
		}
		if freeKB := readMeminfoKB(filepath.Join(sysNodePath, fmt.Sprintf("node%d/meminfo", id)), "MemFree"); freeKB > 0 {
			node.FreeBytes = freeKB * 1024
		}
		t.nodes[i] = node
	}
	return nil
}

// readCPUList parses cpuset-style lists like "0-3,8-11".
func readCPUList(path string) ([]uint32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	spec := strings.TrimSpace(string(data))
	if spec == "" {
		return nil, nil
	}
	var cpus []uint32
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "-") {
			bounds := strings.SplitN(part, "-", 2)
			start, err := strconv.ParseUint(strings.TrimSpace(bounds[0]), 10, 32)
			if err != nil {
				return nil, fmt.Errorf("invalid cpu range start %q", bounds[0])
			}
			end, err := strconv.ParseUint(strings.TrimSpace(bounds[1]), 10, 32)
			if err != nil {
				return nil, fmt.Errorf("invalid cpu range end %q", bounds[1])
			}
			if start > end {
				return nil, fmt.Errorf("invalid cpu range %q", part)
			}
			for c := start; c <= end; c++ {
				cpus = append(cpus, uint32(c))
			}
		} else {
			c, err := strconv.ParseUint(part, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("invalid cpu number %q", part)
			}
			cpus = append(cpus, uint32(c))
		}
	}
	sort.Slice(cpus, func(i, j int) bool { return cpus[i] < cpus[j] })
	return cpus, nil
}

func readUintFile(path string) uint64 {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func readMeminfoKB(path string, field string) uint64 {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.Contains(line, field+":") {
			continue
		}
		fields := strings.Fields(line)
		for i, f := range fields {
			if strings.HasPrefix(f, field) && i+1 < len(fields) {
				if v, err := strconv.ParseUint(fields[i+1], 10, 64); err == nil {
					return v
				}
			}
		}
	}
	return 0
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
