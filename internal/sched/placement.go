package sched

import (
	"fmt"

	"schedcore/internal/topology"
)

// placeEntity chooses a CPU for a newly runnable entity per the scheduler's
// placement policy. Candidates are always the intersection of the entity's
// affinity with the online mask.
func (s *Scheduler) placeEntity(e *Entity) (uint32, error) {
	candidates := e.affinity.And(s.topo.OnlineMask())
	if candidates.IsEmpty() {
		return 0, fmt.Errorf("pid %d: %w", e.PID, ErrAffinityEmpty)
	}

	var cpu uint32
	switch s.placementPolicy() {
	case PlaceFirstFit:
		cpu, _ = candidates.First()
	case PlaceBestFit:
		cpu = s.placeBestFit(e, candidates)
	case PlaceCacheAware:
		cpu = s.placeCacheAware(e, candidates)
	case PlaceThermalAware:
		cpu = s.placeThermalAware(candidates)
	case PlacePowerAware:
		cpu = s.placePowerAware(candidates)
	default:
		cpu = s.placeNUMALocal(e, candidates)
	}

	if node, err := s.topo.NUMANodeOf(e.lastCPU.Load()); err == nil {
		if node.CPUs.Has(cpu) {
			s.stats.numaLocalPlacements.Add(1)
		} else {
			s.stats.numaRemotePlacements.Add(1)
		}
	}
	e.preferredCPU = cpu
	return cpu, nil
}

// leastLoaded returns the candidate with the smallest instantaneous load.
// Ties go to the lowest CPU id.
func (s *Scheduler) leastLoaded(candidates topology.CPUMask) uint32 {
	best, _ := candidates.First()
	bestLoad := s.loadOf(best)
	candidates.ForEach(func(cpu uint32) {
		if l := s.loadOf(cpu); l < bestLoad {
			best, bestLoad = cpu, l
		}
	})
	return best
}

// placeNUMALocal keeps the entity on its last NUMA node when the affinity
// allows it, widening to the full candidate set otherwise.
func (s *Scheduler) placeNUMALocal(e *Entity, candidates topology.CPUMask) uint32 {
	if node, err := s.topo.NUMANodeOf(e.lastCPU.Load()); err == nil {
		if local := candidates.And(node.CPUs); !local.IsEmpty() {
			return s.leastLoaded(local)
		}
	}
	return s.leastLoaded(candidates)
}

// placeBestFit routes latency-sensitive work to performance cores and
// background work to efficiency cores, falling back to least-loaded.
func (s *Scheduler) placeBestFit(e *Entity, candidates topology.CPUMask) uint32 {
	var preferred topology.CPUMask
	switch {
	case e.gamingEnabled || e.class == ClassGaming || e.class == ClassRealtime:
		preferred = candidates.And(s.topo.PerformanceMask())
	case e.class == ClassBackground:
		preferred = candidates.And(s.topo.EfficiencyMask())
	}
	if !preferred.IsEmpty() {
		return s.leastLoaded(preferred)
	}
	return s.leastLoaded(candidates)
}

// placeCacheAware scores candidates by the deepest cache they share with the
// entity's last CPU: L3 scores 4, L2 2, L1 1. Load breaks ties.
func (s *Scheduler) placeCacheAware(e *Entity, candidates topology.CPUMask) uint32 {
	best, _ := candidates.First()
	bestScore := -1
	bestLoad := uint32(0)
	last := e.lastCPU.Load()
	candidates.ForEach(func(cpu uint32) {
		score := 0
		if s.topo.ShareCache(cpu, last, topology.CacheL3) {
			score += 4
		}
		if s.topo.ShareCache(cpu, last, topology.CacheL2) {
			score += 2
		}
		if s.topo.ShareCache(cpu, last, topology.CacheL1) {
			score++
		}
		load := s.loadOf(cpu)
		if score > bestScore || (score == bestScore && load < bestLoad) {
			best, bestScore, bestLoad = cpu, score, load
		}
	})
	return best
}

// placeThermalAware picks the coolest candidate.
func (s *Scheduler) placeThermalAware(candidates topology.CPUMask) uint32 {
	best, _ := candidates.First()
	bestTemp := s.topo.Dynamic(best).TemperatureC
	candidates.ForEach(func(cpu uint32) {
		if t := s.topo.Dynamic(cpu).TemperatureC; t < bestTemp {
			best, bestTemp = cpu, t
		}
	})
	return best
}

// placePowerAware prefers efficiency cores when the affinity includes any.
func (s *Scheduler) placePowerAware(candidates topology.CPUMask) uint32 {
	if eff := candidates.And(s.topo.EfficiencyMask()); !eff.IsEmpty() {
		return s.leastLoaded(eff)
	}
	return s.leastLoaded(candidates)
}
