package sched

import (
	"schedcore/internal/topology"

	"github.com/sirupsen/logrus"
)

// migrationBenefitLoad is the minimum source/target load gap that justifies
// moving an entity.
const migrationBenefitLoad = 2

// balanceTick runs the periodic load balancer from a CPU's tick, walking the
// domain hierarchy from SMT outward. Each domain is balanced at its own
// cadence; the tightest domains run every millisecond, NUMA every 100 ms.
func (s *Scheduler) balanceTick(cpu uint32, now uint64) {
	levels := [...]topology.DomainLevel{
		topology.DomainSMT,
		topology.DomainCore,
		topology.DomainPackage,
		topology.DomainNUMA,
	}
	for _, level := range levels {
		idx, domain := s.domainOf(level, cpu)
		if idx < 0 {
			continue
		}
		if !s.claimBalance(level, idx, now) {
			continue
		}
		s.balanceDomain(level, domain, now)
	}

	if s.loadOf(cpu) == 0 {
		s.idleSteal(cpu, now)
	}
}

// domainOf finds the domain at a level containing cpu, returning its index
// into the level's domain slice.
func (s *Scheduler) domainOf(level topology.DomainLevel, cpu uint32) (int, topology.Domain) {
	for i, d := range s.topo.Domains(level) {
		if d.CPUs.Has(cpu) {
			return i, d
		}
	}
	return -1, topology.Domain{}
}

// claimBalance reserves a balance pass for a domain if its interval elapsed.
// Only one CPU in the domain wins each pass.
func (s *Scheduler) claimBalance(level topology.DomainLevel, idx int, now uint64) bool {
	s.balanceMu.Lock()
	defer s.balanceMu.Unlock()
	last := s.lastBalanceNS[level][idx]
	if last != 0 && now-last < s.tune.balanceIntervalNS[level] {
		return false
	}
	s.lastBalanceNS[level][idx] = now
	return true
}

// balanceDomain equalises load inside one domain: when the spread between the
// busiest and idlest CPUs exceeds the level's threshold, move one queued
// entity from the busiest to the idlest.
func (s *Scheduler) balanceDomain(level topology.DomainLevel, domain topology.Domain, now uint64) {
	online := domain.CPUs.And(s.topo.OnlineMask())
	if online.Count() < 2 {
		return
	}

	var src, dst uint32
	var maxLoad, minLoad uint32
	first := true
	online.ForEach(func(cpu uint32) {
		l := s.loadOf(cpu)
		if first {
			src, dst, maxLoad, minLoad = cpu, cpu, l, l
			first = false
			return
		}
		if l > maxLoad {
			src, maxLoad = cpu, l
		}
		if l < minLoad {
			dst, minLoad = cpu, l
		}
	})
	if src == dst || maxLoad-minLoad <= s.tune.imbalanceThreshold[level] {
		return
	}
	s.migrateOne(src, dst, now)
}

// migrateOne moves one eligible queued entity from src to dst. Both loads are
// re-read under the locks so a concurrent wakeup cannot invert the benefit.
func (s *Scheduler) migrateOne(src, dst uint32, now uint64) bool {
	if !s.topo.IsOnline(dst) {
		s.stats.failedMigrations.Add(1)
		return false
	}
	srcRQ := s.rq(src)
	dstRQ := s.rq(dst)

	var moved *Entity
	withTwoQueues(srcRQ, dstRQ, func() {
		if srcRQ.load() < dstRQ.load()+migrationBenefitLoad {
			return
		}
		e := s.pickMigratableLocked(srcRQ, dst, now)
		if e == nil {
			return
		}
		e.queue.remove(e)
		e.lastCPU.Store(dst)
		e.lastMigrationNS = now
		e.migrationCount++
		e.waitStartNS = now
		dstRQ.queueFor(e).pushTail(e)
		if s.preempts(e, dstRQ.current) {
			dstRQ.preemptPending = true
		}
		moved = e
	})
	if moved == nil {
		return false
	}

	s.stats.migrations.Add(1)
	s.logger.WithFields(logrus.Fields{
		"pid":  moved.PID,
		"from": src,
		"to":   dst,
	}).Debug("Migrated entity")
	return true
}

// pickMigratableLocked selects a migration victim from src's MLFQ queues,
// deepest level first so the cheapest work moves. Gaming and RT entities are
// pinned to keep their latency path intact. Caller holds both locks.
func (s *Scheduler) pickMigratableLocked(src *runQueue, dst uint32, now uint64) *Entity {
	for level := MLFQLevels - 1; level >= 0; level-- {
		var found *Entity
		src.mlfq[level].forEach(func(e *Entity) {
			if found != nil {
				return
			}
			if !e.affinity.Has(dst) {
				return
			}
			if e.lastMigrationNS != 0 && now-e.lastMigrationNS < s.tune.minMigrationNS {
				return
			}
			found = e
		})
		if found != nil {
			return found
		}
	}
	return nil
}

// idleSteal lets an idle CPU pull work from a sibling inside its package
// rather than waiting for the periodic pass to notice.
func (s *Scheduler) idleSteal(cpu uint32, now uint64) {
	siblings := s.topo.CPUsInDomain(topology.DomainPackage, cpu).
		And(s.topo.OnlineMask()).Clear(cpu)
	if siblings.IsEmpty() {
		return
	}
	s.stats.idleStealAttempts.Add(1)

	var busiest uint32
	var busiestLoad uint32
	siblings.ForEach(func(c uint32) {
		if l := s.loadOf(c); l > busiestLoad {
			busiest, busiestLoad = c, l
		}
	})
	if busiestLoad < migrationBenefitLoad {
		return
	}
	if s.migrateOne(busiest, cpu, now) {
		s.stats.idleStealSuccesses.Add(1)
		s.Reschedule(cpu, now)
	}
}
