package sched

// agingScanLocked walks the MLFQ queues below level 0 and promotes entities
// that have waited past the aging threshold: one level per scan, or straight
// to the entity's natural level once the emergency threshold is crossed.
// Caller holds rq's lock.
func (s *Scheduler) agingScanLocked(rq *runQueue, now uint64) {
	for level := 1; level < MLFQLevels; level++ {
		// Collect first: promotion moves entities between the queues being
		// walked.
		var aged []*Entity
		rq.mlfq[level].forEach(func(e *Entity) {
			if e.waitStartNS != 0 && now-e.waitStartNS >= s.tune.agingThresholdNS {
				aged = append(aged, e)
			}
		})
		for _, e := range aged {
			target := e.mlfqLevel - 1
			if now-e.waitStartNS >= s.tune.emergencyThresholdNS {
				if nl := e.naturalLevel(); nl < target {
					target = nl
				}
			}
			if target < 0 {
				target = 0
			}
			if target >= e.mlfqLevel {
				continue
			}
			rq.mlfq[e.mlfqLevel].remove(e)
			e.mlfqLevel = target
			e.quantumRemainingNS = QuantumForLevel(target)
			e.boostCount++
			rq.mlfq[target].pushTail(e)
			s.stats.agingBoosts.Add(1)
			if s.preempts(e, rq.current) {
				rq.preemptPending = true
			}
		}
	}
}

// learnBehaviourLocked reclassifies every entity owned by this runqueue from
// cheap counters, then applies the behaviour bias: interactive and IO-bound
// work leans a level down, CPU-bound work pays an extra priority penalty.
// Caller holds rq's lock.
func (s *Scheduler) learnBehaviourLocked(rq *runQueue, now uint64) {
	update := func(e *Entity) {
		if e.isIdle {
			return
		}
		if e.lastLearnNS != 0 && now > e.lastLearnNS {
			window := now - e.lastLearnNS
			ran := e.totalRuntimeNS - e.lastLearnRuntimeNS
			usage := ran * 100 / window
			if usage > 100 {
				usage = 100
			}
			e.cpuUsagePercent = uint32(usage)
		}
		e.lastLearnNS = now
		e.lastLearnRuntimeNS = e.totalRuntimeNS

		switch {
		case e.gamingEnabled:
			e.behaviour = BehaviourGaming
		case e.cpuUsagePercent > 80:
			e.behaviour = BehaviourCPUBound
		case e.ioWaitPercent > 50:
			e.behaviour = BehaviourIOBound
		case e.voluntarySwitches > 2*e.involuntarySwitches && e.voluntarySwitches > 0:
			e.behaviour = BehaviourInteractive
		}

		if !e.class.usesMLFQ() {
			return
		}
		switch e.behaviour {
		case BehaviourInteractive, BehaviourIOBound:
			e.levelBias = -1
			// Forgive accumulated penalty one nice step at a time.
			if e.dynamicPriority > e.staticPriority {
				e.dynamicPriority--
			}
		case BehaviourCPUBound:
			e.levelBias = 0
			e.dynamicPriority = boundedPenalty(e.staticPriority, e.dynamicPriority+1)
		default:
			e.levelBias = 0
		}
	}

	if cur := rq.current; cur != nil {
		update(cur)
	}
	for level := 0; level < MLFQLevels; level++ {
		rq.mlfq[level].forEach(update)
	}
	rq.rtQueue.forEach(update)
	rq.gamingQueue.forEach(update)
}

// ReportIOWait feeds the scheduler an IO-wait percentage for a process. The
// scheduler has no visibility into block-device queues, so the IO side of the
// behaviour heuristics relies on this hint.
func (s *Scheduler) ReportIOWait(pid uint32, percent uint32) error {
	if percent > 100 {
		percent = 100
	}
	return s.withEntity(pid, func(e *Entity, rq *runQueue) error {
		e.ioWaitPercent = percent
		return nil
	})
}
