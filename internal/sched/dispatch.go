package sched

// pickUrgencyNS is how close a gaming frame deadline must be for the gaming
// queue to win pick-next outright.
const pickUrgencyNS = 500_000

// boostUrgencyNS is the tick-side threshold that moves a gaming entity to the
// queue head and forces preemption.
const boostUrgencyNS = 100_000

// enqueueOn links a blocked entity onto the target CPU's runqueue, resetting
// its quantum and transferring ownership under both runqueue locks.
func (s *Scheduler) enqueueOn(e *Entity, cpu uint32, now uint64) error {
	if !s.topo.IsOnline(cpu) {
		return ErrCPUOffline
	}
	var preempt bool
	for {
		src := s.rqs[e.lastCPU.Load()]
		dst := s.rqs[cpu]
		done := false
		withTwoQueues(src, dst, func() {
			if s.rqs[e.lastCPU.Load()] != src {
				return // owner moved underneath us, retry
			}
			done = true
			e.lastCPU.Store(cpu)
			if e.class.usesMLFQ() {
				e.quantumRemainingNS = QuantumForLevel(e.mlfqLevel)
			} else if e.class == ClassRealtime && e.rtPolicy == RTRoundRobin {
				e.quantumRemainingNS = rtQuantumNS
			}
			e.waitStartNS = now
			e.enqueuedNS = now
			e.state = stateReady
			dst.queueFor(e).pushTail(e)
			if s.preempts(e, dst.current) {
				dst.preemptPending = true
				preempt = true
			}
		})
		if done {
			break
		}
	}
	if preempt {
		s.stats.preemptionsRequested.Add(1)
	}
	return nil
}

// requeueLocked puts the (current) entity back on its own CPU's queue.
// Exhausted entities go to the tail with a fresh quantum. Preempted entities
// return to the head: a mid-quantum entity keeps its remaining slice, an
// untimed one keeps its arrival position.
func (s *Scheduler) requeueLocked(rq *runQueue, e *Entity, now uint64, toHead bool) {
	if e.queue != nil {
		return
	}
	if rq.current == e {
		rq.current = rq.idle
	}
	e.state = stateReady
	e.waitStartNS = now
	q := rq.queueFor(e)
	if toHead {
		q.pushHead(e)
		return
	}
	if e.class.usesMLFQ() {
		e.quantumRemainingNS = QuantumForLevel(e.mlfqLevel)
	} else if e.class == ClassRealtime && e.rtPolicy == RTRoundRobin {
		e.quantumRemainingNS = rtQuantumNS
	}
	q.pushTail(e)
}

// preempts is the preemption predicate: does candidate c preempt current t.
func (s *Scheduler) preempts(c, t *Entity) bool {
	if c == nil || t == nil {
		return false
	}
	if t.isIdle {
		return true
	}
	cGaming := c.class == ClassGaming || c.gamingEnabled
	tGaming := t.class == ClassGaming || t.gamingEnabled
	switch {
	case cGaming && !tGaming:
		return true
	case c.class == ClassRealtime && !tGaming && t.class != ClassRealtime:
		return true
	case c.class == ClassRealtime && t.class == ClassRealtime &&
		c.rtPolicy == RTDeadline && c.deadlineNS != 0 &&
		(t.deadlineNS == 0 || c.deadlineNS < t.deadlineNS):
		return true
	case c.class.usesMLFQ() && t.class.usesMLFQ() && c.mlfqLevel < t.mlfqLevel:
		return true
	case c.class.usesMLFQ() && t.class.usesMLFQ() && c.mlfqLevel == t.mlfqLevel &&
		t.quantumRemainingNS == 0:
		return true
	}
	return false
}

// pickNextLocked selects the next entity to run on rq, removing it from its
// queue. Order: deadline-urgent gaming, unthrottled RT (EDF for deadline
// entities), remaining gaming, MLFQ levels 0..4, idle.
func (s *Scheduler) pickNextLocked(rq *runQueue, now uint64) *Entity {
	if s.gamingEnabled.Load() && !rq.gamingQueue.empty() {
		if e := pickUrgentGaming(&rq.gamingQueue, now); e != nil {
			rq.gamingQueue.remove(e)
			return e
		}
	}

	if !rq.rtQueue.empty() && !s.rtThrottledNow() {
		if e := pickRT(&rq.rtQueue); e != nil {
			rq.rtQueue.remove(e)
			return e
		}
	}

	// Gaming without an urgent deadline yields to RT above but still outranks
	// every MLFQ class.
	if e := rq.gamingQueue.popHead(); e != nil {
		return e
	}

	for level := 0; level < MLFQLevels; level++ {
		if e := rq.mlfq[level].head; e != nil {
			rq.mlfq[level].remove(e)
			return e
		}
	}

	return rq.idle
}

// pickUrgentGaming returns the queued gaming entity with the earliest frame
// deadline within the urgency window, or nil.
func pickUrgentGaming(q *entityQueue, now uint64) *Entity {
	var best *Entity
	q.forEach(func(e *Entity) {
		if e.frameDeadline == 0 {
			return
		}
		if e.frameDeadline > now+pickUrgencyNS {
			return
		}
		if best == nil || e.frameDeadline < best.frameDeadline {
			best = e
		}
	})
	return best
}

// pickRT returns the next RT entity: earliest deadline among DEADLINE-policy
// entities, else the queue head (FIFO/RR arrival order). Callers only scan
// while the global throttle is lifted, so a still-set per-entity throttle flag
// is stale from the previous window and is cleared here.
func pickRT(q *entityQueue) *Entity {
	var head *Entity
	var edf *Entity
	q.forEach(func(e *Entity) {
		e.throttled = false
		if e.rtPolicy == RTDeadline && e.deadlineNS != 0 {
			if edf == nil || e.deadlineNS < edf.deadlineNS {
				edf = e
			}
		}
		if head == nil {
			head = e
		}
	})
	if edf != nil {
		return edf
	}
	return head
}

// scheduleLocked performs one dispatch decision on rq: requeues the outgoing
// entity, picks the next one and updates runqueue state. It returns the pair
// to hand to the context-switch primitive after the lock is dropped.
func (s *Scheduler) scheduleLocked(rq *runQueue, now uint64) (prev, next *Entity) {
	prev = rq.current

	// Requeue a still-runnable outgoing entity before picking, so it can be
	// re-chosen when nothing better is queued. Only policies that carry a
	// quantum can be exhausted; an untimed RT FIFO or gaming entity always
	// returns to the head so preemption cannot reorder arrivals.
	if prev != nil && !prev.isIdle && prev.state == stateRunning && prev.queue == nil {
		exhausted := prev.hasQuantum() && prev.quantumRemainingNS == 0
		if prev.class == ClassGaming || prev.gamingEnabled {
			s.frameDispatchOut(prev, now)
		}
		s.requeueLocked(rq, prev, now, !exhausted)
	}

	next = s.pickNextLocked(rq, now)
	rq.preemptPending = false
	if next == prev {
		if next.queue != nil {
			next.queue.remove(next)
		}
		next.state = stateRunning
		rq.current = next
		// No context switch happens, so open the next frame here.
		if (next.gamingEnabled || next.class == ClassGaming) && next.frameStartNS == 0 {
			next.frameStartNS = now
		}
		return prev, next
	}

	next.state = stateRunning
	next.lastCPU.Store(rq.cpuID)
	rq.current = next
	if prev != nil && !prev.isIdle {
		prev.lastPreemptedNS = now
	}
	return prev, next
}

// finishSwitch runs the platform context switch and the post-switch
// accounting. Never called with a runqueue lock held.
func (s *Scheduler) finishSwitch(rq *runQueue, prev, next *Entity, now uint64) {
	if prev == next {
		return
	}
	s.switcher.Switch(prev, next)

	rq.mu.Lock()
	if rq.current == next {
		next.lastDispatchedNS = now
		if next.frameStartNS == 0 && (next.class == ClassGaming || next.gamingEnabled) {
			next.frameStartNS = now
		}
		rq.contextSwitches++
	}
	rq.mu.Unlock()

	s.stats.contextSwitches.Add(1)
	if next != nil && !next.isIdle {
		s.stats.classSwitches[next.class].Add(1)
	}
}

// Reschedule forces a dispatch decision on a CPU outside the tick path. Used
// after cross-CPU wakeups when the caller wants the preemption to take effect
// immediately rather than at the next tick.
func (s *Scheduler) Reschedule(cpu uint32, now uint64) {
	rq := s.rq(cpu)
	rq.mu.Lock()
	prev, next := s.scheduleLocked(rq, now)
	rq.mu.Unlock()
	s.finishSwitch(rq, prev, next, now)
}

// Tick is the per-CPU timer interrupt handler. now is the CPU's current
// monotonic timestamp; the quantum decrement uses the measured distance from
// the previous tick rather than assuming a fixed timer period.
func (s *Scheduler) Tick(cpu uint32, now uint64) {
	rq := s.rq(cpu)

	rq.mu.Lock()
	prevTick := rq.lastTickNS
	rq.lastTickNS = now
	rq.tickCount++
	var delta uint64
	if prevTick != 0 && now > prevTick {
		delta = now - prevTick
	}

	cur := rq.current
	if cur.isIdle {
		rq.idleTimeNS += delta
	} else {
		runDelta := s.chargeCurrentLocked(rq, cur, now, prevTick)
		s.tickQuantumLocked(rq, cur, runDelta)
		s.tickRTDeadlineLocked(cur, now)
		if cur.class == ClassRealtime && s.rtThrottledNow() {
			// The bandwidth throttle evicts running RT work too.
			cur.throttled = true
			rq.preemptPending = true
		}
	}

	s.gamingTickLocked(rq, now)
	rq.sampleLoad(delta)

	if rq.lastAgingNS == 0 {
		rq.lastAgingNS = now
	} else if now-rq.lastAgingNS >= s.tune.agingScanIntervalNS {
		rq.lastAgingNS = now
		s.agingScanLocked(rq, now)
	}
	if rq.lastLearningNS == 0 {
		rq.lastLearningNS = now
	} else if now-rq.lastLearningNS >= s.tune.learningIntervalNS {
		rq.lastLearningNS = now
		s.learnBehaviourLocked(rq, now)
	}

	s.rtPeriodRoll(now)

	var prev, next *Entity
	if rq.preemptPending || s.shouldPreemptLocked(rq, now) {
		prev, next = s.scheduleLocked(rq, now)
	}
	s.updateFrequencyHintLocked(rq)
	rq.mu.Unlock()

	if prev != nil || next != nil {
		s.finishSwitch(rq, prev, next, now)
	}

	s.balanceTick(cpu, now)
}

// chargeCurrentLocked accounts the runtime the current entity accumulated
// since the later of its dispatch and the previous tick. The dispatch stamp
// advances to now so overlapping charge points (tick, yield, block) never
// count the same interval twice.
func (s *Scheduler) chargeCurrentLocked(rq *runQueue, cur *Entity, now, prevTick uint64) uint64 {
	start := cur.lastDispatchedNS
	if prevTick > start {
		start = prevTick
	}
	if now <= start {
		return 0
	}
	delta := now - start
	cur.totalRuntimeNS += delta
	cur.lastDispatchedNS = now
	s.chargeClassRuntime(cur.class, delta)
	return delta
}

// tickQuantumLocked decrements the current entity's quantum and demotes it on
// exhaustion. RT FIFO and gaming entities carry no quantum; RT RR entities
// requeue at the tail of the RT queue without demotion.
func (s *Scheduler) tickQuantumLocked(rq *runQueue, cur *Entity, runDelta uint64) {
	switch {
	case cur.class == ClassGaming || cur.gamingEnabled:
		return
	case cur.class == ClassRealtime:
		if cur.rtPolicy != RTRoundRobin {
			return
		}
		if runDelta >= cur.quantumRemainingNS {
			cur.quantumRemainingNS = 0
			rq.preemptPending = true
		} else {
			cur.quantumRemainingNS -= runDelta
		}
	default:
		if runDelta >= cur.quantumRemainingNS {
			// Exhausted: demote one level and give up the CPU. The requeue
			// resets the quantum for the new level.
			cur.quantumRemainingNS = 0
			if cur.mlfqLevel < MLFQLevels-1 {
				cur.mlfqLevel++
			}
			cur.involuntarySwitches++
			rq.preemptPending = true
			s.stats.quantumExpirations.Add(1)
		} else {
			cur.quantumRemainingNS -= runDelta
		}
	}
}

// tickRTDeadlineLocked counts a missed RT deadline. Periodic entities get the
// deadline advanced by one period; one-shot deadlines are cleared so a miss
// is counted once.
func (s *Scheduler) tickRTDeadlineLocked(cur *Entity, now uint64) {
	if cur.class != ClassRealtime || cur.deadlineNS == 0 || now <= cur.deadlineNS {
		return
	}
	cur.deadlineMisses++
	s.stats.rtDeadlineMisses.Add(1)
	if cur.periodNS > 0 {
		for cur.deadlineNS <= now {
			cur.deadlineNS += cur.periodNS
		}
	} else {
		cur.deadlineNS = 0
	}
}

// shouldPreemptLocked re-evaluates the head candidates against current when
// no explicit preempt flag is set. Covers the same-level exhausted-quantum
// case and keeps L2 (aging progress) honest.
func (s *Scheduler) shouldPreemptLocked(rq *runQueue, now uint64) bool {
	cur := rq.current
	if cur.isIdle {
		return rq.runnableCount() > 0
	}
	// Match pick-next's ordering: queued gaming work only outranks a running
	// RT entity when its frame deadline is urgent.
	gaming := rq.gamingQueue.head
	if cur.class == ClassRealtime {
		gaming = pickUrgentGaming(&rq.gamingQueue, now)
	}
	if gaming != nil && s.preempts(gaming, cur) {
		return true
	}
	if !rq.rtQueue.empty() && !s.rtThrottledNow() {
		if e := pickRT(&rq.rtQueue); e != nil && s.preempts(e, cur) {
			return true
		}
	}
	for level := 0; level < MLFQLevels; level++ {
		if e := rq.mlfq[level].head; e != nil {
			return s.preempts(e, cur)
		}
	}
	return false
}

// updateFrequencyHintLocked nudges the CPU frequency hint: max for gaming/RT
// work, base otherwise. Writes only on transitions.
func (s *Scheduler) updateFrequencyHintLocked(rq *runQueue) {
	cpu, err := s.topo.CPU(rq.cpuID)
	if err != nil {
		return
	}
	cur := rq.current
	wantHigh := !cur.isIdle && (cur.class == ClassGaming || cur.gamingEnabled || cur.class == ClassRealtime)
	hint := cpu.BaseMHz
	if wantHigh {
		hint = cpu.MaxMHz
	}
	if s.topo.Dynamic(rq.cpuID).CurrentMHz != hint {
		s.topo.SetFrequencyHint(rq.cpuID, hint)
	}
}
