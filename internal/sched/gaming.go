package sched

import (
	"fmt"
	"strings"

	"schedcore/internal/topology"

	"github.com/sirupsen/logrus"
)

// gamingNamePatterns are substrings that flag a process as a likely game
// thread. Matching only sets a candidate hint; promotion to the gaming class
// requires an explicit GamingBoost call.
var gamingNamePatterns = []string{
	"render",
	"game",
	"audio",
	"input",
	"physics",
	"network",
	"streaming",
	"capture",
	"overlay",
	"engine",
	"dx11",
	"dx12",
	"vulkan",
	"opengl",
	"unity",
	"unreal",
}

func matchesGamingPattern(name string) bool {
	lower := strings.ToLower(name)
	for _, p := range gamingNamePatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// GamingTuning is the caller-facing gaming configuration.
type GamingTuning struct {
	InputBoostPriority   int32
	InputBoostDurationNS uint64
	FrameRateTarget      uint32
	CPUMask              topology.CPUMask
}

// frameTargetNS converts the configured frame-rate target into a per-frame
// budget. A zero target falls back to 60 FPS.
func frameTargetNS(fps uint32) uint64 {
	if fps == 0 {
		fps = 60
	}
	return 1_000_000_000 / uint64(fps)
}

// GamingEnable switches the gaming fast path on scheduler-wide and raises
// every online CPU's tick rate to 1 kHz.
func (s *Scheduler) GamingEnable() {
	if s.gamingEnabled.Swap(true) {
		return
	}
	for cpu := range s.rqs {
		if s.topo.IsOnline(uint32(cpu)) {
			s.timer.ArmTimer(uint32(cpu), gamingTickNS)
		}
	}
	s.gamingMu.Lock()
	mask := s.gamingCfg.cpuMask
	s.gamingMu.Unlock()
	s.logger.WithFields(logrus.Fields{
		"gaming_cpus": mask.String(),
		"tick_ns":     gamingTickNS,
	}).Info("Gaming mode enabled")
}

// GamingDisable switches the gaming fast path off and restores the normal
// tick rate. Boosted entities keep their gaming class until detached; they
// simply lose the urgency treatment.
func (s *Scheduler) GamingDisable() {
	if !s.gamingEnabled.Swap(false) {
		return
	}
	for cpu := range s.rqs {
		if s.topo.IsOnline(uint32(cpu)) {
			s.timer.ArmTimer(uint32(cpu), normalTickNS)
		}
	}
	s.logger.Info("Gaming mode disabled")
}

// GamingConfigure replaces the gaming tunables. Zero-value fields keep their
// current setting.
func (s *Scheduler) GamingConfigure(t GamingTuning) {
	s.gamingMu.Lock()
	defer s.gamingMu.Unlock()
	if t.InputBoostPriority != 0 {
		s.gamingCfg.inputBoostPriority = clampNice(t.InputBoostPriority)
	}
	if t.InputBoostDurationNS != 0 {
		s.gamingCfg.inputBoostDurationNS = t.InputBoostDurationNS
	}
	if t.FrameRateTarget != 0 {
		s.gamingCfg.frameRateTarget = t.FrameRateTarget
	}
	if !t.CPUMask.IsEmpty() {
		s.gamingCfg.cpuMask = t.CPUMask
	}
}

// GamingTunables returns a copy of the current gaming configuration.
func (s *Scheduler) GamingTunables() GamingTuning {
	s.gamingMu.Lock()
	defer s.gamingMu.Unlock()
	return GamingTuning{
		InputBoostPriority:   s.gamingCfg.inputBoostPriority,
		InputBoostDurationNS: s.gamingCfg.inputBoostDurationNS,
		FrameRateTarget:      s.gamingCfg.frameRateTarget,
		CPUMask:              s.gamingCfg.cpuMask,
	}
}

// GamingBoost promotes a process onto the gaming fast path: gaming class,
// maximum dynamic priority, affinity narrowed to the gaming CPU set, and
// immediate re-placement onto the best performance core.
func (s *Scheduler) GamingBoost(pid uint32) error {
	now := s.clock.NowNS()
	e, err := s.lookup(pid)
	if err != nil {
		return err
	}

	s.gamingMu.Lock()
	gset := s.gamingCfg.cpuMask
	fps := s.gamingCfg.frameRateTarget
	s.gamingMu.Unlock()
	gset = gset.And(s.topo.OnlineMask())
	if gset.IsEmpty() {
		gset = s.topo.OnlineMask()
	}

	rq := s.lockOwner(e)
	if e.class == ClassRealtime {
		rq.mu.Unlock()
		return fmt.Errorf("pid %d: realtime entity: %w", pid, ErrInvalidPolicy)
	}
	e.gamingEnabled = true
	e.class = ClassGaming
	e.dynamicPriority = -20
	e.frameTargetFPS = fps
	narrowed := e.affinity.And(gset)
	if narrowed.IsEmpty() {
		narrowed = gset
	}
	e.affinity = narrowed
	e.boostCount++

	// A queued entity moves to the gaming queue on its new home CPU. A running
	// entity keeps its CPU when the narrowed set still allows it; otherwise it
	// is evicted and re-placed like an affinity change would do.
	requeue := e.state == stateReady
	if requeue && e.queue != nil {
		e.queue.remove(e)
		e.state = stateBlocked
	}
	evict := rq.current == e && !narrowed.Has(rq.cpuID)
	var prev, next *Entity
	if evict {
		s.chargeCurrentLocked(rq, e, now, rq.lastTickNS)
		e.involuntarySwitches++
		e.state = stateBlocked
		rq.current = rq.idle
		prev, next = e, s.pickNextLocked(rq, now)
		next.state = stateRunning
		next.lastCPU.Store(rq.cpuID)
		rq.current = next
		rq.preemptPending = false
	}
	rq.mu.Unlock()
	if evict {
		s.finishSwitch(rq, prev, next, now)
	}

	s.logger.WithFields(logrus.Fields{
		"pid":      pid,
		"affinity": narrowed.String(),
	}).Info("Gaming boost applied")

	if !requeue && !evict {
		return nil
	}
	target, err := s.placeEntity(e)
	if err != nil {
		return err
	}
	return s.enqueueOn(e, target, now)
}

// SetFrameDeadline installs the next frame deadline for a gaming entity. The
// frame timer restarts here when the entity is not currently running.
func (s *Scheduler) SetFrameDeadline(pid uint32, deadlineNS uint64) error {
	now := s.clock.NowNS()
	return s.withEntity(pid, func(e *Entity, rq *runQueue) error {
		if !e.gamingEnabled && e.class != ClassGaming {
			return fmt.Errorf("pid %d: not a gaming entity: %w", pid, ErrInvalidPolicy)
		}
		e.frameDeadline = deadlineNS
		if e.frameStartNS == 0 {
			e.frameStartNS = now
		}
		if rq.current != e && deadlineNS != 0 && deadlineNS <= now+pickUrgencyNS &&
			s.preempts(e, rq.current) {
			rq.preemptPending = true
			s.stats.preemptionsRequested.Add(1)
		}
		return nil
	})
}

// InputEvent applies the temporary input-latency boost to a gaming entity.
// The boost expires on the first tick at or past the expiry timestamp.
func (s *Scheduler) InputEvent(pid uint32) error {
	now := s.clock.NowNS()
	s.gamingMu.Lock()
	prio := s.gamingCfg.inputBoostPriority
	dur := s.gamingCfg.inputBoostDurationNS
	s.gamingMu.Unlock()

	return s.withEntity(pid, func(e *Entity, rq *runQueue) error {
		if !e.gamingEnabled && e.class != ClassGaming {
			return fmt.Errorf("pid %d: not a gaming entity: %w", pid, ErrInvalidPolicy)
		}
		if e.boostExpiryNS == 0 {
			e.boostSavedPrio = e.dynamicPriority
		}
		if prio < e.dynamicPriority {
			e.dynamicPriority = prio
		}
		e.inputPriority = prio
		e.boostExpiryNS = now + dur
		e.boostCount++
		s.stats.inputBoosts.Add(1)
		if rq.current != e && s.preempts(e, rq.current) {
			rq.preemptPending = true
			s.stats.preemptionsRequested.Add(1)
		}
		return nil
	})
}

// VSyncEvent records a display refresh timestamp and rebases every gaming
// entity's frame deadline to vsync + one frame budget.
func (s *Scheduler) VSyncEvent() {
	now := s.clock.NowNS()
	s.gamingMu.Lock()
	s.vsyncNS = now
	fallbackFPS := s.gamingCfg.frameRateTarget
	s.gamingMu.Unlock()

	s.mu.RLock()
	entities := make([]*Entity, 0, len(s.entities))
	for _, e := range s.entities {
		entities = append(entities, e)
	}
	s.mu.RUnlock()

	for _, e := range entities {
		rq := s.lockOwner(e)
		if e.gamingEnabled || e.class == ClassGaming {
			fps := e.frameTargetFPS
			if fps == 0 {
				fps = fallbackFPS
			}
			e.frameDeadline = now + frameTargetNS(fps)
		}
		rq.mu.Unlock()
	}
}

// frameDispatchOut closes out the current frame when a gaming entity leaves
// the CPU: smooth the measured frame time, count a miss against the target,
// or suggest a pacing delay to even out early frames. Caller holds the
// entity's runqueue lock.
func (s *Scheduler) frameDispatchOut(e *Entity, now uint64) {
	if e.frameStartNS == 0 || now <= e.frameStartNS {
		return
	}
	actual := now - e.frameStartNS
	e.frameStartNS = 0
	e.pacingDelayNS = 0

	// EMA with alpha = 0.1, integer form.
	if e.frameAvgNS == 0 {
		e.frameAvgNS = actual
	} else {
		avg := int64(e.frameAvgNS)
		avg += (int64(actual) - avg) / 10
		e.frameAvgNS = uint64(avg)
	}

	target := frameTargetNS(e.frameTargetFPS)
	if actual > target {
		e.frameMisses++
		s.stats.frameMisses.Add(1)
		return
	}
	slack := target - actual
	if slack > 1_000_000 {
		slack = 1_000_000
	}
	e.pacingDelayNS = slack
}

// PacingDelay returns the pacing hint computed at the entity's last frame
// completion. Zero means no delay is suggested.
func (s *Scheduler) PacingDelay(pid uint32) (uint64, error) {
	var d uint64
	err := s.withEntity(pid, func(e *Entity, rq *runQueue) error {
		d = e.pacingDelayNS
		return nil
	})
	return d, err
}

// gamingTickLocked walks the CPU's gaming work on each tick: expire input
// boosts, catch frame-deadline misses and apply the emergency boost, and move
// deadline-urgent entities to the queue head so the dispatcher picks them
// immediately.
func (s *Scheduler) gamingTickLocked(rq *runQueue, now uint64) {
	s.gamingMu.Lock()
	dur := s.gamingCfg.inputBoostDurationNS
	s.gamingMu.Unlock()
	active := s.gamingEnabled.Load()

	step := func(e *Entity) {
		if e.boostExpiryNS != 0 && now >= e.boostExpiryNS {
			e.boostExpiryNS = 0
			e.dynamicPriority = e.boostSavedPrio
			if e.class == ClassGaming {
				e.dynamicPriority = -20
			}
		}
		if e.frameDeadline != 0 && now > e.frameDeadline {
			e.frameMisses++
			s.stats.frameMisses.Add(1)
			e.frameDeadline = 0
			// Emergency boost: back to maximum priority with the input
			// boost re-armed so the entity recovers the next frame.
			e.dynamicPriority = -20
			e.boostSavedPrio = -20
			e.boostExpiryNS = now + dur
			e.boostCount++
		}
	}

	if cur := rq.current; cur != nil && (cur.gamingEnabled || cur.class == ClassGaming) {
		step(cur)
	}
	if rq.gamingQueue.empty() {
		return
	}

	var urgent *Entity
	rq.gamingQueue.forEach(func(e *Entity) {
		step(e)
		if !active || e.frameDeadline == 0 {
			return
		}
		if e.frameDeadline <= now+boostUrgencyNS {
			if urgent == nil || e.frameDeadline < urgent.frameDeadline {
				urgent = e
			}
		}
	})
	if urgent != nil && rq.gamingQueue.head != urgent {
		rq.gamingQueue.remove(urgent)
		rq.gamingQueue.pushHead(urgent)
	}
	if urgent != nil && s.preempts(urgent, rq.current) {
		rq.preemptPending = true
		s.stats.preemptionsRequested.Add(1)
	}
}
