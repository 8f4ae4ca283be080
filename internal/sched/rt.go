package sched

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// RTSetPolicy assigns a realtime policy to a process and moves it into the
// realtime class. Gaming entities keep their class: the fast path already
// outranks RT.
func (s *Scheduler) RTSetPolicy(pid uint32, policy RTPolicy) error {
	now := s.clock.NowNS()
	return s.withEntity(pid, func(e *Entity, rq *runQueue) error {
		if e.class == ClassGaming || e.gamingEnabled {
			return fmt.Errorf("pid %d is on the gaming fast path: %w", pid, ErrInvalidPolicy)
		}
		switch policy {
		case RTFifo, RTRoundRobin, RTDeadline:
		default:
			return fmt.Errorf("pid %d: policy %d: %w", pid, int(policy), ErrInvalidPolicy)
		}

		requeue := e.queue != nil
		if requeue {
			e.queue.remove(e)
		}
		e.class = ClassRealtime
		e.rtPolicy = policy
		if policy == RTRoundRobin {
			e.quantumRemainingNS = rtQuantumNS
		} else {
			e.quantumRemainingNS = 0
		}
		if requeue {
			e.state = stateReady
			e.waitStartNS = now
			rq.rtQueue.pushTail(e)
			if s.preempts(e, rq.current) {
				rq.preemptPending = true
			}
		}
		s.logger.WithFields(logrus.Fields{
			"pid":    pid,
			"policy": policy.String(),
		}).Debug("RT policy set")
		return nil
	})
}

// RTSetDeadline installs an absolute deadline for a DEADLINE-policy entity.
func (s *Scheduler) RTSetDeadline(pid uint32, deadlineNS uint64) error {
	return s.withEntity(pid, func(e *Entity, rq *runQueue) error {
		if e.class != ClassRealtime {
			return fmt.Errorf("pid %d is not realtime: %w", pid, ErrInvalidPolicy)
		}
		e.deadlineNS = deadlineNS
		if e.queue == &rq.rtQueue && e.rtPolicy == RTDeadline && s.preempts(e, rq.current) {
			rq.preemptPending = true
		}
		return nil
	})
}

// RTSetPeriod sets the period used to advance deadlines of periodic entities.
func (s *Scheduler) RTSetPeriod(pid uint32, periodNS uint64) error {
	return s.withEntity(pid, func(e *Entity, rq *runQueue) error {
		if e.class != ClassRealtime {
			return fmt.Errorf("pid %d is not realtime: %w", pid, ErrInvalidPolicy)
		}
		e.periodNS = periodNS
		return nil
	})
}

// rtThrottledNow reports whether the RT class is currently excluded from
// dispatch for exceeding its bandwidth.
func (s *Scheduler) rtThrottledNow() bool {
	s.rtMu.Lock()
	defer s.rtMu.Unlock()
	return s.rtThrottled
}

// chargeRTBandwidth accumulates RT runtime within the current window and
// engages the throttle when the class overruns its budget.
func (s *Scheduler) chargeRTBandwidth(deltaNS uint64) {
	s.rtMu.Lock()
	defer s.rtMu.Unlock()
	s.rtConsumedNS += deltaNS
	if !s.rtThrottled && s.rtConsumedNS > s.rtBandwidthNS {
		s.rtThrottled = true
		s.stats.rtBandwidthViolations.Add(1)
		s.logger.WithFields(logrus.Fields{
			"consumed_ns":  s.rtConsumedNS,
			"bandwidth_ns": s.rtBandwidthNS,
		}).Warn("RT bandwidth exceeded, throttling realtime class")
	}
}

// rtPeriodRoll resets the bandwidth window once the period elapses and lifts
// the throttle.
func (s *Scheduler) rtPeriodRoll(now uint64) {
	s.rtMu.Lock()
	defer s.rtMu.Unlock()
	if s.rtPeriodStart == 0 {
		s.rtPeriodStart = now
		return
	}
	if now-s.rtPeriodStart < s.rtPeriodNS {
		return
	}
	for now-s.rtPeriodStart >= s.rtPeriodNS {
		s.rtPeriodStart += s.rtPeriodNS
	}
	s.rtConsumedNS = 0
	if s.rtThrottled {
		s.rtThrottled = false
		s.logger.Debug("RT bandwidth window rolled over, throttle lifted")
	}
}

// RTBandwidthConsumed reports the RT runtime consumed in the current window.
func (s *Scheduler) RTBandwidthConsumed() uint64 {
	s.rtMu.Lock()
	defer s.rtMu.Unlock()
	return s.rtConsumedNS
}
