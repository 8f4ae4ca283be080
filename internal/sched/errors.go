package sched

import "errors"

var (
	// ErrAffinityEmpty is returned when an affinity mask contains no online
	// CPU. The operation is rejected; the scheduler never falls back to a
	// non-permitted CPU.
	ErrAffinityEmpty = errors.New("affinity mask contains no online cpu")

	// ErrCPUOffline is returned when an operation names a CPU that is
	// offline or isolated.
	ErrCPUOffline = errors.New("cpu is offline")

	// ErrInvalidPolicy is returned for incompatible class/policy
	// combinations; the entity's state is left unchanged.
	ErrInvalidPolicy = errors.New("invalid policy for scheduling class")

	// ErrUnknownProcess is returned when a PID has no attached entity.
	ErrUnknownProcess = errors.New("no scheduling entity for process")

	// ErrAlreadyAttached is returned when a PID is attached twice.
	ErrAlreadyAttached = errors.New("process already has a scheduling entity")
)
