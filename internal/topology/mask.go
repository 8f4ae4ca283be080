package topology

import (
	"fmt"
	"math/bits"
	"strings"
)

// MaxCPUs bounds the logical CPU count so a mask fits in one word.
const MaxCPUs = 64

// CPUMask is a bitmask of logical CPU IDs.
type CPUMask uint64

const (
	MaskNone CPUMask = 0
	MaskAll  CPUMask = ^CPUMask(0)
)

func (m CPUMask) Has(cpu uint32) bool {
	return cpu < MaxCPUs && m&(1<<cpu) != 0
}

func (m CPUMask) Set(cpu uint32) CPUMask {
	if cpu >= MaxCPUs {
		return m
	}
	return m | 1<<cpu
}

func (m CPUMask) Clear(cpu uint32) CPUMask {
	if cpu >= MaxCPUs {
		return m
	}
	return m &^ (1 << cpu)
}

func (m CPUMask) Count() int {
	return bits.OnesCount64(uint64(m))
}

func (m CPUMask) IsEmpty() bool {
	return m == 0
}

func (m CPUMask) And(other CPUMask) CPUMask {
	return m & other
}

func (m CPUMask) Or(other CPUMask) CPUMask {
	return m | other
}

// First returns the lowest set CPU ID, or false when the mask is empty.
func (m CPUMask) First() (uint32, bool) {
	if m == 0 {
		return 0, false
	}
	return uint32(bits.TrailingZeros64(uint64(m))), true
}

// ForEach calls fn for every set CPU ID in ascending order.
func (m CPUMask) ForEach(fn func(cpu uint32)) {
	for v := uint64(m); v != 0; v &= v - 1 {
		fn(uint32(bits.TrailingZeros64(v)))
	}
}

// CPUs returns the set CPU IDs in ascending order.
func (m CPUMask) CPUs() []uint32 {
	out := make([]uint32, 0, m.Count())
	m.ForEach(func(cpu uint32) { out = append(out, cpu) })
	return out
}

// MaskOf builds a mask from explicit CPU IDs.
func MaskOf(cpus ...uint32) CPUMask {
	var m CPUMask
	for _, c := range cpus {
		m = m.Set(c)
	}
	return m
}

// String renders the mask as a cpuset-style list, e.g. "0-3,8".
func (m CPUMask) String() string {
	if m == 0 {
		return ""
	}
	var sb strings.Builder
	cpus := m.CPUs()
	for i := 0; i < len(cpus); {
		j := i
		for j+1 < len(cpus) && cpus[j+1] == cpus[j]+1 {
			j++
		}
		if sb.Len() > 0 {
			sb.WriteByte(',')
		}
		if j > i {
			fmt.Fprintf(&sb, "%d-%d", cpus[i], cpus[j])
		} else {
			fmt.Fprintf(&sb, "%d", cpus[i])
		}
		i = j + 1
	}
	return sb.String()
}
