package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ParseCPUSpec parses CPU specification strings like "0", "0,2,4", or "0-3".
func ParseCPUSpec(spec string) ([]uint32, error) {
	var cpus []uint32
	seen := make(map[uint32]bool)

	parts := strings.Split(spec, ",")
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if strings.Contains(part, "-") {
			rangeParts := strings.Split(part, "-")
			if len(rangeParts) != 2 {
				return nil, fmt.Errorf("invalid CPU range: %s", part)
			}

			start, err := strconv.ParseUint(strings.TrimSpace(rangeParts[0]), 10, 32)
			if err != nil {
				return nil, fmt.Errorf("invalid CPU range start: %s", rangeParts[0])
			}

			end, err := strconv.ParseUint(strings.TrimSpace(rangeParts[1]), 10, 32)
			if err != nil {
				return nil, fmt.Errorf("invalid CPU range end: %s", rangeParts[1])
			}

			if start > end {
				return nil, fmt.Errorf("invalid CPU range: start > end (%d > %d)", start, end)
			}

			for i := start; i <= end; i++ {
				if !seen[uint32(i)] {
					cpus = append(cpus, uint32(i))
					seen[uint32(i)] = true
				}
			}
		} else {
			cpu, err := strconv.ParseUint(part, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("invalid CPU number: %s", part)
			}

			if !seen[uint32(cpu)] {
				cpus = append(cpus, uint32(cpu))
				seen[uint32(cpu)] = true
			}
		}
	}

	if len(cpus) == 0 {
		return nil, fmt.Errorf("empty CPU specification")
	}
	return cpus, nil
}

// FormatCPUSpec renders CPU IDs as a canonical sorted list with ranges
// collapsed, e.g. [3 0 1 2 8] -> "0-3,8".
func FormatCPUSpec(cpus []uint32) string {
	if len(cpus) == 0 {
		return ""
	}
	sorted := append([]uint32(nil), cpus...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sb strings.Builder
	for i := 0; i < len(sorted); {
		j := i
		for j+1 < len(sorted) && sorted[j+1] == sorted[j]+1 {
			j++
		}
		if sb.Len() > 0 {
			sb.WriteByte(',')
		}
		if j > i {
			fmt.Fprintf(&sb, "%d-%d", sorted[i], sorted[j])
		} else {
			fmt.Fprintf(&sb, "%d", sorted[i])
		}
		i = j + 1
	}
	return sb.String()
}
