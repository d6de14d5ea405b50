// Package sysinfo reports host resource usage for health checks and worker
// sizing warnings.
package sysinfo

import (
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/erpsync/errors"
)

// Memory is a point-in-time view of host memory.
type Memory struct {
	TotalGB     float64 `json:"total_gb"`
	UsedGB      float64 `json:"used_gb"`
	AvailableGB float64 `json:"available_gb"`
	Percent     float64 `json:"percent"`
}

const gib = 1024 * 1024 * 1024

// ReadMemory returns current host memory usage.
func ReadMemory() (Memory, error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return Memory{}, errors.Wrap(err, "failed to get memory stats")
	}
	return fromBytes(v.Total, v.Available), nil
}

func fromBytes(total, available uint64) Memory {
	if total == 0 {
		return Memory{}
	}
	if available > total {
		available = total
	}
	m := Memory{
		TotalGB:     float64(total) / gib,
		AvailableGB: float64(available) / gib,
	}
	m.UsedGB = m.TotalGB - m.AvailableGB
	m.Percent = m.UsedGB / m.TotalGB * 100
	return m
}

// Pressure reports whether used memory is at or above thresholdPercent.
func (m Memory) Pressure(thresholdPercent float64) bool {
	return m.TotalGB > 0 && m.Percent >= thresholdPercent
}
