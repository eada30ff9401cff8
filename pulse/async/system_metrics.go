package async

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/quill/errors"
)

// SystemMetrics tracks admission state and host resources
type SystemMetrics struct {
	Stats
	MemoryUsedGB       float64 `json:"memory_used_gb"`
	MemoryTotalGB      float64 `json:"memory_total_gb"`
	MemoryPercent      float64 `json:"memory_percent"`
	RecommendedWorkers int     `json:"recommended_workers"`
}

// getMemoryStats returns total and available memory in bytes
var getMemoryStats = func() (total uint64, available uint64, err error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to get memory stats")
	}
	return v.Total, v.Available, nil
}

// calculateSafeWorkerCount recommends a worker ceiling for the available
// memory. Pipelines are I/O bound; the ceiling only matters when a local
// inference server shares the host.
func calculateSafeWorkerCount(availableGB float64) int {
	const memoryPerWorker = 0.5 // GB per concurrently executing pipeline
	const memoryBuffer = 1.0    // GB reserved for the rest of the host

	if availableGB < memoryBuffer {
		return 1
	}

	recommended := int((availableGB - memoryBuffer) / memoryPerWorker)
	if recommended < 1 {
		return 1
	}
	if recommended > 16 {
		return 16
	}
	return recommended
}

// GetSystemMetrics returns admission stats plus host memory
func (s *Scheduler) GetSystemMetrics() SystemMetrics {
	m := SystemMetrics{Stats: s.Stats()}

	total, available, err := getMemoryStats()
	if err == nil && total > 0 {
		m.MemoryTotalGB = float64(total) / 1024 / 1024 / 1024
		m.MemoryUsedGB = float64(total-available) / 1024 / 1024 / 1024
		m.MemoryPercent = (m.MemoryUsedGB / m.MemoryTotalGB) * 100
		m.RecommendedWorkers = calculateSafeWorkerCount(float64(available) / 1024 / 1024 / 1024)
	}
	return m
}

// checkMemoryPressure returns a warning if the worker count exceeds what
// available memory supports, empty string if OK
func (s *Scheduler) checkMemoryPressure() string {
	total, available, err := getMemoryStats()
	if err != nil {
		return ""
	}

	availableGB := float64(available) / 1024 / 1024 / 1024
	totalGB := float64(total) / 1024 / 1024 / 1024
	recommended := calculateSafeWorkerCount(availableGB)

	if s.cfg.Workers > recommended {
		return fmt.Sprintf(
			"Worker count (%d) exceeds recommended (%d) for available memory (%.1f/%.1fGB). "+
				"Consider reducing pulse.workers.",
			s.cfg.Workers, recommended, totalGB-availableGB, totalGB)
	}
	return ""
}
