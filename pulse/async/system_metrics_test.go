package async

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/teranos/quill/errors"
	qtest "github.com/teranos/quill/internal/testing"
)

func TestCalculateSafeWorkerCount(t *testing.T) {
	assert.Equal(t, 1, calculateSafeWorkerCount(0.5))
	assert.Equal(t, 1, calculateSafeWorkerCount(1.2))
	assert.Equal(t, 4, calculateSafeWorkerCount(3.0))
	assert.Equal(t, 16, calculateSafeWorkerCount(64))
}

func TestSystemMetricsMemoryPressure(t *testing.T) {
	original := getMemoryStats
	defer func() { getMemoryStats = original }()

	const gb = 1024 * 1024 * 1024
	getMemoryStats = func() (uint64, uint64, error) { return 8 * gb, 2 * gb, nil }

	s := NewScheduler(NewQueue(qtest.CreateTestDB(t)), nil, ExecutorFunc(publishing), testConfig(3), nil)
	m := s.GetSystemMetrics()
	assert.InDelta(t, 8.0, m.MemoryTotalGB, 0.001)
	assert.InDelta(t, 6.0, m.MemoryUsedGB, 0.001)
	assert.InDelta(t, 75.0, m.MemoryPercent, 0.001)
	assert.Equal(t, 2, m.RecommendedWorkers)
	assert.Equal(t, 3, m.Limit)
	assert.Contains(t, s.checkMemoryPressure(), "Worker count (3) exceeds recommended (2)")

	getMemoryStats = func() (uint64, uint64, error) { return 0, 0, errors.New("unsupported") }
	assert.Empty(t, s.checkMemoryPressure())
	assert.Zero(t, s.GetSystemMetrics().MemoryTotalGB)
}
