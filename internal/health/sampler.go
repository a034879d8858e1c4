// Package health samples host resource usage for the adaptive consumer.
package health

import (
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// DefaultInterval is how often the consumer samples host health.
const DefaultInterval = 5 * time.Second

// Reading is an immutable snapshot of host resource usage.
type Reading struct {
	MemoryPercent float64
	SwapPercent   float64
	CPUPercent    float64
	SampledAt     time.Time
}

// Thresholds define when the host counts as overloaded.
type Thresholds struct {
	MemoryPercent float64
	SwapPercent   float64
	CPUPercent    float64
}

// DefaultThresholds returns the stock overload thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{MemoryPercent: 85, SwapPercent: 10, CPUPercent: 90}
}

// Overloaded reports whether any metric crosses its threshold.
func (r Reading) Overloaded(t Thresholds) bool {
	return r.MemoryPercent > t.MemoryPercent ||
		r.SwapPercent > t.SwapPercent ||
		r.CPUPercent > t.CPUPercent
}

// Sampler reads host metrics and keeps the last reading. The consumer's
// control goroutine is the only writer; other readers get snapshots.
type Sampler struct {
	logger *zap.Logger
	read   func() (Reading, error)

	mu   sync.RWMutex
	last Reading
	ok   bool
}

// NewSampler creates a sampler backed by gopsutil.
func NewSampler(logger *zap.Logger) *Sampler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sampler{logger: logger, read: systemReading}
}

// SetReader replaces the reading function. Used by tests.
func (s *Sampler) SetReader(read func() (Reading, error)) { s.read = read }

// Sample takes a fresh reading and stores it as the latest snapshot.
func (s *Sampler) Sample() (Reading, error) {
	reading, err := s.read()
	if err != nil {
		s.logger.Warn("host health sampling failed", zap.Error(err))
		return Reading{}, err
	}
	s.mu.Lock()
	s.last = reading
	s.ok = true
	s.mu.Unlock()
	return reading, nil
}

// Latest returns the most recent reading, if any.
func (s *Sampler) Latest() (Reading, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, s.ok
}

func systemReading() (Reading, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return Reading{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	swap, err := mem.SwapMemory()
	if err != nil {
		return Reading{}, fmt.Errorf("failed to get swap info: %w", err)
	}
	cpuPercent, err := cpu.Percent(0, false)
	if err != nil {
		return Reading{}, fmt.Errorf("failed to get CPU percent: %w", err)
	}

	reading := Reading{
		MemoryPercent: vm.UsedPercent,
		SwapPercent:   swap.UsedPercent,
		SampledAt:     time.Now(),
	}
	if len(cpuPercent) > 0 {
		reading.CPUPercent = cpuPercent[0]
	}
	return reading, nil
}
