package scanner

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/cuebase/cuebase/internal/logger"
)

// sampleInterval is how often the monitor refreshes its readings. Each
// CPU sample itself takes a second, so the effective cadence is about
// four seconds.
const sampleInterval = 3 * time.Second

// LoadMetrics is a snapshot of the readings the monitor throttles on.
type LoadMetrics struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	LoadAverage   float64   `json:"load_average"`
	SampledAt     time.Time `json:"sampled_at"`
}

// SystemLoadMonitor samples host CPU and memory usage in the
// background so scans can back off under pressure without paying for a
// measurement on every directory.
type SystemLoadMonitor struct {
	cpuThreshold    float64
	memoryThreshold float64

	mu      sync.RWMutex
	metrics LoadMetrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSystemLoadMonitor creates a monitor that reports overload when
// CPU or memory usage crosses the given percentage thresholds.
func NewSystemLoadMonitor(cpuThreshold, memoryThreshold float64) *SystemLoadMonitor {
	return &SystemLoadMonitor{
		cpuThreshold:    cpuThreshold,
		memoryThreshold: memoryThreshold,
	}
}

// Start launches the sampling goroutine.
func (m *SystemLoadMonitor) Start() {
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.wg.Add(1)
	go m.sampleLoop(ctx)

	logger.Info("System load monitor started cpu_threshold=%.1f memory_threshold=%.1f", m.cpuThreshold, m.memoryThreshold)
}

// Stop halts sampling and waits for the goroutine to exit.
func (m *SystemLoadMonitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	m.wg.Wait()
	m.cancel = nil
}

// Overloaded reports whether the last sample crossed either threshold.
// It always returns false before the first sample completes.
func (m *SystemLoadMonitor) Overloaded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.metrics.SampledAt.IsZero() {
		return false
	}
	return m.metrics.CPUPercent >= m.cpuThreshold || m.metrics.MemoryPercent >= m.memoryThreshold
}

// Metrics returns the latest readings.
func (m *SystemLoadMonitor) Metrics() LoadMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}

func (m *SystemLoadMonitor) sampleLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample(ctx)
		}
	}
}

func (m *SystemLoadMonitor) sample(ctx context.Context) {
	snapshot := LoadMetrics{SampledAt: time.Now()}

	cpuPercents, err := cpu.PercentWithContext(ctx, time.Second, false)
	if err == nil && len(cpuPercents) > 0 {
		snapshot.CPUPercent = cpuPercents[0]
	}

	memStats, err := mem.VirtualMemoryWithContext(ctx)
	if err == nil {
		snapshot.MemoryPercent = memStats.UsedPercent
	}

	loadStats, err := load.AvgWithContext(ctx)
	if err == nil {
		snapshot.LoadAverage = loadStats.Load1
	} else {
		snapshot.LoadAverage = float64(runtime.NumGoroutine()) / float64(runtime.NumCPU())
	}

	m.mu.Lock()
	m.metrics = snapshot
	m.mu.Unlock()
}
