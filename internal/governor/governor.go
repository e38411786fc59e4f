// Package governor computes the effective worker concurrency from host load.
// Admission is checked with a fresh sample and a fresh running-count at every
// dispatch; nothing here is cached across admission checks.
package governor

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/aidevops/supervisor/internal/proc"
)

// MemoryPressure is the coarse memory band.
type MemoryPressure string

const (
	MemoryLow    MemoryPressure = "low"
	MemoryMedium MemoryPressure = "medium"
	MemoryHigh   MemoryPressure = "high"
)

// Sample is one observation of host resources.
type Sample struct {
	CPUs         int
	CPUPercent   float64 // one-minute busy fraction, 0-100
	Memory       MemoryPressure
	ProcessCount int
}

// Sampler produces resource samples; swapped for a fake in tests.
type Sampler interface {
	Sample() (Sample, error)
}

// Effective maps a sample and the batch's base/cap to the worker ceiling.
//
// Memory pressure wins the floor: high memory forces 1 regardless of an idle
// CPU, since worker processes are memory-bound long before they are
// CPU-bound.
func Effective(base, maxConcurrency int, s Sample) int {
	if base < 1 {
		base = 1
	}
	ceiling := maxConcurrency
	if ceiling <= 0 {
		ceiling = s.CPUs
	}
	if ceiling < 1 {
		ceiling = 1
	}

	var effective int
	switch {
	case s.Memory == MemoryHigh:
		effective = 1
	case s.CPUPercent > 85:
		effective = 1
	case s.CPUPercent > 70:
		effective = (base + 1) / 2
	case s.CPUPercent > 40:
		effective = base
	default:
		effective = 2 * base
	}

	if effective > ceiling {
		effective = ceiling
	}
	if effective < 1 {
		effective = 1
	}
	return effective
}

// Admit reports whether one more worker may start given the current running
// count. The running count must be queried fresh by the caller immediately
// before each call; computing slots once and dispatching a batch against the
// stale number overshoots the ceiling.
func Admit(base, maxConcurrency, running int, s Sample) (bool, int) {
	effective := Effective(base, maxConcurrency, s)
	return running < effective, effective
}

// HostSampler samples the live host.
type HostSampler struct{}

// Sample reads CPU count, one-minute load, memory pressure, and the host
// process count.
func (HostSampler) Sample() (Sample, error) {
	s := Sample{
		CPUs:         runtime.NumCPU(),
		ProcessCount: proc.TotalProcessCount(),
	}

	load, err := loadAverage()
	if err != nil {
		return s, fmt.Errorf("failed to read load average: %w", err)
	}
	if s.CPUs > 0 {
		s.CPUPercent = load / float64(s.CPUs) * 100
	}

	s.Memory = memoryPressure()
	return s, nil
}

// loadAverage reads the one-minute load from /proc/loadavg.
func loadAverage() (float64, error) {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty /proc/loadavg")
	}
	return strconv.ParseFloat(fields[0], 64)
}

// memoryPressure maps available memory to a band: <5% of total is high,
// <15% is medium. Unreadable meminfo degrades to medium rather than
// blocking dispatch outright.
func memoryPressure() MemoryPressure {
	total, avail, err := meminfo()
	if err != nil || total == 0 {
		return MemoryMedium
	}
	frac := float64(avail) / float64(total)
	switch {
	case frac < 0.05:
		return MemoryHigh
	case frac < 0.15:
		return MemoryMedium
	default:
		return MemoryLow
	}
}

func meminfo() (totalKB, availableKB int64, err error) {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, 0, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			totalKB, _ = strconv.ParseInt(fields[1], 10, 64)
		case "MemAvailable:":
			availableKB, _ = strconv.ParseInt(fields[1], 10, 64)
		}
	}
	if totalKB == 0 {
		return 0, 0, fmt.Errorf("MemTotal not found")
	}
	return totalKB, availableKB, nil
}
