package runner

import (
	"fmt"
	"time"
)

// Limits caps the resources of a supervised run. A memory breach kills the
// run; a CPU breach is only logged.
type Limits struct {
	MaxMemoryMB   float64       `json:"max_memory_mb" yaml:"max_memory_mb"`
	MaxCPUPercent float64       `json:"max_cpu_percent" yaml:"max_cpu_percent"`
	CheckInterval time.Duration `json:"check_interval" yaml:"check_interval"`
}

func DefaultLimits() Limits {
	return Limits{
		MaxMemoryMB:   2048,
		MaxCPUPercent: 90,
		CheckInterval: 5 * time.Second,
	}
}

func (l Limits) Validate() error {
	if l.MaxMemoryMB < 0 || l.MaxMemoryMB > 65536 {
		return fmt.Errorf("%w: max_memory_mb must be 0-65536, got %v", ErrInvalidConfig, l.MaxMemoryMB)
	}
	// Multi-threaded browsers legitimately exceed 100%.
	if l.MaxCPUPercent < 0 || l.MaxCPUPercent > 6400 {
		return fmt.Errorf("%w: max_cpu_percent must be 0-6400, got %v", ErrInvalidConfig, l.MaxCPUPercent)
	}
	if l.CheckInterval < 10*time.Millisecond || l.CheckInterval > 5*time.Minute {
		return fmt.Errorf("%w: check_interval must be 10ms-5m, got %s", ErrInvalidConfig, l.CheckInterval)
	}
	return nil
}
