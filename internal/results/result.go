package results

import (
	"fmt"
	"time"
)

// ResourceUsage summarises the samples taken while a run was supervised.
type ResourceUsage struct {
	MaxMemoryMB float64 `json:"max_memory_mb"`
	AvgCPUMs    float64 `json:"avg_cpu_ms"`
}

// RunResult is the outcome of one e2e suite attempt. It is produced exactly
// once per attempt and never mutated afterwards.
type RunResult struct {
	Success       bool           `json:"success"`
	TotalTests    int            `json:"total_tests"`
	Passed        int            `json:"passed"`
	Failed        int            `json:"failed"`
	Skipped       int            `json:"skipped"`
	DurationMS    int64          `json:"duration_ms"`
	SpecFiles     []string       `json:"spec_files"`
	Output        string         `json:"output"`
	Error         string         `json:"error,omitempty"`
	ResourceUsage *ResourceUsage `json:"resource_usage,omitempty"`
}

// Duration returns the wall-clock duration of the run.
func (r RunResult) Duration() time.Duration {
	return time.Duration(r.DurationMS) * time.Millisecond
}

// Status is the short label used for metrics and history rows.
func (r RunResult) Status() string {
	switch {
	case r.Success:
		return "passed"
	case r.TotalTests == 0 && r.Error != "":
		return "error"
	default:
		return "failed"
	}
}

// Summary renders a one-line human description.
func (r RunResult) Summary() string {
	if r.Error != "" && r.TotalTests == 0 {
		return r.Error
	}
	return fmt.Sprintf("%d passing, %d failing, %d pending (%d total) in %s",
		r.Passed, r.Failed, r.Skipped, r.TotalTests, r.Duration().Round(time.Millisecond))
}

// Failure builds a result for an attempt that produced no parseable run,
// such as a spawn failure or a timeout.
func Failure(msg, output string, duration time.Duration, usage *ResourceUsage) RunResult {
	return RunResult{
		Success:       false,
		DurationMS:    duration.Milliseconds(),
		SpecFiles:     []string{},
		Output:        output,
		Error:         msg,
		ResourceUsage: usage,
	}
}
