package runner

import (
	"bytes"
	"io"
	"sync"

	"app-monitor/internal/process"
	"app-monitor/internal/results"
)

// outputSink collects the combined output of a run and tees it to an
// optional live writer. A failing live writer (a disconnected stream
// client) is dropped so the child never blocks on its pipe.
type outputSink struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	live io.Writer
}

func newOutputSink(live io.Writer) *outputSink {
	return &outputSink{live: live}
}

func (s *outputSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf.Write(p)
	if s.live != nil {
		if _, err := s.live.Write(p); err != nil {
			s.live = nil
		}
	}
	return len(p), nil
}

func (s *outputSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

// usageTracker folds registry samples into a ResourceUsage summary.
type usageTracker struct {
	mu       sync.Mutex
	maxBytes uint64
	cpuSum   float64
	samples  int
}

func (u *usageTracker) observe(s process.Usage) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if s.MemoryBytes > u.maxBytes {
		u.maxBytes = s.MemoryBytes
	}
	u.cpuSum += s.CPUTimeMs
	u.samples++
}

// summary is nil when no sample was ever taken.
func (u *usageTracker) summary() *results.ResourceUsage {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.samples == 0 {
		return nil
	}
	return &results.ResourceUsage{
		MaxMemoryMB: float64(u.maxBytes) / 1024 / 1024,
		AvgCPUMs:    u.cpuSum / float64(u.samples),
	}
}
