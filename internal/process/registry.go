package process

import (
	"context"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"app-monitor/internal/monitor"
)

const (
	DefaultCheckInterval = 5 * time.Second
	DefaultKillGrace     = 5 * time.Second
)

// Kill reasons used in logs and metrics.
const (
	ReasonMemoryLimit = "memory limit exceeded"
	ReasonTimeout     = "timeout"
	ReasonCancelled   = "cancelled"
	ReasonShutdown    = "shutdown"
)

// Options configures supervision of one process. Zero limits disable the
// corresponding check.
type Options struct {
	MaxMemoryMB   float64
	MaxCPUPercent float64
	CheckInterval time.Duration
	// OnSample observes every successful sample.
	OnSample func(Usage)
}

type entry struct {
	handle    Handle
	opts      Options
	startedAt time.Time
	cancel    context.CancelFunc

	// mu serialises sample bodies against StopMonitoring.
	mu      sync.Mutex
	stopped bool
	last    *Usage
}

// Registry tracks supervised processes by pid. One Registry is shared by
// every run in a server instance.
type Registry struct {
	sampler   Sampler
	killGrace time.Duration
	metrics   *monitor.Metrics

	mu      sync.Mutex
	entries map[int]*entry
}

// NewRegistry creates a registry. metrics may be nil.
func NewRegistry(sampler Sampler, killGrace time.Duration, metrics *monitor.Metrics) *Registry {
	if killGrace <= 0 {
		killGrace = DefaultKillGrace
	}
	return &Registry{
		sampler:   sampler,
		killGrace: killGrace,
		metrics:   metrics,
		entries:   make(map[int]*entry),
	}
}

// StartMonitoring begins supervising h. Exit of the process stops
// supervision automatically.
func (r *Registry) StartMonitoring(h Handle, opts Options) {
	if h == nil || h.PID() <= 0 {
		return
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = DefaultCheckInterval
	}
	pid := h.PID()

	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{
		handle:    h,
		opts:      opts,
		startedAt: time.Now(),
		cancel:    cancel,
	}

	r.mu.Lock()
	prev := r.entries[pid]
	r.entries[pid] = e
	r.mu.Unlock()

	if prev != nil {
		prev.stop()
	}
	r.updateGauge()

	log.Debug().
		Int("pid", pid).
		Float64("max_memory_mb", opts.MaxMemoryMB).
		Float64("max_cpu_percent", opts.MaxCPUPercent).
		Dur("interval", opts.CheckInterval).
		Msg("monitoring process")

	go r.watch(ctx, pid, e)
}

func (r *Registry) watch(ctx context.Context, pid int, e *entry) {
	ticker := time.NewTicker(e.opts.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.handle.Done():
			r.remove(pid, e)
			return
		case <-ticker.C:
			if kill := r.sample(pid, e); kill {
				r.KillProcess(pid, ReasonMemoryLimit)
			}
		}
	}
}

// sample runs one tick and reports whether the memory limit was breached.
func (r *Registry) sample(pid int, e *entry) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped || r.sampler == nil {
		return false
	}

	u := r.sampler.Sample(pid)
	if u == nil {
		return false
	}

	cpuPercent := 0.0
	if e.last != nil {
		wall := u.Timestamp.Sub(e.last.Timestamp).Seconds() * 1000
		if wall > 0 {
			cpuPercent = (u.CPUTimeMs - e.last.CPUTimeMs) / wall * 100
		}
	}
	e.last = u

	log.Debug().
		Int("pid", pid).
		Float64("memory_mb", u.MemoryMB()).
		Float64("cpu_percent", cpuPercent).
		Dur("uptime", time.Since(e.startedAt)).
		Msg("process usage")

	if e.opts.OnSample != nil {
		e.opts.OnSample(*u)
	}

	if e.opts.MaxCPUPercent > 0 && cpuPercent > e.opts.MaxCPUPercent {
		log.Warn().
			Int("pid", pid).
			Float64("cpu_percent", cpuPercent).
			Float64("limit", e.opts.MaxCPUPercent).
			Msg("process exceeded cpu limit")
	}

	if e.opts.MaxMemoryMB > 0 && u.MemoryMB() > e.opts.MaxMemoryMB {
		log.Warn().
			Int("pid", pid).
			Float64("memory_mb", u.MemoryMB()).
			Float64("limit", e.opts.MaxMemoryMB).
			Msg("process exceeded memory limit")
		return true
	}
	return false
}

func (e *entry) stop() {
	e.cancel()
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
}

// StopMonitoring ends supervision of pid. It is idempotent, and once it
// returns no further sample for that entry runs.
func (r *Registry) StopMonitoring(pid int) {
	r.mu.Lock()
	e, ok := r.entries[pid]
	if ok {
		delete(r.entries, pid)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	e.stop()
	r.updateGauge()
	log.Debug().Int("pid", pid).Msg("stopped monitoring process")
}

// remove drops pid only if it still maps to e.
func (r *Registry) remove(pid int, e *entry) {
	r.mu.Lock()
	cur, ok := r.entries[pid]
	if ok && cur == e {
		delete(r.entries, pid)
	}
	r.mu.Unlock()

	if ok && cur == e {
		e.stop()
		r.updateGauge()
		log.Debug().Int("pid", pid).Msg("supervised process exited")
	}
}

// KillProcess sends SIGTERM to a supervised process, escalates to SIGKILL
// after the grace period if it is still alive, and stops monitoring it.
// It reports false when pid is not supervised.
func (r *Registry) KillProcess(pid int, reason string) bool {
	r.mu.Lock()
	e, ok := r.entries[pid]
	r.mu.Unlock()
	if !ok {
		return false
	}

	log.Warn().Int("pid", pid).Str("reason", reason).Msg("killing supervised process")
	if r.metrics != nil {
		r.metrics.ProcessKills.WithLabelValues(reason).Inc()
	}

	h := e.handle
	if err := h.Signal(syscall.SIGTERM); err != nil {
		log.Error().Err(err).Int("pid", pid).Msg("failed to send SIGTERM")
	}

	grace := r.killGrace
	go func() {
		t := time.NewTimer(grace)
		defer t.Stop()
		select {
		case <-h.Done():
		case <-t.C:
			log.Warn().Int("pid", pid).Dur("grace", grace).Msg("process ignored SIGTERM, sending SIGKILL")
			if err := h.Signal(syscall.SIGKILL); err != nil {
				log.Error().Err(err).Int("pid", pid).Msg("failed to send SIGKILL")
			}
		}
	}()

	r.StopMonitoring(pid)
	return true
}

// CleanupOrphaned drops entries whose process has already exited but whose
// exit was never observed, and returns how many were removed.
func (r *Registry) CleanupOrphaned() int {
	r.mu.Lock()
	var orphans []int
	for pid, e := range r.entries {
		if e.handle.Exited() {
			orphans = append(orphans, pid)
		}
	}
	r.mu.Unlock()

	for _, pid := range orphans {
		r.StopMonitoring(pid)
	}
	if len(orphans) > 0 {
		log.Info().Int("count", len(orphans)).Msg("cleaned up orphaned processes")
	}
	return len(orphans)
}

// ProcessInfo describes one supervised process.
type ProcessInfo struct {
	PID         int       `json:"pid"`
	StartedAt   time.Time `json:"started_at"`
	MemoryMB    float64   `json:"memory_mb"`
	CPUTimeMs   float64   `json:"cpu_time_ms"`
	MaxMemoryMB float64   `json:"max_memory_mb"`
}

// List returns the supervised processes ordered by pid.
func (r *Registry) List() []ProcessInfo {
	r.mu.Lock()
	entries := make(map[int]*entry, len(r.entries))
	for pid, e := range r.entries {
		entries[pid] = e
	}
	r.mu.Unlock()

	out := make([]ProcessInfo, 0, len(entries))
	for pid, e := range entries {
		info := ProcessInfo{PID: pid, StartedAt: e.startedAt, MaxMemoryMB: e.opts.MaxMemoryMB}
		e.mu.Lock()
		if e.last != nil {
			info.MemoryMB = e.last.MemoryMB()
			info.CPUTimeMs = e.last.CPUTimeMs
		}
		e.mu.Unlock()
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// Len returns the number of supervised processes.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Monitored reports whether pid is supervised.
func (r *Registry) Monitored(pid int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[pid]
	return ok
}

// Shutdown kills every supervised process.
func (r *Registry) Shutdown() {
	for _, info := range r.List() {
		r.KillProcess(info.PID, ReasonShutdown)
	}
}

func (r *Registry) updateGauge() {
	if r.metrics == nil {
		return
	}
	r.metrics.MonitoredProcesses.Set(float64(r.Len()))
}
