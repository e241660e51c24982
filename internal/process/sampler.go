package process

import (
	"time"

	"github.com/prometheus/procfs"
	"github.com/rs/zerolog/log"
)

// Usage is a point-in-time measurement of a supervised process tree.
type Usage struct {
	MemoryBytes uint64
	CPUTimeMs   float64
	Timestamp   time.Time
}

// MemoryMB returns resident memory in mebibytes.
func (u Usage) MemoryMB() float64 {
	return float64(u.MemoryBytes) / 1024 / 1024
}

// Sampler measures a process by pid. It returns nil when the measurement
// is unavailable; callers must treat that as "no sample".
type Sampler interface {
	Sample(pid int) *Usage
}

// ProcfsSampler reads /proc and sums every process in the child's process
// group, so the browser spawned by the runner is counted too.
type ProcfsSampler struct {
	fs procfs.FS
}

// NewProcfsSampler opens the default /proc mount.
func NewProcfsSampler() (*ProcfsSampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, err
	}
	return &ProcfsSampler{fs: fs}, nil
}

func (s *ProcfsSampler) Sample(pid int) *Usage {
	procs, err := s.fs.AllProcs()
	if err != nil {
		log.Debug().Err(err).Int("pid", pid).Msg("listing processes failed")
		return nil
	}

	var (
		found  bool
		rss    uint64
		cpuSec float64
	)
	for _, p := range procs {
		stat, err := p.Stat()
		if err != nil {
			// Processes exit between the listing and the read.
			continue
		}
		if stat.PID != pid && stat.PGRP != pid {
			continue
		}
		found = true
		if mem := stat.ResidentMemory(); mem > 0 {
			rss += uint64(mem)
		}
		cpuSec += stat.CPUTime()
	}

	if !found {
		return nil
	}
	return &Usage{
		MemoryBytes: rss,
		CPUTimeMs:   cpuSec * 1000,
		Timestamp:   time.Now(),
	}
}
