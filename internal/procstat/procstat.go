// Package procstat samples resource usage of the server and its engine
// subprocesses.
package procstat

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Stat is a point-in-time resource sample of one process.
type Stat struct {
	PID        int       `json:"pid"`
	RSS        uint64    `json:"rss"`
	VMS        uint64    `json:"vms"`
	CPUPercent float64   `json:"cpu_percent"`
	NumThreads int32     `json:"num_threads"`
	StartedAt  time.Time `json:"started_at"`
}

// Sample reads resource usage for pid.
func Sample(ctx context.Context, pid int) (Stat, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return Stat{}, fmt.Errorf("process %d: %w", pid, err)
	}

	st := Stat{PID: pid}
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		st.RSS = mem.RSS
		st.VMS = mem.VMS
	}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		st.CPUPercent = cpu
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		st.NumThreads = n
	}
	if ms, err := p.CreateTimeWithContext(ctx); err == nil {
		st.StartedAt = time.UnixMilli(ms)
	}
	return st, nil
}

// Self is the server's own resource sample plus Go runtime counters.
type Self struct {
	Stat
	Goroutines int `json:"goroutines"`
}

// SampleSelf samples the current process.
func SampleSelf(ctx context.Context) (Self, error) {
	st, err := Sample(ctx, os.Getpid())
	if err != nil {
		return Self{Goroutines: runtime.NumGoroutine()}, err
	}
	return Self{Stat: st, Goroutines: runtime.NumGoroutine()}, nil
}
