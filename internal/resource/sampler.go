package resource

import (
	"fmt"

	"github.com/prometheus/procfs"
)

// Sampler reads usage for one process from the OS process table.
// Implementations must not block on the target process.
type Sampler interface {
	// Sample returns cumulative CPU seconds and current resident
	// memory for a pid.
	Sample(pid int) (cpuSeconds float64, rssBytes uint64, err error)
}

// ProcSampler reads /proc/<pid>/stat via procfs.
type ProcSampler struct {
	fs procfs.FS
}

// NewProcSampler opens the default proc mount.
func NewProcSampler() (*ProcSampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	return &ProcSampler{fs: fs}, nil
}

func (s *ProcSampler) Sample(pid int) (float64, uint64, error) {
	proc, err := s.fs.Proc(pid)
	if err != nil {
		return 0, 0, err
	}
	stat, err := proc.Stat()
	if err != nil {
		return 0, 0, err
	}
	rss := stat.ResidentMemory()
	if rss < 0 {
		rss = 0
	}
	return stat.CPUTime(), uint64(rss), nil
}
