package fschannel

import (
	"sort"
	"sync"
)

// ProcessAccessCounts aggregates how often one process hit the mount,
// split by the coarse operation categories surfaced to diagnostics.
type ProcessAccessCounts struct {
	Pid        uint32
	Reads      uint64
	Writes     uint64
	Metadata   uint64
	Enumerates uint64
}

// ProcessAccessLog counts filesystem operations per calling process. It
// answers "which process is hammering the working copy" without having
// to enable tracing.
type ProcessAccessLog struct {
	lock   sync.Mutex
	counts map[uint32]*ProcessAccessCounts
}

// NewProcessAccessLog creates an empty access log.
func NewProcessAccessLog() *ProcessAccessLog {
	return &ProcessAccessLog{
		counts: map[uint32]*ProcessAccessCounts{},
	}
}

func (pal *ProcessAccessLog) countsFor(pid uint32) *ProcessAccessCounts {
	c, ok := pal.counts[pid]
	if !ok {
		c = &ProcessAccessCounts{Pid: pid}
		pal.counts[pid] = c
	}
	return c
}

func (pal *ProcessAccessLog) recordRead(pid uint32) {
	pal.lock.Lock()
	defer pal.lock.Unlock()
	pal.countsFor(pid).Reads++
}

func (pal *ProcessAccessLog) recordWrite(pid uint32) {
	pal.lock.Lock()
	defer pal.lock.Unlock()
	pal.countsFor(pid).Writes++
}

func (pal *ProcessAccessLog) recordMetadata(pid uint32) {
	pal.lock.Lock()
	defer pal.lock.Unlock()
	pal.countsFor(pid).Metadata++
}

func (pal *ProcessAccessLog) recordEnumerate(pid uint32) {
	pal.lock.Lock()
	defer pal.lock.Unlock()
	pal.countsFor(pid).Enumerates++
}

// Snapshot returns the per-process counters, ordered by pid.
func (pal *ProcessAccessLog) Snapshot() []ProcessAccessCounts {
	pal.lock.Lock()
	counts := make([]ProcessAccessCounts, 0, len(pal.counts))
	for _, c := range pal.counts {
		counts = append(counts, *c)
	}
	pal.lock.Unlock()
	sort.Slice(counts, func(i, j int) bool {
		return counts[i].Pid < counts[j].Pid
	})
	return counts
}
