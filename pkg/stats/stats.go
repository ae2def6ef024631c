// Package stats accumulates page dump counters and timings and persists them
// as a stats-dump image and, optionally, a Prometheus textfile.
package stats

import (
	"fmt"
	"sync"
	"time"
)

// Counter identifies one page dump counter.
type Counter int

const (
	PagesScanned Counter = iota
	PagesSkippedParent
	PagesWritten
	PagePipes
	PagePipeBufs
	nrCounters
)

var counterNames = [nrCounters]string{
	PagesScanned:       "pages_scanned",
	PagesSkippedParent: "pages_skipped_parent",
	PagesWritten:       "pages_written",
	PagePipes:          "page_pipes",
	PagePipeBufs:       "page_pipe_bufs",
}

func (c Counter) String() string {
	if c < 0 || c >= nrCounters {
		return fmt.Sprintf("counter(%d)", int(c))
	}
	return counterNames[c]
}

// Timing identifies one timed phase.
type Timing int

const (
	MemDump Timing = iota
	MemWrite
	nrTimings
)

func (t Timing) String() string {
	switch t {
	case MemDump:
		return "memdump"
	case MemWrite:
		return "memwrite"
	default:
		return fmt.Sprintf("timing(%d)", int(t))
	}
}

// Counters is safe for concurrent use.
type Counters struct {
	mu      sync.Mutex
	counts  [nrCounters]uint64
	timings [nrTimings]time.Duration
	started [nrTimings]time.Time
	now     func() time.Time
}

// New returns zeroed counters.
func New() *Counters {
	return &Counters{now: time.Now}
}

// Add increments counter c by n.
func (s *Counters) Add(c Counter, n uint64) {
	s.mu.Lock()
	s.counts[c] += n
	s.mu.Unlock()
}

// Get returns the current value of counter c.
func (s *Counters) Get(c Counter) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[c]
}

// Start marks the beginning of phase t.
func (s *Counters) Start(t Timing) {
	s.mu.Lock()
	s.started[t] = s.now()
	s.mu.Unlock()
}

// Stop accumulates the time since the matching Start. A Stop without Start is ignored.
func (s *Counters) Stop(t Timing) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started[t].IsZero() {
		return
	}
	s.timings[t] += s.now().Sub(s.started[t])
	s.started[t] = time.Time{}
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	PagesScanned       uint64        `yaml:"pagesScanned"`
	PagesSkippedParent uint64        `yaml:"pagesSkippedParent"`
	PagesWritten       uint64        `yaml:"pagesWritten"`
	PagePipes          uint64        `yaml:"pagePipes"`
	PagePipeBufs       uint64        `yaml:"pagePipeBufs"`
	MemDumpTime        time.Duration `yaml:"memdumpTime"`
	MemWriteTime       time.Duration `yaml:"memwriteTime"`
}

// Snapshot copies the current values.
func (s *Counters) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		PagesScanned:       s.counts[PagesScanned],
		PagesSkippedParent: s.counts[PagesSkippedParent],
		PagesWritten:       s.counts[PagesWritten],
		PagePipes:          s.counts[PagePipes],
		PagePipeBufs:       s.counts[PagePipeBufs],
		MemDumpTime:        s.timings[MemDump],
		MemWriteTime:       s.timings[MemWrite],
	}
}
