package queue

import (
	"sync/atomic"
)

// Statistics tracks queue activity. All counters are safe for concurrent use.
type Statistics struct {
	pushes    atomic.Int64
	pops      atomic.Int64
	requeues  atomic.Int64
	overflows atomic.Int64
	drops     atomic.Int64
	size      atomic.Int64
	maxSize   atomic.Int64
}

// NewStatistics creates a zeroed statistics tracker.
func NewStatistics() *Statistics {
	return &Statistics{}
}

func (s *Statistics) push()     { s.pushes.Add(1) }
func (s *Statistics) pop()      { s.pops.Add(1) }
func (s *Statistics) requeue()  { s.requeues.Add(1) }
func (s *Statistics) overflow() { s.overflows.Add(1) }
func (s *Statistics) drop()     { s.drops.Add(1) }

func (s *Statistics) setSize(n int64) {
	s.size.Store(n)
	for {
		cur := s.maxSize.Load()
		if n <= cur || s.maxSize.CompareAndSwap(cur, n) {
			return
		}
	}
}

// Pushes returns the number of items added at the tail.
func (s *Statistics) Pushes() int64 { return s.pushes.Load() }

// Pops returns the number of items removed from the head.
func (s *Statistics) Pops() int64 { return s.pops.Load() }

// Requeues returns the number of PushFront calls.
func (s *Statistics) Requeues() int64 { return s.requeues.Load() }

// Overflows returns how often Push found the queue full.
func (s *Statistics) Overflows() int64 { return s.overflows.Load() }

// Drops returns the number of items discarded by the overflow policy.
func (s *Statistics) Drops() int64 { return s.drops.Load() }

// CurrentSize returns the last observed depth.
func (s *Statistics) CurrentSize() int64 { return s.size.Load() }

// MaxSize returns the highest depth observed.
func (s *Statistics) MaxSize() int64 { return s.maxSize.Load() }

// Summary returns the counters as a map for logging.
func (s *Statistics) Summary() map[string]int64 {
	return map[string]int64{
		"pushes":    s.Pushes(),
		"pops":      s.Pops(),
		"requeues":  s.Requeues(),
		"overflows": s.Overflows(),
		"drops":     s.Drops(),
		"size":      s.CurrentSize(),
		"max_size":  s.MaxSize(),
	}
}
