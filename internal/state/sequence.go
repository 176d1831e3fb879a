package state

import (
	"sync"
	"time"
)

// SequenceSource hands out the monotonic sequence numbers stamped on node
// reports. Sequence numbers, not arrival order, decide which of two
// reports for the same host is newer.
type SequenceSource interface {
	Next() uint64
}

// wallClockSource issues strictly increasing sequence numbers seeded from
// the wall clock, so a restarted reporter cannot regress below sequences
// it issued before the restart.
type wallClockSource struct {
	mu   sync.Mutex
	last uint64
	now  func() time.Time
}

func NewWallClockSource() SequenceSource {
	return &wallClockSource{now: time.Now}
}

func (s *wallClockSource) Next() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := uint64(s.now().UnixNano())
	if seq <= s.last {
		seq = s.last + 1
	}
	s.last = seq
	return seq
}

// CounterSource is a SequenceSource counting up from zero. Useful where
// sequence values need to be predictable, such as tests.
type CounterSource struct {
	mu   sync.Mutex
	next uint64
}

func (s *CounterSource) Next() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return s.next
}
