package pipeline

import "sync/atomic"

// Sequencer hands out record numbers starting at 1. Only the committer calls
// Next, so numbers are issued in the order records reach the sink.
type Sequencer struct {
	last atomic.Uint64
}

func (s *Sequencer) Next() uint64 { return s.last.Add(1) }

// Last is the most recently issued number, or 0 before the first record.
func (s *Sequencer) Last() uint64 { return s.last.Load() }
