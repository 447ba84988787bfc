package runtime

import "sync/atomic"

// seqGen numbers the events of one turn starting at 1. Seq is the replay
// cursor for the event store and the dedup key of the turn stream.
type seqGen struct {
	counter atomic.Uint64
}

func newSeqGen() *seqGen {
	return &seqGen{}
}

// Next returns the next event number of the turn.
func (s *seqGen) Next() uint64 {
	return s.counter.Add(1)
}
