package ledger

import "sync"

// Sequencer assigns dense, strictly monotonic event_id values for a single
// conversation's stream. The runtime owns exactly one Sequencer per
// in-flight stream and calls Next before emitting each public_sse_v1 frame,
// so the id is known up front and never depends on the ledger write
// completing first. Append trusts a pre-assigned EventID on the Frame rather
// than allocating one itself.
type Sequencer struct {
	mu   sync.Mutex
	next int64
}

// NewSequencer seeds a sequencer from the next unused event_id, typically
// obtained via postgres.LedgerRepo.NextEventID at stream start.
func NewSequencer(seed int64) *Sequencer {
	if seed < 1 {
		seed = 1
	}
	return &Sequencer{next: seed}
}

// Next returns the next event_id and advances the sequence.
func (s *Sequencer) Next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	return id
}
