package indexer

import (
	"context"
	"sync"
	"time"

	"github.com/withObsrvr/obsrvr-bulk-indexer/internal/producer"
	"github.com/withObsrvr/obsrvr-bulk-indexer/internal/uploader"
)

// State tracks pipeline progress for one run. The producer side records
// batches as they are cut; workers record attempts and results.
type State struct {
	uploader.NopObserver

	mu        sync.Mutex
	produced  int64
	delivered int64
	documents int64
	failed    int64
	attempts  int64
	retries   int64
	inFlight  map[int64]int // batch seq -> attempts so far
}

// NewState creates an empty state.
func NewState() *State {
	return &State{inFlight: make(map[int64]int)}
}

// StateSnapshot is a point-in-time copy of State.
type StateSnapshot struct {
	Produced  int64
	Delivered int64
	Documents int64
	Failed    int64
	Attempts  int64
	Retries   int64
	InFlight  map[int64]int
}

// Snapshot copies the current counters.
func (s *State) Snapshot() StateSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	inFlight := make(map[int64]int, len(s.inFlight))
	for seq, n := range s.inFlight {
		inFlight[seq] = n
	}
	return StateSnapshot{
		Produced:  s.produced,
		Delivered: s.delivered,
		Documents: s.documents,
		Failed:    s.failed,
		Attempts:  s.attempts,
		Retries:   s.retries,
		InFlight:  inFlight,
	}
}

func (s *State) batchProduced() {
	s.mu.Lock()
	s.produced++
	s.mu.Unlock()
}

func (s *State) BatchStarted(_ int, b producer.Batch) {
	s.mu.Lock()
	s.inFlight[b.Seq] = 0
	s.mu.Unlock()
}

func (s *State) AttemptFinished(_ int, b producer.Batch, attempt int, _ uploader.Outcome) {
	s.mu.Lock()
	s.attempts++
	s.inFlight[b.Seq] = attempt
	s.mu.Unlock()
}

func (s *State) BackingOff(int, producer.Batch, int, time.Duration) {
	s.mu.Lock()
	s.retries++
	s.mu.Unlock()
}

func (s *State) BatchDelivered(_ int, b producer.Batch, _ int) {
	s.mu.Lock()
	s.delivered++
	s.documents += int64(b.Len())
	delete(s.inFlight, b.Seq)
	s.mu.Unlock()
}

func (s *State) BatchFailed(_ int, b producer.Batch, _ *uploader.FatalError) {
	s.mu.Lock()
	s.failed++
	delete(s.inFlight, b.Seq)
	s.mu.Unlock()
}

// countingSource records every batch the producer hands out.
type countingSource struct {
	src   uploader.BatchSource
	state *State
}

func (c *countingSource) Next(ctx context.Context) (producer.Batch, error) {
	b, err := c.src.Next(ctx)
	if err == nil {
		c.state.batchProduced()
	}
	return b, err
}

var _ uploader.PoolObserver = (*State)(nil)
