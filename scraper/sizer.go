package scraper

import (
	"sync"

	"github.com/Seany5691/smart-cost-calculator-hosted-sub012/models"
)

const (
	shrinkAfterFailures = 2
	growAfterSuccesses  = 3
)

// BatchSizer tunes how many lookups run against one browser instance.
// Two consecutive batch failures shrink the size by one, three consecutive
// successes grow it by one, always inside [min, max]. A fresh session
// starts at max and only shrinks under pressure.
type BatchSizer struct {
	mu        sync.Mutex
	size      int
	min       int
	max       int
	failures  int
	successes int
}

func NewBatchSizer(min, max int) *BatchSizer {
	if min < 1 {
		min = 1
	}
	if max < min {
		max = min
	}
	return &BatchSizer{size: max, min: min, max: max}
}

// NewBatchSizerFromState rebuilds a sizer from a checkpoint so a resumed
// session keeps its learned batch size.
func NewBatchSizerFromState(min, max int, state models.BatchState) *BatchSizer {
	b := NewBatchSizer(min, max)
	if state.Size >= b.min && state.Size <= b.max {
		b.size = state.Size
	}
	b.failures = state.ConsecutiveFailures
	b.successes = state.ConsecutiveSuccesses
	return b
}

// Size returns the current batch size.
func (b *BatchSizer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// OnSuccess records a clean batch. Growth needs a streak.
func (b *BatchSizer) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.successes++
	if b.successes >= growAfterSuccesses {
		b.successes = 0
		if b.size < b.max {
			b.size++
		}
	}
}

// OnFailure records a batch that hit errors or block signals.
func (b *BatchSizer) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.successes = 0
	b.failures++
	if b.failures >= shrinkAfterFailures {
		b.failures = 0
		if b.size > b.min {
			b.size--
		}
	}
}

// Snapshot captures the sizer for the checkpoint row.
func (b *BatchSizer) Snapshot() models.BatchState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return models.BatchState{
		Size:                 b.size,
		ConsecutiveFailures:  b.failures,
		ConsecutiveSuccesses: b.successes,
	}
}
