package scraper

import (
	"testing"

	"github.com/Seany5691/smart-cost-calculator-hosted-sub012/models"
)

func TestBatchSizerStartsAtMax(t *testing.T) {
	b := NewBatchSizer(3, 5)
	if got := b.Size(); got != 5 {
		t.Errorf("Size() = %d, want 5", got)
	}
}

func TestBatchSizerShrinksAfterTwoFailures(t *testing.T) {
	b := NewBatchSizer(3, 5)

	b.OnFailure()
	if got := b.Size(); got != 5 {
		t.Errorf("one failure should not shrink, got %d", got)
	}

	b.OnFailure()
	if got := b.Size(); got != 4 {
		t.Errorf("two failures should shrink to 4, got %d", got)
	}

	// Floor stays at min no matter how bad it gets.
	for i := 0; i < 10; i++ {
		b.OnFailure()
	}
	if got := b.Size(); got != 3 {
		t.Errorf("size must not drop below min, got %d", got)
	}
}

func TestBatchSizerGrowsAfterThreeSuccesses(t *testing.T) {
	b := NewBatchSizer(3, 5)
	b.OnFailure()
	b.OnFailure()
	if got := b.Size(); got != 4 {
		t.Fatalf("setup: want size 4, got %d", got)
	}

	b.OnSuccess()
	b.OnSuccess()
	if got := b.Size(); got != 4 {
		t.Errorf("two successes should not grow, got %d", got)
	}

	b.OnSuccess()
	if got := b.Size(); got != 5 {
		t.Errorf("three successes should grow to 5, got %d", got)
	}

	// Ceiling holds at max.
	for i := 0; i < 10; i++ {
		b.OnSuccess()
	}
	if got := b.Size(); got != 5 {
		t.Errorf("size must not grow past max, got %d", got)
	}
}

func TestBatchSizerSuccessResetsFailureStreak(t *testing.T) {
	b := NewBatchSizer(3, 5)

	b.OnFailure()
	b.OnSuccess()
	b.OnFailure()
	if got := b.Size(); got != 5 {
		t.Errorf("interleaved outcomes must not shrink, got %d", got)
	}
}

func TestBatchSizerSnapshotRestore(t *testing.T) {
	b := NewBatchSizer(3, 5)
	b.OnFailure()
	b.OnFailure()
	b.OnFailure()

	state := b.Snapshot()
	if state.Size != 4 || state.ConsecutiveFailures != 1 {
		t.Fatalf("unexpected snapshot: %+v", state)
	}

	restored := NewBatchSizerFromState(3, 5, state)
	if got := restored.Size(); got != 4 {
		t.Errorf("restored size = %d, want 4", got)
	}

	// One more failure completes the streak carried over the restart.
	restored.OnFailure()
	if got := restored.Size(); got != 3 {
		t.Errorf("size after carried-over streak = %d, want 3", got)
	}
}

func TestBatchSizerRejectsOutOfRangeState(t *testing.T) {
	restored := NewBatchSizerFromState(3, 5, models.BatchState{Size: 99})
	if got := restored.Size(); got != 5 {
		t.Errorf("bogus state should fall back to max, got %d", got)
	}
}
