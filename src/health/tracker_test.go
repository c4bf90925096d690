package health

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrackerPausesAtThreshold(t *testing.T) {
	tracker := NewTracker(10)

	for i := 0; i < 9; i++ {
		tripped := tracker.Record(7, false)
		assert.False(t, tripped)
		assert.False(t, tracker.IsPaused(7))
	}

	assert.True(t, tracker.Record(7, false))
	assert.True(t, tracker.IsPaused(7))
}

func TestSuccessResetsCounter(t *testing.T) {
	tracker := NewTracker(3)

	tracker.Record(1, false)
	tracker.Record(1, false)
	tracker.Record(1, true)

	assert.Equal(t, 0, tracker.Failures(1))

	tracker.Record(1, false)
	tracker.Record(1, false)
	assert.False(t, tracker.IsPaused(1))
}

func TestClearReopensAccount(t *testing.T) {
	tracker := NewTracker(2)

	tracker.Record(4, false)
	tracker.Record(4, false)
	assert.True(t, tracker.IsPaused(4))

	tracker.Clear(4)
	assert.False(t, tracker.IsPaused(4))
	assert.Equal(t, 0, tracker.Failures(4))
}

func TestAccountsAreIndependent(t *testing.T) {
	tracker := NewTracker(2)

	tracker.Record(1, false)
	tracker.Record(1, false)

	assert.True(t, tracker.IsPaused(1))
	assert.False(t, tracker.IsPaused(2))
}

func TestTrackerIsSafeUnderConcurrency(t *testing.T) {
	tracker := NewTracker(1000)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				tracker.Record(9, false)
				tracker.IsPaused(9)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 500, tracker.Failures(9))
}
