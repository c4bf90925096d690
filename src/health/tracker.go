package health

import (
	"sync"

	logger "github.com/sirupsen/logrus"
)

// Tracker is the pipeline's circuit breaker: a per-account consecutive-failure
// counter that pauses an account once the configured threshold is crossed.
// Paused accounts are excluded from fan-outs until an operator clears them.
type Tracker struct {
	threshold int

	mu       sync.Mutex
	failures map[uint]int
	paused   map[uint]bool
}

func NewTracker(threshold int) *Tracker {
	if threshold <= 0 {
		threshold = 10
	}
	return &Tracker{
		threshold: threshold,
		failures:  make(map[uint]int),
		paused:    make(map[uint]bool),
	}
}

// Record updates the account's counter: success resets it, failure increments
// it. Returns true when this call tripped the breaker.
func (t *Tracker) Record(accountID uint, success bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if success {
		t.failures[accountID] = 0
		return false
	}

	t.failures[accountID]++
	if t.failures[accountID] >= t.threshold && !t.paused[accountID] {
		t.paused[accountID] = true
		logger.WithFields(logger.Fields{
			"account_id": accountID,
			"failures":   t.failures[accountID],
		}).Warn("Account paused after consecutive failures")
		return true
	}
	return false
}

// IsPaused reports whether the breaker is open for the account.
func (t *Tracker) IsPaused(accountID uint) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paused[accountID]
}

// Clear reopens a paused account and resets its counter. Called by an operator
// action or an external health check.
func (t *Tracker) Clear(accountID uint) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.paused, accountID)
	t.failures[accountID] = 0
}

// Failures returns the current consecutive-failure count for the account.
func (t *Tracker) Failures(accountID uint) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failures[accountID]
}
