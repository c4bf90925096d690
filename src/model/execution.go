package model

import "time"

// ExecutionAttempt states. An attempt moves strictly forward; a failure keeps
// the last stage the attempt reached, with Error and FinishedAt set.
const (
	AttemptPending              = "PENDING"
	AttemptSubmittingEntry      = "SUBMITTING_ENTRY"
	AttemptEntryFailed          = "ENTRY_FAILED"
	AttemptEntryFilled          = "ENTRY_FILLED"
	AttemptSubmittingProtection = "SUBMITTING_PROTECTION"
	AttemptProtectionPartial    = "PROTECTION_PARTIAL"
	AttemptProtectionComplete   = "PROTECTION_COMPLETE"
	AttemptDone                 = "DONE"
)

// ExecutionAttempt is the ledger record for one (signal, subscription) pair.
type ExecutionAttempt struct {
	ID             uint `gorm:"primaryKey" json:"id"`
	SignalID       uint `gorm:"index" json:"signal_id"`
	SubscriptionID uint `gorm:"index" json:"subscription_id"`
	AccountID      uint `gorm:"index" json:"account_id"`

	Symbol string `gorm:"size:40" json:"symbol"`
	Side   string `gorm:"size:10" json:"side"`
	State  string `gorm:"size:30;not null;default:PENDING" json:"state"`

	EntryOrderID      string  `gorm:"size:80" json:"entry_order_id,omitempty"`
	StopLossOrderID   string  `gorm:"size:80" json:"stop_loss_order_id,omitempty"`
	TakeProfitOrderID string  `gorm:"size:80" json:"take_profit_order_id,omitempty"`
	Quantity          float64 `json:"quantity"`
	EntryPrice        float64 `json:"entry_price"`

	// Unprotected marks a filled entry whose protective orders could not all be
	// placed; these positions are surfaced for follow-up, never dropped.
	Unprotected bool   `json:"unprotected"`
	Error       string `gorm:"type:text" json:"error,omitempty"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func (ExecutionAttempt) TableName() string {
	return "execution_attempts"
}

// Terminal reports whether the attempt reached a final state.
func (a ExecutionAttempt) Terminal() bool {
	return a.State == AttemptEntryFailed || a.State == AttemptDone || a.FinishedAt != nil
}

// Succeeded reports whether the entry order went through, regardless of
// protective-order completeness.
func (a ExecutionAttempt) Succeeded() bool {
	return a.State == AttemptDone
}
