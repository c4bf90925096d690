package model

import "time"

const (
	ActionBuy    = "buy"
	ActionSell   = "sell"
	ActionClose  = "close"
	ActionCancel = "cancel"
)

// Signal is the immutable record of one accepted webhook delivery.
// It is created once at intake and never mutated; all execution attempts
// reference it through SignalID.
type Signal struct {
	ID         uint     `gorm:"primaryKey" json:"id"`
	JobID      string   `gorm:"size:64;uniqueIndex" json:"job_id"`
	WebhookID  uint     `gorm:"index" json:"webhook_id"`
	AlertID    string   `gorm:"size:120" json:"alert_id"`
	Strategy   string   `gorm:"size:120" json:"strategy"`
	Symbol     string   `gorm:"size:40;index" json:"symbol"`
	Action     string   `gorm:"size:10" json:"action"`
	Quantity   *float64 `json:"quantity,omitempty"`
	Price      *float64 `json:"price,omitempty"`
	OrderType  string   `gorm:"size:20" json:"order_type"`
	StopLoss   *float64 `json:"stop_loss,omitempty"`
	TakeProfit *float64 `json:"take_profit,omitempty"`
	Leverage   *int     `json:"leverage,omitempty"`
	ReduceOnly bool     `json:"reduce_only"`
	SourceIP   string   `gorm:"size:64" json:"source_ip"`
	RawPayload string   `gorm:"type:text" json:"raw_payload"`

	// Aggregate outcome, written once after all subscriber tasks finished.
	TotalAttempts int `json:"total_attempts"`
	Succeeded     int `json:"succeeded"`
	Failed        int `json:"failed"`

	ReceivedAt time.Time `json:"received_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (Signal) TableName() string {
	return "signals"
}

// ValidAction reports whether the action is one the pipeline understands.
func ValidAction(action string) bool {
	switch action {
	case ActionBuy, ActionSell, ActionClose, ActionCancel:
		return true
	}
	return false
}
