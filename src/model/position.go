package model

import "time"

const (
	PositionStatusOpen   = "open"
	PositionStatusClosed = "closed"
)

// Position groups one entry order with its linked protective orders for one
// (account, symbol) pair. At most one active stop-loss and one active
// take-profit may be linked at any time; both are cancelled when the entry's
// net exposure reaches zero.
type Position struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	AccountID uint   `gorm:"index" json:"account_id"`
	Symbol    string `gorm:"size:40;index" json:"symbol"`
	Side      string `gorm:"size:10" json:"side"`

	Quantity   float64  `json:"quantity"`
	EntryPrice float64  `json:"entry_price"`
	ExitPrice  *float64 `json:"exit_price,omitempty"`

	EntryOrderID      string `gorm:"size:80" json:"entry_order_id"`
	StopLossOrderID   string `gorm:"size:80" json:"stop_loss_order_id,omitempty"`
	TakeProfitOrderID string `gorm:"size:80" json:"take_profit_order_id,omitempty"`

	Status   string     `gorm:"size:20;not null;default:open" json:"status"`
	OpenedAt time.Time  `json:"opened_at"`
	ClosedAt *time.Time `json:"closed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Position) TableName() string {
	return "positions"
}
