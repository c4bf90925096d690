package model

import "time"

const (
	SubscriptionStatusActive = "active"
	SubscriptionStatusPaused = "paused"
)

const (
	SizingFixedMargin = "fixed_margin"
	SizingBalancePct  = "balance_pct"
	SizingFixedQty    = "fixed_qty"
)

const (
	DirectionBuyOnly  = "buy_only"
	DirectionSellOnly = "sell_only"
	DirectionBoth     = "both"
)

// Account holds one subscriber's exchange credentials. Key material is stored
// encrypted (see src/security) and decrypted only when a connector is built.
type Account struct {
	ID            uint   `gorm:"primaryKey" json:"id"`
	Name          string `gorm:"size:120" json:"name"`
	Exchange      string `gorm:"size:40;index" json:"exchange"`
	APIKeyEnc     string `gorm:"size:512;column:api_key_enc" json:"-"`
	APISecretEnc  string `gorm:"size:512;column:api_secret_enc" json:"-"`
	PassphraseEnc string `gorm:"size:512;column:passphrase_enc" json:"-"`
	MaxLeverage   int    `json:"max_leverage"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Account) TableName() string {
	return "accounts"
}

// Subscription links an account to a webhook (bot) with per-subscriber
// execution parameters. The pipeline only ever reads these rows; management
// belongs to the account-administration service.
type Subscription struct {
	ID        uint `gorm:"primaryKey" json:"id"`
	AccountID uint `gorm:"index" json:"account_id"`
	WebhookID uint `gorm:"index" json:"webhook_id"`

	Status           string  `gorm:"size:20;not null;default:active" json:"status"`
	SizingPolicy     string  `gorm:"size:20;not null" json:"sizing_policy"`
	SizingValue      float64 `json:"sizing_value"`
	Leverage         int     `json:"leverage"`
	AllowedDirection string  `gorm:"size:20;not null;default:both" json:"allowed_direction"`
	StopLossPct      float64 `json:"stop_loss_pct"`
	TakeProfitPct    float64 `json:"take_profit_pct"`

	Account Account `gorm:"foreignKey:AccountID" json:"account"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Subscription) TableName() string {
	return "subscriptions"
}

// AllowsAction reports whether the subscription's direction policy permits the
// given signal action. Close and cancel are always allowed so an account can
// exit a position even under a one-sided policy.
func (s Subscription) AllowsAction(action string) bool {
	switch action {
	case ActionClose, ActionCancel:
		return true
	case ActionBuy:
		return s.AllowedDirection == DirectionBoth || s.AllowedDirection == DirectionBuyOnly
	case ActionSell:
		return s.AllowedDirection == DirectionBoth || s.AllowedDirection == DirectionSellOnly
	}
	return false
}
