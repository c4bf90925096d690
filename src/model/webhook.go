package model

import "time"

// Webhook is one inbound alert endpoint (a "bot" in charting-platform terms).
// Token identifies the endpoint in the URL path; SecretEnc holds the encrypted
// HMAC secret used to authenticate deliveries.
type Webhook struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	Name      string `gorm:"size:120" json:"name"`
	Token     string `gorm:"size:64;uniqueIndex" json:"token"`
	SecretEnc string `gorm:"size:512;column:secret_enc" json:"-"`
	Active    bool   `gorm:"not null;default:true" json:"active"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Webhook) TableName() string {
	return "webhooks"
}
