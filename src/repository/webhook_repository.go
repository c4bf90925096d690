package repository

import (
	"context"
	"errors"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"signalrelay/src/database"
	"signalrelay/src/model"
)

// WebhookRepository handles read operations for webhook definitions.
type WebhookRepository struct {
	db *gorm.DB
}

// NewWebhookRepository creates a new repository instance using the main database.
func NewWebhookRepository() *WebhookRepository {
	logger.WithField("component", "WebhookRepository").
		Info("Creating new WebhookRepository with MainDB")

	return &WebhookRepository{
		db: database.MainDB,
	}
}

// WithDB allows overriding the underlying *gorm.DB instance.
// Useful for tests or when using a specific session/transaction.
func (r *WebhookRepository) WithDB(db *gorm.DB) *WebhookRepository {
	return &WebhookRepository{db: db}
}

// FindByToken fetches an active webhook by its URL token.
// Returns (nil, nil) if no active webhook matches.
func (r *WebhookRepository) FindByToken(
	ctx context.Context,
	token string,
) (*model.Webhook, error) {

	var webhook model.Webhook

	err := r.db.WithContext(ctx).
		Where("token = ? AND active = ?", token, true).
		First(&webhook).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil // not found is not an error
		}

		logger.WithFields(map[string]interface{}{
			"repo": "WebhookRepository",
			"op":   "FindByToken",
		}).WithError(err).Error("Failed to fetch webhook by token")

		return nil, err
	}

	return &webhook, nil
}
