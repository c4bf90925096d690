package repository

import (
	"context"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"signalrelay/src/database"
	"signalrelay/src/model"
)

// SubscriptionRepository handles read operations for webhook subscriptions.
type SubscriptionRepository struct {
	db *gorm.DB
}

// NewSubscriptionRepository creates a new repository instance using the main database.
func NewSubscriptionRepository() *SubscriptionRepository {
	logger.WithField("component", "SubscriptionRepository").
		Info("Creating new SubscriptionRepository with MainDB")

	return &SubscriptionRepository{
		db: database.MainDB,
	}
}

// WithDB allows overriding the underlying *gorm.DB instance.
func (r *SubscriptionRepository) WithDB(db *gorm.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

// FindByWebhook fetches all subscriptions for a webhook with their accounts
// preloaded. Direction and status filtering happens later in the resolver so
// a single query serves every signal action.
func (r *SubscriptionRepository) FindByWebhook(
	ctx context.Context,
	webhookID uint,
) ([]model.Subscription, error) {

	logger.WithFields(map[string]interface{}{
		"repo":       "SubscriptionRepository",
		"op":         "FindByWebhook",
		"webhook_id": webhookID,
	}).Debug("Fetching subscriptions for webhook")

	var subs []model.Subscription

	err := r.db.WithContext(ctx).
		Preload("Account").
		Where("webhook_id = ?", webhookID).
		Order("id ASC").
		Find(&subs).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":       "SubscriptionRepository",
			"op":         "FindByWebhook",
			"webhook_id": webhookID,
		}).WithError(err).Error("Failed to fetch subscriptions")

		return nil, err
	}

	logger.WithFields(map[string]interface{}{
		"repo":        "SubscriptionRepository",
		"op":          "FindByWebhook",
		"webhook_id":  webhookID,
		"rows_return": len(subs),
	}).Debug("Subscriptions fetched")

	return subs, nil
}
