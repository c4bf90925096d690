package repository

import (
	"context"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"signalrelay/src/database"
	"signalrelay/src/model"
)

// ExecutionRepository persists execution-attempt state transitions. It
// satisfies the orchestrator's attempt store.
type ExecutionRepository struct {
	db *gorm.DB
}

// NewExecutionRepository creates a new repository instance using the main database.
func NewExecutionRepository() *ExecutionRepository {
	logger.WithField("component", "ExecutionRepository").
		Info("Creating new ExecutionRepository with MainDB")

	return &ExecutionRepository{
		db: database.MainDB,
	}
}

// WithDB allows overriding the underlying *gorm.DB instance.
func (r *ExecutionRepository) WithDB(db *gorm.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

// Save upserts the attempt: first call inserts the row, later calls update it
// in place as the attempt moves through its states.
func (r *ExecutionRepository) Save(
	ctx context.Context,
	attempt *model.ExecutionAttempt,
) error {

	logger.WithFields(map[string]interface{}{
		"repo":       "ExecutionRepository",
		"op":         "Save",
		"signal_id":  attempt.SignalID,
		"account_id": attempt.AccountID,
		"state":      attempt.State,
	}).Debug("Saving execution attempt")

	err := r.db.WithContext(ctx).Save(attempt).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":      "ExecutionRepository",
			"op":        "Save",
			"signal_id": attempt.SignalID,
		}).WithError(err).Error("Failed to save execution attempt")

		return err
	}

	return nil
}

// FindUnprotected fetches attempts whose entry filled but whose protective
// orders never fully landed. The reconciler works from this list.
func (r *ExecutionRepository) FindUnprotected(
	ctx context.Context,
	limit int,
) ([]model.ExecutionAttempt, error) {

	if limit <= 0 {
		limit = 100
	}

	var attempts []model.ExecutionAttempt

	err := r.db.WithContext(ctx).
		Where("unprotected = ?", true).
		Order("id ASC").
		Limit(limit).
		Find(&attempts).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "ExecutionRepository",
			"op":   "FindUnprotected",
		}).WithError(err).Error("Failed to fetch unprotected attempts")

		return nil, err
	}

	return attempts, nil
}
