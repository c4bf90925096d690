package repository

import (
	"context"
	"errors"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"signalrelay/src/database"
	"signalrelay/src/model"
)

// SignalRepository handles read/write operations for accepted signals and
// their execution attempts.
type SignalRepository struct {
	db *gorm.DB
}

// NewSignalRepository creates a new repository instance using the main database.
func NewSignalRepository() *SignalRepository {
	logger.WithField("component", "SignalRepository").
		Info("Creating new SignalRepository with MainDB")

	return &SignalRepository{
		db: database.MainDB,
	}
}

// WithDB allows overriding the underlying *gorm.DB instance.
func (r *SignalRepository) WithDB(db *gorm.DB) *SignalRepository {
	return &SignalRepository{db: db}
}

// Create inserts a new signal record. The given signal is updated with the
// generated ID and timestamps.
func (r *SignalRepository) Create(
	ctx context.Context,
	signal *model.Signal,
) error {

	logger.WithFields(map[string]interface{}{
		"repo":   "SignalRepository",
		"op":     "Create",
		"job_id": signal.JobID,
		"symbol": signal.Symbol,
		"action": signal.Action,
	}).Debug("Creating new signal")

	err := r.db.WithContext(ctx).Create(signal).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "SignalRepository",
			"op":   "Create",
		}).WithError(err).Error("Failed to create signal")

		return err
	}

	return nil
}

// FindByJobID fetches a signal by its public job ID.
// Returns (nil, nil) if not found.
func (r *SignalRepository) FindByJobID(
	ctx context.Context,
	jobID string,
) (*model.Signal, error) {

	var signal model.Signal

	err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		First(&signal).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}

		logger.WithFields(map[string]interface{}{
			"repo":   "SignalRepository",
			"op":     "FindByJobID",
			"job_id": jobID,
		}).WithError(err).Error("Failed to fetch signal by job ID")

		return nil, err
	}

	return &signal, nil
}

// UpdateOutcome writes the aggregate fan-out counters once every subscriber
// task finished.
func (r *SignalRepository) UpdateOutcome(
	ctx context.Context,
	signalID uint,
	total, succeeded, failed int,
) error {

	err := r.db.WithContext(ctx).
		Model(&model.Signal{}).
		Where("id = ?", signalID).
		Updates(map[string]interface{}{
			"total_attempts": total,
			"succeeded":      succeeded,
			"failed":         failed,
		}).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":      "SignalRepository",
			"op":        "UpdateOutcome",
			"signal_id": signalID,
		}).WithError(err).Error("Failed to update signal outcome")

		return err
	}

	return nil
}

// FindAttemptsBySignal fetches all execution attempts recorded for a signal.
func (r *SignalRepository) FindAttemptsBySignal(
	ctx context.Context,
	signalID uint,
) ([]model.ExecutionAttempt, error) {

	var attempts []model.ExecutionAttempt

	err := r.db.WithContext(ctx).
		Where("signal_id = ?", signalID).
		Order("id ASC").
		Find(&attempts).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":      "SignalRepository",
			"op":        "FindAttemptsBySignal",
			"signal_id": signalID,
		}).WithError(err).Error("Failed to fetch execution attempts")

		return nil, err
	}

	return attempts, nil
}
