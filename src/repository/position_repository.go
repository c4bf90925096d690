package repository

import (
	"context"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"signalrelay/src/database"
	"signalrelay/src/model"
)

// PositionRepository persists tracked positions and their protective order
// links. It satisfies the linker's position store.
type PositionRepository struct {
	db *gorm.DB
}

// NewPositionRepository creates a new repository instance using the main database.
func NewPositionRepository() *PositionRepository {
	logger.WithField("component", "PositionRepository").
		Info("Creating new PositionRepository with MainDB")

	return &PositionRepository{
		db: database.MainDB,
	}
}

// WithDB allows overriding the underlying *gorm.DB instance.
func (r *PositionRepository) WithDB(db *gorm.DB) *PositionRepository {
	return &PositionRepository{db: db}
}

// Save upserts the position row.
func (r *PositionRepository) Save(
	ctx context.Context,
	position *model.Position,
) error {

	logger.WithFields(map[string]interface{}{
		"repo":       "PositionRepository",
		"op":         "Save",
		"account_id": position.AccountID,
		"symbol":     position.Symbol,
		"status":     position.Status,
	}).Debug("Saving position")

	err := r.db.WithContext(ctx).Save(position).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":       "PositionRepository",
			"op":         "Save",
			"account_id": position.AccountID,
			"symbol":     position.Symbol,
		}).WithError(err).Error("Failed to save position")

		return err
	}

	return nil
}

// FindOpen fetches all open positions. Called once at startup to rebuild the
// in-memory position index, and by the reconciler to diff against exchange
// state.
func (r *PositionRepository) FindOpen(
	ctx context.Context,
) ([]model.Position, error) {

	var positions []model.Position

	err := r.db.WithContext(ctx).
		Where("status = ?", model.PositionStatusOpen).
		Order("id ASC").
		Find(&positions).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "PositionRepository",
			"op":   "FindOpen",
		}).WithError(err).Error("Failed to fetch open positions")

		return nil, err
	}

	logger.WithFields(map[string]interface{}{
		"repo":        "PositionRepository",
		"op":          "FindOpen",
		"rows_return": len(positions),
	}).Debug("Open positions fetched")

	return positions, nil
}
