package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"signalrelay/src/connectors"
	"signalrelay/src/linker"
	"signalrelay/src/model"
)

// MismatchError reports a divergence between tracked state and what the
// exchange actually holds. Mismatches are surfaced for operators; the
// reconciler only repairs the cases it can resolve safely.
type MismatchError struct {
	AccountID uint
	Symbol    string
	Reason    string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("reconciliation mismatch: account=%d symbol=%s: %s",
		e.AccountID, e.Symbol, e.Reason)
}

// PositionSource provides the tracked open positions to diff against exchange
// state.
type PositionSource interface {
	FindOpen(ctx context.Context) ([]model.Position, error)
	Save(ctx context.Context, position *model.Position) error
}

// AccountSource resolves accounts referenced by tracked positions.
type AccountSource interface {
	FindByID(ctx context.Context, id uint) (*model.Account, error)
}

// AttemptSource lists ledger attempts flagged as unprotected so each pass can
// keep surfacing them until the exposure is gone.
type AttemptSource interface {
	FindUnprotected(ctx context.Context, limit int) ([]model.ExecutionAttempt, error)
	Save(ctx context.Context, attempt *model.ExecutionAttempt) error
}

// Reconciler periodically compares tracked open positions against live
// exchange state. A position the exchange no longer holds is closed locally
// and its orphaned protective orders are cancelled; anything else that
// diverges is reported as a mismatch.
type Reconciler struct {
	log       *logger.Entry
	provider  connectors.Provider
	linker    *linker.Linker
	positions PositionSource
	accounts  AccountSource
	attempts  AttemptSource
	config    Config

	kick chan struct{}
}

func New(
	log *logger.Entry,
	provider connectors.Provider,
	lnk *linker.Linker,
	positions PositionSource,
	accounts AccountSource,
	attempts AttemptSource,
	config Config,
) *Reconciler {
	if log == nil {
		log = logger.NewEntry(logger.StandardLogger())
	}
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}

	return &Reconciler{
		log:       log,
		provider:  provider,
		linker:    lnk,
		positions: positions,
		accounts:  accounts,
		attempts:  attempts,
		config:    config,
		kick:      make(chan struct{}, 1),
	}
}

// Kick requests an immediate reconciliation pass, used by the stream watcher
// when a fill or cancel event arrives between ticks.
func (r *Reconciler) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Start runs the reconciliation loop until the context is cancelled.
func (r *Reconciler) Start(ctx context.Context) error {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.log.WithField("interval", r.config.Interval.String()).
		Info("Reconciliation loop started")

	for {
		select {
		case <-ctx.Done():
			r.log.Info("Reconciliation loop stopped")
			return nil

		case <-ticker.C:
		case <-r.kick:
		}

		if _, err := r.ReconcileOnce(ctx); err != nil {
			r.log.WithError(err).Error("Reconciliation pass failed")
		}
	}
}

// ReconcileOnce runs a single pass over all tracked open positions and
// returns the mismatches it could not repair.
func (r *Reconciler) ReconcileOnce(ctx context.Context) ([]*MismatchError, error) {
	positions, err := r.positions.FindOpen(ctx)
	if err != nil {
		return nil, err
	}
	if len(positions) > r.config.MaxPositions && r.config.MaxPositions > 0 {
		positions = positions[:r.config.MaxPositions]
	}

	var mismatches []*MismatchError

	for i := range positions {
		pos := positions[i]

		mismatch, err := r.reconcilePosition(ctx, &pos)
		if err != nil {
			r.log.WithError(err).WithFields(logger.Fields{
				"account_id": pos.AccountID,
				"symbol":     pos.Symbol,
			}).Error("Failed to reconcile position")
			continue
		}
		if mismatch != nil {
			r.log.WithFields(logger.Fields{
				"account_id": mismatch.AccountID,
				"symbol":     mismatch.Symbol,
				"reason":     mismatch.Reason,
			}).Warn("Reconciliation mismatch")
			mismatches = append(mismatches, mismatch)
		}
	}

	mismatches = append(mismatches, r.sweepUnprotected(ctx)...)

	r.log.WithFields(logger.Fields{
		"positions":  len(positions),
		"mismatches": len(mismatches),
	}).Info("Reconciliation pass finished")

	return mismatches, nil
}

// sweepUnprotected revisits ledger attempts whose entry filled without full
// protection. An attempt whose position is no longer tracked resolved itself
// (closed or reconciled away) and gets its flag cleared; the rest stay in the
// mismatch report until an operator intervenes.
func (r *Reconciler) sweepUnprotected(ctx context.Context) []*MismatchError {
	if r.attempts == nil {
		return nil
	}

	unprotected, err := r.attempts.FindUnprotected(ctx, r.config.MaxPositions)
	if err != nil {
		r.log.WithError(err).Error("Failed to fetch unprotected attempts")
		return nil
	}

	var mismatches []*MismatchError
	for i := range unprotected {
		attempt := unprotected[i]

		if r.linker.OpenFor(attempt.AccountID, attempt.Symbol) == nil {
			attempt.Unprotected = false
			if err := r.attempts.Save(ctx, &attempt); err != nil {
				r.log.WithError(err).WithField("attempt_id", attempt.ID).
					Error("Failed to clear resolved unprotected attempt")
				continue
			}
			r.log.WithFields(logger.Fields{
				"attempt_id": attempt.ID,
				"account_id": attempt.AccountID,
				"symbol":     attempt.Symbol,
			}).Info("Unprotected attempt resolved, position no longer open")
			continue
		}

		mismatches = append(mismatches, &MismatchError{
			AccountID: attempt.AccountID,
			Symbol:    attempt.Symbol,
			Reason: fmt.Sprintf("entry order %s filled without full protection",
				attempt.EntryOrderID),
		})
	}
	return mismatches
}

func (r *Reconciler) reconcilePosition(ctx context.Context, pos *model.Position) (*MismatchError, error) {
	account, err := r.accounts.FindByID(ctx, pos.AccountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return &MismatchError{
			AccountID: pos.AccountID,
			Symbol:    pos.Symbol,
			Reason:    "tracked position references an unknown account",
		}, nil
	}

	conn, err := r.provider.ConnectorForAccount(*account)
	if err != nil {
		return nil, err
	}

	// Serialize against live executions on the same pair.
	unlock := r.linker.Locks().Lock(pos.AccountID, pos.Symbol)
	defer unlock()

	exchangePos, err := conn.GetPosition(ctx, pos.Symbol)
	if err != nil {
		return nil, err
	}

	if exchangePos.Size.LessThanOrEqual(decimal.Zero) {
		// Exchange is flat: the position closed outside the pipeline,
		// usually a stop loss or take profit firing. Cancel whichever
		// protective order is left and mark the record closed.
		tracked := r.linker.OpenFor(pos.AccountID, pos.Symbol)
		if tracked == nil {
			r.linker.Restore(pos)
			tracked = pos
		}
		if err := r.linker.Close(ctx, conn, tracked); err != nil {
			return nil, err
		}

		r.log.WithFields(logger.Fields{
			"account_id": pos.AccountID,
			"symbol":     pos.Symbol,
		}).Info("Closed tracked position no longer held on exchange")
		return nil, nil
	}

	tracked := decimal.NewFromFloat(pos.Quantity)
	diff := exchangePos.Size.Sub(tracked).Abs()
	tolerance := tracked.Mul(decimal.NewFromFloat(r.config.SizeTolerance))
	if diff.GreaterThan(tolerance) {
		return &MismatchError{
			AccountID: pos.AccountID,
			Symbol:    pos.Symbol,
			Reason: fmt.Sprintf("size drift: tracked=%s exchange=%s",
				tracked.String(), exchangePos.Size.String()),
		}, nil
	}

	if pos.StopLossOrderID == "" && pos.TakeProfitOrderID == "" {
		return &MismatchError{
			AccountID: pos.AccountID,
			Symbol:    pos.Symbol,
			Reason:    "open position has no protective orders attached",
		}, nil
	}

	return nil, nil
}
