package linker

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"signalrelay/src/connectors"
	"signalrelay/src/model"
)

// PositionStore persists position state changes. The ledger repository
// implements it; tests pass a stub.
type PositionStore interface {
	Save(ctx context.Context, position *model.Position) error
}

// NoopStore discards position writes. Used when running without a database.
type NoopStore struct{}

func (NoopStore) Save(ctx context.Context, position *model.Position) error { return nil }

// Linker tracks each (account, symbol) pair's logical position: one entry
// order plus at most one active stop-loss and one active take-profit. It owns
// cancellation-on-close so protective orders cannot outlive their position.
type Linker struct {
	store PositionStore
	locks *KeyedLock

	mu   sync.Mutex
	open map[string]*model.Position

	now func() time.Time
}

func New(store PositionStore) *Linker {
	if store == nil {
		store = NoopStore{}
	}
	return &Linker{
		store: store,
		locks: NewKeyedLock(),
		open:  make(map[string]*model.Position),
		now:   time.Now,
	}
}

// Locks exposes the per-(account, symbol) mutex shared by the orchestrator
// and the reconciler.
func (l *Linker) Locks() *KeyedLock {
	return l.locks
}

// OpenPosition records a filled entry order. A signal that adds to an existing
// open position updates the tracked quantity and entry; the protective orders
// stay linked until AttachProtection replaces them.
func (l *Linker) OpenPosition(
	ctx context.Context,
	accountID uint,
	symbol, side, entryOrderID string,
	quantity, entryPrice decimal.Decimal,
) (*model.Position, error) {
	l.mu.Lock()
	key := lockKey(accountID, symbol)
	pos, ok := l.open[key]
	if !ok {
		pos = &model.Position{
			AccountID: accountID,
			Symbol:    symbol,
			Status:    model.PositionStatusOpen,
			OpenedAt:  l.now(),
		}
		l.open[key] = pos
	}
	pos.Side = side
	pos.EntryOrderID = entryOrderID
	pos.Quantity, _ = quantity.Float64()
	pos.EntryPrice, _ = entryPrice.Float64()
	l.mu.Unlock()

	if err := l.store.Save(ctx, pos); err != nil {
		return nil, err
	}
	return pos, nil
}

// AttachProtection links protective orders to the position. A position holds
// at most one active order of each kind, so attaching a replacement first
// cancels the one already on the exchange.
func (l *Linker) AttachProtection(
	ctx context.Context,
	conn connectors.ExchangeConnector,
	pos *model.Position,
	stopLossOrderID, takeProfitOrderID string,
) error {
	if stopLossOrderID != "" {
		if prev := pos.StopLossOrderID; prev != "" && prev != stopLossOrderID {
			l.cancelQuiet(ctx, conn, pos.Symbol, prev, "stop-loss")
		}
		pos.StopLossOrderID = stopLossOrderID
	}
	if takeProfitOrderID != "" {
		if prev := pos.TakeProfitOrderID; prev != "" && prev != takeProfitOrderID {
			l.cancelQuiet(ctx, conn, pos.Symbol, prev, "take-profit")
		}
		pos.TakeProfitOrderID = takeProfitOrderID
	}

	return l.store.Save(ctx, pos)
}

// Close cancels any still-open protective orders and marks the position
// closed. Invoked when the entry's net exposure is observed to be zero, by
// the orchestrator on a close signal or by reconciliation.
func (l *Linker) Close(ctx context.Context, conn connectors.ExchangeConnector, pos *model.Position) error {
	if err := l.CancelProtection(ctx, conn, pos); err != nil {
		return err
	}

	closedAt := l.now()
	pos.Status = model.PositionStatusClosed
	pos.ClosedAt = &closedAt

	l.mu.Lock()
	delete(l.open, lockKey(pos.AccountID, pos.Symbol))
	l.mu.Unlock()

	return l.store.Save(ctx, pos)
}

// CancelProtection detaches and cancels both protective orders, leaving the
// position itself open.
func (l *Linker) CancelProtection(ctx context.Context, conn connectors.ExchangeConnector, pos *model.Position) error {
	if pos.StopLossOrderID != "" {
		l.cancelQuiet(ctx, conn, pos.Symbol, pos.StopLossOrderID, "stop-loss")
		pos.StopLossOrderID = ""
	}
	if pos.TakeProfitOrderID != "" {
		l.cancelQuiet(ctx, conn, pos.Symbol, pos.TakeProfitOrderID, "take-profit")
		pos.TakeProfitOrderID = ""
	}
	return l.store.Save(ctx, pos)
}

// OpenFor returns the tracked open position for the pair, nil when flat.
func (l *Linker) OpenFor(accountID uint, symbol string) *model.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open[lockKey(accountID, symbol)]
}

// OpenPositions snapshots all tracked open positions.
func (l *Linker) OpenPositions() []*model.Position {
	l.mu.Lock()
	defer l.mu.Unlock()

	positions := make([]*model.Position, 0, len(l.open))
	for _, pos := range l.open {
		positions = append(positions, pos)
	}
	return positions
}

// Restore reloads an open position into the tracker, for startup recovery
// from the ledger.
func (l *Linker) Restore(pos *model.Position) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.open[lockKey(pos.AccountID, pos.Symbol)] = pos
}

// cancelQuiet cancels an order and logs failures instead of propagating them:
// the order may already be filled or gone, and reconciliation sweeps up
// whatever is left.
func (l *Linker) cancelQuiet(ctx context.Context, conn connectors.ExchangeConnector, symbol, orderID, kind string) {
	if err := conn.CancelOrder(ctx, symbol, orderID); err != nil {
		logger.WithError(err).WithFields(logger.Fields{
			"symbol":   symbol,
			"order_id": orderID,
			"kind":     kind,
		}).Warn("Failed to cancel linked protective order")
	}
}
