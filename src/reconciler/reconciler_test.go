package reconciler

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalrelay/src/connectors"
	"signalrelay/src/linker"
	"signalrelay/src/model"
)

type memPositions struct {
	mu   sync.Mutex
	rows []model.Position
}

func (s *memPositions) FindOpen(ctx context.Context) ([]model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var open []model.Position
	for _, row := range s.rows {
		if row.Status == model.PositionStatusOpen {
			open = append(open, row)
		}
	}
	return open, nil
}

func (s *memPositions) Save(ctx context.Context, position *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rows {
		if s.rows[i].ID == position.ID {
			s.rows[i] = *position
			return nil
		}
	}
	s.rows = append(s.rows, *position)
	return nil
}

type memAccounts map[uint]model.Account

func (s memAccounts) FindByID(ctx context.Context, id uint) (*model.Account, error) {
	account, ok := s[id]
	if !ok {
		return nil, nil
	}
	return &account, nil
}

type stubConnector struct {
	connectors.ExchangeConnector

	mu        sync.Mutex
	position  connectors.PositionInfo
	cancelled []string
}

func (s *stubConnector) Name() string { return "stub" }

func (s *stubConnector) GetPosition(ctx context.Context, symbol string) (*connectors.PositionInfo, error) {
	pos := s.position
	pos.Symbol = symbol
	return &pos, nil
}

func (s *stubConnector) CancelOrder(ctx context.Context, symbol, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, orderID)
	return nil
}

type memAttempts struct {
	mu   sync.Mutex
	rows []model.ExecutionAttempt
}

func (s *memAttempts) FindUnprotected(ctx context.Context, limit int) ([]model.ExecutionAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ExecutionAttempt
	for _, row := range s.rows {
		if row.Unprotected {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *memAttempts) Save(ctx context.Context, attempt *model.ExecutionAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rows {
		if s.rows[i].ID == attempt.ID {
			s.rows[i] = *attempt
			return nil
		}
	}
	s.rows = append(s.rows, *attempt)
	return nil
}

func newTestReconciler(conn *stubConnector, positions *memPositions) (*Reconciler, *linker.Linker) {
	return newTestReconcilerWithAttempts(conn, positions, &memAttempts{})
}

func newTestReconcilerWithAttempts(conn *stubConnector, positions *memPositions, attempts *memAttempts) (*Reconciler, *linker.Linker) {
	lnk := linker.New(positions)
	r := New(
		nil,
		connectors.StaticProvider{1: conn},
		lnk,
		positions,
		memAccounts{1: {ID: 1, Exchange: "stub"}},
		attempts,
		Config{MaxPositions: 100, SizeTolerance: 0.001},
	)
	return r, lnk
}

func openPosition() model.Position {
	return model.Position{
		ID:                1,
		AccountID:         1,
		Symbol:            "BTCUSDT",
		Side:              connectors.SideBuy,
		Quantity:          0.5,
		EntryOrderID:      "entry-1",
		StopLossOrderID:   "sl-1",
		TakeProfitOrderID: "tp-1",
		Status:            model.PositionStatusOpen,
	}
}

func TestReconcileClosesFlatPosition(t *testing.T) {
	conn := &stubConnector{position: connectors.PositionInfo{Size: decimal.Zero}}
	positions := &memPositions{rows: []model.Position{openPosition()}}

	r, _ := newTestReconciler(conn, positions)

	mismatches, err := r.ReconcileOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, mismatches)

	// Orphaned protective orders cancelled, record marked closed.
	assert.ElementsMatch(t, []string{"sl-1", "tp-1"}, conn.cancelled)

	open, err := positions.FindOpen(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestReconcileMatchingPositionIsQuiet(t *testing.T) {
	conn := &stubConnector{position: connectors.PositionInfo{
		Side: connectors.SideBuy,
		Size: decimal.RequireFromString("0.5"),
	}}
	positions := &memPositions{rows: []model.Position{openPosition()}}

	r, _ := newTestReconciler(conn, positions)

	mismatches, err := r.ReconcileOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, mismatches)
	assert.Empty(t, conn.cancelled)
}

func TestReconcileReportsSizeDrift(t *testing.T) {
	conn := &stubConnector{position: connectors.PositionInfo{
		Side: connectors.SideBuy,
		Size: decimal.RequireFromString("0.8"),
	}}
	positions := &memPositions{rows: []model.Position{openPosition()}}

	r, _ := newTestReconciler(conn, positions)

	mismatches, err := r.ReconcileOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	assert.Equal(t, uint(1), mismatches[0].AccountID)
	assert.Contains(t, mismatches[0].Reason, "size drift")
}

func TestReconcileReportsMissingProtection(t *testing.T) {
	conn := &stubConnector{position: connectors.PositionInfo{
		Side: connectors.SideBuy,
		Size: decimal.RequireFromString("0.5"),
	}}
	pos := openPosition()
	pos.StopLossOrderID = ""
	pos.TakeProfitOrderID = ""
	positions := &memPositions{rows: []model.Position{pos}}

	r, _ := newTestReconciler(conn, positions)

	mismatches, err := r.ReconcileOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	assert.Contains(t, mismatches[0].Reason, "no protective orders")
}

func TestReconcileReportsUnknownAccount(t *testing.T) {
	conn := &stubConnector{position: connectors.PositionInfo{Size: decimal.Zero}}
	pos := openPosition()
	pos.AccountID = 99
	positions := &memPositions{rows: []model.Position{pos}}

	r, _ := newTestReconciler(conn, positions)

	mismatches, err := r.ReconcileOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	assert.Contains(t, mismatches[0].Reason, "unknown account")
}

func TestReconcileReportsUnprotectedAttempt(t *testing.T) {
	conn := &stubConnector{position: connectors.PositionInfo{
		Side: connectors.SideBuy,
		Size: decimal.RequireFromString("0.5"),
	}}
	positions := &memPositions{rows: []model.Position{openPosition()}}
	attempts := &memAttempts{rows: []model.ExecutionAttempt{{
		ID:           7,
		AccountID:    1,
		Symbol:       "BTCUSDT",
		State:        model.AttemptDone,
		EntryOrderID: "entry-1",
		Unprotected:  true,
	}}}

	r, lnk := newTestReconcilerWithAttempts(conn, positions, attempts)
	pos := openPosition()
	lnk.Restore(&pos)

	mismatches, err := r.ReconcileOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	assert.Equal(t, uint(1), mismatches[0].AccountID)
	assert.Contains(t, mismatches[0].Reason, "without full protection")
	assert.Contains(t, mismatches[0].Reason, "entry-1")

	// The flag stays until the exposure is actually gone.
	assert.True(t, attempts.rows[0].Unprotected)
}

func TestReconcileClearsResolvedUnprotectedAttempt(t *testing.T) {
	conn := &stubConnector{position: connectors.PositionInfo{Size: decimal.Zero}}
	positions := &memPositions{}
	attempts := &memAttempts{rows: []model.ExecutionAttempt{{
		ID:           7,
		AccountID:    1,
		Symbol:       "BTCUSDT",
		State:        model.AttemptDone,
		EntryOrderID: "entry-1",
		Unprotected:  true,
	}}}

	r, _ := newTestReconcilerWithAttempts(conn, positions, attempts)

	mismatches, err := r.ReconcileOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, mismatches)
	assert.False(t, attempts.rows[0].Unprotected)
}

func TestKickDoesNotBlock(t *testing.T) {
	conn := &stubConnector{}
	positions := &memPositions{}
	r, _ := newTestReconciler(conn, positions)

	// Repeated kicks collapse into one pending request.
	r.Kick()
	r.Kick()
	r.Kick()
}
