package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"signalrelay/src/connectors"
	"signalrelay/src/health"
	"signalrelay/src/linker"
	"signalrelay/src/model"
	"signalrelay/src/precision"
	"signalrelay/src/subscriber"
)

// AttemptStore persists execution-attempt state transitions.
type AttemptStore interface {
	Save(ctx context.Context, attempt *model.ExecutionAttempt) error
}

// NoopAttemptStore discards attempt writes, for tests and tools.
type NoopAttemptStore struct{}

func (NoopAttemptStore) Save(ctx context.Context, attempt *model.ExecutionAttempt) error {
	return nil
}

// Summary aggregates one signal's fan-out outcome. It is only finalized after
// every subscriber task reached a terminal state.
type Summary struct {
	Total       int
	Succeeded   int
	Failed      int
	Unprotected int
	Attempts    []model.ExecutionAttempt
}

// Orchestrator runs one execution task per resolved subscription with bounded
// parallelism, isolating per-subscriber failures and aggregating results.
type Orchestrator struct {
	logger    *logrus.Entry
	provider  connectors.Provider
	precision *precision.Resolver
	linker    *linker.Linker
	health    *health.Tracker
	store     AttemptStore
	config    Config

	gatesMu sync.Mutex
	gates   map[uint]chan struct{}

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(
	log *logrus.Entry,
	provider connectors.Provider,
	precisionResolver *precision.Resolver,
	lnk *linker.Linker,
	tracker *health.Tracker,
	store AttemptStore,
	config Config,
) *Orchestrator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if store == nil {
		store = NoopAttemptStore{}
	}
	if config.Workers <= 0 {
		config.Workers = 8
	}
	if config.AccountConcurrency <= 0 {
		config.AccountConcurrency = 2
	}

	return &Orchestrator{
		logger:    log,
		provider:  provider,
		precision: precisionResolver,
		linker:    lnk,
		health:    tracker,
		store:     store,
		config:    config,
		gates:     make(map[uint]chan struct{}),
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run fans a signal out to its resolved plans and blocks until every task
// reached a terminal state. A panicking or failing task never affects its
// siblings.
func (o *Orchestrator) Run(ctx context.Context, sig *model.Signal, plans []subscriber.OrderPlan) *Summary {
	results := make([]*model.ExecutionAttempt, len(plans))

	sem := make(chan struct{}, o.config.Workers)
	var wg sync.WaitGroup

	for i := range plans {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			plan := plans[i]
			defer func() {
				if r := recover(); r != nil {
					o.logger.WithFields(logrus.Fields{
						"signal_id":  sig.ID,
						"account_id": plan.Subscription.AccountID,
						"panic":      fmt.Sprintf("%v", r),
					}).Error("Execution task panicked")
					results[i] = o.failedAttempt(ctx, sig, plan, fmt.Errorf("task panic: %v", r))
				}
			}()

			results[i] = o.execute(ctx, sig, plan)
		}(i)
	}
	wg.Wait()

	summary := &Summary{Total: len(plans)}
	for _, attempt := range results {
		if attempt == nil {
			continue
		}
		summary.Attempts = append(summary.Attempts, *attempt)
		if attempt.Succeeded() {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
		if attempt.Unprotected {
			summary.Unprotected++
		}
		if o.health != nil {
			o.health.Record(attempt.AccountID, attempt.Succeeded())
		}
	}

	o.logger.WithFields(logrus.Fields{
		"signal_id": sig.ID,
		"total":     summary.Total,
		"succeeded": summary.Succeeded,
		"failed":    summary.Failed,
	}).Info("Signal fan-out finished")

	return summary
}

// acquireGate enforces the per-account concurrency ceiling that protects
// shared exchange rate limits across signals.
func (o *Orchestrator) acquireGate(accountID uint) func() {
	o.gatesMu.Lock()
	gate, ok := o.gates[accountID]
	if !ok {
		gate = make(chan struct{}, o.config.AccountConcurrency)
		o.gates[accountID] = gate
	}
	o.gatesMu.Unlock()

	gate <- struct{}{}
	return func() { <-gate }
}

func (o *Orchestrator) newAttempt(sig *model.Signal, plan subscriber.OrderPlan) *model.ExecutionAttempt {
	return &model.ExecutionAttempt{
		SignalID:       sig.ID,
		SubscriptionID: plan.Subscription.ID,
		AccountID:      plan.Subscription.AccountID,
		Symbol:         plan.Symbol,
		Side:           plan.Side,
		State:          model.AttemptPending,
		StartedAt:      o.now(),
	}
}

func (o *Orchestrator) failedAttempt(ctx context.Context, sig *model.Signal, plan subscriber.OrderPlan, err error) *model.ExecutionAttempt {
	attempt := o.newAttempt(sig, plan)
	o.fail(ctx, attempt, err)
	return attempt
}

func (o *Orchestrator) execute(ctx context.Context, sig *model.Signal, plan subscriber.OrderPlan) *model.ExecutionAttempt {
	attempt := o.newAttempt(sig, plan)
	o.save(ctx, attempt)

	log := o.logger.WithFields(logrus.Fields{
		"signal_id":  sig.ID,
		"account_id": attempt.AccountID,
		"symbol":     attempt.Symbol,
	})

	conn, err := o.provider.ConnectorForAccount(plan.Subscription.Account)
	if err != nil {
		log.WithError(err).Error("Failed to resolve connector")
		o.fail(ctx, attempt, err)
		return attempt
	}

	// Position-mutating work for one (account, symbol) pair is serialized
	// against other signals and against reconciliation.
	unlock := o.linker.Locks().Lock(attempt.AccountID, attempt.Symbol)
	defer unlock()

	release := o.acquireGate(attempt.AccountID)
	defer release()

	switch {
	case plan.CancelOnly:
		o.executeCancel(ctx, log, conn, attempt)
	case plan.CloseAll:
		o.executeClose(ctx, log, conn, attempt)
	default:
		o.executeEntry(ctx, log, conn, attempt, plan)
	}

	return attempt
}

func (o *Orchestrator) executeCancel(
	ctx context.Context,
	log *logrus.Entry,
	conn connectors.ExchangeConnector,
	attempt *model.ExecutionAttempt,
) {
	pos := o.linker.OpenFor(attempt.AccountID, attempt.Symbol)
	if pos == nil {
		log.Info("Cancel signal with no tracked position, nothing to do")
		o.finish(ctx, attempt, model.AttemptDone)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, o.config.CallTimeout)
	defer cancel()

	if err := o.linker.CancelProtection(callCtx, conn, pos); err != nil {
		o.failAt(ctx, attempt, model.AttemptSubmittingProtection, err)
		return
	}
	o.finish(ctx, attempt, model.AttemptDone)
}

func (o *Orchestrator) executeClose(
	ctx context.Context,
	log *logrus.Entry,
	conn connectors.ExchangeConnector,
	attempt *model.ExecutionAttempt,
) {
	callCtx, cancel := context.WithTimeout(ctx, o.config.CallTimeout)
	exchangePos, err := conn.GetPosition(callCtx, attempt.Symbol)
	cancel()
	if err != nil {
		o.fail(ctx, attempt, err)
		return
	}

	pos := o.linker.OpenFor(attempt.AccountID, attempt.Symbol)

	if exchangePos.Size.LessThanOrEqual(decimal.Zero) {
		// Already flat on the exchange; just tidy local state.
		if pos != nil {
			closeCtx, cancelClose := context.WithTimeout(ctx, o.config.CallTimeout)
			defer cancelClose()
			if err := o.linker.Close(closeCtx, conn, pos); err != nil {
				o.failAt(ctx, attempt, model.AttemptSubmittingProtection, err)
				return
			}
		}
		o.finish(ctx, attempt, model.AttemptDone)
		return
	}

	side := connectors.SideSell
	if exchangePos.Side == connectors.SideSell {
		side = connectors.SideBuy
	}
	attempt.Side = side

	attempt.State = model.AttemptSubmittingEntry
	o.save(ctx, attempt)

	orderCtx, cancelOrder := context.WithTimeout(ctx, o.config.CallTimeout)
	result, err := conn.PlaceOrder(orderCtx, connectors.OrderRequest{
		Symbol:        attempt.Symbol,
		Side:          side,
		Type:          connectors.OrderTypeMarket,
		Quantity:      exchangePos.Size,
		ReduceOnly:    true,
		ClientOrderID: clientOrderID(),
	})
	cancelOrder()
	if err != nil {
		o.fail(ctx, attempt, err)
		return
	}

	attempt.State = model.AttemptEntryFilled
	attempt.EntryOrderID = result.OrderID
	qty, _ := exchangePos.Size.Float64()
	attempt.Quantity = qty
	o.save(ctx, attempt)

	if pos != nil {
		closeCtx, cancelClose := context.WithTimeout(ctx, o.config.CallTimeout)
		defer cancelClose()
		if err := o.linker.Close(closeCtx, conn, pos); err != nil {
			o.failAt(ctx, attempt, model.AttemptEntryFilled, err)
			return
		}
	}

	log.WithField("order_id", result.OrderID).Info("Position closed")
	o.finish(ctx, attempt, model.AttemptDone)
}

func (o *Orchestrator) executeEntry(
	ctx context.Context,
	log *logrus.Entry,
	conn connectors.ExchangeConnector,
	attempt *model.ExecutionAttempt,
	plan subscriber.OrderPlan,
) {
	refPrice, err := o.referencePrice(ctx, conn, plan)
	if err != nil {
		o.fail(ctx, attempt, err)
		return
	}

	qty := plan.Quantity
	if qty.IsZero() && plan.QuoteAmount.GreaterThan(decimal.Zero) {
		leverage := decimal.NewFromInt(int64(plan.Leverage))
		qty = plan.QuoteAmount.Mul(leverage).Div(refPrice)
	}

	normCtx, cancelNorm := context.WithTimeout(ctx, o.config.CallTimeout)
	qty, err = o.precision.NormalizeQuantity(normCtx, conn, plan.Symbol, qty, refPrice)
	cancelNorm()
	if err != nil {
		// Symbol-specific sizing failure, fatal for this subscriber only.
		o.fail(ctx, attempt, err)
		return
	}
	attempt.Quantity, _ = qty.Float64()

	attempt.State = model.AttemptSubmittingEntry
	o.save(ctx, attempt)

	entryCtx, cancelEntry := context.WithTimeout(ctx, o.config.CallTimeout)
	result, err := conn.PlaceOrder(entryCtx, connectors.OrderRequest{
		Symbol:        plan.Symbol,
		Side:          plan.Side,
		Type:          plan.OrderType,
		Quantity:      qty,
		Price:         plan.Price,
		ReduceOnly:    plan.ReduceOnly,
		Leverage:      plan.Leverage,
		ClientOrderID: clientOrderID(),
	})
	cancelEntry()
	if err != nil {
		// Entry failures are terminal: re-submitting risks a duplicate entry.
		log.WithError(err).Error("Entry order failed")
		o.fail(ctx, attempt, err)
		return
	}

	entryPrice := result.AvgPrice
	if entryPrice.LessThanOrEqual(decimal.Zero) {
		entryPrice = refPrice
	}

	attempt.State = model.AttemptEntryFilled
	attempt.EntryOrderID = result.OrderID
	attempt.EntryPrice, _ = entryPrice.Float64()
	o.save(ctx, attempt)
	log.WithFields(logrus.Fields{
		"order_id": result.OrderID,
		"qty":      qty.String(),
	}).Info("Entry order placed")

	pos, err := o.linker.OpenPosition(ctx, attempt.AccountID, plan.Symbol, plan.Side,
		result.OrderID, qty, entryPrice)
	if err != nil {
		log.WithError(err).Error("Failed to record position")
	}

	o.submitProtection(ctx, log, conn, attempt, plan, pos, qty, entryPrice)
}

func (o *Orchestrator) submitProtection(
	ctx context.Context,
	log *logrus.Entry,
	conn connectors.ExchangeConnector,
	attempt *model.ExecutionAttempt,
	plan subscriber.OrderPlan,
	pos *model.Position,
	qty decimal.Decimal,
	entryPrice decimal.Decimal,
) {
	stopLoss, takeProfit := plan.ProtectionPrices(entryPrice)
	if stopLoss == nil && takeProfit == nil {
		o.finish(ctx, attempt, model.AttemptProtectionComplete)
		return
	}

	attempt.State = model.AttemptSubmittingProtection
	o.save(ctx, attempt)

	exitSide := connectors.SideSell
	if plan.Side == connectors.SideSell {
		exitSide = connectors.SideBuy
	}

	partial := false

	if stopLoss != nil {
		orderID, err := o.placeProtective(ctx, conn, plan.Symbol, connectors.OrderRequest{
			Symbol:     plan.Symbol,
			Side:       exitSide,
			Type:       connectors.OrderTypeStop,
			Quantity:   qty,
			StopPrice:  stopLoss,
			ReduceOnly: true,
		})
		if err != nil {
			log.WithError(err).Error("Stop-loss placement exhausted retries")
			partial = true
		} else {
			attempt.StopLossOrderID = orderID
		}
	}

	if takeProfit != nil {
		orderID, err := o.placeProtective(ctx, conn, plan.Symbol, connectors.OrderRequest{
			Symbol:     plan.Symbol,
			Side:       exitSide,
			Type:       connectors.OrderTypeLimit,
			Quantity:   qty,
			Price:      takeProfit,
			ReduceOnly: true,
		})
		if err != nil {
			log.WithError(err).Error("Take-profit placement exhausted retries")
			partial = true
		} else {
			attempt.TakeProfitOrderID = orderID
		}
	}

	if pos != nil && (attempt.StopLossOrderID != "" || attempt.TakeProfitOrderID != "") {
		attachCtx, cancelAttach := context.WithTimeout(ctx, o.config.CallTimeout)
		defer cancelAttach()
		if err := o.linker.AttachProtection(attachCtx, conn, pos, attempt.StopLossOrderID, attempt.TakeProfitOrderID); err != nil {
			log.WithError(err).Error("Failed to link protective orders")
		}
	}

	if partial {
		// Entry stands but the position is not fully protected; surfaced for
		// follow-up rather than silently dropped.
		attempt.Unprotected = true
		o.finish(ctx, attempt, model.AttemptProtectionPartial)
		return
	}

	o.finish(ctx, attempt, model.AttemptProtectionComplete)
}

// placeProtective submits one protective order with bounded exponential
// backoff. Timeouts stop the retry loop: a timed-out placement may have
// landed, and only a reconciliation read can tell.
func (o *Orchestrator) placeProtective(
	ctx context.Context,
	conn connectors.ExchangeConnector,
	symbol string,
	req connectors.OrderRequest,
) (string, error) {
	var lastErr error

	for attempt := 0; attempt <= o.config.ProtectionRetries; attempt++ {
		if attempt > 0 {
			delay := o.config.RetryBaseDelay << uint(attempt-1)
			if delay > o.config.RetryMaxDelay {
				delay = o.config.RetryMaxDelay
			}
			if err := o.sleep(ctx, delay); err != nil {
				return "", err
			}
		}

		req.ClientOrderID = clientOrderID()

		normCtx, cancelNorm := context.WithTimeout(ctx, o.config.CallTimeout)
		if req.Price != nil {
			price, err := o.precision.NormalizePrice(normCtx, conn, symbol, *req.Price)
			if err == nil {
				req.Price = &price
			}
		}
		if req.StopPrice != nil {
			price, err := o.precision.NormalizePrice(normCtx, conn, symbol, *req.StopPrice)
			if err == nil {
				req.StopPrice = &price
			}
		}
		cancelNorm()

		callCtx, cancelCall := context.WithTimeout(ctx, o.config.CallTimeout)
		result, err := conn.PlaceOrder(callCtx, req)
		cancelCall()
		if err == nil {
			return result.OrderID, nil
		}
		lastErr = err

		xe := connectors.AsExchangeError(conn.Name(), "PlaceOrder", err)
		if xe.Kind == connectors.KindTimeout {
			break
		}
	}

	return "", lastErr
}

func (o *Orchestrator) referencePrice(ctx context.Context, conn connectors.ExchangeConnector, plan subscriber.OrderPlan) (decimal.Decimal, error) {
	if plan.Price != nil && plan.Price.GreaterThan(decimal.Zero) {
		return *plan.Price, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, o.config.CallTimeout)
	defer cancel()
	return conn.GetTicker(callCtx, plan.Symbol)
}

// fail marks an attempt that never got an order onto the exchange.
func (o *Orchestrator) fail(ctx context.Context, attempt *model.ExecutionAttempt, err error) {
	o.failAt(ctx, attempt, model.AttemptEntryFailed, err)
}

// failAt records a failure while keeping the stage the attempt actually
// reached, so the ledger never claims an order was skipped when it landed.
func (o *Orchestrator) failAt(ctx context.Context, attempt *model.ExecutionAttempt, state string, err error) {
	finished := o.now()
	attempt.State = state
	attempt.Error = err.Error()
	attempt.FinishedAt = &finished
	o.save(ctx, attempt)
}

func (o *Orchestrator) finish(ctx context.Context, attempt *model.ExecutionAttempt, viaState string) {
	if viaState != model.AttemptDone {
		attempt.State = viaState
		o.save(ctx, attempt)
	}
	finished := o.now()
	attempt.State = model.AttemptDone
	attempt.FinishedAt = &finished
	o.save(ctx, attempt)
}

func (o *Orchestrator) save(ctx context.Context, attempt *model.ExecutionAttempt) {
	if err := o.store.Save(ctx, attempt); err != nil {
		o.logger.WithError(err).WithFields(logrus.Fields{
			"signal_id":  attempt.SignalID,
			"account_id": attempt.AccountID,
			"state":      attempt.State,
		}).Error("Failed to persist execution attempt")
	}
}

func clientOrderID() string {
	return "sr-" + uuid.NewString()
}
