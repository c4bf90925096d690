package precision

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"signalrelay/src/connectors"
)

// Error is the symbol-specific sizing failure. Fatal for the one subscriber
// attempt that hit it, never for the whole signal.
type Error struct {
	Exchange string
	Symbol   string
	Reason   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("precision %s/%s: %s", e.Exchange, e.Symbol, e.Reason)
}

type cachedRules struct {
	rules     connectors.SymbolPrecision
	fetchedAt time.Time
}

// Resolver caches per-(exchange, symbol) rounding rules from exchange
// metadata. The first use of a symbol fetches synchronously; afterwards stale
// entries are refreshed in the background while the cached copy keeps serving.
type Resolver struct {
	refreshEvery time.Duration

	mu         sync.Mutex
	cache      map[string]cachedRules
	refreshing map[string]bool

	now func() time.Time
}

func NewResolver(refreshEvery time.Duration) *Resolver {
	if refreshEvery <= 0 {
		refreshEvery = 15 * time.Minute
	}
	return &Resolver{
		refreshEvery: refreshEvery,
		cache:        make(map[string]cachedRules),
		refreshing:   make(map[string]bool),
		now:          time.Now,
	}
}

func cacheKey(exchange, symbol string) string {
	return exchange + ":" + symbol
}

// Rules returns the sizing rules for a symbol, fetching from the connector on
// a cold cache.
func (r *Resolver) Rules(ctx context.Context, conn connectors.ExchangeConnector, symbol string) (connectors.SymbolPrecision, error) {
	key := cacheKey(conn.Name(), symbol)

	r.mu.Lock()
	entry, ok := r.cache[key]
	r.mu.Unlock()

	if ok {
		if r.now().Sub(entry.fetchedAt) > r.refreshEvery {
			r.refreshAsync(conn, symbol)
		}
		return entry.rules, nil
	}

	fetched, err := conn.GetSymbolPrecision(ctx, symbol)
	if err != nil {
		return connectors.SymbolPrecision{}, err
	}
	if fetched.StepSize.LessThanOrEqual(decimal.Zero) {
		return connectors.SymbolPrecision{}, &Error{
			Exchange: conn.Name(),
			Symbol:   symbol,
			Reason:   "exchange reported a non-positive step size",
		}
	}

	r.mu.Lock()
	r.cache[key] = cachedRules{rules: *fetched, fetchedAt: r.now()}
	r.mu.Unlock()

	return *fetched, nil
}

func (r *Resolver) refreshAsync(conn connectors.ExchangeConnector, symbol string) {
	key := cacheKey(conn.Name(), symbol)

	r.mu.Lock()
	if r.refreshing[key] {
		r.mu.Unlock()
		return
	}
	r.refreshing[key] = true
	r.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fetched, err := conn.GetSymbolPrecision(ctx, symbol)

		r.mu.Lock()
		defer r.mu.Unlock()
		r.refreshing[key] = false

		if err != nil {
			// Keep serving the stale entry; a later access retries.
			logger.WithError(err).WithFields(logger.Fields{
				"exchange": conn.Name(),
				"symbol":   symbol,
			}).Warn("Symbol precision refresh failed")
			return
		}
		if fetched.StepSize.LessThanOrEqual(decimal.Zero) {
			// Degenerate rules never overwrite a working entry.
			logger.WithFields(logger.Fields{
				"exchange": conn.Name(),
				"symbol":   symbol,
			}).Warn("Symbol precision refresh returned a non-positive step size, keeping cached rules")
			return
		}
		r.cache[key] = cachedRules{rules: *fetched, fetchedAt: r.now()}
	}()
}

// NormalizeQuantity rounds rawQty down to the symbol's step size and rejects
// quantities whose notional value (qty x price) falls below the exchange
// minimum. Rounding down keeps the order within the subscriber's budget.
func (r *Resolver) NormalizeQuantity(
	ctx context.Context,
	conn connectors.ExchangeConnector,
	symbol string,
	rawQty decimal.Decimal,
	price decimal.Decimal,
) (decimal.Decimal, error) {
	rules, err := r.Rules(ctx, conn, symbol)
	if err != nil {
		return decimal.Zero, err
	}

	qty := rawQty.Div(rules.StepSize).Floor().Mul(rules.StepSize)
	if qty.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, &Error{
			Exchange: conn.Name(),
			Symbol:   symbol,
			Reason:   fmt.Sprintf("quantity %s rounds to zero at step %s", rawQty, rules.StepSize),
		}
	}

	if rules.MinNotional.GreaterThan(decimal.Zero) && price.GreaterThan(decimal.Zero) {
		notional := qty.Mul(price)
		if notional.LessThan(rules.MinNotional) {
			return decimal.Zero, &Error{
				Exchange: conn.Name(),
				Symbol:   symbol,
				Reason: fmt.Sprintf("notional %s below minimum %s",
					notional, rules.MinNotional),
			}
		}
	}

	return qty, nil
}

// NormalizePrice snaps a price to the symbol's tick size, rounding toward zero.
func (r *Resolver) NormalizePrice(
	ctx context.Context,
	conn connectors.ExchangeConnector,
	symbol string,
	price decimal.Decimal,
) (decimal.Decimal, error) {
	rules, err := r.Rules(ctx, conn, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if rules.TickSize.LessThanOrEqual(decimal.Zero) {
		return price, nil
	}
	return price.Div(rules.TickSize).Floor().Mul(rules.TickSize), nil
}
