package connectors

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	SideBuy  = "buy"
	SideSell = "sell"
)

const (
	OrderTypeMarket = "market"
	OrderTypeLimit  = "limit"
	OrderTypeStop   = "stop"
)

// OrderRequest is the exchange-neutral order description. Connectors translate
// it into whatever their backend expects.
type OrderRequest struct {
	Symbol        string
	Side          string
	Type          string
	Quantity      decimal.Decimal
	Price         *decimal.Decimal
	StopPrice     *decimal.Decimal
	ReduceOnly    bool
	Leverage      int
	ClientOrderID string
}

type OrderResult struct {
	OrderID string
	Status  string
	// AvgPrice is the fill price when the backend reports one, zero otherwise.
	AvgPrice decimal.Decimal
}

// SymbolPrecision carries the per-symbol sizing rules read from exchange
// metadata. Step and tick sizes differ per symbol; there is no universal
// rounding rule.
type SymbolPrecision struct {
	StepSize    decimal.Decimal
	TickSize    decimal.Decimal
	MinNotional decimal.Decimal
}

type PositionInfo struct {
	Symbol     string
	Side       string
	Size       decimal.Decimal
	EntryPrice decimal.Decimal
}

// ExchangeConnector is the uniform surface the pipeline sees for every
// exchange backend. All calls are fallible and report *ExchangeError.
type ExchangeConnector interface {
	Name() string
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetSymbolPrecision(ctx context.Context, symbol string) (*SymbolPrecision, error)
	GetPosition(ctx context.Context, symbol string) (*PositionInfo, error)
	GetAvailableBalance(ctx context.Context, currency string) (decimal.Decimal, error)
	GetTicker(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// ErrorKind categorizes adapter failures so callers can decide on retries
// without string matching.
type ErrorKind string

const (
	KindInsufficientBalance ErrorKind = "insufficient_balance"
	KindRejected            ErrorKind = "rejected"
	KindRateLimited         ErrorKind = "rate_limited"
	KindConnectivity        ErrorKind = "connectivity"
	KindTimeout             ErrorKind = "timeout"
	KindSymbolUnknown       ErrorKind = "symbol_unknown"
	KindUnknown             ErrorKind = "unknown"
)

// ExchangeError is the structured failure every connector call returns instead
// of an uncategorized error.
type ExchangeError struct {
	Exchange string
	Op       string
	Kind     ErrorKind
	Code     int
	Reason   string
	Err      error
}

func (e *ExchangeError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s %s: %s (%s)", e.Exchange, e.Op, e.Reason, e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v (%s)", e.Exchange, e.Op, e.Err, e.Kind)
	}
	return fmt.Sprintf("%s %s failed (%s)", e.Exchange, e.Op, e.Kind)
}

func (e *ExchangeError) Unwrap() error {
	return e.Err
}

// Retryable reports whether a later identical call could plausibly succeed.
// Rejections and balance failures are final; transport-level trouble is not.
func (e *ExchangeError) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindConnectivity, KindTimeout:
		return true
	}
	return false
}

// AsExchangeError unwraps err into *ExchangeError, wrapping foreign errors as
// KindUnknown so callers always get a categorized failure.
func AsExchangeError(exchange, op string, err error) *ExchangeError {
	var xe *ExchangeError
	if errors.As(err, &xe) {
		return xe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ExchangeError{Exchange: exchange, Op: op, Kind: KindTimeout, Err: err}
	}
	return &ExchangeError{Exchange: exchange, Op: op, Kind: KindUnknown, Err: err}
}
