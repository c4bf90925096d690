// REST connector for Phemex USDT-M futures, resty with internal retry.
package connectors

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
)

const (
	phemexDefaultBaseURL   = "https://testnet-api.phemex.com"
	phemexRetryAttempts    = 3
	phemexRetryBaseDelay   = 500 * time.Millisecond
	phemexRetryMaxBackoff  = 8 * time.Second
	phemexRequestExpiryGap = time.Minute
)

type phemexAPIResponse struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// PhemexConnector implements ExchangeConnector over the Phemex g-futures REST API.
type PhemexConnector struct {
	apiKey    string
	apiSecret string
	http      *resty.Client
}

func isRetryableResp(r *resty.Response, err error) bool {
	if err != nil {
		return true
	}
	if r == nil {
		return false
	}
	code := r.StatusCode()
	return code == 429 || code == 408 || (code >= 500 && code <= 599)
}

func NewPhemexConnector(apiKey, apiSecret, baseURL string) *PhemexConnector {
	if baseURL == "" {
		baseURL = phemexDefaultBaseURL
		logger.Warnf("No Phemex base URL provided, using default: %s", baseURL)
	}

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(phemexRetryAttempts - 1).
		SetRetryWaitTime(phemexRetryBaseDelay).
		SetRetryMaxWaitTime(phemexRetryMaxBackoff).
		AddRetryCondition(isRetryableResp)

	return &PhemexConnector{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		http:      httpClient,
	}
}

func (c *PhemexConnector) Name() string { return "phemex" }

// signRequest builds the x-phemex-request-signature value:
// HMAC-SHA256(path + query + expiry + body) hex encoded.
func signRequest(path, query, body string, expiry int64, secret string) string {
	base := path
	if query != "" {
		base += query
	}
	base += fmt.Sprintf("%d", expiry)
	if body != "" {
		base += body
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(base))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *PhemexConnector) doRequest(ctx context.Context, method, path, query string, body []byte) (*phemexAPIResponse, error) {
	expiry := time.Now().Add(phemexRequestExpiryGap).Unix()
	sig := signRequest(path, query, string(body), expiry, c.apiSecret)

	req := c.http.R().
		SetContext(ctx).
		SetHeader("x-phemex-access-token", c.apiKey).
		SetHeader("x-phemex-request-expiry", fmt.Sprintf("%d", expiry)).
		SetHeader("x-phemex-request-signature", sig)

	if query != "" {
		req = req.SetQueryString(query)
	}
	if body != nil {
		req = req.SetBody(body).SetHeader("Content-Type", "application/json")
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, &ExchangeError{Exchange: "phemex", Op: method + " " + path, Kind: KindConnectivity, Err: err}
	}

	raw := resp.Body()
	if resp.StatusCode() != http.StatusOK {
		kind := KindRejected
		if resp.StatusCode() == http.StatusTooManyRequests {
			kind = KindRateLimited
		}
		return nil, &ExchangeError{
			Exchange: "phemex",
			Op:       method + " " + path,
			Kind:     kind,
			Code:     resp.StatusCode(),
			Reason:   string(raw),
		}
	}

	var apiResp phemexAPIResponse
	if err := json.Unmarshal(raw, &apiResp); err != nil {
		return nil, &ExchangeError{Exchange: "phemex", Op: method + " " + path, Kind: KindUnknown, Err: err}
	}

	if apiResp.Code != 0 {
		return nil, &ExchangeError{
			Exchange: "phemex",
			Op:       method + " " + path,
			Kind:     phemexErrorKind(apiResp.Code),
			Code:     apiResp.Code,
			Reason:   phemexErrorMsg(apiResp.Code),
		}
	}

	return &apiResp, nil
}

type phemexOrderResponse struct {
	OrderID    string `json:"orderID"`
	OrdStatus  string `json:"ordStatus"`
	AvgPriceRp string `json:"avgPriceRp"`
}

func (c *PhemexConnector) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	body := map[string]interface{}{
		"symbol":      req.Symbol,
		"side":        phemexSide(req.Side),
		"ordType":     phemexOrdType(req.Type),
		"orderQtyRq":  req.Quantity.String(),
		"reduceOnly":  req.ReduceOnly,
		"clOrdID":     req.ClientOrderID,
		"timeInForce": "ImmediateOrCancel",
	}
	if req.Type == OrderTypeLimit && req.Price != nil {
		body["priceRp"] = req.Price.String()
		body["timeInForce"] = "GoodTillCancel"
	}
	if req.Type == OrderTypeStop && req.StopPrice != nil {
		body["stopPxRp"] = req.StopPrice.String()
		body["triggerType"] = "ByMarkPrice"
		body["timeInForce"] = "GoodTillCancel"
	}

	b, err := json.Marshal(body)
	if err != nil {
		return nil, &ExchangeError{Exchange: "phemex", Op: "PlaceOrder", Kind: KindUnknown, Err: err}
	}

	logger.WithFields(logger.Fields{
		"symbol": req.Symbol,
		"side":   req.Side,
		"type":   req.Type,
		"qty":    req.Quantity.String(),
	}).Info("Placing Phemex order")

	resp, err := c.doRequest(ctx, http.MethodPost, "/g-orders", "", b)
	if err != nil {
		return nil, err
	}

	var parsed phemexOrderResponse
	if err := json.Unmarshal(resp.Data, &parsed); err != nil {
		return nil, &ExchangeError{Exchange: "phemex", Op: "PlaceOrder", Kind: KindUnknown, Err: err}
	}

	avg, _ := decimal.NewFromString(parsed.AvgPriceRp)
	return &OrderResult{OrderID: parsed.OrderID, Status: parsed.OrdStatus, AvgPrice: avg}, nil
}

func (c *PhemexConnector) CancelOrder(ctx context.Context, symbol, orderID string) error {
	query := fmt.Sprintf("symbol=%s&orderID=%s", symbol, orderID)
	_, err := c.doRequest(ctx, http.MethodDelete, "/g-orders/cancel", query, nil)
	return err
}

type phemexProduct struct {
	Symbol          string `json:"symbol"`
	QtyStepSize     string `json:"qtyStepSize"`
	TickSize        string `json:"tickSize"`
	MinOrderValueRv string `json:"minOrderValueRv"`
}

type phemexProducts struct {
	PerpProductsV2 []phemexProduct `json:"perpProductsV2"`
}

func (c *PhemexConnector) GetSymbolPrecision(ctx context.Context, symbol string) (*SymbolPrecision, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/public/products-plus", "", nil)
	if err != nil {
		return nil, err
	}

	var products phemexProducts
	if err := json.Unmarshal(resp.Data, &products); err != nil {
		return nil, &ExchangeError{Exchange: "phemex", Op: "GetSymbolPrecision", Kind: KindUnknown, Err: err}
	}

	for _, p := range products.PerpProductsV2 {
		if p.Symbol != symbol {
			continue
		}
		step, err := decimal.NewFromString(p.QtyStepSize)
		if err != nil {
			return nil, &ExchangeError{Exchange: "phemex", Op: "GetSymbolPrecision", Kind: KindUnknown, Err: err}
		}
		tick, err := decimal.NewFromString(p.TickSize)
		if err != nil {
			return nil, &ExchangeError{Exchange: "phemex", Op: "GetSymbolPrecision", Kind: KindUnknown, Err: err}
		}
		minNotional, _ := decimal.NewFromString(p.MinOrderValueRv)
		return &SymbolPrecision{StepSize: step, TickSize: tick, MinNotional: minNotional}, nil
	}

	return nil, &ExchangeError{
		Exchange: "phemex",
		Op:       "GetSymbolPrecision",
		Kind:     KindSymbolUnknown,
		Reason:   fmt.Sprintf("symbol %s not in product list", symbol),
	}
}

type phemexAccountPositions struct {
	Account struct {
		Currency         string `json:"currency"`
		AccountBalanceRv string `json:"accountBalanceRv"`
	} `json:"account"`
	Positions []struct {
		Symbol          string `json:"symbol"`
		Side            string `json:"side"`
		SizeRq          string `json:"sizeRq"`
		AvgEntryPriceRp string `json:"avgEntryPriceRp"`
	} `json:"positions"`
}

func (c *PhemexConnector) getAccountPositions(ctx context.Context, currency string) (*phemexAccountPositions, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/g-accounts/positions", "currency="+currency, nil)
	if err != nil {
		return nil, err
	}

	var parsed phemexAccountPositions
	if err := json.Unmarshal(resp.Data, &parsed); err != nil {
		return nil, &ExchangeError{Exchange: "phemex", Op: "GetPositions", Kind: KindUnknown, Err: err}
	}
	return &parsed, nil
}

func (c *PhemexConnector) GetPosition(ctx context.Context, symbol string) (*PositionInfo, error) {
	parsed, err := c.getAccountPositions(ctx, "USDT")
	if err != nil {
		return nil, err
	}

	for _, p := range parsed.Positions {
		if p.Symbol != symbol {
			continue
		}
		size, _ := decimal.NewFromString(p.SizeRq)
		entry, _ := decimal.NewFromString(p.AvgEntryPriceRp)
		side := SideBuy
		if p.Side == "Sell" {
			side = SideSell
		}
		return &PositionInfo{Symbol: symbol, Side: side, Size: size.Abs(), EntryPrice: entry}, nil
	}

	// No exchange-side position means flat, not an error.
	return &PositionInfo{Symbol: symbol, Size: decimal.Zero}, nil
}

func (c *PhemexConnector) GetAvailableBalance(ctx context.Context, currency string) (decimal.Decimal, error) {
	if currency == "" {
		currency = "USDT"
	}
	parsed, err := c.getAccountPositions(ctx, currency)
	if err != nil {
		return decimal.Zero, err
	}

	bal, err := decimal.NewFromString(parsed.Account.AccountBalanceRv)
	if err != nil {
		return decimal.Zero, &ExchangeError{Exchange: "phemex", Op: "GetAvailableBalance", Kind: KindUnknown, Err: err}
	}
	return bal, nil
}

type phemexTicker struct {
	Symbol      string `json:"symbol"`
	LastRp      string `json:"lastRp"`
	MarkPriceRp string `json:"markPriceRp"`
}

func (c *PhemexConnector) GetTicker(ctx context.Context, symbol string) (decimal.Decimal, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/md/v2/ticker/24hr", "symbol="+symbol, nil)
	if err != nil {
		return decimal.Zero, err
	}

	var t phemexTicker
	if err := json.Unmarshal(resp.Data, &t); err != nil {
		return decimal.Zero, &ExchangeError{Exchange: "phemex", Op: "GetTicker", Kind: KindUnknown, Err: err}
	}

	price, err := decimal.NewFromString(t.LastRp)
	if err != nil || price.LessThanOrEqual(decimal.Zero) {
		price, err = decimal.NewFromString(t.MarkPriceRp)
	}
	if err != nil {
		return decimal.Zero, &ExchangeError{Exchange: "phemex", Op: "GetTicker", Kind: KindUnknown, Err: err}
	}
	if price.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, &ExchangeError{
			Exchange: "phemex",
			Op:       "GetTicker",
			Kind:     KindUnknown,
			Reason:   fmt.Sprintf("invalid price for %s", symbol),
		}
	}
	return price, nil
}

func phemexSide(side string) string {
	if side == SideSell {
		return "Sell"
	}
	return "Buy"
}

func phemexOrdType(orderType string) string {
	switch orderType {
	case OrderTypeLimit:
		return "Limit"
	case OrderTypeStop:
		return "Stop"
	default:
		return "Market"
	}
}
