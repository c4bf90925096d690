// REST connector for KuCoin USDT-M futures. KuCoin keys carry a third
// credential, the API passphrase, which is signed into every request.
package connectors

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
)

const (
	kucoinDefaultBaseURL = "https://api-futures.kucoin.com"
	kucoinKeyVersion     = "2"
	kucoinSuccessCode    = "200000"
)

type kucoinAPIResponse struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg,omitempty"`
	Data json.RawMessage `json:"data"`
}

// KucoinConnector implements ExchangeConnector over the KuCoin futures REST
// API. Order sizes on KuCoin are integer contract counts, so base-unit
// quantities are converted through the per-symbol contract multiplier.
type KucoinConnector struct {
	apiKey        string
	apiSecret     string
	apiPassphrase string
	http          *resty.Client

	mu        sync.Mutex
	contracts map[string]kucoinContract
}

func NewKucoinConnector(apiKey, apiSecret, apiPassphrase, baseURL string) *KucoinConnector {
	if baseURL == "" {
		baseURL = kucoinDefaultBaseURL
	}

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(isRetryableResp)

	return &KucoinConnector{
		apiKey:        apiKey,
		apiSecret:     apiSecret,
		apiPassphrase: apiPassphrase,
		http:          httpClient,
		contracts:     make(map[string]kucoinContract),
	}
}

func (c *KucoinConnector) Name() string { return "kucoin" }

// kucoinSign produces base64(HMAC_SHA256(secret, payload)), used both for the
// request signature (timestamp + method + path + body) and for encrypting the
// passphrase under key version 2.
func kucoinSign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// kucoinSymbol maps a plain perpetual ticker onto KuCoin's futures naming:
// BTC trades as XBT and USDT-M contracts carry an M suffix.
func kucoinSymbol(symbol string) string {
	if strings.HasPrefix(symbol, "BTC") {
		symbol = "XBT" + strings.TrimPrefix(symbol, "BTC")
	}
	if !strings.HasSuffix(symbol, "M") {
		symbol += "M"
	}
	return symbol
}

func (c *KucoinConnector) doRequest(ctx context.Context, method, path, query string, body []byte) (*kucoinAPIResponse, error) {
	requestPath := path
	if query != "" {
		requestPath = path + "?" + query
	}

	timestamp := fmt.Sprintf("%d", time.Now().UnixMilli())
	sig := kucoinSign(c.apiSecret, timestamp+method+requestPath+string(body))

	req := c.http.R().
		SetContext(ctx).
		SetHeader("KC-API-KEY", c.apiKey).
		SetHeader("KC-API-SIGN", sig).
		SetHeader("KC-API-TIMESTAMP", timestamp).
		SetHeader("KC-API-PASSPHRASE", kucoinSign(c.apiSecret, c.apiPassphrase)).
		SetHeader("KC-API-KEY-VERSION", kucoinKeyVersion)

	if query != "" {
		req = req.SetQueryString(query)
	}
	if body != nil {
		req = req.SetBody(body).SetHeader("Content-Type", "application/json")
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, &ExchangeError{Exchange: "kucoin", Op: method + " " + path, Kind: KindConnectivity, Err: err}
	}

	raw := resp.Body()
	if resp.StatusCode() != http.StatusOK {
		kind := KindRejected
		if resp.StatusCode() == http.StatusTooManyRequests {
			kind = KindRateLimited
		}
		return nil, &ExchangeError{
			Exchange: "kucoin",
			Op:       method + " " + path,
			Kind:     kind,
			Code:     resp.StatusCode(),
			Reason:   string(raw),
		}
	}

	var apiResp kucoinAPIResponse
	if err := json.Unmarshal(raw, &apiResp); err != nil {
		return nil, &ExchangeError{Exchange: "kucoin", Op: method + " " + path, Kind: KindUnknown, Err: err}
	}

	if apiResp.Code != kucoinSuccessCode {
		return nil, &ExchangeError{
			Exchange: "kucoin",
			Op:       method + " " + path,
			Kind:     kucoinErrorKind(apiResp.Code),
			Reason:   fmt.Sprintf("code=%s msg=%s", apiResp.Code, apiResp.Msg),
		}
	}

	return &apiResp, nil
}

func kucoinErrorKind(code string) ErrorKind {
	switch code {
	case "200004", "300003":
		return KindInsufficientBalance
	case "429000":
		return KindRateLimited
	case "100001":
		return KindSymbolUnknown
	}
	return KindRejected
}

type kucoinContract struct {
	Symbol     string  `json:"symbol"`
	Multiplier float64 `json:"multiplier"`
	LotSize    float64 `json:"lotSize"`
	TickSize   float64 `json:"tickSize"`
}

// contract resolves and caches the contract spec for a futures symbol. The
// multiplier is fixed per contract, so a single fetch per symbol suffices.
func (c *KucoinConnector) contract(ctx context.Context, symbol string) (*kucoinContract, error) {
	c.mu.Lock()
	cached, ok := c.contracts[symbol]
	c.mu.Unlock()
	if ok {
		return &cached, nil
	}

	resp, err := c.doRequest(ctx, http.MethodGet, "/api/v1/contracts/"+symbol, "", nil)
	if err != nil {
		return nil, err
	}

	var contract kucoinContract
	if err := json.Unmarshal(resp.Data, &contract); err != nil {
		return nil, &ExchangeError{Exchange: "kucoin", Op: "GetContract", Kind: KindUnknown, Err: err}
	}
	if contract.Multiplier <= 0 {
		return nil, &ExchangeError{
			Exchange: "kucoin",
			Op:       "GetContract",
			Kind:     KindSymbolUnknown,
			Reason:   fmt.Sprintf("invalid multiplier for %s", symbol),
		}
	}

	c.mu.Lock()
	c.contracts[symbol] = contract
	c.mu.Unlock()
	return &contract, nil
}

type kucoinOrderResponse struct {
	OrderID string `json:"orderId"`
}

func (c *KucoinConnector) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	symbol := kucoinSymbol(req.Symbol)
	contract, err := c.contract(ctx, symbol)
	if err != nil {
		return nil, err
	}

	multiplier := decimal.NewFromFloat(contract.Multiplier)
	size := req.Quantity.Div(multiplier).IntPart()
	if size <= 0 && req.Quantity.GreaterThan(decimal.Zero) {
		size = 1
	}

	body := map[string]interface{}{
		"clientOid":  req.ClientOrderID,
		"symbol":     symbol,
		"side":       req.Side,
		"type":       kucoinOrdType(req.Type),
		"size":       size,
		"reduceOnly": req.ReduceOnly,
	}
	if req.Leverage > 0 {
		body["leverage"] = fmt.Sprintf("%d", req.Leverage)
	}
	if req.Type == OrderTypeLimit && req.Price != nil {
		body["price"] = req.Price.String()
	}
	if req.Type == OrderTypeStop && req.StopPrice != nil {
		// A sell stop protects a long, triggering on the way down.
		direction := "up"
		if req.Side == SideSell {
			direction = "down"
		}
		body["stop"] = direction
		body["stopPrice"] = req.StopPrice.String()
		body["stopPriceType"] = "MP"
	}

	b, err := json.Marshal(body)
	if err != nil {
		return nil, &ExchangeError{Exchange: "kucoin", Op: "PlaceOrder", Kind: KindUnknown, Err: err}
	}

	logger.WithFields(logger.Fields{
		"symbol": symbol,
		"side":   req.Side,
		"type":   req.Type,
		"size":   size,
	}).Info("Placing KuCoin order")

	resp, err := c.doRequest(ctx, http.MethodPost, "/api/v1/orders", "", b)
	if err != nil {
		return nil, err
	}

	var parsed kucoinOrderResponse
	if err := json.Unmarshal(resp.Data, &parsed); err != nil {
		return nil, &ExchangeError{Exchange: "kucoin", Op: "PlaceOrder", Kind: KindUnknown, Err: err}
	}

	// The order endpoint only acknowledges; no fill price is reported.
	return &OrderResult{OrderID: parsed.OrderID, Status: "open"}, nil
}

func (c *KucoinConnector) CancelOrder(ctx context.Context, symbol, orderID string) error {
	_, err := c.doRequest(ctx, http.MethodDelete, "/api/v1/orders/"+orderID, "", nil)
	return err
}

func (c *KucoinConnector) GetSymbolPrecision(ctx context.Context, symbol string) (*SymbolPrecision, error) {
	contract, err := c.contract(ctx, kucoinSymbol(symbol))
	if err != nil {
		return nil, err
	}

	lotSize := contract.LotSize
	if lotSize <= 0 {
		lotSize = 1
	}

	// Orders are sized in whole contracts, so the base-unit step is the
	// contract multiplier times the minimum lot.
	return &SymbolPrecision{
		StepSize: decimal.NewFromFloat(contract.Multiplier * lotSize),
		TickSize: decimal.NewFromFloat(contract.TickSize),
	}, nil
}

type kucoinPosition struct {
	Symbol        string  `json:"symbol"`
	CurrentQty    float64 `json:"currentQty"`
	AvgEntryPrice float64 `json:"avgEntryPrice"`
}

func (c *KucoinConnector) GetPosition(ctx context.Context, symbol string) (*PositionInfo, error) {
	mapped := kucoinSymbol(symbol)
	resp, err := c.doRequest(ctx, http.MethodGet, "/api/v1/position", "symbol="+mapped, nil)
	if err != nil {
		return nil, err
	}

	var pos kucoinPosition
	if err := json.Unmarshal(resp.Data, &pos); err != nil {
		return nil, &ExchangeError{Exchange: "kucoin", Op: "GetPosition", Kind: KindUnknown, Err: err}
	}

	if pos.CurrentQty == 0 {
		return &PositionInfo{Symbol: symbol, Size: decimal.Zero}, nil
	}

	contract, err := c.contract(ctx, mapped)
	if err != nil {
		return nil, err
	}

	side := SideBuy
	qty := pos.CurrentQty
	if qty < 0 {
		side = SideSell
		qty = -qty
	}

	size := decimal.NewFromFloat(qty).Mul(decimal.NewFromFloat(contract.Multiplier))
	return &PositionInfo{
		Symbol:     symbol,
		Side:       side,
		Size:       size,
		EntryPrice: decimal.NewFromFloat(pos.AvgEntryPrice),
	}, nil
}

type kucoinAccountOverview struct {
	AvailableBalance float64 `json:"availableBalance"`
	Currency         string  `json:"currency"`
}

func (c *KucoinConnector) GetAvailableBalance(ctx context.Context, currency string) (decimal.Decimal, error) {
	if currency == "" {
		currency = "USDT"
	}

	resp, err := c.doRequest(ctx, http.MethodGet, "/api/v1/account-overview", "currency="+currency, nil)
	if err != nil {
		return decimal.Zero, err
	}

	var overview kucoinAccountOverview
	if err := json.Unmarshal(resp.Data, &overview); err != nil {
		return decimal.Zero, &ExchangeError{Exchange: "kucoin", Op: "GetAvailableBalance", Kind: KindUnknown, Err: err}
	}
	return decimal.NewFromFloat(overview.AvailableBalance), nil
}

type kucoinTicker struct {
	Symbol string      `json:"symbol"`
	Price  json.Number `json:"price"`
}

func (c *KucoinConnector) GetTicker(ctx context.Context, symbol string) (decimal.Decimal, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/api/v1/ticker", "symbol="+kucoinSymbol(symbol), nil)
	if err != nil {
		return decimal.Zero, err
	}

	var t kucoinTicker
	if err := json.Unmarshal(resp.Data, &t); err != nil {
		return decimal.Zero, &ExchangeError{Exchange: "kucoin", Op: "GetTicker", Kind: KindUnknown, Err: err}
	}

	price, err := decimal.NewFromString(t.Price.String())
	if err != nil || price.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, &ExchangeError{
			Exchange: "kucoin",
			Op:       "GetTicker",
			Kind:     KindUnknown,
			Reason:   fmt.Sprintf("invalid price for %s", symbol),
		}
	}
	return price, nil
}

// kucoinOrdType maps the neutral order type; stops go out as stop-markets
// with the trigger carried in the stop fields.
func kucoinOrdType(orderType string) string {
	if orderType == OrderTypeLimit {
		return "limit"
	}
	return "market"
}
