package connectors

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/nntaoli-project/goex"
	"github.com/nntaoli-project/goex/binance"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
)

// quoteCurrencies are the quote suffixes recognized when splitting a plain
// ticker like BTCUSDT into a goex currency pair.
var quoteCurrencies = []string{"USDT", "USDC", "BUSD", "BTC", "ETH"}

// BinanceConnector implements ExchangeConnector over goex's Binance client.
// goex covers orders, balances and tickers; stop orders and precision metadata
// are not exposed by goex, so those go through the raw signed REST endpoints.
type BinanceConnector struct {
	apiKey    string
	apiSecret string
	api       goex.API
	http      *resty.Client
}

func NewBinanceConnector(apiKey, apiSecret, baseURL string) *BinanceConnector {
	if baseURL == "" {
		baseURL = binance.GLOBAL_API_BASE_URL
	}

	apiConfig := &goex.APIConfig{
		HttpClient:   http.DefaultClient,
		Endpoint:     baseURL,
		ApiKey:       apiKey,
		ApiSecretKey: apiSecret,
	}

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(isRetryableResp)

	return &BinanceConnector{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		api:       binance.NewWithConfig(apiConfig),
		http:      httpClient,
	}
}

func (c *BinanceConnector) Name() string { return "binance" }

func currencyPair(symbol string) (goex.CurrencyPair, error) {
	for _, quote := range quoteCurrencies {
		if strings.HasSuffix(symbol, quote) && len(symbol) > len(quote) {
			base := strings.TrimSuffix(symbol, quote)
			return goex.NewCurrencyPair(
				goex.Currency{Symbol: base},
				goex.Currency{Symbol: quote},
			), nil
		}
	}
	return goex.CurrencyPair{}, &ExchangeError{
		Exchange: "binance",
		Op:       "currencyPair",
		Kind:     KindSymbolUnknown,
		Reason:   fmt.Sprintf("cannot split symbol %q into base/quote", symbol),
	}
}

func (c *BinanceConnector) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if req.Type == OrderTypeStop {
		return c.placeStopOrder(ctx, req)
	}

	pair, err := currencyPair(req.Symbol)
	if err != nil {
		return nil, err
	}

	amount := req.Quantity.String()
	price := "0"
	if req.Price != nil {
		price = req.Price.String()
	}

	logger.WithFields(logger.Fields{
		"symbol": req.Symbol,
		"side":   req.Side,
		"type":   req.Type,
		"qty":    amount,
	}).Info("Placing Binance order")

	var order *goex.Order
	switch {
	case req.Type == OrderTypeMarket && req.Side == SideBuy:
		order, err = c.api.MarketBuy(amount, price, pair)
	case req.Type == OrderTypeMarket && req.Side == SideSell:
		order, err = c.api.MarketSell(amount, price, pair)
	case req.Side == SideBuy:
		order, err = c.api.LimitBuy(amount, price, pair)
	default:
		order, err = c.api.LimitSell(amount, price, pair)
	}
	if err != nil {
		return nil, binanceError("PlaceOrder", err)
	}

	return &OrderResult{
		OrderID:  order.OrderID2,
		Status:   binanceStatus(order.Status),
		AvgPrice: decimal.NewFromFloat(order.AvgPrice),
	}, nil
}

// placeStopOrder goes straight to the signed REST endpoint; goex's spot API
// has no stop order support.
func (c *BinanceConnector) placeStopOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if req.StopPrice == nil {
		return nil, &ExchangeError{Exchange: "binance", Op: "PlaceOrder", Kind: KindRejected, Reason: "stop order without stop price"}
	}

	limitPrice := *req.StopPrice
	if req.Price != nil {
		limitPrice = *req.Price
	}

	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", strings.ToUpper(req.Side))
	params.Set("type", "STOP_LOSS_LIMIT")
	params.Set("timeInForce", "GTC")
	params.Set("quantity", req.Quantity.String())
	params.Set("price", limitPrice.String())
	params.Set("stopPrice", req.StopPrice.String())
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}

	data, err := c.signedRequest(ctx, http.MethodPost, "/api/v3/order", params)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		OrderID int64  `json:"orderId"`
		Status  string `json:"status"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, &ExchangeError{Exchange: "binance", Op: "PlaceOrder", Kind: KindUnknown, Err: err}
	}

	return &OrderResult{OrderID: fmt.Sprintf("%d", parsed.OrderID), Status: parsed.Status}, nil
}

func (c *BinanceConnector) CancelOrder(ctx context.Context, symbol, orderID string) error {
	pair, err := currencyPair(symbol)
	if err != nil {
		return err
	}

	ok, err := c.api.CancelOrder(orderID, pair)
	if err != nil {
		return binanceError("CancelOrder", err)
	}
	if !ok {
		return &ExchangeError{Exchange: "binance", Op: "CancelOrder", Kind: KindRejected, Reason: "cancel not accepted"}
	}
	return nil
}

type binanceExchangeInfo struct {
	Symbols []struct {
		Symbol  string `json:"symbol"`
		Filters []struct {
			FilterType  string `json:"filterType"`
			StepSize    string `json:"stepSize"`
			TickSize    string `json:"tickSize"`
			MinNotional string `json:"minNotional"`
		} `json:"filters"`
	} `json:"symbols"`
}

func (c *BinanceConnector) GetSymbolPrecision(ctx context.Context, symbol string) (*SymbolPrecision, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		Get("/api/v3/exchangeInfo")
	if err != nil {
		return nil, &ExchangeError{Exchange: "binance", Op: "GetSymbolPrecision", Kind: KindConnectivity, Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &ExchangeError{
			Exchange: "binance",
			Op:       "GetSymbolPrecision",
			Kind:     KindSymbolUnknown,
			Code:     resp.StatusCode(),
			Reason:   string(resp.Body()),
		}
	}

	var info binanceExchangeInfo
	if err := json.Unmarshal(resp.Body(), &info); err != nil {
		return nil, &ExchangeError{Exchange: "binance", Op: "GetSymbolPrecision", Kind: KindUnknown, Err: err}
	}

	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		rules := &SymbolPrecision{}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "LOT_SIZE":
				rules.StepSize, _ = decimal.NewFromString(f.StepSize)
			case "PRICE_FILTER":
				rules.TickSize, _ = decimal.NewFromString(f.TickSize)
			case "NOTIONAL", "MIN_NOTIONAL":
				rules.MinNotional, _ = decimal.NewFromString(f.MinNotional)
			}
		}
		if rules.StepSize.IsZero() {
			return nil, &ExchangeError{
				Exchange: "binance",
				Op:       "GetSymbolPrecision",
				Kind:     KindUnknown,
				Reason:   fmt.Sprintf("no LOT_SIZE filter for %s", symbol),
			}
		}
		return rules, nil
	}

	return nil, &ExchangeError{
		Exchange: "binance",
		Op:       "GetSymbolPrecision",
		Kind:     KindSymbolUnknown,
		Reason:   fmt.Sprintf("symbol %s not in exchange info", symbol),
	}
}

// GetPosition reports the spot base-asset holding for the symbol. Spot has no
// position object, so exposure is the free base balance.
func (c *BinanceConnector) GetPosition(ctx context.Context, symbol string) (*PositionInfo, error) {
	pair, err := currencyPair(symbol)
	if err != nil {
		return nil, err
	}

	account, err := c.api.GetAccount()
	if err != nil {
		return nil, binanceError("GetPosition", err)
	}

	sub := account.SubAccounts[pair.CurrencyA]
	return &PositionInfo{
		Symbol: symbol,
		Side:   SideBuy,
		Size:   decimal.NewFromFloat(sub.Amount),
	}, nil
}

func (c *BinanceConnector) GetAvailableBalance(ctx context.Context, currency string) (decimal.Decimal, error) {
	if currency == "" {
		currency = "USDT"
	}

	account, err := c.api.GetAccount()
	if err != nil {
		return decimal.Zero, binanceError("GetAvailableBalance", err)
	}

	sub := account.SubAccounts[goex.NewCurrency(currency, "")]
	return decimal.NewFromFloat(sub.Amount), nil
}

func (c *BinanceConnector) GetTicker(ctx context.Context, symbol string) (decimal.Decimal, error) {
	pair, err := currencyPair(symbol)
	if err != nil {
		return decimal.Zero, err
	}

	ticker, err := c.api.GetTicker(pair)
	if err != nil {
		return decimal.Zero, binanceError("GetTicker", err)
	}
	if ticker.Last <= 0 {
		return decimal.Zero, &ExchangeError{
			Exchange: "binance",
			Op:       "GetTicker",
			Kind:     KindUnknown,
			Reason:   fmt.Sprintf("invalid price for %s", symbol),
		}
	}
	return decimal.NewFromFloat(ticker.Last), nil
}

// signedRequest performs one authenticated REST call with the standard
// timestamp + HMAC-SHA256 query signature.
func (c *BinanceConnector) signedRequest(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	params.Set("timestamp", fmt.Sprintf("%d", time.Now().UnixMilli()))

	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(params.Encode()))
	params.Set("signature", hex.EncodeToString(mac.Sum(nil)))

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetQueryParamsFromValues(params).
		Execute(method, path)
	if err != nil {
		return nil, &ExchangeError{Exchange: "binance", Op: method + " " + path, Kind: KindConnectivity, Err: err}
	}

	if resp.StatusCode() != http.StatusOK {
		var apiErr struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		_ = json.Unmarshal(resp.Body(), &apiErr)
		kind := binanceErrorKind(apiErr.Code)
		if resp.StatusCode() == http.StatusTooManyRequests {
			kind = KindRateLimited
		}
		return nil, &ExchangeError{
			Exchange: "binance",
			Op:       method + " " + path,
			Kind:     kind,
			Code:     apiErr.Code,
			Reason:   apiErr.Msg,
		}
	}

	return resp.Body(), nil
}

func binanceError(op string, err error) *ExchangeError {
	return AsExchangeError("binance", op, err)
}

func binanceStatus(status goex.TradeStatus) string {
	switch status {
	case goex.ORDER_FINISH:
		return "FILLED"
	case goex.ORDER_CANCEL:
		return "CANCELED"
	case goex.ORDER_PART_FINISH:
		return "PARTIALLY_FILLED"
	case goex.ORDER_REJECT:
		return "REJECTED"
	default:
		return "NEW"
	}
}
