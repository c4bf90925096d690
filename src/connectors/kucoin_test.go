package connectors

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKucoinSymbolMapping(t *testing.T) {
	assert.Equal(t, "XBTUSDTM", kucoinSymbol("BTCUSDT"))
	assert.Equal(t, "ETHUSDTM", kucoinSymbol("ETHUSDT"))
	assert.Equal(t, "XBTUSDTM", kucoinSymbol("XBTUSDTM"))
}

func kucoinContractHandler(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"code": "200000",
		"data": map[string]interface{}{
			"symbol":     "XBTUSDTM",
			"multiplier": 0.001,
			"lotSize":    1,
			"tickSize":   0.1,
		},
	})
}

func TestKucoinPlaceOrderSignsPassphrase(t *testing.T) {
	var gotBody map[string]interface{}
	var gotHeaders http.Header
	var gotRawBody string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/contracts/XBTUSDTM" {
			kucoinContractHandler(w)
			return
		}

		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/orders", r.URL.Path)
		gotHeaders = r.Header.Clone()
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		gotRawBody = string(raw)
		require.NoError(t, json.Unmarshal(raw, &gotBody))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"code": "200000",
			"data": map[string]interface{}{"orderId": "ord-1"},
		})
	}))
	defer srv.Close()

	conn := NewKucoinConnector("key-1", "secret-1", "pass-1", srv.URL)

	result, err := conn.PlaceOrder(context.Background(), OrderRequest{
		Symbol:        "BTCUSDT",
		Side:          SideBuy,
		Type:          OrderTypeMarket,
		Quantity:      decimal.RequireFromString("0.005"),
		Leverage:      3,
		ClientOrderID: "client-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "ord-1", result.OrderID)

	assert.Equal(t, "key-1", gotHeaders.Get("KC-API-KEY"))
	assert.Equal(t, kucoinKeyVersion, gotHeaders.Get("KC-API-KEY-VERSION"))
	// Key version 2 sends the passphrase encrypted under the API secret.
	assert.Equal(t, kucoinSign("secret-1", "pass-1"), gotHeaders.Get("KC-API-PASSPHRASE"))
	assert.NotEqual(t, "pass-1", gotHeaders.Get("KC-API-PASSPHRASE"))

	timestamp := gotHeaders.Get("KC-API-TIMESTAMP")
	require.NotEmpty(t, timestamp)
	expected := kucoinSign("secret-1", timestamp+http.MethodPost+"/api/v1/orders"+gotRawBody)
	assert.Equal(t, expected, gotHeaders.Get("KC-API-SIGN"))

	// 0.005 base units at a 0.001 multiplier is 5 contracts.
	assert.Equal(t, float64(5), gotBody["size"])
	assert.Equal(t, "XBTUSDTM", gotBody["symbol"])
	assert.Equal(t, "buy", gotBody["side"])
	assert.Equal(t, "market", gotBody["type"])
	assert.Equal(t, "3", gotBody["leverage"])
	assert.Equal(t, "client-1", gotBody["clientOid"])
}

func TestKucoinAPIErrorMapsToExchangeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/contracts/XBTUSDTM" {
			kucoinContractHandler(w)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"code": "200004",
			"msg":  "balance insufficient",
		})
	}))
	defer srv.Close()

	conn := NewKucoinConnector("key", "secret", "pass", srv.URL)

	_, err := conn.PlaceOrder(context.Background(), OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     SideBuy,
		Type:     OrderTypeMarket,
		Quantity: decimal.RequireFromString("0.01"),
	})
	require.Error(t, err)

	xe := AsExchangeError("kucoin", "PlaceOrder", err)
	assert.Equal(t, KindInsufficientBalance, xe.Kind)
	assert.False(t, xe.Retryable())
}

func TestKucoinFlatPositionIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/position", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"code": "200000",
			"data": map[string]interface{}{
				"symbol":     "XBTUSDTM",
				"currentQty": 0,
			},
		})
	}))
	defer srv.Close()

	conn := NewKucoinConnector("key", "secret", "pass", srv.URL)

	pos, err := conn.GetPosition(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, pos.Size.IsZero())
}

func TestKucoinPrecisionFromContract(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/contracts/XBTUSDTM", r.URL.Path)
		kucoinContractHandler(w)
	}))
	defer srv.Close()

	conn := NewKucoinConnector("key", "secret", "pass", srv.URL)

	rules, err := conn.GetSymbolPrecision(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, rules.StepSize.Equal(decimal.RequireFromString("0.001")))
	assert.True(t, rules.TickSize.Equal(decimal.RequireFromString("0.1")))
}
