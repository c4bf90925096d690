package connectors

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignRequestMatchesManualDigest(t *testing.T) {
	sig := signRequest("/g-orders", "", `{"symbol":"BTCUSDT"}`, 1700000000, "secret")

	// Same inputs, same digest; any change in a component breaks it.
	assert.Equal(t, sig, signRequest("/g-orders", "", `{"symbol":"BTCUSDT"}`, 1700000000, "secret"))
	assert.NotEqual(t, sig, signRequest("/g-orders", "", `{"symbol":"BTCUSDT"}`, 1700000001, "secret"))
	assert.NotEqual(t, sig, signRequest("/g-orders", "", `{"symbol":"ETHUSDT"}`, 1700000000, "secret"))
	assert.NotEqual(t, sig, signRequest("/g-orders", "", `{"symbol":"BTCUSDT"}`, 1700000000, "other"))
	assert.Len(t, sig, 64)
}

func TestPhemexPlaceOrderSendsSignedRequest(t *testing.T) {
	var gotBody map[string]interface{}
	var gotHeaders http.Header

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/g-orders", r.URL.Path)
		gotHeaders = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		resp := map[string]interface{}{
			"code": 0,
			"data": map[string]interface{}{
				"orderID":    "ord-1",
				"ordStatus":  "Filled",
				"avgPriceRp": "50000.5",
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	conn := NewPhemexConnector("key-1", "secret-1", srv.URL)
	price := decimal.RequireFromString("50000")

	result, err := conn.PlaceOrder(context.Background(), OrderRequest{
		Symbol:        "BTCUSDT",
		Side:          SideBuy,
		Type:          OrderTypeLimit,
		Quantity:      decimal.RequireFromString("0.5"),
		Price:         &price,
		ClientOrderID: "client-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "ord-1", result.OrderID)
	assert.True(t, result.AvgPrice.Equal(decimal.RequireFromString("50000.5")))

	assert.Equal(t, "key-1", gotHeaders.Get("x-phemex-access-token"))
	assert.NotEmpty(t, gotHeaders.Get("x-phemex-request-signature"))
	expiry, err := strconv.ParseInt(gotHeaders.Get("x-phemex-request-expiry"), 10, 64)
	require.NoError(t, err)
	assert.Greater(t, expiry, int64(0))

	assert.Equal(t, "Buy", gotBody["side"])
	assert.Equal(t, "Limit", gotBody["ordType"])
	assert.Equal(t, "0.5", gotBody["orderQtyRq"])
	assert.Equal(t, "50000", gotBody["priceRp"])
	assert.Equal(t, "client-1", gotBody["clOrdID"])
}

func TestPhemexAPIErrorMapsToExchangeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"code": 11051,
			"msg":  "insufficient available balance",
		})
	}))
	defer srv.Close()

	conn := NewPhemexConnector("key", "secret", srv.URL)

	_, err := conn.PlaceOrder(context.Background(), OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     SideBuy,
		Type:     OrderTypeMarket,
		Quantity: decimal.RequireFromString("1"),
	})
	require.Error(t, err)

	xe := AsExchangeError("phemex", "PlaceOrder", err)
	assert.Equal(t, KindInsufficientBalance, xe.Kind)
	assert.Equal(t, 11051, xe.Code)
	assert.False(t, xe.Retryable())
}

func TestPhemexFlatPositionIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/g-accounts/positions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"code": 0,
			"data": map[string]interface{}{
				"account":   map[string]interface{}{"currency": "USDT", "accountBalanceRv": "1500.25"},
				"positions": []interface{}{},
			},
		})
	}))
	defer srv.Close()

	conn := NewPhemexConnector("key", "secret", srv.URL)

	pos, err := conn.GetPosition(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, pos.Size.IsZero())

	balance, err := conn.GetAvailableBalance(context.Background(), "USDT")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("1500.25")))
}

func TestPhemexPrecisionLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/public/products-plus", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"code": 0,
			"data": map[string]interface{}{
				"perpProductsV2": []map[string]interface{}{
					{"symbol": "BTCUSDT", "qtyStepSize": "0.001", "tickSize": "0.1", "minOrderValueRv": "1"},
				},
			},
		})
	}))
	defer srv.Close()

	conn := NewPhemexConnector("key", "secret", srv.URL)

	rules, err := conn.GetSymbolPrecision(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, rules.StepSize.Equal(decimal.RequireFromString("0.001")))
	assert.True(t, rules.TickSize.Equal(decimal.RequireFromString("0.1")))

	_, err = conn.GetSymbolPrecision(context.Background(), "NOPEUSDT")
	require.Error(t, err)
	xe := AsExchangeError("phemex", "GetSymbolPrecision", err)
	assert.Equal(t, KindSymbolUnknown, xe.Kind)
}
