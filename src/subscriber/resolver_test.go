package subscriber

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalrelay/src/model"
)

func floatPtr(f float64) *float64 { return &f }

func threeSubscriptions() []model.Subscription {
	return []model.Subscription{
		{
			ID: 1, AccountID: 1, WebhookID: 9,
			Status:           model.SubscriptionStatusActive,
			AllowedDirection: model.DirectionBoth,
			SizingPolicy:     model.SizingFixedQty,
			SizingValue:      0.5,
			Account:          model.Account{ID: 1, Name: "A1"},
		},
		{
			ID: 2, AccountID: 2, WebhookID: 9,
			Status:           model.SubscriptionStatusActive,
			AllowedDirection: model.DirectionBuyOnly,
			SizingPolicy:     model.SizingFixedQty,
			SizingValue:      0.5,
			Account:          model.Account{ID: 2, Name: "A2"},
		},
		{
			ID: 3, AccountID: 3, WebhookID: 9,
			Status:           model.SubscriptionStatusPaused,
			AllowedDirection: model.DirectionBoth,
			SizingPolicy:     model.SizingFixedQty,
			SizingValue:      0.5,
			Account:          model.Account{ID: 3, Name: "A3"},
		},
	}
}

func TestResolveFiltersDirectionAndStatus(t *testing.T) {
	sig := &model.Signal{Action: model.ActionSell, Symbol: "BTCUSDT"}

	plans := Resolve(sig, threeSubscriptions(), nil, nil)

	// A2 is buy-only, A3 is paused; only A1 survives a sell.
	require.Len(t, plans, 1)
	assert.Equal(t, uint(1), plans[0].Subscription.AccountID)
	assert.Equal(t, "sell", plans[0].Side)
}

func TestResolveExcludesHealthPausedAccounts(t *testing.T) {
	sig := &model.Signal{Action: model.ActionBuy, Symbol: "BTCUSDT"}

	plans := Resolve(sig, threeSubscriptions(), nil, func(accountID uint) bool {
		return accountID == 1
	})

	// A1 nominally active but breaker-paused; A2 allows buys.
	require.Len(t, plans, 1)
	assert.Equal(t, uint(2), plans[0].Subscription.AccountID)
}

func TestCloseIsAllowedUnderOneSidedPolicy(t *testing.T) {
	sig := &model.Signal{Action: model.ActionClose, Symbol: "BTCUSDT"}

	plans := Resolve(sig, threeSubscriptions(), nil, nil)

	require.Len(t, plans, 2)
	for _, plan := range plans {
		assert.True(t, plan.CloseAll)
		assert.True(t, plan.ReduceOnly)
	}
}

func TestSizingPolicies(t *testing.T) {
	balances := map[uint]decimal.Decimal{10: decimal.NewFromInt(2000)}

	t.Run("fixed quantity", func(t *testing.T) {
		sub := model.Subscription{
			ID: 1, AccountID: 10,
			Status: model.SubscriptionStatusActive, AllowedDirection: model.DirectionBoth,
			SizingPolicy: model.SizingFixedQty, SizingValue: 0.25,
		}
		plans := Resolve(&model.Signal{Action: model.ActionBuy, Symbol: "ETHUSDT"}, []model.Subscription{sub}, balances, nil)
		require.Len(t, plans, 1)
		assert.True(t, plans[0].Quantity.Equal(decimal.NewFromFloat(0.25)))
	})

	t.Run("fixed margin defers to quote amount", func(t *testing.T) {
		sub := model.Subscription{
			ID: 1, AccountID: 10,
			Status: model.SubscriptionStatusActive, AllowedDirection: model.DirectionBoth,
			SizingPolicy: model.SizingFixedMargin, SizingValue: 100,
		}
		plans := Resolve(&model.Signal{Action: model.ActionBuy, Symbol: "ETHUSDT"}, []model.Subscription{sub}, balances, nil)
		require.Len(t, plans, 1)
		assert.True(t, plans[0].Quantity.IsZero())
		assert.True(t, plans[0].QuoteAmount.Equal(decimal.NewFromInt(100)))
	})

	t.Run("percent of balance", func(t *testing.T) {
		sub := model.Subscription{
			ID: 1, AccountID: 10,
			Status: model.SubscriptionStatusActive, AllowedDirection: model.DirectionBoth,
			SizingPolicy: model.SizingBalancePct, SizingValue: 5,
		}
		plans := Resolve(&model.Signal{Action: model.ActionBuy, Symbol: "ETHUSDT"}, []model.Subscription{sub}, balances, nil)
		require.Len(t, plans, 1)
		assert.True(t, plans[0].QuoteAmount.Equal(decimal.NewFromInt(100)), "got %s", plans[0].QuoteAmount)
	})

	t.Run("signal quantity hint overrides policy", func(t *testing.T) {
		sub := model.Subscription{
			ID: 1, AccountID: 10,
			Status: model.SubscriptionStatusActive, AllowedDirection: model.DirectionBoth,
			SizingPolicy: model.SizingBalancePct, SizingValue: 5,
		}
		sig := &model.Signal{Action: model.ActionBuy, Symbol: "ETHUSDT", Quantity: floatPtr(1.5)}
		plans := Resolve(sig, []model.Subscription{sub}, balances, nil)
		require.Len(t, plans, 1)
		assert.True(t, plans[0].Quantity.Equal(decimal.NewFromFloat(1.5)))
	})
}

func TestLeverageCappedByAccountMaximum(t *testing.T) {
	sub := model.Subscription{
		ID: 1, AccountID: 10, Leverage: 20,
		Status: model.SubscriptionStatusActive, AllowedDirection: model.DirectionBoth,
		SizingPolicy: model.SizingFixedQty, SizingValue: 1,
		Account: model.Account{ID: 10, MaxLeverage: 10},
	}

	plans := Resolve(&model.Signal{Action: model.ActionBuy, Symbol: "BTCUSDT"}, []model.Subscription{sub}, nil, nil)
	require.Len(t, plans, 1)
	assert.Equal(t, 10, plans[0].Leverage)
}

func TestProtectionPrices(t *testing.T) {
	entry := decimal.NewFromInt(100)

	t.Run("percent offsets for a long", func(t *testing.T) {
		plan := OrderPlan{
			Side:          "buy",
			StopLossPct:   decimal.NewFromInt(2),
			TakeProfitPct: decimal.NewFromInt(4),
		}
		sl, tp := plan.ProtectionPrices(entry)
		require.NotNil(t, sl)
		require.NotNil(t, tp)
		assert.True(t, sl.Equal(decimal.NewFromInt(98)), "got %s", sl)
		assert.True(t, tp.Equal(decimal.NewFromInt(104)), "got %s", tp)
	})

	t.Run("percent offsets mirror for a short", func(t *testing.T) {
		plan := OrderPlan{
			Side:          "sell",
			StopLossPct:   decimal.NewFromInt(2),
			TakeProfitPct: decimal.NewFromInt(4),
		}
		sl, tp := plan.ProtectionPrices(entry)
		require.NotNil(t, sl)
		require.NotNil(t, tp)
		assert.True(t, sl.Equal(decimal.NewFromInt(102)))
		assert.True(t, tp.Equal(decimal.NewFromInt(96)))
	})

	t.Run("explicit signal prices win", func(t *testing.T) {
		slAbs := decimal.NewFromInt(95)
		plan := OrderPlan{
			Side:          "buy",
			StopLossPrice: &slAbs,
			StopLossPct:   decimal.NewFromInt(2),
		}
		sl, tp := plan.ProtectionPrices(entry)
		require.NotNil(t, sl)
		assert.True(t, sl.Equal(slAbs))
		assert.Nil(t, tp)
	})

	t.Run("no configuration means no orders", func(t *testing.T) {
		sl, tp := OrderPlan{Side: "buy"}.ProtectionPrices(entry)
		assert.Nil(t, sl)
		assert.Nil(t, tp)
	})
}
