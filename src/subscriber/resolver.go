package subscriber

import (
	"github.com/shopspring/decimal"

	"signalrelay/src/model"
)

// OrderPlan is the concrete execution recipe for one subscription. Quantity
// may be zero with QuoteAmount set; the orchestrator then converts quote
// margin into base units at the live price before normalization.
type OrderPlan struct {
	Subscription model.Subscription

	Symbol    string
	Side      string
	OrderType string

	Quantity    decimal.Decimal
	QuoteAmount decimal.Decimal
	Price       *decimal.Decimal
	Leverage    int

	StopLossPrice   *decimal.Decimal
	TakeProfitPrice *decimal.Decimal
	StopLossPct     decimal.Decimal
	TakeProfitPct   decimal.Decimal

	ReduceOnly bool
	CloseAll   bool
	CancelOnly bool
}

// PausedFunc reports whether the health tracker has the account's breaker open.
type PausedFunc func(accountID uint) bool

// Resolve filters the bot's subscriptions down to the ones that should act on
// the signal and computes each survivor's order parameters. Pure computation:
// balances are passed in, nothing here touches the network.
func Resolve(
	sig *model.Signal,
	subs []model.Subscription,
	balances map[uint]decimal.Decimal,
	isPaused PausedFunc,
) []OrderPlan {
	plans := make([]OrderPlan, 0, len(subs))

	for _, sub := range subs {
		if sub.Status != model.SubscriptionStatusActive {
			continue
		}
		if isPaused != nil && isPaused(sub.AccountID) {
			continue
		}
		if !sub.AllowsAction(sig.Action) {
			continue
		}

		plan := buildPlan(sig, sub, balances[sub.AccountID])
		plans = append(plans, plan)
	}

	return plans
}

func buildPlan(sig *model.Signal, sub model.Subscription, balance decimal.Decimal) OrderPlan {
	plan := OrderPlan{
		Subscription: sub,
		Symbol:       sig.Symbol,
		OrderType:    sig.OrderType,
		Leverage:     effectiveLeverage(sig, sub),
	}
	if plan.OrderType == "" {
		plan.OrderType = "market"
	}

	switch sig.Action {
	case model.ActionBuy:
		plan.Side = "buy"
	case model.ActionSell:
		plan.Side = "sell"
	case model.ActionClose:
		plan.CloseAll = true
		plan.ReduceOnly = true
	case model.ActionCancel:
		plan.CancelOnly = true
	}
	if sig.ReduceOnly {
		plan.ReduceOnly = true
	}

	if sig.Price != nil && *sig.Price > 0 {
		price := decimal.NewFromFloat(*sig.Price)
		plan.Price = &price
	}

	if !plan.CloseAll && !plan.CancelOnly {
		applySizing(&plan, sig, sub, balance)
		applyProtection(&plan, sig, sub)
	}

	return plan
}

func effectiveLeverage(sig *model.Signal, sub model.Subscription) int {
	leverage := sub.Leverage
	if sig.Leverage != nil && *sig.Leverage > 0 {
		leverage = *sig.Leverage
	}
	if max := sub.Account.MaxLeverage; max > 0 && leverage > max {
		leverage = max
	}
	if leverage <= 0 {
		leverage = 1
	}
	return leverage
}

func applySizing(plan *OrderPlan, sig *model.Signal, sub model.Subscription, balance decimal.Decimal) {
	// An explicit quantity on the signal wins over the sizing policy.
	if sig.Quantity != nil && *sig.Quantity > 0 {
		plan.Quantity = decimal.NewFromFloat(*sig.Quantity)
		return
	}

	value := decimal.NewFromFloat(sub.SizingValue)
	switch sub.SizingPolicy {
	case model.SizingFixedQty:
		plan.Quantity = value
	case model.SizingFixedMargin:
		plan.QuoteAmount = value
	case model.SizingBalancePct:
		plan.QuoteAmount = balance.Mul(value).Div(decimal.NewFromInt(100))
	}
}

func applyProtection(plan *OrderPlan, sig *model.Signal, sub model.Subscription) {
	if sig.StopLoss != nil && *sig.StopLoss > 0 {
		price := decimal.NewFromFloat(*sig.StopLoss)
		plan.StopLossPrice = &price
	} else if sub.StopLossPct > 0 {
		plan.StopLossPct = decimal.NewFromFloat(sub.StopLossPct)
	}

	if sig.TakeProfit != nil && *sig.TakeProfit > 0 {
		price := decimal.NewFromFloat(*sig.TakeProfit)
		plan.TakeProfitPrice = &price
	} else if sub.TakeProfitPct > 0 {
		plan.TakeProfitPct = decimal.NewFromFloat(sub.TakeProfitPct)
	}
}

// ProtectionPrices resolves the final stop-loss/take-profit prices for a plan
// once the entry price is known. Percent offsets subtract for longs and add
// for shorts on the stop side, mirrored for the target side. Nil means no
// order of that kind is wanted.
func (p OrderPlan) ProtectionPrices(entryPrice decimal.Decimal) (stopLoss, takeProfit *decimal.Decimal) {
	hundred := decimal.NewFromInt(100)
	long := p.Side == "buy"

	if p.StopLossPrice != nil {
		stopLoss = p.StopLossPrice
	} else if p.StopLossPct.GreaterThan(decimal.Zero) && entryPrice.GreaterThan(decimal.Zero) {
		offset := entryPrice.Mul(p.StopLossPct).Div(hundred)
		var price decimal.Decimal
		if long {
			price = entryPrice.Sub(offset)
		} else {
			price = entryPrice.Add(offset)
		}
		stopLoss = &price
	}

	if p.TakeProfitPrice != nil {
		takeProfit = p.TakeProfitPrice
	} else if p.TakeProfitPct.GreaterThan(decimal.Zero) && entryPrice.GreaterThan(decimal.Zero) {
		offset := entryPrice.Mul(p.TakeProfitPct).Div(hundred)
		var price decimal.Decimal
		if long {
			price = entryPrice.Add(offset)
		} else {
			price = entryPrice.Sub(offset)
		}
		takeProfit = &price
	}

	return stopLoss, takeProfit
}
