package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"signalrelay/src/auth"
	"signalrelay/src/connectors"
	"signalrelay/src/health"
	"signalrelay/src/idempotency"
	"signalrelay/src/model"
	"signalrelay/src/orchestrator"
	"signalrelay/src/repository"
	"signalrelay/src/security"
	"signalrelay/src/subscriber"
)

// ValidationError rejects a delivery whose payload fails semantic checks.
// Fatal for the request, never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid payload: %s: %s", e.Field, e.Reason)
}

// alertPayload is the inbound webhook body, matching what charting platforms
// send for strategy alerts.
type alertPayload struct {
	AlertID    string   `json:"alert_id"`
	Strategy   string   `json:"strategy"`
	Symbol     string   `json:"symbol"`
	Action     string   `json:"action"`
	Quantity   *float64 `json:"quantity,omitempty"`
	Price      *float64 `json:"price,omitempty"`
	OrderType  string   `json:"order_type,omitempty"`
	StopLoss   *float64 `json:"stop_loss,omitempty"`
	TakeProfit *float64 `json:"take_profit,omitempty"`
	Leverage   *int     `json:"leverage,omitempty"`
	ReduceOnly bool     `json:"reduce_only,omitempty"`
}

type selectedAccount struct {
	ID   uint   `json:"id"`
	Name string `json:"name"`
}

type acceptedResponse struct {
	Message          string            `json:"message"`
	JobID            string            `json:"job_id"`
	AlertID          string            `json:"alert_id,omitempty"`
	SelectedAccounts []selectedAccount `json:"selected_accounts"`
	Total            int               `json:"total"`
	Succeeded        int               `json:"succeeded"`
	Failed           int               `json:"failed"`
	Unprotected      int               `json:"unprotected"`
}

type webhookFinder interface {
	FindByToken(ctx context.Context, token string) (*model.Webhook, error)
}

type subscriptionLister interface {
	FindByWebhook(ctx context.Context, webhookID uint) ([]model.Subscription, error)
}

type signalWriter interface {
	Create(ctx context.Context, signal *model.Signal) error
	UpdateOutcome(ctx context.Context, signalID uint, total, succeeded, failed int) error
}

type signalExecutor interface {
	Run(ctx context.Context, sig *model.Signal, plans []subscriber.OrderPlan) *orchestrator.Summary
}

// WebhookDeps bundles everything the intake handler needs.
type WebhookDeps struct {
	Webhooks      webhookFinder
	Subscriptions subscriptionLister
	Signals       signalWriter
	Guard         *idempotency.Guard
	Limiter       *auth.SourceLimiter
	Provider      connectors.Provider
	Health        *health.Tracker
	Executor      signalExecutor
	MaxBodyBytes  int64
}

// WebhookHandler returns the signal intake endpoint. Checks run cheapest
// first: endpoint lookup, rate limit, signature, payload validation, then the
// idempotency gate, and only then the execution fan-out.
func WebhookHandler(deps WebhookDeps) http.HandlerFunc {
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = 1 << 20
	}

	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		token := chi.URLParam(r, "token")
		webhook, err := deps.Webhooks.FindByToken(ctx, token)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "webhook lookup failed")
			return
		}
		if webhook == nil {
			writeError(w, http.StatusNotFound, "unknown_webhook", "no active webhook for this token")
			return
		}

		source := clientIP(r)
		if deps.Limiter != nil {
			if err := deps.Limiter.Allow(source); err != nil {
				var rateErr *auth.RateLimitError
				if errors.As(err, &rateErr) && rateErr.RetryAfter > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int(rateErr.RetryAfter.Seconds())+1))
				}
				writeError(w, http.StatusTooManyRequests, "rate_limited", "too many deliveries from this source")
				return
			}
		}

		raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, deps.MaxBodyBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_payload", "failed to read request body")
			return
		}

		secret, err := security.DecryptString(webhook.SecretEnc)
		if err != nil {
			logger.WithError(err).WithField("webhook_id", webhook.ID).
				Error("Failed to decrypt webhook secret")
			writeError(w, http.StatusInternalServerError, "internal_error", "credential error")
			return
		}
		if err := auth.Verify(raw, r.Header.Get(auth.SignatureHeader), secret); err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_signature", err.Error())
			return
		}

		var payload alertPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_payload", "body is not valid JSON")
			return
		}
		if err := validatePayload(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_payload", err.Error())
			return
		}

		canonical, err := auth.CanonicalPayload(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_payload", "body is not a JSON object")
			return
		}

		fingerprint := deps.Guard.Fingerprint(webhook.ID, canonical, payload.Symbol, payload.Action)
		cached, ticket, err := deps.Guard.Acquire(ctx, fingerprint)
		if err != nil {
			if errors.Is(err, idempotency.ErrAborted) {
				writeError(w, http.StatusInternalServerError, "internal_error", "concurrent delivery aborted")
				return
			}
			logger.WithError(err).Error("Idempotency gate failed")
			writeError(w, http.StatusInternalServerError, "internal_error", "idempotency store error")
			return
		}
		if cached != nil {
			// Duplicate inside the dedup window: replay the first result,
			// no orders are placed.
			w.Header().Set("X-Idempotent-Replay", "true")
			writeJSON(w, http.StatusOK, cached)
			return
		}

		sig := &model.Signal{
			JobID:      uuid.NewString(),
			WebhookID:  webhook.ID,
			AlertID:    payload.AlertID,
			Strategy:   payload.Strategy,
			Symbol:     strings.ToUpper(payload.Symbol),
			Action:     payload.Action,
			Quantity:   payload.Quantity,
			Price:      payload.Price,
			OrderType:  payload.OrderType,
			StopLoss:   payload.StopLoss,
			TakeProfit: payload.TakeProfit,
			Leverage:   payload.Leverage,
			ReduceOnly: payload.ReduceOnly,
			SourceIP:   source,
			RawPayload: string(raw),
			ReceivedAt: time.Now().UTC(),
		}
		if err := deps.Signals.Create(ctx, sig); err != nil {
			ticket.Abort()
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to record signal")
			return
		}

		subs, err := deps.Subscriptions.FindByWebhook(ctx, webhook.ID)
		if err != nil {
			ticket.Abort()
			writeError(w, http.StatusInternalServerError, "internal_error", "subscription lookup failed")
			return
		}

		balances := fetchBalances(ctx, deps.Provider, subs, sig.Symbol)

		isPaused := subscriber.PausedFunc(nil)
		if deps.Health != nil {
			isPaused = deps.Health.IsPaused
		}
		plans := subscriber.Resolve(sig, subs, balances, isPaused)

		summary := deps.Executor.Run(ctx, sig, plans)

		if err := deps.Signals.UpdateOutcome(ctx, sig.ID, summary.Total, summary.Succeeded, summary.Failed); err != nil {
			logger.WithError(err).WithField("signal_id", sig.ID).
				Error("Failed to record signal outcome")
		}

		resp := acceptedResponse{
			Message:     "signal accepted",
			JobID:       sig.JobID,
			AlertID:     sig.AlertID,
			Total:       summary.Total,
			Succeeded:   summary.Succeeded,
			Failed:      summary.Failed,
			Unprotected: summary.Unprotected,
		}
		for _, plan := range plans {
			resp.SelectedAccounts = append(resp.SelectedAccounts, selectedAccount{
				ID:   plan.Subscription.AccountID,
				Name: plan.Subscription.Account.Name,
			})
		}
		if resp.SelectedAccounts == nil {
			resp.SelectedAccounts = []selectedAccount{}
		}

		body, err := json.Marshal(resp)
		if err != nil {
			ticket.Abort()
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to encode response")
			return
		}

		ticket.Commit(body)
		writeJSON(w, http.StatusAccepted, body)
	}
}

// DefaultWebhookHandler wires the handler to the production repositories.
func DefaultWebhookHandler(
	guard *idempotency.Guard,
	limiter *auth.SourceLimiter,
	provider connectors.Provider,
	tracker *health.Tracker,
	executor signalExecutor,
) http.HandlerFunc {
	config := GetConfig()
	return WebhookHandler(WebhookDeps{
		Webhooks:      repository.NewWebhookRepository(),
		Subscriptions: repository.NewSubscriptionRepository(),
		Signals:       repository.NewSignalRepository(),
		Guard:         guard,
		Limiter:       limiter,
		Provider:      provider,
		Health:        tracker,
		Executor:      executor,
		MaxBodyBytes:  config.MaxBodyBytes,
	})
}

func validatePayload(p *alertPayload) error {
	if strings.TrimSpace(p.Symbol) == "" {
		return &ValidationError{Field: "symbol", Reason: "required"}
	}
	if !model.ValidAction(p.Action) {
		return &ValidationError{Field: "action", Reason: "must be buy, sell, close or cancel"}
	}
	if p.Quantity != nil && *p.Quantity <= 0 {
		return &ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	if p.Price != nil && *p.Price <= 0 {
		return &ValidationError{Field: "price", Reason: "must be positive"}
	}
	if p.Leverage != nil && *p.Leverage <= 0 {
		return &ValidationError{Field: "leverage", Reason: "must be positive"}
	}
	if p.OrderType != "" && p.OrderType != connectors.OrderTypeMarket && p.OrderType != connectors.OrderTypeLimit {
		return &ValidationError{Field: "order_type", Reason: "must be market or limit"}
	}
	if p.OrderType == connectors.OrderTypeLimit && p.Price == nil {
		return &ValidationError{Field: "price", Reason: "required for limit orders"}
	}
	return nil
}

// fetchBalances collects available quote balance for every subscription whose
// sizing needs it. Lookup failures leave the account out of the map; its plan
// then resolves to zero quantity and fails precision checks instead of
// guessing a size.
func fetchBalances(
	ctx context.Context,
	provider connectors.Provider,
	subs []model.Subscription,
	symbol string,
) map[uint]decimal.Decimal {
	balances := make(map[uint]decimal.Decimal)
	if provider == nil {
		return balances
	}
	currency := quoteCurrency(symbol)

	for _, sub := range subs {
		if sub.SizingPolicy != model.SizingBalancePct {
			continue
		}
		if _, done := balances[sub.AccountID]; done {
			continue
		}

		conn, err := provider.ConnectorForAccount(sub.Account)
		if err != nil {
			logger.WithError(err).WithField("account_id", sub.AccountID).
				Warn("Skipping balance lookup, connector unavailable")
			continue
		}
		balance, err := conn.GetAvailableBalance(ctx, currency)
		if err != nil {
			logger.WithError(err).WithField("account_id", sub.AccountID).
				Warn("Balance lookup failed")
			continue
		}
		balances[sub.AccountID] = balance
	}

	return balances
}

var quoteSuffixes = []string{"USDT", "USDC", "BUSD", "BTC", "ETH"}

func quoteCurrency(symbol string) string {
	upper := strings.ToUpper(symbol)
	for _, suffix := range quoteSuffixes {
		if strings.HasSuffix(upper, suffix) && len(upper) > len(suffix) {
			return suffix
		}
	}
	return "USDT"
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
