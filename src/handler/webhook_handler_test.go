package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalrelay/src/auth"
	"signalrelay/src/health"
	"signalrelay/src/idempotency"
	"signalrelay/src/model"
	"signalrelay/src/orchestrator"
	"signalrelay/src/security"
	"signalrelay/src/subscriber"
)

const testSecret = "webhook-secret-1"

type mockWebhooks struct {
	webhook *model.Webhook
}

func (m *mockWebhooks) FindByToken(ctx context.Context, token string) (*model.Webhook, error) {
	if m.webhook != nil && m.webhook.Token == token {
		return m.webhook, nil
	}
	return nil, nil
}

type mockSubscriptions struct {
	subs []model.Subscription
}

func (m *mockSubscriptions) FindByWebhook(ctx context.Context, webhookID uint) ([]model.Subscription, error) {
	return m.subs, nil
}

type mockSignals struct {
	mu      sync.Mutex
	created []*model.Signal
	nextID  uint
}

func (m *mockSignals) Create(ctx context.Context, signal *model.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	signal.ID = m.nextID
	m.created = append(m.created, signal)
	return nil
}

func (m *mockSignals) UpdateOutcome(ctx context.Context, signalID uint, total, succeeded, failed int) error {
	return nil
}

type mockExecutor struct {
	mu      sync.Mutex
	runs    int
	summary *orchestrator.Summary
}

func (m *mockExecutor) Run(ctx context.Context, sig *model.Signal, plans []subscriber.OrderPlan) *orchestrator.Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs++
	if m.summary != nil {
		return m.summary
	}
	return &orchestrator.Summary{Total: len(plans), Succeeded: len(plans)}
}

func (m *mockExecutor) runCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs
}

type testHarness struct {
	deps     WebhookDeps
	executor *mockExecutor
	signals  *mockSignals
	router   *chi.Mux
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	guard, err := idempotency.NewInMemoryGuard(90*time.Second, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { guard.Close() })

	secretEnc, err := security.EncryptString(testSecret)
	require.NoError(t, err)

	executor := &mockExecutor{}
	signals := &mockSignals{}

	deps := WebhookDeps{
		Webhooks: &mockWebhooks{webhook: &model.Webhook{
			ID: 7, Token: "tok-1", SecretEnc: secretEnc, Active: true,
		}},
		Subscriptions: &mockSubscriptions{subs: []model.Subscription{
			{
				ID:               1,
				AccountID:        1,
				WebhookID:        7,
				Status:           model.SubscriptionStatusActive,
				SizingPolicy:     model.SizingFixedQty,
				SizingValue:      0.5,
				AllowedDirection: model.DirectionBoth,
				Account:          model.Account{ID: 1, Name: "acct-one"},
			},
		}},
		Signals:  signals,
		Guard:    guard,
		Limiter:  auth.NewSourceLimiter(600, 100),
		Health:   health.NewTracker(10),
		Executor: executor,
	}

	router := chi.NewRouter()
	router.Post("/webhook/{token}", WebhookHandler(deps))

	return &testHarness{deps: deps, executor: executor, signals: signals, router: router}
}

func signedRequest(t *testing.T, token string, payload map[string]interface{}) *http.Request {
	t.Helper()

	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhook/"+token, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.SignatureHeader, auth.Sign(body, testSecret))
	return req
}

func buyPayload() map[string]interface{} {
	return map[string]interface{}{
		"alert_id": "alert-1",
		"symbol":   "BTCUSDT",
		"action":   "buy",
	}
}

func TestWebhookHandlerAccepts(t *testing.T) {
	h := newHarness(t)

	rr := httptest.NewRecorder()
	h.router.ServeHTTP(rr, signedRequest(t, "tok-1", buyPayload()))

	assert.Equal(t, http.StatusAccepted, rr.Code)

	var resp acceptedResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.JobID)
	assert.Equal(t, "alert-1", resp.AlertID)
	require.Len(t, resp.SelectedAccounts, 1)
	assert.Equal(t, "acct-one", resp.SelectedAccounts[0].Name)
	assert.Equal(t, 1, h.executor.runCount())
}

func TestWebhookHandlerUnknownToken(t *testing.T) {
	h := newHarness(t)

	rr := httptest.NewRecorder()
	h.router.ServeHTTP(rr, signedRequest(t, "tok-nope", buyPayload()))

	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, 0, h.executor.runCount())
}

func TestWebhookHandlerBadSignature(t *testing.T) {
	h := newHarness(t)

	req := signedRequest(t, "tok-1", buyPayload())
	req.Header.Set(auth.SignatureHeader, "deadbeef")

	rr := httptest.NewRecorder()
	h.router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, 0, h.executor.runCount())
}

func TestWebhookHandlerMissingSignature(t *testing.T) {
	h := newHarness(t)

	req := signedRequest(t, "tok-1", buyPayload())
	req.Header.Del(auth.SignatureHeader)

	rr := httptest.NewRecorder()
	h.router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestWebhookHandlerRejectsInvalidPayload(t *testing.T) {
	h := newHarness(t)

	cases := []map[string]interface{}{
		{"symbol": "", "action": "buy"},
		{"symbol": "BTCUSDT", "action": "hold"},
		{"symbol": "BTCUSDT", "action": "buy", "quantity": -1.0},
		{"symbol": "BTCUSDT", "action": "buy", "order_type": "limit"},
	}

	for _, payload := range cases {
		rr := httptest.NewRecorder()
		h.router.ServeHTTP(rr, signedRequest(t, "tok-1", payload))
		assert.Equal(t, http.StatusBadRequest, rr.Code, "payload %v", payload)
	}
	assert.Equal(t, 0, h.executor.runCount())
}

func TestWebhookHandlerReplaysDuplicate(t *testing.T) {
	h := newHarness(t)

	first := httptest.NewRecorder()
	h.router.ServeHTTP(first, signedRequest(t, "tok-1", buyPayload()))
	require.Equal(t, http.StatusAccepted, first.Code)

	second := httptest.NewRecorder()
	h.router.ServeHTTP(second, signedRequest(t, "tok-1", buyPayload()))

	assert.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "true", second.Header().Get("X-Idempotent-Replay"))
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	// The executor ran once: the replay placed no orders.
	assert.Equal(t, 1, h.executor.runCount())
}

func TestWebhookHandlerRateLimits(t *testing.T) {
	h := newHarness(t)
	h.deps.Limiter = auth.NewSourceLimiter(60, 1)
	router := chi.NewRouter()
	router.Post("/webhook/{token}", WebhookHandler(h.deps))

	first := httptest.NewRecorder()
	router.ServeHTTP(first, signedRequest(t, "tok-1", buyPayload()))
	require.Equal(t, http.StatusAccepted, first.Code)

	// Different payload so the idempotency gate cannot absorb it first.
	payload := buyPayload()
	payload["alert_id"] = "alert-2"
	second := httptest.NewRecorder()
	router.ServeHTTP(second, signedRequest(t, "tok-1", payload))

	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestSignalStatusHandler(t *testing.T) {
	repo := &mockSignalReader{
		signal:   &model.Signal{ID: 4, JobID: "job-4", Symbol: "BTCUSDT"},
		attempts: []model.ExecutionAttempt{{SignalID: 4, State: model.AttemptDone}},
	}

	router := chi.NewRouter()
	router.Get("/signals/{jobID}", SignalStatusHandler(repo))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/signals/job-4", nil))

	assert.Equal(t, http.StatusOK, rr.Code)

	var resp signalStatusResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "job-4", resp.Signal.JobID)
	require.Len(t, resp.Attempts, 1)

	missing := httptest.NewRecorder()
	router.ServeHTTP(missing, httptest.NewRequest(http.MethodGet, "/signals/none", nil))
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

type mockSignalReader struct {
	signal   *model.Signal
	attempts []model.ExecutionAttempt
}

func (m *mockSignalReader) FindByJobID(ctx context.Context, jobID string) (*model.Signal, error) {
	if m.signal != nil && m.signal.JobID == jobID {
		return m.signal, nil
	}
	return nil, nil
}

func (m *mockSignalReader) FindAttemptsBySignal(ctx context.Context, signalID uint) ([]model.ExecutionAttempt, error) {
	return m.attempts, nil
}
