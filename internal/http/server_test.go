package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"

	"github.com/blaketurner-numberedge/ai-content-studio/internal/analytics"
	"github.com/blaketurner-numberedge/ai-content-studio/internal/config"
	"github.com/blaketurner-numberedge/ai-content-studio/internal/generation"
	"github.com/blaketurner-numberedge/ai-content-studio/internal/ledger"
	"github.com/blaketurner-numberedge/ai-content-studio/internal/metering"
	"github.com/blaketurner-numberedge/ai-content-studio/internal/metrics"
	"github.com/blaketurner-numberedge/ai-content-studio/internal/payments"
	"github.com/blaketurner-numberedge/ai-content-studio/internal/pricing"
	"github.com/blaketurner-numberedge/ai-content-studio/internal/storage"
)

type fakeGenerator struct {
	fn func(req generation.Request) ([]generation.Image, error)
}

func (g *fakeGenerator) Generate(_ context.Context, req generation.Request) ([]generation.Image, error) {
	if g.fn != nil {
		return g.fn(req)
	}
	images := make([]generation.Image, 0, req.Count)
	for i := 0; i < req.Count; i++ {
		images = append(images, generation.Image{URL: fmt.Sprintf("https://img.test/%d.png", i)})
	}
	return images, nil
}

type fakeStripe struct {
	mu       sync.Mutex
	sessions map[string]payments.CheckoutParams
	paid     map[string]bool
}

func newFakeStripe() *fakeStripe {
	return &fakeStripe{
		sessions: make(map[string]payments.CheckoutParams),
		paid:     make(map[string]bool),
	}
}

func (c *fakeStripe) CreateCheckoutSession(_ context.Context, p payments.CheckoutParams) (payments.CheckoutSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := "cs_test_" + p.PaymentID
	c.sessions[id] = p
	return payments.CheckoutSession{ID: id, URL: "https://checkout.test/" + id}, nil
}

func (c *fakeStripe) RetrieveSession(_ context.Context, sessionID string) (payments.SessionStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.sessions[sessionID]
	if !ok {
		return payments.SessionStatus{}, fmt.Errorf("no such session %s", sessionID)
	}
	return payments.SessionStatus{ID: sessionID, Paid: c.paid[sessionID], PaymentID: p.PaymentID}, nil
}

func (c *fakeStripe) VerifyWebhook(payload []byte, _ string) (stripe.Event, error) {
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return stripe.Event{}, err
	}
	return event, nil
}

func (c *fakeStripe) markPaid(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paid[sessionID] = true
}

type testEnv struct {
	ts     *httptest.Server
	gen    *fakeGenerator
	stripe *fakeStripe
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Config{
		AdminAPIKey:        "secret",
		StripeSecretKey:    "sk_test_x",
		CheckoutSuccessURL: "https://app.test/ok",
		CheckoutCancelURL:  "https://app.test/cancel",
	}
	kv := storage.NewMemoryStore()
	l := ledger.New(kv, 5)
	table := pricing.Default()
	events := analytics.NewRecorder(kv, 0)
	m := metrics.New()
	gate := metering.NewGate(l, table, events, m)
	stripeClient := newFakeStripe()
	pay := payments.NewService(kv, l, table, events, m, stripeClient, "usd")
	gen := &fakeGenerator{}

	server := NewServer(cfg, l, table, gate, pay, events, gen, m)
	ts := httptest.NewServer(server.Routes())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, gen: gen, stripe: stripeClient}
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestBalanceCreatesNewUser(t *testing.T) {
	env := newTestEnv(t)
	resp, body := doJSON(t, http.MethodGet, env.ts.URL+"/api/credits/balance?user_id=alice", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(5), body["balance"])
	require.Equal(t, "alice", body["user_id"])
}

func TestBalanceRequiresUserID(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := doJSON(t, http.MethodGet, env.ts.URL+"/api/credits/balance", nil, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTiersAndModelCosts(t *testing.T) {
	env := newTestEnv(t)

	resp, body := doJSON(t, http.MethodGet, env.ts.URL+"/api/credits/tiers", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["tiers"], 3)

	resp, body = doJSON(t, http.MethodGet, env.ts.URL+"/api/models/costs", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	costs := body["costs"].(map[string]any)
	require.Equal(t, float64(2), costs["dall-e-3"])
	require.Equal(t, float64(1), body["default_cost"])
}

func TestGenerateChargesCredits(t *testing.T) {
	env := newTestEnv(t)
	resp, body := doJSON(t, http.MethodPost, env.ts.URL+"/api/generate", map[string]any{
		"user_id": "alice",
		"prompt":  "a red fox",
		"model":   "dall-e-3",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(2), body["credits_charged"])
	require.Equal(t, float64(3), body["balance"])
	require.Len(t, body["images"], 1)
}

func TestGenerateInsufficientCredits(t *testing.T) {
	env := newTestEnv(t)
	resp, body := doJSON(t, http.MethodPost, env.ts.URL+"/api/generate", map[string]any{
		"user_id": "alice",
		"prompt":  "a red fox",
		"model":   "gpt-image-1",
		"count":   2,
	}, nil)
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	require.Equal(t, float64(6), body["required"])
	require.Equal(t, float64(5), body["balance"])

	// the denial must not have touched the ledger
	resp, body = doJSON(t, http.MethodGet, env.ts.URL+"/api/credits/balance?user_id=alice", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(5), body["balance"])
}

func TestGenerateValidation(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := doJSON(t, http.MethodPost, env.ts.URL+"/api/generate", map[string]any{
		"user_id": "alice",
	}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, env.ts.URL+"/api/generate", map[string]any{
		"user_id": "alice",
		"prompt":  "fox",
		"count":   99,
	}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGenerateProviderFailureNotCharged(t *testing.T) {
	env := newTestEnv(t)
	env.gen.fn = func(generation.Request) ([]generation.Image, error) {
		return nil, &generation.ProviderError{StatusCode: 500, Message: "upstream down"}
	}

	resp, body := doJSON(t, http.MethodPost, env.ts.URL+"/api/generate", map[string]any{
		"user_id": "alice",
		"prompt":  "a red fox",
	}, nil)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	require.Equal(t, "upstream down", body["error"])

	resp, body = doJSON(t, http.MethodGet, env.ts.URL+"/api/credits/balance?user_id=alice", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(5), body["balance"])
}

func TestGenerateBatchPartialFailure(t *testing.T) {
	env := newTestEnv(t)
	env.gen.fn = func(req generation.Request) ([]generation.Image, error) {
		if req.Prompt == "bad" {
			return nil, &generation.ProviderError{StatusCode: 400, Message: "rejected"}
		}
		return []generation.Image{{URL: "https://img.test/ok.png"}}, nil
	}

	resp, body := doJSON(t, http.MethodPost, env.ts.URL+"/api/generate/batch", map[string]any{
		"user_id": "alice",
		"prompts": []string{"fox", "bad", "owl"},
		"model":   "dall-e-2",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(2), body["succeeded"])
	require.Equal(t, float64(2), body["credits_charged"])
	require.Equal(t, float64(3), body["balance"])

	results := body["results"].([]any)
	require.Len(t, results, 3)
	failed := results[1].(map[string]any)
	require.Equal(t, "bad", failed["prompt"])
	require.Equal(t, "rejected", failed["error"])
}

func TestCheckoutVerifyFlow(t *testing.T) {
	env := newTestEnv(t)

	resp, body := doJSON(t, http.MethodPost, env.ts.URL+"/api/credits/checkout", map[string]any{
		"user_id": "alice",
		"tier_id": "basic",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	checkoutURL := body["checkout_url"].(string)
	require.NotEmpty(t, checkoutURL)

	sessionID := "cs_test_" + body["payment_id"].(string)
	env.stripe.markPaid(sessionID)

	resp, body = doJSON(t, http.MethodPost, env.ts.URL+"/api/credits/verify", map[string]any{
		"session_id": sessionID,
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(25), body["balance"])

	resp, body = doJSON(t, http.MethodGet, env.ts.URL+"/api/credits/history?user_id=alice", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	history := body["payments"].([]any)
	require.Len(t, history, 1)
	require.Equal(t, "completed", history[0].(map[string]any)["status"])
}

func TestVerifyUnknownSession(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := doJSON(t, http.MethodPost, env.ts.URL+"/api/credits/verify", map[string]any{
		"session_id": "cs_never_created",
	}, nil)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestCheckoutUnknownTier(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := doJSON(t, http.MethodPost, env.ts.URL+"/api/credits/checkout", map[string]any{
		"user_id": "alice",
		"tier_id": "enterprise",
	}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatsRequiresAdminKey(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := doJSON(t, http.MethodGet, env.ts.URL+"/api/stats", nil, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := doJSON(t, http.MethodGet, env.ts.URL+"/api/stats", nil, map[string]string{"X-API-Key": "secret"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, body, "summary")
	require.Contains(t, body, "daily")
}

func TestRecordClientEvent(t *testing.T) {
	env := newTestEnv(t)

	resp, body := doJSON(t, http.MethodPost, env.ts.URL+"/api/events", map[string]any{
		"user_id":  "alice",
		"type":     "exported",
		"metadata": map[string]any{"format": "png"},
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "exported", body["type"])

	// billing event types are server-emitted only
	resp, _ = doJSON(t, http.MethodPost, env.ts.URL+"/api/events", map[string]any{
		"user_id": "alice",
		"type":    "purchased",
	}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	resp, body := doJSON(t, http.MethodGet, env.ts.URL+"/healthz", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", body["status"])
}
