package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/blaketurner-numberedge/ai-content-studio/internal/generation"
	"github.com/blaketurner-numberedge/ai-content-studio/internal/metering"
	"github.com/blaketurner-numberedge/ai-content-studio/internal/models"
	"github.com/blaketurner-numberedge/ai-content-studio/internal/payments"
)

const (
	maxImagesPerRequest = 4
	maxBatchPrompts     = 10
	maxWebhookBytes     = 65536
)

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		respondError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	rec, err := s.ledger.Get(r.Context(), userID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleTiers(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"tiers": s.pricing.Tiers()})
}

func (s *Server) handleModelCosts(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"costs":        s.pricing.Costs(),
		"default_cost": s.pricing.CostOf(""),
	})
}

type checkoutRequest struct {
	UserID string `json:"user_id"`
	TierID string `json:"tier_id"`
}

func (s *Server) handleCreateCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.TierID == "" {
		respondError(w, http.StatusBadRequest, "user_id and tier_id are required")
		return
	}
	if s.cfg.StripeSecretKey == "" {
		respondError(w, http.StatusServiceUnavailable, "payments are not configured")
		return
	}

	rec, checkoutURL, err := s.payments.CreateCheckout(r.Context(), req.UserID, req.TierID,
		s.cfg.CheckoutSuccessURL, s.cfg.CheckoutCancelURL)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"payment_id":   rec.ID,
		"checkout_url": checkoutURL,
	})
}

type verifyRequest struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleVerifyPayment(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" {
		respondError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	rec, err := s.payments.VerifySession(r.Context(), req.SessionID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	balance, err := s.ledger.Get(r.Context(), rec.UserID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"payment": rec,
		"balance": balance.Balance,
	})
}

func (s *Server) handlePaymentHistory(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		respondError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	history, err := s.payments.History(r.Context(), userID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"payments": history})
}

type generateRequest struct {
	UserID  string `json:"user_id"`
	Prompt  string `json:"prompt"`
	Model   string `json:"model"`
	Size    string `json:"size"`
	Quality string `json:"quality"`
	Style   string `json:"style"`
	Count   int    `json:"count"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.Prompt == "" {
		respondError(w, http.StatusBadRequest, "user_id and prompt are required")
		return
	}
	if req.Count <= 0 {
		req.Count = 1
	}
	if req.Count > maxImagesPerRequest {
		respondError(w, http.StatusBadRequest, "count exceeds the per-request limit")
		return
	}

	res, err := s.gate.Authorize(r.Context(), req.UserID, req.Model, req.Count)
	if err != nil {
		s.respondAuthorizeError(w, r, err)
		return
	}

	images, genErr := s.generator.Generate(r.Context(), generation.Request{
		Prompt:  req.Prompt,
		Model:   res.ModelID,
		Size:    req.Size,
		Quality: req.Quality,
		Style:   req.Style,
		Count:   req.Count,
	})

	// Settlement must land even when the client has gone away.
	settleCtx := context.WithoutCancel(r.Context())
	rec, settleErr := s.gate.Settle(settleCtx, res, len(images), genErr)
	if settleErr != nil {
		respondServiceError(w, r, settleErr)
		return
	}
	if genErr != nil {
		s.respondGenerationError(w, r, genErr)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"images":          images,
		"model":           res.ModelID,
		"credits_charged": len(images) * res.UnitCost,
		"balance":         rec.Balance,
	})
}

type batchRequest struct {
	UserID  string   `json:"user_id"`
	Prompts []string `json:"prompts"`
	Model   string   `json:"model"`
	Size    string   `json:"size"`
}

type batchResult struct {
	Prompt string             `json:"prompt"`
	Images []generation.Image `json:"images,omitempty"`
	Error  string             `json:"error,omitempty"`
}

// handleGenerateBatch runs one provider call per prompt under a single
// reservation. Only successful prompts are charged; the whole batch settles
// as one debit and one pair of usage events.
func (s *Server) handleGenerateBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || len(req.Prompts) == 0 {
		respondError(w, http.StatusBadRequest, "user_id and prompts are required")
		return
	}
	if len(req.Prompts) > maxBatchPrompts {
		respondError(w, http.StatusBadRequest, "too many prompts in one batch")
		return
	}
	for _, prompt := range req.Prompts {
		if prompt == "" {
			respondError(w, http.StatusBadRequest, "prompts must be non-empty")
			return
		}
	}

	res, err := s.gate.Authorize(r.Context(), req.UserID, req.Model, len(req.Prompts))
	if err != nil {
		s.respondAuthorizeError(w, r, err)
		return
	}

	results := make([]batchResult, 0, len(req.Prompts))
	succeeded := 0
	var firstErr error
	for _, prompt := range req.Prompts {
		images, genErr := s.generator.Generate(r.Context(), generation.Request{
			Prompt: prompt,
			Model:  res.ModelID,
			Size:   req.Size,
			Count:  1,
		})
		if genErr != nil {
			if firstErr == nil {
				firstErr = genErr
			}
			results = append(results, batchResult{Prompt: prompt, Error: genErr.Error()})
			continue
		}
		succeeded++
		results = append(results, batchResult{Prompt: prompt, Images: images})
	}

	settleCtx := context.WithoutCancel(r.Context())
	rec, settleErr := s.gate.Settle(settleCtx, res, succeeded, firstErr)
	if settleErr != nil {
		respondServiceError(w, r, settleErr)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"results":         results,
		"succeeded":       succeeded,
		"credits_charged": succeeded * res.UnitCost,
		"balance":         rec.Balance,
	})
}

func (s *Server) respondAuthorizeError(w http.ResponseWriter, r *http.Request, err error) {
	var insufficient *metering.InsufficientCreditsError
	if errors.As(err, &insufficient) {
		respondJSON(w, http.StatusPaymentRequired, insufficientResponse{
			Error:    insufficient.Error(),
			Required: insufficient.Required,
			Balance:  insufficient.Balance,
		})
		return
	}
	respondServiceError(w, r, err)
}

func (s *Server) respondGenerationError(w http.ResponseWriter, r *http.Request, err error) {
	var provider *generation.ProviderError
	if errors.As(err, &provider) {
		respondError(w, http.StatusBadGateway, provider.Message)
		return
	}
	respondError(w, http.StatusBadGateway, "image generation failed")
}

func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "unreadable payload")
		return
	}
	err = s.payments.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if errors.Is(err, payments.ErrPaymentNotFound) {
		// Acknowledge sessions we never created so Stripe stops retrying.
		reqID := middleware.GetReqID(r.Context())
		log.Printf("[%s] webhook for unknown checkout session", reqID)
		respondJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"summary": s.events.Summary(),
		"daily":   s.events.Daily(),
	})
}

type eventRequest struct {
	UserID   string         `json:"user_id"`
	Type     string         `json:"type"`
	Metadata map[string]any `json:"metadata"`
}

// handleRecordEvent lets clients report activity that happens entirely on
// their side, like downloading an image or reusing a saved prompt. Only
// those client-side event types are accepted; billing events are emitted by
// the server alone.
func (s *Server) handleRecordEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	typ := models.EventType(req.Type)
	if req.UserID == "" || (typ != models.EventExported && typ != models.EventPromptUsed) {
		respondError(w, http.StatusBadRequest, "user_id and a client event type are required")
		return
	}
	ev, err := s.events.Record(r.Context(), typ, req.UserID, req.Metadata)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, ev)
}
