package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/blaketurner-numberedge/ai-content-studio/internal/ledger"
	"github.com/blaketurner-numberedge/ai-content-studio/internal/payments"
	"github.com/blaketurner-numberedge/ai-content-studio/internal/storage"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

// insufficientResponse carries the numbers a client needs to prompt for a
// top-up alongside the error message.
type insufficientResponse struct {
	Error    string `json:"error"`
	Required int    `json:"required"`
	Balance  int    `json:"balance"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, ErrorResponse{Error: msg})
}

// respondServiceError maps service sentinel errors onto HTTP statuses.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, payments.ErrUnknownTier),
		errors.Is(err, payments.ErrInvalidPayload),
		errors.Is(err, ledger.ErrInvalidAmount):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, payments.ErrPaymentNotFound),
		errors.Is(err, storage.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, payments.ErrSessionUnpaid):
		respondError(w, http.StatusPaymentRequired, err.Error())
	default:
		reqID := middleware.GetReqID(r.Context())
		log.Printf("[ERROR] [%s] %s %s: %v", reqID, r.Method, r.URL.Path, err)
		respondError(w, http.StatusInternalServerError, "internal server error")
	}
}
