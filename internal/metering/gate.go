// Package metering sits between the HTTP layer and the generation provider.
// It prices a request, reserves credits before the provider call, and settles
// the reservation afterwards, charging only for successful outputs.
package metering

import (
	"context"
	"fmt"
	"log"

	"github.com/blaketurner-numberedge/ai-content-studio/internal/analytics"
	"github.com/blaketurner-numberedge/ai-content-studio/internal/ledger"
	"github.com/blaketurner-numberedge/ai-content-studio/internal/metrics"
	"github.com/blaketurner-numberedge/ai-content-studio/internal/models"
	"github.com/blaketurner-numberedge/ai-content-studio/internal/pricing"
)

// InsufficientCreditsError reports a denied authorization along with the
// numbers the client needs to render a top-up prompt.
type InsufficientCreditsError struct {
	Required int
	Balance  int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: need %d, have %d", e.Required, e.Balance)
}

// Reservation is a held debit for an in-flight provider call. It must be
// settled exactly once.
type Reservation struct {
	UserID   string
	ModelID  string
	Units    int
	UnitCost int
	Total    int
}

// Gate authorizes and settles metered generation work.
type Gate struct {
	ledger  *ledger.Store
	pricing *pricing.Table
	events  *analytics.Recorder
	metrics *metrics.Metrics
}

func NewGate(l *ledger.Store, p *pricing.Table, events *analytics.Recorder, m *metrics.Metrics) *Gate {
	return &Gate{ledger: l, pricing: p, events: events, metrics: m}
}

// Authorize reserves credits for units generations on modelID. The
// reservation keeps the credits out of reach of concurrent requests while
// the provider call runs; nothing is persisted until Settle.
func (g *Gate) Authorize(ctx context.Context, userID, modelID string, units int) (*Reservation, error) {
	if units <= 0 {
		return nil, fmt.Errorf("units must be positive, got %d", units)
	}
	if modelID == "" {
		modelID = pricing.DefaultModel
	}
	unitCost := g.pricing.CostOf(modelID)
	total := unitCost * units

	rec, ok, err := g.ledger.Reserve(ctx, userID, total)
	if err != nil {
		return nil, err
	}
	if !ok {
		g.metrics.GenerationDenied(modelID)
		return nil, &InsufficientCreditsError{Required: total, Balance: rec.Balance}
	}
	return &Reservation{
		UserID:   userID,
		ModelID:  modelID,
		Units:    units,
		UnitCost: unitCost,
		Total:    total,
	}, nil
}

// Settle closes a reservation: succeeded units are debited, the rest of the
// hold is released. failure, when non-nil, is the provider error that ended
// the request; it is recorded but never charged for. Returns the ledger
// record after settlement.
func (g *Gate) Settle(ctx context.Context, res *Reservation, succeeded int, failure error) (models.LedgerRecord, error) {
	if succeeded < 0 {
		succeeded = 0
	}
	if succeeded > res.Units {
		succeeded = res.Units
	}
	charged := succeeded * res.UnitCost

	rec, err := g.ledger.CommitReservation(ctx, res.UserID, res.Total, charged)
	if err != nil {
		return models.LedgerRecord{}, err
	}

	if succeeded > 0 {
		g.metrics.GenerationCompleted(res.ModelID, succeeded)
		g.metrics.CreditsSpent(charged)
		if _, err := g.events.Record(ctx, models.EventGenerated, res.UserID, map[string]any{
			"model": res.ModelID,
			"count": succeeded,
		}); err != nil {
			log.Printf("[ERROR] record generated event: %v", err)
		}
		if _, err := g.events.Record(ctx, models.EventUsed, res.UserID, map[string]any{
			"model":   res.ModelID,
			"credits": charged,
		}); err != nil {
			log.Printf("[ERROR] record used event: %v", err)
		}
	}
	if failure != nil {
		g.metrics.GenerationFailed(res.ModelID)
		if _, err := g.events.Record(ctx, models.EventFailed, res.UserID, map[string]any{
			"model": res.ModelID,
			"error": failure.Error(),
		}); err != nil {
			log.Printf("[ERROR] record failed event: %v", err)
		}
	}
	return rec, nil
}

// Release abandons a reservation without charging, for paths that error out
// before the provider is ever called.
func (g *Gate) Release(res *Reservation) {
	g.ledger.ReleaseReservation(res.UserID, res.Total)
}
