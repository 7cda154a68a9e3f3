package models

import "time"

// LedgerRecord tracks a user's spendable credits and lifetime totals.
// Invariant: Balance == TotalPurchased - TotalUsed + starter grant, and
// Balance never goes negative.
type LedgerRecord struct {
	UserID         string    `json:"user_id"`
	Balance        int       `json:"balance"`
	TotalPurchased int       `json:"total_purchased"`
	TotalUsed      int       `json:"total_used"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

// PaymentRecord is one purchase attempt. It transitions pending -> completed
// at most once; credits are granted only on that transition.
type PaymentRecord struct {
	ID                string        `json:"id"`
	UserID            string        `json:"user_id"`
	TierID            string        `json:"tier_id"`
	Credits           int           `json:"credits"`
	AmountCents       int           `json:"amount_cents"`
	Status            PaymentStatus `json:"status"`
	ExternalSessionID string        `json:"external_session_id"`
	CreatedAt         time.Time     `json:"created_at"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty"`
}

// PricingTier is an immutable catalog entry for a purchasable credit bundle.
type PricingTier struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Credits     int    `json:"credits" yaml:"credits"`
	PriceCents  int    `json:"price_cents" yaml:"price_cents"`
	Description string `json:"description" yaml:"description"`
}

type EventType string

const (
	EventGenerated  EventType = "generated"
	EventFailed     EventType = "failed"
	EventPurchased  EventType = "purchased"
	EventUsed       EventType = "used"
	EventExported   EventType = "exported"
	EventPromptUsed EventType = "prompt_used"
)

// UsageEvent is one entry in the append-only usage stream.
type UsageEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	UserID    string         `json:"user_id"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// DailyAggregate holds per-UTC-day counters derived from the event stream.
type DailyAggregate struct {
	Date             string         `json:"date"`
	Generated        int            `json:"generated"`
	Failed           int            `json:"failed"`
	CreditsPurchased int            `json:"credits_purchased"`
	CreditsUsed      int            `json:"credits_used"`
	RevenueCents     int            `json:"revenue_cents"`
	ActiveUsers      int            `json:"active_users"`
	ModelCounts      map[string]int `json:"model_counts,omitempty"`
}

// ModelCount pairs a model id with its generation count.
type ModelCount struct {
	Model string `json:"model"`
	Count int    `json:"count"`
}

// Summary is the global view derived from the retained event stream.
type Summary struct {
	TotalUsers             int          `json:"total_users"`
	Purchasers             int          `json:"purchasers"`
	ConversionRate         float64      `json:"conversion_rate"`
	TotalRevenueCents      int          `json:"total_revenue_cents"`
	AvgRevenueCentsPerUser float64      `json:"avg_revenue_cents_per_user"`
	TotalGenerated         int          `json:"total_generated"`
	TopModels              []ModelCount `json:"top_models"`
}
