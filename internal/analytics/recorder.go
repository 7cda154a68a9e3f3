// Package analytics keeps the append-only usage event stream and the
// aggregates derived from it. The aggregates are a materialized view: they
// are recomputed from the retained events after every append, so replaying
// the persisted stream always reproduces the same numbers.
package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blaketurner-numberedge/ai-content-studio/internal/models"
	"github.com/blaketurner-numberedge/ai-content-studio/internal/storage"
)

const bucket = "events"

// DefaultRetention caps the retained event stream.
const DefaultRetention = 10000

type storedEvent struct {
	Seq   uint64            `json:"seq"`
	Event models.UsageEvent `json:"event"`
}

// Recorder appends usage events and maintains the derived aggregates.
type Recorder struct {
	kv     storage.Store
	retain int

	mu      sync.Mutex
	rows    []storedEvent
	seq     uint64
	daily   map[string]*models.DailyAggregate
	byDay   map[string]map[string]struct{} // date -> distinct users
	summary models.Summary
}

func NewRecorder(kv storage.Store, retain int) *Recorder {
	if retain <= 0 {
		retain = DefaultRetention
	}
	return &Recorder{
		kv:     kv,
		retain: retain,
		daily:  make(map[string]*models.DailyAggregate),
		byDay:  make(map[string]map[string]struct{}),
	}
}

// Load replays the persisted stream into memory. Call once at startup.
func (r *Recorder) Load(ctx context.Context) error {
	docs, err := r.kv.List(ctx, bucket)
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}
	rows := make([]storedEvent, 0, len(docs))
	for key, doc := range docs {
		var row storedEvent
		if err := json.Unmarshal(doc, &row); err != nil {
			return fmt.Errorf("decode event %s: %w", key, err)
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Seq < rows[j].Seq })

	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = rows
	if n := len(rows); n > 0 {
		r.seq = rows[n-1].Seq
	}
	if err := r.evictLocked(ctx); err != nil {
		return err
	}
	r.recomputeLocked()
	return nil
}

// Record appends one event and refreshes the aggregates.
func (r *Recorder) Record(ctx context.Context, typ models.EventType, userID string, metadata map[string]any) (models.UsageEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	row := storedEvent{
		Seq: r.seq,
		Event: models.UsageEvent{
			ID:        uuid.NewString(),
			Type:      typ,
			UserID:    userID,
			Timestamp: time.Now().UTC(),
			Metadata:  metadata,
		},
	}
	doc, err := json.Marshal(row)
	if err != nil {
		return models.UsageEvent{}, err
	}
	if err := r.kv.Put(ctx, bucket, seqKey(row.Seq), doc); err != nil {
		return models.UsageEvent{}, fmt.Errorf("persist event: %w", err)
	}
	r.rows = append(r.rows, row)
	if err := r.evictLocked(ctx); err != nil {
		return models.UsageEvent{}, err
	}
	r.recomputeLocked()
	return row.Event, nil
}

// Events returns the retained stream, oldest first.
func (r *Recorder) Events() []models.UsageEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.UsageEvent, len(r.rows))
	for i, row := range r.rows {
		out[i] = row.Event
	}
	return out
}

// Daily returns the per-day aggregates ordered by date.
func (r *Recorder) Daily() []models.DailyAggregate {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.DailyAggregate, 0, len(r.daily))
	for _, agg := range r.daily {
		out = append(out, *agg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

// Summary returns the global derived counters.
func (r *Recorder) Summary() models.Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.summary
	out.TopModels = append([]models.ModelCount(nil), r.summary.TopModels...)
	return out
}

func (r *Recorder) evictLocked(ctx context.Context) error {
	for len(r.rows) > r.retain {
		old := r.rows[0]
		if err := r.kv.Delete(ctx, bucket, seqKey(old.Seq)); err != nil {
			return fmt.Errorf("evict event %d: %w", old.Seq, err)
		}
		r.rows = r.rows[1:]
	}
	return nil
}

// recomputeLocked rebuilds every aggregate from the retained stream. Full
// recomputation keeps the view trivially consistent with replay; at the
// default retention it is cheap enough to run per append.
func (r *Recorder) recomputeLocked() {
	daily := make(map[string]*models.DailyAggregate)
	byDay := make(map[string]map[string]struct{})
	users := make(map[string]struct{})
	purchasers := make(map[string]struct{})
	modelCounts := make(map[string]int)
	totalRevenue := 0
	totalGenerated := 0

	for _, row := range r.rows {
		ev := row.Event
		date := ev.Timestamp.UTC().Format("2006-01-02")
		agg, ok := daily[date]
		if !ok {
			agg = &models.DailyAggregate{Date: date, ModelCounts: make(map[string]int)}
			daily[date] = agg
			byDay[date] = make(map[string]struct{})
		}
		if ev.UserID != "" {
			users[ev.UserID] = struct{}{}
			byDay[date][ev.UserID] = struct{}{}
		}
		switch ev.Type {
		case models.EventGenerated:
			count := metaInt(ev.Metadata, "count", 1)
			agg.Generated += count
			totalGenerated += count
			if model := metaString(ev.Metadata, "model"); model != "" {
				agg.ModelCounts[model] += count
				modelCounts[model] += count
			}
		case models.EventFailed:
			agg.Failed++
		case models.EventUsed:
			agg.CreditsUsed += metaInt(ev.Metadata, "credits", 0)
		case models.EventPurchased:
			credits := metaInt(ev.Metadata, "credits", 0)
			cents := metaInt(ev.Metadata, "amount_cents", 0)
			agg.CreditsPurchased += credits
			agg.RevenueCents += cents
			totalRevenue += cents
			if ev.UserID != "" {
				purchasers[ev.UserID] = struct{}{}
			}
		default:
			// exported / prompt_used carry no counters
		}
	}
	for date, agg := range daily {
		agg.ActiveUsers = len(byDay[date])
	}

	summary := models.Summary{
		TotalUsers:        len(users),
		Purchasers:        len(purchasers),
		TotalRevenueCents: totalRevenue,
		TotalGenerated:    totalGenerated,
		TopModels:         topModels(modelCounts, 5),
	}
	if summary.TotalUsers > 0 {
		summary.ConversionRate = float64(summary.Purchasers) / float64(summary.TotalUsers)
		summary.AvgRevenueCentsPerUser = float64(totalRevenue) / float64(summary.TotalUsers)
	}

	r.daily = daily
	r.byDay = byDay
	r.summary = summary
}

func topModels(counts map[string]int, n int) []models.ModelCount {
	out := make([]models.ModelCount, 0, len(counts))
	for model, count := range counts {
		out = append(out, models.ModelCount{Model: model, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Model < out[j].Model
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func seqKey(seq uint64) string {
	return fmt.Sprintf("%020d", seq)
}

// metaInt reads a numeric metadata value, tolerating the float64 shape
// numbers take after a JSON round trip.
func metaInt(meta map[string]any, key string, def int) int {
	v, ok := meta[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i)
		}
	}
	return def
}

func metaString(meta map[string]any, key string) string {
	if s, ok := meta[key].(string); ok {
		return s
	}
	return ""
}
