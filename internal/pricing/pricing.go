// Package pricing holds the static catalog: credit cost per generation
// model and the purchasable tiers. The built-in catalog can be overridden
// by a YAML file for price changes without a rebuild.
package pricing

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/blaketurner-numberedge/ai-content-studio/internal/models"
)

// DefaultCost applies to model ids absent from the catalog. Documented
// fallback, not an error.
const DefaultCost = 1

// DefaultModel is used when a generation request names no model.
const DefaultModel = "dall-e-3"

// Table is a pure lookup; it never mutates after construction.
type Table struct {
	costs       map[string]int
	tiers       []models.PricingTier
	defaultCost int
}

// Default returns the built-in catalog.
func Default() *Table {
	return &Table{
		costs: map[string]int{
			"dall-e-2":    1,
			"dall-e-3":    2,
			"gpt-image-1": 3,
		},
		tiers: []models.PricingTier{
			{ID: "basic", Name: "Basic", Credits: 20, PriceCents: 900, Description: "20 credits for casual use"},
			{ID: "pro", Name: "Pro", Credits: 50, PriceCents: 2000, Description: "50 credits for regular creators"},
			{ID: "studio", Name: "Studio", Credits: 120, PriceCents: 4200, Description: "120 credits for heavy workloads"},
		},
		defaultCost: DefaultCost,
	}
}

type catalogFile struct {
	DefaultCost *int                 `yaml:"default_cost"`
	ModelCosts  map[string]int       `yaml:"model_costs"`
	Tiers       []models.PricingTier `yaml:"tiers"`
}

// Load reads a YAML catalog, overlaying it on the built-in defaults.
// Model costs merge; a non-empty tier list replaces the default tiers.
func Load(path string) (*Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing catalog: %w", err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse pricing catalog: %w", err)
	}
	t := Default()
	if file.DefaultCost != nil {
		t.defaultCost = *file.DefaultCost
	}
	for model, cost := range file.ModelCosts {
		if cost < 0 {
			return nil, fmt.Errorf("pricing catalog: model %q has negative cost", model)
		}
		t.costs[model] = cost
	}
	if len(file.Tiers) > 0 {
		for _, tier := range file.Tiers {
			if tier.ID == "" || tier.Credits <= 0 || tier.PriceCents <= 0 {
				return nil, fmt.Errorf("pricing catalog: invalid tier %+v", tier)
			}
		}
		t.tiers = file.Tiers
	}
	return t, nil
}

// CostOf returns the per-unit credit cost for a model.
func (t *Table) CostOf(modelID string) int {
	if cost, ok := t.costs[modelID]; ok {
		return cost
	}
	return t.defaultCost
}

// Costs returns a copy of the model cost map.
func (t *Table) Costs() map[string]int {
	out := make(map[string]int, len(t.costs))
	for model, cost := range t.costs {
		out[model] = cost
	}
	return out
}

// Tiers returns the catalog ordered by price.
func (t *Table) Tiers() []models.PricingTier {
	out := make([]models.PricingTier, len(t.tiers))
	copy(out, t.tiers)
	sort.Slice(out, func(i, j int) bool { return out[i].PriceCents < out[j].PriceCents })
	return out
}

// TierByID looks up a purchasable tier.
func (t *Table) TierByID(id string) (models.PricingTier, bool) {
	for _, tier := range t.tiers {
		if tier.ID == id {
			return tier, true
		}
	}
	return models.PricingTier{}, false
}
