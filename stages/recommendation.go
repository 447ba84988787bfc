package stages

import (
	"cmp"
	"context"
	"slices"
	"strings"

	"github.com/petal-labs/turnflow/core"
)

// Recommendation statuses.
const (
	RecommendationOK      = "ok"
	RecommendationNoMatch = "no_match"
)

// CatalogItem is one recommendable product.
type CatalogItem struct {
	Product  core.Product      `yaml:"product" json:"product"`
	Category string            `yaml:"category" json:"category"`
	Tier     core.StrategyKind `yaml:"tier" json:"tier"`
	Keywords []string          `yaml:"keywords" json:"keywords"`
}

// DefaultCatalog is a small demo catalog.
func DefaultCatalog() []CatalogItem {
	return []CatalogItem{
		{Product: core.Product{ID: "sk-001", Name: "Gentle Foaming Cleanser", Price: 18}, Category: CategorySkincare, Tier: core.StrategyBudget, Keywords: []string{"cleanser", "oily", "acne", "pore"}},
		{Product: core.Product{ID: "sk-002", Name: "Hydra Repair Cream", Price: 64}, Category: CategorySkincare, Tier: core.StrategyPremium, Keywords: []string{"moisturizer", "dry", "cream", "wrinkle"}},
		{Product: core.Product{ID: "sk-003", Name: "Daily Mineral Sunscreen SPF 50", Price: 24}, Category: CategorySkincare, Tier: core.StrategyYouth, Keywords: []string{"sunscreen", "spf", "sensitive"}},
		{Product: core.Product{ID: "mk-001", Name: "Velvet Matte Lipstick", Price: 32}, Category: CategoryMakeup, Tier: core.StrategyPremium, Keywords: []string{"lipstick", "lip", "matte"}},
		{Product: core.Product{ID: "mk-002", Name: "Glow Tint Foundation", Price: 22}, Category: CategoryMakeup, Tier: core.StrategyYouth, Keywords: []string{"foundation", "tint", "glow"}},
		{Product: core.Product{ID: "fr-001", Name: "Santal Eau de Parfum", Price: 120}, Category: CategoryFragrance, Tier: core.StrategyPremium, Keywords: []string{"perfume", "fragrance", "scent"}},
	}
}

// Recommender scores catalog items against the turn.
type Recommender struct {
	catalog []CatalogItem
	limit   int
}

// NewRecommender creates the stage. limit <= 0 means 3.
func NewRecommender(catalog []CatalogItem, limit int) *Recommender {
	if limit <= 0 {
		limit = 3
	}
	return &Recommender{catalog: slices.Clone(catalog), limit: limit}
}

type scored struct {
	item  CatalogItem
	score int
}

// Recommend ranks the catalog for s. Keyword hits weigh most, then an
// intent category match, then a strategy tier match.
func (r *Recommender) Recommend(s *core.ThreadState) core.RecommendationResult {
	lower := strings.ToLower(s.CustomerInput)
	var ranked []scored
	for _, item := range r.catalog {
		score := 0
		for _, kw := range item.Keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				score += 3
			}
		}
		if score == 0 {
			continue
		}
		if s.Intent != nil && s.Intent.Category == item.Category {
			score += 2
		}
		if s.Strategy != nil && s.Strategy.Strategy == item.Tier {
			score++
		}
		ranked = append(ranked, scored{item, score})
	}
	slices.SortFunc(ranked, func(a, b scored) int {
		if c := cmp.Compare(b.score, a.score); c != 0 {
			return c
		}
		return cmp.Compare(a.item.Product.ID, b.item.Product.ID)
	})

	res := core.RecommendationResult{Status: RecommendationNoMatch, Products: []core.Product{}}
	for _, sc := range ranked {
		if len(res.Products) == r.limit {
			break
		}
		res.Products = append(res.Products, sc.item.Product)
	}
	if len(res.Products) > 0 {
		res.Status = RecommendationOK
	}
	return res
}

func (r *Recommender) Execute(ctx context.Context, s *core.ThreadState) (*core.ThreadState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res := r.Recommend(s)
	s.Recommendation = &res
	return s, nil
}
