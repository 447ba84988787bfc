package stages

import (
	"context"
	"strings"

	"github.com/petal-labs/turnflow/core"
)

// Intent labels, from strongest purchase signal to weakest.
const (
	IntentReadyToBuy = "ready_to_buy"
	IntentComparing  = "comparing"
	IntentInterested = "interested"
	IntentBrowsing   = "browsing"
)

// Product categories recognized by the intent classifier.
const (
	CategorySkincare  = "skincare"
	CategoryMakeup    = "makeup"
	CategoryFragrance = "fragrance"
	CategoryGeneral   = "general"
)

type keywordClass struct {
	label string
	cues  []string
}

var intentClasses = []keywordClass{
	{IntentReadyToBuy, []string{"buy", "purchase", "order", "checkout", "add to cart", "how much", "price"}},
	{IntentComparing, []string{"compare", "versus", " vs ", "difference", "better than", "which one"}},
	{IntentInterested, []string{"recommend", "suggest", "looking for", "need", "want", "help me"}},
}

var categoryClasses = []keywordClass{
	{CategorySkincare, []string{"skin", "cleanser", "moistur", "serum", "toner", "sunscreen", "acne", "oily", "dry", "wrinkle", "pore"}},
	{CategoryMakeup, []string{"makeup", "lipstick", "foundation", "mascara", "eyeliner", "blush", "concealer", "eyeshadow"}},
	{CategoryFragrance, []string{"perfume", "fragrance", "scent", "cologne"}},
}

// IntentClassifier labels purchase intent and product category by keyword.
type IntentClassifier struct{}

// NewIntentClassifier creates the stage.
func NewIntentClassifier() *IntentClassifier {
	return &IntentClassifier{}
}

func firstMatch(text string, classes []keywordClass) (string, bool) {
	for _, c := range classes {
		for _, cue := range c.cues {
			if strings.Contains(text, cue) {
				return c.label, true
			}
		}
	}
	return "", false
}

// Classify labels text. Confidence is higher when both the intent and the
// category were recognized.
func (IntentClassifier) Classify(text string) core.IntentResult {
	lower := " " + strings.ToLower(text) + " "
	res := core.IntentResult{Label: IntentBrowsing, Category: CategoryGeneral, Confidence: 0.5}
	if label, ok := firstMatch(lower, intentClasses); ok {
		res.Label = label
		res.Confidence += 0.2
	}
	if category, ok := firstMatch(lower, categoryClasses); ok {
		res.Category = category
		res.Confidence += 0.2
	}
	return res
}

func (c IntentClassifier) Execute(ctx context.Context, s *core.ThreadState) (*core.ThreadState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res := c.Classify(s.CustomerInput)
	s.Intent = &res
	return s, nil
}
