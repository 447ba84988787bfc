package stages

import (
	"context"
	"regexp"

	"github.com/petal-labs/turnflow/core"
)

// Action is what a matching compliance rule does to the turn.
type Action string

const (
	ActionFlag  Action = "flag"
	ActionBlock Action = "block"
)

// Severity grades a compliance rule.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) risk() core.RiskLevel {
	switch s {
	case SeverityCritical, SeverityHigh:
		return core.RiskHigh
	case SeverityMedium:
		return core.RiskMedium
	default:
		return core.RiskLow
	}
}

// Rule is one compliance check applied to the customer input.
type Rule struct {
	ID       string
	Category string
	Pattern  *regexp.Regexp
	Action   Action
	Severity Severity
}

// BlockedMessage is returned to the customer when a rule blocks the turn.
const BlockedMessage = "I'm sorry, I can't help with that request. Our advisors can't discuss medical treatments or restricted ingredients. Is there anything else about our products I can help with?"

// DefaultRules returns the built-in compliance rule set.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID: "drug_claims", Category: "medical_claims",
			Pattern: regexp.MustCompile(`(?i)\b(cure|heal|treat|prevent|drug|medicine|therapeutic)\b`),
			Action:  ActionBlock, Severity: SeverityCritical,
		},
		{
			ID: "banned_ingredients", Category: "ingredient_safety",
			Pattern: regexp.MustCompile(`(?i)\b(mercury|lead|arsenic|formaldehyde|hydroquinone)\b`),
			Action:  ActionBlock, Severity: SeverityCritical,
		},
		{
			ID: "exaggerated_claims", Category: "advertising",
			Pattern: regexp.MustCompile(`(?i)\b(miracle|fountain of youth|anti-aging breakthrough)\b`),
			Action:  ActionFlag, Severity: SeverityHigh,
		},
		{
			ID: "personal_information", Category: "privacy",
			Pattern: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b|\b\d{16}\b|\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
			Action:  ActionFlag, Severity: SeverityHigh,
		},
		{
			ID: "medical_endorsement", Category: "medical_claims",
			Pattern: regexp.MustCompile(`(?i)\b(doctor recommend|medical grade|clinically proven|dermatologist)\b`),
			Action:  ActionFlag, Severity: SeverityHigh,
		},
		{
			ID: "spam", Category: "spam",
			Pattern: regexp.MustCompile(`(?i)(click here|visit now|limited time|act now|make money|buy now)`),
			Action:  ActionFlag, Severity: SeverityMedium,
		},
		{
			ID: "minors", Category: "age_restriction",
			Pattern: regexp.MustCompile(`(?i)\b(under 18|children|kids|baby|infant|minors)\b`),
			Action:  ActionFlag, Severity: SeverityMedium,
		},
		{
			ID: "competitor_brands", Category: "competition",
			Pattern: regexp.MustCompile(`(?i)\b(sephora|ulta|maybelline|loreal|revlon|covergirl)\b`),
			Action:  ActionFlag, Severity: SeverityLow,
		},
	}
}

// SafetyReview screens the customer input against compliance rules.
type SafetyReview struct {
	rules   []Rule
	blocked string
}

// NewSafetyReview creates the stage. With no rules, DefaultRules is used.
func NewSafetyReview(rules ...Rule) *SafetyReview {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &SafetyReview{rules: rules, blocked: BlockedMessage}
}

// Review evaluates text. Status takes the strongest action matched
// (blocked over flagged over approved); risk takes the highest severity.
func (r *SafetyReview) Review(text string) core.SafetyResult {
	res := core.SafetyResult{
		Status:     core.SafetyApproved,
		RiskLevel:  core.RiskLow,
		Violations: []core.Violation{},
	}
	for _, rule := range r.rules {
		match := rule.Pattern.FindString(text)
		if match == "" {
			continue
		}
		res.Violations = append(res.Violations, core.Violation{
			RuleID:   rule.ID,
			Category: rule.Category,
			Match:    match,
		})
		switch rule.Action {
		case ActionBlock:
			res.Status = core.SafetyBlocked
		case ActionFlag:
			if res.Status == core.SafetyApproved {
				res.Status = core.SafetyFlagged
			}
		}
		if riskRank(rule.Severity.risk()) > riskRank(res.RiskLevel) {
			res.RiskLevel = rule.Severity.risk()
		}
	}
	if res.Status == core.SafetyBlocked {
		res.UserMessage = r.blocked
	}
	return res
}

func riskRank(l core.RiskLevel) int {
	switch l {
	case core.RiskHigh:
		return 2
	case core.RiskMedium:
		return 1
	default:
		return 0
	}
}

func (r *SafetyReview) Execute(ctx context.Context, s *core.ThreadState) (*core.ThreadState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res := r.Review(s.CustomerInput)
	s.Safety = &res
	return s, nil
}
