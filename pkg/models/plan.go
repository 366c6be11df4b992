package models

import "fmt"

// Plan represents a user's subscription tier.
type Plan string

const (
	PlanFree    Plan = "free"
	PlanCreator Plan = "creator"
	PlanPro     Plan = "pro"
	PlanTeam    Plan = "team"
)

// IsValid checks if the plan is a known tier.
func (p Plan) IsValid() bool {
	switch p {
	case PlanFree, PlanCreator, PlanPro, PlanTeam:
		return true
	}
	return false
}

// ParsePlan parses a plan string. Empty input defaults to the free tier.
func ParsePlan(s string) (Plan, error) {
	if s == "" {
		return PlanFree, nil
	}
	p := Plan(s)
	if !p.IsValid() {
		return "", fmt.Errorf("unknown plan %q", s)
	}
	return p, nil
}

// PlanLimits describes the quota envelope of a plan.
type PlanLimits struct {
	// MaxStorageBytes caps the sum of all bundle assets owned by the user.
	MaxStorageBytes int64 `json:"maxStorageBytes"`

	// MaxBundleBytes caps a single uploaded bundle.
	MaxBundleBytes int64 `json:"maxBundleBytes"`

	// MaxRuns is the monthly run quota.
	MaxRuns int `json:"maxRuns"`

	// MaxRecipes caps recipes per capsule (shared across plans).
	MaxRecipes int `json:"maxRecipes"`
}

var planLimits = map[Plan]PlanLimits{
	PlanFree:    {MaxStorageBytes: 200 << 20, MaxBundleBytes: 20 << 20, MaxRuns: 5000, MaxRecipes: 100},
	PlanCreator: {MaxStorageBytes: 2 << 30, MaxBundleBytes: 50 << 20, MaxRuns: 50000, MaxRecipes: 100},
	PlanPro:     {MaxStorageBytes: 10 << 30, MaxBundleBytes: 100 << 20, MaxRuns: 250000, MaxRecipes: 100},
	PlanTeam:    {MaxStorageBytes: 50 << 30, MaxBundleBytes: 200 << 20, MaxRuns: 1000000, MaxRecipes: 100},
}

// Limits returns the quota envelope for the plan. Unknown plans fall back
// to the free tier so a corrupt row never grants unlimited quota.
func (p Plan) Limits() PlanLimits {
	if l, ok := planLimits[p]; ok {
		return l
	}
	return planLimits[PlanFree]
}

// RankBoost returns the for-you ranking prior attached to the plan.
func (p Plan) RankBoost() float64 {
	switch p {
	case PlanPro, PlanTeam:
		return 1.15
	case PlanCreator:
		return 1.05
	default:
		return 1.0
	}
}
