package autonomy

import (
	"fmt"
	"log/slog"
	"sync"
)

// RiskCategory classifies the kind of harm an action can cause.
type RiskCategory string

const (
	RiskFinancial   RiskCategory = "financial"
	RiskReputation  RiskCategory = "reputation"
	RiskOperational RiskCategory = "operational"
	RiskCompliance  RiskCategory = "compliance"
	RiskSecurity    RiskCategory = "security"
	RiskPerformance RiskCategory = "performance"
)

// RiskCategories lists every category in a stable order.
var RiskCategories = []RiskCategory{
	RiskFinancial,
	RiskReputation,
	RiskOperational,
	RiskCompliance,
	RiskSecurity,
	RiskPerformance,
}

// RiskLevel is an ordinal severity: minimal < low < medium < high < critical.
type RiskLevel string

const (
	RiskMinimal  RiskLevel = "minimal"
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

var riskRank = map[RiskLevel]int{
	RiskMinimal:  1,
	RiskLow:      2,
	RiskMedium:   3,
	RiskHigh:     4,
	RiskCritical: 5,
}

// Rank returns the ordinal value of the level, 0 for unknown levels.
func (l RiskLevel) Rank() int { return riskRank[l] }

// Assessment maps each risk category to the level an action was scored at.
type Assessment map[RiskCategory]RiskLevel

// Profile is a named ceiling per risk category above which autonomy is
// withheld.
type Profile struct {
	Name        string                     `json:"name" yaml:"name"`
	Description string                     `json:"description" yaml:"description"`
	Tolerance   map[RiskCategory]RiskLevel `json:"tolerance_levels" yaml:"tolerance_levels"`
}

// ToleranceFor returns the ceiling for a category, falling back to minimal
// for categories the profile does not name.
func (p *Profile) ToleranceFor(category RiskCategory) RiskLevel {
	if level, ok := p.Tolerance[category]; ok {
		return level
	}
	return RiskMinimal
}

// DefaultProfiles returns the three built-in tolerance profiles.
func DefaultProfiles() map[string]*Profile {
	return map[string]*Profile{
		"conservative": {
			Name:        "Conservative",
			Description: "Minimizes risk across all categories",
			Tolerance: map[RiskCategory]RiskLevel{
				RiskFinancial:   RiskLow,
				RiskReputation:  RiskLow,
				RiskOperational: RiskLow,
				RiskCompliance:  RiskMinimal,
				RiskSecurity:    RiskMinimal,
				RiskPerformance: RiskMedium,
			},
		},
		"balanced": {
			Name:        "Balanced",
			Description: "Moderate risk tolerance",
			Tolerance: map[RiskCategory]RiskLevel{
				RiskFinancial:   RiskMedium,
				RiskReputation:  RiskMedium,
				RiskOperational: RiskMedium,
				RiskCompliance:  RiskLow,
				RiskSecurity:    RiskLow,
				RiskPerformance: RiskMedium,
			},
		},
		"aggressive": {
			Name:        "Aggressive",
			Description: "High risk tolerance",
			Tolerance: map[RiskCategory]RiskLevel{
				RiskFinancial:   RiskHigh,
				RiskReputation:  RiskHigh,
				RiskOperational: RiskHigh,
				RiskCompliance:  RiskMedium,
				RiskSecurity:    RiskMedium,
				RiskPerformance: RiskHigh,
			},
		},
	}
}

// Assessor scores actions per risk category and compares the result to the
// active tolerance profile. Exactly one profile is active at a time and it
// may be switched at runtime.
type Assessor struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
	active   *Profile
	logger   *slog.Logger
}

// NewAssessor creates an assessor seeded with the built-in profiles and the
// named one active. An unknown name falls back to balanced.
func NewAssessor(profileName string, logger *slog.Logger) *Assessor {
	if logger == nil {
		logger = slog.Default()
	}
	profiles := DefaultProfiles()
	active, ok := profiles[profileName]
	if !ok {
		logger.Warn("Unknown risk profile, falling back to balanced", "profile", profileName)
		active = profiles["balanced"]
	}
	return &Assessor{
		profiles: profiles,
		active:   active,
		logger:   logger,
	}
}

// Assess scores the risk of an action from context hints. Categories with no
// hint present default to minimal. The thresholds are fixed constants.
func (a *Assessor) Assess(action string, ctx Context) Assessment {
	assessment := make(Assessment, len(RiskCategories))
	for _, cat := range RiskCategories {
		assessment[cat] = RiskMinimal
	}

	if amount, ok := toFloat(ctx["amount"]); ok {
		switch {
		case amount > 1000:
			assessment[RiskFinancial] = RiskCritical
		case amount > 500:
			assessment[RiskFinancial] = RiskHigh
		case amount > 100:
			assessment[RiskFinancial] = RiskMedium
		case amount > 10:
			assessment[RiskFinancial] = RiskLow
		}
	}
	if truthy(ctx["public"]) {
		assessment[RiskReputation] = RiskMedium
	}
	if truthy(ctx["regulated"]) {
		assessment[RiskCompliance] = RiskHigh
	}
	if truthy(ctx["sensitive_data"]) {
		assessment[RiskSecurity] = RiskHigh
	}
	if truthy(ctx["critical_system"]) {
		assessment[RiskOperational] = RiskHigh
	}
	if truthy(ctx["resource_intensive"]) {
		assessment[RiskPerformance] = RiskMedium
	}

	a.logger.Debug("Assessed risk", "action", action, "assessment", assessment)
	return assessment
}

// WithinTolerance compares an assessment against the active profile. It
// returns false with a human-readable reason on the first category whose
// level exceeds tolerance.
func (a *Assessor) WithinTolerance(assessment Assessment) (bool, string) {
	a.mu.RLock()
	profile := a.active
	a.mu.RUnlock()

	for _, cat := range RiskCategories {
		level, ok := assessment[cat]
		if !ok {
			continue
		}
		tolerance := profile.ToleranceFor(cat)
		if level.Rank() > tolerance.Rank() {
			reason := fmt.Sprintf("Risk level %s for %s exceeds tolerance level %s", level, cat, tolerance)
			a.logger.Warn("Risk exceeds tolerance", "category", cat, "level", level, "tolerance", tolerance)
			return false, reason
		}
	}
	return true, ""
}

// SetProfile switches the active tolerance profile.
func (a *Assessor) SetProfile(name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	profile, ok := a.profiles[name]
	if !ok {
		return fmt.Errorf("unknown risk profile: %s", name)
	}
	a.active = profile
	a.logger.Info("Set risk profile", "profile", name)
	return nil
}

// ActiveProfile returns the currently active profile.
func (a *Assessor) ActiveProfile() *Profile {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.active
}

// UpdateTolerance changes the ceiling for one category on the active profile.
func (a *Assessor) UpdateTolerance(category RiskCategory, level RiskLevel) error {
	if level.Rank() == 0 {
		return fmt.Errorf("unknown risk level: %s", level)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.active.Tolerance[category] = level
	a.logger.Info("Updated risk tolerance", "category", category, "level", level)
	return nil
}
