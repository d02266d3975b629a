// Package autonomy implements the governance layer that decides whether the
// agent may perform a requested action on its own. It is built from three
// pieces: a rule-based decision matrix, a quantitative risk assessment
// compared against a tolerance profile, and a facade that composes the two
// and drives the approval workflow for gated actions.
package autonomy

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
)

// Category groups the kinds of decisions the agent can make.
type Category string

const (
	CategoryContentCreation       Category = "content_creation"
	CategoryFinancial             Category = "financial"
	CategoryPlatformInteraction   Category = "platform_interaction"
	CategoryExperimentManagement  Category = "experiment_management"
	CategoryResourceAllocation    Category = "resource_allocation"
	CategoryExternalCommunication Category = "external_communication"
)

// Level is the governance verdict on a requested action.
type Level string

const (
	LevelAutonomous       Level = "autonomous"
	LevelNotify           Level = "notify"
	LevelApprovalRequired Level = "approval_required"
	LevelProhibited       Level = "prohibited"
)

// Valid reports whether l is one of the known approval levels.
func (l Level) Valid() bool {
	switch l {
	case LevelAutonomous, LevelNotify, LevelApprovalRequired, LevelProhibited:
		return true
	}
	return false
}

// Context carries the facts a rule predicate is evaluated against.
type Context map[string]any

// Operator is a predicate comparison operator.
type Operator string

const (
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
	OpIn           Operator = "in"
	OpNotIn        Operator = "not in"
	OpIsTrue       Operator = "is_true"
	OpIsFalse      Operator = "is_false"
)

// Condition is a single field comparison against the context.
// Value is unused for is_true / is_false.
type Condition struct {
	Field    string   `json:"field" yaml:"field"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    any      `json:"value,omitempty" yaml:"value,omitempty"`
}

// Predicate is one condition or a list of conditions joined by logical AND.
// An empty predicate evaluates to true.
type Predicate []Condition

// UnmarshalJSON accepts either a single condition object or a list of them.
func (p *Predicate) UnmarshalJSON(data []byte) error {
	var single Condition
	if err := json.Unmarshal(data, &single); err == nil && single.Field != "" {
		*p = Predicate{single}
		return nil
	}
	var many []Condition
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("predicate must be a condition or list of conditions: %w", err)
	}
	*p = Predicate(many)
	return nil
}

// Rule maps a predicate to the level that applies when it matches.
type Rule struct {
	If   Predicate `json:"if" yaml:"if"`
	Then Level     `json:"then" yaml:"then"`
}

// RuleSet is the decision entry for one (category, action) pair. Conditions
// are scanned in declaration order; the first match wins, otherwise Default.
type RuleSet struct {
	Default    Level  `json:"default" yaml:"default"`
	Conditions []Rule `json:"conditions" yaml:"conditions"`
}

// RuleSetUpdate carries a partial replacement for a rule set. Nil fields are
// left untouched.
type RuleSetUpdate struct {
	Default    *Level
	Conditions []Rule
}

// Matrix decides the approval level for actions based on structured rules.
// Unknown (category, action) pairs fail closed to approval_required.
type Matrix struct {
	mu     sync.RWMutex
	rules  map[Category]map[string]RuleSet
	logger *slog.Logger
}

// NewMatrix creates a matrix seeded with the default policy.
func NewMatrix(logger *slog.Logger) *Matrix {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matrix{
		rules:  defaultRules(),
		logger: logger,
	}
}

// ApprovalLevel returns the level decided by the first matching rule for the
// pair, the pair's default when no rule matches, or approval_required when
// the pair is unknown.
func (m *Matrix) ApprovalLevel(category Category, action string, ctx Context) Level {
	m.mu.RLock()
	defer m.mu.RUnlock()

	actions, ok := m.rules[category]
	if !ok {
		m.logger.Warn("Unknown decision category", "category", category)
		return LevelApprovalRequired
	}
	rs, ok := actions[action]
	if !ok {
		m.logger.Warn("Unknown action in category", "category", category, "action", action)
		return LevelApprovalRequired
	}

	for _, rule := range rs.Conditions {
		if evalPredicate(rule.If, ctx) {
			m.logger.Debug("Decision rule matched",
				"category", category,
				"action", action,
				"level", rule.Then)
			return rule.Then
		}
	}
	return rs.Default
}

// Update replaces parts of the rule set for a (category, action) pair.
// Malformed rules are dropped with a logged warning rather than rejected.
func (m *Matrix) Update(category Category, action string, update RuleSetUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.rules[category] == nil {
		m.rules[category] = make(map[string]RuleSet)
	}
	rs, ok := m.rules[category][action]
	if !ok {
		// New actions start restrictive.
		rs = RuleSet{Default: LevelApprovalRequired}
	}

	if update.Default != nil {
		if update.Default.Valid() {
			rs.Default = *update.Default
		} else {
			m.logger.Warn("Dropping invalid default level",
				"category", category, "action", action, "level", *update.Default)
		}
	}
	if update.Conditions != nil {
		valid := make([]Rule, 0, len(update.Conditions))
		for _, rule := range update.Conditions {
			if !rule.Then.Valid() {
				m.logger.Warn("Dropping rule with invalid level",
					"category", category, "action", action, "level", rule.Then)
				continue
			}
			if malformed(rule.If) {
				m.logger.Warn("Dropping malformed rule",
					"category", category, "action", action)
				continue
			}
			valid = append(valid, rule)
		}
		rs.Conditions = valid
	}

	m.rules[category][action] = rs
	m.logger.Info("Updated decision matrix", "category", category, "action", action)
}

// Replace swaps the entire rule set for a (category, action) pair.
func (m *Matrix) Replace(category Category, action string, rs RuleSet) {
	def := rs.Default
	m.Update(category, action, RuleSetUpdate{Default: &def, Conditions: rs.Conditions})
}

// Snapshot returns a deep copy of the current rules, used for inspection and
// regenerating operator documentation.
func (m *Matrix) Snapshot() map[Category]map[string]RuleSet {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[Category]map[string]RuleSet, len(m.rules))
	for cat, actions := range m.rules {
		out[cat] = make(map[string]RuleSet, len(actions))
		for action, rs := range actions {
			cp := RuleSet{Default: rs.Default, Conditions: make([]Rule, len(rs.Conditions))}
			copy(cp.Conditions, rs.Conditions)
			out[cat][action] = cp
		}
	}
	return out
}

func malformed(p Predicate) bool {
	for _, c := range p {
		if c.Field == "" || c.Operator == "" {
			return true
		}
	}
	return false
}

// evalPredicate ANDs all conditions; an empty predicate is true.
func evalPredicate(p Predicate, ctx Context) bool {
	for _, c := range p {
		if !evalCondition(c, ctx) {
			return false
		}
	}
	return true
}

// evalCondition evaluates one condition. Type mismatches make the condition
// false, never an error.
func evalCondition(c Condition, ctx Context) bool {
	val, present := ctx[c.Field]

	switch c.Operator {
	case OpIsTrue:
		return truthy(val)
	case OpIsFalse:
		return !truthy(val)
	}

	// All remaining operators need a present, non-nil context value.
	if !present || val == nil {
		return false
	}

	switch c.Operator {
	case OpEqual:
		return looseEqual(val, c.Value)
	case OpNotEqual:
		return !looseEqual(val, c.Value)
	case OpLess, OpLessEqual, OpGreater, OpGreaterEqual:
		a, aok := toFloat(val)
		b, bok := toFloat(c.Value)
		if !aok || !bok {
			return false
		}
		switch c.Operator {
		case OpLess:
			return a < b
		case OpLessEqual:
			return a <= b
		case OpGreater:
			return a > b
		default:
			return a >= b
		}
	case OpIn:
		return contains(c.Value, val)
	case OpNotIn:
		list, ok := toList(c.Value)
		if !ok {
			return false
		}
		for _, item := range list {
			if looseEqual(val, item) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func contains(listVal, needle any) bool {
	list, ok := toList(listVal)
	if !ok {
		return false
	}
	for _, item := range list {
		if looseEqual(needle, item) {
			return true
		}
	}
	return false
}

func toList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

// looseEqual compares numerically when both sides are numbers, otherwise by
// deep equality. JSON decoding turns all numbers into float64, but contexts
// built in Go code carry int and friends.
func looseEqual(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// truthy mirrors the boolean coercion rules used by predicate evaluation:
// nil is false, numbers are true when non-zero, strings and lists when
// non-empty.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	return true
}
