package domain

// Risk levels shared by rule categories and classification results.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// Suspicion score aggregation policies for the prescreen engine.
const (
	ScoreModeMax = "max"
	ScoreModeSum = "sum"
)

// Category is one weighted evasion category: literal keywords, regex
// patterns, and exclusion patterns that veto a would-be match.
type Category struct {
	Key        string
	Weight     float64
	RiskLevel  string
	Enabled    bool
	Keywords   []string
	Patterns   []string
	Exclusions []string
}

// PatternRule is a named denoise regex.
type PatternRule struct {
	Name    string
	Pattern string
}

// DenoiseRules groups the three denoise tiers in precedence order.
type DenoiseRules struct {
	NormalOperation []PatternRule
	InvalidData     []PatternRule
	SystemKeywords  []string
}

// RuleSet is the immutable per-run snapshot of all configured rules.
// It is loaded once at run start and passed explicitly through every
// stage; mid-run mutation is not supported.
type RuleSet struct {
	Categories         []Category
	Denoise            DenoiseRules
	ScoreMode          string  // ScoreModeMax or ScoreModeSum
	SuspicionThreshold float64 // minimum aggregate score to flag as suspicious
}

// EnabledCategories filters out disabled categories.
func (rs RuleSet) EnabledCategories() []Category {
	out := make([]Category, 0, len(rs.Categories))
	for _, c := range rs.Categories {
		if c.Enabled {
			out = append(out, c)
		}
	}
	return out
}

// Empty reports whether the rule set has no usable analysis categories.
// An empty rule set is a fatal configuration error at run start.
func (rs RuleSet) Empty() bool {
	return len(rs.EnabledCategories()) == 0
}
