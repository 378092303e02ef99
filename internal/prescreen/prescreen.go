// Package prescreen implements the cheap rule-based scoring pass that runs
// before model-based classification. It is deterministic and linear in
// conversation length and rule count.
package prescreen

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/MK-CO/KYXCustomer/internal/domain"
)

const (
	keywordHitWeight = 0.1
	patternHitWeight = 0.2
)

type compiledCategory struct {
	domain.Category
	patterns   []*regexp.Regexp
	exclusions []*regexp.Regexp
}

// Engine holds the compiled form of one rule-set snapshot. Build it once
// per run and share it across workers; Scan has no side effects.
type Engine struct {
	categories         []compiledCategory
	scoreMode          string
	suspicionThreshold float64
}

// NewEngine compiles the enabled categories of a rule-set snapshot.
func NewEngine(rs domain.RuleSet) (*Engine, error) {
	e := &Engine{
		scoreMode:          rs.ScoreMode,
		suspicionThreshold: rs.SuspicionThreshold,
	}
	if e.scoreMode == "" {
		e.scoreMode = domain.ScoreModeMax
	}
	for _, cat := range rs.EnabledCategories() {
		cc := compiledCategory{Category: cat}
		for _, p := range cat.Patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("category %q: compile pattern %q: %w", cat.Key, p, err)
			}
			cc.patterns = append(cc.patterns, re)
		}
		for _, p := range cat.Exclusions {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("category %q: compile exclusion %q: %w", cat.Key, p, err)
			}
			cc.exclusions = append(cc.exclusions, re)
		}
		e.categories = append(e.categories, cc)
	}
	return e, nil
}

// Scan scores the agent-authored side of a denoised conversation against
// every enabled category. Exclusions veto hits within the same message,
// so "需要时间" followed by a concrete time bound in the same reply does
// not count against the agent.
func (e *Engine) Scan(conv domain.Conversation) domain.PrescreenResult {
	result := domain.PrescreenResult{
		MatchedDetail: make(map[string]domain.CategoryMatch),
	}

	messages := agentMessages(conv)

	for _, cat := range e.categories {
		match := e.scanCategory(cat, messages)
		if len(match.Keywords) == 0 && len(match.Patterns) == 0 {
			if match.Excluded {
				// Keep vetoed matches visible for diagnostics.
				result.MatchedDetail[cat.Key+"(excluded)"] = match
			}
			continue
		}
		result.MatchedCategories = append(result.MatchedCategories, cat.Key)
		result.MatchedDetail[cat.Key] = match

		switch e.scoreMode {
		case domain.ScoreModeSum:
			result.SuspicionScore += match.Score
		default:
			if cat.Weight > result.SuspicionScore {
				result.SuspicionScore = cat.Weight
			}
		}
	}

	result.IsSuspicious = len(result.MatchedCategories) > 0 &&
		result.SuspicionScore > e.suspicionThreshold
	return result
}

func (e *Engine) scanCategory(cat compiledCategory, messages []string) domain.CategoryMatch {
	match := domain.CategoryMatch{RiskLevel: cat.RiskLevel}
	raw := 0.0
	anyExcluded := false

	for _, text := range messages {
		if excluded(cat.exclusions, text) {
			anyExcluded = true
			continue
		}
		for _, kw := range cat.Keywords {
			if kw != "" && strings.Contains(text, kw) {
				match.Keywords = appendUnique(match.Keywords, kw)
				raw += keywordHitWeight
			}
		}
		for i, re := range cat.patterns {
			if re.MatchString(text) {
				match.Patterns = appendUnique(match.Patterns, cat.Patterns[i])
				raw += patternHitWeight
			}
		}
	}

	match.Excluded = anyExcluded && len(match.Keywords) == 0 && len(match.Patterns) == 0
	match.Score = raw * cat.Weight
	return match
}

func excluded(exclusions []*regexp.Regexp, text string) bool {
	for _, re := range exclusions {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func agentMessages(conv domain.Conversation) []string {
	var out []string
	for _, m := range conv.Messages {
		if m.Role == domain.RoleAgent {
			out = append(out, m.Content)
		}
	}
	return out
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
