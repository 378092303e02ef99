package denoise

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/MK-CO/KYXCustomer/internal/domain"
)

const maxRemovedSamples = 10

// systemKeywordCoverage is the fraction of a message that must consist of
// flagged system vocabulary before the message is dropped. Merely containing
// a system keyword inside otherwise meaningful text is not enough.
const systemKeywordCoverage = 0.5

type compiledRule struct {
	name string
	re   *regexp.Regexp
}

// Filter strips system-generated and degenerate messages from a raw
// conversation. It is pure and order-preserving: surviving messages keep
// their original relative order, and the filter never mutates rule state.
type Filter struct {
	normalOps      []compiledRule
	invalidData    []compiledRule
	systemKeywords []string
}

// NewFilter compiles the denoise tiers of a rule-set snapshot. Compilation
// happens once per run; a bad pattern fails the run up front rather than
// silently skipping rules.
func NewFilter(rules domain.DenoiseRules) (*Filter, error) {
	f := &Filter{systemKeywords: rules.SystemKeywords}
	for _, r := range rules.NormalOperation {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compile normal-operation rule %q: %w", r.Name, err)
		}
		f.normalOps = append(f.normalOps, compiledRule{name: r.Name, re: re})
	}
	for _, r := range rules.InvalidData {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compile invalid-data rule %q: %w", r.Name, err)
		}
		f.invalidData = append(f.invalidData, compiledRule{name: r.Name, re: re})
	}
	return f, nil
}

// Apply filters one conversation and reports per-rule removal statistics.
// filtered + removed always equals the original message count.
func (f *Filter) Apply(conv domain.Conversation) (domain.Conversation, domain.DenoiseResult) {
	result := domain.DenoiseResult{
		OriginalCount: len(conv.Messages),
		Reasons:       make(map[string]int),
	}

	clean := domain.Conversation{WorkID: conv.WorkID}
	for i, msg := range conv.Messages {
		reason, drop := f.shouldDrop(msg)
		if !drop {
			clean.Messages = append(clean.Messages, msg)
			continue
		}
		result.Reasons[reason]++
		if len(result.RemovedSamples) < maxRemovedSamples {
			result.RemovedSamples = append(result.RemovedSamples, domain.RemovedMessage{
				Index:   i,
				Content: msg.Content,
				Reason:  reason,
			})
		}
	}

	result.FilteredCount = len(clean.Messages)
	result.RemovedCount = result.OriginalCount - result.FilteredCount
	if result.OriginalCount > 0 {
		result.FilterRate = float64(result.RemovedCount) / float64(result.OriginalCount) * 100
	}
	return clean, result
}

// shouldDrop applies the tiers in precedence order: normal-operation
// patterns, invalid-data heuristics, then system-keyword predominance.
func (f *Filter) shouldDrop(msg domain.Message) (string, bool) {
	content := strings.TrimSpace(msg.Content)

	if msg.Role == domain.RoleSystem {
		return "system speaker", true
	}
	if content == "" {
		return "empty content", true
	}

	for _, rule := range f.normalOps {
		if rule.re.MatchString(content) {
			return rule.name, true
		}
	}

	if reason, ok := f.isInvalidData(content); ok {
		return reason, true
	}

	if f.isPredominantlySystem(content) {
		return "system keyword content", true
	}

	return "", false
}

func (f *Filter) isInvalidData(content string) (string, bool) {
	runes := []rune(content)

	if isRepeatedRune(runes) {
		return "repeated character", true
	}
	if len(runes) <= 5 && isDigitsAndSpace(runes) {
		return "short numeric content", true
	}
	if len(runes) <= 10 && isSymbolsOnly(runes) {
		return "symbols only", true
	}
	if len(runes) <= 3 && isASCIILetters(runes) {
		return "short latin fragment", true
	}
	// Short content with no CJK is unlikely to carry meaning.
	if len(runes) <= 2 && !containsCJK(runes) {
		return "too short", true
	}

	for _, rule := range f.invalidData {
		if rule.re.MatchString(content) {
			return rule.name, true
		}
	}
	return "", false
}

// isPredominantlySystem reports whether flagged system vocabulary covers
// most of the message. Coverage is measured in runes over all keyword
// occurrences so that a notice like "【完结】关闭工单" is dropped while a
// sentence that merely mentions 系统 survives.
func (f *Filter) isPredominantlySystem(content string) bool {
	if len(f.systemKeywords) == 0 {
		return false
	}
	total := len([]rune(content))
	if total == 0 {
		return false
	}
	covered := 0
	for _, kw := range f.systemKeywords {
		if kw == "" {
			continue
		}
		covered += strings.Count(content, kw) * len([]rune(kw))
	}
	return float64(covered)/float64(total) >= systemKeywordCoverage
}

func isRepeatedRune(runes []rune) bool {
	if len(runes) < 3 {
		return false
	}
	for _, r := range runes[1:] {
		if r != runes[0] {
			return false
		}
	}
	return true
}

func isDigitsAndSpace(runes []rune) bool {
	seenDigit := false
	for _, r := range runes {
		if unicode.IsDigit(r) {
			seenDigit = true
			continue
		}
		if !unicode.IsSpace(r) {
			return false
		}
	}
	return seenDigit
}

func isSymbolsOnly(runes []rune) bool {
	for _, r := range runes {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	return len(runes) > 0
}

func isASCIILetters(runes []rune) bool {
	for _, r := range runes {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')) {
			return false
		}
	}
	return len(runes) > 0
}

func containsCJK(runes []rune) bool {
	for _, r := range runes {
		if unicode.Is(unicode.Han, r) {
			return true
		}
	}
	return false
}
