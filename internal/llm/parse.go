package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MK-CO/KYXCustomer/internal/domain"
)

// classifiedPayload mirrors the JSON object the prompt demands. Required
// fields are pointers so an absent key can be told apart from a zero value.
// Some gateways return "confidence_score" instead of "confidence"; both are
// accepted.
type classifiedPayload struct {
	HasEvasion             *bool    `json:"has_evasion"`
	RiskLevel              *string  `json:"risk_level"`
	Confidence             *float64 `json:"confidence"`
	ConfidenceScore        *float64 `json:"confidence_score"`
	EvasionTypes           []string `json:"evasion_types"`
	EvidenceSentences      []string `json:"evidence_sentences"`
	ImprovementSuggestions []string `json:"improvement_suggestions"`
	Sentiment              string   `json:"sentiment"`
	SentimentIntensity     float64  `json:"sentiment_intensity"`
}

// ParseResponse decodes a model reply into a ClassificationResult. Markdown
// code fences around the JSON are tolerated; anything else malformed is an
// error the caller downgrades to a low-confidence result.
func ParseResponse(raw string) (domain.ClassificationResult, error) {
	cleaned := stripCodeFence(raw)
	if cleaned == "" {
		return domain.ClassificationResult{}, fmt.Errorf("empty response")
	}

	var payload classifiedPayload
	if err := json.Unmarshal([]byte(cleaned), &payload); err != nil {
		return domain.ClassificationResult{}, fmt.Errorf("decode response: %w", err)
	}

	if payload.HasEvasion == nil {
		return domain.ClassificationResult{}, fmt.Errorf("missing field has_evasion")
	}
	if payload.RiskLevel == nil {
		return domain.ClassificationResult{}, fmt.Errorf("missing field risk_level")
	}
	confidence := payload.Confidence
	if confidence == nil {
		confidence = payload.ConfidenceScore
	}
	if confidence == nil {
		return domain.ClassificationResult{}, fmt.Errorf("missing field confidence")
	}

	risk, err := normalizeRisk(*payload.RiskLevel)
	if err != nil {
		return domain.ClassificationResult{}, err
	}

	return domain.ClassificationResult{
		HasEvasion:             *payload.HasEvasion,
		RiskLevel:              risk,
		Confidence:             clamp01(*confidence),
		EvasionTypes:           payload.EvasionTypes,
		EvidenceSentences:      payload.EvidenceSentences,
		ImprovementSuggestions: payload.ImprovementSuggestions,
		Sentiment:              normalizeSentiment(payload.Sentiment),
		SentimentIntensity:     clamp01(payload.SentimentIntensity),
	}, nil
}

// stripCodeFence unwraps ```json ... ``` or bare ``` fences and falls back
// to the outermost brace pair when the model wraps the object in prose.
func stripCodeFence(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		return strings.TrimSpace(s)
	}
	if !strings.HasPrefix(s, "{") {
		start := strings.Index(s, "{")
		end := strings.LastIndex(s, "}")
		if start >= 0 && end > start {
			return s[start : end+1]
		}
	}
	return s
}

func normalizeRisk(s string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case domain.RiskLow:
		return domain.RiskLow, nil
	case domain.RiskMedium:
		return domain.RiskMedium, nil
	case domain.RiskHigh:
		return domain.RiskHigh, nil
	default:
		return "", fmt.Errorf("invalid risk_level %q", s)
	}
}

func normalizeSentiment(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "positive", "negative", "neutral":
		return strings.ToLower(strings.TrimSpace(s))
	default:
		return "neutral"
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
