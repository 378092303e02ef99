package domain

import "time"

// RemovedMessage is one denoised-out message kept for diagnostics.
type RemovedMessage struct {
	Index   int
	Content string
	Reason  string
}

// DenoiseResult is the statistics bundle produced alongside a denoised
// conversation. filtered + removed always equals original.
type DenoiseResult struct {
	OriginalCount  int
	FilteredCount  int
	RemovedCount   int
	FilterRate     float64        // percentage of messages removed
	Reasons        map[string]int // rule name -> removal count
	RemovedSamples []RemovedMessage
}

// CategoryMatch records what an individual category matched during
// prescreening.
type CategoryMatch struct {
	Keywords  []string
	Patterns  []string
	Score     float64
	RiskLevel string
	Excluded  bool
}

// PrescreenResult is a pure function of the denoised conversation and
// the active rule set.
type PrescreenResult struct {
	SuspicionScore    float64
	MatchedCategories []string
	MatchedDetail     map[string]CategoryMatch
	IsSuspicious      bool
}

// ClassificationResult is the normalized output of the model stage. A
// parse failure or gated skip still yields a well-formed result with
// Note set; the stage never raises for malformed collaborator output.
type ClassificationResult struct {
	HasEvasion             bool
	RiskLevel              string
	Confidence             float64
	EvasionTypes           []string
	EvidenceSentences      []string
	Sentiment              string
	SentimentIntensity     float64
	ImprovementSuggestions []string
	RawResponse            string
	Note                   string
	LLMInvoked             bool
	Provider               string
	Model                  string
	TokensUsed             int64
}

// WorkUnitOutcome is the one-per-work-order analysis record. Re-analysis
// overwrites the prior outcome for the same work id, never duplicates.
type WorkUnitOutcome struct {
	WorkID           int64
	OrderID          int64
	OrderNo          string
	SessionStart     time.Time
	SessionEnd       time.Time
	TotalComments    int
	CustomerComments int
	AgentComments    int
	ConversationText string
	Denoise          DenoiseResult
	Prescreen        PrescreenResult
	Classification   ClassificationResult
	AnalyzedAt       time.Time
}
