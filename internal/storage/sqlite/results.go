package sqlite

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/MK-CO/KYXCustomer/internal/domain"
)

// UpsertOutcome stores one analysis outcome keyed by work id. Re-analysis
// of the same work order overwrites the previous row in place.
func UpsertOutcome(db *sql.DB, o domain.WorkUnitOutcome) error {
	denoiseDetail, err := json.Marshal(o.Denoise)
	if err != nil {
		return err
	}
	prescreenDetail, err := json.Marshal(o.Prescreen)
	if err != nil {
		return err
	}
	c := o.Classification
	analyzedAt := o.AnalyzedAt
	if analyzedAt.IsZero() {
		analyzedAt = time.Now()
	}

	_, err = db.Exec(
		`INSERT INTO analysis_results (
			work_id, order_id, order_no, session_start, session_end,
			total_comments, customer_comments, agent_comments, conversation_text,
			denoise_detail, prescreen_detail, suspicion_score, is_suspicious,
			has_evasion, risk_level, confidence, evasion_types, evidence_sentences,
			improvement_suggestions, sentiment, sentiment_intensity,
			llm_invoked, llm_provider, llm_model, tokens_used, raw_response, note, analyzed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(work_id) DO UPDATE SET
			order_id = excluded.order_id,
			order_no = excluded.order_no,
			session_start = excluded.session_start,
			session_end = excluded.session_end,
			total_comments = excluded.total_comments,
			customer_comments = excluded.customer_comments,
			agent_comments = excluded.agent_comments,
			conversation_text = excluded.conversation_text,
			denoise_detail = excluded.denoise_detail,
			prescreen_detail = excluded.prescreen_detail,
			suspicion_score = excluded.suspicion_score,
			is_suspicious = excluded.is_suspicious,
			has_evasion = excluded.has_evasion,
			risk_level = excluded.risk_level,
			confidence = excluded.confidence,
			evasion_types = excluded.evasion_types,
			evidence_sentences = excluded.evidence_sentences,
			improvement_suggestions = excluded.improvement_suggestions,
			sentiment = excluded.sentiment,
			sentiment_intensity = excluded.sentiment_intensity,
			llm_invoked = excluded.llm_invoked,
			llm_provider = excluded.llm_provider,
			llm_model = excluded.llm_model,
			tokens_used = excluded.tokens_used,
			raw_response = excluded.raw_response,
			note = excluded.note,
			analyzed_at = excluded.analyzed_at`,
		o.WorkID, o.OrderID, o.OrderNo, nullTime(o.SessionStart), nullTime(o.SessionEnd),
		o.TotalComments, o.CustomerComments, o.AgentComments, o.ConversationText,
		string(denoiseDetail), string(prescreenDetail), o.Prescreen.SuspicionScore, boolToInt(o.Prescreen.IsSuspicious),
		boolToInt(c.HasEvasion), c.RiskLevel, c.Confidence, marshalStrings(c.EvasionTypes), marshalStrings(c.EvidenceSentences),
		marshalStrings(c.ImprovementSuggestions), c.Sentiment, c.SentimentIntensity,
		boolToInt(c.LLMInvoked), c.Provider, c.Model, c.TokensUsed, c.RawResponse, c.Note, analyzedAt,
	)
	return err
}

// HasOutcome reports whether an analysis row already exists for a work id.
func HasOutcome(db *sql.DB, workID int64) (bool, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM analysis_results WHERE work_id = ?`, workID).Scan(&n)
	return n > 0, err
}

// GetOutcome loads one stored analysis outcome.
func GetOutcome(db *sql.DB, workID int64) (domain.WorkUnitOutcome, error) {
	var o domain.WorkUnitOutcome
	var denoiseDetail, prescreenDetail string
	var evasionTypes, evidence, suggestions string
	var sessionStart, sessionEnd sql.NullTime
	var isSuspicious, hasEvasion, llmInvoked int

	err := db.QueryRow(
		`SELECT work_id, order_id, order_no, session_start, session_end,
			total_comments, customer_comments, agent_comments, conversation_text,
			denoise_detail, prescreen_detail, is_suspicious,
			has_evasion, risk_level, confidence, evasion_types, evidence_sentences,
			improvement_suggestions, sentiment, sentiment_intensity,
			llm_invoked, llm_provider, llm_model, tokens_used, raw_response, note, analyzed_at
		 FROM analysis_results WHERE work_id = ?`, workID,
	).Scan(
		&o.WorkID, &o.OrderID, &o.OrderNo, &sessionStart, &sessionEnd,
		&o.TotalComments, &o.CustomerComments, &o.AgentComments, &o.ConversationText,
		&denoiseDetail, &prescreenDetail, &isSuspicious,
		&hasEvasion, &o.Classification.RiskLevel, &o.Classification.Confidence,
		&evasionTypes, &evidence, &suggestions,
		&o.Classification.Sentiment, &o.Classification.SentimentIntensity,
		&llmInvoked, &o.Classification.Provider, &o.Classification.Model,
		&o.Classification.TokensUsed, &o.Classification.RawResponse, &o.Classification.Note, &o.AnalyzedAt,
	)
	if err != nil {
		return domain.WorkUnitOutcome{}, err
	}
	if sessionStart.Valid {
		o.SessionStart = sessionStart.Time
	}
	if sessionEnd.Valid {
		o.SessionEnd = sessionEnd.Time
	}
	_ = json.Unmarshal([]byte(denoiseDetail), &o.Denoise)
	_ = json.Unmarshal([]byte(prescreenDetail), &o.Prescreen)
	o.Prescreen.IsSuspicious = isSuspicious != 0
	o.Classification.HasEvasion = hasEvasion != 0
	o.Classification.LLMInvoked = llmInvoked != 0
	_ = json.Unmarshal([]byte(evasionTypes), &o.Classification.EvasionTypes)
	_ = json.Unmarshal([]byte(evidence), &o.Classification.EvidenceSentences)
	_ = json.Unmarshal([]byte(suggestions), &o.Classification.ImprovementSuggestions)
	return o, nil
}

// InsertDenoiseBatch records per-unit denoise statistics for one run.
func InsertDenoiseBatch(db *sql.DB, taskID string, workID int64, d domain.DenoiseResult) error {
	reasons, err := json.Marshal(d.Reasons)
	if err != nil {
		return err
	}
	_, err = db.Exec(
		`INSERT INTO denoise_batches (task_id, work_id, original_count, filtered_count, removed_count, filter_rate, reasons)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		taskID, workID, d.OriginalCount, d.FilteredCount, d.RemovedCount, d.FilterRate, string(reasons),
	)
	return err
}

// CleanupOldResults deletes analysis rows, denoise batch stats, and
// finished task executions older than the cutoff. Returns rows removed
// from analysis_results.
func CleanupOldResults(db *sql.DB, cutoff time.Time) (int64, error) {
	res, err := db.Exec(`DELETE FROM analysis_results WHERE analyzed_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	removed, _ := res.RowsAffected()
	if _, err := db.Exec(`DELETE FROM denoise_batches WHERE created_at < ?`, cutoff); err != nil {
		return removed, err
	}
	if _, err := db.Exec(
		`DELETE FROM task_executions WHERE start_time < ? AND status != ?`, cutoff, domain.RunStatusRunning,
	); err != nil {
		return removed, err
	}
	return removed, nil
}

func marshalStrings(s []string) string {
	if s == nil {
		s = []string{}
	}
	data, err := json.Marshal(s)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
