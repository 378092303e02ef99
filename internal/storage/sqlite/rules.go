package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/MK-CO/KYXCustomer/internal/domain"
)

// Denoise pattern kinds as stored in denoise_patterns.kind.
const (
	denoiseKindNormalOperation = "normal_operation"
	denoiseKindInvalidData     = "invalid_data"
	denoiseKindSystemKeyword   = "system_keyword"
)

// Rule setting keys.
const (
	settingScoreMode          = "score_mode"
	settingSuspicionThreshold = "suspicion_threshold"
)

// SaveRuleSet replaces the persisted rule set wholesale. The rule tables
// are the source of truth after first seed; editing them and re-running
// picks up the new rules without a redeploy.
func SaveRuleSet(db *sql.DB, rs domain.RuleSet) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM keyword_categories`); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM denoise_patterns`); err != nil {
		return err
	}

	for _, c := range rs.Categories {
		keywords, err := json.Marshal(c.Keywords)
		if err != nil {
			return err
		}
		patterns, err := json.Marshal(c.Patterns)
		if err != nil {
			return err
		}
		exclusions, err := json.Marshal(c.Exclusions)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(
			`INSERT INTO keyword_categories (key, weight, risk_level, enabled, keywords, patterns, exclusions)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			c.Key, c.Weight, c.RiskLevel, boolToInt(c.Enabled), string(keywords), string(patterns), string(exclusions),
		); err != nil {
			return fmt.Errorf("save category %s: %w", c.Key, err)
		}
	}

	insertPattern := func(kind, name, pattern string) error {
		_, err := tx.Exec(
			`INSERT INTO denoise_patterns (kind, name, pattern) VALUES (?, ?, ?)`,
			kind, name, pattern,
		)
		return err
	}
	for _, p := range rs.Denoise.NormalOperation {
		if err := insertPattern(denoiseKindNormalOperation, p.Name, p.Pattern); err != nil {
			return err
		}
	}
	for _, p := range rs.Denoise.InvalidData {
		if err := insertPattern(denoiseKindInvalidData, p.Name, p.Pattern); err != nil {
			return err
		}
	}
	for _, kw := range rs.Denoise.SystemKeywords {
		if err := insertPattern(denoiseKindSystemKeyword, "", kw); err != nil {
			return err
		}
	}

	setSetting := func(key, value string) error {
		_, err := tx.Exec(
			`INSERT INTO rule_settings (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			key, value,
		)
		return err
	}
	if err := setSetting(settingScoreMode, rs.ScoreMode); err != nil {
		return err
	}
	if err := setSetting(settingSuspicionThreshold, strconv.FormatFloat(rs.SuspicionThreshold, 'f', -1, 64)); err != nil {
		return err
	}

	return tx.Commit()
}

// LoadRuleSet reads the persisted rule set. When no categories exist yet
// the given defaults are seeded first and returned.
func LoadRuleSet(db *sql.DB, defaults domain.RuleSet) (domain.RuleSet, error) {
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM keyword_categories`).Scan(&n); err != nil {
		return domain.RuleSet{}, err
	}
	if n == 0 {
		if err := SaveRuleSet(db, defaults); err != nil {
			return domain.RuleSet{}, fmt.Errorf("seed default rules: %w", err)
		}
		return defaults, nil
	}

	rs := domain.RuleSet{
		ScoreMode:          defaults.ScoreMode,
		SuspicionThreshold: defaults.SuspicionThreshold,
	}

	rows, err := db.Query(
		`SELECT key, weight, risk_level, enabled, keywords, patterns, exclusions
		 FROM keyword_categories ORDER BY id`,
	)
	if err != nil {
		return domain.RuleSet{}, err
	}
	for rows.Next() {
		var c domain.Category
		var enabled int
		var keywords, patterns, exclusions string
		if err := rows.Scan(&c.Key, &c.Weight, &c.RiskLevel, &enabled, &keywords, &patterns, &exclusions); err != nil {
			rows.Close()
			return domain.RuleSet{}, err
		}
		c.Enabled = enabled != 0
		if err := json.Unmarshal([]byte(keywords), &c.Keywords); err != nil {
			rows.Close()
			return domain.RuleSet{}, fmt.Errorf("category %s keywords: %w", c.Key, err)
		}
		if err := json.Unmarshal([]byte(patterns), &c.Patterns); err != nil {
			rows.Close()
			return domain.RuleSet{}, fmt.Errorf("category %s patterns: %w", c.Key, err)
		}
		if err := json.Unmarshal([]byte(exclusions), &c.Exclusions); err != nil {
			rows.Close()
			return domain.RuleSet{}, fmt.Errorf("category %s exclusions: %w", c.Key, err)
		}
		rs.Categories = append(rs.Categories, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return domain.RuleSet{}, err
	}

	rows, err = db.Query(`SELECT kind, name, pattern FROM denoise_patterns ORDER BY id`)
	if err != nil {
		return domain.RuleSet{}, err
	}
	for rows.Next() {
		var kind, name, pattern string
		if err := rows.Scan(&kind, &name, &pattern); err != nil {
			rows.Close()
			return domain.RuleSet{}, err
		}
		switch kind {
		case denoiseKindNormalOperation:
			rs.Denoise.NormalOperation = append(rs.Denoise.NormalOperation, domain.PatternRule{Name: name, Pattern: pattern})
		case denoiseKindInvalidData:
			rs.Denoise.InvalidData = append(rs.Denoise.InvalidData, domain.PatternRule{Name: name, Pattern: pattern})
		case denoiseKindSystemKeyword:
			rs.Denoise.SystemKeywords = append(rs.Denoise.SystemKeywords, pattern)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return domain.RuleSet{}, err
	}

	if v, err := getSetting(db, settingScoreMode); err == nil && v != "" {
		rs.ScoreMode = v
	}
	if v, err := getSetting(db, settingSuspicionThreshold); err == nil && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			rs.SuspicionThreshold = f
		}
	}
	return rs, nil
}

// AddCategoryKeyword appends one keyword to an existing category. Meant
// for operator tooling; the running pipeline only sees it on the next
// rule snapshot load.
func AddCategoryKeyword(db *sql.DB, categoryKey, keyword string) error {
	var raw string
	err := db.QueryRow(`SELECT keywords FROM keyword_categories WHERE key = ?`, categoryKey).Scan(&raw)
	if err == sql.ErrNoRows {
		return fmt.Errorf("category %s not found", categoryKey)
	}
	if err != nil {
		return err
	}
	var keywords []string
	if err := json.Unmarshal([]byte(raw), &keywords); err != nil {
		return fmt.Errorf("category %s keywords: %w", categoryKey, err)
	}
	for _, k := range keywords {
		if k == keyword {
			return nil
		}
	}
	keywords = append(keywords, keyword)
	data, err := json.Marshal(keywords)
	if err != nil {
		return err
	}
	_, err = db.Exec(`UPDATE keyword_categories SET keywords = ? WHERE key = ?`, string(data), categoryKey)
	return err
}

func getSetting(db *sql.DB, key string) (string, error) {
	var v string
	err := db.QueryRow(`SELECT value FROM rule_settings WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}
