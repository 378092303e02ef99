// Package sqlite is the durable store for the analysis pipeline: the
// pending queue, per-work-order analysis results, task execution records,
// and the persisted rule set.
package sqlite

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
)

func InitDB(path string) (*sql.DB, error) {
	// Concurrent workers write through this handle; a busy timeout lets a
	// writer wait for another transaction instead of failing immediately.
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// One connection serializes transactions at the pool, so two writers
	// never deadlock inside sqlite itself.
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS pending_analysis (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		work_id       INTEGER NOT NULL UNIQUE,
		status        TEXT NOT NULL DEFAULT 'PENDING',
		comment_count INTEGER DEFAULT 0,
		has_comments  INTEGER DEFAULT 0,
		retry_count   INTEGER DEFAULT 0,
		last_error    TEXT DEFAULT '',
		created_at    DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at    DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_pending_status ON pending_analysis(status);

	CREATE TABLE IF NOT EXISTS analysis_results (
		id                      INTEGER PRIMARY KEY AUTOINCREMENT,
		work_id                 INTEGER NOT NULL UNIQUE,
		order_id                INTEGER DEFAULT 0,
		order_no                TEXT DEFAULT '',
		session_start           DATETIME,
		session_end             DATETIME,
		total_comments          INTEGER DEFAULT 0,
		customer_comments       INTEGER DEFAULT 0,
		agent_comments          INTEGER DEFAULT 0,
		conversation_text       TEXT DEFAULT '',
		denoise_detail          TEXT DEFAULT '{}',
		prescreen_detail        TEXT DEFAULT '{}',
		suspicion_score         REAL DEFAULT 0,
		is_suspicious           INTEGER DEFAULT 0,
		has_evasion             INTEGER DEFAULT 0,
		risk_level              TEXT DEFAULT 'low',
		confidence              REAL DEFAULT 0,
		evasion_types           TEXT DEFAULT '[]',
		evidence_sentences      TEXT DEFAULT '[]',
		improvement_suggestions TEXT DEFAULT '[]',
		sentiment               TEXT DEFAULT 'neutral',
		sentiment_intensity     REAL DEFAULT 0,
		llm_invoked             INTEGER DEFAULT 0,
		llm_provider            TEXT DEFAULT '',
		llm_model               TEXT DEFAULT '',
		tokens_used             INTEGER DEFAULT 0,
		raw_response            TEXT DEFAULT '',
		note                    TEXT DEFAULT '',
		analyzed_at             DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_results_risk ON analysis_results(risk_level);
	CREATE INDEX IF NOT EXISTS idx_results_analyzed_at ON analysis_results(analyzed_at);

	CREATE TABLE IF NOT EXISTS task_executions (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id           TEXT NOT NULL UNIQUE,
		task_name         TEXT DEFAULT '',
		trigger_type      TEXT DEFAULT 'scheduled',
		trigger_user      TEXT DEFAULT '',
		status            TEXT NOT NULL DEFAULT 'running',
		start_time        DATETIME NOT NULL,
		end_time          DATETIME,
		batch_size        INTEGER DEFAULT 0,
		max_concurrent    INTEGER DEFAULT 0,
		total_count       INTEGER DEFAULT 0,
		success_count     INTEGER DEFAULT 0,
		failed_count      INTEGER DEFAULT 0,
		skipped_count     INTEGER DEFAULT 0,
		denoised_count    INTEGER DEFAULT 0,
		duplicate_count   INTEGER DEFAULT 0,
		error_message     TEXT DEFAULT '',
		execution_details TEXT DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_start ON task_executions(start_time);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON task_executions(status);

	CREATE TABLE IF NOT EXISTS keyword_categories (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		key        TEXT NOT NULL UNIQUE,
		weight     REAL NOT NULL DEFAULT 1.0,
		risk_level TEXT NOT NULL DEFAULT 'medium',
		enabled    INTEGER NOT NULL DEFAULT 1,
		keywords   TEXT DEFAULT '[]',
		patterns   TEXT DEFAULT '[]',
		exclusions TEXT DEFAULT '[]',
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS denoise_patterns (
		id      INTEGER PRIMARY KEY AUTOINCREMENT,
		kind    TEXT NOT NULL,
		name    TEXT NOT NULL DEFAULT '',
		pattern TEXT NOT NULL,
		UNIQUE(kind, name, pattern)
	);

	CREATE TABLE IF NOT EXISTS rule_settings (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS denoise_batches (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id        TEXT DEFAULT '',
		work_id        INTEGER NOT NULL,
		original_count INTEGER DEFAULT 0,
		filtered_count INTEGER DEFAULT 0,
		removed_count  INTEGER DEFAULT 0,
		filter_rate    REAL DEFAULT 0,
		reasons        TEXT DEFAULT '{}',
		created_at     DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_denoise_batches_task ON denoise_batches(task_id);
	`
	_, err = db.Exec(schema)
	if err != nil {
		return nil, err
	}
	if err := initCommentTables(db); err != nil {
		return nil, err
	}

	return db, nil
}
