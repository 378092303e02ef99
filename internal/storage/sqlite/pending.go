package sqlite

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/MK-CO/KYXCustomer/internal/domain"
)

// EnqueuePending inserts a work order into the queue. Re-enqueueing an
// already queued work id is a no-op; the existing record keeps its state.
func EnqueuePending(db *sql.DB, workID int64, commentCount int) error {
	hasComments := 0
	if commentCount > 0 {
		hasComments = 1
	}
	_, err := db.Exec(
		`INSERT INTO pending_analysis (work_id, status, comment_count, has_comments)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(work_id) DO NOTHING`,
		workID, domain.PendingStatePending, commentCount, hasComments,
	)
	return err
}

// ClaimPending atomically flips up to limit PENDING records to PROCESSING
// and returns the claimed batch. Two concurrent runs never claim the same
// record: the UPDATE filters on status so a record already flipped by
// another run is invisible here.
func ClaimPending(db *sql.DB, limit int) ([]domain.PendingRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	tx, err := db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		`SELECT id FROM pending_analysis WHERE status = ? ORDER BY created_at, id LIMIT ?`,
		domain.PendingStatePending, limit,
	)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	// Flip rows one at a time and trust only RowsAffected: a row already
	// taken by a concurrent claim reports zero here and is skipped, so
	// two claims never return the same record.
	claimed := make([]int64, 0, len(ids))
	for _, id := range ids {
		res, err := tx.Exec(
			`UPDATE pending_analysis SET status = ?, updated_at = CURRENT_TIMESTAMP
			 WHERE id = ? AND status = ?`,
			domain.PendingStateProcessing, id, domain.PendingStatePending,
		)
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 1 {
			claimed = append(claimed, id)
		}
	}
	if len(claimed) == 0 {
		return nil, tx.Commit()
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(claimed)), ",")
	selArgs := make([]any, 0, len(claimed))
	for _, id := range claimed {
		selArgs = append(selArgs, id)
	}
	records := make([]domain.PendingRecord, 0, len(claimed))
	rows, err = tx.Query(
		fmt.Sprintf(`SELECT id, work_id, status, comment_count, has_comments, retry_count, last_error, created_at, updated_at
		 FROM pending_analysis WHERE id IN (%s) ORDER BY created_at, id`, placeholders),
		selArgs...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var r domain.PendingRecord
		var hasComments int
		if err := rows.Scan(&r.ID, &r.WorkID, &r.Status, &r.CommentCount, &hasComments, &r.RetryCount, &r.LastError, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.HasComments = hasComments != 0
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, tx.Commit()
}

// MarkPendingCompleted finalizes a claimed record.
func MarkPendingCompleted(db *sql.DB, id int64) error {
	_, err := db.Exec(
		`UPDATE pending_analysis SET status = ?, last_error = '', updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		domain.PendingStateCompleted, id,
	)
	return err
}

// MarkPendingFailed records the terminal error and bumps the retry count.
func MarkPendingFailed(db *sql.DB, id int64, cause string) error {
	_, err := db.Exec(
		`UPDATE pending_analysis SET status = ?, last_error = ?, retry_count = retry_count + 1,
		 updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		domain.PendingStateFailed, cause, id,
	)
	return err
}

// ResetFailed flips FAILED records back to PENDING so the next run picks
// them up again. Returns the number of records reset.
func ResetFailed(db *sql.DB) (int64, error) {
	res, err := db.Exec(
		`UPDATE pending_analysis SET status = ?, last_error = '', updated_at = CURRENT_TIMESTAMP WHERE status = ?`,
		domain.PendingStatePending, domain.PendingStateFailed,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ReleasePending returns one claimed record to PENDING without touching
// its retry count. Used for units a cancelled run never dispatched.
func ReleasePending(db *sql.DB, id int64) error {
	_, err := db.Exec(
		`UPDATE pending_analysis SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND status = ?`,
		domain.PendingStatePending, id, domain.PendingStateProcessing,
	)
	return err
}

// ReleaseStaleProcessing returns PROCESSING records to PENDING. Used on
// startup to recover records orphaned by a crashed run.
func ReleaseStaleProcessing(db *sql.DB) (int64, error) {
	res, err := db.Exec(
		`UPDATE pending_analysis SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE status = ?`,
		domain.PendingStatePending, domain.PendingStateProcessing,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// QueueStatus returns the record count per lifecycle state.
func QueueStatus(db *sql.DB) (map[string]int, error) {
	rows, err := db.Query(`SELECT status, COUNT(*) FROM pending_analysis GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// GetPendingByWorkID fetches the queue record for one work order.
func GetPendingByWorkID(db *sql.DB, workID int64) (domain.PendingRecord, error) {
	var r domain.PendingRecord
	var hasComments int
	err := db.QueryRow(
		`SELECT id, work_id, status, comment_count, has_comments, retry_count, last_error, created_at, updated_at
		 FROM pending_analysis WHERE work_id = ?`, workID,
	).Scan(&r.ID, &r.WorkID, &r.Status, &r.CommentCount, &hasComments, &r.RetryCount, &r.LastError, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return domain.PendingRecord{}, err
	}
	r.HasComments = hasComments != 0
	return r, nil
}
