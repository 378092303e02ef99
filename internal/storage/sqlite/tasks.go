package sqlite

import (
	"database/sql"
	"time"

	"github.com/MK-CO/KYXCustomer/internal/domain"
)

// InsertTaskExecution writes the initial running row for one run.
func InsertTaskExecution(db *sql.DB, t domain.TaskExecution) error {
	_, err := db.Exec(
		`INSERT INTO task_executions (task_id, task_name, trigger_type, trigger_user, status, start_time, batch_size, max_concurrent, execution_details)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TaskID, t.TaskName, t.TriggerType, t.TriggerUser, t.Status, t.StartTime,
		t.BatchSize, t.MaxConcurrent, orBrace(t.ExecutionDetails),
	)
	return err
}

// CompleteTaskExecution finalizes a run row with its terminal status,
// counters, and detail blob.
func CompleteTaskExecution(db *sql.DB, t domain.TaskExecution) error {
	endTime := t.EndTime
	if endTime.IsZero() {
		endTime = time.Now()
	}
	_, err := db.Exec(
		`UPDATE task_executions SET status = ?, end_time = ?,
			total_count = ?, success_count = ?, failed_count = ?, skipped_count = ?,
			denoised_count = ?, duplicate_count = ?, error_message = ?, execution_details = ?
		 WHERE task_id = ?`,
		t.Status, endTime,
		t.Counts.Total, t.Counts.Success, t.Counts.Failed, t.Counts.Skipped,
		t.Counts.Denoised, t.Counts.Duplicate, t.ErrorMessage, orBrace(t.ExecutionDetails),
		t.TaskID,
	)
	return err
}

// GetTaskExecution loads one run record by task id.
func GetTaskExecution(db *sql.DB, taskID string) (domain.TaskExecution, error) {
	var t domain.TaskExecution
	var endTime sql.NullTime
	err := db.QueryRow(
		`SELECT task_id, task_name, trigger_type, trigger_user, status, start_time, end_time,
			batch_size, max_concurrent, total_count, success_count, failed_count, skipped_count,
			denoised_count, duplicate_count, error_message, execution_details
		 FROM task_executions WHERE task_id = ?`, taskID,
	).Scan(
		&t.TaskID, &t.TaskName, &t.TriggerType, &t.TriggerUser, &t.Status, &t.StartTime, &endTime,
		&t.BatchSize, &t.MaxConcurrent, &t.Counts.Total, &t.Counts.Success, &t.Counts.Failed, &t.Counts.Skipped,
		&t.Counts.Denoised, &t.Counts.Duplicate, &t.ErrorMessage, &t.ExecutionDetails,
	)
	if err != nil {
		return domain.TaskExecution{}, err
	}
	if endTime.Valid {
		t.EndTime = endTime.Time
	}
	return t, nil
}

// ListRecentTaskExecutions returns the newest run records first.
func ListRecentTaskExecutions(db *sql.DB, limit int) ([]domain.TaskExecution, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.Query(
		`SELECT task_id, task_name, trigger_type, trigger_user, status, start_time, end_time,
			batch_size, max_concurrent, total_count, success_count, failed_count, skipped_count,
			denoised_count, duplicate_count, error_message, execution_details
		 FROM task_executions ORDER BY start_time DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TaskExecution
	for rows.Next() {
		var t domain.TaskExecution
		var endTime sql.NullTime
		if err := rows.Scan(
			&t.TaskID, &t.TaskName, &t.TriggerType, &t.TriggerUser, &t.Status, &t.StartTime, &endTime,
			&t.BatchSize, &t.MaxConcurrent, &t.Counts.Total, &t.Counts.Success, &t.Counts.Failed, &t.Counts.Skipped,
			&t.Counts.Denoised, &t.Counts.Duplicate, &t.ErrorMessage, &t.ExecutionDetails,
		); err != nil {
			return nil, err
		}
		if endTime.Valid {
			t.EndTime = endTime.Time
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func orBrace(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}
