package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/MK-CO/KYXCustomer/internal/domain"
)

// The work order and comment tables mirror the business side of the
// database. Ingestion fills them; analysis only reads them.

func initCommentTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS work_orders (
		work_id    INTEGER PRIMARY KEY,
		order_id   INTEGER DEFAULT 0,
		order_no   TEXT DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS work_comments (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		work_id    INTEGER NOT NULL,
		role       TEXT NOT NULL DEFAULT 'customer',
		user_id    TEXT DEFAULT '',
		user_name  TEXT DEFAULT '',
		content    TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_comments_work ON work_comments(work_id, created_at);
	`
	_, err := db.Exec(schema)
	return err
}

// UpsertWorkOrder registers or updates the order metadata for a work id.
func UpsertWorkOrder(db *sql.DB, workID, orderID int64, orderNo string) error {
	_, err := db.Exec(
		`INSERT INTO work_orders (work_id, order_id, order_no) VALUES (?, ?, ?)
		 ON CONFLICT(work_id) DO UPDATE SET order_id = excluded.order_id, order_no = excluded.order_no`,
		workID, orderID, orderNo,
	)
	return err
}

// InsertComment appends one message to a work order's conversation.
func InsertComment(db *sql.DB, workID int64, m domain.Message) error {
	_, err := db.Exec(
		`INSERT INTO work_comments (work_id, role, user_id, user_name, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		workID, m.Role, m.UserID, m.Name, m.Content, m.CreatedAt,
	)
	return err
}

// LoadWorkOrder reads the order metadata and its full conversation in
// message order. A work id with no work_orders row still loads; the
// metadata just stays zero.
func LoadWorkOrder(db *sql.DB, workID int64) (domain.WorkOrder, error) {
	order := domain.WorkOrder{WorkID: workID}
	err := db.QueryRow(
		`SELECT order_id, order_no FROM work_orders WHERE work_id = ?`, workID,
	).Scan(&order.OrderID, &order.OrderNo)
	if err != nil && err != sql.ErrNoRows {
		return domain.WorkOrder{}, fmt.Errorf("load work order %d: %w", workID, err)
	}

	rows, err := db.Query(
		`SELECT id, role, user_id, user_name, content, created_at
		 FROM work_comments WHERE work_id = ? ORDER BY created_at, id`, workID,
	)
	if err != nil {
		return domain.WorkOrder{}, fmt.Errorf("load comments for work %d: %w", workID, err)
	}
	defer rows.Close()

	conv := domain.Conversation{WorkID: workID}
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.Role, &m.UserID, &m.Name, &m.Content, &m.CreatedAt); err != nil {
			return domain.WorkOrder{}, err
		}
		conv.Messages = append(conv.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return domain.WorkOrder{}, err
	}
	order.Conversation = conv
	return order, nil
}

// Source adapts the comment tables to the processor's conversation
// source contract.
type Source struct {
	DB *sql.DB
}

func (s Source) WorkOrder(ctx context.Context, workID int64) (domain.WorkOrder, error) {
	return LoadWorkOrder(s.DB, workID)
}
