package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DepositRecord is one actuation attempt in the deposit log.
type DepositRecord struct {
	ID          string    `json:"id"`
	Time        time.Time `json:"time"`
	ClassName   string    `json:"class_name"`
	Category    string    `json:"category"`
	Confidence  float64   `json:"confidence"`
	VotePercent int       `json:"vote_percent"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
	UserID      string    `json:"user_id,omitempty"`
	Points      int       `json:"points"`
}

// RecordDeposit appends r to the deposit log, assigning an id if it has
// none.
func (db *DB) RecordDeposit(ctx context.Context, r DepositRecord) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	success := 0
	if r.Success {
		success = 1
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO deposit_log (
			deposit_id, created_ms, class_name, category, confidence, vote_percent,
			success, error, user_id, points
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, toMillis(r.Time), r.ClassName, r.Category, r.Confidence, r.VotePercent,
		success, nullString(r.Error), nullString(r.UserID), r.Points,
	)
	if err != nil {
		return fmt.Errorf("failed to record deposit: %w", err)
	}
	return nil
}

// RecentDeposits returns the latest log entries, newest first.
func (db *DB) RecentDeposits(ctx context.Context, limit int) ([]DepositRecord, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT deposit_id, created_ms, class_name, category, confidence, vote_percent,
			success, error, user_id, points
		FROM deposit_log ORDER BY created_ms DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query deposits: %w", err)
	}
	defer rows.Close()

	var out []DepositRecord
	for rows.Next() {
		var (
			r         DepositRecord
			createdMs int64
			success   int
			errText   sql.NullString
			userID    sql.NullString
		)
		if err := rows.Scan(&r.ID, &createdMs, &r.ClassName, &r.Category, &r.Confidence, &r.VotePercent,
			&success, &errText, &userID, &r.Points); err != nil {
			return nil, err
		}
		r.Time = fromMillis(createdMs)
		r.Success = success != 0
		r.Error = errText.String
		r.UserID = userID.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// CategoryCount is the number of deposit attempts routed to one category.
type CategoryCount struct {
	Category  string `json:"category"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
}

// DepositCounts groups the attempts made since the given time by category.
func (db *DB) DepositCounts(ctx context.Context, since time.Time) ([]CategoryCount, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT category,
			SUM(CASE WHEN success = 1 THEN 1 ELSE 0 END),
			SUM(CASE WHEN success = 1 THEN 0 ELSE 1 END)
		FROM deposit_log
		WHERE created_ms >= ?
		GROUP BY category
		ORDER BY category`, toMillis(since))
	if err != nil {
		return nil, fmt.Errorf("failed to count deposits: %w", err)
	}
	defer rows.Close()

	var out []CategoryCount
	for rows.Next() {
		var c CategoryCount
		if err := rows.Scan(&c.Category, &c.Succeeded, &c.Failed); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
