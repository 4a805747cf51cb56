package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/banshee-data/sortbin/internal/material"
	"github.com/banshee-data/sortbin/internal/session"
)

// DB implements the session store and its extensions.
var (
	_ session.Store           = (*DB)(nil)
	_ session.UserTotalsStore = (*DB)(nil)
	_ session.HistoryStore    = (*DB)(nil)
)

// Get returns the session of userID, or (nil, nil) when there is none.
func (db *DB) Get(ctx context.Context, userID string) (*session.Session, error) {
	var (
		s           session.Session
		startMs     int64
		lastMs      int64
		depositsRaw string
		state       string
	)
	err := db.QueryRowContext(ctx, `
		SELECT user_id, session_id, bin_label, start_time_ms, last_activity_ms,
			max_duration_seconds, inactivity_timeout_seconds, deposits, points, grams, state
		FROM sessions WHERE user_id = ?`, userID).Scan(
		&s.UserID, &s.ID, &s.BinLabel, &startMs, &lastMs,
		&s.MaxDurationSeconds, &s.InactivityTimeoutSeconds, &depositsRaw, &s.Points, &s.Grams, &state,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	s.StartTime = fromMillis(startMs)
	s.LastActivity = fromMillis(lastMs)
	s.State = session.State(state)
	if err := json.Unmarshal([]byte(depositsRaw), &s.Deposits); err != nil {
		return nil, fmt.Errorf("failed to decode deposits of %s: %w", userID, err)
	}
	return &s, nil
}

// Put inserts or replaces the session of s.UserID.
func (db *DB) Put(ctx context.Context, s *session.Session) error {
	deposits := s.Deposits
	if deposits == nil {
		deposits = []session.Deposit{}
	}
	raw, err := json.Marshal(deposits)
	if err != nil {
		return fmt.Errorf("failed to encode deposits: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO sessions (
			user_id, session_id, bin_label, start_time_ms, last_activity_ms,
			max_duration_seconds, inactivity_timeout_seconds, deposits, points, grams, state
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			session_id = excluded.session_id,
			bin_label = excluded.bin_label,
			start_time_ms = excluded.start_time_ms,
			last_activity_ms = excluded.last_activity_ms,
			max_duration_seconds = excluded.max_duration_seconds,
			inactivity_timeout_seconds = excluded.inactivity_timeout_seconds,
			deposits = excluded.deposits,
			points = excluded.points,
			grams = excluded.grams,
			state = excluded.state`,
		s.UserID, s.ID, s.BinLabel, toMillis(s.StartTime), toMillis(s.LastActivity),
		s.MaxDurationSeconds, s.InactivityTimeoutSeconds, string(raw), s.Points, s.Grams, string(s.State),
	)
	if err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	db.Publish(session.Event{UserID: s.UserID, Session: s.Clone()})
	return nil
}

// Delete removes the session of userID. Deleting a missing session is not
// an error and publishes nothing.
func (db *DB) Delete(ctx context.Context, userID string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		db.Publish(session.Event{UserID: userID})
	}
	return nil
}

// ActiveSessions returns every session currently in ACTIVE state.
func (db *DB) ActiveSessions(ctx context.Context) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT user_id FROM sessions WHERE state = ? ORDER BY start_time_ms`, string(session.StateActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// AddToUserTotals credits d to the lifetime totals of userID inside one
// transaction.
func (db *DB) AddToUserTotals(ctx context.Context, userID string, d session.Deposit) (*session.UserTotals, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	totals, err := scanUserTotals(tx.QueryRowContext(ctx, userTotalsQuery, userID))
	if err != nil {
		return nil, err
	}
	if totals == nil {
		totals = &session.UserTotals{UserID: userID, Level: material.LevelBronze}
	}
	totals.Add(d)

	kgRaw, err := json.Marshal(totals.MaterialKg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode material totals: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO user_totals (user_id, bio_coins, items, total_kg, material_kg, level, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			bio_coins = excluded.bio_coins,
			items = excluded.items,
			total_kg = excluded.total_kg,
			material_kg = excluded.material_kg,
			level = excluded.level,
			updated_at_ms = excluded.updated_at_ms`,
		userID, totals.BioCoins, totals.Items, totals.TotalKg, string(kgRaw), string(totals.Level), toMillis(totals.UpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to store user totals: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return totals, nil
}

// UserTotals returns the lifetime totals of userID, or (nil, nil).
func (db *DB) UserTotals(ctx context.Context, userID string) (*session.UserTotals, error) {
	return scanUserTotals(db.QueryRowContext(ctx, userTotalsQuery, userID))
}

const userTotalsQuery = `
	SELECT user_id, bio_coins, items, total_kg, material_kg, level, updated_at_ms
	FROM user_totals WHERE user_id = ?`

func scanUserTotals(row *sql.Row) (*session.UserTotals, error) {
	var (
		t         session.UserTotals
		kgRaw     string
		level     string
		updatedMs int64
	)
	err := row.Scan(&t.UserID, &t.BioCoins, &t.Items, &t.TotalKg, &kgRaw, &level, &updatedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user totals: %w", err)
	}
	if err := json.Unmarshal([]byte(kgRaw), &t.MaterialKg); err != nil {
		return nil, fmt.Errorf("failed to decode material totals: %w", err)
	}
	t.Level = material.Level(level)
	t.UpdatedAt = fromMillis(updatedMs)
	return &t, nil
}

// AppendHistory records a finished session.
func (db *DB) AppendHistory(ctx context.Context, e session.HistoryEntry) error {
	_, err := db.ExecContext(ctx, `
		INSERT OR REPLACE INTO session_history (
			session_id, user_id, bin_label, start_time_ms, end_time_ms, state, items, points, grams
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.UserID, e.BinLabel, toMillis(e.StartTime), toMillis(e.EndTime),
		string(e.State), e.Items, e.Points, e.Grams,
	)
	if err != nil {
		return fmt.Errorf("failed to record session history: %w", err)
	}
	return nil
}

// History returns finished sessions, newest first. An empty userID
// returns all users; limit <= 0 means no limit.
func (db *DB) History(ctx context.Context, userID string, limit int) ([]session.HistoryEntry, error) {
	query := `SELECT session_id, user_id, bin_label, start_time_ms, end_time_ms, state, items, points, grams
		FROM session_history`
	var args []interface{}
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY end_time_ms DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query session history: %w", err)
	}
	defer rows.Close()

	var out []session.HistoryEntry
	for rows.Next() {
		var (
			e              session.HistoryEntry
			startMs, endMs int64
			state          string
		)
		if err := rows.Scan(&e.SessionID, &e.UserID, &e.BinLabel, &startMs, &endMs, &state, &e.Items, &e.Points, &e.Grams); err != nil {
			return nil, err
		}
		e.StartTime = fromMillis(startMs)
		e.EndTime = fromMillis(endMs)
		e.State = session.State(state)
		out = append(out, e)
	}
	return out, rows.Err()
}
