package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/banshee-data/emg.report/internal/dashboard"
)

// SubmitDashboard stores a finished visit and returns its ordinal: the
// number of dashboards stored for the trainee up to and including this one.
// Resubmitting the same session ID returns the original ordinal.
func (db *DB) SubmitDashboard(ctx context.Context, s *dashboard.Session) (int, error) {
	body, err := json.Marshal(s)
	if err != nil {
		return 0, fmt.Errorf("submit dashboard %s: %w", s.ID, err)
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var ordinal int
	err = tx.QueryRowContext(ctx, `SELECT ordinal FROM dashboards WHERE id = ?`, s.ID).Scan(&ordinal)
	switch {
	case err == nil:
		logf("dashboard %s already stored as #%d", s.ID, ordinal)
		return ordinal, nil
	case !errors.Is(err, sql.ErrNoRows):
		return 0, fmt.Errorf("submit dashboard %s: %w", s.ID, err)
	}

	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) + 1 FROM dashboards WHERE trainee_id = ?`, s.TraineeID,
	).Scan(&ordinal); err != nil {
		return 0, fmt.Errorf("submit dashboard %s: %w", s.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO dashboards (id, trainee_id, ordinal, report_count, started_at, ended_at, body)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.TraineeID, ordinal, len(s.Reports), s.StartedAt.UnixNano(), s.EndedAt.UnixNano(), string(body),
	); err != nil {
		return 0, fmt.Errorf("submit dashboard %s: %w", s.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return ordinal, nil
}

// GetDashboard returns a stored dashboard and its ordinal.
func (db *DB) GetDashboard(ctx context.Context, id string) (*dashboard.Session, int, error) {
	var (
		body    string
		ordinal int
	)
	err := db.QueryRowContext(ctx, `SELECT body, ordinal FROM dashboards WHERE id = ?`, id).Scan(&body, &ordinal)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, fmt.Errorf("dashboard %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, 0, err
	}
	var s dashboard.Session
	if err := json.Unmarshal([]byte(body), &s); err != nil {
		return nil, 0, fmt.Errorf("decode dashboard %s: %w", id, err)
	}
	return &s, ordinal, nil
}
