package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/banshee-data/emg.report/internal/report"
)

// SubmitReport stores r and returns the stored report ID. A second
// submission for the same set leaves the first row in place and returns its
// ID, so retried compute jobs never duplicate a report.
func (db *DB) SubmitReport(ctx context.Context, r *report.Report) (string, error) {
	if r.ID == "" || r.SetID == "" {
		return "", errors.New("submit report: missing id or set id")
	}
	body, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("submit report %s: %w", r.ID, err)
	}
	kind, err := r.Kind.MarshalText()
	if err != nil {
		return "", fmt.Errorf("submit report %s: %w", r.ID, err)
	}

	res, err := db.ExecContext(ctx, `
		INSERT INTO reports (id, set_id, trainee_id, exercise_id, kind, score, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (set_id) DO NOTHING`,
		r.ID, r.SetID, r.TraineeID, r.ExerciseID, string(kind), r.Score, string(body), r.CreatedAt.UnixNano(),
	)
	if err != nil {
		return "", fmt.Errorf("submit report %s: %w", r.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		logf("report for set %s already stored", r.SetID)
	}

	var id string
	if err := db.QueryRowContext(ctx, `SELECT id FROM reports WHERE set_id = ?`, r.SetID).Scan(&id); err != nil {
		return "", fmt.Errorf("submit report %s: %w", r.ID, err)
	}
	return id, nil
}

// LastReport returns the newest report of the trainee for the exercise, or
// nil when there is none.
func (db *DB) LastReport(ctx context.Context, traineeID, exerciseID string) (*report.Report, error) {
	row := db.QueryRowContext(ctx, `
		SELECT body FROM reports
		WHERE trainee_id = ? AND exercise_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1`, traineeID, exerciseID)
	r, err := scanReport(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return r, err
}

// GetReport returns the report with the given ID.
func (db *DB) GetReport(ctx context.Context, id string) (*report.Report, error) {
	r, err := scanReport(db.QueryRowContext(ctx, `SELECT body FROM reports WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("report %s: %w", id, err)
	}
	return r, nil
}

// AnnotateReport attaches weight and repetition count to a stored report.
// Nothing else about the report changes.
func (db *DB) AnnotateReport(ctx context.Context, id string, a report.Annotation) (*report.Report, error) {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	r, err := scanReport(tx.QueryRowContext(ctx, `SELECT body FROM reports WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("annotate report %s: %w", id, err)
	}
	annotated, err := r.Annotated(a)
	if err != nil {
		return nil, fmt.Errorf("annotate report %s: %w", id, err)
	}
	body, err := json.Marshal(annotated)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE reports SET body = ? WHERE id = ?`, string(body), id); err != nil {
		return nil, fmt.Errorf("annotate report %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return annotated, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReport(row rowScanner) (*report.Report, error) {
	var body string
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var r report.Report
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &r, nil
}
