package db

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/banshee-data/emg.report/internal/samples"
)

// SaveRawSamples retains the frozen buffers of a computed set, one row per
// clip. Saving the same set again replaces its rows.
func (db *DB) SaveRawSamples(ctx context.Context, setID string, buffers samples.Frozen) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO raw_samples (set_id, mac, sample_count, first_at, last_at, blob)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for mac, buf := range buffers {
		if len(buf) == 0 {
			continue
		}
		blob, err := encodeSamples(buf)
		if err != nil {
			return fmt.Errorf("raw samples %s/%s: %w", setID, mac, err)
		}
		if _, err := stmt.ExecContext(ctx, setID, mac, len(buf),
			buf[0].At.UnixNano(), buf[len(buf)-1].At.UnixNano(), blob); err != nil {
			return fmt.Errorf("raw samples %s/%s: %w", setID, mac, err)
		}
	}
	return tx.Commit()
}

// FetchRawSamples returns the retained buffers of a set.
func (db *DB) FetchRawSamples(ctx context.Context, setID string) (samples.Frozen, error) {
	rows, err := db.QueryContext(ctx, `SELECT mac, blob FROM raw_samples WHERE set_id = ?`, setID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(samples.Frozen)
	for rows.Next() {
		var (
			mac  string
			blob []byte
		)
		if err := rows.Scan(&mac, &blob); err != nil {
			return nil, err
		}
		buf, err := decodeSamples(blob)
		if err != nil {
			return nil, fmt.Errorf("raw samples %s/%s: %w", setID, mac, err)
		}
		out[mac] = buf
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("raw samples %s: %w", setID, ErrNotFound)
	}
	return out, nil
}

// ClipSamples returns every retained sample of one clip captured in
// [from, to), ordered by capture time.
func (db *DB) ClipSamples(ctx context.Context, mac string, from, to time.Time) ([]samples.Sample, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT blob FROM raw_samples
		WHERE mac = ? AND last_at >= ? AND first_at < ?`,
		mac, from.UnixNano(), to.UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []samples.Sample
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		buf, err := decodeSamples(blob)
		if err != nil {
			return nil, err
		}
		for _, s := range buf {
			if !s.At.Before(from) && s.At.Before(to) {
				out = append(out, s)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}
