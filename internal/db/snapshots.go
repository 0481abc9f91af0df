package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/steering/internal/channel"
	"github.com/banshee-data/steering/internal/orbit"
)

var ErrSnapshotNotFound = errors.New("snapshot not found")

// SnapshotInfo describes a stored snapshot without its readings.
type SnapshotInfo struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	TakenAt      time.Time `json:"taken_at"`
	ReadingCount int       `json:"reading_count"`
}

// nullFloat stores NaN as NULL. SQLite REAL keeps the infinities as they are.
func nullFloat(v float64) sql.NullFloat64 {
	if math.IsNaN(v) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

func floatOrNaN(n sql.NullFloat64) float64 {
	if !n.Valid {
		return math.NaN()
	}
	return n.Float64
}

// SaveSnapshot stores s under a new id and returns it. Readings keep their
// order.
func (db *DB) SaveSnapshot(ctx context.Context, name string, s orbit.Snapshot, takenAt time.Time) (string, error) {
	if _, err := orbit.FromSnapshot(name, s); err != nil {
		return "", err
	}
	id := uuid.NewString()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO orbit_snapshots (snapshot_id, name, taken_unix_ns, reading_count)
		VALUES (?, ?, ?, ?)`,
		id, name, takenAt.UnixNano(), len(s.Names),
	); err != nil {
		return "", fmt.Errorf("insert snapshot: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO orbit_readings (
			snapshot_id, position, name, z, x, y, tmit,
			x_rms, y_rms, tmit_rms, x_severity, y_severity, tmit_severity
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return "", err
	}
	defer stmt.Close()

	for i, n := range s.Names {
		if _, err := stmt.ExecContext(ctx,
			id, i, n,
			nullFloat(s.Z[i]), nullFloat(s.X[i]), nullFloat(s.Y[i]), nullFloat(s.TMIT[i]),
			nullFloat(s.XRMS[i]), nullFloat(s.YRMS[i]), nullFloat(s.TMITRMS[i]),
			int(s.XSeverity[i]), int(s.YSeverity[i]), int(s.TMITSeverity[i]),
		); err != nil {
			return "", fmt.Errorf("insert reading %s: %w", n, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	diagf("saved snapshot %s (%s, %d readings)", id, name, len(s.Names))
	return id, nil
}

// LoadSnapshot returns the stored snapshot and its info.
func (db *DB) LoadSnapshot(ctx context.Context, id string) (SnapshotInfo, orbit.Snapshot, error) {
	var info SnapshotInfo
	var taken int64
	err := db.QueryRowContext(ctx, `
		SELECT snapshot_id, name, taken_unix_ns, reading_count
		FROM orbit_snapshots WHERE snapshot_id = ?`, id,
	).Scan(&info.ID, &info.Name, &taken, &info.ReadingCount)
	if errors.Is(err, sql.ErrNoRows) {
		return info, orbit.Snapshot{}, fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
	}
	if err != nil {
		return info, orbit.Snapshot{}, err
	}
	info.TakenAt = time.Unix(0, taken).UTC()

	rows, err := db.QueryContext(ctx, `
		SELECT name, z, x, y, tmit, x_rms, y_rms, tmit_rms,
		       x_severity, y_severity, tmit_severity
		FROM orbit_readings WHERE snapshot_id = ? ORDER BY position`, id)
	if err != nil {
		return info, orbit.Snapshot{}, err
	}
	defer rows.Close()

	s := orbit.Snapshot{
		Names:        []string{},
		Z:            orbit.Floats{},
		X:            orbit.Floats{},
		Y:            orbit.Floats{},
		TMIT:         orbit.Floats{},
		XRMS:         orbit.Floats{},
		YRMS:         orbit.Floats{},
		TMITRMS:      orbit.Floats{},
		XSeverity:    []channel.Severity{},
		YSeverity:    []channel.Severity{},
		TMITSeverity: []channel.Severity{},
	}
	for rows.Next() {
		var name string
		var z, x, y, tmit, xr, yr, tr sql.NullFloat64
		var xs, ys, ts int
		if err := rows.Scan(&name, &z, &x, &y, &tmit, &xr, &yr, &tr, &xs, &ys, &ts); err != nil {
			return info, orbit.Snapshot{}, err
		}
		s.Names = append(s.Names, name)
		s.Z = append(s.Z, floatOrNaN(z))
		s.X = append(s.X, floatOrNaN(x))
		s.Y = append(s.Y, floatOrNaN(y))
		s.TMIT = append(s.TMIT, floatOrNaN(tmit))
		s.XRMS = append(s.XRMS, floatOrNaN(xr))
		s.YRMS = append(s.YRMS, floatOrNaN(yr))
		s.TMITRMS = append(s.TMITRMS, floatOrNaN(tr))
		s.XSeverity = append(s.XSeverity, channel.Severity(xs))
		s.YSeverity = append(s.YSeverity, channel.Severity(ys))
		s.TMITSeverity = append(s.TMITSeverity, channel.Severity(ts))
	}
	return info, s, rows.Err()
}

// LoadOrbit rebuilds a stored snapshot as a frozen orbit named after it.
func (db *DB) LoadOrbit(ctx context.Context, id string) (*orbit.Orbit, error) {
	info, s, err := db.LoadSnapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	return orbit.FromSnapshot(info.Name, s)
}

// ListSnapshots returns up to limit snapshots, newest first. A limit of
// zero or less returns all of them.
func (db *DB) ListSnapshots(ctx context.Context, limit int) ([]SnapshotInfo, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx, `
		SELECT snapshot_id, name, taken_unix_ns, reading_count
		FROM orbit_snapshots
		ORDER BY taken_unix_ns DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []SnapshotInfo{}
	for rows.Next() {
		var info SnapshotInfo
		var taken int64
		if err := rows.Scan(&info.ID, &info.Name, &taken, &info.ReadingCount); err != nil {
			return nil, err
		}
		info.TakenAt = time.Unix(0, taken).UTC()
		out = append(out, info)
	}
	return out, rows.Err()
}

// DeleteSnapshot removes a snapshot and its readings.
func (db *DB) DeleteSnapshot(ctx context.Context, id string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM orbit_readings WHERE snapshot_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM orbit_snapshots WHERE snapshot_id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
	}
	return tx.Commit()
}
