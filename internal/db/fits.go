package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/steering/internal/orbit"
)

// FitRecord is a stored fit result.
type FitRecord struct {
	ID        string           `json:"id"`
	OrbitName string           `json:"orbit_name"`
	FittedAt  time.Time        `json:"fitted_at"`
	Result    *orbit.FitResult `json:"result"`
}

// SaveFitResult stores res and returns its id.
func (db *DB) SaveFitResult(ctx context.Context, orbitName string, res *orbit.FitResult, at time.Time) (string, error) {
	if res == nil {
		return "", fmt.Errorf("save fit for %s: nil result", orbitName)
	}
	data, err := json.Marshal(res)
	if err != nil {
		return "", fmt.Errorf("encode fit for %s: %w", orbitName, err)
	}
	id := uuid.NewString()
	weighted := 0
	if res.Weighted {
		weighted = 1
	}
	if _, err := db.ExecContext(ctx, `
		INSERT INTO fit_results (
			fit_id, orbit_name, fit_point, z0, chi_square, ndf, weighted, result_json, fit_unix_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, orbitName, res.FitPoint, nullFloat(res.Z0), nullFloat(res.ChiSquare),
		res.NDF, weighted, string(data), at.UnixNano(),
	); err != nil {
		return "", fmt.Errorf("insert fit: %w", err)
	}
	return id, nil
}

// RecentFits returns up to limit fits, newest first.
func (db *DB) RecentFits(ctx context.Context, limit int) ([]FitRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx, `
		SELECT fit_id, orbit_name, fit_unix_ns, result_json
		FROM fit_results
		ORDER BY fit_unix_ns DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []FitRecord{}
	for rows.Next() {
		var rec FitRecord
		var at int64
		var data string
		if err := rows.Scan(&rec.ID, &rec.OrbitName, &at, &data); err != nil {
			return nil, err
		}
		rec.FittedAt = time.Unix(0, at).UTC()
		rec.Result = &orbit.FitResult{}
		if err := json.Unmarshal([]byte(data), rec.Result); err != nil {
			return nil, fmt.Errorf("decode fit %s: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
