package store

import (
	"database/sql"
	"fmt"
	"time"
)

// BaselineRun is a cached optimisation result. Runs are keyed by site, target
// and a hash of the observations they were computed from, so new bills or
// hourly data miss the cache naturally.
type BaselineRun struct {
	ID                int64
	SiteID            string
	TargetNonACEnergy float64
	InputHash         string
	BestKind          string
	MeanDeviation     float64
	InvalidCount      int
	ResultJSON        []byte
	CreatedAt         time.Time
}

func (s *Store) SaveBaselineRun(run BaselineRun) error {
	_, err := s.db.Exec(`
		INSERT INTO baseline_runs (site_id, target_non_ac_energy, input_hash, best_kind, mean_deviation, invalid_count, result_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(site_id, target_non_ac_energy, input_hash) DO UPDATE SET
			best_kind = excluded.best_kind,
			mean_deviation = excluded.mean_deviation,
			invalid_count = excluded.invalid_count,
			result_json = excluded.result_json,
			created_at = excluded.created_at
	`, run.SiteID, run.TargetNonACEnergy, run.InputHash, run.BestKind, run.MeanDeviation,
		run.InvalidCount, string(run.ResultJSON), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save baseline run: %w", err)
	}
	return nil
}

// GetBaselineRun returns the cached run, or nil if there is none.
func (s *Store) GetBaselineRun(siteID string, target float64, inputHash string) (*BaselineRun, error) {
	row := s.db.QueryRow(`
		SELECT id, site_id, target_non_ac_energy, input_hash, best_kind, mean_deviation, invalid_count, result_json, created_at
		FROM baseline_runs
		WHERE site_id = ? AND target_non_ac_energy = ? AND input_hash = ?
	`, siteID, target, inputHash)

	var run BaselineRun
	var resultJSON string
	err := row.Scan(&run.ID, &run.SiteID, &run.TargetNonACEnergy, &run.InputHash, &run.BestKind,
		&run.MeanDeviation, &run.InvalidCount, &resultJSON, &run.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	run.ResultJSON = []byte(resultJSON)
	return &run, nil
}

// GetLatestBaselineRuns returns the newest cached run per site, newest first.
func (s *Store) GetLatestBaselineRuns(limit int) ([]BaselineRun, error) {
	rows, err := s.db.Query(`
		SELECT id, site_id, target_non_ac_energy, input_hash, best_kind, mean_deviation, invalid_count, created_at
		FROM baseline_runs b
		WHERE created_at = (SELECT MAX(created_at) FROM baseline_runs WHERE site_id = b.site_id)
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []BaselineRun
	for rows.Next() {
		var run BaselineRun
		if err := rows.Scan(&run.ID, &run.SiteID, &run.TargetNonACEnergy, &run.InputHash, &run.BestKind,
			&run.MeanDeviation, &run.InvalidCount, &run.CreatedAt); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
