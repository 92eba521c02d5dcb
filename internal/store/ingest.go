package store

import (
	"fmt"
	"time"
)

// Ingest sources recorded in ingest_runs.
const (
	SourceWeather = "open-meteo"
	SourceBills   = "ftp"
)

// IngestRun audits one fetch for a site: how much came back and how much of
// it was kept.
type IngestRun struct {
	ID         int64
	SiteID     string
	Source     string
	Endpoint   string
	StartedAt  time.Time
	FinishedAt time.Time
	Bytes      int
	Parsed     int
	Stored     int
	Rejected   int
	Success    bool
	Error      string
}

func (s *Store) BeginIngestRun(siteID, source, endpoint string) (*IngestRun, error) {
	run := &IngestRun{
		SiteID:    siteID,
		Source:    source,
		Endpoint:  endpoint,
		StartedAt: time.Now().UTC().Truncate(time.Second),
	}
	res, err := s.db.Exec(`
		INSERT INTO ingest_runs (site_id, source, endpoint, started_at)
		VALUES (?, ?, ?, ?)
	`, siteID, source, endpoint, run.StartedAt.Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("insert ingest run: %w", err)
	}
	if run.ID, err = res.LastInsertId(); err != nil {
		return nil, err
	}
	return run, nil
}

// FinishIngestRun records the run's counters. A non-nil runErr marks it failed.
func (s *Store) FinishIngestRun(run *IngestRun, runErr error) error {
	if run == nil {
		return nil
	}
	run.FinishedAt = time.Now().UTC().Truncate(time.Second)
	run.Success = runErr == nil
	if runErr != nil {
		run.Error = runErr.Error()
	}

	_, err := s.db.Exec(`
		UPDATE ingest_runs SET
			finished_at = ?, bytes = ?, parsed = ?, stored = ?, rejected = ?,
			success = ?, error = NULLIF(?, '')
		WHERE id = ?
	`, run.FinishedAt.Format(timeLayout), run.Bytes, run.Parsed, run.Stored, run.Rejected,
		run.Success, run.Error, run.ID)
	return err
}

// SourceStatus summarises recent fetches of one source for one site.
type SourceStatus struct {
	SiteID      string    `json:"siteId"`
	Source      string    `json:"source"`
	Runs        int       `json:"runs"`
	Failures    int       `json:"failures"`
	Stored      int64     `json:"stored"`
	Rejected    int64     `json:"rejected"`
	LastSuccess time.Time `json:"lastSuccess,omitzero"`
	LastError   string    `json:"lastError,omitempty"`
}

// IngestStatus returns per-site, per-source totals for runs started within
// the last window. Runs that never finished count as failures. LastError is
// the most recent failure regardless of window.
func (s *Store) IngestStatus(window time.Duration) ([]SourceStatus, error) {
	since := time.Now().UTC().Add(-window).Format(timeLayout)
	rows, err := s.db.Query(`
		SELECT r.site_id, r.source, COUNT(*),
			SUM(CASE WHEN r.success THEN 0 ELSE 1 END),
			SUM(r.stored), SUM(r.rejected),
			COALESCE(MAX(CASE WHEN r.success THEN r.finished_at END), ''),
			COALESCE((
				SELECT f.error FROM ingest_runs f
				WHERE f.site_id = r.site_id AND f.source = r.source AND NOT f.success AND f.error IS NOT NULL
				ORDER BY f.started_at DESC, f.id DESC LIMIT 1
			), '')
		FROM ingest_runs r
		WHERE r.started_at >= ?
		GROUP BY r.site_id, r.source
		ORDER BY r.site_id, r.source
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SourceStatus
	for rows.Next() {
		var st SourceStatus
		var lastSuccess string
		if err := rows.Scan(&st.SiteID, &st.Source, &st.Runs, &st.Failures, &st.Stored, &st.Rejected,
			&lastSuccess, &st.LastError); err != nil {
			return nil, err
		}
		if lastSuccess != "" {
			if st.LastSuccess, err = time.Parse(timeLayout, lastSuccess); err != nil {
				return nil, fmt.Errorf("parse finished_at %q: %w", lastSuccess, err)
			}
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// RecentIngestFailures returns failed runs, newest first.
func (s *Store) RecentIngestFailures(limit int) ([]IngestRun, error) {
	rows, err := s.db.Query(`
		SELECT id, site_id, source, endpoint, started_at, COALESCE(finished_at, ''),
			bytes, parsed, stored, rejected, success, COALESCE(error, '')
		FROM ingest_runs
		WHERE NOT success
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []IngestRun
	for rows.Next() {
		var run IngestRun
		var started, finished string
		if err := rows.Scan(&run.ID, &run.SiteID, &run.Source, &run.Endpoint, &started, &finished,
			&run.Bytes, &run.Parsed, &run.Stored, &run.Rejected, &run.Success, &run.Error); err != nil {
			return nil, err
		}
		if run.StartedAt, err = time.Parse(timeLayout, started); err != nil {
			return nil, fmt.Errorf("parse started_at %q: %w", started, err)
		}
		if finished != "" {
			if run.FinishedAt, err = time.Parse(timeLayout, finished); err != nil {
				return nil, fmt.Errorf("parse finished_at %q: %w", finished, err)
			}
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
