package store

import (
	"database/sql"
	"fmt"
	"log"
	"time"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Initial schema",
		SQL: `
CREATE TABLE IF NOT EXISTS sites (
    site_id TEXT PRIMARY KEY,
    name TEXT,
    latitude REAL,
    longitude REAL,
    timezone TEXT,
    active BOOLEAN DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS billing_observations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    site_id TEXT NOT NULL,
    period TEXT NOT NULL,
    temperature REAL NOT NULL,
    total_energy REAL NOT NULL,
    source TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(site_id, period)
);

CREATE INDEX IF NOT EXISTS idx_billing_site_period ON billing_observations(site_id, period);
`,
	},
	{
		Version:     2,
		Description: "Add hourly temperatures for hourly-resolution prediction",
		SQL: `
CREATE TABLE IF NOT EXISTS hourly_temperatures (
    site_id TEXT NOT NULL,
    observed_at TEXT NOT NULL,
    period TEXT NOT NULL,
    temp REAL NOT NULL,
    PRIMARY KEY (site_id, observed_at)
);

CREATE INDEX IF NOT EXISTS idx_hourly_site_period ON hourly_temperatures(site_id, period);
`,
	},
	{
		Version:     3,
		Description: "Audit weather and bill fetches per site",
		SQL: `
CREATE TABLE IF NOT EXISTS ingest_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    site_id TEXT NOT NULL,
    source TEXT NOT NULL,
    endpoint TEXT NOT NULL,
    started_at TEXT NOT NULL,
    finished_at TEXT,
    bytes INTEGER NOT NULL DEFAULT 0,
    parsed INTEGER NOT NULL DEFAULT 0,
    stored INTEGER NOT NULL DEFAULT 0,
    rejected INTEGER NOT NULL DEFAULT 0,
    success BOOLEAN NOT NULL DEFAULT FALSE,
    error TEXT
);

CREATE INDEX IF NOT EXISTS idx_ingest_runs_site ON ingest_runs(site_id, source, started_at);

CREATE TABLE IF NOT EXISTS raw_payloads (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    ingest_run_id INTEGER NOT NULL REFERENCES ingest_runs(id),
    site_id TEXT NOT NULL,
    source TEXT NOT NULL,
    fetched_at TEXT NOT NULL,
    body_gzip BLOB NOT NULL,
    sha256 TEXT NOT NULL,
    UNIQUE(site_id, source, sha256)
);
`,
	},
	{
		Version:     4,
		Description: "Add per-site non-AC target",
		SQL: `
ALTER TABLE sites ADD COLUMN target_non_ac_energy REAL;
`,
	},
	{
		Version:     5,
		Description: "Add baseline_runs result cache",
		SQL: `
CREATE TABLE IF NOT EXISTS baseline_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    site_id TEXT NOT NULL,
    target_non_ac_energy REAL NOT NULL,
    input_hash TEXT NOT NULL,
    best_kind TEXT NOT NULL,
    mean_deviation REAL,
    invalid_count INTEGER,
    result_json TEXT NOT NULL,
    created_at DATETIME NOT NULL,
    UNIQUE(site_id, target_non_ac_energy, input_hash)
);
`,
	},
}

// Migrate applies pending migrations in version order, each in its own
// transaction together with its schema_migrations row.
func (s *Store) Migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	current, err := s.MigrationVersion()
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, m := range migrations {
		if i > 0 && m.Version <= migrations[i-1].Version {
			return fmt.Errorf("migration %d listed after %d", m.Version, migrations[i-1].Version)
		}
		if m.Version <= current {
			continue
		}
		if err := s.apply(m); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) apply(m migration) error {
	log.Printf("migrations: applying %d - %s", m.Version, m.Description)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("migration %d: begin: %w", m.Version, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.SQL); err != nil {
		return fmt.Errorf("migration %d: %w", m.Version, err)
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)`,
		m.Version, m.Description, time.Now().UTC().Format(timeLayout)); err != nil {
		return fmt.Errorf("migration %d: record: %w", m.Version, err)
	}
	return tx.Commit()
}

// MigrationVersion returns the highest applied schema version, 0 if none.
func (s *Store) MigrationVersion() (int, error) {
	var version sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&version); err != nil {
		return 0, err
	}
	return int(version.Int64), nil
}
