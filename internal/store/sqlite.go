package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/vertriqe/vertriqe-dashboard-sub000/internal/models"
	"github.com/vertriqe/vertriqe-dashboard-sub000/internal/usage"
)

// timeLayout is how timestamps are stored: UTC, sortable as text.
const timeLayout = "2006-01-02T15:04:05Z"

type Store struct {
	db  *sql.DB
	loc *time.Location
}

func New(db *sql.DB, loc *time.Location) *Store {
	return &Store{db: db, loc: loc}
}

// Location returns the timezone the store was opened with.
func (s *Store) Location() *time.Location {
	return s.loc
}

func (s *Store) UpsertSite(site models.Site) error {
	_, err := s.db.Exec(`
		INSERT INTO sites (site_id, name, latitude, longitude, timezone, target_non_ac_energy, active)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(site_id) DO UPDATE SET
			name = excluded.name,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			timezone = excluded.timezone,
			target_non_ac_energy = excluded.target_non_ac_energy,
			active = excluded.active
	`, site.SiteID, site.Name, site.Latitude, site.Longitude, site.Timezone, site.TargetNonACEnergy, site.Active)
	return err
}

func (s *Store) GetSite(siteID string) (*models.Site, error) {
	row := s.db.QueryRow(`
		SELECT site_id, name, latitude, longitude, timezone, target_non_ac_energy, active
		FROM sites WHERE site_id = ?
	`, siteID)

	var site models.Site
	err := row.Scan(&site.SiteID, &site.Name, &site.Latitude, &site.Longitude, &site.Timezone, &site.TargetNonACEnergy, &site.Active)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &site, nil
}

func (s *Store) GetActiveSites() ([]models.Site, error) {
	rows, err := s.db.Query(`
		SELECT site_id, name, latitude, longitude, timezone, target_non_ac_energy, active
		FROM sites WHERE active = TRUE ORDER BY site_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sites []models.Site
	for rows.Next() {
		var site models.Site
		if err := rows.Scan(&site.SiteID, &site.Name, &site.Latitude, &site.Longitude, &site.Timezone, &site.TargetNonACEnergy, &site.Active); err != nil {
			return nil, err
		}
		sites = append(sites, site)
	}
	return sites, rows.Err()
}

// UpsertObservation stores a billing period, replacing an earlier reading for
// the same site and month.
func (s *Store) UpsertObservation(obs models.Observation) error {
	source := obs.Source
	if source == "" {
		source = "api"
	}
	_, err := s.db.Exec(`
		INSERT INTO billing_observations (site_id, period, temperature, total_energy, source)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(site_id, period) DO UPDATE SET
			temperature = excluded.temperature,
			total_energy = excluded.total_energy,
			source = excluded.source
	`, obs.SiteID, obs.Date(), obs.Temperature, obs.TotalEnergy, source)
	return err
}

// GetObservations returns a site's billing periods in date order, each with
// whatever hourly temperatures have been ingested for that month.
func (s *Store) GetObservations(siteID string) ([]models.Observation, error) {
	rows, err := s.db.Query(`
		SELECT id, site_id, period, temperature, total_energy, source, created_at
		FROM billing_observations
		WHERE site_id = ?
		ORDER BY period ASC
	`, siteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var observations []models.Observation
	for rows.Next() {
		var obs models.Observation
		var period string
		var source sql.NullString
		if err := rows.Scan(&obs.ID, &obs.SiteID, &period, &obs.Temperature, &obs.TotalEnergy, &source, &obs.CreatedAt); err != nil {
			return nil, err
		}
		obs.Period, err = models.ParsePeriod(period)
		if err != nil {
			return nil, err
		}
		obs.Source = source.String
		observations = append(observations, obs)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	hourly, err := s.hourlyByPeriod(siteID)
	if err != nil {
		return nil, fmt.Errorf("load hourly temperatures: %w", err)
	}
	for i := range observations {
		observations[i].HourlyTemperatures = hourly[observations[i].Date()]
	}
	return observations, nil
}

func (s *Store) hourlyByPeriod(siteID string) (map[string][]float64, error) {
	rows, err := s.db.Query(`
		SELECT period, temp FROM hourly_temperatures
		WHERE site_id = ?
		ORDER BY observed_at ASC
	`, siteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byPeriod := make(map[string][]float64)
	for rows.Next() {
		var period string
		var temp float64
		if err := rows.Scan(&period, &temp); err != nil {
			return nil, err
		}
		byPeriod[period] = append(byPeriod[period], temp)
	}
	return byPeriod, rows.Err()
}

// InsertHourlyTemperatures stores hourly samples, ignoring hours already present.
// It returns the number of new rows.
func (s *Store) InsertHourlyTemperatures(temps []models.HourlyTemperature) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO hourly_temperatures (site_id, observed_at, period, temp)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(site_id, observed_at) DO NOTHING
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	var stored int
	for _, h := range temps {
		at := h.ObservedAt.UTC()
		res, err := stmt.Exec(h.SiteID, at.Format(timeLayout), at.Format(models.PeriodLayout), h.Temp)
		if err != nil {
			return 0, fmt.Errorf("insert hourly temperature %s: %w", at.Format(timeLayout), err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			stored++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit hourly temperatures: %w", err)
	}
	return stored, nil
}

// GetHourlyTemperatures returns the samples for the month containing period.
func (s *Store) GetHourlyTemperatures(siteID string, period time.Time) ([]models.HourlyTemperature, error) {
	rows, err := s.db.Query(`
		SELECT site_id, observed_at, temp FROM hourly_temperatures
		WHERE site_id = ? AND period = ?
		ORDER BY observed_at ASC
	`, siteID, period.UTC().Format(models.PeriodLayout))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var temps []models.HourlyTemperature
	for rows.Next() {
		var h models.HourlyTemperature
		var at string
		if err := rows.Scan(&h.SiteID, &at, &h.Temp); err != nil {
			return nil, err
		}
		h.ObservedAt, err = time.Parse(timeLayout, at)
		if err != nil {
			return nil, fmt.Errorf("parse observed_at %q: %w", at, err)
		}
		temps = append(temps, h)
	}
	return temps, rows.Err()
}

// HourlyCoverage returns the fraction of the month's hours with a stored sample.
func (s *Store) HourlyCoverage(siteID string, period time.Time) (float64, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM hourly_temperatures WHERE site_id = ? AND period = ?
	`, siteID, period.UTC().Format(models.PeriodLayout)).Scan(&n)
	if err != nil {
		return 0, err
	}
	return float64(n) / usage.HoursInPeriod(period), nil
}
