package ingest

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"slices"
	"time"

	"github.com/vertriqe/vertriqe-dashboard-sub000/internal/metrics"
	"github.com/vertriqe/vertriqe-dashboard-sub000/internal/models"
	"github.com/vertriqe/vertriqe-dashboard-sub000/internal/store"
)

// archiveLag is how far behind real time the weather archive runs.
const archiveLag = 5 * 24 * time.Hour

// WeatherSource supplies historical hourly temperatures.
type WeatherSource interface {
	FetchHourly(ctx context.Context, siteID string, lat, lon float64, start, end time.Time) ([]models.HourlyTemperature, []byte, error)
}

// BillSource supplies a site's raw bill export.
type BillSource interface {
	Fetch(siteID string) ([]byte, error)
	Path(siteID string) string
}

// Refresher recomputes derived results once new data has landed.
type Refresher interface {
	RefreshAll(ctx context.Context) error
}

type Scheduler struct {
	store     *store.Store
	weather   WeatherSource
	bills     BillSource
	refresher Refresher
	interval  time.Duration
	retention time.Duration
	now       func() time.Time
}

func NewScheduler(store *store.Store, weather WeatherSource, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	return &Scheduler{
		store:     store,
		weather:   weather,
		interval:  interval,
		retention: 90 * 24 * time.Hour,
		now:       time.Now,
	}
}

// SetBillSource configures the scheduler to import bill exports for each site.
func (s *Scheduler) SetBillSource(bills BillSource) {
	s.bills = bills
}

// SetRefresher configures a hook run after each ingest pass.
func (s *Scheduler) SetRefresher(r Refresher) {
	s.refresher = r
}

func (s *Scheduler) Run(ctx context.Context) {
	if err := s.IngestOnce(ctx); err != nil {
		log.Printf("scheduler: %v", err)
	}

	ticker := time.NewTicker(s.interval)
	cleanupTicker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("scheduler: shutting down")
			return
		case <-ticker.C:
			if err := s.IngestOnce(ctx); err != nil {
				log.Printf("scheduler: %v", err)
			}
		case <-cleanupTicker.C:
			n, err := s.store.PrunePayloads(s.retention)
			if err != nil {
				log.Printf("scheduler: prune payloads: %v", err)
			} else if n > 0 {
				log.Printf("scheduler: pruned %d payloads older than %s", n, s.retention)
			}
		}
	}
}

// IngestOnce imports bills and backfills hourly temperatures for every active
// site, then runs the refresher. Per-site failures are logged and audited but
// do not stop other sites.
func (s *Scheduler) IngestOnce(ctx context.Context) error {
	sites, err := s.store.GetActiveSites()
	if err != nil {
		return fmt.Errorf("get active sites: %w", err)
	}
	log.Printf("scheduler: ingesting %d sites", len(sites))

	for _, site := range sites {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.bills != nil {
			s.importBills(site)
		}
		s.backfillHourly(ctx, site)
	}

	if s.refresher != nil {
		if err := s.refresher.RefreshAll(ctx); err != nil {
			log.Printf("scheduler: refresh: %v", err)
		}
	}
	return nil
}

func (s *Scheduler) importBills(site models.Site) {
	siteID := site.SiteID
	run, err := s.store.BeginIngestRun(siteID, store.SourceBills, s.bills.Path(siteID))
	if err != nil {
		log.Printf("scheduler: begin bill run %s: %v", siteID, err)
	}

	runErr := s.loadBills(run, siteID)
	if runErr != nil {
		log.Printf("scheduler: bills %s: %v", siteID, runErr)
	}
	if err := s.store.FinishIngestRun(run, runErr); err != nil {
		log.Printf("scheduler: finish bill run %s: %v", siteID, err)
	}
}

func (s *Scheduler) loadBills(run *store.IngestRun, siteID string) error {
	if run == nil {
		run = &store.IngestRun{}
	}
	body, err := s.bills.Fetch(siteID)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	run.Bytes = len(body)
	s.keepPayload(run, body)

	observations, skipped, err := ParseBillsCSV(siteID, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	run.Parsed = len(observations)
	run.Rejected = skipped

	for _, obs := range observations {
		flags := ValidateObservation(&obs)
		if slices.Contains(flags, FlagNonFinite) {
			run.Rejected++
			continue
		}
		if len(flags) > 0 {
			log.Printf("scheduler: %s %s flagged %v", siteID, obs.Date(), flags)
		}
		if err := s.store.UpsertObservation(obs); err != nil {
			return fmt.Errorf("store %s: %w", obs.Date(), err)
		}
		run.Stored++
	}
	metrics.BillsImported.WithLabelValues(siteID, store.SourceBills).Add(float64(run.Stored))
	log.Printf("scheduler: %s: imported %d billing periods (%d rejected)", siteID, run.Stored, run.Rejected)
	return nil
}

// backfillHourly fetches hourly temperatures for each billing period that is
// not yet fully covered and has finished long enough ago to be archived.
func (s *Scheduler) backfillHourly(ctx context.Context, site models.Site) {
	observations, err := s.store.GetObservations(site.SiteID)
	if err != nil {
		log.Printf("scheduler: get observations %s: %v", site.SiteID, err)
		return
	}

	cutoff := s.now().UTC().Add(-archiveLag)
	for _, obs := range observations {
		if ctx.Err() != nil {
			return
		}
		start := obs.Period
		end := start.AddDate(0, 1, 0).Add(-time.Hour)
		if !start.Before(cutoff) {
			continue
		}
		if end.After(cutoff) {
			end = cutoff
		}

		coverage, err := s.store.HourlyCoverage(site.SiteID, obs.Period)
		if err != nil {
			log.Printf("scheduler: coverage %s %s: %v", site.SiteID, obs.Date(), err)
			continue
		}
		if coverage >= 1 {
			continue
		}

		if err := s.fetchHourly(ctx, site, start, end); err != nil {
			log.Printf("scheduler: hourly %s %s: %v", site.SiteID, obs.Date(), err)
		}
	}
}

func (s *Scheduler) fetchHourly(ctx context.Context, site models.Site, start, end time.Time) error {
	siteID := site.SiteID
	run, err := s.store.BeginIngestRun(siteID, store.SourceWeather, "archive/hourly "+start.Format(models.PeriodLayout))
	if err != nil {
		log.Printf("scheduler: begin weather run %s: %v", siteID, err)
	}

	runErr := s.loadHourly(ctx, run, site, start, end)
	if err := s.store.FinishIngestRun(run, runErr); err != nil {
		log.Printf("scheduler: finish weather run %s: %v", siteID, err)
	}
	return runErr
}

func (s *Scheduler) loadHourly(ctx context.Context, run *store.IngestRun, site models.Site, start, end time.Time) error {
	if run == nil {
		run = &store.IngestRun{}
	}
	temps, body, err := s.weather.FetchHourly(ctx, site.SiteID, site.Latitude, site.Longitude, start, end)
	run.Bytes = len(body)
	if len(body) > 0 {
		s.keepPayload(run, body)
	}
	if err != nil {
		return err
	}
	run.Parsed = len(temps)

	valid := temps[:0]
	for _, h := range temps {
		if len(ValidateHourly(h)) > 0 {
			run.Rejected++
			continue
		}
		valid = append(valid, h)
	}

	run.Stored, err = s.store.InsertHourlyTemperatures(valid)
	if err != nil {
		return err
	}
	metrics.HourlyTemperaturesIngested.WithLabelValues(site.SiteID).Add(float64(run.Stored))
	log.Printf("scheduler: %s: stored %d hourly temperatures for %s", site.SiteID, run.Stored, start.Format(models.PeriodLayout))
	return nil
}

// keepPayload stores the raw body against its run. Runs that failed to
// begin have no ID and are not kept.
func (s *Scheduler) keepPayload(run *store.IngestRun, body []byte) {
	if run.ID == 0 {
		return
	}
	if _, err := s.store.SavePayload(run, body); err != nil {
		log.Printf("scheduler: keep %s payload %s: %v", run.Source, run.SiteID, err)
	}
}
