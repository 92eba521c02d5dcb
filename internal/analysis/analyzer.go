// Package analysis runs baseline optimisations for stored sites, caching
// results and recording metrics around the pure baseline package.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/vertriqe/vertriqe-dashboard-sub000/internal/baseline"
	"github.com/vertriqe/vertriqe-dashboard-sub000/internal/metrics"
	"github.com/vertriqe/vertriqe-dashboard-sub000/internal/models"
	"github.com/vertriqe/vertriqe-dashboard-sub000/internal/regression"
	"github.com/vertriqe/vertriqe-dashboard-sub000/internal/store"
)

// ErrSiteNotFound is returned for an unknown site ID.
var ErrSiteNotFound = errors.New("site not found")

// Exporter receives freshly computed results, e.g. for time-series storage.
type Exporter interface {
	Write(ctx context.Context, siteID string, res *baseline.Result) error
}

type Analyzer struct {
	store    *store.Store
	exporter Exporter
}

func New(store *store.Store) *Analyzer {
	return &Analyzer{store: store}
}

// SetExporter configures where fresh site results are exported.
func (a *Analyzer) SetExporter(e Exporter) {
	a.exporter = e
}

// Optimize runs the optimiser and records its outcome in metrics.
func (a *Analyzer) Optimize(in baseline.Input) (*baseline.Result, error) {
	started := time.Now()
	res, err := baseline.Optimize(in)
	metrics.OptimizeDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		return nil, err
	}

	for _, c := range res.Candidates {
		if c.Fit.FellBack() {
			metrics.FitFallbacks.WithLabelValues(c.Family.String(), c.Fit.Kind().String()).Inc()
		}
	}
	for _, ex := range res.Excluded {
		metrics.FitExclusions.WithLabelValues(ex.Family.String()).Inc()
	}
	metrics.OptimizationsTotal.WithLabelValues(res.Best.Family.String(), strconv.FormatBool(res.Best.IsValid)).Inc()
	return res, nil
}

// SiteResult is a baseline computed from a site's stored history.
type SiteResult struct {
	Site         *models.Site
	Observations []models.Observation
	Result       *baseline.Result
	InputHash    string
	Cached       bool
}

// SiteBaseline optimises a stored site. A nil target uses the site's
// configured non-AC target. Results are cached per site, target and input.
func (a *Analyzer) SiteBaseline(ctx context.Context, siteID string, target *float64) (*SiteResult, error) {
	site, err := a.store.GetSite(siteID)
	if err != nil {
		return nil, fmt.Errorf("get site: %w", err)
	}
	if site == nil {
		return nil, fmt.Errorf("%w: %s", ErrSiteNotFound, siteID)
	}

	t, err := resolveTarget(site, target)
	if err != nil {
		return nil, err
	}

	observations, err := a.store.GetObservations(siteID)
	if err != nil {
		return nil, fmt.Errorf("get observations: %w", err)
	}

	sr := &SiteResult{
		Site:         site,
		Observations: observations,
		InputHash:    baseline.InputHash(observations),
	}

	cached, err := a.store.GetBaselineRun(siteID, t, sr.InputHash)
	if err != nil {
		log.Printf("analysis: read cache %s: %v", siteID, err)
	}
	if cached != nil {
		var res baseline.Result
		if err := json.Unmarshal(cached.ResultJSON, &res); err != nil {
			log.Printf("analysis: decode cached run %d: %v", cached.ID, err)
		} else if len(res.Candidates) > 0 {
			res.Best = res.Candidates[0]
			sr.Result = &res
			sr.Cached = true
			metrics.BaselineCacheTotal.WithLabelValues("hit").Inc()
			return sr, nil
		}
	}
	metrics.BaselineCacheTotal.WithLabelValues("miss").Inc()

	res, err := a.Optimize(baseline.Input{Observations: observations, TargetNonACEnergy: t})
	if err != nil {
		return nil, err
	}
	sr.Result = res

	if err := a.save(siteID, sr.InputHash, res); err != nil {
		log.Printf("analysis: cache %s: %v", siteID, err)
	}

	if a.exporter != nil {
		if err := a.exporter.Write(ctx, siteID, res); err != nil {
			log.Printf("analysis: export %s: %v", siteID, err)
		}
	}

	log.Printf("analysis: %s best=%s mean_dev=%.2f invalid=%d", siteID, res.Best.Family, res.Best.MeanDeviation, res.Best.InvalidCount)
	return sr, nil
}

// RefreshAll recomputes baselines for active sites with a configured target.
// Unchanged inputs are served from the cache and cost nothing.
func (a *Analyzer) RefreshAll(ctx context.Context) error {
	sites, err := a.store.GetActiveSites()
	if err != nil {
		return fmt.Errorf("get active sites: %w", err)
	}

	var failed int
	for _, site := range sites {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !site.TargetNonACEnergy.Valid {
			continue
		}
		if _, err := a.SiteBaseline(ctx, site.SiteID, nil); err != nil {
			log.Printf("analysis: refresh %s: %v", site.SiteID, err)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("refresh baselines: %d of %d sites failed", failed, len(sites))
	}
	return nil
}

func (a *Analyzer) save(siteID, hash string, res *baseline.Result) error {
	b, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	return a.store.SaveBaselineRun(store.BaselineRun{
		SiteID:            siteID,
		TargetNonACEnergy: res.TargetNonACEnergy,
		InputHash:         hash,
		BestKind:          res.Best.Family.String(),
		MeanDeviation:     res.Best.MeanDeviation,
		InvalidCount:      res.Best.InvalidCount,
		ResultJSON:        b,
	})
}

func resolveTarget(site *models.Site, target *float64) (float64, error) {
	if target != nil {
		return *target, nil
	}
	if site.TargetNonACEnergy.Valid {
		return site.TargetNonACEnergy.Float64, nil
	}
	return 0, &regression.ValidationError{
		Field:  "target",
		Reason: fmt.Sprintf("site %s has no configured non-AC target; pass ?target=", site.SiteID),
	}
}
