package api

import (
	"database/sql"
	"fmt"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vertriqe/vertriqe-dashboard-sub000/internal/analysis"
	"github.com/vertriqe/vertriqe-dashboard-sub000/internal/baseline"
	"github.com/vertriqe/vertriqe-dashboard-sub000/internal/chart"
	"github.com/vertriqe/vertriqe-dashboard-sub000/internal/ingest"
	"github.com/vertriqe/vertriqe-dashboard-sub000/internal/models"
	"github.com/vertriqe/vertriqe-dashboard-sub000/internal/regression"
	"github.com/vertriqe/vertriqe-dashboard-sub000/internal/store"
)

type siteJSON struct {
	SiteID            string   `json:"siteId"`
	Name              string   `json:"name"`
	Latitude          float64  `json:"latitude"`
	Longitude         float64  `json:"longitude"`
	Timezone          string   `json:"timezone,omitempty"`
	TargetNonACEnergy *float64 `json:"targetNonACEnergy,omitempty"`
	Active            *bool    `json:"active,omitempty"`
}

func toSiteJSON(site models.Site) siteJSON {
	v := siteJSON{
		SiteID:    site.SiteID,
		Name:      site.Name,
		Latitude:  site.Latitude,
		Longitude: site.Longitude,
		Timezone:  site.Timezone,
		Active:    &site.Active,
	}
	if site.TargetNonACEnergy.Valid {
		t := site.TargetNonACEnergy.Float64
		v.TargetNonACEnergy = &t
	}
	return v
}

func (s *Server) handleListSites(w http.ResponseWriter, r *http.Request) {
	sites, err := s.store.GetActiveSites()
	if err != nil {
		writeError(w, fmt.Errorf("get active sites: %w", err))
		return
	}
	out := make([]siteJSON, 0, len(sites))
	for _, site := range sites {
		out = append(out, toSiteJSON(site))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUpsertSite(w http.ResponseWriter, r *http.Request) {
	var req siteJSON
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.SiteID) == "" {
		writeError(w, &regression.ValidationError{Field: "siteId", Reason: "required"})
		return
	}
	if req.Latitude < -90 || req.Latitude > 90 || req.Longitude < -180 || req.Longitude > 180 {
		writeError(w, &regression.ValidationError{Field: "latitude", Reason: "coordinates out of range"})
		return
	}

	site := models.Site{
		SiteID:    req.SiteID,
		Name:      req.Name,
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		Timezone:  req.Timezone,
		Active:    req.Active == nil || *req.Active,
	}
	if site.Timezone == "" {
		site.Timezone = "UTC"
	}
	if t := req.TargetNonACEnergy; t != nil {
		if math.IsNaN(*t) || math.IsInf(*t, 0) || *t < 0 {
			writeError(w, &regression.ValidationError{Field: "targetNonACEnergy", Reason: "must be a finite number >= 0"})
			return
		}
		site.TargetNonACEnergy = sql.NullFloat64{Float64: *t, Valid: true}
	}

	if err := s.store.UpsertSite(site); err != nil {
		writeError(w, fmt.Errorf("upsert site: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, toSiteJSON(site))
}

// site loads the {id} path site, writing a 404 when it does not exist.
func (s *Server) site(w http.ResponseWriter, r *http.Request) (*models.Site, bool) {
	id := r.PathValue("id")
	site, err := s.store.GetSite(id)
	if err != nil {
		writeError(w, fmt.Errorf("get site: %w", err))
		return nil, false
	}
	if site == nil {
		writeError(w, fmt.Errorf("%w: %s", analysis.ErrSiteNotFound, id))
		return nil, false
	}
	return site, true
}

func (s *Server) handleListObservations(w http.ResponseWriter, r *http.Request) {
	site, ok := s.site(w, r)
	if !ok {
		return
	}
	observations, err := s.store.GetObservations(site.SiteID)
	if err != nil {
		writeError(w, fmt.Errorf("get observations: %w", err))
		return
	}
	out := make([]observationJSON, 0, len(observations))
	for _, o := range observations {
		out = append(out, toObservationJSON(o))
	}
	writeJSON(w, http.StatusOK, out)
}

type addObservationsResponse struct {
	Stored       int                 `json:"stored"`
	HourlyStored int                 `json:"hourlyStored"`
	Flags        map[string][]string `json:"flags,omitempty"`
}

// handleAddObservations stores billing periods. Hourly temperatures, when
// given, are stored from the first hour of the month onwards.
func (s *Server) handleAddObservations(w http.ResponseWriter, r *http.Request) {
	site, ok := s.site(w, r)
	if !ok {
		return
	}
	var req []observationJSON
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req) == 0 {
		writeError(w, &regression.ValidationError{Field: "observations", Reason: "at least one observation is required"})
		return
	}

	// Validate everything before writing anything.
	observations := make([]models.Observation, 0, len(req))
	resp := addObservationsResponse{Flags: map[string][]string{}}
	for i, o := range req {
		obs, err := o.toModel(site.SiteID, i)
		if err != nil {
			writeError(w, err)
			return
		}
		obs.Source = "api"
		flags := ingest.ValidateObservation(&obs)
		for _, f := range flags {
			if f == ingest.FlagNonFinite {
				writeError(w, &regression.ValidationError{
					Field:  fmt.Sprintf("observations[%d]", i),
					Reason: "temperature and totalEnergy must be finite",
					Err:    regression.ErrNonFinite,
				})
				return
			}
		}
		if len(flags) > 0 {
			resp.Flags[obs.Date()] = flags
		}
		observations = append(observations, obs)
	}

	for _, obs := range observations {
		if err := s.store.UpsertObservation(obs); err != nil {
			writeError(w, fmt.Errorf("store observation %s: %w", obs.Date(), err))
			return
		}
		resp.Stored++

		if len(obs.HourlyTemperatures) == 0 {
			continue
		}
		hourly := make([]models.HourlyTemperature, 0, len(obs.HourlyTemperatures))
		for h, temp := range obs.HourlyTemperatures {
			sample := models.HourlyTemperature{
				SiteID:     site.SiteID,
				ObservedAt: obs.Period.Add(time.Duration(h) * time.Hour),
				Temp:       temp,
			}
			if sample.ObservedAt.Month() != obs.Period.Month() || len(ingest.ValidateHourly(sample)) > 0 {
				continue
			}
			hourly = append(hourly, sample)
		}
		n, err := s.store.InsertHourlyTemperatures(hourly)
		if err != nil {
			writeError(w, fmt.Errorf("store hourly temperatures %s: %w", obs.Date(), err))
			return
		}
		resp.HourlyStored += n
	}

	log.Printf("server: stored %d observations for %s", resp.Stored, site.SiteID)
	writeJSON(w, http.StatusOK, resp)
}

// parseTarget reads the optional ?target= query parameter.
func parseTarget(r *http.Request) (*float64, error) {
	raw := r.URL.Query().Get("target")
	if raw == "" {
		return nil, nil
	}
	t, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(t) || math.IsInf(t, 0) {
		return nil, &regression.ValidationError{Field: "target", Reason: "must be a number"}
	}
	return &t, nil
}

func (s *Server) siteBaseline(w http.ResponseWriter, r *http.Request) (*analysis.SiteResult, bool) {
	target, err := parseTarget(r)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	sr, err := s.analyzer.SiteBaseline(r.Context(), r.PathValue("id"), target)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return sr, true
}

type siteBaselineResponse struct {
	Site      siteJSON         `json:"site"`
	InputHash string           `json:"inputHash"`
	Cached    bool             `json:"cached"`
	Narrative string           `json:"narrative"`
	Result    *baseline.Result `json:"result"`
}

func (s *Server) handleSiteBaseline(w http.ResponseWriter, r *http.Request) {
	sr, ok := s.siteBaseline(w, r)
	if !ok {
		return
	}

	text, err := s.narrator.Narrate(r.Context(), sr.Site.Name, sr.Result)
	if err != nil {
		log.Printf("server: narrate %s: %v", sr.Site.SiteID, err)
	}

	writeJSON(w, http.StatusOK, siteBaselineResponse{
		Site:      toSiteJSON(*sr.Site),
		InputHash: sr.InputHash,
		Cached:    sr.Cached,
		Narrative: text,
		Result:    sr.Result,
	})
}

func (s *Server) handleBaselineChart(w http.ResponseWriter, r *http.Request) {
	sr, ok := s.siteBaseline(w, r)
	if !ok {
		return
	}

	key := fmt.Sprintf("%s|%g|%s", sr.Site.SiteID, sr.Result.TargetNonACEnergy, sr.InputHash)
	data, hit := s.chartCache.Get(key)
	if !hit {
		title := sr.Site.Name
		if title == "" {
			title = sr.Site.SiteID
		}
		var err error
		data, err = chart.RenderBaseline(title, sr.Result.Best, sr.Result.TargetNonACEnergy)
		if err != nil {
			writeError(w, fmt.Errorf("render chart: %w", err))
			return
		}
		s.chartCache.Set(key, data)
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=600")
	w.Write(data)
}

type forecastResponse struct {
	SiteID string          `json:"siteId"`
	Family regression.Kind `json:"family"`
	Model  *regression.Fit `json:"model"`
	baseline.Forecast
}

// handleForecast predicts usage for a month from the site's best model.
// Stored hourly temperatures for that month are used when available.
func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	period, err := models.ParsePeriod(q.Get("month"))
	if err != nil {
		writeError(w, &regression.ValidationError{Field: "month", Reason: err.Error(), Err: err})
		return
	}
	temp, err := strconv.ParseFloat(q.Get("temperature"), 64)
	if err != nil || math.IsNaN(temp) || math.IsInf(temp, 0) {
		writeError(w, &regression.ValidationError{Field: "temperature", Reason: "must be a number"})
		return
	}

	sr, ok := s.siteBaseline(w, r)
	if !ok {
		return
	}

	stored, err := s.store.GetHourlyTemperatures(sr.Site.SiteID, period)
	if err != nil {
		writeError(w, fmt.Errorf("get hourly temperatures: %w", err))
		return
	}
	hourly := make([]float64, 0, len(stored))
	for _, h := range stored {
		hourly = append(hourly, h.Temp)
	}

	best := sr.Result.Best
	writeJSON(w, http.StatusOK, forecastResponse{
		SiteID:   sr.Site.SiteID,
		Family:   best.Family,
		Model:    best.Fit,
		Forecast: best.Forecast(period, temp, hourly, sr.Result.TargetNonACEnergy),
	})
}

type baselineRunJSON struct {
	SiteID            string    `json:"siteId"`
	TargetNonACEnergy float64   `json:"targetNonACEnergy"`
	Best              string    `json:"best"`
	MeanDeviation     float64   `json:"meanDeviation"`
	InvalidCount      int       `json:"invalidCount"`
	InputHash         string    `json:"inputHash"`
	ComputedAt        time.Time `json:"computedAt"`
}

func (s *Server) handleRecentBaselines(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.GetLatestBaselineRuns(50)
	if err != nil {
		writeError(w, fmt.Errorf("get baseline runs: %w", err))
		return
	}
	out := make([]baselineRunJSON, 0, len(runs))
	for _, run := range runs {
		out = append(out, baselineRunJSON{
			SiteID:            run.SiteID,
			TargetNonACEnergy: run.TargetNonACEnergy,
			Best:              run.BestKind,
			MeanDeviation:     run.MeanDeviation,
			InvalidCount:      run.InvalidCount,
			InputHash:         run.InputHash,
			ComputedAt:        run.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type ingestHealthResponse struct {
	Sources []store.SourceStatus `json:"sources"`
	Errors  []ingestErrorJSON    `json:"recentErrors"`
}

type ingestErrorJSON struct {
	StartedAt time.Time `json:"startedAt"`
	SiteID    string    `json:"siteId"`
	Source    string    `json:"source"`
	Endpoint  string    `json:"endpoint"`
	Error     string    `json:"error"`
}

func (s *Server) handleIngestHealth(w http.ResponseWriter, r *http.Request) {
	sources, err := s.store.IngestStatus(7 * 24 * time.Hour)
	if err != nil {
		writeError(w, fmt.Errorf("get ingest status: %w", err))
		return
	}
	runs, err := s.store.RecentIngestFailures(20)
	if err != nil {
		writeError(w, fmt.Errorf("get ingest failures: %w", err))
		return
	}

	resp := ingestHealthResponse{Sources: sources, Errors: make([]ingestErrorJSON, 0, len(runs))}
	if resp.Sources == nil {
		resp.Sources = []store.SourceStatus{}
	}
	for _, run := range runs {
		resp.Errors = append(resp.Errors, ingestErrorJSON{
			StartedAt: run.StartedAt,
			SiteID:    run.SiteID,
			Source:    run.Source,
			Endpoint:  run.Endpoint,
			Error:     run.Error,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
