// Package export writes baseline results to InfluxDB for dashboards.
package export

import (
	"context"
	"fmt"
	"log"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/vertriqe/vertriqe-dashboard-sub000/internal/baseline"
	"github.com/vertriqe/vertriqe-dashboard-sub000/internal/models"
)

const (
	periodMeasurement = "baseline_period"
	modelMeasurement  = "baseline_model"
)

// Config holds InfluxDB connection settings.
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// BaselinePoints converts a result into one point per billing period of the
// best candidate plus a summary point stamped at computedAt.
func BaselinePoints(siteID string, res *baseline.Result, computedAt time.Time) ([]*write.Point, error) {
	best := res.Best
	if best == nil {
		return nil, fmt.Errorf("baseline points: result has no best candidate")
	}

	tags := map[string]string{
		"site":   siteID,
		"family": best.Family.String(),
		"model":  best.Fit.Kind().String(),
	}

	pts := make([]*write.Point, 0, len(best.MonthlyResults)+1)
	for _, mr := range best.MonthlyResults {
		ts, err := models.ParsePeriod(mr.Date)
		if err != nil {
			return nil, fmt.Errorf("parse period %q: %w", mr.Date, err)
		}
		pts = append(pts, write.NewPoint(periodMeasurement, tags, map[string]interface{}{
			"total_kwh":     mr.TotalEnergy,
			"synthetic_ac":  mr.SyntheticACEnergy,
			"expected_ac":   mr.ExpectedACEnergy,
			"non_ac":        mr.NonACEnergy,
			"deviation":     mr.DeviationFromTarget,
			"temperature":   mr.Temperature,
			"valid":         mr.IsValid,
			"target_non_ac": res.TargetNonACEnergy,
		}, ts))
	}

	pts = append(pts, write.NewPoint(modelMeasurement, tags, map[string]interface{}{
		"r_squared":      best.Fit.RSquared,
		"mean_deviation": best.MeanDeviation,
		"rmse":           best.RMSE,
		"max_deviation":  best.MaxDeviation,
		"invalid_count":  best.InvalidCount,
		"candidates":     len(res.Candidates),
		"excluded":       len(res.Excluded),
		"target_non_ac":  res.TargetNonACEnergy,
		"equation":       best.Fit.Model.Equation(),
	}, computedAt))

	return pts, nil
}

// InfluxWriter sends baseline results to a single bucket.
type InfluxWriter struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	now      func() time.Time
}

// NewInfluxWriter connects to InfluxDB and verifies the server is healthy.
func NewInfluxWriter(ctx context.Context, cfg Config) (*InfluxWriter, error) {
	if cfg.URL == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("influx url and bucket are required")
	}

	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	if _, err := client.Health(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to influxdb: %w", err)
	}

	log.Printf("export: writing baselines to %s bucket %s", cfg.URL, cfg.Bucket)
	return &InfluxWriter{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		now:      time.Now,
	}, nil
}

// Write implements analysis.Exporter.
func (w *InfluxWriter) Write(ctx context.Context, siteID string, res *baseline.Result) error {
	pts, err := BaselinePoints(siteID, res, w.now().UTC())
	if err != nil {
		return err
	}
	if err := w.writeAPI.WritePoint(ctx, pts...); err != nil {
		return fmt.Errorf("write %d points: %w", len(pts), err)
	}
	return nil
}

func (w *InfluxWriter) Close() {
	w.client.Close()
}
