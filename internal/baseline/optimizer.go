// Package baseline finds the AC-usage regression that best explains a site's
// billing history given an assumed constant non-AC load.
package baseline

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vertriqe/vertriqe-dashboard-sub000/internal/models"
	"github.com/vertriqe/vertriqe-dashboard-sub000/internal/regression"
	"github.com/vertriqe/vertriqe-dashboard-sub000/internal/usage"
)

// ErrNoCandidates is returned when every model family was excluded.
var ErrNoCandidates = errors.New("no model family could be fitted")

type Input struct {
	Observations      []models.Observation
	TargetNonACEnergy float64
}

// MonthlyResult is one observation re-evaluated against a candidate model.
type MonthlyResult struct {
	Date                string     `json:"date"`
	TotalEnergy         float64    `json:"totalEnergy"`
	SyntheticACEnergy   float64    `json:"syntheticACEnergy"`
	ExpectedACEnergy    float64    `json:"expectedACEnergy"`
	NonACEnergy         float64    `json:"nonACEnergy"`
	DeviationFromTarget float64    `json:"deviationFromTarget"`
	Temperature         float64    `json:"temperature"`
	Mode                usage.Mode `json:"mode"`
	IsValid             bool       `json:"isValid"`
}

// Candidate is the evaluation of one requested family. Fit.Kind() may be
// linear when the requested family fell back.
type Candidate struct {
	Family         regression.Kind `json:"family"`
	Fit            *regression.Fit `json:"model"`
	MonthlyResults []MonthlyResult `json:"monthlyResults"`
	TotalDeviation float64         `json:"totalDeviation"`
	MeanDeviation  float64         `json:"meanDeviation"`
	RMSE           float64         `json:"rmse"`
	MaxDeviation   float64         `json:"maxDeviation"`
	MinDeviation   float64         `json:"minDeviation"`
	InvalidCount   int             `json:"invalidCount"`
	IsValid        bool            `json:"isValid"`
}

// Exclusion names a family that could not be fitted at all.
type Exclusion struct {
	Family regression.Kind `json:"family"`
	Reason string          `json:"reason"`
}

type Result struct {
	TargetNonACEnergy float64      `json:"targetNonACEnergy"`
	Candidates        []*Candidate `json:"candidates"`
	Best              *Candidate   `json:"best"`
	Excluded          []Exclusion  `json:"excluded,omitempty"`
}

// Optimize fits every model family to the synthetic AC series and ranks them.
//
// The synthetic series is (total - target) per observation, expressed as an
// average hourly rate so the fitted model predicts power and usage.ForPeriod
// maps it back to period energy. Families that cannot be fitted are listed
// in Result.Excluded; the call fails only if none can.
func Optimize(in Input) (*Result, error) {
	if err := Validate(in); err != nil {
		return nil, err
	}

	points := make([]regression.Point, len(in.Observations))
	for i, obs := range in.Observations {
		points[i] = regression.Point{
			X: obs.Temperature,
			Y: (obs.TotalEnergy - in.TargetNonACEnergy) / usage.HoursInPeriod(obs.Period),
		}
	}

	fits := make([]*regression.Fit, len(regression.Kinds))
	fitErrs := make([]error, len(regression.Kinds))

	var g errgroup.Group
	for i, kind := range regression.Kinds {
		g.Go(func() error {
			fit, err := regression.FitModel(points, kind)
			var fe *regression.FitError
			if errors.As(err, &fe) {
				fitErrs[i] = fe
				return nil
			}
			if err != nil {
				return fmt.Errorf("fit %s: %w", kind, err)
			}
			fits[i] = fit
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &Result{TargetNonACEnergy: in.TargetNonACEnergy}
	for i, kind := range regression.Kinds {
		if fitErrs[i] != nil {
			result.Excluded = append(result.Excluded, Exclusion{Family: kind, Reason: fitErrs[i].Error()})
			continue
		}
		result.Candidates = append(result.Candidates, evaluate(fits[i], in))
	}

	if len(result.Candidates) == 0 {
		reasons := make([]string, len(result.Excluded))
		for i, ex := range result.Excluded {
			reasons[i] = ex.Reason
		}
		return nil, fmt.Errorf("%w: %s", ErrNoCandidates, strings.Join(reasons, "; "))
	}

	Rank(result.Candidates)
	result.Best = result.Candidates[0]
	return result, nil
}

// Validate rejects input that cannot be optimised before any fitting happens.
func Validate(in Input) error {
	if len(in.Observations) == 0 {
		return &regression.ValidationError{
			Field:  "observations",
			Reason: "at least one observation is required",
			Err:    regression.ErrInsufficientData,
		}
	}
	if !finite(in.TargetNonACEnergy) {
		return &regression.ValidationError{Field: "targetNonACEnergy", Reason: "must be finite", Err: regression.ErrNonFinite}
	}
	if in.TargetNonACEnergy < 0 {
		return &regression.ValidationError{Field: "targetNonACEnergy", Reason: "must be >= 0"}
	}
	for i, obs := range in.Observations {
		field := fmt.Sprintf("observations[%d]", i)
		if !finite(obs.Temperature) {
			return &regression.ValidationError{Field: field + ".temperature", Reason: "must be finite", Err: regression.ErrNonFinite}
		}
		if !finite(obs.TotalEnergy) {
			return &regression.ValidationError{Field: field + ".totalEnergy", Reason: "must be finite", Err: regression.ErrNonFinite}
		}
		if obs.Period.IsZero() {
			return &regression.ValidationError{Field: field + ".date", Reason: "billing period is required"}
		}
	}
	return nil
}

func evaluate(fit *regression.Fit, in Input) *Candidate {
	c := &Candidate{
		Family:         fit.Requested,
		Fit:            fit,
		MonthlyResults: make([]MonthlyResult, 0, len(in.Observations)),
	}

	var sumSq float64
	for i, obs := range in.Observations {
		expected, mode := usage.ForPeriod(fit.Model, obs.Period, obs.Temperature, obs.HourlyTemperatures)
		nonAC := obs.TotalEnergy - expected
		dev := math.Abs(nonAC - in.TargetNonACEnergy)
		valid := expected > 0 && expected < obs.TotalEnergy

		c.MonthlyResults = append(c.MonthlyResults, MonthlyResult{
			Date:                obs.Date(),
			TotalEnergy:         obs.TotalEnergy,
			SyntheticACEnergy:   obs.TotalEnergy - in.TargetNonACEnergy,
			ExpectedACEnergy:    expected,
			NonACEnergy:         nonAC,
			DeviationFromTarget: dev,
			Temperature:         obs.Temperature,
			Mode:                mode,
			IsValid:             valid,
		})

		c.TotalDeviation += dev
		sumSq += dev * dev
		if i == 0 || dev > c.MaxDeviation {
			c.MaxDeviation = dev
		}
		if i == 0 || dev < c.MinDeviation {
			c.MinDeviation = dev
		}
		if !valid {
			c.InvalidCount++
		}
	}

	n := float64(len(in.Observations))
	c.MeanDeviation = c.TotalDeviation / n
	c.RMSE = math.Sqrt(sumSq / n)
	c.IsValid = c.InvalidCount == 0
	return c
}

// Rank orders candidates best-first: fewest invalid periods, then lowest mean
// deviation. Fully valid candidates therefore always lead, and when none is
// fully valid the least-invalid one wins. Equal candidates keep their input
// order, which Optimize supplies in canonical family order.
func Rank(candidates []*Candidate) {
	slices.SortStableFunc(candidates, func(a, b *Candidate) int {
		if c := cmp.Compare(a.InvalidCount, b.InvalidCount); c != 0 {
			return c
		}
		return cmp.Compare(a.MeanDeviation, b.MeanDeviation)
	})
}

// Forecast is a prediction for a future period from a chosen candidate.
type Forecast struct {
	Date             string     `json:"date"`
	Temperature      float64    `json:"temperature"`
	ExpectedACEnergy float64    `json:"expectedACEnergy"`
	NonACEnergy      float64    `json:"nonACEnergy"`
	TotalEnergy      float64    `json:"totalEnergy"`
	Mode             usage.Mode `json:"mode"`
}

// Forecast predicts AC and total usage for period at avgTemp, using hourly
// temperatures when enough are supplied.
func (c *Candidate) Forecast(period time.Time, avgTemp float64, hourly []float64, target float64) Forecast {
	expected, mode := usage.ForPeriod(c.Fit.Model, period, avgTemp, hourly)
	return Forecast{
		Date:             period.Format(models.PeriodLayout),
		Temperature:      avgTemp,
		ExpectedACEnergy: expected,
		NonACEnergy:      target,
		TotalEnergy:      expected + target,
		Mode:             mode,
	}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
