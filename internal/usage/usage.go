// Package usage turns a fitted per-hour AC power model into energy for a
// billing period.
package usage

import (
	"fmt"
	"math"
	"time"

	"github.com/vertriqe/vertriqe-dashboard-sub000/internal/regression"
)

// MinHourlyCoverage is the fraction of a period's hours that must carry a
// temperature sample before hourly integration replaces the monthly average.
const MinHourlyCoverage = 0.5

// Mode records how a period prediction was produced.
type Mode string

const (
	ModeHourly  Mode = "hourly"
	ModeMonthly Mode = "monthly"
)

// HoursInMonth returns the number of hours in the calendar month.
func HoursInMonth(year int, month time.Month) float64 {
	// Day 0 of the following month is the last day of this one.
	days := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
	return float64(days * 24)
}

// HoursInPeriod returns the hours of the month containing period.
func HoursInPeriod(period time.Time) float64 {
	return HoursInMonth(period.Year(), period.Month())
}

// Monthly evaluates m once at the period average and scales by hours.
func Monthly(m regression.Model, avgTemp, hours float64) float64 {
	return clamp(m.Eval(avgTemp)) * hours
}

// Hourly integrates m over one-hour samples. Non-finite samples contribute nothing.
func Hourly(m regression.Model, temps []float64) float64 {
	var total float64
	for _, t := range temps {
		if math.IsNaN(t) || math.IsInf(t, 0) {
			continue
		}
		total += clamp(m.Eval(t))
	}
	return total
}

// Coverage is the fraction of the month's hours with a finite sample.
func Coverage(temps []float64, year int, month time.Month) float64 {
	var n int
	for _, t := range temps {
		if !math.IsNaN(t) && !math.IsInf(t, 0) {
			n++
		}
	}
	return float64(n) / HoursInMonth(year, month)
}

// ForPeriod predicts AC energy for the month containing period, integrating
// hourly samples when they cover at least MinHourlyCoverage of the month.
func ForPeriod(m regression.Model, period time.Time, avgTemp float64, hourly []float64) (float64, Mode) {
	if len(hourly) > 0 && Coverage(hourly, period.Year(), period.Month()) >= MinHourlyCoverage {
		return Hourly(m, hourly), ModeHourly
	}
	return Monthly(m, avgTemp, HoursInPeriod(period)), ModeMonthly
}

// Predict is the standalone prediction contract. In monthly mode temps must
// hold exactly one period-average temperature, scaled by hours; in hourly
// mode every sample is one hour of power, however many there are.
func Predict(m regression.Model, temps []float64, hours float64, mode Mode) (float64, error) {
	if len(temps) == 0 {
		return 0, &regression.ValidationError{Field: "temperature", Reason: "at least one temperature is required"}
	}
	for i, t := range temps {
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return 0, &regression.ValidationError{
				Field:  fmt.Sprintf("temperature[%d]", i),
				Reason: "must be finite",
				Err:    regression.ErrNonFinite,
			}
		}
	}

	switch mode {
	case ModeHourly:
		return Hourly(m, temps), nil
	case ModeMonthly:
		if len(temps) != 1 {
			return 0, &regression.ValidationError{Field: "temperature", Reason: "monthly prediction takes a single average temperature"}
		}
		if hours <= 0 || math.IsInf(hours, 0) || math.IsNaN(hours) {
			return 0, &regression.ValidationError{Field: "hoursInPeriod", Reason: "must be a positive number"}
		}
		return Monthly(m, temps[0], hours), nil
	default:
		return 0, &regression.ValidationError{Field: "mode", Reason: fmt.Sprintf("unknown prediction mode %q", mode)}
	}
}

// clamp drops negative and undefined power to zero.
func clamp(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}
