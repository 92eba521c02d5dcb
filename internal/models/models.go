package models

import (
	"database/sql"
	"fmt"
	"time"
)

// PeriodLayout is the month-level date format used for billing periods.
const PeriodLayout = "2006-01"

type Site struct {
	SiteID            string
	Name              string
	Latitude          float64
	Longitude         float64
	Timezone          string
	TargetNonACEnergy sql.NullFloat64 // kWh per billing period, if configured
	Active            bool
}

// Observation is one billing period: total metered energy and the average
// outdoor temperature over the period.
type Observation struct {
	ID                 int64
	SiteID             string
	Period             time.Time // first day of the month, UTC
	Temperature        float64   // °C
	TotalEnergy        float64   // kWh
	HourlyTemperatures []float64 // optional, one per hour of the period
	Source             string    // "api", "ftp", "cli"
	CreatedAt          time.Time
}

// Date returns the period as "2006-01".
func (o Observation) Date() string {
	return o.Period.Format(PeriodLayout)
}

type HourlyTemperature struct {
	SiteID     string
	ObservedAt time.Time
	Temp       float64
}

// ParsePeriod accepts "2024-01" or a full date such as "2024-01-15" and
// returns the first instant of that month in UTC.
func ParsePeriod(s string) (time.Time, error) {
	for _, layout := range []string{PeriodLayout, "2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("parse period %q: want YYYY-MM or YYYY-MM-DD", s)
}
