package ingest

import (
	"math"

	"github.com/vertriqe/vertriqe-dashboard-sub000/internal/models"
)

const (
	FlagTempOutOfRange       = "temp_out_of_range"
	FlagEnergyNegative       = "energy_negative"
	FlagNonFinite            = "non_finite"
	FlagHourlyTempOutOfRange = "hourly_temp_out_of_range"
)

// Plausible outdoor air temperature bounds in °C.
const (
	minPlausibleTemp = -40.0
	maxPlausibleTemp = 55.0
)

// ValidateObservation returns quality flags for a billing period. An
// observation with FlagNonFinite must not be stored; the others are warnings.
func ValidateObservation(obs *models.Observation) []string {
	var flags []string

	if !finite(obs.Temperature) || !finite(obs.TotalEnergy) {
		return append(flags, FlagNonFinite)
	}

	if obs.Temperature < minPlausibleTemp || obs.Temperature > maxPlausibleTemp {
		flags = append(flags, FlagTempOutOfRange)
	}

	if obs.TotalEnergy < 0 {
		flags = append(flags, FlagEnergyNegative)
	}

	return flags
}

// ValidateHourly flags a single hourly sample.
func ValidateHourly(h models.HourlyTemperature) []string {
	if !finite(h.Temp) {
		return []string{FlagNonFinite}
	}
	if h.Temp < minPlausibleTemp || h.Temp > maxPlausibleTemp {
		return []string{FlagHourlyTempOutOfRange}
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
