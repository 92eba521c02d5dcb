package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/vertriqe/vertriqe-dashboard-sub000/internal/baseline"
	"github.com/vertriqe/vertriqe-dashboard-sub000/internal/models"
	"github.com/vertriqe/vertriqe-dashboard-sub000/internal/regression"
	"github.com/vertriqe/vertriqe-dashboard-sub000/internal/usage"
)

type fitRequest struct {
	Points []regression.Point `json:"points"`
	Family string             `json:"family"`
}

func (s *Server) handleFit(w http.ResponseWriter, r *http.Request) {
	var req fitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	kind, err := regression.ParseKind(req.Family)
	if err != nil {
		writeError(w, &regression.ValidationError{Field: "family", Reason: err.Error(), Err: err})
		return
	}

	fit, err := regression.FitModel(req.Points, kind)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fit)
}

type predictRequest struct {
	Model         regression.ModelSpec `json:"model"`
	Temperature   json.RawMessage      `json:"temperature"`
	HoursInPeriod float64              `json:"hoursInPeriod"`
}

type predictResponse struct {
	ExpectedEnergy float64    `json:"expectedEnergy"`
	Mode           usage.Mode `json:"mode"`
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	var req predictRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	m, err := req.Model.Model()
	if err != nil {
		writeError(w, err)
		return
	}
	temps, mode, err := parseTemperatures(req.Temperature)
	if err != nil {
		writeError(w, err)
		return
	}

	v, err := usage.Predict(m, temps, req.HoursInPeriod, mode)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, predictResponse{ExpectedEnergy: v, Mode: mode})
}

// parseTemperatures accepts a single number, predicted as a period average,
// or an array of numbers, predicted as hourly samples whatever its length.
func parseTemperatures(raw json.RawMessage) ([]float64, usage.Mode, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, "", &regression.ValidationError{Field: "temperature", Reason: "required"}
	}
	if raw[0] == '[' {
		var temps []float64
		if err := json.Unmarshal(raw, &temps); err != nil {
			return nil, "", &regression.ValidationError{Field: "temperature", Reason: "must be a number or an array of numbers", Err: err}
		}
		return temps, usage.ModeHourly, nil
	}
	var t float64
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, "", &regression.ValidationError{Field: "temperature", Reason: "must be a number or an array of numbers", Err: err}
	}
	return []float64{t}, usage.ModeMonthly, nil
}

type observationJSON struct {
	Date               string    `json:"date"`
	Temperature        float64   `json:"temperature"`
	TotalEnergy        float64   `json:"totalEnergy"`
	HourlyTemperatures []float64 `json:"hourlyTemperatures,omitempty"`
}

func (o observationJSON) toModel(siteID string, i int) (models.Observation, error) {
	period, err := models.ParsePeriod(o.Date)
	if err != nil {
		return models.Observation{}, &regression.ValidationError{
			Field:  fmt.Sprintf("observations[%d].date", i),
			Reason: err.Error(),
			Err:    err,
		}
	}
	return models.Observation{
		SiteID:             siteID,
		Period:             period,
		Temperature:        o.Temperature,
		TotalEnergy:        o.TotalEnergy,
		HourlyTemperatures: o.HourlyTemperatures,
	}, nil
}

func toObservationJSON(o models.Observation) observationJSON {
	return observationJSON{
		Date:               o.Date(),
		Temperature:        o.Temperature,
		TotalEnergy:        o.TotalEnergy,
		HourlyTemperatures: o.HourlyTemperatures,
	}
}

type optimizeRequest struct {
	Observations      []observationJSON `json:"observations"`
	TargetNonACEnergy *float64          `json:"targetNonACEnergy"`
}

func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	var req optimizeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.TargetNonACEnergy == nil {
		writeError(w, &regression.ValidationError{Field: "targetNonACEnergy", Reason: "required"})
		return
	}

	in := baseline.Input{TargetNonACEnergy: *req.TargetNonACEnergy}
	for i, o := range req.Observations {
		obs, err := o.toModel("", i)
		if err != nil {
			writeError(w, err)
			return
		}
		in.Observations = append(in.Observations, obs)
	}

	res, err := s.analyzer.Optimize(in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
