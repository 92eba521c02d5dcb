package api_test

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/vertriqe/vertriqe-dashboard-sub000/internal/analysis"
	"github.com/vertriqe/vertriqe-dashboard-sub000/internal/api"
	"github.com/vertriqe/vertriqe-dashboard-sub000/internal/store"
)

func setupServer(t *testing.T) http.Handler {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s := store.New(db, time.UTC)
	if err := s.Migrate(); err != nil {
		t.Fatal(err)
	}
	return api.NewServer(s, analysis.New(s), "8080").Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

const history = `[
	{"date": "2024-01", "temperature": 10, "totalEnergy": 100},
	{"date": "2024-02", "temperature": 20, "totalEnergy": 150},
	{"date": "2024-03", "temperature": 30, "totalEnergy": 220}
]`

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	h := setupServer(t)

	w := do(t, h, "GET", "/health", "")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var body map[string]any
	decode(t, w, &body)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 0, body["activeSites"])
	assert.NotZero(t, body["schemaVersion"])
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	h := setupServer(t)

	w := do(t, h, "GET", "/metrics", "")
	assert.Equal(t, 200, w.Code)
}

func TestFit(t *testing.T) {
	t.Parallel()
	h := setupServer(t)

	w := do(t, h, "POST", "/api/fit", `{"family": "linear", "points": [{"x":1,"y":3},{"x":2,"y":5},{"x":3,"y":7}]}`)
	require.Equal(t, 200, w.Code, w.Body.String())

	var body struct {
		Requested string             `json:"requested"`
		Kind      string             `json:"kind"`
		Params    map[string]float64 `json:"params"`
		RSquared  float64            `json:"rSquared"`
	}
	decode(t, w, &body)
	assert.Equal(t, "linear", body.Requested)
	assert.Equal(t, "linear", body.Kind)
	assert.InDelta(t, 2, body.Params["slope"], 1e-9)
	assert.InDelta(t, 1, body.Params["intercept"], 1e-9)
	assert.InDelta(t, 1, body.RSquared, 1e-9)
}

func TestFit_ReportsFallback(t *testing.T) {
	t.Parallel()
	h := setupServer(t)

	w := do(t, h, "POST", "/api/fit", `{"family": "quadratic", "points": [{"x":1,"y":3},{"x":2,"y":5},{"x":3,"y":7}]}`)
	require.Equal(t, 200, w.Code, w.Body.String())

	var body map[string]any
	decode(t, w, &body)
	assert.Equal(t, "quadratic", body["requested"])
	assert.Equal(t, "linear", body["kind"])
	assert.NotEmpty(t, body["fallbackReason"])
}

func TestFit_Rejected(t *testing.T) {
	t.Parallel()
	h := setupServer(t)

	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"unknown family", `{"family": "cubic", "points": [{"x":1,"y":1},{"x":2,"y":2}]}`, "family"},
		{"no points", `{"family": "linear", "points": []}`, "points"},
		{"malformed", `{"family": `, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, "POST", "/api/fit", tt.body)
			require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			var body map[string]string
			decode(t, w, &body)
			assert.NotEmpty(t, body["error"])
			if tt.field != "" {
				assert.Equal(t, tt.field, body["field"])
			}
		})
	}
}

func TestPredict(t *testing.T) {
	t.Parallel()
	h := setupServer(t)

	tests := []struct {
		name string
		body string
		want float64
		mode string
	}{
		{
			name: "single temperature",
			body: `{"model": {"kind": "linear", "params": {"slope": 0, "intercept": 1.5}}, "temperature": 25, "hoursInPeriod": 720}`,
			want: 1080,
			mode: "monthly",
		},
		{
			name: "hourly temperatures",
			body: `{"model": {"kind": "linear", "params": {"slope": 1, "intercept": 0}}, "temperature": [1, 2, 3]}`,
			want: 6,
			mode: "hourly",
		},
		{
			name: "single hourly temperature",
			body: `{"model": {"kind": "linear", "params": {"slope": 0.1, "intercept": 0}}, "temperature": [25], "hoursInPeriod": 744}`,
			want: 2.5,
			mode: "hourly",
		},
		{
			name: "negative power clamped",
			body: `{"model": {"kind": "linear", "params": {"slope": -1, "intercept": 0}}, "temperature": 10, "hoursInPeriod": 24}`,
			want: 0,
			mode: "monthly",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, "POST", "/api/predict", tt.body)
			require.Equal(t, 200, w.Code, w.Body.String())
			var body struct {
				ExpectedEnergy float64 `json:"expectedEnergy"`
				Mode           string  `json:"mode"`
			}
			decode(t, w, &body)
			assert.InDelta(t, tt.want, body.ExpectedEnergy, 1e-9)
			assert.Equal(t, tt.mode, body.Mode)
		})
	}
}

func TestPredict_Rejected(t *testing.T) {
	t.Parallel()
	h := setupServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"missing coefficient", `{"model": {"kind": "quadratic", "params": {"a": 1, "b": 2}}, "temperature": 20, "hoursInPeriod": 720}`},
		{"foreign coefficient", `{"model": {"kind": "linear", "params": {"slope": 1, "intercept": 0, "c": 3}}, "temperature": 20, "hoursInPeriod": 720}`},
		{"missing temperature", `{"model": {"kind": "linear", "params": {"slope": 1, "intercept": 0}}, "hoursInPeriod": 720}`},
		{"string temperature", `{"model": {"kind": "linear", "params": {"slope": 1, "intercept": 0}}, "temperature": "hot", "hoursInPeriod": 720}`},
		{"empty hourly temperatures", `{"model": {"kind": "linear", "params": {"slope": 1, "intercept": 0}}, "temperature": []}`},
		{"no hours", `{"model": {"kind": "linear", "params": {"slope": 1, "intercept": 0}}, "temperature": 20}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, "POST", "/api/predict", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestOptimize(t *testing.T) {
	t.Parallel()
	h := setupServer(t)

	w := do(t, h, "POST", "/api/optimize", `{"targetNonACEnergy": 50, "observations": `+history+`}`)
	require.Equal(t, 200, w.Code, w.Body.String())

	var body struct {
		TargetNonACEnergy float64 `json:"targetNonACEnergy"`
		Candidates        []struct {
			Family         string `json:"family"`
			MonthlyResults []struct {
				Date    string `json:"date"`
				IsValid bool   `json:"isValid"`
			} `json:"monthlyResults"`
		} `json:"candidates"`
		Best struct {
			Family        string  `json:"family"`
			MeanDeviation float64 `json:"meanDeviation"`
		} `json:"best"`
	}
	decode(t, w, &body)
	assert.Equal(t, 50.0, body.TargetNonACEnergy)
	require.Len(t, body.Candidates, 4)
	assert.Equal(t, "linear", body.Best.Family)
	assert.Equal(t, body.Candidates[0].Family, body.Best.Family)
	require.Len(t, body.Candidates[0].MonthlyResults, 3)
	assert.Equal(t, "2024-01", body.Candidates[0].MonthlyResults[0].Date)
}

func TestOptimize_Rejected(t *testing.T) {
	t.Parallel()
	h := setupServer(t)

	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"missing target", `{"observations": ` + history + `}`, "targetNonACEnergy"},
		{"negative target", `{"targetNonACEnergy": -1, "observations": ` + history + `}`, "targetNonACEnergy"},
		{"no observations", `{"targetNonACEnergy": 50, "observations": []}`, "observations"},
		{"bad date", `{"targetNonACEnergy": 50, "observations": [{"date": "January", "temperature": 10, "totalEnergy": 100}]}`, "observations[0].date"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, "POST", "/api/optimize", tt.body)
			require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			var body map[string]string
			decode(t, w, &body)
			assert.Equal(t, tt.field, body["field"])
		})
	}
}

func TestSiteWorkflow(t *testing.T) {
	t.Parallel()
	h := setupServer(t)

	w := do(t, h, "POST", "/api/sites", `{"siteId": "hk-01", "name": "Kowloon Office", "latitude": 22.3, "longitude": 114.2, "targetNonACEnergy": 50}`)
	require.Equal(t, 200, w.Code, w.Body.String())

	w = do(t, h, "POST", "/api/sites/hk-01/observations", history)
	require.Equal(t, 200, w.Code, w.Body.String())
	var added struct {
		Stored int `json:"stored"`
	}
	decode(t, w, &added)
	assert.Equal(t, 3, added.Stored)

	w = do(t, h, "GET", "/api/sites", "")
	require.Equal(t, 200, w.Code)
	var sites []map[string]any
	decode(t, w, &sites)
	require.Len(t, sites, 1)
	assert.Equal(t, "hk-01", sites[0]["siteId"])

	w = do(t, h, "GET", "/api/sites/hk-01/observations", "")
	require.Equal(t, 200, w.Code)
	var observations []map[string]any
	decode(t, w, &observations)
	assert.Len(t, observations, 3)

	type baselineBody struct {
		Cached    bool   `json:"cached"`
		Narrative string `json:"narrative"`
		InputHash string `json:"inputHash"`
		Result    struct {
			Best struct {
				Family string `json:"family"`
			} `json:"best"`
		} `json:"result"`
	}

	w = do(t, h, "GET", "/api/sites/hk-01/baseline", "")
	require.Equal(t, 200, w.Code, w.Body.String())
	var first baselineBody
	decode(t, w, &first)
	assert.False(t, first.Cached)
	assert.Equal(t, "linear", first.Result.Best.Family)
	assert.Contains(t, first.Narrative, "Kowloon Office")

	w = do(t, h, "GET", "/api/sites/hk-01/baseline", "")
	require.Equal(t, 200, w.Code)
	var second baselineBody
	decode(t, w, &second)
	assert.True(t, second.Cached)
	assert.Equal(t, first.InputHash, second.InputHash)
	assert.Equal(t, "linear", second.Result.Best.Family)

	w = do(t, h, "GET", "/api/sites/hk-01/baseline.png", "")
	require.Equal(t, 200, w.Code, w.Body.String())
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	_, err := png.Decode(bytes.NewReader(w.Body.Bytes()))
	assert.NoError(t, err)

	w = do(t, h, "GET", "/api/sites/hk-01/forecast?month=2024-07&temperature=25", "")
	require.Equal(t, 200, w.Code, w.Body.String())
	var fc struct {
		Family           string  `json:"family"`
		Date             string  `json:"date"`
		ExpectedACEnergy float64 `json:"expectedACEnergy"`
		NonACEnergy      float64 `json:"nonACEnergy"`
		TotalEnergy      float64 `json:"totalEnergy"`
		Mode             string  `json:"mode"`
	}
	decode(t, w, &fc)
	assert.Equal(t, "linear", fc.Family)
	assert.Equal(t, "2024-07", fc.Date)
	assert.Equal(t, "monthly", fc.Mode)
	assert.Equal(t, 50.0, fc.NonACEnergy)
	assert.Greater(t, fc.ExpectedACEnergy, 0.0)
	assert.InDelta(t, fc.ExpectedACEnergy+50, fc.TotalEnergy, 1e-9)

	w = do(t, h, "GET", "/api/baselines", "")
	require.Equal(t, 200, w.Code)
	var runs []map[string]any
	decode(t, w, &runs)
	require.Len(t, runs, 1)
	assert.Equal(t, "hk-01", runs[0]["siteId"])
	assert.Equal(t, "linear", runs[0]["best"])
}

func TestSiteBaseline_Errors(t *testing.T) {
	t.Parallel()
	h := setupServer(t)

	w := do(t, h, "POST", "/api/sites", `{"siteId": "no-target", "name": "Depot"}`)
	require.Equal(t, 200, w.Code, w.Body.String())
	w = do(t, h, "POST", "/api/sites/no-target/observations", history)
	require.Equal(t, 200, w.Code, w.Body.String())

	tests := []struct {
		name string
		path string
		code int
	}{
		{"unknown site", "/api/sites/missing/baseline", http.StatusNotFound},
		{"unknown site observations", "/api/sites/missing/observations", http.StatusNotFound},
		{"no target configured", "/api/sites/no-target/baseline", http.StatusBadRequest},
		{"bad target", "/api/sites/no-target/baseline?target=abc", http.StatusBadRequest},
		{"explicit target", "/api/sites/no-target/baseline?target=40", http.StatusOK},
		{"forecast without month", "/api/sites/no-target/forecast?target=40&temperature=20", http.StatusBadRequest},
		{"forecast without temperature", "/api/sites/no-target/forecast?target=40&month=2024-08", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, "GET", tt.path, "")
			assert.Equal(t, tt.code, w.Code, w.Body.String())
		})
	}
}

func TestAddObservations_Rejected(t *testing.T) {
	t.Parallel()
	h := setupServer(t)

	w := do(t, h, "POST", "/api/sites", `{"siteId": "s1"}`)
	require.Equal(t, 200, w.Code, w.Body.String())

	tests := []struct {
		name string
		body string
		code int
	}{
		{"empty", `[]`, http.StatusBadRequest},
		{"bad date", `[{"date": "2024-13", "temperature": 10, "totalEnergy": 100}]`, http.StatusBadRequest},
		{"not an array", `{"date": "2024-01"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, "POST", "/api/sites/s1/observations", tt.body)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
		})
	}
}

func TestAddObservations_HourlyAndFlags(t *testing.T) {
	t.Parallel()
	h := setupServer(t)

	w := do(t, h, "POST", "/api/sites", `{"siteId": "s1"}`)
	require.Equal(t, 200, w.Code, w.Body.String())

	w = do(t, h, "POST", "/api/sites/s1/observations",
		`[{"date": "2024-02", "temperature": 60, "totalEnergy": 100, "hourlyTemperatures": [20, 21, 99]}]`)
	require.Equal(t, 200, w.Code, w.Body.String())

	var body struct {
		Stored       int                 `json:"stored"`
		HourlyStored int                 `json:"hourlyStored"`
		Flags        map[string][]string `json:"flags"`
	}
	decode(t, w, &body)
	assert.Equal(t, 1, body.Stored)
	assert.Equal(t, 2, body.HourlyStored)
	assert.Equal(t, []string{"temp_out_of_range"}, body.Flags["2024-02"])
}

func TestIngestHealth(t *testing.T) {
	t.Parallel()
	h := setupServer(t)

	w := do(t, h, "GET", "/api/ingest/health", "")
	require.Equal(t, 200, w.Code, w.Body.String())
	var body map[string]any
	decode(t, w, &body)
	assert.Contains(t, body, "sources")
	assert.Contains(t, body, "recentErrors")
}

func TestFit_SinglePointUnprocessable(t *testing.T) {
	t.Parallel()
	h := setupServer(t)

	w := do(t, h, "POST", "/api/fit", `{"family": "exponential", "points": [{"x":1,"y":1}]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
}
