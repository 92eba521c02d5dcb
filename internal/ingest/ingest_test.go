package ingest

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vertriqe/vertriqe-dashboard-sub000/internal/models"
	"github.com/vertriqe/vertriqe-dashboard-sub000/internal/store"
)

func TestValidateObservation(t *testing.T) {
	tests := []struct {
		name      string
		obs       *models.Observation
		wantFlags []string
	}{
		{
			name:      "typical summer month",
			obs:       &models.Observation{Temperature: 29.4, TotalEnergy: 1820},
			wantFlags: nil,
		},
		{
			name:      "temp too hot",
			obs:       &models.Observation{Temperature: 61, TotalEnergy: 100},
			wantFlags: []string{FlagTempOutOfRange},
		},
		{
			name:      "temp at cold boundary - valid",
			obs:       &models.Observation{Temperature: -40, TotalEnergy: 100},
			wantFlags: nil,
		},
		{
			name:      "negative energy",
			obs:       &models.Observation{Temperature: 20, TotalEnergy: -5},
			wantFlags: []string{FlagEnergyNegative},
		},
		{
			name:      "both out of range",
			obs:       &models.Observation{Temperature: -60, TotalEnergy: -1},
			wantFlags: []string{FlagTempOutOfRange, FlagEnergyNegative},
		},
		{
			name:      "NaN energy",
			obs:       &models.Observation{Temperature: 20, TotalEnergy: math.NaN()},
			wantFlags: []string{FlagNonFinite},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ValidateObservation(tt.obs)
			if strings.Join(got, ",") != strings.Join(tt.wantFlags, ",") {
				t.Errorf("flags = %v, want %v", got, tt.wantFlags)
			}
		})
	}
}

func TestParseBillsCSV(t *testing.T) {
	input := `Period, avg_temp_c, total_kwh, meter
2024-01,10,100,M1
2024-02-15,20,150,M1
2024-03,thirty,220,M1
not-a-date,30,220,M1
2024-03,30,220,M1
`
	obs, skipped, err := ParseBillsCSV("S1", strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseBillsCSV: %v", err)
	}
	if skipped != 2 {
		t.Errorf("skipped = %d, want 2", skipped)
	}
	if len(obs) != 3 {
		t.Fatalf("len(obs) = %d, want 3", len(obs))
	}

	want := []struct {
		date  string
		temp  float64
		total float64
	}{
		{"2024-01", 10, 100},
		{"2024-02", 20, 150},
		{"2024-03", 30, 220},
	}
	for i, w := range want {
		if obs[i].Date() != w.date || obs[i].Temperature != w.temp || obs[i].TotalEnergy != w.total {
			t.Errorf("obs[%d] = %s %.1f %.1f, want %s %.1f %.1f",
				i, obs[i].Date(), obs[i].Temperature, obs[i].TotalEnergy, w.date, w.temp, w.total)
		}
		if obs[i].SiteID != "S1" || obs[i].Source != "ftp" {
			t.Errorf("obs[%d] site/source = %q/%q", i, obs[i].SiteID, obs[i].Source)
		}
	}
}

func TestParseBillsCSV_MissingColumn(t *testing.T) {
	_, _, err := ParseBillsCSV("S1", strings.NewReader("period,total_kwh\n2024-01,100\n"))
	if err == nil || !strings.Contains(err.Error(), "avg_temp_c") {
		t.Errorf("err = %v, want missing avg_temp_c", err)
	}

	_, _, err = ParseBillsCSV("S1", strings.NewReader(""))
	if err == nil {
		t.Error("expected error for empty export")
	}
}

const archiveJSON = `{
  "latitude": 22.3,
  "longitude": 114.17,
  "timezone": "GMT",
  "hourly": {
    "time": ["2024-01-01T00:00", "2024-01-01T01:00", "2024-01-01T02:00"],
    "temperature_2m": [15.2, null, 14.8]
  }
}`

func TestWeatherClient_FetchHourly(t *testing.T) {
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		w.Write([]byte(archiveJSON))
	}))
	defer srv.Close()

	client := NewWeatherClient().WithBaseURL(srv.URL)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	temps, body, err := client.FetchHourly(context.Background(), "S1", 22.3193, 114.1694, start, start.AddDate(0, 0, 30))
	if err != nil {
		t.Fatalf("FetchHourly: %v", err)
	}
	if len(body) == 0 {
		t.Error("raw body should be returned")
	}
	for _, want := range []string{"start_date=2024-01-01", "end_date=2024-01-31", "hourly=temperature_2m", "latitude=22.3193"} {
		if !strings.Contains(query, want) {
			t.Errorf("query %q missing %q", query, want)
		}
	}

	if len(temps) != 2 {
		t.Fatalf("len(temps) = %d, want 2 (null skipped)", len(temps))
	}
	if temps[1].Temp != 14.8 {
		t.Errorf("temps[1].Temp = %v, want 14.8", temps[1].Temp)
	}
	if !temps[1].ObservedAt.Equal(start.Add(2 * time.Hour)) {
		t.Errorf("temps[1].ObservedAt = %v", temps[1].ObservedAt)
	}
	if temps[0].SiteID != "S1" {
		t.Errorf("SiteID = %q, want S1", temps[0].SiteID)
	}
}

func TestWeatherClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(archiveJSON))
	}))
	defer srv.Close()

	client := NewWeatherClient().WithBaseURL(srv.URL)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	temps, _, err := client.FetchHourly(context.Background(), "S1", 0, 0, start, start)
	if err != nil {
		t.Fatalf("FetchHourly: %v", err)
	}
	if len(temps) != 2 {
		t.Errorf("len(temps) = %d, want 2", len(temps))
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestWeatherClient_BadRequestIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":true,"reason":"start_date out of range"}`))
	}))
	defer srv.Close()

	client := NewWeatherClient().WithBaseURL(srv.URL)
	start := time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)
	_, _, err := client.FetchHourly(context.Background(), "S1", 0, 0, start, start)
	if err == nil || !strings.Contains(err.Error(), "status 400") {
		t.Fatalf("err = %v, want status 400", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

type fakeWeather struct {
	calls int
	err   error
}

func (f *fakeWeather) FetchHourly(ctx context.Context, siteID string, lat, lon float64, start, end time.Time) ([]models.HourlyTemperature, []byte, error) {
	f.calls++
	if f.err != nil {
		return nil, nil, f.err
	}
	var temps []models.HourlyTemperature
	for at := start; !at.After(end); at = at.Add(time.Hour) {
		temps = append(temps, models.HourlyTemperature{SiteID: siteID, ObservedAt: at, Temp: 25})
	}
	return temps, []byte(`{"hourly":{}}` + start.String()), nil
}

type fakeBills struct {
	body string
	err  error
}

func (f *fakeBills) Fetch(siteID string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []byte(f.body), nil
}

func (f *fakeBills) Path(siteID string) string { return "/bills/" + siteID + ".csv" }

type countingRefresher struct{ n int }

func (c *countingRefresher) RefreshAll(ctx context.Context) error {
	c.n++
	return nil
}

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st := store.New(db, time.UTC)
	if err := st.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return st
}

func TestScheduler_IngestOnce(t *testing.T) {
	st := setupTestStore(t)
	if err := st.UpsertSite(models.Site{SiteID: "S1", Latitude: 22.3, Longitude: 114.2, Active: true}); err != nil {
		t.Fatal(err)
	}

	weather := &fakeWeather{}
	refresher := &countingRefresher{}
	s := NewScheduler(st, weather, time.Hour)
	s.SetBillSource(&fakeBills{body: "period,total_kwh,avg_temp_c\n2024-01,100,10\n2024-02,150,20\n2024-03,NaN,30\n"})
	s.SetRefresher(refresher)
	s.now = func() time.Time { return time.Date(2024, 2, 20, 0, 0, 0, 0, time.UTC) }

	if err := s.IngestOnce(context.Background()); err != nil {
		t.Fatalf("IngestOnce: %v", err)
	}

	obs, err := st.GetObservations("S1")
	if err != nil {
		t.Fatal(err)
	}
	if len(obs) != 2 {
		t.Fatalf("len(obs) = %d, want 2 (NaN row skipped)", len(obs))
	}

	// January is complete; February is fetched up to the archive cutoff.
	jan, err := st.HourlyCoverage("S1", obs[0].Period)
	if err != nil {
		t.Fatal(err)
	}
	if jan != 1 {
		t.Errorf("January coverage = %v, want 1", jan)
	}
	feb, err := st.HourlyCoverage("S1", obs[1].Period)
	if err != nil {
		t.Fatal(err)
	}
	if feb <= 0.4 || feb >= 0.6 {
		t.Errorf("February coverage = %v, want about half", feb)
	}
	if weather.calls != 2 {
		t.Errorf("weather calls = %d, want 2", weather.calls)
	}
	if refresher.n != 1 {
		t.Errorf("refresher runs = %d, want 1", refresher.n)
	}

	status, err := st.IngestStatus(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(status) != 2 {
		t.Fatalf("len(status) = %d, want 2", len(status))
	}
	for _, ss := range status {
		switch ss.Source {
		case store.SourceBills:
			if ss.Runs != 1 || ss.Stored != 2 || ss.Rejected != 1 {
				t.Errorf("bill status = %+v, want 1 run, 2 stored, 1 rejected", ss)
			}
		case store.SourceWeather:
			if ss.Runs != 2 || ss.Failures != 0 || ss.LastSuccess.IsZero() {
				t.Errorf("weather status = %+v, want 2 successful runs", ss)
			}
		}
	}

	// A second pass skips the fully covered January.
	if err := s.IngestOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if weather.calls != 3 {
		t.Errorf("weather calls after second pass = %d, want 3", weather.calls)
	}
}

func TestScheduler_AuditsFailures(t *testing.T) {
	st := setupTestStore(t)
	if err := st.UpsertSite(models.Site{SiteID: "S1", Active: true}); err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertObservation(models.Observation{SiteID: "S1", Period: time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC), Temperature: 24, TotalEnergy: 300}); err != nil {
		t.Fatal(err)
	}

	s := NewScheduler(st, &fakeWeather{err: errors.New("archive down")}, time.Hour)
	s.SetBillSource(&fakeBills{err: errors.New("550 no such file")})

	if err := s.IngestOnce(context.Background()); err != nil {
		t.Fatalf("IngestOnce: %v", err)
	}

	failures, err := st.RecentIngestFailures(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(failures) != 2 {
		t.Fatalf("len(failures) = %d, want 2", len(failures))
	}
	msgs := failures[0].Error + "|" + failures[1].Error
	if !strings.Contains(msgs, "archive down") || !strings.Contains(msgs, "550 no such file") {
		t.Errorf("error messages = %q", msgs)
	}
}
