package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/vertriqe/vertriqe-dashboard-sub000/internal/httputil"
	"github.com/vertriqe/vertriqe-dashboard-sub000/internal/metrics"
	"github.com/vertriqe/vertriqe-dashboard-sub000/internal/models"
)

const (
	defaultArchiveURL = "https://archive-api.open-meteo.com/v1/archive"
	archiveTimeLayout = "2006-01-02T15:04"
)

// WeatherClient fetches historical hourly temperatures from the Open-Meteo
// archive API. No API key is needed.
type WeatherClient struct {
	baseURL    string
	client     *http.Client
	maxElapsed time.Duration
}

func NewWeatherClient() *WeatherClient {
	return &WeatherClient{
		baseURL:    defaultArchiveURL,
		client:     httputil.NewClient(),
		maxElapsed: 2 * time.Minute,
	}
}

// WithBaseURL points the client at another archive endpoint.
func (w *WeatherClient) WithBaseURL(u string) *WeatherClient {
	w.baseURL = u
	return w
}

type archiveResponse struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timezone  string  `json:"timezone"`
	Hourly    struct {
		Time          []string   `json:"time"`
		Temperature2m []*float64 `json:"temperature_2m"`
	} `json:"hourly"`
}

// FetchHourly returns the hourly 2m temperatures for the UTC days start..end
// inclusive, along with the raw response body. Hours the archive reports as
// null are skipped.
func (w *WeatherClient) FetchHourly(ctx context.Context, siteID string, lat, lon float64, start, end time.Time) ([]models.HourlyTemperature, []byte, error) {
	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(lat, 'f', 4, 64))
	q.Set("longitude", strconv.FormatFloat(lon, 'f', 4, 64))
	q.Set("start_date", start.UTC().Format("2006-01-02"))
	q.Set("end_date", end.UTC().Format("2006-01-02"))
	q.Set("hourly", "temperature_2m")
	q.Set("timezone", "UTC")
	reqURL := w.baseURL + "?" + q.Encode()

	var body []byte
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build request: %w", err))
		}

		started := time.Now()
		resp, err := w.client.Do(req)
		metrics.WeatherAPILatency.WithLabelValues(siteID).Observe(time.Since(started).Seconds())
		if err != nil {
			metrics.WeatherAPICallsTotal.WithLabelValues(siteID, "error").Inc()
			return backoff.Permanent(fmt.Errorf("fetch archive: %w", err))
		}
		defer resp.Body.Close()

		metrics.WeatherAPICallsTotal.WithLabelValues(siteID, strconv.Itoa(resp.StatusCode)).Inc()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("archive unavailable: status %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(resp.Body)
			return backoff.Permanent(fmt.Errorf("fetch archive: status %d: %s", resp.StatusCode, string(b)))
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("read body: %w", err))
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = w.maxElapsed
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, nil, err
	}

	temps, err := parseArchive(siteID, body)
	if err != nil {
		return nil, body, err
	}
	return temps, body, nil
}

func parseArchive(siteID string, body []byte) ([]models.HourlyTemperature, error) {
	var data archiveResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	if len(data.Hourly.Time) != len(data.Hourly.Temperature2m) {
		return nil, fmt.Errorf("archive returned %d times but %d temperatures",
			len(data.Hourly.Time), len(data.Hourly.Temperature2m))
	}

	temps := make([]models.HourlyTemperature, 0, len(data.Hourly.Time))
	for i, ts := range data.Hourly.Time {
		if data.Hourly.Temperature2m[i] == nil {
			continue
		}
		at, err := time.ParseInLocation(archiveTimeLayout, ts, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("parse time %q: %w", ts, err)
		}
		temps = append(temps, models.HourlyTemperature{
			SiteID:     siteID,
			ObservedAt: at,
			Temp:       *data.Hourly.Temperature2m[i],
		})
	}
	return temps, nil
}
