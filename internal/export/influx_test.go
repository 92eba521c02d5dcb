package export

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vertriqe/vertriqe-dashboard-sub000/internal/baseline"
	"github.com/vertriqe/vertriqe-dashboard-sub000/internal/models"
)

func result(t *testing.T) *baseline.Result {
	t.Helper()
	var obs []models.Observation
	for i, total := range []float64{100, 150, 220} {
		obs = append(obs, models.Observation{
			Period:      time.Date(2024, time.Month(i+1), 1, 0, 0, 0, 0, time.UTC),
			Temperature: float64(10 * (i + 1)),
			TotalEnergy: total,
		})
	}
	res, err := baseline.Optimize(baseline.Input{Observations: obs, TargetNonACEnergy: 50})
	require.NoError(t, err)
	return res
}

func TestBaselinePoints(t *testing.T) {
	computed := time.Date(2024, 4, 2, 8, 0, 0, 0, time.UTC)
	pts, err := BaselinePoints("site-a", result(t), computed)
	require.NoError(t, err)
	require.Len(t, pts, 4)

	for i, p := range pts[:3] {
		assert.Equal(t, periodMeasurement, p.Name())
		assert.Equal(t, time.Date(2024, time.Month(i+1), 1, 0, 0, 0, 0, time.UTC), p.Time())
	}

	summary := pts[3]
	assert.Equal(t, modelMeasurement, summary.Name())
	assert.Equal(t, computed, summary.Time())

	line := write.PointToLineProtocol(summary, time.Second)
	assert.Contains(t, line, "site=site-a")
	assert.Contains(t, line, "family=linear")
	assert.Contains(t, line, "invalid_count=0i")
	assert.Contains(t, line, "target_non_ac=50")
}

func TestBaselinePoints_NoBest(t *testing.T) {
	_, err := BaselinePoints("site-a", &baseline.Result{}, time.Now())
	assert.Error(t, err)
}

func TestInfluxWriter(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []string
		query  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"name":"influxdb","message":"ready","status":"pass","checks":[],"version":"2.7.0","commit":"x"}`))
		case "/api/v2/write":
			b, _ := io.ReadAll(r.Body)
			mu.Lock()
			bodies = append(bodies, string(b))
			query = r.URL.RawQuery
			mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	w, err := NewInfluxWriter(context.Background(), Config{URL: srv.URL, Token: "tok", Org: "org", Bucket: "baselines"})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Write(context.Background(), "site-a", result(t)))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, bodies)
	all := strings.Join(bodies, "\n")
	assert.Equal(t, 3, strings.Count(all, periodMeasurement+","))
	assert.Equal(t, 1, strings.Count(all, modelMeasurement+","))
	assert.Contains(t, query, "bucket=baselines")
}

func TestNewInfluxWriter_RequiresBucket(t *testing.T) {
	_, err := NewInfluxWriter(context.Background(), Config{URL: "http://localhost:8086"})
	assert.Error(t, err)
}
