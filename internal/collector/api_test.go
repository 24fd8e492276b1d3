package collector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/2beens/dashgate/internal/apitoken"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/goleak"
)

var testZone = time.FixedZone("CET", 60*60)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// INFO: https://github.com/go-redis/redis/issues/1029
		goleak.IgnoreTopFunction(
			"github.com/go-redis/redis/v8/internal/pool.(*ConnPool).reaper",
		),
	)
}

func saveTestToken(t *testing.T, path string, expiresAt time.Time) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "ops@example.com",
		"exp": expiresAt.Unix(),
	}).SignedString([]byte("upstream-secret"))
	require.NoError(t, err)

	_, err = apitoken.Save(path, token, time.Now())
	require.NoError(t, err)
	return token
}

const testApiResponse = `[
  {
    "flowDetails": {"flowId": "meter-readings", "flowName": "Meter readings", "flowState": "STARTED"},
    "metrics": [
      {"metricId": "total-exchanges", "value": 120},
      {"metricId": "successful-exchanges", "value": 118},
      {"metricId": "failed-exchanges", "value": 2},
      {"metricId": "inflight-exchanges", "value": 1},
      {"metricId": "avg-response-time-millis", "value": 35.5},
      {"metricId": "avg-processing-time-millis", "value": 20}
    ]
  },
  {
    "flowDetails": {"flowName": "no id"},
    "metrics": [{"metricId": "total-exchanges", "value": 3}, {"metricId": "something-new", "value": 9}]
  }
]`

func newTestApi(t *testing.T, handler http.HandlerFunc) (*Api, string) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	tokenPath := filepath.Join(t.TempDir(), "token.json")
	httpClient := &http.Client{
		Transport: otelhttp.NewTransport(server.Client().Transport),
	}
	return NewApi(server.URL+"/metrics/prod", tokenPath, httpClient), tokenPath
}

func TestApi_FetchHour(t *testing.T) {
	var (
		mutex                      sync.Mutex
		gotQuery, gotAuth, gotPath string
	)
	api, tokenPath := newTestApi(t, func(w http.ResponseWriter, r *http.Request) {
		mutex.Lock()
		defer mutex.Unlock()
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(testApiResponse))
	})
	token := saveTestToken(t, tokenPath, time.Now().Add(time.Hour))

	hour := time.Date(2026, 2, 12, 13, 0, 0, 0, testZone)
	flows, err := api.FetchHour(context.Background(), hour)
	require.NoError(t, err)

	mutex.Lock()
	defer mutex.Unlock()
	assert.Equal(t, "/metrics/prod", gotPath)
	assert.Equal(t, "Bearer "+token, gotAuth)
	assert.Equal(t, "fromDatetimeInclusive=2026-02-12T12%3A00%3A00.000Z&toDatetimeExclusive=2026-02-12T13%3A00%3A00.000Z", gotQuery)

	require.Len(t, flows, 2)
	assert.Equal(t, "meter-readings", flows[0].FlowID)
	assert.Equal(t, "Meter readings", flows[0].FlowName)
	assert.Equal(t, "STARTED", flows[0].FlowState)
	assert.Equal(t, float64(120), flows[0].TotalExchanges)
	assert.Equal(t, float64(118), flows[0].SuccessfulExchanges)
	assert.Equal(t, float64(2), flows[0].FailedExchanges)
	assert.Equal(t, float64(1), flows[0].InflightExchanges)
	assert.Equal(t, 35.5, flows[0].AvgResponseTimeMs)
	assert.Equal(t, float64(20), flows[0].AvgProcessingTimeMs)
	assert.True(t, flows[0].Period.Equal(hour))
	assert.False(t, flows[0].CollectedAt.IsZero())

	assert.Equal(t, unknownFlow, flows[1].FlowID)
	assert.Equal(t, float64(3), flows[1].TotalExchanges)
}

func TestApi_FetchHour_SingleRecordAndEmpty(t *testing.T) {
	var (
		mutex sync.Mutex
		body  = `{"flowDetails": {"flowId": "single"}, "metrics": [{"metricId": "total-exchanges", "value": 7}]}`
	)
	setBody := func(b string) {
		mutex.Lock()
		defer mutex.Unlock()
		body = b
	}
	api, tokenPath := newTestApi(t, func(w http.ResponseWriter, r *http.Request) {
		mutex.Lock()
		defer mutex.Unlock()
		_, _ = w.Write([]byte(body))
	})
	saveTestToken(t, tokenPath, time.Now().Add(time.Hour))

	flows, err := api.FetchHour(context.Background(), time.Now().Truncate(time.Hour))
	require.NoError(t, err)
	require.Len(t, flows, 1)
	assert.Equal(t, "single", flows[0].FlowID)
	assert.Equal(t, float64(7), flows[0].TotalExchanges)

	setBody("null")
	flows, err = api.FetchHour(context.Background(), time.Now().Truncate(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, flows)

	setBody("<html>oops</html>")
	_, err = api.FetchHour(context.Background(), time.Now().Truncate(time.Hour))
	assert.ErrorContains(t, err, "unexpected metrics response")
}

func TestApi_FetchHour_Errors(t *testing.T) {
	var calls atomic.Int32
	api, tokenPath := newTestApi(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "token rejected", http.StatusUnauthorized)
	})
	hour := time.Now().Truncate(time.Hour)

	_, err := api.FetchHour(context.Background(), hour)
	assert.ErrorIs(t, err, apitoken.ErrNoToken)

	saveTestToken(t, tokenPath, time.Now().Add(-time.Minute))
	_, err = api.FetchHour(context.Background(), hour)
	assert.ErrorIs(t, err, ErrTokenExpired)
	assert.Equal(t, int32(0), calls.Load(), "no upstream call without a usable token")

	saveTestToken(t, tokenPath, time.Now().Add(time.Hour))
	_, err = api.FetchHour(context.Background(), hour)
	assert.ErrorIs(t, err, ErrUnexpectedStatus)
	assert.ErrorContains(t, err, "401")
	assert.Equal(t, int32(1), calls.Load())
}
