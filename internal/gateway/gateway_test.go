package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/oscredits/credits-plane/internal/billing"
	"github.com/oscredits/credits-plane/internal/metering"
	"github.com/oscredits/credits-plane/internal/worker"
)

type fakeHistory struct {
	records []billing.HistoryRecord
	err     error

	gotProject string
	gotSince   time.Time
}

func (f *fakeHistory) BillingHistory(ctx context.Context, project string, since time.Time) ([]billing.HistoryRecord, error) {
	f.gotProject = project
	f.gotSince = since
	return f.records, f.err
}

func newTestGateway(t *testing.T, history HistoryStore) (*Gateway, *worker.Queue) {
	t.Helper()
	registry := metering.NewRegistry(2)
	for _, m := range metering.DefaultMetrics() {
		require.NoError(t, registry.Register(m))
	}
	queue := worker.NewQueue()
	return New(registry, queue, worker.NewLockRegistry(), history, 10, zap.NewNop()), queue
}

func doRequest(g *Gateway, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)
	return rec
}

func TestWriteQueuesEveryLine(t *testing.T) {
	g, queue := newTestGateway(t, &fakeHistory{})

	body := strings.Join([]string{
		"project_vcpu_usage,location_id=0,project_name=p value=100 1000",
		"",
		"project_mb_usage,location_id=0,project_name=p value=4096 1000",
		"garbage that the workers will sort out",
	}, "\n")

	rec := doRequest(g, http.MethodPost, "/write", body)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 3, queue.Len())
}

func TestWriteEmptyBodyAccepted(t *testing.T) {
	g, queue := newTestGateway(t, &fakeHistory{})

	rec := doRequest(g, http.MethodPost, "/write", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 0, queue.Len())
}

func TestPing(t *testing.T) {
	g, _ := newTestGateway(t, &fakeHistory{})

	rec := doRequest(g, http.MethodGet, "/ping", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Pong", rec.Body.String())
}

func TestStats(t *testing.T) {
	g, queue := newTestGateway(t, &fakeHistory{})
	queue.Put("pending task")

	rec := doRequest(g, http.MethodGet, "/stats", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"number_of_workers":10`)
	assert.Contains(t, rec.Body.String(), `"queue_size":1`)
	assert.Contains(t, rec.Body.String(), `"number_of_locks":0`)
	assert.Contains(t, rec.Body.String(), `"uptime"`)
}

func TestMetricsCatalogue(t *testing.T) {
	g, _ := newTestGateway(t, &fakeHistory{})

	rec := doRequest(g, http.MethodGet, "/api/credits", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `"cpu"`)
	assert.Contains(t, body, `"ram"`)
	assert.Contains(t, body, `"prometheus_name":"project_vcpu_usage"`)
}

func TestCostsPerHour(t *testing.T) {
	g, _ := newTestGateway(t, &fakeHistory{})

	rec := doRequest(g, http.MethodPost, "/api/credits", `{"cpu": 8, "ram": 4096}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	// 8 * 1 + 4096 * 0.3 / 1024 = 9.2
	assert.Equal(t, "9.2\n", rec.Body.String())
}

func TestCostsPerHourUnknownMeasurement(t *testing.T) {
	g, _ := newTestGateway(t, &fakeHistory{})

	rec := doRequest(g, http.MethodPost, "/api/credits", `{"gpu": 2}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCostsPerHourInvalidJSON(t *testing.T) {
	g, _ := newTestGateway(t, &fakeHistory{})

	rec := doRequest(g, http.MethodPost, "/api/credits", `{"cpu": "eight"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreditsHistory(t *testing.T) {
	history := &fakeHistory{records: []billing.HistoryRecord{
		{
			Project:            "bioproject",
			Timestamp:          time.Date(2019, 5, 2, 12, 0, 0, 0, time.UTC),
			CreditsLeft:        decimal.RequireFromString("19840.3"),
			MetricFriendlyName: "cpu",
		},
		{
			Project:            "bioproject",
			Timestamp:          time.Date(2019, 5, 1, 9, 30, 0, 0, time.UTC),
			CreditsLeft:        decimal.RequireFromString("19845.5"),
			MetricFriendlyName: "ram",
		},
	}}
	g, _ := newTestGateway(t, history)

	rec := doRequest(g, http.MethodGet, "/api/credits_history/bioproject", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bioproject", history.gotProject)
	assert.Equal(t, historyEpoch, history.gotSince)

	body := rec.Body.String()
	assert.Contains(t, body, `"timestamps":["timestamps","2019-05-02 12:00:00","2019-05-01 09:30:00"]`)
	assert.Contains(t, body, `"credits":["credits",19840.3,19845.5]`)
	assert.Contains(t, body, `"metrics":["metrics","cpu","ram"]`)
}

func TestCreditsHistorySinceParameter(t *testing.T) {
	history := &fakeHistory{}
	g, _ := newTestGateway(t, history)

	rec := doRequest(g, http.MethodGet, "/api/credits_history/bioproject?since=2019-06-01T00:00:00Z", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, time.Date(2019, 6, 1, 0, 0, 0, 0, time.UTC), history.gotSince)

	rec = doRequest(g, http.MethodGet, "/api/credits_history/bioproject?since=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreditsHistoryStoreFailure(t *testing.T) {
	history := &fakeHistory{err: fmt.Errorf("influxdb unreachable")}
	g, _ := newTestGateway(t, history)

	rec := doRequest(g, http.MethodGet, "/api/credits_history/bioproject", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestPrometheusMetricsExposed(t *testing.T) {
	g, _ := newTestGateway(t, &fakeHistory{})

	rec := doRequest(g, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "credits_lines_received_total")
}
