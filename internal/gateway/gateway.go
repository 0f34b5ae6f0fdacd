// Package gateway exposes the HTTP surface of the credits service: the
// line-protocol ingest endpoint, the credits APIs and operational
// endpoints.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/oscredits/credits-plane/internal/billing"
	"github.com/oscredits/credits-plane/internal/metering"
	"github.com/oscredits/credits-plane/internal/worker"
	"github.com/oscredits/credits-plane/pkg/metrics"
)

// historyEpoch is the default lower bound of credits history queries,
// the date the history database went live.
var historyEpoch = time.Date(2019, 4, 19, 0, 0, 0, 0, time.UTC)

// HistoryStore reads the credits history. Satisfied by *influx.Client.
type HistoryStore interface {
	BillingHistory(ctx context.Context, project string, since time.Time) ([]billing.HistoryRecord, error)
}

// Gateway routes HTTP requests into the billing pipeline and the
// credits APIs.
type Gateway struct {
	registry  *metering.Registry
	queue     *worker.Queue
	locks     *worker.LockRegistry
	history   HistoryStore
	workers   int
	startTime time.Time
	logger    *zap.Logger
	router    chi.Router
}

// New creates the gateway and mounts all routes.
func New(registry *metering.Registry, queue *worker.Queue, locks *worker.LockRegistry, history HistoryStore, workers int, logger *zap.Logger) *Gateway {
	g := &Gateway{
		registry:  registry,
		queue:     queue,
		locks:     locks,
		history:   history,
		workers:   workers,
		startTime: time.Now(),
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Post("/write", g.handleWrite)
	r.Get("/ping", g.handlePing)
	r.Get("/stats", g.handleStats)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/credits", g.handleMetricsCatalogue)
		r.Post("/credits", g.handleCostsPerHour)
		r.Get("/credits_history/{project}", g.handleCreditsHistory)
	})

	g.router = r
	return g
}

// Handler returns the mounted HTTP handler.
func (g *Gateway) Handler() http.Handler { return g.router }

// handleWrite accepts a batch of line-protocol records and queues every
// non-empty line for billing. The endpoint always answers 202: invalid
// or unneeded lines are sorted out by the workers, the cloud sites
// pushing usage data are not the ones who can fix them.
func (g *Gateway) handleWrite(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "reading request body failed", http.StatusBadRequest)
		return
	}

	queued := 0
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		g.queue.Put(line)
		metrics.LinesReceived.Inc()
		queued++
	}

	g.logger.Debug("ingest batch queued", zap.Int("lines", queued))
	w.WriteHeader(http.StatusAccepted)
}

func (g *Gateway) handlePing(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, "Pong")
}

func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	g.respondJSON(w, http.StatusOK, map[string]any{
		"number_of_workers": g.workers,
		"queue_size":        g.queue.Len(),
		"number_of_locks":   g.locks.Len(),
		"uptime":            time.Since(g.startTime).String(),
	})
}

// handleMetricsCatalogue describes the billed metrics, including the
// structure expected by the costs-per-hour API.
func (g *Gateway) handleMetricsCatalogue(w http.ResponseWriter, _ *http.Request) {
	catalogue := make(map[string]any)
	for _, m := range g.registry.Metrics() {
		catalogue[m.FriendlyName] = map[string]string{
			"description":     m.Description,
			"type":            "int",
			"prometheus_name": m.Name,
		}
	}
	g.respondJSON(w, http.StatusOK, catalogue)
}

// handleCostsPerHour prices a machine constellation: a JSON object of
// friendly metric names to quantities is answered with the combined
// credits per hour.
func (g *Gateway) handleCostsPerHour(w http.ResponseWriter, r *http.Request) {
	var specs map[string]float64
	if err := json.NewDecoder(r.Body).Decode(&specs); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	total := decimal.Zero
	for friendlyName, quantity := range specs {
		metric, ok := g.registry.ResolveFriendly(friendlyName)
		if !ok {
			http.Error(w, fmt.Sprintf("unknown measurement %q", friendlyName), http.StatusNotFound)
			return
		}
		total = total.Add(g.registry.CostsPerHour(metric, decimal.NewFromFloat(quantity)))
	}

	costs, _ := total.RoundBank(g.registry.Precision()).Float64()
	g.respondJSON(w, http.StatusOK, costs)
}

// handleCreditsHistory returns the billing history of a project as
// labeled columns, ready for plotting.
func (g *Gateway) handleCreditsHistory(w http.ResponseWriter, r *http.Request) {
	project := chi.URLParam(r, "project")

	since := historyEpoch
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "since must be RFC 3339", http.StatusBadRequest)
			return
		}
		since = parsed
	}

	records, err := g.history.BillingHistory(r.Context(), project, since)
	if err != nil {
		g.logger.Error("credits history query failed",
			zap.String("project", project), zap.Error(err))
		http.Error(w, "credits history unavailable", http.StatusBadGateway)
		return
	}

	timestamps := []any{"timestamps"}
	credits := []any{"credits"}
	metricNames := []any{"metrics"}
	for _, rec := range records {
		creditsLeft, _ := rec.CreditsLeft.Float64()
		timestamps = append(timestamps, rec.Timestamp.Format("2006-01-02 15:04:05"))
		credits = append(credits, creditsLeft)
		metricNames = append(metricNames, rec.MetricFriendlyName)
	}

	g.respondJSON(w, http.StatusOK, map[string]any{
		"timestamps": timestamps,
		"credits":    credits,
		"metrics":    metricNames,
	})
}

func (g *Gateway) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		g.logger.Error("encoding response failed", zap.Error(err))
	}
}
