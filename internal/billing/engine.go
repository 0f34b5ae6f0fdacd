package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/oscredits/credits-plane/internal/metering"
	"github.com/oscredits/credits-plane/internal/perun"
	"github.com/oscredits/credits-plane/pkg/metrics"
)

// Engine drives billing transitions. It is stateless; all project state
// lives in the attribute store and all usage history in the time-series
// store. The caller must hold the project's lock for the whole call,
// the engine itself does not serialize access.
type Engine struct {
	registry *metering.Registry
	projects ProjectStore
	series   TimeSeries
	logger   *zap.Logger
}

// NewEngine creates an engine billing against the given stores.
func NewEngine(registry *metering.Registry, projects ProjectStore, series TimeSeries, logger *zap.Logger) *Engine {
	return &Engine{
		registry: registry,
		projects: projects,
		series:   series,
		logger:   logger,
	}
}

// ProcessMeasurement runs one billing transition for the measurement.
//
// A zero Outcome with a nil error means the measurement was absorbed
// without changing project state: unknown project, first measurement of
// a metric, stale or duplicate data, or a delta too small to survive
// rounding. A non-nil error means the transition failed in a way that
// needs operator attention and the measurement was not billed.
func (e *Engine) ProcessMeasurement(ctx context.Context, m metering.Measurement) (Outcome, error) {
	logger := e.logger.With(
		zap.String("project", m.ProjectName),
		zap.String("metric", m.Metric.Name),
		zap.Time("timestamp", m.Timestamp),
	)

	state, err := e.projects.Connect(ctx, m.ProjectName)
	if err != nil {
		if errors.Is(err, perun.ErrProjectNotFound) {
			logger.Warn("measurement for unknown project dropped")
			metrics.MeasurementsDropped.WithLabelValues(metrics.DropProjectMissing).Inc()
			return Outcome{}, nil
		}
		return Outcome{}, fmt.Errorf("connecting project: %w", err)
	}

	used, ok := state.CreditsUsed()
	if !ok {
		if state.HasBilledTimestamps() {
			// A project that has been billed before must carry a value.
			// Whoever removed it has to repair the state by hand.
			return Outcome{}, fmt.Errorf("%w: project %q", perun.ErrCreditsUsedMissing, m.ProjectName)
		}
		used = decimal.Zero
		state.SetCreditsUsed(used)
	}

	lastBilled, ok := state.LastBilled(m.Metric.Name)
	if !ok {
		// First measurement of this metric. Nothing to bill against yet,
		// just anchor the timestamp for the next one.
		state.SetLastBilled(m.Metric.Name, m.Timestamp)
		if err := state.Save(ctx); err != nil {
			return Outcome{}, fmt.Errorf("saving first timestamp: %w", err)
		}
		logger.Info("first measurement of metric, timestamp anchored")
		return Outcome{}, nil
	}

	if !m.Timestamp.After(lastBilled) {
		logger.Warn("stale measurement dropped", zap.Time("last_billed", lastBilled))
		metrics.MeasurementsDropped.WithLabelValues(metrics.DropStale).Inc()
		return Outcome{}, nil
	}

	history, err := e.series.PreviousMeasurements(ctx, m, lastBilled)
	if err != nil {
		return Outcome{}, fmt.Errorf("querying previous measurements: %w", err)
	}

	previous, ok := valueAt(history, lastBilled)
	if !ok {
		if len(history) == 0 {
			return Outcome{}, fmt.Errorf("no usage history for project %q metric %q since %s",
				m.ProjectName, m.Metric.Name, lastBilled)
		}
		// The measurement we billed last has expired from the store.
		// Advance to the oldest one still available and bill from there
		// next time.
		oldest := history[len(history)-1]
		state.SetLastBilled(m.Metric.Name, oldest.Timestamp)
		if err := state.Save(ctx); err != nil {
			return Outcome{}, fmt.Errorf("advancing timestamp: %w", err)
		}
		logger.Warn("billed measurement expired from history, timestamp advanced",
			zap.Time("advanced_to", oldest.Timestamp))
		metrics.MeasurementsDropped.WithLabelValues(metrics.DropMissingHistory).Inc()
		return Outcome{}, nil
	}

	if m.Value.Equal(previous.Value) {
		logger.Debug("usage unchanged since last billing, nothing to bill")
		metrics.MeasurementsDropped.WithLabelValues(metrics.DropEqualValue).Inc()
		return Outcome{}, nil
	}

	prev := m
	prev.Value = previous.Value
	prev.Timestamp = previous.Timestamp
	credits := e.registry.Pricing(m, prev)

	if credits.IsNegative() {
		return Outcome{}, fmt.Errorf("%w: %s for project %q metric %q",
			ErrNegativeCredits, credits, m.ProjectName, m.Metric.Name)
	}

	newUsed := used.Add(credits)
	if newUsed.Equal(used) {
		// The delta rounds to nothing at the configured precision. Skip
		// the whole cycle, timestamp included, so the delta can
		// accumulate until it becomes billable.
		logger.Debug("charge below precision, billing cycle skipped",
			zap.String("credits", credits.String()))
		metrics.MeasurementsDropped.WithLabelValues(metrics.DropRounding).Inc()
		return Outcome{}, nil
	}

	granted := decimal.NewFromInt(state.CreditsGranted())
	rec := HistoryRecord{
		Project:            m.ProjectName,
		Timestamp:          m.Timestamp,
		CreditsLeft:        granted.Sub(newUsed),
		MetricName:         m.Metric.Name,
		MetricFriendlyName: m.Metric.FriendlyName,
	}

	state.SetLastBilled(m.Metric.Name, m.Timestamp)
	state.SetCreditsUsed(newUsed)

	if err := e.series.WriteBillingHistory(ctx, rec); err != nil {
		return Outcome{}, fmt.Errorf("writing billing history: %w", err)
	}
	if err := state.Save(ctx); err != nil {
		return Outcome{}, fmt.Errorf("saving billed state: %w", err)
	}

	logger.Info("project billed",
		zap.String("credits", credits.String()),
		zap.String("credits_used", newUsed.String()),
		zap.String("credits_left", rec.CreditsLeft.String()),
	)

	outcome := Outcome{Committed: true, Credits: credits, History: &rec}

	half := granted.Div(decimal.NewFromInt(2))
	if used.LessThanOrEqual(half) && newUsed.GreaterThan(half) {
		outcome.Notice = &Notice{
			Project:        m.ProjectName,
			Emails:         state.Emails(),
			CreditsGranted: granted,
			CreditsUsed:    newUsed,
			CreditsLeft:    rec.CreditsLeft,
			Metric:         m.Metric.FriendlyName,
		}
	}
	return outcome, nil
}

// valueAt finds the history entry with exactly the given timestamp.
func valueAt(history []TimedValue, ts time.Time) (TimedValue, bool) {
	for _, v := range history {
		if v.Timestamp.Equal(ts) {
			return v, true
		}
	}
	return TimedValue{}, false
}
