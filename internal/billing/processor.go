package billing

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/oscredits/credits-plane/internal/lineprotocol"
	"github.com/oscredits/credits-plane/internal/metering"
	"github.com/oscredits/credits-plane/internal/worker"
	"github.com/oscredits/credits-plane/pkg/events"
	"github.com/oscredits/credits-plane/pkg/metrics"
)

// Processor turns raw line-protocol records into billing transitions.
// It is the function the worker pool runs for every queued line: parse,
// filter, lock the project, run the engine, publish what happened.
type Processor struct {
	registry  *metering.Registry
	engine    *Engine
	locks     *worker.LockRegistry
	bus       *events.Bus
	whitelist map[string]struct{}
	logger    *zap.Logger
}

// NewProcessor wires a processor. A non-empty whitelist restricts
// billing to the listed projects, everything else is dropped early.
func NewProcessor(registry *metering.Registry, engine *Engine, locks *worker.LockRegistry, bus *events.Bus, whitelist []string, logger *zap.Logger) *Processor {
	p := &Processor{
		registry: registry,
		engine:   engine,
		locks:    locks,
		bus:      bus,
		logger:   logger,
	}
	if len(whitelist) > 0 {
		p.whitelist = make(map[string]struct{}, len(whitelist))
		for _, name := range whitelist {
			p.whitelist[name] = struct{}{}
		}
	}
	return p
}

// Process handles one raw record. Records that cannot or need not be
// billed are dropped with a counter and a log line; only failures that
// need operator attention return an error.
func (p *Processor) Process(ctx context.Context, line string) error {
	// Cheap pre-check on the measurement name so the flood of metrics we
	// do not bill never reaches the decoder.
	if _, ok := p.registry.Resolve(lineprotocol.MeasurementName(line)); !ok {
		metrics.MeasurementsDropped.WithLabelValues(metrics.DropUnknownMetric).Inc()
		p.logger.Debug("record for unbilled metric dropped",
			zap.String("measurement", lineprotocol.MeasurementName(line)))
		return nil
	}

	point, err := lineprotocol.Decode(line)
	if err != nil {
		metrics.MeasurementsDropped.WithLabelValues(metrics.DropMalformed).Inc()
		p.logger.Error("malformed record dropped", zap.String("line", line), zap.Error(err))
		return nil
	}

	m, err := p.registry.ParseMeasurement(point)
	if err != nil {
		if errors.Is(err, metering.ErrUnknownMetric) {
			metrics.MeasurementsDropped.WithLabelValues(metrics.DropUnknownMetric).Inc()
		} else {
			metrics.MeasurementsDropped.WithLabelValues(metrics.DropMalformed).Inc()
		}
		p.logger.Error("unusable record dropped", zap.String("line", line), zap.Error(err))
		return nil
	}

	if p.whitelist != nil {
		if _, ok := p.whitelist[m.ProjectName]; !ok {
			metrics.MeasurementsDropped.WithLabelValues(metrics.DropNotWhitelisted).Inc()
			p.logger.Info("project not whitelisted, record dropped",
				zap.String("project", m.ProjectName))
			return nil
		}
	}

	mu := p.locks.Acquire(m.ProjectName)
	defer mu.Unlock()

	outcome, err := p.engine.ProcessMeasurement(ctx, m)
	if err != nil {
		return err
	}

	if outcome.Committed {
		billed, _ := outcome.Credits.Float64()
		metrics.CreditsBilled.WithLabelValues(m.Metric.Name).Add(billed)
		p.publish(ctx, events.EventBillingCommitted, m.ProjectName, map[string]interface{}{
			"metric":       m.Metric.Name,
			"credits":      outcome.Credits.String(),
			"credits_left": outcome.History.CreditsLeft.String(),
			"timestamp":    outcome.History.Timestamp,
		})
	}

	if outcome.Notice != nil {
		n := outcome.Notice
		p.publish(ctx, events.EventCreditsHalfDepleted, n.Project, map[string]interface{}{
			"emails":          n.Emails,
			"credits_granted": n.CreditsGranted.String(),
			"credits_used":    n.CreditsUsed.String(),
			"credits_left":    n.CreditsLeft.String(),
			"metric":          n.Metric,
		})
	}
	return nil
}

func (p *Processor) publish(ctx context.Context, typ events.EventType, project string, payload map[string]interface{}) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(ctx, events.NewEvent(typ, project, payload))
}
