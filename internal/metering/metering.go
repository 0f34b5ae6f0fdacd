// Package metering defines the billable metrics, their pricing rules and
// the typed usage measurements produced from decoded line-protocol points.
package metering

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/oscredits/credits-plane/internal/lineprotocol"
)

var (
	// ErrDuplicateMetric is returned when registering a metric whose name or
	// friendly name is already taken.
	ErrDuplicateMetric = errors.New("metric already registered")

	// ErrUnknownMetric marks a measurement that no registered metric claims.
	// Callers drop such measurements silently; this is the common case, not
	// a failure.
	ErrUnknownMetric = errors.New("metric not registered")
)

// PricingFn overrides the default usage-delta pricing of a metric. The
// returned amount must be rounded to the given precision and must be
// non-negative for non-decreasing usage.
type PricingFn func(current, previous Measurement, precision int32) decimal.Decimal

// Metric is one billable resource dimension, e.g. vCPU hours.
type Metric struct {
	// Name is the measurement identifier on the wire.
	Name string
	// FriendlyName is the short human-facing identifier used by the API.
	FriendlyName string
	Description  string
	// CreditsPerVirtualHour prices one virtual unit-hour. Must be positive.
	CreditsPerVirtualHour decimal.Decimal
	// Price, when set, replaces the default delta formula.
	Price PricingFn
}

// Measurement is one observed value of a metric for a project at a point
// in time. Immutable once constructed.
type Measurement struct {
	Metric      *Metric
	ProjectName string
	LocationID  int
	Value       decimal.Decimal
	Timestamp   time.Time
}

// Line serializes the measurement back into line protocol.
func (m Measurement) Line() string {
	return lineprotocol.Encode(lineprotocol.Point{
		Name: m.Metric.Name,
		Tags: map[string]string{
			"location_id":  strconv.Itoa(m.LocationID),
			"project_name": m.ProjectName,
		},
		Fields:    map[string]string{"value": m.Value.String()},
		Timestamp: m.Timestamp,
	})
}

// Registry maps measurement names to metrics. It is populated once at
// startup and read-only afterwards, so lookups need no locking.
type Registry struct {
	precision  int32
	byName     map[string]*Metric
	byFriendly map[string]*Metric
}

// NewRegistry returns an empty registry. Credits amounts are rounded to
// precision decimal places using round-half-to-even.
func NewRegistry(precision int32) *Registry {
	return &Registry{
		precision:  precision,
		byName:     make(map[string]*Metric),
		byFriendly: make(map[string]*Metric),
	}
}

// Register adds a metric. Metrics must be registered before the registry
// is shared with workers.
func (r *Registry) Register(m Metric) error {
	if m.Name == "" || m.FriendlyName == "" {
		return fmt.Errorf("metric must have both name and friendly name")
	}
	if !m.CreditsPerVirtualHour.IsPositive() {
		return fmt.Errorf("metric %s has non-positive credits per virtual hour (%s)", m.Name, m.CreditsPerVirtualHour)
	}
	if _, ok := r.byName[m.Name]; ok {
		return fmt.Errorf("%w: name %q", ErrDuplicateMetric, m.Name)
	}
	if _, ok := r.byFriendly[m.FriendlyName]; ok {
		return fmt.Errorf("%w: friendly name %q", ErrDuplicateMetric, m.FriendlyName)
	}
	metric := m
	r.byName[m.Name] = &metric
	r.byFriendly[m.FriendlyName] = &metric
	return nil
}

// Resolve returns the metric responsible for the given measurement name.
func (r *Registry) Resolve(name string) (*Metric, bool) {
	m, ok := r.byName[name]
	return m, ok
}

// ResolveFriendly returns the metric with the given friendly name.
func (r *Registry) ResolveFriendly(friendlyName string) (*Metric, bool) {
	m, ok := r.byFriendly[friendlyName]
	return m, ok
}

// Metrics returns all registered metrics keyed by friendly name.
func (r *Registry) Metrics() map[string]*Metric {
	out := make(map[string]*Metric, len(r.byFriendly))
	for name, m := range r.byFriendly {
		out[name] = m
	}
	return out
}

// Precision returns the configured rounding precision in decimal places.
func (r *Registry) Precision() int32 {
	return r.precision
}

// Pricing computes the credits to bill for the usage delta between the
// previous and the current measurement of the same metric. The default
// formula is (current - previous) * CreditsPerVirtualHour, banker's-rounded
// to the configured precision. A metric may carry its own PricingFn.
func (r *Registry) Pricing(current, previous Measurement) decimal.Decimal {
	metric := current.Metric
	if metric.Price != nil {
		return metric.Price(current, previous, r.precision)
	}
	return current.Value.Sub(previous.Value).
		Mul(metric.CreditsPerVirtualHour).
		RoundBank(r.precision)
}

// CostsPerHour returns the credits a given quantity of this metric costs
// per hour, rounded like Pricing.
func (r *Registry) CostsPerHour(metric *Metric, quantity decimal.Decimal) decimal.Decimal {
	return quantity.Mul(metric.CreditsPerVirtualHour).RoundBank(r.precision)
}

// ParseMeasurement turns a decoded point into a typed Measurement. Points
// whose name no metric claims yield ErrUnknownMetric; points claimed by a
// metric but missing required tags or fields yield ErrMalformedRecord.
func (r *Registry) ParseMeasurement(p lineprotocol.Point) (Measurement, error) {
	metric, ok := r.Resolve(p.Name)
	if !ok {
		return Measurement{}, fmt.Errorf("%w: %q", ErrUnknownMetric, p.Name)
	}
	project, ok := p.Tags["project_name"]
	if !ok {
		return Measurement{}, fmt.Errorf("%w: missing tag project_name", lineprotocol.ErrMalformedRecord)
	}
	locationRaw, ok := p.Tags["location_id"]
	if !ok {
		return Measurement{}, fmt.Errorf("%w: missing tag location_id", lineprotocol.ErrMalformedRecord)
	}
	locationID, err := strconv.Atoi(locationRaw)
	if err != nil {
		return Measurement{}, fmt.Errorf("%w: location_id %q is not an integer", lineprotocol.ErrMalformedRecord, locationRaw)
	}
	valueRaw, ok := p.Fields["value"]
	if !ok {
		return Measurement{}, fmt.Errorf("%w: missing field value", lineprotocol.ErrMalformedRecord)
	}
	value, err := decimal.NewFromString(strings.TrimSuffix(valueRaw, "i"))
	if err != nil {
		return Measurement{}, fmt.Errorf("%w: value %q is not numeric", lineprotocol.ErrMalformedRecord, valueRaw)
	}

	return Measurement{
		Metric:      metric,
		ProjectName: project,
		LocationID:  locationID,
		Value:       value,
		Timestamp:   p.Timestamp,
	}, nil
}

// DefaultMetrics are the metrics billed in production. RAM is priced per
// MiB-hour, matching the unit reported by the usage exporter.
func DefaultMetrics() []Metric {
	return []Metric{
		{
			Name:                  "project_vcpu_usage",
			FriendlyName:          "cpu",
			Description:           "Amount of vCPUs.",
			CreditsPerVirtualHour: decimal.NewFromInt(1),
		},
		{
			Name:                  "project_mb_usage",
			FriendlyName:          "ram",
			Description:           "Amount of RAM in MiB, meaning *1024 instead of *1000.",
			CreditsPerVirtualHour: decimal.RequireFromString("0.3").Div(decimal.NewFromInt(1024)),
		},
	}
}
