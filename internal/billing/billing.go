// Package billing implements the state machine that turns usage
// measurements into credit charges against a project's allowance.
package billing

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/oscredits/credits-plane/internal/metering"
)

// ErrNegativeCredits signals that pricing a measurement produced a
// negative charge. Billing negative amounts would let a project regain
// credits, so the transition is aborted instead.
var ErrNegativeCredits = errors.New("pricing produced negative credits")

// ProjectState is the mutable billing state of one project. Satisfied
// by *perun.Group.
type ProjectState interface {
	Name() string
	CreditsGranted() int64
	CreditsUsed() (decimal.Decimal, bool)
	SetCreditsUsed(decimal.Decimal)
	LastBilled(metric string) (time.Time, bool)
	SetLastBilled(metric string, t time.Time)
	HasBilledTimestamps() bool
	Emails() []string
	Save(ctx context.Context) error
}

// ProjectStore resolves project names to their billing state.
// Satisfied by *perun.Store.
type ProjectStore interface {
	Connect(ctx context.Context, name string) (ProjectState, error)
}

// TimedValue is one historic usage value of a metric.
type TimedValue struct {
	Timestamp time.Time
	Value     decimal.Decimal
}

// HistoryRecord documents one committed billing transition. The record
// is appended to the credits history so the spending of a project can
// be plotted over time.
type HistoryRecord struct {
	Project            string
	Timestamp          time.Time
	CreditsLeft        decimal.Decimal
	MetricName         string
	MetricFriendlyName string
}

// TimeSeries is the usage history and billing history store. Satisfied
// by *influx.Client.
type TimeSeries interface {
	// PreviousMeasurements returns all values of the measurement's metric
	// for its project with timestamps at or after since, newest first.
	PreviousMeasurements(ctx context.Context, m metering.Measurement, since time.Time) ([]TimedValue, error)

	// WriteBillingHistory appends one record to the credits history.
	WriteBillingHistory(ctx context.Context, rec HistoryRecord) error
}

// Notice describes a crossed credits threshold, to be turned into a
// notification for the project maintainers.
type Notice struct {
	Project        string
	Emails         []string
	CreditsGranted decimal.Decimal
	CreditsUsed    decimal.Decimal
	CreditsLeft    decimal.Decimal
	Metric         string
}

// Outcome reports what a billing transition did. Most measurements do
// not lead to a commit: stale, duplicate and sub-precision deltas are
// all absorbed without touching project state.
type Outcome struct {
	// Committed is true when the project's used credits and billing
	// timestamp were updated.
	Committed bool

	// Credits is the charged amount when Committed.
	Credits decimal.Decimal

	// History is the record appended to the credits history when
	// Committed.
	History *HistoryRecord

	// Notice is non-nil when the transition moved the project across
	// half of its granted credits.
	Notice *Notice
}
