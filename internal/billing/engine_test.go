package billing

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/oscredits/credits-plane/internal/metering"
	"github.com/oscredits/credits-plane/internal/perun"
)

// fakeState is an in-memory ProjectState with save counting.
type fakeState struct {
	name       string
	granted    int64
	used       decimal.Decimal
	usedSet    bool
	timestamps map[string]time.Time
	emails     []string
	saves      int
	saveErr    error
}

func (s *fakeState) Name() string           { return s.name }
func (s *fakeState) CreditsGranted() int64  { return s.granted }
func (s *fakeState) Emails() []string       { return s.emails }
func (s *fakeState) HasBilledTimestamps() bool { return len(s.timestamps) > 0 }

func (s *fakeState) CreditsUsed() (decimal.Decimal, bool) { return s.used, s.usedSet }

func (s *fakeState) SetCreditsUsed(v decimal.Decimal) {
	s.used = v
	s.usedSet = true
}

func (s *fakeState) LastBilled(metric string) (time.Time, bool) {
	t, ok := s.timestamps[metric]
	return t, ok
}

func (s *fakeState) SetLastBilled(metric string, t time.Time) {
	if s.timestamps == nil {
		s.timestamps = make(map[string]time.Time)
	}
	s.timestamps[metric] = t
}

func (s *fakeState) Save(ctx context.Context) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves++
	return nil
}

type fakeStore struct {
	states map[string]*fakeState
}

func (f *fakeStore) Connect(ctx context.Context, name string) (ProjectState, error) {
	s, ok := f.states[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", perun.ErrProjectNotFound, name)
	}
	return s, nil
}

type fakeSeries struct {
	values  []TimedValue
	history []HistoryRecord
	err     error
}

func (f *fakeSeries) PreviousMeasurements(ctx context.Context, m metering.Measurement, since time.Time) ([]TimedValue, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []TimedValue
	for _, v := range f.values {
		if !v.Timestamp.Before(since) {
			out = append(out, v)
		}
	}
	return out, nil
}

func (f *fakeSeries) WriteBillingHistory(ctx context.Context, rec HistoryRecord) error {
	f.history = append(f.history, rec)
	return nil
}

var (
	t0 = time.Date(2019, 3, 1, 10, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Hour)
	t2 = t0.Add(2 * time.Hour)
)

func newTestEngine(t *testing.T, store *fakeStore, series *fakeSeries) (*Engine, *metering.Registry) {
	t.Helper()
	registry := metering.NewRegistry(2)
	for _, m := range metering.DefaultMetrics() {
		require.NoError(t, registry.Register(m))
	}
	return NewEngine(registry, store, series, zap.NewNop()), registry
}

func cpuMeasurement(t *testing.T, registry *metering.Registry, value string, ts time.Time) metering.Measurement {
	t.Helper()
	cpu, ok := registry.Resolve("project_vcpu_usage")
	require.True(t, ok)
	return metering.Measurement{
		Metric:      cpu,
		ProjectName: "bioproject",
		Value:       decimal.RequireFromString(value),
		Timestamp:   ts,
	}
}

func billedState(used string) *fakeState {
	return &fakeState{
		name:       "bioproject",
		granted:    20000,
		used:       decimal.RequireFromString(used),
		usedSet:    true,
		timestamps: map[string]time.Time{"project_vcpu_usage": t0},
		emails:     []string{"admin@example.org"},
	}
}

func TestEngineBillsUsageDelta(t *testing.T) {
	state := billedState("150")
	series := &fakeSeries{values: []TimedValue{
		{Timestamp: t1, Value: decimal.NewFromInt(105)},
		{Timestamp: t0, Value: decimal.NewFromInt(100)},
	}}
	engine, registry := newTestEngine(t, &fakeStore{states: map[string]*fakeState{"bioproject": state}}, series)

	outcome, err := engine.ProcessMeasurement(context.Background(), cpuMeasurement(t, registry, "105", t1))
	require.NoError(t, err)

	require.True(t, outcome.Committed)
	assert.True(t, outcome.Credits.Equal(decimal.NewFromInt(5)))
	assert.True(t, state.used.Equal(decimal.NewFromInt(155)))
	assert.Equal(t, t1, state.timestamps["project_vcpu_usage"])
	assert.Equal(t, 1, state.saves)

	require.Len(t, series.history, 1)
	rec := series.history[0]
	assert.Equal(t, "bioproject", rec.Project)
	assert.Equal(t, t1, rec.Timestamp)
	assert.True(t, rec.CreditsLeft.Equal(decimal.NewFromInt(19845)))
	assert.Equal(t, "project_vcpu_usage", rec.MetricName)
	assert.Equal(t, "cpu", rec.MetricFriendlyName)
	assert.Nil(t, outcome.Notice)
}

func TestEngineAnchorsFirstMeasurement(t *testing.T) {
	state := &fakeState{name: "bioproject", granted: 20000}
	series := &fakeSeries{}
	engine, registry := newTestEngine(t, &fakeStore{states: map[string]*fakeState{"bioproject": state}}, series)

	outcome, err := engine.ProcessMeasurement(context.Background(), cpuMeasurement(t, registry, "100", t0))
	require.NoError(t, err)

	assert.False(t, outcome.Committed)
	assert.Equal(t, t0, state.timestamps["project_vcpu_usage"])
	assert.True(t, state.used.Equal(decimal.Zero))
	assert.True(t, state.usedSet)
	assert.Equal(t, 1, state.saves)
	assert.Empty(t, series.history)
}

func TestEngineDropsStaleMeasurement(t *testing.T) {
	state := billedState("150")
	engine, registry := newTestEngine(t, &fakeStore{states: map[string]*fakeState{"bioproject": state}}, &fakeSeries{})

	for _, ts := range []time.Time{t0, t0.Add(-time.Hour)} {
		outcome, err := engine.ProcessMeasurement(context.Background(), cpuMeasurement(t, registry, "105", ts))
		require.NoError(t, err)
		assert.False(t, outcome.Committed)
	}
	assert.True(t, state.used.Equal(decimal.RequireFromString("150")))
	assert.Equal(t, 0, state.saves)
}

func TestEngineRedeliveryIsIdempotent(t *testing.T) {
	state := billedState("150")
	series := &fakeSeries{values: []TimedValue{
		{Timestamp: t1, Value: decimal.NewFromInt(105)},
		{Timestamp: t0, Value: decimal.NewFromInt(100)},
	}}
	engine, registry := newTestEngine(t, &fakeStore{states: map[string]*fakeState{"bioproject": state}}, series)

	m := cpuMeasurement(t, registry, "105", t1)
	first, err := engine.ProcessMeasurement(context.Background(), m)
	require.NoError(t, err)
	require.True(t, first.Committed)

	second, err := engine.ProcessMeasurement(context.Background(), m)
	require.NoError(t, err)
	assert.False(t, second.Committed)
	assert.True(t, state.used.Equal(decimal.NewFromInt(155)))
	assert.Len(t, series.history, 1)
}

func TestEngineFailsOnMissingUsedCredits(t *testing.T) {
	state := billedState("150")
	state.usedSet = false
	engine, registry := newTestEngine(t, &fakeStore{states: map[string]*fakeState{"bioproject": state}}, &fakeSeries{})

	_, err := engine.ProcessMeasurement(context.Background(), cpuMeasurement(t, registry, "105", t1))
	assert.ErrorIs(t, err, perun.ErrCreditsUsedMissing)
	assert.Equal(t, 0, state.saves)
}

func TestEngineAdvancesTimestampWhenHistoryExpired(t *testing.T) {
	state := billedState("150")
	// Nothing left at t0, the oldest surviving value is at t1.
	series := &fakeSeries{values: []TimedValue{
		{Timestamp: t2, Value: decimal.NewFromInt(110)},
		{Timestamp: t1, Value: decimal.NewFromInt(105)},
	}}
	engine, registry := newTestEngine(t, &fakeStore{states: map[string]*fakeState{"bioproject": state}}, series)

	outcome, err := engine.ProcessMeasurement(context.Background(), cpuMeasurement(t, registry, "110", t2))
	require.NoError(t, err)

	assert.False(t, outcome.Committed)
	assert.Equal(t, t1, state.timestamps["project_vcpu_usage"])
	assert.True(t, state.used.Equal(decimal.RequireFromString("150")))
	assert.Equal(t, 1, state.saves)
}

func TestEngineFailsOnEmptyHistory(t *testing.T) {
	state := billedState("150")
	engine, registry := newTestEngine(t, &fakeStore{states: map[string]*fakeState{"bioproject": state}}, &fakeSeries{})

	_, err := engine.ProcessMeasurement(context.Background(), cpuMeasurement(t, registry, "110", t2))
	require.Error(t, err)
	assert.Equal(t, 0, state.saves)
}

func TestEngineSkipsEqualValue(t *testing.T) {
	state := billedState("150")
	series := &fakeSeries{values: []TimedValue{
		{Timestamp: t1, Value: decimal.NewFromInt(100)},
		{Timestamp: t0, Value: decimal.NewFromInt(100)},
	}}
	engine, registry := newTestEngine(t, &fakeStore{states: map[string]*fakeState{"bioproject": state}}, series)

	outcome, err := engine.ProcessMeasurement(context.Background(), cpuMeasurement(t, registry, "100", t1))
	require.NoError(t, err)

	assert.False(t, outcome.Committed)
	assert.Equal(t, t0, state.timestamps["project_vcpu_usage"])
	assert.Equal(t, 0, state.saves)
}

func TestEngineRejectsNegativeCharge(t *testing.T) {
	state := billedState("150")
	series := &fakeSeries{values: []TimedValue{
		{Timestamp: t1, Value: decimal.NewFromInt(90)},
		{Timestamp: t0, Value: decimal.NewFromInt(100)},
	}}
	engine, registry := newTestEngine(t, &fakeStore{states: map[string]*fakeState{"bioproject": state}}, series)

	_, err := engine.ProcessMeasurement(context.Background(), cpuMeasurement(t, registry, "90", t1))
	assert.ErrorIs(t, err, ErrNegativeCredits)
	assert.True(t, state.used.Equal(decimal.RequireFromString("150")))
	assert.Equal(t, 0, state.saves)
}

func TestEngineSkipsChargeBelowPrecision(t *testing.T) {
	state := billedState("150")
	// RAM delta of 10 MiB over the cycle: 10 * 0.3 / 1024 rounds to 0.00
	// at two decimal places.
	series := &fakeSeries{values: []TimedValue{
		{Timestamp: t1, Value: decimal.NewFromInt(4106)},
		{Timestamp: t0, Value: decimal.NewFromInt(4096)},
	}}
	engine, registry := newTestEngine(t, &fakeStore{states: map[string]*fakeState{"bioproject": state}}, series)

	ram, ok := registry.Resolve("project_mb_usage")
	require.True(t, ok)
	state.timestamps["project_mb_usage"] = t0

	m := metering.Measurement{
		Metric:      ram,
		ProjectName: "bioproject",
		Value:       decimal.NewFromInt(4106),
		Timestamp:   t1,
	}
	outcome, err := engine.ProcessMeasurement(context.Background(), m)
	require.NoError(t, err)

	assert.False(t, outcome.Committed)
	// The timestamp stays put so the delta keeps accumulating.
	assert.Equal(t, t0, state.timestamps["project_mb_usage"])
	assert.True(t, state.used.Equal(decimal.RequireFromString("150")))
	assert.Equal(t, 0, state.saves)
}

func TestEngineNoticeOnHalfDepletion(t *testing.T) {
	state := billedState("9998")
	series := &fakeSeries{values: []TimedValue{
		{Timestamp: t1, Value: decimal.NewFromInt(105)},
		{Timestamp: t0, Value: decimal.NewFromInt(100)},
	}}
	engine, registry := newTestEngine(t, &fakeStore{states: map[string]*fakeState{"bioproject": state}}, series)

	outcome, err := engine.ProcessMeasurement(context.Background(), cpuMeasurement(t, registry, "105", t1))
	require.NoError(t, err)

	require.True(t, outcome.Committed)
	require.NotNil(t, outcome.Notice)
	assert.Equal(t, "bioproject", outcome.Notice.Project)
	assert.Equal(t, []string{"admin@example.org"}, outcome.Notice.Emails)
	assert.True(t, outcome.Notice.CreditsUsed.Equal(decimal.NewFromInt(10003)))
	assert.True(t, outcome.Notice.CreditsGranted.Equal(decimal.NewFromInt(20000)))
}

func TestEngineNoNoticeWhenAlreadyPastHalf(t *testing.T) {
	state := billedState("10500")
	series := &fakeSeries{values: []TimedValue{
		{Timestamp: t1, Value: decimal.NewFromInt(105)},
		{Timestamp: t0, Value: decimal.NewFromInt(100)},
	}}
	engine, registry := newTestEngine(t, &fakeStore{states: map[string]*fakeState{"bioproject": state}}, series)

	outcome, err := engine.ProcessMeasurement(context.Background(), cpuMeasurement(t, registry, "105", t1))
	require.NoError(t, err)
	require.True(t, outcome.Committed)
	assert.Nil(t, outcome.Notice)
}

func TestEngineDropsUnknownProject(t *testing.T) {
	engine, registry := newTestEngine(t, &fakeStore{states: map[string]*fakeState{}}, &fakeSeries{})

	outcome, err := engine.ProcessMeasurement(context.Background(), cpuMeasurement(t, registry, "105", t1))
	require.NoError(t, err)
	assert.False(t, outcome.Committed)
}
