package monitor

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armour-sheila/PNT-Integrity/internal/check"
	"github.com/armour-sheila/PNT-Integrity/internal/metrics"
	"github.com/armour-sheila/PNT-Integrity/internal/models"
	"github.com/armour-sheila/PNT-Integrity/internal/storage"
)

type fakeNotifier struct {
	mu   sync.Mutex
	sent []models.LevelTransition
	err  error
}

func (f *fakeNotifier) SendTransition(t models.LevelTransition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, t)
	return f.err
}

func (f *fakeNotifier) transitions() []models.LevelTransition {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.LevelTransition(nil), f.sent...)
}

type fixture struct {
	m        *Monitor
	store    *storage.Storage
	metrics  *metrics.Collector
	notifier *fakeNotifier
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store, err := storage.New(1000, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	collector, err := metrics.NewCollector(prometheus.NewRegistry())
	require.NoError(t, err)

	n := &fakeNotifier{}
	m := New(cfg, WithStore(store), WithRecorder(collector), WithNotifier(n))
	t.Cleanup(m.Shutdown)
	return &fixture{m: m, store: store, metrics: collector, notifier: n}
}

// snapshot builds observables for PRNs 1..count where each pseudorange is
// base(prn) plus offset(prn).
func snapshot(device string, sec int64, count int, offset func(prn int) float64) models.GNSSObservables {
	obs := models.GNSSObservables{
		Header:      models.Header{DeviceID: device, TimestampValid: models.Timestamp{Sec: sec}},
		Observables: make(map[int]models.Observable),
	}
	for prn := 1; prn <= count; prn++ {
		obs.Observables[prn] = models.Observable{
			PRN:              prn,
			Pseudorange:      2e7 + float64(prn)*1000 + offset(prn),
			PseudorangeValid: true,
		}
	}
	return obs
}

func zero(int) float64 { return 0 }

// jumped is a local solution about 1.1 km north of the origin.
func jumped(sec int64) models.PositionVelocity {
	return models.PositionVelocity{
		Header:   models.Header{DeviceID: "rx0", TimestampValid: models.Timestamp{Sec: sec}},
		Position: models.GeodeticPosition{Latitude: 0.01},
	}
}

func TestMonitor_InitialLevelsUnavailable(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	assert.Equal(t, map[string]models.AssuranceLevel{
		AoACheckName:          models.Unavailable,
		PositionJumpCheckName: models.Unavailable,
	}, f.m.Levels())

	statuses := f.m.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, AoACheckName, statuses[0].Name)
	assert.Equal(t, PositionJumpCheckName, statuses[1].Name)
}

func TestMonitor_DisabledChecks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AoAEnabled = false
	cfg.PositionJumpEnabled = false
	m := New(cfg)
	assert.Empty(t, m.Levels())
	require.NoError(t, m.HandleLocalObservables(snapshot("rx0", 100, 5, zero)))
	require.NoError(t, m.HandlePositionVelocity(models.PositionVelocity{}, true))
	m.HandleDistanceTraveled(3)
}

func TestMonitor_SpoofedObservablesAreUnassured(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.m.Start(ctx)

	// The same bias on every PRN is what a single spoofing antenna produces.
	remote := snapshot("rx1", 100, 5, func(int) float64 { return -3 })
	require.NoError(t, f.m.HandleRemoteObservables("rx1", remote))
	require.NoError(t, f.m.HandleRemoteRange(models.Timestamp{Sec: 100}, "rx1", models.MeasuredRange{Range: 20, RangeValid: true}))
	require.NoError(t, f.m.HandleLocalObservables(snapshot("rx0", 100, 5, zero)))

	assert.Equal(t, models.Unassured, f.m.Levels()[AoACheckName])
	f.m.Shutdown()

	sent := f.notifier.transitions()
	require.Len(t, sent, 1)
	assert.Equal(t, AoACheckName, sent[0].Check)
	assert.Equal(t, models.Unavailable, sent[0].Previous)
	assert.Equal(t, models.Unassured, sent[0].Level)
	assert.False(t, sent[0].RecordedAt.IsZero())

	stored, err := f.store.GetTransitions(AoACheckName, 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, models.Unassured, stored[0].Level)
	assert.Equal(t, 100.0, stored[0].CheckTime)

	diags, err := f.store.GetDiagnostics(AoACheckName, 10)
	require.NoError(t, err)
	assert.Len(t, diags, 1)

	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.Level.WithLabelValues(AoACheckName)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Evaluations.WithLabelValues(AoACheckName, "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SuspectPRNs.WithLabelValues(AoACheckName)))
}

func TestMonitor_GenuineObservablesAreAssured(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	remote := snapshot("rx1", 100, 5, func(prn int) float64 { return float64(prn) * 10 })
	require.NoError(t, f.m.HandleRemoteObservables("rx1", remote))
	require.NoError(t, f.m.HandleLocalObservables(snapshot("rx0", 100, 5, zero)))

	assert.Equal(t, models.Assured, f.m.Levels()[AoACheckName])
}

func TestMonitor_LateRemoteObservablesAreEvaluated(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	require.NoError(t, f.m.HandleLocalObservables(snapshot("rx0", 100, 5, zero)))
	assert.Equal(t, models.Unavailable, f.m.Levels()[AoACheckName])

	require.NoError(t, f.m.HandleRemoteObservables("rx1", snapshot("rx1", 100, 5, func(int) float64 { return 7 })))
	assert.Equal(t, models.Unassured, f.m.Levels()[AoACheckName])
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.Evaluations.WithLabelValues(AoACheckName, "true")))

	// Remote data for an older epoch is stored without re-evaluating.
	require.NoError(t, f.m.HandleRemoteObservables("rx2", snapshot("rx2", 90, 5, zero)))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.Evaluations.WithLabelValues(AoACheckName, "true")))
}

func TestMonitor_LateRangeIsEvaluated(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	// Spoofed data from a node too close to trust.
	require.NoError(t, f.m.HandleRemoteRange(models.Timestamp{Sec: 100}, "rx1", models.MeasuredRange{Range: 1, RangeValid: true}))
	require.NoError(t, f.m.HandleRemoteObservables("rx1", snapshot("rx1", 100, 5, func(int) float64 { return 7 })))
	require.NoError(t, f.m.HandleLocalObservables(snapshot("rx0", 100, 5, zero)))
	assert.NotEqual(t, models.Unassured, f.m.Levels()[AoACheckName])

	// A corrected range for the latest epoch opens the gate.
	require.NoError(t, f.m.HandleRemoteRange(models.Timestamp{Sec: 100}, "rx1", models.MeasuredRange{Range: 40, RangeValid: true}))
	assert.Equal(t, models.Unassured, f.m.Levels()[AoACheckName])
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.Evaluations.WithLabelValues(AoACheckName, "true")))

	// Ranges for other epochs do not re-run the check.
	require.NoError(t, f.m.HandleRemoteRange(models.Timestamp{Sec: 90}, "rx1", models.MeasuredRange{Range: 40, RangeValid: true}))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.Evaluations.WithLabelValues(AoACheckName, "true")))
}

func TestMonitor_OldEpochIsRejected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RepositoryEntries = 2
	f := newFixture(t, cfg)

	require.NoError(t, f.m.HandleLocalObservables(snapshot("rx0", 100, 5, zero)))
	require.NoError(t, f.m.HandleLocalObservables(snapshot("rx0", 101, 5, zero)))
	assert.Error(t, f.m.HandleLocalObservables(snapshot("rx0", 50, 5, zero)))
	assert.Error(t, f.m.HandleRemoteObservables("rx1", snapshot("rx1", 50, 5, zero)))
}

func TestMonitor_SingleDiffsArePublished(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PublishSingleDiffs = true
	f := newFixture(t, cfg)

	require.NoError(t, f.m.HandleRemoteObservables("rx1", snapshot("rx1", 100, 5, zero)))
	require.NoError(t, f.m.HandleLocalObservables(snapshot("rx0", 100, 5, zero)))

	diags, err := f.store.GetDiagnostics(AoACheckName, 10)
	require.NoError(t, err)
	assert.Len(t, diags, 2, "single differences and cycle diagnostics")
}

func TestMonitor_LocalObservablesWithoutRemotes(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	require.NoError(t, f.m.HandleLocalObservables(snapshot("rx0", 100, 5, zero)))

	assert.Equal(t, models.Unavailable, f.m.Levels()[AoACheckName])
	diags, err := f.store.GetDiagnostics(AoACheckName, 10)
	require.NoError(t, err)
	assert.Empty(t, diags)
}

func TestMonitor_InvalidMessagesAreRejected(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	noDevice := snapshot("", 100, 5, zero)
	assert.Error(t, f.m.HandleLocalObservables(noDevice))
	assert.Error(t, f.m.HandleRemoteObservables("rx1", noDevice))
	assert.Error(t, f.m.HandleRemoteObservables("", snapshot("rx1", 100, 5, zero)))
	assert.Error(t, f.m.HandleRemoteRange(models.Timestamp{Sec: 100}, "rx1", models.MeasuredRange{Range: math.NaN(), RangeValid: true}))
	assert.Error(t, f.m.HandleRemoteRange(models.Timestamp{Sec: 100}, "rx1", models.MeasuredRange{Range: -1, RangeValid: true}))
	assert.NoError(t, f.m.HandleRemoteRange(models.Timestamp{Sec: 100}, "rx1", models.MeasuredRange{Range: math.NaN()}))

	badLat := models.PositionVelocity{Position: models.GeodeticPosition{Latitude: 91}}
	assert.Error(t, f.m.HandlePositionVelocity(badLat, true))
	assert.Error(t, f.m.HandleEstimatedPositionVelocity(badLat))
	assert.Equal(t, models.Unavailable, f.m.Levels()[PositionJumpCheckName])
}

func TestMonitor_PositionJump(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ref := models.GeodeticPosition{Latitude: 0, Longitude: 0, Altitude: 100}
	f.m.SetLastGoodPosition(100, ref)

	for _, s := range f.m.Statuses() {
		assert.True(t, s.LastGoodSet, s.Name)
	}

	near := models.PositionVelocity{
		Header:   models.Header{DeviceID: "rx0", TimestampValid: models.Timestamp{Sec: 101}},
		Position: models.GeodeticPosition{Latitude: 0, Longitude: 0, Altitude: 120},
		Valid:    true,
	}
	require.NoError(t, f.m.HandlePositionVelocity(near, true))
	assert.Equal(t, models.Assured, f.m.Levels()[PositionJumpCheckName])

	far := near
	far.Position.Latitude = 0.01
	require.NoError(t, f.m.HandlePositionVelocity(far, true))
	assert.Equal(t, models.Unassured, f.m.Levels()[PositionJumpCheckName])

	// Remote solutions are not evaluated.
	require.NoError(t, f.m.HandlePositionVelocity(near, false))
	assert.Equal(t, models.Unassured, f.m.Levels()[PositionJumpCheckName])

	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.Evaluations.WithLabelValues(PositionJumpCheckName, "true")))
	assert.Equal(t, 50.0, testutil.ToFloat64(f.metrics.Bound.WithLabelValues(PositionJumpCheckName)))

	stored, err := f.store.GetTransitions(PositionJumpCheckName, 10)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestMonitor_DistanceTraveledMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PositionJump.Mode = check.DistanceTraveledBound
	f := newFixture(t, cfg)

	ref := models.GeodeticPosition{Altitude: 100}
	f.m.SetLastGoodPosition(100, ref)
	f.m.HandleDistanceTraveled(10)
	f.m.HandleDistanceTraveled(15)

	pv := models.PositionVelocity{
		Header:   models.Header{DeviceID: "rx0", TimestampValid: models.Timestamp{Sec: 110}},
		Position: models.GeodeticPosition{Altitude: 120},
	}
	require.NoError(t, f.m.HandlePositionVelocity(pv, true))
	assert.Equal(t, models.Assured, f.m.Levels()[PositionJumpCheckName])

	pv.Position.Altitude = 130
	require.NoError(t, f.m.HandlePositionVelocity(pv, true))
	assert.Equal(t, models.Unassured, f.m.Levels()[PositionJumpCheckName])
}

func TestMonitor_EstimatedPVMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PositionJump.Mode = check.EstimatedPVBound
	f := newFixture(t, cfg)

	pv := models.PositionVelocity{
		Header:   models.Header{DeviceID: "rx0", TimestampValid: models.Timestamp{Sec: 100}},
		Position: models.GeodeticPosition{Altitude: 100},
	}
	require.NoError(t, f.m.HandlePositionVelocity(pv, true))
	assert.Equal(t, models.Unavailable, f.m.Levels()[PositionJumpCheckName])

	est := pv
	est.Covariance = models.Covariance{{2, 0, 0}, {0, 2, 0}, {0, 0, 1}}
	require.NoError(t, f.m.HandleEstimatedPositionVelocity(est))
	require.NoError(t, f.m.HandlePositionVelocity(pv, true))
	assert.Equal(t, models.Assured, f.m.Levels()[PositionJumpCheckName])
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Evaluations.WithLabelValues(PositionJumpCheckName, "false")))
}

func TestMonitor_NotifierErrorsAreLogged(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.notifier.err = errors.New("telegram down")
	f.m.Start(context.Background())

	f.m.SetLastGoodPosition(100, models.GeodeticPosition{})
	require.NoError(t, f.m.HandlePositionVelocity(jumped(101), true))
	f.m.Shutdown()

	assert.Len(t, f.notifier.transitions(), 1)
}

func TestNotable(t *testing.T) {
	tests := []struct {
		prev, level models.AssuranceLevel
		want        bool
	}{
		{models.Unavailable, models.Unassured, true},
		{models.Assured, models.Inconsistent, true},
		{models.Unassured, models.Assured, true},
		{models.Inconsistent, models.Assured, true},
		{models.Unavailable, models.Assured, false},
		{models.Assured, models.Unavailable, false},
		{models.Unassured, models.Unavailable, false},
	}
	for _, tt := range tests {
		got := notable(models.LevelTransition{Previous: tt.prev, Level: tt.level})
		assert.Equal(t, tt.want, got, "%v -> %v", tt.prev, tt.level)
	}
}

func TestMonitor_OnlyNotableTransitionsAreSent(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.m.Start(context.Background())

	origin := models.PositionVelocity{
		Header: models.Header{DeviceID: "rx0", TimestampValid: models.Timestamp{Sec: 101}},
	}
	f.m.SetLastGoodPosition(100, models.GeodeticPosition{})
	require.NoError(t, f.m.HandlePositionVelocity(origin, true))
	require.NoError(t, f.m.HandlePositionVelocity(jumped(102), true))
	origin.Header.TimestampValid.Sec = 103
	require.NoError(t, f.m.HandlePositionVelocity(origin, true))
	f.m.Shutdown()

	sent := f.notifier.transitions()
	require.Len(t, sent, 2)
	assert.Equal(t, models.Unassured, sent[0].Level)
	assert.Equal(t, models.Assured, sent[1].Level)

	stored, err := f.store.GetTransitions(PositionJumpCheckName, 10)
	require.NoError(t, err)
	assert.Len(t, stored, 3)
}

func TestMonitor_ShutdownIsIdempotent(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.m.Shutdown()
	f.m.Shutdown()

	// Transitions after shutdown are still stored but not queued.
	f.m.SetLastGoodPosition(100, models.GeodeticPosition{})
	require.NoError(t, f.m.HandlePositionVelocity(jumped(101), true))
	assert.Empty(t, f.notifier.transitions())

	stored, err := f.store.GetTransitions(PositionJumpCheckName, 10)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}
