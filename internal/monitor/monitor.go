// Package monitor wires the integrity checks to the data repository and to
// the persistence, metrics and notification side channels.
package monitor

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/armour-sheila/PNT-Integrity/internal/check"
	"github.com/armour-sheila/PNT-Integrity/internal/logger"
	"github.com/armour-sheila/PNT-Integrity/internal/models"
	"github.com/armour-sheila/PNT-Integrity/internal/repository"
)

// Check names used in logs, metrics and storage.
const (
	AoACheckName          = "aoa"
	PositionJumpCheckName = "position_jump"
)

type Config struct {
	RepositoryEntries int

	AoAEnabled         bool
	AoA                check.AoAConfig
	PublishSingleDiffs bool

	PositionJumpEnabled bool
	PositionJump        check.PositionJumpConfig

	NotifyQueue int
}

func DefaultConfig() Config {
	return Config{
		RepositoryEntries:   60,
		AoAEnabled:          true,
		AoA:                 check.DefaultAoAConfig(),
		PositionJumpEnabled: true,
		PositionJump:        check.DefaultPositionJumpConfig(),
		NotifyQueue:         32,
	}
}

// Store persists transitions and diagnostics.
type Store interface {
	AddTransition(t *models.LevelTransition) error
	AddDiagnostics(check string, checkTime float64, diagnostics any) error
	LatestLevels() (map[string]models.LevelTransition, error)
}

// Recorder receives evaluation outcomes for metrics.
type Recorder interface {
	ObserveEvaluation(check string, decided bool)
	ObserveTransition(t models.LevelTransition)
	ObserveAoA(check string, d models.AoADiagnostics)
	ObservePositionJump(check string, d models.PositionJumpDiagnostics)
}

// Notifier announces level changes to operators.
type Notifier interface {
	SendTransition(t models.LevelTransition) error
}

// Option attaches an optional side channel to the monitor.
type Option func(*Monitor)

func WithStore(s Store) Option       { return func(m *Monitor) { m.store = s } }
func WithRecorder(r Recorder) Option { return func(m *Monitor) { m.recorder = r } }
func WithNotifier(n Notifier) Option { return func(m *Monitor) { m.notifier = n } }

type singleDiffRecord struct {
	Node  string               `json:"node"`
	Diffs models.SingleDiffMap `json:"single_differences"`
}

// Monitor routes incoming PNT messages to the configured checks.
type Monitor struct {
	config Config
	repo   *repository.Repository
	aoa    *check.AngleOfArrival
	jump   *check.PositionJump
	checks []check.Check

	store    Store
	recorder Recorder
	notifier Notifier

	epochMu    sync.Mutex
	localEpoch float64

	mu            sync.RWMutex
	closed        bool
	notifications chan models.LevelTransition
	wg            sync.WaitGroup
	startOnce     sync.Once
}

func New(config Config, opts ...Option) *Monitor {
	if config.NotifyQueue < 1 {
		config.NotifyQueue = 1
	}
	m := &Monitor{
		config:        config,
		repo:          repository.New(config.RepositoryEntries),
		notifications: make(chan models.LevelTransition, config.NotifyQueue),
	}
	for _, opt := range opts {
		opt(m)
	}

	if config.AoAEnabled {
		m.aoa = check.NewAngleOfArrival(AoACheckName, config.AoA, m.repo)
		m.aoa.SetTransitionObserver(m.onTransition)
		m.aoa.SetDiagnosticsSink(m.onAoADiagnostics)
		if config.PublishSingleDiffs {
			m.aoa.SetSingleDiffSink(m.onSingleDiffs)
		}
		m.checks = append(m.checks, m.aoa)
	}
	if config.PositionJumpEnabled {
		m.jump = check.NewPositionJump(PositionJumpCheckName, config.PositionJump)
		m.jump.SetTransitionObserver(m.onTransition)
		m.jump.SetDiagnosticsSink(m.onPositionJumpDiagnostics)
		m.checks = append(m.checks, m.jump)
	}

	if m.store != nil {
		previous, err := m.store.LatestLevels()
		if err != nil {
			logger.Warn("Failed to load persisted levels: %v", err)
		} else {
			for name, t := range previous {
				logger.Info("Previous run ended with %s %v at %.3f", name, t.Level, t.CheckTime)
			}
		}
	}
	return m
}

// Start runs the notification worker until ctx is cancelled or Shutdown is
// called.
func (m *Monitor) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case t, ok := <-m.notifications:
					if !ok {
						return
					}
					m.notify(t)
				}
			}
		}()
	})
}

// Shutdown flushes queued notifications and stops the worker.
func (m *Monitor) Shutdown() {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.notifications)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Monitor) notify(t models.LevelTransition) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.SendTransition(t); err != nil {
		logger.Warn("Failed to send %s transition notification: %v", t.Check, err)
	}
}

func (m *Monitor) onTransition(t models.LevelTransition) {
	t.RecordedAt = time.Now()
	logger.Info("%s assurance level %v -> %v at %.3f", t.Check, t.Previous, t.Level, t.CheckTime)

	if m.store != nil {
		if err := m.store.AddTransition(&t); err != nil {
			logger.Warn("Failed to store %s transition: %v", t.Check, err)
		}
	}
	if m.recorder != nil {
		m.recorder.ObserveTransition(t)
	}
	if m.notifier == nil || !notable(t) {
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.notifications <- t:
	default:
		logger.Warn("Notification queue full, dropping %s transition to %v", t.Check, t.Level)
	}
}

// notable reports whether operators care about t: degradation to a suspect
// level, or recovery from one back to Assured.
func notable(t models.LevelTransition) bool {
	switch t.Level {
	case models.Unassured, models.Inconsistent:
		return true
	case models.Assured:
		return t.Previous == models.Unassured || t.Previous == models.Inconsistent
	}
	return false
}

func (m *Monitor) onAoADiagnostics(checkTime float64, d models.AoADiagnostics) {
	m.storeDiagnostics(AoACheckName, checkTime, d)
	if m.recorder != nil {
		m.recorder.ObserveAoA(AoACheckName, d)
	}
}

func (m *Monitor) onSingleDiffs(checkTime float64, nodeID string, diffs models.SingleDiffMap) {
	m.storeDiagnostics(AoACheckName, checkTime, singleDiffRecord{Node: nodeID, Diffs: diffs})
}

func (m *Monitor) onPositionJumpDiagnostics(checkTime float64, d models.PositionJumpDiagnostics) {
	m.storeDiagnostics(PositionJumpCheckName, checkTime, d)
	if m.recorder != nil {
		m.recorder.ObservePositionJump(PositionJumpCheckName, d)
	}
}

func (m *Monitor) storeDiagnostics(name string, checkTime float64, d any) {
	if m.store == nil {
		return
	}
	if err := m.store.AddDiagnostics(name, checkTime, d); err != nil {
		logger.Warn("Failed to store %s diagnostics: %v", name, err)
	}
}

func drop(err error) error {
	logger.Warn("Dropping message: %v", err)
	return err
}

func (m *Monitor) observeEvaluation(name string, decided bool) {
	if m.recorder != nil {
		m.recorder.ObserveEvaluation(name, decided)
	}
}

// HandleLocalObservables stores the local receiver's observables and runs
// the angle-of-arrival check for their epoch.
func (m *Monitor) HandleLocalObservables(obs models.GNSSObservables) error {
	if err := obs.Validate(); err != nil {
		return drop(fmt.Errorf("invalid local observables: %w", err))
	}
	epoch := obs.Header.TimestampValid.Epoch()
	if err := m.repo.AddLocalObservables(epoch, obs); err != nil {
		return drop(err)
	}
	m.epochMu.Lock()
	m.localEpoch = epoch
	m.epochMu.Unlock()
	if m.aoa != nil {
		m.observeEvaluation(AoACheckName, m.aoa.HandleGnssObservables(obs, 0))
	}
	return nil
}

// HandleRemoteObservables stores a remote node's observables. They are
// evaluated when local observables for the same epoch arrive, or right away
// when the local observables for their epoch are already the latest.
func (m *Monitor) HandleRemoteObservables(nodeID string, obs models.GNSSObservables) error {
	if err := obs.Validate(); err != nil {
		return drop(fmt.Errorf("invalid observables from %s: %w", nodeID, err))
	}
	epoch := obs.Header.TimestampValid.Epoch()
	if err := m.repo.AddRemoteObservables(epoch, nodeID, obs); err != nil {
		return drop(err)
	}
	m.reevaluateLatest(epoch)
	return nil
}

// reevaluateLatest reruns the angle-of-arrival check when remote data lands
// on the epoch of the latest local observables.
func (m *Monitor) reevaluateLatest(epoch float64) {
	m.epochMu.Lock()
	late := m.localEpoch != 0 && m.localEpoch == epoch
	m.epochMu.Unlock()
	if late && m.aoa != nil {
		m.observeEvaluation(AoACheckName, m.aoa.RunCheck())
	}
}

// HandleRemoteRange stores the measured range to a remote node, re-evaluating
// the latest epoch like HandleRemoteObservables.
func (m *Monitor) HandleRemoteRange(t models.Timestamp, nodeID string, rng models.MeasuredRange) error {
	if rng.RangeValid && (math.IsNaN(rng.Range) || math.IsInf(rng.Range, 0) || rng.Range < 0) {
		return drop(fmt.Errorf("invalid range to %s: %v", nodeID, rng.Range))
	}
	epoch := t.Epoch()
	if err := m.repo.AddRemoteRange(epoch, nodeID, rng); err != nil {
		return drop(err)
	}
	m.reevaluateLatest(epoch)
	return nil
}

// HandlePositionVelocity evaluates a receiver solution for position jumps.
func (m *Monitor) HandlePositionVelocity(pv models.PositionVelocity, isLocal bool) error {
	if err := pv.Validate(); err != nil {
		return drop(fmt.Errorf("invalid position: %w", err))
	}
	if m.jump == nil {
		return nil
	}
	decided := m.jump.HandlePositionVelocity(pv, isLocal)
	if isLocal {
		m.observeEvaluation(PositionJumpCheckName, decided)
	}
	return nil
}

// HandleEstimatedPositionVelocity passes an external estimate to the
// position jump check.
func (m *Monitor) HandleEstimatedPositionVelocity(pv models.PositionVelocity) error {
	if err := pv.Validate(); err != nil {
		return drop(fmt.Errorf("invalid estimated position: %w", err))
	}
	if m.jump != nil {
		m.jump.HandleEstimatedPositionVelocity(pv)
	}
	return nil
}

// HandleDistanceTraveled adds odometry to the position jump check.
func (m *Monitor) HandleDistanceTraveled(distance float64) {
	if m.jump != nil {
		m.jump.HandleDistanceTraveled(distance)
	}
}

// SetLastGoodPosition gives every check a trusted reference position.
func (m *Monitor) SetLastGoodPosition(checkTime float64, position models.GeodeticPosition) {
	for _, c := range m.checks {
		c.SetLastGoodPosition(checkTime, position)
	}
}

// Levels returns the current level of every check. Levels are reported per
// check and never combined.
func (m *Monitor) Levels() map[string]models.AssuranceLevel {
	out := make(map[string]models.AssuranceLevel, len(m.checks))
	for _, c := range m.checks {
		out[c.Name()] = c.AssuranceLevel()
	}
	return out
}

// Statuses returns the state of every check, ordered by name.
func (m *Monitor) Statuses() []check.Status {
	out := make([]check.Status, 0, len(m.checks))
	for _, c := range m.checks {
		out = append(out, c.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
