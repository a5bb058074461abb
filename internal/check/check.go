// Package check implements the assurance checks that grade the trust of
// PNT data, along with the state and level-transition protocol they share.
//
// Every check serializes its state behind a single mutex. Methods whose
// names end in Locked must only be called with that mutex held. Callbacks
// supplied by the owner (diagnostics sinks, transition observers) are queued
// while the mutex is held and invoked after it is released, in the order
// they were queued, so a callback may safely read the check's level.
package check

import (
	"errors"
	"sync"

	"github.com/armour-sheila/PNT-Integrity/internal/logger"
	"github.com/armour-sheila/PNT-Integrity/internal/models"
)

var (
	// ErrUnimplementedDataMode is reported when the angle-of-arrival check
	// is configured for a data source it cannot compare.
	ErrUnimplementedDataMode = errors.New("angle-of-arrival data mode not implemented")
	// ErrWrongBoundMode is returned when a bound update is requested that
	// does not belong to the configured bound mode.
	ErrWrongBoundMode = errors.New("bound update not valid for configured mode")
)

// Check is the capability set shared by every assurance check.
type Check interface {
	Name() string
	AssuranceLevel() models.AssuranceLevel
	SetLastGoodPosition(checkTime float64, position models.GeodeticPosition)
	RunCheck() bool
	Status() Status
}

// TransitionObserver is told about every level change. It runs outside the
// check's lock but on the evaluating goroutine, so it must not block.
type TransitionObserver func(models.LevelTransition)

// Status is a point-in-time copy of a check's shared state.
type Status struct {
	Name                  string
	Level                 models.AssuranceLevel
	LevelTime             float64
	LastGoodPosition      models.GeodeticPosition
	LastGoodTime          float64
	LastGoodSet           bool
	OutOfOrderTransitions int
	Errors                int
}

// Base holds the state common to every check.
type Base struct {
	mu  sync.Mutex
	log logger.Component

	name      string
	level     models.AssuranceLevel
	levelTime float64

	lastGoodPosition models.GeodeticPosition
	lastGoodTime     float64
	lastGoodSet      bool

	outOfOrder int
	errors     int

	observer TransitionObserver
	deferred []func()
}

func (b *Base) init(name string) {
	b.name = name
	b.log = logger.Component(name)
	b.level = models.Unavailable
}

func (b *Base) lock() { b.mu.Lock() }

// unlock releases the mutex and then runs every callback queued while it
// was held.
func (b *Base) unlock() {
	calls := b.deferred
	b.deferred = nil
	b.mu.Unlock()
	for _, fn := range calls {
		fn()
	}
}

func (b *Base) afterUnlockLocked(fn func()) {
	b.deferred = append(b.deferred, fn)
}

// Name identifies the check in logs, metrics and storage.
func (b *Base) Name() string { return b.name }

// SetTransitionObserver installs fn to be told about level changes.
func (b *Base) SetTransitionObserver(fn TransitionObserver) {
	b.lock()
	defer b.unlock()
	b.observer = fn
}

// ChangeAssuranceLevel replaces the current level and records when it was
// decided.
func (b *Base) ChangeAssuranceLevel(checkTime float64, level models.AssuranceLevel) {
	b.lock()
	defer b.unlock()
	b.changeAssuranceLevelLocked(checkTime, level)
}

// changeAssuranceLevelLocked always applies the level. A time older than the
// one already recorded is counted and logged so callers can detect it.
func (b *Base) changeAssuranceLevelLocked(checkTime float64, level models.AssuranceLevel) {
	if checkTime < b.levelTime {
		b.outOfOrder++
		b.log.Warn("level %v applied at %.3f, older than current level time %.3f", level, checkTime, b.levelTime)
	}
	prev := b.level
	b.level = level
	b.levelTime = checkTime

	if prev == level || b.observer == nil {
		return
	}
	observer := b.observer
	t := models.LevelTransition{Check: b.name, Previous: prev, Level: level, CheckTime: checkTime}
	b.afterUnlockLocked(func() { observer(t) })
}

// AssuranceLevel returns the current level.
func (b *Base) AssuranceLevel() models.AssuranceLevel {
	b.lock()
	defer b.unlock()
	return b.level
}

// SetLastGoodPosition records a trusted reference position.
func (b *Base) SetLastGoodPosition(checkTime float64, position models.GeodeticPosition) {
	b.lock()
	defer b.unlock()
	b.setLastGoodPositionLocked(checkTime, position)
}

func (b *Base) setLastGoodPositionLocked(checkTime float64, position models.GeodeticPosition) {
	b.lastGoodPosition = position
	b.lastGoodTime = checkTime
	b.lastGoodSet = true
}

func (b *Base) recordErrorLocked(err error) {
	b.errors++
	b.log.Error("%v", err)
}

// Status returns a copy of the shared state.
func (b *Base) Status() Status {
	b.lock()
	defer b.unlock()
	return b.statusLocked()
}

func (b *Base) statusLocked() Status {
	return Status{
		Name:                  b.name,
		Level:                 b.level,
		LevelTime:             b.levelTime,
		LastGoodPosition:      b.lastGoodPosition,
		LastGoodTime:          b.lastGoodTime,
		LastGoodSet:           b.lastGoodSet,
		OutOfOrderTransitions: b.outOfOrder,
		Errors:                b.errors,
	}
}
