package check

import (
	"fmt"
	"math"
	"strings"

	"github.com/armour-sheila/PNT-Integrity/internal/geodetic"
	"github.com/armour-sheila/PNT-Integrity/internal/models"
)

// BoundMode selects how the position jump bound is propagated.
type BoundMode int

const (
	// MaxVelocityBound grows the bound with the platform's maximum velocity
	// times the time since the last good fix.
	MaxVelocityBound BoundMode = iota
	// DistanceTraveledBound uses the distance traveled since the last good
	// fix, as reported by an odometer or similar.
	DistanceTraveledBound
	// EstimatedPVBound uses a multiple of the horizontal standard deviation
	// of an externally estimated position.
	EstimatedPVBound
)

func (m BoundMode) String() string {
	switch m {
	case MaxVelocityBound:
		return "max_velocity"
	case DistanceTraveledBound:
		return "distance_traveled"
	case EstimatedPVBound:
		return "estimated_pv"
	default:
		return fmt.Sprintf("bound_mode(%d)", int(m))
	}
}

// ParseBoundMode is the inverse of BoundMode.String.
func ParseBoundMode(s string) (BoundMode, error) {
	switch strings.ToLower(s) {
	case "max_velocity", "platform":
		return MaxVelocityBound, nil
	case "distance_traveled":
		return DistanceTraveledBound, nil
	case "estimated_pv":
		return EstimatedPVBound, nil
	}
	return MaxVelocityBound, fmt.Errorf("unknown position jump mode %q", s)
}

// PositionJumpConfig holds the position jump settings. Distances are metres,
// velocities metres per second.
type PositionJumpConfig struct {
	Mode             BoundMode
	MinimumBound     float64
	MaximumVelocity  float64
	StdDevMultiplier float64
	// ReceiverStdDevThreshold is the receiver horizontal standard deviation
	// above which an out-of-bound jump is Inconsistent rather than Unassured.
	ReceiverStdDevThreshold float64
}

func DefaultPositionJumpConfig() PositionJumpConfig {
	return PositionJumpConfig{
		Mode:                    MaxVelocityBound,
		MinimumBound:            5.0,
		MaximumVelocity:         50.0,
		StdDevMultiplier:        3.0,
		ReceiverStdDevThreshold: 30.0,
	}
}

// PositionJumpDiagnosticsSink receives the diagnostics of every cycle.
type PositionJumpDiagnosticsSink func(checkTime float64, d models.PositionJumpDiagnostics)

// PositionJump flags a receiver fix that is implausibly far from a trusted
// reference.
type PositionJump struct {
	Base

	cfg   PositionJumpConfig
	bound float64

	distanceTraveled float64
	distanceReceived bool

	lastReceiverPV models.PositionVelocity

	estCovariance models.Covariance
	estSet        bool
	converter     geodetic.Converter

	diagnostics PositionJumpDiagnosticsSink
}

// NewPositionJump creates a position jump check.
func NewPositionJump(name string, cfg PositionJumpConfig) *PositionJump {
	if cfg.MinimumBound < 0 {
		cfg.MinimumBound = 0
	}
	c := &PositionJump{cfg: cfg, bound: cfg.MinimumBound}
	c.init(name)
	return c
}

// SetDiagnosticsSink installs the per-cycle diagnostics callback.
func (c *PositionJump) SetDiagnosticsSink(fn PositionJumpDiagnosticsSink) {
	c.lock()
	defer c.unlock()
	c.diagnostics = fn
}

// Bound returns the current jump bound in metres.
func (c *PositionJump) Bound() float64 {
	c.lock()
	defer c.unlock()
	return c.bound
}

// HandleEstimatedPositionVelocity takes an externally estimated solution as
// the new reference when running in EstimatedPVBound mode. Estimates with a
// zero north variance, or a negative or non-finite horizontal variance, are
// ignored.
func (c *PositionJump) HandleEstimatedPositionVelocity(pv models.PositionVelocity) bool {
	c.lock()
	defer c.unlock()

	if c.cfg.Mode != EstimatedPVBound {
		return true
	}
	if !validVariance(pv.Covariance[0][0]) || !validVariance(pv.Covariance[1][1]) {
		c.log.Debug("estimate ignored: horizontal variances %v, %v", pv.Covariance[0][0], pv.Covariance[1][1])
		return true
	}
	if pv.Covariance[0][0] != 0 {
		c.estCovariance = pv.Covariance
		c.estSet = true
		c.converter.SetReference(pv.Position)
	}
	return true
}

func validVariance(v float64) bool {
	return v >= 0 && !math.IsInf(v, 0)
}

// HandlePositionVelocity records a receiver solution and evaluates it. Only
// the local receiver's own solutions are evaluated.
func (c *PositionJump) HandlePositionVelocity(pv models.PositionVelocity, isLocal bool) bool {
	if !isLocal {
		return true
	}
	c.lock()
	c.lastReceiverPV = pv
	c.unlock()
	return c.RunCheck()
}

// HandleDistanceTraveled adds distance, in metres, to the distance traveled
// since the last good position.
func (c *PositionJump) HandleDistanceTraveled(distance float64) {
	c.lock()
	defer c.unlock()

	c.distanceTraveled += distance
	c.distanceReceived = true
	if c.cfg.Mode == DistanceTraveledBound {
		_ = c.updateBoundFromDistanceLocked()
	}
}

// UpdateBoundFromDistance sets the bound from the distance traveled. It is
// only valid in DistanceTraveledBound mode.
func (c *PositionJump) UpdateBoundFromDistance() error {
	c.lock()
	defer c.unlock()
	return c.updateBoundFromDistanceLocked()
}

func (c *PositionJump) updateBoundFromDistanceLocked() error {
	if c.cfg.Mode != DistanceTraveledBound {
		err := fmt.Errorf("%w: distance update requires %v, configured %v", ErrWrongBoundMode, DistanceTraveledBound, c.cfg.Mode)
		c.recordErrorLocked(err)
		return err
	}
	c.bound = math.Max(c.cfg.MinimumBound, c.distanceTraveled)
	return nil
}

// PropagateBound grows the bound with the maximum velocity up to updateTime.
// It is not valid in DistanceTraveledBound mode.
func (c *PositionJump) PropagateBound(updateTime float64) error {
	c.lock()
	defer c.unlock()
	return c.propagateBoundLocked(updateTime)
}

func (c *PositionJump) propagateBoundLocked(updateTime float64) error {
	if c.cfg.Mode == DistanceTraveledBound {
		err := fmt.Errorf("%w: velocity propagation not allowed in %v", ErrWrongBoundMode, c.cfg.Mode)
		c.recordErrorLocked(err)
		return err
	}
	dt := updateTime - c.lastGoodTime
	c.bound = math.Max(c.cfg.MinimumBound, c.cfg.MaximumVelocity*dt)
	return nil
}

// SetLastGoodPosition records a trusted reference and restarts the distance
// traveled from it.
func (c *PositionJump) SetLastGoodPosition(checkTime float64, position models.GeodeticPosition) {
	c.lock()
	defer c.unlock()

	c.setLastGoodPositionLocked(checkTime, position)
	c.distanceTraveled = 0
	if c.cfg.Mode == DistanceTraveledBound {
		c.bound = c.cfg.MinimumBound
	}
}

// RunCheck evaluates the last receiver solution. It reports false when no
// decision could be made and the level was set to Unavailable.
func (c *PositionJump) RunCheck() bool {
	c.lock()
	defer c.unlock()

	pv := c.lastReceiverPV
	updateTime := pv.Header.TimestampValid.Seconds()
	diag := models.PositionJumpDiagnostics{Bound: math.NaN(), Distance: math.NaN()}
	decided := false

	if c.cfg.Mode == MaxVelocityBound {
		c.distanceReceived = true
		_ = c.propagateBoundLocked(updateTime)
	}

	switch {
	case c.cfg.Mode != EstimatedPVBound && c.lastGoodSet && c.distanceReceived:
		distance := geodetic.Distance(pv.Position, c.lastGoodPosition)
		if distance > c.bound {
			c.changeAssuranceLevelLocked(updateTime, models.Unassured)
			c.log.Debug("UNASSURED: distance to last known good position %.2f m, bound %.2f m", distance, c.bound)
		} else {
			c.changeAssuranceLevelLocked(updateTime, models.Assured)
		}
		diag = models.PositionJumpDiagnostics{Bound: c.bound, Distance: distance}
		decided = true

	case c.cfg.Mode == EstimatedPVBound && c.estSet:
		distance := c.converter.HorizontalDistance(pv.Position)
		estStdDev := c.estCovariance.HorizontalStdDev()
		c.bound = math.Max(c.cfg.MinimumBound, c.cfg.StdDevMultiplier*estStdDev)
		if math.IsNaN(c.bound) {
			c.bound = c.cfg.MinimumBound
		}

		rcvrStdDev := pv.Covariance.HorizontalStdDev()
		jump := distance > c.bound
		c.log.Debug("distance %.2f m, bound %.2f m, est std dev %.2f, rcvr std dev %.2f", distance, c.bound, estStdDev, rcvrStdDev)

		switch {
		case jump && rcvrStdDev > c.cfg.ReceiverStdDevThreshold:
			c.changeAssuranceLevelLocked(updateTime, models.Inconsistent)
			c.log.Debug("INCONSISTENT: distance to estimated position %.2f m, bound %.2f m", distance, c.bound)
		case jump:
			c.changeAssuranceLevelLocked(updateTime, models.Unassured)
			c.log.Debug("UNASSURED: distance to estimated position %.2f m, bound %.2f m", distance, c.bound)
		default:
			c.changeAssuranceLevelLocked(updateTime, models.Assured)
		}
		diag = models.PositionJumpDiagnostics{Bound: c.bound, Distance: distance}
		decided = true

	default:
		c.changeAssuranceLevelLocked(updateTime, models.Unavailable)
	}

	if c.diagnostics != nil {
		sink := c.diagnostics
		c.afterUnlockLocked(func() { sink(updateTime, diag) })
	}
	return decided
}
