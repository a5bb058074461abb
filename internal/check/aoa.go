package check

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/armour-sheila/PNT-Integrity/internal/models"
	"github.com/armour-sheila/PNT-Integrity/internal/repository"
)

// DataMode selects which observable is differenced between nodes.
type DataMode int

const (
	UsePseudorange DataMode = iota
	UseCarrierPhase
	UseBoth
)

func (m DataMode) String() string {
	switch m {
	case UsePseudorange:
		return "pseudorange"
	case UseCarrierPhase:
		return "carrier_phase"
	case UseBoth:
		return "both"
	default:
		return fmt.Sprintf("data_mode(%d)", int(m))
	}
}

// ParseDataMode is the inverse of DataMode.String.
func ParseDataMode(s string) (DataMode, error) {
	switch strings.ToLower(s) {
	case "pseudorange":
		return UsePseudorange, nil
	case "carrier_phase":
		return UseCarrierPhase, nil
	case "both":
		return UseBoth, nil
	}
	return UsePseudorange, fmt.Errorf("unknown AOA data mode %q", s)
}

// AoAConfig holds the angle-of-arrival thresholds.
type AoAConfig struct {
	// PRNCountThreshold is the minimum number of local observables needed
	// to run a cycle; one less is the minimum number of comparisons.
	PRNCountThreshold int
	// RangeThreshold is the minimum valid range to a remote node for its
	// comparisons to be trusted.
	RangeThreshold float64
	// SingleDiffCompareThreshold is the spread between two PRNs' single
	// differences below which the pair counts as a failure.
	SingleDiffCompareThreshold float64
	// SingleDiffFailureLimit is the failure fraction above which a PRN is
	// unassured.
	SingleDiffFailureLimit float64

	AssuredThreshold      float64
	InconsistentThreshold float64
	UnassuredThreshold    float64

	// AssurancePeriod is how long, in seconds, accumulated per-PRN levels
	// survive without a level update.
	AssurancePeriod float64

	DataMode DataMode
}

func DefaultAoAConfig() AoAConfig {
	return AoAConfig{
		PRNCountThreshold:          4,
		RangeThreshold:             5.0,
		SingleDiffCompareThreshold: 0.5,
		SingleDiffFailureLimit:     0.5,
		AssuredThreshold:           0.5,
		InconsistentThreshold:      0.2,
		UnassuredThreshold:         0.5,
		AssurancePeriod:            5.0,
		DataMode:                   UsePseudorange,
	}
}

// EntrySource is the read side of the integrity data repository.
type EntrySource interface {
	GetEntry(epoch float64) (repository.Entry, bool)
}

// AoADiagnosticsSink receives the diagnostics of each completed cycle.
type AoADiagnosticsSink func(checkTime float64, d models.AoADiagnostics)

// SingleDiffSink receives each remote node's single differences.
type SingleDiffSink func(checkTime float64, nodeID string, diffs models.SingleDiffMap)

// AngleOfArrival compares the local receiver's pseudoranges against those of
// remote nodes. A spoofer transmitting every satellite from one antenna puts
// the same bias on every pseudorange, so near-equal single differences across
// unrelated PRNs are evidence of spoofing.
type AngleOfArrival struct {
	Base

	cfg  AoAConfig
	repo EntrySource

	curEpoch  float64
	prnLevels map[int]models.AssuranceLevel

	diagnostics AoADiagnosticsSink
	singleDiffs SingleDiffSink
}

// NewAngleOfArrival creates an angle-of-arrival check reading from repo.
func NewAngleOfArrival(name string, cfg AoAConfig, repo EntrySource) *AngleOfArrival {
	c := &AngleOfArrival{
		cfg:       cfg,
		repo:      repo,
		prnLevels: make(map[int]models.AssuranceLevel),
	}
	c.init(name)
	return c
}

// SetDiagnosticsSink installs the per-cycle diagnostics callback.
func (c *AngleOfArrival) SetDiagnosticsSink(fn AoADiagnosticsSink) {
	c.lock()
	defer c.unlock()
	c.diagnostics = fn
}

// SetSingleDiffSink enables publication of each node's single differences.
func (c *AngleOfArrival) SetSingleDiffSink(fn SingleDiffSink) {
	c.lock()
	defer c.unlock()
	c.singleDiffs = fn
}

// HandleGnssObservables is called when new local observables arrive. A
// nonzero t is used as the epoch directly; otherwise the epoch is the
// observables' header time rounded to the nearest second. It reports whether
// the repository held data for that epoch.
func (c *AngleOfArrival) HandleGnssObservables(obs models.GNSSObservables, t float64) bool {
	epoch := t
	if epoch == 0 {
		epoch = obs.Header.TimestampValid.Epoch()
	}
	c.lock()
	c.curEpoch = epoch
	c.log.Debug("current epoch %d", int64(epoch))
	c.unlock()

	return c.runEpoch(epoch)
}

// RunCheck evaluates the most recently handled epoch.
func (c *AngleOfArrival) RunCheck() bool {
	c.lock()
	epoch := c.curEpoch
	c.unlock()
	return c.runEpoch(epoch)
}

// runEpoch evaluates epoch. Handlers pass the epoch they computed so a
// concurrent handler cannot swap it out before the lookup.
func (c *AngleOfArrival) runEpoch(epoch float64) bool {
	entry, ok := c.repo.GetEntry(epoch)
	if !ok {
		c.log.Debug("no data at epoch %d", int64(epoch))
		return false
	}
	c.checkAngleOfArrival(entry.Epoch, entry.Local, entry.Remote)
	return true
}

func (c *AngleOfArrival) checkAngleOfArrival(checkTime float64, local *models.GNSSObservables, remote map[string]repository.RemoteEntry) {
	c.lock()
	defer c.unlock()

	if checkTime-c.levelTime > c.cfg.AssurancePeriod {
		c.log.Debug("no level update for %.1fs, clearing %d PRN levels", checkTime-c.levelTime, len(c.prnLevels))
		c.prnLevels = make(map[int]models.AssuranceLevel)
	}

	if local == nil {
		c.log.Debug("no local observables at %d", int64(checkTime))
		return
	}
	if len(local.Observables) < c.cfg.PRNCountThreshold {
		c.log.Debug("%d local observables, need %d", len(local.Observables), c.cfg.PRNCountThreshold)
		return
	}
	if len(remote) == 0 {
		c.log.Debug("no remote entries at %d", int64(checkTime))
		return
	}

	nodeIDs := make([]string, 0, len(remote))
	for id := range remote {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Strings(nodeIDs)

	votes := make(models.PrnAssuranceEachNode)
	usable := 0
	for _, nodeID := range nodeIDs {
		entry := remote[nodeID]
		remoteObs := entry.ObservablesOrEmpty()
		if len(remoteObs.Observables) == 0 {
			c.log.Debug("node %s has no observables", nodeID)
			continue
		}
		if remoteObs.Header.DeviceID == local.Header.DeviceID {
			c.log.Debug("data skipped from device %s", remoteObs.Header.DeviceID)
			continue
		}
		usable++

		diffs := c.singleDifferencesLocked(local, remoteObs, entry.RangeOrInvalid(), votes)

		if c.singleDiffs != nil {
			sink, id := c.singleDiffs, nodeID
			c.afterUnlockLocked(func() { sink(checkTime, id, diffs) })
		}

		for prn, level := range c.nestedComparison(diffs) {
			votes[prn] = append(votes[prn], level)
		}
	}
	if usable == 0 {
		return
	}

	c.setPrnAssuranceLevelsLocked(votes)
	c.calculateAssuranceLevelLocked(checkTime)
}

// singleDifferencesLocked seeds votes with each valid local observable's
// carried level and returns local minus remote pseudorange per common PRN.
func (c *AngleOfArrival) singleDifferencesLocked(local *models.GNSSObservables, remote models.GNSSObservables, rng models.MeasuredRange, votes models.PrnAssuranceEachNode) models.SingleDiffMap {
	diffs := make(models.SingleDiffMap)

	// Near-field geometry makes a close remote node useless for comparison.
	gated := rng.RangeValid && rng.Range < c.cfg.RangeThreshold

	if !gated && c.cfg.DataMode != UsePseudorange {
		c.recordErrorLocked(fmt.Errorf("%w: %v", ErrUnimplementedDataMode, c.cfg.DataMode))
	}

	for prn, obs := range local.Observables {
		if obs.PseudorangeValid {
			votes[prn] = append(votes[prn], obs.Assurance)
		}
		if gated || c.cfg.DataMode != UsePseudorange {
			continue
		}
		match, ok := remote.Observables[prn]
		if ok && obs.PseudorangeValid && match.PseudorangeValid {
			diffs[prn] = obs.Pseudorange - match.Pseudorange
		}
	}
	return diffs
}

// nestedComparison votes a level for every PRN in diffs by comparing its
// single difference against that of every other PRN.
func (c *AngleOfArrival) nestedComparison(diffs models.SingleDiffMap) map[int]models.AssuranceLevel {
	prns := make([]int, 0, len(diffs))
	for prn := range diffs {
		prns = append(prns, prn)
	}
	sort.Ints(prns)

	out := make(map[int]models.AssuranceLevel, len(prns))
	for _, p := range prns {
		failCount, totalCount := 0, 0
		for _, q := range prns {
			if p == q {
				continue
			}
			if math.Abs(diffs[p]-diffs[q]) < c.cfg.SingleDiffCompareThreshold {
				failCount++
			}
			totalCount++
		}

		failPercent := 0.0
		if totalCount > 0 {
			failPercent = float64(failCount) / float64(totalCount)
		}
		c.log.Debug("PRN %d: totalCount=%d failPercent=%.1f%%", p, totalCount, failPercent*100)

		switch {
		case totalCount < c.cfg.PRNCountThreshold-1:
			out[p] = models.Unavailable
		case failPercent > c.cfg.SingleDiffFailureLimit:
			out[p] = models.Unassured
		default:
			out[p] = models.Assured
		}
	}
	return out
}

// setPrnAssuranceLevelsLocked folds this cycle's votes into the accumulated
// per-PRN levels, keeping the most distrustful vote for each PRN.
func (c *AngleOfArrival) setPrnAssuranceLevelsLocked(votes models.PrnAssuranceEachNode) {
	for prn, levels := range votes {
		if len(levels) == 0 {
			continue
		}
		c.prnLevels[prn] = models.MaxLevel(levels)
	}
}

func (c *AngleOfArrival) calculateAssuranceLevelLocked(checkTime float64) {
	var total, assured, unavailable, suspect int
	for _, level := range c.prnLevels {
		switch level {
		case models.Assured:
			assured++
		case models.Unavailable:
			unavailable++
		default:
			suspect++
		}
		total++
	}

	var assuredPct, unavailablePct, suspectPct float64
	if total > 0 {
		assuredPct = float64(assured) / float64(total)
		unavailablePct = float64(unavailable) / float64(total)
		suspectPct = float64(suspect) / float64(total)
	}

	var level models.AssuranceLevel
	switch {
	case total == 0 || total < c.cfg.PRNCountThreshold-1:
		level = models.Unavailable
	case suspectPct >= c.cfg.UnassuredThreshold:
		level = models.Unassured
	case suspectPct >= c.cfg.InconsistentThreshold:
		level = models.Inconsistent
	case assuredPct > c.cfg.AssuredThreshold:
		level = models.Assured
	default:
		level = models.Unavailable
	}
	c.changeAssuranceLevelLocked(checkTime, level)

	c.log.Debug("level %v at %d: suspect=%.2f assured=%.2f unavailable=%.2f total=%d",
		level, int64(checkTime), suspectPct, assuredPct, unavailablePct, total)

	if c.diagnostics != nil {
		sink := c.diagnostics
		d := models.AoADiagnostics{
			SingleDiffThreshold:   c.cfg.SingleDiffCompareThreshold,
			UnavailablePRNPercent: unavailablePct,
			SuspectPRNPercent:     suspectPct,
			AssuredPRNPercent:     assuredPct,
			InconsistentThreshold: c.cfg.InconsistentThreshold,
			UnassuredThreshold:    c.cfg.UnassuredThreshold,
			AssuredThreshold:      c.cfg.AssuredThreshold,
		}
		c.afterUnlockLocked(func() { sink(checkTime, d) })
	}
}

// PRNLevels returns a copy of the accumulated per-PRN levels.
func (c *AngleOfArrival) PRNLevels() map[int]models.AssuranceLevel {
	c.lock()
	defer c.unlock()
	out := make(map[int]models.AssuranceLevel, len(c.prnLevels))
	for prn, l := range c.prnLevels {
		out[prn] = l
	}
	return out
}
