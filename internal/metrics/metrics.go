// Package metrics exposes per-check assurance state to Prometheus.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/armour-sheila/PNT-Integrity/internal/models"
)

// Collector bundles the integrity metrics.
type Collector struct {
	gatherer prometheus.Gatherer

	Level       *prometheus.GaugeVec
	Evaluations *prometheus.CounterVec
	Transitions *prometheus.CounterVec
	Bound       *prometheus.GaugeVec
	Distance    *prometheus.GaugeVec
	SuspectPRNs *prometheus.GaugeVec
}

// NewCollector registers the metrics against reg, defaulting to the global
// registry when nil.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	level, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pnt_check_assurance_level",
		Help: "Current assurance level per check: 0 unavailable, 1 assured, 2 inconsistent, 3 unassured.",
	}, []string{"check"}), "pnt_check_assurance_level")
	if err != nil {
		return nil, err
	}
	evaluations, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pnt_check_evaluations_total",
		Help: "Evaluation cycles per check, labeled by whether a decision was made.",
	}, []string{"check", "decided"}), "pnt_check_evaluations_total")
	if err != nil {
		return nil, err
	}
	transitions, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pnt_check_level_transitions_total",
		Help: "Assurance level changes per check, labeled by the new level.",
	}, []string{"check", "level"}), "pnt_check_level_transitions_total")
	if err != nil {
		return nil, err
	}
	bound, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pnt_position_jump_bound_meters",
		Help: "Last position jump bound.",
	}, []string{"check"}), "pnt_position_jump_bound_meters")
	if err != nil {
		return nil, err
	}
	distance, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pnt_position_jump_distance_meters",
		Help: "Last distance compared against the position jump bound.",
	}, []string{"check"}), "pnt_position_jump_distance_meters")
	if err != nil {
		return nil, err
	}
	suspect, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pnt_aoa_suspect_prn_ratio",
		Help: "Fraction of PRNs flagged suspect by the last angle-of-arrival decision.",
	}, []string{"check"}), "pnt_aoa_suspect_prn_ratio")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:    gatherer,
		Level:       level,
		Evaluations: evaluations,
		Transitions: transitions,
		Bound:       bound,
		Distance:    distance,
		SuspectPRNs: suspect,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObserveEvaluation counts one evaluation cycle.
func (c *Collector) ObserveEvaluation(check string, decided bool) {
	if c == nil {
		return
	}
	c.Evaluations.WithLabelValues(check, fmt.Sprint(decided)).Inc()
}

// ObserveTransition records a level change.
func (c *Collector) ObserveTransition(t models.LevelTransition) {
	if c == nil {
		return
	}
	c.Level.WithLabelValues(t.Check).Set(float64(t.Level))
	c.Transitions.WithLabelValues(t.Check, t.Level.String()).Inc()
}

// ObserveAoA records angle-of-arrival diagnostics.
func (c *Collector) ObserveAoA(check string, d models.AoADiagnostics) {
	if c == nil {
		return
	}
	c.SuspectPRNs.WithLabelValues(check).Set(d.SuspectPRNPercent)
}

// ObservePositionJump records position jump diagnostics. NaN values are
// exported as-is, which Prometheus accepts.
func (c *Collector) ObservePositionJump(check string, d models.PositionJumpDiagnostics) {
	if c == nil {
		return
	}
	c.Bound.WithLabelValues(check).Set(d.Bound)
	c.Distance.WithLabelValues(check).Set(d.Distance)
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
