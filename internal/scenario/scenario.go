// Package scenario reads recorded PNT message streams from YAML and replays
// them through an integrity monitor.
package scenario

import (
	"context"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/armour-sheila/PNT-Integrity/internal/models"
)

// Event kinds.
const (
	KindLocalObservables  = "local_observables"
	KindRemoteObservables = "remote_observables"
	KindRemoteRange       = "remote_range"
	KindPosition          = "position"
	KindEstimatedPV       = "estimated_pv"
	KindDistanceTraveled  = "distance_traveled"
	KindLastGoodPosition  = "last_good_position"
)

// Scenario is a recorded message stream.
type Scenario struct {
	Name   string  `yaml:"name"`
	Events []Event `yaml:"events"`
}

// Event is one recorded message. Which fields are meaningful depends on Kind.
type Event struct {
	Kind        string             `yaml:"kind"`
	Time        float64            `yaml:"time"`
	Device      string             `yaml:"device"`
	Node        string             `yaml:"node"`
	Observables []ObservableRecord `yaml:"observables"`
	Range       *float64           `yaml:"range"`
	Position    *PositionRecord    `yaml:"position"`
	Covariance  [][]float64        `yaml:"covariance"`
	Local       bool               `yaml:"local"`
	Distance    float64            `yaml:"distance"`
}

// ObservableRecord is the YAML form of models.Observable.
type ObservableRecord struct {
	PRN          int      `yaml:"prn"`
	Pseudorange  *float64 `yaml:"pseudorange"`
	CarrierPhase *float64 `yaml:"carrier_phase"`
	Assurance    string   `yaml:"assurance"`
}

// PositionRecord is the YAML form of models.GeodeticPosition.
type PositionRecord struct {
	Latitude  float64 `yaml:"lat"`
	Longitude float64 `yaml:"lon"`
	Altitude  float64 `yaml:"alt"`
}

// Handler consumes replayed messages.
type Handler interface {
	HandleLocalObservables(obs models.GNSSObservables) error
	HandleRemoteObservables(nodeID string, obs models.GNSSObservables) error
	HandleRemoteRange(t models.Timestamp, nodeID string, rng models.MeasuredRange) error
	HandlePositionVelocity(pv models.PositionVelocity, isLocal bool) error
	HandleEstimatedPositionVelocity(pv models.PositionVelocity) error
	HandleDistanceTraveled(distance float64)
	SetLastGoodPosition(checkTime float64, position models.GeodeticPosition)
}

// Load reads and parses a scenario file.
func Load(path string) (*Scenario, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario: %w", err)
	}
	return Parse(b)
}

// Parse decodes a scenario and checks every event. Events are ordered by
// time, keeping file order for equal times.
func Parse(b []byte) (*Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("failed to parse scenario: %w", err)
	}
	for i := range s.Events {
		if err := s.Events[i].validate(); err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
	}
	sort.SliceStable(s.Events, func(i, j int) bool { return s.Events[i].Time < s.Events[j].Time })
	return &s, nil
}

func (e *Event) validate() error {
	switch e.Kind {
	case KindLocalObservables, KindRemoteObservables:
		if e.Device == "" {
			return fmt.Errorf("%s requires device", e.Kind)
		}
		if e.Kind == KindRemoteObservables && e.Node == "" {
			return fmt.Errorf("%s requires node", e.Kind)
		}
		for _, o := range e.Observables {
			if _, err := parseLevel(o.Assurance); err != nil {
				return fmt.Errorf("prn %d: %w", o.PRN, err)
			}
		}
	case KindRemoteRange:
		if e.Node == "" {
			return fmt.Errorf("%s requires node", e.Kind)
		}
	case KindPosition, KindEstimatedPV, KindLastGoodPosition:
		if e.Position == nil {
			return fmt.Errorf("%s requires position", e.Kind)
		}
		if _, err := e.covariance(); err != nil {
			return err
		}
	case KindDistanceTraveled:
		if e.Distance < 0 {
			return fmt.Errorf("distance must not be negative")
		}
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	return nil
}

func parseLevel(s string) (models.AssuranceLevel, error) {
	if s == "" {
		return models.Unavailable, nil
	}
	return models.ParseAssuranceLevel(s)
}

// Timestamp converts the event time.
func (e *Event) Timestamp() models.Timestamp {
	sec := int64(e.Time)
	return models.Timestamp{Sec: sec, Nanoseconds: int64((e.Time - float64(sec)) * 1e9)}
}

// GNSSObservables converts the event's observables. A PRN is valid for a
// measurement when the measurement is present.
func (e *Event) GNSSObservables() models.GNSSObservables {
	obs := models.GNSSObservables{
		Header:      models.Header{DeviceID: e.Device, TimestampValid: e.Timestamp()},
		Observables: make(map[int]models.Observable, len(e.Observables)),
	}
	for _, r := range e.Observables {
		o := models.Observable{PRN: r.PRN}
		if r.Pseudorange != nil {
			o.Pseudorange, o.PseudorangeValid = *r.Pseudorange, true
		}
		if r.CarrierPhase != nil {
			o.CarrierPhase, o.CarrierValid = *r.CarrierPhase, true
		}
		o.Assurance, _ = parseLevel(r.Assurance)
		obs.Observables[r.PRN] = o
	}
	return obs
}

// MeasuredRange converts the event's range. A missing range is invalid.
func (e *Event) MeasuredRange() models.MeasuredRange {
	if e.Range == nil {
		return models.MeasuredRange{}
	}
	return models.MeasuredRange{Range: *e.Range, RangeValid: true}
}

// GeodeticPosition converts the event's position.
func (e *Event) GeodeticPosition() models.GeodeticPosition {
	if e.Position == nil {
		return models.GeodeticPosition{}
	}
	return models.GeodeticPosition{
		Latitude:  e.Position.Latitude,
		Longitude: e.Position.Longitude,
		Altitude:  e.Position.Altitude,
	}
}

func (e *Event) covariance() (models.Covariance, error) {
	var c models.Covariance
	if len(e.Covariance) == 0 {
		return c, nil
	}
	if len(e.Covariance) != 3 {
		return c, fmt.Errorf("covariance must be 3x3, got %d rows", len(e.Covariance))
	}
	for i, row := range e.Covariance {
		if len(row) != 3 {
			return c, fmt.Errorf("covariance row %d has %d columns, want 3", i, len(row))
		}
		copy(c[i][:], row)
	}
	return c, nil
}

// PositionVelocity converts the event's position solution.
func (e *Event) PositionVelocity() models.PositionVelocity {
	cov, _ := e.covariance()
	return models.PositionVelocity{
		Header:     models.Header{DeviceID: e.Device, TimestampValid: e.Timestamp()},
		Position:   e.GeodeticPosition(),
		Covariance: cov,
		Valid:      true,
	}
}

// Replay feeds every event to h in order. Handler errors are collected and
// returned together once the stream is exhausted, so one bad message does not
// hide the rest of the run. Replay stops early when ctx is cancelled.
func Replay(ctx context.Context, s *Scenario, h Handler) error {
	var errs []error
	for i := range s.Events {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := dispatch(&s.Events[i], h); err != nil {
			errs = append(errs, fmt.Errorf("event %d (%s at %.3f): %w", i, s.Events[i].Kind, s.Events[i].Time, err))
		}
	}
	if len(errs) > 0 {
		return &ReplayError{Errors: errs}
	}
	return nil
}

func dispatch(e *Event, h Handler) error {
	switch e.Kind {
	case KindLocalObservables:
		return h.HandleLocalObservables(e.GNSSObservables())
	case KindRemoteObservables:
		return h.HandleRemoteObservables(e.Node, e.GNSSObservables())
	case KindRemoteRange:
		return h.HandleRemoteRange(e.Timestamp(), e.Node, e.MeasuredRange())
	case KindPosition:
		return h.HandlePositionVelocity(e.PositionVelocity(), e.Local)
	case KindEstimatedPV:
		return h.HandleEstimatedPositionVelocity(e.PositionVelocity())
	case KindDistanceTraveled:
		h.HandleDistanceTraveled(e.Distance)
	case KindLastGoodPosition:
		h.SetLastGoodPosition(e.Time, e.GeodeticPosition())
	}
	return nil
}

// ReplayError lists the handler errors of a replay.
type ReplayError struct {
	Errors []error
}

func (e *ReplayError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("%d events failed, first: %v", len(e.Errors), e.Errors[0])
}

func (e *ReplayError) Unwrap() []error { return e.Errors }
