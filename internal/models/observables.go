package models

import (
	"errors"
	"fmt"
	"math"
)

// Timestamp is a receiver time split into whole and fractional seconds.
type Timestamp struct {
	Sec         int64 `json:"sec"`
	Nanoseconds int64 `json:"nanoseconds"`
}

// Seconds returns the timestamp as floating point seconds.
func (t Timestamp) Seconds() float64 {
	return float64(t.Sec) + float64(t.Nanoseconds)/1e9
}

// Epoch returns the timestamp rounded to the nearest whole second, which is
// the key used by the integrity data repository.
func (t Timestamp) Epoch() float64 {
	return math.Round(t.Seconds())
}

// Header identifies the device that produced a message and when.
type Header struct {
	DeviceID       string    `json:"device_id"`
	TimestampValid Timestamp `json:"timestamp"`
}

// Observable is the per-satellite measurement record.
type Observable struct {
	PRN              int            `json:"prn"`
	Pseudorange      float64        `json:"pseudorange"`
	PseudorangeValid bool           `json:"pseudorange_valid"`
	CarrierPhase     float64        `json:"carrier_phase"`
	CarrierValid     bool           `json:"carrier_valid"`
	Assurance        AssuranceLevel `json:"assurance"`
}

// GNSSObservables is a snapshot of the observables seen by one device at one
// epoch, keyed by PRN.
type GNSSObservables struct {
	Header      Header             `json:"header"`
	Observables map[int]Observable `json:"observables"`
}

// Validate checks the snapshot for structural problems.
func (o *GNSSObservables) Validate() error {
	if o.Header.DeviceID == "" {
		return errors.New("device ID must not be empty")
	}
	for prn, obs := range o.Observables {
		if prn != obs.PRN {
			return fmt.Errorf("observable keyed by PRN %d reports PRN %d", prn, obs.PRN)
		}
		if obs.PseudorangeValid && (math.IsNaN(obs.Pseudorange) || math.IsInf(obs.Pseudorange, 0)) {
			return fmt.Errorf("PRN %d pseudorange must be finite", prn)
		}
	}
	return nil
}

// MeasuredRange is the range from the local receiver to a remote node.
type MeasuredRange struct {
	Range      float64 `json:"range"`
	RangeValid bool    `json:"valid"`
}
