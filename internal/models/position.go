package models

import (
	"errors"
	"math"
)

// GeodeticPosition is a WGS-84 position: degrees and metres above the
// ellipsoid.
type GeodeticPosition struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
	Altitude  float64 `json:"alt"`
}

// Covariance is a 3x3 North-East-Down position covariance in square metres.
type Covariance [3][3]float64

// HorizontalStdDev returns sqrt(varN + varE).
func (c Covariance) HorizontalStdDev() float64 {
	return math.Sqrt(c[0][0] + c[1][1])
}

// PositionVelocity is a timestamped position solution, either the receiver's
// own or an externally estimated one.
type PositionVelocity struct {
	Header     Header           `json:"header"`
	Position   GeodeticPosition `json:"position"`
	Covariance Covariance       `json:"covariance"`
	Valid      bool             `json:"valid"`
}

// Validate checks latitude/longitude ranges and covariance sanity.
func (p *PositionVelocity) Validate() error {
	if p.Position.Latitude < -90 || p.Position.Latitude > 90 {
		return errors.New("latitude must be between -90 and 90")
	}
	if p.Position.Longitude < -180 || p.Position.Longitude > 180 {
		return errors.New("longitude must be between -180 and 180")
	}
	for i := 0; i < 3; i++ {
		if p.Covariance[i][i] < 0 {
			return errors.New("covariance diagonal must not be negative")
		}
	}
	return nil
}
