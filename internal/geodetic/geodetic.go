// Package geodetic converts WGS-84 geodetic coordinates into a local
// North-East-Down frame and measures distances between fixes.
package geodetic

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/armour-sheila/PNT-Integrity/internal/models"
)

// WGS-84 ellipsoid.
const (
	semiMajorAxis = 6378137.0
	flattening    = 1 / 298.257223563
	eccSquared    = flattening * (2 - flattening)
)

// ToECEF converts a geodetic position (degrees, metres) to Earth-centred
// Earth-fixed coordinates in metres.
func ToECEF(p models.GeodeticPosition) *mat.VecDense {
	lat := p.Latitude * math.Pi / 180
	lon := p.Longitude * math.Pi / 180
	sinLat, cosLat := math.Sincos(lat)
	sinLon, cosLon := math.Sincos(lon)

	n := semiMajorAxis / math.Sqrt(1-eccSquared*sinLat*sinLat)
	return mat.NewVecDense(3, []float64{
		(n + p.Altitude) * cosLat * cosLon,
		(n + p.Altitude) * cosLat * sinLon,
		(n*(1-eccSquared) + p.Altitude) * sinLat,
	})
}

// Distance returns the straight-line distance in metres between two
// geodetic positions.
func Distance(a, b models.GeodeticPosition) float64 {
	var d mat.VecDense
	d.SubVec(ToECEF(a), ToECEF(b))
	return mat.Norm(&d, 2)
}

// Converter maps geodetic positions into NED offsets from a reference point.
// The zero value has no reference; call SetReference first. A Converter is
// not safe for concurrent use.
type Converter struct {
	refECEF  *mat.VecDense
	rotation *mat.Dense
	ref      models.GeodeticPosition
}

// SetReference makes p the origin of the local NED frame.
func (c *Converter) SetReference(p models.GeodeticPosition) {
	lat := p.Latitude * math.Pi / 180
	lon := p.Longitude * math.Pi / 180
	sinLat, cosLat := math.Sincos(lat)
	sinLon, cosLon := math.Sincos(lon)

	c.ref = p
	c.refECEF = ToECEF(p)
	c.rotation = mat.NewDense(3, 3, []float64{
		-sinLat * cosLon, -sinLat * sinLon, cosLat,
		-sinLon, cosLon, 0,
		-cosLat * cosLon, -cosLat * sinLon, -sinLat,
	})
}

// HasReference reports whether SetReference has been called.
func (c *Converter) HasReference() bool {
	return c.refECEF != nil
}

// Reference returns the current NED origin.
func (c *Converter) Reference() models.GeodeticPosition {
	return c.ref
}

// ToNED returns the north, east and down offsets in metres of p from the
// reference. Without a reference every offset is NaN.
func (c *Converter) ToNED(p models.GeodeticPosition) (north, east, down float64) {
	if !c.HasReference() {
		return math.NaN(), math.NaN(), math.NaN()
	}
	var delta, ned mat.VecDense
	delta.SubVec(ToECEF(p), c.refECEF)
	ned.MulVec(c.rotation, &delta)
	return ned.AtVec(0), ned.AtVec(1), ned.AtVec(2)
}

// HorizontalDistance is the North-East distance from the reference to p.
func (c *Converter) HorizontalDistance(p models.GeodeticPosition) float64 {
	n, e, _ := c.ToNED(p)
	return math.Hypot(n, e)
}
