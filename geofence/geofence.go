// Package geofence decides whether a single reported GPS fix lies inside the
// circular zone around an exchange's canonical location.
package geofence

import (
	"errors"
	"fmt"
	"math"
)

// EarthRadiusMeters is the mean Earth radius used for great-circle distances.
const EarthRadiusMeters = 6371000

// ErrInvalidPoint is returned by Validate for coordinates outside the WGS84 range.
var ErrInvalidPoint = errors.New("geofence: invalid coordinates")

// Point is a WGS84 coordinate in decimal degrees.
type Point struct {
	Lat float64
	Lng float64
}

// Result is the verdict for one fix. When Known is false the zone had no
// coordinates and both InZone and DistanceM carry no information.
type Result struct {
	Known     bool
	InZone    bool
	DistanceM float64
}

// Verify measures the fix against the zone. The device accuracy widens the
// radius: a consumer GPS accuracy is a margin of error, so a fix whose error
// circle touches the zone counts as inside.
func Verify(fix Point, zone *Point, radiusM, accuracyM float64) Result {
	if zone == nil {
		return Result{}
	}
	if accuracyM < 0 || math.IsNaN(accuracyM) {
		accuracyM = 0
	}
	d := Distance(fix, *zone)
	return Result{
		Known:     true,
		InZone:    d <= radiusM+accuracyM,
		DistanceM: d,
	}
}

// Distance returns the haversine distance between a and b in meters.
func Distance(a, b Point) float64 {
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Sin(dLng/2)*math.Sin(dLng/2)*math.Cos(lat1)*math.Cos(lat2)
	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(math.Min(h, 1)))
}

// Validate rejects non-finite values and coordinates outside [-90,90]x[-180,180].
func Validate(p Point) error {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return fmt.Errorf("%w: non-finite value", ErrInvalidPoint)
	}
	if p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("%w: latitude %v", ErrInvalidPoint, p.Lat)
	}
	if p.Lng < -180 || p.Lng > 180 {
		return fmt.Errorf("%w: longitude %v", ErrInvalidPoint, p.Lng)
	}
	return nil
}

// Offset returns the point reached by moving north and east by the given
// number of meters from p. It is accurate for the short distances a geofence
// deals with.
func Offset(p Point, northM, eastM float64) Point {
	dLat := northM / EarthRadiusMeters * 180 / math.Pi
	dLng := eastM / (EarthRadiusMeters * math.Cos(p.Lat*math.Pi/180)) * 180 / math.Pi
	return Point{Lat: p.Lat + dLat, Lng: p.Lng + dLng}
}
