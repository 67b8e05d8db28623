package align

import (
	"math"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"
)

// julianDate returns the julian date of t including fractional seconds.
// satellite.JDay only resolves whole seconds, which at sidereal rate is
// 15 arcseconds of azimuth per second.
func julianDate(t time.Time) float64 {
	t = t.UTC()
	jd := satellite.JDay(t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute(), t.Second())
	return jd + float64(t.Nanosecond())/1e9/86400
}

// GMST returns the Greenwich mean sidereal time at t, in radians.
func GMST(t time.Time) float64 {
	return satellite.ThetaG_JD(julianDate(t))
}

// RADecToITRF rotates an epoch-of-date sky direction into an earth-fixed
// unit vector at time t.
func RADecToITRF(raDeg, decDeg float64, t time.Time) Vec3 {
	ra := raDeg * math.Pi / 180
	dec := decDeg * math.Pi / 180
	eci := satellite.Vector3{
		X: math.Cos(dec) * math.Cos(ra),
		Y: math.Cos(dec) * math.Sin(ra),
		Z: math.Sin(dec),
	}
	ecef := satellite.ECIToECEF(eci, GMST(t))
	return Vec3{ecef.X, ecef.Y, ecef.Z}
}
