// Package units provides shared constants and conversions for angular units.
package units

import "math"

// Angular unit constants
const (
	Deg  = "deg"
	Asec = "asec"
	Rad  = "rad"
)

// ValidUnits contains all valid angular unit values
var ValidUnits = []string{Deg, Asec, Rad}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages
func GetValidUnitsString() string {
	return "deg, asec, rad"
}

// Arcseconds per degree.
const AsecPerDeg = 3600.0

// DegToAsec converts degrees to arcseconds.
func DegToAsec(deg float64) float64 {
	return deg * AsecPerDeg
}

// AsecToDeg converts arcseconds to degrees.
func AsecToDeg(asec float64) float64 {
	return asec / AsecPerDeg
}

// DegToRad converts degrees to radians.
func DegToRad(deg float64) float64 {
	return deg * math.Pi / 180.0
}

// RadToDeg converts radians to degrees.
func RadToDeg(rad float64) float64 {
	return rad * 180.0 / math.Pi
}

// ConvertAngle converts an angle from degrees to the target units.
// Internal state and the database store angles in degrees.
func ConvertAngle(deg float64, targetUnits string) float64 {
	switch targetUnits {
	case Asec:
		return DegToAsec(deg)
	case Rad:
		return DegToRad(deg)
	case Deg:
		return deg // no conversion needed
	default:
		return deg // default to degrees if unknown unit
	}
}

// WrapTo360 wraps an angle (degrees) to the range [0, 360).
func WrapTo360(deg float64) float64 {
	return math.Mod(math.Mod(deg, 360.0)+360.0, 360.0)
}

// WrapTo180 wraps an angle (degrees) to the range (-180, 180].
func WrapTo180(deg float64) float64 {
	return 180.0 - WrapTo360(180.0-deg)
}
