package doa

import "math"

// SpeedOfSound in air, m/s
const SpeedOfSound = 343.2

// Geometry describes a uniform circular microphone array.
// Microphone m sits at angle OffsetDegrees + m*360/Mics, measured
// counter-clockwise, at distance Radius from the centre.
type Geometry struct {
	Mics          int
	Radius        float64 // metres
	OffsetDegrees float64
}

// ReSpeaker6Mic is the ReSpeaker 6-Mic circular array for Raspberry Pi
func ReSpeaker6Mic() Geometry {
	return Geometry{
		Mics:   6,
		Radius: 0.0463,
	}
}

// MicAngle returns the angular position of microphone m in radians
func (g Geometry) MicAngle(m int) float64 {
	return (g.OffsetDegrees + float64(m)*360/float64(g.Mics)) * math.Pi / 180
}

// Delay returns the arrival time of a far-field plane wave from azimuthDeg
// at microphone m, relative to the array centre. Microphones facing the
// source hear it first (negative delay).
func (g Geometry) Delay(m int, azimuthDeg float64) float64 {
	theta := azimuthDeg * math.Pi / 180
	return -g.Radius * math.Cos(theta-g.MicAngle(m)) / SpeedOfSound
}

// MaxTDOA is the largest possible delay between two microphones
func (g Geometry) MaxTDOA() float64 {
	return 2 * g.Radius / SpeedOfSound
}

// NormalizeDegrees wraps an angle into [0, 360)
func NormalizeDegrees(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	if deg >= 360 {
		deg = 0
	}
	return deg
}

// AngularDistance returns the absolute difference of two bearings in [0, 180]
func AngularDistance(a, b float64) float64 {
	d := math.Abs(NormalizeDegrees(a) - NormalizeDegrees(b))
	if d > 180 {
		d = 360 - d
	}
	return d
}

// Clamp clamps a value to [min, max]
func Clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
