// utils/math.go
package utils

import "math"

const Epsilon = 1e-9

// FloatEquals compares two floating-point numbers for near-equality.
func FloatEquals(a, b float64) bool {
	return math.Abs(a-b) < Epsilon
}

// RoundToPrecision rounds a float64 to a specified number of decimal places.
func RoundToPrecision(value float64, precision int) float64 {
	pow := math.Pow(10, float64(precision))
	return math.Round(value*pow) / pow
}

// Clamp constrains value to the closed interval [lo, hi].
func Clamp(value, lo, hi float64) float64 {
	if value < lo {
		return lo
	}
	if value > hi {
		return hi
	}
	return value
}

// ClampFraction constrains a fraction to [0, 1].
func ClampFraction(f float64) float64 {
	return Clamp(f, 0, 1)
}
