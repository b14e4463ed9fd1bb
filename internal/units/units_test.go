package units

import (
	"math"
	"testing"
)

func TestConvertAngle(t *testing.T) {
	tests := []struct {
		name     string
		rad      float64
		units    string
		expected float64
	}{
		{"pi to deg", math.Pi, Degrees, 180},
		{"half pi to deg", math.Pi / 2, Degrees, 90},
		{"negative to deg", -math.Pi / 4, Degrees, -45},
		{"rad unchanged", 1.25, Radians, 1.25},
		{"unknown units default to rad", 1.25, "grad", 1.25},
		{"zero", 0, Degrees, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ConvertAngle(tt.rad, tt.units)
			if math.Abs(result-tt.expected) > 1e-9 {
				t.Errorf("ConvertAngle(%f, %s) = %f, want %f", tt.rad, tt.units, result, tt.expected)
			}
		})
	}
}

func TestIsValid(t *testing.T) {
	tests := []struct {
		name     string
		unit     string
		expected bool
	}{
		{"degrees", Degrees, true},
		{"radians", Radians, true},
		{"empty", "", false},
		{"upper case", "DEG", false},
		{"speed unit", "mph", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValid(tt.unit); got != tt.expected {
				t.Errorf("IsValid(%q) = %v, want %v", tt.unit, got, tt.expected)
			}
		})
	}
}

func TestGetValidUnitsString(t *testing.T) {
	if got := GetValidUnitsString(); got != "deg, rad" {
		t.Errorf("GetValidUnitsString() = %q", got)
	}
}
