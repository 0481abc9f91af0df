// Package bpm models beam position monitor readings.
//
// Every variant implements Reading: Live readings read through to their
// channels, Frozen readings are fixed snapshots, and Diff readings combine
// two operands on every access.
package bpm

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/banshee-data/steering/internal/channel"
)

var (
	ErrInvalidAxis       = errors.New("invalid axis")
	ErrMismatchedReading = errors.New("mismatched readings")
)

// Axis is one of the three measured quantities.
type Axis int

const (
	X Axis = iota
	Y
	TMIT
)

// Axes lists every axis in storage order.
var Axes = [...]Axis{X, Y, TMIT}

func (a Axis) String() string {
	switch a {
	case X:
		return "x"
	case Y:
		return "y"
	case TMIT:
		return "tmit"
	}
	return fmt.Sprintf("Axis(%d)", int(a))
}

// Valid reports whether a is X, Y or TMIT.
func (a Axis) Valid() bool { return a >= X && a <= TMIT }

// channelSuffix is the upper-case channel attribute, e.g. "TMIT".
func (a Axis) channelSuffix() string { return strings.ToUpper(a.String()) }

// ParseAxis accepts "x", "y" or "tmit" in any case.
func ParseAxis(s string) (Axis, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "x":
		return X, nil
	case "y":
		return Y, nil
	case "tmit":
		return TMIT, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidAxis, s)
}

func checkAxis(a Axis) error {
	if !a.Valid() {
		return fmt.Errorf("%w: %v", ErrInvalidAxis, a)
	}
	return nil
}

// Reading is the capability set shared by all BPM variants.
type Reading interface {
	Name() string
	// Z is the distance along the beamline in metres. NaN until resolved.
	Z() float64
	Value(a Axis) (float64, error)
	Status(a Axis) (channel.Status, error)
	Severity(a Axis) (channel.Severity, error)
	// RMS is zero unless the reading carries a measured uncertainty.
	RMS(a Axis) (float64, error)
	// IsEnergyBPM marks monitors in dispersive regions used for energy
	// feedback.
	IsEnergyBPM() bool
	Freeze() *Frozen
}

// AxisData is everything a reading knows about one axis.
type AxisData struct {
	Value    float64
	RMS      float64
	Status   channel.Status
	Severity channel.Severity
}

// Data collects all four attributes of axis a from r.
func Data(r Reading, a Axis) (AxisData, error) {
	v, err := r.Value(a)
	if err != nil {
		return AxisData{}, err
	}
	rms, _ := r.RMS(a)
	st, _ := r.Status(a)
	sev, _ := r.Severity(a)
	return AxisData{Value: v, RMS: rms, Status: st, Severity: sev}, nil
}

// sameZ treats two unresolved positions as equal.
func sameZ(a, b float64) bool {
	return a == b || (math.IsNaN(a) && math.IsNaN(b))
}
