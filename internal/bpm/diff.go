package bpm

import (
	"fmt"
	"math"

	"github.com/banshee-data/steering/internal/channel"
)

// Diff is the difference A-B of two readings of the same monitor. A ratio
// Diff divides TMIT instead of subtracting it. Both operands are shared,
// not owned.
type Diff struct {
	a, b  Reading
	ratio bool
}

// NewDiff returns A-B on every axis.
func NewDiff(a, b Reading) (*Diff, error) {
	return newDiff(a, b, false)
}

// NewRatio returns A-B on X and Y and A/B on TMIT.
func NewRatio(a, b Reading) (*Diff, error) {
	return newDiff(a, b, true)
}

func newDiff(a, b Reading, ratio bool) (*Diff, error) {
	if a.Name() != b.Name() {
		return nil, fmt.Errorf("%w: %s != %s", ErrMismatchedReading, a.Name(), b.Name())
	}
	if !sameZ(a.Z(), b.Z()) {
		return nil, fmt.Errorf("%w: %s has z %v and %v", ErrMismatchedReading, a.Name(), a.Z(), b.Z())
	}
	return &Diff{a: a, b: b, ratio: ratio}, nil
}

func (d *Diff) Name() string { return d.a.Name() }
func (d *Diff) Z() float64   { return d.a.Z() }

// Operands returns A and B.
func (d *Diff) Operands() (Reading, Reading) { return d.a, d.b }

func (d *Diff) IsEnergyBPM() bool { return d.a.IsEnergyBPM() || d.b.IsEnergyBPM() }

func (d *Diff) Value(ax Axis) (float64, error) {
	a, err := d.a.Value(ax)
	if err != nil {
		return 0, err
	}
	b, err := d.b.Value(ax)
	if err != nil {
		return 0, err
	}
	if d.ratio && ax == TMIT {
		return a / b, nil
	}
	return a - b, nil
}

func (d *Diff) RMS(ax Axis) (float64, error) {
	ra, err := d.a.RMS(ax)
	if err != nil {
		return 0, err
	}
	rb, err := d.b.RMS(ax)
	if err != nil {
		return 0, err
	}
	if !d.ratio || ax != TMIT {
		return math.Hypot(ra, rb), nil
	}
	a, _ := d.a.Value(ax)
	b, _ := d.b.Value(ax)
	return math.Hypot(ra/a, rb/b) * math.Abs(a/b), nil
}

func (d *Diff) Status(ax Axis) (channel.Status, error) {
	a, err := d.a.Status(ax)
	if err != nil {
		return 0, err
	}
	b, err := d.b.Status(ax)
	if err != nil {
		return 0, err
	}
	return max(a, b), nil
}

func (d *Diff) Severity(ax Axis) (channel.Severity, error) {
	a, err := d.a.Severity(ax)
	if err != nil {
		return 0, err
	}
	b, err := d.b.Severity(ax)
	if err != nil {
		return 0, err
	}
	return max(a, b), nil
}

// Freeze evaluates the difference once.
func (d *Diff) Freeze() *Frozen {
	return freezeReading(d)
}

func freezeReading(r Reading) *Frozen {
	var axes [len(Axes)]AxisData
	for _, a := range Axes {
		axes[a], _ = Data(r, a)
	}
	opts := []FrozenOption{AsEnergyBPM(r.IsEnergyBPM())}
	if usedFallback(r) {
		opts = append(opts, WithBufferFallback())
	}
	return NewFrozen(r.Name(), r.Z(), axes[X], axes[Y], axes[TMIT], opts...)
}

// usedFallback reports whether r, or any operand under it, was frozen from
// instantaneous values in place of the buffer.
func usedFallback(r Reading) bool {
	switch v := r.(type) {
	case *Frozen:
		return v.fallback
	case *Diff:
		return usedFallback(v.a) || usedFallback(v.b)
	}
	return false
}
