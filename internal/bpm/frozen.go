package bpm

import "github.com/banshee-data/steering/internal/channel"

// Frozen is an immutable reading.
type Frozen struct {
	name     string
	z        float64
	axes     [len(Axes)]AxisData
	energy   bool
	fallback bool
}

// FrozenOption adjusts a Frozen at construction.
type FrozenOption func(*Frozen)

// AsEnergyBPM marks the reading as an energy BPM.
func AsEnergyBPM(energy bool) FrozenOption {
	return func(f *Frozen) { f.energy = energy }
}

// WithBufferFallback records that a buffered freeze fell back to
// instantaneous values.
func WithBufferFallback() FrozenOption {
	return func(f *Frozen) { f.fallback = true }
}

func NewFrozen(name string, z float64, x, y, tmit AxisData, opts ...FrozenOption) *Frozen {
	f := &Frozen{name: name, z: z, axes: [len(Axes)]AxisData{x, y, tmit}}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Frozen) Name() string      { return f.name }
func (f *Frozen) Z() float64        { return f.z }
func (f *Frozen) IsEnergyBPM() bool { return f.energy }
func (f *Frozen) Freeze() *Frozen   { return f }

// BufferFallback reports whether a buffered freeze was requested but the
// instantaneous value was used instead. Such a reading has zero RMS.
func (f *Frozen) BufferFallback() bool { return f.fallback }

func (f *Frozen) Data(a Axis) (AxisData, error) {
	if err := checkAxis(a); err != nil {
		return AxisData{}, err
	}
	return f.axes[a], nil
}

func (f *Frozen) Value(a Axis) (float64, error) {
	d, err := f.Data(a)
	return d.Value, err
}

func (f *Frozen) RMS(a Axis) (float64, error) {
	d, err := f.Data(a)
	return d.RMS, err
}

func (f *Frozen) Status(a Axis) (channel.Status, error) {
	d, err := f.Data(a)
	return d.Status, err
}

func (f *Frozen) Severity(a Axis) (channel.Severity, error) {
	d, err := f.Data(a)
	return d.Severity, err
}
