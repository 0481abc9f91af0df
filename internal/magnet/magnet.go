// Package magnet models steering corrector magnets and the per-plane lists
// the steering workflow adjusts.
package magnet

import (
	"context"
	"fmt"
	"sync"

	"github.com/banshee-data/steering/internal/channel"
)

// KickStep is the setpoint change, in kG, of one Increase or Decrease.
const KickStep = 0.0002

// ChannelsPerMagnet is the setpoint plus the readback.
const ChannelsPerMagnet = 2

// Magnet is a corrector with a setpoint (BCTRL) and a readback (BACT)
// channel.
type Magnet struct {
	name string
	z    float64

	mu       sync.RWMutex
	setpoint channel.Channel
	readback channel.Channel
}

func New(name string, z float64) *Magnet {
	return &Magnet{name: name, z: z}
}

func (m *Magnet) Name() string { return m.name }
func (m *Magnet) Z() float64   { return m.z }

func (m *Magnet) SetpointAddress() string { return m.name + ":BCTRL" }
func (m *Magnet) ReadbackAddress() string { return m.name + ":BACT" }

// Bind opens both channels on t, reusing channels already bound.
func (m *Magnet) Bind(t channel.Transport) []channel.Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setpoint == nil {
		m.setpoint = t.Open(m.SetpointAddress())
	}
	if m.readback == nil {
		m.readback = t.Open(m.ReadbackAddress())
	}
	return []channel.Channel{m.setpoint, m.readback}
}

func (m *Magnet) channels() (sp, rb channel.Channel) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.setpoint, m.readback
}

func read(ch channel.Channel) (float64, error) {
	if ch == nil || ch.State() != channel.Connected {
		return 0, channel.ErrNotConnected
	}
	return ch.Get().Value, nil
}

// Setpoint returns the last delivered BCTRL value.
func (m *Magnet) Setpoint() (float64, error) {
	sp, _ := m.channels()
	v, err := read(sp)
	if err != nil {
		return 0, fmt.Errorf("%s setpoint: %w", m.name, err)
	}
	return v, nil
}

// Readback returns the last delivered BACT value.
func (m *Magnet) Readback() (float64, error) {
	_, rb := m.channels()
	v, err := read(rb)
	if err != nil {
		return 0, fmt.Errorf("%s readback: %w", m.name, err)
	}
	return v, nil
}

// SetSetpoint writes v to BCTRL.
func (m *Magnet) SetSetpoint(ctx context.Context, v float64) error {
	sp, _ := m.channels()
	if sp == nil {
		return fmt.Errorf("%s setpoint: %w", m.name, channel.ErrNotConnected)
	}
	if err := sp.Put(ctx, v); err != nil {
		return fmt.Errorf("%s setpoint: %w", m.name, err)
	}
	tracef("%s: BCTRL <- %g", m.name, v)
	return nil
}

// Increase raises the setpoint by KickStep.
func (m *Magnet) Increase(ctx context.Context) error { return m.step(ctx, KickStep) }

// Decrease lowers the setpoint by KickStep.
func (m *Magnet) Decrease(ctx context.Context) error { return m.step(ctx, -KickStep) }

func (m *Magnet) step(ctx context.Context, delta float64) error {
	v, err := m.Setpoint()
	if err != nil {
		return err
	}
	return m.SetSetpoint(ctx, v+delta)
}
