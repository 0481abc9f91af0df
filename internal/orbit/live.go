package orbit

import (
	"context"
	"fmt"
	"sync"

	"github.com/banshee-data/steering/internal/bpm"
	"github.com/banshee-data/steering/internal/channel"
	"github.com/banshee-data/steering/internal/connect"
	"github.com/banshee-data/steering/internal/lattice"
)

// DefaultEnergyBPMs are the monitors in dispersive regions.
var DefaultEnergyBPMs = []string{
	"BPMS:IN20:731",
	"BPMS:LI21:233",
	"BPMS:LI24:801",
	"BPMS:LTU1:250",
	"BPMS:LTU1:450",
	"BPMS:DMP1:502",
	"BPMS:DMP1:693",
}

// LiveOptions configures NewLive.
type LiveOptions struct {
	// EDEF suffixes the value channels. Zero reads the unsuffixed ones.
	EDEF int
	// EnergyBPMs defaults to DefaultEnergyBPMs when nil.
	EnergyBPMs []string
	// PositionBudget and ValueBudget default to the connect package
	// defaults when zero.
	PositionBudget connect.Budget
	ValueBudget    connect.Budget
}

// Live is an orbit of Live readings together with the transport they
// connect through.
type Live struct {
	*Orbit

	transport channel.Transport
	opts      LiveOptions

	mu        sync.Mutex
	connected bool
	runner    *connect.Runner
	gw        lattice.Gateway
}

// NewLive returns an unconnected orbit with one Live reading per name.
func NewLive(name string, names []string, t channel.Transport, opts LiveOptions) (*Live, error) {
	if opts.EnergyBPMs == nil {
		opts.EnergyBPMs = DefaultEnergyBPMs
	}
	if opts.PositionBudget == (connect.Budget{}) {
		opts.PositionBudget = connect.DefaultPositionBudget
	}
	if opts.ValueBudget == (connect.Budget{}) {
		opts.ValueBudget = connect.DefaultValueBudget
	}
	energy := make(map[string]bool, len(opts.EnergyBPMs))
	for _, n := range opts.EnergyBPMs {
		energy[n] = true
	}
	readings := make([]bpm.Reading, len(names))
	for i, n := range names {
		readings[i] = bpm.NewLive(n, opts.EDEF, energy[n])
	}
	o, err := New(name, readings...)
	if err != nil {
		return nil, err
	}
	return &Live{Orbit: o, transport: t, opts: opts}, nil
}

// ChannelCount is the number of channels a full connect opens.
func (l *Live) ChannelCount() int { return l.Len() * bpm.ChannelsPerLive }

// Connected reports whether the last Connect reached Ready.
func (l *Live) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

func (l *Live) reading(name string) *bpm.Live {
	r, err := l.ByName(name)
	if err != nil {
		return nil
	}
	lr, _ := r.(*bpm.Live)
	return lr
}

// Connect resolves positions from gw, falling back to the position
// channels, sorts the orbit by position, then connects and monitors the
// value channels. Unreachable monitors are dropped.
func (l *Live) Connect(ctx context.Context, r *connect.Runner, gw lattice.Gateway) (connect.State, error) {
	l.mu.Lock()
	l.runner, l.gw = r, gw
	l.mu.Unlock()

	positions := &connect.PositionPhase{
		Channels: func(name string) []channel.Channel {
			lr := l.reading(name)
			if lr == nil {
				return nil
			}
			ch := lr.ZChannel()
			if ch == nil {
				ch = lr.BindZ(l.transport)
			}
			return []channel.Channel{ch}
		},
		Apply: func(name string, z float64) {
			if lr := l.reading(name); lr != nil {
				lr.SetZ(z)
			}
		},
		Budget: l.opts.PositionBudget,
		After: func() {
			for _, rd := range l.Readings() {
				if lr, ok := rd.(*bpm.Live); ok {
					if ch := lr.ZChannel(); ch != nil {
						ch.Disconnect()
					}
				}
			}
			l.SortByZ()
		},
	}
	if gw != nil {
		positions.Resolve = gw.ZPositions
	}

	state, err := r.Run(ctx, connect.Plan{
		Name:      l.Name,
		Target:    l.Orbit,
		Positions: positions,
		Values: connect.ValuePhase{
			Channels: func(name string) []channel.Channel {
				lr := l.reading(name)
				if lr == nil {
					return nil
				}
				if chs := lr.Channels(); len(chs) == len(bpm.Axes) {
					return chs
				}
				return lr.Bind(l.transport)
			},
			Budget: l.opts.ValueBudget,
		},
		Mask: channel.EventValue | channel.EventAlarm,
	})

	l.mu.Lock()
	l.connected = err == nil
	l.mu.Unlock()
	if err != nil {
		return state, fmt.Errorf("connect %s: %w", l.Name, err)
	}
	return state, nil
}

// Disconnect closes every value channel.
func (l *Live) Disconnect() {
	for _, rd := range l.Readings() {
		lr, ok := rd.(*bpm.Live)
		if !ok {
			continue
		}
		for _, ch := range lr.Channels() {
			if err := ch.Disconnect(); err != nil {
				diagf("%s: disconnect %s: %v", l.Name, ch.Address(), err)
			}
		}
	}
	l.mu.Lock()
	l.connected = false
	l.mu.Unlock()
}

// SetEDEF moves every reading to another event definition. A connected
// orbit is disconnected and connected again with the same runner and
// model.
func (l *Live) SetEDEF(ctx context.Context, n int) error {
	l.mu.Lock()
	wasConnected := l.connected
	r, gw := l.runner, l.gw
	l.opts.EDEF = n
	l.mu.Unlock()

	l.Disconnect()
	for _, rd := range l.Readings() {
		if lr, ok := rd.(*bpm.Live); ok {
			lr.SetEDEF(n)
		}
	}
	if !wasConnected {
		return nil
	}
	_, err := l.Connect(ctx, r, gw)
	return err
}

// EDEF returns the current event definition.
func (l *Live) EDEF() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.opts.EDEF
}
