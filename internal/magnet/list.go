package magnet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/banshee-data/steering/internal/channel"
	"github.com/banshee-data/steering/internal/connect"
	"github.com/banshee-data/steering/internal/fsutil"
)

var (
	// ErrNoSnapshot is returned when restoring setpoints that were never
	// saved.
	ErrNoSnapshot  = errors.New("no saved setpoints")
	ErrInvalidAxis = errors.New("axis must be X or Y")
	ErrNotFound    = errors.New("magnet not found")
)

// Axis is the steering plane of a list.
type Axis string

const (
	X Axis = "X"
	Y Axis = "Y"
)

func ParseAxis(s string) (Axis, error) {
	switch a := Axis(strings.ToUpper(strings.TrimSpace(s))); a {
	case X, Y:
		return a, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAxis, s)
}

// Device is one entry of a device list file.
type Device struct {
	Name string  `json:"device_name"`
	Z    float64 `json:"z_pos"`
}

// LoadDeviceList reads a JSON array of devices, sorted by Z.
func LoadDeviceList(fs fsutil.FileSystem, path string) ([]Device, error) {
	data, err := fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read device list: %w", err)
	}
	var devices []Device
	if err := json.Unmarshal(data, &devices); err != nil {
		return nil, fmt.Errorf("parse device list %s: %w", path, err)
	}
	sort.SliceStable(devices, func(i, j int) bool { return devices[i].Z < devices[j].Z })
	return devices, nil
}

// Bounds is the Z range covered by a list.
type Bounds struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// List is the Z-ordered set of correctors for one plane.
type List struct {
	Axis Axis

	mu        sync.RWMutex
	magnets   []*Magnet
	bounds    *Bounds
	setpoints map[string]float64
	readbacks map[string]float64
}

// NewList builds a list from devices, sorting them by Z.
func NewList(axis Axis, devices []Device) (*List, error) {
	if axis != X && axis != Y {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAxis, axis)
	}
	l := &List{Axis: axis}
	seen := make(map[string]bool, len(devices))
	for _, d := range devices {
		if seen[d.Name] {
			return nil, fmt.Errorf("duplicate magnet %s", d.Name)
		}
		seen[d.Name] = true
		l.magnets = append(l.magnets, New(d.Name, d.Z))
	}
	sort.SliceStable(l.magnets, func(i, j int) bool { return l.magnets[i].z < l.magnets[j].z })
	return l, nil
}

func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.magnets)
}

// Magnets returns the magnets in Z order.
func (l *List) Magnets() []*Magnet {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]*Magnet(nil), l.magnets...)
}

func (l *List) ByName(name string) (*Magnet, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, m := range l.magnets {
		if m.name == name {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// ChannelCount is the number of channels a connect opens.
func (l *List) ChannelCount() int { return l.Len() * ChannelsPerMagnet }

// PositionBounds returns the Z range of the list. ok is false when empty.
func (l *List) PositionBounds() (Bounds, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.bounds != nil {
		return *l.bounds, true
	}
	if len(l.magnets) == 0 {
		return Bounds{}, false
	}
	b := Bounds{Min: math.Inf(1), Max: math.Inf(-1)}
	for _, m := range l.magnets {
		b.Min = math.Min(b.Min, m.z)
		b.Max = math.Max(b.Max, m.z)
	}
	l.bounds = &b
	return b, true
}

// Devices implements connect.Target.
func (l *List) Devices() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, len(l.magnets))
	for i, m := range l.magnets {
		out[i] = m.name
	}
	return out
}

// Drop implements connect.Target.
func (l *List) Drop(names []string) {
	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[n] = true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.magnets[:0]
	for _, m := range l.magnets {
		if !drop[m.name] {
			kept = append(kept, m)
		}
	}
	l.magnets = kept
	l.bounds = nil
}

// Connect opens and monitors every magnet's channels on t. Magnets that
// do not connect within budget are dropped. A zero budget uses
// connect.DefaultPositionBudget.
func (l *List) Connect(ctx context.Context, r *connect.Runner, t channel.Transport, budget connect.Budget) (connect.State, error) {
	if budget == (connect.Budget{}) {
		budget = connect.DefaultPositionBudget
	}
	state, err := r.Run(ctx, connect.Plan{
		Name:   "magnets " + string(l.Axis),
		Target: l,
		Values: connect.ValuePhase{
			Channels: func(name string) []channel.Channel {
				m, err := l.ByName(name)
				if err != nil {
					return nil
				}
				return m.Bind(t)
			},
			Budget: budget,
		},
		Mask: channel.EventValue,
	})
	if err != nil {
		return state, fmt.Errorf("connect %s magnets: %w", l.Axis, err)
	}
	return state, nil
}

// Disconnect closes every bound channel.
func (l *List) Disconnect() {
	for _, m := range l.Magnets() {
		sp, rb := m.channels()
		for _, ch := range []channel.Channel{sp, rb} {
			if ch == nil {
				continue
			}
			if err := ch.Disconnect(); err != nil {
				diagf("disconnect %s: %v", ch.Address(), err)
			}
		}
	}
}

func (l *List) snapshot(read func(*Magnet) (float64, error)) (map[string]float64, error) {
	out := make(map[string]float64, l.Len())
	for _, m := range l.Magnets() {
		v, err := read(m)
		if err != nil {
			return nil, err
		}
		out[m.name] = v
	}
	return out, nil
}

// SaveSetpoints records every current setpoint. On error the previous
// snapshot is kept.
func (l *List) SaveSetpoints() error {
	s, err := l.snapshot((*Magnet).Setpoint)
	if err != nil {
		return fmt.Errorf("save setpoints: %w", err)
	}
	l.mu.Lock()
	l.setpoints = s
	l.mu.Unlock()
	return nil
}

// SaveReadbacks records every current readback.
func (l *List) SaveReadbacks() error {
	s, err := l.snapshot((*Magnet).Readback)
	if err != nil {
		return fmt.Errorf("save readbacks: %w", err)
	}
	l.mu.Lock()
	l.readbacks = s
	l.mu.Unlock()
	return nil
}

// SavedSetpoints returns the last saved setpoints by magnet name, or nil.
func (l *List) SavedSetpoints() map[string]float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return copyMap(l.setpoints)
}

// SavedReadbacks returns the last saved readbacks by magnet name, or nil.
func (l *List) SavedReadbacks() map[string]float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return copyMap(l.readbacks)
}

func copyMap(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// LoadSavedSetpoints writes the saved setpoints back. Magnets without a
// saved value are left alone. Every write is attempted; failures are
// joined.
func (l *List) LoadSavedSetpoints(ctx context.Context) error {
	saved := l.SavedSetpoints()
	if saved == nil {
		return ErrNoSnapshot
	}
	var errs []error
	restored := 0
	for _, m := range l.Magnets() {
		v, ok := saved[m.name]
		if !ok {
			continue
		}
		if err := m.SetSetpoint(ctx, v); err != nil {
			errs = append(errs, err)
			continue
		}
		restored++
	}
	opsf("%s: restored %d setpoints", l.Axis, restored)
	return errors.Join(errs...)
}
