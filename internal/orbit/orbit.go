// Package orbit holds ordered collections of BPM readings, the snapshots
// made from them and the trajectory fit that runs over them.
package orbit

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/banshee-data/steering/internal/bpm"
	"github.com/banshee-data/steering/internal/channel"
	"github.com/banshee-data/steering/internal/lattice"
)

var (
	ErrDuplicateName = errors.New("duplicate reading name")
	ErrNotFound      = errors.New("reading not found")
	ErrOutOfRange    = errors.New("reading index out of range")
)

// Bounds is a closed [Min, Max] interval.
type Bounds struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// SectorBoundary marks where the readings of one sector begin.
type SectorBoundary struct {
	Z      float64 `json:"z"`
	Sector string  `json:"sector"`
}

type rmatKey struct {
	start, end, fitPoint int
}

// Orbit is an ordered, name-unique collection of readings.
//
// Any change to the reading set clears the position and value bounds, the
// transport matrices fetched for fitting and the last fit result. Fit
// holds the write lock for its whole run, so the reading set cannot change
// under a fit.
type Orbit struct {
	Name string

	mu       sync.RWMutex
	readings []bpm.Reading
	byName   map[string]int

	cacheMu sync.Mutex
	// gen counts invalidations. Bounds computed outside cacheMu are
	// stored only if gen has not moved since they were started.
	gen       uint64
	zBounds   *Bounds
	valBounds map[bpm.Axis]Bounds
	rmatKey   rmatKey
	rmats     []lattice.Matrix6
	lastFit   *FitResult
}

// New returns an orbit holding readings in the given order. Duplicate
// names fail with ErrDuplicateName.
func New(name string, readings ...bpm.Reading) (*Orbit, error) {
	o := &Orbit{Name: name}
	if err := o.ReplaceAll(readings); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Orbit) String() string { return o.Name }

// invalidate clears every cache. Callers hold o.mu for writing.
func (o *Orbit) invalidate() {
	o.cacheMu.Lock()
	defer o.cacheMu.Unlock()
	o.gen++
	o.zBounds = nil
	o.valBounds = nil
	o.rmats = nil
	o.lastFit = nil
}

func (o *Orbit) reindex() {
	o.byName = make(map[string]int, len(o.readings))
	for i, r := range o.readings {
		o.byName[r.Name()] = i
	}
}

// Add appends r. A name already present fails with ErrDuplicateName and
// leaves the orbit unchanged.
func (o *Orbit) Add(r bpm.Reading) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.byName == nil {
		o.byName = make(map[string]int)
	}
	if _, ok := o.byName[r.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateName, r.Name())
	}
	o.readings = append(o.readings, r)
	o.byName[r.Name()] = len(o.readings) - 1
	o.invalidate()
	return nil
}

// ReplaceAll swaps in a new reading set atomically.
func (o *Orbit) ReplaceAll(readings []bpm.Reading) error {
	seen := make(map[string]bool, len(readings))
	for _, r := range readings {
		if seen[r.Name()] {
			return fmt.Errorf("%w: %s", ErrDuplicateName, r.Name())
		}
		seen[r.Name()] = true
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.readings = append([]bpm.Reading(nil), readings...)
	o.reindex()
	o.invalidate()
	return nil
}

// Remove drops the named readings. Unknown names are ignored.
func (o *Orbit) Remove(names []string) {
	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[n] = true
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	kept := make([]bpm.Reading, 0, len(o.readings))
	for _, r := range o.readings {
		if !drop[r.Name()] {
			kept = append(kept, r)
		}
	}
	o.readings = kept
	o.reindex()
	o.invalidate()
}

func (o *Orbit) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.readings)
}

// Readings returns a copy of the reading list.
func (o *Orbit) Readings() []bpm.Reading {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]bpm.Reading(nil), o.readings...)
}

// At returns the i'th reading.
func (o *Orbit) At(i int) (bpm.Reading, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if i < 0 || i >= len(o.readings) {
		return nil, fmt.Errorf("%w: %d of %d", ErrOutOfRange, i, len(o.readings))
	}
	return o.readings[i], nil
}

func (o *Orbit) ByName(name string) (bpm.Reading, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	i, ok := o.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return o.readings[i], nil
}

// IndexOf returns the position of the named reading.
func (o *Orbit) IndexOf(name string) (int, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	i, ok := o.byName[name]
	if !ok {
		return -1, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return i, nil
}

// SortByZ orders readings by position. Equal positions keep their order.
func (o *Orbit) SortByZ() {
	o.mu.Lock()
	defer o.mu.Unlock()
	sort.SliceStable(o.readings, func(i, j int) bool {
		return o.readings[i].Z() < o.readings[j].Z()
	})
	o.reindex()
	o.invalidate()
}

// Names lists reading names in order.
func (o *Orbit) Names() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]string, len(o.readings))
	for i, r := range o.readings {
		out[i] = r.Name()
	}
	return out
}

func (o *Orbit) Zs() []float64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]float64, len(o.readings))
	for i, r := range o.readings {
		out[i] = r.Z()
	}
	return out
}

// Values returns the value of axis a for every reading.
func (o *Orbit) Values(a bpm.Axis) ([]float64, error) {
	return collect(o, a, bpm.Reading.Value)
}

func (o *Orbit) RMSValues(a bpm.Axis) ([]float64, error) {
	return collect(o, a, bpm.Reading.RMS)
}

func (o *Orbit) Severities(a bpm.Axis) ([]channel.Severity, error) {
	return collect(o, a, bpm.Reading.Severity)
}

func (o *Orbit) Statuses(a bpm.Axis) ([]channel.Status, error) {
	return collect(o, a, bpm.Reading.Status)
}

func collect[T any](o *Orbit, a bpm.Axis, get func(bpm.Reading, bpm.Axis) (T, error)) ([]T, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]T, len(o.readings))
	for i, r := range o.readings {
		v, err := get(r, a)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// PositionBounds returns the smallest and largest Z. ok is false for an
// orbit with no resolved positions.
func (o *Orbit) PositionBounds() (b Bounds, ok bool) {
	o.cacheMu.Lock()
	if o.zBounds != nil {
		b := *o.zBounds
		o.cacheMu.Unlock()
		return b, true
	}
	gen := o.gen
	o.cacheMu.Unlock()

	b, ok = bounds(o.Zs())
	if !ok {
		return b, false
	}
	o.cacheMu.Lock()
	if o.gen == gen {
		o.zBounds = &b
	}
	o.cacheMu.Unlock()
	return b, true
}

// ValueBounds returns the range of axis a, ignoring NaN values. Results
// are memoized only when every reading is Frozen; live values move.
func (o *Orbit) ValueBounds(a bpm.Axis) (Bounds, bool, error) {
	o.cacheMu.Lock()
	if b, ok := o.valBounds[a]; ok {
		o.cacheMu.Unlock()
		return b, true, nil
	}
	gen := o.gen
	o.cacheMu.Unlock()

	vals, err := o.Values(a)
	if err != nil {
		return Bounds{}, false, err
	}
	b, ok := bounds(vals)
	if !ok || !o.allFrozen() {
		return b, ok, nil
	}
	o.cacheMu.Lock()
	if o.gen == gen {
		if o.valBounds == nil {
			o.valBounds = make(map[bpm.Axis]Bounds)
		}
		o.valBounds[a] = b
	}
	o.cacheMu.Unlock()
	return b, true, nil
}

func (o *Orbit) allFrozen() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, r := range o.readings {
		if _, ok := r.(*bpm.Frozen); !ok {
			return false
		}
	}
	return true
}

func bounds(vals []float64) (Bounds, bool) {
	b := Bounds{Min: math.Inf(1), Max: math.Inf(-1)}
	ok := false
	for _, v := range vals {
		if math.IsNaN(v) {
			continue
		}
		b.Min = math.Min(b.Min, v)
		b.Max = math.Max(b.Max, v)
		ok = true
	}
	if !ok {
		return Bounds{}, false
	}
	return b, true
}

// sectorOf returns GROUP from PREFIX:GROUP:UNIT, or the whole name.
func sectorOf(name string) string {
	parts := strings.SplitN(name, ":", 3)
	if len(parts) < 2 {
		return name
	}
	return parts[1]
}

// SectorBoundaries returns one boundary per change of sector along the
// orbit. The first sector starts at its first reading; later ones start
// midway between the neighbouring readings.
func (o *Orbit) SectorBoundaries() []SectorBoundary {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []SectorBoundary
	current := ""
	for i, r := range o.readings {
		sector := sectorOf(r.Name())
		if i > 0 && sector == current {
			continue
		}
		current = sector
		z := r.Z()
		if i > 0 {
			z = (z + o.readings[i-1].Z()) / 2
		}
		out = append(out, SectorBoundary{Z: z, Sector: sector})
	}
	return out
}

// Devices implements connect.Target.
func (o *Orbit) Devices() []string { return o.Names() }

// Drop implements connect.Target.
func (o *Orbit) Drop(names []string) { o.Remove(names) }
