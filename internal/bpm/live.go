package bpm

import (
	"context"
	"math"
	"strconv"
	"sync"

	"github.com/banshee-data/steering/internal/channel"
	"github.com/banshee-data/steering/internal/edef"
)

// ChannelsPerLive is the number of channels a Live reading uses: Z plus
// one value channel per axis.
const ChannelsPerLive = 4

// Live is a reading backed by control-system channels. Z is resolved once,
// at connect time; values are always the channel's latest sample.
type Live struct {
	name   string
	energy bool

	mu       sync.RWMutex
	z        float64
	edef     int
	zChan    channel.Channel
	channels [len(Axes)]channel.Channel
}

// NewLive returns an unbound reading for the monitor name. EDEF 0 reads
// the unsuffixed channels.
func NewLive(name string, edefNum int, energy bool) *Live {
	return &Live{name: name, energy: energy, z: math.NaN(), edef: edefNum}
}

func (l *Live) Name() string      { return l.name }
func (l *Live) IsEnergyBPM() bool { return l.energy }

func (l *Live) Z() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.z
}

// SetZ records the resolved beamline position.
func (l *Live) SetZ(z float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.z = z
}

// EDEF returns the event definition the value channels are suffixed with.
func (l *Live) EDEF() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.edef
}

// SetEDEF changes the channel suffix. Bound value channels are dropped and
// must be reopened with Bind.
func (l *Live) SetEDEF(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.edef == n {
		return
	}
	l.edef = n
	l.channels = [len(Axes)]channel.Channel{}
}

// ZAddress is the position channel, e.g. "BPMS:LI21:201:Z".
func (l *Live) ZAddress() string { return l.name + ":Z" }

// Address is the value channel for axis a, e.g. "BPMS:LI21:201:X12".
func (l *Live) Address(a Axis) string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.address(a)
}

func (l *Live) address(a Axis) string {
	addr := l.name + ":" + a.channelSuffix()
	if l.edef != 0 {
		addr += strconv.Itoa(l.edef)
	}
	return addr
}

// BindZ opens the position channel on t.
func (l *Live) BindZ(t channel.Transport) channel.Channel {
	ch := t.Open(l.ZAddress())
	l.mu.Lock()
	l.zChan = ch
	l.mu.Unlock()
	return ch
}

// ZChannel returns the bound position channel, or nil.
func (l *Live) ZChannel() channel.Channel {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.zChan
}

// Bind opens the value channels on t and returns them in axis order.
func (l *Live) Bind(t channel.Transport) []channel.Channel {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]channel.Channel, 0, len(Axes))
	for _, a := range Axes {
		l.channels[a] = t.Open(l.address(a))
		out = append(out, l.channels[a])
	}
	return out
}

// Channels returns the bound value channels in axis order, skipping any
// that are unbound.
func (l *Live) Channels() []channel.Channel {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []channel.Channel
	for _, ch := range l.channels {
		if ch != nil {
			out = append(out, ch)
		}
	}
	return out
}

func (l *Live) sample(a Axis) (channel.Sample, error) {
	if err := checkAxis(a); err != nil {
		return channel.Sample{}, err
	}
	l.mu.RLock()
	ch := l.channels[a]
	l.mu.RUnlock()
	if ch == nil {
		return channel.Undefined(), nil
	}
	return ch.Get(), nil
}

func (l *Live) Value(a Axis) (float64, error) {
	s, err := l.sample(a)
	return s.Value, err
}

func (l *Live) Status(a Axis) (channel.Status, error) {
	s, err := l.sample(a)
	return s.Status, err
}

func (l *Live) Severity(a Axis) (channel.Severity, error) {
	s, err := l.sample(a)
	return s.Severity, err
}

// RMS is always zero for an instantaneous channel value.
func (l *Live) RMS(a Axis) (float64, error) {
	return 0, checkAxis(a)
}

// Freeze snapshots the instantaneous values.
func (l *Live) Freeze() *Frozen {
	return freezeReading(l)
}

// HistoryBase is the base address of the buffered history for axis a.
func (l *Live) HistoryBase(a Axis) string {
	return l.name + ":" + a.channelSuffix()
}

// FreezeFrom snapshots the last buffered value and RMS of each axis. If
// buf is nil or any history read fails, the instantaneous values are used
// and the result reports BufferFallback.
func (l *Live) FreezeFrom(ctx context.Context, buf edef.Buffer) *Frozen {
	if buf == nil {
		return l.fallback()
	}
	pairs := make(map[string]edef.Pair, len(Axes))
	for _, a := range Axes {
		base := l.HistoryBase(a)
		v, err := buf.Last(ctx, edef.HistoryAddress(base, edef.HistorySuffix, buf.EDEF()))
		if err != nil {
			diagf("%s: buffered %v unavailable, using instantaneous value: %v", l.name, a, err)
			return l.fallback()
		}
		rms, err := buf.Last(ctx, edef.HistoryAddress(base, edef.RMSHistorySuffix, buf.EDEF()))
		if err != nil {
			diagf("%s: buffered %v rms unavailable, using instantaneous value: %v", l.name, a, err)
			return l.fallback()
		}
		pairs[base] = edef.Pair{Value: v, RMS: rms}
	}
	return l.FreezeFromPairs(pairs)
}

// FreezeFromPairs is FreezeFrom with histories already fetched, keyed by
// HistoryBase. Missing axes cause a fallback.
func (l *Live) FreezeFromPairs(pairs map[string]edef.Pair) *Frozen {
	var axes [len(Axes)]AxisData
	for _, a := range Axes {
		p, ok := pairs[l.HistoryBase(a)]
		if !ok {
			return l.fallback()
		}
		s, _ := l.sample(a)
		axes[a] = AxisData{Value: p.Value, RMS: p.RMS, Status: s.Status, Severity: s.Severity}
	}
	return NewFrozen(l.name, l.Z(), axes[X], axes[Y], axes[TMIT], AsEnergyBPM(l.energy))
}

func (l *Live) fallback() *Frozen {
	f := l.Freeze()
	f.fallback = true
	return f
}
