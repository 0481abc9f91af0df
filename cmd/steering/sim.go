package main

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/banshee-data/steering/internal/bpm"
	"github.com/banshee-data/steering/internal/channel"
	"github.com/banshee-data/steering/internal/edef"
	"github.com/banshee-data/steering/internal/lattice"
	"github.com/banshee-data/steering/internal/magnet"
	"github.com/banshee-data/steering/internal/orbit"
	"github.com/banshee-data/steering/internal/timeutil"
)

// kickPerKG converts a corrector setpoint to an angle in mrad.
const kickPerKG = 0.5

// beamSim drives a fake transport with a drifting beam in dev mode.
// Corrector setpoints written through the API deflect the simulated
// trajectory downstream of the corrector.
type beamSim struct {
	fake    *channel.Fake
	gw      lattice.Gateway
	live    *orbit.Live
	magnets []*magnet.List

	// Launch at the start of the beamline, in mm and mrad.
	X0, XP0, Y0, YP0 float64
	Delta            float64
	Noise            float64
	TMIT             float64

	rng *rand.Rand
}

func newBeamSim(fake *channel.Fake, gw lattice.Gateway, live *orbit.Live, magnets []*magnet.List) *beamSim {
	return &beamSim{
		fake:    fake,
		gw:      gw,
		live:    live,
		magnets: magnets,
		X0:      0.3,
		XP0:     0.004,
		Y0:      -0.2,
		YP0:     0.002,
		Delta:   0.001,
		Noise:   0.005,
		TMIT:    1.5e9,
		rng:     rand.New(rand.NewPCG(1, 2)),
	}
}

// seed publishes positions and zero setpoints so the first connect
// succeeds without the model.
func (s *beamSim) seed(ctx context.Context) {
	names := s.live.Names()
	if zs, err := s.gw.ZPositions(ctx, names); err == nil {
		for i, n := range names {
			s.fake.SetValue(n+":Z", zs[i])
		}
	}
	for _, l := range s.magnets {
		for _, m := range l.Magnets() {
			s.fake.SetValue(m.SetpointAddress(), 0)
			s.fake.SetValue(m.ReadbackAddress(), 0)
		}
	}
}

func (s *beamSim) setpoint(m *magnet.Magnet) float64 {
	if ch := s.fake.Lookup(m.SetpointAddress()); ch != nil {
		if v := ch.Get().Value; !math.IsNaN(v) {
			return v
		}
	}
	return 0
}

// kicks returns the corrector angles and positions of the lists on axis.
func (s *beamSim) kicks(axis magnet.Axis) (angles, zs []float64) {
	for _, l := range s.magnets {
		if l.Axis != axis {
			continue
		}
		for _, m := range l.Magnets() {
			sp := s.setpoint(m)
			s.fake.SetValue(m.ReadbackAddress(), sp)
			angles = append(angles, sp*kickPerKG)
			zs = append(zs, m.Z())
		}
	}
	return angles, zs
}

func downstream(z float64, angles, zs []float64) float64 {
	d := 0.0
	for i, zc := range zs {
		if z > zc {
			d += angles[i] * (z - zc)
		}
	}
	return d
}

// step publishes one pulse of BPM data, and the matching EDEF history
// when the orbit reads an EDEF.
func (s *beamSim) step(ctx context.Context) error {
	readings := s.live.Readings()
	names := make([]string, len(readings))
	for i, r := range readings {
		names[i] = r.Name()
	}
	if len(names) == 0 {
		return nil
	}
	rmats, err := s.gw.RMats(ctx, "", names)
	if err != nil {
		return err
	}
	xk, xz := s.kicks(magnet.X)
	yk, yz := s.kicks(magnet.Y)
	n := s.live.EDEF()

	for i, r := range readings {
		lr, ok := r.(*bpm.Live)
		if !ok {
			continue
		}
		R := rmats[i]
		z := r.Z()
		values := map[bpm.Axis]float64{
			bpm.X:    R[0][0]*s.X0 + R[0][1]*s.XP0 + R[0][5]*s.Delta + downstream(z, xk, xz) + s.Noise*s.rng.NormFloat64(),
			bpm.Y:    R[2][2]*s.Y0 + R[2][3]*s.YP0 + downstream(z, yk, yz) + s.Noise*s.rng.NormFloat64(),
			bpm.TMIT: s.TMIT * (1 + 0.01*s.rng.NormFloat64()),
		}
		for _, a := range bpm.Axes {
			s.fake.SetValue(lr.Address(a), values[a])
			if n > 0 {
				s.fake.SetValue(edef.HistoryAddress(lr.HistoryBase(a), edef.HistorySuffix, n), values[a])
				s.fake.SetValue(edef.HistoryAddress(lr.HistoryBase(a), edef.RMSHistorySuffix, n), s.Noise)
			}
		}
	}
	return nil
}

// run steps the simulation every interval until ctx is done.
func (s *beamSim) run(ctx context.Context, clock timeutil.Clock, interval time.Duration) {
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if err := s.step(ctx); err != nil {
				diagf("simulation step: %v", err)
			}
		}
	}
}
