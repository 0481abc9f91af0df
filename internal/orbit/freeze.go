package orbit

import (
	"context"

	"github.com/banshee-data/steering/internal/bpm"
	"github.com/banshee-data/steering/internal/edef"
)

// FreezeOptions controls Freeze.
type FreezeOptions struct {
	// Name of the frozen orbit. Empty keeps the source name.
	Name string
	// UseBuffer takes value and RMS from the EDEF history buffers.
	UseBuffer bool
	Buffer    edef.Buffer
	// Acquirer, when set, takes a single-shot acquisition before the
	// readings are frozen.
	Acquirer edef.Acquirer
	// Concurrency bounds parallel buffer reads. Zero is unbounded.
	Concurrency int
}

// Freeze returns a new orbit of Frozen readings in the same order. With
// UseBuffer, live readings whose buffers cannot be read fall back to their
// instantaneous values and report BufferFallback.
func (o *Orbit) Freeze(ctx context.Context, opts FreezeOptions) (*Orbit, error) {
	readings := o.Readings()
	name := opts.Name
	if name == "" {
		name = o.Name
	}

	if opts.Acquirer != nil {
		if err := opts.Acquirer.Acquire(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			diagf("%s: single-shot acquisition failed: %v", o.Name, err)
		}
	}

	var pairs map[string]edef.Pair
	if opts.UseBuffer && opts.Buffer != nil {
		var bases []string
		for _, r := range readings {
			if l, ok := r.(*bpm.Live); ok {
				for _, a := range bpm.Axes {
					bases = append(bases, l.HistoryBase(a))
				}
			}
		}
		var err error
		pairs, err = edef.BatchRead(ctx, opts.Buffer, bases, opts.Concurrency)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			diagf("%s: batch buffer read failed, reading per device: %v", o.Name, err)
			pairs = nil
		}
	}

	frozen := make([]bpm.Reading, len(readings))
	fallbacks := 0
	for i, r := range readings {
		l, live := r.(*bpm.Live)
		var f *bpm.Frozen
		switch {
		case !opts.UseBuffer || !live:
			f = r.Freeze()
		case pairs != nil:
			f = l.FreezeFromPairs(pairs)
		default:
			f = l.FreezeFrom(ctx, opts.Buffer)
		}
		if f.BufferFallback() {
			fallbacks++
		}
		frozen[i] = f
	}
	if fallbacks > 0 {
		opsf("%s: %d of %d readings frozen from instantaneous values, buffer unavailable", o.Name, fallbacks, len(readings))
	}
	return New(name, frozen...)
}

// DiffReport lists the readings of a difference orbit that had no partner.
type DiffReport struct {
	Unmatched  []string
	Mismatched []string
}

// Difference returns an orbit of o minus ref, paired by name in o's order.
// Readings missing from ref or at a different position are skipped and
// reported.
func (o *Orbit) Difference(ref *Orbit) (*Orbit, DiffReport, error) {
	return o.diff(ref, bpm.NewDiff)
}

// Ratio is Difference with TMIT divided rather than subtracted.
func (o *Orbit) Ratio(ref *Orbit) (*Orbit, DiffReport, error) {
	return o.diff(ref, bpm.NewRatio)
}

func (o *Orbit) diff(ref *Orbit, combine func(a, b bpm.Reading) (*bpm.Diff, error)) (*Orbit, DiffReport, error) {
	var report DiffReport
	var out []bpm.Reading
	for _, a := range o.Readings() {
		b, err := ref.ByName(a.Name())
		if err != nil {
			report.Unmatched = append(report.Unmatched, a.Name())
			continue
		}
		d, err := combine(a, b)
		if err != nil {
			report.Mismatched = append(report.Mismatched, a.Name())
			continue
		}
		out = append(out, d)
	}
	if n := len(report.Unmatched) + len(report.Mismatched); n > 0 {
		diagf("%s - %s: skipped %d readings without a matching reference", o.Name, ref.Name, n)
	}
	d, err := New(o.Name+" - "+ref.Name, out...)
	return d, report, err
}
