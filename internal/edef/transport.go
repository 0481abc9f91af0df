package edef

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/steering/internal/channel"
	"github.com/banshee-data/steering/internal/timeutil"
)

// TransportBuffer reads history channels through a channel transport.
// Each history channel is connected on first use and kept open.
type TransportBuffer struct {
	Transport channel.Transport
	Number    int
	Clock     timeutil.Clock
	// Retries and Interval bound the wait for a history channel to
	// connect.
	Retries  int
	Interval time.Duration
}

func (b *TransportBuffer) EDEF() int { return b.Number }

func (b *TransportBuffer) Last(ctx context.Context, address string) (float64, error) {
	if b.Number <= 0 {
		return 0, ErrNoEDEF
	}
	clock := b.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	ch := b.Transport.Open(address)
	if err := ch.Connect(); err != nil {
		return 0, fmt.Errorf("%s: %w", address, err)
	}
	for i := 0; ch.State() != channel.Connected; i++ {
		if i >= b.Retries {
			return 0, fmt.Errorf("%s: %w: %w", address, ErrNoBuffer, channel.ErrNotConnected)
		}
		if err := timeutil.Wait(ctx, clock, b.Interval); err != nil {
			return 0, err
		}
	}
	s := ch.Get()
	if s.Severity == channel.InvalidAlarm || math.IsNaN(s.Value) {
		return 0, fmt.Errorf("%s: %w", address, ErrNoBuffer)
	}
	return s.Value, nil
}
