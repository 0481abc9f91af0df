// Package edef reads beam-synchronous buffered acquisitions. An event
// definition (EDEF) reserves a slot in the timing system; channels with the
// EDEF's suffix carry its averaged values, and the HST/RMSHST history
// channels carry the last acquisitions with their RMS.
package edef

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrNoBuffer is returned when a history buffer is empty or absent.
	ErrNoBuffer = errors.New("no buffered data")
	// ErrNoEDEF is returned for buffered reads without a reserved EDEF.
	ErrNoEDEF = errors.New("no event definition reserved")
)

// HistorySuffix and RMSHistorySuffix select the value and RMS histories.
const (
	HistorySuffix    = "HST"
	RMSHistorySuffix = "RMSHST"
)

// HistoryAddress returns the history channel for base, e.g.
// HistoryAddress("BPMS:LI21:201:X", "HST", 12) is "BPMS:LI21:201:XHST12".
func HistoryAddress(base, suffix string, edef int) string {
	return fmt.Sprintf("%s%s%d", base, suffix, edef)
}

// Buffer reads the most recent entry of a history channel.
type Buffer interface {
	// EDEF is the event definition number the buffer reads from.
	EDEF() int
	Last(ctx context.Context, address string) (float64, error)
}

// Acquirer triggers a single acquisition on a reserved EDEF and waits for
// it to complete.
type Acquirer interface {
	Acquire(ctx context.Context) error
}

// Pair is the last value and RMS for one channel base.
type Pair struct {
	Value float64
	RMS   float64
}

// BatchRead fetches value and RMS histories for every base concurrently.
// The first failure cancels the rest and is returned.
func BatchRead(ctx context.Context, buf Buffer, bases []string, limit int) (map[string]Pair, error) {
	if buf == nil {
		return nil, ErrNoEDEF
	}
	g, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	var mu sync.Mutex
	out := make(map[string]Pair, len(bases))
	for _, base := range bases {
		g.Go(func() error {
			v, err := buf.Last(ctx, HistoryAddress(base, HistorySuffix, buf.EDEF()))
			if err != nil {
				return fmt.Errorf("%s: %w", base, err)
			}
			rms, err := buf.Last(ctx, HistoryAddress(base, RMSHistorySuffix, buf.EDEF()))
			if err != nil {
				return fmt.Errorf("%s rms: %w", base, err)
			}
			mu.Lock()
			out[base] = Pair{Value: v, RMS: rms}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// MapBuffer is a Buffer backed by a map of address to history, for tests
// and offline replay.
type MapBuffer struct {
	Number int

	mu      sync.Mutex
	history map[string][]float64
	acquire int
}

func NewMapBuffer(edef int) *MapBuffer {
	return &MapBuffer{Number: edef, history: make(map[string][]float64)}
}

func (b *MapBuffer) EDEF() int { return b.Number }

// Append adds a value to the history at address.
func (b *MapBuffer) Append(address string, v float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history[address] = append(b.history[address], v)
}

func (b *MapBuffer) Last(ctx context.Context, address string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	h := b.history[address]
	if len(h) == 0 {
		return 0, fmt.Errorf("%s: %w", address, ErrNoBuffer)
	}
	return h[len(h)-1], nil
}

// Acquire counts acquisitions; MapBuffer data is never refreshed by it.
func (b *MapBuffer) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	b.acquire++
	b.mu.Unlock()
	return nil
}

// Acquisitions returns how many times Acquire was called.
func (b *MapBuffer) Acquisitions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acquire
}
