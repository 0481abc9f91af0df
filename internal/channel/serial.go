package channel

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/steering/internal/serialmux"
)

// SerialTransport talks to a channel gateway over a serialmux link.
//
// Outbound lines:
//
//	CONNECT <address>
//	DISCONNECT <address>
//	MONITOR <address> <mask>
//	PUT <address> <value>
//
// Inbound lines:
//
//	CONN <address>
//	DISC <address>
//	VAL <address> <value> <status> <severity> <unix-nanos>
//
// Unknown lines are ignored.
type SerialTransport struct {
	mux   serialmux.Mux
	subID string
	lines chan string

	mu       sync.Mutex
	channels map[string]*serialChannel
}

// NewSerialTransport subscribes to mux. Run must be started for state and
// value updates to be applied.
func NewSerialTransport(mux serialmux.Mux) *SerialTransport {
	id, lines := mux.Subscribe()
	return &SerialTransport{
		mux:      mux,
		subID:    id,
		lines:    lines,
		channels: make(map[string]*serialChannel),
	}
}

func (t *SerialTransport) Open(address string) Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch, ok := t.channels[address]; ok {
		return ch
	}
	ch := &serialChannel{t: t, address: address, sample: Undefined()}
	t.channels[address] = ch
	return ch
}

// Run applies gateway lines until ctx is done or the subscription closes.
func (t *SerialTransport) Run(ctx context.Context) error {
	defer t.mux.Unsubscribe(t.subID)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-t.lines:
			if !ok {
				return nil
			}
			if err := t.apply(line); err != nil {
				diagf("gateway: %v", err)
			}
		}
	}
}

func (t *SerialTransport) apply(line string) error {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return nil
	}
	t.mu.Lock()
	ch, ok := t.channels[fields[1]]
	t.mu.Unlock()
	if !ok {
		return nil
	}
	switch fields[0] {
	case "CONN":
		ch.setState(Connected)
	case "DISC":
		ch.setState(Unconnected)
	case "VAL":
		s, err := parseSample(fields[2:])
		if err != nil {
			return fmt.Errorf("%s: %w", fields[1], err)
		}
		ch.setSample(s)
	}
	return nil
}

func parseSample(f []string) (Sample, error) {
	if len(f) != 4 {
		return Sample{}, fmt.Errorf("malformed value line: want 4 fields, got %d", len(f))
	}
	v, err := strconv.ParseFloat(f[0], 64)
	if err != nil {
		return Sample{}, fmt.Errorf("value: %w", err)
	}
	status, err := strconv.ParseInt(f[1], 10, 16)
	if err != nil {
		return Sample{}, fmt.Errorf("status: %w", err)
	}
	sev, err := strconv.ParseInt(f[2], 10, 16)
	if err != nil {
		return Sample{}, fmt.Errorf("severity: %w", err)
	}
	ns, err := strconv.ParseInt(f[3], 10, 64)
	if err != nil {
		return Sample{}, fmt.Errorf("timestamp: %w", err)
	}
	return Sample{Value: v, Status: Status(status), Severity: Severity(sev), Timestamp: time.Unix(0, ns)}, nil
}

type serialChannel struct {
	t       *SerialTransport
	address string

	mu     sync.Mutex
	state  State
	sample Sample
}

func (c *serialChannel) Address() string { return c.address }

func (c *serialChannel) Connect() error {
	return c.t.mux.SendCommand("CONNECT " + c.address)
}

func (c *serialChannel) Disconnect() error {
	c.setState(Unconnected)
	return c.t.mux.SendCommand("DISCONNECT " + c.address)
}

func (c *serialChannel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *serialChannel) Monitor(mask EventMask) error {
	if c.State() != Connected {
		return ErrNotConnected
	}
	return c.t.mux.SendCommand(fmt.Sprintf("MONITOR %s %d", c.address, mask))
}

func (c *serialChannel) Get() Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sample
}

func (c *serialChannel) Put(ctx context.Context, value float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.State() != Connected {
		return ErrNotConnected
	}
	return c.t.mux.SendCommand("PUT " + c.address + " " + strconv.FormatFloat(value, 'g', -1, 64))
}

func (c *serialChannel) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func (c *serialChannel) setSample(s Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sample = s
}
