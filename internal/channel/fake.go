package channel

import (
	"context"
	"sync"
	"time"
)

// Never can be passed to Fake.ConnectAfter for a channel that never connects.
const Never = -1

// Fake is an in-memory Transport. Channels connect after a scripted number
// of State polls, values are set directly, and Put is recorded.
type Fake struct {
	mu       sync.Mutex
	channels map[string]*FakeChannel
	after    map[string]int
	samples  map[string]Sample
}

// NewFake returns an empty Fake transport. Unscripted channels connect on
// the first poll after Connect.
func NewFake() *Fake {
	return &Fake{
		channels: make(map[string]*FakeChannel),
		after:    make(map[string]int),
		samples:  make(map[string]Sample),
	}
}

// ConnectAfter sets how many State polls a channel reports Unconnected after
// Connect. Pass Never for an unreachable channel.
func (f *Fake) ConnectAfter(address string, polls int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.after[address] = polls
	if ch, ok := f.channels[address]; ok {
		ch.mu.Lock()
		ch.connectAfter = polls
		ch.mu.Unlock()
	}
}

// Set delivers a sample to the channel at address.
func (f *Fake) Set(address string, s Sample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}
	f.samples[address] = s
	if ch, ok := f.channels[address]; ok {
		ch.mu.Lock()
		ch.sample = s
		ch.mu.Unlock()
	}
}

// SetValue delivers a value with no alarm.
func (f *Fake) SetValue(address string, v float64) {
	f.Set(address, Sample{Value: v})
}

// Open returns the channel for address, creating it on first use.
func (f *Fake) Open(address string) Channel {
	return f.channel(address)
}

// Lookup returns the fake channel at address, or nil if it was never opened.
func (f *Fake) Lookup(address string) *FakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channels[address]
}

func (f *Fake) channel(address string) *FakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.channels[address]; ok {
		return ch
	}
	ch := &FakeChannel{address: address, sample: Undefined()}
	if n, ok := f.after[address]; ok {
		ch.connectAfter = n
	}
	if s, ok := f.samples[address]; ok {
		ch.sample = s
	}
	f.channels[address] = ch
	return ch
}

// FakeChannel is the Channel handed out by Fake.
type FakeChannel struct {
	mu           sync.Mutex
	address      string
	requested    bool
	connected    bool
	connectAfter int
	polls        int
	mask         EventMask
	sample       Sample
	puts         []float64
}

func (c *FakeChannel) Address() string { return c.address }

func (c *FakeChannel) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requested = true
	c.polls = 0
	return nil
}

func (c *FakeChannel) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requested = false
	c.connected = false
	c.mask = 0
	return nil
}

func (c *FakeChannel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return Connected
	}
	if !c.requested || c.connectAfter == Never {
		return Unconnected
	}
	if c.polls >= c.connectAfter {
		c.connected = true
		return Connected
	}
	c.polls++
	return Unconnected
}

func (c *FakeChannel) Monitor(mask EventMask) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return ErrNotConnected
	}
	c.mask = mask
	return nil
}

// Monitored returns the active monitor mask.
func (c *FakeChannel) Monitored() EventMask {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mask
}

func (c *FakeChannel) Get() Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sample
}

func (c *FakeChannel) Put(ctx context.Context, value float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return ErrNotConnected
	}
	c.puts = append(c.puts, value)
	c.sample = Sample{Value: value, Timestamp: time.Now()}
	return nil
}

// Puts returns every value written with Put, oldest first.
func (c *FakeChannel) Puts() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]float64, len(c.puts))
	copy(out, c.puts)
	return out
}
