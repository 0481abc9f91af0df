// Package channel defines the live-channel contract used by beam position
// monitors and steering magnets: scalar values delivered with a timestamp,
// alarm status and alarm severity, plus connect/monitor/put operations.
//
// The control-system client itself lives outside this repository. Fake is
// an in-memory implementation for tests and dev mode; SerialTransport speaks
// a line protocol to a channel gateway over a serial link.
package channel

import (
	"context"
	"errors"
	"math"
	"time"
)

// ErrNotConnected is returned by operations that need a connected channel.
var ErrNotConnected = errors.New("channel not connected")

// State is the connection state of a channel.
type State int

const (
	Unconnected State = iota
	Connected
)

func (s State) String() string {
	if s == Connected {
		return "connected"
	}
	return "unconnected"
}

// Severity is an alarm severity. Higher is worse.
type Severity int16

const (
	NoAlarm Severity = iota
	MinorAlarm
	MajorAlarm
	InvalidAlarm
)

// Status is an alarm status code. Zero means no alarm condition.
type Status int16

const (
	NoStatus Status = 0
	// UDFStatus marks a value that has never been delivered.
	UDFStatus Status = 17
)

// EventMask selects which changes a monitor delivers.
type EventMask uint8

const (
	EventValue EventMask = 1 << iota
	EventAlarm
)

// Sample is one delivered value.
type Sample struct {
	Value     float64
	Status    Status
	Severity  Severity
	Timestamp time.Time
}

// Undefined is the sample reported before any value has arrived.
func Undefined() Sample {
	return Sample{Value: math.NaN(), Status: UDFStatus, Severity: InvalidAlarm}
}

// Channel is a single live scalar.
type Channel interface {
	// Address is the channel name, e.g. "BPMS:LI21:201:X".
	Address() string
	// Connect issues a connection request. It does not wait for completion;
	// callers poll State.
	Connect() error
	Disconnect() error
	State() State
	// Monitor subscribes to value and/or alarm updates.
	Monitor(mask EventMask) error
	// Get returns the most recently delivered sample.
	Get() Sample
	Put(ctx context.Context, value float64) error
}

// Transport hands out channels by address.
type Transport interface {
	Open(address string) Channel
}
