// Package connect runs the progressive connect protocol shared by BPM
// orbits and magnet lists: resolve beamline positions, connect value
// channels, then subscribe monitors.
//
// Each connect phase issues all requests, then polls channel state up to a
// retry budget. Devices still unconnected when the budget runs out are
// dropped from the collection and reported through a single
// DevicesDropped event for that phase. Dropping every device is fatal.
package connect

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/banshee-data/steering/internal/channel"
	"github.com/banshee-data/steering/internal/timeutil"
)

var tracer = otel.Tracer("github.com/banshee-data/steering/internal/connect")

// ErrAllDevicesDropped is returned when no device survives a phase.
var ErrAllDevicesDropped = errors.New("all devices dropped")

// State is a step of the protocol.
type State int

const (
	Idle State = iota
	ResolvingPositions
	ConnectingValues
	Monitoring
	Ready
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case ResolvingPositions:
		return "resolving_positions"
	case ConnectingValues:
		return "connecting_values"
	case Monitoring:
		return "monitoring"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Budget bounds a polling loop.
type Budget struct {
	MaxRetries int
	Interval   time.Duration
}

// Default budgets: positions poll 50 times at 200ms, values 3 times at 1s.
var (
	DefaultPositionBudget = Budget{MaxRetries: 50, Interval: 200 * time.Millisecond}
	DefaultValueBudget    = Budget{MaxRetries: 3, Interval: time.Second}
)

// Target is the collection being connected.
type Target interface {
	// Devices lists the current device names in order.
	Devices() []string
	// Drop removes devices from the collection.
	Drop(names []string)
}

// PositionPhase resolves beamline positions. Resolve is tried first; if it
// is nil or fails, position channels are connected and read instead.
type PositionPhase struct {
	Resolve func(ctx context.Context, names []string) ([]float64, error)
	// Channels returns the position channel of a device.
	Channels func(name string) []channel.Channel
	// Apply records a resolved position.
	Apply  func(name string, z float64)
	Budget Budget
	// After runs once positions are known, e.g. to sort by position.
	After func()
}

// ValuePhase connects the value channels of each device.
type ValuePhase struct {
	Channels func(name string) []channel.Channel
	Budget   Budget
}

// Plan describes one connect call.
type Plan struct {
	Name      string
	Target    Target
	Positions *PositionPhase
	Values    ValuePhase
	// Mask is the monitor subscription. Zero skips the monitor phase.
	Mask channel.EventMask
}

// EventKind distinguishes progress events.
type EventKind int

const (
	StateChanged EventKind = iota
	Progress
	DevicesDropped
)

// Event reports protocol progress.
type Event struct {
	Collection string
	Kind       EventKind
	State      State
	// Step and Total count channel operations across the whole call.
	Step    int
	Total   int
	Dropped []string
	Err     error
}

// Runner executes plans.
type Runner struct {
	Clock timeutil.Clock
	// OnEvent receives every event synchronously. It may be nil.
	OnEvent func(Event)
}

// NewRunner returns a Runner on the wall clock.
func NewRunner(onEvent func(Event)) *Runner {
	return &Runner{Clock: timeutil.RealClock{}, OnEvent: onEvent}
}

type run struct {
	r     *Runner
	plan  Plan
	state State
	step  int
	total int
}

func (x *run) emit(e Event) {
	e.Collection = x.plan.Name
	e.State = x.state
	e.Step = x.step
	e.Total = x.total
	if x.r.OnEvent != nil {
		x.r.OnEvent(e)
	}
}

func (x *run) enter(s State) {
	x.state = s
	x.emit(Event{Kind: StateChanged})
}

func (x *run) fail(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		x.state = Cancelled
	} else {
		x.state = Failed
	}
	x.emit(Event{Kind: StateChanged, Err: err})
	return err
}

// Total is the number of channel operations a plan needs for n devices
// with k value channels each.
func Total(n, k int, positions, monitor bool) int {
	per := k
	if positions {
		per++
	}
	if monitor {
		per += k
	}
	return n * per
}

// Run executes plan. The returned state is Ready on success. Dropped
// devices are reported through events and do not cause an error unless
// none remain.
func (r *Runner) Run(ctx context.Context, plan Plan) (State, error) {
	ctx, span := tracer.Start(ctx, "connect.Run", trace.WithAttributes(
		attribute.String("collection", plan.Name),
		attribute.Int("devices", len(plan.Target.Devices())),
	))
	defer span.End()

	state, err := r.execute(ctx, plan)
	span.SetAttributes(
		attribute.String("state", state.String()),
		attribute.Int("connected", len(plan.Target.Devices())),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "connect failed")
	}
	return state, err
}

func (r *Runner) execute(ctx context.Context, plan Plan) (State, error) {
	if r.Clock == nil {
		r.Clock = timeutil.RealClock{}
	}
	x := &run{r: r, plan: plan, state: Idle}
	names := plan.Target.Devices()
	if len(names) == 0 {
		return x.state, x.fail(fmt.Errorf("%s: %w", plan.Name, ErrAllDevicesDropped))
	}
	k := 0
	if plan.Values.Channels != nil {
		k = len(plan.Values.Channels(names[0]))
	}
	x.total = Total(len(names), k, plan.Positions != nil, plan.Mask != 0)

	if plan.Positions != nil {
		x.enter(ResolvingPositions)
		if err := x.resolvePositions(ctx); err != nil {
			return x.state, x.fail(err)
		}
	}

	x.enter(ConnectingValues)
	if err := x.connectValues(ctx); err != nil {
		return x.state, x.fail(err)
	}

	if plan.Mask != 0 {
		x.enter(Monitoring)
		if err := x.monitor(ctx); err != nil {
			return x.state, x.fail(err)
		}
	}

	x.enter(Ready)
	opsf("%s: connected %d devices", plan.Name, len(plan.Target.Devices()))
	return x.state, nil
}

func (x *run) resolvePositions(ctx context.Context) error {
	p := x.plan.Positions
	names := x.plan.Target.Devices()
	if p.Resolve != nil {
		zs, err := p.Resolve(ctx, names)
		if err == nil && len(zs) == len(names) {
			for i, name := range names {
				p.Apply(name, zs[i])
			}
			x.step += len(names)
			x.emit(Event{Kind: Progress})
			if p.After != nil {
				p.After()
			}
			return nil
		}
		if err == nil {
			err = fmt.Errorf("model returned %d positions for %d devices", len(zs), len(names))
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		diagf("%s: model positions unavailable, reading position channels: %v", x.plan.Name, err)
	}
	if p.Channels == nil {
		return fmt.Errorf("%s: no way to resolve positions", x.plan.Name)
	}

	connected, err := x.connectAll(ctx, names, p.Channels, p.Budget)
	if err != nil {
		return err
	}
	for _, name := range connected {
		chs := p.Channels(name)
		if len(chs) > 0 {
			p.Apply(name, chs[0].Get().Value)
		}
	}
	if p.After != nil {
		p.After()
	}
	return nil
}

func (x *run) connectValues(ctx context.Context) error {
	if x.plan.Values.Channels == nil {
		return nil
	}
	_, err := x.connectAll(ctx, x.plan.Target.Devices(), x.plan.Values.Channels, x.plan.Values.Budget)
	return err
}

// connectAll issues connects for every device, polls until all are
// connected or the budget runs out, and drops the stragglers.
func (x *run) connectAll(ctx context.Context, names []string, channels func(string) []channel.Channel, b Budget) ([]string, error) {
	for _, name := range names {
		for _, ch := range channels(name) {
			if err := ch.Connect(); err != nil {
				diagf("%s: connect %s: %v", x.plan.Name, ch.Address(), err)
			}
		}
	}

	pending := make(map[string]bool, len(names))
	for _, name := range names {
		pending[name] = true
	}
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, name := range names {
			if !pending[name] || !allConnected(channels(name)) {
				continue
			}
			delete(pending, name)
			x.step += len(channels(name))
		}
		x.emit(Event{Kind: Progress})
		if len(pending) == 0 || attempt >= b.MaxRetries {
			break
		}
		if err := timeutil.Wait(ctx, x.r.Clock, b.Interval); err != nil {
			return nil, err
		}
	}

	var connected, dropped []string
	for _, name := range names {
		if pending[name] {
			dropped = append(dropped, name)
			for _, ch := range channels(name) {
				ch.Disconnect()
			}
		} else {
			connected = append(connected, name)
		}
	}
	if len(dropped) > 0 {
		x.plan.Target.Drop(dropped)
		opsf("%s: dropped %d unreachable devices: %v", x.plan.Name, len(dropped), dropped)
		x.emit(Event{Kind: DevicesDropped, Dropped: dropped})
	}
	if len(connected) == 0 {
		return nil, fmt.Errorf("%s: %w", x.plan.Name, ErrAllDevicesDropped)
	}
	return connected, nil
}

func allConnected(chs []channel.Channel) bool {
	for _, ch := range chs {
		if ch.State() != channel.Connected {
			return false
		}
	}
	return true
}

func (x *run) monitor(ctx context.Context) error {
	for _, name := range x.plan.Target.Devices() {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, ch := range x.plan.Values.Channels(name) {
			if err := ch.Monitor(x.plan.Mask); err != nil {
				diagf("%s: monitor %s: %v", x.plan.Name, ch.Address(), err)
				continue
			}
			x.step++
		}
	}
	x.emit(Event{Kind: Progress})
	return nil
}
