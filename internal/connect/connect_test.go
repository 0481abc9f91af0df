package connect

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/banshee-data/steering/internal/channel"
	"github.com/banshee-data/steering/internal/timeutil"
)

type fakeTarget struct {
	names []string
	z     map[string]float64
	drops int
}

func newFakeTarget(n int) *fakeTarget {
	t := &fakeTarget{z: make(map[string]float64)}
	for i := 0; i < n; i++ {
		t.names = append(t.names, fmt.Sprintf("BPMS:LI21:%d01", i+1))
	}
	return t
}

func (t *fakeTarget) Devices() []string { return append([]string(nil), t.names...) }

func (t *fakeTarget) Drop(names []string) {
	t.drops++
	gone := make(map[string]bool)
	for _, n := range names {
		gone[n] = true
	}
	kept := t.names[:0]
	for _, n := range t.names {
		if !gone[n] {
			kept = append(kept, n)
		}
	}
	t.names = kept
}

func valueChannels(tr channel.Transport) func(string) []channel.Channel {
	return func(name string) []channel.Channel {
		return []channel.Channel{tr.Open(name + ":X"), tr.Open(name + ":Y"), tr.Open(name + ":TMIT")}
	}
}

func newRunner(events *[]Event) (*Runner, *timeutil.MockClock) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	return &Runner{Clock: clock, OnEvent: func(e Event) { *events = append(*events, e) }}, clock
}

func TestRunDropsUnreachableDevices(t *testing.T) {
	fake := channel.NewFake()
	target := newFakeTarget(5)
	unreachable := []string{target.names[1], target.names[3]}
	for _, name := range unreachable {
		fake.ConnectAfter(name+":TMIT", channel.Never)
	}
	fake.ConnectAfter(target.names[4]+":X", 2)

	var events []Event
	r, clock := newRunner(&events)
	state, err := r.Run(context.Background(), Plan{
		Name:   "orbit",
		Target: target,
		Positions: &PositionPhase{
			Resolve: func(_ context.Context, names []string) ([]float64, error) {
				out := make([]float64, len(names))
				for i := range names {
					out[i] = float64(i)
				}
				return out, nil
			},
			Apply: func(name string, z float64) { target.z[name] = z },
		},
		Values: ValuePhase{Channels: valueChannels(fake), Budget: DefaultValueBudget},
		Mask:   channel.EventValue | channel.EventAlarm,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if state != Ready {
		t.Errorf("state = %v, want Ready", state)
	}
	if len(target.names) != 3 {
		t.Errorf("remaining = %v, want 3 devices", target.names)
	}
	for _, name := range target.names {
		for _, u := range unreachable {
			if name == u {
				t.Errorf("%s should have been dropped", name)
			}
		}
	}

	var dropEvents []Event
	var states []State
	for _, e := range events {
		switch e.Kind {
		case DevicesDropped:
			dropEvents = append(dropEvents, e)
		case StateChanged:
			states = append(states, e.State)
		}
	}
	if len(dropEvents) != 1 {
		t.Fatalf("got %d drop events, want 1", len(dropEvents))
	}
	got := append([]string(nil), dropEvents[0].Dropped...)
	sort.Strings(got)
	if fmt.Sprint(got) != fmt.Sprint(unreachable) {
		t.Errorf("dropped = %v, want %v", got, unreachable)
	}
	wantStates := []State{ResolvingPositions, ConnectingValues, Monitoring, Ready}
	if fmt.Sprint(states) != fmt.Sprint(wantStates) {
		t.Errorf("states = %v, want %v", states, wantStates)
	}

	sleeps := clock.Sleeps()
	if len(sleeps) != DefaultValueBudget.MaxRetries {
		t.Errorf("slept %d times, want %d", len(sleeps), DefaultValueBudget.MaxRetries)
	}
	for _, name := range target.names {
		if m := fake.Lookup(name + ":X").Monitored(); m != channel.EventValue|channel.EventAlarm {
			t.Errorf("%s monitor mask = %v", name, m)
		}
	}
	last := events[len(events)-1]
	if last.Step > last.Total {
		t.Errorf("step %d exceeds total %d", last.Step, last.Total)
	}
}

func TestRunFallsBackToPositionChannels(t *testing.T) {
	fake := channel.NewFake()
	target := newFakeTarget(3)
	for i, name := range target.names {
		fake.SetValue(name+":Z", float64(30-i*10))
	}
	fake.ConnectAfter(target.names[2]+":Z", channel.Never)

	sorted := false
	var events []Event
	r, _ := newRunner(&events)
	_, err := r.Run(context.Background(), Plan{
		Name:   "orbit",
		Target: target,
		Positions: &PositionPhase{
			Resolve: func(context.Context, []string) ([]float64, error) {
				return nil, errors.New("model down")
			},
			Channels: func(name string) []channel.Channel { return []channel.Channel{fake.Open(name + ":Z")} },
			Apply:    func(name string, z float64) { target.z[name] = z },
			Budget:   Budget{MaxRetries: 5, Interval: 200 * time.Millisecond},
			After:    func() { sorted = true },
		},
		Values: ValuePhase{Channels: valueChannels(fake), Budget: DefaultValueBudget},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !sorted {
		t.Error("After hook not called")
	}
	if len(target.names) != 2 {
		t.Fatalf("remaining = %v", target.names)
	}
	if target.z[target.names[0]] != 30 || target.z[target.names[1]] != 20 {
		t.Errorf("z = %v", target.z)
	}
	for _, e := range events {
		if e.State == Monitoring {
			t.Error("monitor phase ran with zero mask")
		}
	}
}

func TestRunAllDropped(t *testing.T) {
	fake := channel.NewFake()
	target := newFakeTarget(2)
	for _, name := range target.names {
		fake.ConnectAfter(name+":X", channel.Never)
	}
	var events []Event
	r, _ := newRunner(&events)
	state, err := r.Run(context.Background(), Plan{
		Name:   "magnets",
		Target: target,
		Values: ValuePhase{Channels: valueChannels(fake), Budget: Budget{MaxRetries: 2}},
	})
	if !errors.Is(err, ErrAllDevicesDropped) {
		t.Fatalf("err = %v, want ErrAllDevicesDropped", err)
	}
	if state != Failed {
		t.Errorf("state = %v, want Failed", state)
	}
	if events[len(events)-1].Err == nil {
		t.Error("final event carries no error")
	}
}

func TestRunEmptyTarget(t *testing.T) {
	var events []Event
	r, _ := newRunner(&events)
	_, err := r.Run(context.Background(), Plan{Name: "empty", Target: &fakeTarget{}})
	if !errors.Is(err, ErrAllDevicesDropped) {
		t.Errorf("err = %v", err)
	}
}

func TestRunCancelled(t *testing.T) {
	fake := channel.NewFake()
	target := newFakeTarget(2)
	fake.ConnectAfter(target.names[0]+":X", channel.Never)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	r := &Runner{
		Clock: timeutil.NewMockClock(time.Unix(0, 0)),
		OnEvent: func(e Event) {
			if e.Kind == Progress {
				calls++
				if calls == 2 {
					cancel()
				}
			}
		},
	}
	state, err := r.Run(ctx, Plan{
		Name:   "orbit",
		Target: target,
		Values: ValuePhase{Channels: valueChannels(fake), Budget: DefaultPositionBudget},
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if state != Cancelled {
		t.Errorf("state = %v, want Cancelled", state)
	}
	if len(target.names) != 2 {
		t.Error("cancelled run should not drop devices")
	}
}

func TestTotal(t *testing.T) {
	if got := Total(10, 3, true, true); got != 70 {
		t.Errorf("Total = %d, want 70", got)
	}
	if got := Total(4, 2, false, false); got != 8 {
		t.Errorf("Total = %d, want 8", got)
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{Idle: "idle", Ready: "ready", Cancelled: "cancelled", State(42): "State(42)"} {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(s), got, want)
		}
	}
}
