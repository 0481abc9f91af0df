package orbit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/steering/internal/bpm"
	"github.com/banshee-data/steering/internal/channel"
	"github.com/banshee-data/steering/internal/connect"
	"github.com/banshee-data/steering/internal/lattice"
	"github.com/banshee-data/steering/internal/timeutil"
)

var liveNames = []string{
	"BPMS:LI21:201",
	"BPMS:LI21:233",
	"BPMS:LI21:278",
	"BPMS:LI22:201",
	"BPMS:LI22:301",
}

func mockRunner(events *[]connect.Event) *connect.Runner {
	return &connect.Runner{
		Clock:   timeutil.NewMockClock(time.Unix(0, 0)),
		OnEvent: func(e connect.Event) { *events = append(*events, e) },
	}
}

// reversedLattice places the monitors in the opposite order to liveNames.
func reversedLattice() *lattice.Table {
	elements := make([]lattice.Element, len(liveNames))
	for i, n := range liveNames {
		z := float64(100 - 10*i)
		elements[i] = lattice.Element{Name: n, Z: z, RMat: lattice.Drift(z)}
	}
	return lattice.NewTable(elements)
}

func TestLiveConnectDropsUnreachable(t *testing.T) {
	fake := channel.NewFake()
	fake.ConnectAfter("BPMS:LI21:233:TMIT", channel.Never)
	fake.ConnectAfter("BPMS:LI22:201:Y", channel.Never)
	fake.ConnectAfter("BPMS:LI21:278:X", 2)

	l, err := NewLive("live", liveNames, fake, LiveOptions{})
	require.NoError(t, err)
	assert.Equal(t, 20, l.ChannelCount())

	var events []connect.Event
	state, err := l.Connect(context.Background(), mockRunner(&events), reversedLattice())
	require.NoError(t, err)
	assert.Equal(t, connect.Ready, state)
	assert.True(t, l.Connected())

	assert.Equal(t, []string{"BPMS:LI22:301", "BPMS:LI21:278", "BPMS:LI21:201"}, l.Names())
	assert.Equal(t, []float64{60, 80, 100}, l.Zs())

	var drops []connect.Event
	for _, e := range events {
		if e.Kind == connect.DevicesDropped {
			drops = append(drops, e)
		}
	}
	require.Len(t, drops, 1)
	assert.ElementsMatch(t, []string{"BPMS:LI21:233", "BPMS:LI22:201"}, drops[0].Dropped)

	for _, name := range l.Names() {
		for _, suffix := range []string{":X", ":Y", ":TMIT"} {
			ch := fake.Lookup(name + suffix)
			require.NotNil(t, ch, name+suffix)
			assert.Equal(t, channel.EventValue|channel.EventAlarm, ch.Monitored(), name+suffix)
		}
	}
}

func TestLiveConnectReadsPositionChannelsWithoutModel(t *testing.T) {
	fake := channel.NewFake()
	names := liveNames[:3]
	zs := []float64{30, 10, 20}
	for i, n := range names {
		fake.SetValue(n+":Z", zs[i])
	}
	fake.ConnectAfter("BPMS:LI21:233:Z", 3)

	l, err := NewLive("live", names, fake, LiveOptions{})
	require.NoError(t, err)

	var events []connect.Event
	_, err = l.Connect(context.Background(), mockRunner(&events), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"BPMS:LI21:233", "BPMS:LI21:278", "BPMS:LI21:201"}, l.Names())
	assert.Equal(t, []float64{10, 20, 30}, l.Zs())

	zch := fake.Lookup("BPMS:LI21:233:Z")
	require.NotNil(t, zch)
	assert.Equal(t, channel.Unconnected, zch.State())
}

func TestLiveConnectFallsBackWhenModelFails(t *testing.T) {
	fake := channel.NewFake()
	for i, n := range liveNames {
		fake.SetValue(n+":Z", float64(i))
	}
	l, err := NewLive("live", liveNames, fake, LiveOptions{})
	require.NoError(t, err)

	gw := &countingGateway{Gateway: lattice.NewTable(nil)}
	var events []connect.Event
	_, err = l.Connect(context.Background(), mockRunner(&events), gw)
	require.NoError(t, err)
	assert.Equal(t, liveNames, l.Names())
}

func TestLiveConnectAllUnreachable(t *testing.T) {
	fake := channel.NewFake()
	for _, n := range liveNames[:2] {
		fake.ConnectAfter(n+":X", channel.Never)
	}
	l, err := NewLive("live", liveNames[:2], fake, LiveOptions{
		ValueBudget: connect.Budget{MaxRetries: 2, Interval: time.Millisecond},
	})
	require.NoError(t, err)

	var events []connect.Event
	state, err := l.Connect(context.Background(), mockRunner(&events), reversedLattice())
	assert.True(t, errors.Is(err, connect.ErrAllDevicesDropped))
	assert.Equal(t, connect.Failed, state)
	assert.False(t, l.Connected())
}

func TestLiveEnergyBPMs(t *testing.T) {
	l, err := NewLive("live", []string{"BPMS:LI21:233", "BPMS:LI21:201"}, channel.NewFake(), LiveOptions{})
	require.NoError(t, err)
	r, err := l.ByName("BPMS:LI21:233")
	require.NoError(t, err)
	assert.True(t, r.IsEnergyBPM())
	r, err = l.ByName("BPMS:LI21:201")
	require.NoError(t, err)
	assert.False(t, r.IsEnergyBPM())
}

func TestLiveSetEDEFReconnects(t *testing.T) {
	fake := channel.NewFake()
	l, err := NewLive("live", liveNames[:2], fake, LiveOptions{})
	require.NoError(t, err)

	var events []connect.Event
	_, err = l.Connect(context.Background(), mockRunner(&events), reversedLattice())
	require.NoError(t, err)

	require.NoError(t, l.SetEDEF(context.Background(), 7))
	assert.Equal(t, 7, l.EDEF())
	assert.True(t, l.Connected())

	old := fake.Lookup("BPMS:LI21:201:X")
	require.NotNil(t, old)
	assert.Equal(t, channel.Unconnected, old.State())

	suffixed := fake.Lookup("BPMS:LI21:201:X7")
	require.NotNil(t, suffixed)
	assert.Equal(t, channel.Connected, suffixed.State())

	r, err := l.ByName("BPMS:LI21:201")
	require.NoError(t, err)
	assert.Equal(t, "BPMS:LI21:201:X7", r.(*bpm.Live).Address(bpm.X))
}

func TestLiveFitAfterConnect(t *testing.T) {
	fake := channel.NewFake()
	l, err := NewLive("live", liveNames, fake, LiveOptions{})
	require.NoError(t, err)
	table := reversedLattice()

	var events []connect.Event
	_, err = l.Connect(context.Background(), mockRunner(&events), table)
	require.NoError(t, err)

	for _, n := range liveNames {
		r, err := l.ByName(n)
		require.NoError(t, err)
		fake.Set(n+":X", channel.Sample{Value: 0.01 * r.Z()})
		fake.Set(n+":Y", channel.Sample{Value: 0})
		fake.Set(n+":TMIT", channel.Sample{Value: 1e9})
	}

	res, err := l.Fit(context.Background(), table, FitRequest{
		Start: Index(0), End: Index(4), FitPoint: Index(0), Options: positionAndAngle(),
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.6, res.XPos0.Value, 1e-9)
	assert.InDelta(t, 0.01, res.XAng0.Value, 1e-9)
}
