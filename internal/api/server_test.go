package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/banshee-data/steering/internal/channel"
	"github.com/banshee-data/steering/internal/connect"
	"github.com/banshee-data/steering/internal/db"
	"github.com/banshee-data/steering/internal/fit"
	"github.com/banshee-data/steering/internal/fsutil"
	"github.com/banshee-data/steering/internal/lattice"
	"github.com/banshee-data/steering/internal/magnet"
	"github.com/banshee-data/steering/internal/metrics"
	"github.com/banshee-data/steering/internal/orbit"
	"github.com/banshee-data/steering/internal/testutil"
	"github.com/banshee-data/steering/internal/timeutil"
	"github.com/banshee-data/steering/internal/version"
)

var (
	bpmNames = []string{"BPMS:LI21:201", "BPMS:LI21:301", "BPMS:LI22:201"}
	bpmZs    = []float64{0, 10, 20}
)

const corrector = "XCOR:LI21:202"

type fixture struct {
	srv         *Server
	mux         http.Handler
	fake        *channel.Fake
	clock       *timeutil.MockClock
	snapshotDir string
}

// newFixture connects a three-BPM orbit on x = 0.1 + 0.01 z and one
// corrector at 0.001. A nil gw uses the drift model.
func newFixture(t *testing.T, gw lattice.Gateway) *fixture {
	t.Helper()
	ctx := context.Background()
	fake := channel.NewFake()
	clock := timeutil.NewMockClock(time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC))
	runner := &connect.Runner{Clock: clock}
	table := testutil.DriftTable(bpmNames, bpmZs)
	if gw == nil {
		gw = table
	}

	live, err := orbit.NewLive("live", bpmNames, fake, orbit.LiveOptions{})
	testutil.AssertNoError(t, err)
	_, err = live.Connect(ctx, runner, table)
	testutil.AssertNoError(t, err)
	xs := make([]float64, len(bpmZs))
	for i, z := range bpmZs {
		xs[i] = 0.1 + 0.01*z
	}
	testutil.SetOrbit(fake, bpmNames, xs, make([]float64, len(bpmZs)))

	fake.SetValue(corrector+":BCTRL", 0.001)
	fake.SetValue(corrector+":BACT", 0.001)
	xcor, err := magnet.NewList(magnet.X, []magnet.Device{{Name: corrector, Z: 5}})
	testutil.AssertNoError(t, err)
	_, err = xcor.Connect(ctx, runner, fake, connect.Budget{})
	testutil.AssertNoError(t, err)

	database, err := db.NewDB(filepath.Join(t.TempDir(), "steering.db"))
	testutil.AssertNoError(t, err)
	t.Cleanup(func() { database.Close() })

	dir := t.TempDir()
	srv := NewServer(Options{
		Orbit:       live,
		Gateway:     gw,
		Magnets:     []*magnet.List{xcor},
		DB:          database,
		Metrics:     metrics.NewManager(prometheus.NewRegistry()),
		FS:          fsutil.OSFileSystem{},
		SnapshotDir: dir,
		Clock:       clock,
	})
	return &fixture{srv: srv, mux: srv.ServeMux(), fake: fake, clock: clock, snapshotDir: dir}
}

func (f *fixture) do(r *http.Request) *httptest.ResponseRecorder {
	rec := testutil.NewTestRecorder()
	f.mux.ServeHTTP(rec, r)
	return rec
}

func TestShowOrbit(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(testutil.NewTestRequest(http.MethodGet, "/api/orbit"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	var got orbitResponse
	testutil.DecodeJSON(t, rec, &got)
	if !got.Connected || got.Name != "live" || got.Channels != 12 {
		t.Errorf("unexpected orbit header: %+v", got)
	}
	if strings.Join(got.Orbit.Names, ",") != strings.Join(bpmNames, ",") {
		t.Errorf("names = %v", got.Orbit.Names)
	}
	if math.Abs(got.Orbit.X[2]-0.3) > 1e-12 {
		t.Errorf("x[2] = %v, want 0.3", got.Orbit.X[2])
	}
}

func TestVersion(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(testutil.NewTestRequest(http.MethodGet, "/api/version"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	var got version.Info
	testutil.DecodeJSON(t, rec, &got)
	if got.Version != version.Version {
		t.Errorf("version = %q, want %q", got.Version, version.Version)
	}
}

func TestShowSectors(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(testutil.NewTestRequest(http.MethodGet, "/api/orbit/sectors"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	var got []orbit.SectorBoundary
	testutil.DecodeJSON(t, rec, &got)
	want := []orbit.SectorBoundary{{Z: 0, Sector: "LI21"}, {Z: 15, Sector: "LI22"}}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("sectors = %+v, want %+v", got, want)
	}
}

func TestFitEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(testutil.NewTestRequest(http.MethodGet, "/api/orbit/fit"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusNotFound)

	rec = f.do(testutil.NewJSONRequest(t, http.MethodPost, "/api/orbit/fit",
		`{"start": 0, "fit_point": "BPMS:LI21:201", "options": {"xpos": true, "xang": true}}`))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	var res orbit.FitResult
	testutil.DecodeJSON(t, rec, &res)
	if res.XPos0 == nil || math.Abs(res.XPos0.Value-0.1) > 1e-9 {
		t.Errorf("xpos0 = %+v, want 0.1", res.XPos0)
	}
	if res.XAng0 == nil || math.Abs(res.XAng0.Value-0.01) > 1e-9 {
		t.Errorf("xang0 = %+v, want 0.01", res.XAng0)
	}
	if res.YPos0 != nil {
		t.Error("ypos0 was not requested")
	}

	rec = f.do(testutil.NewTestRequest(http.MethodGet, "/api/orbit/fit"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	rec = f.do(testutil.NewTestRequest(http.MethodGet, "/api/orbit/fits"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	var stored []db.FitRecord
	testutil.DecodeJSON(t, rec, &stored)
	if len(stored) != 1 || stored[0].OrbitName != "live" {
		t.Errorf("stored fits = %+v", stored)
	}
}

func TestFitEndpointErrors(t *testing.T) {
	f := newFixture(t, nil)
	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed", `{bad`, http.StatusBadRequest},
		{"unknown reading", `{"start": "BPMS:NOPE", "fit_point": 0}`, http.StatusNotFound},
		{"index out of range", `{"start": 0, "end": 7, "fit_point": 0}`, http.StatusBadRequest},
		{"reversed range", `{"start": 2, "end": 0, "fit_point": 0}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(testutil.NewJSONRequest(t, http.MethodPost, "/api/orbit/fit", tt.body))
			testutil.AssertStatusCode(t, rec.Code, tt.want)
		})
	}

	rec := f.do(testutil.NewTestRequest(http.MethodGet, "/api/orbit/fits?limit=zero"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)
}

func TestFitModelUnavailable(t *testing.T) {
	f := newFixture(t, lattice.NewTable(nil))
	rec := f.do(testutil.NewJSONRequest(t, http.MethodPost, "/api/orbit/fit", `{"start": 0, "fit_point": 0}`))
	testutil.AssertStatusCode(t, rec.Code, http.StatusServiceUnavailable)
}

func TestFitUnderdetermined(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(testutil.NewJSONRequest(t, http.MethodPost, "/api/orbit/fit", `{"start": 0, "end": 0, "fit_point": 0}`))
	testutil.AssertStatusCode(t, rec.Code, http.StatusUnprocessableEntity)
}

func TestWriteErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("fit o: %w", fit.ErrInvalidSigma), http.StatusUnprocessableEntity},
		{fmt.Errorf("fit o: %w", fit.ErrSingular), http.StatusUnprocessableEntity},
		{fmt.Errorf("fit o: %w", fit.ErrUnderdetermined), http.StatusUnprocessableEntity},
		{fmt.Errorf("fit o: %w", fit.ErrDimension), http.StatusUnprocessableEntity},
		{orbit.ErrShapeMismatch, http.StatusServiceUnavailable},
		{orbit.ErrModelUnavailable, http.StatusServiceUnavailable},
		{orbit.ErrNotFound, http.StatusNotFound},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeError(rec, tt.err)
			testutil.AssertStatusCode(t, rec.Code, tt.want)
		})
	}
}

func TestSnapshotLifecycle(t *testing.T) {
	f := newFixture(t, nil)

	want := orbit.DefaultFileName(f.clock.Now())
	rec := f.do(testutil.NewTestRequest(http.MethodPost, "/api/snapshots"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusCreated)
	var created snapshotResponse
	testutil.DecodeJSON(t, rec, &created)
	if created.Name != want || created.ReadingCount != 3 {
		t.Errorf("created = %+v", created.SnapshotInfo)
	}
	if _, err := os.Stat(filepath.Join(f.snapshotDir, want)); err != nil {
		t.Errorf("snapshot file not written: %v", err)
	}

	rec = f.do(testutil.NewTestRequest(http.MethodGet, "/api/snapshots"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	var list []db.SnapshotInfo
	testutil.DecodeJSON(t, rec, &list)
	if len(list) != 1 || list[0].ID != created.ID {
		t.Fatalf("list = %+v", list)
	}

	rec = f.do(testutil.NewTestRequest(http.MethodGet, "/api/snapshots/"+created.ID))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	var shown snapshotResponse
	testutil.DecodeJSON(t, rec, &shown)
	if math.Abs(shown.Orbit.X[1]-0.2) > 1e-12 {
		t.Errorf("stored x[1] = %v, want 0.2", shown.Orbit.X[1])
	}

	rec = f.do(testutil.NewTestRequest(http.MethodDelete, "/api/snapshots/"+created.ID))
	testutil.AssertStatusCode(t, rec.Code, http.StatusNoContent)
	rec = f.do(testutil.NewTestRequest(http.MethodGet, "/api/snapshots/"+created.ID))
	testutil.AssertStatusCode(t, rec.Code, http.StatusNotFound)
}

func TestNamedSnapshot(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(testutil.NewJSONRequest(t, http.MethodPost, "/api/snapshots", map[string]string{"name": "golden"}))
	testutil.AssertStatusCode(t, rec.Code, http.StatusCreated)
	var created snapshotResponse
	testutil.DecodeJSON(t, rec, &created)
	if created.Name != "golden" {
		t.Errorf("name = %q", created.Name)
	}
}

func TestSnapshotsWithoutDB(t *testing.T) {
	f := newFixture(t, nil)
	f.srv.opts.DB = nil
	rec := f.do(testutil.NewTestRequest(http.MethodGet, "/api/snapshots"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusServiceUnavailable)
}

func TestMagnetSteps(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(testutil.NewTestRequest(http.MethodPost, "/api/magnets/"+corrector+"/increase"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	var view magnetView
	testutil.DecodeJSON(t, rec, &view)
	if view.Setpoint == nil || math.Abs(*view.Setpoint-(0.001+magnet.KickStep)) > 1e-12 {
		t.Errorf("setpoint after increase = %v", view.Setpoint)
	}

	rec = f.do(testutil.NewTestRequest(http.MethodPost, "/api/magnets/"+corrector+"/decrease"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	puts := f.fake.Lookup(corrector + ":BCTRL").Puts()
	if len(puts) != 2 || math.Abs(puts[1]-0.001) > 1e-12 {
		t.Errorf("puts = %v", puts)
	}

	rec = f.do(testutil.NewTestRequest(http.MethodPost, "/api/magnets/XCOR:NOPE:1/increase"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusNotFound)
	rec = f.do(testutil.NewTestRequest(http.MethodPost, "/api/magnets/"+corrector+"/wiggle"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusNotFound)
}

func TestMagnetSaveRestore(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(testutil.NewTestRequest(http.MethodPost, "/api/magnets/restore"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusUnprocessableEntity)

	rec = f.do(testutil.NewTestRequest(http.MethodPost, "/api/magnets/save?axis=x"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	f.do(testutil.NewTestRequest(http.MethodPost, "/api/magnets/"+corrector+"/increase"))
	rec = f.do(testutil.NewTestRequest(http.MethodPost, "/api/magnets/restore"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	sp := f.fake.Lookup(corrector + ":BCTRL").Get().Value
	if math.Abs(sp-0.001) > 1e-12 {
		t.Errorf("restored setpoint = %v, want 0.001", sp)
	}

	rec = f.do(testutil.NewTestRequest(http.MethodGet, "/api/magnets"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	var views []magnetView
	testutil.DecodeJSON(t, rec, &views)
	if len(views) != 1 || views[0].Axis != magnet.X || views[0].Readback == nil {
		t.Errorf("views = %+v", views)
	}

	rec = f.do(testutil.NewTestRequest(http.MethodGet, "/api/magnets?axis=Q"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)
}

func TestSetEDEF(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(testutil.NewJSONRequest(t, http.MethodPost, "/api/orbit/edef", `{"edef": 3}`))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	if f.srv.opts.Orbit.EDEF() != 3 {
		t.Errorf("EDEF = %d, want 3", f.srv.opts.Orbit.EDEF())
	}
	if ch := f.fake.Lookup("BPMS:LI21:201:X3"); ch == nil || ch.State() != channel.Connected {
		t.Error("EDEF channels not connected")
	}

	rec = f.do(testutil.NewJSONRequest(t, http.MethodPost, "/api/orbit/edef", `{"edef": -1}`))
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)
}

func dialWS(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	testutil.AssertNoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var hello Envelope
	testutil.AssertNoError(t, conn.ReadJSON(&hello))
	if hello.Type != "hello" {
		t.Fatalf("first frame = %+v, want hello", hello)
	}
	return conn
}

func TestProgressStream(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.srv.Run(ctx)
	ts := httptest.NewServer(f.mux)
	defer ts.Close()

	conn := dialWS(t, ts, "/ws/progress")
	f.srv.OnConnectEvent(connect.Event{Collection: "live", Kind: connect.DevicesDropped, State: connect.ConnectingValues, Dropped: []string{"BPMS:LI21:233"}})

	var msg struct {
		Type    string        `json:"type"`
		Payload ProgressEvent `json:"payload"`
	}
	testutil.AssertNoError(t, conn.ReadJSON(&msg))
	if msg.Type != "connect" || msg.Payload.Kind != "dropped" || msg.Payload.Dropped[0] != "BPMS:LI21:233" {
		t.Errorf("message = %+v", msg)
	}
	if msg.Payload.State != "connecting_values" {
		t.Errorf("state = %q", msg.Payload.State)
	}
}

func TestOrbitStream(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.srv.Run(ctx)
	go f.srv.StreamOrbit(ctx, time.Second)
	ts := httptest.NewServer(f.mux)
	defer ts.Close()

	conn := dialWS(t, ts, "/ws/orbit")

	// The ticker may be created after the first advance, so keep ticking.
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			case <-time.After(5 * time.Millisecond):
				f.clock.Advance(time.Second)
			}
		}
	}()

	var msg struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	testutil.AssertNoError(t, conn.ReadJSON(&msg))
	if msg.Type != "orbit" {
		t.Fatalf("type = %q, want orbit", msg.Type)
	}
	var snap orbit.Snapshot
	testutil.AssertNoError(t, json.Unmarshal(msg.Payload, &snap))
	if len(snap.Names) != 3 {
		t.Errorf("streamed %d readings, want 3", len(snap.Names))
	}
}
