package testutil

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/banshee-data/steering/internal/channel"
)

func TestNewJSONRequest(t *testing.T) {
	r := NewJSONRequest(t, http.MethodPost, "/api/orbit/fit", map[string]int{"start": 1})
	body, err := io.ReadAll(r.Body)
	AssertNoError(t, err)
	if string(body) != `{"start":1}` {
		t.Errorf("body = %s", body)
	}
	if r.Header.Get("Content-Type") != "application/json" {
		t.Error("missing content type")
	}

	raw := NewJSONRequest(t, http.MethodPost, "/x", "{bad")
	body, _ = io.ReadAll(raw.Body)
	if string(body) != "{bad" {
		t.Errorf("raw body = %s", body)
	}
}

func TestDecodeJSON(t *testing.T) {
	rec := NewTestRecorder()
	rec.WriteString(`{"ok": true}`)
	var got struct{ OK bool }
	DecodeJSON(t, rec, &got)
	if !got.OK {
		t.Error("decoded false")
	}
	AssertStatusCode(t, rec.Code, http.StatusOK)
}

func TestDriftTable(t *testing.T) {
	table := DriftTable([]string{"A", "B"}, []float64{0, 5})
	zs, err := table.ZPositions(context.Background(), []string{"B", "A"})
	AssertNoError(t, err)
	if zs[0] != 5 || zs[1] != 0 {
		t.Errorf("zs = %v", zs)
	}
	rmats, err := table.RMats(context.Background(), "A", []string{"B"})
	AssertNoError(t, err)
	if rmats[0][0][1] != 5 {
		t.Errorf("R12 = %v, want 5", rmats[0][0][1])
	}
}

func TestSetOrbit(t *testing.T) {
	f := channel.NewFake()
	SetOrbit(f, []string{"BPMS:LI21:201"}, []float64{0.5}, []float64{-0.5})
	ch := f.Open("BPMS:LI21:201:TMIT")
	AssertNoError(t, ch.Connect())
	ch.State()
	if got := ch.Get().Value; got != GoodTMIT {
		t.Errorf("TMIT = %v", got)
	}
}

func TestAssertError(t *testing.T) {
	AssertError(t, context.Canceled)
}
