// Package testutil provides shared test helpers and beamline fixtures.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/banshee-data/steering/internal/channel"
	"github.com/banshee-data/steering/internal/lattice"
)

// GoodTMIT is a charge reading comfortably above any quality threshold.
const GoodTMIT = 1e9

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// NewTestRequest creates a test HTTP request with no body.
func NewTestRequest(method, path string) *http.Request {
	return httptest.NewRequest(method, path, nil)
}

// NewJSONRequest creates a test HTTP request whose body is v encoded as
// JSON. A string v is sent verbatim.
func NewJSONRequest(t *testing.T, method, path string, v any) *http.Request {
	t.Helper()
	var body []byte
	switch b := v.(type) {
	case string:
		body = []byte(b)
	default:
		var err error
		if body, err = json.Marshal(v); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	r := httptest.NewRequest(method, path, bytes.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	return r
}

// NewTestRecorder creates a test response recorder.
func NewTestRecorder() *httptest.ResponseRecorder {
	return httptest.NewRecorder()
}

// DecodeJSON decodes the recorded body into v.
func DecodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

// DriftTable is a model of pure drifts: each name sits at its z and its
// transport matrix from the origin is Drift(z).
func DriftTable(names []string, zs []float64) *lattice.Table {
	elements := make([]lattice.Element, len(names))
	for i, n := range names {
		elements[i] = lattice.Element{Name: n, Z: zs[i], RMat: lattice.Drift(zs[i])}
	}
	return lattice.NewTable(elements)
}

// SetOrbit delivers x, y and a good TMIT for each BPM name on f.
func SetOrbit(f *channel.Fake, names []string, xs, ys []float64) {
	for i, n := range names {
		f.SetValue(n+":X", xs[i])
		f.SetValue(n+":Y", ys[i])
		f.SetValue(n+":TMIT", GoodTMIT)
	}
}
