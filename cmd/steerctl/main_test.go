package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/steering/internal/httputil"
)

func runMock(t *testing.T, doer *httputil.MockDoer, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(context.Background(), append([]string{"-server", "http://steering:8090"}, args...), &out, doer)
	return out.String(), err
}

func TestRequests(t *testing.T) {
	tests := []struct {
		name   string
		args   []string
		method string
		url    string
		body   string
	}{
		{"orbit", []string{"orbit"}, "GET", "http://steering:8090/api/orbit", ""},
		{"sectors", []string{"sectors"}, "GET", "http://steering:8090/api/orbit/sectors", ""},
		{"last fit", []string{"last-fit"}, "GET", "http://steering:8090/api/orbit/fit", ""},
		{"fits", []string{"fits", "-limit", "5"}, "GET", "http://steering:8090/api/orbit/fits?limit=5", ""},
		{"edef", []string{"edef", "3"}, "POST", "http://steering:8090/api/orbit/edef", `{"edef":3}`},
		{"snapshot save", []string{"snapshot", "save", "-name", "golden"}, "POST", "http://steering:8090/api/snapshots", `{"name":"golden"}`},
		{"snapshot list", []string{"snapshot", "list"}, "GET", "http://steering:8090/api/snapshots", ""},
		{"snapshot show", []string{"snapshot", "show", "abc"}, "GET", "http://steering:8090/api/snapshots/abc", ""},
		{"magnet list", []string{"magnet", "list", "-axis", "x"}, "GET", "http://steering:8090/api/magnets?axis=x", ""},
		{"magnet increase", []string{"magnet", "increase", "XCOR:LI21:202"}, "POST", "http://steering:8090/api/magnets/XCOR:LI21:202/increase", ""},
		{"magnet save", []string{"magnet", "save"}, "POST", "http://steering:8090/api/magnets/save", ""},
		{"magnet restore", []string{"magnet", "restore", "-axis", "Y"}, "POST", "http://steering:8090/api/magnets/restore?axis=Y", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doer := httputil.NewMockDoer().Respond(http.StatusOK, `{"ok":true}`)
			out, err := runMock(t, doer, tt.args...)
			require.NoError(t, err)
			require.Len(t, doer.Requests, 1)
			assert.Equal(t, tt.method, doer.Requests[0].Method)
			assert.Equal(t, tt.url, doer.Requests[0].URL.String())
			assert.Equal(t, tt.body, doer.Bodies[0])
			assert.Equal(t, "{\n  \"ok\": true\n}\n", out)
		})
	}
}

func TestFitBody(t *testing.T) {
	doer := httputil.NewMockDoer().Respond(http.StatusOK, `{}`)
	_, err := runMock(t, doer, "fit", "-start", "BPMS:LI21:201", "-end", "4", "-params", "xpos0,xang0")
	require.NoError(t, err)
	require.Len(t, doer.Bodies, 1)
	assert.JSONEq(t, `{
		"start": "BPMS:LI21:201",
		"end": 4,
		"fit_point": "BPMS:LI21:201",
		"options": {"xpos": true, "xang": true, "ypos": false, "yang": false, "energy": false, "xkick": false, "ykick": false}
	}`, doer.Bodies[0])
}

func TestFitText(t *testing.T) {
	doer := httputil.NewMockDoer().Respond(http.StatusOK, `{"xpos0": {"value": 0.1, "error": 0.01}, "chi_square": 2, "ndf": 3}`)
	out, err := runMock(t, doer, "fit", "-text", "-fit-point", "2")
	require.NoError(t, err)
	assert.Equal(t, "xpos0=0.1±0.01 chi2=2 ndf=3\n", out)
	assert.Contains(t, doer.Bodies[0], `"fit_point":2`)
	assert.NotContains(t, doer.Bodies[0], `"end"`)
}

func TestSnapshotDelete(t *testing.T) {
	doer := httputil.NewMockDoer().Respond(http.StatusNoContent, "")
	out, err := runMock(t, doer, "snapshot", "delete", "abc")
	require.NoError(t, err)
	assert.Equal(t, "DELETE", doer.Requests[0].Method)
	assert.Equal(t, "deleted abc\n", out)
}

func TestServerErrors(t *testing.T) {
	doer := httputil.NewMockDoer().Respond(http.StatusNotFound, `{"error":"no fit yet"}`)
	_, err := runMock(t, doer, "last-fit")
	var serr *httputil.StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusNotFound, serr.Code)
	assert.Equal(t, "no fit yet", serr.Msg)

	boom := errors.New("connection refused")
	doer = httputil.NewMockDoer().Fail(boom)
	_, err = runMock(t, doer, "orbit")
	assert.ErrorIs(t, err, boom)
}

func TestUsageErrors(t *testing.T) {
	for _, args := range [][]string{
		{},
		{"bogus"},
		{"edef"},
		{"snapshot"},
		{"snapshot", "show"},
		{"snapshot", "rename", "a"},
		{"magnet"},
		{"magnet", "increase"},
		{"magnet", "flip", "XCOR:LI21:202"},
	} {
		doer := httputil.NewMockDoer()
		_, err := runMock(t, doer, args...)
		assert.ErrorIs(t, err, errUsage, "%v", args)
		assert.Empty(t, doer.Requests, "%v", args)
	}

	doer := httputil.NewMockDoer()
	_, err := runMock(t, doer, "edef", "-1")
	assert.Error(t, err)
	_, err = runMock(t, doer, "fit", "-params", "nope")
	assert.Error(t, err)
	assert.Empty(t, doer.Requests)
}

func TestHelp(t *testing.T) {
	out, err := runMock(t, httputil.NewMockDoer(), "help")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "steerctl - "))
}

func TestVersionAgainstServer(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/version", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, map[string]string{"version": "v1.2.3", "git_sha": "abc1234"})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"-server", ts.URL, "version"}, &out, ts.Client()))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "steerctl "))
	assert.Equal(t, "server v1.2.3 (abc1234)", lines[1])
}

func TestDefaultServerFromEnv(t *testing.T) {
	t.Setenv(ServerEnv, "http://control:9000")
	assert.Equal(t, "http://control:9000", defaultServer())
}
