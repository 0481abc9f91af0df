package version

import (
	"runtime"
	"testing"
)

func TestString(t *testing.T) {
	defer func(v, sha, bt string) { Version, GitSHA, BuildTime = v, sha, bt }(Version, GitSHA, BuildTime)

	Version, GitSHA, BuildTime = "v0.3.1", "abc1234def5678", "2024-03-09T14:05:07Z"
	want := "steering v0.3.1 (abc1234, built 2024-03-09T14:05:07Z, " + runtime.Version() + ")"
	if got := String("steering"); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}

	GitSHA = "unknown"
	if got := Get(); got.GitSHA != "unknown" || got.GoVersion != runtime.Version() {
		t.Errorf("Get() = %+v", got)
	}
}
