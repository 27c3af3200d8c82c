package version

import "testing"

func TestString(t *testing.T) {
	origVersion, origCommit, origBuildTime := Version, Commit, BuildTime
	defer func() {
		Version, Commit, BuildTime = origVersion, origCommit, origBuildTime
	}()

	Version = "1.2.3"
	Commit = "abc1234"
	BuildTime = "2025-03-01T10:00:00Z"

	want := "1.2.3 (abc1234) built 2025-03-01T10:00:00Z"
	if got := String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestUserAgent(t *testing.T) {
	origVersion := Version
	defer func() { Version = origVersion }()

	Version = "dev"
	if got := UserAgent(); got != "ticket-realtime/dev" {
		t.Errorf("UserAgent() = %q, want %q", got, "ticket-realtime/dev")
	}
}
