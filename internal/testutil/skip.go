package testutil

import (
	"os"
	"testing"
)

// SkipIfNoNetwork skips the test if DROIDRIG_TEST_SKIP_NETWORK is set.
// Use this for tests that bind loopback listeners, which may not be
// available in sandboxed environments.
func SkipIfNoNetwork(t *testing.T) {
	t.Helper()
	if os.Getenv("DROIDRIG_TEST_SKIP_NETWORK") != "" {
		t.Skip("skipping network test: DROIDRIG_TEST_SKIP_NETWORK is set")
	}
}
