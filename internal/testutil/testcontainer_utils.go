// Package testutil starts shared throwaway database containers for backend
// tests. Each container is started once per test binary; tests are skipped
// with -short or when Docker is unavailable.
package testutil

import (
	"testing"
)

// skipContainers skips t under -short.
func skipContainers(t *testing.T, what string) {
	t.Helper()
	if testing.Short() {
		t.Skipf("skipping %s tests in short mode", what)
	}
}

// skipOnError skips t when the shared container failed to start.
func skipOnError(t *testing.T, what string, err error) {
	t.Helper()
	if err != nil {
		t.Skipf("skipping %s tests: %v", what, err)
	}
}
