// Package storetest opens throwaway stores for tests in other packages.
package storetest

import (
	"testing"

	"cloudship/internal/store"
)

// Open returns an in-memory SQLite store with migrations applied. The store
// is closed when the test finishes.
func Open(t testing.TB) *store.Store {
	t.Helper()
	s, err := store.Open(store.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}
