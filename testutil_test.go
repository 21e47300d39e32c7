package main

import (
	"testing"

	"vehrelay/internal/store"
)

// newMemDB opens an in-memory store for tests that need real persistence
// semantics (as opposed to the nil-db in-memory-only mode).
func newMemDB(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
