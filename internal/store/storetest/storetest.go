// Package storetest opens throwaway engine databases for tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/KafClaw/synapse/internal/store"
)

// Open creates a store in a temp dir using the pure-Go driver.
func Open(t testing.TB) *store.Store {
	return OpenWithDriver(t, store.DriverModernc)
}

// OpenWithDriver creates a store in a temp dir using the given driver.
func OpenWithDriver(t testing.TB, driver string) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "synapse.db")
	st, err := store.Open(context.Background(), store.Options{Driver: driver, Path: path})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// OpenShared opens n independent stores on one database file, the way
// separate synapse processes share a data directory.
func OpenShared(t testing.TB, n int) []*store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "synapse.db")
	out := make([]*store.Store, 0, n)
	for i := 0; i < n; i++ {
		st, err := store.Open(context.Background(), store.Options{Path: path})
		if err != nil {
			t.Fatalf("failed to open store %d: %v", i, err)
		}
		t.Cleanup(func() { _ = st.Close() })
		out = append(out, st)
	}
	return out
}
