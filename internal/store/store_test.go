package store

import "testing"

func newMemStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrationsApplied(t *testing.T) {
	s := newMemStore(t)

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("query schema_migrations: %v", err)
	}
	if count != len(migrations) {
		t.Errorf("expected %d migrations recorded, got %d", len(migrations), count)
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	s := newMemStore(t)

	if err := s.migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("query: %v", err)
	}
	if count != len(migrations) {
		t.Errorf("expected %d rows after second migrate, got %d", len(migrations), count)
	}
}

func TestBlockAddress(t *testing.T) {
	s := newMemStore(t)

	addrs, err := s.LoadBlockedAddresses()
	if err != nil {
		t.Fatalf("LoadBlockedAddresses: %v", err)
	}
	if len(addrs) != 0 {
		t.Fatalf("expected empty blocked set, got %v", addrs)
	}

	if err := s.BlockAddress("203.0.113.7"); err != nil {
		t.Fatalf("BlockAddress: %v", err)
	}
	// Idempotent: blocking the same address twice must not error or duplicate.
	if err := s.BlockAddress("203.0.113.7"); err != nil {
		t.Fatalf("BlockAddress (second): %v", err)
	}

	addrs, err = s.LoadBlockedAddresses()
	if err != nil {
		t.Fatalf("LoadBlockedAddresses: %v", err)
	}
	if len(addrs) != 1 || addrs[0] != "203.0.113.7" {
		t.Fatalf("expected [203.0.113.7], got %v", addrs)
	}
}

func TestReplaceManifest(t *testing.T) {
	s := newMemStore(t)

	entries := []ManifestEntry{
		{Path: "mods/a.zip", Size: 100},
		{Path: "mods/b.zip", Size: 250},
	}
	if err := s.ReplaceManifest(entries); err != nil {
		t.Fatalf("ReplaceManifest: %v", err)
	}

	got, err := s.GetManifest()
	if err != nil {
		t.Fatalf("GetManifest: %v", err)
	}
	if len(got) != 2 || got[0].Path != "mods/a.zip" || got[1].Size != 250 {
		t.Fatalf("unexpected manifest: %+v", got)
	}

	// A second replace must fully supersede the first, not append.
	if err := s.ReplaceManifest([]ManifestEntry{{Path: "mods/c.zip", Size: 9}}); err != nil {
		t.Fatalf("ReplaceManifest (second): %v", err)
	}
	got, err = s.GetManifest()
	if err != nil {
		t.Fatalf("GetManifest (second): %v", err)
	}
	if len(got) != 1 || got[0].Path != "mods/c.zip" {
		t.Fatalf("expected manifest replaced, got %+v", got)
	}
}

func TestAuditLog(t *testing.T) {
	s := newMemStore(t)

	if err := s.InsertAudit("handshake_accept", 3, "Alice", "role=Member"); err != nil {
		t.Fatalf("InsertAudit: %v", err)
	}
	if err := s.InsertAudit("vehicle_veto", 3, "", "vid=0"); err != nil {
		t.Fatalf("InsertAudit: %v", err)
	}

	all, err := s.GetAuditLog("", 10)
	if err != nil {
		t.Fatalf("GetAuditLog: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(all))
	}
	// Most recent first.
	if all[0].Kind != "vehicle_veto" {
		t.Errorf("expected most recent entry first, got %q", all[0].Kind)
	}

	filtered, err := s.GetAuditLog("handshake_accept", 10)
	if err != nil {
		t.Fatalf("GetAuditLog filtered: %v", err)
	}
	if len(filtered) != 1 {
		t.Fatalf("expected 1 filtered entry, got %d", len(filtered))
	}
}
