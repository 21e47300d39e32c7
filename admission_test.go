package main

import "testing"

func TestAdmissionGuardAllowsUnderThreshold(t *testing.T) {
	g, err := NewAdmissionGuard(nil)
	if err != nil {
		t.Fatalf("NewAdmissionGuard: %v", err)
	}
	for i := 0; i < admissionViolationLimit-1; i++ {
		if !g.Allow("198.51.100.1") {
			t.Fatalf("attempt %d: expected allowed", i)
		}
	}
}

func TestAdmissionGuardTripsAtThreshold(t *testing.T) {
	g, err := NewAdmissionGuard(nil)
	if err != nil {
		t.Fatalf("NewAdmissionGuard: %v", err)
	}
	addr := "198.51.100.2"
	for i := 0; i < admissionViolationLimit-1; i++ {
		if !g.Allow(addr) {
			t.Fatalf("attempt %d: expected allowed", i)
		}
	}
	if g.Allow(addr) {
		t.Fatalf("expected the %dth attempt to trip the limiter", admissionViolationLimit)
	}
	if !g.IsBlocked(addr) {
		t.Fatalf("expected address to be blocked after tripping")
	}
}

func TestAdmissionGuardMonotonicity(t *testing.T) {
	g, err := NewAdmissionGuard(nil)
	if err != nil {
		t.Fatalf("NewAdmissionGuard: %v", err)
	}
	addr := "198.51.100.3"
	for i := 0; i < admissionViolationLimit; i++ {
		g.Allow(addr)
	}
	if !g.IsBlocked(addr) {
		t.Fatalf("expected address blocked")
	}
	// Once blocked, further attempts are rejected regardless of window state.
	if g.Allow(addr) {
		t.Fatalf("expected blocked address to remain rejected")
	}
}

func TestAdmissionGuardPersistsBlockedSet(t *testing.T) {
	db := newMemDB(t)
	g, err := NewAdmissionGuard(db)
	if err != nil {
		t.Fatalf("NewAdmissionGuard: %v", err)
	}
	addr := "198.51.100.4"
	for i := 0; i < admissionViolationLimit; i++ {
		g.Allow(addr)
	}

	g2, err := NewAdmissionGuard(db)
	if err != nil {
		t.Fatalf("NewAdmissionGuard (reload): %v", err)
	}
	if !g2.IsBlocked(addr) {
		t.Fatalf("expected blocked address to survive reload via persisted store")
	}
}
