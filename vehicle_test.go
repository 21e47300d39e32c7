package main

import (
	"strconv"
	"testing"
)

func TestHandleVehicleSpawnAccepted(t *testing.T) {
	reg := NewRegistry()
	udp := newFakeUDP()
	s, _ := newTestSession(reg, "alice", udp)
	fanout := NewFanout(reg)
	hooks := &recordingHooks{}

	HandleVehiclePacket(s, []byte(`Os:0:"vivace",{"config":1}`), fanout, hooks)

	ids := s.vehicleIDs()
	if len(ids) != 1 {
		t.Fatalf("expected one vehicle recorded, got %d", len(ids))
	}
	if len(hooks.spawned) != 1 {
		t.Fatalf("expected spawn hook to fire once, got %d", len(hooks.spawned))
	}
}

func TestHandleVehicleSpawnVetoedIsDestroyed(t *testing.T) {
	reg := NewRegistry()
	udp := newFakeUDP()
	s, _ := newTestSession(reg, "alice", udp)
	fanout := NewFanout(reg)
	hooks := &recordingHooks{vetoSpawn: true}

	HandleVehiclePacket(s, []byte(`Os:0:"vivace",{"config":1}`), fanout, hooks)

	if len(s.vehicleIDs()) != 0 {
		t.Fatalf("vetoed spawn should not be recorded, got %d vehicles", len(s.vehicleIDs()))
	}
}

func TestHandleVehicleSpawnAtLimitIsDestroyed(t *testing.T) {
	reg := NewRegistry()
	udp := newFakeUDP()
	s, _ := newTestSession(reg, "alice", udp)
	fanout := NewFanout(reg)
	hooks := &recordingHooks{}

	for i := 0; i < maxCarsPerSession; i++ {
		s.setVehicle(i, "placeholder")
	}
	HandleVehiclePacket(s, []byte(`Os:0:"vivace",{}`), fanout, hooks)

	if len(s.vehicleIDs()) != maxCarsPerSession {
		t.Fatalf("expected no new vehicle past the limit, got %d", len(s.vehicleIDs()))
	}
}

func TestHandleVehicleDeleteRejectsForeignPID(t *testing.T) {
	reg := NewRegistry()
	udp := newFakeUDP()
	s, _ := newTestSession(reg, "alice", udp)
	fanout := NewFanout(reg)
	hooks := &recordingHooks{}

	s.setVehicle(3, "stored-data")
	otherPID := s.ID + 99
	HandleVehiclePacket(s, []byte("Od:"+strconv.Itoa(otherPID)+"-3"), fanout, hooks)

	if _, ok := s.vehicleData(3); !ok {
		t.Fatalf("vehicle should survive a delete from the wrong pid")
	}
}

func TestHandleVehicleDeleteRejectsNonDigitIDs(t *testing.T) {
	reg := NewRegistry()
	udp := newFakeUDP()
	s, _ := newTestSession(reg, "alice", udp)
	fanout := NewFanout(reg)
	hooks := &recordingHooks{}

	s.setVehicle(3, "stored-data")
	HandleVehiclePacket(s, []byte("Od:abc-3"), fanout, hooks)

	if _, ok := s.vehicleData(3); !ok {
		t.Fatalf("malformed pid must not delete the vehicle")
	}
}

func TestParsePIDVIDRejectsNonDigits(t *testing.T) {
	if _, _, ok := parsePIDVID("12-x", '-', -1); ok {
		t.Fatalf("expected non-digit vid to be rejected")
	}
	if _, _, ok := parsePIDVID("x-12", '-', -1); ok {
		t.Fatalf("expected non-digit pid to be rejected")
	}
	pid, vid, ok := parsePIDVID("12-34", '-', -1)
	if !ok || pid != 12 || vid != 34 {
		t.Fatalf("got pid=%d vid=%d ok=%v, want 12,34,true", pid, vid, ok)
	}
}
