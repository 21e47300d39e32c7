package main

import "testing"

func TestChannelForUnreliableDefaultsToUDP(t *testing.T) {
	useReliable, chunked := channelFor([]byte("Xsomething"), false)
	if useReliable || chunked {
		t.Fatalf("expected plain unreliable send, got reliable=%v chunked=%v", useReliable, chunked)
	}
}

func TestChannelForForcedReliableCodes(t *testing.T) {
	for _, code := range []byte{'W', 'Y', 'V', 'E'} {
		useReliable, _ := channelFor([]byte{code, 'x'}, false)
		if !useReliable {
			t.Fatalf("code %q should always be reliable", code)
		}
	}
}

func TestChannelForChunksLargeOrOT(t *testing.T) {
	_, chunked := channelFor([]byte("Osmall"), true)
	if !chunked {
		t.Fatalf("O-coded packets should always chunk")
	}
	big := make([]byte, 1500)
	big[0] = 'X'
	_, chunked = channelFor(big, true)
	if !chunked {
		t.Fatalf("oversized payloads should chunk regardless of code")
	}
}

func TestSendToAllExcludesSenderUnlessIncludeSelf(t *testing.T) {
	reg := NewRegistry()
	udp := newFakeUDP()
	s1, _ := newTestSession(reg, "alice", udp)
	s2, _ := newTestSession(reg, "bob", udp)
	fanout := NewFanout(reg)

	fanout.SendToAll(s1, []byte("Xhello"), false, false)

	if len(udp.datagramsFor(s1.UDPAddr().String())) != 0 {
		t.Fatalf("sender should not receive its own broadcast when includeSelf is false")
	}
	if len(udp.datagramsFor(s2.UDPAddr().String())) != 1 {
		t.Fatalf("peer should receive the broadcast")
	}
}

func TestSendToAllSkipsUnsyncedSessions(t *testing.T) {
	reg := NewRegistry()
	udp := newFakeUDP()
	s1, _ := newTestSession(reg, "alice", udp)
	s2, _ := newTestSession(reg, "bob", udp)
	s2.SetStatus(StatusSyncingResources)
	fanout := NewFanout(reg)

	fanout.SendToAll(nil, []byte("Xhello"), true, false)

	if len(udp.datagramsFor(s2.UDPAddr().String())) != 0 {
		t.Fatalf("unsynced session must not receive fan-out traffic")
	}
	if len(udp.datagramsFor(s1.UDPAddr().String())) != 1 {
		t.Fatalf("synced session should receive the broadcast")
	}
}
