package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestBuildReliableSmallIsSingleBD(t *testing.T) {
	u := newUDPState()
	packets := u.buildReliable([]byte("hello"))
	if len(packets) != 1 {
		t.Fatalf("got %d packets, want 1", len(packets))
	}
	if !strings.HasPrefix(string(packets[0]), "BD:") {
		t.Fatalf("expected BD: prefix, got %q", packets[0])
	}
}

func TestBuildReliableLargeSplitsAndReassembles(t *testing.T) {
	u := newUDPState()
	payload := bytes.Repeat([]byte("x"), udpChunkSize*3+42)
	packets := u.buildReliable(payload)
	if len(packets) != 4 {
		t.Fatalf("got %d chunks, want 4", len(packets))
	}

	var reassembled []byte
	var done bool
	for _, pkt := range packets {
		seq, total, _, splitID, data, ok := parseChunk(pkt)
		if !ok {
			t.Fatalf("parseChunk failed on %q", pkt)
		}
		reassembled, done = u.addFragment(splitID, total, seq, data)
		if done {
			break
		}
	}
	if !done {
		t.Fatalf("expected reassembly to complete")
	}
	if !bytes.Equal(reassembled, payload) {
		t.Fatalf("reassembled payload mismatch: got %d bytes, want %d", len(reassembled), len(payload))
	}
}

func TestSeenDedupesWithinRing(t *testing.T) {
	u := newUDPState()
	if u.seen(7) {
		t.Fatalf("first sighting of 7 should not be seen")
	}
	if !u.seen(7) {
		t.Fatalf("second sighting of 7 should be seen")
	}
}

func TestAckClearsPending(t *testing.T) {
	u := newUDPState()
	u.trackPending(3, []byte("BD:3:x"))
	sent := 0
	u.retransmitTick(func([]byte) error { sent++; return nil })
	if sent != 1 {
		t.Fatalf("expected one retransmit before ack")
	}
	u.ack(3)
	sent = 0
	u.retransmitTick(func([]byte) error { sent++; return nil })
	if sent != 0 {
		t.Fatalf("expected no retransmit after ack, got %d", sent)
	}
}

func TestRetransmitGivesUpAfterMaxRetries(t *testing.T) {
	u := newUDPState()
	u.trackPending(1, []byte("BD:1:x"))
	total := 0
	for i := 0; i < udpMaxRetries+2; i++ {
		u.retransmitTick(func([]byte) error { total++; return nil })
	}
	if total != udpMaxRetries-1 {
		t.Fatalf("got %d sends, want %d (tries starts at 1)", total, udpMaxRetries-1)
	}
}

func TestSweepStaleDropsAbandonedSplit(t *testing.T) {
	u := newUDPState()
	u.addFragment(99, 3, 1, []byte("a"))
	if len(u.splits) != 1 {
		t.Fatalf("expected one pending split buffer")
	}
	u.splits[99].lastTouched = u.splits[99].lastTouched.Add(-2 * udpStaleSplitTimeout)
	u.sweepStale()
	if len(u.splits) != 0 {
		t.Fatalf("expected stale split to be swept")
	}
}
