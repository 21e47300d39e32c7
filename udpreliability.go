package main

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// UDP reliability constants (§4.4), ported from the original's hardcoded
// values in VehicleData.cpp.
const (
	udpChunkSize          = 1000            // payload bytes per SC fragment
	udpMaxRetries         = 20               // retransmit attempts before giving up
	udpRetransmitInterval = 200 * time.Millisecond
	udpDedupeRingSize     = 50 // per-session recently-handled packet ids
	udpStaleSplitTimeout  = 10 * time.Second // §9: original never expired abandoned splits
	udpIDWrap             = 1000000          // packet/split ids wrap at this value, like the original's "> 999999"
)

// pendingDatagram is one outbound reliable datagram awaiting a TRG: ack.
type pendingDatagram struct {
	id    int
	data  []byte
	tries int
}

// splitBuffer accumulates the received fragments of one chunked inbound
// payload that arrived as multiple SC packets, keyed by the split (not
// packet) id.
type splitBuffer struct {
	total       int
	fragments   map[int][]byte
	lastTouched time.Time
}

// udpState is the per-session reliability bookkeeping for C4: outbound
// packet/split id counters, the ack-pending retransmit set, the inbound
// dedupe ring, and in-progress reassembly buffers.
type udpState struct {
	mu sync.Mutex

	nextPacketID int
	nextSplitID  int

	pending map[int]*pendingDatagram

	dedupeRing [udpDedupeRingSize]int
	dedupePos  int

	splits map[int]*splitBuffer
}

func newUDPState() *udpState {
	u := &udpState{
		pending: make(map[int]*pendingDatagram),
		splits:  make(map[int]*splitBuffer),
	}
	for i := range u.dedupeRing {
		u.dedupeRing[i] = -1
	}
	return u
}

func (u *udpState) allocPacketID() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	id := u.nextPacketID
	u.nextPacketID = (u.nextPacketID + 1) % udpIDWrap
	return id
}

func (u *udpState) allocSplitID() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	id := u.nextSplitID
	u.nextSplitID = (u.nextSplitID + 1) % udpIDWrap
	return id
}

// seen reports whether packetID has already been handled for this session,
// and records it if not. Mirrors the original's fixed 50-slot Handled ring
// (§4.4).
func (u *udpState) seen(packetID int) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, id := range u.dedupeRing {
		if id == packetID {
			return true
		}
	}
	u.dedupeRing[u.dedupePos] = packetID
	u.dedupePos = (u.dedupePos + 1) % udpDedupeRingSize
	return false
}

// trackPending registers packet for retransmission until acked or
// exhausted.
func (u *udpState) trackPending(id int, packet []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.pending[id] = &pendingDatagram{id: id, data: packet, tries: 1}
}

// ack clears a pending datagram once its TRG: acknowledgement arrives.
func (u *udpState) ack(id int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.pending, id)
}

// addFragment records one SC chunk and returns the reassembled payload
// once every fragment of its split has arrived.
func (u *udpState) addFragment(splitID, total, seq int, data []byte) ([]byte, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()

	sb, ok := u.splits[splitID]
	if !ok {
		sb = &splitBuffer{total: total, fragments: make(map[int][]byte)}
		u.splits[splitID] = sb
	}
	sb.total = total
	sb.fragments[seq] = data
	sb.lastTouched = time.Now()

	if len(sb.fragments) < sb.total {
		return nil, false
	}

	var out []byte
	for i := 1; i <= sb.total; i++ {
		frag, ok := sb.fragments[i]
		if !ok {
			return nil, false
		}
		out = append(out, frag...)
	}
	delete(u.splits, splitID)
	return out, true
}

// sweepStale discards reassembly buffers that have not received a new
// fragment within udpStaleSplitTimeout, preventing an abandoned partial
// split (client vanished mid-transfer) from accumulating forever, which
// the original never bounded (§9).
func (u *udpState) sweepStale() {
	u.mu.Lock()
	defer u.mu.Unlock()
	cutoff := time.Now().Add(-udpStaleSplitTimeout)
	for id, sb := range u.splits {
		if sb.lastTouched.Before(cutoff) {
			delete(u.splits, id)
		}
	}
}

// retransmitTick resends every still-pending datagram once, dropping any
// that have exhausted udpMaxRetries attempts. Called on a
// udpRetransmitInterval ticker by the owning session's run loop.
func (u *udpState) retransmitTick(send func([]byte) error) {
	u.mu.Lock()
	due := make([]*pendingDatagram, 0, len(u.pending))
	for id, p := range u.pending {
		if p.tries >= udpMaxRetries {
			delete(u.pending, id)
			continue
		}
		p.tries++
		due = append(due, p)
	}
	u.mu.Unlock()

	for _, p := range due {
		_ = send(p.data)
	}
}

// buildReliable splits data into SC chunks (udpChunkSize bytes each) when
// it exceeds that size, or a single BD: packet otherwise, assigning fresh
// packet (and, for chunked sends, split) ids. It returns the wire-ready
// packets in send order; the caller is responsible for writing each one
// and registering it with trackPending.
func (u *udpState) buildReliable(data []byte) [][]byte {
	if len(data) <= udpChunkSize {
		id := u.allocPacketID()
		return [][]byte{[]byte(fmt.Sprintf("BD:%d:%s", id, data))}
	}

	splitID := u.allocSplitID()
	total := (len(data) + udpChunkSize - 1) / udpChunkSize
	packets := make([][]byte, 0, total)
	for seq := 1; seq <= total; seq++ {
		start := (seq - 1) * udpChunkSize
		end := start + udpChunkSize
		if end > len(data) {
			end = len(data)
		}
		id := u.allocPacketID()
		packets = append(packets, []byte(fmt.Sprintf("SC%d/%d:%d|%d:%s", seq, total, id, splitID, data[start:end])))
	}
	return packets
}

// packetIDFromReliable extracts the packet id embedded in a BD: or SC
// fragment, used to key trackPending.
func packetIDFromReliable(packet []byte) (int, bool) {
	s := string(packet)
	switch {
	case strings.HasPrefix(s, "BD:"):
		rest := s[3:]
		colon := strings.IndexByte(rest, ':')
		if colon < 0 {
			return 0, false
		}
		id, err := strconv.Atoi(rest[:colon])
		return id, err == nil
	case strings.HasPrefix(s, "SC"):
		pipe := strings.IndexByte(s, '|')
		colon1 := strings.IndexByte(s, ':')
		if pipe < 0 || colon1 < 0 || pipe < colon1 {
			return 0, false
		}
		id, err := strconv.Atoi(s[colon1+1 : pipe])
		return id, err == nil
	default:
		return 0, false
	}
}

// parseChunk splits an "SC<seq>/<total>:<id>|<splitID>:<payload>" fragment
// into its fields, mirroring HandleChunk's manual index arithmetic.
func parseChunk(packet []byte) (seq, total, id, splitID int, payload []byte, ok bool) {
	s := string(packet)
	if !strings.HasPrefix(s, "SC") {
		return
	}
	slash := strings.IndexByte(s, '/')
	colon1 := strings.IndexByte(s, ':')
	pipe := strings.IndexByte(s, '|')
	colon2 := strings.IndexByte(s[colon1+1:], ':')
	if slash < 0 || colon1 < 0 || pipe < 0 || colon2 < 0 || slash > colon1 || colon1 > pipe {
		return
	}
	colon2 += colon1 + 1

	var err error
	seq, err = strconv.Atoi(s[2:slash])
	if err != nil {
		return
	}
	total, err = strconv.Atoi(s[slash+1 : colon1])
	if err != nil {
		return
	}
	id, err = strconv.Atoi(s[colon1+1 : pipe])
	if err != nil {
		return
	}
	splitID, err = strconv.Atoi(s[pipe+1 : colon2])
	if err != nil {
		return
	}
	payload = []byte(s[colon2+1:])
	ok = true
	return
}
