package main

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Status mirrors the original Client status field: negative values mean
// "about to be torn down", used as a sentinel the read loop checks after
// every blocking operation rather than a separate cancellation channel.
type Status int32

const (
	StatusConnecting       Status = 0
	StatusSyncingResources Status = 1
	StatusSynced           Status = 2
	StatusMarkedForDisconnect Status = -1
	StatusKicked              Status = -2
)

// vehicle is one spawned vehicle's last-known state, keyed by vehicle id
// within the owning session. Only the fields dispatcher.go/vehicle.go need
// are kept; the rest of a spawn payload is forwarded opaquely.
type vehicle struct {
	VID  int
	Data string // latest full or partial state blob, opaque to the relay
}

// Session is one connected player: a reliable TCP stream plus its UDP
// endpoint, replacing the original's Client struct. It is registered in
// exactly one Registry under a stable integer ID (§9) instead of being
// referenced by raw pointer from other clients.
type Session struct {
	ID   int
	Name string

	IdentityToken string
	Role          string

	status atomic.Int32

	conn    net.Conn
	reader  *bufio.Reader
	writeMu sync.Mutex // serializes WriteFrame across fan-out goroutines

	udpAddr   atomic.Pointer[net.UDPAddr]
	udpSocket datagramWriter // shared listener owned by the server, not per-session

	vehMu    sync.RWMutex
	vehicles map[int]*vehicle

	// disconnectOnce and disconnectReason guarantee exactly one teardown
	// message is ever chosen for this session, fixing the original's bug
	// where a later branch could silently overwrite an earlier disconnect
	// reason before it was logged or broadcast (§9).
	disconnectOnce   sync.Once
	disconnectReason string

	connectedAt time.Time

	// reliability holds the per-session UDP chunking/ACK/dedupe state
	// (C4); see udpreliability.go.
	reliability *udpState
}

// datagramWriter is the minimal interface a session needs to emit UDP
// datagrams, matching the subset of *net.UDPConn it calls. Using an
// interface here (grounded on the teacher's own DatagramSender pattern)
// lets tests inject a recording fake instead of binding a real socket.
type datagramWriter interface {
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
}

// NewSession wraps an accepted TCP connection. The session is not yet
// registered; callers add it to a Registry once the handshake succeeds.
func NewSession(conn net.Conn, udpSocket datagramWriter) *Session {
	s := &Session{
		conn:        conn,
		reader:      bufio.NewReaderSize(conn, 64<<10),
		udpSocket:   udpSocket,
		vehicles:    make(map[int]*vehicle),
		connectedAt: time.Now(),
	}
	s.status.Store(int32(StatusConnecting))
	s.reliability = newUDPState()
	return s
}

// Status returns the session's current status.
func (s *Session) Status() Status {
	return Status(s.status.Load())
}

// SetStatus updates the session's status.
func (s *Session) SetStatus(st Status) {
	s.status.Store(int32(st))
}

// UDPAddr returns the session's learned UDP source address, or nil if no
// datagram has been received from this client yet.
func (s *Session) UDPAddr() *net.UDPAddr {
	return s.udpAddr.Load()
}

// SetUDPAddr records the address a datagram claiming this session's
// player id most recently arrived from.
func (s *Session) SetUDPAddr(addr *net.UDPAddr) {
	s.udpAddr.Store(addr)
}

// WriteFrame sends a length-prefixed TCP frame to this session, applying
// compression when requested. Safe for concurrent use with reads and with
// other WriteFrame calls: writeMu keeps each frame's length prefix and
// payload together when several sessions' goroutines fan out to this one.
func (s *Session) WriteFrame(payload []byte, compress bool) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return WriteFrame(s.conn, payload, compress)
}

// ReadFrame blocks for the next TCP frame from this session.
func (s *Session) ReadFrame() ([]byte, error) {
	return ReadFrame(s.reader)
}

// SendDatagram writes an unreliable UDP datagram to the session's known
// address. It is a no-op (not an error) if no address has been learned
// yet, matching the original's "drop silently until the client has sent
// at least one datagram" behaviour.
func (s *Session) SendDatagram(data []byte) error {
	addr := s.UDPAddr()
	if addr == nil {
		return nil
	}
	_, err := s.udpSocket.WriteToUDP(data, addr)
	return err
}

// MarkDisconnect records reason as this session's single disconnect
// reason and flips its status to MarkedForDisconnect. Only the first
// call has any effect; subsequent calls (from concurrent read/write
// failures, a kick, and normal close racing each other) are no-ops. This
// is the fix for §9's "exactly one branch message" bug.
func (s *Session) MarkDisconnect(reason string) {
	s.disconnectOnce.Do(func() {
		s.disconnectReason = reason
		s.SetStatus(StatusMarkedForDisconnect)
	})
}

// DisconnectReason returns the reason recorded by MarkDisconnect, or ""
// if the session is still active.
func (s *Session) DisconnectReason() string {
	return s.disconnectReason
}

// Kick marks the session for forced disconnection with reason and closes
// its TCP connection, unblocking any in-progress read. Used where the
// original called abort() on an oversized "Zp" packet; here it tears down
// only the offending session (§9). Duplicate-identity eviction and the
// plugin DropPlayer call use it too.
func (s *Session) Kick(reason string) {
	s.MarkDisconnect(reason)
	s.SetStatus(StatusKicked)
	_ = s.conn.Close()
}

// Close releases the session's resources. Safe to call multiple times.
func (s *Session) Close() error {
	return s.conn.Close()
}

// setVehicle records or replaces a vehicle's last-known state.
func (s *Session) setVehicle(vid int, data string) {
	s.vehMu.Lock()
	defer s.vehMu.Unlock()
	s.vehicles[vid] = &vehicle{VID: vid, Data: data}
}

// vehicleData returns the last-known state for vid, and whether it exists.
func (s *Session) vehicleData(vid int) (string, bool) {
	s.vehMu.RLock()
	defer s.vehMu.RUnlock()
	v, ok := s.vehicles[vid]
	if !ok {
		return "", false
	}
	return v.Data, true
}

// deleteVehicle removes vid from this session's vehicle table.
func (s *Session) deleteVehicle(vid int) {
	s.vehMu.Lock()
	defer s.vehMu.Unlock()
	delete(s.vehicles, vid)
}

// vehicleIDs returns a snapshot of this session's vehicle ids.
func (s *Session) vehicleIDs() []int {
	s.vehMu.RLock()
	defer s.vehMu.RUnlock()
	ids := make([]int, 0, len(s.vehicles))
	for id := range s.vehicles {
		ids = append(ids, id)
	}
	return ids
}
