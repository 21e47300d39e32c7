package main

import (
	"fmt"
	"io"
	"net"
	"sync"
)

// fakeUDP records every datagram written to it, keyed by destination
// address, standing in for a real *net.UDPConn in tests.
type fakeUDP struct {
	mu  sync.Mutex
	out map[string][][]byte
}

func newFakeUDP() *fakeUDP {
	return &fakeUDP{out: make(map[string][][]byte)}
}

func (f *fakeUDP) WriteToUDP(b []byte, addr *net.UDPAddr) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(b))
	copy(cp, b)
	f.out[addr.String()] = append(f.out[addr.String()], cp)
	return len(b), nil
}

func (f *fakeUDP) datagramsFor(addr string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.out[addr]
}

// newTestSession builds a registered, synced session over an in-memory
// TCP pipe with a fake UDP endpoint already set, ready for dispatch/
// fanout tests.
func newTestSession(reg *Registry, name string, udp *fakeUDP) (*Session, net.Conn) {
	serverConn, clientConn := net.Pipe()
	s := NewSession(serverConn, udp)
	s.Name = name
	s.Role = "Member"
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 10000 + reg.Count()}
	s.SetUDPAddr(addr)
	s.SetStatus(StatusSynced)
	reg.Add(s)
	// Drain the client side so reliable TCP writes (net.Pipe is
	// unbuffered) never block the dispatcher under test; tests that
	// care about TCP frame contents read clientConn directly instead of
	// calling this helper.
	go io.Copy(io.Discard, clientConn)
	return s, clientConn
}

// recordingHooks is a PluginHooks fake that records calls and can be
// configured to veto.
type recordingHooks struct {
	mu           sync.Mutex
	vetoSpawn    bool
	vetoEdit     bool
	vetoChat     bool
	spawned      []string
	edited       []string
	deleted      []string
	chatMessages []string
	joined       []int
	events       []string
}

func (h *recordingHooks) TriggerVehicleSpawn(sessionID, carID int, payload string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.spawned = append(h.spawned, payload)
	return h.vetoSpawn
}

func (h *recordingHooks) TriggerVehicleEdited(sessionID, vid int, payload string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.edited = append(h.edited, payload)
	return h.vetoEdit
}

func (h *recordingHooks) TriggerVehicleDeleted(sessionID, vid int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deleted = append(h.deleted, fmt.Sprintf("%d-%d", sessionID, vid))
}

func (h *recordingHooks) TriggerChatMessage(sessionID int, name, message string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.chatMessages = append(h.chatMessages, message)
	return h.vetoChat
}

func (h *recordingHooks) TriggerPlayerJoin(sessionID int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.joined = append(h.joined, sessionID)
}

func (h *recordingHooks) TriggerEvent(name string, sessionID int, arg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, name+":"+arg)
}
