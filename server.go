package main

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"time"

	"vehrelay/internal/identity"
	"vehrelay/internal/resource"
)

// Server owns the TCP/UDP listeners and drives the handshake -> session
// -> dispatch pipeline (C3/C5), grounded on the original's
// InitClient.cpp accept loop and VehicleData.cpp's UDPServerMain/LOOP,
// adapted to goroutines per §5's concurrency mapping.
type Server struct {
	cfg       *Config
	reg       *Registry
	fanout    *Fanout
	guard     *AdmissionGuard
	resolver  *identity.Resolver
	hooks     PluginHooks
	pps       *PPSCounter
	resources *resource.Store

	udpConn *net.UDPConn
}

// NewServer wires the pieces a running relay needs. resources and guard
// may be nil to disable resource transfer / admission limiting.
func NewServer(cfg *Config, reg *Registry, guard *AdmissionGuard, resolver *identity.Resolver, hooks PluginHooks, resources *resource.Store) *Server {
	if hooks == nil {
		hooks = noopHooks{}
	}
	configuredMaxPlayers = cfg.MaxPlayers
	maxCarsPerSession = cfg.Cars
	return &Server{
		cfg:       cfg,
		reg:       reg,
		fanout:    NewFanout(reg),
		guard:     guard,
		resolver:  resolver,
		hooks:     hooks,
		pps:       NewPPSCounter(),
		resources: resources,
	}
}

// Run starts the TCP accept loop and the shared UDP socket, blocking
// until ctx is cancelled or the TCP listener fails.
func (s *Server) Run(ctx context.Context, tcpAddr, udpAddr string) error {
	ln, err := net.Listen("tcp", tcpAddr)
	if err != nil {
		return fmt.Errorf("server: listen tcp %s: %w", tcpAddr, err)
	}
	defer ln.Close()

	resolvedUDP, err := net.ResolveUDPAddr("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("server: resolve udp %s: %w", udpAddr, err)
	}
	udpConn, err := net.ListenUDP("udp", resolvedUDP)
	if err != nil {
		return fmt.Errorf("server: listen udp %s: %w", udpAddr, err)
	}
	defer udpConn.Close()
	s.udpConn = udpConn

	go func() {
		<-ctx.Done()
		ln.Close()
		udpConn.Close()
	}()

	go s.udpReadLoop(ctx)

	log.Printf("[server] listening tcp=%s udp=%s", tcpAddr, udpAddr)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("[server] accept: %v", err)
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

// handleConn runs one session end-to-end: admission check, handshake,
// optional resource sync, then the serial reliable-read dispatch loop
// (one goroutine per session, §5).
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	if s.guard != nil && !s.guard.Allow(host) {
		conn.Close()
		return
	}

	hctx, cancel := context.WithTimeout(ctx, handshakeWatchdog)
	result, err := PerformHandshake(hctx, conn, s.resolver, s.reg, s.cfg.MaxPlayers)
	cancel()
	if err != nil {
		log.Printf("[server] handshake from %s: %v", host, err)
		conn.Close()
		return
	}

	sess := NewSession(result.Conn, s.udpConn)
	sess.Name = result.Name
	sess.IdentityToken = result.IdentityToken
	sess.Role = result.Role
	s.reg.Add(sess)
	log.Printf("[server] session %d (%s) connected from %s", sess.ID, sess.Name, host)

	defer func() {
		s.reg.Remove(sess.ID)
		sess.Close()
		log.Printf("[server] session %d (%s) disconnected: %s", sess.ID, sess.Name, sess.DisconnectReason())
	}()

	if s.resources != nil {
		if err := s.runResourceSync(sess); err != nil {
			sess.MarkDisconnect("resource sync failed: " + err.Error())
			return
		}
	}

	maintDone := make(chan struct{})
	go s.sessionMaintenance(ctx, sess, maintDone)
	defer close(maintDone)

	for {
		if ctx.Err() != nil {
			return
		}
		frame, err := sess.ReadFrame()
		if err != nil {
			sess.MarkDisconnect(fmt.Sprintf("read: %v", err))
			return
		}
		Dispatch(sess, frame, s.fanout, s.hooks, s.reg, s.pps)
		if sess.Status() < 0 {
			return
		}
	}
}

// sessionMaintenance drives the per-session UDP retransmit tick and
// stale-reassembly sweep (C4, §9) until the session or server stops.
func (s *Server) sessionMaintenance(ctx context.Context, sess *Session, done <-chan struct{}) {
	retransmit := time.NewTicker(udpRetransmitInterval)
	sweep := time.NewTicker(staleSweepInterval)
	defer retransmit.Stop()
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-retransmit.C:
			sess.reliability.retransmitTick(sess.SendDatagram)
		case <-sweep.C:
			sess.reliability.sweepStale()
		}
	}
}

// runResourceSync implements C9's handshake-adjacent phase: tell the
// client its id, then serve file/manifest requests until it sends
// "Done", grounded on Sync.cpp's SyncResources/Parse.
func (s *Server) runResourceSync(sess *Session) error {
	if err := sess.WriteFrame([]byte("P"+strconv.Itoa(sess.ID)), false); err != nil {
		return err
	}
	sess.SetStatus(StatusSyncingResources)
	for {
		frame, err := sess.ReadFrame()
		if err != nil {
			return err
		}
		if string(frame) == resourceSyncDone {
			return nil
		}
		s.handleResourceRequest(sess, frame)
	}
}

func (s *Server) handleResourceRequest(sess *Session, frame []byte) {
	if len(frame) == 0 {
		return
	}
	switch frame[0] {
	case resourceCodeFileRequest:
		path := string(frame[1:])
		f, size, err := s.resources.Resolve(path)
		if err != nil {
			_ = sess.WriteFrame([]byte(resourceDeny), false)
			return
		}
		defer f.Close()
		if err := sess.WriteFrame([]byte(resourceAccept), false); err != nil {
			return
		}
		// No auxiliary download socket in this transport: the whole
		// file goes out over the main connection, still chunked by
		// resource.ServeFile so memory use stays bounded.
		if err := resource.ServeFile(sess.conn, nil, f, size); err != nil {
			log.Printf("[server] serve %s to session %d: %v", path, sess.ID, err)
		}
	case resourceCodeManifest:
		if len(frame) > 1 && frame[1] == resourceManifestSubcode {
			wire, err := s.resources.ManifestWire()
			if err != nil {
				wire = "-"
			}
			_ = sess.WriteFrame([]byte(wire), false)
		}
	}
}

// udpReadLoop reads every datagram off the single shared UDP socket and
// routes it to the session its leading id byte names, grounded on
// VehicleData.cpp's UDPServerMain ("uint8_t ID = Data.at(0)-1").
func (s *Server) udpReadLoop(ctx context.Context) {
	buf := make([]byte, 10240)
	for {
		if ctx.Err() != nil {
			return
		}
		n, addr, err := s.udpConn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		if n < 2 || buf[1] != ':' {
			continue
		}
		id := int(buf[0]) - 1
		sess := s.reg.Get(id)
		if sess == nil {
			continue
		}
		sess.SetUDPAddr(addr)

		payload := make([]byte, n-2)
		copy(payload, buf[2:n])
		go s.handleUDPPacket(sess, payload)
	}
}

// handleUDPPacket implements UDPParser: decompress, ack (TRG:), dedupe
// and reassemble (BD:/SC), or hand a plain unreliable datagram straight
// to Dispatch.
func (s *Server) handleUDPPacket(sess *Session, payload []byte) {
	if bytes.HasPrefix(payload, []byte(compressedPrefix)) {
		inflated, err := inflate(payload[len(compressedPrefix):])
		if err != nil {
			return
		}
		payload = inflated
	}

	switch {
	case bytes.HasPrefix(payload, []byte("TRG:")):
		if id, err := strconv.Atoi(string(payload[4:])); err == nil {
			sess.reliability.ack(id)
		}
	case bytes.HasPrefix(payload, []byte("BD:")):
		id, rest, ok := parseBD(payload)
		if !ok {
			return
		}
		_ = sess.SendDatagram([]byte("TRG:" + strconv.Itoa(id)))
		if !sess.reliability.seen(id) {
			Dispatch(sess, rest, s.fanout, s.hooks, s.reg, s.pps)
		}
	case bytes.HasPrefix(payload, []byte("SC")):
		seq, total, id, splitID, frag, ok := parseChunk(payload)
		if !ok {
			return
		}
		_ = sess.SendDatagram([]byte("TRG:" + strconv.Itoa(id)))
		if sess.reliability.seen(id) {
			return
		}
		if full, done := sess.reliability.addFragment(splitID, total, seq, frag); done {
			Dispatch(sess, full, s.fanout, s.hooks, s.reg, s.pps)
		}
	default:
		Dispatch(sess, payload, s.fanout, s.hooks, s.reg, s.pps)
	}
}

// parseBD splits a "BD:<id>:<data>" datagram, mirroring UDPParser's
// manual find()/substr() arithmetic for that branch.
func parseBD(packet []byte) (id int, rest []byte, ok bool) {
	str := string(packet)
	if !strings.HasPrefix(str, "BD:") {
		return 0, nil, false
	}
	pos := strings.IndexByte(str[3:], ':')
	if pos < 0 {
		return 0, nil, false
	}
	pos += 3
	n, err := strconv.Atoi(str[3:pos])
	if err != nil {
		return 0, nil, false
	}
	return n, packet[pos+1:], true
}
