package main

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/flynn/noise"

	"vehrelay/internal/identity"
)

// clientHandshake drives the client side of the NN exchange against
// PerformHandshake's server side, returning a ready-to-use secureConn
// for the test to write/read application data on.
func clientHandshake(t *testing.T, conn net.Conn, versionAndIdentity string) *secureConn {
	t.Helper()
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: noiseCipherSuite,
		Pattern:     noise.HandshakeNN,
		Initiator:   true,
	})
	if err != nil {
		t.Fatalf("client noise init: %v", err)
	}

	msg1, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		t.Fatalf("client write msg1: %v", err)
	}
	if err := writeLengthPrefixed(conn, msg1); err != nil {
		t.Fatalf("client send msg1: %v", err)
	}

	msg2, err := readLengthPrefixed(conn)
	if err != nil {
		t.Fatalf("client read msg2: %v", err)
	}
	_, cs1, cs2, err := hs.ReadMessage(nil, msg2)
	if err != nil {
		t.Fatalf("client process msg2: %v", err)
	}

	// Initiator's send cipher is cs1, receive cipher is cs2.
	sc := newSecureConn(conn, cs1, cs2)
	if err := sc.writeSealed([]byte(versionAndIdentity)); err != nil {
		t.Fatalf("client send identity message: %v", err)
	}
	return sc
}

func roleServer(t *testing.T, role string) *identity.Resolver {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`["` + role + `"]`))
	}))
	t.Cleanup(srv.Close)
	return identity.NewResolver(srv.URL)
}

func TestPerformHandshakeSucceeds(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	reg := NewRegistry()
	resolver := roleServer(t, "Member")

	resultCh := make(chan *HandshakeResult, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := PerformHandshake(context.Background(), serverConn, resolver, reg, 8)
		resultCh <- res
		errCh <- err
	}()

	clientHandshake(t, clientConn, "VC1.0|NRRacer:token-abc")

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("PerformHandshake: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handshake")
	}
	res := <-resultCh
	if res.Name != "Racer" || res.IdentityToken != "token-abc" || res.Role != "Member" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestPerformHandshakeRejectsVersionMismatch(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	reg := NewRegistry()
	resolver := roleServer(t, "Member")

	errCh := make(chan error, 1)
	go func() {
		_, err := PerformHandshake(context.Background(), serverConn, resolver, reg, 8)
		errCh <- err
	}()

	clientHandshake(t, clientConn, "VC9.9|NRRacer:token-abc")

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected version mismatch to be rejected")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handshake")
	}
}

func TestPerformHandshakeRejectsWhenFull(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	reg := NewRegistry()
	reg.Add(&Session{})
	resolver := roleServer(t, "Member")

	errCh := make(chan error, 1)
	go func() {
		_, err := PerformHandshake(context.Background(), serverConn, resolver, reg, 1)
		errCh <- err
	}()

	clientHandshake(t, clientConn, "VC1.0|NRRacer:token-abc")

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected server-full rejection")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handshake")
	}
}

func TestPerformHandshakeMDEVBypassesCapacity(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	reg := NewRegistry()
	reg.Add(&Session{})
	resolver := roleServer(t, "MDEV")

	errCh := make(chan error, 1)
	go func() {
		_, err := PerformHandshake(context.Background(), serverConn, resolver, reg, 1)
		errCh <- err
	}()

	clientHandshake(t, clientConn, "VC1.0|NRAdmin:token-dev")

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("expected MDEV to bypass capacity, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handshake")
	}
}
