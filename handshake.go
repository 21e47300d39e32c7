package main

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/flynn/noise"

	"vehrelay/internal/identity"
)

// handshakeWatchdog bounds the entire handshake (§4.2); if it has not
// completed by this deadline the connection is closed out from under it,
// mirroring the original's 5-second Check() thread closing the raw
// socket.
const handshakeWatchdog = 5 * time.Second

// protocolVersion is the version string this server expects from the
// client's "VC<version>" message. A mismatch is a hard reject.
const protocolVersion = "1.0"

// noiseCipherSuite replaces the original's textbook RSA key exchange
// (§9) with a real AEAD handshake: Noise NN over Curve25519, AES-256-GCM,
// SHA-256 — no static keys are needed since the server has no long-term
// identity the client must authenticate, only the per-connection session
// must be confidential and tamper-evident.
var noiseCipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherAESGCM, noise.HashSHA256)

// HandshakeError carries a reason suitable for a log line and for
// deciding whether the caller should close without registering a
// session.
type HandshakeError struct {
	Reason string
	Err    error
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("handshake: %s: %v", e.Reason, e.Err)
	}
	return "handshake: " + e.Reason
}

func (e *HandshakeError) Unwrap() error { return e.Err }

func rejectf(reason string, err error) error {
	return &HandshakeError{Reason: reason, Err: err}
}

// secureConn wraps a net.Conn whose framed payloads are additionally
// sealed with a Noise transport cipher, so ReadFrame/WriteFrame
// (length-prefix + optional zlib) keep working unmodified on top.
type secureConn struct {
	net.Conn
	reader  *bufio.Reader
	send    *noise.CipherState
	recv    *noise.CipherState
	pending []byte // undelivered remainder of the last decrypted chunk
}

func newSecureConn(conn net.Conn, send, recv *noise.CipherState) *secureConn {
	return &secureConn{Conn: conn, reader: bufio.NewReaderSize(conn, 64<<10), send: send, recv: recv}
}

var _ io.ReadWriter = (*secureConn)(nil)

func (c *secureConn) readSealed() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.reader, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	ciphertext := make([]byte, n)
	if _, err := io.ReadFull(c.reader, ciphertext); err != nil {
		return nil, err
	}
	return c.recv.Decrypt(nil, nil, ciphertext)
}

func (c *secureConn) writeSealed(plaintext []byte) error {
	ciphertext, err := c.send.Encrypt(nil, nil, plaintext)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(ciphertext)))
	if _, err := c.Conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = c.Conn.Write(ciphertext)
	return err
}

// Read implements io.Reader by decrypting one Noise-sealed, length-
// prefixed chunk per call, buffering any remainder on c.pending so
// ReadFrame's own length-prefix framing can consume the plaintext stream
// at whatever granularity it likes.
func (c *secureConn) Read(p []byte) (int, error) {
	if len(c.pending) == 0 {
		chunk, err := c.readSealed()
		if err != nil {
			return 0, err
		}
		c.pending = chunk
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *secureConn) Write(p []byte) (int, error) {
	if err := c.writeSealed(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// HandshakeResult carries the outcome of a successful handshake: a
// connection wrapped in the Noise transport cipher plus the client's
// declared identity, ready for NewSession.
type HandshakeResult struct {
	Conn          net.Conn
	Name          string
	IdentityToken string
	Role          string
}

// PerformHandshake runs the full admission sequence over a freshly
// accepted TCP connection: Noise NN key exchange, protocol version
// check, identity capture, role resolution, duplicate-identity eviction,
// and capacity enforcement (§4.2). It replaces the original's
// Identification() state machine one-for-one, substituting a real AEAD
// handshake for the broken RSA exchange and returning an error instead
// of silently closing the socket, so the caller can log why admission
// failed.
func PerformHandshake(ctx context.Context, conn net.Conn, resolver *identity.Resolver, reg *Registry, maxPlayers int) (*HandshakeResult, error) {
	deadline := time.Now().Add(handshakeWatchdog)
	_ = conn.SetDeadline(deadline)
	defer conn.SetDeadline(time.Time{})

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: noiseCipherSuite,
		Pattern:     noise.HandshakeNN,
		Initiator:   false,
	})
	if err != nil {
		return nil, rejectf("noise init", err)
	}

	// Message 1: client -> server (e).
	msg1, err := readLengthPrefixed(conn)
	if err != nil {
		return nil, rejectf("read handshake msg1", err)
	}
	if _, _, _, err := hs.ReadMessage(nil, msg1); err != nil {
		return nil, rejectf("noise read msg1", err)
	}

	// Message 2: server -> client (e, ee), empty payload. Noise NN
	// completes on this message.
	msg2, cs1, cs2, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, rejectf("noise write msg2", err)
	}
	if cs1 == nil || cs2 == nil {
		return nil, rejectf("handshake did not complete on msg2", nil)
	}
	if err := writeLengthPrefixed(conn, msg2); err != nil {
		return nil, rejectf("send handshake msg2", err)
	}
	// Responder's send cipher is cs2, receive cipher is cs1 (flynn/noise
	// convention used identically in the Noise wrapper this is grounded
	// on).
	secure := newSecureConn(conn, cs2, cs1)

	// The client's first sealed transport message carries
	// "VC<version>|NR<name>:<token>", replacing the two-Rcv()-calls dance
	// the original used around RSA_D.
	payload, err := secure.readSealed()
	if err != nil {
		return nil, rejectf("read identity message", err)
	}

	name, token, err := parseIdentityPayload(payload)
	if err != nil {
		return nil, rejectf("malformed identity payload", err)
	}

	role, err := resolver.Resolve(ctx, token)
	if err != nil || role == "" {
		return nil, rejectf("role resolution failed", err)
	}

	// Duplicate-identity eviction: a second connection from an already
	// registered identity token kicks the stale one (§4.2, §9).
	if prior := reg.FindByIdentity(token); prior != nil {
		prior.Kick("superseded by a new connection with the same identity")
	}

	// Capacity: an MDEV role always gets in; everyone else is capped at
	// maxPlayers plus the number of MDEVs already connected (§4.2, §9).
	if role != "MDEV" {
		effectiveMax := maxPlayers + reg.CountByRole("MDEV")
		if reg.Count() >= effectiveMax {
			return nil, rejectf("server full", nil)
		}
	}

	return &HandshakeResult{Conn: secure, Name: name, IdentityToken: token, Role: role}, nil
}

func readLengthPrefixed(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > 8192 {
		return nil, errors.New("invalid handshake message length")
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeLengthPrefixed(w io.Writer, data []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// parseIdentityPayload splits the identity message
// "VC<version>|NR<name>:<token>" into the client's chosen name and
// identity token, rejecting a protocol version mismatch exactly as the
// original did for its "VC" message.
func parseIdentityPayload(payload []byte) (name, token string, err error) {
	s := string(payload)
	parts := strings.SplitN(s, "|", 2)
	if len(parts) != 2 {
		return "", "", errors.New("missing version/identity separator")
	}
	verPart, idPart := parts[0], parts[1]

	if !strings.HasPrefix(verPart, "VC") {
		return "", "", errors.New("missing VC prefix")
	}
	if verPart[2:] != protocolVersion {
		return "", "", fmt.Errorf("version mismatch: got %q, want %q", verPart[2:], protocolVersion)
	}

	if !strings.HasPrefix(idPart, "NR") {
		return "", "", errors.New("missing NR prefix")
	}
	idPart = idPart[2:]
	colon := strings.IndexByte(idPart, ':')
	if colon < 0 {
		return "", "", errors.New("missing name/token separator")
	}
	name = idPart[:colon]
	token = idPart[colon+1:]
	if name == "" || token == "" {
		return "", "", errors.New("empty name or token")
	}
	return name, token, nil
}
