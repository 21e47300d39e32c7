package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("Ctest chat message")
	if err := WriteFrame(&buf, payload, false); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestFrameRoundTripCompressed(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte(strings.Repeat("Ovehicle-data-payload;", 200))
	if err := WriteFrame(&buf, payload, true); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch: got %d bytes, want %d", len(got), len(payload))
	}
}

func TestReadFrameRejectsZeroLength(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0, 0, 0, 0})
	if _, err := ReadFrame(buf); err == nil {
		t.Fatalf("expected error on zero-length frame")
	}
}

func TestReadFramePartialFails(t *testing.T) {
	var buf bytes.Buffer
	_ = WriteFrame(&buf, []byte("hello world"), false)
	truncated := bytes.NewBuffer(buf.Bytes()[:6])
	if _, err := ReadFrame(truncated); err == nil {
		t.Fatalf("expected error on truncated frame")
	}
}
