package main

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
)

// compressedPrefix marks a payload (TCP or UDP) whose remainder is a raw
// zlib (DEFLATE) stream. It must stay byte-for-byte compatible with the
// game client, which predates this server and is not under our control.
const compressedPrefix = "ABG:"

// maxFrameBytes bounds a single reliable-stream frame. The original server
// used a fixed 30000-byte compressor buffer as a de facto cap on payload
// size (§9); streaming zlib here has no such buffer, so the cap is made
// explicit and generous instead of incidental and tiny.
const maxFrameBytes = 8 << 20 // 8 MiB

// ReadFrame reads one length-prefixed record from r: a 4-byte little-endian
// length N followed by N bytes. A payload beginning with compressedPrefix is
// inflated before being returned. Per §4.1, a 0-length read, a negative
// result, or a partial frame is a transport failure that the caller must
// treat as fail-close (the session's status drops below 0).
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n == 0 {
		return nil, io.EOF
	}
	if int64(n) > maxFrameBytes {
		return nil, fmt.Errorf("frame of %d bytes exceeds %d byte cap", n, maxFrameBytes)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	if bytes.HasPrefix(payload, []byte(compressedPrefix)) {
		return inflate(payload[len(compressedPrefix):])
	}
	return payload, nil
}

// WriteFrame writes payload to w as a length-prefixed record. compress
// requests zlib compression with the ABG: marker prefix.
func WriteFrame(w io.Writer, payload []byte, compress bool) error {
	if compress {
		deflated, err := deflate(payload)
		if err != nil {
			return fmt.Errorf("deflate frame: %w", err)
		}
		payload = append([]byte(compressedPrefix), deflated...)
	}

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// deflate zlib-compresses data using a streaming writer rather than a fixed
// scratch buffer (§9).
func deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(data); err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// inflate decompresses a raw zlib stream.
func inflate(data []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("zlib reader: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(io.LimitReader(zr, maxFrameBytes))
	if err != nil {
		return nil, fmt.Errorf("inflate: %w", err)
	}
	return out, nil
}
