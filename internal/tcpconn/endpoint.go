// Package tcpconn wraps a TCP connection in a channel-based endpoint whose
// buffered channel stands in for the reactor model's "readable-buffer
// watermark": once the channel is full, the reader goroutine blocks on
// send instead of calling Read again, which is the direct analogue of
// disabling EV_READ on a bufferevent. It also provides the dial/listen
// helpers the tunnel uses on both the client (accept local TCP) and
// server (dial upstream TCP) sides, and a best-effort HTTP Host sniff.
package tcpconn

import (
	"errors"
	"io"
	"net"
)

const chunkSize = 32 * 1024

// Chunk is one unit delivered from the endpoint's reader goroutine: either
// a slice of bytes read from the wire, or a terminal error (io.EOF on
// clean close, anything else on a hard failure). Exactly one terminal
// Chunk is ever delivered, and it is always the last one sent before the
// channel closes.
type Chunk struct {
	Data []byte
	Err  error
}

// Endpoint wraps a net.Conn with a buffered-channel reader. The channel
// capacity is derived from the configured read watermark so that a slow
// consumer naturally throttles how fast the wire is drained.
type Endpoint struct {
	conn   net.Conn
	chunks chan Chunk
}

// NewEndpoint starts the reader goroutine and returns the endpoint.
// watermark is the configured `[tcp] read_watermark` in bytes; the
// channel depth is watermark/chunkSize (minimum 1).
func NewEndpoint(conn net.Conn, watermark uint32) *Endpoint {
	depth := int(watermark) / chunkSize
	if depth < 1 {
		depth = 1
	}

	e := &Endpoint{
		conn:   conn,
		chunks: make(chan Chunk, depth),
	}
	go e.readLoop()
	return e
}

func (e *Endpoint) readLoop() {
	defer close(e.chunks)
	for {
		buf := make([]byte, chunkSize)
		n, err := e.conn.Read(buf)
		if n > 0 {
			e.chunks <- Chunk{Data: buf[:n]}
		}
		if err != nil {
			e.chunks <- Chunk{Err: err}
			return
		}
	}
}

// Chunks returns the channel of incoming data. The channel closes after
// its final Chunk (which always carries a non-nil Err) has been received.
func (e *Endpoint) Chunks() <-chan Chunk {
	return e.chunks
}

// Write writes p to the underlying connection. It blocks like a normal
// net.Conn.Write; callers that need non-blocking behavior run it in its
// own goroutine (as internal/tunnel does).
func (e *Endpoint) Write(p []byte) (int, error) {
	return e.conn.Write(p)
}

// CloseRead shuts down the read half only, matching spec.md §4.7.5's
// "tell it to shutdown_read" step translated to the TCP side: we stop
// consuming from the peer once our own input is exhausted.
func (e *Endpoint) CloseRead() error {
	if tc, ok := e.conn.(interface{ CloseRead() error }); ok {
		return tc.CloseRead()
	}
	return e.conn.Close()
}

// CloseWrite half-closes the write side (sends a TCP FIN) without
// tearing down the read side, used once the QUIC-side input is drained.
func (e *Endpoint) CloseWrite() error {
	if tc, ok := e.conn.(interface{ CloseWrite() error }); ok {
		return tc.CloseWrite()
	}
	return e.conn.Close()
}

// Close tears down the connection fully.
func (e *Endpoint) Close() error {
	return e.conn.Close()
}

// RemoteAddr returns the peer address of the wrapped connection.
func (e *Endpoint) RemoteAddr() net.Addr {
	return e.conn.RemoteAddr()
}

// IsEOF reports whether err is a clean end-of-stream as opposed to a
// hard failure, used by callers deciding how to log a terminal Chunk.
func IsEOF(err error) bool {
	return errors.Is(err, io.EOF)
}
