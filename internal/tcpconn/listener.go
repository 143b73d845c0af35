package tcpconn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// maxConcurrentAccepts bounds how many inbound TCP connections this
// endpoint will hand to a handler concurrently before rejecting new ones
// outright, mirroring the teacher's fixed accept-semaphore sizing.
const maxConcurrentAccepts = 1024

// Handler processes one accepted connection. It owns the connection's
// lifecycle: the accept loop does not close it after Handler returns, so
// Handler may keep using it from other goroutines and must close it itself.
type Handler func(net.Conn)

// Dial opens a TCP connection to addr with keep-alive enabled, used by the
// server side to reach the configured upstream for each new stream.
func Dial(addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	conn, err := d.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("net.Dial(tcp, %s): %w", addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
	}
	return conn, nil
}

// Listen binds addr for subsequent use with Serve.
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{}
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("net.Listen(tcp, %s): %w", addr, err)
	}
	return listener, nil
}

// ListenAndServe listens on addr and invokes handler for every accepted
// connection in its own goroutine, until ctx is cancelled. Up to
// maxConcurrentAccepts connections run concurrently; beyond that, new
// connections are closed immediately. Cancelling ctx closes the listener
// and returns once the accept loop has exited.
func ListenAndServe(ctx context.Context, addr string, handler Handler) error {
	listener, err := Listen(ctx, addr)
	if err != nil {
		return err
	}
	return Serve(ctx, listener, handler)
}

// Serve runs the accept loop over an already-bound listener until ctx is
// cancelled, invoking handler for every accepted connection in its own
// goroutine. Up to maxConcurrentAccepts connections run concurrently;
// beyond that, new connections are closed immediately.
func Serve(ctx context.Context, listener net.Listener, handler Handler) error {
	errCh := make(chan error, 1)
	go func() { errCh <- acceptLoop(listener, handler) }()

	select {
	case <-ctx.Done():
		_ = listener.Close()
		err := <-errCh
		if err == nil || isClosedErr(err) {
			return nil
		}
		return fmt.Errorf("serving %s after cancellation: %w", listener.Addr(), err)
	case err := <-errCh:
		if err == nil || isClosedErr(err) {
			return nil
		}
		return fmt.Errorf("serving %s: %w", listener.Addr(), err)
	}
}

func acceptLoop(listener net.Listener, handler Handler) error {
	sem := make(chan struct{}, maxConcurrentAccepts)
	for i := 0; i < maxConcurrentAccepts; i++ {
		sem <- struct{}{}
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			if isClosedErr(err) {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			return fmt.Errorf("Accept(): %w", err)
		}

		select {
		case <-sem:
			go func() {
				defer func() { sem <- struct{}{} }()
				handler(conn)
			}()
		default:
			_ = conn.Close()
		}
	}
}

func isClosedErr(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), "use of closed network connection")
}
