package tunnel

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dominicbreuker/quictun/internal/config"
)

func generateSelfSignedPair(t *testing.T, dir string) (certPath, keyPath string) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("ecdsa.GenerateKey: %v", err)
	}
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "quictun-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("x509.CreateCertificate: %v", err)
	}

	certPath = filepath.Join(dir, "cert.pem")
	keyPath = filepath.Join(dir, "key.pem")

	certOut, err := os.Create(certPath)
	if err != nil {
		t.Fatalf("os.Create(cert): %v", err)
	}
	defer certOut.Close()
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der}); err != nil {
		t.Fatalf("pem.Encode(cert): %v", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		t.Fatalf("x509.MarshalECPrivateKey: %v", err)
	}
	keyOut, err := os.Create(keyPath)
	if err != nil {
		t.Fatalf("os.Create(key): %v", err)
	}
	defer keyOut.Close()
	if err := pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}); err != nil {
		t.Fatalf("pem.Encode(key): %v", err)
	}
	return certPath, keyPath
}

func freeUDPPort(t *testing.T) uint16 {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("net.ListenUDP: %v", err)
	}
	defer conn.Close()
	return uint16(conn.LocalAddr().(*net.UDPAddr).Port)
}

func freeTCPPort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	defer ln.Close()
	return uint16(ln.Addr().(*net.TCPAddr).Port)
}

// startEchoServer starts a plain TCP server that echoes back whatever it
// reads, standing in for the real upstream the server engine dials.
func startEchoServer(t *testing.T) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(conn)
		}
	}()
	return ln.Addr().String(), func() { _ = ln.Close() }
}

func TestClientServerEndToEndEcho(t *testing.T) {
	log := zerolog.Nop()

	originAddr, stopOrigin := startEchoServer(t)
	defer stopOrigin()
	originHost, originPortStr, err := net.SplitHostPort(originAddr)
	if err != nil {
		t.Fatalf("net.SplitHostPort: %v", err)
	}
	var originPort int
	fmt.Sscanf(originPortStr, "%d", &originPort)

	certDir := t.TempDir()
	certPath, keyPath := generateSelfSignedPair(t, certDir)
	quicPort := freeUDPPort(t)

	serverCfg := &config.Config{
		App: config.AppConfig{
			ServerMode: true,
			BindIP:     "127.0.0.1",
			BindPort:   quicPort,
			PeerIP:     originHost,
			PeerPort:   uint16(originPort),
		},
		TCP: config.TCPConfig{ReadWatermark: 1 << 16},
		QUIC: config.QUICConfig{
			IdleTimeout:                    30,
			InitialMaxStreamDataBidiLocal:  1 << 20,
			InitialMaxStreamDataBidiRemote: 1 << 20,
			InitialMaxStreamsBidi:          16,
			InitialMaxData:                 1 << 24,
			MaxPayloadSize:                 1350,
			CertChainPath:                  certPath,
			PrivateKeyPath:                 keyPath,
		},
	}

	srv, err := NewServer(serverCfg, log)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer srv.Close()

	clientBindPort := freeTCPPort(t)
	clientCfg := &config.Config{
		App: config.AppConfig{
			ServerMode: false,
			Protocol:   "http",
			BindIP:     "127.0.0.1",
			BindPort:   clientBindPort,
			PeerIP:     "127.0.0.1",
			PeerPort:   quicPort,
		},
		TCP: config.TCPConfig{ReadWatermark: 1 << 16},
		QUIC: config.QUICConfig{
			IdleTimeout:                    30,
			InitialMaxStreamDataBidiLocal:  1 << 20,
			InitialMaxStreamDataBidiRemote: 1 << 20,
			InitialMaxStreamsBidi:          0,
			InitialMaxData:                 1 << 24,
			MaxPayloadSize:                 1350,
		},
	}

	clientEngine := NewClientEngine(clientCfg, log)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bindAddr := fmt.Sprintf("127.0.0.1:%d", clientBindPort)
	runErrCh := make(chan error, 1)
	go func() { runErrCh <- clientEngine.Run(ctx, bindAddr) }()

	// Give the TCP listener a moment to bind before dialing it.
	var conn net.Conn
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("tcp", bindAddr)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("net.Dial(client bind): %v", err)
	}
	defer conn.Close()

	payload := []byte("round trip through quictun")
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	got := make([]byte, len(payload))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("io.ReadFull: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}

	cancel()
	select {
	case <-runErrCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ClientEngine.Run to return")
	}
}

// TestClientServerEndToEndEchoAcrossFlowControlWindow pins the QUIC
// stream/connection flow-control windows far below the payload size, so
// sendAll is guaranteed to hit conn.Send's short-write path (and its
// background flush) repeatedly while forwarding a single chunk. It guards
// against re-offering bytes the background flush already owns: a regression
// there would duplicate a segment of the payload on the wire, and the
// echoed-back bytes would no longer match byte-for-byte.
func TestClientServerEndToEndEchoAcrossFlowControlWindow(t *testing.T) {
	log := zerolog.Nop()

	originAddr, stopOrigin := startEchoServer(t)
	defer stopOrigin()
	originHost, originPortStr, err := net.SplitHostPort(originAddr)
	if err != nil {
		t.Fatalf("net.SplitHostPort: %v", err)
	}
	var originPort int
	fmt.Sscanf(originPortStr, "%d", &originPort)

	certDir := t.TempDir()
	certPath, keyPath := generateSelfSignedPair(t, certDir)
	quicPort := freeUDPPort(t)

	// Deliberately tiny windows relative to the payload below: every
	// forwardChunkSize-sized offer to conn.Send will exceed them, forcing
	// the short-write/background-flush path on (almost) every call.
	const windowSize = 4096

	serverCfg := &config.Config{
		App: config.AppConfig{
			ServerMode: true,
			BindIP:     "127.0.0.1",
			BindPort:   quicPort,
			PeerIP:     originHost,
			PeerPort:   uint16(originPort),
		},
		TCP: config.TCPConfig{ReadWatermark: 1 << 16},
		QUIC: config.QUICConfig{
			IdleTimeout:                    30,
			InitialMaxStreamDataBidiLocal:  windowSize,
			InitialMaxStreamDataBidiRemote: windowSize,
			InitialMaxStreamsBidi:          16,
			InitialMaxData:                 windowSize * 4,
			MaxPayloadSize:                 1350,
			CertChainPath:                  certPath,
			PrivateKeyPath:                 keyPath,
		},
	}

	srv, err := NewServer(serverCfg, log)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer srv.Close()

	clientBindPort := freeTCPPort(t)
	clientCfg := &config.Config{
		App: config.AppConfig{
			ServerMode: false,
			Protocol:   "http",
			BindIP:     "127.0.0.1",
			BindPort:   clientBindPort,
			PeerIP:     "127.0.0.1",
			PeerPort:   quicPort,
		},
		TCP: config.TCPConfig{ReadWatermark: 1 << 16},
		QUIC: config.QUICConfig{
			IdleTimeout:                    30,
			InitialMaxStreamDataBidiLocal:  windowSize,
			InitialMaxStreamDataBidiRemote: windowSize,
			InitialMaxStreamsBidi:          0,
			InitialMaxData:                 windowSize * 4,
			MaxPayloadSize:                 1350,
		},
	}

	clientEngine := NewClientEngine(clientCfg, log)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bindAddr := fmt.Sprintf("127.0.0.1:%d", clientBindPort)
	runErrCh := make(chan error, 1)
	go func() { runErrCh <- clientEngine.Run(ctx, bindAddr) }()

	var conn net.Conn
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("tcp", bindAddr)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("net.Dial(client bind): %v", err)
	}
	defer conn.Close()

	// Several times larger than forwardChunkSize and the flow-control
	// window, so the forward loop must cross the window boundary many
	// times over the course of one chunk.
	payload := make([]byte, 256*1024)
	for i := range payload {
		payload[i] = byte(i)
	}

	writeErrCh := make(chan error, 1)
	go func() {
		_, err := conn.Write(payload)
		writeErrCh <- err
	}()

	_ = conn.SetReadDeadline(time.Now().Add(20 * time.Second))
	got := make([]byte, len(payload))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("io.ReadFull: %v", err)
	}
	if err := <-writeErrCh; err != nil {
		t.Fatalf("conn.Write: %v", err)
	}

	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("payload mismatch at byte %d: got %02x, want %02x (duplicated/shifted segment?)", i, got[i], payload[i])
		}
	}

	// Confirm nothing further arrives: a duplicated segment would show up
	// as extra trailing bytes beyond len(payload).
	_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	extra := make([]byte, 1)
	if n, err := conn.Read(extra); n > 0 {
		t.Fatalf("unexpected extra byte after full payload: %v (err=%v)", extra[:n], err)
	}

	cancel()
	select {
	case <-runErrCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ClientEngine.Run to return")
	}
}
