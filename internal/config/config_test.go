package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "quictun.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

const minimalServerConfig = `
[app]
server_mode = true
bind_ip = "0.0.0.0"
bind_port = 4433
peer_ip = "127.0.0.1"
peer_port = 7

[admin]
bind_port = 9100

[quic]
idle_timeout = 30
cert_chain_path = "cert.pem"
private_key_path = "key.pem"
`

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, minimalServerConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.App.Protocol != defaultProtocol {
		t.Errorf("Protocol = %q, want %q", cfg.App.Protocol, defaultProtocol)
	}
	if cfg.TCP.ReadWatermark != defaultReadWatermark {
		t.Errorf("ReadWatermark = %d, want %d", cfg.TCP.ReadWatermark, defaultReadWatermark)
	}
	if cfg.QUIC.MaxPayloadSize != defaultMaxPayloadSize {
		t.Errorf("MaxPayloadSize = %d, want %d", cfg.QUIC.MaxPayloadSize, defaultMaxPayloadSize)
	}
	if cfg.Log.Level != defaultLogLevel {
		t.Errorf("Level = %q, want %q", cfg.Log.Level, defaultLogLevel)
	}
}

func TestLoadResolvesRelativePaths(t *testing.T) {
	path := writeConfig(t, minimalServerConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	dir := filepath.Dir(path)
	if cfg.QUIC.CertChainPath != filepath.Join(dir, "cert.pem") {
		t.Errorf("CertChainPath = %q, want resolved against %q", cfg.QUIC.CertChainPath, dir)
	}
}

func TestLoadClientModeForcesZeroStreams(t *testing.T) {
	body := `
[app]
server_mode = false
bind_ip = "127.0.0.1"
bind_port = 9000
peer_ip = "127.0.0.1"
peer_port = 4433

[admin]
bind_port = 9101

[quic]
idle_timeout = 30
initial_max_streams_bidi = 128
`
	path := writeConfig(t, body)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.QUIC.InitialMaxStreamsBidi != 0 {
		t.Errorf("InitialMaxStreamsBidi = %d, want 0 in client mode", cfg.QUIC.InitialMaxStreamsBidi)
	}
}

func TestValidateMaxPayloadSizeBoundaries(t *testing.T) {
	cases := []struct {
		size    uint32
		wantErr bool
	}{
		{1199, true},
		{1200, false},
		{65500, false},
		{65501, true},
	}

	for _, c := range cases {
		cfg := baseValidConfig()
		cfg.QUIC.MaxPayloadSize = c.size
		errs := cfg.Validate()
		hasPayloadErr := false
		for _, e := range errs {
			if e != nil && strings.Contains(e.Error(), "max_payload_size") {
				hasPayloadErr = true
			}
		}
		if hasPayloadErr != c.wantErr {
			t.Errorf("size %d: got error=%v, want %v (errs=%v)", c.size, hasPayloadErr, c.wantErr, errs)
		}
	}
}

func baseValidConfig() *Config {
	return &Config{
		App: AppConfig{
			ServerMode: true,
			PeerIP:     "127.0.0.1",
			PeerPort:   7,
		},
		Admin: AdminConfig{
			BindPort: 9100,
		},
		QUIC: QUICConfig{
			IdleTimeout:    30,
			MaxPayloadSize: defaultMaxPayloadSize,
			CertChainPath:  "cert.pem",
			PrivateKeyPath: "key.pem",
		},
		Log: LogConfig{
			Level:      "info",
			FlushLevel: "warn",
		},
	}
}

func TestValidateServerModeRequiresCerts(t *testing.T) {
	cfg := baseValidConfig()
	cfg.QUIC.CertChainPath = ""
	cfg.QUIC.PrivateKeyPath = ""

	errs := cfg.Validate()
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %d: %v", len(errs), errs)
	}
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	cfg := baseValidConfig()
	cfg.Log.Level = "verbose"

	errs := cfg.Validate()
	if len(errs) == 0 {
		t.Fatalf("expected an error for unknown log level")
	}
}
