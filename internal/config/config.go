// Package config loads and validates the TOML configuration file described
// by spec.md §6: application mode, admin HTTP bind address, TCP watermark,
// QUIC transport parameters, and logging.
package config

import (
	"fmt"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the fully parsed, defaulted configuration.
type Config struct {
	App   AppConfig   `toml:"app"`
	Admin AdminConfig `toml:"admin"`
	TCP   TCPConfig   `toml:"tcp"`
	QUIC  QUICConfig  `toml:"quic"`
	Log   LogConfig   `toml:"log"`

	// dir is the directory the config file lives in; relative paths are
	// resolved against it.
	dir string
}

// AppConfig is the `[app]` section.
type AppConfig struct {
	ServerMode bool   `toml:"server_mode"`
	Protocol   string `toml:"protocol"`
	BindIP     string `toml:"bind_ip"`
	BindPort   uint16 `toml:"bind_port"`
	PeerIP     string `toml:"peer_ip"`
	PeerPort   uint16 `toml:"peer_port"`
}

// AdminConfig is the `[admin]` section.
type AdminConfig struct {
	BindIP   string `toml:"bind_ip"`
	BindPort uint16 `toml:"bind_port"`
}

// TCPConfig is the `[tcp]` section.
type TCPConfig struct {
	ReadWatermark uint32 `toml:"read_watermark"`
}

// QUICConfig is the `[quic]` section.
type QUICConfig struct {
	EnableDebugLogging         bool   `toml:"enable_debug_logging"`
	IdleTimeout                uint32 `toml:"idle_timeout"`
	InitialMaxStreamDataBidiLocal  uint32 `toml:"initial_max_stream_data_bidi_local"`
	InitialMaxStreamDataBidiRemote uint32 `toml:"initial_max_stream_data_bidi_remote"`
	InitialMaxStreamsBidi      uint32 `toml:"initial_max_streams_bidi"`
	InitialMaxData             uint32 `toml:"initial_max_data"`
	MaxPayloadSize              uint32 `toml:"max_payload_size"`
	CertChainPath               string `toml:"cert_chain_path"`
	PrivateKeyPath               string `toml:"private_key_path"`
}

// LogConfig is the `[log]` section.
type LogConfig struct {
	File        string `toml:"file"`
	Level       string `toml:"level"`
	FlushLevel  string `toml:"flush_level"`
	Pattern     string `toml:"pattern"`
	MaxSizeMB   uint32 `toml:"max_size"`
	MaxFiles    uint32 `toml:"max_files"`
}

const (
	defaultProtocol                       = "http"
	defaultAdminBindIP                    = "127.0.0.1"
	defaultReadWatermark                  = 1048576
	defaultInitialMaxStreamDataBidiLocal  = 1048576
	defaultInitialMaxStreamDataBidiRemote = 1048576
	defaultInitialMaxStreamsBidi          = 128
	defaultInitialMaxData                 = 10485760
	defaultMaxPayloadSize                 = 1350
	defaultLogLevel                       = "info"
	defaultFlushLevel                     = "warn"
	defaultMaxSizeMB                      = 20
	defaultMaxFiles                       = 5

	minMaxPayloadSize = 1200
	maxMaxPayloadSize = 65500
)

// Load reads path, applies defaults, resolves relative file paths against
// the config file's own directory, and forces `initial_max_streams_bidi` to
// 0 in client mode. It does not validate; call Validate separately so
// callers can decide whether to treat problems as fatal.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("toml.DecodeFile(%s): %w", path, err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("filepath.Abs(%s): %w", path, err)
	}
	cfg.dir = filepath.Dir(abs)

	cfg.applyDefaults()
	cfg.resolveRelativePaths()

	if !cfg.App.ServerMode {
		cfg.QUIC.InitialMaxStreamsBidi = 0
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.Protocol == "" {
		c.App.Protocol = defaultProtocol
	}
	if c.Admin.BindIP == "" {
		c.Admin.BindIP = defaultAdminBindIP
	}
	if c.TCP.ReadWatermark == 0 {
		c.TCP.ReadWatermark = defaultReadWatermark
	}
	if c.QUIC.InitialMaxStreamDataBidiLocal == 0 {
		c.QUIC.InitialMaxStreamDataBidiLocal = defaultInitialMaxStreamDataBidiLocal
	}
	if c.QUIC.InitialMaxStreamDataBidiRemote == 0 {
		c.QUIC.InitialMaxStreamDataBidiRemote = defaultInitialMaxStreamDataBidiRemote
	}
	if c.QUIC.InitialMaxStreamsBidi == 0 {
		c.QUIC.InitialMaxStreamsBidi = defaultInitialMaxStreamsBidi
	}
	if c.QUIC.InitialMaxData == 0 {
		c.QUIC.InitialMaxData = defaultInitialMaxData
	}
	if c.QUIC.MaxPayloadSize == 0 {
		c.QUIC.MaxPayloadSize = defaultMaxPayloadSize
	}
	if c.Log.Level == "" {
		c.Log.Level = defaultLogLevel
	}
	if c.Log.FlushLevel == "" {
		c.Log.FlushLevel = defaultFlushLevel
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = defaultMaxSizeMB
	}
	if c.Log.MaxFiles == 0 {
		c.Log.MaxFiles = defaultMaxFiles
	}
}

func (c *Config) resolveRelativePaths() {
	c.QUIC.CertChainPath = c.resolve(c.QUIC.CertChainPath)
	c.QUIC.PrivateKeyPath = c.resolve(c.QUIC.PrivateKeyPath)
	c.Log.File = c.resolve(c.Log.File)
}

func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.dir, p)
}

// Validate aggregates every validation error found in the config, matching
// the teacher's `Validate() []error` contract so every problem is reported
// at once instead of failing fast on the first one.
func (c *Config) Validate() []error {
	var errs []error

	if c.App.BindPort == 0 && !c.App.ServerMode {
		errs = append(errs, fmt.Errorf("app.bind_port: must not be 0"))
	}
	if c.App.PeerIP == "" {
		errs = append(errs, fmt.Errorf("app.peer_ip: must not be empty"))
	}
	if c.App.PeerPort == 0 {
		errs = append(errs, fmt.Errorf("app.peer_port: must not be 0"))
	}
	if c.App.ServerMode {
		if c.QUIC.CertChainPath == "" {
			errs = append(errs, fmt.Errorf("quic.cert_chain_path: required in server mode"))
		}
		if c.QUIC.PrivateKeyPath == "" {
			errs = append(errs, fmt.Errorf("quic.private_key_path: required in server mode"))
		}
	}
	if c.Admin.BindPort == 0 {
		errs = append(errs, fmt.Errorf("admin.bind_port: must not be 0"))
	}

	if c.QUIC.MaxPayloadSize < minMaxPayloadSize || c.QUIC.MaxPayloadSize > maxMaxPayloadSize {
		errs = append(errs, fmt.Errorf("quic.max_payload_size: must be within [%d, %d], got %d",
			minMaxPayloadSize, maxMaxPayloadSize, c.QUIC.MaxPayloadSize))
	}
	if c.QUIC.IdleTimeout == 0 {
		errs = append(errs, fmt.Errorf("quic.idle_timeout: must not be 0"))
	}

	if _, ok := parseLevel(c.Log.Level); !ok {
		errs = append(errs, fmt.Errorf("log.level: unrecognized level %q", c.Log.Level))
	}
	if _, ok := parseLevel(c.Log.FlushLevel); !ok {
		errs = append(errs, fmt.Errorf("log.flush_level: unrecognized level %q", c.Log.FlushLevel))
	}

	return errs
}

func parseLevel(level string) (string, bool) {
	switch level {
	case "debug", "info", "warn", "error", "fatal", "trace":
		return level, true
	default:
		return "", false
	}
}

// IdleTimeoutMillis returns the configured idle timeout in milliseconds,
// per spec.md §6 ("seconds, multiplied by 1000 for ms").
func (c *Config) IdleTimeoutMillis() uint32 {
	return c.QUIC.IdleTimeout * 1000
}
