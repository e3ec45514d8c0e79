// Package config loads and saves Discard's single TOML configuration file,
// in the teacher's BurntSushi/toml idiom: a typed Config struct decoded
// with defaults applied afterward, rather than a flag-only or env-only
// surface.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// DefaultSTUNServers are the public STUN servers used when none are configured.
var DefaultSTUNServers = []string{
	"stun:stun.cloudflare.com:3478",
	"stun:stun.l.google.com:19302",
}

// DefaultConfigDir is the default directory holding identity.key, config.toml,
// and the store's .db3 file.
const DefaultConfigDir = "/etc/discard"

// Config is Discard's top-level configuration, persisted as TOML at
// DefaultConfigPath().
type Config struct {
	Command CommandConfig `toml:"command"`
	Store   StoreConfig   `toml:"store"`
	Overlay OverlayConfig `toml:"overlay"`
	TURN    TURNConfig    `toml:"turn"`
	STUN    STUNConfig    `toml:"stun"`
	WebRTC  WebRTCConfig  `toml:"webrtc"`
	Log     LogConfig     `toml:"log"`
}

// CommandConfig controls the command transport (§6.1).
type CommandConfig struct {
	// Port is the TCP port the command transport listens on, bound to
	// 127.0.0.1 only.
	Port int `toml:"port"`
}

// StoreConfig controls the SQLite store (§4.F).
type StoreConfig struct {
	// Path is the .db3 file location. Defaults to DefaultConfigDir/discard.db3.
	Path string `toml:"path"`
}

// OverlayConfig controls the rendezvous overlay (§4.A/identity).
type OverlayConfig struct {
	// KeyFile holds the node's persistent Ed25519 identity key.
	KeyFile string `toml:"key_file"`

	// ListenPort is the TCP port the libp2p overlay listens on. Zero picks
	// an ephemeral port.
	ListenPort int `toml:"listen_port"`
}

// TURNConfig configures the TURN REST API credential derivation (§4.D.2).
type TURNConfig struct {
	// URLs lists the TURN server URIs.
	URLs []string `toml:"urls,omitempty"`

	// Secret is the shared secret used to derive time-limited TURN
	// credentials via HMAC-SHA1 (RFC 5766 § REST API).
	Secret string `toml:"secret,omitempty"`

	// Realm is the TURN realm. It is stored in the config file only; the
	// daemon does not read it when deriving TURN credentials.
	Realm string `toml:"realm,omitempty"`

	// ForceRelay forces all peer connections through the TURN relay,
	// bypassing direct (host/srflx) ICE candidates. Useful for testing
	// the relay path or when direct connectivity is unreliable.
	ForceRelay bool `toml:"force_relay,omitempty"`
}

// STUNConfig lists the STUN servers used for ICE NAT traversal.
type STUNConfig struct {
	Servers []string `toml:"servers"`
}

// WebRTCConfig records data channel policy (§4.D). The daemon does not pass
// it to the Peer-Connection Driver, which always opens an ordered channel
// with pion's default (reliable) retransmission.
type WebRTCConfig struct {
	// Ordered controls whether the data channel delivers messages in order.
	Ordered bool `toml:"ordered"`

	// MaxRetransmits is the maximum number of retransmission attempts. -1
	// means unlimited (reliable delivery), matching pion's default.
	MaxRetransmits int `toml:"max_retransmits"`
}

// LogConfig controls structured logging (§6.4).
type LogConfig struct {
	// Filter is an slog level name (debug, info, warn, error). The daemon
	// does not read it: its log level comes from --verbose and the
	// DISCARD_LOG environment variable only.
	Filter string `toml:"filter"`
}

// DefaultConfig returns a Config populated with sensible defaults. Identity
// and store paths are left relative to DefaultConfigDir and must be
// resolved by the caller if a custom directory is in use.
func DefaultConfig() *Config {
	return &Config{
		Command: CommandConfig{Port: 7878},
		Store:   StoreConfig{Path: filepath.Join(DefaultConfigDir, "discard.db3")},
		Overlay: OverlayConfig{KeyFile: filepath.Join(DefaultConfigDir, "identity.key")},
		STUN:    STUNConfig{Servers: append([]string(nil), DefaultSTUNServers...)},
		WebRTC:  WebRTCConfig{Ordered: true, MaxRetransmits: -1},
		Log:     LogConfig{Filter: "info"},
	}
}

// DefaultConfigPath returns the default path for Discard's config file.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir, "config.toml")
}

// LoadConfig reads path, applying defaults for anything left unset. A
// missing file is reported wrapping fs.ErrNotExist.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config file not found: %w", err)
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

// SaveConfig writes cfg as TOML to path, creating parent directories with
// mode 0755 if necessary.
func SaveConfig(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("encoding TOML config: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0640); err != nil {
		return fmt.Errorf("writing config file %s: %w", path, err)
	}
	return nil
}

// ParseTOML decodes a TOML config from a string.
func ParseTOML(s string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.Decode(s, cfg); err != nil {
		return nil, fmt.Errorf("decoding TOML config: %w", err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

// MarshalTOML encodes cfg to a TOML string.
func MarshalTOML(cfg *Config) (string, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return "", fmt.Errorf("encoding TOML config: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// applyDefaults fills in default values for optional fields left
// zero-valued after TOML decoding.
func applyDefaults(cfg *Config) {
	if len(cfg.STUN.Servers) == 0 {
		cfg.STUN.Servers = append([]string(nil), DefaultSTUNServers...)
	}
	if cfg.Command.Port == 0 {
		cfg.Command.Port = 7878
	}
	if cfg.Log.Filter == "" {
		cfg.Log.Filter = "info"
	}
	if cfg.WebRTC.MaxRetransmits == 0 && !cfg.WebRTC.Ordered {
		cfg.WebRTC.MaxRetransmits = -1
	}
}
