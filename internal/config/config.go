// Package config loads the sshrelay configuration file and applies defaults.
//
// The configuration lives in a TOML file (default "sshrelay.toml") and carries
// the listen address, the host key location, the user credential table, and
// the optional auth/metrics/presence/listener settings. Command-line flags in
// cmd/sshrelay override the address and port after loading.
package config

import (
	"fmt"
	"net"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Defaults applied when the file omits a value.
const (
	DefaultAddress     = "0.0.0.0"
	DefaultPort        = 2222
	DefaultHostKeyPath = "host_key"
	DefaultMetricsAddr = ":9100"
)

// User is one entry of the credential table. Password is a pointer so that an
// absent password is distinguishable from an empty one; a user without a
// password can only authenticate with a public key.
type User struct {
	Password *string  `toml:"password"`
	Keys     []string `toml:"keys"`
}

// Auth holds authentication options beyond the user table.
type Auth struct {
	// PAMService, when non-empty, names the PAM service consulted for
	// password logins that the user table rejects.
	PAMService string `toml:"pam_service"`
}

// Metrics configures the metrics and health HTTP endpoint.
type Metrics struct {
	Addr string `toml:"addr"`
}

// Presence configures the optional Redis session-presence mirror.
type Presence struct {
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
}

// Listener configures how the TCP listener is wrapped.
type Listener struct {
	// ProxyProtocol enables parsing of a HAProxy PROXY header on each
	// accepted connection, for deployments behind an L4 balancer.
	ProxyProtocol bool `toml:"proxy_protocol"`
}

// Config is the full server configuration.
type Config struct {
	Address string `toml:"address"`
	Port    uint16 `toml:"port"`

	// HostKey is the path of the PEM-encoded ed25519 host key. A missing
	// file is generated and persisted on first start.
	HostKey string `toml:"host_key"`

	Users map[string]User `toml:"users"`

	Auth     Auth     `toml:"auth"`
	Metrics  Metrics  `toml:"metrics"`
	Presence Presence `toml:"presence"`
	Listener Listener `toml:"listener"`
}

// Load reads and decodes the TOML file at path, applies defaults and
// validates that at least one authentication source is configured.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	if cfg.Address == "" {
		cfg.Address = DefaultAddress
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.HostKey == "" {
		cfg.HostKey = DefaultHostKeyPath
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = DefaultMetricsAddr
	}

	if len(cfg.Users) == 0 && cfg.Auth.PAMService == "" {
		return nil, fmt.Errorf("%s: no users configured and no PAM service set, nobody could log in", path)
	}
	return &cfg, nil
}

// ListenAddr returns the address:port string the server binds to.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Address, strconv.Itoa(int(c.Port)))
}
