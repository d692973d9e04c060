package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server ServerSection `toml:"server"`
	Limits LimitsSection `toml:"limits"`
}

type ServerSection struct {
	TCPPort     int    `toml:"tcp_port"`
	WSPort      int    `toml:"ws_port"`
	SSHPort     int    `toml:"ssh_port"`
	SSHHostKey  string `toml:"ssh_host_key"`
	MetricsPort int    `toml:"metrics_port"`
}

type LimitsSection struct {
	ReadTimeoutSeconds int `toml:"read_timeout_seconds"`
	MaxMessageLength   int `toml:"max_message_length"`
	MaxUsernameLength  int `toml:"max_username_length"`
}

// DefaultTOMLConfig returns the default TOML configuration. WebSocket,
// SSH and metrics listeners are off until given a port.
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:     7465,
			WSPort:      0,
			SSHPort:     0,
			SSHHostKey:  "~/.relaywire/ssh_host_key",
			MetricsPort: 0,
		},
		Limits: LimitsSection{
			ReadTimeoutSeconds: 1,
			MaxMessageLength:   4096,
			MaxUsernameLength:  64,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creating the default
// file if none exists yet.
func LoadConfig(path string) (TOMLConfig, error) {
	expanded, err := ExpandPath(path)
	if err != nil {
		return TOMLConfig{}, err
	}
	path = expanded

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// Failing to write the default is not fatal; we can still run
		// with in-memory defaults.
		_ = writeDefaultConfig(path, config)
		return config, nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return config, nil
}

// writeDefaultConfig writes the default config file, creating parent
// directories as needed.
func writeDefaultConfig(path string, config TOMLConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(config)
}

// ExpandPath expands a leading ~/ to the user's home directory.
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

// ToServerConfig converts the file representation to runtime config.
func (c TOMLConfig) ToServerConfig() ServerConfig {
	readTimeout := time.Duration(c.Limits.ReadTimeoutSeconds) * time.Second
	if c.Limits.ReadTimeoutSeconds <= 0 {
		readTimeout = DefaultConfig().ReadTimeout
	}

	return ServerConfig{
		TCPPort:           c.Server.TCPPort,
		WSPort:            c.Server.WSPort,
		SSHPort:           c.Server.SSHPort,
		SSHHostKeyPath:    c.Server.SSHHostKey,
		MetricsPort:       c.Server.MetricsPort,
		ReadTimeout:       readTimeout,
		MaxMessageLength:  c.Limits.MaxMessageLength,
		MaxUsernameLength: c.Limits.MaxUsernameLength,
	}
}
