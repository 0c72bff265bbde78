// Package config holds the node configuration file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// FileName is the config file inside the data directory.
const FileName = "config.json"

type Config struct {
	ListenPort   int    `json:"listen_port"`
	BindHost     string `json:"bind_host"`
	DatabaseFile string `json:"database_file"`

	FirstMessageTimeoutMS int `json:"first_message_timeout_ms"`
	ReadTimeoutMS         int `json:"read_timeout_ms"`
	ProbeTimeoutMS        int `json:"probe_timeout_ms"`
	ConnectTimeoutMS      int `json:"connect_timeout_ms"`
	ProbeIntervalS        int `json:"probe_interval_s"`
	RingTimeoutS          int `json:"ring_timeout_s"`
	AutoDismissMS         int `json:"auto_dismiss_ms"`

	UnknownCallerName string `json:"unknown_caller_name"`
	LogLevel          string `json:"log_level"`

	// UIListen is the websocket bridge address; empty disables it.
	UIListen string `json:"ui_listen"`

	LANDiscovery bool `json:"lan_discovery"`
	LANPort      int  `json:"lan_port"`
}

func Default() Config {
	return Config{
		ListenPort:            10001,
		BindHost:              "",
		DatabaseFile:          "database.bolt",
		FirstMessageTimeoutMS: 5000,
		ReadTimeoutMS:         30000,
		ProbeTimeoutMS:        3000,
		ConnectTimeoutMS:      2000,
		ProbeIntervalS:        60,
		RingTimeoutS:          60,
		AutoDismissMS:         2000,
		UnknownCallerName:     "Unknown",
		LogLevel:              "info",
		UIListen:              "",
		LANDiscovery:          true,
		LANPort:               10002,
	}
}

func (c *Config) Validate() error {
	if c.ListenPort < 1 || c.ListenPort > 65535 {
		return errors.New("listen_port must be 1..65535")
	}
	if h := strings.TrimSpace(c.BindHost); h != "" && net.ParseIP(h) == nil {
		return errors.New("bind_host must be empty or an IP address")
	}
	if strings.TrimSpace(c.DatabaseFile) == "" {
		return errors.New("database_file is required")
	}

	positive := []struct {
		name string
		v    int
	}{
		{"first_message_timeout_ms", c.FirstMessageTimeoutMS},
		{"read_timeout_ms", c.ReadTimeoutMS},
		{"probe_timeout_ms", c.ProbeTimeoutMS},
		{"connect_timeout_ms", c.ConnectTimeoutMS},
		{"probe_interval_s", c.ProbeIntervalS},
		{"ring_timeout_s", c.RingTimeoutS},
		{"auto_dismiss_ms", c.AutoDismissMS},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return fmt.Errorf("%s must be > 0", p.name)
		}
	}

	if strings.TrimSpace(c.UnknownCallerName) == "" {
		return errors.New("unknown_caller_name is required")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.UIListen != "" {
		if _, _, err := net.SplitHostPort(c.UIListen); err != nil {
			return fmt.Errorf("ui_listen: %w", err)
		}
	}
	if c.LANDiscovery {
		if c.LANPort < 1 || c.LANPort > 65535 {
			return errors.New("lan_port must be 1..65535 when lan_discovery is enabled")
		}
		if c.LANPort == c.ListenPort {
			return errors.New("lan_port and listen_port must differ")
		}
	}
	return nil
}

// BindAddr is the listen address for the signaling server.
func (c Config) BindAddr() string {
	return net.JoinHostPort(c.BindHost, fmt.Sprint(c.ListenPort))
}

func (c Config) FirstMessageTimeout() time.Duration { return ms(c.FirstMessageTimeoutMS) }
func (c Config) ReadTimeout() time.Duration         { return ms(c.ReadTimeoutMS) }
func (c Config) ProbeTimeout() time.Duration        { return ms(c.ProbeTimeoutMS) }
func (c Config) ConnectTimeout() time.Duration      { return ms(c.ConnectTimeoutMS) }
func (c Config) AutoDismiss() time.Duration         { return ms(c.AutoDismissMS) }
func (c Config) ProbeInterval() time.Duration       { return time.Duration(c.ProbeIntervalS) * time.Second }
func (c Config) RingTimeout() time.Duration         { return time.Duration(c.RingTimeoutS) * time.Second }

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	b = stripBOM(b)

	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}

func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}
