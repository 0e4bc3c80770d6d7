// Package config loads chatmesh settings from a TOML file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
)

// Duration is a time.Duration written as a string such as "300s" or "1m".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Config holds all chatmesh configuration.
type Config struct {
	Tracker TrackerConfig `toml:"tracker"`
	Peer    PeerConfig    `toml:"peer"`
	History HistoryConfig `toml:"history"`
	Log     LogConfig     `toml:"log"`
}

// TrackerConfig controls the registry service.
type TrackerConfig struct {
	Listen        string   `toml:"listen"`
	PeerTimeout   Duration `toml:"peer_timeout"`
	SweepInterval Duration `toml:"sweep_interval"`
	MaxConns      int      `toml:"max_conns"`
	RequireLogin  bool     `toml:"require_login"`
	Password      string   `toml:"password"`
}

// PeerConfig controls a chat peer.
type PeerConfig struct {
	ID               string   `toml:"id"`
	ListenIP         string   `toml:"listen_ip"`
	ListenPort       int      `toml:"listen_port"`
	AdvertiseIP      string   `toml:"advertise_ip"`
	Tracker          string   `toml:"tracker"`
	Proxy            string   `toml:"proxy"`
	DialTimeout      Duration `toml:"dial_timeout"`
	HandshakeTimeout Duration `toml:"handshake_timeout"`
	KeepAlive        Duration `toml:"keepalive"`
	DialPacing       Duration `toml:"dial_pacing"`
	MaxAutoDial      int      `toml:"max_auto_dial"`
	Heartbeat        Duration `toml:"heartbeat"`
	AutoConnect      bool     `toml:"auto_connect"`
}

// HistoryConfig selects where chat history is kept.
type HistoryConfig struct {
	Backend string `toml:"backend"`
	Path    string `toml:"path"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

func DefaultConfig() Config {
	home := Home()
	return Config{
		Tracker: TrackerConfig{
			Listen:        "0.0.0.0:8000",
			PeerTimeout:   Duration{300 * time.Second},
			SweepInterval: Duration{60 * time.Second},
			MaxConns:      1024,
		},
		Peer: PeerConfig{
			ListenIP:         "0.0.0.0",
			ListenPort:       5000,
			Tracker:          "127.0.0.1:8000",
			DialTimeout:      Duration{30 * time.Second},
			HandshakeTimeout: Duration{10 * time.Second},
			KeepAlive:        Duration{15 * time.Second},
			DialPacing:       Duration{100 * time.Millisecond},
			MaxAutoDial:      32,
			Heartbeat:        Duration{60 * time.Second},
			AutoConnect:      true,
		},
		History: HistoryConfig{
			Backend: "memory",
			Path:    filepath.Join(home, "history.db"),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = DefaultPath()
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return cfg, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	return cfg, cfg.Validate()
}

// Save writes cfg to path, creating its directory.
func Save(path string, cfg Config) error {
	if path == "" {
		path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func (c Config) Validate() error {
	var errs []error
	if c.Peer.ListenPort < 0 || c.Peer.ListenPort > 65535 {
		errs = append(errs, fmt.Errorf("peer.listen_port %d out of range", c.Peer.ListenPort))
	}
	if c.Peer.MaxAutoDial < 0 {
		errs = append(errs, errors.New("peer.max_auto_dial must not be negative"))
	}
	if c.Peer.Proxy != "" {
		if u, err := url.Parse(c.Peer.Proxy); err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("peer.proxy %q is not a URL", c.Peer.Proxy))
		}
	}
	if c.Tracker.PeerTimeout.Duration <= 0 {
		errs = append(errs, errors.New("tracker.peer_timeout must be positive"))
	}
	if c.Tracker.MaxConns < 0 {
		errs = append(errs, errors.New("tracker.max_conns must not be negative"))
	}
	if c.Tracker.RequireLogin && c.Tracker.Password == "" {
		errs = append(errs, errors.New("tracker.require_login needs tracker.password"))
	}
	switch c.History.Backend {
	case "memory", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("history.backend %q must be memory or sqlite", c.History.Backend))
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Home returns the chatmesh data directory, $CHATMESH_HOME or ~/.chatmesh.
func Home() string {
	if env := os.Getenv("CHATMESH_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chatmesh")
}

func DefaultPath() string {
	return filepath.Join(Home(), "config.toml")
}
