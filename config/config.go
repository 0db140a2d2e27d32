// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package config loads and watches node configuration files.
//
// A configuration file is YAML (.yaml, .yml) or TOML (.toml), selected by
// its extension. Fields omitted from the file take default values, and a few
// settings may be overridden from the environment (see [Load]).
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// A Format is a configuration file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatOf returns the format implied by the extension of path.
func FormatOf(path string) (Format, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	default:
		return "", fmt.Errorf("unsupported config file format %q", ext)
	}
}

// Scene kinds with built-in behaviour.
const (
	KindAddressable = "addressable" // hosts an addressable manager
)

// Config is the configuration of a node.
type Config struct {
	Node     Node      `yaml:"node" toml:"node"`
	Peers    []Peer    `yaml:"peers" toml:"peers"`
	Scenes   []Scene   `yaml:"scenes" toml:"scenes"`
	Modules  []Module  `yaml:"modules" toml:"modules"`
	Cluster  Cluster   `yaml:"cluster" toml:"cluster"`
	Timeouts Timeouts  `yaml:"timeouts" toml:"timeouts"`
	Log      LogConfig `yaml:"log" toml:"log"`
}

// Node describes the local node.
type Node struct {
	Name      string `yaml:"name" toml:"name"`
	Listen    string `yaml:"listen" toml:"listen"`       // e.g. "localhost:7000" or "/tmp/roam.sock"
	Advertise string `yaml:"advertise" toml:"advertise"` // address given to peers; default is the bound listen address
	Transport string `yaml:"transport" toml:"transport"` // "tcp" or "quic"
	MaxFrame  int    `yaml:"max_frame" toml:"max_frame"` // largest accepted frame body, in bytes
}

// Peer is a remote node reachable at a fixed address.
type Peer struct {
	Name    string `yaml:"name" toml:"name"`
	Address string `yaml:"address" toml:"address"`
}

// Scene describes a scene of the process group, and the node hosting it.
type Scene struct {
	ID   uint32 `yaml:"id" toml:"id"`
	Name string `yaml:"name" toml:"name"`
	Kind string `yaml:"kind" toml:"kind"`
	Node string `yaml:"node" toml:"node"` // empty means the local node
}

// Module toggles a handler module by name.
type Module struct {
	Name    string `yaml:"name" toml:"name"`
	Enabled bool   `yaml:"enabled" toml:"enabled"`
}

// Cluster configures gossip discovery of scenes. If Bind is empty, the scene
// directory is static.
type Cluster struct {
	Bind string   `yaml:"bind" toml:"bind"` // gossip host:port
	Join []string `yaml:"join" toml:"join"`
}

// Timeouts holds tuning intervals. Zero values select defaults.
type Timeouts struct {
	Call    time.Duration `yaml:"call" toml:"call"`
	Sweep   time.Duration `yaml:"sweep" toml:"sweep"`
	Lock    time.Duration `yaml:"lock" toml:"lock"`
	Migrate time.Duration `yaml:"migrate" toml:"migrate"`
	Backoff time.Duration `yaml:"backoff" toml:"backoff"`
	Retries int           `yaml:"retries" toml:"retries"`

	// Roaming links retry with a shorter backoff, and outlive their client
	// session by Linger so that a reconnecting client finds them.
	RoamingBackoff time.Duration `yaml:"roaming_backoff" toml:"roaming_backoff"`
	RoamingLinger  time.Duration `yaml:"roaming_linger" toml:"roaming_linger"`
}

// LogConfig selects the diagnostic log level and format.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`   // debug, info, warn, error
	Format string `yaml:"format" toml:"format"` // text or json
}

// Default returns a configuration with default values.
func Default() *Config {
	return &Config{
		Node: Node{
			Name:      "local",
			Listen:    "localhost:7100",
			Transport: "tcp",
			MaxFrame:  4 << 20,
		},
		Timeouts: Timeouts{
			Call:    30 * time.Second,
			Sweep:   10 * time.Second,
			Lock:    30 * time.Second,
			Migrate: 10 * time.Second,
			Backoff: 500 * time.Millisecond,
			Retries: 20,

			RoamingBackoff: 100 * time.Millisecond,
			RoamingLinger:  3 * time.Minute,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Parse decodes a configuration in the given format over the defaults, and
// validates the result.
func Parse(data []byte, format Format) (*Config, error) {
	cfg := Default()
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	case FormatTOML:
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("parse toml: %w", err)
		}
		if extra := md.Undecoded(); len(extra) != 0 {
			return nil, fmt.Errorf("parse toml: unknown keys %v", extra)
		}
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads and parses the configuration file at path. After parsing, the
// environment variables ROAM_NODE and ROAM_LISTEN, if set, override the
// node name and listen address.
func Load(path string) (*Config, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if v := os.Getenv("ROAM_NODE"); v != "" {
		cfg.Node.Name = v
	}
	if v := os.Getenv("ROAM_LISTEN"); v != "" {
		cfg.Node.Listen = v
	}
	return cfg, nil
}

// Validate reports an error if c is not a usable configuration.
func (c *Config) Validate() error {
	var errs []error
	if c.Node.Name == "" {
		errs = append(errs, errors.New("node name is empty"))
	}
	if t := c.Node.Transport; t != "tcp" && t != "quic" {
		errs = append(errs, fmt.Errorf("unknown transport %q", t))
	}
	if c.Node.MaxFrame <= 0 {
		errs = append(errs, fmt.Errorf("invalid max frame size %d", c.Node.MaxFrame))
	}

	peers := make(map[string]bool)
	for _, p := range c.Peers {
		if p.Name == "" || p.Address == "" {
			errs = append(errs, fmt.Errorf("peer %q: name and address are required", p.Name))
		} else if p.Name == c.Node.Name {
			errs = append(errs, fmt.Errorf("peer %q has the name of the local node", p.Name))
		}
		peers[p.Name] = true
	}

	ids := make(map[uint32]bool)
	for _, s := range c.Scenes {
		switch {
		case s.ID == 0:
			errs = append(errs, fmt.Errorf("scene %q: id must be nonzero", s.Name))
		case ids[s.ID]:
			errs = append(errs, fmt.Errorf("scene %d: duplicate id", s.ID))
		}
		ids[s.ID] = true
		if s.Node != "" && s.Node != c.Node.Name && !peers[s.Node] && c.Cluster.Bind == "" {
			errs = append(errs, fmt.Errorf("scene %d: unknown node %q", s.ID, s.Node))
		}
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if f := c.Log.Format; f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("unknown log format %q", f))
	}
	return errors.Join(errs...)
}

// IsLocal reports whether scene s is hosted by the local node.
func (c *Config) IsLocal(s Scene) bool { return s.Node == "" || s.Node == c.Node.Name }

// LocalScenes returns the scenes hosted by the local node.
func (c *Config) LocalScenes() []Scene {
	var out []Scene
	for _, s := range c.Scenes {
		if c.IsLocal(s) {
			out = append(out, s)
		}
	}
	return out
}

// ScenesOfKind returns the ids of all scenes of the given kind, in order of
// increasing id.
func (c *Config) ScenesOfKind(kind string) []uint32 {
	var out []uint32
	for _, s := range c.Scenes {
		if s.Kind == kind {
			out = append(out, s.ID)
		}
	}
	slices.Sort(out)
	return out
}

// PeerAddress returns the address of the named peer node.
func (c *Config) PeerAddress(name string) (string, bool) {
	for _, p := range c.Peers {
		if p.Name == name {
			return p.Address, true
		}
	}
	return "", false
}

// ModuleEnabled reports whether the named module is enabled. Modules not
// mentioned in the configuration are enabled.
func (c *Config) ModuleEnabled(name string) bool {
	for _, m := range c.Modules {
		if m.Name == name {
			return m.Enabled
		}
	}
	return true
}

// ParseLevel parses a log level name.
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return lvl, nil
}

// Logger returns a logger writing to w with the configured level and format.
func (l LogConfig) Logger(w *os.File) *slog.Logger {
	lvl, err := ParseLevel(l.Level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
