// Package config loads the agent configuration from a YAML file and the
// environment.
package config

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/SimplyPrint/calypso-agent/internal/calypso"
	"github.com/SimplyPrint/calypso-agent/internal/sam"
)

// Environment variables overriding the file.
const (
	EnvHost     = "CALYPSO_AGENT_HOST"
	EnvPort     = "CALYPSO_AGENT_PORT"
	EnvConfig   = "CALYPSO_AGENT_CONFIG"
	EnvLogLevel = "CALYPSO_AGENT_LOG_LEVEL"
)

const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 32146
)

// Config is the agent configuration.
type Config struct {
	Host    string        `yaml:"host"`
	Port    int           `yaml:"port"`
	Log     LogConfig     `yaml:"log"`
	Journal JournalConfig `yaml:"journal"`
	SAM     SAMConfig     `yaml:"sam"`
	Session SessionConfig `yaml:"session"`
	SV      SVConfig      `yaml:"sv"`
}

type LogConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"` // "text" or "json"
	Capacity int    `yaml:"capacity"`
}

type JournalConfig struct {
	// Path of the SQLite journal. Empty disables the journal.
	Path string `yaml:"path"`
}

// SAMConfig describes the security modules placed in the pool.
type SAMConfig struct {
	Profile        string            `yaml:"profile"`
	Software       int               `yaml:"software"`
	Readers        []string          `yaml:"readers"`
	AcquireTimeout time.Duration     `yaml:"acquire_timeout"`
	Keys           map[string]string `yaml:"keys"` // access level -> hex master key
	Breaker        sam.BreakerConfig `yaml:"breaker"`
}

type SessionConfig struct {
	MultipleSession bool `yaml:"multiple_session"`
	// BufferSize overrides the modification buffer size reported by cards.
	BufferSize int `yaml:"buffer_size"`
}

// SVConfig sets how stored-value units are displayed.
type SVConfig struct {
	Scale    int32  `yaml:"scale"`
	Currency string `yaml:"currency"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Host: DefaultHost,
		Port: DefaultPort,
		Log: LogConfig{
			Level:    "info",
			Format:   "text",
			Capacity: 1000,
		},
		SAM: SAMConfig{
			Profile:        "transit",
			AcquireTimeout: calypso.DefaultAcquireTimeout,
			Breaker:        sam.DefaultBreakerConfig(),
		},
		SV: SVConfig{
			Scale:    2,
			Currency: "EUR",
		},
	}
}

// Load reads path (or $CALYPSO_AGENT_CONFIG when path is empty) over the
// defaults and applies environment overrides. A missing file is not an
// error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := cfg.decode(data); err != nil {
				return nil, err
			}
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	if host := os.Getenv(EnvHost); host != "" {
		c.Host = host
	}
	if port := os.Getenv(EnvPort); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPort, err)
		}
		c.Port = p
	}
	if level := os.Getenv(EnvLogLevel); level != "" {
		c.Log.Level = level
	}
	return nil
}

// Validate checks ranges and parses the SAM keys.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	if c.SAM.Software < 0 {
		return errors.New("sam.software must not be negative")
	}
	if c.SAM.Software > 0 && len(c.SAM.Keys) == 0 {
		return errors.New("sam.keys are required for software modules")
	}
	if c.SAM.AcquireTimeout < 0 {
		return errors.New("sam.acquire_timeout must not be negative")
	}
	if c.Session.BufferSize < 0 {
		return errors.New("session.buffer_size must not be negative")
	}
	if c.SV.Scale < 0 || c.SV.Scale > 6 {
		return fmt.Errorf("sv.scale %d out of range", c.SV.Scale)
	}
	_, err := c.MasterKeys()
	return err
}

// Address returns the listen address.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// MasterKeys decodes the configured master keys.
func (c *Config) MasterKeys() (sam.Keys, error) {
	keys := make(sam.Keys, len(c.SAM.Keys))
	for name, value := range c.SAM.Keys {
		level, err := calypso.ParseAccessLevel(name)
		if err != nil {
			return nil, fmt.Errorf("sam.keys: %w", err)
		}
		key, err := hex.DecodeString(value)
		if err != nil {
			return nil, fmt.Errorf("sam.keys.%s: %w", name, err)
		}
		if len(key) < 16 {
			return nil, fmt.Errorf("sam.keys.%s: key must be at least 16 bytes", name)
		}
		keys[level] = key
	}
	return keys, nil
}
