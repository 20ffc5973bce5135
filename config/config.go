// Package config loads the ringchan TOML configuration.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	Ring  RingConfig  `toml:"ring"`
	Relay RelayConfig `toml:"relay"`
	Log   LogConfig   `toml:"log"`
}

type RingConfig struct {
	// Name of the segment under /dev/shm. Ignored when Path is set.
	Name     string `toml:"name"`
	Path     string `toml:"path"`
	Capacity int    `toml:"capacity"`

	// Create truncates the segment on open; the side that starts first
	// should set it.
	Create     bool `toml:"create"`
	YieldBytes int  `toml:"yield_bytes"`
	ArenaBytes int  `toml:"arena_bytes"`
}

type RelayConfig struct {
	Listen    string   `toml:"listen"`
	Upstream  string   `toml:"upstream"`
	ReadLimit int64    `toml:"read_limit"`
	Reconnect Duration `toml:"reconnect"`

	// Streams unwraps {"stream","data"} envelopes into typed ipc messages
	// instead of copying upstream messages verbatim.
	Streams bool `toml:"streams"`

	// Text sends egress frames as websocket text messages. Leave it off
	// unless every frame is UTF-8.
	Text bool `toml:"text"`
}

// Duration decodes TOML strings such as "3s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type LogConfig struct {
	Level   string `toml:"level"`
	File    string `toml:"file"`
	Journal bool   `toml:"journal"`
}

// Default returns the configuration used for anything a file leaves out.
func Default() Config {
	return Config{
		Ring: RingConfig{
			Name:       "ringchan",
			Capacity:   2 * 1024 * 1024,
			YieldBytes: 256 << 10,
			ArenaBytes: 64 << 10,
		},
		Relay: RelayConfig{
			Listen:    "127.0.0.1:8650",
			ReadLimit: 1 << 20,
			Reconnect: Duration{3 * time.Second},
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a TOML file over Default.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	c := Default()
	if err := toml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &c, nil
}

// LoadEnv loads dotenv files into the process environment (missing files are
// skipped) and applies RINGCHAN_* overrides to c.
func LoadEnv(c *Config, files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("dotenv %s: %w", f, err)
		}
	}

	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	str("RINGCHAN_RING", &c.Ring.Name)
	str("RINGCHAN_RING_PATH", &c.Ring.Path)
	num("RINGCHAN_RING_CAPACITY", &c.Ring.Capacity)
	if v, ok := os.LookupEnv("RINGCHAN_RING_CREATE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("RINGCHAN_RING_CREATE: %w", err))
		} else {
			c.Ring.Create = b
		}
	}
	str("RINGCHAN_LISTEN", &c.Relay.Listen)
	str("RINGCHAN_UPSTREAM", &c.Relay.Upstream)
	str("RINGCHAN_LOG_LEVEL", &c.Log.Level)
	str("RINGCHAN_LOG_FILE", &c.Log.File)

	return errors.Join(errs...)
}

// Validate rejects configurations the ring cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Ring.Name == "" && c.Ring.Path == "" {
		errs = append(errs, errors.New("ring: name or path required"))
	}
	// smallest data block that holds one frame
	if c.Ring.Capacity < 24 {
		errs = append(errs, fmt.Errorf("ring: capacity %d too small", c.Ring.Capacity))
	}
	// cursors and frame lengths are 32-bit
	if c.Ring.Capacity > math.MaxInt32 {
		errs = append(errs, fmt.Errorf("ring: capacity %d too large", c.Ring.Capacity))
	}
	if c.Ring.ArenaBytes < 0 {
		errs = append(errs, fmt.Errorf("ring: arena_bytes %d is negative", c.Ring.ArenaBytes))
	}
	if c.Relay.ReadLimit <= 0 {
		errs = append(errs, fmt.Errorf("relay: read_limit %d must be positive", c.Relay.ReadLimit))
	}
	if c.Relay.Reconnect.Duration < 0 {
		errs = append(errs, fmt.Errorf("relay: reconnect %s is negative", c.Relay.Reconnect))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log: unknown level %q", c.Log.Level))
	}
	return errors.Join(errs...)
}
