package isolate

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the file form of the runtime options, e.g.
//
//	[log]
//	level = "info"
//	diagnostics-dir = "/var/tmp/isolate"
//
//	[pool]
//	max-workers = 8
//	idle-timeout = "5s"
//
//	[poller]
//	enabled = true
//	max-events = 16
//	initial-tokens = 16
//
//	[isolate]
//	pause-on-start = false
//	pause-on-exit = false
type Config struct {
	Log     LogConfig    `toml:"log"`
	Pool    PoolConfig   `toml:"pool"`
	Poller  PollerConfig `toml:"poller"`
	Isolate IsolateFlags `toml:"isolate"`
}

type LogConfig struct {
	Level          string `toml:"level"`
	DiagnosticsDir string `toml:"diagnostics-dir"`
}

type PoolConfig struct {
	MaxWorkers  int      `toml:"max-workers"`
	IdleTimeout Duration `toml:"idle-timeout"`
}

type PollerConfig struct {
	// Enabled defaults to true.
	Enabled       *bool `toml:"enabled"`
	MaxEvents     int   `toml:"max-events"`
	InitialTokens int   `toml:"initial-tokens"`
}

type IsolateFlags struct {
	PauseOnStart bool `toml:"pause-on-start"`
	PauseOnExit  bool `toml:"pause-on-exit"`
}

// Duration is a time.Duration in its string form, e.g. "1m30s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// LoadConfig reads a TOML config file. Unknown keys are an error.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("isolate: cannot read %s: %w", path, err)
	}
	c, err := ParseConfig(string(data))
	if err != nil {
		return nil, fmt.Errorf("isolate: parse error in %s: %w", path, err)
	}
	return c, nil
}

// ParseConfig parses TOML config text. Unknown keys are an error.
func ParseConfig(text string) (*Config, error) {
	var c Config
	md, err := toml.Decode(text, &c)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	return &c, nil
}

// Options converts the config to runtime options, logging to w.
func (c *Config) Options(w io.Writer) ([]Option, error) {
	level, err := ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	opts := []Option{
		WithLogger(NewLogger(w, level)),
		WithPauseOnStart(c.Isolate.PauseOnStart),
		WithPauseOnExit(c.Isolate.PauseOnExit),
	}
	if c.Log.DiagnosticsDir != "" {
		opts = append(opts, WithDiagnosticsDir(c.Log.DiagnosticsDir))
	}
	if c.Pool.MaxWorkers != 0 {
		opts = append(opts, WithMaxWorkers(c.Pool.MaxWorkers))
	}
	if c.Pool.IdleTimeout != 0 {
		opts = append(opts, WithWorkerIdleTimeout(time.Duration(c.Pool.IdleTimeout)))
	}
	if c.Poller.Enabled != nil {
		opts = append(opts, WithPoller(*c.Poller.Enabled))
	}
	if c.Poller.MaxEvents != 0 {
		opts = append(opts, WithPollerMaxEvents(c.Poller.MaxEvents))
	}
	if c.Poller.InitialTokens != 0 {
		opts = append(opts, WithInitialTokens(c.Poller.InitialTokens))
	}
	return opts, nil
}
