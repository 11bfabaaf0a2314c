// Package config loads the driver configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ardnew/softreg/driver"
	"github.com/ardnew/softreg/hal"
	"github.com/ardnew/softreg/minor"
	"github.com/ardnew/softreg/pkg"
	"github.com/ardnew/softreg/pkg/trace"
)

// Platform names.
const (
	PlatformSim  = "sim"
	PlatformFIFO = "fifo"
)

// Config is the complete driver configuration.
type Config struct {
	// Name prefixes entry points.
	Name string `yaml:"name"`

	// Capacity is the number of minors.
	Capacity int `yaml:"capacity"`

	// IRQQueue is the interrupt queue depth.
	IRQQueue int `yaml:"irq_queue"`

	// Platform selects the HAL: "sim" or "fifo".
	Platform string `yaml:"platform"`

	// BusDir is the fifo platform's bus directory.
	BusDir string `yaml:"bus_dir"`

	// PollInterval is the fifo platform's directory polling interval.
	PollInterval time.Duration `yaml:"poll_interval"`

	Log   LogConfig   `yaml:"log"`
	Trace TraceConfig `yaml:"trace"`
	Sim   SimConfig   `yaml:"sim"`
}

// LogConfig configures the default logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TraceConfig configures the diagnostic event trace.
type TraceConfig struct {
	// Path is the CBOR trace file. Empty disables tracing.
	Path string `yaml:"path"`
}

// SimConfig configures the simulated platform.
type SimConfig struct {
	// Devices are plugged when the driver starts.
	Devices []hal.Resource `yaml:"devices"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Name:     driver.DefaultName,
		Capacity: minor.DefaultCapacity,
		Platform: PlatformSim,
		Log: LogConfig{
			Level:  "warn",
			Format: "text",
		},
	}
}

// Parse decodes YAML over the defaults and validates the result.
// Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads and parses the configuration file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading %s: %w", path, err)
	}
	return Parse(data)
}

// Validate checks if the config is valid.
func (c *Config) Validate() error {
	if c.Name == "" || strings.ContainsAny(c.Name, "/ \t\n") {
		return invalid("name %q", c.Name)
	}
	if c.Capacity < 1 || c.Capacity > minor.MaxCapacity {
		return invalid("capacity %d outside 1..%d", c.Capacity, minor.MaxCapacity)
	}
	if c.IRQQueue < 0 {
		return invalid("irq_queue %d", c.IRQQueue)
	}
	switch c.Platform {
	case PlatformSim:
	case PlatformFIFO:
		if c.BusDir == "" {
			return invalid("platform %s requires bus_dir", PlatformFIFO)
		}
	default:
		return invalid("platform %q", c.Platform)
	}
	if c.PollInterval < 0 {
		return invalid("poll_interval %s", c.PollInterval)
	}
	if _, err := pkg.ParseLogLevel(c.Log.Level); err != nil {
		return err
	}
	if _, err := pkg.ParseLogFormat(c.Log.Format); err != nil {
		return err
	}
	for i, res := range c.Sim.Devices {
		if err := res.Validate(); err != nil {
			return invalid("sim.devices[%d]: %v", i, err)
		}
	}
	return nil
}

// ApplyLogging configures the default logger.
func (c *Config) ApplyLogging(w io.Writer) error {
	level, err := pkg.ParseLogLevel(c.Log.Level)
	if err != nil {
		return err
	}
	format, err := pkg.ParseLogFormat(c.Log.Format)
	if err != nil {
		return err
	}
	pkg.SetLogLevel(level)
	pkg.SetLogOutput(w, format)
	return nil
}

// DriverOptions returns the driver options this config selects.
func (c *Config) DriverOptions(rec trace.Recorder) driver.Options {
	return driver.Options{
		Name:     c.Name,
		Capacity: c.Capacity,
		IRQQueue: c.IRQQueue,
		Recorder: rec,
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", pkg.ErrInvalidParameter, fmt.Sprintf(format, args...))
}
