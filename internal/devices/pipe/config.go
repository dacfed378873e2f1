package pipe

import (
	"fmt"

	"github.com/tinyrange/goldfish/internal/chipset"
	"gopkg.in/yaml.v3"
)

// Config describes one pipe device instance. Zero values fall back to the
// package defaults.
type Config struct {
	// Base is the MMIO base address of the register window.
	Base uint64 `yaml:"base"`

	// Service names the registered service variant that serves open
	// requests on this device.
	Service string `yaml:"service"`

	// Throttle configures the built-in throttle service when it is
	// selected.
	Throttle ThrottleConfig `yaml:"throttle"`
}

// ThrottleConfig tunes the built-in throttle service.
type ThrottleConfig struct {
	BytesPerSec int `yaml:"bytes_per_sec"`
	Burst       int `yaml:"burst"`
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() Config {
	return Config{
		Base:    DefaultMMIOBase,
		Service: "pingpong",
	}
}

// ParseConfig reads a YAML device configuration, applying defaults for
// absent fields.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("pipe: parse config: %w", err)
	}
	if cfg.Base == 0 {
		cfg.Base = DefaultMMIOBase
	}
	if cfg.Service == "" {
		cfg.Service = "pingpong"
	}
	return cfg, nil
}

// FromConfig builds a device from a configuration, resolving the service
// name against the registry. A nil registry gets the built-in services.
func FromConfig(cfg Config, reg *Registry, irqLine chipset.LineInterrupt) (*Device, error) {
	if reg == nil {
		reg = NewRegistry()
		if err := RegisterBuiltinServices(reg); err != nil {
			return nil, err
		}
	}

	if cfg.Service == "throttle" && cfg.Throttle.BytesPerSec > 0 {
		// Per-device throttle tuning shadows the registry default.
		svc := ThrottleService{
			BytesPerSec: cfg.Throttle.BytesPerSec,
			Burst:       cfg.Throttle.Burst,
		}
		base := cfg.Base
		if base == 0 {
			base = DefaultMMIOBase
		}
		return New(base, irqLine, svc.Open), nil
	}

	open, err := reg.Opener(cfg.Service)
	if err != nil {
		return nil, err
	}
	base := cfg.Base
	if base == 0 {
		base = DefaultMMIOBase
	}
	return New(base, irqLine, open), nil
}
