// Copyright 2020 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config holds the irqstress configuration. Values come from an
// optional TOML file and are overridden by command line flags.
package config

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gvisor.dev/irqmutex/pkg/log"
)

// Lock kinds accepted by Stress.Lock.
const (
	LockSpin   = "spin"
	LockTMutex = "tmutex"
)

// Config holds the global configuration.
type Config struct {
	// Debug enables debug logging.
	Debug bool `toml:"debug"`

	// LogFormat is the log format: "text" or "json".
	LogFormat string `toml:"log_format"`

	// Stress configures the stress command.
	Stress Stress `toml:"stress"`

	// Signals configures the signals command.
	Signals Signals `toml:"signals"`
}

// Stress configures the stress command.
type Stress struct {
	// Workers is the number of goroutines contending for the lock.
	Workers int `toml:"workers"`

	// Duration is how long the workers run.
	Duration time.Duration `toml:"duration"`

	// Lock selects the inner lock: "spin" or "tmutex".
	Lock string `toml:"lock"`

	// InterruptEvery makes each worker raise an interrupt every N
	// operations. Zero disables interrupts.
	InterruptEvery int `toml:"interrupt_every"`
}

// Signals configures the signals command.
type Signals struct {
	// Rounds is the number of lock/signal/unlock rounds.
	Rounds int `toml:"rounds"`

	// Hold is how long the lock is held after the signal is sent.
	Hold time.Duration `toml:"hold"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		LogFormat: "text",
		Stress: Stress{
			Workers:        4,
			Duration:       time.Second,
			Lock:           LockSpin,
			InterruptEvery: 16,
		},
		Signals: Signals{
			Rounds: 10,
			Hold:   10 * time.Millisecond,
		},
	}
}

// RegisterFlags registers the global flags on flagSet.
func RegisterFlags(flagSet *flag.FlagSet) {
	def := Default()
	flagSet.String("config", "", "path to a TOML configuration file. Flags override values from the file.")
	flagSet.Bool("debug", def.Debug, "enable debug logging.")
	flagSet.String("log-format", def.LogFormat, "log format: text (default) or json.")
}

// Load reads the TOML file at path on top of the defaults.
func Load(path string) (*Config, error) {
	conf := Default()
	md, err := toml.DecodeFile(path, conf)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("unknown keys in config %q: %s", path, strings.Join(keys, ", "))
	}
	return conf, nil
}

// NewFromFlags creates a new Config from the flags registered by
// RegisterFlags. Flags that were set explicitly take precedence over the
// config file.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := Default()
	if path := flagSet.Lookup("config").Value.String(); path != "" {
		var err error
		if conf, err = Load(path); err != nil {
			return nil, err
		}
	}

	flagSet.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "debug":
			conf.Debug = f.Value.(flag.Getter).Get().(bool)
		case "log-format":
			conf.LogFormat = f.Value.String()
		}
	})
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	if c.Stress.Workers <= 0 {
		return fmt.Errorf("stress.workers must be positive, got %d", c.Stress.Workers)
	}
	if c.Stress.Duration <= 0 {
		return fmt.Errorf("stress.duration must be positive, got %v", c.Stress.Duration)
	}
	switch c.Stress.Lock {
	case LockSpin, LockTMutex:
	default:
		return fmt.Errorf("invalid stress.lock %q, must be %q or %q", c.Stress.Lock, LockSpin, LockTMutex)
	}
	if c.Stress.InterruptEvery < 0 {
		return fmt.Errorf("stress.interrupt_every must not be negative, got %d", c.Stress.InterruptEvery)
	}
	if c.Signals.Rounds <= 0 {
		return fmt.Errorf("signals.rounds must be positive, got %d", c.Signals.Rounds)
	}
	if c.Signals.Hold < 0 {
		return fmt.Errorf("signals.hold must not be negative, got %v", c.Signals.Hold)
	}
	return nil
}

// Log logs the configuration at Info level.
func (c *Config) Log() {
	log.Infof("Config:")
	log.Infof("  debug=%t log-format=%s", c.Debug, c.LogFormat)
	log.Infof("  stress: workers=%d duration=%v lock=%s interrupt_every=%d", c.Stress.Workers, c.Stress.Duration, c.Stress.Lock, c.Stress.InterruptEvery)
	log.Infof("  signals: rounds=%d hold=%v", c.Signals.Rounds, c.Signals.Hold)
}
