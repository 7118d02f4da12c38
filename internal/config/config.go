// Package config loads engine settings from TOML or YAML files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/tliron/commonlog"
	"gopkg.in/yaml.v3"

	"github.com/xirelogy/go-sqvm/internal/vm"
)

var log = commonlog.GetLogger("sqvm.config")

// Config is the on-disk engine configuration.
type Config struct {
	Stack  Stack  `toml:"stack" yaml:"stack"`
	Calls  Calls  `toml:"calls" yaml:"calls"`
	Budget Budget `toml:"budget" yaml:"budget"`
	Log    Log    `toml:"log" yaml:"log"`

	// Path is the file the configuration was read from, if any.
	Path string `toml:"-" yaml:"-"`
}

// Stack sizes the value stack, in slots.
type Stack struct {
	Initial int `toml:"initial" yaml:"initial"`
	Max     int `toml:"max" yaml:"max"`
}

// Calls bounds call nesting.
type Calls struct {
	Initial        int `toml:"initial" yaml:"initial"`
	MaxDepth       int `toml:"max-depth" yaml:"max-depth"`
	MaxNativeCalls int `toml:"max-native-calls" yaml:"max-native-calls"`
}

// Budget is the per-call instruction allowance. Ops 0 means unlimited.
type Budget struct {
	Ops          int  `toml:"ops" yaml:"ops"`
	Grace        int  `toml:"grace" yaml:"grace"`
	AllowOverrun bool `toml:"allow-overrun" yaml:"allow-overrun"`
}

// Log configures commonlog.
type Log struct {
	Verbosity int    `toml:"verbosity" yaml:"verbosity"`
	File      string `toml:"file" yaml:"file"`
}

// Default returns the built-in configuration.
func Default() *Config {
	opts := vm.DefaultOptions()
	return &Config{
		Stack: Stack{Initial: opts.InitialStack, Max: opts.MaxStack},
		Calls: Calls{
			Initial:        opts.InitialFrames,
			MaxDepth:       opts.MaxCallDepth,
			MaxNativeCalls: opts.MaxNativeCalls,
		},
	}
}

// Load reads a configuration file. The format follows the extension:
// .toml, or .yaml/.yml. Unset fields keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	return Parse(data, path)
}

// Parse decodes data as the format implied by path's extension.
func Parse(data []byte, path string) (*Config, error) {
	cfg := Default()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse error in %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse error in %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("%s: unsupported config format %q", path, ext)
	}
	cfg.Path = path
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Debug("config loaded", "path", path, "budget", cfg.Budget.Ops)
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	where := c.Path
	if where == "" {
		where = "config"
	}
	switch {
	case c.Stack.Initial < 0 || c.Stack.Max < 0:
		return fmt.Errorf("%s: stack sizes must not be negative", where)
	case c.Stack.Max > 0 && c.Stack.Initial > c.Stack.Max:
		return fmt.Errorf("%s: stack.initial %d exceeds stack.max %d", where, c.Stack.Initial, c.Stack.Max)
	case c.Calls.Initial < 0 || c.Calls.MaxDepth < 0 || c.Calls.MaxNativeCalls < 0:
		return fmt.Errorf("%s: call limits must not be negative", where)
	case c.Budget.Ops < 0 || c.Budget.Grace < 0:
		return fmt.Errorf("%s: budget values must not be negative", where)
	case c.Budget.Grace > 0 && c.Budget.Ops == 0:
		return fmt.Errorf("%s: budget.grace needs budget.ops", where)
	}
	return nil
}

// VMOptions converts the configuration into VM construction options.
func (c *Config) VMOptions() vm.Options {
	return vm.Options{
		InitialStack:   c.Stack.Initial,
		MaxStack:       c.Stack.Max,
		InitialFrames:  c.Calls.Initial,
		MaxCallDepth:   c.Calls.MaxDepth,
		MaxNativeCalls: c.Calls.MaxNativeCalls,
	}
}

// VMBudget converts the budget section.
func (c *Config) VMBudget() vm.Budget {
	return vm.Budget{
		Ops:          c.Budget.Ops,
		Grace:        c.Budget.Grace,
		AllowOverrun: c.Budget.AllowOverrun,
	}
}

// ConfigureLogging applies the log section to commonlog. A zero verbosity
// leaves logging as it is.
func (c *Config) ConfigureLogging() {
	if c.Log.Verbosity == 0 {
		return
	}
	var path *string
	if c.Log.File != "" {
		path = &c.Log.File
	}
	commonlog.Configure(c.Log.Verbosity, path)
}
