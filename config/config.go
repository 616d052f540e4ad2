// Package config loads the host configuration file.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/MegaGrindStone/go-projsys"
	"gopkg.in/yaml.v3"
)

// Config is the host configuration.
type Config struct {
	Root               string                         `yaml:"root"`
	Log                LogConfig                      `yaml:"log"`
	HTTP               HTTPConfig                     `yaml:"http"`
	InformationTimeout time.Duration                  `yaml:"informationTimeout"`
	Restore            RestoreConfig                  `yaml:"restore"`
	ProjectSystems     map[string]ProjectSystemConfig `yaml:"projectSystems"`
}

// LogConfig selects the log handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// HTTPConfig configures the host's HTTP surface.
type HTTPConfig struct {
	Address string `yaml:"address"`
}

// RestoreConfig holds the restore defaults handed to every project system that does
// not set its own.
type RestoreConfig struct {
	Command     []string      `yaml:"command"`
	Concurrency int64         `yaml:"concurrency"`
	IdleTimeout time.Duration `yaml:"idleTimeout"`
	Retries     uint64        `yaml:"retries"`
}

// ProjectSystemConfig describes one plugin.
type ProjectSystemConfig struct {
	Description string            `yaml:"description"`
	Executable  string            `yaml:"executable"`
	Args        []string          `yaml:"args"`
	Env         map[string]string `yaml:"env"`
	Disabled    bool              `yaml:"disabled"`
	Settings    map[string]any    `yaml:"settings"`
}

var (
	defaultAddress            = "127.0.0.1:7071"
	defaultInformationTimeout = 10 * time.Second

	// ErrInvalid is wrapped by every validation failure.
	ErrInvalid = errors.New("invalid configuration")
)

// Default returns the configuration used for everything the file leaves out.
func Default() Config {
	return Config{
		Root: ".",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		HTTP: HTTPConfig{
			Address: defaultAddress,
		},
		InformationTimeout: defaultInformationTimeout,
		ProjectSystems:     make(map[string]ProjectSystemConfig),
	}
}

// Load reads the file at path. A missing file yields the defaults.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()

	return Parse(f)
}

// Parse decodes a YAML configuration over the defaults and validates it. Unknown keys
// are rejected.
func Parse(r io.Reader) (Config, error) {
	cfg := Default()

	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.ProjectSystems == nil {
		cfg.ProjectSystems = make(map[string]ProjectSystemConfig)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the host cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Root == "" {
		errs = append(errs, fmt.Errorf("%w: root is empty", ErrInvalid))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("%w: log format %q", ErrInvalid, c.Log.Format))
	}
	if c.InformationTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%w: informationTimeout must be positive", ErrInvalid))
	}
	if c.Restore.Concurrency < 0 || c.Restore.IdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("%w: negative restore limits", ErrInvalid))
	}
	for name, ps := range c.ProjectSystems {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, fmt.Errorf("%w: project system without name", ErrInvalid))
		}
		if ps.Executable == "" && !ps.Disabled {
			errs = append(errs, fmt.Errorf("%w: project system %s has no executable", ErrInvalid, name))
		}
	}
	return errors.Join(errs...)
}

// Plugins returns the enabled project systems ordered by name. The restore defaults
// are merged into each plugin's settings under "restore".
func (c Config) Plugins() ([]projsys.PluginConfig, error) {
	names := make([]string, 0, len(c.ProjectSystems))
	for name, ps := range c.ProjectSystems {
		if !ps.Disabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	plugins := make([]projsys.PluginConfig, 0, len(names))
	for _, name := range names {
		ps := c.ProjectSystems[name]

		settings, err := c.settings(ps)
		if err != nil {
			return nil, fmt.Errorf("failed to encode settings of %s: %w", name, err)
		}

		env := make([]string, 0, len(ps.Env))
		for k, v := range ps.Env {
			env = append(env, k+"="+v)
		}
		sort.Strings(env)

		plugins = append(plugins, projsys.PluginConfig{
			Name:        name,
			Description: ps.Description,
			Executable:  ps.Executable,
			Args:        ps.Args,
			Env:         env,
			Settings:    settings,
		})
	}
	return plugins, nil
}

// Logger builds the logger writing to w.
func (c LogConfig) Logger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.Level)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func (c Config) settings(ps ProjectSystemConfig) (json.RawMessage, error) {
	settings := make(map[string]any, len(ps.Settings)+1)
	for k, v := range ps.Settings {
		settings[k] = v
	}
	if _, ok := settings["restore"]; !ok {
		if restore := c.Restore.settings(); len(restore) > 0 {
			settings["restore"] = restore
		}
	}
	if len(settings) == 0 {
		return nil, nil
	}

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(settings); err != nil {
		return nil, err
	}
	return bytes.TrimSpace(buf.Bytes()), nil
}

func (r RestoreConfig) settings() map[string]any {
	settings := make(map[string]any)
	if len(r.Command) > 0 {
		settings["command"] = r.Command
	}
	if r.Concurrency > 0 {
		settings["concurrency"] = r.Concurrency
	}
	if r.IdleTimeout > 0 {
		settings["idleTimeout"] = r.IdleTimeout.String()
	}
	if r.Retries > 0 {
		settings["retries"] = r.Retries
	}
	return settings
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("%w: log level %q", ErrInvalid, s)
	}
	return level, nil
}
