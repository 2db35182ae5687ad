// Package config loads the loopsim configuration from YAML or TOML files
// with environment overrides
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/mrcode/loopsim/internal/dosing"
	"github.com/mrcode/loopsim/internal/models"
	"github.com/mrcode/loopsim/internal/notifications"
	"github.com/mrcode/loopsim/internal/prediction"
	"github.com/mrcode/loopsim/internal/pump"
	"github.com/mrcode/loopsim/internal/simulator"
)

// Sensor sources
const (
	SourceSimulator  = "simulator"
	SourceNightscout = "nightscout"
)

// Config holds all application configuration.
type Config struct {
	Alerts        models.Thresholds          `yaml:"alerts" toml:"alerts"`
	Predictor     prediction.PredictorConfig `yaml:"predictor" toml:"predictor"`
	Policy        dosing.PolicyConfig        `yaml:"policy" toml:"policy"`
	Pump          pump.Config                `yaml:"pump" toml:"pump"`
	Simulator     simulator.Config           `yaml:"simulator" toml:"simulator"`
	Profiles      []models.Profile           `yaml:"profiles" toml:"profiles"`
	ActiveProfile string                     `yaml:"active_profile" toml:"active_profile"`
	Loop          LoopConfig                 `yaml:"loop" toml:"loop"`
	Nightscout    NightscoutConfig           `yaml:"nightscout" toml:"nightscout"`
	Notifications notifications.Settings     `yaml:"notifications" toml:"notifications"`
	API           APIConfig                  `yaml:"api" toml:"api"`
	Log           LogConfig                  `yaml:"log" toml:"log"`
}

// LoopConfig controls the evaluation cycle
type LoopConfig struct {
	Interval time.Duration `yaml:"interval" toml:"interval"` // wall-clock time between cycles
	Source   string        `yaml:"source" toml:"source"`     // "simulator" or "nightscout"
}

// NightscoutConfig holds the Nightscout connection
type NightscoutConfig struct {
	URL       string        `yaml:"url" toml:"url"`
	APISecret string        `yaml:"api_secret" toml:"api_secret"`
	APIToken  string        `yaml:"api_token" toml:"api_token"`
	UseToken  bool          `yaml:"use_token" toml:"use_token"`
	Upload    bool          `yaml:"upload" toml:"upload"`   // mirror deliveries as treatments
	MaxAge    time.Duration `yaml:"max_age" toml:"max_age"` // reject older entries
}

// APIConfig holds the read-only HTTP API settings
type APIConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Addr    string `yaml:"addr" toml:"addr"`
}

// LogConfig holds the logging settings
type LogConfig struct {
	Level string `yaml:"level" toml:"level"`
	Color bool   `yaml:"color" toml:"color"`
}

// DefaultProfiles returns the built-in patient profiles
func DefaultProfiles() []models.Profile {
	return []models.Profile{
		{Name: "Morning Routine", BasalRate: 1.2, CarbRatio: 12.5, CorrectionFactor: 2.8, TargetBG: 5.5},
		{Name: "Exercise Mode", BasalRate: 0.8, CarbRatio: 10.0, CorrectionFactor: 2.5, TargetBG: 6.0},
		{Name: "Night Routine", BasalRate: 1.0, CarbRatio: 11.0, CorrectionFactor: 2.7, TargetBG: 5.0},
	}
}

// Default returns the configuration used when no file is present
func Default() *Config {
	return &Config{
		Alerts:        models.DefaultThresholds(),
		Predictor:     prediction.DefaultPredictorConfig(),
		Policy:        dosing.DefaultPolicyConfig(),
		Pump:          pump.DefaultConfig(),
		Simulator:     simulator.DefaultConfig(),
		Profiles:      DefaultProfiles(),
		ActiveProfile: "Morning Routine",
		Loop: LoopConfig{
			Interval: 5 * time.Minute,
			Source:   SourceSimulator,
		},
		Nightscout: NightscoutConfig{
			MaxAge: 15 * time.Minute,
		},
		Notifications: notifications.DefaultSettings(),
		API: APIConfig{
			Addr: "127.0.0.1:8080",
		},
		Log: LogConfig{
			Level: "info",
			Color: true,
		},
	}
}

// DefaultPath returns the config file location in the user config directory
func DefaultPath() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "loopsim.yaml"
	}
	return filepath.Join(configDir, "loopsim", "config.yaml")
}

// Load reads config from a YAML or TOML file (chosen by extension) over the
// defaults, then applies environment variable overrides. A missing file is
// not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path) //nolint:gosec // path comes from the command line
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		_, err := toml.Decode(string(data), cfg)
		return err
	default:
		return yaml.Unmarshal(data, cfg)
	}
}

// Environment variable overrides
func applyEnv(cfg *Config) error {
	if v := os.Getenv("LOOPSIM_NIGHTSCOUT_URL"); v != "" {
		cfg.Nightscout.URL = v
	}
	if v := os.Getenv("LOOPSIM_API_SECRET"); v != "" {
		cfg.Nightscout.APISecret = v
	}
	if v := os.Getenv("LOOPSIM_API_TOKEN"); v != "" {
		cfg.Nightscout.APIToken = v
		cfg.Nightscout.UseToken = true
	}
	if v := os.Getenv("LOOPSIM_SOURCE"); v != "" {
		cfg.Loop.Source = v
	}
	if v := os.Getenv("LOOPSIM_PROFILE"); v != "" {
		cfg.ActiveProfile = v
	}
	if v := os.Getenv("LOOPSIM_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOOPSIM_HTTP_ADDR"); v != "" {
		cfg.API.Addr = v
		cfg.API.Enabled = true
	}
	if v := os.Getenv("LOOPSIM_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("LOOPSIM_INTERVAL: %w", err)
		}
		cfg.Loop.Interval = d
	}
	if v := os.Getenv("LOOPSIM_SEED"); v != "" {
		seed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("LOOPSIM_SEED: %w", err)
		}
		cfg.Simulator.Seed = seed
	}
	return nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	var errs []error

	if c.Alerts.Low >= c.Alerts.High {
		errs = append(errs, fmt.Errorf("alerts.low %.1f must be below alerts.high %.1f", c.Alerts.Low, c.Alerts.High))
	}
	if c.Predictor.StepMinutes <= 0 {
		errs = append(errs, errors.New("predictor.step_minutes must be positive"))
	}
	if err := c.Policy.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("policy: %w", err))
	}
	if err := c.Pump.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("pump: %w", err))
	}
	if _, err := c.Profile(c.ActiveProfile); err != nil {
		errs = append(errs, err)
	}
	for _, p := range c.Profiles {
		if p.CarbRatio <= 0 || p.CorrectionFactor <= 0 {
			errs = append(errs, fmt.Errorf("profile %q: carb_ratio and correction_factor must be positive", p.Name))
		}
	}
	if c.Loop.Interval <= 0 {
		errs = append(errs, errors.New("loop.interval must be positive"))
	}
	switch c.Loop.Source {
	case SourceSimulator:
	case SourceNightscout:
		if c.Nightscout.URL == "" {
			errs = append(errs, errors.New("nightscout.url is required for the nightscout source"))
		}
	default:
		errs = append(errs, fmt.Errorf("loop.source %q is not one of simulator, nightscout", c.Loop.Source))
	}
	if c.Nightscout.Upload && c.Nightscout.URL == "" {
		errs = append(errs, errors.New("nightscout.url is required for uploads"))
	}

	return errors.Join(errs...)
}

// Profile returns the named profile
func (c *Config) Profile(name string) (models.Profile, error) {
	for _, p := range c.Profiles {
		if p.Name == name {
			return p, nil
		}
	}
	return models.Profile{}, fmt.Errorf("profile %q not found", name)
}

// Active returns the active profile
func (c *Config) Active() (models.Profile, error) {
	return c.Profile(c.ActiveProfile)
}

// Save writes the configuration as YAML
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return err
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0600)
}
