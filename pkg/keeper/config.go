// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package keeper

import (
	_ "embed"
	"errors"
	"fmt"
	"time"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/aiku/wa-session-keeper/pkg/credstore"
	"github.com/aiku/wa-session-keeper/pkg/supervisor"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config is the keeper configuration file.
type Config struct {
	Logging     zeroconfig.Config `yaml:"logging"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Connection  ConnectionConfig  `yaml:"connection"`
	Pairing     PairingConfig     `yaml:"pairing"`
	Bot         BotConfig         `yaml:"bot"`
}

type PersistenceConfig struct {
	PrimaryDir      string   `yaml:"primary_dir"`
	Locations       []string `yaml:"locations"`
	EnvPrefix       string   `yaml:"env_prefix"`
	CooldownSeconds int      `yaml:"cooldown_seconds"`
	MaxAgeHours     int      `yaml:"max_age_hours"`

	locations []credstore.BackupLocation
}

type ConnectionConfig struct {
	MaxRetryAttempts           int `yaml:"max_retry_attempts"`
	RetryDelaySeconds          int `yaml:"retry_delay_seconds"`
	CooldownDelaySeconds       int `yaml:"cooldown_delay_seconds"`
	ConnectTimeoutSeconds      int `yaml:"connect_timeout_seconds"`
	MaxPairingRotations        int `yaml:"max_pairing_rotations"`
	PairingRestartDelaySeconds int `yaml:"pairing_restart_delay_seconds"`
}

type PairingConfig struct {
	Terminal bool `yaml:"terminal"`
	Inverse  bool `yaml:"inverse"`
}

type BotConfig struct {
	Enabled  bool     `yaml:"enabled"`
	AutoRead bool     `yaml:"auto_read"`
	AntiCall bool     `yaml:"anti_call"`
	Admins   []string `yaml:"admins"`
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Map, "logging")

	helper.Copy(up.Str, "persistence", "primary_dir")
	helper.Copy(up.List, "persistence", "locations")
	helper.Copy(up.Str, "persistence", "env_prefix")
	helper.Copy(up.Int, "persistence", "cooldown_seconds")
	helper.Copy(up.Int, "persistence", "max_age_hours")

	helper.Copy(up.Int, "connection", "max_retry_attempts")
	helper.Copy(up.Int, "connection", "retry_delay_seconds")
	helper.Copy(up.Int, "connection", "cooldown_delay_seconds")
	helper.Copy(up.Int, "connection", "connect_timeout_seconds")
	helper.Copy(up.Int, "connection", "max_pairing_rotations")
	helper.Copy(up.Int, "connection", "pairing_restart_delay_seconds")

	helper.Copy(up.Bool, "pairing", "terminal")
	helper.Copy(up.Bool, "pairing", "inverse")

	helper.Copy(up.Bool, "bot", "enabled")
	helper.Copy(up.Bool, "bot", "auto_read")
	helper.Copy(up.Bool, "bot", "anti_call")
	helper.Copy(up.List, "bot", "admins")
}

// Upgrader fills missing keys of a config file from the example config.
var Upgrader = &up.StructUpgrader{
	SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
	Blocks: [][]string{
		{"persistence"},
		{"connection"},
		{"pairing"},
		{"bot"},
	},
	Base: ExampleConfig,
}

// LoadConfig reads the config file at path, fills in missing keys from the
// example config and validates the result. With save set, the upgraded file
// is written back.
func LoadConfig(path string, save bool) (*Config, error) {
	data, _, err := up.Do(path, save, Upgrader)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes and validates an already upgraded config.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// PostProcess validates the config and expands backup location paths.
func (c *Config) PostProcess() error {
	var errs []error
	p := &c.Persistence
	p.PrimaryDir = credstore.ExpandPath(p.PrimaryDir)
	if p.PrimaryDir == "" {
		errs = append(errs, errors.New("persistence.primary_dir must be set"))
	}
	if p.CooldownSeconds < 0 {
		errs = append(errs, errors.New("persistence.cooldown_seconds must not be negative"))
	}
	if p.MaxAgeHours <= 0 {
		errs = append(errs, errors.New("persistence.max_age_hours must be positive"))
	}
	p.locations = credstore.LocationsFromPaths(p.Locations)
	if len(p.locations) == 0 {
		p.locations = credstore.DefaultLocations()
	}

	conn := c.Connection
	for _, field := range []struct {
		name string
		val  int
	}{
		{"max_retry_attempts", conn.MaxRetryAttempts},
		{"retry_delay_seconds", conn.RetryDelaySeconds},
		{"cooldown_delay_seconds", conn.CooldownDelaySeconds},
		{"connect_timeout_seconds", conn.ConnectTimeoutSeconds},
		{"max_pairing_rotations", conn.MaxPairingRotations},
		{"pairing_restart_delay_seconds", conn.PairingRestartDelaySeconds},
	} {
		if field.val <= 0 {
			errs = append(errs, fmt.Errorf("connection.%s must be positive", field.name))
		}
	}
	if conn.CooldownDelaySeconds < conn.RetryDelaySeconds {
		errs = append(errs, errors.New("connection.cooldown_delay_seconds must not be shorter than retry_delay_seconds"))
	}
	return errors.Join(errs...)
}

// BackupLocations returns the expanded backup locations in priority order.
// It is only valid after PostProcess.
func (p *PersistenceConfig) BackupLocations() []credstore.BackupLocation {
	return p.locations
}

// ManagerOptions converts the section into persistence manager options.
func (p *PersistenceConfig) ManagerOptions() credstore.Options {
	cooldown := time.Duration(p.CooldownSeconds) * time.Second
	if cooldown == 0 {
		// Zero selects the default in the manager, so disable throttling
		// explicitly.
		cooldown = -1
	}
	return credstore.Options{
		Locations: p.BackupLocations(),
		EnvPrefix: p.EnvPrefix,
		Cooldown:  cooldown,
		MaxAge:    time.Duration(p.MaxAgeHours) * time.Hour,
	}
}

// SupervisorConfig converts the section into the supervisor policy.
func (c ConnectionConfig) SupervisorConfig() supervisor.Config {
	return supervisor.Config{
		MaxRetryAttempts:    c.MaxRetryAttempts,
		RetryDelay:          time.Duration(c.RetryDelaySeconds) * time.Second,
		CooldownDelay:       time.Duration(c.CooldownDelaySeconds) * time.Second,
		ConnectTimeout:      time.Duration(c.ConnectTimeoutSeconds) * time.Second,
		MaxPairingRotations: c.MaxPairingRotations,
		PairingRestartDelay: time.Duration(c.PairingRestartDelaySeconds) * time.Second,
	}
}

// Settings converts the section into the initial bot settings.
func (b BotConfig) Settings() supervisor.Settings {
	return supervisor.Settings{
		BotEnabled: b.Enabled,
		AutoRead:   b.AutoRead,
		AntiCall:   b.AntiCall,
		AdminIDs:   append([]string(nil), b.Admins...),
	}
}
