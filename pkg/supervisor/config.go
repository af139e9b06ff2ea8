// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package supervisor

import (
	"slices"
	"time"
)

// Config holds the timing and retry policy of the supervisor.
type Config struct {
	// MaxRetryAttempts is the number of short-delay retries before the
	// escalated cool-down is used.
	MaxRetryAttempts int
	// RetryDelay is the short, constant delay between retries.
	RetryDelay time.Duration
	// CooldownDelay is the escalated delay used once the retry budget is spent.
	CooldownDelay time.Duration
	// ConnectTimeout bounds how long an attempt may take to reach the
	// connected state. It is re-armed on every pairing challenge rotation.
	ConnectTimeout time.Duration
	// MaxPairingRotations is how many pairing challenges are tolerated before
	// the session is torn down and restarted.
	MaxPairingRotations int
	// PairingRestartDelay is the delay before restarting after pairing
	// rotations were exhausted.
	PairingRestartDelay time.Duration
}

// DefaultConfig returns the default policy.
func DefaultConfig() Config {
	return Config{
		MaxRetryAttempts:    3,
		RetryDelay:          5 * time.Second,
		CooldownDelay:       60 * time.Second,
		ConnectTimeout:      60 * time.Second,
		MaxPairingRotations: 5,
		PairingRestartDelay: 10 * time.Second,
	}
}

// withDefaults replaces unset fields with the defaults.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = def.MaxRetryAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = def.RetryDelay
	}
	if c.CooldownDelay <= 0 {
		c.CooldownDelay = def.CooldownDelay
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.MaxPairingRotations <= 0 {
		c.MaxPairingRotations = def.MaxPairingRotations
	}
	if c.PairingRestartDelay <= 0 {
		c.PairingRestartDelay = def.PairingRestartDelay
	}
	return c
}

// Settings is the runtime behaviour of the bot. It is owned by the
// supervisor; read it with [Supervisor.Settings] and change it with
// [Supervisor.UpdateSettings].
type Settings struct {
	// BotEnabled gates message dispatch. While false only admins are heard.
	BotEnabled bool
	// AutoRead marks incoming messages and status updates as read.
	AutoRead bool
	// AntiCall rejects incoming calls.
	AntiCall bool
	// AdminIDs are the accounts allowed to control the bot. When empty, the
	// account that owns the session is added once it connects.
	AdminIDs []string
}

// DefaultSettings returns an enabled bot with no extras.
func DefaultSettings() Settings {
	return Settings{BotEnabled: true}
}

func (s Settings) clone() Settings {
	s.AdminIDs = slices.Clone(s.AdminIDs)
	return s
}

// IsAdmin reports whether id is in the admin list.
func (s Settings) IsAdmin(id string) bool {
	return id != "" && slices.Contains(s.AdminIDs, id)
}
