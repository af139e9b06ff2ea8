// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package credstore

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"go.mau.fi/util/jsontime"
)

const (
	// DefaultCooldown is the minimum time between two unforced backups.
	DefaultCooldown = 30 * time.Second
	// DefaultMaxAge is the retention window of a backup.
	DefaultMaxAge = 7 * 24 * time.Hour
)

// Options configures a [Manager]. Zero values select the defaults.
type Options struct {
	Locations []BackupLocation
	Fs        afero.Fs
	Env       Environment
	EnvPrefix string
	Cooldown  time.Duration
	MaxAge    time.Duration
	Now       func() time.Time
}

// Manager is the credential persistence manager. It is safe for concurrent
// use: operations on the same location are serialized by a per-location lock.
type Manager struct {
	locations []BackupLocation
	fs        afero.Fs
	env       envMirror
	cooldown  time.Duration
	maxAge    time.Duration
	now       func() time.Time
	log       zerolog.Logger

	throttleMu sync.Mutex
	lastBackup time.Time

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewManager creates a manager. Locations are sorted by priority.
func NewManager(opts Options, log zerolog.Logger) *Manager {
	m := &Manager{
		locations: sortLocations(opts.Locations),
		fs:        opts.Fs,
		env:       envMirror{env: opts.Env, prefix: opts.EnvPrefix},
		cooldown:  opts.Cooldown,
		maxAge:    opts.MaxAge,
		now:       opts.Now,
		log:       log.With().Str("component", "credstore").Logger(),
		locks:     make(map[string]*sync.Mutex),
	}
	if opts.Locations == nil {
		m.locations = sortLocations(DefaultLocations())
	}
	if m.fs == nil {
		m.fs = afero.NewOsFs()
	}
	if m.env.env == nil {
		m.env.env = ProcessEnv{}
	}
	if m.env.prefix == "" {
		m.env.prefix = DefaultEnvPrefix
	}
	if m.cooldown == 0 {
		m.cooldown = DefaultCooldown
	}
	if m.maxAge <= 0 {
		m.maxAge = DefaultMaxAge
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Locations returns the location list in priority order.
func (m *Manager) Locations() []BackupLocation {
	out := make([]BackupLocation, len(m.locations))
	copy(out, m.locations)
	return out
}

// MaxAge returns the retention window.
func (m *Manager) MaxAge() time.Duration {
	return m.maxAge
}

func (m *Manager) lockFor(path string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	lock, ok := m.locks[path]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[path] = lock
	}
	return lock
}

func (m *Manager) files(loc BackupLocation) locationFiles {
	return locationFiles{fs: m.fs, dir: loc.Path}
}

// Backup persists a copy of the bundle to the first location that accepts
// it and mirrors it into the environment. Unless force is set, a call made
// within the cooldown of the last successful backup does nothing.
//
// A *PersistenceError means every file location failed; callers should log
// it and carry on.
func (m *Manager) Backup(bundle *Bundle, force bool) error {
	if !bundle.Valid() {
		m.log.Debug().Msg("No credentials to back up")
		return ErrInvalidBundle
	}
	now := m.now()

	m.throttleMu.Lock()
	defer m.throttleMu.Unlock()
	if !force && !m.lastBackup.IsZero() {
		if since := now.Sub(m.lastBackup); since < m.cooldown {
			m.log.Debug().
				Dur("since_last", since).
				Dur("cooldown", m.cooldown).
				Msg("Backup throttled")
			return nil
		}
	}

	b := bundle.Clone()
	if b.CapturedAt.IsZero() {
		b.CapturedAt = jsontime.UM(now)
	}
	b.CapturedAt = jsontime.UM(b.CapturedAt.Truncate(time.Millisecond))
	rec := &Record{
		Version:   recordVersion,
		Timestamp: jsontime.UM(now.Truncate(time.Millisecond)),
		Bundle:    b,
	}

	var failures []*LocationError
	written := ""
	for _, loc := range m.locations {
		if err := m.backupTo(loc, rec); err != nil {
			m.log.Warn().Err(err).Str("location", loc.Path).Msg("Failed to back up credentials to location")
			failures = append(failures, &LocationError{Location: loc.Path, Err: err})
			continue
		}
		written = loc.Path
		break
	}

	envErr := m.env.write(b)
	if envErr != nil {
		m.log.Warn().Err(envErr).Msg("Failed to mirror credentials into environment")
	}

	if written == "" {
		perr := &PersistenceError{Failures: failures, EnvWritten: envErr == nil}
		m.log.Error().Err(perr).Bool("env_written", perr.EnvWritten).Msg("All backup locations failed")
		return perr
	}
	m.lastBackup = now
	m.log.Info().
		Str("location", written).
		Int("session_keys", len(b.SessionKeys)).
		Bool("env_mirror", envErr == nil).
		Msg("Backed up credentials")
	return nil
}

func (m *Manager) backupTo(loc BackupLocation, rec *Record) error {
	lock := m.lockFor(loc.Path)
	lock.Lock()
	defer lock.Unlock()
	files := m.files(loc)
	if err := files.probe(); err != nil {
		return err
	}
	return files.write(rec)
}

// Restore returns the backup of the first location, in priority order, that
// holds a bundle younger than the retention window. Expired backups are
// deleted as they are found. The environment mirror is checked last. It
// returns nil when nothing valid exists anywhere.
func (m *Manager) Restore() *Record {
	now := m.now()
	for _, loc := range m.locations {
		rec, err := m.restoreFrom(loc, now)
		if err == nil {
			m.log.Info().
				Str("location", loc.Path).
				Dur("age", rec.Bundle.age(now)).
				Msg("Restoring credentials from backup")
			return rec
		}
		switch {
		case errors.Is(err, ErrMissing):
			m.log.Debug().Str("location", loc.Path).Msg("No backup at location")
		case errors.Is(err, ErrExpired):
			m.log.Info().Err(err).Str("location", loc.Path).Msg("Removed expired backup")
		default:
			m.log.Warn().Err(err).Str("location", loc.Path).Msg("Skipping unreadable backup")
		}
	}

	rec, err := m.restoreFromEnv(now)
	if err == nil {
		m.log.Info().Dur("age", rec.Bundle.age(now)).Msg("Restoring credentials from environment mirror")
		return rec
	} else if !errors.Is(err, ErrMissing) {
		m.log.Warn().Err(err).Msg("Skipping environment mirror")
	}
	m.log.Info().Msg("No valid credential backup found in any location")
	return nil
}

func (m *Manager) restoreFrom(loc BackupLocation, now time.Time) (*Record, error) {
	lock := m.lockFor(loc.Path)
	lock.Lock()
	defer lock.Unlock()
	files := m.files(loc)
	rec, err := files.read()
	if err != nil {
		return nil, err
	}
	if age := rec.Bundle.age(now); age >= m.maxAge {
		if rmErr := files.remove(); rmErr != nil {
			return nil, fmt.Errorf("%w (%s old), cleanup failed: %v", ErrExpired, age.Round(time.Hour), rmErr)
		}
		return nil, fmt.Errorf("%w (%s old)", ErrExpired, age.Round(time.Hour))
	}
	return rec, nil
}

func (m *Manager) restoreFromEnv(now time.Time) (*Record, error) {
	b, err := m.env.read()
	if err != nil {
		return nil, err
	}
	if age := b.age(now); age >= m.maxAge {
		if clrErr := m.env.clear(); clrErr != nil {
			m.log.Warn().Err(clrErr).Msg("Failed to clear expired environment mirror")
		}
		return nil, fmt.Errorf("%w (%s old)", ErrExpired, age.Round(time.Hour))
	}
	return &Record{
		Version:   recordVersion,
		Timestamp: b.CapturedAt,
		Bundle:    b,
		Source:    EnvLocation,
	}, nil
}

// Invalidate deletes every backup from every location and the environment
// mirror, and resets the backup throttle. It is used when the remote service
// revoked the credentials.
func (m *Manager) Invalidate() error {
	var errs []error
	for _, loc := range m.locations {
		lock := m.lockFor(loc.Path)
		lock.Lock()
		err := m.files(loc).remove()
		lock.Unlock()
		if err != nil {
			errs = append(errs, &LocationError{Location: loc.Path, Err: err})
		}
	}
	if err := m.env.clear(); err != nil {
		errs = append(errs, &LocationError{Location: EnvLocation, Err: err})
	}

	m.throttleMu.Lock()
	m.lastBackup = time.Time{}
	m.throttleMu.Unlock()

	err := errors.Join(errs...)
	if err != nil {
		m.log.Warn().Err(err).Msg("Some credential backups could not be removed")
	} else {
		m.log.Info().Int("locations", len(m.locations)).Msg("Invalidated all credential backups")
	}
	return err
}
