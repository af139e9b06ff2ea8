// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package credstore

import (
	"errors"
	"time"
)

// Status is the health of a single backup location.
type Status string

const (
	StatusValid     Status = "valid"
	StatusExpired   Status = "expired"
	StatusCorrupted Status = "corrupted"
	StatusMissing   Status = "missing"
)

// LocationReport describes what one location currently holds.
type LocationReport struct {
	Location string
	Status   Status
	// Age is set for valid and expired backups.
	Age time.Duration
	// SessionKeys is the number of session keys in a valid or expired backup.
	SessionKeys int
	Err         error
}

// Inspect scans every location and the environment mirror without modifying
// anything.
func (m *Manager) Inspect() []LocationReport {
	now := m.now()
	reports := make([]LocationReport, 0, len(m.locations)+1)
	for _, loc := range m.locations {
		lock := m.lockFor(loc.Path)
		lock.Lock()
		rec, err := m.files(loc).read()
		lock.Unlock()
		reports = append(reports, m.report(loc.Path, rec, err, now))
	}
	b, err := m.env.read()
	var rec *Record
	if err == nil {
		rec = &Record{Bundle: b, Source: EnvLocation}
	}
	reports = append(reports, m.report(EnvLocation, rec, err, now))
	return reports
}

func (m *Manager) report(location string, rec *Record, err error, now time.Time) LocationReport {
	r := LocationReport{Location: location, Err: err}
	switch {
	case err == nil:
		r.Age = rec.Bundle.age(now)
		r.SessionKeys = len(rec.Bundle.SessionKeys)
		r.Status = StatusValid
		if r.Age >= m.maxAge {
			r.Status = StatusExpired
		}
	case errors.Is(err, ErrMissing):
		r.Status = StatusMissing
		r.Err = nil
	default:
		r.Status = StatusCorrupted
	}
	return r
}

// VerifyIntegrity logs the state of every location and returns how many
// hold a valid backup.
func (m *Manager) VerifyIntegrity() int {
	valid := 0
	for _, r := range m.Inspect() {
		evt := m.log.Info()
		if r.Status == StatusCorrupted {
			evt = m.log.Warn().Err(r.Err)
		}
		if r.Status == StatusValid || r.Status == StatusExpired {
			evt = evt.Dur("age", r.Age).Int("session_keys", r.SessionKeys)
		}
		evt.Str("location", r.Location).Str("status", string(r.Status)).Msg("Backup location checked")
		if r.Status == StatusValid {
			valid++
		}
	}
	m.log.Info().Int("valid", valid).Msg("Backup integrity check complete")
	return valid
}
