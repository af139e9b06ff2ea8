// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package credstore

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidBundle is returned when a bundle without identity is backed up.
	ErrInvalidBundle = errors.New("credential bundle has no identity")
	// ErrMissing means a location holds no backup.
	ErrMissing = errors.New("no backup found")
	// ErrCorrupted means a location's files do not parse as a bundle.
	ErrCorrupted = errors.New("backup corrupted")
	// ErrExpired means the backup is older than the retention window.
	ErrExpired = errors.New("backup expired")
)

// LocationError is a failure to use one backup location.
type LocationError struct {
	Location string
	Err      error
}

func (e *LocationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Location, e.Err)
}

func (e *LocationError) Unwrap() error {
	return e.Err
}

// PersistenceError is returned by [Manager.Backup] when no file location
// accepted the bundle. The environment mirror may still have been written.
type PersistenceError struct {
	Failures []*LocationError
	// EnvWritten reports whether the environment mirror was updated anyway.
	EnvWritten bool
}

func (e *PersistenceError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.Error())
	}
	if len(parts) == 0 {
		return "failed to back up credentials: no backup locations configured"
	}
	return "failed to back up credentials to any location: " + strings.Join(parts, "; ")
}

func (e *PersistenceError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f
	}
	return errs
}
