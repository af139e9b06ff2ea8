// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package credstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/spf13/afero"
	"go.mau.fi/util/jsontime"
)

const (
	combinedFileName = "session-backup.json"
	identityFileName = "identity-backup.json"
	keysFileName     = "session-keys-backup.json"
	metadataFileName = "backup-info.json"
	probeFileName    = ".write-test"

	recordVersion = 2
)

var backupFileNames = []string{combinedFileName, identityFileName, keysFileName, metadataFileName}

// Record is a backup as stored at one location.
type Record struct {
	Version   int                `json:"version"`
	Timestamp jsontime.UnixMilli `json:"timestamp"`
	Bundle    *Bundle            `json:"bundle"`

	// Source is the location the record was read from.
	Source string `json:"-"`
}

type metadata struct {
	Version        int                `json:"version"`
	Timestamp      jsontime.UnixMilli `json:"timestamp"`
	CapturedAt     jsontime.UnixMilli `json:"captured_at"`
	Location       string             `json:"location"`
	HasIdentity    bool               `json:"has_identity"`
	HasSessionKeys bool               `json:"has_session_keys"`
}

// locationFiles reads and writes the backup files of one directory.
type locationFiles struct {
	fs  afero.Fs
	dir string
}

func (lf locationFiles) path(name string) string {
	return filepath.Join(lf.dir, name)
}

// probe makes sure the directory exists and accepts writes.
func (lf locationFiles) probe() error {
	if err := lf.fs.MkdirAll(lf.dir, 0o700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	probe := lf.path(probeFileName)
	if err := afero.WriteFile(lf.fs, probe, []byte("probe"), 0o600); err != nil {
		return fmt.Errorf("directory is not writable: %w", err)
	}
	if err := lf.fs.Remove(probe); err != nil {
		return fmt.Errorf("failed to remove write probe: %w", err)
	}
	return nil
}

// writeJSON writes through a temp file and rename, so an interrupted write
// never leaves a truncated file behind.
func (lf locationFiles) writeJSON(name string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}
	target := lf.path(name)
	tmp := target + ".tmp"
	if err = afero.WriteFile(lf.fs, tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err = lf.fs.Rename(tmp, target); err != nil {
		_ = lf.fs.Remove(tmp)
		return fmt.Errorf("failed to move %s into place: %w", name, err)
	}
	return nil
}

func (lf locationFiles) write(rec *Record) error {
	if err := lf.writeJSON(combinedFileName, rec); err != nil {
		return err
	}
	if err := lf.writeJSON(identityFileName, rec.Bundle.Identity); err != nil {
		return err
	}
	if rec.Bundle.HasSessionKeys() {
		if err := lf.writeJSON(keysFileName, rec.Bundle.SessionKeys); err != nil {
			return err
		}
	} else if err := lf.fs.Remove(lf.path(keysFileName)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove stale %s: %w", keysFileName, err)
	}
	return lf.writeJSON(metadataFileName, &metadata{
		Version:        recordVersion,
		Timestamp:      rec.Timestamp,
		CapturedAt:     rec.Bundle.CapturedAt,
		Location:       lf.dir,
		HasIdentity:    rec.Bundle.Valid(),
		HasSessionKeys: rec.Bundle.HasSessionKeys(),
	})
}

func (lf locationFiles) readJSON(name string, into any) (bool, error) {
	data, err := afero.ReadFile(lf.fs, lf.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return true, fmt.Errorf("failed to read %s: %w", name, err)
	}
	if err = json.Unmarshal(data, into); err != nil {
		return true, fmt.Errorf("%w: %s: %v", ErrCorrupted, name, err)
	}
	return true, nil
}

// read loads the combined record, falling back to the separate files when the
// combined record is missing or damaged. It returns ErrMissing when the
// location holds nothing, and an error wrapping ErrCorrupted when nothing
// present could be parsed.
func (lf locationFiles) read() (*Record, error) {
	var combined Record
	found, combinedErr := lf.readJSON(combinedFileName, &combined)
	if found && combinedErr == nil {
		if combined.Bundle.Valid() {
			if combined.Bundle.SessionKeys == nil {
				combined.Bundle.SessionKeys = make(map[string][]byte)
			}
			if combined.Bundle.CapturedAt.IsZero() {
				combined.Bundle.CapturedAt = combined.Timestamp
			}
			combined.Source = lf.dir
			return &combined, nil
		}
		combinedErr = fmt.Errorf("%w: %s has no identity", ErrCorrupted, combinedFileName)
	}

	rec, err := lf.readSeparate()
	if err == nil {
		return rec, nil
	} else if errors.Is(err, ErrMissing) && combinedErr != nil {
		return nil, combinedErr
	}
	return nil, err
}

func (lf locationFiles) readSeparate() (*Record, error) {
	var identity []byte
	found, err := lf.readJSON(identityFileName, &identity)
	if !found {
		return nil, ErrMissing
	} else if err != nil {
		return nil, err
	} else if len(identity) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrCorrupted, identityFileName)
	}

	keys := make(map[string][]byte)
	if _, err = lf.readJSON(keysFileName, &keys); err != nil {
		return nil, err
	}
	if keys == nil {
		keys = make(map[string][]byte)
	}

	rec := &Record{
		Version: recordVersion,
		Bundle:  &Bundle{Identity: identity, SessionKeys: keys},
		Source:  lf.dir,
	}
	var meta metadata
	hasMeta, metaErr := lf.readJSON(metadataFileName, &meta)
	switch {
	case hasMeta && metaErr == nil && !meta.CapturedAt.IsZero():
		rec.Bundle.CapturedAt = meta.CapturedAt
		rec.Timestamp = meta.Timestamp
	case hasMeta && metaErr == nil && !meta.Timestamp.IsZero():
		rec.Bundle.CapturedAt = meta.Timestamp
		rec.Timestamp = meta.Timestamp
	default:
		info, err := lf.fs.Stat(lf.path(identityFileName))
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", identityFileName, err)
		}
		rec.Bundle.CapturedAt = jsontime.UM(info.ModTime())
		rec.Timestamp = rec.Bundle.CapturedAt
	}
	return rec, nil
}

// remove deletes every backup file of the location. Missing files are fine.
func (lf locationFiles) remove() error {
	var errs []error
	for _, name := range backupFileNames {
		err := lf.fs.Remove(lf.path(name))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("failed to remove %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
