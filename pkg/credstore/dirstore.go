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
	"net/url"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"go.mau.fi/util/jsontime"
)

// PrimaryStore is the working credential store the transport library reads
// from and writes to during a session.
type PrimaryStore interface {
	// Load returns nil without error when the store is empty.
	Load() (*Bundle, error)
	Save(b *Bundle) error
	Clear() error
}

const (
	credsFileName = "creds.json"
	keyFilePrefix = "key-"
	keyFileSuffix = ".json"
)

type credsFile struct {
	Identity   []byte             `json:"identity"`
	CapturedAt jsontime.UnixMilli `json:"captured_at"`
}

// DirStore is a [PrimaryStore] laid out as one credentials file plus one
// "key-" prefixed file per session key in a single directory.
type DirStore struct {
	Fs  afero.Fs
	Dir string
}

var _ PrimaryStore = (*DirStore)(nil)

// NewDirStore returns a store rooted at dir on the OS filesystem.
func NewDirStore(dir string) *DirStore {
	return &DirStore{Fs: afero.NewOsFs(), Dir: dir}
}

func keyFileName(keyID string) string {
	return keyFilePrefix + url.PathEscape(keyID) + keyFileSuffix
}

func isKeyFile(name string) bool {
	return strings.HasPrefix(name, keyFilePrefix) && strings.HasSuffix(name, keyFileSuffix)
}

func keyIDFromFileName(name string) (string, error) {
	return url.PathUnescape(strings.TrimSuffix(strings.TrimPrefix(name, keyFilePrefix), keyFileSuffix))
}

func (d *DirStore) Load() (*Bundle, error) {
	data, err := afero.ReadFile(d.Fs, filepath.Join(d.Dir, credsFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", credsFileName, err)
	}
	var creds credsFile
	if err = json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupted, credsFileName, err)
	}
	if len(creds.Identity) == 0 {
		return nil, nil
	}
	b := &Bundle{
		Identity:    creds.Identity,
		SessionKeys: make(map[string][]byte),
		CapturedAt:  creds.CapturedAt,
	}
	entries, err := afero.ReadDir(d.Fs, d.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", d.Dir, err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !isKeyFile(name) {
			continue
		}
		keyID, err := keyIDFromFileName(name)
		if err != nil {
			continue
		}
		var key []byte
		raw, err := afero.ReadFile(d.Fs, filepath.Join(d.Dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		if err = json.Unmarshal(raw, &key); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorrupted, name, err)
		}
		b.SessionKeys[keyID] = key
	}
	return b, nil
}

// Save replaces the store contents with the bundle. New files are written
// before stale key files are removed, so a failed save never leaves the
// store emptier than it was.
func (d *DirStore) Save(b *Bundle) error {
	if !b.Valid() {
		return ErrInvalidBundle
	}
	if err := d.Fs.MkdirAll(d.Dir, 0o700); err != nil {
		return fmt.Errorf("failed to create %s: %w", d.Dir, err)
	}
	captured := b.CapturedAt
	if captured.IsZero() {
		captured = jsontime.UnixMilliNow()
	}
	lf := locationFiles{fs: d.Fs, dir: d.Dir}
	if err := lf.writeJSON(credsFileName, &credsFile{Identity: b.Identity, CapturedAt: captured}); err != nil {
		return err
	}
	for keyID, key := range b.SessionKeys {
		if err := lf.writeJSON(keyFileName(keyID), key); err != nil {
			return err
		}
	}
	return d.removeKeyFiles(func(keyID string) bool {
		_, keep := b.SessionKeys[keyID]
		return !keep
	})
}

// Clear empties the store, leaving the directory in place.
func (d *DirStore) Clear() error {
	if err := d.Fs.MkdirAll(d.Dir, 0o700); err != nil {
		return fmt.Errorf("failed to create %s: %w", d.Dir, err)
	}
	if err := d.removeKeyFiles(func(string) bool { return true }); err != nil {
		return err
	}
	if err := d.Fs.Remove(filepath.Join(d.Dir, credsFileName)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", credsFileName, err)
	}
	return nil
}

func (d *DirStore) removeKeyFiles(match func(keyID string) bool) error {
	entries, err := afero.ReadDir(d.Fs, d.Dir)
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", d.Dir, err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !isKeyFile(name) {
			continue
		}
		if keyID, err := keyIDFromFileName(name); err == nil && !match(keyID) {
			continue
		}
		if err = d.Fs.Remove(filepath.Join(d.Dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}
	return nil
}
