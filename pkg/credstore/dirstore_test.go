// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package credstore

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"go.mau.fi/util/jsontime"
)

func newMemDirStore() *DirStore {
	return &DirStore{Fs: afero.NewMemMapFs(), Dir: "/data/auth"}
}

// TestDirStore_SaveLoad verifies session keys with path separators survive
// a save and load cycle.
func TestDirStore_SaveLoad(t *testing.T) {
	t.Parallel()
	store := newMemDirStore()
	want := testBundle(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	if err := store.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !got.Equal(want) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

// TestDirStore_LoadEmpty verifies an empty store loads as nil without error.
func TestDirStore_LoadEmpty(t *testing.T) {
	t.Parallel()
	got, err := newMemDirStore().Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

// TestDirStore_SaveReplaces verifies keys from an earlier save do not
// survive a later one.
func TestDirStore_SaveReplaces(t *testing.T) {
	t.Parallel()
	store := newMemDirStore()
	if err := store.Save(testBundle(time.Now())); err != nil {
		t.Fatalf("Save: %v", err)
	}
	next := &Bundle{
		Identity:    []byte("other"),
		SessionKeys: map[string][]byte{"only": []byte("one")},
		CapturedAt:  jsontime.UM(time.Now()),
	}
	if err := store.Save(next); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.SessionKeys) != 1 || string(got.SessionKeys["only"]) != "one" {
		t.Fatalf("unexpected keys: %v", got.SessionKeys)
	}
}

// TestDirStore_SaveStampsCapturedAt verifies a missing capture time is set.
func TestDirStore_SaveStampsCapturedAt(t *testing.T) {
	t.Parallel()
	store := newMemDirStore()
	if err := store.Save(&Bundle{Identity: []byte("id")}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.CapturedAt.IsZero() || time.Since(got.CapturedAt.Time) > time.Minute {
		t.Fatalf("CapturedAt not stamped: %v", got.CapturedAt.Time)
	}
}

// TestDirStore_Clear verifies Clear empties the store.
func TestDirStore_Clear(t *testing.T) {
	t.Parallel()
	store := newMemDirStore()
	if err := store.Save(testBundle(time.Now())); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	got, err := store.Load()
	if err != nil || got != nil {
		t.Fatalf("expected empty store, got %+v, %v", got, err)
	}
}

// TestDirStore_InvalidBundle verifies bundles without identity are refused.
func TestDirStore_InvalidBundle(t *testing.T) {
	t.Parallel()
	if err := newMemDirStore().Save(&Bundle{}); !errors.Is(err, ErrInvalidBundle) {
		t.Fatalf("expected ErrInvalidBundle, got %v", err)
	}
}

// TestDirStore_Corrupted verifies a damaged credentials file is reported.
func TestDirStore_Corrupted(t *testing.T) {
	t.Parallel()
	store := newMemDirStore()
	if err := afero.WriteFile(store.Fs, store.Dir+"/"+credsFileName, []byte("nope"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := store.Load(); !errors.Is(err, ErrCorrupted) {
		t.Fatalf("expected ErrCorrupted, got %v", err)
	}
}

// TestDirStore_KeyNamedLikeCredentials verifies session key IDs cannot clash
// with the credentials file.
func TestDirStore_KeyNamedLikeCredentials(t *testing.T) {
	t.Parallel()
	store := newMemDirStore()
	want := &Bundle{
		Identity:    []byte("me"),
		SessionKeys: map[string][]byte{"creds": []byte("k1"), "creds.json": []byte("k2")},
		CapturedAt:  jsontime.UM(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
	if err := store.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !got.Equal(want) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

// failingWriteFs refuses to create files whose name contains fail.
type failingWriteFs struct {
	afero.Fs
	fail string
}

func (f *failingWriteFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if f.fail != "" && flag&os.O_CREATE != 0 && strings.Contains(filepath.Base(name), f.fail) {
		return nil, &os.PathError{Op: "open", Path: name, Err: errors.New("disk full")}
	}
	return f.Fs.OpenFile(name, flag, perm)
}

// TestDirStore_FailedSaveKeepsPrevious verifies a save that fails part way
// leaves the earlier credentials loadable.
func TestDirStore_FailedSaveKeepsPrevious(t *testing.T) {
	t.Parallel()
	fs := &failingWriteFs{Fs: afero.NewMemMapFs()}
	store := &DirStore{Fs: fs, Dir: "/data/auth"}
	want := testBundle(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	if err := store.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	fs.fail = credsFileName
	next := &Bundle{
		Identity:    []byte("other"),
		SessionKeys: map[string][]byte{"only": []byte("one")},
		CapturedAt:  jsontime.UM(time.Now()),
	}
	if err := store.Save(next); err == nil {
		t.Fatal("expected Save to fail")
	}

	fs.fail = ""
	got, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !got.Equal(want) {
		t.Fatalf("previous credentials lost: got %+v, want %+v", got, want)
	}
}
