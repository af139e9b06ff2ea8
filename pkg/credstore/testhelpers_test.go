// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package credstore

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"go.mau.fi/util/jsontime"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// testManager bundles a manager with the pieces tests poke at directly.
type testManager struct {
	*Manager
	clock *fakeClock
	env   *MapEnv
	dirs  []string
}

func newTestManager(t *testing.T, locationCount int) *testManager {
	t.Helper()
	root := t.TempDir()
	dirs := make([]string, locationCount)
	for i := range dirs {
		dirs[i] = filepath.Join(root, "loc"+string(rune('a'+i)))
	}
	return newTestManagerWithDirs(t, afero.NewOsFs(), dirs)
}

func newTestManagerWithDirs(t *testing.T, fs afero.Fs, dirs []string) *testManager {
	t.Helper()
	clock := newFakeClock()
	env := NewMapEnv()
	m := NewManager(Options{
		Locations: LocationsFromPaths(dirs),
		Fs:        fs,
		Env:       env,
		Now:       clock.Now,
	}, zerolog.Nop())
	return &testManager{Manager: m, clock: clock, env: env, dirs: dirs}
}

func testBundle(capturedAt time.Time) *Bundle {
	return &Bundle{
		Identity: []byte("identity-secret"),
		SessionKeys: map[string][]byte{
			"pre-key-1":                  []byte("pk1"),
			"session-123@s.whatsapp.net": []byte("sess"),
			"app-state-sync-key/AAAA":    {0x00, 0x01, 0xff},
		},
		CapturedAt: jsontime.UM(capturedAt.Truncate(time.Millisecond)),
	}
}

// blockDir makes dir unusable as a backup location by putting a regular file
// where the directory should be.
func blockDir(t *testing.T, dir string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(dir), 0o700); err != nil {
		t.Fatalf("mkdir parent: %v", err)
	}
	if err := os.WriteFile(dir, []byte("not a directory"), 0o600); err != nil {
		t.Fatalf("write blocker: %v", err)
	}
}

func fileExists(t *testing.T, path string) bool {
	t.Helper()
	_, err := os.Stat(path)
	return err == nil
}
