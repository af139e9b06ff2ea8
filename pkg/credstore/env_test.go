// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package credstore

import (
	"errors"
	"testing"
	"time"
)

func TestEnvMirror_RoundTrip(t *testing.T) {
	t.Parallel()
	env := NewMapEnv()
	mirror := envMirror{env: env, prefix: "TEST"}
	want := testBundle(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))

	if err := mirror.write(want); err != nil {
		t.Fatalf("write: %v", err)
	}
	for _, key := range []string{"TEST_IDENTITY_BACKUP", "TEST_KEYS_BACKUP", "TEST_BACKUP_TIMESTAMP"} {
		if env.Getenv(key) == "" {
			t.Errorf("expected %s to be set", key)
		}
	}
	got, err := mirror.read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !got.Equal(want) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestEnvMirror_NoKeys(t *testing.T) {
	t.Parallel()
	env := NewMapEnv()
	mirror := envMirror{env: env, prefix: "TEST"}
	_ = env.Setenv("TEST_KEYS_BACKUP", "stale")

	b := &Bundle{Identity: []byte("id"), CapturedAt: testBundle(time.Now()).CapturedAt}
	if err := mirror.write(b); err != nil {
		t.Fatalf("write: %v", err)
	}
	if env.Getenv("TEST_KEYS_BACKUP") != "" {
		t.Error("stale keys variable should be unset")
	}
	got, err := mirror.read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got.SessionKeys) != 0 || string(got.Identity) != "id" {
		t.Fatalf("unexpected bundle %+v", got)
	}
}

func TestEnvMirror_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		vars map[string]string
		want error
	}{
		{"empty", nil, ErrMissing},
		{"no timestamp", map[string]string{"TEST_IDENTITY_BACKUP": "eyJ9"}, ErrMissing},
		{"bad timestamp", map[string]string{"TEST_IDENTITY_BACKUP": "ImFXUT0i", "TEST_BACKUP_TIMESTAMP": "soon"}, ErrCorrupted},
		{"bad base64", map[string]string{"TEST_IDENTITY_BACKUP": "!!!", "TEST_BACKUP_TIMESTAMP": "1700000000000"}, ErrCorrupted},
		{"bad keys", map[string]string{
			"TEST_IDENTITY_BACKUP":  "ImFXUT0i",
			"TEST_KEYS_BACKUP":      "bm9wZQ==",
			"TEST_BACKUP_TIMESTAMP": "1700000000000",
		}, ErrCorrupted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := NewMapEnv()
			for k, v := range tt.vars {
				_ = env.Setenv(k, v)
			}
			_, err := envMirror{env: env, prefix: "TEST"}.read()
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestEnvMirror_Clear(t *testing.T) {
	t.Parallel()
	env := NewMapEnv()
	mirror := envMirror{env: env, prefix: "TEST"}
	if err := mirror.write(testBundle(time.Now())); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := mirror.clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, err := mirror.read(); !errors.Is(err, ErrMissing) {
		t.Fatalf("expected ErrMissing after clear, got %v", err)
	}
}
