// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package credstore

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"

	"go.mau.fi/util/jsontime"
)

// DefaultEnvPrefix prefixes the environment variables of the env mirror.
const DefaultEnvPrefix = "WA_SESSION"

// Environment is the variable store used for the env mirror.
type Environment interface {
	Getenv(key string) string
	Setenv(key, value string) error
	Unsetenv(key string) error
}

// ProcessEnv is the real process environment.
type ProcessEnv struct{}

func (ProcessEnv) Getenv(key string) string       { return os.Getenv(key) }
func (ProcessEnv) Setenv(key, value string) error { return os.Setenv(key, value) }
func (ProcessEnv) Unsetenv(key string) error      { return os.Unsetenv(key) }

// MapEnv is an in-memory [Environment].
type MapEnv struct {
	mu   sync.Mutex
	vars map[string]string
}

func NewMapEnv() *MapEnv {
	return &MapEnv{vars: make(map[string]string)}
}

func (m *MapEnv) Getenv(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.vars[key]
}

func (m *MapEnv) Setenv(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vars[key] = value
	return nil
}

func (m *MapEnv) Unsetenv(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.vars, key)
	return nil
}

// envMirror stores a bundle in three environment variables.
type envMirror struct {
	env    Environment
	prefix string
}

func (e envMirror) identityKey() string  { return e.prefix + "_IDENTITY_BACKUP" }
func (e envMirror) keysKey() string      { return e.prefix + "_KEYS_BACKUP" }
func (e envMirror) timestampKey() string { return e.prefix + "_BACKUP_TIMESTAMP" }

func (e envMirror) write(b *Bundle) error {
	identity, err := json.Marshal(b.Identity)
	if err != nil {
		return fmt.Errorf("failed to encode identity: %w", err)
	}
	if err = e.env.Setenv(e.identityKey(), base64.StdEncoding.EncodeToString(identity)); err != nil {
		return fmt.Errorf("failed to set %s: %w", e.identityKey(), err)
	}
	if b.HasSessionKeys() {
		keys, err := json.Marshal(b.SessionKeys)
		if err != nil {
			return fmt.Errorf("failed to encode session keys: %w", err)
		}
		if err = e.env.Setenv(e.keysKey(), base64.StdEncoding.EncodeToString(keys)); err != nil {
			return fmt.Errorf("failed to set %s: %w", e.keysKey(), err)
		}
	} else if err = e.env.Unsetenv(e.keysKey()); err != nil {
		return fmt.Errorf("failed to unset %s: %w", e.keysKey(), err)
	}
	ts := strconv.FormatInt(b.CapturedAt.UnixMilli(), 10)
	if err = e.env.Setenv(e.timestampKey(), ts); err != nil {
		return fmt.Errorf("failed to set %s: %w", e.timestampKey(), err)
	}
	return nil
}

// read returns ErrMissing when the mirror is empty and ErrCorrupted when its
// contents do not decode.
func (e envMirror) read() (*Bundle, error) {
	rawIdentity := e.env.Getenv(e.identityKey())
	rawTS := e.env.Getenv(e.timestampKey())
	if rawIdentity == "" || rawTS == "" {
		return nil, ErrMissing
	}
	ts, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad timestamp: %v", ErrCorrupted, err)
	}
	b := &Bundle{
		SessionKeys: make(map[string][]byte),
		CapturedAt:  jsontime.UMInt(ts),
	}
	if err = decodeEnvJSON(rawIdentity, &b.Identity); err != nil {
		return nil, fmt.Errorf("%w: identity: %v", ErrCorrupted, err)
	}
	if rawKeys := e.env.Getenv(e.keysKey()); rawKeys != "" {
		if err = decodeEnvJSON(rawKeys, &b.SessionKeys); err != nil {
			return nil, fmt.Errorf("%w: session keys: %v", ErrCorrupted, err)
		}
	}
	if !b.Valid() {
		return nil, fmt.Errorf("%w: identity is empty", ErrCorrupted)
	}
	return b, nil
}

func (e envMirror) clear() error {
	var firstErr error
	for _, key := range []string{e.identityKey(), e.keysKey(), e.timestampKey()} {
		if err := e.env.Unsetenv(key); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to unset %s: %w", key, err)
		}
	}
	return firstErr
}

func decodeEnvJSON(raw string, into any) error {
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, into)
}
