// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package credstore

import (
	"bytes"
	"time"

	"go.mau.fi/util/jsontime"
)

// Bundle is the secret material needed to resume a session without pairing
// again.
type Bundle struct {
	Identity    []byte             `json:"identity"`
	SessionKeys map[string][]byte  `json:"session_keys"`
	CapturedAt  jsontime.UnixMilli `json:"captured_at"`
}

// Valid reports whether the bundle carries an identity. Session keys may be
// empty.
func (b *Bundle) Valid() bool {
	return b != nil && len(b.Identity) > 0
}

// HasSessionKeys reports whether the bundle carries at least one session key.
func (b *Bundle) HasSessionKeys() bool {
	return b != nil && len(b.SessionKeys) > 0
}

// Clone returns a deep copy of the bundle.
func (b *Bundle) Clone() *Bundle {
	if b == nil {
		return nil
	}
	cp := &Bundle{
		Identity:    bytes.Clone(b.Identity),
		SessionKeys: make(map[string][]byte, len(b.SessionKeys)),
		CapturedAt:  b.CapturedAt,
	}
	for id, key := range b.SessionKeys {
		cp.SessionKeys[id] = bytes.Clone(key)
	}
	return cp
}

// Equal reports whether both bundles hold the same secrets and capture time.
// Capture times are compared at millisecond precision, which is what survives
// serialization.
func (b *Bundle) Equal(other *Bundle) bool {
	if b == nil || other == nil {
		return b == other
	}
	if !bytes.Equal(b.Identity, other.Identity) || len(b.SessionKeys) != len(other.SessionKeys) {
		return false
	}
	for id, key := range b.SessionKeys {
		otherKey, ok := other.SessionKeys[id]
		if !ok || !bytes.Equal(key, otherKey) {
			return false
		}
	}
	return b.CapturedAt.UnixMilli() == other.CapturedAt.UnixMilli()
}

// age returns how old the bundle is relative to now, never negative.
func (b *Bundle) age(now time.Time) time.Duration {
	age := now.Sub(b.CapturedAt.Time)
	if age < 0 {
		return 0
	}
	return age
}
