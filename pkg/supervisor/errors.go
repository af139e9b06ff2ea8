// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package supervisor

import (
	"errors"
)

var (
	// ErrLoggedOut is returned once the remote service revoked the session.
	// The process is expected to exit and be restarted by its supervisor.
	ErrLoggedOut = errors.New("session logged out, re-pairing required")
	// ErrClosed is returned by operations on a closed supervisor.
	ErrClosed = errors.New("supervisor closed")
	// ErrConnectTimeout is the cause recorded when a connection attempt does
	// not reach the connected state in time.
	ErrConnectTimeout = errors.New("connection attempt timed out")
	// ErrPairingExhausted is the cause recorded when too many pairing
	// challenges were issued without the session being established.
	ErrPairingExhausted = errors.New("pairing challenge rotations exhausted")
)
