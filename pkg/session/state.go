// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package session

import (
	"maunium.net/go/mautrix/bridgev2/status"
)

// State is the connection state of the single live session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingPairing
	StateConnected
	StateLoggedOut
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingPairing:
		return "awaiting-pairing"
	case StateConnected:
		return "connected"
	case StateLoggedOut:
		return "logged-out"
	default:
		return "unknown"
	}
}

// IsConnecting reports whether a connection attempt is in flight.
func (s State) IsConnecting() bool {
	return s == StateConnecting || s == StateAwaitingPairing
}

// BridgeStateEvent maps the connection state onto the bridge state vocabulary
// used by status pages.
func (s State) BridgeStateEvent() status.BridgeStateEvent {
	switch s {
	case StateConnecting, StateAwaitingPairing:
		return status.StateConnecting
	case StateConnected:
		return status.StateConnected
	case StateDisconnected:
		return status.StateTransientDisconnect
	case StateLoggedOut:
		return status.StateBadCredentials
	default:
		return status.StateUnknownError
	}
}

// StateReporter receives a bridge state for every connection state transition.
type StateReporter interface {
	ReportState(state status.BridgeState)
}

// StateReporterFunc adapts a function to [StateReporter].
type StateReporterFunc func(state status.BridgeState)

func (f StateReporterFunc) ReportState(state status.BridgeState) {
	f(state)
}
