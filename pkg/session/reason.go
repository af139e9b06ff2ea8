// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package session

// CloseReason is the reason code reported when the transport closes.
type CloseReason int

const (
	ReasonUnknown CloseReason = iota
	// ReasonLoggedOut means the remote service revoked the credentials. It is
	// the only terminal reason.
	ReasonLoggedOut
	ReasonNetworkError
	ReasonTimeout
	ReasonRestartRequired
	ReasonConnectionReplaced
	ReasonStreamError
	// ReasonPairingTimeout is synthesized by the supervisor when the pairing
	// challenge rotated too many times.
	ReasonPairingTimeout
)

func (r CloseReason) String() string {
	switch r {
	case ReasonLoggedOut:
		return "logged-out"
	case ReasonNetworkError:
		return "network-error"
	case ReasonTimeout:
		return "timeout"
	case ReasonRestartRequired:
		return "restart-required"
	case ReasonConnectionReplaced:
		return "connection-replaced"
	case ReasonStreamError:
		return "stream-error"
	case ReasonPairingTimeout:
		return "pairing-timeout"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the reason proves the credentials are permanently
// invalid.
func (r CloseReason) IsTerminal() bool {
	return r == ReasonLoggedOut
}
