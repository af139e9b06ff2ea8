// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package session defines the types shared between the connection supervisor
// and its collaborators: the connection state machine's states, the events
// forwarded to application handlers, and the close reasons reported by the
// transport library.
//
// # Event Dispatch Boundary
//
// [Handler] is the only surface application code sees. The supervisor calls
// OnMessage, OnCall, OnPairingChallenge and OnConnectionStateChanged; command
// parsing, auto-replies and sticker conversion live behind it. [Fanout]
// forwards every event to several handlers in order.
//
// # Status reporting
//
// [StateReporter] receives a mautrix [status.BridgeState] for every state
// transition so an HTTP status page can expose the same view a bridge would.
package session
