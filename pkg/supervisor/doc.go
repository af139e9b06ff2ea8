// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package supervisor drives the lifecycle of the single messaging session:
// pairing, connecting, reconnecting with a fixed-then-escalating retry
// schedule, and reacting to logout.
//
// The supervisor owns at most one transport session and at most one pending
// timer. Every event from the transport is tagged with the connection attempt
// that produced it, so events from a torn-down attempt are dropped instead of
// triggering a second reconnect.
//
// Credential updates are handed to a background worker that persists the
// latest bundle through the credential persistence manager. Storage failures
// are logged and never stop the session.
package supervisor
