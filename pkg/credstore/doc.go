// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package credstore keeps the session credential bundle alive across process
// restarts on hosts whose working directory may be wiped between deployments.
//
// The [Manager] backs a [Bundle] up to an ordered list of [BackupLocation]s
// and restores the first one younger than the retention window. Each location
// holds a combined record plus separate identity, session-key and metadata
// files, so losing one file does not lose the session. Every backup is also
// mirrored into process environment variables as a last resort that survives
// a session restart inside the same process group.
//
// [DirStore] is the primary multi-file store the transport library reads its
// credentials from. The Manager only fills it when it is empty.
//
// Backups are throttled (30s by default) unless forced, and every failure is
// contained per location: a backup that fails everywhere returns a
// [*PersistenceError] that callers log and otherwise ignore.
package credstore
