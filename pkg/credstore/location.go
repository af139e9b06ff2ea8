// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package credstore

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// BackupLocation is a directory a backup may be written to. Lower priorities
// are tried first. Writability is probed on every use since container
// filesystems may be recreated at any time.
type BackupLocation struct {
	Path     string
	Priority int
}

// EnvLocation is the source name reported for backups found in the
// environment mirror.
const EnvLocation = "environment"

// DefaultLocations returns the built-in location list: the working
// directory, the system temp directory and the home directory.
func DefaultLocations() []BackupLocation {
	paths := []string{
		"./auth-backup",
		filepath.Join(os.TempDir(), "auth-backup"),
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		paths = append(paths, filepath.Join(home, ".wa-bot-backup"))
	}
	return LocationsFromPaths(paths)
}

// LocationsFromPaths assigns priorities in list order. Empty paths are
// skipped; "~" and environment variables are expanded.
func LocationsFromPaths(paths []string) []BackupLocation {
	locs := make([]BackupLocation, 0, len(paths))
	for _, p := range paths {
		p = ExpandPath(p)
		if p == "" {
			continue
		}
		locs = append(locs, BackupLocation{Path: p, Priority: len(locs)})
	}
	return locs
}

// ExpandPath expands a leading "~" and any $VAR references. A path that
// expands to nothing (for example "$HOME/x" without HOME) returns "".
func ExpandPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil || home == "" {
			return ""
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	missing := false
	p = os.Expand(p, func(name string) string {
		if name == "TMPDIR" {
			return os.TempDir()
		}
		val, ok := os.LookupEnv(name)
		if !ok || val == "" {
			missing = true
		}
		return val
	})
	if missing {
		return ""
	}
	return filepath.Clean(p)
}

// sortLocations orders locations by priority, keeping list order on ties,
// and drops empty and duplicate paths.
func sortLocations(locs []BackupLocation) []BackupLocation {
	out := make([]BackupLocation, 0, len(locs))
	seen := make(map[string]struct{}, len(locs))
	for _, loc := range locs {
		if loc.Path == "" {
			continue
		}
		clean := filepath.Clean(loc.Path)
		if _, ok := seen[clean]; ok {
			continue
		}
		seen[clean] = struct{}{}
		loc.Path = clean
		out = append(out, loc)
	}
	slices.SortStableFunc(out, func(a, b BackupLocation) int {
		return a.Priority - b.Priority
	})
	return out
}
