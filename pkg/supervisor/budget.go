// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package supervisor

import (
	"time"
)

// RetryBudget tracks consecutive failed connection attempts.
type RetryBudget struct {
	AttemptsUsed int
	MaxAttempts  int
	// Backoff is the delay chosen for the most recent retry.
	Backoff time.Duration
}

// nextDelay counts a failed attempt and returns the delay before the next
// one. The first MaxAttempts retries of every window use the short delay and
// the one after them the escalated cool-down, after which the window starts
// over. AttemptsUsed keeps counting until the session connects.
func (b *RetryBudget) nextDelay(cfg Config) (delay time.Duration, escalated bool) {
	b.AttemptsUsed++
	if b.AttemptsUsed%(b.MaxAttempts+1) == 0 {
		delay, escalated = cfg.CooldownDelay, true
	} else {
		delay = cfg.RetryDelay
	}
	b.Backoff = delay
	return
}

func (b *RetryBudget) reset() {
	b.AttemptsUsed = 0
	b.Backoff = 0
}
