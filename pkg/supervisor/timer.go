// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package supervisor

import (
	"time"
)

// Timer is a pending timer that can be cancelled.
type Timer interface {
	Stop() bool
}

// TimerFunc schedules f to run once after d. Tests inject a fake to fire
// timers by hand.
type TimerFunc func(d time.Duration, f func()) Timer

func realTimer(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type timerKind int

const (
	timerRetry timerKind = iota
	timerConnectTimeout
	timerPairingRestart
)

func (k timerKind) String() string {
	switch k {
	case timerRetry:
		return "retry"
	case timerConnectTimeout:
		return "connect-timeout"
	case timerPairingRestart:
		return "pairing-restart"
	default:
		return "unknown"
	}
}

// timerSlot holds the single pending timer of the supervisor. Arming it
// cancels whatever was pending, and seq lets a timer that already fired
// notice it has been replaced.
type timerSlot struct {
	timer Timer
	kind  timerKind
	gen   uint64
	seq   uint64
}

func (t *timerSlot) pending() bool {
	return t.timer != nil
}

func (t *timerSlot) stop() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
