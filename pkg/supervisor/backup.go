// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package supervisor

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/wa-session-keeper/pkg/credstore"
)

const forcedBackupRetries = 3

// backupWorker persists credential bundles off the event path. Only the most
// recent pending bundle is kept; a forced request stays forced even when a
// newer unforced bundle replaces it. The primary store is never written here:
// it belongs to the transport while a session is open.
type backupWorker struct {
	persist    Persistence
	retryDelay func(attempt int) time.Duration
	log        zerolog.Logger

	mu      sync.Mutex
	pending *credstore.Bundle
	force   bool
	stopped bool
	// abort is closed by discard to cut short the retry wait of a forced
	// backup.
	abort chan struct{}

	// runMu is held while a bundle is being written.
	runMu sync.Mutex

	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func defaultBackupRetryDelay(attempt int) time.Duration {
	return time.Duration(attempt) * 2 * time.Second
}

func newBackupWorker(persist Persistence, log zerolog.Logger) *backupWorker {
	w := &backupWorker{
		persist:    persist,
		retryDelay: defaultBackupRetryDelay,
		log:        log.With().Str("component", "backup_worker").Logger(),
		abort:      make(chan struct{}),
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go w.loop()
	return w
}

// submit queues a copy of the bundle, replacing any bundle still pending.
func (w *backupWorker) submit(b *credstore.Bundle, force bool) {
	if !b.Valid() {
		return
	}
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.pending = b.Clone()
	w.force = w.force || force
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *backupWorker) take() (*credstore.Bundle, bool, <-chan struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, force := w.pending, w.force
	w.pending, w.force = nil, false
	return b, force, w.abort
}

// discard drops any pending bundle and waits for an in-flight write to
// finish. Nothing queued before the call is written afterwards.
func (w *backupWorker) discard() {
	w.mu.Lock()
	w.pending, w.force = nil, false
	close(w.abort)
	w.abort = make(chan struct{})
	w.mu.Unlock()
	w.runMu.Lock()
	w.mu.Lock()
	w.pending, w.force = nil, false
	w.mu.Unlock()
	w.runMu.Unlock()
}

// close stops scheduling new writes and waits for the worker to exit. A
// write already in progress is allowed to finish.
func (w *backupWorker) close() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.stopped = true
		w.pending, w.force = nil, false
		w.mu.Unlock()
		close(w.stop)
	})
	<-w.done
}

func (w *backupWorker) loop() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case <-w.wake:
		}
		for w.runOne() {
		}
	}
}

func (w *backupWorker) runOne() bool {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	b, force, abort := w.take()
	if b == nil {
		return false
	}
	w.write(b, force, abort)
	return true
}

func (w *backupWorker) write(b *credstore.Bundle, force bool, abort <-chan struct{}) {
	for attempt := 0; ; attempt++ {
		err := w.persist.Backup(b, force)
		if err == nil {
			return
		}
		var perr *credstore.PersistenceError
		if !force || !errors.As(err, &perr) || attempt >= forcedBackupRetries {
			w.log.Error().Err(err).Bool("force", force).Int("attempt", attempt+1).Msg("Credential backup failed")
			return
		}
		delay := w.retryDelay(attempt + 1)
		w.log.Warn().Err(err).Int("attempt", attempt+1).Dur("retry_in", delay).Msg("Forced credential backup failed, retrying")
		t := time.NewTimer(delay)
		select {
		case <-w.stop:
			t.Stop()
			return
		case <-abort:
			t.Stop()
			return
		case <-t.C:
		}
	}
}
