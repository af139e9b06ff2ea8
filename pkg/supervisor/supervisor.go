// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/bridgev2/status"

	"github.com/aiku/wa-session-keeper/pkg/credstore"
	"github.com/aiku/wa-session-keeper/pkg/session"
)

// Options configures a [Supervisor]. Transport and Persistence are required.
type Options struct {
	Config      Config
	Settings    *Settings
	Transport   Transport
	Persistence Persistence
	// Store is the primary working credential store. Restored backups are
	// written into it before a session is opened.
	Store    credstore.PrimaryStore
	Handler  session.Handler
	Renderer ChallengeRenderer
	Reporter session.StateReporter
	NewTimer TimerFunc
	Now      func() time.Time
}

// Supervisor owns the single session of the process.
type Supervisor struct {
	cfg       Config
	transport Transport
	persist   Persistence
	store     credstore.PrimaryStore
	handler   session.Handler
	renderer  ChallengeRenderer
	reporter  session.StateReporter
	newTimer  TimerFunc
	now       func() time.Time
	backups   *backupWorker
	log       zerolog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc
	// wg tracks connection attempts and timer callbacks so Close can wait
	// for them.
	wg sync.WaitGroup

	mu            sync.Mutex
	state         session.State
	gen           uint64
	attemptID     string
	attemptCtx    context.Context
	attemptCancel context.CancelFunc
	sess          Session
	creds         *credstore.Bundle
	challenge     *session.Challenge
	rotations     int
	budget        RetryBudget
	timer         timerSlot
	settings      Settings
	info          session.Info
	closed        bool

	loggedOut     chan struct{}
	loggedOutOnce sync.Once
	done          chan struct{}
}

// New creates a supervisor in the disconnected state. Nothing happens until
// [Supervisor.Open] is called.
func New(opts Options, log zerolog.Logger) (*Supervisor, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if opts.Persistence == nil {
		return nil, fmt.Errorf("persistence manager is required")
	}
	cfg := opts.Config.withDefaults()
	settings := DefaultSettings()
	if opts.Settings != nil {
		settings = opts.Settings.clone()
	}
	s := &Supervisor{
		cfg:       cfg,
		transport: opts.Transport,
		persist:   opts.Persistence,
		store:     opts.Store,
		handler:   opts.Handler,
		renderer:  opts.Renderer,
		reporter:  opts.Reporter,
		newTimer:  opts.NewTimer,
		now:       opts.Now,
		log:       log.With().Str("component", "supervisor").Logger(),
		state:     session.StateDisconnected,
		budget:    RetryBudget{MaxAttempts: cfg.MaxRetryAttempts},
		settings:  settings,
		loggedOut: make(chan struct{}),
		done:      make(chan struct{}),
	}
	if s.handler == nil {
		s.handler = session.HandlerFuncs{}
	}
	if s.newTimer == nil {
		s.newTimer = realTimer
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.baseCtx, s.baseCancel = context.WithCancel(context.Background())
	s.backups = newBackupWorker(s.persist, s.log)
	return s, nil
}

// notifications are collected under the lock and delivered after it is
// released, so handlers may call back into the supervisor.
type notifications []func()

func (n notifications) run() {
	for _, fn := range n {
		fn()
	}
}

func (s *Supervisor) setStateLocked(next session.State, code status.BridgeStateErrorCode, message string) notifications {
	prev := s.state
	if prev == next {
		return nil
	}
	s.state = next
	s.log.Info().
		Stringer("from", prev).
		Stringer("to", next).
		Str("attempt_id", s.attemptID).
		Msg("Connection state changed")
	bs := status.BridgeState{
		StateEvent: next.BridgeStateEvent(),
		Error:      code,
		Message:    message,
	}
	notes := notifications{func() { s.handler.OnConnectionStateChanged(next) }}
	if s.reporter != nil {
		notes = append(notes, func() { s.reporter.ReportState(bs) })
	}
	return notes
}

// beginAttemptLocked starts a new connection attempt. Events from earlier
// attempts are ignored from now on.
func (s *Supervisor) beginAttemptLocked() (uint64, context.Context, context.CancelFunc) {
	s.gen++
	s.attemptID = uuid.NewString()
	s.rotations = 0
	s.challenge = nil
	s.attemptCtx, s.attemptCancel = context.WithCancel(s.baseCtx)
	return s.gen, s.attemptCtx, s.attemptCancel
}

// endAttemptLocked detaches the current session, if any, and invalidates the
// event sink of the current attempt. The caller closes the returned session
// after releasing the lock.
func (s *Supervisor) endAttemptLocked() Session {
	sess := s.sess
	s.sess = nil
	if s.attemptCancel != nil {
		s.attemptCancel()
		s.attemptCancel = nil
	}
	s.gen++
	s.challenge = nil
	return sess
}

func (s *Supervisor) closeSession(sess Session) {
	if sess == nil {
		return
	}
	if err := sess.Close(); err != nil {
		s.log.Debug().Err(err).Msg("Error closing session")
	}
}

// Open starts connecting. It is a no-op while an attempt is already in
// progress or the session is connected, and cancels any pending retry
// otherwise. ctx bounds only the opening of the transport session; retryable
// failures are retried in the background and are not returned.
func (s *Supervisor) Open(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrClosed
	case s.state == session.StateLoggedOut:
		s.mu.Unlock()
		return ErrLoggedOut
	case s.state.IsConnecting() || s.state == session.StateConnected:
		s.log.Debug().Stringer("state", s.state).Msg("Open called while session is active, ignoring")
		s.mu.Unlock()
		return nil
	}
	s.timer.stop()
	gen, attemptCtx, cancel := s.beginAttemptLocked()
	notes := s.setStateLocked(session.StateConnecting, "", "")
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()
	notes.run()
	return s.connect(ctx, gen, attemptCtx, cancel)
}

func (s *Supervisor) connect(ctx context.Context, gen uint64, attemptCtx context.Context, cancelAttempt context.CancelFunc) error {
	s.mu.Lock()
	creds := s.creds.Clone()
	s.mu.Unlock()
	if !creds.Valid() {
		creds = s.loadCredentials()
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return nil
	}
	if creds.Valid() {
		s.creds = creds.Clone()
	}
	s.armLocked(s.cfg.ConnectTimeout, timerConnectTimeout, gen)
	log := s.log.With().Str("attempt_id", s.attemptID).Logger()
	s.mu.Unlock()

	log.Info().
		Bool("has_credentials", creds.Valid()).
		Dur("timeout", s.cfg.ConnectTimeout).
		Msg("Opening session")
	stop := context.AfterFunc(ctx, cancelAttempt)
	sess, err := s.transport.Open(attemptCtx, creds, &attemptSink{s: s, gen: gen})
	stop()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			s.abandon(gen, ctxErr)
			return ctxErr
		}
		log.Warn().Err(err).Msg("Failed to open session")
		s.handleClose(gen, session.ReasonNetworkError, err)
		return nil
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		log.Debug().Msg("Connection attempt was superseded, closing its session")
		s.closeSession(sess)
		return nil
	}
	s.sess = sess
	s.mu.Unlock()
	return nil
}

// loadCredentials reads the primary store and falls back to the persistence
// manager when it is empty. A restored bundle is written back into the
// primary store.
func (s *Supervisor) loadCredentials() *credstore.Bundle {
	if s.store != nil {
		creds, err := s.store.Load()
		if err != nil {
			s.log.Warn().Err(err).Msg("Failed to read primary credential store")
		} else if creds.Valid() {
			s.log.Debug().Int("session_keys", len(creds.SessionKeys)).Msg("Using credentials from primary store")
			return creds
		}
	}
	rec := s.persist.Restore()
	if rec == nil {
		s.log.Info().Msg("No stored credentials, a new pairing is required")
		return nil
	}
	if s.store != nil {
		if err := s.store.Save(rec.Bundle); err != nil {
			s.log.Warn().Err(err).Msg("Failed to write restored credentials to primary store")
		}
	}
	s.log.Info().Str("source", rec.Source).Msg("Restored credentials from backup")
	return rec.Bundle
}

// abandon ends an attempt whose caller gave up before the session opened.
func (s *Supervisor) abandon(gen uint64, cause error) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.timer.stop()
	sess := s.endAttemptLocked()
	notes := s.setStateLocked(session.StateDisconnected, "wa-open-cancelled", cause.Error())
	s.mu.Unlock()
	s.log.Info().Err(cause).Msg("Connection attempt cancelled")
	s.closeSession(sess)
	notes.run()
}

func (s *Supervisor) armLocked(d time.Duration, kind timerKind, gen uint64) {
	s.timer.stop()
	s.timer.seq++
	seq := s.timer.seq
	s.timer.kind, s.timer.gen = kind, gen
	s.timer.timer = s.newTimer(d, func() { s.onTimer(seq) })
}

func (s *Supervisor) onTimer(seq uint64) {
	s.mu.Lock()
	if s.closed || !s.timer.pending() || s.timer.seq != seq {
		s.mu.Unlock()
		return
	}
	kind, gen := s.timer.kind, s.timer.gen
	s.timer.timer = nil
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()
	s.log.Debug().Stringer("timer", kind).Uint64("attempt_gen", gen).Msg("Timer fired")

	switch kind {
	case timerConnectTimeout:
		s.log.Warn().Dur("timeout", s.cfg.ConnectTimeout).Msg("Connection attempt timed out")
		s.handleClose(gen, session.ReasonTimeout, ErrConnectTimeout)
	case timerRetry, timerPairingRestart:
		s.reconnect(gen)
	}
}

func (s *Supervisor) reconnect(gen uint64) {
	s.mu.Lock()
	if s.closed || s.gen != gen || s.state != session.StateDisconnected {
		s.mu.Unlock()
		return
	}
	gen, attemptCtx, cancel := s.beginAttemptLocked()
	notes := s.setStateLocked(session.StateConnecting, "", "")
	attempts := s.budget.AttemptsUsed
	s.mu.Unlock()
	s.log.Info().Int("attempts_used", attempts).Msg("Reconnecting")
	notes.run()
	_ = s.connect(s.baseCtx, gen, attemptCtx, cancel)
}

// handleClose reacts to the end of the session of attempt gen. A logout
// invalidates every stored credential and stops reconnecting for good; any
// other reason schedules exactly one retry.
func (s *Supervisor) handleClose(gen uint64, reason session.CloseReason, cause error) {
	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		s.log.Debug().Stringer("reason", reason).Msg("Ignoring close from a superseded attempt")
		return
	}
	log := s.log.With().Str("attempt_id", s.attemptID).Stringer("reason", reason).Logger()
	s.timer.stop()
	sess := s.endAttemptLocked()

	if reason.IsTerminal() {
		s.budget.reset()
		s.creds = nil
		notes := s.setStateLocked(session.StateLoggedOut, "wa-logged-out", "Logged out remotely, pair again after restart")
		s.mu.Unlock()
		log.Error().Err(cause).Msg("Session logged out, invalidating stored credentials. Re-pairing is required")
		s.closeSession(sess)
		s.invalidate()
		notes.run()
		s.loggedOutOnce.Do(func() { close(s.loggedOut) })
		return
	}

	delay, escalated := s.budget.nextDelay(s.cfg)
	attempts := s.budget.AttemptsUsed
	s.armLocked(delay, timerRetry, s.gen)
	notes := s.setStateLocked(session.StateDisconnected, status.BridgeStateErrorCode("wa-"+reason.String()),
		fmt.Sprintf("Reconnecting in %s (attempt %d)", delay, attempts))
	s.mu.Unlock()

	evt := log.Warn()
	if escalated {
		evt = log.Error()
	}
	evt.Err(cause).
		Int("attempts_used", attempts).
		Dur("retry_in", delay).
		Bool("cooldown", escalated).
		Msg("Session closed, scheduling reconnect")
	s.closeSession(sess)
	notes.run()
}

func (s *Supervisor) invalidate() {
	s.backups.discard()
	if err := s.persist.Invalidate(); err != nil {
		s.log.Warn().Err(err).Msg("Failed to invalidate some credential backups")
	}
	if s.store != nil {
		if err := s.store.Clear(); err != nil {
			s.log.Warn().Err(err).Msg("Failed to clear primary credential store")
		}
	}
}

// State returns the current connection state.
func (s *Supervisor) State() session.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CurrentChallenge returns the pairing challenge being shown, or nil when
// not awaiting pairing.
func (s *Supervisor) CurrentChallenge() *session.Challenge {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.challenge == nil {
		return nil
	}
	ch := *s.challenge
	return &ch
}

// RetryBudget returns a snapshot of the retry budget.
func (s *Supervisor) RetryBudget() RetryBudget {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.budget
}

// Info returns what the transport reported about the connected account.
func (s *Supervisor) Info() session.Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Settings returns a copy of the bot settings.
func (s *Supervisor) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings.clone()
}

// UpdateSettings applies fn to a copy of the settings and stores the result.
// fn must not call back into the supervisor.
func (s *Supervisor) UpdateSettings(fn func(*Settings)) Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.settings.clone()
	fn(&next)
	s.settings = next.clone()
	s.log.Info().
		Bool("bot_enabled", next.BotEnabled).
		Bool("auto_read", next.AutoRead).
		Bool("anti_call", next.AntiCall).
		Int("admins", len(next.AdminIDs)).
		Msg("Settings updated")
	return next
}

// Wait blocks until the session is logged out, the supervisor is closed, or
// ctx is done. It returns [ErrLoggedOut] in the first case, so the process
// can exit and be restarted into a clean pairing.
func (s *Supervisor) Wait(ctx context.Context) error {
	select {
	case <-s.loggedOut:
		return ErrLoggedOut
	default:
	}
	select {
	case <-s.loggedOut:
		return ErrLoggedOut
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears down the session, cancels the pending timer, and stops
// scheduling backups. A backup write already in progress is allowed to
// finish.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.timer.stop()
	sess := s.endAttemptLocked()
	var notes notifications
	if s.state != session.StateLoggedOut {
		notes = s.setStateLocked(session.StateDisconnected, "wa-shutdown", "Shutting down")
	}
	s.mu.Unlock()

	s.baseCancel()
	var err error
	if sess != nil {
		if closeErr := sess.Close(); closeErr != nil && !errors.Is(closeErr, context.Canceled) {
			err = fmt.Errorf("failed to close session: %w", closeErr)
		}
	}
	s.wg.Wait()
	s.backups.close()
	notes.run()
	close(s.done)
	s.log.Info().Msg("Supervisor stopped")
	return err
}
