// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package supervisor

import (
	"context"
	"fmt"

	"go.mau.fi/util/jsontime"
	"maunium.net/go/mautrix/bridgev2/status"

	"github.com/aiku/wa-session-keeper/pkg/credstore"
	"github.com/aiku/wa-session-keeper/pkg/session"
)

// attemptSink delivers the events of one connection attempt. Once the
// attempt is over its events are dropped.
type attemptSink struct {
	s   *Supervisor
	gen uint64
}

var _ EventSink = (*attemptSink)(nil)

func (a *attemptSink) PairingChallenge(token string) {
	a.s.onPairingChallenge(a.gen, token)
}

func (a *attemptSink) SessionEstablished(info session.Info) {
	a.s.onSessionEstablished(a.gen, info)
}

func (a *attemptSink) CredentialsChanged(creds *credstore.Bundle) {
	a.s.onCredentialsChanged(a.gen, creds)
}

func (a *attemptSink) TransportClosed(reason session.CloseReason, err error) {
	a.s.handleClose(a.gen, reason, err)
}

func (a *attemptSink) Message(evt *session.MessageEvent) {
	a.s.onMessage(a.gen, evt)
}

func (a *attemptSink) Call(evt *session.CallEvent) {
	a.s.onCall(a.gen, evt)
}

// currentLocked reports whether gen is the live attempt.
func (s *Supervisor) currentLocked(gen uint64) bool {
	return !s.closed && gen == s.gen
}

func (s *Supervisor) onPairingChallenge(gen uint64, token string) {
	s.mu.Lock()
	if !s.currentLocked(gen) || !s.state.IsConnecting() {
		s.mu.Unlock()
		return
	}
	s.rotations++
	if s.rotations > s.cfg.MaxPairingRotations {
		shown := s.rotations - 1
		sess := s.endAttemptLocked()
		s.armLocked(s.cfg.PairingRestartDelay, timerPairingRestart, s.gen)
		notes := s.setStateLocked(session.StateDisconnected, status.BridgeStateErrorCode("wa-"+session.ReasonPairingTimeout.String()),
			fmt.Sprintf("Pairing code not scanned after %d codes, restarting in %s", shown, s.cfg.PairingRestartDelay))
		s.mu.Unlock()
		s.log.Warn().
			Err(ErrPairingExhausted).
			Stringer("reason", session.ReasonPairingTimeout).
			Int("rotations", shown).
			Dur("restart_in", s.cfg.PairingRestartDelay).
			Msg("Restarting session to get a fresh pairing code")
		s.closeSession(sess)
		notes.run()
		return
	}
	ch := session.Challenge{
		Token:        token,
		Rotation:     s.rotations,
		MaxRotations: s.cfg.MaxPairingRotations,
		IssuedAt:     s.now(),
	}
	s.challenge = &ch
	s.armLocked(s.cfg.ConnectTimeout, timerConnectTimeout, gen)
	notes := s.setStateLocked(session.StateAwaitingPairing, "wa-awaiting-pairing", "Scan the pairing code with the phone")
	s.mu.Unlock()

	s.log.Info().
		Int("rotation", ch.Rotation).
		Int("remaining", ch.Remaining()).
		Msg("Pairing challenge received")
	notes.run()
	s.handler.OnPairingChallenge(ch)
	if s.renderer != nil {
		s.renderer.RenderChallenge(ch)
	}
}

func (s *Supervisor) onSessionEstablished(gen uint64, info session.Info) {
	s.mu.Lock()
	if !s.currentLocked(gen) || !s.state.IsConnecting() {
		s.mu.Unlock()
		return
	}
	s.timer.stop()
	s.budget.reset()
	s.rotations = 0
	s.challenge = nil
	s.info = info
	ownerAdded := false
	if info.OwnerID != "" && len(s.settings.AdminIDs) == 0 {
		s.settings.AdminIDs = []string{info.OwnerID}
		ownerAdded = true
	}
	// Credentials accepted by the remote service restart the retention
	// window.
	var creds *credstore.Bundle
	if s.creds.Valid() {
		creds = s.creds.Clone()
		creds.CapturedAt = jsontime.UM(s.now())
		s.creds = creds
	}
	notes := s.setStateLocked(session.StateConnected, "", "")
	s.mu.Unlock()

	s.log.Info().
		Str("owner_id", info.OwnerID).
		Str("push_name", info.PushName).
		Bool("owner_set_as_admin", ownerAdded).
		Msg("Session established")
	if creds.Valid() {
		s.backups.submit(creds, true)
	} else {
		s.log.Warn().Msg("Connected without credentials to back up")
	}
	notes.run()
}

func (s *Supervisor) onCredentialsChanged(gen uint64, creds *credstore.Bundle) {
	if !creds.Valid() {
		return
	}
	cp := creds.Clone()
	s.mu.Lock()
	if !s.currentLocked(gen) {
		s.mu.Unlock()
		return
	}
	s.creds = cp
	connected := s.state == session.StateConnected
	s.mu.Unlock()
	if connected {
		s.backups.submit(cp, false)
	}
}

// eventContext returns what the dispatch path needs from the live attempt.
func (s *Supervisor) eventContext(gen uint64) (ctx context.Context, sess Session, settings Settings, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.currentLocked(gen) {
		return nil, nil, Settings{}, false
	}
	return s.attemptCtx, s.sess, s.settings.clone(), true
}

func (s *Supervisor) onMessage(gen uint64, evt *session.MessageEvent) {
	if evt == nil {
		return
	}
	ctx, sess, settings, ok := s.eventContext(gen)
	if !ok {
		return
	}
	if settings.AutoRead && !evt.FromMe {
		if marker, ok := sess.(ReadMarker); ok {
			if err := marker.MarkRead(ctx, evt); err != nil {
				s.log.Debug().Err(err).Str("message_id", evt.ID).Msg("Failed to mark message as read")
			}
		}
	}
	if evt.IsStatusBroadcast() {
		return
	}
	evt.FromAdmin = settings.IsAdmin(evt.SenderID)
	if !settings.BotEnabled && !evt.FromAdmin && !evt.FromMe {
		s.log.Debug().Str("sender_id", evt.SenderID).Msg("Bot disabled, ignoring message from non-admin")
		return
	}
	s.handler.OnMessage(evt)
}

func (s *Supervisor) onCall(gen uint64, evt *session.CallEvent) {
	if evt == nil {
		return
	}
	ctx, sess, settings, ok := s.eventContext(gen)
	if !ok {
		return
	}
	if settings.AntiCall && evt.Status == session.CallOffer {
		if rejecter, ok := sess.(CallRejecter); !ok {
			s.log.Debug().Msg("Session cannot reject calls")
		} else if err := rejecter.RejectCall(ctx, evt); err != nil {
			s.log.Warn().Err(err).Str("from", evt.From).Msg("Failed to reject incoming call")
		} else {
			evt.Rejected = true
			s.log.Info().Str("from", evt.From).Bool("video", evt.IsVideo).Msg("Rejected incoming call")
		}
	}
	s.handler.OnCall(evt)
}
