// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package supervisor

import (
	"context"

	"github.com/aiku/wa-session-keeper/pkg/credstore"
	"github.com/aiku/wa-session-keeper/pkg/session"
)

// Transport opens sessions against the messaging service. It wraps the
// protocol library, which is not implemented here.
type Transport interface {
	// Open starts a session with the given credentials, or starts pairing
	// when creds is nil. Events of the session are delivered to sink until
	// the session reports TransportClosed. Open must return once the
	// connection is underway; the session being established is reported
	// through the sink.
	Open(ctx context.Context, creds *credstore.Bundle, sink EventSink) (Session, error)
}

// Session is one open transport session.
type Session interface {
	// Close tears the session down. It must not report TransportClosed for a
	// session the supervisor closed itself, though doing so is harmless.
	Close() error
}

// CallRejecter is implemented by sessions that can decline incoming calls.
type CallRejecter interface {
	RejectCall(ctx context.Context, evt *session.CallEvent) error
}

// ReadMarker is implemented by sessions that can send read receipts.
type ReadMarker interface {
	MarkRead(ctx context.Context, evt *session.MessageEvent) error
}

// EventSink receives the events of one connection attempt.
type EventSink interface {
	PairingChallenge(token string)
	SessionEstablished(info session.Info)
	// CredentialsChanged reports the full, current credential bundle. The
	// supervisor copies it; the caller keeps ownership.
	CredentialsChanged(creds *credstore.Bundle)
	TransportClosed(reason session.CloseReason, err error)
	Message(evt *session.MessageEvent)
	Call(evt *session.CallEvent)
}

// Persistence is the credential persistence manager as seen by the
// supervisor. [*credstore.Manager] implements it.
type Persistence interface {
	Backup(bundle *credstore.Bundle, force bool) error
	Restore() *credstore.Record
	Invalidate() error
}

var _ Persistence = (*credstore.Manager)(nil)

// ChallengeRenderer shows pairing challenges to a human.
type ChallengeRenderer interface {
	RenderChallenge(ch session.Challenge)
}
