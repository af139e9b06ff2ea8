// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package session

import (
	"time"
)

// StatusBroadcastChat is the pseudo chat that carries status updates.
const StatusBroadcastChat = "status@broadcast"

// MessageEvent is an inbound message.
type MessageEvent struct {
	ID        string
	ChatID    string
	SenderID  string
	Text      string
	FromMe    bool
	Timestamp time.Time

	// FromAdmin is filled in by the supervisor from its admin list.
	FromAdmin bool
	// Raw is the transport library's own event, passed through untouched.
	Raw any
}

// IsStatusBroadcast reports whether the message is a status update rather
// than a chat message.
func (m *MessageEvent) IsStatusBroadcast() bool {
	return m.ChatID == StatusBroadcastChat
}

// CallStatus is the lifecycle stage of an incoming call.
type CallStatus string

const (
	CallOffer     CallStatus = "offer"
	CallAccepted  CallStatus = "accept"
	CallRejected  CallStatus = "reject"
	CallTerminate CallStatus = "terminate"
)

// CallEvent is an incoming call notification.
type CallEvent struct {
	ID        string
	From      string
	Status    CallStatus
	IsVideo   bool
	Timestamp time.Time

	// Rejected is set when the supervisor auto-rejected the call.
	Rejected bool
	Raw      any
}

// Challenge is one rotation of the pairing challenge.
type Challenge struct {
	Token string
	// Rotation is 1 for the first challenge of a pairing attempt.
	Rotation int
	// MaxRotations is the number of rotations tolerated before the session is
	// restarted.
	MaxRotations int
	IssuedAt     time.Time
}

// Remaining returns how many more rotations are tolerated after this one.
func (c Challenge) Remaining() int {
	if c.MaxRotations <= c.Rotation {
		return 0
	}
	return c.MaxRotations - c.Rotation
}

// Info describes an established session.
type Info struct {
	// OwnerID is the account that completed pairing.
	OwnerID  string
	PushName string
}
