// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package session

// Handler receives the events the supervisor exposes to application code.
// Methods are called from transport callbacks and timers, never while the
// supervisor holds its lock, so handlers may call back into the supervisor.
type Handler interface {
	OnMessage(evt *MessageEvent)
	OnCall(evt *CallEvent)
	OnPairingChallenge(ch Challenge)
	OnConnectionStateChanged(state State)
}

// HandlerFuncs implements [Handler] with optional function fields.
type HandlerFuncs struct {
	Message                func(evt *MessageEvent)
	Call                   func(evt *CallEvent)
	PairingChallenge       func(ch Challenge)
	ConnectionStateChanged func(state State)
}

var _ Handler = HandlerFuncs{}

func (h HandlerFuncs) OnMessage(evt *MessageEvent) {
	if h.Message != nil {
		h.Message(evt)
	}
}

func (h HandlerFuncs) OnCall(evt *CallEvent) {
	if h.Call != nil {
		h.Call(evt)
	}
}

func (h HandlerFuncs) OnPairingChallenge(ch Challenge) {
	if h.PairingChallenge != nil {
		h.PairingChallenge(ch)
	}
}

func (h HandlerFuncs) OnConnectionStateChanged(state State) {
	if h.ConnectionStateChanged != nil {
		h.ConnectionStateChanged(state)
	}
}

// Fanout forwards every event to each handler in order. Nil entries are
// skipped.
type Fanout []Handler

var _ Handler = Fanout(nil)

func (f Fanout) OnMessage(evt *MessageEvent) {
	for _, h := range f {
		if h != nil {
			h.OnMessage(evt)
		}
	}
}

func (f Fanout) OnCall(evt *CallEvent) {
	for _, h := range f {
		if h != nil {
			h.OnCall(evt)
		}
	}
}

func (f Fanout) OnPairingChallenge(ch Challenge) {
	for _, h := range f {
		if h != nil {
			h.OnPairingChallenge(ch)
		}
	}
}

func (f Fanout) OnConnectionStateChanged(state State) {
	for _, h := range f {
		if h != nil {
			h.OnConnectionStateChanged(state)
		}
	}
}
