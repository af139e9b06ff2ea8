// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"go.mau.fi/util/jsontime"
	"maunium.net/go/mautrix/bridgev2/status"

	"github.com/aiku/wa-session-keeper/pkg/credstore"
	"github.com/aiku/wa-session-keeper/pkg/session"
)

// fakeTimer is fired by hand from the test goroutine.
type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
	owner   *fakeTimers
}

func (t *fakeTimer) Stop() bool {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	wasActive := !t.stopped && !t.fired
	t.stopped = true
	return wasActive
}

type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (ft *fakeTimers) New(d time.Duration, f func()) Timer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	t := &fakeTimer{d: d, f: f, owner: ft}
	ft.timers = append(ft.timers, t)
	return t
}

func (ft *fakeTimers) active() []*fakeTimer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	var out []*fakeTimer
	for _, t := range ft.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

// only returns the single pending timer, failing the test if there is not
// exactly one.
func (ft *fakeTimers) only(t *testing.T) *fakeTimer {
	t.Helper()
	active := ft.active()
	if len(active) != 1 {
		t.Fatalf("expected exactly one pending timer, got %d", len(active))
	}
	return active[0]
}

// fire runs the single pending timer synchronously and returns its delay.
func (ft *fakeTimers) fire(t *testing.T) time.Duration {
	t.Helper()
	timer := ft.only(t)
	ft.mu.Lock()
	timer.fired = true
	ft.mu.Unlock()
	timer.f()
	return timer.d
}

type fakeSession struct {
	mu       sync.Mutex
	closed   bool
	rejected []*session.CallEvent
	read     []*session.MessageEvent
}

var (
	_ CallRejecter = (*fakeSession)(nil)
	_ ReadMarker   = (*fakeSession)(nil)
)

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSession) RejectCall(_ context.Context, evt *session.CallEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected = append(s.rejected, evt)
	return nil
}

func (s *fakeSession) MarkRead(_ context.Context, evt *session.MessageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.read = append(s.read, evt)
	return nil
}

func (s *fakeSession) readCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.read)
}

// fakeOpen is one call to fakeTransport.Open.
type fakeOpen struct {
	creds   *credstore.Bundle
	sink    EventSink
	session *fakeSession
}

type fakeTransport struct {
	mu      sync.Mutex
	opens   []*fakeOpen
	openErr error
}

func (tr *fakeTransport) Open(_ context.Context, creds *credstore.Bundle, sink EventSink) (Session, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	o := &fakeOpen{creds: creds, sink: sink, session: &fakeSession{}}
	tr.opens = append(tr.opens, o)
	if tr.openErr != nil {
		return nil, tr.openErr
	}
	return o.session, nil
}

func (tr *fakeTransport) count() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.opens)
}

func (tr *fakeTransport) last(t *testing.T) *fakeOpen {
	t.Helper()
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.opens) == 0 {
		t.Fatal("transport was never opened")
	}
	return tr.opens[len(tr.opens)-1]
}

type backupCall struct {
	bundle *credstore.Bundle
	force  bool
}

type fakePersistence struct {
	mu            sync.Mutex
	restore       *credstore.Record
	restores      int
	backups       []backupCall
	invalidations int
	// failNext makes the next n backups fail as if every location failed.
	failNext int
}

func (p *fakePersistence) Backup(b *credstore.Bundle, force bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.backups = append(p.backups, backupCall{bundle: b.Clone(), force: force})
	if p.failNext > 0 {
		p.failNext--
		return &credstore.PersistenceError{}
	}
	return nil
}

func (p *fakePersistence) Restore() *credstore.Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.restores++
	return p.restore
}

func (p *fakePersistence) Invalidate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invalidations++
	return nil
}

func (p *fakePersistence) backupCalls() []backupCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]backupCall(nil), p.backups...)
}

func (p *fakePersistence) invalidationCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.invalidations
}

type recordingHandler struct {
	mu         sync.Mutex
	states     []session.State
	challenges []session.Challenge
	messages   []*session.MessageEvent
	calls      []*session.CallEvent
}

func (h *recordingHandler) OnMessage(evt *session.MessageEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, evt)
}

func (h *recordingHandler) OnCall(evt *session.CallEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, evt)
}

func (h *recordingHandler) OnPairingChallenge(ch session.Challenge) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.challenges = append(h.challenges, ch)
}

func (h *recordingHandler) OnConnectionStateChanged(state session.State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.states = append(h.states, state)
}

func (h *recordingHandler) stateLog() []session.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]session.State(nil), h.states...)
}

type recordingRenderer struct {
	mu       sync.Mutex
	rendered []session.Challenge
}

func (r *recordingRenderer) RenderChallenge(ch session.Challenge) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rendered = append(r.rendered, ch)
}

type harness struct {
	sup      *Supervisor
	tr       *fakeTransport
	timers   *fakeTimers
	persist  *fakePersistence
	store    *credstore.DirStore
	handler  *recordingHandler
	renderer *recordingRenderer

	reportsMu sync.Mutex
	reports   []status.BridgeState
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		tr:       &fakeTransport{},
		timers:   &fakeTimers{},
		persist:  &fakePersistence{},
		store:    &credstore.DirStore{Fs: afero.NewMemMapFs(), Dir: "/auth"},
		handler:  &recordingHandler{},
		renderer: &recordingRenderer{},
	}
	opts := Options{
		Config:      DefaultConfig(),
		Transport:   h.tr,
		Persistence: h.persist,
		Store:       h.store,
		Handler:     h.handler,
		Renderer:    h.renderer,
		Reporter: session.StateReporterFunc(func(bs status.BridgeState) {
			h.reportsMu.Lock()
			h.reports = append(h.reports, bs)
			h.reportsMu.Unlock()
		}),
		NewTimer: h.timers.New,
	}
	if mutate != nil {
		mutate(&opts)
	}
	sup, err := New(opts, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sup.backups.retryDelay = func(int) time.Duration { return 0 }
	h.sup = sup
	t.Cleanup(func() { _ = sup.Close() })
	return h
}

func (h *harness) lastReport(t *testing.T) status.BridgeState {
	t.Helper()
	h.reportsMu.Lock()
	defer h.reportsMu.Unlock()
	if len(h.reports) == 0 {
		t.Fatal("no bridge state reported")
	}
	return h.reports[len(h.reports)-1]
}

// testClock is a settable clock shared by a supervisor and a real
// persistence manager.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (h *harness) open(t *testing.T) {
	t.Helper()
	if err := h.sup.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
}

// connect opens the supervisor and reports the session as established.
func (h *harness) connect(t *testing.T) *fakeOpen {
	t.Helper()
	h.open(t)
	o := h.tr.last(t)
	o.sink.SessionEstablished(session.Info{OwnerID: "owner@s.whatsapp.net"})
	assertState(t, h.sup, session.StateConnected)
	return o
}

func assertState(t *testing.T, sup *Supervisor, want session.State) {
	t.Helper()
	if got := sup.State(); got != want {
		t.Fatalf("state: got %s, want %s", got, want)
	}
}

func assertStates(t *testing.T, got []session.State, want ...session.State) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("state transitions: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("state transitions: got %v, want %v", got, want)
		}
	}
}

// eventually polls cond until it holds or a second passes.
func eventually(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}

func testBundle(identity string) *credstore.Bundle {
	return &credstore.Bundle{
		Identity:    []byte(identity),
		SessionKeys: map[string][]byte{"pre-key-1": []byte("pk")},
		CapturedAt:  jsontime.UM(time.Now().Truncate(time.Millisecond)),
	}
}
