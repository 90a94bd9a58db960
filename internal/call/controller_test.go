package call

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shiv6146/blayzen-console/internal/models"
	"github.com/shiv6146/blayzen-console/internal/sipclient"
)

type fakeLeg struct {
	mu          sync.Mutex
	remote      string
	remoteOffer string
	sink        func(sipclient.LegEvent)

	accepted   bool
	rejectCode int
	hungup     bool
	held       bool
	referTo    string
	referErr   error
}

func (l *fakeLeg) ID() string          { return "leg-1" }
func (l *fakeLeg) Remote() string      { return l.remote }
func (l *fakeLeg) RemoteOffer() string { return l.remoteOffer }

func (l *fakeLeg) Accept(ctx context.Context, answerSDP string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accepted = true
	return nil
}

func (l *fakeLeg) Reject(code int, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rejectCode = code
	return nil
}

func (l *fakeLeg) Hangup(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hungup = true
	return nil
}

func (l *fakeLeg) SetHold(ctx context.Context, held bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = held
	return nil
}

func (l *fakeLeg) Refer(ctx context.Context, target string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.referTo = target
	return l.referErr
}

func (l *fakeLeg) OnEvent(fn func(sipclient.LegEvent)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sink = fn
}

func (l *fakeLeg) emit(ev sipclient.LegEvent) {
	l.mu.Lock()
	sink := l.sink
	l.mu.Unlock()
	if sink != nil {
		sink(ev)
	}
}

func (l *fakeLeg) rejectedWith() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rejectCode
}

type fakeTransport struct {
	caps sipclient.Capability
	leg  *fakeLeg

	mu        sync.Mutex
	invited   string
	inviteCtx context.Context
}

func (t *fakeTransport) Connect(ctx context.Context) error    { return nil }
func (t *fakeTransport) Disconnect() error                    { return nil }
func (t *fakeTransport) Register(ctx context.Context) error   { return nil }
func (t *fakeTransport) Unregister(ctx context.Context) error { return nil }
func (t *fakeTransport) OnIncoming(fn func(sipclient.Leg))    {}
func (t *fakeTransport) OnClosed(fn func(err error))          {}
func (t *fakeTransport) Capabilities() sipclient.Capability   { return t.caps }

func (t *fakeTransport) Invite(ctx context.Context, target string, opts sipclient.InviteOptions) (sipclient.Leg, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.invited = target
	t.inviteCtx = ctx
	if t.leg == nil {
		t.leg = &fakeLeg{remote: target}
	}
	return t.leg, nil
}

func (t *fakeTransport) dialCtx() context.Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inviteCtx
}

type fakeRegistrar struct {
	status    sipclient.Status
	transport *fakeTransport
}

func (r *fakeRegistrar) Current() sipclient.Registration {
	return sipclient.Registration{Identity: "1003@pbx", Status: r.status}
}

func (r *fakeRegistrar) Transport() sipclient.Transport {
	if r.transport == nil {
		return nil
	}
	return r.transport
}

type fakeHandle struct {
	mu       sync.Mutex
	muted    bool
	released bool

	offerErr  error
	answerErr error
	remoteErr error
}

func (h *fakeHandle) Offer(ctx context.Context, recvOnly bool) (string, error) {
	return "v=0 offer", h.offerErr
}

func (h *fakeHandle) Answer(ctx context.Context, offerSDP string) (string, error) {
	return "v=0 answer", h.answerErr
}

func (h *fakeHandle) SetRemote(answerSDP string) error { return h.remoteErr }

func (h *fakeHandle) SetMuted(muted bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.muted = muted
	return nil
}

func (h *fakeHandle) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.released = true
}

func (h *fakeHandle) isReleased() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

type fakeMedia struct {
	mu     sync.Mutex
	handle *fakeHandle
	err    error

	// optional rendezvous to pause callers inside Acquire
	acquireStarted chan struct{}
	acquireRelease chan struct{}
}

func (m *fakeMedia) Acquire(owner string) (MediaHandle, error) {
	if m.acquireStarted != nil {
		m.acquireStarted <- struct{}{}
		<-m.acquireRelease
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	if m.handle == nil {
		m.handle = &fakeHandle{}
	}
	return m.handle, nil
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) last() (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return Event{}, false
	}
	return r.events[len(r.events)-1], true
}

func (r *eventRecorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func newTestController(t *testing.T, reg *fakeRegistrar, media *fakeMedia, presence models.PresenceStatus) (*Controller, *eventRecorder) {
	t.Helper()
	logger := zerolog.New(&bytes.Buffer{})
	rec := &eventRecorder{}
	c := NewController(reg, media, func() models.PresenceStatus { return presence }, 5*time.Second, logger)
	c.OnEvent(rec.record)
	return c, rec
}

func TestPlaceRequiresRegistration(t *testing.T) {
	reg := &fakeRegistrar{status: sipclient.StatusConnected, transport: &fakeTransport{}}
	c, _ := newTestController(t, reg, &fakeMedia{}, models.PresenceAvailable)

	if _, err := c.Place(context.Background(), "1004"); !errors.Is(err, sipclient.ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
}

func TestPlaceEmptyDestination(t *testing.T) {
	reg := &fakeRegistrar{status: sipclient.StatusRegistered, transport: &fakeTransport{}}
	c, _ := newTestController(t, reg, &fakeMedia{}, models.PresenceAvailable)

	if _, err := c.Place(context.Background(), ""); !errors.Is(err, ErrInvalidDestination) {
		t.Fatalf("expected ErrInvalidDestination, got %v", err)
	}
}

func TestPlaceToConnected(t *testing.T) {
	transport := &fakeTransport{caps: sipclient.CapHold | sipclient.CapTransfer}
	reg := &fakeRegistrar{status: sipclient.StatusRegistered, transport: transport}
	media := &fakeMedia{}
	c, rec := newTestController(t, reg, media, models.PresenceAvailable)

	snap, err := c.Place(context.Background(), "1004")
	if err != nil {
		t.Fatalf("Place failed: %v", err)
	}
	if snap.State != StateRinging || snap.Direction != DirectionOutgoing {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if transport.invited != "1004" {
		t.Fatalf("expected INVITE to 1004, got %q", transport.invited)
	}

	transport.leg.emit(sipclient.LegEvent{Kind: sipclient.LegAnswered, SDP: "v=0 answer"})

	cur := c.Current()
	if cur == nil || cur.State != StateConnected {
		t.Fatalf("expected connected session, got %+v", cur)
	}
	if ev, ok := rec.last(); !ok || ev.Session.State != StateConnected {
		t.Fatalf("expected state-changed event for connected, got %+v", ev)
	}
}

func TestPlaceWhileCallInProgress(t *testing.T) {
	transport := &fakeTransport{}
	reg := &fakeRegistrar{status: sipclient.StatusRegistered, transport: transport}
	c, _ := newTestController(t, reg, &fakeMedia{}, models.PresenceAvailable)

	if _, err := c.Place(context.Background(), "1004"); err != nil {
		t.Fatalf("first Place failed: %v", err)
	}
	if _, err := c.Place(context.Background(), "1005"); !errors.Is(err, ErrCallInProgress) {
		t.Fatalf("expected ErrCallInProgress, got %v", err)
	}
}

func TestPlaceNegotiationFailureReleasesMedia(t *testing.T) {
	transport := &fakeTransport{}
	reg := &fakeRegistrar{status: sipclient.StatusRegistered, transport: transport}
	media := &fakeMedia{handle: &fakeHandle{remoteErr: errors.New("sdp mismatch")}}
	c, _ := newTestController(t, reg, media, models.PresenceAvailable)

	if _, err := c.Place(context.Background(), "1004"); err != nil {
		t.Fatalf("Place failed: %v", err)
	}
	transport.leg.emit(sipclient.LegEvent{Kind: sipclient.LegAnswered, SDP: "v=0 answer"})

	if c.Current() != nil {
		t.Fatal("expected controller back to idle after negotiation failure")
	}
	if !media.handle.isReleased() {
		t.Fatal("expected media released after negotiation failure")
	}
	if !transport.leg.hungup {
		t.Fatal("expected leg hung up after negotiation failure")
	}
}

func TestOutgoingFailedEndsSession(t *testing.T) {
	transport := &fakeTransport{}
	reg := &fakeRegistrar{status: sipclient.StatusRegistered, transport: transport}
	media := &fakeMedia{}
	c, rec := newTestController(t, reg, media, models.PresenceAvailable)

	if _, err := c.Place(context.Background(), "1004"); err != nil {
		t.Fatalf("Place failed: %v", err)
	}
	transport.leg.emit(sipclient.LegEvent{Kind: sipclient.LegFailed, Cause: errors.New("487 Request Terminated")})

	if c.Current() != nil {
		t.Fatal("expected idle after failure")
	}
	if !media.handle.isReleased() {
		t.Fatal("expected media released after failure")
	}
	ev, ok := rec.last()
	if !ok || ev.Session.State != StateFailed || ev.Err == nil {
		t.Fatalf("expected failed event with cause, got %+v", ev)
	}
}

func TestIncomingAcceptFlow(t *testing.T) {
	reg := &fakeRegistrar{status: sipclient.StatusRegistered, transport: &fakeTransport{}}
	media := &fakeMedia{}
	c, _ := newTestController(t, reg, media, models.PresenceAvailable)

	leg := &fakeLeg{remote: "2001", remoteOffer: "v=0 offer"}
	c.HandleIncoming(leg)

	cur := c.Current()
	if cur == nil || cur.State != StateRinging || cur.Direction != DirectionIncoming {
		t.Fatalf("expected ringing incoming session, got %+v", cur)
	}

	snap, err := c.AcceptIncoming(context.Background())
	if err != nil {
		t.Fatalf("AcceptIncoming failed: %v", err)
	}
	if snap.State != StateConnected {
		t.Fatalf("expected connected, got %s", snap.State)
	}
	if !leg.accepted {
		t.Fatal("expected leg accepted")
	}
}

func TestIncomingRejectedWhileBusy(t *testing.T) {
	transport := &fakeTransport{}
	reg := &fakeRegistrar{status: sipclient.StatusRegistered, transport: transport}
	c, rec := newTestController(t, reg, &fakeMedia{}, models.PresenceAvailable)

	if _, err := c.Place(context.Background(), "1004"); err != nil {
		t.Fatalf("Place failed: %v", err)
	}
	second := &fakeLeg{remote: "2002"}
	c.HandleIncoming(second)

	if second.rejectedWith() != 486 {
		t.Fatalf("expected 486 Busy Here, got %d", second.rejectedWith())
	}
	cur := c.Current()
	if cur == nil || cur.Remote != "1004" {
		t.Fatalf("active call should be untouched, got %+v", cur)
	}
	found := false
	for _, k := range rec.kinds() {
		if k == EventIncomingRejected {
			found = true
		}
	}
	if !found {
		t.Fatal("expected EventIncomingRejected notification")
	}
}

func TestIncomingRejectedWhilePaused(t *testing.T) {
	reg := &fakeRegistrar{status: sipclient.StatusRegistered, transport: &fakeTransport{}}
	c, _ := newTestController(t, reg, &fakeMedia{}, models.PresencePaused)

	leg := &fakeLeg{remote: "2003"}
	c.HandleIncoming(leg)

	if leg.rejectedWith() != 486 {
		t.Fatalf("expected 486 while paused, got %d", leg.rejectedWith())
	}
	if c.Current() != nil {
		t.Fatal("no session should be created while paused")
	}
}

func TestHangupRingingIncomingDeclines(t *testing.T) {
	reg := &fakeRegistrar{status: sipclient.StatusRegistered, transport: &fakeTransport{}}
	c, _ := newTestController(t, reg, &fakeMedia{}, models.PresenceAvailable)

	leg := &fakeLeg{remote: "2004"}
	c.HandleIncoming(leg)
	if err := c.Hangup(context.Background()); err != nil {
		t.Fatalf("Hangup failed: %v", err)
	}
	if leg.rejectedWith() != 603 {
		t.Fatalf("expected 603 Decline, got %d", leg.rejectedWith())
	}
	if c.Current() != nil {
		t.Fatal("expected idle after hangup")
	}
}

func TestHangupConnectedSendsBye(t *testing.T) {
	transport := &fakeTransport{}
	reg := &fakeRegistrar{status: sipclient.StatusRegistered, transport: transport}
	media := &fakeMedia{}
	c, _ := newTestController(t, reg, media, models.PresenceAvailable)

	if _, err := c.Place(context.Background(), "1004"); err != nil {
		t.Fatalf("Place failed: %v", err)
	}
	transport.leg.emit(sipclient.LegEvent{Kind: sipclient.LegAnswered, SDP: "v=0 answer"})

	if err := c.Hangup(context.Background()); err != nil {
		t.Fatalf("Hangup failed: %v", err)
	}
	if !transport.leg.hungup {
		t.Fatal("expected BYE on connected leg")
	}
	if !media.handle.isReleased() {
		t.Fatal("expected media released on hangup")
	}
}

func TestHangupIdle(t *testing.T) {
	reg := &fakeRegistrar{status: sipclient.StatusRegistered, transport: &fakeTransport{}}
	c, _ := newTestController(t, reg, &fakeMedia{}, models.PresenceAvailable)

	if err := c.Hangup(context.Background()); !errors.Is(err, ErrNoActiveCall) {
		t.Fatalf("expected ErrNoActiveCall, got %v", err)
	}
}

func TestHoldRequiresCapability(t *testing.T) {
	transport := &fakeTransport{} // no capabilities
	reg := &fakeRegistrar{status: sipclient.StatusRegistered, transport: transport}
	c, _ := newTestController(t, reg, &fakeMedia{}, models.PresenceAvailable)

	if _, err := c.Place(context.Background(), "1004"); err != nil {
		t.Fatalf("Place failed: %v", err)
	}
	transport.leg.emit(sipclient.LegEvent{Kind: sipclient.LegAnswered, SDP: "v=0 answer"})

	if err := c.Hold(context.Background()); !errors.Is(err, ErrUnsupportedOperation) {
		t.Fatalf("expected ErrUnsupportedOperation, got %v", err)
	}
	cur := c.Current()
	if cur == nil || cur.Held {
		t.Fatalf("held flag must not change on unsupported hold: %+v", cur)
	}
}

func TestHoldAndUnhold(t *testing.T) {
	transport := &fakeTransport{caps: sipclient.CapHold}
	reg := &fakeRegistrar{status: sipclient.StatusRegistered, transport: transport}
	c, _ := newTestController(t, reg, &fakeMedia{}, models.PresenceAvailable)

	if _, err := c.Place(context.Background(), "1004"); err != nil {
		t.Fatalf("Place failed: %v", err)
	}
	transport.leg.emit(sipclient.LegEvent{Kind: sipclient.LegAnswered, SDP: "v=0 answer"})

	if err := c.Hold(context.Background()); err != nil {
		t.Fatalf("Hold failed: %v", err)
	}
	if cur := c.Current(); cur == nil || !cur.Held {
		t.Fatalf("expected held flag set, got %+v", cur)
	}
	// repeated hold is a no-op success
	if err := c.Hold(context.Background()); err != nil {
		t.Fatalf("repeated Hold failed: %v", err)
	}
	if err := c.Unhold(context.Background()); err != nil {
		t.Fatalf("Unhold failed: %v", err)
	}
	if cur := c.Current(); cur == nil || cur.Held {
		t.Fatalf("expected held flag cleared, got %+v", cur)
	}
}

func TestMuteToggles(t *testing.T) {
	transport := &fakeTransport{}
	reg := &fakeRegistrar{status: sipclient.StatusRegistered, transport: transport}
	media := &fakeMedia{}
	c, _ := newTestController(t, reg, media, models.PresenceAvailable)

	if _, err := c.Place(context.Background(), "1004"); err != nil {
		t.Fatalf("Place failed: %v", err)
	}
	transport.leg.emit(sipclient.LegEvent{Kind: sipclient.LegAnswered, SDP: "v=0 answer"})

	if err := c.Mute(); err != nil {
		t.Fatalf("Mute failed: %v", err)
	}
	if cur := c.Current(); cur == nil || !cur.Muted {
		t.Fatalf("expected muted flag set, got %+v", cur)
	}
	if err := c.Mute(); err != nil {
		t.Fatalf("repeated Mute failed: %v", err)
	}
	if err := c.Unmute(); err != nil {
		t.Fatalf("Unmute failed: %v", err)
	}
	if cur := c.Current(); cur == nil || cur.Muted {
		t.Fatalf("expected muted flag cleared, got %+v", cur)
	}
}

func TestMuteRequiresConnected(t *testing.T) {
	reg := &fakeRegistrar{status: sipclient.StatusRegistered, transport: &fakeTransport{}}
	c, _ := newTestController(t, reg, &fakeMedia{}, models.PresenceAvailable)

	leg := &fakeLeg{remote: "2005"}
	c.HandleIncoming(leg)
	if err := c.Mute(); !errors.Is(err, ErrNoActiveCall) {
		t.Fatalf("expected ErrNoActiveCall on ringing call, got %v", err)
	}
}

func TestTransfer(t *testing.T) {
	transport := &fakeTransport{caps: sipclient.CapTransfer}
	reg := &fakeRegistrar{status: sipclient.StatusRegistered, transport: transport}
	c, rec := newTestController(t, reg, &fakeMedia{}, models.PresenceAvailable)

	if _, err := c.Place(context.Background(), "1004"); err != nil {
		t.Fatalf("Place failed: %v", err)
	}
	transport.leg.emit(sipclient.LegEvent{Kind: sipclient.LegAnswered, SDP: "v=0 answer"})

	if err := c.Transfer(context.Background(), ""); !errors.Is(err, ErrInvalidDestination) {
		t.Fatalf("expected ErrInvalidDestination, got %v", err)
	}
	if err := c.Transfer(context.Background(), "1006"); err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		transport.leg.mu.Lock()
		target := transport.leg.referTo
		transport.leg.mu.Unlock()
		if target == "1006" {
			break
		}
		select {
		case <-deadline:
			t.Fatal("REFER never sent")
		case <-time.After(5 * time.Millisecond):
		}
	}

	transport.leg.emit(sipclient.LegEvent{Kind: sipclient.LegReferAccepted})
	found := false
	for _, k := range rec.kinds() {
		if k == EventTransferred {
			found = true
		}
	}
	if !found {
		t.Fatal("expected EventTransferred notification")
	}
}

func TestTransferRequiresCapability(t *testing.T) {
	transport := &fakeTransport{caps: sipclient.CapHold}
	reg := &fakeRegistrar{status: sipclient.StatusRegistered, transport: transport}
	c, _ := newTestController(t, reg, &fakeMedia{}, models.PresenceAvailable)

	if _, err := c.Place(context.Background(), "1004"); err != nil {
		t.Fatalf("Place failed: %v", err)
	}
	transport.leg.emit(sipclient.LegEvent{Kind: sipclient.LegAnswered, SDP: "v=0 answer"})

	if err := c.Transfer(context.Background(), "1006"); !errors.Is(err, ErrUnsupportedOperation) {
		t.Fatalf("expected ErrUnsupportedOperation, got %v", err)
	}
}

func TestIncomingDuringPlacementRejectedBusy(t *testing.T) {
	transport := &fakeTransport{}
	reg := &fakeRegistrar{status: sipclient.StatusRegistered, transport: transport}
	media := &fakeMedia{
		acquireStarted: make(chan struct{}),
		acquireRelease: make(chan struct{}),
	}
	c, _ := newTestController(t, reg, media, models.PresenceAvailable)

	done := make(chan error, 1)
	go func() {
		_, err := c.Place(context.Background(), "1004")
		done <- err
	}()

	// pause placement between its idle check and media acquisition, then
	// deliver an incoming INVITE into that window
	<-media.acquireStarted
	incoming := &fakeLeg{remote: "2001"}
	c.HandleIncoming(incoming)
	close(media.acquireRelease)

	if err := <-done; err != nil {
		t.Fatalf("Place failed: %v", err)
	}
	if incoming.rejectedWith() != 486 {
		t.Fatalf("racing incoming call must be rejected busy, got %d", incoming.rejectedWith())
	}
	cur := c.Current()
	if cur == nil || cur.Direction != DirectionOutgoing || cur.Remote != "1004" {
		t.Fatalf("outgoing call displaced by racing incoming, got %+v", cur)
	}
}

func TestOperatorHangupDuringRinging(t *testing.T) {
	transport := &fakeTransport{}
	reg := &fakeRegistrar{status: sipclient.StatusRegistered, transport: transport}
	media := &fakeMedia{}
	c, _ := newTestController(t, reg, media, models.PresenceAvailable)

	if _, err := c.Place(context.Background(), "1004"); err != nil {
		t.Fatalf("Place failed: %v", err)
	}

	if err := c.Hangup(context.Background()); err != nil {
		t.Fatalf("Hangup failed: %v", err)
	}
	if !transport.leg.hungup {
		t.Fatal("expected ringing outgoing leg cancelled")
	}
	if !media.handle.isReleased() {
		t.Fatal("expected media released synchronously on hangup")
	}
	if c.Current() != nil {
		t.Fatal("expected idle after hangup during ringing")
	}
}

func TestAnswerCancelsDialTimer(t *testing.T) {
	transport := &fakeTransport{}
	reg := &fakeRegistrar{status: sipclient.StatusRegistered, transport: transport}
	c, _ := newTestController(t, reg, &fakeMedia{}, models.PresenceAvailable)

	if _, err := c.Place(context.Background(), "1004"); err != nil {
		t.Fatalf("Place failed: %v", err)
	}
	transport.leg.emit(sipclient.LegEvent{Kind: sipclient.LegAnswered, SDP: "v=0 answer"})

	if err := transport.dialCtx().Err(); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected dial context cancelled after answer, got %v", err)
	}
}

func TestRemoteHangupDuringRinging(t *testing.T) {
	transport := &fakeTransport{}
	reg := &fakeRegistrar{status: sipclient.StatusRegistered, transport: transport}
	media := &fakeMedia{}
	c, _ := newTestController(t, reg, media, models.PresenceAvailable)

	if _, err := c.Place(context.Background(), "1004"); err != nil {
		t.Fatalf("Place failed: %v", err)
	}
	transport.leg.emit(sipclient.LegEvent{Kind: sipclient.LegEnded})

	if c.Current() != nil {
		t.Fatal("expected idle after remote hangup")
	}
	if !media.handle.isReleased() {
		t.Fatal("expected media released")
	}
	// a new call can be placed after the previous one ended
	transport.leg = nil
	if _, err := c.Place(context.Background(), "1007"); err != nil {
		t.Fatalf("Place after end failed: %v", err)
	}
}
