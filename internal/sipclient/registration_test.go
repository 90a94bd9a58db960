package sipclient

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type scriptedTransport struct {
	mu          sync.Mutex
	connectErr  error
	registerErr error
	onClosed    func(error)

	connects    int
	registers   int
	unregisters int
	disconnects int
}

func (t *scriptedTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connects++
	return t.connectErr
}

func (t *scriptedTransport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnects++
	return nil
}

func (t *scriptedTransport) Register(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.registers++
	if t.registerErr != nil {
		return t.registerErr
	}
	return nil
}

func (t *scriptedTransport) Unregister(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unregisters++
	return nil
}

func (t *scriptedTransport) Invite(ctx context.Context, target string, opts InviteOptions) (Leg, error) {
	return nil, errors.New("not implemented")
}

func (t *scriptedTransport) OnIncoming(fn func(Leg)) {}

func (t *scriptedTransport) OnClosed(fn func(err error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClosed = fn
}

func (t *scriptedTransport) Capabilities() Capability { return CapHold | CapTransfer }

func (t *scriptedTransport) loseConnection(cause error) {
	t.mu.Lock()
	fn := t.onClosed
	t.mu.Unlock()
	if fn != nil {
		fn(cause)
	}
}

type statusRecorder struct {
	mu       sync.Mutex
	statuses []Status
}

func (r *statusRecorder) record(reg Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, reg.Status)
}

func (r *statusRecorder) all() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, len(r.statuses))
	copy(out, r.statuses)
	return out
}

func testCreds() Credentials {
	return Credentials{Identity: "1003@pbx", Secret: "secret", Endpoint: "wss://pbx/ws"}
}

func newTestManager(transports chan *scriptedTransport, reconnectDelay time.Duration) *Manager {
	factory := func(creds Credentials) (Transport, error) {
		return <-transports, nil
	}
	return NewManager(factory, time.Second, reconnectDelay, zerolog.New(&bytes.Buffer{}))
}

func TestConnectRejectsMissingCredentialsBeforeNetwork(t *testing.T) {
	factoryCalled := false
	factory := func(creds Credentials) (Transport, error) {
		factoryCalled = true
		return &scriptedTransport{}, nil
	}
	m := NewManager(factory, time.Second, time.Second, zerolog.New(&bytes.Buffer{}))

	if err := m.Connect(context.Background(), Credentials{Identity: "1003@pbx"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if err := m.Connect(context.Background(), Credentials{Secret: "s"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if factoryCalled {
		t.Fatal("credentials must be validated before any network attempt")
	}
}

func TestConnectPublishesOrderedTransitions(t *testing.T) {
	transports := make(chan *scriptedTransport, 1)
	transports <- &scriptedTransport{}
	m := newTestManager(transports, time.Second)

	rec := &statusRecorder{}
	m.Subscribe(rec.record)

	if err := m.Connect(context.Background(), testCreds()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	want := []Status{StatusConnecting, StatusConnected, StatusRegistered}
	got := rec.all()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transition %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	if m.Current().Status != StatusRegistered {
		t.Fatalf("expected registered, got %s", m.Current().Status)
	}
}

func TestRegisterTimeoutSurfacesErrTimeout(t *testing.T) {
	transports := make(chan *scriptedTransport, 1)
	transports <- &scriptedTransport{registerErr: context.DeadlineExceeded}
	m := newTestManager(transports, time.Second)

	err := m.Connect(context.Background(), testCreds())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	cur := m.Current()
	if cur.Status != StatusFailed || !errors.Is(cur.Err, ErrTimeout) {
		t.Fatalf("expected failed registration with timeout, got %+v", cur)
	}
}

func TestTransportLossSchedulesSingleReconnect(t *testing.T) {
	first := &scriptedTransport{}
	second := &scriptedTransport{}
	transports := make(chan *scriptedTransport, 2)
	transports <- first
	transports <- second
	m := newTestManager(transports, 20*time.Millisecond)

	if err := m.Connect(context.Background(), testCreds()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// concurrent loss signals collapse to one reconnect attempt
	first.loseConnection(errors.New("socket closed"))
	first.loseConnection(errors.New("socket closed"))

	if m.Current().Status != StatusFailed {
		t.Fatalf("expected failed after loss, got %s", m.Current().Status)
	}

	deadline := time.After(time.Second)
	for m.Current().Status != StatusRegistered {
		select {
		case <-deadline:
			t.Fatalf("reconnect never completed, status %s", m.Current().Status)
		case <-time.After(5 * time.Millisecond):
		}
	}

	second.mu.Lock()
	connects := second.connects
	second.mu.Unlock()
	if connects != 1 {
		t.Fatalf("expected exactly one reconnect, got %d connects", connects)
	}
}

func TestDisconnectPublishesUnregisteredThenDisconnected(t *testing.T) {
	tr := &scriptedTransport{}
	transports := make(chan *scriptedTransport, 1)
	transports <- tr
	m := newTestManager(transports, time.Second)

	if err := m.Connect(context.Background(), testCreds()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	rec := &statusRecorder{}
	m.Subscribe(rec.record)

	if err := m.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	got := rec.all()
	if len(got) != 2 || got[0] != StatusUnregistered || got[1] != StatusDisconnected {
		t.Fatalf("expected [unregistered disconnected], got %v", got)
	}
	if tr.unregisters != 1 || tr.disconnects != 1 {
		t.Fatalf("expected one unregister and one disconnect, got %d/%d", tr.unregisters, tr.disconnects)
	}
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	first := &scriptedTransport{}
	second := &scriptedTransport{}
	transports := make(chan *scriptedTransport, 2)
	transports <- first
	transports <- second
	m := newTestManager(transports, 30*time.Millisecond)

	if err := m.Connect(context.Background(), testCreds()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	first.loseConnection(nil)

	if err := m.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	// the pending reconnect must not fire after an explicit disconnect
	time.Sleep(80 * time.Millisecond)
	if got := m.Current().Status; got != StatusDisconnected {
		t.Fatalf("reconnect fired after disconnect, status %s", got)
	}
	second.mu.Lock()
	connects := second.connects
	second.mu.Unlock()
	if connects != 0 {
		t.Fatalf("reconnect connected a new transport after disconnect: %d", connects)
	}
}

func TestNewerConnectSupersedesReconnect(t *testing.T) {
	first := &scriptedTransport{}
	second := &scriptedTransport{}
	transports := make(chan *scriptedTransport, 2)
	transports <- first
	transports <- second
	m := newTestManager(transports, 50*time.Millisecond)

	if err := m.Connect(context.Background(), testCreds()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	first.loseConnection(nil)

	// a fresh Connect before the reconnect timer fires supersedes it
	if err := m.Connect(context.Background(), testCreds()); err != nil {
		t.Fatalf("second Connect failed: %v", err)
	}
	if m.Current().Status != StatusRegistered {
		t.Fatalf("expected registered, got %s", m.Current().Status)
	}

	time.Sleep(120 * time.Millisecond)
	second.mu.Lock()
	connects := second.connects
	second.mu.Unlock()
	if connects != 1 {
		t.Fatalf("superseded reconnect still fired: %d connects", connects)
	}
}
