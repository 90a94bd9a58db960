// Package sipclient owns the SIP signaling side of the console: the
// transport abstraction over the signaling server and the registration
// lifecycle manager built on top of it.
package sipclient

import (
	"context"
	"errors"
)

// Sentinel errors surfaced by the signaling layer.
var (
	ErrInvalidCredentials    = errors.New("sipclient: identity or secret missing")
	ErrNotRegistered         = errors.New("sipclient: no active registration")
	ErrTimeout               = errors.New("sipclient: signaling timeout")
	ErrTransportDisconnected = errors.New("sipclient: transport disconnected")
)

// Credentials identifies one operator session against the signaling server.
type Credentials struct {
	Identity string // extension@domain
	Secret   string
	Endpoint string // secure websocket URL of the signaling server
}

// Capability advertises optional signaling operations a transport supports.
type Capability uint8

const (
	CapHold Capability = 1 << iota
	CapTransfer
)

// Has reports whether all bits of want are advertised.
func (c Capability) Has(want Capability) bool {
	return c&want == want
}

// LegEventKind classifies signaling events on a single leg.
type LegEventKind int

const (
	LegRinging LegEventKind = iota
	LegAnswered
	LegEnded
	LegFailed
	LegReferAccepted
	LegReferFailed
)

// String returns the event kind name
func (k LegEventKind) String() string {
	switch k {
	case LegRinging:
		return "ringing"
	case LegAnswered:
		return "answered"
	case LegEnded:
		return "ended"
	case LegFailed:
		return "failed"
	case LegReferAccepted:
		return "refer_accepted"
	case LegReferFailed:
		return "refer_failed"
	default:
		return "unknown"
	}
}

// LegEvent is one signaling event delivered in transport order.
type LegEvent struct {
	Kind LegEventKind
	SDP  string // remote description, set on LegAnswered
	Cause error // set on LegFailed / LegReferFailed
}

// Leg is a single signaling session (one call) on the transport.
type Leg interface {
	ID() string
	Remote() string
	// RemoteOffer returns the far end's SDP offer for incoming legs,
	// empty for outgoing legs.
	RemoteOffer() string
	Accept(ctx context.Context, answerSDP string) error
	Reject(code int, reason string) error
	Hangup(ctx context.Context) error
	SetHold(ctx context.Context, held bool) error
	Refer(ctx context.Context, target string) error
	// OnEvent registers the single event sink for this leg. Events are
	// delivered in the order the transport observes them.
	OnEvent(fn func(LegEvent))
}

// InviteOptions carries per-call signaling options.
type InviteOptions struct {
	SDP      string            // local offer
	Headers  map[string]string // extra headers attached to the INVITE
	RecvOnly bool              // request one-way audio (supervisor listen)
}

// Transport is the signaling black box: a persistent connection to the
// SIP/WebSocket server exposing connect, registration and call primitives.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Register(ctx context.Context) error
	Unregister(ctx context.Context) error
	Invite(ctx context.Context, target string, opts InviteOptions) (Leg, error)
	// OnIncoming registers the sink for unsolicited incoming legs.
	OnIncoming(fn func(Leg))
	// OnClosed registers the sink for transport-level loss.
	OnClosed(fn func(err error))
	Capabilities() Capability
}

// TransportFactory builds a transport for a credential set. Injected into the
// registration manager so tests can substitute a fake.
type TransportFactory func(creds Credentials) (Transport, error)
