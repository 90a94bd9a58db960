package sipclient

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Status is the registration lifecycle state.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusRegistered
	StatusUnregistered
	StatusFailed
)

// String returns the status name
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusRegistered:
		return "registered"
	case StatusUnregistered:
		return "unregistered"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Registration is the observable state of the operator's SIP registration.
// At most one live Registration exists per Manager.
type Registration struct {
	Identity string
	Status   Status
	Err      error // cause, set when Status is StatusFailed
}

// Manager owns the single logical user agent for an operator session:
// connect/register/unregister plus the reconnection policy. Every state
// transition is published to all subscribed observers.
type Manager struct {
	factory        TransportFactory
	registerWait   time.Duration
	reconnectDelay time.Duration
	logger         zerolog.Logger

	mu        sync.Mutex
	creds     Credentials
	transport Transport
	current   Registration
	gen       uint64 // registration generation, bumped on Connect/Disconnect
	reconnect *time.Timer
	observers []func(Registration)
}

// NewManager creates a registration manager. registerWait bounds the REGISTER
// round trip; reconnectDelay is the fixed delay before the single automatic
// reconnection attempt after transport loss.
func NewManager(factory TransportFactory, registerWait, reconnectDelay time.Duration, logger zerolog.Logger) *Manager {
	return &Manager{
		factory:        factory,
		registerWait:   registerWait,
		reconnectDelay: reconnectDelay,
		logger:         logger.With().Str("component", "registration").Logger(),
		current:        Registration{Status: StatusDisconnected},
	}
}

// Subscribe registers an observer for registration transitions. Observers are
// invoked synchronously, in subscription order, for every transition.
func (m *Manager) Subscribe(fn func(Registration)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// Current returns the last published registration state.
func (m *Manager) Current() Registration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Transport returns the live transport, or nil when not connected.
func (m *Manager) Transport() Transport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transport
}

// Credentials returns the credentials of the current or last session.
func (m *Manager) Credentials() Credentials {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds
}

// Connect validates credentials, brings up the transport and registers.
// Credentials are checked before any network attempt. A Connect supersedes
// any in-flight reconnection attempt.
func (m *Manager) Connect(ctx context.Context, creds Credentials) error {
	if creds.Identity == "" || creds.Secret == "" {
		return ErrInvalidCredentials
	}

	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.stopReconnectLocked()
	old := m.transport
	m.transport = nil
	m.creds = creds
	m.mu.Unlock()

	if old != nil {
		_ = old.Disconnect()
	}

	m.setStatus(gen, Registration{Identity: creds.Identity, Status: StatusConnecting})

	t, err := m.factory(creds)
	if err != nil {
		m.setStatus(gen, Registration{Identity: creds.Identity, Status: StatusFailed, Err: err})
		return err
	}
	t.OnClosed(func(cause error) {
		m.handleTransportLoss(gen, cause)
	})

	if err := t.Connect(ctx); err != nil {
		m.setStatus(gen, Registration{Identity: creds.Identity, Status: StatusFailed, Err: err})
		return err
	}

	m.mu.Lock()
	if gen != m.gen {
		// A newer registration superseded us while connecting.
		m.mu.Unlock()
		_ = t.Disconnect()
		return nil
	}
	m.transport = t
	m.mu.Unlock()

	m.setStatus(gen, Registration{Identity: creds.Identity, Status: StatusConnected})

	regCtx, cancel := context.WithTimeout(ctx, m.registerWait)
	defer cancel()
	if err := t.Register(regCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = ErrTimeout
		}
		m.setStatus(gen, Registration{Identity: creds.Identity, Status: StatusFailed, Err: err})
		_ = t.Disconnect()
		return err
	}

	m.setStatus(gen, Registration{Identity: creds.Identity, Status: StatusRegistered})
	m.logger.Info().Str("identity", creds.Identity).Msg("registered")
	return nil
}

// Disconnect unregisters and tears down the transport. Cancels any pending
// reconnection attempt.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.stopReconnectLocked()
	t := m.transport
	m.transport = nil
	identity := m.creds.Identity
	m.mu.Unlock()

	if t != nil {
		unregCtx, cancel := context.WithTimeout(ctx, m.registerWait)
		if err := t.Unregister(unregCtx); err != nil {
			m.logger.Warn().Err(err).Msg("unregister failed")
		}
		cancel()
		_ = t.Disconnect()
	}

	m.setStatus(gen, Registration{Identity: identity, Status: StatusUnregistered})
	m.setStatus(gen, Registration{Identity: identity, Status: StatusDisconnected})
	return nil
}

// handleTransportLoss publishes the failure and schedules exactly one
// reconnection attempt, unless a newer registration already exists.
func (m *Manager) handleTransportLoss(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	if cause == nil {
		cause = ErrTransportDisconnected
	}
	m.transport = nil
	alreadyScheduled := m.reconnect != nil
	creds := m.creds
	if !alreadyScheduled {
		m.reconnect = time.AfterFunc(m.reconnectDelay, func() {
			m.mu.Lock()
			stale := gen != m.gen
			m.reconnect = nil
			m.mu.Unlock()
			if stale {
				return
			}
			m.logger.Info().Str("identity", creds.Identity).Msg("reconnecting")
			if err := m.Connect(context.Background(), creds); err != nil {
				m.logger.Warn().Err(err).Msg("reconnect failed")
			}
		})
	}
	m.mu.Unlock()

	m.setStatus(gen, Registration{Identity: creds.Identity, Status: StatusFailed, Err: cause})
}

func (m *Manager) stopReconnectLocked() {
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
}

// setStatus records and publishes a transition unless a newer registration
// has superseded gen.
func (m *Manager) setStatus(gen uint64, r Registration) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.current = r
	observers := make([]func(Registration), len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()

	m.logger.Debug().Str("status", r.Status.String()).Msg("registration transition")
	for _, fn := range observers {
		fn(r)
	}
}
