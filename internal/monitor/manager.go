// Package monitor implements supervisor monitoring sessions: secondary spy
// calls placed against a feature address so a supervisor can listen to,
// whisper into, or barge an active call without being an original party.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shiv6146/blayzen-console/internal/call"
	"github.com/shiv6146/blayzen-console/internal/models"
	"github.com/shiv6146/blayzen-console/internal/sipclient"
)

var (
	// ErrInvalidTarget is returned when no dialable spy target can be
	// derived from the observed call record.
	ErrInvalidTarget = errors.New("monitor: cannot derive spy target")
	// ErrPendingRegistration is returned when the monitor request was
	// queued because no registration is active. The request is replayed
	// once the operator re-registers.
	ErrPendingRegistration = errors.New("monitor: queued until registration is restored")
	// ErrNotMonitoring is returned when stopping a session that does not
	// exist.
	ErrNotMonitoring = errors.New("monitor: no such monitoring session")
)

// Kind is the supervisor monitoring mode.
type Kind int

const (
	// KindListen is one-way audio from the observed call to the supervisor.
	KindListen Kind = iota
	// KindWhisper lets the supervisor speak to the agent only.
	KindWhisper
	// KindBarge joins the supervisor into the call as a third party.
	KindBarge
)

// String returns the mode name
func (k Kind) String() string {
	switch k {
	case KindListen:
		return "listen"
	case KindWhisper:
		return "whisper"
	case KindBarge:
		return "barge"
	default:
		return "unknown"
	}
}

// Registrar is the registration state the manager depends on.
type Registrar interface {
	Current() sipclient.Registration
	Transport() sipclient.Transport
}

// Media hands out the exclusively-owned local media endpoint.
type Media interface {
	Acquire(owner string) (call.MediaHandle, error)
}

// AudioSink is the dedicated monitor audio output. Attached when the spy
// call connects, detached when it ends.
type AudioSink interface {
	Attach(sessionID string)
	Detach(sessionID string)
}

// EventKind classifies monitor notifications.
type EventKind int

const (
	EventStarted EventKind = iota
	EventConnected
	EventEnded
	EventFailed
	// EventCredentialsNeeded reports a monitor request queued behind a
	// missing registration. The operator is expected to supply or repair
	// credentials; the request replays on the next successful register.
	EventCredentialsNeeded
)

// Event is a monitor lifecycle notification.
type Event struct {
	Kind    EventKind
	Session Snapshot
	Err     error
}

// Snapshot is a read-only view of a monitoring session.
type Snapshot struct {
	ID        string
	Kind      Kind
	Target    string
	Agent     string
	State     call.State
	StartedAt time.Time
}

type session struct {
	id        string
	kind      Kind
	target    string
	record    models.ActiveCallRecord
	startedAt time.Time

	state call.State
	leg   sipclient.Leg
	media call.MediaHandle

	releaseOnce sync.Once
}

func (s *session) snapshot() Snapshot {
	return Snapshot{
		ID:        s.id,
		Kind:      s.kind,
		Target:    s.target,
		Agent:     s.record.Agent,
		State:     s.state,
		StartedAt: s.startedAt,
	}
}

type intent struct {
	record models.ActiveCallRecord
	kind   Kind
}

// Manager owns the monitoring session map. It is the only writer.
type Manager struct {
	registrar     Registrar
	media         Media
	audioSink     AudioSink
	listenPrefix  string
	whisperPrefix string
	callTimeout   time.Duration
	logger        zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	active   string // the single UI-facing monitor slot
	pending  []intent
	sink     func(Event)
}

// NewManager creates the monitoring session manager. listenPrefix and
// whisperPrefix are the feature addresses the spy target is appended to;
// the two modes dial distinct addresses.
func NewManager(registrar Registrar, media Media, audioSink AudioSink, listenPrefix, whisperPrefix string, callTimeout time.Duration, logger zerolog.Logger) *Manager {
	return &Manager{
		registrar:     registrar,
		media:         media,
		audioSink:     audioSink,
		listenPrefix:  listenPrefix,
		whisperPrefix: whisperPrefix,
		callTimeout:   callTimeout,
		logger:        logger.With().Str("component", "monitor").Logger(),
		sessions:      make(map[string]*session),
	}
}

// OnEvent registers the single notification sink.
func (m *Manager) OnEvent(fn func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = fn
}

// Start places a spy call against the given active call. When no
// registration is live the request is queued and ErrPendingRegistration is
// returned; it replays on FlushPending after the next successful register.
func (m *Manager) Start(ctx context.Context, record models.ActiveCallRecord, kind Kind) (*Snapshot, error) {
	target, err := DeriveTarget(record, kind)
	if err != nil {
		return nil, err
	}

	if m.registrar.Current().Status != sipclient.StatusRegistered {
		m.mu.Lock()
		m.pending = append(m.pending, intent{record: record, kind: kind})
		m.mu.Unlock()
		m.logger.Warn().Str("agent", record.Agent).Str("kind", kind.String()).Msg("monitor queued: not registered")
		m.publish(Event{Kind: EventCredentialsNeeded, Session: Snapshot{Kind: kind, Target: target, Agent: record.Agent}})
		return nil, ErrPendingRegistration
	}

	return m.dial(ctx, record, kind, target)
}

// FlushPending replays monitor requests that were queued while no
// registration was live. Called after a successful register.
func (m *Manager) FlushPending(ctx context.Context) {
	m.mu.Lock()
	queued := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, it := range queued {
		if _, err := m.Start(ctx, it.record, it.kind); err != nil {
			m.logger.Warn().Err(err).Str("agent", it.record.Agent).Msg("queued monitor replay failed")
		}
	}
}

func (m *Manager) dial(ctx context.Context, record models.ActiveCallRecord, kind Kind, target string) (*Snapshot, error) {
	transport := m.registrar.Transport()
	if transport == nil {
		return nil, sipclient.ErrNotRegistered
	}

	id := uuid.New().String()
	handle, err := m.media.Acquire(id)
	if err != nil {
		return nil, err
	}

	recvOnly := kind == KindListen
	offer, err := handle.Offer(ctx, recvOnly)
	if err != nil {
		handle.Release()
		return nil, fmt.Errorf("%w: %v", call.ErrNegotiationFailed, err)
	}

	opts := sipclient.InviteOptions{SDP: offer, RecvOnly: recvOnly}
	destination := m.listenPrefix + target
	if kind != KindListen {
		destination = m.whisperPrefix + target
		// control attributes so the feature applies the right mixing
		opts.Headers = map[string]string{
			"X-Spy-Channel": observedChannel(record),
			"X-Spy-Mode":    kind.String(),
		}
	}

	dialCtx, cancelDial := context.WithTimeout(context.Background(), m.callTimeout)
	leg, err := transport.Invite(dialCtx, destination, opts)
	if err != nil {
		cancelDial()
		handle.Release()
		return nil, err
	}

	s := &session{
		id:        id,
		kind:      kind,
		target:    target,
		record:    record,
		startedAt: time.Now(),
		state:     call.StateRinging,
		leg:       leg,
		media:     handle,
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.active = id
	snap := s.snapshot()
	m.mu.Unlock()

	m.logger.Info().Str("monitor_id", id).Str("kind", kind.String()).
		Str("destination", destination).Msg("monitor started")
	m.publish(Event{Kind: EventStarted, Session: snap})

	leg.OnEvent(func(ev sipclient.LegEvent) {
		m.handleLegEvent(s, ev)
		if ev.Kind == sipclient.LegEnded || ev.Kind == sipclient.LegFailed {
			cancelDial()
		}
	})

	return &snap, nil
}

func (m *Manager) handleLegEvent(s *session, ev sipclient.LegEvent) {
	switch ev.Kind {
	case sipclient.LegAnswered:
		if ev.SDP != "" {
			if err := s.media.SetRemote(ev.SDP); err != nil {
				m.logger.Warn().Str("monitor_id", s.id).Err(err).Msg("monitor negotiation failed")
				m.end(s, call.StateFailed, fmt.Errorf("%w: %v", call.ErrNegotiationFailed, err))
				_ = s.leg.Hangup(context.Background())
				return
			}
		}
		m.mu.Lock()
		s.state = call.StateConnected
		snap := s.snapshot()
		m.mu.Unlock()
		if m.audioSink != nil {
			m.audioSink.Attach(s.id)
		}
		m.logger.Info().Str("monitor_id", s.id).Msg("monitor connected")
		m.publish(Event{Kind: EventConnected, Session: snap})

	case sipclient.LegEnded:
		m.end(s, call.StateEnded, nil)

	case sipclient.LegFailed:
		m.end(s, call.StateFailed, ev.Cause)
	}
}

// Stop terminates a monitoring session by id.
func (m *Manager) Stop(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return ErrNotMonitoring
	}

	err := s.leg.Hangup(ctx)
	m.end(s, call.StateEnded, nil)
	return err
}

// StopActive terminates the UI-facing monitor slot. Closing the displayed
// monitor ends the underlying spy call, it never merely hides it.
func (m *Manager) StopActive(ctx context.Context) error {
	m.mu.Lock()
	id := m.active
	m.mu.Unlock()
	if id == "" {
		return ErrNotMonitoring
	}
	return m.Stop(ctx, id)
}

// Active returns the UI-facing monitor slot, or nil.
func (m *Manager) Active() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[m.active]
	if !ok {
		return nil
	}
	snap := s.snapshot()
	return &snap
}

// Sessions returns snapshots of every live monitoring session.
func (m *Manager) Sessions() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.snapshot())
	}
	return out
}

// StopAll terminates every live monitoring session and drops queued intents,
// so nothing replays against stale calls after the next login.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	m.pending = nil
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		if err := m.Stop(ctx, id); err != nil && !errors.Is(err, ErrNotMonitoring) {
			m.logger.Warn().Err(err).Str("monitor_id", id).Msg("failed to stop monitor")
		}
	}
}

// end drives the session terminal, detaches the audio sink, releases media
// exactly once and removes it from the map.
func (m *Manager) end(s *session, final call.State, cause error) {
	m.mu.Lock()
	if s.state.IsTerminal() {
		m.mu.Unlock()
		return
	}
	s.state = final
	snap := s.snapshot()
	delete(m.sessions, s.id)
	if m.active == s.id {
		m.active = ""
	}
	m.mu.Unlock()

	if m.audioSink != nil {
		m.audioSink.Detach(s.id)
	}
	s.releaseOnce.Do(s.media.Release)

	if cause != nil {
		m.logger.Warn().Str("monitor_id", s.id).Err(cause).Msg("monitor failed")
		m.publish(Event{Kind: EventFailed, Session: snap, Err: cause})
		return
	}
	m.logger.Info().Str("monitor_id", s.id).Msg("monitor ended")
	m.publish(Event{Kind: EventEnded, Session: snap})
}

func (m *Manager) publish(ev Event) {
	m.mu.Lock()
	sink := m.sink
	m.mu.Unlock()
	if sink != nil {
		sink(ev)
	}
}

// DeriveTarget resolves the spy dial token from the observed call record.
// Listen dials the agent extension itself, which must be numeric. Whisper
// and barge derive the token from the channel that carries the agent
// identifier, falling back to the first channel.
func DeriveTarget(record models.ActiveCallRecord, kind Kind) (string, error) {
	if kind == KindListen {
		if record.Agent == "" || !isNumeric(record.Agent) {
			return "", fmt.Errorf("%w: extension %q is not numeric", ErrInvalidTarget, record.Agent)
		}
		return record.Agent, nil
	}

	ch := observedChannel(record)
	if ch == "" {
		return "", fmt.Errorf("%w: call has no channels", ErrInvalidTarget)
	}
	return channelToken(ch)
}

// observedChannel picks the channel entry carrying the agent identifier,
// falling back to the first channel.
func observedChannel(record models.ActiveCallRecord) string {
	if len(record.Channels) == 0 {
		return ""
	}
	if record.Agent != "" {
		for _, ch := range record.Channels {
			if strings.Contains(ch, record.Agent) {
				return ch
			}
		}
	}
	return record.Channels[0]
}

// channelToken extracts the extension token between the technology slash
// and the first dash, e.g. "SIP/1003-00000001" -> "1003".
func channelToken(channel string) (string, error) {
	slash := strings.Index(channel, "/")
	if slash < 0 || slash+1 >= len(channel) {
		return "", fmt.Errorf("%w: malformed channel %q", ErrInvalidTarget, channel)
	}
	rest := channel[slash+1:]
	dash := strings.Index(rest, "-")
	if dash <= 0 {
		return "", fmt.Errorf("%w: malformed channel %q", ErrInvalidTarget, channel)
	}
	return rest[:dash], nil
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
