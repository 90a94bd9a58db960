package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shiv6146/blayzen-console/internal/models"
	"github.com/shiv6146/blayzen-console/internal/sipclient"
)

// Sentinel errors for state-machine-violating operations. These are returned
// to the caller and never corrupt session state.
var (
	ErrInvalidDestination   = errors.New("call: destination is empty")
	ErrNoActiveCall         = errors.New("call: no active call")
	ErrCallInProgress       = errors.New("call: another call is active")
	ErrUnsupportedOperation = errors.New("call: operation not supported by transport")
	ErrNegotiationFailed    = errors.New("call: media negotiation failed")
)

// Registrar is the registration state the controller depends on.
type Registrar interface {
	Current() sipclient.Registration
	Transport() sipclient.Transport
}

// Media hands out the exclusively-owned local media endpoint.
type Media interface {
	Acquire(owner string) (MediaHandle, error)
}

// MediaHandle is the per-session media endpoint the controller drives.
type MediaHandle interface {
	Offer(ctx context.Context, recvOnly bool) (string, error)
	Answer(ctx context.Context, offerSDP string) (string, error)
	SetRemote(answerSDP string) error
	SetMuted(muted bool) error
	Release()
}

// EventKind classifies controller notifications.
type EventKind int

const (
	// EventStateChanged reports a session lifecycle transition or a
	// held/muted flag change.
	EventStateChanged EventKind = iota
	// EventTransferred reports an accepted transfer handoff. Delivered as
	// a side-channel notification, not a call-state transition.
	EventTransferred
	// EventTransferFailed reports a rejected or failed transfer.
	EventTransferFailed
	// EventIncomingRejected reports an incoming call that was auto-rejected
	// (busy or paused/do-not-disturb).
	EventIncomingRejected
)

// Event is a side-channel notification published by the controller.
type Event struct {
	Kind    EventKind
	Session Snapshot
	Message string
	Err     error
}

// Snapshot is a read-only view of a call session.
type Snapshot struct {
	ID        string
	Direction Direction
	Remote    string
	State     State
	Held      bool
	Muted     bool
	StartedAt time.Time
}

// session is the single primary call. All mutation goes through the
// controller.
type session struct {
	id        string
	direction Direction
	remote    string
	startedAt time.Time

	state State
	held  bool
	muted bool

	leg         sipclient.Leg
	media       MediaHandle
	releaseOnce sync.Once
}

func (s *session) snapshot() Snapshot {
	return Snapshot{
		ID:        s.id,
		Direction: s.direction,
		Remote:    s.remote,
		State:     s.state,
		Held:      s.held,
		Muted:     s.muted,
		StartedAt: s.startedAt,
	}
}

// Controller is the state machine for the operator's primary call. At most
// one non-terminal session exists at a time; a second incoming call is
// auto-rejected busy while one is active.
type Controller struct {
	registrar   Registrar
	media       Media
	presenceFn  func() models.PresenceStatus
	callTimeout time.Duration
	logger      zerolog.Logger

	mu      sync.Mutex
	current *session
	sink    func(Event)
}

// NewController creates the call controller. presenceFn reports the
// operator's presence so incoming calls are auto-rejected while paused or in
// do-not-disturb; it may be nil. callTimeout bounds outbound call placement.
func NewController(registrar Registrar, media Media, presenceFn func() models.PresenceStatus, callTimeout time.Duration, logger zerolog.Logger) *Controller {
	return &Controller{
		registrar:   registrar,
		media:       media,
		presenceFn:  presenceFn,
		callTimeout: callTimeout,
		logger:      logger.With().Str("component", "call").Logger(),
	}
}

// OnEvent registers the single notification sink.
func (c *Controller) OnEvent(fn func(Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = fn
}

// Current returns a snapshot of the active session, or nil when idle.
func (c *Controller) Current() *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || c.current.state.IsTerminal() {
		return nil
	}
	snap := c.current.snapshot()
	return &snap
}

// Place starts an outgoing call. Valid only while idle.
func (c *Controller) Place(ctx context.Context, destination string) (*Snapshot, error) {
	if destination == "" {
		return nil, ErrInvalidDestination
	}
	reg := c.registrar.Current()
	if reg.Status != sipclient.StatusRegistered {
		return nil, sipclient.ErrNotRegistered
	}
	transport := c.registrar.Transport()
	if transport == nil {
		return nil, sipclient.ErrNotRegistered
	}

	c.mu.Lock()
	if c.current != nil && !c.current.state.IsTerminal() {
		c.mu.Unlock()
		return nil, ErrCallInProgress
	}
	// Reserve the slot before touching media or signaling. An incoming
	// INVITE racing this placement sees the call in progress and is
	// rejected busy instead of displacing the session.
	s := &session{
		id:        uuid.New().String(),
		direction: DirectionOutgoing,
		remote:    destination,
		startedAt: time.Now(),
		state:     StateRinging,
	}
	c.current = s
	c.mu.Unlock()

	handle, err := c.media.Acquire(s.id)
	if err != nil {
		c.releaseReservation(s)
		return nil, err
	}

	offer, err := handle.Offer(ctx, false)
	if err != nil {
		handle.Release()
		c.releaseReservation(s)
		return nil, fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}

	dialCtx, cancelDial := context.WithTimeout(context.Background(), c.callTimeout)
	leg, err := transport.Invite(dialCtx, destination, sipclient.InviteOptions{SDP: offer})
	if err != nil {
		cancelDial()
		handle.Release()
		c.releaseReservation(s)
		return nil, err
	}

	c.mu.Lock()
	if s.state.IsTerminal() {
		// hung up while the INVITE was in flight
		c.mu.Unlock()
		cancelDial()
		handle.Release()
		_ = leg.Hangup(ctx)
		return nil, ErrNoActiveCall
	}
	s.leg = leg
	s.media = handle
	snap := s.snapshot()
	c.mu.Unlock()

	c.logger.Info().Str("call_id", s.id).Str("destination", destination).Msg("call placed")
	c.publish(Event{Kind: EventStateChanged, Session: snap})

	leg.OnEvent(func(ev sipclient.LegEvent) {
		c.handleLegEvent(s, ev)
		switch ev.Kind {
		case sipclient.LegAnswered, sipclient.LegEnded, sipclient.LegFailed:
			cancelDial()
		}
	})

	return &snap, nil
}

// releaseReservation frees the call slot when placement fails before the
// session went live. Nothing was published for the reservation, so nothing
// is emitted here.
func (c *Controller) releaseReservation(s *session) {
	c.mu.Lock()
	if !s.state.IsTerminal() {
		s.state = StateFailed
	}
	if c.current == s {
		c.current = nil
	}
	c.mu.Unlock()
}

// HandleIncoming is the sink for unsolicited incoming legs from the
// transport. A second call while one is active, or any call while the
// operator is paused or in do-not-disturb, is rejected busy without touching
// the active session.
func (c *Controller) HandleIncoming(leg sipclient.Leg) {
	if c.presenceFn != nil {
		switch c.presenceFn() {
		case models.PresencePaused, models.PresenceDoNotDisturb:
			c.rejectBusy(leg, "operator unavailable")
			return
		}
	}

	c.mu.Lock()
	busy := c.current != nil && !c.current.state.IsTerminal()
	c.mu.Unlock()
	if busy {
		c.rejectBusy(leg, "call in progress")
		return
	}

	s := &session{
		id:        uuid.New().String(),
		direction: DirectionIncoming,
		remote:    leg.Remote(),
		startedAt: time.Now(),
		state:     StateRinging,
		leg:       leg,
	}

	c.mu.Lock()
	c.current = s
	snap := s.snapshot()
	c.mu.Unlock()

	c.logger.Info().Str("call_id", s.id).Str("from", s.remote).Msg("incoming call")
	c.publish(Event{Kind: EventStateChanged, Session: snap})

	leg.OnEvent(func(ev sipclient.LegEvent) {
		c.handleLegEvent(s, ev)
	})
}

func (c *Controller) rejectBusy(leg sipclient.Leg, reason string) {
	if err := leg.Reject(486, "Busy Here"); err != nil {
		c.logger.Warn().Err(err).Msg("failed to reject incoming call")
	}
	c.logger.Info().Str("from", leg.Remote()).Str("reason", reason).Msg("incoming call auto-rejected")
	c.publish(Event{Kind: EventIncomingRejected, Message: leg.Remote()})
}

// AcceptIncoming answers the ringing incoming call: acquires local media,
// negotiates against the far end's offer and confirms the leg.
func (c *Controller) AcceptIncoming(ctx context.Context) (*Snapshot, error) {
	c.mu.Lock()
	s := c.current
	if s == nil || s.state.IsTerminal() {
		c.mu.Unlock()
		return nil, ErrNoActiveCall
	}
	if s.direction != DirectionIncoming || s.state != StateRinging {
		c.mu.Unlock()
		return nil, fmt.Errorf("cannot accept: call is %s %s", s.direction, s.state)
	}
	s.state = StateAccepted
	c.mu.Unlock()

	handle, err := c.media.Acquire(s.id)
	if err != nil {
		c.failSession(s, err)
		_ = s.leg.Reject(486, "Busy Here")
		return nil, err
	}

	c.mu.Lock()
	s.media = handle
	c.mu.Unlock()

	answer, err := handle.Answer(ctx, s.leg.RemoteOffer())
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
		c.failSession(s, err)
		_ = s.leg.Reject(488, "Not Acceptable Here")
		return nil, err
	}

	if err := s.leg.Accept(ctx, answer); err != nil {
		c.failSession(s, err)
		return nil, err
	}

	snap := c.transition(s, StateConnected)
	c.logger.Info().Str("call_id", s.id).Msg("call answered")
	return snap, nil
}

// Hold puts the connected call on hold. Invoking it while already held is a
// no-op success.
func (c *Controller) Hold(ctx context.Context) error { return c.setHold(ctx, true) }

// Unhold resumes the held call. Idempotent like Hold.
func (c *Controller) Unhold(ctx context.Context) error { return c.setHold(ctx, false) }

func (c *Controller) setHold(ctx context.Context, held bool) error {
	s, err := c.connectedSession()
	if err != nil {
		return err
	}
	transport := c.registrar.Transport()
	if transport == nil || !transport.Capabilities().Has(sipclient.CapHold) {
		return ErrUnsupportedOperation
	}

	c.mu.Lock()
	if s.held == held {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := s.leg.SetHold(ctx, held); err != nil {
		return err
	}

	c.mu.Lock()
	s.held = held
	snap := s.snapshot()
	c.mu.Unlock()
	c.publish(Event{Kind: EventStateChanged, Session: snap})
	return nil
}

// Mute detaches the local capture track. Idempotent.
func (c *Controller) Mute() error { return c.setMute(true) }

// Unmute reattaches the local capture track. Idempotent.
func (c *Controller) Unmute() error { return c.setMute(false) }

func (c *Controller) setMute(muted bool) error {
	s, err := c.connectedSession()
	if err != nil {
		return err
	}
	if s.media == nil {
		return ErrUnsupportedOperation
	}

	c.mu.Lock()
	if s.muted == muted {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := s.media.SetMuted(muted); err != nil {
		return err
	}

	c.mu.Lock()
	s.muted = muted
	snap := s.snapshot()
	c.mu.Unlock()
	c.publish(Event{Kind: EventStateChanged, Session: snap})
	return nil
}

// Transfer hands the connected call off to target. The outcome arrives
// asynchronously as EventTransferred or EventTransferFailed; the call itself
// may continue or end independently.
func (c *Controller) Transfer(ctx context.Context, target string) error {
	if target == "" {
		return ErrInvalidDestination
	}
	s, err := c.connectedSession()
	if err != nil {
		return err
	}
	transport := c.registrar.Transport()
	if transport == nil || !transport.Capabilities().Has(sipclient.CapTransfer) {
		return ErrUnsupportedOperation
	}

	go func() {
		if err := s.leg.Refer(context.Background(), target); err != nil {
			c.logger.Warn().Str("call_id", s.id).Err(err).Msg("transfer failed")
		}
	}()
	return nil
}

// Hangup terminates the session from any non-terminal state. A ringing
// incoming call is declined (603), a ringing outgoing call is cancelled, a
// connected call gets a BYE. Media is released synchronously.
func (c *Controller) Hangup(ctx context.Context) error {
	c.mu.Lock()
	s := c.current
	var leg sipclient.Leg
	if s != nil {
		leg = s.leg
	}
	c.mu.Unlock()
	if s == nil || s.state.IsTerminal() {
		return ErrNoActiveCall
	}

	var err error
	switch {
	case leg == nil:
		// placement still in flight; Place rolls back once it sees the
		// terminal state
	case s.direction == DirectionIncoming && s.state == StateRinging:
		err = leg.Reject(603, "Decline")
	default:
		err = leg.Hangup(ctx)
	}

	c.endSession(s, StateEnded, nil)
	c.logger.Info().Str("call_id", s.id).Msg("call hung up")
	return err
}

func (c *Controller) connectedSession() (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || c.current.state.IsTerminal() {
		return nil, ErrNoActiveCall
	}
	if c.current.state != StateConnected {
		return nil, ErrNoActiveCall
	}
	return c.current, nil
}

// handleLegEvent processes signaling events in transport delivery order.
func (c *Controller) handleLegEvent(s *session, ev sipclient.LegEvent) {
	switch ev.Kind {
	case sipclient.LegRinging:
		// already ringing

	case sipclient.LegAnswered:
		if s.media != nil && ev.SDP != "" {
			if err := s.media.SetRemote(ev.SDP); err != nil {
				c.logger.Warn().Str("call_id", s.id).Err(err).Msg("negotiation failed")
				c.failSession(s, fmt.Errorf("%w: %v", ErrNegotiationFailed, err))
				_ = s.leg.Hangup(context.Background())
				return
			}
		}
		c.transition(s, StateConnected)
		c.logger.Info().Str("call_id", s.id).Msg("call connected")

	case sipclient.LegEnded:
		c.endSession(s, StateEnded, nil)

	case sipclient.LegFailed:
		c.endSession(s, StateFailed, ev.Cause)

	case sipclient.LegReferAccepted:
		c.publish(Event{Kind: EventTransferred, Session: s.snapshot()})

	case sipclient.LegReferFailed:
		c.publish(Event{Kind: EventTransferFailed, Session: s.snapshot(), Err: ev.Cause})
	}
}

// transition moves the session forward if the state machine allows it and
// publishes the change.
func (c *Controller) transition(s *session, next State) *Snapshot {
	c.mu.Lock()
	if !s.state.CanTransitionTo(next) {
		c.mu.Unlock()
		return nil
	}
	// Ringing jumps through Accepted when the far end answers directly.
	if s.state == StateRinging && next == StateConnected {
		s.state = StateAccepted
	}
	s.state = next
	snap := s.snapshot()
	c.mu.Unlock()

	c.publish(Event{Kind: EventStateChanged, Session: snap})
	return &snap
}

func (c *Controller) failSession(s *session, cause error) {
	c.endSession(s, StateFailed, cause)
}

// endSession drives the session terminal, releases media exactly once and
// returns the controller to idle.
func (c *Controller) endSession(s *session, final State, cause error) {
	c.mu.Lock()
	if s.state.IsTerminal() {
		c.mu.Unlock()
		return
	}
	s.state = final
	snap := s.snapshot()
	if c.current == s {
		c.current = nil
	}
	media := s.media
	c.mu.Unlock()

	if media != nil {
		s.releaseOnce.Do(media.Release)
	}

	if cause != nil {
		c.logger.Warn().Str("call_id", s.id).Err(cause).Msg("call failed")
	} else {
		c.logger.Info().Str("call_id", s.id).Str("state", final.String()).Msg("call ended")
	}
	c.publish(Event{Kind: EventStateChanged, Session: snap, Err: cause})
}

func (c *Controller) publish(ev Event) {
	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()
	if sink != nil {
		sink(ev)
	}
}
