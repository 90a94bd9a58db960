// Package console owns one operator session: it wires the registration
// manager, call controller, monitoring manager, presence coordinator,
// realtime sync and stores into a single service constructed at startup and
// torn down at shutdown.
package console

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shiv6146/blayzen-console/internal/call"
	"github.com/shiv6146/blayzen-console/internal/config"
	"github.com/shiv6146/blayzen-console/internal/dashboard"
	"github.com/shiv6146/blayzen-console/internal/media"
	"github.com/shiv6146/blayzen-console/internal/models"
	"github.com/shiv6146/blayzen-console/internal/monitor"
	"github.com/shiv6146/blayzen-console/internal/presence"
	"github.com/shiv6146/blayzen-console/internal/realtime"
	"github.com/shiv6146/blayzen-console/internal/sipclient"
)

// CallStore is the slice of the database the service persists call history
// through. Nil-able: history is skipped when no database is configured.
type CallStore interface {
	CreateCallLog(ctx context.Context, call *models.CallLog) (*models.CallLog, error)
	UpdateCallStatus(ctx context.Context, callID string, status models.CallStatus, hangupCause string) error
	ListCalls(ctx context.Context, operator string, limit int) ([]*models.CallLog, error)
}

// PresenceCache mirrors presence and wrap-up state into the shared cache.
type PresenceCache interface {
	SetPresence(ctx context.Context, operator string, status models.PresenceStatus) error
	SetWrapUp(ctx context.Context, w models.WrapUpStatus) error
}

// Service is the per-operator owning object. All console state hangs off it;
// there are no package-level globals.
type Service struct {
	cfg    *config.Config
	logger zerolog.Logger

	registrations *sipclient.Manager
	controller    *call.Controller
	monitors      *monitor.Manager
	presence      *presence.Coordinator
	rtStore       *realtime.Store
	rtClient      *realtime.Client
	view          *dashboard.View
	adapter       *media.Adapter

	callStore CallStore
	cache     PresenceCache

	notifications *notificationRing
}

// New wires up a console service. callStore and cache may be nil when the
// corresponding backends are not configured.
func New(cfg *config.Config, callStore CallStore, cache PresenceCache, logger zerolog.Logger) *Service {
	s := &Service{
		cfg:           cfg,
		logger:        logger.With().Str("component", "console").Logger(),
		callStore:     callStore,
		cache:         cache,
		notifications: newNotificationRing(notificationCapacity),
	}

	s.adapter = media.NewAdapter(logger)
	s.registrations = sipclient.NewManager(
		sipclient.SipgoFactory(cfg.UserAgent, logger),
		cfg.RegisterTimeout, cfg.ReconnectDelay, logger,
	)

	reporter := presence.NewHTTPReporter(cfg.PresenceURL, cfg.PresenceTimeout, logger)
	s.presence = presence.NewCoordinator(reporter, s.registrations, logger)

	source := mediaSource{adapter: s.adapter}
	s.controller = call.NewController(s.registrations, source, s.presence.Current, cfg.CallTimeout, logger)
	s.monitors = monitor.NewManager(s.registrations, source, monitorAudio{logger: logger},
		cfg.SpyListenPrefix, cfg.SpyWhisperPrefix, cfg.CallTimeout, logger)

	s.rtStore = realtime.NewStore(logger)
	s.view = dashboard.NewView(s.rtStore)
	s.rtClient = realtime.NewClient(cfg.PushURL, cfg.PushRedialDelay, cfg.PushPingInterval,
		cfg.PushReadLimit, s.onPushEvent, logger)

	s.wire()
	return s
}

// wire connects the observer chains between components.
func (s *Service) wire() {
	s.registrations.Subscribe(func(r sipclient.Registration) {
		s.presence.ObserveRegistration(r)
		switch r.Status {
		case sipclient.StatusRegistered:
			if t := s.registrations.Transport(); t != nil {
				t.OnIncoming(s.controller.HandleIncoming)
			}
			s.monitors.FlushPending(context.Background())
		case sipclient.StatusFailed:
			s.notify(SeverityError, fmt.Sprintf("registration failed: %v", r.Err))
		}
	})

	s.controller.OnEvent(func(ev call.Event) {
		s.presence.ObserveCall(ev)
		s.recordCall(ev)
		switch ev.Kind {
		case call.EventIncomingRejected:
			s.notify(SeverityInfo, fmt.Sprintf("incoming call from %s rejected busy", ev.Message))
		case call.EventTransferred:
			s.notify(SeverityInfo, fmt.Sprintf("call %s transferred", ev.Session.ID))
		case call.EventTransferFailed:
			s.notify(SeverityError, fmt.Sprintf("transfer of call %s failed: %v", ev.Session.ID, ev.Err))
		case call.EventStateChanged:
			if ev.Session.State == call.StateFailed && ev.Err != nil {
				s.notify(SeverityError, fmt.Sprintf("call failed: %v", ev.Err))
			}
		}
	})

	s.monitors.OnEvent(func(ev monitor.Event) {
		switch ev.Kind {
		case monitor.EventCredentialsNeeded:
			s.notify(SeverityWarn, "monitor request queued: sign in to the phone system first")
		case monitor.EventFailed:
			s.notify(SeverityError, fmt.Sprintf("%s monitor failed: %v", ev.Session.Kind, ev.Err))
		}
	})

	s.presence.Subscribe(func(status models.PresenceStatus) {
		if s.cache == nil {
			return
		}
		operator := s.registrations.Credentials().Identity
		if operator == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.cache.SetPresence(ctx, operator, status); err != nil {
			s.logger.Warn().Err(err).Msg("failed to mirror presence to cache")
		}
	})

	s.rtStore.Subscribe(func(channel string) {
		if channel != realtime.ChannelAgentWrapStatus || s.cache == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, w := range s.rtStore.WrapUp() {
			if err := s.cache.SetWrapUp(ctx, w); err != nil {
				s.logger.Warn().Err(err).Msg("failed to mirror wrap-up to cache")
				return
			}
		}
	})
}

// Run starts the realtime push subscription and blocks until ctx is
// cancelled.
func (s *Service) Run(ctx context.Context) {
	s.rtClient.Run(ctx)
}

// onPushEvent feeds one raw push message into the reconciliation store.
func (s *Service) onPushEvent(channel string, payload json.RawMessage) {
	if err := s.rtStore.OnEvent(channel, payload); err != nil {
		s.logger.Warn().Err(err).Str("channel", channel).Msg("push event rejected")
	}
}

// Login registers the operator against the signaling server.
func (s *Service) Login(ctx context.Context, identity, secret string) error {
	creds := sipclient.Credentials{
		Identity: identity,
		Secret:   secret,
		Endpoint: s.cfg.SIPWSURL,
	}
	if err := s.registrations.Connect(ctx, creds); err != nil {
		return err
	}
	return nil
}

// Logout tears down the operator session: monitors, call, registration.
func (s *Service) Logout(ctx context.Context) error {
	s.monitors.StopAll(ctx)
	if err := s.controller.Hangup(ctx); err != nil && err != call.ErrNoActiveCall {
		s.logger.Warn().Err(err).Msg("hangup on logout failed")
	}
	return s.registrations.Disconnect(ctx)
}

// Registration returns the current registration state.
func (s *Service) Registration() sipclient.Registration {
	return s.registrations.Current()
}

// PlaceCall starts an outgoing call.
func (s *Service) PlaceCall(ctx context.Context, destination string) (*call.Snapshot, error) {
	return s.controller.Place(ctx, destination)
}

// AcceptCall answers the ringing incoming call.
func (s *Service) AcceptCall(ctx context.Context) (*call.Snapshot, error) {
	return s.controller.AcceptIncoming(ctx)
}

// HangupCall ends or rejects the active call.
func (s *Service) HangupCall(ctx context.Context) error {
	return s.controller.Hangup(ctx)
}

// Hold puts the active call on hold.
func (s *Service) Hold(ctx context.Context) error { return s.controller.Hold(ctx) }

// Unhold resumes the held call.
func (s *Service) Unhold(ctx context.Context) error { return s.controller.Unhold(ctx) }

// Mute mutes the local capture.
func (s *Service) Mute() error { return s.controller.Mute() }

// Unmute unmutes the local capture.
func (s *Service) Unmute() error { return s.controller.Unmute() }

// TransferCall hands the active call to target.
func (s *Service) TransferCall(ctx context.Context, target string) error {
	return s.controller.Transfer(ctx, target)
}

// CurrentCall returns the active call snapshot, or nil when idle.
func (s *Service) CurrentCall() *call.Snapshot {
	return s.controller.Current()
}

// StartMonitor opens a spy call against the identified active call.
func (s *Service) StartMonitor(ctx context.Context, activeCallID string, kind monitor.Kind) (*monitor.Snapshot, error) {
	record, ok := s.rtStore.FindActiveCall(activeCallID)
	if !ok {
		return nil, fmt.Errorf("active call %s not found", activeCallID)
	}
	return s.monitors.Start(ctx, record, kind)
}

// StopMonitor closes the displayed monitor, ending the spy call.
func (s *Service) StopMonitor(ctx context.Context) error {
	return s.monitors.StopActive(ctx)
}

// Monitors returns all live monitoring sessions.
func (s *Service) Monitors() []monitor.Snapshot {
	return s.monitors.Sessions()
}

// ActiveMonitor returns the displayed monitor, or nil.
func (s *Service) ActiveMonitor() *monitor.Snapshot {
	return s.monitors.Active()
}

// Presence returns the current derived presence.
func (s *Service) Presence() models.PresenceStatus {
	return s.presence.Current()
}

// SetPresence applies an operator-driven presence change. Paused and
// do-not-disturb tear down the registration; available restores it.
func (s *Service) SetPresence(ctx context.Context, status models.PresenceStatus) error {
	switch status {
	case models.PresenceAvailable:
		return s.presence.SetAvailable(ctx)
	case models.PresencePaused, models.PresenceDoNotDisturb:
		return s.presence.SetPaused(ctx, status)
	default:
		return fmt.Errorf("cannot set presence to %q", status)
	}
}

// Dashboard returns the joined dashboard snapshot.
func (s *Service) Dashboard() dashboard.Snapshot {
	return s.view.Snapshot()
}

// Notifications returns the retained user-visible notifications, newest
// last.
func (s *Service) Notifications() []Notification {
	return s.notifications.list()
}

// CallHistory returns the operator's recent call log entries.
func (s *Service) CallHistory(ctx context.Context, limit int) ([]*models.CallLog, error) {
	if s.callStore == nil {
		return nil, nil
	}
	return s.callStore.ListCalls(ctx, s.registrations.Credentials().Identity, limit)
}

// Close tears the session down for process shutdown.
func (s *Service) Close(ctx context.Context) {
	if err := s.Logout(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("logout on shutdown failed")
	}
}

func (s *Service) notify(severity Severity, message string) {
	s.logger.Info().Str("severity", string(severity)).Msg(message)
	s.notifications.add(severity, message)
}

// recordCall persists CDR rows for call lifecycle transitions.
func (s *Service) recordCall(ev call.Event) {
	if s.callStore == nil || ev.Kind != call.EventStateChanged || ev.Session.ID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	switch ev.Session.State {
	case call.StateRinging:
		direction := models.CallDirectionInbound
		if ev.Session.Direction == call.DirectionOutgoing {
			direction = models.CallDirectionOutbound
		}
		_, err = s.callStore.CreateCallLog(ctx, &models.CallLog{
			CallID:         ev.Session.ID,
			Operator:       s.registrations.Credentials().Identity,
			Direction:      direction,
			RemoteIdentity: ev.Session.Remote,
			Status:         models.CallStatusRinging,
		})
	case call.StateConnected:
		err = s.callStore.UpdateCallStatus(ctx, ev.Session.ID, models.CallStatusAnswered, "")
	case call.StateEnded:
		err = s.callStore.UpdateCallStatus(ctx, ev.Session.ID, models.CallStatusCompleted, "")
	case call.StateFailed:
		cause := ""
		if ev.Err != nil {
			cause = ev.Err.Error()
		}
		err = s.callStore.UpdateCallStatus(ctx, ev.Session.ID, models.CallStatusFailed, cause)
	default:
		return
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("call_id", ev.Session.ID).Msg("failed to persist call log")
	}
}

// mediaSource adapts the media adapter to the interface the call controller
// and monitor manager consume.
type mediaSource struct {
	adapter *media.Adapter
}

func (m mediaSource) Acquire(owner string) (call.MediaHandle, error) {
	h, err := m.adapter.Acquire(owner)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// monitorAudio is the dedicated monitor audio sink. The console is headless;
// attachment is surfaced through logs and the remote track is drained by the
// media layer.
type monitorAudio struct {
	logger zerolog.Logger
}

func (m monitorAudio) Attach(sessionID string) {
	m.logger.Info().Str("monitor_id", sessionID).Msg("monitor audio attached")
}

func (m monitorAudio) Detach(sessionID string) {
	m.logger.Info().Str("monitor_id", sessionID).Msg("monitor audio detached")
}
