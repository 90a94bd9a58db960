// Package presence derives the agent availability classification from
// registration and call state and reports every transition to the external
// presence collaborator.
package presence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shiv6146/blayzen-console/internal/call"
	"github.com/shiv6146/blayzen-console/internal/models"
	"github.com/shiv6146/blayzen-console/internal/sipclient"
)

// Reporter pushes one presence transition to the external collaborator.
// Fire-and-forget: failures are logged by the coordinator, never retried.
type Reporter interface {
	Report(ctx context.Context, status models.PresenceStatus) error
}

// RegistrationControl is the slice of the registration manager the
// coordinator drives when the operator pauses or resumes.
type RegistrationControl interface {
	Connect(ctx context.Context, creds sipclient.Credentials) error
	Disconnect(ctx context.Context) error
	Credentials() sipclient.Credentials
}

// Coordinator is a pure derivation over registration and call state. Its
// only independent state is the operator's manual pause selection and the
// last value it reported.
type Coordinator struct {
	reporter      Reporter
	registrations RegistrationControl
	logger        zerolog.Logger

	mu         sync.Mutex
	manual     models.PresenceStatus // paused or do-not-disturb, empty otherwise
	registered bool
	onCall     bool
	last       models.PresenceStatus
	observers  []func(models.PresenceStatus)
}

// NewCoordinator creates the presence coordinator.
func NewCoordinator(reporter Reporter, registrations RegistrationControl, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		reporter:      reporter,
		registrations: registrations,
		logger:        logger.With().Str("component", "presence").Logger(),
	}
}

// Subscribe registers an observer for derived presence transitions.
func (c *Coordinator) Subscribe(fn func(models.PresenceStatus)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// Current returns the last derived presence.
func (c *Coordinator) Current() models.PresenceStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == "" {
		return models.PresencePaused
	}
	return c.last
}

// ObserveRegistration feeds a registration transition into the derivation.
// Wired to the registration manager's Subscribe.
func (c *Coordinator) ObserveRegistration(r sipclient.Registration) {
	c.mu.Lock()
	c.registered = r.Status == sipclient.StatusRegistered
	c.mu.Unlock()
	c.recompute()
}

// ObserveCall feeds a call lifecycle event into the derivation. Wired to the
// call controller's event sink.
func (c *Coordinator) ObserveCall(ev call.Event) {
	if ev.Kind != call.EventStateChanged {
		return
	}
	c.mu.Lock()
	c.onCall = ev.Session.State == call.StateConnected
	c.mu.Unlock()
	c.recompute()
}

// SetPaused puts the operator into the given manual state (paused or
// do-not-disturb) and tears down the registration so no incoming signaling
// is even offered. Any other status resumes via SetAvailable.
func (c *Coordinator) SetPaused(ctx context.Context, status models.PresenceStatus) error {
	if status != models.PresencePaused && status != models.PresenceDoNotDisturb {
		return fmt.Errorf("presence: %q is not a manual pause state", status)
	}

	c.mu.Lock()
	c.manual = status
	c.mu.Unlock()

	if err := c.registrations.Disconnect(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("failed to tear down registration on pause")
	}
	c.recompute()
	return nil
}

// SetAvailable clears the manual pause and restores the registration with
// the last known credentials.
func (c *Coordinator) SetAvailable(ctx context.Context) error {
	c.mu.Lock()
	c.manual = ""
	c.mu.Unlock()

	creds := c.registrations.Credentials()
	if err := c.registrations.Connect(ctx, creds); err != nil {
		c.recompute()
		return err
	}
	c.recompute()
	return nil
}

// recompute derives presence from the current inputs and reports it if it
// changed.
func (c *Coordinator) recompute() {
	c.mu.Lock()
	derived := c.deriveLocked()
	if derived == c.last {
		c.mu.Unlock()
		return
	}
	c.last = derived
	observers := make([]func(models.PresenceStatus), len(c.observers))
	copy(observers, c.observers)
	c.mu.Unlock()

	c.logger.Info().Str("presence", string(derived)).Msg("presence transition")
	for _, fn := range observers {
		fn(derived)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.reporter.Report(ctx, derived); err != nil {
		c.logger.Warn().Err(err).Str("presence", string(derived)).Msg("presence report failed")
	}
}

func (c *Coordinator) deriveLocked() models.PresenceStatus {
	if c.manual != "" {
		return c.manual
	}
	if c.onCall {
		return models.PresenceOnCall
	}
	if c.registered {
		return models.PresenceAvailable
	}
	// Unregistered without a manual pause reads as paused to the routing
	// system: the agent cannot take calls either way.
	return models.PresencePaused
}

// HTTPReporter posts presence transitions to the status collaborator.
type HTTPReporter struct {
	url    string
	client *http.Client
	logger zerolog.Logger
}

// NewHTTPReporter creates a reporter against the given status endpoint.
func NewHTTPReporter(url string, timeout time.Duration, logger zerolog.Logger) *HTTPReporter {
	return &HTTPReporter{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "presence-reporter").Logger(),
	}
}

// Report posts {"status": ...} to the collaborator.
func (r *HTTPReporter) Report(ctx context.Context, status models.PresenceStatus) error {
	body, err := json.Marshal(map[string]string{"status": string(status)})
	if err != nil {
		return fmt.Errorf("failed to encode status: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build status request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("status request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status endpoint returned %d", resp.StatusCode)
	}
	return nil
}
