// Package media wraps the local real-time media primitive: peer connection,
// microphone track and ICE connectivity state. A Handle is exclusively owned
// by the session that acquired it; acquiring while another session holds the
// adapter is an error, never a silent steal.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

var (
	// ErrBusy is returned when a session tries to acquire the microphone
	// while another non-terminal session owns it.
	ErrBusy = errors.New("media: capture already owned by another session")
	// ErrReleased is returned when operating on a released handle.
	ErrReleased = errors.New("media: handle released")
)

// Adapter hands out exclusively-owned media handles. One adapter per
// operator session.
type Adapter struct {
	logger zerolog.Logger

	mu    sync.Mutex
	owner string
}

// NewAdapter creates a media adapter.
func NewAdapter(logger zerolog.Logger) *Adapter {
	return &Adapter{
		logger: logger.With().Str("component", "media").Logger(),
	}
}

// Owner returns the id of the session currently holding the adapter,
// or empty.
func (a *Adapter) Owner() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.owner
}

// Acquire creates a peer connection owned by the given session. Fails with
// ErrBusy while another session holds it.
func (a *Adapter) Acquire(owner string) (*Handle, error) {
	a.mu.Lock()
	if a.owner != "" {
		held := a.owner
		a.mu.Unlock()
		return nil, fmt.Errorf("%w (held by %s)", ErrBusy, held)
	}
	a.owner = owner
	a.mu.Unlock()

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		a.release(owner)
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	h := &Handle{
		adapter: a,
		owner:   owner,
		pc:      pc,
		logger:  a.logger.With().Str("session", owner).Logger(),
	}

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		h.logger.Debug().Str("ice_state", state.String()).Msg("ICE state change")
		h.mu.Lock()
		fn := h.onICEState
		h.mu.Unlock()
		if fn != nil {
			fn(state)
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		h.mu.Lock()
		fn := h.onRemoteTrack
		h.mu.Unlock()
		if fn != nil {
			fn(track)
		}
	})

	return h, nil
}

func (a *Adapter) release(owner string) {
	a.mu.Lock()
	if a.owner == owner {
		a.owner = ""
	}
	a.mu.Unlock()
}

// Handle is one session's exclusively-owned media endpoint.
type Handle struct {
	adapter *Adapter
	owner   string
	pc      *webrtc.PeerConnection
	logger  zerolog.Logger

	releaseOnce sync.Once

	mu            sync.Mutex
	micTrack      *webrtc.TrackLocalStaticSample
	micSender     *webrtc.RTPSender
	muted         bool
	released      bool
	onICEState    func(webrtc.ICEConnectionState)
	onRemoteTrack func(*webrtc.TrackRemote)
}

// OnICEState registers the ICE connectivity observer.
func (h *Handle) OnICEState(fn func(webrtc.ICEConnectionState)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onICEState = fn
}

// OnRemoteTrack registers the remote audio sink.
func (h *Handle) OnRemoteTrack(fn func(*webrtc.TrackRemote)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onRemoteTrack = fn
}

// addMicrophone attaches the local capture track for two-way audio.
func (h *Handle) addMicrophone() error {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "blayzen-console",
	)
	if err != nil {
		return fmt.Errorf("failed to create local track: %w", err)
	}
	sender, err := h.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("failed to add local track: %w", err)
	}
	h.mu.Lock()
	h.micTrack = track
	h.micSender = sender
	h.mu.Unlock()
	return nil
}

// Offer creates the local SDP offer. With recvOnly set, no capture track is
// attached and only a recvonly transceiver is negotiated (supervisor listen).
func (h *Handle) Offer(ctx context.Context, recvOnly bool) (string, error) {
	if h.isReleased() {
		return "", ErrReleased
	}

	if recvOnly {
		if _, err := h.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return "", fmt.Errorf("failed to add recvonly transceiver: %w", err)
		}
	} else if err := h.addMicrophone(); err != nil {
		return "", err
	}

	offer, err := h.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}
	if err := h.setLocalAndGather(ctx, offer); err != nil {
		return "", err
	}
	return h.pc.LocalDescription().SDP, nil
}

// Answer negotiates against the far end's offer and returns the local answer.
func (h *Handle) Answer(ctx context.Context, offerSDP string) (string, error) {
	if h.isReleased() {
		return "", ErrReleased
	}

	if err := h.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offerSDP,
	}); err != nil {
		return "", fmt.Errorf("failed to set remote offer: %w", err)
	}
	if err := h.addMicrophone(); err != nil {
		return "", err
	}

	answer, err := h.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}
	if err := h.setLocalAndGather(ctx, answer); err != nil {
		return "", err
	}
	return h.pc.LocalDescription().SDP, nil
}

// SetRemote applies the far end's answer to a previously created offer.
func (h *Handle) SetRemote(answerSDP string) error {
	if h.isReleased() {
		return ErrReleased
	}
	if err := h.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answerSDP,
	}); err != nil {
		return fmt.Errorf("failed to set remote answer: %w", err)
	}
	return nil
}

// setLocalAndGather applies the local description and waits for ICE
// candidate gathering so the SDP carries complete connectivity information.
func (h *Handle) setLocalAndGather(ctx context.Context, desc webrtc.SessionDescription) error {
	gathered := webrtc.GatheringCompletePromise(h.pc)
	if err := h.pc.SetLocalDescription(desc); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}
	select {
	case <-gathered:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetMuted detaches or reattaches the capture track. Idempotent.
func (h *Handle) SetMuted(muted bool) error {
	if h.isReleased() {
		return ErrReleased
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.muted == muted {
		return nil
	}
	if h.micSender == nil {
		return fmt.Errorf("no capture track attached")
	}
	if muted {
		if err := h.micSender.ReplaceTrack(nil); err != nil {
			return fmt.Errorf("failed to detach capture track: %w", err)
		}
	} else {
		if err := h.micSender.ReplaceTrack(h.micTrack); err != nil {
			return fmt.Errorf("failed to reattach capture track: %w", err)
		}
	}
	h.muted = muted
	return nil
}

// Muted reports the current mute flag.
func (h *Handle) Muted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.muted
}

func (h *Handle) isReleased() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

// Release closes the peer connection and returns ownership to the adapter.
// Safe to call multiple times; the close happens exactly once and
// synchronously with the first call.
func (h *Handle) Release() {
	h.releaseOnce.Do(func() {
		h.mu.Lock()
		h.released = true
		h.mu.Unlock()

		if err := h.pc.Close(); err != nil {
			h.logger.Warn().Err(err).Msg("failed to close peer connection")
		}
		h.adapter.release(h.owner)
		h.logger.Debug().Msg("media released")
	})
}
