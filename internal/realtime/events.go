// Package realtime consumes the server push feed and reconciles each named
// channel into its local collection under that channel's merge rule.
package realtime

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shiv6146/blayzen-console/internal/models"
)

// Push channel names carried by the event feed.
const (
	ChannelOngoingCalls    = "ongoingCalls"
	ChannelQueueUpdate     = "queueUpdate"
	ChannelQueueMembers    = "queueMembers"
	ChannelAgentWrapStatus = "agentWrapStatus"
	ChannelQueueStatus     = "queueStatus"
	ChannelQueueNameMap    = "queueNameMap"
)

// Store holds the reconciled view state. Each channel owns exactly one
// collection; processing one channel's payload never touches another's.
type Store struct {
	logger zerolog.Logger

	mu         sync.RWMutex
	calls      []models.ActiveCallRecord
	metrics    map[string]models.QueueMetrics
	members    []models.QueueMemberStatus
	wrap       map[string]models.WrapUpStatus
	waiting    []models.QueueCaller
	queueNames map[string]string
	observers  []func(channel string)
}

// NewStore creates an empty reconciliation store.
func NewStore(logger zerolog.Logger) *Store {
	return &Store{
		logger:     logger.With().Str("component", "realtime").Logger(),
		metrics:    make(map[string]models.QueueMetrics),
		wrap:       make(map[string]models.WrapUpStatus),
		queueNames: make(map[string]string),
	}
}

// Subscribe registers an observer notified with the channel name after each
// applied event.
func (s *Store) Subscribe(fn func(channel string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// OnEvent applies one push event. Events for a given channel must be passed
// in delivery order; unknown channel names are ignored.
func (s *Store) OnEvent(channel string, payload json.RawMessage) error {
	var err error
	switch channel {
	case ChannelOngoingCalls:
		err = s.applyOngoingCalls(payload)
	case ChannelQueueUpdate:
		err = s.applyQueueUpdate(payload)
	case ChannelQueueMembers:
		err = s.applyQueueMembers(payload)
	case ChannelAgentWrapStatus:
		err = s.applyWrapStatus(payload)
	case ChannelQueueStatus:
		err = s.applyQueueStatus(payload)
	case ChannelQueueNameMap:
		err = s.applyQueueNameMap(payload)
	default:
		s.logger.Debug().Str("channel", channel).Msg("ignoring unknown push channel")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to apply %s event: %w", channel, err)
	}
	s.notify(channel)
	return nil
}

// applyOngoingCalls replaces the whole active-call collection. An empty
// array clears it.
func (s *Store) applyOngoingCalls(payload json.RawMessage) error {
	var calls []models.ActiveCallRecord
	if err := json.Unmarshal(payload, &calls); err != nil {
		return err
	}
	s.mu.Lock()
	s.calls = calls
	s.mu.Unlock()
	return nil
}

// applyQueueUpdate replaces the whole metrics collection.
func (s *Store) applyQueueUpdate(payload json.RawMessage) error {
	var metrics map[string]models.QueueMetrics
	if err := json.Unmarshal(payload, &metrics); err != nil {
		return err
	}
	if metrics == nil {
		metrics = make(map[string]models.QueueMetrics)
	}
	s.mu.Lock()
	s.metrics = metrics
	s.mu.Unlock()
	return nil
}

// applyQueueMembers accepts either a flat array or a map of queue name to
// member array, flattens it and replaces the whole collection.
func (s *Store) applyQueueMembers(payload json.RawMessage) error {
	var flat []models.QueueMemberStatus
	if err := json.Unmarshal(payload, &flat); err == nil {
		s.mu.Lock()
		s.members = flat
		s.mu.Unlock()
		return nil
	}

	var grouped map[string][]models.QueueMemberStatus
	if err := json.Unmarshal(payload, &grouped); err != nil {
		return err
	}
	flat = flat[:0]
	for queue, members := range grouped {
		for _, m := range members {
			if m.Queue == "" {
				m.Queue = queue
			}
			flat = append(flat, m)
		}
	}
	s.mu.Lock()
	s.members = flat
	s.mu.Unlock()
	return nil
}

// applyWrapStatus upserts one agent's wrap state by key. Unrelated agents
// keep their last-known state.
func (s *Store) applyWrapStatus(payload json.RawMessage) error {
	var w models.WrapUpStatus
	if err := json.Unmarshal(payload, &w); err != nil {
		return err
	}
	if w.Agent == "" {
		return fmt.Errorf("wrap status without agent key")
	}
	s.mu.Lock()
	s.wrap[w.Agent] = w
	s.mu.Unlock()
	return nil
}

// applyQueueStatus replaces the whole waiting-caller roster.
func (s *Store) applyQueueStatus(payload json.RawMessage) error {
	var waiting []models.QueueCaller
	if err := json.Unmarshal(payload, &waiting); err != nil {
		return err
	}
	s.mu.Lock()
	s.waiting = waiting
	s.mu.Unlock()
	return nil
}

// applyQueueNameMap replaces the queue id to display-name lookup.
func (s *Store) applyQueueNameMap(payload json.RawMessage) error {
	var names map[string]string
	if err := json.Unmarshal(payload, &names); err != nil {
		return err
	}
	if names == nil {
		names = make(map[string]string)
	}
	s.mu.Lock()
	s.queueNames = names
	s.mu.Unlock()
	return nil
}

// ActiveCalls returns the current active-call roster.
func (s *Store) ActiveCalls() []models.ActiveCallRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ActiveCallRecord, len(s.calls))
	copy(out, s.calls)
	return out
}

// QueueMetrics returns the per-queue metric snapshot.
func (s *Store) QueueMetrics() map[string]models.QueueMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]models.QueueMetrics, len(s.metrics))
	for k, v := range s.metrics {
		out[k] = v
	}
	return out
}

// QueueMembers returns the flattened member roster.
func (s *Store) QueueMembers() []models.QueueMemberStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.QueueMemberStatus, len(s.members))
	copy(out, s.members)
	return out
}

// WrapUp returns the per-agent wrap-up map.
func (s *Store) WrapUp() map[string]models.WrapUpStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]models.WrapUpStatus, len(s.wrap))
	for k, v := range s.wrap {
		out[k] = v
	}
	return out
}

// Waiting returns the waiting-caller roster.
func (s *Store) Waiting() []models.QueueCaller {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.QueueCaller, len(s.waiting))
	copy(out, s.waiting)
	return out
}

// QueueNames returns the queue id to display-name lookup.
func (s *Store) QueueNames() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.queueNames))
	for k, v := range s.queueNames {
		out[k] = v
	}
	return out
}

// FindActiveCall returns the active call with the given id.
func (s *Store) FindActiveCall(id string) (models.ActiveCallRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.calls {
		if c.ID == id {
			return c, true
		}
	}
	return models.ActiveCallRecord{}, false
}

func (s *Store) notify(channel string) {
	s.mu.RLock()
	observers := make([]func(string), len(s.observers))
	copy(observers, s.observers)
	s.mu.RUnlock()
	for _, fn := range observers {
		fn(channel)
	}
}
