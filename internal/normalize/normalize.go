// Package normalize converts raw server-push frames into the closed set of
// typed change events. It is channel-agnostic: the agent and patches
// channels both legally deliver any event kind, and duplicates across
// channels are passed through for idempotent downstream application.
package normalize

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/roamplan/roamsync/internal/domain"
)

// Channel identifies which server-push channel delivered a frame. Used for
// diagnostics only; normalization does not depend on it.
type Channel string

const (
	ChannelAgent   Channel = "agent"
	ChannelPatches Channel = "patches"
)

// kindTable is the single exhaustive mapping from raw server event kinds to
// change-event tags. progress_update, day_completed, and node_enhanced are
// different signals of the same "generation is progressing" fact and must
// not be distinguished downstream.
var kindTable = map[string]domain.EventKind{
	"patch_applied":       domain.EventPatchApplied,
	"patch_rejected":      domain.EventPatchRejected,
	"version_updated":     domain.EventVersionUpdated,
	"progress_update":     domain.EventAgentProgress,
	"day_completed":       domain.EventAgentProgress,
	"node_enhanced":       domain.EventAgentProgress,
	"generation_complete": domain.EventAgentCompleted,
	"agent_started":       domain.EventAgentStarted,
	"agent_completed":     domain.EventAgentCompleted,
	"agent_failed":        domain.EventAgentFailed,
	"node_locked":         domain.EventNodeLocked,
	"node_unlocked":       domain.EventNodeUnlocked,
}

// Option configures the normalizer.
type Option func(*Normalizer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Normalizer) {
		n.logger = logger
	}
}

// Normalizer turns raw frames into ChangeEvents.
type Normalizer struct {
	logger *slog.Logger
	now    func() time.Time
}

// New creates a normalizer.
func New(opts ...Option) *Normalizer {
	n := &Normalizer{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize converts one raw frame into a change event.
//
// An empty payload returns (nil, nil): heartbeat frames are tolerated, not
// errors. An unknown event kind also returns (nil, nil) so a newer backend
// cannot break an older client. A non-empty payload that is not valid JSON
// returns a parse error for the caller's error channel; it must never tear
// down the stream.
func (n *Normalizer) Normalize(channel Channel, itineraryID, eventType, data string) (*domain.ChangeEvent, error) {
	if data == "" {
		return nil, nil
	}

	kind, ok := kindTable[eventType]
	if !ok {
		n.logger.Debug("skipping unknown event kind",
			slog.String("channel", string(channel)),
			slog.String("event_type", eventType),
		)
		return nil, nil
	}

	var payload domain.EventPayload
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return nil, domain.ErrParse("malformed event payload").
			WithItinerary(itineraryID).
			WithCause(err)
	}

	if payload.ItineraryID != "" {
		itineraryID = payload.ItineraryID
	}

	return &domain.ChangeEvent{
		Kind:        kind,
		ItineraryID: itineraryID,
		Timestamp:   n.now(),
		Payload:     json.RawMessage(data),
	}, nil
}
