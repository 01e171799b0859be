package domain

import (
	"encoding/json"
	"time"
)

// EventKind is the closed set of change-event tags the sync core emits.
// Every raw server event kind maps to exactly one of these.
type EventKind string

const (
	EventPatchApplied   EventKind = "patch_applied"
	EventPatchRejected  EventKind = "patch_rejected"
	EventVersionUpdated EventKind = "version_updated"
	EventNodeLocked     EventKind = "node_locked"
	EventNodeUnlocked   EventKind = "node_unlocked"
	EventAgentStarted   EventKind = "agent_started"
	EventAgentProgress  EventKind = "agent_progress"
	EventAgentCompleted EventKind = "agent_completed"
	EventAgentFailed    EventKind = "agent_failed"
)

// ChangeEvent is one normalized change notification. Events are transient:
// they drive UI feedback and version bookkeeping and are never persisted.
// The same event may arrive on both the agent and patches channels;
// consumers must apply it idempotently.
type ChangeEvent struct {
	Kind        EventKind       `json:"kind"`
	ItineraryID string          `json:"itinerary_id"`
	Timestamp   time.Time       `json:"timestamp"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// EventPayload is the common shape of raw server event payloads. Fields the
// sender omits stay zero; the normalizer and session read only what each
// event kind carries.
type EventPayload struct {
	ItineraryID string `json:"itinerary_id,omitempty"`
	Version     int64  `json:"version,omitempty"`
	NodeID      string `json:"node_id,omitempty"`
	Progress    int    `json:"progress,omitempty"`
	Stage       string `json:"stage,omitempty"`
	Message     string `json:"message,omitempty"`
	Error       string `json:"error,omitempty"`
}
