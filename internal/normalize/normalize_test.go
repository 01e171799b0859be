package normalize

import (
	"testing"

	"github.com/roamplan/roamsync/internal/domain"
)

func TestNormalizeMapping(t *testing.T) {
	tests := []struct {
		eventType string
		want      domain.EventKind
	}{
		{"patch_applied", domain.EventPatchApplied},
		{"patch_rejected", domain.EventPatchRejected},
		{"version_updated", domain.EventVersionUpdated},
		{"progress_update", domain.EventAgentProgress},
		{"day_completed", domain.EventAgentProgress},
		{"node_enhanced", domain.EventAgentProgress},
		{"generation_complete", domain.EventAgentCompleted},
		{"agent_started", domain.EventAgentStarted},
		{"agent_completed", domain.EventAgentCompleted},
		{"agent_failed", domain.EventAgentFailed},
		{"node_locked", domain.EventNodeLocked},
		{"node_unlocked", domain.EventNodeUnlocked},
	}

	n := New()
	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			ev, err := n.Normalize(ChannelAgent, "it_42", tt.eventType, `{"version":3}`)
			if err != nil {
				t.Fatalf("Normalize() error: %v", err)
			}
			if ev == nil {
				t.Fatal("Normalize() returned nil event")
			}
			if ev.Kind != tt.want {
				t.Errorf("Kind = %q, want %q", ev.Kind, tt.want)
			}
			if ev.ItineraryID != "it_42" {
				t.Errorf("ItineraryID = %q, want it_42", ev.ItineraryID)
			}
		})
	}
}

func TestNormalizeEmptyPayloadIsNullEvent(t *testing.T) {
	n := New()
	ev, err := n.Normalize(ChannelPatches, "it_42", "progress_update", "")
	if err != nil {
		t.Fatalf("Normalize() empty payload returned error: %v", err)
	}
	if ev != nil {
		t.Fatalf("Normalize() empty payload returned event: %+v", ev)
	}
}

func TestNormalizeMalformedPayloadIsParseError(t *testing.T) {
	n := New()
	ev, err := n.Normalize(ChannelAgent, "it_42", "patch_applied", "invalid json{")
	if err == nil {
		t.Fatal("Normalize() expected parse error, got nil")
	}
	if !domain.IsKind(err, domain.ErrorKindParse) {
		t.Fatalf("error = %v, want parse kind", err)
	}
	if ev != nil {
		t.Errorf("Normalize() returned event alongside error: %+v", ev)
	}
}

func TestNormalizeUnknownKindSkipped(t *testing.T) {
	n := New()
	ev, err := n.Normalize(ChannelAgent, "it_42", "totally_new_kind", `{"x":1}`)
	if err != nil {
		t.Fatalf("Normalize() unknown kind returned error: %v", err)
	}
	if ev != nil {
		t.Errorf("Normalize() unknown kind returned event: %+v", ev)
	}
}

func TestNormalizePayloadItineraryIDWins(t *testing.T) {
	n := New()
	ev, err := n.Normalize(ChannelPatches, "it_fallback", "version_updated", `{"itinerary_id":"it_real","version":4}`)
	if err != nil {
		t.Fatalf("Normalize() error: %v", err)
	}
	if ev.ItineraryID != "it_real" {
		t.Errorf("ItineraryID = %q, want payload value it_real", ev.ItineraryID)
	}
}

func TestNormalizeChannelAgnostic(t *testing.T) {
	n := New()
	for _, ch := range []Channel{ChannelAgent, ChannelPatches} {
		ev, err := n.Normalize(ch, "it_42", "node_locked", `{"node_id":"a1"}`)
		if err != nil || ev == nil || ev.Kind != domain.EventNodeLocked {
			t.Errorf("channel %s: ev=%+v err=%v", ch, ev, err)
		}
	}
}
