package domain

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestEffectiveEnrichment(t *testing.T) {
	tests := []struct {
		name     string
		activity Activity
		want     Enrichment
	}{
		{
			name:     "explicit status wins",
			activity: Activity{ID: "a1", Name: "Louvre", Enrichment: EnrichmentEnriching, Rating: 4.7},
			want:     EnrichmentEnriching,
		},
		{
			name:     "photos imply enriched",
			activity: Activity{ID: "a1", Name: "Louvre", Photos: []string{"https://example.com/p.jpg"}},
			want:     EnrichmentEnriched,
		},
		{
			name:     "rating implies enriched",
			activity: Activity{ID: "a1", Name: "Louvre", Rating: 4.7},
			want:     EnrichmentEnriched,
		},
		{
			name:     "place id implies enriched",
			activity: Activity{ID: "a1", Name: "Louvre", PlaceID: "plc_abc"},
			want:     EnrichmentEnriched,
		},
		{
			name:     "bare name implies pending",
			activity: Activity{ID: "a1", Name: "Louvre"},
			want:     EnrichmentPending,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.activity.EffectiveEnrichment(); got != tt.want {
				t.Errorf("EffectiveEnrichment() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDayValidate(t *testing.T) {
	day := Day{
		ID: "d1",
		Activities: []Activity{
			{ID: "a1", Name: "Museum"},
			{ID: "a2", Name: "Lunch"},
		},
	}
	if err := day.Validate(); err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}

	day.Activities = append(day.Activities, Activity{ID: "a1", Name: "Duplicate"})
	if err := day.Validate(); err == nil {
		t.Fatal("Validate() expected duplicate id error, got nil")
	}

	day = Day{ID: "d2", Activities: []Activity{{Name: "no id"}}}
	if err := day.Validate(); err == nil {
		t.Fatal("Validate() expected empty id error, got nil")
	}
}

func TestItineraryClone(t *testing.T) {
	it := Itinerary{
		ID:      "it_1",
		Version: 3,
		Status:  StatusGenerating,
		Days: []Day{
			{ID: "d1", Activities: []Activity{{ID: "a1", Name: "Museum", Photos: []string{"p1"}}}},
		},
	}

	clone := it.Clone()
	clone.Days[0].Activities[0].Name = "Changed"
	clone.Days[0].Activities[0].Photos[0] = "p2"

	if it.Days[0].Activities[0].Name != "Museum" {
		t.Error("Clone() shares activity slice with original")
	}
	if it.Days[0].Activities[0].Photos[0] != "p1" {
		t.Error("Clone() shares photos slice with original")
	}
}

func TestItineraryHasContent(t *testing.T) {
	it := Itinerary{ID: "it_1", Days: []Day{{ID: "d1"}, {ID: "d2"}}}
	if it.HasContent() {
		t.Error("HasContent() = true for itinerary with empty days")
	}
	it.Days[1].Activities = []Activity{{ID: "a1", Name: "Museum"}}
	if !it.HasContent() {
		t.Error("HasContent() = false for itinerary with an activity")
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []Status{StatusPlanning, StatusGenerating} {
		if s.Terminal() {
			t.Errorf("Terminal() = true for %q", s)
		}
	}
	for _, s := range []Status{StatusCompleted, StatusFailed} {
		if !s.Terminal() {
			t.Errorf("Terminal() = false for %q", s)
		}
	}
}

func TestSyncErrorStatusMapping(t *testing.T) {
	tests := []struct {
		kind ErrorKind
		want int
	}{
		{ErrorKindApplyConflict, http.StatusConflict},
		{ErrorKindNotFound, http.StatusNotFound},
		{ErrorKindParse, http.StatusBadRequest},
		{ErrorKindTransport, http.StatusBadGateway},
		{ErrorKindRetriesExhausted, http.StatusBadGateway},
	}
	for _, tt := range tests {
		if got := NewSyncError(tt.kind, "x").HTTPStatusCode(); got != tt.want {
			t.Errorf("HTTPStatusCode(%s) = %d, want %d", tt.kind, got, tt.want)
		}
	}

	custom := ErrNotFound("x").WithStatusCode(http.StatusGone)
	if custom.HTTPStatusCode() != http.StatusGone {
		t.Error("WithStatusCode override not honored")
	}
}

func TestSyncErrorWrapping(t *testing.T) {
	cause := errors.New("connection reset")
	err := ErrTransport("agent channel dropped").WithCause(cause).WithItinerary("it_42")

	if !errors.Is(err, cause) {
		t.Error("errors.Is did not find wrapped cause")
	}
	if !IsKind(err, ErrorKindTransport) {
		t.Error("IsKind(transport) = false")
	}
	if IsKind(err, ErrorKindParse) {
		t.Error("IsKind(parse) = true for transport error")
	}

	wrapped := fmt.Errorf("connect: %w", err)
	if !IsKind(wrapped, ErrorKindTransport) {
		t.Error("IsKind did not unwrap fmt-wrapped error")
	}
}
