// Package domain holds the canonical itinerary data model shared by the
// sync core: documents, days, activities, change sets, and revisions.
package domain

import (
	"fmt"
	"time"
)

// Status is the generation lifecycle state of an itinerary document.
type Status string

const (
	StatusPlanning   Status = "planning"
	StatusGenerating Status = "generating"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status ends the generation lifecycle.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ActivityType categorizes an activity within a day.
type ActivityType string

const (
	ActivityAttraction    ActivityType = "attraction"
	ActivityMeal          ActivityType = "meal"
	ActivityTransit       ActivityType = "transit"
	ActivityAccommodation ActivityType = "accommodation"
)

// Enrichment describes whether supplementary data (ratings, photos, place
// details) has arrived for an activity.
type Enrichment string

const (
	EnrichmentPending   Enrichment = "pending"
	EnrichmentEnriching Enrichment = "enriching"
	EnrichmentEnriched  Enrichment = "enriched"
	EnrichmentFailed    Enrichment = "failed"
)

// Activity is a single itinerary entry with a stable ID. Order within a day
// is significant and persisted.
type Activity struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Type        ActivityType `json:"type,omitempty"`
	StartTime   string       `json:"start_time,omitempty"`
	DurationMin int          `json:"duration_min,omitempty"`
	CostCents   int64        `json:"cost_cents,omitempty"`
	// Locked excludes the activity from agent and bulk edits.
	Locked     bool       `json:"locked,omitempty"`
	Enrichment Enrichment `json:"enrichment,omitempty"`
	Rating     float64    `json:"rating,omitempty"`
	Photos     []string   `json:"photos,omitempty"`
	PlaceID    string     `json:"place_id,omitempty"`
}

// EffectiveEnrichment returns the explicit enrichment status, or infers one
// when the field is absent: supplementary data present implies enriched, a
// bare name implies pending.
func (a Activity) EffectiveEnrichment() Enrichment {
	if a.Enrichment != "" {
		return a.Enrichment
	}
	if len(a.Photos) > 0 || a.Rating > 0 || a.PlaceID != "" {
		return EnrichmentEnriched
	}
	return EnrichmentPending
}

// Day is an ordered sequence of activities plus position metadata.
type Day struct {
	ID         string     `json:"id"`
	Location   string     `json:"location,omitempty"`
	Date       string     `json:"date,omitempty"`
	Activities []Activity `json:"activities"`
}

// Validate checks the per-day invariant: activity IDs must be unique.
func (d Day) Validate() error {
	seen := make(map[string]struct{}, len(d.Activities))
	for _, a := range d.Activities {
		if a.ID == "" {
			return fmt.Errorf("day %s: activity with empty id", d.ID)
		}
		if _, ok := seen[a.ID]; ok {
			return fmt.Errorf("day %s: duplicate activity id %s", d.ID, a.ID)
		}
		seen[a.ID] = struct{}{}
	}
	return nil
}

// ActivityOrder returns the ordered activity IDs of the day.
func (d Day) ActivityOrder() []string {
	ids := make([]string, len(d.Activities))
	for i, a := range d.Activities {
		ids[i] = a.ID
	}
	return ids
}

// Clone returns a deep copy of the day.
func (d Day) Clone() Day {
	out := d
	out.Activities = make([]Activity, len(d.Activities))
	for i, a := range d.Activities {
		out.Activities[i] = a
		if len(a.Photos) > 0 {
			out.Activities[i].Photos = append([]string(nil), a.Photos...)
		}
	}
	return out
}

// Itinerary is the document under edit. Version is issued by the revision
// store and increases monotonically; every past version is retained as an
// immutable snapshot.
type Itinerary struct {
	ID        string    `json:"id"`
	Version   int64     `json:"version"`
	Status    Status    `json:"status"`
	Days      []Day     `json:"days"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Clone returns a deep copy of the itinerary.
func (it Itinerary) Clone() Itinerary {
	out := it
	out.Days = make([]Day, len(it.Days))
	for i, d := range it.Days {
		out.Days[i] = d.Clone()
	}
	return out
}

// Day looks up a day by ID.
func (it Itinerary) Day(id string) (Day, bool) {
	for _, d := range it.Days {
		if d.ID == id {
			return d, true
		}
	}
	return Day{}, false
}

// HasContent reports whether the itinerary carries at least one activity.
// A completed status without content indicates a persistence race, not a
// finished document.
func (it Itinerary) HasContent() bool {
	for _, d := range it.Days {
		if len(d.Activities) > 0 {
			return true
		}
	}
	return false
}

// ScopeKind selects whether a change set targets the whole trip or one day.
type ScopeKind string

const (
	ScopeTrip ScopeKind = "trip"
	ScopeDay  ScopeKind = "day"
)

// Scope narrows a change set to the trip or a single day.
type Scope struct {
	Kind  ScopeKind `json:"kind"`
	DayID string    `json:"day_id,omitempty"`
}

// OpKind names a change-set operation.
type OpKind string

const (
	OpReorder OpKind = "reorder"
	// Reserved operation kinds; validation rejects them until implemented.
	OpMove   OpKind = "move"
	OpInsert OpKind = "insert"
	OpDelete OpKind = "delete"
)

// Op is one operation within a change set. Reorder carries the full ordered
// activity ID sequence for its scope.
type Op struct {
	Kind       OpKind   `json:"kind"`
	OrderedIDs []string `json:"ordered_ids,omitempty"`
}

// Preferences tune how the backend applies a change set.
type Preferences struct {
	RespectLocks bool `json:"respect_locks"`
	AutoApply    bool `json:"auto_apply"`
}

// ChangeSet is an atomic, named batch of operations applied against one
// document version. Applying it against version N yields N+1 or is rejected.
type ChangeSet struct {
	Name        string      `json:"name"`
	Scope       Scope       `json:"scope"`
	Ops         []Op        `json:"ops"`
	Preferences Preferences `json:"preferences"`
}

// ChangeType classifies the size of a committed version transition.
type ChangeType string

const (
	ChangeMajor ChangeType = "major"
	ChangeMinor ChangeType = "minor"
	ChangePatch ChangeType = "patch"
)

// Revision is an immutable record of one committed version transition. The
// ordered revision sequence is the document's audit trail; it only grows.
type Revision struct {
	Version     int64      `json:"version"`
	Timestamp   time.Time  `json:"timestamp"`
	Author      string     `json:"author"`
	ChangeCount int        `json:"change_count"`
	ChangeType  ChangeType `json:"change_type"`
	Description string     `json:"description"`
	// GapBefore flags a hole in the version sequence before this revision,
	// indicating a lost update. The gap is surfaced, never renumbered.
	GapBefore bool `json:"gap_before,omitempty"`
}
