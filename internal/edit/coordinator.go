// Package edit coordinates optimistic local mutations against the
// authoritative document: per-day overlays that shadow (never replace) the
// authoritative activities until the backend confirms them.
package edit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roamplan/roamsync/internal/api"
	"github.com/roamplan/roamsync/internal/domain"
)

// State is the explicit per-scope edit state. The enum makes illegal
// combinations (saving while accepting new edits) unrepresentable.
type State string

const (
	// StateClean: local view equals the last-known-authoritative view.
	StateClean State = "clean"
	// StateDirty: a local mutation is applied to the overlay, unconfirmed.
	StateDirty State = "dirty"
	// StateSaving: a save is in flight; new mutations are ignored.
	StateSaving State = "saving"
	// StateConflict: an authoritative update arrived while Dirty or Saving.
	// Behaves like Dirty; the stale overlay loses on save failure or
	// discard (last authoritative wins, no three-way merge).
	StateConflict State = "conflict"
)

// Backend is the slice of the planner client the coordinator needs.
type Backend interface {
	Apply(ctx context.Context, itineraryID string, cs domain.ChangeSet) (*api.ApplyResult, error)
	Itinerary(ctx context.Context, itineraryID string) (*domain.Itinerary, error)
}

// Option configures the coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// scope is the edit state for one day's activity order.
type scope struct {
	state         State
	authoritative []domain.Activity
	overlay       []domain.Activity
	// gen invalidates in-flight save results after discard or teardown.
	gen int
}

// Coordinator tracks per-day edit scopes for one itinerary.
type Coordinator struct {
	backend     Backend
	logger      *slog.Logger
	itineraryID string

	mu     sync.Mutex
	scopes map[string]*scope
}

// NewCoordinator creates a coordinator for one itinerary.
func NewCoordinator(itineraryID string, backend Backend, opts ...Option) *Coordinator {
	c := &Coordinator{
		backend:     backend,
		logger:      slog.Default(),
		itineraryID: itineraryID,
		scopes:      make(map[string]*scope),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) scopeFor(dayID string) *scope {
	sc, ok := c.scopes[dayID]
	if !ok {
		sc = &scope{state: StateClean}
		c.scopes[dayID] = sc
	}
	return sc
}

// SyncAuthoritative feeds an externally-confirmed day into the coordinator.
// A Clean scope resyncs its overlay; a Dirty or Saving scope keeps its
// overlay untouched (no clobbering of an in-progress edit) and moves to
// Conflict, implicitly queued until the user saves or discards.
func (c *Coordinator) SyncAuthoritative(day domain.Day) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sc := c.scopeFor(day.ID)
	sc.authoritative = cloneActivities(day.Activities)

	switch sc.state {
	case StateClean:
		sc.overlay = cloneActivities(day.Activities)
	case StateDirty, StateSaving, StateConflict:
		if sc.state != StateSaving {
			sc.state = StateConflict
		}
		c.logger.Debug("authoritative update while scope has unsaved edits",
			slog.String("itinerary_id", c.itineraryID),
			slog.String("day_id", day.ID),
			slog.String("state", string(sc.state)),
		)
	}
}

// HandleDragEnd applies a reorder to the overlay immediately so the UI
// reflects it with zero latency. The full ordered ID sequence must be a
// permutation of the current overlay. Returns false when the reorder is
// ignored because a save is in flight; no second operation is queued.
func (c *Coordinator) HandleDragEnd(dayID string, orderedIDs []string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sc := c.scopeFor(dayID)
	if sc.state == StateSaving {
		return false, nil
	}

	reordered, err := reorder(sc.overlay, orderedIDs)
	if err != nil {
		return false, err
	}

	if sc.state == StateClean {
		sc.state = StateDirty
	}
	sc.overlay = reordered
	return true, nil
}

// SaveReorder submits the overlay's order as a reorder change set. On
// success the authoritative state is refetched before the Dirty flag clears,
// so a stale "clean" view is never shown. On failure the overlay reverts to
// the last-known authoritative view and the error is returned for the
// caller's retryable notification. At most one save per scope is in flight.
func (c *Coordinator) SaveReorder(ctx context.Context, dayID string) (*domain.Itinerary, error) {
	c.mu.Lock()
	sc := c.scopeFor(dayID)
	switch sc.state {
	case StateClean:
		c.mu.Unlock()
		return nil, nil
	case StateSaving:
		c.mu.Unlock()
		return nil, fmt.Errorf("save already in flight for day %s", dayID)
	}
	sc.state = StateSaving
	gen := sc.gen
	cs := domain.ChangeSet{
		Name:  "reorder activities",
		Scope: domain.Scope{Kind: domain.ScopeDay, DayID: dayID},
		Ops: []domain.Op{{
			Kind:       domain.OpReorder,
			OrderedIDs: activityIDs(sc.overlay),
		}},
		Preferences: domain.Preferences{RespectLocks: true, AutoApply: true},
	}
	c.mu.Unlock()

	_, applyErr := c.backend.Apply(ctx, c.itineraryID, cs)

	var refetched *domain.Itinerary
	var refetchErr error
	if applyErr == nil {
		refetched, refetchErr = c.backend.Itinerary(ctx, c.itineraryID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if sc.gen != gen {
		// Scope was discarded or torn down while saving; drop the result.
		return nil, nil
	}

	if applyErr != nil {
		// A failed save never leaves the edit silently pending: revert to
		// the last-known authoritative view, which includes any update that
		// arrived while the save was in flight, and report.
		sc.overlay = cloneActivities(sc.authoritative)
		sc.state = StateClean
		c.logger.Warn("save failed, optimistic edit reverted",
			slog.String("itinerary_id", c.itineraryID),
			slog.String("day_id", dayID),
			slog.String("error", applyErr.Error()),
		)
		return nil, applyErr
	}

	if refetchErr == nil && refetched != nil {
		if day, ok := refetched.Day(dayID); ok {
			sc.authoritative = cloneActivities(day.Activities)
		}
	} else if refetchErr != nil {
		// The save itself succeeded; the overlay is the best-known state.
		c.logger.Warn("post-save refetch failed, keeping saved overlay as authoritative",
			slog.String("itinerary_id", c.itineraryID),
			slog.String("day_id", dayID),
			slog.String("error", refetchErr.Error()),
		)
		sc.authoritative = cloneActivities(sc.overlay)
	}
	sc.overlay = cloneActivities(sc.authoritative)
	sc.state = StateClean
	return refetched, nil
}

// Discard drops unsaved edits, replacing the overlay with the last-known
// authoritative activities unconditionally.
func (c *Coordinator) Discard(dayID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sc := c.scopeFor(dayID)
	sc.gen++
	sc.overlay = cloneActivities(sc.authoritative)
	sc.state = StateClean
}

// State returns the scope's current edit state.
func (c *Coordinator) State(dayID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sc, ok := c.scopes[dayID]; ok {
		return sc.state
	}
	return StateClean
}

// HasUnsavedChanges reports whether the scope carries an unconfirmed edit.
func (c *Coordinator) HasUnsavedChanges(dayID string) bool {
	s := c.State(dayID)
	return s == StateDirty || s == StateSaving || s == StateConflict
}

// IsSaving reports whether a save is in flight for the scope.
func (c *Coordinator) IsSaving(dayID string) bool {
	return c.State(dayID) == StateSaving
}

// Overlay returns the scope's current activities: the speculative overlay
// while edits are pending, the authoritative view otherwise.
func (c *Coordinator) Overlay(dayID string) []domain.Activity {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sc, ok := c.scopes[dayID]; ok {
		return cloneActivities(sc.overlay)
	}
	return nil
}

// MergedDay returns the day with any unsaved overlay applied, for serving
// the consistent merged view.
func (c *Coordinator) MergedDay(day domain.Day) domain.Day {
	c.mu.Lock()
	defer c.mu.Unlock()

	sc, ok := c.scopes[day.ID]
	if !ok || sc.state == StateClean {
		return day
	}
	merged := day.Clone()
	merged.Activities = cloneActivities(sc.overlay)
	return merged
}

// reorder rebuilds the activity slice in the given ID order, requiring a
// full permutation of the current set.
func reorder(activities []domain.Activity, orderedIDs []string) ([]domain.Activity, error) {
	if len(orderedIDs) != len(activities) {
		return nil, fmt.Errorf("reorder: got %d ids for %d activities", len(orderedIDs), len(activities))
	}
	byID := make(map[string]domain.Activity, len(activities))
	for _, a := range activities {
		byID[a.ID] = a
	}
	out := make([]domain.Activity, 0, len(orderedIDs))
	for _, id := range orderedIDs {
		a, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("reorder: unknown activity id %s", id)
		}
		delete(byID, id)
		out = append(out, a)
	}
	return out, nil
}

func activityIDs(activities []domain.Activity) []string {
	ids := make([]string, len(activities))
	for i, a := range activities {
		ids[i] = a.ID
	}
	return ids
}

func cloneActivities(activities []domain.Activity) []domain.Activity {
	out := make([]domain.Activity, len(activities))
	for i, a := range activities {
		out[i] = a
		if len(a.Photos) > 0 {
			out[i].Photos = append([]string(nil), a.Photos...)
		}
	}
	return out
}
