// Package revision maintains the ordered history of document versions:
// append-only revision records, day-granularity diffs between any two
// versions, and restore-as-forward-version. The store owns the authoritative
// head version number.
package revision

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/roamplan/roamsync/internal/domain"
)

const defaultAuthor = "roamsync"

// Backend persists revision records and their content snapshots.
type Backend interface {
	// Append stores one revision with its full content snapshot.
	Append(ctx context.Context, documentID string, rev domain.Revision, content domain.Itinerary) error
	// Revisions returns the document's revisions ordered oldest first.
	Revisions(ctx context.Context, documentID string) ([]domain.Revision, error)
	// Content returns the snapshot at one version, or nil when absent.
	Content(ctx context.Context, documentID string, version int64) (*domain.Itinerary, error)
	// Head returns the highest stored version, 0 when the document is new.
	Head(ctx context.Context, documentID string) (int64, error)
}

// DiffEntryType classifies one entry of a structured diff.
type DiffEntryType string

const (
	DiffDayAdded    DiffEntryType = "day_added"
	DiffDayModified DiffEntryType = "day_modified"
)

// DiffEntry describes one day-level difference between two versions. Diffs
// are day-granularity only: content comparison is done on the serialized
// day, which keeps the comparison robust to schema drift between versions.
type DiffEntry struct {
	Type  DiffEntryType `json:"type"`
	DayID string        `json:"day_id"`
	Old   *domain.Day   `json:"old,omitempty"`
	New   *domain.Day   `json:"new,omitempty"`
}

// Option configures the store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithAuthor sets the author recorded on revisions the store issues itself.
func WithAuthor(author string) Option {
	return func(s *Store) {
		s.author = author
	}
}

// Store is the revision store over a persistence backend.
type Store struct {
	backend Backend
	logger  *slog.Logger
	author  string
	now     func() time.Time
}

// NewStore creates a revision store.
func NewStore(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		logger:  slog.Default(),
		author:  defaultAuthor,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// History returns the document's revisions, oldest first.
func (s *Store) History(ctx context.Context, documentID string) ([]domain.Revision, error) {
	return s.backend.Revisions(ctx, documentID)
}

// Head returns the current head version number, 0 for an unknown document.
func (s *Store) Head(ctx context.Context, documentID string) (int64, error) {
	return s.backend.Head(ctx, documentID)
}

// Content returns the immutable snapshot at one version.
func (s *Store) Content(ctx context.Context, documentID string, version int64) (*domain.Itinerary, error) {
	content, err := s.backend.Content(ctx, documentID, version)
	if err != nil {
		return nil, err
	}
	if content == nil {
		return nil, domain.ErrNotFound(fmt.Sprintf("version %d not in history", version)).
			WithItinerary(documentID).WithVersion(version)
	}
	return content, nil
}

// RecordChange appends one immutable revision with the given content
// snapshot. When content.Version is zero the store issues head+1; a
// caller-supplied version at or below head is rejected (versions only move
// forward), and a version skipping ahead is recorded with a consistency
// warning rather than silently renumbered: the gap means a lost update.
func (s *Store) RecordChange(ctx context.Context, documentID string, content domain.Itinerary, changeType domain.ChangeType, description string, changeCount int) (domain.Revision, error) {
	head, err := s.backend.Head(ctx, documentID)
	if err != nil {
		return domain.Revision{}, err
	}

	version := content.Version
	if version == 0 {
		version = head + 1
	}
	if version <= head {
		return domain.Revision{}, domain.ErrApplyConflict(
			fmt.Sprintf("version %d is not ahead of head %d", version, head)).
			WithItinerary(documentID).WithVersion(head)
	}

	gap := head != 0 && version != head+1
	if gap {
		s.logger.Warn("version gap detected, possible lost update",
			slog.String("document_id", documentID),
			slog.Int64("head", head),
			slog.Int64("version", version),
		)
	}

	rev := domain.Revision{
		Version:     version,
		Timestamp:   s.now(),
		Author:      s.author,
		ChangeCount: changeCount,
		ChangeType:  changeType,
		Description: description,
		GapBefore:   gap,
	}

	snapshot := content.Clone()
	snapshot.Version = version
	if err := s.backend.Append(ctx, documentID, rev, snapshot); err != nil {
		return domain.Revision{}, err
	}
	return rev, nil
}

// Diff computes the day-granularity change list between two versions. Either
// order of versions is accepted; a reverse diff simply swaps which side is
// reported as old.
func (s *Store) Diff(ctx context.Context, documentID string, fromVersion, toVersion int64) ([]DiffEntry, error) {
	from, err := s.Content(ctx, documentID, fromVersion)
	if err != nil {
		return nil, err
	}
	to, err := s.Content(ctx, documentID, toVersion)
	if err != nil {
		return nil, err
	}

	fromDays := make(map[string]domain.Day, len(from.Days))
	for _, d := range from.Days {
		fromDays[d.ID] = d
	}

	var entries []DiffEntry
	for _, d := range to.Days {
		old, ok := fromDays[d.ID]
		if !ok {
			added := d.Clone()
			entries = append(entries, DiffEntry{Type: DiffDayAdded, DayID: d.ID, New: &added})
			continue
		}
		if !sameDay(old, d) {
			oldCopy, newCopy := old.Clone(), d.Clone()
			entries = append(entries, DiffEntry{
				Type:  DiffDayModified,
				DayID: d.ID,
				Old:   &oldCopy,
				New:   &newCopy,
			})
		}
	}
	return entries, nil
}

// Restore sets a prior version's content as the new head. The restored state
// is issued a fresh forward version number; the version counter never
// rewinds, and the target version stays retrievable unchanged. The
// pre-restore head remains in history as its own immutable snapshot.
func (s *Store) Restore(ctx context.Context, documentID string, targetVersion int64) (*domain.Itinerary, error) {
	target, err := s.Content(ctx, documentID, targetVersion)
	if err != nil {
		return nil, err
	}

	restored := target.Clone()
	restored.Version = 0 // store issues head+1
	rev, err := s.RecordChange(ctx, documentID, restored,
		domain.ChangeMajor,
		fmt.Sprintf("restored from version %d", targetVersion),
		len(restored.Days),
	)
	if err != nil {
		return nil, err
	}

	restored.Version = rev.Version
	s.logger.Info("version restored",
		slog.String("document_id", documentID),
		slog.Int64("target", targetVersion),
		slog.Int64("new_head", rev.Version),
	)
	return &restored, nil
}

// sameDay compares serialized day content.
func sameDay(a, b domain.Day) bool {
	ra, errA := json.Marshal(a)
	rb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ra) == string(rb)
}
