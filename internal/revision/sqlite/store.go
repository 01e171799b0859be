// Package sqlite persists revision history in a SQLite database so that the
// audit trail survives daemon restarts.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/roamplan/roamsync/internal/domain"
	"github.com/roamplan/roamsync/internal/revision"
)

// Backend is a SQLite implementation of revision.Backend.
type Backend struct {
	db *sql.DB
}

var _ revision.Backend = (*Backend)(nil)

// New opens (or creates) the database at dbPath.
func New(dbPath string) (*Backend, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	b := &Backend{db: db}
	if err := b.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return b, nil
}

func (b *Backend) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS revisions (
			document_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			author TEXT NOT NULL,
			change_count INTEGER NOT NULL,
			change_type TEXT NOT NULL,
			description TEXT NOT NULL,
			gap_before INTEGER NOT NULL DEFAULT 0,
			content TEXT NOT NULL,
			PRIMARY KEY (document_id, version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_revisions_document ON revisions(document_id)`,
	}
	for _, stmt := range statements {
		if _, err := b.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database.
func (b *Backend) Close() error {
	return b.db.Close()
}

func (b *Backend) Append(ctx context.Context, documentID string, rev domain.Revision, content domain.Itinerary) error {
	raw, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}

	gap := 0
	if rev.GapBefore {
		gap = 1
	}

	_, err = b.db.ExecContext(ctx,
		`INSERT INTO revisions (document_id, version, timestamp, author, change_count, change_type, description, gap_before, content)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		documentID, rev.Version, rev.Timestamp.UTC().Format(time.RFC3339Nano),
		rev.Author, rev.ChangeCount, string(rev.ChangeType), rev.Description, gap, string(raw),
	)
	if err != nil {
		return fmt.Errorf("insert revision: %w", err)
	}
	return nil
}

func (b *Backend) Revisions(ctx context.Context, documentID string) ([]domain.Revision, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT version, timestamp, author, change_count, change_type, description, gap_before
		 FROM revisions WHERE document_id = ? ORDER BY version ASC`,
		documentID,
	)
	if err != nil {
		return nil, fmt.Errorf("query revisions: %w", err)
	}
	defer rows.Close()

	var revs []domain.Revision
	for rows.Next() {
		var rev domain.Revision
		var ts, changeType string
		var gap int
		if err := rows.Scan(&rev.Version, &ts, &rev.Author, &rev.ChangeCount, &changeType, &rev.Description, &gap); err != nil {
			return nil, fmt.Errorf("scan revision: %w", err)
		}
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			rev.Timestamp = parsed
		}
		rev.ChangeType = domain.ChangeType(changeType)
		rev.GapBefore = gap != 0
		revs = append(revs, rev)
	}
	return revs, rows.Err()
}

func (b *Backend) Content(ctx context.Context, documentID string, version int64) (*domain.Itinerary, error) {
	var raw string
	err := b.db.QueryRowContext(ctx,
		`SELECT content FROM revisions WHERE document_id = ? AND version = ?`,
		documentID, version,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query content: %w", err)
	}

	var it domain.Itinerary
	if err := json.Unmarshal([]byte(raw), &it); err != nil {
		return nil, fmt.Errorf("unmarshal content: %w", err)
	}
	return &it, nil
}

func (b *Backend) Head(ctx context.Context, documentID string) (int64, error) {
	var head sql.NullInt64
	err := b.db.QueryRowContext(ctx,
		`SELECT MAX(version) FROM revisions WHERE document_id = ?`,
		documentID,
	).Scan(&head)
	if err != nil {
		return 0, fmt.Errorf("query head: %w", err)
	}
	if !head.Valid {
		return 0, nil
	}
	return head.Int64, nil
}
