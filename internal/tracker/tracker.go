// Package tracker is the durable ledger of what is currently searchable.
// It records one row per indexed item, independent of the vector store's
// own state, so operators can audit the index and the sync pipeline can
// look entries up by their source identity. Entries are never physically
// deleted; deletion flips is_active off.
package tracker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/facilityos/knowledge-engine/internal/domain"
)

// ErrEntryNotFound is returned when no ledger row matches a lookup.
var ErrEntryNotFound = errors.New("index entry not found")

const schema = `
CREATE TABLE IF NOT EXISTS index_entries (
    vector_id           TEXT PRIMARY KEY,
    source_type         TEXT NOT NULL,
    source_id           TEXT NOT NULL,
    content             TEXT NOT NULL,
    metadata            TEXT NOT NULL DEFAULT '{}',
    embedding_dimension INTEGER NOT NULL,
    last_synced_at      TEXT NOT NULL,
    is_active           INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_index_entries_source
    ON index_entries(source_type, source_id);
`

const upsertSQL = `
INSERT INTO index_entries
    (vector_id, source_type, source_id, content, metadata, embedding_dimension, last_synced_at, is_active)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(vector_id) DO UPDATE SET
    source_type         = excluded.source_type,
    source_id           = excluded.source_id,
    content             = excluded.content,
    metadata            = excluded.metadata,
    embedding_dimension = excluded.embedding_dimension,
    last_synced_at      = excluded.last_synced_at,
    is_active           = excluded.is_active
`

const selectCols = `vector_id, source_type, source_id, content, metadata,
	embedding_dimension, last_synced_at, is_active`

// Entry is one ledger row.
type Entry struct {
	VectorID           string
	SourceType         domain.SourceType
	SourceID           string
	Content            string
	Metadata           map[string]any
	EmbeddingDimension int
	LastSyncedAt       time.Time
	IsActive           bool
}

// Tracker is a SQLite-backed index ledger. Safe for concurrent use.
type Tracker struct {
	db *sql.DB
}

// Open opens (creating if necessary) the ledger database at path and
// applies the schema.
func Open(path string) (*Tracker, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open tracker database: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY churn under concurrent workers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply tracker schema: %w", err)
	}

	return &Tracker{db: db}, nil
}

// Close closes the underlying database.
func (t *Tracker) Close() error {
	return t.db.Close()
}

// Upsert creates or replaces the ledger row for an entry, keyed by its
// vector id. Re-indexing the same entity therefore converges to one row.
func (t *Tracker) Upsert(ctx context.Context, e Entry) error {
	meta, err := marshalMetadata(e.Metadata)
	if err != nil {
		return err
	}

	_, err = t.db.ExecContext(ctx, upsertSQL,
		e.VectorID, string(e.SourceType), e.SourceID, e.Content, meta,
		e.EmbeddingDimension, e.LastSyncedAt.UTC().Format(time.RFC3339Nano), boolToInt(e.IsActive),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert index entry %s: %w", e.VectorID, err)
	}
	return nil
}

// BulkUpsert writes all entries in one transaction. Used by batch indexing
// jobs so a 100-item batch is one write, not 100.
func (t *Tracker) BulkUpsert(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin bulk upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertSQL)
	if err != nil {
		return fmt.Errorf("failed to prepare bulk upsert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		meta, err := marshalMetadata(e.Metadata)
		if err != nil {
			return err
		}
		_, err = stmt.ExecContext(ctx,
			e.VectorID, string(e.SourceType), e.SourceID, e.Content, meta,
			e.EmbeddingDimension, e.LastSyncedAt.UTC().Format(time.RFC3339Nano), boolToInt(e.IsActive),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert index entry %s: %w", e.VectorID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit bulk upsert: %w", err)
	}
	return nil
}

// PatchMetadata merges fields into an entry's metadata without touching its
// content, and refreshes last_synced_at. Returns ErrEntryNotFound if the
// entry does not exist.
func (t *Tracker) PatchMetadata(ctx context.Context, vectorID string, patch map[string]any) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin metadata patch: %w", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx,
		`SELECT metadata FROM index_entries WHERE vector_id = ?`, vectorID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrEntryNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load metadata for %s: %w", vectorID, err)
	}

	merged := make(map[string]any)
	if err := json.Unmarshal([]byte(raw), &merged); err != nil {
		return fmt.Errorf("failed to decode metadata for %s: %w", vectorID, err)
	}
	for k, v := range patch {
		merged[k] = v
	}

	meta, err := marshalMetadata(merged)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE index_entries SET metadata = ?, last_synced_at = ? WHERE vector_id = ?`,
		meta, time.Now().UTC().Format(time.RFC3339Nano), vectorID,
	)
	if err != nil {
		return fmt.Errorf("failed to patch metadata for %s: %w", vectorID, err)
	}

	return tx.Commit()
}

// Deactivate marks an entry inactive. The row is kept for audit; only the
// flag and sync timestamp change. Deactivating an absent entry is a no-op
// so delete events arriving before the create job has run don't fail.
func (t *Tracker) Deactivate(ctx context.Context, vectorID string) error {
	_, err := t.db.ExecContext(ctx,
		`UPDATE index_entries SET is_active = 0, last_synced_at = ? WHERE vector_id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), vectorID,
	)
	if err != nil {
		return fmt.Errorf("failed to deactivate entry %s: %w", vectorID, err)
	}
	return nil
}

// GetByVectorID loads one entry by its vector id.
func (t *Tracker) GetByVectorID(ctx context.Context, vectorID string) (*Entry, error) {
	row := t.db.QueryRowContext(ctx,
		`SELECT `+selectCols+` FROM index_entries WHERE vector_id = ?`, vectorID)
	return scanEntry(row)
}

// GetBySource loads one entry by its source identity. Used on update and
// delete paths where only the domain entity id is known.
func (t *Tracker) GetBySource(ctx context.Context, sourceType domain.SourceType, sourceID string) (*Entry, error) {
	row := t.db.QueryRowContext(ctx,
		`SELECT `+selectCols+` FROM index_entries WHERE source_type = ? AND source_id = ?`,
		string(sourceType), sourceID)
	return scanEntry(row)
}

// CountActive returns the number of currently searchable entries.
func (t *Tracker) CountActive(ctx context.Context) (int64, error) {
	var n int64
	err := t.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM index_entries WHERE is_active = 1`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count active entries: %w", err)
	}
	return n, nil
}

// Count returns the total number of ledger rows, active or not.
func (t *Tracker) Count(ctx context.Context) (int64, error) {
	var n int64
	err := t.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM index_entries`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count entries: %w", err)
	}
	return n, nil
}

func scanEntry(row *sql.Row) (*Entry, error) {
	var (
		e          Entry
		sourceType string
		rawMeta    string
		syncedAt   string
		active     int
	)
	err := row.Scan(&e.VectorID, &sourceType, &e.SourceID, &e.Content, &rawMeta,
		&e.EmbeddingDimension, &syncedAt, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan index entry: %w", err)
	}

	e.SourceType = domain.SourceType(sourceType)
	e.IsActive = active != 0

	if err := json.Unmarshal([]byte(rawMeta), &e.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata for %s: %w", e.VectorID, err)
	}
	if e.LastSyncedAt, err = time.Parse(time.RFC3339Nano, syncedAt); err != nil {
		return nil, fmt.Errorf("failed to parse sync timestamp for %s: %w", e.VectorID, err)
	}

	return &e, nil
}

func marshalMetadata(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata: %w", err)
	}
	return string(raw), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
