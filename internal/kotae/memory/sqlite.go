package memory

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLitePersister stores the mapping in the conversation_memory table
// (created by the store package migrations).
type SQLitePersister struct {
	db *sql.DB
}

// NewSQLitePersister returns a persister using db.
func NewSQLitePersister(db *sql.DB) *SQLitePersister {
	return &SQLitePersister{db: db}
}

// Load reads every conversation ordered by insertion sequence.
func (p *SQLitePersister) Load(ctx context.Context) (map[string][]Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT conversation_id, author, content, created_at
		FROM conversation_memory
		ORDER BY conversation_id, seq`)
	if err != nil {
		return nil, fmt.Errorf("memory sqlite: query: %w", err)
	}
	defer rows.Close()

	convos := make(map[string][]Entry)
	for rows.Next() {
		var (
			id, createdAt string
			e             Entry
		)
		if err := rows.Scan(&id, &e.Author, &e.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("memory sqlite: scan: %w", err)
		}
		e.Timestamp, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("memory sqlite: parse created_at %q: %w", createdAt, err)
		}
		convos[id] = append(convos[id], e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory sqlite: rows: %w", err)
	}
	return convos, nil
}

// Save replaces the table contents in one transaction.
func (p *SQLitePersister) Save(ctx context.Context, convos map[string][]Entry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("memory sqlite: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_memory`); err != nil {
		return fmt.Errorf("memory sqlite: clear: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO conversation_memory (conversation_id, seq, author, content, created_at)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("memory sqlite: prepare: %w", err)
	}
	defer stmt.Close()

	for id, h := range convos {
		for seq, e := range h {
			if _, err := stmt.ExecContext(ctx, id, seq, e.Author, e.Content,
				e.Timestamp.UTC().Format(time.RFC3339Nano)); err != nil {
				return fmt.Errorf("memory sqlite: insert %s/%d: %w", id, seq, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("memory sqlite: commit: %w", err)
	}
	return nil
}
