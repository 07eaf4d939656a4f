package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// EnqueueEnrichment queues a session for (re-)enrichment. Queueing an id that
// is already pending is a no-op.
func (s *Store) EnqueueEnrichment(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO pending_enrichments (id, created_at) VALUES (?, ?)`,
		id, formatTime(s.now()),
	)
	return err
}

// PendingCount returns the current queue depth.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_enrichments`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting pending enrichments: %w", err)
	}
	return n, nil
}

// TakeAllPending removes every queued work item and returns them oldest
// first. Each item reports whether its delete actually removed a row. An empty
// queue yields an empty, non-nil slice.
func (s *Store) TakeAllPending(ctx context.Context) ([]PendingItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning take transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM pending_enrichments ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing pending enrichments: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	// The single connection must be free before issuing the deletes.
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating pending enrichments: %w", err)
	}

	items := make([]PendingItem, 0, len(ids))
	for _, id := range ids {
		var removed string
		err := tx.QueryRowContext(ctx, `DELETE FROM pending_enrichments WHERE id = ? RETURNING id`, id).Scan(&removed)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			items = append(items, PendingItem{ID: id})
		case err != nil:
			return nil, fmt.Errorf("removing pending enrichment %s: %w", id, err)
		default:
			items = append(items, PendingItem{ID: removed, Present: true})
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing take: %w", err)
	}
	return items, nil
}
