package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

var sessionColumns = []string{"id", "source_ip", "created_at", "enriched_at", "geo_json", "weather_json"}

// CreateSession inserts a session and queues it for enrichment in one transaction.
func (s *Store) CreateSession(ctx context.Context, sess Session) error {
	if sess.ID == "" || sess.SourceIP == "" {
		return fmt.Errorf("session: missing id or source_ip")
	}
	createdAt := sess.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	insertSession, args, err := sqb.Insert("sessions").
		Columns("id", "source_ip", "created_at").
		Values(sess.ID, sess.SourceIP, formatTime(createdAt)).
		ToSql()
	if err != nil {
		return fmt.Errorf("building session insert: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning session transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, insertSession, args...); err != nil {
		return fmt.Errorf("inserting session %s: %w", sess.ID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO pending_enrichments (id, created_at) VALUES (?, ?)`,
		sess.ID, formatTime(createdAt),
	); err != nil {
		return fmt.Errorf("queueing session %s: %w", sess.ID, err)
	}

	return tx.Commit()
}

func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	query, args, err := sqb.Select(sessionColumns...).From("sessions").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return Session{}, fmt.Errorf("building session query: %w", err)
	}

	var (
		sess                 Session
		createdAt            string
		enrichedAt           sql.NullString
		geoJSON, weatherJSON sql.NullString
	)
	err = s.db.QueryRowContext(ctx, query, args...).Scan(
		&sess.ID, &sess.SourceIP, &createdAt, &enrichedAt, &geoJSON, &weatherJSON,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}

	if sess.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Session{}, err
	}
	if enrichedAt.Valid {
		t, err := parseTime("enriched_at", enrichedAt.String)
		if err != nil {
			return Session{}, err
		}
		sess.EnrichedAt = &t
	}
	if geoJSON.Valid {
		var g Geo
		if err := json.Unmarshal([]byte(geoJSON.String), &g); err != nil {
			return Session{}, fmt.Errorf("decoding geo for session %s: %w", id, err)
		}
		sess.Geo = &g
	}
	if weatherJSON.Valid {
		var w Weather
		if err := json.Unmarshal([]byte(weatherJSON.String), &w); err != nil {
			return Session{}, fmt.Errorf("decoding weather for session %s: %w", id, err)
		}
		sess.Weather = &w
	}
	return sess, nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSessionEnrichment overwrites the geo and weather snapshots of a
// session. Nil values are stored as NULL. Returns ErrNotFound when the
// session no longer exists; no row is written in that case.
func (s *Store) UpdateSessionEnrichment(ctx context.Context, id string, geo *Geo, weather *Weather) error {
	geoJSON, err := nullableJSON(geo)
	if err != nil {
		return fmt.Errorf("encoding geo: %w", err)
	}
	weatherJSON, err := nullableJSON(weather)
	if err != nil {
		return fmt.Errorf("encoding weather: %w", err)
	}

	query, args, err := sqb.Update("sessions").
		Set("geo_json", geoJSON).
		Set("weather_json", weatherJSON).
		Set("enriched_at", formatTime(s.now())).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building session update: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating session %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullableJSON[T any](v *T) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
