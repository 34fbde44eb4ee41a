package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/opentiger/tiger/internal/domain"
)

// AppendEvent inserts one audit event. Missing id and timestamp are filled
// in; the payload defaults to an empty object.
func (s *Store) AppendEvent(ctx context.Context, event *domain.Event) error {
	id := event.ID
	if id == "" {
		id = newID()
	}
	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	payload := event.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO events (id, type, entity_type, entity_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		id, event.Type, event.EntityType, event.EntityID, payload, createdAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to append event %s: %w", event.Type, err)
	}
	return nil
}

// LastEventOfType returns the newest event of the type.
func (s *Store) LastEventOfType(ctx context.Context, eventType string) (*domain.Event, error) {
	var e domain.Event
	err := s.db.QueryRow(ctx, `
		SELECT id, type, entity_type, entity_id, payload, created_at
		FROM events WHERE type = $1
		ORDER BY created_at DESC, id DESC LIMIT 1`,
		eventType).Scan(&e.ID, &e.Type, &e.EntityType, &e.EntityID, &e.Payload, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get last event of type %s: %w", eventType, err)
	}
	return &e, nil
}

// ListEventsByTypePrefix returns events whose type starts with the prefix,
// oldest first so callers can replay them in order.
func (s *Store) ListEventsByTypePrefix(ctx context.Context, prefix string, limit int) ([]*domain.Event, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, type, entity_type, entity_id, payload, created_at
		FROM (
			SELECT id, type, entity_type, entity_id, payload, created_at
			FROM events WHERE type LIKE $1 || '%'
			ORDER BY created_at DESC, id DESC LIMIT $2
		) recent
		ORDER BY created_at ASC, id ASC`,
		prefix, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s events: %w", prefix, err)
	}
	defer rows.Close()

	var events []*domain.Event
	for rows.Next() {
		var e domain.Event
		err := rows.Scan(&e.ID, &e.Type, &e.EntityType, &e.EntityID,
			&e.Payload, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// ListEventsForEntity returns the audit trail of one entity, newest first.
func (s *Store) ListEventsForEntity(ctx context.Context, entityType, entityID string, limit int) ([]*domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, type, entity_type, entity_id, payload, created_at
		FROM events WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at DESC LIMIT $3`,
		entityType, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*domain.Event
	for rows.Next() {
		var e domain.Event
		err := rows.Scan(&e.ID, &e.Type, &e.EntityType, &e.EntityID,
			&e.Payload, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}
