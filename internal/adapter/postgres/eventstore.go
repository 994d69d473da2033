package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fluxline/conductor/internal/domain/event"
)

// EventStore implements eventstore.Store using PostgreSQL (append-only).
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates a new EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Append inserts a new event and assigns its per-correlation sequence.
// An advisory transaction lock on the correlation ID serializes concurrent
// appenders so sequences stay gapless and monotonic per correlation.
func (s *EventStore) Append(ctx context.Context, ev *event.Event) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`, ev.CorrelationID); err != nil {
		return fmt.Errorf("lock correlation %s: %w", ev.CorrelationID, err)
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO saga_events (event_type, source, correlation_id, causation_id, payload, version, sequence)
		 VALUES ($1, $2, $3, $4, $5, $6,
		         (SELECT COALESCE(MAX(sequence), 0) + 1 FROM saga_events WHERE correlation_id = $3))
		 RETURNING id, sequence, position, created_at`,
		string(ev.Type), ev.Source, ev.CorrelationID, ev.CausationID, ev.Payload, ev.Version).
		Scan(&ev.ID, &ev.Sequence, &ev.Position, &ev.Timestamp)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

// eventColumns is the SELECT column list for saga_events queries.
const eventColumns = `id, event_type, source, correlation_id, causation_id, payload, version, sequence, position, created_at`

// scanEvent scans a row into an Event.
func scanEvent(scanner scannable, ev *event.Event) error {
	return scanner.Scan(
		&ev.ID, &ev.Type, &ev.Source, &ev.CorrelationID, &ev.CausationID,
		&ev.Payload, &ev.Version, &ev.Sequence, &ev.Position, &ev.Timestamp,
	)
}

// Replay returns all events for the given correlation ID, ordered by
// sequence ascending.
func (s *EventStore) Replay(ctx context.Context, correlationID string) ([]event.Event, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM saga_events WHERE correlation_id = $1 ORDER BY sequence ASC`, eventColumns),
		correlationID)
	if err != nil {
		return nil, fmt.Errorf("replay events for %s: %w", correlationID, err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		var ev event.Event
		if err := scanEvent(rows, &ev); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Load returns events matching the filter in insertion order. A limit of
// zero or less falls back to 1000; set Filter.AfterPosition to the last
// seen position to page through the full log.
func (s *EventStore) Load(ctx context.Context, filter event.Filter, limit int) ([]event.Event, error) {
	if limit <= 0 {
		limit = 1000
	}

	var args []any
	var conditions []string
	argIdx := 1

	if filter.CorrelationID != "" {
		conditions = append(conditions, fmt.Sprintf("correlation_id = $%d", argIdx))
		args = append(args, filter.CorrelationID)
		argIdx++
	}
	if len(filter.Types) > 0 {
		types := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			types[i] = string(t)
		}
		conditions = append(conditions, fmt.Sprintf("event_type = ANY($%d)", argIdx))
		args = append(args, types)
		argIdx++
	}
	if filter.AfterPosition > 0 {
		conditions = append(conditions, fmt.Sprintf("position > $%d", argIdx))
		args = append(args, filter.AfterPosition)
		argIdx++
	}
	if filter.After != nil {
		conditions = append(conditions, fmt.Sprintf("created_at > $%d", argIdx))
		args = append(args, *filter.After)
		argIdx++
	}
	if filter.Before != nil {
		conditions = append(conditions, fmt.Sprintf("created_at < $%d", argIdx))
		args = append(args, *filter.Before)
		argIdx++
	}

	where := "TRUE"
	if len(conditions) > 0 {
		where = strings.Join(conditions, " AND ")
	}

	query := fmt.Sprintf(
		`SELECT %s FROM saga_events WHERE %s ORDER BY position ASC LIMIT $%d`,
		eventColumns, where, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		var ev event.Event
		if err := scanEvent(rows, &ev); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
