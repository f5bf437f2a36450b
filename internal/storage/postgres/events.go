package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dilemmalab/arena/internal/audit"
)

// EventRepository persists audit entries. Implements audit.Sink.
type EventRepository struct {
	db *pgxpool.Pool
}

// NewEventRepository creates an EventRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewEventRepository(db *pgxpool.Pool) *EventRepository {
	return &EventRepository{db: db}
}

// Write inserts one audit entry.
//
// Postcondition: The entry is durably stored or a non-nil error is returned.
func (r *EventRepository) Write(ctx context.Context, e audit.Entry) error {
	detail, err := json.Marshal(e.Detail)
	if err != nil {
		return fmt.Errorf("encoding audit detail: %w", err)
	}
	_, err = r.db.Exec(ctx,
		`INSERT INTO audit_events (occurred_at, conn_id, ip, actor, action, room, detail)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.Time, e.Conn, e.IP, e.Actor, e.Action, e.Room, detail,
	)
	if err != nil {
		return fmt.Errorf("inserting audit event: %w", err)
	}
	return nil
}

// Recent returns the most recent entries, newest first.
//
// Precondition: limit > 0.
func (r *EventRepository) Recent(ctx context.Context, limit int) ([]audit.Entry, error) {
	rows, err := r.db.Query(ctx,
		`SELECT occurred_at, conn_id, ip, actor, action, room, detail
		 FROM audit_events ORDER BY occurred_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var (
			e   audit.Entry
			at  time.Time
			raw []byte
		)
		if err := rows.Scan(&at, &e.Conn, &e.IP, &e.Actor, &e.Action, &e.Room, &raw); err != nil {
			return nil, fmt.Errorf("scanning audit event: %w", err)
		}
		e.Time = at
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.Detail); err != nil {
				return nil, fmt.Errorf("decoding audit detail: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
