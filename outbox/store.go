package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Message is a claimed outbox row.
type Message struct {
	ID        string
	Topic     string
	Payload   []byte
	Attempts  int
	CreatedAt time.Time
}

// PGStore claims and settles outbox rows.
type PGStore struct{}

// NewStore builds a PGStore.
func NewStore() *PGStore {
	return &PGStore{}
}

// Claim locks up to limit pending rows for the rest of tx. Rows locked by
// another relay are skipped rather than waited on. A failed row is held back
// for 2^attempts seconds, capped at five minutes.
func (s *PGStore) Claim(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error) {
	const query = `
		SELECT id::text, topic, payload, attempts, created_at
		FROM outbox
		WHERE status = 'pending'
		  AND (last_attempt IS NULL
		       OR last_attempt + make_interval(secs => LEAST(power(2, attempts), 300)) <= now())
		ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`
	rows, err := tx.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim: %w", err)
	}
	defer rows.Close()

	msgs := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Attempts, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("outbox: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: iterate messages: %w", err)
	}
	return msgs, nil
}

// MarkProcessed settles a delivered message.
func (s *PGStore) MarkProcessed(ctx context.Context, tx pgx.Tx, id string) error {
	const query = `UPDATE outbox SET status = 'processed', attempts = attempts + 1, last_attempt = now(), last_error = NULL WHERE id::text = $1`
	if _, err := tx.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("outbox: mark processed: %w", err)
	}
	return nil
}

// MarkFailed records a failed attempt. dead parks the message for good.
func (s *PGStore) MarkFailed(ctx context.Context, tx pgx.Tx, id, reason string, dead bool) error {
	status := "pending"
	if dead {
		status = "dead"
	}
	const query = `UPDATE outbox SET status = $2, attempts = attempts + 1, last_attempt = now(), last_error = $3 WHERE id::text = $1`
	if _, err := tx.Exec(ctx, query, id, status, reason); err != nil {
		return fmt.Errorf("outbox: mark failed: %w", err)
	}
	return nil
}
