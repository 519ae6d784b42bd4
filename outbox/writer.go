// Package outbox stores notifications in the same transaction as the state
// change that caused them and relays them to the message broker afterwards.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ErrEmptyTopic signals an enqueue without a topic.
var ErrEmptyTopic = errors.New("outbox: empty topic")

// Writer enqueues messages inside the caller's transaction.
type Writer struct{}

// NewWriter builds a Writer.
func NewWriter() *Writer {
	return &Writer{}
}

// Enqueue stores one pending message. It commits or rolls back with tx.
func (w *Writer) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}

	const insertSQL = `
		INSERT INTO outbox (topic, payload)
		VALUES ($1, $2::jsonb)
	`
	if _, err := tx.Exec(ctx, insertSQL, topic, body); err != nil {
		return fmt.Errorf("outbox: insert message: %w", err)
	}
	return nil
}
