package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"exchangeflow/logging"
)

const (
	DefaultBatchSize   = 50
	DefaultMaxAttempts = 10
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store claims and settles outbox rows inside a transaction.
type Store interface {
	Claim(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error)
	MarkProcessed(ctx context.Context, tx pgx.Tx, id string) error
	MarkFailed(ctx context.Context, tx pgx.Tx, id, reason string, dead bool) error
}

// Publisher delivers one message to the broker.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Result summarizes one relay pass.
type Result struct {
	Published int
	Retried   int
	Dead      int
}

// Relay moves pending outbox rows to a Publisher. Several relays may run at
// once; each row is claimed by exactly one of them.
type Relay struct {
	pool        TxBeginner
	store       Store
	pub         Publisher
	log         *slog.Logger
	batch       int
	maxAttempts int
}

// NewRelay builds a Relay. Non-positive sizes take the defaults.
func NewRelay(pool TxBeginner, store Store, pub Publisher, log *slog.Logger, batch, maxAttempts int) *Relay {
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if log == nil {
		log = slog.Default()
	}
	return &Relay{pool: pool, store: store, pub: pub, log: log, batch: batch, maxAttempts: maxAttempts}
}

// RunOnce relays one batch.
func (r *Relay) RunOnce(ctx context.Context) (Result, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("outbox: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	msgs, err := r.store.Claim(ctx, tx, r.batch)
	if err != nil {
		return Result{}, err
	}

	var res Result
	for _, msg := range msgs {
		pubErr := r.pub.Publish(ctx, msg)
		if pubErr == nil {
			if err := r.store.MarkProcessed(ctx, tx, msg.ID); err != nil {
				return Result{}, err
			}
			res.Published++
			continue
		}

		dead := msg.Attempts+1 >= r.maxAttempts
		if err := r.store.MarkFailed(ctx, tx, msg.ID, pubErr.Error(), dead); err != nil {
			return Result{}, err
		}
		if dead {
			res.Dead++
			r.log.ErrorContext(ctx, "outbox message dead-lettered",
				slog.String("message_id", msg.ID),
				slog.String("topic", msg.Topic),
				slog.Int("attempts", msg.Attempts+1),
				logging.Err(pubErr),
			)
		} else {
			res.Retried++
			r.log.WarnContext(ctx, "outbox publish failed",
				slog.String("message_id", msg.ID),
				slog.String("topic", msg.Topic),
				logging.Err(pubErr),
			)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{}, fmt.Errorf("outbox: commit tx: %w", err)
	}
	return res, nil
}

// Run relays on every tick until ctx is cancelled. A batch that was
// published in full is followed immediately by another pass; failures wait
// for the next tick.
func (r *Relay) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("outbox: interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		res, err := r.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.log.ErrorContext(ctx, "outbox relay failed", logging.Err(err))
		}
		if err == nil && res.Published >= r.batch {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
