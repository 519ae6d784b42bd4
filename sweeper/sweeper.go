// Package sweeper closes exchange instances whose check-in window elapsed
// without a resolution.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"exchangeflow/logging"
)

// DefaultBatchSize bounds how many instances are selected per query.
const DefaultBatchSize = 200

// Closer is the part of the exchange service the sweeper drives.
type Closer interface {
	OverdueInstances(ctx context.Context, now time.Time, exclude []string, limit int) ([]string, error)
	AutoClose(ctx context.Context, id string, now time.Time) (bool, error)
}

// Report summarizes one sweep.
type Report struct {
	Scanned int
	Closed  int
	Skipped int
	Failed  int
}

// Sweeper periodically assigns final outcomes to overdue instances. Each
// instance is closed in its own transaction, so one failure never rolls back
// the others and a concurrent sweep only skips what it loses.
type Sweeper struct {
	closer Closer
	log    *slog.Logger
	batch  int
	now    func() time.Time
}

// New builds a Sweeper. A non-positive batchSize uses DefaultBatchSize.
func New(closer Closer, log *slog.Logger, batchSize int) *Sweeper {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{closer: closer, log: log, batch: batchSize, now: time.Now}
}

// WithClock overrides the time source, primarily for tests.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	if now != nil {
		s.now = now
	}
	return s
}

// RunOnce sweeps every instance overdue at the start of the run. Rows that
// failed or were skipped are excluded from later pages, so a batch of
// persistently failing rows never hides the rows behind it.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	now := s.now()
	var rep Report
	seen := map[string]bool{}
	var passed []string

	for {
		ids, err := s.closer.OverdueInstances(ctx, now, passed, s.batch)
		if err != nil {
			return rep, fmt.Errorf("sweeper: list overdue: %w", err)
		}

		fresh := 0
		for _, id := range ids {
			if seen[id] {
				continue
			}
			if err := ctx.Err(); err != nil {
				return rep, err
			}
			seen[id] = true
			fresh++
			rep.Scanned++

			closed, err := s.closer.AutoClose(ctx, id, now)
			switch {
			case err != nil:
				passed = append(passed, id)
				rep.Failed++
				s.log.ErrorContext(ctx, "auto close failed",
					slog.String("instance_id", id),
					logging.Err(err),
				)
			case closed:
				rep.Closed++
			default:
				passed = append(passed, id)
				rep.Skipped++
			}
		}

		if len(ids) < s.batch || fresh == 0 {
			break
		}
	}

	if rep.Scanned > 0 {
		s.log.InfoContext(ctx, "sweep finished",
			slog.Int("scanned", rep.Scanned),
			slog.Int("closed", rep.Closed),
			slog.Int("skipped", rep.Skipped),
			slog.Int("failed", rep.Failed),
		)
	}
	return rep, nil
}

// Run sweeps immediately and then on every tick until ctx is cancelled.
// A failed sweep is logged and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("sweeper: interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.ErrorContext(ctx, "sweep failed", logging.Err(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
