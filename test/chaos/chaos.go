package chaos

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Monkey kills backends that are in the middle of an exchange transaction.
// Every instance must stay consistent when a check-in, confirmation or
// auto-close dies halfway.
type Monkey struct {
	pool   *pgxpool.Pool
	every  time.Duration
	killed atomic.Int64
}

// NewMonkey builds a Monkey that wakes up every interval.
func NewMonkey(pool *pgxpool.Pool, every time.Duration) *Monkey {
	return &Monkey{pool: pool, every: every}
}

// Killed reports how many backends were terminated so far.
func (m *Monkey) Killed() int64 {
	return m.killed.Load()
}

// Run terminates a random in-transaction backend on roughly a third of the
// ticks until ctx is cancelled or stop is closed.
func (m *Monkey) Run(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(m.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
		}
		if rand.Intn(3) != 0 {
			continue
		}
		var terminated bool
		err := m.pool.QueryRow(ctx, `SELECT pg_terminate_backend(pid)
			FROM pg_stat_activity
			WHERE datname = current_database()
			  AND pid <> pg_backend_pid()
			  AND state IN ('active', 'idle in transaction')
			  AND xact_start IS NOT NULL
			ORDER BY random() LIMIT 1`).Scan(&terminated)
		if err == nil && terminated {
			m.killed.Add(1)
		}
	}
}
