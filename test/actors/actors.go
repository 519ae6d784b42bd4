package actors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"exchangeflow/exchange"
	"exchangeflow/outbox"
	"exchangeflow/sweeper"
)

// expected reports errors that concurrent actors legitimately run into:
// losing a race to a terminal state, a forged or stale token, or a backend
// killed by the chaos monkey.
func expected(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return true
	}
	return errors.Is(err, exchange.ErrInvalidState) ||
		errors.Is(err, exchange.ErrInvalidToken) ||
		isConnectionLoss(err)
}

func isConnectionLoss(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 57P01 admin_shutdown, class 08 connection exceptions
		return pgErr.Code == "57P01" || strings.HasPrefix(pgErr.Code, "08")
	}
	if pgconn.SafeToRetry(err) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "conn closed") || strings.Contains(msg, "unexpected EOF")
}

func pick[T any](items []T) T {
	return items[rand.Intn(len(items))]
}

func jitter(base, spread int) time.Duration {
	return time.Duration(base+rand.Intn(spread)) * time.Millisecond
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

// CheckInner checks random users in on random instances, with and without a
// location fix.
func CheckInner(ctx context.Context, svc *exchange.Service, instanceIDs, users []string, zone exchange.Location, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		params := exchange.CheckInParams{
			InstanceID: pick(instanceIDs),
			UserID:     pick(users),
		}
		if rand.Intn(2) == 0 {
			loc := zone
			loc.Lat += (rand.Float64() - 0.5) / 1000
			loc.Lng += (rand.Float64() - 0.5) / 1000
			params.Location = &loc
		}
		if _, err := svc.CheckIn(ctx, params); !expected(ctx, err) {
			return fmt.Errorf("check-in %s as %s: %w", params.InstanceID, params.UserID, err)
		}
		time.Sleep(jitter(5, 20))
	}
	return nil
}

// QRConfirmer scans whatever token is currently displayed for an awaiting
// instance and confirms it as the other party.
func QRConfirmer(ctx context.Context, pool *pgxpool.Pool, svc *exchange.Service, users []string, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		var id, token string
		err := pool.QueryRow(ctx, `SELECT id::text, qr_token FROM exchange_instances
			WHERE outcome = 'both_present_awaiting_qr' AND status = 'scheduled'
			ORDER BY random() LIMIT 1`).Scan(&id, &token)
		if err == nil {
			if rand.Intn(4) == 0 {
				token = "forged-" + token
			}
			_, err = svc.ConfirmQR(ctx, exchange.ConfirmQRParams{InstanceID: id, UserID: pick(users), Token: token})
			if !expected(ctx, err) {
				return fmt.Errorf("confirm %s: %w", id, err)
			}
		}
		time.Sleep(jitter(10, 30))
	}
	return nil
}

// Canceller occasionally cancels a random instance.
func Canceller(ctx context.Context, svc *exchange.Service, instanceIDs []string, user string, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		id := pick(instanceIDs)
		_, err := svc.Cancel(ctx, exchange.CancelParams{InstanceID: id, UserID: user, Reason: "stress"})
		if !expected(ctx, err) {
			return fmt.Errorf("cancel %s: %w", id, err)
		}
		time.Sleep(jitter(100, 200))
	}
	return nil
}

// Sweeper runs auto-close sweeps on a clock shifted by skew, so windows
// elapse while other actors are still checking in.
func Sweeper(ctx context.Context, closer sweeper.Closer, skew time.Duration, stop <-chan struct{}) error {
	sw := sweeper.New(closer, nil, 25).WithClock(func() time.Time { return time.Now().Add(skew) })
	for !stopped(ctx, stop) {
		if _, err := sw.RunOnce(ctx); !expected(ctx, err) {
			return fmt.Errorf("sweep: %w", err)
		}
		time.Sleep(jitter(20, 40))
	}
	return nil
}

// Extender keeps re-materializing recurring definitions. Overlapping runs
// must never duplicate an occurrence.
func Extender(ctx context.Context, svc *exchange.Service, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		if _, err := svc.ExtendAll(ctx, 50); !expected(ctx, err) {
			return fmt.Errorf("extend: %w", err)
		}
		time.Sleep(jitter(30, 60))
	}
	return nil
}

// Recorder is a Publisher that remembers every delivered message id.
type Recorder struct {
	mu        sync.Mutex
	delivered map[string]int
}

// NewRecorder builds an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{delivered: map[string]int{}}
}

// Publish records msg and fails now and then like a flaky broker.
func (r *Recorder) Publish(ctx context.Context, msg outbox.Message) error {
	if rand.Intn(10) == 0 {
		return errors.New("broker hiccup")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered[msg.ID]++
	return nil
}

// Duplicates returns ids published more than once.
func (r *Recorder) Duplicates() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for id, n := range r.delivered {
		if n > 1 {
			out = append(out, id)
		}
	}
	return out
}

// Relay drains the outbox alongside its siblings.
func Relay(ctx context.Context, relay *outbox.Relay, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		if _, err := relay.RunOnce(ctx); !expected(ctx, err) {
			return fmt.Errorf("relay: %w", err)
		}
		time.Sleep(jitter(20, 30))
	}
	return nil
}
