package family

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotMember signals the user has no membership on the case.
	ErrNotMember = errors.New("family: not a member")
	// ErrAlreadyMember signals a duplicate membership.
	ErrAlreadyMember = errors.New("family: already a member")
	// ErrCaseExists signals a bootstrap attempt on a case that already has members.
	ErrCaseExists = errors.New("family: case already has members")
)

// Repository provides access to case memberships.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Bootstrap adds the first member of a case. Concurrent bootstraps of the
// same case are serialized on a transaction-scoped advisory lock.
func (r *Repository) Bootstrap(ctx context.Context, m Member) (Member, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Member{}, fmt.Errorf("family: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, m.CaseID); err != nil {
		return Member{}, fmt.Errorf("family: lock case: %w", err)
	}
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM case_members WHERE case_id = $1)`, m.CaseID).Scan(&exists); err != nil {
		return Member{}, fmt.Errorf("family: check case: %w", err)
	}
	if exists {
		return Member{}, ErrCaseExists
	}

	created, err := insertMember(ctx, tx, m)
	if err != nil {
		return Member{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Member{}, fmt.Errorf("family: commit tx: %w", err)
	}
	return created, nil
}

// AddMember inserts a membership.
func (r *Repository) AddMember(ctx context.Context, m Member) (Member, error) {
	return insertMember(ctx, r.pool, m)
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertMember(ctx context.Context, q queryRower, m Member) (Member, error) {
	const query = `
		INSERT INTO case_members (case_id, user_id, role)
		VALUES ($1, $2, $3)
		RETURNING case_id, user_id, role, created_at
	`
	var created Member
	err := q.QueryRow(ctx, query, m.CaseID, m.UserID, m.Role).Scan(
		&created.CaseID,
		&created.UserID,
		&created.Role,
		&created.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Member{}, ErrAlreadyMember
		}
		return Member{}, fmt.Errorf("family: insert member: %w", err)
	}
	return created, nil
}

// GetMember fetches one membership.
func (r *Repository) GetMember(ctx context.Context, caseID, userID string) (Member, error) {
	const query = `
		SELECT case_id, user_id, role, created_at
		FROM case_members
		WHERE case_id = $1 AND user_id = $2
	`

	var m Member
	err := r.pool.QueryRow(ctx, query, caseID, userID).Scan(&m.CaseID, &m.UserID, &m.Role, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Member{}, ErrNotMember
		}
		return Member{}, fmt.Errorf("family: get member: %w", err)
	}
	return m, nil
}

// ListMembers fetches up to limit members of a case, oldest first.
func (r *Repository) ListMembers(ctx context.Context, caseID string, limit int) ([]Member, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	const query = `
		SELECT case_id, user_id, role, created_at
		FROM case_members
		WHERE case_id = $1
		ORDER BY created_at ASC, user_id ASC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, caseID, limit)
	if err != nil {
		return nil, fmt.Errorf("family: list: %w", err)
	}
	defer rows.Close()

	members := make([]Member, 0, 4)
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.CaseID, &m.UserID, &m.Role, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("family: scan member: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("family: iterate members: %w", err)
	}
	return members, nil
}
