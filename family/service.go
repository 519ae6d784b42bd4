package family

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrForbidden signals the actor may not manage the case.
	ErrForbidden = errors.New("family: forbidden")
	// ErrInvalidMember signals a malformed membership request.
	ErrInvalidMember = errors.New("family: invalid member")
)

// Store abstracts repository operations for the service.
type Store interface {
	Bootstrap(ctx context.Context, m Member) (Member, error)
	AddMember(ctx context.Context, m Member) (Member, error)
	GetMember(ctx context.Context, caseID, userID string) (Member, error)
	ListMembers(ctx context.Context, caseID string, limit int) ([]Member, error)
}

// Service exposes case membership and answers access questions for the
// exchange service.
type Service struct {
	repo Store
}

// NewService builds a Service using the provided repository.
func NewService(repo Store) *Service {
	return &Service{repo: repo}
}

// CanAct reports whether userID is a member of caseID.
func (s *Service) CanAct(ctx context.Context, caseID, userID string) (bool, error) {
	if caseID == "" || userID == "" {
		return false, nil
	}
	_, err := s.repo.GetMember(ctx, caseID, userID)
	if errors.Is(err, ErrNotMember) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// AddMember adds userID to caseID. A parent adding themselves to a case with
// no members creates the case; otherwise only an existing parent may add members.
func (s *Service) AddMember(ctx context.Context, actorID, caseID, userID string, role Role) (Member, error) {
	caseID, userID = strings.TrimSpace(caseID), strings.TrimSpace(userID)
	if role == "" {
		role = RoleParent
	}
	if caseID == "" || userID == "" || !role.Valid() {
		return Member{}, fmt.Errorf("%w: case, user and a known role are required", ErrInvalidMember)
	}
	m := Member{CaseID: caseID, UserID: userID, Role: role}

	if actorID == userID && role == RoleParent {
		created, err := s.repo.Bootstrap(ctx, m)
		if err == nil {
			return created, nil
		}
		if !errors.Is(err, ErrCaseExists) {
			return Member{}, err
		}
	}

	actor, err := s.repo.GetMember(ctx, caseID, actorID)
	if errors.Is(err, ErrNotMember) {
		return Member{}, fmt.Errorf("%w: %s is not on case %s", ErrForbidden, actorID, caseID)
	}
	if err != nil {
		return Member{}, err
	}
	if actor.Role != RoleParent {
		return Member{}, fmt.Errorf("%w: only parents add members", ErrForbidden)
	}
	return s.repo.AddMember(ctx, m)
}

// ListMembers returns the members of caseID to one of its members.
func (s *Service) ListMembers(ctx context.Context, actorID, caseID string) ([]Member, error) {
	ok, err := s.CanAct(ctx, caseID, actorID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrForbidden
	}
	return s.repo.ListMembers(ctx, caseID, 100)
}
