package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestService_RegisterAndLogin(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	req := RegisterRequest{
		Email:       "alice@example.com",
		Password:    "supersafe",
		DisplayName: "Alice",
	}

	ctx := context.Background()
	user, err := svc.Register(ctx, req)
	if err != nil {
		t.Fatalf("register: unexpected error: %v", err)
	}
	if user.Email != req.Email {
		t.Fatalf("expected email %q got %q", req.Email, user.Email)
	}
	if user.PasswordHash == req.Password {
		t.Fatal("register: password stored in clear text")
	}

	resp, err := svc.Login(ctx, LoginRequest{Email: "ALICE@example.com", Password: req.Password})
	if err != nil {
		t.Fatalf("login: unexpected error: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("login: expected token, got empty string")
	}
	if resp.User.ID != user.ID {
		t.Fatalf("login: expected user id %q got %q", user.ID, resp.User.ID)
	}

	tokenUserID, err := svc.VerifyToken(resp.Token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if tokenUserID != user.ID {
		t.Fatalf("verify token: expected %q got %q", user.ID, tokenUserID)
	}
}

func TestService_RegisterValidation(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	_, err := svc.Register(context.Background(), RegisterRequest{
		Email:       "alice@example.com",
		Password:    "short",
		DisplayName: "Alice",
	})
	if !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{
		Email:       "",
		Password:    "strongpassword",
		DisplayName: "",
	}); !errors.Is(err, ErrInvalidRegistration) {
		t.Fatalf("expected ErrInvalidRegistration for missing fields, got %v", err)
	}
	if _, err := svc.Register(context.Background(), RegisterRequest{
		Email:       "not-an-email",
		Password:    "strongpassword",
		DisplayName: "Alice",
	}); !errors.Is(err, ErrInvalidRegistration) {
		t.Fatalf("expected ErrInvalidRegistration for a malformed email, got %v", err)
	}
}

func TestService_GetUserByID(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")
	ctx := context.Background()

	created, err := svc.Register(ctx, RegisterRequest{Email: "bob@example.com", Password: "strongpassword", DisplayName: "Bob"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	got, err := svc.GetUserByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if got.DisplayName != "Bob" {
		t.Fatalf("expected Bob, got %q", got.DisplayName)
	}
	if _, err := svc.GetUserByID(ctx, "missing"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestService_DuplicateEmail(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	req := RegisterRequest{
		Email:       "alice@example.com",
		Password:    "strongpassword",
		DisplayName: "Alice",
	}
	if _, err := svc.Register(context.Background(), req); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	if _, err := svc.Register(context.Background(), req); !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestService_LoginInvalidCredentials(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	if _, err := svc.Login(context.Background(), LoginRequest{Email: "unknown@example.com", Password: "irrelevant"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{Email: "bob@example.com", Password: "strongpassword", DisplayName: "Bob"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := svc.Login(context.Background(), LoginRequest{Email: "bob@example.com", Password: "wrongpassword"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for wrong password, got %v", err)
	}
}

func TestService_VerifyTokenRejections(t *testing.T) {
	issuedAt := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := issuedAt
	svc := NewService(newFakeRepository(), "test-secret").
		WithTokenTTL(time.Hour).
		WithClock(func() time.Time { return clock })

	token, expires, err := svc.IssueToken("user-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !expires.Equal(issuedAt.Add(time.Hour)) {
		t.Fatalf("unexpected expiry %s", expires)
	}

	other := NewService(newFakeRepository(), "other-secret").WithClock(func() time.Time { return clock })
	if _, err := other.VerifyToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for foreign signature, got %v", err)
	}

	clock = issuedAt.Add(2 * time.Hour)
	if _, err := svc.VerifyToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}

	if _, err := svc.VerifyToken("not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for garbage, got %v", err)
	}
}

func TestService_DisplayNames(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")
	user, err := svc.Register(context.Background(), RegisterRequest{Email: "carol@example.com", Password: "strongpassword", DisplayName: "Carol"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	names, err := svc.DisplayNames(context.Background(), []string{user.ID, "missing"})
	if err != nil {
		t.Fatalf("display names: %v", err)
	}
	if len(names) != 1 || names[user.ID] != "Carol" {
		t.Fatalf("unexpected names %v", names)
	}
}

type fakeRepository struct {
	usersByEmail map[string]User
	usersByID    map[string]User
	nextID       int
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		usersByEmail: make(map[string]User),
		usersByID:    make(map[string]User),
		nextID:       1,
	}
}

func (f *fakeRepository) CreateUser(ctx context.Context, params CreateUserParams) (User, error) {
	if _, exists := f.usersByEmail[strings.ToLower(params.Email)]; exists {
		return User{}, ErrDuplicateEmail
	}

	user := User{
		ID:           fmt.Sprintf("user-%d", f.nextID),
		Email:        params.Email,
		DisplayName:  params.DisplayName,
		PasswordHash: params.PasswordHash,
		CreatedAt:    time.Now().UTC(),
	}
	f.nextID++

	f.usersByEmail[strings.ToLower(user.Email)] = user
	f.usersByID[user.ID] = user
	return user, nil
}

func (f *fakeRepository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	user, ok := f.usersByEmail[strings.ToLower(email)]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (f *fakeRepository) GetUserByID(ctx context.Context, userID string) (User, error) {
	user, ok := f.usersByID[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (f *fakeRepository) DisplayNames(ctx context.Context, ids []string) (map[string]string, error) {
	out := map[string]string{}
	for _, id := range ids {
		if user, ok := f.usersByID[id]; ok {
			out[id] = user.DisplayName
		}
	}
	return out, nil
}
