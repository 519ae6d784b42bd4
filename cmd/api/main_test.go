package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"exchangeflow/config"
	"exchangeflow/exchange"
	"exchangeflow/family"
	"exchangeflow/identity"
	"exchangeflow/logging"
)

type stubExchangeService struct {
	createResult exchange.CreateResult
	createErr    error
	lastCreate   exchange.CreateParams
	definition   exchange.ViewerDefinition
	getDefErr    error
	instances    []exchange.ViewerInstance
	lastFilter   exchange.ListFilter
	listErr      error
	instance     exchange.ViewerInstance
	getErr       error
	checkInErr   error
	lastCheckIn  exchange.CheckInParams
	confirmErr   error
	cancelErr    error
	lastCancel   exchange.CancelParams
}

func (s *stubExchangeService) CreateDefinition(_ context.Context, _ string, params exchange.CreateParams) (exchange.CreateResult, error) {
	s.lastCreate = params
	return s.createResult, s.createErr
}

func (s *stubExchangeService) GetDefinition(_ context.Context, _, _ string) (exchange.ViewerDefinition, error) {
	return s.definition, s.getDefErr
}

func (s *stubExchangeService) UpdateSchedule(_ context.Context, _, _ string, _ exchange.SchedulePatch) (exchange.Definition, error) {
	return s.definition.Definition, s.getDefErr
}

func (s *stubExchangeService) ExtendHorizon(_ context.Context, _, id string) (exchange.ExtendResult, error) {
	return exchange.ExtendResult{DefinitionID: id}, s.getDefErr
}

func (s *stubExchangeService) ListInstances(_ context.Context, _ string, filter exchange.ListFilter) ([]exchange.ViewerInstance, error) {
	s.lastFilter = filter
	return s.instances, s.listErr
}

func (s *stubExchangeService) GetInstance(_ context.Context, _, _ string) (exchange.ViewerInstance, error) {
	return s.instance, s.getErr
}

func (s *stubExchangeService) CheckIn(_ context.Context, params exchange.CheckInParams) (exchange.Instance, error) {
	s.lastCheckIn = params
	return s.instance.Instance, s.checkInErr
}

func (s *stubExchangeService) ConfirmQR(_ context.Context, _ exchange.ConfirmQRParams) (exchange.Instance, error) {
	return s.instance.Instance, s.confirmErr
}

func (s *stubExchangeService) Cancel(_ context.Context, params exchange.CancelParams) (exchange.Instance, error) {
	s.lastCancel = params
	return s.instance.Instance, s.cancelErr
}

type stubIdentityService struct {
	tokens   map[string]string
	user     identity.User
	loginErr error
}

func (s *stubIdentityService) Register(_ context.Context, req identity.RegisterRequest) (*identity.User, error) {
	if len(req.Password) < 8 {
		return nil, identity.ErrWeakPassword
	}
	if req.Email == "" || req.DisplayName == "" {
		return nil, identity.ErrInvalidRegistration
	}
	u := s.user
	return &u, nil
}

func (s *stubIdentityService) Login(_ context.Context, _ identity.LoginRequest) (identity.LoginResult, error) {
	if s.loginErr != nil {
		return identity.LoginResult{}, s.loginErr
	}
	return identity.LoginResult{Token: "tok", ExpiresAt: time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC), User: s.user}, nil
}

func (s *stubIdentityService) VerifyToken(token string) (string, error) {
	if id, ok := s.tokens[token]; ok {
		return id, nil
	}
	return "", identity.ErrInvalidToken
}

func (s *stubIdentityService) GetUserByID(_ context.Context, userID string) (*identity.User, error) {
	if userID != s.user.ID {
		return nil, identity.ErrUserNotFound
	}
	u := s.user
	return &u, nil
}

type stubMemberService struct {
	added   family.Member
	addErr  error
	members []family.Member
}

func (s *stubMemberService) AddMember(_ context.Context, _, caseID, userID string, role family.Role) (family.Member, error) {
	if s.addErr != nil {
		return family.Member{}, s.addErr
	}
	s.added = family.Member{CaseID: caseID, UserID: userID, Role: role}
	return s.added, nil
}

func (s *stubMemberService) ListMembers(_ context.Context, _, _ string) ([]family.Member, error) {
	return s.members, nil
}

func newTestServer(ex *stubExchangeService, members *stubMemberService) http.Handler {
	if ex == nil {
		ex = &stubExchangeService{}
	}
	if members == nil {
		members = &stubMemberService{}
	}
	ids := &stubIdentityService{
		tokens: map[string]string{"alice-token": "alice"},
		user:   identity.User{ID: "alice", Email: "alice@example.com", DisplayName: "Alice"},
	}
	return NewServer(ex, ids, members, logging.Discard()).Routes()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	req.Header.Set("Authorization", "Bearer alice-token")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	h := newTestServer(nil, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHealthz_Unhealthy(t *testing.T) {
	srv := NewServer(&stubExchangeService{}, &stubIdentityService{}, &stubMemberService{}, logging.Discard()).
		WithHealthCheck(func(context.Context) error { return errors.New("db down") })
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestRequireAuth(t *testing.T) {
	h := newTestServer(nil, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/instances/i1", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/instances/i1", nil)
	req.Header.Set("Authorization", "Bearer forged")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with a bad token, got %d", rec.Code)
	}
}

func TestRegisterAndLogin(t *testing.T) {
	h := newTestServer(nil, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/auth/register",
		strings.NewReader(`{"email":"alice@example.com","password":"short"}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for weak password, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/auth/register",
		strings.NewReader(`{"email":"","password":"long enough","display_name":""}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing email, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/auth/login",
		strings.NewReader(`{"email":"alice@example.com","password":"correct horse"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp loginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Token != "tok" || resp.User.ID != "alice" || resp.ExpiresAt != "2025-03-04T09:00:00Z" {
		t.Fatalf("unexpected login payload: %+v", resp)
	}
}

func TestCreateExchange_Success(t *testing.T) {
	scheduled := time.Date(2025, 3, 7, 18, 0, 0, 0, time.UTC)
	ex := &stubExchangeService{
		createResult: exchange.CreateResult{
			Definition: exchange.Definition{ID: "d1", CaseID: "case-1", ScheduledAt: scheduled, RecurrenceDays: []time.Weekday{time.Friday}},
			Instances:  []exchange.Instance{{ID: "i1", DefinitionID: "d1", ScheduledAt: scheduled}},
		},
	}
	h := newTestServer(ex, nil)

	body := `{"caseId":"case-1","fromParentId":"alice","toParentId":"bob","kind":"pickup",
		"scheduledAt":"2025-03-07T18:00:00Z","recurrence":"weekly","recurrenceDays":["friday"],
		"recurrenceExceptions":["2025-03-14"],"location":{"lat":51.5,"lng":-0.12}}`
	rec := do(t, h, http.MethodPost, "/api/exchanges", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp createExchangeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Definition.ID != "d1" || len(resp.Instances) != 1 || resp.Instances[0].ScheduledAt != "2025-03-07T18:00:00Z" {
		t.Fatalf("unexpected payload: %+v", resp)
	}
	if len(resp.Definition.RecurrenceDays) != 1 || resp.Definition.RecurrenceDays[0] != "Friday" {
		t.Fatalf("unexpected recurrence days: %v", resp.Definition.RecurrenceDays)
	}

	got := ex.lastCreate
	if got.CaseID != "case-1" || got.Kind != exchange.KindPickup || got.Location == nil || got.Location.Lat != 51.5 {
		t.Fatalf("unexpected create params: %+v", got)
	}
	if len(got.RecurrenceDays) != 1 || got.RecurrenceDays[0] != time.Friday {
		t.Fatalf("unexpected days: %v", got.RecurrenceDays)
	}
	if len(got.RecurrenceExceptions) != 1 || got.RecurrenceExceptions[0].String() != "2025-03-14" {
		t.Fatalf("unexpected exceptions: %v", got.RecurrenceExceptions)
	}
}

func TestCreateExchange_BadInput(t *testing.T) {
	h := newTestServer(&stubExchangeService{}, nil)

	rec := do(t, h, http.MethodPost, "/api/exchanges", `{"recurrenceDays":["someday"]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown weekday, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/api/exchanges", `{"unknown":true}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", rec.Code)
	}
}

func TestCreateExchange_ServiceErrors(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: kind", exchange.ErrInvalidInput), http.StatusBadRequest},
		{fmt.Errorf("%w: not on case", exchange.ErrForbidden), http.StatusForbidden},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		h := newTestServer(&stubExchangeService{createErr: tc.err}, nil)
		rec := do(t, h, http.MethodPost, "/api/exchanges", `{"caseId":"case-1"}`)
		if rec.Code != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, rec.Code)
		}
		if tc.want == http.StatusInternalServerError && strings.Contains(rec.Body.String(), "boom") {
			t.Fatalf("internal error detail leaked: %s", rec.Body.String())
		}
	}
}

func TestListInstances_Filters(t *testing.T) {
	ex := &stubExchangeService{
		instances: []exchange.ViewerInstance{{
			Instance:         exchange.Instance{ID: "i1", Status: exchange.StatusScheduled, Outcome: exchange.OutcomePending},
			CounterpartyName: "Bob",
			Perspective:      exchange.Perspective{Role: exchange.RolePickup, Kind: exchange.KindPickup},
		}},
	}
	h := newTestServer(ex, nil)

	rec := do(t, h, http.MethodGet, "/api/cases/case-1/instances?from=2025-03-01T00:00:00Z", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ex.lastFilter.CaseID != "case-1" || ex.lastFilter.From == nil || ex.lastFilter.To != nil {
		t.Fatalf("unexpected filter: %+v", ex.lastFilter)
	}

	var payload struct {
		Items []viewerInstanceResponse `json:"items"`
		Total int                      `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Total != 1 || payload.Items[0].ID != "i1" || payload.Items[0].CounterpartyName != "Bob" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if payload.Items[0].Perspective.Role != "pickup" {
		t.Fatalf("unexpected perspective: %+v", payload.Items[0].Perspective)
	}

	rec = do(t, h, http.MethodGet, "/api/exchanges/d1/instances", "")
	if rec.Code != http.StatusOK || ex.lastFilter.DefinitionID != "d1" {
		t.Fatalf("expected definition filter, got %d %+v", rec.Code, ex.lastFilter)
	}

	rec = do(t, h, http.MethodGet, "/api/cases/case-1/instances?to=tomorrow", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad to, got %d", rec.Code)
	}
}

func TestGetInstance_NotFound(t *testing.T) {
	h := newTestServer(&stubExchangeService{getErr: fmt.Errorf("%w: instance i9", exchange.ErrNotFound)}, nil)
	rec := do(t, h, http.MethodGet, "/api/instances/i9", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCheckIn_PassesLocation(t *testing.T) {
	token := "qr"
	ex := &stubExchangeService{
		instance: exchange.ViewerInstance{Instance: exchange.Instance{ID: "i1", Outcome: exchange.OutcomeAwaitingQR, QRToken: &token}},
	}
	h := newTestServer(ex, nil)

	rec := do(t, h, http.MethodPost, "/api/instances/i1/check-in", `{"location":{"lat":1.5,"lng":2.5,"accuracyM":8},"notes":"here"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	got := ex.lastCheckIn
	if got.InstanceID != "i1" || got.UserID != "alice" || got.Notes != "here" {
		t.Fatalf("unexpected params: %+v", got)
	}
	if got.Location == nil || got.Location.Lat != 1.5 || got.Location.AccuracyM != 8 {
		t.Fatalf("unexpected location: %+v", got.Location)
	}

	var resp viewerInstanceResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.QRToken == nil || *resp.QRToken != "qr" || resp.Outcome != string(exchange.OutcomeAwaitingQR) {
		t.Fatalf("unexpected payload: %+v", resp)
	}
}

func TestInstanceMutations_ErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		ex   *stubExchangeService
		path string
		body string
		want int
	}{
		{"check-in terminal", &stubExchangeService{checkInErr: exchange.ErrInvalidState}, "/api/instances/i1/check-in", `{}`, http.StatusConflict},
		{"check-in outsider", &stubExchangeService{checkInErr: exchange.ErrForbidden}, "/api/instances/i1/check-in", `{}`, http.StatusForbidden},
		{"qr expired", &stubExchangeService{confirmErr: fmt.Errorf("%w: token expired", exchange.ErrInvalidToken)}, "/api/instances/i1/confirm-qr", `{"token":"x"}`, http.StatusUnprocessableEntity},
		{"cancel terminal", &stubExchangeService{cancelErr: exchange.ErrInvalidState}, "/api/instances/i1/cancel", "", http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, newTestServer(tc.ex, nil), http.MethodPost, tc.path, tc.body)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestCancel_WithReason(t *testing.T) {
	ex := &stubExchangeService{instance: exchange.ViewerInstance{Instance: exchange.Instance{ID: "i1", Status: exchange.StatusCancelled}}}
	rec := do(t, newTestServer(ex, nil), http.MethodPost, "/api/instances/i1/cancel", `{"reason":"sick"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ex.lastCancel.Reason != "sick" || ex.lastCancel.UserID != "alice" {
		t.Fatalf("unexpected cancel params: %+v", ex.lastCancel)
	}
}

func TestAddMember_DefaultsToActor(t *testing.T) {
	members := &stubMemberService{}
	rec := do(t, newTestServer(nil, members), http.MethodPost, "/api/cases/case-1/members", `{"role":"parent"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if members.added.UserID != "alice" || members.added.CaseID != "case-1" || members.added.Role != family.RoleParent {
		t.Fatalf("unexpected member: %+v", members.added)
	}

	rec = do(t, newTestServer(nil, &stubMemberService{addErr: family.ErrForbidden}), http.MethodPost, "/api/cases/case-1/members", `{"userId":"bob"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestMe(t *testing.T) {
	h := newTestServer(nil, nil)

	rec := do(t, h, http.MethodGet, "/api/auth/me", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp userResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "alice" || resp.DisplayName != "Alice" {
		t.Fatalf("unexpected profile: %+v", resp)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/auth/me", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", rec.Code)
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		identity.ErrDuplicateEmail:      http.StatusConflict,
		identity.ErrInvalidCredentials:  http.StatusUnauthorized,
		family.ErrAlreadyMember:         http.StatusConflict,
		family.ErrInvalidMember:         http.StatusBadRequest,
		identity.ErrUserNotFound:        http.StatusNotFound,
		identity.ErrInvalidRegistration: http.StatusBadRequest,
	}
	for err, want := range cases {
		if got := statusFor(fmt.Errorf("wrapped: %w", err)); got != want {
			t.Fatalf("%v: expected %d, got %d", err, want, got)
		}
	}
}

type countingExtender struct {
	mu    sync.Mutex
	calls int
}

func (c *countingExtender) ExtendAll(context.Context, int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.calls == 2 {
		return 0, errors.New("transient")
	}
	return 1, nil
}

func (c *countingExtender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestExtendHorizons_RunsUntilCancelled(t *testing.T) {
	ext := &countingExtender{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- extendHorizons(ctx, ext, config.HorizonConfig{Interval: 5 * time.Millisecond, BatchSize: 10}, logging.Discard())
	}()

	deadline := time.Now().Add(time.Second)
	for ext.count() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("expected at least 3 passes, got %d", ext.count())
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil on cancel, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("extender did not stop")
	}
}
