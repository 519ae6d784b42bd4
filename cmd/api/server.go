package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"exchangeflow/exchange"
	"exchangeflow/family"
	"exchangeflow/identity"
	"exchangeflow/logging"
)

type ctxKey string

const ctxKeyUserID ctxKey = "userID"

const maxBodyBytes = 1 << 20

type exchangeService interface {
	CreateDefinition(ctx context.Context, actorID string, params exchange.CreateParams) (exchange.CreateResult, error)
	GetDefinition(ctx context.Context, viewerID, id string) (exchange.ViewerDefinition, error)
	UpdateSchedule(ctx context.Context, actorID, id string, patch exchange.SchedulePatch) (exchange.Definition, error)
	ExtendHorizon(ctx context.Context, actorID, id string) (exchange.ExtendResult, error)
	ListInstances(ctx context.Context, viewerID string, filter exchange.ListFilter) ([]exchange.ViewerInstance, error)
	GetInstance(ctx context.Context, viewerID, id string) (exchange.ViewerInstance, error)
	CheckIn(ctx context.Context, params exchange.CheckInParams) (exchange.Instance, error)
	ConfirmQR(ctx context.Context, params exchange.ConfirmQRParams) (exchange.Instance, error)
	Cancel(ctx context.Context, params exchange.CancelParams) (exchange.Instance, error)
}

type identityService interface {
	Register(ctx context.Context, req identity.RegisterRequest) (*identity.User, error)
	Login(ctx context.Context, req identity.LoginRequest) (identity.LoginResult, error)
	VerifyToken(token string) (string, error)
	GetUserByID(ctx context.Context, userID string) (*identity.User, error)
}

type memberService interface {
	AddMember(ctx context.Context, actorID, caseID, userID string, role family.Role) (family.Member, error)
	ListMembers(ctx context.Context, actorID, caseID string) ([]family.Member, error)
}

// Server exposes the exchange, identity and membership services over HTTP.
type Server struct {
	exchangeService exchangeService
	identityService identityService
	memberService   memberService
	log             *slog.Logger
	health          func(ctx context.Context) error
}

// NewServer wires the HTTP layer.
func NewServer(ex exchangeService, id identityService, members memberService, log *slog.Logger) *Server {
	if log == nil {
		log = logging.Discard()
	}
	return &Server{
		exchangeService: ex,
		identityService: id,
		memberService:   members,
		log:             log,
	}
}

// WithHealthCheck sets the probe /healthz runs.
func (s *Server) WithHealthCheck(check func(ctx context.Context) error) *Server {
	s.health = check
	return s
}

// Routes returns the request multiplexer.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /api/auth/register", s.handleRegister)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.Handle("GET /api/auth/me", s.requireAuth(s.handleMe))

	mux.Handle("POST /api/exchanges", s.requireAuth(s.handleCreateExchange))
	mux.Handle("GET /api/exchanges/{id}", s.requireAuth(s.handleGetExchange))
	mux.Handle("PATCH /api/exchanges/{id}", s.requireAuth(s.handleUpdateExchange))
	mux.Handle("POST /api/exchanges/{id}/extend", s.requireAuth(s.handleExtendExchange))
	mux.Handle("GET /api/exchanges/{id}/instances", s.requireAuth(s.handleExchangeInstances))
	mux.Handle("GET /api/cases/{caseID}/instances", s.requireAuth(s.handleCaseInstances))
	mux.Handle("GET /api/cases/{caseID}/members", s.requireAuth(s.handleListMembers))
	mux.Handle("POST /api/cases/{caseID}/members", s.requireAuth(s.handleAddMember))
	mux.Handle("GET /api/instances/{id}", s.requireAuth(s.handleGetInstance))
	mux.Handle("POST /api/instances/{id}/check-in", s.requireAuth(s.handleCheckIn))
	mux.Handle("POST /api/instances/{id}/confirm-qr", s.requireAuth(s.handleConfirmQR))
	mux.Handle("POST /api/instances/{id}/cancel", s.requireAuth(s.handleCancel))
	return s.logRequests(mux)
}

func (s *Server) requireAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, err := s.identityService.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
		next(w, r.WithContext(ctx))
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.InfoContext(r.Context(), "http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("elapsed", time.Since(start)),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func userIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyUserID).(string)
	return id
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			s.log.ErrorContext(r.Context(), "health check failed", logging.Err(err))
			writeError(w, http.StatusServiceUnavailable, "unhealthy")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req identity.RegisterRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user, err := s.identityService.Register(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req identity.LoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.identityService.Login(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     res.Token,
		ExpiresAt: res.ExpiresAt.UTC().Format(time.RFC3339),
		User:      toUserResponse(res.User),
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, err := s.identityService.GetUserByID(r.Context(), userIDFrom(r.Context()))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(*user))
}

func (s *Server) handleCreateExchange(w http.ResponseWriter, r *http.Request) {
	var req createExchangeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	params, err := req.params()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.exchangeService.CreateDefinition(r.Context(), userIDFrom(r.Context()), params)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, createExchangeResponse{
		Definition: toDefinitionResponse(res.Definition),
		Instances:  toRawInstances(res.Instances),
		Warnings:   toWarnings(res.Warnings),
	})
}

func (s *Server) handleGetExchange(w http.ResponseWriter, r *http.Request) {
	view, err := s.exchangeService.GetDefinition(r.Context(), userIDFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toViewerDefinitionResponse(view))
}

func (s *Server) handleUpdateExchange(w http.ResponseWriter, r *http.Request) {
	var req updateExchangeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	patch, err := req.patch()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	def, err := s.exchangeService.UpdateSchedule(r.Context(), userIDFrom(r.Context()), r.PathValue("id"), patch)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDefinitionResponse(def))
}

func (s *Server) handleExtendExchange(w http.ResponseWriter, r *http.Request) {
	res, err := s.exchangeService.ExtendHorizon(r.Context(), userIDFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, extendResponse{
		DefinitionID: res.DefinitionID,
		Inserted:     toRawInstances(res.Inserted),
		Warnings:     toWarnings(res.Warnings),
		Until:        res.Until.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleExchangeInstances(w http.ResponseWriter, r *http.Request) {
	s.listInstances(w, r, exchange.ListFilter{DefinitionID: r.PathValue("id")})
}

func (s *Server) handleCaseInstances(w http.ResponseWriter, r *http.Request) {
	s.listInstances(w, r, exchange.ListFilter{CaseID: r.PathValue("caseID")})
}

func (s *Server) listInstances(w http.ResponseWriter, r *http.Request, filter exchange.ListFilter) {
	q := r.URL.Query()
	var err error
	if filter.From, err = parseOptionalTime(q.Get("from")); err != nil {
		writeError(w, http.StatusBadRequest, "from must be RFC 3339")
		return
	}
	if filter.To, err = parseOptionalTime(q.Get("to")); err != nil {
		writeError(w, http.StatusBadRequest, "to must be RFC 3339")
		return
	}
	views, err := s.exchangeService.ListInstances(r.Context(), userIDFrom(r.Context()), filter)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	items := make([]viewerInstanceResponse, 0, len(views))
	for _, v := range views {
		items = append(items, toViewerInstanceResponse(v))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	s.writeInstance(w, r, r.PathValue("id"), http.StatusOK)
}

func (s *Server) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	var req checkInRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	params := exchange.CheckInParams{
		InstanceID: r.PathValue("id"),
		UserID:     userIDFrom(r.Context()),
		Notes:      req.Notes,
	}
	if req.Location != nil {
		params.Location = &exchange.Location{Lat: req.Location.Lat, Lng: req.Location.Lng, AccuracyM: req.Location.AccuracyM}
	}
	if _, err := s.exchangeService.CheckIn(r.Context(), params); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeInstance(w, r, params.InstanceID, http.StatusOK)
}

func (s *Server) handleConfirmQR(w http.ResponseWriter, r *http.Request) {
	var req confirmQRRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	params := exchange.ConfirmQRParams{
		InstanceID: r.PathValue("id"),
		UserID:     userIDFrom(r.Context()),
		Token:      req.Token,
	}
	if _, err := s.exchangeService.ConfirmQR(r.Context(), params); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeInstance(w, r, params.InstanceID, http.StatusOK)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	params := exchange.CancelParams{
		InstanceID: r.PathValue("id"),
		UserID:     userIDFrom(r.Context()),
		Reason:     req.Reason,
	}
	if _, err := s.exchangeService.Cancel(r.Context(), params); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeInstance(w, r, params.InstanceID, http.StatusOK)
}

// writeInstance renders the instance as the caller sees it, so mutations
// return the same shape as reads and never leak the QR token to non-parties.
func (s *Server) writeInstance(w http.ResponseWriter, r *http.Request, id string, status int) {
	view, err := s.exchangeService.GetInstance(r.Context(), userIDFrom(r.Context()), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, status, toViewerInstanceResponse(view))
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	var req addMemberRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	actor := userIDFrom(r.Context())
	if req.UserID == "" {
		req.UserID = actor
	}
	m, err := s.memberService.AddMember(r.Context(), actor, r.PathValue("caseID"), req.UserID, family.Role(req.Role))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMemberResponse(m))
}

func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := s.memberService.ListMembers(r.Context(), userIDFrom(r.Context()), r.PathValue("caseID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	items := make([]memberResponse, 0, len(members))
	for _, m := range members {
		items = append(items, toMemberResponse(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			logging.Err(err),
		)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, exchange.ErrNotFound),
		errors.Is(err, identity.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, exchange.ErrForbidden),
		errors.Is(err, family.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, exchange.ErrInvalidState),
		errors.Is(err, identity.ErrDuplicateEmail),
		errors.Is(err, family.ErrAlreadyMember):
		return http.StatusConflict
	case errors.Is(err, exchange.ErrInvalidToken):
		return http.StatusUnprocessableEntity
	case errors.Is(err, identity.ErrInvalidCredentials),
		errors.Is(err, identity.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, exchange.ErrInvalidInput),
		errors.Is(err, identity.ErrWeakPassword),
		errors.Is(err, identity.ErrInvalidRegistration),
		errors.Is(err, family.ErrInvalidMember):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
