package exchange

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"exchangeflow/geofence"
	"exchangeflow/logging"
	"exchangeflow/recurrence"
)

const (
	DefaultRadiusM         = 100.0
	DefaultBeforeMinutes   = 30
	DefaultAfterMinutes    = 30
	DefaultDurationMinutes = 30
	DefaultHorizon         = 56 * 24 * time.Hour
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Authorizer decides whether a user may act on a case.
type Authorizer interface {
	CanAct(ctx context.Context, caseID, userID string) (bool, error)
}

// Directory resolves user ids to display names.
type Directory interface {
	DisplayNames(ctx context.Context, ids []string) (map[string]string, error)
}

// OutboxWriter enqueues a notification inside the caller's transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Service implements exchange scheduling, check-in and closing.
type Service struct {
	pool      TxBeginner
	repo      Repository
	access    Authorizer
	directory Directory
	outbox    OutboxWriter
	log       *slog.Logger
	now       func() time.Time
	idGen     func() string
	tokenGen  func() string
	horizon   time.Duration
}

// NewService builds a Service. Directory and outbox are optional.
func NewService(pool TxBeginner, repo Repository, access Authorizer) *Service {
	return &Service{
		pool:     pool,
		repo:     repo,
		access:   access,
		log:      logging.Discard(),
		now:      time.Now,
		idGen:    uuid.NewString,
		tokenGen: func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") },
		horizon:  DefaultHorizon,
	}
}

// WithDirectory sets the display name resolver used by viewer formatting.
func (s *Service) WithDirectory(d Directory) *Service {
	s.directory = d
	return s
}

// WithOutbox sets the writer notifications are enqueued on.
func (s *Service) WithOutbox(w OutboxWriter) *Service {
	s.outbox = w
	return s
}

// WithLogger sets the logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	if l != nil {
		s.log = l
	}
	return s
}

// WithClock overrides the time source, primarily for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// WithIDGenerator overrides row id generation, primarily for tests.
func (s *Service) WithIDGenerator(gen func() string) *Service {
	if gen != nil {
		s.idGen = gen
	}
	return s
}

// WithTokenGenerator overrides QR token generation, primarily for tests.
func (s *Service) WithTokenGenerator(gen func() string) *Service {
	if gen != nil {
		s.tokenGen = gen
	}
	return s
}

// WithHorizon sets how far ahead of now instances are materialized.
func (s *Service) WithHorizon(h time.Duration) *Service {
	if h > 0 {
		s.horizon = h
	}
	return s
}

// CreateParams is the input of CreateDefinition. Zero values take defaults.
type CreateParams struct {
	CaseID                 string
	FromParentID           string
	ToParentID             string
	Title                  string
	Kind                   Kind
	PickupChildIDs         []string
	DropoffChildIDs        []string
	LocationName           string
	Location               *geofence.Point
	ScheduledAt            time.Time
	DurationMinutes        int
	Timezone               string
	Recurrence             recurrence.Kind
	RecurrenceDays         []time.Weekday
	RecurrenceExceptions   []recurrence.Date
	RecurrenceEnd          *time.Time
	GeofenceRadiusM        float64
	CheckInBeforeMinutes   *int
	CheckInAfterMinutes    *int
	SilentHandoffEnabled   bool
	QRConfirmationRequired bool
}

// CreateResult is a stored definition plus what was materialized for it.
type CreateResult struct {
	Definition Definition
	Instances  []Instance
	Warnings   []ConfigurationWarning
}

// CreateDefinition validates and stores a definition, then materializes its
// instances up to the horizon. A rule that yields nothing is still stored and
// reported through Warnings.
func (s *Service) CreateDefinition(ctx context.Context, actorID string, params CreateParams) (CreateResult, error) {
	if actorID == "" {
		return CreateResult{}, fmt.Errorf("%w: missing actor", ErrForbidden)
	}
	def := Definition{
		ID:                     s.idGen(),
		CaseID:                 params.CaseID,
		CreatorID:              actorID,
		FromParentID:           params.FromParentID,
		ToParentID:             params.ToParentID,
		Title:                  strings.TrimSpace(params.Title),
		Kind:                   params.Kind,
		PickupChildIDs:         dedupe(params.PickupChildIDs),
		DropoffChildIDs:        dedupe(params.DropoffChildIDs),
		LocationName:           strings.TrimSpace(params.LocationName),
		Location:               params.Location,
		ScheduledAt:            params.ScheduledAt,
		DurationMinutes:        params.DurationMinutes,
		Timezone:               params.Timezone,
		Recurrence:             params.Recurrence,
		RecurrenceDays:         params.RecurrenceDays,
		RecurrenceExceptions:   params.RecurrenceExceptions,
		RecurrenceEnd:          params.RecurrenceEnd,
		GeofenceRadiusM:        params.GeofenceRadiusM,
		CheckInBeforeMinutes:   DefaultBeforeMinutes,
		CheckInAfterMinutes:    DefaultAfterMinutes,
		SilentHandoffEnabled:   params.SilentHandoffEnabled,
		QRConfirmationRequired: params.QRConfirmationRequired,
		Active:                 true,
	}
	if params.CheckInBeforeMinutes != nil {
		def.CheckInBeforeMinutes = *params.CheckInBeforeMinutes
	}
	if params.CheckInAfterMinutes != nil {
		def.CheckInAfterMinutes = *params.CheckInAfterMinutes
	}
	applyDefaults(&def)
	if err := validateDefinition(def); err != nil {
		return CreateResult{}, err
	}
	for _, userID := range []string{actorID, def.FromParentID, def.ToParentID} {
		if err := s.authorize(ctx, def.CaseID, userID); err != nil {
			return CreateResult{}, err
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return CreateResult{}, fmt.Errorf("exchange: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rule, err := def.Rule()
	if err != nil {
		return CreateResult{}, err
	}
	now := s.now()
	window := s.materializeWindow(def, nil, now)
	exp := recurrence.Expand(rule, window)
	def.MaterializedUntil = &window.To

	stored, err := s.repo.InsertDefinition(ctx, tx, def)
	if err != nil {
		return CreateResult{}, err
	}
	inserted, err := s.insertOccurrences(ctx, tx, stored, exp.Occurrences)
	if err != nil {
		return CreateResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return CreateResult{}, fmt.Errorf("exchange: commit tx: %w", err)
	}

	s.log.InfoContext(ctx, "exchange definition created",
		slog.String("definition_id", stored.ID),
		slog.String("case_id", stored.CaseID),
		slog.String("recurrence", string(stored.Recurrence)),
		slog.Int("instances", len(inserted)),
		slog.Int("warnings", len(exp.Warnings)),
	)
	return CreateResult{Definition: stored, Instances: inserted, Warnings: exp.Warnings}, nil
}

// GetDefinition returns the definition formatted for viewerID.
func (s *Service) GetDefinition(ctx context.Context, viewerID, id string) (ViewerDefinition, error) {
	def, err := s.repo.GetDefinition(ctx, id)
	if err != nil {
		return ViewerDefinition{}, err
	}
	if err := s.authorize(ctx, def.CaseID, viewerID); err != nil {
		return ViewerDefinition{}, err
	}
	names := s.displayNames(ctx, def.FromParentID, def.ToParentID)
	return ViewDefinition(def, viewerID, names), nil
}

// SchedulePatch holds the scheduling fields UpdateSchedule may change. Nil
// fields are left alone.
type SchedulePatch struct {
	Title                  *string
	LocationName           *string
	Location               *geofence.Point
	ScheduledAt            *time.Time
	DurationMinutes        *int
	Timezone               *string
	Recurrence             *recurrence.Kind
	RecurrenceDays         []time.Weekday
	RecurrenceExceptions   []recurrence.Date
	RecurrenceEnd          *time.Time
	ClearRecurrenceEnd     bool
	GeofenceRadiusM        *float64
	CheckInBeforeMinutes   *int
	CheckInAfterMinutes    *int
	SilentHandoffEnabled   *bool
	QRConfirmationRequired *bool
	Active                 *bool
}

// UpdateSchedule changes a definition's schedule. Only the creator may do
// this, and already-materialized instances keep the schedule they were
// created under.
func (s *Service) UpdateSchedule(ctx context.Context, actorID, id string, patch SchedulePatch) (Definition, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Definition{}, fmt.Errorf("exchange: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	def, err := s.repo.GetDefinitionForUpdate(ctx, tx, id)
	if err != nil {
		return Definition{}, err
	}
	if actorID == "" || actorID != def.CreatorID {
		return Definition{}, fmt.Errorf("%w: only the creator may change the schedule", ErrForbidden)
	}
	if err := s.authorize(ctx, def.CaseID, actorID); err != nil {
		return Definition{}, err
	}

	applyPatch(&def, patch)
	applyDefaults(&def)
	if err := validateDefinition(def); err != nil {
		return Definition{}, err
	}

	updated, err := s.repo.UpdateDefinition(ctx, tx, def)
	if err != nil {
		return Definition{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Definition{}, fmt.Errorf("exchange: commit tx: %w", err)
	}
	return updated, nil
}

// ExtendResult reports what one horizon extension materialized.
type ExtendResult struct {
	DefinitionID string
	Inserted     []Instance
	Warnings     []ConfigurationWarning
	Until        time.Time
}

// ExtendHorizon materializes instances of one definition up to the rolling
// horizon on behalf of actorID.
func (s *Service) ExtendHorizon(ctx context.Context, actorID, id string) (ExtendResult, error) {
	def, err := s.repo.GetDefinition(ctx, id)
	if err != nil {
		return ExtendResult{}, err
	}
	if err := s.authorize(ctx, def.CaseID, actorID); err != nil {
		return ExtendResult{}, err
	}
	return s.extend(ctx, id)
}

// ExtendAll extends every recurring definition that has fallen behind the
// horizon. A failure on one definition is logged and does not stop the rest.
func (s *Service) ExtendAll(ctx context.Context, limit int) (int, error) {
	ids, err := s.repo.ListDefinitionsDue(ctx, s.now().Add(s.horizon), limit)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		res, err := s.extend(ctx, id)
		if err != nil {
			s.log.ErrorContext(ctx, "extend horizon failed",
				slog.String("definition_id", id),
				logging.Err(err),
			)
			continue
		}
		total += len(res.Inserted)
	}
	return total, nil
}

func (s *Service) extend(ctx context.Context, id string) (ExtendResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ExtendResult{}, fmt.Errorf("exchange: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	def, err := s.repo.GetDefinitionForUpdate(ctx, tx, id)
	if err != nil {
		return ExtendResult{}, err
	}
	res := ExtendResult{DefinitionID: def.ID}
	if def.MaterializedUntil != nil {
		res.Until = *def.MaterializedUntil
	}
	if !def.Active {
		return res, nil
	}

	window := s.materializeWindow(def, def.MaterializedUntil, s.now())
	if !window.To.After(window.From) {
		return res, nil
	}
	rule, err := def.Rule()
	if err != nil {
		return ExtendResult{}, err
	}
	exp := recurrence.Expand(rule, window)
	res.Warnings = exp.Warnings

	inserted, err := s.insertOccurrences(ctx, tx, def, exp.Occurrences)
	if err != nil {
		return ExtendResult{}, err
	}
	def.MaterializedUntil = &window.To
	if _, err := s.repo.UpdateDefinition(ctx, tx, def); err != nil {
		return ExtendResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return ExtendResult{}, fmt.Errorf("exchange: commit tx: %w", err)
	}

	res.Inserted = inserted
	res.Until = window.To
	if len(inserted) > 0 {
		s.log.InfoContext(ctx, "exchange horizon extended",
			slog.String("definition_id", def.ID),
			slog.Int("instances", len(inserted)),
			slog.Time("until", window.To),
		)
	}
	return res, nil
}

// materializeWindow is the range the next expansion covers. It starts at the
// previous high-water mark, or at the anchor, but never so far back that the
// instance's check-in window already closed. A one-off is always
// materialized at its anchor, even a past one, so the sweeper can close it.
// The window ends one horizon past now, or past the anchor when the first
// occurrence lies beyond that.
func (s *Service) materializeWindow(def Definition, until *time.Time, now time.Time) recurrence.Window {
	grace := time.Duration(def.CheckInAfterMinutes) * time.Minute
	from := def.ScheduledAt
	if until != nil && until.After(from) {
		from = *until
	}
	oneOffFirst := def.Recurrence == recurrence.None && until == nil
	if earliest := now.Add(-grace); from.Before(earliest) && !oneOffFirst {
		from = earliest
	}
	base := now
	if def.ScheduledAt.After(base) {
		base = def.ScheduledAt
	}
	return recurrence.Window{From: from, To: base.Add(s.horizon)}
}

func (s *Service) insertOccurrences(ctx context.Context, tx pgx.Tx, def Definition, occurrences []time.Time) ([]Instance, error) {
	if len(occurrences) == 0 {
		return nil, nil
	}
	pending := make([]Instance, 0, len(occurrences))
	for _, at := range occurrences {
		start, end := def.Window(at)
		pending = append(pending, Instance{
			ID:           s.idGen(),
			DefinitionID: def.ID,
			ScheduledAt:  at,
			WindowStart:  &start,
			WindowEnd:    &end,
			Outcome:      OutcomePending,
			Status:       StatusScheduled,
		})
	}
	return s.repo.InsertInstances(ctx, tx, pending)
}

// ListInstances returns instances of a definition or a case, formatted for viewerID.
func (s *Service) ListInstances(ctx context.Context, viewerID string, filter ListFilter) ([]ViewerInstance, error) {
	switch {
	case filter.DefinitionID != "":
		def, err := s.repo.GetDefinition(ctx, filter.DefinitionID)
		if err != nil {
			return nil, err
		}
		if err := s.authorize(ctx, def.CaseID, viewerID); err != nil {
			return nil, err
		}
	case filter.CaseID != "":
		if err := s.authorize(ctx, filter.CaseID, viewerID); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: definition or case required", ErrInvalidInput)
	}

	instances, err := s.repo.ListInstances(ctx, filter)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, 4)
	for _, inst := range instances {
		if !slices.Contains(ids, inst.DefinitionID) {
			ids = append(ids, inst.DefinitionID)
		}
	}
	defs, err := s.repo.GetDefinitions(ctx, ids)
	if err != nil {
		return nil, err
	}
	parents := make([]string, 0, 2*len(defs))
	for _, def := range defs {
		parents = append(parents, def.FromParentID, def.ToParentID)
	}
	names := s.displayNames(ctx, parents...)

	now := s.now()
	out := make([]ViewerInstance, 0, len(instances))
	for _, inst := range instances {
		def, ok := defs[inst.DefinitionID]
		if !ok {
			continue
		}
		out = append(out, ViewInstance(def, inst, viewerID, names, now))
	}
	return out, nil
}

// GetInstance returns a single instance formatted for viewerID.
func (s *Service) GetInstance(ctx context.Context, viewerID, id string) (ViewerInstance, error) {
	inst, def, err := s.load(ctx, id)
	if err != nil {
		return ViewerInstance{}, err
	}
	if err := s.authorize(ctx, def.CaseID, viewerID); err != nil {
		return ViewerInstance{}, err
	}
	names := s.displayNames(ctx, def.FromParentID, def.ToParentID)
	return ViewInstance(def, inst, viewerID, names, s.now()), nil
}

// Location is a GPS fix submitted with a check-in.
type Location struct {
	Lat       float64
	Lng       float64
	AccuracyM float64
}

// CheckInParams is the input of CheckIn.
type CheckInParams struct {
	InstanceID string
	UserID     string
	Location   *Location
	Notes      string
}

// CheckIn records the caller's presence on their side of an instance and
// re-derives the outcome. Concurrent check-ins on the same instance are
// serialized on the instance row.
func (s *Service) CheckIn(ctx context.Context, params CheckInParams) (Instance, error) {
	in := checkInInput{UserID: params.UserID, Notes: params.Notes}
	if params.Location != nil {
		p := geofence.Point{Lat: params.Location.Lat, Lng: params.Location.Lng}
		if err := geofence.Validate(p); err != nil {
			return Instance{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		in.Point = &p
		in.AccuracyM = params.Location.AccuracyM
	}

	_, def, err := s.load(ctx, params.InstanceID)
	if err != nil {
		return Instance{}, err
	}
	if err := s.authorize(ctx, def.CaseID, params.UserID); err != nil {
		return Instance{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Instance{}, fmt.Errorf("exchange: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	inst, err := s.repo.GetInstanceForUpdate(ctx, tx, params.InstanceID)
	if err != nil {
		return Instance{}, err
	}
	in.At = s.now()
	result, err := applyCheckIn(&inst, def, in, s.tokenGen)
	if err != nil {
		return Instance{}, err
	}
	updated, err := s.repo.UpdateInstance(ctx, tx, inst)
	if err != nil {
		return Instance{}, err
	}

	payload := map[string]any{
		"side":       result.Side.String(),
		"resolution": string(result.Resolution),
		"outcome":    string(updated.Outcome),
	}
	if result.Geofence.Known {
		payload["distance_m"] = result.Geofence.DistanceM
		payload["in_geofence"] = result.Geofence.InZone
	}
	if err := s.record(ctx, tx, def, updated, EventCheckedIn, TopicCheckedIn, params.UserID, payload); err != nil {
		return Instance{}, err
	}
	if result.Minted {
		if err := s.record(ctx, tx, def, updated, EventQRMinted, TopicQRPending, params.UserID, nil); err != nil {
			return Instance{}, err
		}
	}
	if updated.Outcome == OutcomeCompleted && result.Previous != OutcomeCompleted {
		if err := s.enqueue(ctx, tx, TopicCompleted, def, updated); err != nil {
			return Instance{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Instance{}, fmt.Errorf("exchange: commit tx: %w", err)
	}
	return updated, nil
}

// ConfirmQRParams is the input of ConfirmQR.
type ConfirmQRParams struct {
	InstanceID string
	UserID     string
	Token      string
}

// ConfirmQR completes an instance awaiting mutual confirmation when the
// presented token matches the one minted for it.
func (s *Service) ConfirmQR(ctx context.Context, params ConfirmQRParams) (Instance, error) {
	_, def, err := s.load(ctx, params.InstanceID)
	if err != nil {
		return Instance{}, err
	}
	if err := s.authorize(ctx, def.CaseID, params.UserID); err != nil {
		return Instance{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Instance{}, fmt.Errorf("exchange: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	inst, err := s.repo.GetInstanceForUpdate(ctx, tx, params.InstanceID)
	if err != nil {
		return Instance{}, err
	}
	if inst.Status.Terminal() {
		return Instance{}, fmt.Errorf("%w: instance is %s", ErrInvalidState, inst.Status)
	}
	if inst.QRToken == nil {
		return Instance{}, fmt.Errorf("%w: no token issued", ErrInvalidToken)
	}
	now := s.now()
	_, end := def.Window(inst.ScheduledAt)
	if inst.WindowEnd != nil {
		end = *inst.WindowEnd
	}
	if now.After(end) {
		return Instance{}, fmt.Errorf("%w: token expired", ErrInvalidToken)
	}
	if subtle.ConstantTimeCompare([]byte(*inst.QRToken), []byte(params.Token)) != 1 {
		return Instance{}, ErrInvalidToken
	}
	if inst.Outcome != OutcomeAwaitingQR {
		return Instance{}, fmt.Errorf("%w: outcome is %s", ErrInvalidState, inst.Outcome)
	}

	user := params.UserID
	inst.QRConfirmedAt = &now
	inst.QRConfirmedBy = &user
	inst.Outcome, inst.Status = OutcomeCompleted, StatusCompleted

	updated, err := s.repo.UpdateInstance(ctx, tx, inst)
	if err != nil {
		return Instance{}, err
	}
	if err := s.record(ctx, tx, def, updated, EventQRConfirmed, TopicCompleted, params.UserID, nil); err != nil {
		return Instance{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Instance{}, fmt.Errorf("exchange: commit tx: %w", err)
	}
	return updated, nil
}

// CancelParams is the input of Cancel.
type CancelParams struct {
	InstanceID string
	UserID     string
	Reason     string
}

// Cancel withdraws a scheduled instance. The outcome is left as it was.
func (s *Service) Cancel(ctx context.Context, params CancelParams) (Instance, error) {
	_, def, err := s.load(ctx, params.InstanceID)
	if err != nil {
		return Instance{}, err
	}
	if !def.IsParty(params.UserID) {
		return Instance{}, fmt.Errorf("%w: only a party may cancel", ErrForbidden)
	}
	if err := s.authorize(ctx, def.CaseID, params.UserID); err != nil {
		return Instance{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Instance{}, fmt.Errorf("exchange: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	inst, err := s.repo.GetInstanceForUpdate(ctx, tx, params.InstanceID)
	if err != nil {
		return Instance{}, err
	}
	if inst.Status.Terminal() {
		return Instance{}, fmt.Errorf("%w: instance is %s", ErrInvalidState, inst.Status)
	}
	user := params.UserID
	inst.Status = StatusCancelled
	inst.CancelledBy = &user
	inst.Notes = appendNote(inst.Notes, params.Reason)

	updated, err := s.repo.UpdateInstance(ctx, tx, inst)
	if err != nil {
		return Instance{}, err
	}
	payload := map[string]any{}
	if reason := strings.TrimSpace(params.Reason); reason != "" {
		payload["reason"] = reason
	}
	if err := s.record(ctx, tx, def, updated, EventCancelled, TopicCancelled, params.UserID, payload); err != nil {
		return Instance{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Instance{}, fmt.Errorf("exchange: commit tx: %w", err)
	}
	return updated, nil
}

// OverdueInstances lists ids of instances whose window ended before now and
// that are still open, leaving out the ids in exclude.
func (s *Service) OverdueInstances(ctx context.Context, now time.Time, exclude []string, limit int) ([]string, error) {
	return s.repo.ListOverdue(ctx, now, exclude, limit)
}

// AutoClose writes the final verdict for one overdue instance. It re-checks
// the predicate under the row lock and reports false when the instance no
// longer qualifies, so overlapping sweeps close each instance once.
func (s *Service) AutoClose(ctx context.Context, id string, now time.Time) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("exchange: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	inst, err := s.repo.GetInstanceForUpdate(ctx, tx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if inst.AutoClosed || inst.Status != StatusScheduled {
		return false, nil
	}
	def, err := s.repo.GetDefinition(ctx, inst.DefinitionID)
	if err != nil {
		return false, err
	}
	_, end := def.Window(inst.ScheduledAt)
	if inst.WindowEnd != nil {
		end = *inst.WindowEnd
	}
	if !end.Before(now) {
		return false, nil
	}

	closedAt := now
	inst.Outcome, inst.Status = closeOutcome(inst, def.QRConfirmationRequired)
	inst.AutoClosed = true
	inst.AutoClosedAt = &closedAt

	updated, ok, err := s.repo.MarkAutoClosed(ctx, tx, inst)
	if err != nil || !ok {
		return false, err
	}
	payload := map[string]any{"outcome": string(updated.Outcome)}
	if err := s.record(ctx, tx, def, updated, EventAutoClosed, TopicAutoClosed, "", payload); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("exchange: commit tx: %w", err)
	}
	return true, nil
}

func (s *Service) load(ctx context.Context, instanceID string) (Instance, Definition, error) {
	inst, err := s.repo.GetInstance(ctx, instanceID)
	if err != nil {
		return Instance{}, Definition{}, err
	}
	def, err := s.repo.GetDefinition(ctx, inst.DefinitionID)
	if err != nil {
		return Instance{}, Definition{}, err
	}
	return inst, def, nil
}

func (s *Service) authorize(ctx context.Context, caseID, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: missing user", ErrForbidden)
	}
	ok, err := s.access.CanAct(ctx, caseID, userID)
	if err != nil {
		return fmt.Errorf("exchange: authorize: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: user %s on case %s", ErrForbidden, userID, caseID)
	}
	return nil
}

func (s *Service) displayNames(ctx context.Context, ids ...string) map[string]string {
	if s.directory == nil || len(ids) == 0 {
		return map[string]string{}
	}
	names, err := s.directory.DisplayNames(ctx, ids)
	if err != nil {
		s.log.WarnContext(ctx, "display name lookup failed", logging.Err(err))
		return map[string]string{}
	}
	return names
}

// record appends a timeline event and enqueues the matching notification in tx.
func (s *Service) record(ctx context.Context, tx pgx.Tx, def Definition, inst Instance, eventType, topic, actorID string, payload map[string]any) error {
	ev := Event{InstanceID: inst.ID, Type: eventType, Payload: payload}
	if actorID != "" {
		ev.ActorID = &actorID
	}
	if err := s.repo.AppendEvent(ctx, tx, ev); err != nil {
		return err
	}
	return s.enqueue(ctx, tx, topic, def, inst)
}

func (s *Service) enqueue(ctx context.Context, tx pgx.Tx, topic string, def Definition, inst Instance) error {
	if s.outbox == nil {
		return nil
	}
	payload := map[string]any{
		"instance_id":    inst.ID,
		"definition_id":  def.ID,
		"case_id":        def.CaseID,
		"from_parent_id": def.FromParentID,
		"to_parent_id":   def.ToParentID,
		"scheduled_at":   inst.ScheduledAt.UTC().Format(time.RFC3339),
		"outcome":        string(inst.Outcome),
		"status":         string(inst.Status),
		"silent_handoff": def.SilentHandoffEnabled,
	}
	if err := s.outbox.Enqueue(ctx, tx, topic, payload); err != nil {
		return fmt.Errorf("exchange: enqueue %s: %w", topic, err)
	}
	return nil
}

func applyDefaults(def *Definition) {
	if def.Kind == "" {
		def.Kind = KindExchange
	}
	if def.Recurrence == "" {
		def.Recurrence = recurrence.None
	}
	if def.GeofenceRadiusM == 0 {
		def.GeofenceRadiusM = DefaultRadiusM
	}
	if def.DurationMinutes == 0 {
		def.DurationMinutes = DefaultDurationMinutes
	}
	if def.Timezone == "" {
		def.Timezone = "UTC"
	}
}

func applyPatch(def *Definition, p SchedulePatch) {
	if p.Title != nil {
		def.Title = strings.TrimSpace(*p.Title)
	}
	if p.LocationName != nil {
		def.LocationName = strings.TrimSpace(*p.LocationName)
	}
	if p.Location != nil {
		loc := *p.Location
		def.Location = &loc
	}
	if p.ScheduledAt != nil {
		def.ScheduledAt = *p.ScheduledAt
	}
	if p.DurationMinutes != nil {
		def.DurationMinutes = *p.DurationMinutes
	}
	if p.Timezone != nil {
		def.Timezone = *p.Timezone
	}
	if p.Recurrence != nil {
		def.Recurrence = *p.Recurrence
	}
	if p.RecurrenceDays != nil {
		def.RecurrenceDays = p.RecurrenceDays
	}
	if p.RecurrenceExceptions != nil {
		def.RecurrenceExceptions = p.RecurrenceExceptions
	}
	if p.RecurrenceEnd != nil {
		end := *p.RecurrenceEnd
		def.RecurrenceEnd = &end
	}
	if p.ClearRecurrenceEnd {
		def.RecurrenceEnd = nil
	}
	if p.GeofenceRadiusM != nil {
		def.GeofenceRadiusM = *p.GeofenceRadiusM
	}
	if p.CheckInBeforeMinutes != nil {
		def.CheckInBeforeMinutes = *p.CheckInBeforeMinutes
	}
	if p.CheckInAfterMinutes != nil {
		def.CheckInAfterMinutes = *p.CheckInAfterMinutes
	}
	if p.SilentHandoffEnabled != nil {
		def.SilentHandoffEnabled = *p.SilentHandoffEnabled
	}
	if p.QRConfirmationRequired != nil {
		def.QRConfirmationRequired = *p.QRConfirmationRequired
	}
	if p.Active != nil {
		def.Active = *p.Active
	}
}

func validateDefinition(def Definition) error {
	switch {
	case def.CaseID == "":
		return fmt.Errorf("%w: case id required", ErrInvalidInput)
	case def.FromParentID == "" || def.ToParentID == "":
		return fmt.Errorf("%w: both parents required", ErrInvalidInput)
	case def.FromParentID == def.ToParentID:
		return fmt.Errorf("%w: parents must differ", ErrInvalidInput)
	case def.ScheduledAt.IsZero():
		return fmt.Errorf("%w: scheduled time required", ErrInvalidInput)
	case !def.Recurrence.Valid():
		return fmt.Errorf("%w: recurrence %q", ErrInvalidInput, def.Recurrence)
	case def.GeofenceRadiusM <= 0:
		return fmt.Errorf("%w: geofence radius must be positive", ErrInvalidInput)
	case def.CheckInBeforeMinutes < 0 || def.CheckInAfterMinutes < 0:
		return fmt.Errorf("%w: check-in window must not be negative", ErrInvalidInput)
	case def.DurationMinutes < 0:
		return fmt.Errorf("%w: duration must not be negative", ErrInvalidInput)
	}
	switch def.Kind {
	case KindPickup, KindDropoff, KindExchange:
	default:
		return fmt.Errorf("%w: exchange kind %q", ErrInvalidInput, def.Kind)
	}
	if def.Location != nil {
		if err := geofence.Validate(*def.Location); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}
	for _, id := range def.PickupChildIDs {
		if slices.Contains(def.DropoffChildIDs, id) {
			return fmt.Errorf("%w: child %s is both picked up and dropped off", ErrInvalidInput, id)
		}
	}
	if _, err := loadLocation(def.Timezone); err != nil {
		return err
	}
	return nil
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
