package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"exchangeflow/geofence"
	"exchangeflow/recurrence"
)

// Repository is the persistence contract of the exchange service. Writes run
// inside the caller's transaction; reads go straight to the pool.
type Repository interface {
	InsertDefinition(ctx context.Context, tx pgx.Tx, def Definition) (Definition, error)
	GetDefinition(ctx context.Context, id string) (Definition, error)
	GetDefinitions(ctx context.Context, ids []string) (map[string]Definition, error)
	GetDefinitionForUpdate(ctx context.Context, tx pgx.Tx, id string) (Definition, error)
	UpdateDefinition(ctx context.Context, tx pgx.Tx, def Definition) (Definition, error)
	ListDefinitionsDue(ctx context.Context, horizonEnd time.Time, limit int) ([]string, error)

	InsertInstances(ctx context.Context, tx pgx.Tx, instances []Instance) ([]Instance, error)
	GetInstance(ctx context.Context, id string) (Instance, error)
	GetInstanceForUpdate(ctx context.Context, tx pgx.Tx, id string) (Instance, error)
	UpdateInstance(ctx context.Context, tx pgx.Tx, inst Instance) (Instance, error)
	MarkAutoClosed(ctx context.Context, tx pgx.Tx, inst Instance) (Instance, bool, error)
	ListInstances(ctx context.Context, filter ListFilter) ([]Instance, error)
	ListOverdue(ctx context.Context, now time.Time, exclude []string, limit int) ([]string, error)

	AppendEvent(ctx context.Context, tx pgx.Tx, ev Event) error
}

// ListFilter selects instances by definition or by case over a time range.
type ListFilter struct {
	DefinitionID string
	CaseID       string
	From         *time.Time
	To           *time.Time
	Limit        int
}

// PGRepository implements Repository on PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed exchange repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const definitionColumns = `
	id::text, case_id, creator_id, from_parent_id, to_parent_id, title, exchange_kind,
	pickup_child_ids, dropoff_child_ids, location_name, location_lat, location_lng,
	scheduled_at, duration_minutes, timezone, recurrence, recurrence_days, recurrence_exceptions,
	recurrence_end, geofence_radius_m, check_in_before_minutes, check_in_after_minutes,
	silent_handoff_enabled, qr_confirmation_required, materialized_until, active, created_at, updated_at`

const instanceColumns = `
	i.id::text, i.definition_id::text, i.scheduled_at,
	i.from_checked_in, i.from_checked_in_at, i.from_user_id, i.from_lat, i.from_lng,
	i.from_accuracy_m, i.from_distance_m, i.from_in_geofence,
	i.to_checked_in, i.to_checked_in_at, i.to_user_id, i.to_lat, i.to_lng,
	i.to_accuracy_m, i.to_distance_m, i.to_in_geofence,
	i.window_start, i.window_end, i.outcome, i.status,
	i.qr_token, i.qr_minted_at, i.qr_confirmed_at, i.qr_confirmed_by,
	i.auto_closed, i.auto_closed_at, i.cancelled_by, i.notes, i.created_at, i.updated_at`

// InsertDefinition stores a new definition.
func (r *PGRepository) InsertDefinition(ctx context.Context, tx pgx.Tx, def Definition) (Definition, error) {
	query := `
		INSERT INTO exchange_definitions (
			id, case_id, creator_id, from_parent_id, to_parent_id, title, exchange_kind,
			pickup_child_ids, dropoff_child_ids, location_name, location_lat, location_lng,
			scheduled_at, duration_minutes, timezone, recurrence, recurrence_days, recurrence_exceptions,
			recurrence_end, geofence_radius_m, check_in_before_minutes, check_in_after_minutes,
			silent_handoff_enabled, qr_confirmation_required, materialized_until, active)
		VALUES ($1::uuid,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)
		RETURNING ` + definitionColumns

	lat, lng := pointArgs(def.Location)
	created, err := scanDefinition(tx.QueryRow(ctx, query,
		def.ID,
		def.CaseID,
		def.CreatorID,
		def.FromParentID,
		def.ToParentID,
		def.Title,
		def.Kind,
		def.PickupChildIDs,
		def.DropoffChildIDs,
		def.LocationName,
		lat,
		lng,
		def.ScheduledAt,
		def.DurationMinutes,
		def.Timezone,
		def.Recurrence,
		weekdayArgs(def.RecurrenceDays),
		dateArgs(def.RecurrenceExceptions),
		def.RecurrenceEnd,
		def.GeofenceRadiusM,
		def.CheckInBeforeMinutes,
		def.CheckInAfterMinutes,
		def.SilentHandoffEnabled,
		def.QRConfirmationRequired,
		def.MaterializedUntil,
		def.Active,
	))
	if err != nil {
		return Definition{}, fmt.Errorf("exchange: insert definition: %w", err)
	}
	return created, nil
}

// GetDefinition fetches a definition by id.
func (r *PGRepository) GetDefinition(ctx context.Context, id string) (Definition, error) {
	query := `SELECT ` + definitionColumns + ` FROM exchange_definitions WHERE id::text = $1`

	def, err := scanDefinition(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Definition{}, fmt.Errorf("%w: definition %s", ErrNotFound, id)
		}
		return Definition{}, fmt.Errorf("exchange: get definition: %w", err)
	}
	return def, nil
}

// GetDefinitions fetches several definitions keyed by id. Missing ids are absent from the map.
func (r *PGRepository) GetDefinitions(ctx context.Context, ids []string) (map[string]Definition, error) {
	out := make(map[string]Definition, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query := `SELECT ` + definitionColumns + ` FROM exchange_definitions WHERE id::text = ANY($1::text[])`

	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("exchange: get definitions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("exchange: scan definition: %w", err)
		}
		out[def.ID] = def
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("exchange: iterate definitions: %w", err)
	}
	return out, nil
}

// GetDefinitionForUpdate locks the definition row for the rest of tx.
func (r *PGRepository) GetDefinitionForUpdate(ctx context.Context, tx pgx.Tx, id string) (Definition, error) {
	query := `SELECT ` + definitionColumns + ` FROM exchange_definitions WHERE id::text = $1 FOR UPDATE`

	def, err := scanDefinition(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Definition{}, fmt.Errorf("%w: definition %s", ErrNotFound, id)
		}
		return Definition{}, fmt.Errorf("exchange: lock definition: %w", err)
	}
	return def, nil
}

// UpdateDefinition rewrites the mutable scheduling fields of def.
func (r *PGRepository) UpdateDefinition(ctx context.Context, tx pgx.Tx, def Definition) (Definition, error) {
	query := `
		UPDATE exchange_definitions
		SET title = $2,
		    exchange_kind = $3,
		    pickup_child_ids = $4,
		    dropoff_child_ids = $5,
		    location_name = $6,
		    location_lat = $7,
		    location_lng = $8,
		    scheduled_at = $9,
		    duration_minutes = $10,
		    timezone = $11,
		    recurrence = $12,
		    recurrence_days = $13,
		    recurrence_exceptions = $14,
		    recurrence_end = $15,
		    geofence_radius_m = $16,
		    check_in_before_minutes = $17,
		    check_in_after_minutes = $18,
		    silent_handoff_enabled = $19,
		    qr_confirmation_required = $20,
		    materialized_until = $21,
		    active = $22,
		    updated_at = now()
		WHERE id::text = $1
		RETURNING ` + definitionColumns

	lat, lng := pointArgs(def.Location)
	updated, err := scanDefinition(tx.QueryRow(ctx, query,
		def.ID,
		def.Title,
		def.Kind,
		def.PickupChildIDs,
		def.DropoffChildIDs,
		def.LocationName,
		lat,
		lng,
		def.ScheduledAt,
		def.DurationMinutes,
		def.Timezone,
		def.Recurrence,
		weekdayArgs(def.RecurrenceDays),
		dateArgs(def.RecurrenceExceptions),
		def.RecurrenceEnd,
		def.GeofenceRadiusM,
		def.CheckInBeforeMinutes,
		def.CheckInAfterMinutes,
		def.SilentHandoffEnabled,
		def.QRConfirmationRequired,
		def.MaterializedUntil,
		def.Active,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Definition{}, fmt.Errorf("%w: definition %s", ErrNotFound, def.ID)
		}
		return Definition{}, fmt.Errorf("exchange: update definition: %w", err)
	}
	return updated, nil
}

// ListDefinitionsDue returns active recurring definitions materialized short of horizonEnd.
func (r *PGRepository) ListDefinitionsDue(ctx context.Context, horizonEnd time.Time, limit int) ([]string, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	const query = `
		SELECT id::text
		FROM exchange_definitions
		WHERE active
		  AND recurrence <> 'none'
		  AND (materialized_until IS NULL OR materialized_until < $1)
		  AND (recurrence_end IS NULL OR materialized_until IS NULL OR recurrence_end >= materialized_until)
		ORDER BY materialized_until NULLS FIRST
		LIMIT $2
	`
	return r.collectIDs(ctx, "list due definitions", query, horizonEnd, limit)
}

// InsertInstances stores instances, silently skipping any whose
// (definition_id, scheduled_at) pair already exists. It returns only the
// rows actually inserted.
func (r *PGRepository) InsertInstances(ctx context.Context, tx pgx.Tx, instances []Instance) ([]Instance, error) {
	query := `
		INSERT INTO exchange_instances AS i (id, definition_id, scheduled_at, window_start, window_end, outcome, status)
		VALUES ($1::uuid, $2::uuid, $3, $4, $5, $6, $7)
		ON CONFLICT (definition_id, scheduled_at) DO NOTHING
		RETURNING ` + instanceColumns

	batch := &pgx.Batch{}
	for _, inst := range instances {
		batch.Queue(query, inst.ID, inst.DefinitionID, inst.ScheduledAt, inst.WindowStart, inst.WindowEnd, inst.Outcome, inst.Status)
	}
	results := tx.SendBatch(ctx, batch)
	defer results.Close()

	inserted := make([]Instance, 0, len(instances))
	for range instances {
		inst, err := scanInstance(results.QueryRow())
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				continue
			}
			return nil, fmt.Errorf("exchange: insert instance: %w", err)
		}
		inserted = append(inserted, inst)
	}
	return inserted, nil
}

// GetInstance fetches an instance by id.
func (r *PGRepository) GetInstance(ctx context.Context, id string) (Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM exchange_instances i WHERE i.id::text = $1`

	inst, err := scanInstance(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Instance{}, fmt.Errorf("%w: instance %s", ErrNotFound, id)
		}
		return Instance{}, fmt.Errorf("exchange: get instance: %w", err)
	}
	return inst, nil
}

// GetInstanceForUpdate locks the instance row for the rest of tx so
// concurrent check-ins on the same instance are applied one after another.
func (r *PGRepository) GetInstanceForUpdate(ctx context.Context, tx pgx.Tx, id string) (Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM exchange_instances i WHERE i.id::text = $1 FOR UPDATE`

	inst, err := scanInstance(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Instance{}, fmt.Errorf("%w: instance %s", ErrNotFound, id)
		}
		return Instance{}, fmt.Errorf("exchange: lock instance: %w", err)
	}
	return inst, nil
}

// UpdateInstance writes back every mutable column of inst.
func (r *PGRepository) UpdateInstance(ctx context.Context, tx pgx.Tx, inst Instance) (Instance, error) {
	query := `
		UPDATE exchange_instances AS i
		SET ` + instanceAssignments + `,
		    updated_at = now()
		WHERE i.id::text = $1
		RETURNING ` + instanceColumns

	updated, err := scanInstance(tx.QueryRow(ctx, query, instanceArgs(inst)...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Instance{}, fmt.Errorf("%w: instance %s", ErrNotFound, inst.ID)
		}
		return Instance{}, fmt.Errorf("exchange: update instance: %w", err)
	}
	return updated, nil
}

// MarkAutoClosed writes the closing verdict only while the row still
// matches the sweep predicate. The bool is false when another run got there first.
func (r *PGRepository) MarkAutoClosed(ctx context.Context, tx pgx.Tx, inst Instance) (Instance, bool, error) {
	query := `
		UPDATE exchange_instances AS i
		SET ` + instanceAssignments + `,
		    updated_at = now()
		WHERE i.id::text = $1
		  AND NOT i.auto_closed
		  AND i.status = 'scheduled'
		RETURNING ` + instanceColumns

	updated, err := scanInstance(tx.QueryRow(ctx, query, instanceArgs(inst)...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Instance{}, false, nil
		}
		return Instance{}, false, fmt.Errorf("exchange: mark auto closed: %w", err)
	}
	return updated, true, nil
}

// ListInstances returns instances ordered by scheduled time.
func (r *PGRepository) ListInstances(ctx context.Context, filter ListFilter) ([]Instance, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 500
	}

	where := []string{"1=1"}
	args := []any{}
	if filter.DefinitionID != "" {
		args = append(args, filter.DefinitionID)
		where = append(where, fmt.Sprintf("i.definition_id::text = $%d", len(args)))
	}
	if filter.CaseID != "" {
		args = append(args, filter.CaseID)
		where = append(where, fmt.Sprintf("d.case_id = $%d", len(args)))
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		where = append(where, fmt.Sprintf("i.scheduled_at >= $%d", len(args)))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		where = append(where, fmt.Sprintf("i.scheduled_at < $%d", len(args)))
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM exchange_instances i
		JOIN exchange_definitions d ON d.id = i.definition_id
		WHERE %s
		ORDER BY i.scheduled_at ASC, i.id ASC
		LIMIT %d`, instanceColumns, strings.Join(where, " AND "), filter.Limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("exchange: list instances: %w", err)
	}
	defer rows.Close()

	out := make([]Instance, 0, 16)
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("exchange: scan instance: %w", err)
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("exchange: iterate instances: %w", err)
	}
	return out, nil
}

// ListOverdue returns ids of instances the sweeper has to close, except the
// ones in exclude. Rows whose window bounds were never written fall back to
// the definition's window.
func (r *PGRepository) ListOverdue(ctx context.Context, now time.Time, exclude []string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 200
	}
	if exclude == nil {
		exclude = []string{}
	}
	const query = `
		SELECT i.id::text
		FROM exchange_instances i
		JOIN exchange_definitions d ON d.id = i.definition_id
		WHERE NOT i.auto_closed
		  AND i.status = 'scheduled'
		  AND COALESCE(i.window_end, i.scheduled_at + make_interval(mins => d.check_in_after_minutes)) < $1
		  AND NOT (i.id::text = ANY($3::text[]))
		ORDER BY i.scheduled_at ASC, i.id ASC
		LIMIT $2
	`
	return r.collectIDs(ctx, "list overdue", query, now, limit, exclude)
}

// AppendEvent adds a timeline entry for an instance.
func (r *PGRepository) AppendEvent(ctx context.Context, tx pgx.Tx, ev Event) error {
	payload := ev.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("exchange: marshal event payload: %w", err)
	}
	const query = `
		INSERT INTO exchange_events (instance_id, type, actor_id, payload)
		VALUES ($1::uuid, $2, $3, $4::jsonb)
	`
	if _, err := tx.Exec(ctx, query, ev.InstanceID, ev.Type, ev.ActorID, body); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return fmt.Errorf("%w: instance %s", ErrNotFound, ev.InstanceID)
		}
		return fmt.Errorf("exchange: insert event: %w", err)
	}
	return nil
}

func (r *PGRepository) collectIDs(ctx context.Context, op, query string, args ...any) ([]string, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("exchange: %s: %w", op, err)
	}
	defer rows.Close()

	ids := make([]string, 0, 16)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("exchange: %s scan: %w", op, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("exchange: %s iterate: %w", op, err)
	}
	return ids, nil
}

const instanceAssignments = `
		    from_checked_in = $2, from_checked_in_at = $3, from_user_id = $4, from_lat = $5, from_lng = $6,
		    from_accuracy_m = $7, from_distance_m = $8, from_in_geofence = $9,
		    to_checked_in = $10, to_checked_in_at = $11, to_user_id = $12, to_lat = $13, to_lng = $14,
		    to_accuracy_m = $15, to_distance_m = $16, to_in_geofence = $17,
		    window_start = $18, window_end = $19, outcome = $20, status = $21,
		    qr_token = $22, qr_minted_at = $23, qr_confirmed_at = $24, qr_confirmed_by = $25,
		    auto_closed = $26, auto_closed_at = $27, cancelled_by = $28, notes = $29`

func instanceArgs(inst Instance) []any {
	args := []any{inst.ID}
	args = append(args, checkInArgs(inst.From)...)
	args = append(args, checkInArgs(inst.To)...)
	return append(args,
		inst.WindowStart,
		inst.WindowEnd,
		inst.Outcome,
		inst.Status,
		inst.QRToken,
		inst.QRMintedAt,
		inst.QRConfirmedAt,
		inst.QRConfirmedBy,
		inst.AutoClosed,
		inst.AutoClosedAt,
		inst.CancelledBy,
		inst.Notes,
	)
}

func checkInArgs(c CheckIn) []any {
	var (
		lat, lng, accuracy, distance *float64
		inside                       *bool
	)
	if c.Fix != nil {
		lat, lng, accuracy = &c.Fix.Lat, &c.Fix.Lng, &c.Fix.AccuracyM
		distance, inside = c.Fix.DistanceM, c.Fix.InGeofence
	}
	return []any{c.CheckedIn, c.At, c.UserID, lat, lng, accuracy, distance, inside}
}

func scanDefinition(row pgx.Row) (Definition, error) {
	var (
		def        Definition
		lat, lng   *float64
		days       []int16
		exceptions []time.Time
	)
	err := row.Scan(
		&def.ID,
		&def.CaseID,
		&def.CreatorID,
		&def.FromParentID,
		&def.ToParentID,
		&def.Title,
		&def.Kind,
		&def.PickupChildIDs,
		&def.DropoffChildIDs,
		&def.LocationName,
		&lat,
		&lng,
		&def.ScheduledAt,
		&def.DurationMinutes,
		&def.Timezone,
		&def.Recurrence,
		&days,
		&exceptions,
		&def.RecurrenceEnd,
		&def.GeofenceRadiusM,
		&def.CheckInBeforeMinutes,
		&def.CheckInAfterMinutes,
		&def.SilentHandoffEnabled,
		&def.QRConfirmationRequired,
		&def.MaterializedUntil,
		&def.Active,
		&def.CreatedAt,
		&def.UpdatedAt,
	)
	if err != nil {
		return Definition{}, err
	}
	if lat != nil && lng != nil {
		def.Location = &geofence.Point{Lat: *lat, Lng: *lng}
	}
	for _, d := range days {
		def.RecurrenceDays = append(def.RecurrenceDays, time.Weekday(d))
	}
	for _, e := range exceptions {
		def.RecurrenceExceptions = append(def.RecurrenceExceptions, recurrence.DateOf(e.UTC()))
	}
	return def, nil
}

func scanInstance(row pgx.Row) (Instance, error) {
	var (
		inst     Instance
		from, to scannedCheckIn
	)
	err := row.Scan(
		&inst.ID,
		&inst.DefinitionID,
		&inst.ScheduledAt,
		&from.checkedIn, &from.at, &from.userID, &from.lat, &from.lng,
		&from.accuracy, &from.distance, &from.inside,
		&to.checkedIn, &to.at, &to.userID, &to.lat, &to.lng,
		&to.accuracy, &to.distance, &to.inside,
		&inst.WindowStart,
		&inst.WindowEnd,
		&inst.Outcome,
		&inst.Status,
		&inst.QRToken,
		&inst.QRMintedAt,
		&inst.QRConfirmedAt,
		&inst.QRConfirmedBy,
		&inst.AutoClosed,
		&inst.AutoClosedAt,
		&inst.CancelledBy,
		&inst.Notes,
		&inst.CreatedAt,
		&inst.UpdatedAt,
	)
	if err != nil {
		return Instance{}, err
	}
	inst.From = from.toCheckIn()
	inst.To = to.toCheckIn()
	return inst, nil
}

type scannedCheckIn struct {
	checkedIn                    bool
	at                           *time.Time
	userID                       *string
	lat, lng, accuracy, distance *float64
	inside                       *bool
}

func (s scannedCheckIn) toCheckIn() CheckIn {
	c := CheckIn{CheckedIn: s.checkedIn, At: s.at, UserID: s.userID}
	if s.lat != nil && s.lng != nil {
		c.Fix = &Fix{Lat: *s.lat, Lng: *s.lng, DistanceM: s.distance, InGeofence: s.inside}
		if s.accuracy != nil {
			c.Fix.AccuracyM = *s.accuracy
		}
	}
	return c
}

func pointArgs(p *geofence.Point) (lat, lng *float64) {
	if p == nil {
		return nil, nil
	}
	return &p.Lat, &p.Lng
}

func weekdayArgs(days []time.Weekday) []int16 {
	out := make([]int16, 0, len(days))
	for _, d := range days {
		out = append(out, int16(d))
	}
	return out
}

func dateArgs(dates []recurrence.Date) []time.Time {
	out := make([]time.Time, 0, len(dates))
	for _, d := range dates {
		out = append(out, d.In(time.UTC))
	}
	return out
}
