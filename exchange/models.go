package exchange

import (
	"fmt"
	"time"

	"exchangeflow/geofence"
	"exchangeflow/recurrence"
)

// Outcome is the handoff result tracked on every instance.
type Outcome string

const (
	OutcomePending         Outcome = "pending"
	OutcomeOnePartyPresent Outcome = "one_party_present"
	OutcomeAwaitingQR      Outcome = "both_present_awaiting_qr"
	OutcomeCompleted       Outcome = "completed"
	OutcomeMissed          Outcome = "missed"
	OutcomeDisputed        Outcome = "disputed"
)

// Status is the lifecycle status of an instance.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusMissed    Status = "missed"
)

// Terminal reports whether no further check-in, QR or cancel is accepted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusMissed
}

// Kind is the creator-perspective nature of the exchange.
type Kind string

const (
	KindPickup   Kind = "pickup"
	KindDropoff  Kind = "dropoff"
	KindExchange Kind = "exchange"
)

// ConfigurationWarning is the non-fatal warning for rules that produce no
// occurrence or skip some.
type ConfigurationWarning = recurrence.ConfigurationWarning

// Definition is the template an exchange's instances are materialized from.
// Child sets are stored from the creator's perspective only.
type Definition struct {
	ID                     string
	CaseID                 string
	CreatorID              string
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
	CheckInBeforeMinutes   int
	CheckInAfterMinutes    int
	SilentHandoffEnabled   bool
	QRConfirmationRequired bool
	MaterializedUntil      *time.Time
	Active                 bool
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Rule returns the recurrence rule of d evaluated in its timezone.
func (d Definition) Rule() (recurrence.Rule, error) {
	loc, err := loadLocation(d.Timezone)
	if err != nil {
		return recurrence.Rule{}, err
	}
	rule := recurrence.Rule{
		Kind:       d.Recurrence,
		Anchor:     d.ScheduledAt.In(loc),
		Days:       d.RecurrenceDays,
		Exceptions: d.RecurrenceExceptions,
	}
	if d.RecurrenceEnd != nil {
		end := d.RecurrenceEnd.In(loc)
		rule.Until = &end
	}
	return rule, nil
}

// IsParty reports whether userID is one of the two declared parents or the creator.
func (d Definition) IsParty(userID string) bool {
	return userID != "" && (userID == d.FromParentID || userID == d.ToParentID || userID == d.CreatorID)
}

// Window returns the check-in window around scheduled.
func (d Definition) Window(scheduled time.Time) (start, end time.Time) {
	return scheduled.Add(-time.Duration(d.CheckInBeforeMinutes) * time.Minute),
		scheduled.Add(time.Duration(d.CheckInAfterMinutes) * time.Minute)
}

// Fix is a single point-in-time GPS reading with the verifier's verdict.
type Fix struct {
	Lat        float64
	Lng        float64
	AccuracyM  float64
	DistanceM  *float64
	InGeofence *bool
}

// CheckIn is one side's presence record on an instance.
type CheckIn struct {
	CheckedIn bool
	At        *time.Time
	UserID    *string
	Fix       *Fix
}

// Instance is one dated occurrence of a Definition.
type Instance struct {
	ID            string
	DefinitionID  string
	ScheduledAt   time.Time
	From          CheckIn
	To            CheckIn
	WindowStart   *time.Time
	WindowEnd     *time.Time
	Outcome       Outcome
	Status        Status
	QRToken       *string
	QRMintedAt    *time.Time
	QRConfirmedAt *time.Time
	QRConfirmedBy *string
	AutoClosed    bool
	AutoClosedAt  *time.Time
	CancelledBy   *string
	Notes         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Event is an append-only timeline entry for an instance.
type Event struct {
	InstanceID string
	Type       string
	ActorID    *string
	Payload    map[string]any
	CreatedAt  time.Time
}

const (
	EventCheckedIn   = "CHECKED_IN"
	EventQRMinted    = "QR_MINTED"
	EventQRConfirmed = "QR_CONFIRMED"
	EventCancelled   = "CANCELLED"
	EventAutoClosed  = "AUTO_CLOSED"
)

const (
	TopicCheckedIn  = "exchange.checked_in"
	TopicQRPending  = "exchange.qr_pending"
	TopicCompleted  = "exchange.completed"
	TopicCancelled  = "exchange.cancelled"
	TopicAutoClosed = "exchange.auto_closed"
)

func loadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q", ErrInvalidInput, name)
	}
	return loc, nil
}
