package exchange

import (
	"fmt"
	"strings"
	"time"

	"exchangeflow/geofence"
)

// side identifies one of the two check-in slots of an instance.
type side int

const (
	sideFrom side = iota + 1
	sideTo
)

func (s side) String() string {
	if s == sideFrom {
		return "from"
	}
	return "to"
}

// Resolution records which row of the side decision table assigned a
// check-in to its slot.
type Resolution string

const (
	ResolvedFromParent Resolution = "from_parent"
	ResolvedToParent   Resolution = "to_parent"
	ResolvedFirstEmpty Resolution = "first_empty_fallback"
)

// resolveSide maps the acting user to a slot. Declared parents get their own
// slot unless another participant already checked in on it, in which case
// the earlier record is kept and the call fails. Anyone else authorized on
// the case keeps a slot they already hold, otherwise takes the first empty
// one in from-then-to order.
func resolveSide(def Definition, inst Instance, userID string) (side, Resolution, error) {
	switch userID {
	case def.FromParentID:
		if takenByOther(inst.From, userID) {
			return 0, "", fmt.Errorf("%w: from side already checked in by another participant", ErrInvalidState)
		}
		return sideFrom, ResolvedFromParent, nil
	case def.ToParentID:
		if takenByOther(inst.To, userID) {
			return 0, "", fmt.Errorf("%w: to side already checked in by another participant", ErrInvalidState)
		}
		return sideTo, ResolvedToParent, nil
	}
	switch {
	case heldBy(inst.From, userID):
		return sideFrom, ResolvedFirstEmpty, nil
	case heldBy(inst.To, userID):
		return sideTo, ResolvedFirstEmpty, nil
	case !inst.From.CheckedIn:
		return sideFrom, ResolvedFirstEmpty, nil
	case !inst.To.CheckedIn:
		return sideTo, ResolvedFirstEmpty, nil
	}
	return 0, "", fmt.Errorf("%w: both sides already checked in", ErrInvalidState)
}

func heldBy(c CheckIn, userID string) bool {
	return c.CheckedIn && c.UserID != nil && *c.UserID == userID
}

func takenByOther(c CheckIn, userID string) bool {
	return c.CheckedIn && c.UserID != nil && *c.UserID != userID
}

// deriveOutcome is evaluated after every check-in against the post-write
// state of both sides.
func deriveOutcome(fromIn, toIn, qrRequired, qrConfirmed bool) (Outcome, Status) {
	switch {
	case fromIn && toIn && qrRequired && !qrConfirmed:
		return OutcomeAwaitingQR, StatusScheduled
	case fromIn && toIn:
		return OutcomeCompleted, StatusCompleted
	case fromIn || toIn:
		return OutcomeOnePartyPresent, StatusScheduled
	default:
		return OutcomePending, StatusScheduled
	}
}

// closeOutcome is the final verdict for an instance whose window elapsed
// unresolved. Presence without the required mutual confirmation is a
// dispute, not a success, and a single present party is still a miss.
func closeOutcome(inst Instance, qrRequired bool) (Outcome, Status) {
	both := inst.From.CheckedIn && inst.To.CheckedIn
	switch {
	case both && qrRequired && inst.QRConfirmedAt == nil:
		return OutcomeDisputed, StatusMissed
	case both:
		return OutcomeCompleted, StatusCompleted
	default:
		return OutcomeMissed, StatusMissed
	}
}

// checkInInput is the normalized request applied by applyCheckIn.
type checkInInput struct {
	UserID    string
	At        time.Time
	Notes     string
	Point     *geofence.Point
	AccuracyM float64
}

// checkInResult describes what applyCheckIn changed.
type checkInResult struct {
	Side       side
	Resolution Resolution
	Geofence   geofence.Result
	Minted     bool
	Previous   Outcome
}

// applyCheckIn mutates inst in place. mint is only called when a QR token
// has to be created.
func applyCheckIn(inst *Instance, def Definition, in checkInInput, mint func() string) (checkInResult, error) {
	if inst.Status.Terminal() {
		return checkInResult{}, fmt.Errorf("%w: instance is %s", ErrInvalidState, inst.Status)
	}
	s, res, err := resolveSide(def, *inst, in.UserID)
	if err != nil {
		return checkInResult{}, err
	}

	result := checkInResult{Side: s, Resolution: res, Previous: inst.Outcome}
	slot := &inst.From
	if s == sideTo {
		slot = &inst.To
	}
	at := in.At
	user := in.UserID
	slot.CheckedIn = true
	slot.At = &at
	slot.UserID = &user

	if in.Point != nil {
		verdict := geofence.Verify(*in.Point, def.Location, def.GeofenceRadiusM, in.AccuracyM)
		fix := &Fix{Lat: in.Point.Lat, Lng: in.Point.Lng, AccuracyM: in.AccuracyM}
		if verdict.Known {
			distance, inside := verdict.DistanceM, verdict.InZone
			fix.DistanceM = &distance
			fix.InGeofence = &inside
		}
		slot.Fix = fix
		result.Geofence = verdict
	}

	if inst.WindowStart == nil || inst.WindowEnd == nil {
		start, end := def.Window(inst.ScheduledAt)
		inst.WindowStart = &start
		inst.WindowEnd = &end
	}
	inst.Notes = appendNote(inst.Notes, in.Notes)

	inst.Outcome, inst.Status = deriveOutcome(inst.From.CheckedIn, inst.To.CheckedIn,
		def.QRConfirmationRequired, inst.QRConfirmedAt != nil)
	if inst.Outcome == OutcomeAwaitingQR && inst.QRToken == nil {
		token := mint()
		inst.QRToken = &token
		inst.QRMintedAt = &at
		result.Minted = true
	}
	return result, nil
}

func appendNote(existing, note string) string {
	note = strings.TrimSpace(note)
	switch {
	case note == "":
		return existing
	case existing == "":
		return note
	default:
		return existing + "\n" + note
	}
}
