package exchange

import "time"

// ViewerRole is what the viewer does at the exchange.
type ViewerRole string

const (
	RolePickup  ViewerRole = "pickup"
	RoleDropoff ViewerRole = "dropoff"
	RoleBoth    ViewerRole = "both"
)

// Perspective is the pickup/dropoff split as one particular viewer sees it.
// It is derived on read and never stored.
type Perspective struct {
	ViewerID        string
	IsCreator       bool
	PickupChildIDs  []string
	DropoffChildIDs []string
	Role            ViewerRole
	Kind            Kind
}

// PerspectiveFor swaps the creator-perspective child sets for anyone who is
// not the creator: the children the creator picks up are the ones the other
// parent drops off.
func PerspectiveFor(def Definition, viewerID string) Perspective {
	p := Perspective{
		ViewerID:  viewerID,
		IsCreator: viewerID == def.CreatorID,
	}
	if p.IsCreator {
		p.PickupChildIDs = cloneIDs(def.PickupChildIDs)
		p.DropoffChildIDs = cloneIDs(def.DropoffChildIDs)
	} else {
		p.PickupChildIDs = cloneIDs(def.DropoffChildIDs)
		p.DropoffChildIDs = cloneIDs(def.PickupChildIDs)
	}
	p.Kind = viewerKind(def.Kind, p.IsCreator)
	p.Role = viewerRole(p.PickupChildIDs, p.DropoffChildIDs, p.Kind)
	return p
}

func viewerRole(pickup, dropoff []string, kind Kind) ViewerRole {
	switch {
	case len(pickup) > 0 && len(dropoff) > 0:
		return RoleBoth
	case len(pickup) > 0:
		return RolePickup
	case len(dropoff) > 0:
		return RoleDropoff
	}
	switch kind {
	case KindPickup:
		return RolePickup
	case KindDropoff:
		return RoleDropoff
	default:
		return RoleBoth
	}
}

func viewerKind(kind Kind, isCreator bool) Kind {
	if isCreator {
		return kind
	}
	switch kind {
	case KindPickup:
		return KindDropoff
	case KindDropoff:
		return KindPickup
	default:
		return KindExchange
	}
}

// ViewerDefinition is a definition formatted for one viewer.
type ViewerDefinition struct {
	Definition       Definition
	Perspective      Perspective
	CounterpartyID   string
	CounterpartyName string
}

// ViewerInstance is an instance formatted for one viewer.
type ViewerInstance struct {
	Instance         Instance
	Title            string
	LocationName     string
	Perspective      Perspective
	MyCheckIn        *CheckIn
	OtherCheckIn     *CheckIn
	CounterpartyID   string
	CounterpartyName string
	QRRequired       bool
	SilentHandoff    bool
	InWindow         bool
}

// ViewDefinition formats def for viewerID. names maps user ids to display names.
func ViewDefinition(def Definition, viewerID string, names map[string]string) ViewerDefinition {
	other := counterparty(def, viewerID)
	return ViewerDefinition{
		Definition:       def,
		Perspective:      PerspectiveFor(def, viewerID),
		CounterpartyID:   other,
		CounterpartyName: names[other],
	}
}

// ViewInstance formats inst for viewerID. The QR token is withheld from
// anyone who is not a party of the definition.
func ViewInstance(def Definition, inst Instance, viewerID string, names map[string]string, now time.Time) ViewerInstance {
	if !def.IsParty(viewerID) {
		inst.QRToken = nil
	}
	other := counterparty(def, viewerID)
	v := ViewerInstance{
		Instance:         inst,
		Title:            def.Title,
		LocationName:     def.LocationName,
		Perspective:      PerspectiveFor(def, viewerID),
		CounterpartyID:   other,
		CounterpartyName: names[other],
		QRRequired:       def.QRConfirmationRequired,
		SilentHandoff:    def.SilentHandoffEnabled,
	}

	start, end := def.Window(inst.ScheduledAt)
	if inst.WindowStart != nil && inst.WindowEnd != nil {
		start, end = *inst.WindowStart, *inst.WindowEnd
	}
	v.InWindow = !inst.Status.Terminal() && !now.Before(start) && !now.After(end)

	from, to := inst.From, inst.To
	switch {
	case viewerID == def.FromParentID || heldBy(from, viewerID):
		v.MyCheckIn, v.OtherCheckIn = &from, &to
	case viewerID == def.ToParentID || heldBy(to, viewerID):
		v.MyCheckIn, v.OtherCheckIn = &to, &from
	}
	return v
}

// counterparty returns the declared parent opposite viewerID, or "" for
// viewers who are not one of the two declared parents.
func counterparty(def Definition, viewerID string) string {
	switch viewerID {
	case def.FromParentID:
		return def.ToParentID
	case def.ToParentID:
		return def.FromParentID
	}
	return ""
}

func cloneIDs(ids []string) []string {
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}
