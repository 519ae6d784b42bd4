package main

import (
	"fmt"
	"time"

	"exchangeflow/exchange"
	"exchangeflow/family"
	"exchangeflow/geofence"
	"exchangeflow/identity"
	"exchangeflow/recurrence"
)

type pointPayload struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type createExchangeRequest struct {
	CaseID                 string        `json:"caseId"`
	FromParentID           string        `json:"fromParentId"`
	ToParentID             string        `json:"toParentId"`
	Title                  string        `json:"title"`
	Kind                   string        `json:"kind"`
	PickupChildIDs         []string      `json:"pickupChildIds"`
	DropoffChildIDs        []string      `json:"dropoffChildIds"`
	LocationName           string        `json:"locationName"`
	Location               *pointPayload `json:"location"`
	ScheduledAt            time.Time     `json:"scheduledAt"`
	DurationMinutes        int           `json:"durationMinutes"`
	Timezone               string        `json:"timezone"`
	Recurrence             string        `json:"recurrence"`
	RecurrenceDays         []string      `json:"recurrenceDays"`
	RecurrenceExceptions   []string      `json:"recurrenceExceptions"`
	RecurrenceEnd          *time.Time    `json:"recurrenceEnd"`
	GeofenceRadiusM        float64       `json:"geofenceRadiusM"`
	CheckInBeforeMinutes   *int          `json:"checkInBeforeMinutes"`
	CheckInAfterMinutes    *int          `json:"checkInAfterMinutes"`
	SilentHandoffEnabled   bool          `json:"silentHandoffEnabled"`
	QRConfirmationRequired bool          `json:"qrConfirmationRequired"`
}

func (r createExchangeRequest) params() (exchange.CreateParams, error) {
	days, err := parseWeekdays(r.RecurrenceDays)
	if err != nil {
		return exchange.CreateParams{}, err
	}
	exceptions, err := parseDates(r.RecurrenceExceptions)
	if err != nil {
		return exchange.CreateParams{}, err
	}
	return exchange.CreateParams{
		CaseID:                 r.CaseID,
		FromParentID:           r.FromParentID,
		ToParentID:             r.ToParentID,
		Title:                  r.Title,
		Kind:                   exchange.Kind(r.Kind),
		PickupChildIDs:         r.PickupChildIDs,
		DropoffChildIDs:        r.DropoffChildIDs,
		LocationName:           r.LocationName,
		Location:               r.Location.point(),
		ScheduledAt:            r.ScheduledAt,
		DurationMinutes:        r.DurationMinutes,
		Timezone:               r.Timezone,
		Recurrence:             recurrence.Kind(r.Recurrence),
		RecurrenceDays:         days,
		RecurrenceExceptions:   exceptions,
		RecurrenceEnd:          r.RecurrenceEnd,
		GeofenceRadiusM:        r.GeofenceRadiusM,
		CheckInBeforeMinutes:   r.CheckInBeforeMinutes,
		CheckInAfterMinutes:    r.CheckInAfterMinutes,
		SilentHandoffEnabled:   r.SilentHandoffEnabled,
		QRConfirmationRequired: r.QRConfirmationRequired,
	}, nil
}

type updateExchangeRequest struct {
	Title                  *string       `json:"title"`
	LocationName           *string       `json:"locationName"`
	Location               *pointPayload `json:"location"`
	ScheduledAt            *time.Time    `json:"scheduledAt"`
	DurationMinutes        *int          `json:"durationMinutes"`
	Timezone               *string       `json:"timezone"`
	Recurrence             *string       `json:"recurrence"`
	RecurrenceDays         []string      `json:"recurrenceDays"`
	RecurrenceExceptions   []string      `json:"recurrenceExceptions"`
	RecurrenceEnd          *time.Time    `json:"recurrenceEnd"`
	ClearRecurrenceEnd     bool          `json:"clearRecurrenceEnd"`
	GeofenceRadiusM        *float64      `json:"geofenceRadiusM"`
	CheckInBeforeMinutes   *int          `json:"checkInBeforeMinutes"`
	CheckInAfterMinutes    *int          `json:"checkInAfterMinutes"`
	SilentHandoffEnabled   *bool         `json:"silentHandoffEnabled"`
	QRConfirmationRequired *bool         `json:"qrConfirmationRequired"`
	Active                 *bool         `json:"active"`
}

func (r updateExchangeRequest) patch() (exchange.SchedulePatch, error) {
	days, err := parseWeekdays(r.RecurrenceDays)
	if err != nil {
		return exchange.SchedulePatch{}, err
	}
	exceptions, err := parseDates(r.RecurrenceExceptions)
	if err != nil {
		return exchange.SchedulePatch{}, err
	}
	p := exchange.SchedulePatch{
		Title:                  r.Title,
		LocationName:           r.LocationName,
		Location:               r.Location.point(),
		ScheduledAt:            r.ScheduledAt,
		DurationMinutes:        r.DurationMinutes,
		Timezone:               r.Timezone,
		RecurrenceDays:         days,
		RecurrenceExceptions:   exceptions,
		RecurrenceEnd:          r.RecurrenceEnd,
		ClearRecurrenceEnd:     r.ClearRecurrenceEnd,
		GeofenceRadiusM:        r.GeofenceRadiusM,
		CheckInBeforeMinutes:   r.CheckInBeforeMinutes,
		CheckInAfterMinutes:    r.CheckInAfterMinutes,
		SilentHandoffEnabled:   r.SilentHandoffEnabled,
		QRConfirmationRequired: r.QRConfirmationRequired,
		Active:                 r.Active,
	}
	if r.Recurrence != nil {
		k := recurrence.Kind(*r.Recurrence)
		p.Recurrence = &k
	}
	return p, nil
}

func (p *pointPayload) point() *geofence.Point {
	if p == nil {
		return nil
	}
	return &geofence.Point{Lat: p.Lat, Lng: p.Lng}
}

func parseWeekdays(in []string) ([]time.Weekday, error) {
	if in == nil {
		return nil, nil
	}
	out := make([]time.Weekday, 0, len(in))
	for _, s := range in {
		d, err := recurrence.ParseWeekday(s)
		if err != nil {
			return nil, fmt.Errorf("recurrenceDays: %w", err)
		}
		out = append(out, d)
	}
	return out, nil
}

func parseDates(in []string) ([]recurrence.Date, error) {
	if in == nil {
		return nil, nil
	}
	out := make([]recurrence.Date, 0, len(in))
	for _, s := range in {
		d, err := recurrence.ParseDate(s)
		if err != nil {
			return nil, fmt.Errorf("recurrenceExceptions: %w", err)
		}
		out = append(out, d)
	}
	return out, nil
}

func parseOptionalTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

type checkInRequest struct {
	Location *struct {
		Lat       float64 `json:"lat"`
		Lng       float64 `json:"lng"`
		AccuracyM float64 `json:"accuracyM"`
	} `json:"location"`
	Notes string `json:"notes"`
}

type confirmQRRequest struct {
	Token string `json:"token"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type addMemberRequest struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

type userResponse struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	CreatedAt   string `json:"createdAt"`
}

func toUserResponse(u identity.User) userResponse {
	return userResponse{
		ID:          u.ID,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		CreatedAt:   formatTime(u.CreatedAt),
	}
}

type loginResponse struct {
	Token     string       `json:"token"`
	ExpiresAt string       `json:"expiresAt"`
	User      userResponse `json:"user"`
}

type memberResponse struct {
	CaseID    string `json:"caseId"`
	UserID    string `json:"userId"`
	Role      string `json:"role"`
	CreatedAt string `json:"createdAt"`
}

func toMemberResponse(m family.Member) memberResponse {
	return memberResponse{
		CaseID:    m.CaseID,
		UserID:    m.UserID,
		Role:      string(m.Role),
		CreatedAt: formatTime(m.CreatedAt),
	}
}

type definitionResponse struct {
	ID                     string        `json:"id"`
	CaseID                 string        `json:"caseId"`
	CreatorID              string        `json:"creatorId"`
	FromParentID           string        `json:"fromParentId"`
	ToParentID             string        `json:"toParentId"`
	Title                  string        `json:"title"`
	Kind                   string        `json:"kind"`
	PickupChildIDs         []string      `json:"pickupChildIds"`
	DropoffChildIDs        []string      `json:"dropoffChildIds"`
	LocationName           string        `json:"locationName"`
	Location               *pointPayload `json:"location,omitempty"`
	ScheduledAt            string        `json:"scheduledAt"`
	DurationMinutes        int           `json:"durationMinutes"`
	Timezone               string        `json:"timezone"`
	Recurrence             string        `json:"recurrence"`
	RecurrenceDays         []string      `json:"recurrenceDays"`
	RecurrenceExceptions   []string      `json:"recurrenceExceptions"`
	RecurrenceEnd          *string       `json:"recurrenceEnd,omitempty"`
	GeofenceRadiusM        float64       `json:"geofenceRadiusM"`
	CheckInBeforeMinutes   int           `json:"checkInBeforeMinutes"`
	CheckInAfterMinutes    int           `json:"checkInAfterMinutes"`
	SilentHandoffEnabled   bool          `json:"silentHandoffEnabled"`
	QRConfirmationRequired bool          `json:"qrConfirmationRequired"`
	MaterializedUntil      *string       `json:"materializedUntil,omitempty"`
	Active                 bool          `json:"active"`
	CreatedAt              string        `json:"createdAt"`
	UpdatedAt              string        `json:"updatedAt"`
}

func toDefinitionResponse(d exchange.Definition) definitionResponse {
	resp := definitionResponse{
		ID:                     d.ID,
		CaseID:                 d.CaseID,
		CreatorID:              d.CreatorID,
		FromParentID:           d.FromParentID,
		ToParentID:             d.ToParentID,
		Title:                  d.Title,
		Kind:                   string(d.Kind),
		PickupChildIDs:         nonNil(d.PickupChildIDs),
		DropoffChildIDs:        nonNil(d.DropoffChildIDs),
		LocationName:           d.LocationName,
		ScheduledAt:            formatTime(d.ScheduledAt),
		DurationMinutes:        d.DurationMinutes,
		Timezone:               d.Timezone,
		Recurrence:             string(d.Recurrence),
		RecurrenceDays:         []string{},
		RecurrenceExceptions:   []string{},
		RecurrenceEnd:          formatOptional(d.RecurrenceEnd),
		GeofenceRadiusM:        d.GeofenceRadiusM,
		CheckInBeforeMinutes:   d.CheckInBeforeMinutes,
		CheckInAfterMinutes:    d.CheckInAfterMinutes,
		SilentHandoffEnabled:   d.SilentHandoffEnabled,
		QRConfirmationRequired: d.QRConfirmationRequired,
		MaterializedUntil:      formatOptional(d.MaterializedUntil),
		Active:                 d.Active,
		CreatedAt:              formatTime(d.CreatedAt),
		UpdatedAt:              formatTime(d.UpdatedAt),
	}
	if d.Location != nil {
		resp.Location = &pointPayload{Lat: d.Location.Lat, Lng: d.Location.Lng}
	}
	for _, day := range d.RecurrenceDays {
		resp.RecurrenceDays = append(resp.RecurrenceDays, day.String())
	}
	for _, date := range d.RecurrenceExceptions {
		resp.RecurrenceExceptions = append(resp.RecurrenceExceptions, date.String())
	}
	return resp
}

type perspectiveResponse struct {
	IsCreator       bool     `json:"isCreator"`
	PickupChildIDs  []string `json:"pickupChildIds"`
	DropoffChildIDs []string `json:"dropoffChildIds"`
	Role            string   `json:"role"`
	Kind            string   `json:"kind"`
}

func toPerspectiveResponse(p exchange.Perspective) perspectiveResponse {
	return perspectiveResponse{
		IsCreator:       p.IsCreator,
		PickupChildIDs:  nonNil(p.PickupChildIDs),
		DropoffChildIDs: nonNil(p.DropoffChildIDs),
		Role:            string(p.Role),
		Kind:            string(p.Kind),
	}
}

type viewerDefinitionResponse struct {
	Definition       definitionResponse  `json:"definition"`
	Perspective      perspectiveResponse `json:"perspective"`
	CounterpartyID   string              `json:"counterpartyId,omitempty"`
	CounterpartyName string              `json:"counterpartyName,omitempty"`
}

func toViewerDefinitionResponse(v exchange.ViewerDefinition) viewerDefinitionResponse {
	return viewerDefinitionResponse{
		Definition:       toDefinitionResponse(v.Definition),
		Perspective:      toPerspectiveResponse(v.Perspective),
		CounterpartyID:   v.CounterpartyID,
		CounterpartyName: v.CounterpartyName,
	}
}

type fixResponse struct {
	Lat        float64  `json:"lat"`
	Lng        float64  `json:"lng"`
	AccuracyM  float64  `json:"accuracyM"`
	DistanceM  *float64 `json:"distanceM,omitempty"`
	InGeofence *bool    `json:"inGeofence,omitempty"`
}

type checkInResponse struct {
	CheckedIn bool         `json:"checkedIn"`
	At        *string      `json:"at,omitempty"`
	UserID    *string      `json:"userId,omitempty"`
	Fix       *fixResponse `json:"fix,omitempty"`
}

func toCheckInResponse(c exchange.CheckIn) checkInResponse {
	resp := checkInResponse{
		CheckedIn: c.CheckedIn,
		At:        formatOptional(c.At),
		UserID:    c.UserID,
	}
	if c.Fix != nil {
		resp.Fix = &fixResponse{
			Lat:        c.Fix.Lat,
			Lng:        c.Fix.Lng,
			AccuracyM:  c.Fix.AccuracyM,
			DistanceM:  c.Fix.DistanceM,
			InGeofence: c.Fix.InGeofence,
		}
	}
	return resp
}

type instanceResponse struct {
	ID            string          `json:"id"`
	DefinitionID  string          `json:"definitionId"`
	ScheduledAt   string          `json:"scheduledAt"`
	From          checkInResponse `json:"from"`
	To            checkInResponse `json:"to"`
	WindowStart   *string         `json:"windowStart,omitempty"`
	WindowEnd     *string         `json:"windowEnd,omitempty"`
	Outcome       string          `json:"outcome"`
	Status        string          `json:"status"`
	QRToken       *string         `json:"qrToken,omitempty"`
	QRConfirmedAt *string         `json:"qrConfirmedAt,omitempty"`
	AutoClosed    bool            `json:"autoClosed"`
	AutoClosedAt  *string         `json:"autoClosedAt,omitempty"`
	CancelledBy   *string         `json:"cancelledBy,omitempty"`
	Notes         string          `json:"notes,omitempty"`
}

func toInstanceResponse(i exchange.Instance) instanceResponse {
	return instanceResponse{
		ID:            i.ID,
		DefinitionID:  i.DefinitionID,
		ScheduledAt:   formatTime(i.ScheduledAt),
		From:          toCheckInResponse(i.From),
		To:            toCheckInResponse(i.To),
		WindowStart:   formatOptional(i.WindowStart),
		WindowEnd:     formatOptional(i.WindowEnd),
		Outcome:       string(i.Outcome),
		Status:        string(i.Status),
		QRToken:       i.QRToken,
		QRConfirmedAt: formatOptional(i.QRConfirmedAt),
		AutoClosed:    i.AutoClosed,
		AutoClosedAt:  formatOptional(i.AutoClosedAt),
		CancelledBy:   i.CancelledBy,
		Notes:         i.Notes,
	}
}

// toRawInstances renders freshly created instances, which never carry a
// QR token yet.
func toRawInstances(in []exchange.Instance) []instanceResponse {
	out := make([]instanceResponse, 0, len(in))
	for _, i := range in {
		i.QRToken = nil
		out = append(out, toInstanceResponse(i))
	}
	return out
}

type viewerInstanceResponse struct {
	instanceResponse
	Title            string              `json:"title"`
	LocationName     string              `json:"locationName"`
	Perspective      perspectiveResponse `json:"perspective"`
	MyCheckIn        *checkInResponse    `json:"myCheckIn,omitempty"`
	OtherCheckIn     *checkInResponse    `json:"otherCheckIn,omitempty"`
	CounterpartyID   string              `json:"counterpartyId,omitempty"`
	CounterpartyName string              `json:"counterpartyName,omitempty"`
	QRRequired       bool                `json:"qrRequired"`
	SilentHandoff    bool                `json:"silentHandoff"`
	InWindow         bool                `json:"inWindow"`
}

func toViewerInstanceResponse(v exchange.ViewerInstance) viewerInstanceResponse {
	resp := viewerInstanceResponse{
		instanceResponse: toInstanceResponse(v.Instance),
		Title:            v.Title,
		LocationName:     v.LocationName,
		Perspective:      toPerspectiveResponse(v.Perspective),
		CounterpartyID:   v.CounterpartyID,
		CounterpartyName: v.CounterpartyName,
		QRRequired:       v.QRRequired,
		SilentHandoff:    v.SilentHandoff,
		InWindow:         v.InWindow,
	}
	if v.MyCheckIn != nil {
		mine := toCheckInResponse(*v.MyCheckIn)
		resp.MyCheckIn = &mine
	}
	if v.OtherCheckIn != nil {
		other := toCheckInResponse(*v.OtherCheckIn)
		resp.OtherCheckIn = &other
	}
	return resp
}

type createExchangeResponse struct {
	Definition definitionResponse `json:"definition"`
	Instances  []instanceResponse `json:"instances"`
	Warnings   []string           `json:"warnings"`
}

type extendResponse struct {
	DefinitionID string             `json:"definitionId"`
	Inserted     []instanceResponse `json:"inserted"`
	Warnings     []string           `json:"warnings"`
	Until        string             `json:"until"`
}

func toWarnings(in []exchange.ConfigurationWarning) []string {
	out := make([]string, 0, len(in))
	for _, w := range in {
		out = append(out, w.Error())
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatOptional(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
