package exchange

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exchangeflow/geofence"
)

func TestDeriveOutcome(t *testing.T) {
	cases := []struct {
		fromIn, toIn, qrRequired, qrConfirmed bool
		outcome                               Outcome
		status                                Status
	}{
		{false, false, false, false, OutcomePending, StatusScheduled},
		{true, false, false, false, OutcomeOnePartyPresent, StatusScheduled},
		{false, true, true, false, OutcomeOnePartyPresent, StatusScheduled},
		{true, true, false, false, OutcomeCompleted, StatusCompleted},
		{true, true, true, false, OutcomeAwaitingQR, StatusScheduled},
		{true, true, true, true, OutcomeCompleted, StatusCompleted},
	}
	for _, tc := range cases {
		outcome, status := deriveOutcome(tc.fromIn, tc.toIn, tc.qrRequired, tc.qrConfirmed)
		assert.Equal(t, tc.outcome, outcome, "%+v", tc)
		assert.Equal(t, tc.status, status, "%+v", tc)
	}
}

func TestCloseOutcome(t *testing.T) {
	now := time.Now()
	present := CheckIn{CheckedIn: true}

	o, s := closeOutcome(Instance{}, false)
	assert.Equal(t, OutcomeMissed, o)
	assert.Equal(t, StatusMissed, s)

	o, s = closeOutcome(Instance{From: present}, true)
	assert.Equal(t, OutcomeMissed, o)
	assert.Equal(t, StatusMissed, s)

	o, s = closeOutcome(Instance{From: present, To: present}, true)
	assert.Equal(t, OutcomeDisputed, o)
	assert.Equal(t, StatusMissed, s)

	o, s = closeOutcome(Instance{From: present, To: present, QRConfirmedAt: &now}, true)
	assert.Equal(t, OutcomeCompleted, o)
	assert.Equal(t, StatusCompleted, s)
}

func TestResolveSide(t *testing.T) {
	def := Definition{FromParentID: "alice", ToParentID: "bob"}
	grandma := "grandma"

	s, res, err := resolveSide(def, Instance{}, "bob")
	require.NoError(t, err)
	assert.Equal(t, sideTo, s)
	assert.Equal(t, ResolvedToParent, res)

	s, res, err = resolveSide(def, Instance{}, "grandma")
	require.NoError(t, err)
	assert.Equal(t, sideFrom, s)
	assert.Equal(t, ResolvedFirstEmpty, res)

	withFrom := Instance{From: CheckIn{CheckedIn: true}}
	s, _, err = resolveSide(def, withFrom, "grandma")
	require.NoError(t, err)
	assert.Equal(t, sideTo, s)

	heldTo := Instance{From: CheckIn{CheckedIn: true}, To: CheckIn{CheckedIn: true, UserID: &grandma}}
	s, _, err = resolveSide(def, heldTo, "grandma")
	require.NoError(t, err)
	assert.Equal(t, sideTo, s, "a participant keeps the side they already hold")

	alice, bob := "alice", "bob"
	full := Instance{From: CheckIn{CheckedIn: true, UserID: &alice}, To: CheckIn{CheckedIn: true, UserID: &bob}}
	_, _, err = resolveSide(def, full, "grandma")
	assert.ErrorIs(t, err, ErrInvalidState)

	s, _, err = resolveSide(def, full, "alice")
	require.NoError(t, err)
	assert.Equal(t, sideFrom, s, "a declared parent re-checks in on their own side")

	covered := Instance{From: CheckIn{CheckedIn: true, UserID: &grandma}}
	_, _, err = resolveSide(def, covered, "alice")
	assert.ErrorIs(t, err, ErrInvalidState, "a declared parent never overwrites another participant")

	s, _, err = resolveSide(def, covered, "bob")
	require.NoError(t, err)
	assert.Equal(t, sideTo, s)
}

func TestApplyCheckIn_FillsWindowLazily(t *testing.T) {
	scheduled := time.Date(2025, 3, 7, 18, 0, 0, 0, time.UTC)
	def := Definition{
		FromParentID:         "alice",
		ToParentID:           "bob",
		CheckInBeforeMinutes: 15,
		CheckInAfterMinutes:  45,
		GeofenceRadiusM:      50,
		Location:             &geofence.Point{Lat: 51.5, Lng: -0.12},
	}
	inst := Instance{ScheduledAt: scheduled, Outcome: OutcomePending, Status: StatusScheduled}

	point := geofence.Offset(*def.Location, 20, 0)
	res, err := applyCheckIn(&inst, def, checkInInput{
		UserID:    "alice",
		At:        scheduled,
		Notes:     "  at the gate ",
		Point:     &point,
		AccuracyM: 10,
	}, func() string { t.Fatal("no token expected"); return "" })
	require.NoError(t, err)

	require.NotNil(t, inst.WindowStart)
	require.NotNil(t, inst.WindowEnd)
	assert.Equal(t, scheduled.Add(-15*time.Minute), *inst.WindowStart)
	assert.Equal(t, scheduled.Add(45*time.Minute), *inst.WindowEnd)
	assert.Equal(t, "at the gate", inst.Notes)
	assert.True(t, res.Geofence.InZone)
	require.NotNil(t, inst.From.Fix)
	assert.True(t, *inst.From.Fix.InGeofence)
	assert.Equal(t, OutcomeOnePartyPresent, inst.Outcome)
	assert.Equal(t, OutcomePending, res.Previous)
}

func TestApplyCheckIn_UnknownZoneLeavesVerdictEmpty(t *testing.T) {
	def := Definition{FromParentID: "alice", ToParentID: "bob", GeofenceRadiusM: 100}
	inst := Instance{ScheduledAt: time.Now(), Status: StatusScheduled}
	point := geofence.Point{Lat: 1, Lng: 1}

	res, err := applyCheckIn(&inst, def, checkInInput{UserID: "bob", At: time.Now(), Point: &point}, nil)
	require.NoError(t, err)
	assert.False(t, res.Geofence.Known)
	require.NotNil(t, inst.To.Fix)
	assert.Nil(t, inst.To.Fix.InGeofence)
	assert.Nil(t, inst.To.Fix.DistanceM)
}

func TestAppendNote(t *testing.T) {
	assert.Equal(t, "", appendNote("", "  "))
	assert.Equal(t, "a", appendNote("a", ""))
	assert.Equal(t, "a\nb", appendNote("a", "b"))
}
