package site

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/press/pkg/events"
	"github.com/cuemby/press/pkg/types"
)

func effectKinds(effects []Effect) []EffectKind {
	var kinds []EffectKind
	for _, e := range effects {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func TestTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    types.SiteStatus
		before  types.SiteStatus
		event   Event
		want    types.SiteStatus
		effects []EffectKind
		err     error
	}{
		{
			name:    "install starts",
			from:    types.SiteStatusPending,
			event:   Event{Kind: EventInstalling},
			want:    types.SiteStatusInstalling,
			effects: []EffectKind{EffectPublish},
		},
		{
			name:    "install finishes",
			from:    types.SiteStatusInstalling,
			event:   Event{Kind: EventInstalled},
			want:    types.SiteStatusActive,
			effects: []EffectKind{EffectPublish},
		},
		{
			name:    "install fails",
			from:    types.SiteStatusInstalling,
			event:   Event{Kind: EventInstallFailed},
			want:    types.SiteStatusBroken,
			effects: []EffectKind{EffectSetCreationFailed, EffectPublish},
		},
		{
			name:    "update prepared",
			from:    types.SiteStatusActive,
			event:   Event{Kind: EventPrepareUpdate},
			want:    types.SiteStatusPending,
			effects: []EffectKind{EffectPublish},
		},
		{
			name:  "update refused during maintenance",
			from:  types.SiteStatusUpdating,
			event: Event{Kind: EventPrepareUpdate},
			want:  types.SiteStatusUpdating,
			err:   types.ErrSiteUnderMaintenance,
		},
		{
			name:    "update succeeds back to active",
			from:    types.SiteStatusUpdating,
			before:  types.SiteStatusActive,
			event:   Event{Kind: EventUpdateSucceeded},
			want:    types.SiteStatusActive,
			effects: []EffectKind{EffectPublish},
		},
		{
			name:    "update of a broken site repairs it",
			from:    types.SiteStatusUpdating,
			before:  types.SiteStatusBroken,
			event:   Event{Kind: EventUpdateSucceeded},
			want:    types.SiteStatusActive,
			effects: []EffectKind{EffectPublish},
		},
		{
			name:    "update keeps a deactivated site inactive",
			from:    types.SiteStatusUpdating,
			before:  types.SiteStatusInactive,
			event:   Event{Kind: EventUpdateSucceeded},
			want:    types.SiteStatusInactive,
			effects: []EffectKind{EffectPublish},
		},
		{
			name:    "recoverable update failure",
			from:    types.SiteStatusUpdating,
			event:   Event{Kind: EventUpdateFailed, Recoverable: true},
			want:    types.SiteStatusBroken,
			effects: []EffectKind{EffectEnqueueRecover, EffectPublish},
		},
		{
			name:    "fatal recovery",
			from:    types.SiteStatusRecovering,
			event:   Event{Kind: EventRecoveryFailed},
			want:    types.SiteStatusBroken,
			effects: []EffectKind{EffectPublish, EffectPublish},
		},
		{
			name:    "recovered",
			from:    types.SiteStatusRecovering,
			before:  types.SiteStatusActive,
			event:   Event{Kind: EventRecovered},
			want:    types.SiteStatusActive,
			effects: []EffectKind{EffectPublish},
		},
		{
			name:    "deactivate",
			from:    types.SiteStatusActive,
			event:   Event{Kind: EventDeactivate},
			want:    types.SiteStatusInactive,
			effects: []EffectKind{EffectUpdateProxyStatus, EffectPublish},
		},
		{
			name:    "suspend",
			from:    types.SiteStatusActive,
			event:   Event{Kind: EventSuspend, Reason: ReasonUsageExceeded},
			want:    types.SiteStatusSuspended,
			effects: []EffectKind{EffectUpdateProxyStatus, EffectDisableSubscriptions, EffectPublish, EffectPublish},
		},
		{
			name:    "archive",
			from:    types.SiteStatusSuspended,
			event:   Event{Kind: EventArchived},
			want:    types.SiteStatusArchived,
			effects: []EffectKind{EffectArchiveCleanup, EffectDisableSubscriptions, EffectPublish, EffectPublish},
		},
		{
			name:  "installing cannot be archived",
			from:  types.SiteStatusInstalling,
			event: Event{Kind: EventArchived},
			want:  types.SiteStatusInstalling,
			err:   types.ErrInvalidTransition,
		},
		{
			name:  "archived is final",
			from:  types.SiteStatusArchived,
			event: Event{Kind: EventActivate},
			want:  types.SiteStatusArchived,
			err:   types.ErrSiteAlreadyArchived,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			site := types.Site{Name: "a.example.com", Status: tt.from, StatusBeforeUpdate: tt.before}
			next, effects, err := Transition(site, tt.event)
			if tt.err != nil {
				assert.True(t, errors.Is(err, tt.err), "got %v", err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, next.Status)
			assert.Equal(t, tt.effects, effectKinds(effects))
		})
	}
}

func TestTransitionSameStatusIsNoop(t *testing.T) {
	site := types.Site{Status: types.SiteStatusActive}
	next, effects, err := Transition(site, Event{Kind: EventActivate})
	require.NoError(t, err)
	assert.Equal(t, site, next)
	assert.Empty(t, effects)
}

// Updates run on Inactive, Suspended and Broken sites too, and hand the site
// back in the status it had before.
func TestTransitionUpdateRoundTrips(t *testing.T) {
	tests := []struct {
		name   string
		from   types.SiteStatus
		before types.SiteStatus
		event  Event
		want   types.SiteStatus
	}{
		{"inactive site prepared", types.SiteStatusInactive, "", Event{Kind: EventPrepareUpdate}, types.SiteStatusPending},
		{"suspended site prepared", types.SiteStatusSuspended, "", Event{Kind: EventPrepareUpdate}, types.SiteStatusPending},
		{"broken site prepared", types.SiteStatusBroken, "", Event{Kind: EventPrepareUpdate}, types.SiteStatusPending},
		{"broken site restored", types.SiteStatusBroken, "", Event{Kind: EventPrepare}, types.SiteStatusPending},
		{"pending update starts", types.SiteStatusPending, types.SiteStatusActive, Event{Kind: EventUpdateStarted}, types.SiteStatusUpdating},
		{"undelivered update leaves inactive", types.SiteStatusPending, types.SiteStatusInactive, Event{Kind: EventRecovered}, types.SiteStatusInactive},
		{"undelivered update leaves suspended", types.SiteStatusPending, types.SiteStatusSuspended, Event{Kind: EventRecovered}, types.SiteStatusSuspended},
		{"update returns inactive", types.SiteStatusUpdating, types.SiteStatusInactive, Event{Kind: EventUpdateSucceeded}, types.SiteStatusInactive},
		{"update returns suspended", types.SiteStatusUpdating, types.SiteStatusSuspended, Event{Kind: EventUpdateSucceeded}, types.SiteStatusSuspended},
		{"recovery returns inactive", types.SiteStatusRecovering, types.SiteStatusInactive, Event{Kind: EventRecovered}, types.SiteStatusInactive},
		{"recovery returns suspended", types.SiteStatusRecovering, types.SiteStatusSuspended, Event{Kind: EventRecovered}, types.SiteStatusSuspended},
		{"broken site recovering", types.SiteStatusBroken, types.SiteStatusActive, Event{Kind: EventRecoveryStarted}, types.SiteStatusRecovering},
		{"recovery seen without running", types.SiteStatusBroken, types.SiteStatusInactive, Event{Kind: EventRecovered}, types.SiteStatusInactive},
		{"broken site suspended", types.SiteStatusBroken, "", Event{Kind: EventSuspend, Reason: ReasonTrialExpired}, types.SiteStatusSuspended},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			site := types.Site{Name: "a.example.com", Status: tt.from, StatusBeforeUpdate: tt.before}
			next, _, err := Transition(site, tt.event)
			require.NoError(t, err)
			assert.Equal(t, tt.want, next.Status)
		})
	}
}

func TestTransitionPrepareUpdateRemembersStatus(t *testing.T) {
	next, _, err := Transition(types.Site{Status: types.SiteStatusInactive}, Event{Kind: EventPrepareUpdate})
	require.NoError(t, err)
	assert.Equal(t, types.SiteStatusPending, next.Status)
	assert.Equal(t, types.SiteStatusInactive, next.StatusBeforeUpdate)
}

func TestTransitionUnsuspendMatchesReason(t *testing.T) {
	site := types.Site{Status: types.SiteStatusSuspended, SuspendReason: ReasonTrialExpired, SubscriptionsDisabled: true}

	next, effects, err := Transition(site, Event{Kind: EventUnsuspend, Reason: ReasonUsageExceeded})
	require.NoError(t, err)
	assert.Equal(t, types.SiteStatusSuspended, next.Status)
	assert.Empty(t, effects)

	next, effects, err = Transition(site, Event{Kind: EventUnsuspend})
	require.NoError(t, err)
	assert.Equal(t, types.SiteStatusActive, next.Status)
	assert.Empty(t, next.SuspendReason)
	assert.False(t, next.SubscriptionsDisabled)
	require.NotEmpty(t, effects)
	assert.Equal(t, ProxyActivated, effects[0].ProxyStatus)
}

func TestTransitionUnsuspendIgnoresActiveSite(t *testing.T) {
	next, effects, err := Transition(types.Site{Status: types.SiteStatusActive}, Event{Kind: EventUnsuspend})
	require.NoError(t, err)
	assert.Equal(t, types.SiteStatusActive, next.Status)
	assert.Empty(t, effects)
}

func TestTransitionArchivedClearsHostName(t *testing.T) {
	site := types.Site{Status: types.SiteStatusActive, HostName: "erp.acme.test", ArchiveFailed: true}
	next, effects, err := Transition(site, Event{Kind: EventArchived})
	require.NoError(t, err)
	assert.Empty(t, next.HostName)
	assert.False(t, next.ArchiveFailed)

	var published []events.EventType
	for _, e := range effects {
		if e.Kind == EffectPublish {
			published = append(published, e.Event)
		}
	}
	assert.Equal(t, []events.EventType{events.EventSiteArchived, events.EventSiteStatusChanged}, published)
}

func TestTransitionArchiveFailedKeepsStatus(t *testing.T) {
	next, effects, err := Transition(types.Site{Status: types.SiteStatusActive}, Event{Kind: EventArchiveFailed})
	require.NoError(t, err)
	assert.Equal(t, types.SiteStatusActive, next.Status)
	assert.True(t, next.ArchiveFailed)
	assert.Empty(t, effects)
}

func TestTransitionRestoreFailedOnNewSite(t *testing.T) {
	_, effects, err := Transition(types.Site{Status: types.SiteStatusPending}, Event{Kind: EventRestoreFailed, NewSite: true})
	require.NoError(t, err)
	assert.Contains(t, effectKinds(effects), EffectSetCreationFailed)

	_, effects, err = Transition(types.Site{Status: types.SiteStatusPending}, Event{Kind: EventRestoreFailed})
	require.NoError(t, err)
	assert.NotContains(t, effectKinds(effects), EffectSetCreationFailed)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(types.SiteStatusActive, types.SiteStatusActive))
	assert.True(t, CanTransition(types.SiteStatusBroken, types.SiteStatusRecovering))
	assert.False(t, CanTransition(types.SiteStatusSuspended, types.SiteStatusUpdating))
	assert.False(t, CanTransition(types.SiteStatusArchived, types.SiteStatusActive))
	assert.False(t, CanTransition(types.SiteStatusInstalling, types.SiteStatusSuspended))
}

func TestUsageFlag(t *testing.T) {
	now := testNow
	site := &types.Site{CurrentDiskUsage: 130}
	assert.False(t, FlagUsage(site, now))
	assert.True(t, site.SiteUsageExceeded)
	assert.Equal(t, now, site.SiteUsageExceededOn)

	// Between the thresholds the flag stays
	site.CurrentDiskUsage = 110
	assert.False(t, FlagUsage(site, now))
	assert.True(t, site.SiteUsageExceeded)

	site.CurrentDiskUsage = 90
	assert.True(t, FlagUsage(site, now))
	assert.False(t, site.SiteUsageExceeded)
	assert.True(t, site.SiteUsageExceededOn.IsZero())
}

func TestRecomputeUsage(t *testing.T) {
	site := &types.Site{DiskUsedMB: 1500, CurrentDatabaseUsage: 40}
	RecomputeUsage(site, &types.Plan{MaxStorageMB: 1000, MaxDatabaseMB: 500})
	assert.InDelta(t, 150, site.CurrentDiskUsage, 0.01)
	assert.InDelta(t, 40, site.CurrentDatabaseUsage, 0.01)
}
