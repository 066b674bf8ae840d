package site

import (
	"time"

	"github.com/cuemby/press/pkg/events"
	"github.com/cuemby/press/pkg/types"
)

// EventKind names something that happened to a site
type EventKind string

const (
	EventInstalling      EventKind = "installing"
	EventInstalled       EventKind = "installed"
	EventInstallFailed   EventKind = "install_failed"
	EventPrepareUpdate   EventKind = "prepare_update"
	EventUpdateStarted   EventKind = "update_started"
	EventUpdateSucceeded EventKind = "update_succeeded"
	EventUpdateFailed    EventKind = "update_failed"
	EventRecoveryStarted EventKind = "recovery_started"
	EventRecovered       EventKind = "recovered"
	EventRecoveryFailed  EventKind = "recovery_failed"
	EventPrepare         EventKind = "prepare"
	EventRestored        EventKind = "restored"
	EventRestoreFailed   EventKind = "restore_failed"
	EventDeactivate      EventKind = "deactivate"
	EventActivate        EventKind = "activate"
	EventSuspend         EventKind = "suspend"
	EventUnsuspend       EventKind = "unsuspend"
	EventArchived        EventKind = "archived"
	EventArchiveFailed   EventKind = "archive_failed"
)

// Event drives Transition
type Event struct {
	Kind EventKind

	// Reason is the suspension reason for EventSuspend and EventUnsuspend
	Reason string

	// Recoverable marks an update failure that a recovery job can undo
	Recoverable bool

	// NewSite marks failures of a site that never became Active
	NewSite bool
}

// EffectKind names a side effect of a transition
type EffectKind string

const (
	EffectPublish              EffectKind = "publish"
	EffectArchiveCleanup       EffectKind = "archive_cleanup"
	EffectEnqueueRecover       EffectKind = "enqueue_recover"
	EffectUpdateProxyStatus    EffectKind = "update_proxy_status"
	EffectDisableSubscriptions EffectKind = "disable_subscriptions"
	EffectSetCreationFailed    EffectKind = "set_creation_failed"
)

// Effect is work the executor performs after a transition
type Effect struct {
	Kind        EffectKind
	Event       events.EventType // EffectPublish
	ProxyStatus string           // EffectUpdateProxyStatus
}

// Proxy statuses understood by the agent
const (
	ProxyActivated   = "activated"
	ProxyDeactivated = "deactivated"
	ProxySuspended   = "suspended"
)

// Suspension reasons
const (
	ReasonUsageExceeded = "Site Usage Exceeded"
	ReasonTrialExpired  = "Trial Expired"
	ReasonManual        = "Suspended by Operator"
)

var allowed = map[types.SiteStatus][]types.SiteStatus{
	types.SiteStatusPending: {
		types.SiteStatusInstalling, types.SiteStatusActive, types.SiteStatusBroken,
		types.SiteStatusUpdating, types.SiteStatusInactive, types.SiteStatusSuspended,
	},
	types.SiteStatusInstalling: {types.SiteStatusActive, types.SiteStatusBroken},
	types.SiteStatusActive: {
		types.SiteStatusUpdating, types.SiteStatusPending, types.SiteStatusInactive,
		types.SiteStatusSuspended, types.SiteStatusArchived,
	},
	types.SiteStatusUpdating: {
		types.SiteStatusActive, types.SiteStatusBroken, types.SiteStatusRecovering,
		types.SiteStatusInactive, types.SiteStatusSuspended,
	},
	types.SiteStatusRecovering: {
		types.SiteStatusActive, types.SiteStatusBroken,
		types.SiteStatusInactive, types.SiteStatusSuspended,
	},
	types.SiteStatusInactive: {
		types.SiteStatusActive, types.SiteStatusArchived, types.SiteStatusSuspended, types.SiteStatusPending,
	},
	types.SiteStatusSuspended: {
		types.SiteStatusActive, types.SiteStatusArchived, types.SiteStatusPending,
	},
	types.SiteStatusBroken: {
		types.SiteStatusActive, types.SiteStatusArchived, types.SiteStatusPending, types.SiteStatusRecovering,
		types.SiteStatusInactive, types.SiteStatusSuspended,
	},
}

// CanTransition reports whether a site may move from one status to another
func CanTransition(from, to types.SiteStatus) bool {
	if from == to {
		return true
	}
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition computes the site after ev and the effects to run. It never
// touches the store; moving to the current status is a no-op.
func Transition(site types.Site, ev Event) (types.Site, []Effect, error) {
	next := site
	var effects []Effect

	if site.Status == types.SiteStatusArchived {
		return site, nil, types.ErrSiteAlreadyArchived
	}

	var to types.SiteStatus
	switch ev.Kind {
	case EventInstalling:
		to = types.SiteStatusInstalling
	case EventInstalled, EventRestored:
		to = types.SiteStatusActive
		next.CreationFailed = time.Time{}
	case EventInstallFailed, EventRestoreFailed:
		to = types.SiteStatusBroken
		if ev.Kind == EventInstallFailed || ev.NewSite {
			effects = append(effects, Effect{Kind: EffectSetCreationFailed})
		}

	case EventPrepareUpdate:
		if site.Status.InMaintenance() {
			return site, nil, types.ErrSiteUnderMaintenance
		}
		next.StatusBeforeUpdate = site.Status
		to = types.SiteStatusPending
	case EventUpdateStarted:
		to = types.SiteStatusUpdating
	case EventUpdateSucceeded, EventRecovered:
		to = restoredStatus(site.StatusBeforeUpdate)
	case EventUpdateFailed:
		to = types.SiteStatusBroken
		if ev.Recoverable {
			effects = append(effects, Effect{Kind: EffectEnqueueRecover})
		}
	case EventRecoveryStarted:
		to = types.SiteStatusRecovering
	case EventRecoveryFailed:
		to = types.SiteStatusBroken
		effects = append(effects, Effect{Kind: EffectPublish, Event: events.EventUpdateFatal})

	case EventPrepare:
		if site.Status.InMaintenance() {
			return site, nil, types.ErrSiteUnderMaintenance
		}
		to = types.SiteStatusPending

	case EventDeactivate:
		to = types.SiteStatusInactive
		if site.Status != to {
			effects = append(effects, Effect{Kind: EffectUpdateProxyStatus, ProxyStatus: ProxyDeactivated})
		}
	case EventActivate:
		to = types.SiteStatusActive
		if site.Status == types.SiteStatusInactive {
			effects = append(effects, Effect{Kind: EffectUpdateProxyStatus, ProxyStatus: ProxyActivated})
		}

	case EventSuspend:
		to = types.SiteStatusSuspended
		if site.Status != to {
			next.SuspendReason = ev.Reason
			effects = append(effects,
				Effect{Kind: EffectUpdateProxyStatus, ProxyStatus: ProxySuspended},
				Effect{Kind: EffectDisableSubscriptions},
				Effect{Kind: EffectPublish, Event: events.EventSiteSuspended},
			)
		}
	case EventUnsuspend:
		if site.Status != types.SiteStatusSuspended {
			return site, nil, nil
		}
		if ev.Reason != "" && site.SuspendReason != ev.Reason {
			return site, nil, nil
		}
		to = types.SiteStatusActive
		next.SuspendReason = ""
		next.SubscriptionsDisabled = false
		effects = append(effects,
			Effect{Kind: EffectUpdateProxyStatus, ProxyStatus: ProxyActivated},
			Effect{Kind: EffectPublish, Event: events.EventSiteUnsuspended},
		)

	case EventArchived:
		to = types.SiteStatusArchived
		next.HostName = ""
		next.ArchiveFailed = false
		effects = append(effects,
			Effect{Kind: EffectArchiveCleanup},
			Effect{Kind: EffectDisableSubscriptions},
			Effect{Kind: EffectPublish, Event: events.EventSiteArchived},
		)
	case EventArchiveFailed:
		next.ArchiveFailed = true
		return next, nil, nil

	default:
		return site, nil, &types.TransitionError{From: site.Status, To: site.Status}
	}

	if site.Status == to {
		return site, nil, nil
	}
	if !CanTransition(site.Status, to) {
		return site, nil, &types.TransitionError{From: site.Status, To: to}
	}

	next.Status = to
	effects = append(effects, Effect{Kind: EffectPublish, Event: events.EventSiteStatusChanged})
	return next, effects, nil
}

// restoredStatus is where a site goes once an update or recovery finishes.
// A site that was Broken before the update comes back Active.
func restoredStatus(before types.SiteStatus) types.SiteStatus {
	switch before {
	case types.SiteStatusInactive, types.SiteStatusSuspended:
		return before
	}
	return types.SiteStatusActive
}
