package update

import (
	"errors"
	"time"

	"github.com/cuemby/press/pkg/storage"
	"github.com/cuemby/press/pkg/types"
)

// Updatable is a bench with somewhere to go
type Updatable struct {
	Bench       *types.Bench
	Destination *types.Bench
	Difference  *types.DeployCandidateDifference
}

// UpdatableBenches returns every Active bench for which a candidate
// difference leads to an Active bench on the same server. When several do,
// the newest destination wins.
func UpdatableBenches(tx storage.Tx) (map[string]*Updatable, error) {
	benches, err := tx.ListBenches()
	if err != nil {
		return nil, err
	}
	diffs, err := tx.ListDeployCandidateDifferences()
	if err != nil {
		return nil, err
	}

	bySource := make(map[string][]*types.DeployCandidateDifference)
	for _, d := range diffs {
		bySource[d.Source] = append(bySource[d.Source], d)
	}

	// Active benches by server and candidate
	active := make(map[string]map[string]*types.Bench)
	for _, b := range benches {
		if b.Status != types.ServerStatusActive {
			continue
		}
		if active[b.Server] == nil {
			active[b.Server] = make(map[string]*types.Bench)
		}
		if current, ok := active[b.Server][b.Candidate]; !ok || b.Creation.After(current.Creation) {
			active[b.Server][b.Candidate] = b
		}
	}

	out := make(map[string]*Updatable)
	for _, b := range benches {
		if b.Status != types.ServerStatusActive {
			continue
		}
		for _, d := range bySource[b.Candidate] {
			dest, ok := active[b.Server][d.Destination]
			if !ok || dest.Name == b.Name {
				continue
			}
			if current, ok := out[b.Name]; ok && !dest.Creation.After(current.Destination.Creation) {
				continue
			}
			out[b.Name] = &Updatable{Bench: b, Destination: dest, Difference: d}
		}
	}
	return out, nil
}

// destinationFor returns where the site's bench can go, or nil
func destinationFor(tx storage.Tx, site *types.Site) (*Updatable, error) {
	updatable, err := UpdatableBenches(tx)
	if err != nil {
		return nil, err
	}
	return updatable[site.Bench], nil
}

// InDeployWindow reports whether an update may start for site now. Sites
// that are not serving traffic ignore deploy hours; the hours are read in
// the team's timezone.
func InDeployWindow(site *types.Site, team *types.Team, now time.Time) bool {
	if site.Status == types.SiteStatusInactive || site.Status == types.SiteStatusSuspended {
		return true
	}
	if len(site.DeployHours) == 0 {
		return true
	}

	loc := time.UTC
	if team != nil && team.Timezone != "" {
		if l, err := time.LoadLocation(team.Timezone); err == nil {
			loc = l
		}
	}
	hour := now.In(loc).Hour()
	for _, h := range site.DeployHours {
		if h == hour {
			return true
		}
	}
	return false
}

// missingApps returns the site's apps the bench does not have
func missingApps(site *types.Site, bench *types.Bench) []string {
	var missing []string
	for _, app := range site.Apps {
		if !bench.HasApp(app) {
			missing = append(missing, app)
		}
	}
	return missing
}

// failedBefore reports whether the same move already failed for the site
// and nobody has marked the cause resolved
func failedBefore(tx storage.Tx, site, source, destination string) (bool, error) {
	updates, err := tx.ListSiteUpdatesForPair(site, source, destination)
	if err != nil {
		return false, err
	}
	for _, u := range updates {
		switch u.Status {
		case types.UpdateStatusFailure, types.UpdateStatusFatal, types.UpdateStatusRecovered:
			if !u.CauseOfFailureIsResolved {
				return true, nil
			}
		}
	}
	return false, nil
}

// inFlight returns the site's update that is not finished, other than
// except
func inFlight(tx storage.Tx, site, except string) (*types.SiteUpdate, error) {
	updates, err := tx.ListSiteUpdatesBySite(site)
	if err != nil {
		return nil, err
	}
	for _, u := range updates {
		if u.Name == except {
			continue
		}
		if !u.Settled() {
			return u, nil
		}
	}
	return nil, nil
}

func loadTeam(tx storage.Tx, name string) (*types.Team, error) {
	team, err := tx.GetTeam(name)
	if errors.Is(err, types.ErrNotFound) {
		return nil, nil
	}
	return team, err
}
