package site

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/cuemby/press/pkg/poller"
	"github.com/cuemby/press/pkg/storage"
	"github.com/cuemby/press/pkg/types"
)

// RegisterHandlers binds the site callbacks to their job types
func (s *Service) RegisterHandlers(r *poller.Registry) {
	for _, t := range []types.JobType{types.JobNewSite, types.JobNewSiteFromBackup, types.JobAddSiteToUpstream} {
		r.Register(t, s.onNewSite)
	}
	for _, t := range []types.JobType{types.JobArchiveSite, types.JobRemoveSiteFromUpstream} {
		r.Register(t, s.onArchive)
	}
	for _, t := range []types.JobType{types.JobRenameSite, types.JobRenameSiteOnUpstream} {
		r.Register(t, s.onRename)
	}
	for _, t := range []types.JobType{types.JobRestoreSite, types.JobReinstallSite, types.JobRestoreSiteTables} {
		r.Register(t, s.onRestore)
	}
	r.Register(types.JobMoveSiteToBench, s.onMove)
	r.Register(types.JobInstallAppOnSite, s.onInstallApp)
	r.Register(types.JobUninstallAppFromSite, s.onUninstallApp)
	r.Register(types.JobUpdateSiteStatus, s.onSiteStatus)
	r.Register(types.JobAddDomain, s.onDomain)
	r.Register(types.JobNewHost, s.onDomain)
}

// loadSite returns nil when the site is gone, e.g. renamed since the job
// was issued
func loadSite(tx storage.Tx, name string) (*types.Site, error) {
	site, err := tx.GetSite(name)
	if errors.Is(err, types.ErrNotFound) {
		return nil, nil
	}
	return site, err
}

// applyLogged applies ev and drops rejected transitions. A callback that
// kept failing on them would be redelivered forever.
func (s *Service) applyLogged(ctx context.Context, tx storage.Tx, site *types.Site, ev Event) (*types.Site, error) {
	next, err := s.Apply(ctx, tx, site, ev)
	if errors.Is(err, types.ErrInvalidTransition) || errors.Is(err, types.ErrSiteAlreadyArchived) ||
		errors.Is(err, types.ErrSiteUnderMaintenance) {
		s.logger.Warn().Err(err).Str("site", site.Name).Str("event", string(ev.Kind)).Msg("Ignoring site event")
		return site, nil
	}
	return next, err
}

// counterpart finds the other half of a paired job. A missing half counts
// as skipped.
func counterpart(tx storage.Tx, job *types.AgentJob) (*types.AgentJob, error) {
	if job.ReferenceName == "" {
		return nil, nil
	}
	jobs, err := tx.ListAgentJobsBySite(job.Site)
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		if j.ID != job.ID && j.ReferenceType == job.ReferenceType && j.ReferenceName == job.ReferenceName {
			return j, nil
		}
	}
	return nil, nil
}

// combined folds the statuses of a job pair: any failure fails the pair,
// it succeeds only when both did, and is running while either runs
func combined(job, other *types.AgentJob) types.JobStatus {
	statuses := []types.JobStatus{job.Status, types.JobStatusSuccess}
	if other != nil {
		statuses[1] = other.Status
	}

	running, succeeded := false, 0
	for _, st := range statuses {
		switch st {
		case types.JobStatusFailure, types.JobStatusDeliveryFailure:
			return types.JobStatusFailure
		case types.JobStatusSuccess:
			succeeded++
		case types.JobStatusRunning:
			running = true
		}
	}
	switch {
	case succeeded == len(statuses):
		return types.JobStatusSuccess
	case running:
		return types.JobStatusRunning
	}
	return types.JobStatusPending
}

func (s *Service) onNewSite(ctx context.Context, tx storage.Tx, job *types.AgentJob, old, new types.JobStatus) error {
	site, err := loadSite(tx, job.Site)
	if site == nil || err != nil {
		return err
	}
	other, err := counterpart(tx, job)
	if err != nil {
		return err
	}

	switch combined(job, other) {
	case types.JobStatusRunning:
		_, err = s.applyLogged(ctx, tx, site, Event{Kind: EventInstalling})
	case types.JobStatusFailure:
		_, err = s.applyLogged(ctx, tx, site, Event{Kind: EventInstallFailed, NewSite: true})
	case types.JobStatusSuccess:
		for _, j := range []*types.AgentJob{job, other} {
			if j != nil && j.Type == types.JobNewSiteFromBackup {
				site.Apps = s.reportedApps(tx, site, j)
			}
		}
		if site, err = s.applyLogged(ctx, tx, site, Event{Kind: EventInstalled}); err != nil {
			return err
		}
		err = s.activateDomain(tx, site.Name)
	}
	return err
}

func (s *Service) activateDomain(tx storage.Tx, name string) error {
	d, err := tx.GetSiteDomain(name)
	if errors.Is(err, types.ErrNotFound) {
		return nil
	}
	if err != nil || d.Status == types.DomainStatusActive {
		return err
	}
	d.Status = types.DomainStatusActive
	d.Error = ""
	return tx.PutSiteDomain(d)
}

func (s *Service) onArchive(ctx context.Context, tx storage.Tx, job *types.AgentJob, old, new types.JobStatus) error {
	site, err := loadSite(tx, job.Site)
	if site == nil || err != nil {
		return err
	}
	other, err := counterpart(tx, job)
	if err != nil {
		return err
	}

	switch combined(job, other) {
	case types.JobStatusSuccess:
		_, err = s.applyLogged(ctx, tx, site, Event{Kind: EventArchived})
	case types.JobStatusFailure:
		_, err = s.applyLogged(ctx, tx, site, Event{Kind: EventArchiveFailed})
	}
	return err
}

func (s *Service) onRename(ctx context.Context, tx storage.Tx, job *types.AgentJob, old, new types.JobStatus) error {
	site, err := loadSite(tx, job.Site)
	if site == nil || err != nil {
		return err
	}
	other, err := counterpart(tx, job)
	if err != nil {
		return err
	}
	if combined(job, other) != types.JobStatusSuccess {
		if job.Status == types.JobStatusFailure {
			s.logger.Warn().Str("site", site.Name).Str("job_id", job.ID).Msg("Rename failed")
		}
		return nil
	}

	var request struct {
		NewName string `json:"new_name"`
	}
	if err := json.Unmarshal(job.RequestData, &request); err != nil || request.NewName == "" {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Rename job has no new name")
		return nil
	}
	return s.rename(ctx, tx, site, request.NewName)
}

func (s *Service) rename(ctx context.Context, tx storage.Tx, site *types.Site, newName string) error {
	oldName, oldDomain := site.Name, site.DefaultDomain()
	if err := tx.RenameSite(oldName, newName); err != nil {
		return err
	}
	renamed, err := tx.GetSite(newName)
	if err != nil {
		return err
	}

	renamed.Subdomain = newName[:len(newName)-len(renamed.Domain)-1]
	if renamed.HostName == oldName {
		renamed.HostName = newName
		if renamed.Config == nil {
			renamed.Config = map[string]any{}
		}
		renamed.Config["host_name"] = "https://" + newName
	}
	if err := tx.PutSite(renamed); err != nil {
		return err
	}

	if d, err := tx.GetSiteDomain(oldDomain); err == nil {
		if err := tx.DeleteSiteDomain(oldDomain); err != nil {
			return err
		}
		d.Name = newName
		if err := tx.PutSiteDomain(d); err != nil {
			return err
		}
	}

	s.deleteRecord(ctx, tx, site)
	s.upsertRecord(ctx, tx, renamed)
	s.logger.Info().Str("site", newName).Str("previous", oldName).Msg("Site renamed")
	return nil
}

func (s *Service) onRestore(ctx context.Context, tx storage.Tx, job *types.AgentJob, old, new types.JobStatus) error {
	site, err := loadSite(tx, job.Site)
	if site == nil || err != nil {
		return err
	}

	// Table restores run against a live site and leave its status alone
	if job.Type == types.JobRestoreSiteTables {
		if new == types.JobStatusFailure {
			s.logger.Warn().Str("site", site.Name).Str("job_id", job.ID).Msg("Table restore failed")
		}
		return nil
	}

	switch new {
	case types.JobStatusRunning:
		_, err = s.applyLogged(ctx, tx, site, Event{Kind: EventInstalling})
	case types.JobStatusSuccess:
		site.Apps = s.reportedApps(tx, site, job)
		_, err = s.applyLogged(ctx, tx, site, Event{Kind: EventRestored})
	case types.JobStatusFailure, types.JobStatusDeliveryFailure:
		_, err = s.applyLogged(ctx, tx, site, Event{Kind: EventRestoreFailed, NewSite: true})
	}
	return err
}

// reportedApps is the app list the agent found after a restore, limited to
// what the bench has. Without a report the current list stays.
func (s *Service) reportedApps(tx storage.Tx, site *types.Site, job *types.AgentJob) []string {
	var data struct {
		Apps []string `json:"apps"`
	}
	if len(job.Data) == 0 || json.Unmarshal(job.Data, &data) != nil || len(data.Apps) == 0 {
		return site.Apps
	}
	bench, err := tx.GetBench(site.Bench)
	if err != nil {
		return site.Apps
	}

	var apps []string
	for _, app := range data.Apps {
		if bench.HasApp(app) {
			apps = append(apps, app)
		}
	}
	return OrderApps(apps)
}

func (s *Service) onMove(ctx context.Context, tx storage.Tx, job *types.AgentJob, old, new types.JobStatus) error {
	site, err := loadSite(tx, job.Site)
	if site == nil || err != nil {
		return err
	}

	switch new {
	case types.JobStatusRunning:
		_, err = s.applyLogged(ctx, tx, site, Event{Kind: EventUpdateStarted})
	case types.JobStatusSuccess:
		var request struct {
			Target string `json:"target"`
		}
		if err := json.Unmarshal(job.RequestData, &request); err != nil {
			return err
		}
		bench, err := tx.GetBench(request.Target)
		if err != nil {
			return err
		}
		site.Bench = bench.Name
		site.Group = bench.Group
		_, err = s.applyLogged(ctx, tx, site, Event{Kind: EventUpdateSucceeded})
		return err
	case types.JobStatusFailure, types.JobStatusDeliveryFailure:
		_, err = s.applyLogged(ctx, tx, site, Event{Kind: EventUpdateFailed})
	}
	return err
}

func appFromJob(job *types.AgentJob) string {
	var request struct {
		Name string `json:"name"`
	}
	if len(job.RequestData) > 0 && json.Unmarshal(job.RequestData, &request) == nil && request.Name != "" {
		return request.Name
	}
	// Uninstall jobs carry the app in the path only
	for i := len(job.RequestPath) - 1; i >= 0; i-- {
		if job.RequestPath[i] == '/' {
			return job.RequestPath[i+1:]
		}
	}
	return ""
}

func (s *Service) onInstallApp(ctx context.Context, tx storage.Tx, job *types.AgentJob, old, new types.JobStatus) error {
	if new != types.JobStatusSuccess {
		return nil
	}
	site, err := loadSite(tx, job.Site)
	if site == nil || err != nil {
		return err
	}
	app := appFromJob(job)
	if app == "" || site.HasApp(app) {
		return nil
	}
	site.Apps = append(site.Apps, app)
	return tx.PutSite(site)
}

func (s *Service) onUninstallApp(ctx context.Context, tx storage.Tx, job *types.AgentJob, old, new types.JobStatus) error {
	if new != types.JobStatusSuccess {
		return nil
	}
	site, err := loadSite(tx, job.Site)
	if site == nil || err != nil {
		return err
	}
	app := appFromJob(job)
	if !site.HasApp(app) {
		return nil
	}
	apps := site.Apps[:0:0]
	for _, a := range site.Apps {
		if a != app {
			apps = append(apps, a)
		}
	}
	site.Apps = apps
	return tx.PutSite(site)
}

func (s *Service) onSiteStatus(ctx context.Context, tx storage.Tx, job *types.AgentJob, old, new types.JobStatus) error {
	if new == types.JobStatusFailure || new == types.JobStatusDeliveryFailure {
		s.logger.Warn().
			Str("site", job.Site).
			Str("server", job.Server).
			Str("job_id", job.ID).
			Msg("Proxy did not take the site status")
	}
	return nil
}

// onDomain follows AddDomain on the app server and NewHost on the proxy
func (s *Service) onDomain(ctx context.Context, tx storage.Tx, job *types.AgentJob, old, new types.JobStatus) error {
	name := job.Host
	if job.Type == types.JobAddDomain {
		var request struct {
			Domain string `json:"domain"`
		}
		if err := json.Unmarshal(job.RequestData, &request); err != nil {
			return err
		}
		name = request.Domain
	}

	domain, err := tx.GetSiteDomain(name)
	if errors.Is(err, types.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	status := domain.Status
	switch new {
	case types.JobStatusPending, types.JobStatusRunning:
		if domain.Status != types.DomainStatusActive {
			status = types.DomainStatusInProgress
		}
	case types.JobStatusSuccess:
		if job.Type == types.JobNewHost {
			status = types.DomainStatusActive
			domain.Error = ""
		}
	case types.JobStatusFailure, types.JobStatusDeliveryFailure:
		status = types.DomainStatusBroken
		domain.Error = job.Traceback
	}
	if status == domain.Status && new != types.JobStatusFailure {
		return nil
	}
	domain.Status = status
	return tx.PutSiteDomain(domain)
}
