package backup

import (
	"sort"
	"time"

	"github.com/cuemby/press/pkg/config"
	"github.com/cuemby/press/pkg/types"
)

// Rotation decides which of a site's backups to let go
type Rotation interface {
	// Name labels the expiries the rotation causes
	Name() string
	// Expire returns the backups to mark unavailable
	Expire(backups []*types.SiteBackup, now time.Time) []*types.SiteBackup
}

// newestFirst sorts a copy of backups by creation, newest first
func newestFirst(backups []*types.SiteBackup) []*types.SiteBackup {
	out := append([]*types.SiteBackup(nil), backups...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Creation.After(out[j].Creation) })
	return out
}

// FIFO keeps the Keep newest backups
type FIFO struct {
	Keep int
}

func (f FIFO) Name() string { return "fifo" }

func (f FIFO) Expire(backups []*types.SiteBackup, now time.Time) []*types.SiteBackup {
	if len(backups) <= f.Keep {
		return nil
	}
	return newestFirst(backups)[f.Keep:]
}

// GFS keeps every backup of the last Daily days, backups taken on WeekDay
// for Weekly weeks, on MonthDay for Monthly months and on YearDay for
// Yearly years
type GFS struct {
	Daily   int
	Weekly  int
	Monthly int
	Yearly  int

	WeekDay  time.Weekday
	MonthDay int
	YearDay  int
}

// DefaultGFS is a week of dailies, a month of weeklies, a year of monthlies
// and a decade of yearlies
func DefaultGFS() GFS {
	return GFS{
		Daily:    7,
		Weekly:   4,
		Monthly:  12,
		Yearly:   10,
		WeekDay:  time.Sunday,
		MonthDay: 1,
		YearDay:  1,
	}
}

func (g GFS) Name() string { return "gfs" }

func (g GFS) Expire(backups []*types.SiteBackup, now time.Time) []*types.SiteBackup {
	var expired []*types.SiteBackup
	for _, b := range newestFirst(backups) {
		if !g.keep(b.Creation.UTC(), now.UTC()) {
			expired = append(expired, b)
		}
	}
	return expired
}

func (g GFS) keep(taken, now time.Time) bool {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	switch {
	// Today counts as the first of the daily days
	case !taken.Before(today.AddDate(0, 0, -(g.Daily - 1))):
		return true
	case taken.Weekday() == g.WeekDay && !taken.Before(today.AddDate(0, 0, -7*g.Weekly)):
		return true
	case taken.Day() == g.MonthDay && !taken.Before(today.AddDate(0, -g.Monthly, 0)):
		return true
	case taken.YearDay() == g.YearDay && !taken.Before(today.AddDate(-g.Yearly, 0, 0)):
		return true
	}
	return false
}

// RotationFromConfig returns the configured rotation scheme
func RotationFromConfig(cfg *config.Config) Rotation {
	if cfg.BackupRotationScheme != config.RotationGFS {
		return FIFO{Keep: cfg.OffsiteBackupsCount}
	}
	gfs := DefaultGFS()
	if cfg.GFSDailyDays > 0 {
		gfs.Daily = cfg.GFSDailyDays
	}
	if day, err := config.ParseWeekday(cfg.GFSWeeklyDay); err == nil {
		gfs.WeekDay = day
	}
	if cfg.GFSMonthlyDay > 0 {
		gfs.MonthDay = cfg.GFSMonthlyDay
	}
	if cfg.GFSYearlyDay > 0 {
		gfs.YearDay = cfg.GFSYearlyDay
	}
	return gfs
}
