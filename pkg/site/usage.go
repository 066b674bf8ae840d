package site

import (
	"time"

	"github.com/cuemby/press/pkg/types"
)

// Usage thresholds in percent of the plan
const (
	UsageExceededPercent = 120
	UsageClearedPercent  = 100
)

// RecomputeUsage refreshes the usage percentages from the measured sizes.
// Sites without measurements keep the percentages recorded by usage ingestion.
func RecomputeUsage(site *types.Site, plan *types.Plan) {
	if site.DiskUsedMB > 0 && plan.MaxStorageMB > 0 {
		site.CurrentDiskUsage = percent(site.DiskUsedMB, plan.MaxStorageMB)
	}
	if site.DatabaseUsedMB > 0 && plan.MaxDatabaseMB > 0 {
		site.CurrentDatabaseUsage = percent(site.DatabaseUsedMB, plan.MaxDatabaseMB)
	}
}

func percent(used, limit int64) float64 {
	return float64(used) * 100 / float64(limit)
}

// UsageExceeded reports whether disk or database use is past the hard limit
func UsageExceeded(site *types.Site) bool {
	return site.CurrentDiskUsage > UsageExceededPercent || site.CurrentDatabaseUsage > UsageExceededPercent
}

// UsageWithinPlan reports whether both disk and database use fit the plan
func UsageWithinPlan(site *types.Site) bool {
	return site.CurrentDiskUsage <= UsageClearedPercent && site.CurrentDatabaseUsage <= UsageClearedPercent
}

// FlagUsage sets or clears site_usage_exceeded and returns true when the
// flag was cleared. Usage between the two thresholds leaves the flag alone.
func FlagUsage(site *types.Site, now time.Time) bool {
	site.SiteUsageExceededLastChecked = now
	switch {
	case UsageExceeded(site):
		if !site.SiteUsageExceeded {
			site.SiteUsageExceeded = true
			site.SiteUsageExceededOn = now
		}
	case UsageWithinPlan(site):
		if site.SiteUsageExceeded {
			site.SiteUsageExceeded = false
			site.SiteUsageExceededOn = time.Time{}
			return true
		}
	}
	return false
}
