package submission

import (
	"time"

	"github.com/cleancity/cleancity-ai/internal/models"
)

// ComputeStats counts all reports, the HIGH or CRITICAL ones, and those created on now's calendar date
func ComputeStats(reports []models.WasteReport, now time.Time) models.Stats {
	stats := models.Stats{Total: len(reports)}
	year, month, day := now.Date()

	for i := range reports {
		r := &reports[i]
		if r.Analysis != nil && r.Analysis.Severity.IsCritical() {
			stats.Critical++
		}
		y, m, d := r.CreatedAt().In(now.Location()).Date()
		if y == year && m == month && d == day {
			stats.Today++
		}
	}

	return stats
}
