package submission

import (
	"testing"
	"time"

	"github.com/cleancity/cleancity-ai/internal/models"
)

func TestComputeStats_LocalDay(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	now := time.Date(2025, 6, 2, 0, 30, 0, 0, loc)

	tests := []struct {
		name      string
		createdAt time.Time
		wantToday int
	}{
		{name: "just after local midnight", createdAt: time.Date(2025, 6, 2, 0, 5, 0, 0, loc), wantToday: 1},
		{name: "just before local midnight", createdAt: time.Date(2025, 6, 1, 23, 55, 0, 0, loc), wantToday: 0},
		{name: "earlier utc hour on the previous local day", createdAt: time.Date(2025, 6, 1, 21, 30, 0, 0, time.UTC), wantToday: 0},
		{name: "same utc date but already the local today", createdAt: time.Date(2025, 6, 1, 22, 10, 0, 0, time.UTC), wantToday: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeStats([]models.WasteReport{{Timestamp: tt.createdAt.UnixMilli()}}, now)
			if got.Today != tt.wantToday || got.Total != 1 {
				t.Fatalf("ComputeStats() = %+v, want today %d", got, tt.wantToday)
			}
		})
	}
}

func TestComputeStats_Critical(t *testing.T) {
	now := time.Now()
	withSeverity := func(s models.WasteSeverity) models.WasteReport {
		return models.WasteReport{Timestamp: now.UnixMilli(), Analysis: &models.WasteAnalysis{Severity: s}}
	}

	reports := []models.WasteReport{
		withSeverity(models.SeverityLow),
		withSeverity(models.SeverityMedium),
		withSeverity(models.SeverityHigh),
		withSeverity(models.SeverityCritical),
		{Timestamp: now.AddDate(0, 0, -3).UnixMilli()},
	}

	got := ComputeStats(reports, now)
	want := models.Stats{Total: 5, Critical: 2, Today: 4}
	if got != want {
		t.Fatalf("ComputeStats() = %+v, want %+v", got, want)
	}
}

func TestComputeStats_Empty(t *testing.T) {
	if got := ComputeStats(nil, time.Now()); got != (models.Stats{}) {
		t.Fatalf("ComputeStats(nil) = %+v", got)
	}
}
