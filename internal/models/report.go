package models

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxDescriptionLength caps the user description, counted in characters
const MaxDescriptionLength = 500

// WasteType is the primary kind of waste detected in a report
type WasteType string

const (
	WasteTypePlastic      WasteType = "PLASTIC"
	WasteTypeOrganic      WasteType = "ORGANIC"
	WasteTypeMetal        WasteType = "METAL"
	WasteTypeElectronic   WasteType = "ELECTRONIC"
	WasteTypeConstruction WasteType = "CONSTRUCTION"
	WasteTypeHazardous    WasteType = "HAZARDOUS"
	WasteTypeOther        WasteType = "OTHER"
)

// WasteTypes lists every waste type in declaration order
var WasteTypes = []WasteType{
	WasteTypePlastic,
	WasteTypeOrganic,
	WasteTypeMetal,
	WasteTypeElectronic,
	WasteTypeConstruction,
	WasteTypeHazardous,
	WasteTypeOther,
}

// Valid reports whether t is one of the known waste types
func (t WasteType) Valid() bool {
	for _, known := range WasteTypes {
		if t == known {
			return true
		}
	}
	return false
}

// WasteSeverity ranks the cleanup urgency, LOW being the least urgent
type WasteSeverity string

const (
	SeverityLow      WasteSeverity = "LOW"
	SeverityMedium   WasteSeverity = "MEDIUM"
	SeverityHigh     WasteSeverity = "HIGH"
	SeverityCritical WasteSeverity = "CRITICAL"
)

// Severities lists every severity in ascending urgency
var Severities = []WasteSeverity{
	SeverityLow,
	SeverityMedium,
	SeverityHigh,
	SeverityCritical,
}

// Rank returns the position of s in ascending urgency, or -1 if unknown
func (s WasteSeverity) Rank() int {
	for i, known := range Severities {
		if s == known {
			return i
		}
	}
	return -1
}

// Valid reports whether s is one of the known severities
func (s WasteSeverity) Valid() bool {
	return s.Rank() >= 0
}

// IsCritical is true for HIGH and CRITICAL
func (s WasteSeverity) IsCritical() bool {
	return s == SeverityHigh || s == SeverityCritical
}

// ReportStatus tracks a report through the submission pipeline
type ReportStatus string

const (
	StatusPending   ReportStatus = "PENDING"
	StatusAnalyzing ReportStatus = "ANALYZING"
	StatusReported  ReportStatus = "REPORTED"
)

// WasteAnalysis is the classifier's judgment about a report
type WasteAnalysis struct {
	Type            WasteType     `json:"type"`
	Severity        WasteSeverity `json:"severity"`
	Description     string        `json:"description"`
	EstimatedVolume string        `json:"estimatedVolume"`
	ActionRequired  string        `json:"actionRequired"`
}

// Validate checks that every field is present and both enumerations are known
func (a *WasteAnalysis) Validate() error {
	if !a.Type.Valid() {
		return fmt.Errorf("unknown waste type %q", a.Type)
	}
	if !a.Severity.Valid() {
		return fmt.Errorf("unknown severity %q", a.Severity)
	}
	if strings.TrimSpace(a.Description) == "" {
		return fmt.Errorf("description is required")
	}
	if strings.TrimSpace(a.EstimatedVolume) == "" {
		return fmt.Errorf("estimatedVolume is required")
	}
	if strings.TrimSpace(a.ActionRequired) == "" {
		return fmt.Errorf("actionRequired is required")
	}
	return nil
}

// FallbackAnalysis is substituted whenever the classifier reply is unusable
func FallbackAnalysis() WasteAnalysis {
	return WasteAnalysis{
		Type:            WasteTypeOther,
		Severity:        SeverityMedium,
		Description:     "Automated analysis was inconclusive. View user details for info.",
		EstimatedVolume: "Not determined",
		ActionRequired:  "On-site verification needed.",
	}
}

// Location is a one-shot coordinate read. Address is never filled in by the current flows.
type Location struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address,omitempty"`
}

// Coordinates formats the location for display
func (l *Location) Coordinates() string {
	return fmt.Sprintf("%.4f, %.4f", l.Lat, l.Lng)
}

// WasteReport represents one citizen-submitted waste incident
type WasteReport struct {
	ID              string         `json:"id"`
	Timestamp       int64          `json:"timestamp"` // milliseconds since epoch
	ImageURL        string         `json:"imageUrl,omitempty"`
	UserDescription string         `json:"userDescription"`
	Location        *Location      `json:"location,omitempty"`
	Analysis        *WasteAnalysis `json:"analysis,omitempty"`
	Status          ReportStatus   `json:"status"`
}

// CreatedAt converts the millisecond timestamp to a local time
func (r WasteReport) CreatedAt() time.Time {
	return time.UnixMilli(r.Timestamp)
}

// ShortID is the last six characters of the ID, upper-cased
func (r WasteReport) ShortID() string {
	id := r.ID
	if len(id) > 6 {
		id = id[len(id)-6:]
	}
	return strings.ToUpper(id)
}

// TypeLabel is the headline shown on a report card
func (r WasteReport) TypeLabel() string {
	if r.Analysis == nil {
		return "New Complaint"
	}
	return strings.Replace(string(r.Analysis.Type), "_", " ", 1)
}

// SeverityLabel is the badge text shown on a report card
func (r WasteReport) SeverityLabel() string {
	if r.Analysis == nil {
		return string(StatusPending)
	}
	return string(r.Analysis.Severity)
}

// CleanDescription trims surrounding whitespace and caps the result at MaxDescriptionLength characters
func CleanDescription(s string) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= MaxDescriptionLength {
		return s
	}
	runes := []rune(s)
	return string(runes[:MaxDescriptionLength])
}

// Stats are the aggregate counters shown above the feed
type Stats struct {
	Total    int `json:"total"`
	Critical int `json:"critical"`
	Today    int `json:"today"`
}

// ReportSubmittedEvent represents the event published once a report is stored
type ReportSubmittedEvent struct {
	ID        string        `json:"id"`
	Type      WasteType     `json:"type"`
	Severity  WasteSeverity `json:"severity"`
	HasImage  bool          `json:"has_image"`
	Lat       *float64      `json:"lat,omitempty"`
	Lng       *float64      `json:"lng,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// NewReportSubmittedEvent builds the bus event for a stored report. The image itself never goes on the bus.
func NewReportSubmittedEvent(r *WasteReport) ReportSubmittedEvent {
	event := ReportSubmittedEvent{
		ID:        r.ID,
		HasImage:  r.ImageURL != "",
		Timestamp: r.CreatedAt(),
	}
	if r.Analysis != nil {
		event.Type = r.Analysis.Type
		event.Severity = r.Analysis.Severity
	}
	if r.Location != nil {
		lat, lng := r.Location.Lat, r.Location.Lng
		event.Lat = &lat
		event.Lng = &lng
	}
	return event
}
