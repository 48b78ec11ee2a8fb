package submission

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/cleancity/cleancity-ai/internal/models"
)

// MaxImageSize is the largest photo accepted, in bytes
const MaxImageSize = 10 * 1024 * 1024

// DefaultSnapshotTTL is how long a listed feed seeds newly opened sessions without another ListAll
const DefaultSnapshotTTL = 30 * time.Second

// MissingConfigMessage is the sync error shown when the database is not configured
const MissingConfigMessage = "Database keys missing. Update your environment variables."

var (
	ErrEmptySubmission    = errors.New("Please provide at least a photo or a description.")
	ErrFileTooLarge       = errors.New("File size exceeds 10MB limit.")
	ErrStoreNotConfigured = errors.New("Database configuration missing.")
	ErrSubmissionInFlight = errors.New("A report is already being submitted.")
	ErrRefreshInFlight    = errors.New("A refresh is already in progress.")
)

// Store is the persistence client the orchestrator writes to and reads the feed from
type Store interface {
	IsConfigured() bool
	Insert(ctx context.Context, report *models.WasteReport) error
	ListAll(ctx context.Context) ([]models.WasteReport, error)
}

// ImageStore uploads photo bytes and returns a public URL
type ImageStore interface {
	UploadImage(ctx context.Context, data []byte, contentType string) (string, error)
}

// Publisher announces stored reports
type Publisher interface {
	PublishReportSubmitted(ctx context.Context, event models.ReportSubmittedEvent) error
}

// AnalyzeFunc classifies a report. It never fails; unusable replies come back as the fallback analysis.
type AnalyzeFunc func(ctx context.Context, imageDataURI, description string) models.WasteAnalysis

// Options carries the optional collaborators of an Orchestrator
type Options struct {
	Images ImageStore
	Events Publisher
	Guard  Guard
	Now    func() time.Time
	NewID  func() string

	// SnapshotTTL of zero means DefaultSnapshotTTL; negative disables the shared snapshot
	SnapshotTTL time.Duration
}

// Upload is a photo attached to a submission. Size is -1 when unknown.
type Upload struct {
	Reader      io.Reader
	Size        int64
	ContentType string
}

// SubmitInput is what the citizen filled in
type SubmitInput struct {
	Description string
	Image       *Upload
	Location    *models.Location
}

// Orchestrator drives submissions and feed refreshes for sessions
type Orchestrator struct {
	store   Store
	analyze AnalyzeFunc
	images  ImageStore
	events  Publisher
	guard   Guard
	now     func() time.Time
	newID   func() string

	snapshotTTL time.Duration
	snapshotMu  sync.Mutex
	snapshot    []models.WasteReport
	snapshotAt  time.Time
}

// NewOrchestrator wires the pipeline. Missing options fall back to an in-memory guard, time.Now and random UUIDs.
func NewOrchestrator(store Store, analyze AnalyzeFunc, opts Options) *Orchestrator {
	o := &Orchestrator{
		store:   store,
		analyze: analyze,
		images:  opts.Images,
		events:  opts.Events,
		guard:   opts.Guard,
		now:     opts.Now,
		newID:   opts.NewID,

		snapshotTTL: opts.SnapshotTTL,
	}
	if o.snapshotTTL == 0 {
		o.snapshotTTL = DefaultSnapshotTTL
	}
	if o.guard == nil {
		o.guard = NewMemoryGuard()
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.newID == nil {
		o.newID = func() string { return uuid.New().String() }
	}
	return o
}

// IsConfigured reports whether submissions can be stored
func (o *Orchestrator) IsConfigured() bool {
	return o.store.IsConfigured()
}

// Now returns the orchestrator clock
func (o *Orchestrator) Now() time.Time {
	return o.now()
}

// OpenSession registers a new session and loads its feed
func (o *Orchestrator) OpenSession(ctx context.Context, registry *Registry) *Session {
	session := registry.Create()
	o.load(ctx, session)
	return session
}

// TransientSession loads a feed into a session no registry keeps. It serves clients without a cookie.
func (o *Orchestrator) TransientSession(ctx context.Context) *Session {
	session := newSession(o.newID(), o.now())
	o.load(ctx, session)
	return session
}

// load seeds a fresh session from the shared snapshot, refreshing from the store when it is stale
func (o *Orchestrator) load(ctx context.Context, session *Session) {
	if reports, ok := o.cachedFeed(); ok {
		session.replaceFeed(reports)
		return
	}
	if _, err := o.Refresh(ctx, session); err != nil && !errors.Is(err, ErrStoreNotConfigured) {
		log.Warn().Err(err).Str("session", session.ID).Msg("Initial feed load failed")
	}
}

func (o *Orchestrator) cachedFeed() ([]models.WasteReport, bool) {
	o.snapshotMu.Lock()
	defer o.snapshotMu.Unlock()
	if o.snapshot == nil || o.snapshotTTL < 0 || o.now().Sub(o.snapshotAt) > o.snapshotTTL {
		return nil, false
	}
	return o.snapshot, true
}

func (o *Orchestrator) setSnapshot(reports []models.WasteReport) {
	o.snapshotMu.Lock()
	defer o.snapshotMu.Unlock()
	o.snapshot = reports
	o.snapshotAt = o.now()
}

// Submit validates, encodes, analyzes and stores one report, then prepends it to the session feed
func (o *Orchestrator) Submit(ctx context.Context, session *Session, input SubmitInput) (*models.WasteReport, error) {
	description := models.CleanDescription(input.Description)
	hasImage := input.Image != nil && input.Image.Reader != nil

	if !hasImage && description == "" {
		return nil, ErrEmptySubmission
	}
	if hasImage && input.Image.Size > MaxImageSize {
		return nil, ErrFileTooLarge
	}
	if !o.store.IsConfigured() {
		return nil, ErrStoreNotConfigured
	}

	token, acquired, err := o.guard.Acquire(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, ErrSubmissionInFlight
	}
	defer func() {
		if err := o.guard.Release(context.WithoutCancel(ctx), session.ID, token); err != nil {
			log.Error().Err(err).Str("session", session.ID).Msg("Failed to release submission guard")
		}
	}()

	draft := &models.WasteReport{
		ID:              o.newID(),
		UserDescription: description,
		Location:        input.Location,
		Status:          models.StatusPending,
	}
	session.setPending(draft)
	defer session.setPending(nil)

	var (
		imageData   []byte
		contentType string
		dataURI     string
	)
	if hasImage {
		imageData, contentType, err = readImage(input.Image)
		if err != nil {
			return nil, err
		}
		dataURI = encodeDataURI(imageData, contentType)
	}

	session.setPendingStatus(models.StatusAnalyzing)
	started := time.Now()
	analysis := o.analyze(ctx, dataURI, description)

	log.Info().
		Str("id", draft.ID).
		Str("type", string(analysis.Type)).
		Str("severity", string(analysis.Severity)).
		Dur("duration", time.Since(started)).
		Msg("Report analyzed")

	report := &models.WasteReport{
		ID:              draft.ID,
		Timestamp:       o.now().UnixMilli(),
		ImageURL:        dataURI,
		UserDescription: description,
		Location:        input.Location,
		Analysis:        &analysis,
		Status:          models.StatusReported,
	}
	session.setPendingStatus(models.StatusReported)

	if hasImage && o.images != nil {
		publicURL, err := o.images.UploadImage(ctx, imageData, contentType)
		if err != nil {
			log.Warn().Err(err).Str("id", report.ID).Msg("Image upload failed, storing inline photo")
		} else {
			report.ImageURL = publicURL
		}
	}

	if err := o.store.Insert(ctx, report); err != nil {
		log.Error().Err(err).Str("id", report.ID).Msg("Failed to store report")
		return nil, err
	}

	session.prepend(*report)
	o.setSnapshot(nil)

	if o.events != nil {
		if err := o.events.PublishReportSubmitted(ctx, models.NewReportSubmittedEvent(report)); err != nil {
			log.Error().Err(err).Str("id", report.ID).Msg("Failed to publish report event")
		}
	}

	log.Info().
		Str("id", report.ID).
		Bool("has_image", hasImage).
		Bool("has_location", report.Location != nil).
		Msg("Report submitted")

	return report, nil
}

// Refresh replaces the session feed with the stored reports. A concurrent refresh of the same session is ignored.
func (o *Orchestrator) Refresh(ctx context.Context, session *Session) ([]models.WasteReport, error) {
	if !session.refreshMu.TryLock() {
		return session.Feed(), ErrRefreshInFlight
	}
	defer session.refreshMu.Unlock()

	if !o.store.IsConfigured() {
		session.setSyncError(MissingConfigMessage)
		return session.Feed(), ErrStoreNotConfigured
	}

	reports, err := o.store.ListAll(ctx)
	if err != nil {
		log.Error().Err(err).Str("session", session.ID).Msg("Failed to refresh feed")
		session.setSyncError(err.Error())
		return session.Feed(), err
	}

	if reports == nil {
		reports = make([]models.WasteReport, 0)
	}
	session.replaceFeed(reports)
	o.setSnapshot(reports)

	log.Debug().
		Str("session", session.ID).
		Int("count", len(reports)).
		Msg("Feed refreshed")

	return session.Feed(), nil
}

// readImage reads at most MaxImageSize bytes and sniffs the type when the client sent none
func readImage(upload *Upload) ([]byte, string, error) {
	data, err := io.ReadAll(io.LimitReader(upload.Reader, MaxImageSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read image: %w", err)
	}
	if len(data) > MaxImageSize {
		return nil, "", ErrFileTooLarge
	}

	contentType := upload.ContentType
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	return data, contentType, nil
}

func encodeDataURI(data []byte, contentType string) string {
	var b bytes.Buffer
	b.Grow(len("data:;base64,") + len(contentType) + base64.StdEncoding.EncodedLen(len(data)))
	b.WriteString("data:")
	b.WriteString(contentType)
	b.WriteString(";base64,")
	b.WriteString(base64.StdEncoding.EncodeToString(data))
	return b.String()
}
