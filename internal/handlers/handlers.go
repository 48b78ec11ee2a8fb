package handlers

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cleancity/cleancity-ai/internal/models"
	"github.com/cleancity/cleancity-ai/internal/storage"
	"github.com/cleancity/cleancity-ai/internal/submission"
)

// SessionCookie carries the browser session id
const SessionCookie = "cleancity_session"

// HealthChecker is implemented by every backing service that can report its own health
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Options carries the optional parts of a Handler
type Options struct {
	// HealthChecks maps a component name to its check. A nil check is reported as disabled.
	HealthChecks map[string]HealthChecker
	AIConfigured func() bool
	SecureCookie bool
}

// Handler contains all HTTP handlers
type Handler struct {
	templates    map[string]*template.Template // page name -> template set
	orchestrator *submission.Orchestrator
	sessions     *submission.Registry
	healthChecks map[string]HealthChecker
	aiConfigured func() bool
	secureCookie bool
}

// pageData is what the page and its partials render from
type pageData struct {
	Title                string
	Configured           bool
	Tab                  string
	Stats                models.Stats
	Reports              []models.WasteReport
	SyncError            string
	Pending              *models.WasteReport
	Alert                string
	MaxDescriptionLength int
	MaxImageSize         int
}

var severityClasses = map[models.WasteSeverity]string{
	models.SeverityLow:      "bg-blue-100 text-blue-700",
	models.SeverityMedium:   "bg-yellow-100 text-yellow-700",
	models.SeverityHigh:     "bg-orange-100 text-orange-700",
	models.SeverityCritical: "bg-red-100 text-red-700",
}

// NewHandler creates a new handler instance
func NewHandler(
	templatesPath string,
	orchestrator *submission.Orchestrator,
	sessions *submission.Registry,
	opts Options,
) (*Handler, error) {
	funcMap := template.FuncMap{
		"severityClass": func(r models.WasteReport) string {
			if r.Analysis == nil {
				return severityClasses[models.SeverityLow]
			}
			if class, ok := severityClasses[r.Analysis.Severity]; ok {
				return class
			}
			return severityClasses[models.SeverityLow]
		},
		"localTime": func(r models.WasteReport) string {
			return r.CreatedAt().Format("2006-01-02 15:04:05")
		},
		"imageSrc": imageSrc,
	}

	basePath := filepath.Join(templatesPath, "base.html")
	partialsPath := filepath.Join(templatesPath, "partials.html")
	baseTmpl, err := template.New("base.html").Funcs(funcMap).ParseFiles(basePath, partialsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base template: %w", err)
	}

	pages := []string{"index.html"}
	templates := make(map[string]*template.Template)

	for _, page := range pages {
		tmpl, err := baseTmpl.Clone()
		if err != nil {
			return nil, fmt.Errorf("failed to clone base template for %s: %w", page, err)
		}

		pagePath := filepath.Join(templatesPath, page)
		if _, err := tmpl.ParseFiles(pagePath); err != nil {
			return nil, fmt.Errorf("failed to parse page template %s: %w", page, err)
		}

		templates[page] = tmpl
	}

	aiConfigured := opts.AIConfigured
	if aiConfigured == nil {
		aiConfigured = func() bool { return false }
	}

	return &Handler{
		templates:    templates,
		orchestrator: orchestrator,
		sessions:     sessions,
		healthChecks: opts.HealthChecks,
		aiConfigured: aiConfigured,
		secureCookie: opts.SecureCookie,
	}, nil
}

// existingSession returns the session named by the request cookie, if it is still registered
func (h *Handler) existingSession(r *http.Request) (*submission.Session, bool) {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil {
		return nil, false
	}
	return h.sessions.Lookup(cookie.Value)
}

// apiSession returns the caller's session. Clients without one get a transient session and no cookie.
func (h *Handler) apiSession(r *http.Request) *submission.Session {
	if s, ok := h.existingSession(r); ok {
		return s
	}
	return h.orchestrator.TransientSession(r.Context())
}

// session returns the caller's session, opening and loading a new one when the cookie is missing or stale
func (h *Handler) session(w http.ResponseWriter, r *http.Request) *submission.Session {
	if s, ok := h.existingSession(r); ok {
		return s
	}

	s := h.orchestrator.OpenSession(r.Context(), h.sessions)
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    s.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})

	log.Debug().Str("session", s.ID).Msg("Session opened")
	return s
}

func (h *Handler) pageData(s *submission.Session, tab string) pageData {
	if tab != "insights" {
		tab = "feed"
	}
	return pageData{
		Title:                "CleanCity AI - Smart Sanitation",
		Configured:           h.orchestrator.IsConfigured(),
		Tab:                  tab,
		Stats:                s.Stats(h.orchestrator.Now()),
		Reports:              s.Feed(),
		SyncError:            s.SyncError(),
		Pending:              s.Pending(),
		MaxDescriptionLength: models.MaxDescriptionLength,
		MaxImageSize:         submission.MaxImageSize,
	}
}

// imageSrc lets inline photos and web URLs through the template URL filter
func imageSrc(u string) template.URL {
	switch {
	case strings.HasPrefix(u, "data:image/"),
		strings.HasPrefix(u, "https://"),
		strings.HasPrefix(u, "http://"):
		return template.URL(u)
	default:
		return ""
	}
}

func isHTMX(r *http.Request) bool {
	return r.Header.Get("HX-Request") == "true"
}

// render executes name from the index page set
func (h *Handler) render(w http.ResponseWriter, status int, name string, data pageData) {
	tmpl, ok := h.templates["index.html"]
	if !ok {
		log.Error().Msg("Template index.html not found")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := tmpl.ExecuteTemplate(w, name, data); err != nil {
		log.Error().Err(err).Str("template", name).Msg("Failed to render template")
	}
}

// HomeHandler renders the dashboard page
func (h *Handler) HomeHandler(w http.ResponseWriter, r *http.Request) {
	s := h.session(w, r)
	data := h.pageData(s, r.URL.Query().Get("tab"))

	if isHTMX(r) {
		h.render(w, http.StatusOK, "tab-panel", data)
		return
	}
	h.render(w, http.StatusOK, "base.html", data)
}

// SubmitReportHandler handles the report form
func (h *Handler) SubmitReportHandler(w http.ResponseWriter, r *http.Request) {
	s := h.session(w, r)

	input, cleanup, err := parseMultipartInput(w, r)
	defer cleanup()
	if err == nil {
		_, err = h.orchestrator.Submit(r.Context(), s, input)
	}

	if err != nil {
		status, message := statusFor(err)
		data := h.pageData(s, "feed")
		data.Alert = message
		if isHTMX(r) {
			w.Header().Set("HX-Retarget", "#alerts")
			w.Header().Set("HX-Reswap", "outerHTML")
			h.render(w, status, "alert", data)
			return
		}
		h.render(w, status, "base.html", data)
		return
	}

	if isHTMX(r) {
		w.Header().Set("HX-Trigger", "report-submitted")
		h.render(w, http.StatusOK, "dashboard", h.pageData(s, "feed"))
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// RefreshHandler reloads the session feed from the database
func (h *Handler) RefreshHandler(w http.ResponseWriter, r *http.Request) {
	s := h.session(w, r)

	if _, err := h.orchestrator.Refresh(r.Context(), s); err != nil && !errors.Is(err, submission.ErrRefreshInFlight) {
		log.Warn().Err(err).Str("session", s.ID).Msg("Refresh failed")
	}

	if isHTMX(r) {
		h.render(w, http.StatusOK, "dashboard", h.pageData(s, "feed"))
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// SubmissionStatusHandler renders the in-flight draft partial
func (h *Handler) SubmissionStatusHandler(w http.ResponseWriter, r *http.Request) {
	s := h.session(w, r)
	h.render(w, http.StatusOK, "pending", h.pageData(s, "feed"))
}

// statusFor maps a submission error to an HTTP status and the message shown to the user
func statusFor(err error) (int, string) {
	var formErr *formError
	switch {
	case errors.As(err, &formErr):
		return formErr.status, formErr.message
	case errors.Is(err, submission.ErrEmptySubmission):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, submission.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge, err.Error()
	case errors.Is(err, submission.ErrSubmissionInFlight):
		return http.StatusConflict, err.Error()
	case errors.Is(err, submission.ErrStoreNotConfigured):
		return http.StatusServiceUnavailable, err.Error()
	default:
		return http.StatusBadGateway, "Submission error: " + err.Error()
	}
}

// HealthCheckHandler returns health status
func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true

	for name, checker := range h.healthChecks {
		if checker == nil {
			checks[name] = "disabled"
			continue
		}
		if err := checker.HealthCheck(ctx); err != nil {
			if errors.Is(err, storage.ErrNotConfigured) {
				checks[name] = "not configured"
				continue
			}
			healthy = false
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}

	if h.aiConfigured() {
		checks["ai"] = "configured"
	} else {
		checks["ai"] = "no api key"
	}

	status := "healthy"
	statusCode := http.StatusOK
	if !healthy {
		status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	}

	respondJSON(w, statusCode, map[string]interface{}{
		"status":   status,
		"checks":   checks,
		"sessions": h.sessions.Len(),
	})
}
