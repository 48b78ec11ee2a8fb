package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cleancity/cleancity-ai/internal/models"
	"github.com/cleancity/cleancity-ai/internal/storage"
	"github.com/cleancity/cleancity-ai/internal/submission"
)

const templatesPath = "../../web/templates"

type memoryStore struct {
	mu         sync.Mutex
	configured bool
	rows       []models.WasteReport
	insertErr  error
	listErr    error
	lists      int
}

func (m *memoryStore) IsConfigured() bool { return m.configured }

func (m *memoryStore) Insert(_ context.Context, r *models.WasteReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	m.rows = append([]models.WasteReport{*r}, m.rows...)
	return nil
}

func (m *memoryStore) ListAll(context.Context) ([]models.WasteReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists++
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := make([]models.WasteReport, len(m.rows))
	copy(out, m.rows)
	return out, nil
}

type stubChecker struct {
	err error
}

func (s stubChecker) HealthCheck(context.Context) error { return s.err }

var metalLow = models.WasteAnalysis{
	Type:            models.WasteTypeMetal,
	Severity:        models.SeverityCritical,
	Description:     "Rusty drums",
	EstimatedVolume: "Two barrels",
	ActionRequired:  "Send hazmat team",
}

func newTestHandler(t *testing.T, store *memoryStore, opts Options) *Handler {
	t.Helper()
	analyze := func(context.Context, string, string) models.WasteAnalysis { return metalLow }
	orch := submission.NewOrchestrator(store, analyze, submission.Options{})
	h, err := NewHandler(templatesPath, orch, submission.NewRegistry(), opts)
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	return h
}

// do runs one request, carrying the session cookie between calls
func do(t *testing.T, handler http.HandlerFunc, req *http.Request, cookie *http.Cookie) (*httptest.ResponseRecorder, *http.Cookie) {
	t.Helper()
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	handler(rec, req)
	for _, c := range rec.Result().Cookies() {
		if c.Name == SessionCookie {
			cookie = c
		}
	}
	return rec, cookie
}

func multipartBody(t *testing.T, fields map[string]string, image []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if image != nil {
		part, err := mw.CreateFormFile("image", "pile.png")
		if err != nil {
			t.Fatal(err)
		}
		part.Write(image)
	}
	mw.Close()
	return &body, mw.FormDataContentType()
}

func TestHomeHandler_NotConfigured(t *testing.T) {
	h := newTestHandler(t, &memoryStore{}, Options{})

	rec, cookie := do(t, h.HomeHandler, httptest.NewRequest(http.MethodGet, "/", nil), nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if cookie == nil || !cookie.HttpOnly {
		t.Fatalf("session cookie = %+v", cookie)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"Configure DB",
		"Missing Supabase API Key",
		submission.MissingConfigMessage,
		"Try Again",
		"0/500",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("page missing %q", want)
		}
	}
}

func TestHomeHandler_Feed(t *testing.T) {
	now := time.Now()
	store := &memoryStore{configured: true, rows: []models.WasteReport{
		{
			ID:              "aaaaaaaa-0000-0000-0000-00000000abc1",
			Timestamp:       now.UnixMilli(),
			ImageURL:        "data:image/png;base64,QUJD",
			UserDescription: "Large pile near 5th St",
			Location:        &models.Location{Lat: 40.7128, Lng: -74.006},
			Analysis:        &metalLow,
			Status:          models.StatusReported,
		},
	}}
	h := newTestHandler(t, store, Options{})

	rec, _ := do(t, h.HomeHandler, httptest.NewRequest(http.MethodGet, "/", nil), nil)
	body := rec.Body.String()

	for _, want := range []string{
		"Live Sync",
		"Report ID: 00ABC1",
		"Coordinates: 40.7128, -74.0060",
		"Two barrels",
		"Send hazmat team",
		`src="data:image/png;base64,QUJD"`,
		`data-stat="critical">1<`,
		`data-stat="today">1<`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("page missing %q", want)
		}
	}
	if strings.Contains(body, "Missing Supabase API Key") {
		t.Error("banner shown while configured")
	}
}

func TestHomeHandler_EmptyFeed(t *testing.T) {
	h := newTestHandler(t, &memoryStore{configured: true}, Options{})

	rec, _ := do(t, h.HomeHandler, httptest.NewRequest(http.MethodGet, "/", nil), nil)
	if !strings.Contains(rec.Body.String(), "The streets are looking clean.") {
		t.Fatal("empty feed message missing")
	}
}

func TestHomeHandler_InsightsTab(t *testing.T) {
	h := newTestHandler(t, &memoryStore{configured: true}, Options{})

	req := httptest.NewRequest(http.MethodGet, "/?tab=insights", nil)
	req.Header.Set("HX-Request", "true")
	rec, _ := do(t, h.HomeHandler, req, nil)

	body := rec.Body.String()
	if !strings.Contains(body, "Urban Heatmaps") || !strings.Contains(body, "Coming Soon") {
		t.Fatalf("insights panel missing: %s", body)
	}
	if strings.Contains(body, "<html") {
		t.Fatal("HTMX request got the full page")
	}
}

func TestSubmitReportHandler(t *testing.T) {
	store := &memoryStore{configured: true}
	h := newTestHandler(t, store, Options{})
	_, cookie := do(t, h.HomeHandler, httptest.NewRequest(http.MethodGet, "/", nil), nil)

	body, contentType := multipartBody(t, map[string]string{
		"description": "  Large pile near 5th St  ",
		"lat":         "40.7128",
		"lng":         "-74.006",
	}, []byte("\x89PNG\r\n\x1a\nfake"))
	req := httptest.NewRequest(http.MethodPost, "/reports", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("HX-Request", "true")

	rec, _ := do(t, h.SubmitReportHandler, req, cookie)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("HX-Trigger") != "report-submitted" {
		t.Errorf("HX-Trigger = %q", rec.Header().Get("HX-Trigger"))
	}
	if !strings.Contains(rec.Body.String(), "Large pile near 5th St") {
		t.Error("new report not in feed partial")
	}
	if len(store.rows) != 1 {
		t.Fatalf("rows = %d", len(store.rows))
	}
	row := store.rows[0]
	if row.Location == nil || row.Location.Lat != 40.7128 || !strings.HasPrefix(row.ImageURL, "data:image/png;base64,") {
		t.Fatalf("row = %+v", row)
	}
}

func TestSubmitReportHandler_NonHTMXRedirects(t *testing.T) {
	h := newTestHandler(t, &memoryStore{configured: true}, Options{})

	body, contentType := multipartBody(t, map[string]string{"description": "Old couch"}, nil)
	req := httptest.NewRequest(http.MethodPost, "/reports", body)
	req.Header.Set("Content-Type", contentType)

	rec, _ := do(t, h.SubmitReportHandler, req, nil)
	if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/" {
		t.Fatalf("status = %d, location = %q", rec.Code, rec.Header().Get("Location"))
	}
}

func TestSubmitReportHandler_Errors(t *testing.T) {
	tests := []struct {
		name       string
		store      *memoryStore
		fields     map[string]string
		image      []byte
		wantStatus int
		wantText   string
	}{
		{
			name:       "empty",
			store:      &memoryStore{configured: true},
			fields:     map[string]string{"description": "   "},
			wantStatus: http.StatusBadRequest,
			wantText:   "Please provide at least a photo or a description.",
		},
		{
			name:       "not configured",
			store:      &memoryStore{},
			fields:     map[string]string{"description": "Tyres"},
			wantStatus: http.StatusServiceUnavailable,
			wantText:   "Database configuration missing.",
		},
		{
			name:       "insert failure",
			store:      &memoryStore{configured: true, insertErr: errors.New("relation \"reports\" does not exist")},
			fields:     map[string]string{"description": "Tyres"},
			wantStatus: http.StatusBadGateway,
			wantText:   "Submission error: relation",
		},
		{
			name:       "half a location",
			store:      &memoryStore{configured: true},
			fields:     map[string]string{"description": "Tyres", "lat": "12.5"},
			wantStatus: http.StatusBadRequest,
			wantText:   "Invalid location.",
		},
		{
			name:       "location out of range",
			store:      &memoryStore{configured: true},
			fields:     map[string]string{"description": "Tyres", "lat": "95", "lng": "10"},
			wantStatus: http.StatusBadRequest,
			wantText:   "Invalid location.",
		},
		{
			name:       "photo just over 10MB",
			store:      &memoryStore{configured: true},
			fields:     map[string]string{"description": "Tyres"},
			image:      make([]byte, submission.MaxImageSize+100),
			wantStatus: http.StatusRequestEntityTooLarge,
			wantText:   "File size exceeds 10MB limit.",
		},
		{
			name:       "body over the request limit",
			store:      &memoryStore{configured: true},
			fields:     map[string]string{"description": "Tyres"},
			image:      make([]byte, 30<<20),
			wantStatus: http.StatusRequestEntityTooLarge,
			wantText:   "File size exceeds 10MB limit.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, tt.store, Options{})

			body, contentType := multipartBody(t, tt.fields, tt.image)
			req := httptest.NewRequest(http.MethodPost, "/reports", body)
			req.Header.Set("Content-Type", contentType)
			req.Header.Set("HX-Request", "true")

			rec, _ := do(t, h.SubmitReportHandler, req, nil)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if rec.Header().Get("HX-Retarget") != "#alerts" {
				t.Errorf("HX-Retarget = %q", rec.Header().Get("HX-Retarget"))
			}
			if !strings.Contains(rec.Body.String(), tt.wantText) {
				t.Errorf("body = %s, want %q", rec.Body.String(), tt.wantText)
			}
			if len(tt.store.rows) != 0 {
				t.Errorf("rows = %d", len(tt.store.rows))
			}
		})
	}
}

func TestRefreshHandler_SyncError(t *testing.T) {
	store := &memoryStore{configured: true}
	h := newTestHandler(t, store, Options{})
	_, cookie := do(t, h.HomeHandler, httptest.NewRequest(http.MethodGet, "/", nil), nil)

	store.listErr = errors.New("Invalid API key")
	req := httptest.NewRequest(http.MethodPost, "/refresh", nil)
	req.Header.Set("HX-Request", "true")
	rec, _ := do(t, h.RefreshHandler, req, cookie)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "Sync Error") || !strings.Contains(body, "Invalid API key") {
		t.Fatalf("sync error panel missing: %s", body)
	}
}

func TestAPI_CreateAndList(t *testing.T) {
	store := &memoryStore{configured: true}
	h := newTestHandler(t, store, Options{})

	payload, _ := json.Marshal(submitRequest{
		Description: "Broken fridge",
		Image:       "data:image/jpeg;base64,/9j/4AAQ",
		Location:    &models.Location{Lat: 51.5, Lng: -0.12},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/reports", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec, cookie := do(t, h.CreateReportHandler, req, nil)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var created models.WasteReport
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}
	if created.Status != models.StatusReported || created.ImageURL != "data:image/jpeg;base64,/9j/4AAQ" {
		t.Fatalf("created = %+v", created)
	}

	rec, _ = do(t, h.ListReportsHandler, httptest.NewRequest(http.MethodGet, "/api/reports", nil), cookie)
	var feed feedResponse
	if err := json.NewDecoder(rec.Body).Decode(&feed); err != nil {
		t.Fatal(err)
	}
	if len(feed.Reports) != 1 || feed.Reports[0].ID != created.ID {
		t.Fatalf("feed = %+v", feed)
	}
	if feed.Stats != (models.Stats{Total: 1, Critical: 1, Today: 1}) {
		t.Errorf("stats = %+v", feed.Stats)
	}

	rec, _ = do(t, h.StatsHandler, httptest.NewRequest(http.MethodGet, "/api/stats", nil), cookie)
	var stats models.Stats
	json.NewDecoder(rec.Body).Decode(&stats)
	if stats.Total != 1 {
		t.Errorf("stats = %+v", stats)
	}

	rec, _ = do(t, h.PendingHandler, httptest.NewRequest(http.MethodGet, "/api/submission", nil), cookie)
	if strings.TrimSpace(rec.Body.String()) != `{"pending":null}` {
		t.Errorf("pending = %s", rec.Body.String())
	}
}

func TestAPI_CreateErrors(t *testing.T) {
	oversized := `{"image":"` + base64.StdEncoding.EncodeToString(make([]byte, submission.MaxImageSize+1)) + `"}`

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantError  string
	}{
		{name: "bad json", body: `{"description":`, wantStatus: http.StatusBadRequest},
		{name: "empty", body: `{"description":"  "}`, wantStatus: http.StatusBadRequest},
		{name: "not an image", body: `{"image":"data:text/plain;base64,QUJD"}`, wantStatus: http.StatusBadRequest},
		{name: "bad base64", body: `{"image":"data:image/png;base64,***"}`, wantStatus: http.StatusBadRequest},
		{name: "bad location", body: `{"description":"x","location":{"lat":0,"lng":200}}`, wantStatus: http.StatusBadRequest},
		{name: "photo over 10MB", body: oversized, wantStatus: http.StatusRequestEntityTooLarge, wantError: "File size exceeds 10MB limit."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &memoryStore{configured: true}, Options{})
			req := httptest.NewRequest(http.MethodPost, "/api/reports", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")

			rec, _ := do(t, h.CreateReportHandler, req, nil)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
			}
			var resp errorResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil || resp.Error == "" {
				t.Fatalf("error body = %+v, %v", resp, err)
			}
			if tt.wantError != "" && resp.Error != tt.wantError {
				t.Errorf("error = %q, want %q", resp.Error, tt.wantError)
			}
		})
	}
}

func TestAPI_ListNotConfigured(t *testing.T) {
	h := newTestHandler(t, &memoryStore{}, Options{})

	rec, _ := do(t, h.ListReportsHandler, httptest.NewRequest(http.MethodGet, "/api/reports", nil), nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAPI_CookielessRequestsKeepNoSessions(t *testing.T) {
	store := &memoryStore{configured: true, rows: []models.WasteReport{{ID: "a", Status: models.StatusReported}}}
	h := newTestHandler(t, store, Options{})

	for i := 0; i < 50; i++ {
		rec, cookie := do(t, h.StatsHandler, httptest.NewRequest(http.MethodGet, "/api/stats", nil), nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		if cookie != nil {
			t.Fatal("API response set a session cookie")
		}
	}

	if n := h.sessions.Len(); n != 0 {
		t.Errorf("sessions = %d, want 0", n)
	}
	if store.lists != 1 {
		t.Errorf("lists = %d, want a single ListAll shared by all requests", store.lists)
	}
}

func TestAPI_ExistingCookieReused(t *testing.T) {
	h := newTestHandler(t, &memoryStore{configured: true}, Options{})
	_, cookie := do(t, h.HomeHandler, httptest.NewRequest(http.MethodGet, "/", nil), nil)

	do(t, h.StatsHandler, httptest.NewRequest(http.MethodGet, "/api/stats", nil), cookie)
	if n := h.sessions.Len(); n != 1 {
		t.Fatalf("sessions = %d, want 1", n)
	}
}

func TestHomeHandler_SessionsBounded(t *testing.T) {
	store := &memoryStore{configured: true}
	analyze := func(context.Context, string, string) models.WasteAnalysis { return metalLow }
	orch := submission.NewOrchestrator(store, analyze, submission.Options{})
	h, err := NewHandler(templatesPath, orch, submission.NewBoundedRegistry(5), Options{})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 20; i++ {
		do(t, h.HomeHandler, httptest.NewRequest(http.MethodGet, "/", nil), nil)
	}

	if n := h.sessions.Len(); n != 5 {
		t.Errorf("sessions = %d, want the registry bound of 5", n)
	}
	if store.lists != 1 {
		t.Errorf("lists = %d, fresh sessions should share one feed snapshot", store.lists)
	}
}

func TestHealthCheckHandler(t *testing.T) {
	tests := []struct {
		name       string
		checks     map[string]HealthChecker
		wantStatus int
		wantChecks map[string]string
	}{
		{
			name: "all ok",
			checks: map[string]HealthChecker{
				"store":    stubChecker{},
				"rabbitmq": nil,
			},
			wantStatus: http.StatusOK,
			wantChecks: map[string]string{"store": "ok", "rabbitmq": "disabled", "ai": "configured"},
		},
		{
			name:       "store not configured",
			checks:     map[string]HealthChecker{"store": stubChecker{err: storage.ErrNotConfigured}},
			wantStatus: http.StatusOK,
			wantChecks: map[string]string{"store": "not configured"},
		},
		{
			name:       "image store down",
			checks:     map[string]HealthChecker{"minio": stubChecker{err: errors.New("bucket 'x' does not exist")}},
			wantStatus: http.StatusServiceUnavailable,
			wantChecks: map[string]string{"minio": "bucket 'x' does not exist"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &memoryStore{}, Options{
				HealthChecks: tt.checks,
				AIConfigured: func() bool { return true },
			})

			rec := httptest.NewRecorder()
			h.HealthCheckHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d", rec.Code)
			}
			var resp struct {
				Status string            `json:"status"`
				Checks map[string]string `json:"checks"`
			}
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatal(err)
			}
			for k, want := range tt.wantChecks {
				if resp.Checks[k] != want {
					t.Errorf("checks[%s] = %q, want %q", k, resp.Checks[k], want)
				}
			}
		})
	}
}

func TestImageSrc(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"data:image/png;base64,QUJD", "data:image/png;base64,QUJD"},
		{"https://cdn.example.com/p/1.png", "https://cdn.example.com/p/1.png"},
		{"javascript:alert(1)", ""},
		{"data:text/html;base64,PHNjcmlwdD4=", ""},
	}
	for _, tt := range tests {
		if got := string(imageSrc(tt.in)); got != tt.want {
			t.Errorf("imageSrc(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
