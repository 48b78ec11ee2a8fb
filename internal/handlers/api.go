package handlers

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/cleancity/cleancity-ai/internal/models"
	"github.com/cleancity/cleancity-ai/internal/submission"
)

type feedResponse struct {
	Reports   []models.WasteReport `json:"reports"`
	Stats     models.Stats         `json:"stats"`
	SyncError string               `json:"syncError,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// ListReportsHandler refreshes the session and returns its feed
func (h *Handler) ListReportsHandler(w http.ResponseWriter, r *http.Request) {
	s := h.apiSession(r)

	reports, err := h.orchestrator.Refresh(r.Context(), s)
	switch {
	case err == nil, errors.Is(err, submission.ErrRefreshInFlight):
	case errors.Is(err, submission.ErrStoreNotConfigured):
		respondJSON(w, http.StatusServiceUnavailable, errorResponse{Error: submission.MissingConfigMessage})
		return
	default:
		respondJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}

	respondJSON(w, http.StatusOK, feedResponse{
		Reports:   reports,
		Stats:     submission.ComputeStats(reports, h.orchestrator.Now()),
		SyncError: s.SyncError(),
	})
}

// CreateReportHandler accepts a JSON or multipart submission
func (h *Handler) CreateReportHandler(w http.ResponseWriter, r *http.Request) {
	s := h.apiSession(r)

	var (
		input submission.SubmitInput
		err   error
	)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		input, err = parseJSONInput(w, r)
	} else {
		var cleanup func()
		input, cleanup, err = parseMultipartInput(w, r)
		defer cleanup()
	}

	var report *models.WasteReport
	if err == nil {
		report, err = h.orchestrator.Submit(r.Context(), s, input)
	}
	if err != nil {
		status, message := statusFor(err)
		respondJSON(w, status, errorResponse{Error: message})
		return
	}

	respondJSON(w, http.StatusCreated, report)
}

// StatsHandler returns the counters for the session feed
func (h *Handler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	s := h.apiSession(r)
	respondJSON(w, http.StatusOK, s.Stats(h.orchestrator.Now()))
}

// PendingHandler returns the in-flight draft, or null
func (h *Handler) PendingHandler(w http.ResponseWriter, r *http.Request) {
	s := h.apiSession(r)
	respondJSON(w, http.StatusOK, map[string]*models.WasteReport{"pending": s.Pending()})
}
