package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/cleancity/cleancity-ai/internal/models"
)

// RESTStore talks to a hosted PostgREST endpoint (the Supabase REST API)
type RESTStore struct {
	baseURL string
	key     string
	table   string
	client  *http.Client
}

// NewRESTStore creates a REST row store for the given project URL
func NewRESTStore(projectURL, key, table string) *RESTStore {
	return &RESTStore{
		baseURL: strings.TrimSuffix(projectURL, "/") + "/rest/v1",
		key:     key,
		table:   table,
		client:  &http.Client{},
	}
}

// restError is the error body PostgREST returns
type restError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

func (s *RESTStore) tableURL() string {
	return fmt.Sprintf("%s/%s", s.baseURL, url.PathEscape(s.table))
}

func (s *RESTStore) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("apikey", s.key)
	req.Header.Set("Authorization", "Bearer "+s.key)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// Insert posts one row
func (s *RESTStore) Insert(ctx context.Context, report *models.WasteReport) error {
	jsonBody, err := json.Marshal([]*models.WasteReport{report})
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	req, err := s.newRequest(ctx, http.MethodPost, s.tableURL(), bytes.NewReader(jsonBody))
	if err != nil {
		return err
	}
	req.Header.Set("Prefer", "return=minimal")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return s.decodeError(resp)
	}

	log.Debug().
		Str("id", report.ID).
		Int("status", resp.StatusCode).
		Msg("Report row inserted")

	return nil
}

// ListAll fetches every row ordered by timestamp, most recent first
func (s *RESTStore) ListAll(ctx context.Context) ([]models.WasteReport, error) {
	query := url.Values{}
	query.Set("select", "*")
	query.Set("order", "timestamp.desc")

	req, err := s.newRequest(ctx, http.MethodGet, s.tableURL()+"?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.decodeError(resp)
	}

	reports := make([]models.WasteReport, 0)
	if err := json.NewDecoder(resp.Body).Decode(&reports); err != nil {
		return nil, fmt.Errorf("failed to decode rows: %w", err)
	}

	return reports, nil
}

// HealthCheck issues a HEAD request against the table
func (s *RESTStore) HealthCheck(ctx context.Context) error {
	req, err := s.newRequest(ctx, http.MethodHead, s.tableURL()+"?select=id&limit=1", nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("REST health check failed: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("REST health check returned status %d", resp.StatusCode)
	}
	return nil
}

// Close is a no-op for the REST store
func (s *RESTStore) Close() error {
	return nil
}

// decodeError turns a non-2xx reply into an error carrying the server's message
func (s *RESTStore) decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var restErr restError
	if err := json.Unmarshal(body, &restErr); err == nil && restErr.Message != "" {
		log.Error().
			Int("status_code", resp.StatusCode).
			Str("code", restErr.Code).
			Str("hint", restErr.Hint).
			Msg("REST store returned error")
		return fmt.Errorf("%s", restErr.Message)
	}

	return fmt.Errorf("REST store returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
