package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/cleancity/cleancity-ai/internal/models"
)

// ErrNotConfigured is returned by every operation of an unconfigured Client
var ErrNotConfigured = errors.New("database configuration missing")

// PlaceholderKey is the sentinel shipped in sample configs instead of a real key
const PlaceholderKey = "placeholder"

// DefaultTable holds the report rows
const DefaultTable = "reports"

// Driver selects how reports reach the hosted database
type Driver string

const (
	DriverREST     Driver = "rest"
	DriverPostgres Driver = "postgres"
)

// Settings are the connection settings of the hosted database
type Settings struct {
	Driver Driver
	// URL is the project endpoint for the REST driver and the DSN for the Postgres driver
	URL   string
	Key   string
	Table string
}

func (s Settings) driver() Driver {
	if Driver(strings.ToLower(string(s.Driver))) == DriverPostgres {
		return DriverPostgres
	}
	return DriverREST
}

func (s Settings) table() string {
	if s.Table == "" {
		return DefaultTable
	}
	return s.Table
}

// Valid reports whether the settings are complete enough to talk to the database
func (s Settings) Valid() bool {
	switch s.driver() {
	case DriverPostgres:
		if !strings.HasPrefix(s.URL, "postgres://") && !strings.HasPrefix(s.URL, "postgresql://") {
			return false
		}
		u, err := url.Parse(s.URL)
		if err != nil || u.User == nil {
			return false
		}
		password, _ := u.User.Password()
		return password != "" && password != PlaceholderKey
	default:
		return s.URL != "" &&
			s.Key != "" &&
			strings.HasPrefix(s.URL, "https://") &&
			s.Key != PlaceholderKey
	}
}

// RowStore is a driver able to append and list report rows
type RowStore interface {
	Insert(ctx context.Context, report *models.WasteReport) error
	ListAll(ctx context.Context) ([]models.WasteReport, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// Client guards a RowStore behind the configuration check
type Client struct {
	settings   Settings
	configured bool
	rows       RowStore
}

// NewClient wraps an already opened RowStore. The configuration check is computed once, here.
func NewClient(settings Settings, rows RowStore) *Client {
	return &Client{
		settings:   settings,
		configured: settings.Valid() && rows != nil,
		rows:       rows,
	}
}

// Open builds the driver named by settings. Invalid settings yield an unconfigured Client, not an error.
func Open(ctx context.Context, settings Settings) (*Client, error) {
	if !settings.Valid() {
		log.Warn().
			Str("driver", string(settings.driver())).
			Msg("Database settings incomplete - submissions are disabled")
		return NewClient(settings, nil), nil
	}

	var (
		rows RowStore
		err  error
	)
	switch settings.driver() {
	case DriverPostgres:
		rows, err = NewPostgresStorage(ctx, settings.URL, settings.table())
	default:
		rows = NewRESTStore(settings.URL, settings.Key, settings.table())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", settings.driver(), err)
	}

	log.Info().
		Str("driver", string(settings.driver())).
		Str("table", settings.table()).
		Msg("Report store initialized")

	return NewClient(settings, rows), nil
}

// IsConfigured reports whether the client may talk to the database
func (c *Client) IsConfigured() bool {
	return c.configured
}

// Insert appends one report row
func (c *Client) Insert(ctx context.Context, report *models.WasteReport) error {
	if !c.configured {
		return ErrNotConfigured
	}
	if err := c.rows.Insert(ctx, report); err != nil {
		return fmt.Errorf("failed to insert report: %w", err)
	}
	return nil
}

// ListAll returns every report, most recent first
func (c *Client) ListAll(ctx context.Context) ([]models.WasteReport, error) {
	if !c.configured {
		return nil, ErrNotConfigured
	}
	reports, err := c.rows.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	return reports, nil
}

// HealthCheck verifies the database connection
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.configured {
		return ErrNotConfigured
	}
	return c.rows.HealthCheck(ctx)
}

// Close releases the driver
func (c *Client) Close() error {
	if c.rows == nil {
		return nil
	}
	return c.rows.Close()
}
