package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/cleancity/cleancity-ai/internal/models"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// PostgresStorage keeps report rows in a Postgres table
type PostgresStorage struct {
	db    *sql.DB
	table string
}

// NewPostgresStorage connects with a postgres:// DSN and makes sure the table exists
func NewPostgresStorage(ctx context.Context, dsn, table string) (*PostgresStorage, error) {
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	storage := &PostgresStorage{db: db, table: table}
	if err := storage.Init(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize db schema: %w", err)
	}

	return storage, nil
}

// Init creates the reports table. Column names match the REST row shape.
func (s *PostgresStorage) Init(ctx context.Context) error {
	query := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		id VARCHAR(64) PRIMARY KEY,
		timestamp BIGINT NOT NULL,
		"imageUrl" TEXT,
		"userDescription" TEXT NOT NULL DEFAULT '',
		location JSONB,
		analysis JSONB,
		status VARCHAR(20) NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_%[1]s_timestamp ON %[1]s (timestamp DESC);`, s.table)

	_, err := s.db.ExecContext(ctx, query)
	return err
}

// Insert stores a new row. A duplicate id is an error, rows are never updated.
func (s *PostgresStorage) Insert(ctx context.Context, report *models.WasteReport) error {
	location, err := nullableJSON(report.Location)
	if err != nil {
		return fmt.Errorf("failed to marshal location: %w", err)
	}
	analysis, err := nullableJSON(report.Analysis)
	if err != nil {
		return fmt.Errorf("failed to marshal analysis: %w", err)
	}

	query := fmt.Sprintf(`
	INSERT INTO %s (
		id, timestamp, "imageUrl", "userDescription", location, analysis, status
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7
	)`, s.table)

	_, err = s.db.ExecContext(ctx, query,
		report.ID, report.Timestamp,
		sql.NullString{String: report.ImageURL, Valid: report.ImageURL != ""},
		report.UserDescription, location, analysis, string(report.Status),
	)
	if err != nil {
		log.Error().Err(err).Str("id", report.ID).Msg("Failed to save report to postgres")
		return err
	}

	return nil
}

// ListAll returns all rows, most recent first
func (s *PostgresStorage) ListAll(ctx context.Context) ([]models.WasteReport, error) {
	query := fmt.Sprintf(`
	SELECT id, timestamp, "imageUrl", "userDescription", location, analysis, status
	FROM %s
	ORDER BY timestamp DESC`, s.table)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reports := make([]models.WasteReport, 0)
	for rows.Next() {
		var (
			report             models.WasteReport
			imageURL           sql.NullString
			location, analysis []byte
			status             string
		)

		if err := rows.Scan(
			&report.ID, &report.Timestamp, &imageURL, &report.UserDescription,
			&location, &analysis, &status,
		); err != nil {
			return nil, err
		}

		report.ImageURL = imageURL.String
		report.Status = models.ReportStatus(status)
		if len(location) > 0 {
			report.Location = &models.Location{}
			if err := json.Unmarshal(location, report.Location); err != nil {
				return nil, fmt.Errorf("failed to decode location of %s: %w", report.ID, err)
			}
		}
		if len(analysis) > 0 {
			report.Analysis = &models.WasteAnalysis{}
			if err := json.Unmarshal(analysis, report.Analysis); err != nil {
				return nil, fmt.Errorf("failed to decode analysis of %s: %w", report.ID, err)
			}
		}
		reports = append(reports, report)
	}

	return reports, rows.Err()
}

// HealthCheck pings the database
func (s *PostgresStorage) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres health check failed: %w", err)
	}
	return nil
}

// Close closes the connection pool
func (s *PostgresStorage) Close() error {
	return s.db.Close()
}

// nullableJSON marshals v for a JSONB column, mapping nil pointers to NULL
func nullableJSON[T any](v *T) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
