/**
 * PostgreSQL capture ledger
 *
 * Records every captured or operator-supplied frame and its upload outcome,
 * so an operator can see which frames of a session reached the backend.
 */

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Capture statuses
const (
	StatusCaptured = "captured"
	StatusQueued   = "queued"
	StatusUploaded = "uploaded"
	StatusFailed   = "failed"
)

var validStatuses = map[string]bool{
	StatusCaptured: true,
	StatusQueued:   true,
	StatusUploaded: true,
	StatusFailed:   true,
}

// ErrCaptureNotFound is returned when no capture has the requested id
var ErrCaptureNotFound = errors.New("capture not found")

// PostgresClient handles database operations
type PostgresClient struct {
	db *sql.DB
}

// CaptureRecord is one row of parkit.captures
type CaptureRecord struct {
	ID           string                 `json:"id"`
	SessionID    string                 `json:"session_id"`
	CameraID     string                 `json:"camera_id,omitempty"`
	Filename     string                 `json:"filename"`
	MimeType     string                 `json:"mime_type"`
	Width        int                    `json:"width,omitempty"`
	Height       int                    `json:"height,omitempty"`
	SizeBytes    int64                  `json:"size_bytes"`
	Status       string                 `json:"status"`
	FrameID      string                 `json:"frame_id,omitempty"`
	Detections   int                    `json:"detections"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

const schemaDDL = `
	CREATE SCHEMA IF NOT EXISTS parkit;
	CREATE TABLE IF NOT EXISTS parkit.captures (
		id            UUID PRIMARY KEY,
		session_id    TEXT NOT NULL,
		camera_id     TEXT,
		filename      TEXT NOT NULL,
		mime_type     TEXT NOT NULL,
		width         INTEGER,
		height        INTEGER,
		size_bytes    BIGINT NOT NULL DEFAULT 0,
		status        TEXT NOT NULL,
		frame_id      TEXT,
		detections    INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		metadata      JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS captures_session_idx ON parkit.captures (session_id, created_at);
`

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(databaseURL string) (*PostgresClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	// Connect to database
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{db: db}, nil
}

// EnsureSchema creates the ledger table if it does not exist
func (p *PostgresClient) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to create capture schema: %w", err)
	}
	return nil
}

// NewCaptureID returns a fresh capture id
func NewCaptureID() string {
	return uuid.NewString()
}

// validateRecord checks the fields UpsertCapture relies on
func validateRecord(rec *CaptureRecord) error {
	if rec == nil {
		return fmt.Errorf("capture record is required")
	}
	if _, err := uuid.Parse(rec.ID); err != nil {
		return fmt.Errorf("capture ID must be a UUID, got %q", rec.ID)
	}
	if rec.SessionID == "" {
		return fmt.Errorf("session ID is required")
	}
	if rec.Filename == "" {
		return fmt.Errorf("filename is required")
	}
	if !validStatuses[rec.Status] {
		return fmt.Errorf("invalid capture status %q", rec.Status)
	}
	return nil
}

// UpsertCapture inserts a capture or updates its status and outcome
func (p *PostgresClient) UpsertCapture(ctx context.Context, rec *CaptureRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}

	metadataJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if rec.Metadata == nil {
		metadataJSON = []byte("{}")
	}

	// Insert on first sight; later calls move the status forward and keep the
	// original file facts.
	query := `
		INSERT INTO parkit.captures (
			id, session_id, camera_id, filename, mime_type,
			width, height, size_bytes, status, frame_id,
			detections, error_message, metadata,
			created_at, updated_at
		) VALUES (
			$1::uuid, $2, NULLIF($3, ''), $4, $5,
			NULLIF($6, 0), NULLIF($7, 0), $8, $9, NULLIF($10, ''),
			$11, NULLIF($12, ''), $13::jsonb,
			NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			frame_id = COALESCE(EXCLUDED.frame_id, parkit.captures.frame_id),
			detections = GREATEST(EXCLUDED.detections, parkit.captures.detections),
			error_message = EXCLUDED.error_message,
			metadata = parkit.captures.metadata || EXCLUDED.metadata,
			updated_at = NOW()
		RETURNING id, created_at, updated_at
	`

	var returnedID string
	err = p.db.QueryRowContext(
		ctx,
		query,
		rec.ID,           // $1
		rec.SessionID,    // $2
		rec.CameraID,     // $3
		rec.Filename,     // $4
		rec.MimeType,     // $5
		rec.Width,        // $6
		rec.Height,       // $7
		rec.SizeBytes,    // $8
		rec.Status,       // $9
		rec.FrameID,      // $10
		rec.Detections,   // $11
		rec.ErrorMessage, // $12
		metadataJSON,     // $13
	).Scan(&returnedID, &rec.CreatedAt, &rec.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to upsert capture (id=%s, status=%s): %w", rec.ID, rec.Status, err)
	}

	return nil
}

const selectCapture = `
	SELECT
		id, session_id, camera_id, filename, mime_type,
		width, height, size_bytes, status, frame_id,
		detections, error_message, metadata, created_at, updated_at
	FROM parkit.captures
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCapture(row rowScanner) (*CaptureRecord, error) {
	var (
		rec                             CaptureRecord
		cameraID, frameID, errorMessage sql.NullString
		width, height                   sql.NullInt64
		metadataJSON                    []byte
	)

	err := row.Scan(
		&rec.ID, &rec.SessionID, &cameraID, &rec.Filename, &rec.MimeType,
		&width, &height, &rec.SizeBytes, &rec.Status, &frameID,
		&rec.Detections, &errorMessage, &metadataJSON, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.CameraID = cameraID.String
	rec.FrameID = frameID.String
	rec.ErrorMessage = errorMessage.String
	rec.Width = int(width.Int64)
	rec.Height = int(height.Int64)

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return &rec, nil
}

// GetCapture retrieves a capture by id
func (p *PostgresClient) GetCapture(ctx context.Context, id string) (*CaptureRecord, error) {
	if id == "" {
		return nil, fmt.Errorf("capture ID is required")
	}

	rec, err := scanCapture(p.db.QueryRowContext(ctx, selectCapture+` WHERE id = $1::uuid`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrCaptureNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get capture: %w", err)
	}
	return rec, nil
}

// ListCapturesBySession returns the captures of a session, oldest first.
// With statuses given, only captures in one of them are returned.
func (p *PostgresClient) ListCapturesBySession(ctx context.Context, sessionID string, statuses ...string) ([]*CaptureRecord, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session ID is required")
	}

	query := selectCapture + ` WHERE session_id = $1 AND (cardinality($2::text[]) = 0 OR status = ANY($2::text[])) ORDER BY created_at`
	if statuses == nil {
		statuses = []string{}
	}

	rows, err := p.db.QueryContext(ctx, query, sessionID, pq.Array(statuses))
	if err != nil {
		return nil, fmt.Errorf("failed to list captures: %w", err)
	}
	defer rows.Close()

	var out []*CaptureRecord
	for rows.Next() {
		rec, err := scanCapture(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan capture: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate captures: %w", err)
	}

	return out, nil
}

// Ping checks database connectivity
func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresClient) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}
