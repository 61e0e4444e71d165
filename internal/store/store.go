package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("video record not found")

// Store manages the PostgreSQL connection pool. Jobs finalize concurrently, so a pool is used
// instead of a single connection.
type Store struct {
	pool *pgxpool.Pool
}

// VideoRecord is the persisted summary of one finished job.
type VideoRecord struct {
	ID              int64
	JobID           uuid.UUID
	Filename        string
	SourceName      string
	CameraID        *int64
	StartedAt       time.Time
	EndedAt         time.Time
	Duration        float64 // seconds
	ProcessedFrames int
	SampledFrames   int
	Faces           int
	Plates          int
	DetectionErrors int
	Depersonalized  bool
	Thumbnail       string
	EndReason       string // "end of stream", "stopped", "write error: ..."
	CreatedAt       time.Time
}

// New establishes a connection pool and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// initSchema creates the videos table if it doesn't exist (Auto-Migration).
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE TABLE IF NOT EXISTS videos (
			id BIGSERIAL PRIMARY KEY,
			job_id UUID NOT NULL UNIQUE,
			filename TEXT NOT NULL,
			source_name TEXT NOT NULL,
			camera_id BIGINT,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NOT NULL,
			duration DOUBLE PRECISION NOT NULL DEFAULT 0,
			processed_frames INT NOT NULL DEFAULT 0,
			sampled_frames INT NOT NULL DEFAULT 0,
			faces_detected INT NOT NULL DEFAULT 0,
			plates_detected INT NOT NULL DEFAULT 0,
			detection_errors INT NOT NULL DEFAULT 0,
			depersonalized BOOLEAN NOT NULL DEFAULT TRUE,
			thumbnail TEXT NOT NULL DEFAULT '',
			end_reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		ALTER TABLE videos ADD COLUMN IF NOT EXISTS end_reason TEXT NOT NULL DEFAULT '';
		CREATE INDEX IF NOT EXISTS videos_camera_id_idx ON videos (camera_id);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

// Close terminates the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// SaveVideo inserts the record and returns its row id.
func (s *Store) SaveVideo(ctx context.Context, r VideoRecord) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO videos (job_id, filename, source_name, camera_id, started_at, ended_at, duration,
			processed_frames, sampled_frames, faces_detected, plates_detected, detection_errors,
			depersonalized, thumbnail, end_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id
	`, r.JobID, r.Filename, r.SourceName, r.CameraID, r.StartedAt, r.EndedAt, r.Duration,
		r.ProcessedFrames, r.SampledFrames, r.Faces, r.Plates, r.DetectionErrors,
		r.Depersonalized, r.Thumbnail, r.EndReason).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert video record: %w", err)
	}
	return id, nil
}

const selectVideo = `
	SELECT id, job_id, filename, source_name, camera_id, started_at, ended_at, duration,
		processed_frames, sampled_frames, faces_detected, plates_detected, detection_errors,
		depersonalized, thumbnail, end_reason, created_at
	FROM videos`

func scanVideo(row pgx.Row) (VideoRecord, error) {
	var r VideoRecord
	err := row.Scan(&r.ID, &r.JobID, &r.Filename, &r.SourceName, &r.CameraID, &r.StartedAt, &r.EndedAt,
		&r.Duration, &r.ProcessedFrames, &r.SampledFrames, &r.Faces, &r.Plates, &r.DetectionErrors,
		&r.Depersonalized, &r.Thumbnail, &r.EndReason, &r.CreatedAt)
	return r, err
}

// ListVideos returns the newest records first. limit <= 0 means no limit.
func (s *Store) ListVideos(ctx context.Context, limit int) ([]VideoRecord, error) {
	query := selectVideo + ` ORDER BY ended_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []VideoRecord
	for rows.Next() {
		r, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) GetVideoByJobID(ctx context.Context, jobID uuid.UUID) (VideoRecord, error) {
	r, err := scanVideo(s.pool.QueryRow(ctx, selectVideo+` WHERE job_id = $1`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return VideoRecord{}, ErrNotFound
	}
	if err != nil {
		return VideoRecord{}, err
	}
	return r, nil
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DROP TABLE IF EXISTS videos CASCADE;`)
	return err
}
