package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"vodforge/internal/models"
)

// PostgresConfig tunes the pgx connection pool.
type PostgresConfig struct {
	DSN             string
	MaxConnections  int32
	MinConnections  int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	ConnectTimeout  time.Duration
	ApplicationName string
}

type postgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository opens a Postgres-backed repository. Migrations are
// owned by the upload/status services and must already be applied.
func NewPostgresRepository(ctx context.Context, cfg PostgresConfig) (Repository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &postgresRepository{pool: pool}, nil
}

// Close releases the underlying pool, honouring the context deadline.
func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *postgresRepository) GetVideo(ctx context.Context, id string) (models.Video, error) {
	var v models.Video
	var status string
	err := r.pool.QueryRow(ctx,
		`SELECT id, user_id, original_filename, source_path, status,
		        COALESCE(original_width, 0), COALESCE(original_height, 0),
		        COALESCE(original_bitrate, 0), COALESCE(fps, 0), COALESCE(duration, 0),
		        created_at, updated_at
		 FROM videos WHERE id = $1`, id,
	).Scan(&v.ID, &v.UserID, &v.OriginalFilename, &v.SourcePath, &status,
		&v.OriginalWidth, &v.OriginalHeight, &v.OriginalBitrate, &v.FPS, &v.Duration,
		&v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Video{}, ErrNotFound
		}
		return models.Video{}, fmt.Errorf("select video %s: %w", id, err)
	}
	v.Status = models.VideoStatus(status)
	return v, nil
}

func (r *postgresRepository) MarkVideoStatus(ctx context.Context, id string, status models.VideoStatus) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE videos SET status = $2, updated_at = $3
		 WHERE id = $1 AND status NOT IN ($4, $5)`,
		id, string(status), time.Now().UTC(), string(models.StatusCompleted), string(models.StatusFailed))
	if err != nil {
		return fmt.Errorf("update video %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, lookupErr := r.GetVideo(ctx, id); errors.Is(lookupErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrTerminalStatus
	}
	return nil
}

func (r *postgresRepository) RecordSourceMetadata(ctx context.Context, id, userID string, meta models.SourceMetadata) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE videos SET original_width = $2, original_height = $3, original_bitrate = $4,
		        fps = $5, duration = $6, user_id = $7, updated_at = $8
		 WHERE id = $1`,
		id, meta.Width, meta.Height, meta.BitrateKbps, meta.FPS, meta.Duration,
		userID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record source metadata %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *postgresRepository) UpsertEncodingProgress(ctx context.Context, videoID, resolution string, percent int) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO encoding_progress (video_id, resolution, progress, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (video_id, resolution)
		 DO UPDATE SET progress = EXCLUDED.progress, updated_at = EXCLUDED.updated_at`,
		videoID, resolution, percent, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert progress %s/%s: %w", videoID, resolution, err)
	}
	return nil
}

func (r *postgresRepository) InsertEncodedVideo(ctx context.Context, encoded models.EncodedVideo) error {
	createdAt := encoded.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO encoded_videos (video_id, resolution, filepath, filesize, width, height, bitrate, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (video_id, resolution) DO NOTHING`,
		encoded.VideoID, encoded.Resolution, encoded.FilePath, encoded.FileSize,
		encoded.Width, encoded.Height, encoded.BitrateKbps, createdAt.UTC())
	if err != nil {
		return fmt.Errorf("insert encoded video %s/%s: %w", encoded.VideoID, encoded.Resolution, err)
	}
	return nil
}

var _ Repository = (*postgresRepository)(nil)
