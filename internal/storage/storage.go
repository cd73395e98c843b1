// Package storage persists video lifecycle state, per-rendition encoding
// progress, and completion records. The schema is owned by the upload/status
// services; this package only issues the narrow writes the worker needs.
package storage

import (
	"context"
	"errors"

	"vodforge/internal/models"
)

// ErrNotFound is returned when the referenced video row does not exist.
var ErrNotFound = errors.New("storage: video not found")

// ErrTerminalStatus is returned when a status update targets a video already
// in COMPLETED or FAILED.
var ErrTerminalStatus = errors.New("storage: video status is terminal")

// Repository is the narrow persistence surface the worker depends on. Every
// write is idempotent by key: progress rows upsert, completion records insert
// at most once, status updates touch a single row.
type Repository interface {
	// GetVideo loads the video row created by the upload service.
	GetVideo(ctx context.Context, id string) (models.Video, error)

	// MarkVideoStatus performs the single-row lifecycle transition. Updating
	// a video already in a terminal state returns ErrTerminalStatus.
	MarkVideoStatus(ctx context.Context, id string, status models.VideoStatus) error

	// RecordSourceMetadata stores the probed technical parameters and owning
	// user on the video row before encoding starts.
	RecordSourceMetadata(ctx context.Context, id, userID string, meta models.SourceMetadata) error

	// UpsertEncodingProgress writes the latest percentage for one
	// (video, resolution) pair.
	UpsertEncodingProgress(ctx context.Context, videoID, resolution string, percent int) error

	// InsertEncodedVideo records a verified rendition exactly once.
	InsertEncodedVideo(ctx context.Context, encoded models.EncodedVideo) error
}
