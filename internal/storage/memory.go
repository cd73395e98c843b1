package storage

import (
	"context"
	"sync"
	"time"

	"vodforge/internal/models"
)

// MemoryRepository is an in-memory Repository with the same transition and
// idempotency semantics as the Postgres implementation. Used in tests and
// local development.
type MemoryRepository struct {
	mu       sync.Mutex
	videos   map[string]models.Video
	progress map[string]map[string]models.EncodingProgress
	encoded  map[string]map[string]models.EncodedVideo
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		videos:   make(map[string]models.Video),
		progress: make(map[string]map[string]models.EncodingProgress),
		encoded:  make(map[string]map[string]models.EncodedVideo),
	}
}

// PutVideo seeds a video row the way the upload service would.
func (m *MemoryRepository) PutVideo(v models.Video) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v.Status == "" {
		v.Status = models.StatusPending
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	m.videos[v.ID] = v
}

func (m *MemoryRepository) GetVideo(_ context.Context, id string) (models.Video, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.videos[id]
	if !ok {
		return models.Video{}, ErrNotFound
	}
	return v, nil
}

func (m *MemoryRepository) MarkVideoStatus(_ context.Context, id string, status models.VideoStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.videos[id]
	if !ok {
		return ErrNotFound
	}
	if v.Status == models.StatusCompleted || v.Status == models.StatusFailed {
		return ErrTerminalStatus
	}
	v.Status = status
	v.UpdatedAt = time.Now().UTC()
	m.videos[id] = v
	return nil
}

func (m *MemoryRepository) RecordSourceMetadata(_ context.Context, id, userID string, meta models.SourceMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.videos[id]
	if !ok {
		return ErrNotFound
	}
	v.OriginalWidth = meta.Width
	v.OriginalHeight = meta.Height
	v.OriginalBitrate = meta.BitrateKbps
	v.FPS = meta.FPS
	v.Duration = meta.Duration
	v.UserID = userID
	v.UpdatedAt = time.Now().UTC()
	m.videos[id] = v
	return nil
}

func (m *MemoryRepository) UpsertEncodingProgress(_ context.Context, videoID, resolution string, percent int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows, ok := m.progress[videoID]
	if !ok {
		rows = make(map[string]models.EncodingProgress)
		m.progress[videoID] = rows
	}
	rows[resolution] = models.EncodingProgress{
		VideoID:    videoID,
		Resolution: resolution,
		Percent:    percent,
		UpdatedAt:  time.Now().UTC(),
	}
	return nil
}

func (m *MemoryRepository) InsertEncodedVideo(_ context.Context, encoded models.EncodedVideo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows, ok := m.encoded[encoded.VideoID]
	if !ok {
		rows = make(map[string]models.EncodedVideo)
		m.encoded[encoded.VideoID] = rows
	}
	if _, exists := rows[encoded.Resolution]; exists {
		return nil
	}
	if encoded.CreatedAt.IsZero() {
		encoded.CreatedAt = time.Now().UTC()
	}
	rows[encoded.Resolution] = encoded
	return nil
}

// Progress returns the stored progress rows for a video, keyed by resolution.
func (m *MemoryRepository) Progress(videoID string) map[string]models.EncodingProgress {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]models.EncodingProgress, len(m.progress[videoID]))
	for k, v := range m.progress[videoID] {
		out[k] = v
	}
	return out
}

// Encoded returns the stored completion records for a video, keyed by
// resolution.
func (m *MemoryRepository) Encoded(videoID string) map[string]models.EncodedVideo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]models.EncodedVideo, len(m.encoded[videoID]))
	for k, v := range m.encoded[videoID] {
		out[k] = v
	}
	return out
}

var _ Repository = (*MemoryRepository)(nil)
