package models

import (
	"fmt"
	"strings"
	"time"
)

// VideoStatus tracks the lifecycle of one uploaded video through the
// processing pipeline. Transitions are PENDING -> PROCESSING -> {COMPLETED,
// FAILED}; terminal states never change again.
type VideoStatus string

const (
	StatusPending    VideoStatus = "PENDING"
	StatusProcessing VideoStatus = "PROCESSING"
	StatusCompleted  VideoStatus = "COMPLETED"
	StatusFailed     VideoStatus = "FAILED"
)

// CanTransitionTo reports whether moving from s to next is a legal lifecycle
// step.
func (s VideoStatus) CanTransitionTo(next VideoStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

// Video mirrors the externally owned videos row. The upload service creates
// it in PENDING; only the worker mutates it afterwards.
type Video struct {
	ID               string
	UserID           string
	OriginalFilename string
	SourcePath       string
	Status           VideoStatus
	OriginalWidth    int
	OriginalHeight   int
	OriginalBitrate  int
	FPS              float64
	Duration         float64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// SourceMetadata is the prober's view of the uploaded file's technical
// parameters. Bitrate is expressed in kbps.
type SourceMetadata struct {
	Duration    float64
	Width       int
	Height      int
	BitrateKbps int
	FPS         float64
	Codec       string
	PixelFormat string
	Profile     string
}

// Pixels returns the source frame area, used when scaling bitrate targets.
func (m SourceMetadata) Pixels() int {
	return m.Width * m.Height
}

// Rendition is one planned output resolution. Name is always "<height>p".
// Renditions are ephemeral planner output and never persisted.
type Rendition struct {
	Name   string
	Width  int
	Height int
}

func (r Rendition) String() string {
	return fmt.Sprintf("%s (%dx%d)", r.Name, r.Width, r.Height)
}

// EncodingProgress is the persisted per-rendition progress row, keyed
// uniquely by (VideoID, Resolution). Percent stays within [0,100].
type EncodingProgress struct {
	VideoID    string
	Resolution string
	Percent    int
	UpdatedAt  time.Time
}

// EncodedVideo is the persisted completion record for one rendition. It is
// written exactly once, after the output file has been verified.
type EncodedVideo struct {
	VideoID     string
	Resolution  string
	FilePath    string
	FileSize    int64
	Width       int
	Height      int
	BitrateKbps int
	CreatedAt   time.Time
}

// Job is the queue message produced by the upload service.
type Job struct {
	VideoID     string `json:"videoId"`
	StoragePath string `json:"storagePath"`
	UserID      string `json:"userId"`
}

// Validate checks the payload shape without touching the filesystem.
func (j Job) Validate() error {
	if strings.TrimSpace(j.VideoID) == "" {
		return fmt.Errorf("videoId is required")
	}
	if strings.TrimSpace(j.StoragePath) == "" {
		return fmt.Errorf("storagePath is required")
	}
	if strings.TrimSpace(j.UserID) == "" {
		return fmt.Errorf("userId is required")
	}
	return nil
}
