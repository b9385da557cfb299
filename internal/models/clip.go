package models

import (
	"time"

	"github.com/google/uuid"
)

// Clip lifecycle: stored on local disk at upload, then archived to S3 by the
// background worker (when configured).
const (
	ClipStatusStored        = "stored"
	ClipStatusArchived      = "archived"
	ClipStatusArchiveFailed = "archive_failed"
)

// Clip is the metadata record for a persisted recording payload.
type Clip struct {
	ID          uuid.UUID `json:"id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	DurationSec int       `json:"duration_sec"`
	Status      string    `json:"status"`
	ArchiveURL  string    `json:"archive_url,omitempty"`
	ArchiveKey  string    `json:"archive_key,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
