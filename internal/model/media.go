package model

import "time"

type MediaJobStatus string

const (
	MediaJobPending    MediaJobStatus = "pending"
	MediaJobProcessing MediaJobStatus = "processing"
	MediaJobCompleted  MediaJobStatus = "completed"
	MediaJobFailed     MediaJobStatus = "failed"
)

// MediaJob is the payload handed to the background queue for media above
// the synchronous size limit. An external worker consumes it.
type MediaJob struct {
	MessageID  string    `json:"messageId"`
	MediaType  MediaType `json:"mediaType"`
	FileName   string    `json:"fileName,omitempty"`
	Data       []byte    `json:"data"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// MediaCacheEntry records where a message's media ended up. The newest
// entry for a message id supersedes older ones.
type MediaCacheEntry struct {
	MessageID   string
	OriginalURL string
	CachedURL   string
	Base64Data  string
	FileName    string
	FileSize    int64
	MediaType   MediaType
	Status      MediaJobStatus
	CreatedAt   time.Time
}
