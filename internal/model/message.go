package model

import "time"

type MediaType string

const (
	MediaText     MediaType = "text"
	MediaImage    MediaType = "image"
	MediaVideo    MediaType = "video"
	MediaAudio    MediaType = "audio"
	MediaDocument MediaType = "document"
	MediaSticker  MediaType = "sticker"
	MediaLocation MediaType = "location"
	MediaContact  MediaType = "contact"
	MediaUnknown  MediaType = "unknown"
)

// InboundMessage is the canonical persisted form of a provider message.
// Rows are immutable after insert except for the MediaURL/Text backfill
// performed by the media router.
type InboundMessage struct {
	ID             string
	ExternalID     string // provider message id, may be empty
	SessionID      string
	LeadID         string
	ContactAddress string
	FromMe         bool
	Text           string
	MediaType      MediaType
	MediaURL       string
	ContentHash    string
	Timestamp      time.Time
	ImportSource   string
	CreatedAt      time.Time
}
