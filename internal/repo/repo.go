package repo

import (
	"context"
	"errors"
	"time"

	"github.com/viniciusgn/whatsgate/internal/model"
)

// ErrDuplicate is returned by Insert when a storage-level uniqueness
// constraint fires. Callers treat it as "already exists", not a failure.
var ErrDuplicate = errors.New("duplicate row")

type MessageRepository interface {
	// Insert persists a new inbound message and fills in its generated id.
	Insert(ctx context.Context, m *model.InboundMessage) error
	ExistsByExternalID(ctx context.Context, sessionID, externalID string) (bool, error)
	ExistsByContentHash(ctx context.Context, sessionID, leadID, hash string) (bool, error)
	ExistsInWindow(ctx context.Context, leadID, text string, fromMe bool, center time.Time, window time.Duration) (bool, error)
	// PatchMedia backfills media_url and text after the media router resolves
	// a payload. The only mutation ever applied to a stored message.
	PatchMedia(ctx context.Context, messageID, mediaURL, text string) error
}

type LeadRepository interface {
	GetOrCreate(ctx context.Context, sessionID, phone, name, source string) (*model.Lead, error)
	UpdateLastMessage(ctx context.Context, leadID, text string, at time.Time) error
	MoveToStage(ctx context.Context, ids []string, stageID, funnelID string) error
	Delete(ctx context.Context, ids []string) error
}

type SessionRepository interface {
	Upsert(ctx context.Context, s *model.Session) error
	// ListActive returns persisted sessions that are not in a terminal
	// state, for reconnection after a restart.
	ListActive(ctx context.Context) ([]model.Session, error)
	UpdateStatus(ctx context.Context, id string, status model.SessionStatus, lastError string) error
	UpdateQRCode(ctx context.Context, id, qrCode string) error
	SaveAuthState(ctx context.Context, id string, state []byte) error
	LoadAuthState(ctx context.Context, id string) ([]byte, error)
	Delete(ctx context.Context, id string) error
}

type MediaCacheRepository interface {
	Insert(ctx context.Context, e *model.MediaCacheEntry) error
}
