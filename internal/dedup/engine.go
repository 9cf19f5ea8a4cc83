package dedup

import (
	"context"
	"log/slog"
	"time"

	"github.com/viniciusgn/whatsgate/internal/model"
	"github.com/viniciusgn/whatsgate/internal/repo"
)

// fuzzyWindow tolerates small timestamp drift between duplicate deliveries.
// Kept at the reference value of ±30s.
const fuzzyWindow = 30 * time.Second

// Engine decides whether an inbound message has already been persisted.
// It is an optimistic fast path: the unique constraints on the messages
// table remain the authoritative backstop, and any lookup error fails
// open so a storage fault never drops a message.
type Engine struct {
	messages repo.MessageRepository
	log      *slog.Logger
}

func NewEngine(messages repo.MessageRepository, log *slog.Logger) *Engine {
	return &Engine{messages: messages, log: log}
}

// IsDuplicate checks three strategies in order; the first hit wins.
func (e *Engine) IsDuplicate(ctx context.Context, m *model.InboundMessage) bool {
	if m.ExternalID != "" {
		found, err := e.messages.ExistsByExternalID(ctx, m.SessionID, m.ExternalID)
		if err != nil {
			e.log.Warn("dedup lookup by external id failed, failing open",
				"session", m.SessionID, "error", err)
			return false
		}
		if found {
			e.log.Debug("duplicate by external id", "session", m.SessionID, "externalId", m.ExternalID)
			return true
		}
	}

	if m.ContentHash != "" {
		found, err := e.messages.ExistsByContentHash(ctx, m.SessionID, m.LeadID, m.ContentHash)
		if err != nil {
			e.log.Warn("dedup lookup by content hash failed, failing open",
				"session", m.SessionID, "error", err)
			return false
		}
		if found {
			e.log.Debug("duplicate by content hash", "session", m.SessionID, "hash", m.ContentHash[:8])
			return true
		}
	}

	if m.Text != "" {
		found, err := e.messages.ExistsInWindow(ctx, m.LeadID, m.Text, m.FromMe, m.Timestamp, fuzzyWindow)
		if err != nil {
			e.log.Warn("dedup lookup by content+time failed, failing open",
				"session", m.SessionID, "error", err)
			return false
		}
		if found {
			e.log.Debug("duplicate by content+time window", "session", m.SessionID, "lead", m.LeadID)
			return true
		}
	}

	return false
}
