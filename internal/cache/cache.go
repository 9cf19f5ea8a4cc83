package cache

import "context"

// SentCache tracks message ids sent through the outbound API so their
// provider echo is not re-ingested as a new inbound message. Entries
// expire after a short TTL (5 minutes by default).
type SentCache interface {
	MarkSent(ctx context.Context, sessionID, externalID, phone string) error
	WasSentViaAPI(ctx context.Context, sessionID, externalID string) (bool, error)
}
