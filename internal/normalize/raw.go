package normalize

import (
	"context"
	"strings"
	"time"
)

// RawMedia mirrors the provider's media message shape. URL is the
// provider-supplied direct link when one exists; Download, when set by the
// transport, fetches the decrypted bytes through the live connection.
type RawMedia struct {
	URL        string
	DirectPath string
	MimeType   string
	Caption    string
	FileName   string
	FileLength uint64

	Download func(ctx context.Context) ([]byte, error)
}

// DirectURL returns the provider link for the media, if any.
func (m *RawMedia) DirectURL() string {
	if m.URL != "" {
		return m.URL
	}
	return m.DirectPath
}

// RawMessage is the provider event shape handed to the normalizer. At most
// one content field is set; the normalizer inspects them in a fixed
// priority order.
type RawMessage struct {
	ID        string
	ChatJID   string
	SenderJID string
	PushName  string
	FromMe    bool
	Timestamp time.Time

	Conversation string
	ExtendedText string
	Image        *RawMedia
	Video        *RawMedia
	Audio        *RawMedia
	Document     *RawMedia
	Sticker      *RawMedia
	HasLocation  bool
	HasContact   bool
}

// IsGroupOrBroadcast reports whether the originating address denotes a
// group, broadcast/status or newsletter chat. Those are dropped before
// normalization.
func IsGroupOrBroadcast(chatJID string) bool {
	return strings.HasSuffix(chatJID, "@g.us") ||
		strings.HasSuffix(chatJID, "@broadcast") ||
		strings.HasSuffix(chatJID, "@newsletter")
}
