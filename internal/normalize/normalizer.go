package normalize

import (
	"context"
	"log/slog"

	"github.com/viniciusgn/whatsgate/internal/dedup"
	"github.com/viniciusgn/whatsgate/internal/media"
	"github.com/viniciusgn/whatsgate/internal/model"
)

// Placeholder texts shown when a media message has no caption. These are
// rendered verbatim by the CRM chat UI and must not change.
const (
	placeholderImage       = "[Imagem]"
	placeholderVideo       = "[Vídeo]"
	placeholderAudio       = "[Áudio]"
	placeholderSticker     = "[Sticker]"
	placeholderLocation    = "[Localização]"
	placeholderContact     = "[Contato]"
	placeholderUnsupported = "[Mensagem não suportada]"
)

// Draft is the normalized form of a provider message before the dedup gate.
// Payload carries downloaded media bytes for the router; it is nil for text
// messages and for media resolvable through a direct provider URL.
type Draft struct {
	Message model.InboundMessage
	Payload *media.Payload
}

type Normalizer struct {
	log *slog.Logger
}

func New(log *slog.Logger) *Normalizer {
	return &Normalizer{log: log}
}

// Normalize converts a raw provider message into a canonical draft,
// inspecting known content shapes in a fixed priority order and taking the
// first match. Media is resolved by direct URL when the provider supplied
// one, otherwise downloaded through the session connection.
func (n *Normalizer) Normalize(ctx context.Context, sessionID string, raw *RawMessage) *Draft {
	text, mediaType, rawMedia := classify(raw)

	msg := model.InboundMessage{
		ExternalID:     raw.ID,
		SessionID:      sessionID,
		ContactAddress: raw.ChatJID,
		FromMe:         raw.FromMe,
		Text:           text,
		MediaType:      mediaType,
		Timestamp:      raw.Timestamp,
		ContentHash:    dedup.ContentHash(text, raw.Timestamp, raw.FromMe),
	}

	draft := &Draft{Message: msg}
	if rawMedia == nil {
		return draft
	}

	if url := rawMedia.DirectURL(); url != "" {
		draft.Message.MediaURL = url
		return draft
	}

	if rawMedia.Download == nil {
		return draft
	}

	data, err := rawMedia.Download(ctx)
	if err != nil {
		n.log.Warn("media download failed",
			"session", sessionID, "messageId", raw.ID, "type", mediaType, "error", err)
		return draft
	}

	draft.Payload = &media.Payload{
		Data:      data,
		MediaType: mediaType,
		MimeType:  rawMedia.MimeType,
		FileName:  rawMedia.FileName,
		Caption:   rawMedia.Caption,
	}
	return draft
}

func classify(raw *RawMessage) (string, model.MediaType, *RawMedia) {
	switch {
	case raw.Conversation != "":
		return raw.Conversation, model.MediaText, nil
	case raw.ExtendedText != "":
		return raw.ExtendedText, model.MediaText, nil
	case raw.Image != nil:
		return captionOr(raw.Image.Caption, placeholderImage), model.MediaImage, raw.Image
	case raw.Video != nil:
		return captionOr(raw.Video.Caption, placeholderVideo), model.MediaVideo, raw.Video
	case raw.Audio != nil:
		return placeholderAudio, model.MediaAudio, raw.Audio
	case raw.Document != nil:
		return documentText(raw.Document), model.MediaDocument, raw.Document
	case raw.Sticker != nil:
		return placeholderSticker, model.MediaSticker, raw.Sticker
	case raw.HasLocation:
		return placeholderLocation, model.MediaLocation, nil
	case raw.HasContact:
		return placeholderContact, model.MediaContact, nil
	default:
		return placeholderUnsupported, model.MediaUnknown, nil
	}
}

func captionOr(caption, placeholder string) string {
	if caption != "" {
		return caption
	}
	return placeholder
}

func documentText(doc *RawMedia) string {
	name := doc.FileName
	if name == "" {
		name = "arquivo"
	}
	return "[Documento: " + name + "]"
}
