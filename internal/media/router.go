package media

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/viniciusgn/whatsgate/internal/model"
	"github.com/viniciusgn/whatsgate/internal/repo"
)

// DefaultSyncLimit is the payload size above which media is handed to the
// background queue instead of being uploaded inline.
const DefaultSyncLimit = 2 * 1024 * 1024

// ObjectStorage uploads a blob and returns a retrievable URL.
type ObjectStorage interface {
	Upload(ctx context.Context, filename string, data []byte, contentType string) (string, error)
}

// Queue hands a media job to the asynchronous worker path.
type Queue interface {
	Enqueue(ctx context.Context, job *model.MediaJob) error
}

// Router decides between the synchronous upload path and the background
// queue based on payload size. Re-routing the same message is safe:
// filenames are generated per call and the newest patch wins.
type Router struct {
	storage   ObjectStorage
	queue     Queue
	cache     repo.MediaCacheRepository
	messages  repo.MessageRepository
	syncLimit int64
	log       *slog.Logger
}

func NewRouter(storage ObjectStorage, queue Queue, cache repo.MediaCacheRepository, messages repo.MessageRepository, syncLimit int64, log *slog.Logger) *Router {
	if syncLimit <= 0 {
		syncLimit = DefaultSyncLimit
	}
	return &Router{
		storage:   storage,
		queue:     queue,
		cache:     cache,
		messages:  messages,
		syncLimit: syncLimit,
		log:       log,
	}
}

// Route stores the payload for a message. For the async path success means
// the job was enqueued; final processing happens in the external worker.
func (r *Router) Route(ctx context.Context, messageID string, p *Payload) error {
	if p == nil || len(p.Data) == 0 {
		return nil
	}

	if p.Size() > r.syncLimit {
		return r.enqueue(ctx, messageID, p)
	}
	return r.processSync(ctx, messageID, p)
}

func (r *Router) enqueue(ctx context.Context, messageID string, p *Payload) error {
	job := &model.MediaJob{
		MessageID:  messageID,
		MediaType:  p.MediaType,
		FileName:   p.FileName,
		Data:       p.Data,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := r.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("enqueue media job: %w", err)
	}
	r.log.Info("media enqueued for async processing",
		"messageId", messageID, "type", p.MediaType, "sizeBytes", p.Size())
	return nil
}

func (r *Router) processSync(ctx context.Context, messageID string, p *Payload) error {
	filename := uuid.NewString() + extensionFor(p)
	contentType := mimeTypeFor(p)

	url, err := r.storage.Upload(ctx, filename, p.Data, contentType)
	if err != nil {
		r.log.Warn("storage upload failed, falling back to inline cache",
			"messageId", messageID, "error", err)
		return r.fallbackInline(ctx, messageID, p)
	}

	entry := &model.MediaCacheEntry{
		MessageID:   messageID,
		OriginalURL: url,
		CachedURL:   url,
		FileName:    filename,
		FileSize:    p.Size(),
		MediaType:   p.MediaType,
		Status:      model.MediaJobCompleted,
	}
	if err := r.cache.Insert(ctx, entry); err != nil {
		r.log.Warn("media cache insert failed", "messageId", messageID, "error", err)
	}

	if err := r.messages.PatchMedia(ctx, messageID, url, patchText(p)); err != nil {
		return fmt.Errorf("patch message media: %w", err)
	}

	r.log.Info("media stored synchronously",
		"messageId", messageID, "type", p.MediaType, "sizeBytes", p.Size())
	return nil
}

// fallbackInline keeps the media on the message record as a data URL when
// object storage is unavailable. Degraded but the bytes are never lost.
func (r *Router) fallbackInline(ctx context.Context, messageID string, p *Payload) error {
	dataURL := "data:" + mimeTypeFor(p) + ";base64," + base64.StdEncoding.EncodeToString(p.Data)

	entry := &model.MediaCacheEntry{
		MessageID:   messageID,
		OriginalURL: "base64://" + messageID,
		CachedURL:   dataURL,
		Base64Data:  dataURL,
		FileName:    p.FileName,
		FileSize:    p.Size(),
		MediaType:   p.MediaType,
		Status:      model.MediaJobCompleted,
	}
	if err := r.cache.Insert(ctx, entry); err != nil {
		r.log.Warn("media cache insert failed", "messageId", messageID, "error", err)
	}

	if err := r.messages.PatchMedia(ctx, messageID, dataURL, patchText(p)); err != nil {
		return fmt.Errorf("patch message media fallback: %w", err)
	}
	return nil
}

func patchText(p *Payload) string {
	if p.Caption != "" {
		return p.Caption
	}
	return "[" + strings.ToUpper(string(p.MediaType)) + "]"
}

func mimeTypeFor(p *Payload) string {
	if p.MimeType != "" {
		return p.MimeType
	}
	switch p.MediaType {
	case model.MediaImage:
		return "image/jpeg"
	case model.MediaVideo:
		return "video/mp4"
	case model.MediaAudio:
		return "audio/mpeg"
	case model.MediaDocument:
		return "application/pdf"
	default:
		return "application/octet-stream"
	}
}

func extensionFor(p *Payload) string {
	if p.FileName != "" {
		if ext := filepath.Ext(p.FileName); ext != "" {
			return ext
		}
	}
	switch p.MediaType {
	case model.MediaImage:
		return ".jpg"
	case model.MediaVideo:
		return ".mp4"
	case model.MediaAudio:
		return ".ogg"
	case model.MediaSticker:
		return ".webp"
	case model.MediaDocument:
		return ".pdf"
	default:
		return ".bin"
	}
}
