package ingest

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/viniciusgn/whatsgate/internal/cache"
	"github.com/viniciusgn/whatsgate/internal/client"
	"github.com/viniciusgn/whatsgate/internal/dedup"
	"github.com/viniciusgn/whatsgate/internal/media"
	"github.com/viniciusgn/whatsgate/internal/model"
	"github.com/viniciusgn/whatsgate/internal/normalize"
	"github.com/viniciusgn/whatsgate/internal/repo"
)

const importSource = "whatsapp"

// Pipeline is the inbound message path: filter, echo suppression,
// normalization, lead resolution, dedup gate, persistence, media routing
// and finally the CRM notification. One raw message in, at most one stored
// message out.
type Pipeline struct {
	normalizer *normalize.Normalizer
	engine     *dedup.Engine
	router     *media.Router
	messages   repo.MessageRepository
	leads      repo.LeadRepository
	sent       cache.SentCache
	notifier   *client.Notifier
	log        *slog.Logger
}

func NewPipeline(normalizer *normalize.Normalizer, engine *dedup.Engine, router *media.Router, messages repo.MessageRepository, leads repo.LeadRepository, sent cache.SentCache, notifier *client.Notifier, log *slog.Logger) *Pipeline {
	return &Pipeline{
		normalizer: normalizer,
		engine:     engine,
		router:     router,
		messages:   messages,
		leads:      leads,
		sent:       sent,
		notifier:   notifier,
		log:        log,
	}
}

// HandleMessage processes one raw provider message. Errors never propagate
// to the session event loop; they are logged and the message is dropped or
// stored partially, depending on how far it got.
func (p *Pipeline) HandleMessage(ctx context.Context, sessionID string, raw *normalize.RawMessage) {
	if normalize.IsGroupOrBroadcast(raw.ChatJID) {
		p.log.Debug("ignoring group or broadcast message",
			"session", sessionID, "chat", raw.ChatJID)
		return
	}

	if raw.FromMe && p.wasSentViaAPI(ctx, sessionID, raw.ID) {
		p.log.Debug("suppressing api send echo", "session", sessionID, "messageId", raw.ID)
		return
	}

	draft := p.normalizer.Normalize(ctx, sessionID, raw)
	msg := &draft.Message
	msg.ImportSource = importSource

	lead, err := p.resolveLead(ctx, sessionID, raw)
	if err != nil {
		p.log.Error("lead resolution failed, dropping message",
			"session", sessionID, "messageId", raw.ID, "error", err)
		return
	}
	msg.LeadID = lead.ID

	if p.engine.IsDuplicate(ctx, msg) {
		return
	}

	if err := p.messages.Insert(ctx, msg); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			// The unique constraints caught what the lookups missed.
			p.log.Debug("duplicate caught by storage constraint",
				"session", sessionID, "messageId", raw.ID)
			return
		}
		p.log.Error("message insert failed",
			"session", sessionID, "messageId", raw.ID, "error", err)
		return
	}

	if draft.Payload != nil {
		if err := p.router.Route(ctx, msg.ID, draft.Payload); err != nil {
			p.log.Warn("media routing failed",
				"session", sessionID, "messageId", msg.ID, "error", err)
		}
	}

	if err := p.leads.UpdateLastMessage(ctx, lead.ID, msg.Text, msg.Timestamp); err != nil {
		p.log.Warn("lead preview update failed", "lead", lead.ID, "error", err)
	}

	p.notifier.NotifyAsync(client.EventMessagesUpsert, sessionID, map[string]any{
		"id":        msg.ID,
		"leadId":    msg.LeadID,
		"text":      msg.Text,
		"mediaType": msg.MediaType,
		"mediaUrl":  msg.MediaURL,
		"fromMe":    msg.FromMe,
		"timestamp": msg.Timestamp,
	})

	p.log.Info("message ingested",
		"session", sessionID, "messageId", msg.ID, "lead", lead.ID, "type", msg.MediaType)
}

// wasSentViaAPI fails open: a cache fault must not suppress a real message,
// the dedup gate downstream still covers true duplicates.
func (p *Pipeline) wasSentViaAPI(ctx context.Context, sessionID, externalID string) bool {
	sent, err := p.sent.WasSentViaAPI(ctx, sessionID, externalID)
	if err != nil {
		p.log.Warn("sent cache lookup failed", "session", sessionID, "error", err)
		return false
	}
	return sent
}

func (p *Pipeline) resolveLead(ctx context.Context, sessionID string, raw *normalize.RawMessage) (*model.Lead, error) {
	phone := phoneFromJID(raw.ChatJID)

	name := ""
	if !raw.FromMe {
		name = raw.PushName
	}
	return p.leads.GetOrCreate(ctx, sessionID, phone, name, importSource)
}

// phoneFromJID extracts the bare number from a chat address like
// "5511999990000:12@s.whatsapp.net".
func phoneFromJID(jid string) string {
	phone := jid
	if i := strings.IndexByte(phone, '@'); i >= 0 {
		phone = phone[:i]
	}
	if i := strings.IndexByte(phone, ':'); i >= 0 {
		phone = phone[:i]
	}
	return phone
}
