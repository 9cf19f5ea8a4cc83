package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/viniciusgn/whatsgate/internal/batch"
	"github.com/viniciusgn/whatsgate/internal/cache"
	"github.com/viniciusgn/whatsgate/internal/client"
	"github.com/viniciusgn/whatsgate/internal/normalize"
	"github.com/viniciusgn/whatsgate/internal/repo"
	"github.com/viniciusgn/whatsgate/internal/session"
)

type Handler struct {
	manager *session.Manager
	sink    session.MessageSink
	mutator *batch.Mutator
	leads   repo.LeadRepository
	sent    cache.SentCache
	secret  string
	log     *slog.Logger
}

func NewHandler(manager *session.Manager, sink session.MessageSink, mutator *batch.Mutator, leads repo.LeadRepository, sent cache.SentCache, webhookSecret string, log *slog.Logger) *Handler {
	return &Handler{
		manager: manager,
		sink:    sink,
		mutator: mutator,
		leads:   leads,
		sent:    sent,
		secret:  webhookSecret,
		log:     log,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// webhookEnvelope is the inbound gateway event shape.
type webhookEnvelope struct {
	Event      string          `json:"event"`
	InstanceID string          `json:"instanceId"`
	Data       json.RawMessage `json:"data"`
}

// webhookMessage is the "message" event payload.
type webhookMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	PushName  string `json:"pushName"`
	FromMe    bool   `json:"fromMe"`
	Timestamp int64  `json:"timestamp"`

	Text      string `json:"text"`
	MediaType string `json:"mediaType"`
	MediaURL  string `json:"mediaUrl"`
	MimeType  string `json:"mimeType"`
	Caption   string `json:"caption"`
	FileName  string `json:"fileName"`
}

// Webhook receives events from an upstream gateway. A bad signature is
// logged but does not reject the request; rejecting would silently drop
// messages whenever the two sides disagree on the secret.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "unreadable body"})
		return
	}

	if h.secret != "" {
		sig := r.Header.Get("X-Webhook-Signature")
		if !client.VerifySignature(body, sig, h.secret) {
			h.log.Warn("webhook signature mismatch", "remote", r.RemoteAddr)
		}
	}

	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Event == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "invalid payload"})
		return
	}

	switch env.Event {
	case "message":
		var wm webhookMessage
		if err := json.Unmarshal(env.Data, &wm); err != nil || wm.ID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "invalid message data"})
			return
		}
		h.sink.HandleMessage(r.Context(), env.InstanceID, toRawMessage(&wm))

	case "qr", "connection":
		// Status echoes from the gateway side carry no state we do not
		// already track through the session manager.
		h.log.Debug("gateway status event", "event", env.Event, "instance", env.InstanceID)

	default:
		h.log.Warn("unknown webhook event", "event", env.Event, "instance", env.InstanceID)
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func toRawMessage(wm *webhookMessage) *normalize.RawMessage {
	ts := time.Now().UTC()
	if wm.Timestamp > 0 {
		ts = time.Unix(wm.Timestamp, 0).UTC()
	}

	raw := &normalize.RawMessage{
		ID:        wm.ID,
		ChatJID:   wm.From,
		SenderJID: wm.From,
		PushName:  wm.PushName,
		FromMe:    wm.FromMe,
		Timestamp: ts,
	}

	media := &normalize.RawMedia{
		URL:      wm.MediaURL,
		MimeType: wm.MimeType,
		Caption:  wm.Caption,
		FileName: wm.FileName,
	}
	switch wm.MediaType {
	case "", "text":
		raw.Conversation = wm.Text
	case "image":
		raw.Image = media
	case "video":
		raw.Video = media
	case "audio":
		raw.Audio = media
	case "document":
		raw.Document = media
	case "sticker":
		raw.Sticker = media
	case "location":
		raw.HasLocation = true
	case "contact":
		raw.HasContact = true
	}
	return raw
}

type createSessionRequest struct {
	InstanceID string `json:"instanceId"`
}

func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.InstanceID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "instanceId is required"})
		return
	}

	if _, err := h.manager.Create(r.Context(), req.InstanceID); err != nil {
		if errors.Is(err, session.ErrAlreadyExists) {
			writeJSON(w, http.StatusConflict, map[string]any{"success": false, "message": "session already exists"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "message": err.Error()})
		return
	}

	snap, _ := h.manager.Get(req.InstanceID)
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "session": snap})
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	snap, err := h.manager.Get(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "message": "session not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "session": snap})
}

func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	err := h.manager.Delete(r.Context(), r.PathValue("id"))
	if errors.Is(err, session.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "message": "session not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *Handler) SessionStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "stats": h.manager.Stats()})
}

type sendMessageRequest struct {
	InstanceID string `json:"instanceId"`
	Phone      string `json:"phone"`
	Text       string `json:"text"`
}

// SendMessage sends an outbound text and registers the provider-assigned
// id in the sent cache, so the echo the provider reflects back is not
// ingested as a new message.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.InstanceID == "" || req.Phone == "" || req.Text == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "instanceId, phone and text are required"})
		return
	}

	externalID, err := h.manager.SendText(r.Context(), req.InstanceID, req.Phone, req.Text)
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "message": "session not found"})
		return
	case errors.Is(err, session.ErrNotConnected):
		writeJSON(w, http.StatusConflict, map[string]any{"success": false, "message": "session not connected"})
		return
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "message": err.Error()})
		return
	}

	if err := h.sent.MarkSent(r.Context(), req.InstanceID, externalID, req.Phone); err != nil {
		h.log.Warn("sent cache write failed", "instance", req.InstanceID, "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "messageId": externalID})
}

type batchMoveRequest struct {
	IDs      []string `json:"ids"`
	StageID  string   `json:"stageId"`
	FunnelID string   `json:"funnelId"`
}

func (h *Handler) BatchMoveLeads(w http.ResponseWriter, r *http.Request) {
	var req batchMoveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "invalid payload"})
		return
	}
	if req.StageID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "stageId is required"})
		return
	}

	result := h.mutator.Mutate(r.Context(), req.IDs, func(ctx context.Context, ids []string) error {
		return h.leads.MoveToStage(ctx, ids, req.StageID, req.FunnelID)
	}, batch.Options{})

	writeJSON(w, statusForResult(result), result)
}

type batchDeleteRequest struct {
	IDs []string `json:"ids"`
}

func (h *Handler) BatchDeleteLeads(w http.ResponseWriter, r *http.Request) {
	var req batchDeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "invalid payload"})
		return
	}

	result := h.mutator.Mutate(r.Context(), req.IDs, h.leads.Delete, batch.Options{})
	writeJSON(w, statusForResult(result), result)
}

func statusForResult(result batch.Result) int {
	if result.Success {
		return http.StatusOK
	}
	return http.StatusUnprocessableEntity
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
