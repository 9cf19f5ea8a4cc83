package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // postgres driver for the whatsmeow sqlstore
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/viniciusgn/whatsgate/internal/normalize"
)

// AuthStore loads the opaque per-session credential reference (the paired
// device JID) so a restart can resume an existing pairing.
type AuthStore interface {
	LoadAuthState(ctx context.Context, id string) ([]byte, error)
}

// WhatsmeowTransport dials real WhatsApp connections backed by a shared
// whatsmeow sqlstore container. Each Dial produces an independent client.
type WhatsmeowTransport struct {
	container *sqlstore.Container
	auth      AuthStore
	log       *slog.Logger
}

func NewWhatsmeowTransport(ctx context.Context, postgresURL string, auth AuthStore, log *slog.Logger) (*WhatsmeowTransport, error) {
	container, err := sqlstore.New(ctx, "pgx", postgresURL, waLog.Stdout("Database", "WARN", true))
	if err != nil {
		return nil, fmt.Errorf("whatsmeow store: %w", err)
	}

	store.DeviceProps.Os = proto.String("WhatsGate")
	store.DeviceProps.RequireFullSync = proto.Bool(false)

	return &WhatsmeowTransport{container: container, auth: auth, log: log}, nil
}

func (t *WhatsmeowTransport) Dial(ctx context.Context, sessionID string) (Conn, error) {
	device := t.deviceFor(ctx, sessionID)

	cli := whatsmeow.NewClient(device, waLog.Stdout("Client", "INFO", true))
	cli.EnableAutoReconnect = false
	cli.AutoTrustIdentity = true

	conn := &waConn{
		client: cli,
		events: make(chan Event, 64),
		log:    t.log.With("session", sessionID),
	}
	cli.AddEventHandler(conn.handleEvent)

	if cli.Store.ID == nil {
		// Unpaired device: QR flow before the socket opens.
		qrChan, err := cli.GetQRChannel(ctx)
		if err != nil {
			return nil, fmt.Errorf("qr channel: %w", err)
		}
		if err := cli.Connect(); err != nil {
			return nil, fmt.Errorf("connect: %w", err)
		}
		go conn.pumpQR(qrChan)
	} else {
		if err := cli.Connect(); err != nil {
			return nil, fmt.Errorf("connect: %w", err)
		}
	}

	return conn, nil
}

// deviceFor resumes the stored pairing for the session when one exists,
// otherwise registers a fresh device.
func (t *WhatsmeowTransport) deviceFor(ctx context.Context, sessionID string) *store.Device {
	state, err := t.auth.LoadAuthState(ctx, sessionID)
	if err != nil {
		t.log.Warn("auth state load failed", "session", sessionID, "error", err)
	}

	if len(state) > 0 {
		if jid, err := types.ParseJID(string(state)); err == nil {
			if device, err := t.container.GetDevice(ctx, jid); err == nil && device != nil {
				return device
			}
		}
	}
	return t.container.NewDevice()
}

type waConn struct {
	client *whatsmeow.Client
	events chan Event
	log    *slog.Logger

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

func (c *waConn) Events() <-chan Event {
	return c.events
}

func (c *waConn) SendText(ctx context.Context, toPhone, text string) (string, error) {
	jid := types.NewJID(toPhone, types.DefaultUserServer)
	resp, err := c.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *waConn) Logout(ctx context.Context) error {
	return c.client.Logout(ctx)
}

func (c *waConn) Close() error {
	c.client.Disconnect()
	c.finish()
	return nil
}

// emit delivers one event, blocking when the buffer is full. Dropping is
// not an option: losing a logged-out disconnect would make the manager
// retry a dead pairing. The consumer drains until the channel closes, and
// finish cannot close it while a send holds the lock, so blocking here is
// safe.
func (c *waConn) emit(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- ev
}

func (c *waConn) finish() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.events)
	})
}

func (c *waConn) pumpQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case "code":
			c.emit(QREvent{Code: item.Code})
		case "timeout":
			c.emit(DisconnectedEvent{Err: errors.New("qr code timed out")})
			c.finish()
			return
		}
	}
}

func (c *waConn) handleEvent(rawEvt interface{}) {
	switch evt := rawEvt.(type) {
	case *events.PairSuccess:
		c.emit(PairSuccessEvent{})
		c.emit(AuthStateEvent{State: []byte(evt.ID.ToNonAD().String())})

	case *events.Connected:
		phone, name := c.identity()
		c.emit(ConnectedEvent{PhoneNumber: phone, DisplayName: name})
		if c.client.Store.ID != nil {
			c.emit(AuthStateEvent{State: []byte(c.client.Store.ID.ToNonAD().String())})
		}

	case *events.LoggedOut:
		c.emit(DisconnectedEvent{LoggedOut: true, Err: fmt.Errorf("logged out: %s", evt.Reason)})
		c.finish()

	case *events.Disconnected:
		c.emit(DisconnectedEvent{})
		c.finish()

	case *events.StreamError:
		c.emit(DisconnectedEvent{Err: fmt.Errorf("stream error: %s", evt.Code)})
		c.finish()

	case *events.Message:
		c.emit(MessageEvent{Raw: c.toRaw(evt)})
	}
}

func (c *waConn) identity() (string, string) {
	id := c.client.Store.ID
	if id == nil {
		return "", ""
	}
	phone := strings.Split(id.User, ":")[0]
	return phone, c.client.Store.PushName
}

// toRaw converts a whatsmeow message event into the provider-neutral shape
// the normalizer understands. Media download closures go through the live
// client so the normalizer can fetch bytes when no direct URL exists.
func (c *waConn) toRaw(evt *events.Message) *normalize.RawMessage {
	raw := &normalize.RawMessage{
		ID:        evt.Info.ID,
		ChatJID:   evt.Info.Chat.ToNonAD().String(),
		SenderJID: evt.Info.Sender.ToNonAD().String(),
		PushName:  evt.Info.PushName,
		FromMe:    evt.Info.IsFromMe,
		Timestamp: evt.Info.Timestamp,
	}
	if raw.Timestamp.IsZero() {
		raw.Timestamp = time.Now().UTC()
	}

	msg := evt.Message
	if msg == nil {
		return raw
	}

	switch {
	case msg.GetConversation() != "":
		raw.Conversation = msg.GetConversation()
	case msg.GetExtendedTextMessage().GetText() != "":
		raw.ExtendedText = msg.GetExtendedTextMessage().GetText()
	case msg.GetImageMessage() != nil:
		raw.Image = c.toRawMedia(msg.GetImageMessage(), msg.GetImageMessage().GetCaption(), "")
	case msg.GetVideoMessage() != nil:
		raw.Video = c.toRawMedia(msg.GetVideoMessage(), msg.GetVideoMessage().GetCaption(), "")
	case msg.GetAudioMessage() != nil:
		raw.Audio = c.toRawMedia(msg.GetAudioMessage(), "", "")
	case msg.GetDocumentMessage() != nil:
		doc := msg.GetDocumentMessage()
		raw.Document = c.toRawMedia(doc, doc.GetCaption(), doc.GetFileName())
	case msg.GetStickerMessage() != nil:
		raw.Sticker = c.toRawMedia(msg.GetStickerMessage(), "", "")
	case msg.GetLocationMessage() != nil:
		raw.HasLocation = true
	case msg.GetContactMessage() != nil:
		raw.HasContact = true
	}

	return raw
}

type downloadableMedia interface {
	whatsmeow.DownloadableMessage
	GetMimetype() string
	GetURL() string
	GetDirectPath() string
	GetFileLength() uint64
}

func (c *waConn) toRawMedia(m downloadableMedia, caption, fileName string) *normalize.RawMedia {
	return &normalize.RawMedia{
		URL:        m.GetURL(),
		DirectPath: m.GetDirectPath(),
		MimeType:   m.GetMimetype(),
		Caption:    caption,
		FileName:   fileName,
		FileLength: m.GetFileLength(),
		Download: func(ctx context.Context) ([]byte, error) {
			return c.client.Download(ctx, m)
		},
	}
}
