package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/viniciusgn/whatsgate/internal/client"
	"github.com/viniciusgn/whatsgate/internal/model"
	"github.com/viniciusgn/whatsgate/internal/normalize"
)

type fakeConn struct {
	events chan Event

	mu       sync.Mutex
	closed   bool
	sentTo   []string
	sentText []string

	once sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan Event, 16)}
}

func (c *fakeConn) push(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- ev
}

func (c *fakeConn) finish() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.events)
	})
}

func (c *fakeConn) Events() <-chan Event { return c.events }

func (c *fakeConn) SendText(_ context.Context, toPhone, text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sentTo = append(c.sentTo, toPhone)
	c.sentText = append(c.sentText, text)
	return "wamid-test-1", nil
}

func (c *fakeConn) Logout(context.Context) error { return nil }

func (c *fakeConn) Close() error {
	c.finish()
	return nil
}

type fakeTransport struct {
	mu     sync.Mutex
	dials  int
	last   *fakeConn
	script func(attempt int, conn *fakeConn)
}

func (t *fakeTransport) Dial(_ context.Context, _ string) (Conn, error) {
	t.mu.Lock()
	t.dials++
	attempt := t.dials
	conn := newFakeConn()
	t.last = conn
	script := t.script
	t.mu.Unlock()

	if script != nil {
		go script(attempt, conn)
	}
	return conn, nil
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *fakeTransport) lastConn() *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

type fakeSessionRepo struct {
	mu       sync.Mutex
	statuses []model.SessionStatus
	qrs      []string
	auth     map[string][]byte
	deleted  []string
	active   []model.Session
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{auth: make(map[string][]byte)}
}

func (r *fakeSessionRepo) Upsert(context.Context, *model.Session) error { return nil }

func (r *fakeSessionRepo) ListActive(context.Context) ([]model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Session(nil), r.active...), nil
}

func (r *fakeSessionRepo) UpdateStatus(_ context.Context, _ string, status model.SessionStatus, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
	return nil
}

func (r *fakeSessionRepo) UpdateQRCode(_ context.Context, _ string, qr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.qrs = append(r.qrs, qr)
	return nil
}

func (r *fakeSessionRepo) SaveAuthState(_ context.Context, id string, state []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.auth[id] = state
	return nil
}

func (r *fakeSessionRepo) LoadAuthState(_ context.Context, id string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.auth[id], nil
}

func (r *fakeSessionRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, id)
	return nil
}

func (r *fakeSessionRepo) qrUpdates() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.qrs...)
}

func (r *fakeSessionRepo) lastStatus() model.SessionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.statuses) == 0 {
		return ""
	}
	return r.statuses[len(r.statuses)-1]
}

type fakeSink struct {
	mu   sync.Mutex
	raws []*normalize.RawMessage
}

func (s *fakeSink) HandleMessage(_ context.Context, _ string, raw *normalize.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raws = append(s.raws, raw)
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.raws)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(tr Transport, sessions *fakeSessionRepo, sink MessageSink, retryDelay time.Duration, maxReconnects int) *Manager {
	return newTestManagerWithWebhook(tr, sessions, sink, retryDelay, maxReconnects, "")
}

func newTestManagerWithWebhook(tr Transport, sessions *fakeSessionRepo, sink MessageSink, retryDelay time.Duration, maxReconnects int, webhookURL string) *Manager {
	notifier := client.NewNotifier(webhookURL, "", discardLogger())
	return NewManager(tr, sessions, notifier, sink, retryDelay, maxReconnects, discardLogger())
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestManager_FailsAfterReconnectBudget(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{script: func(_ int, conn *fakeConn) {
		conn.push(DisconnectedEvent{Err: errors.New("socket dropped")})
		conn.finish()
	}}
	sessions := newFakeSessionRepo()
	m := newTestManager(tr, sessions, nil, time.Millisecond, 5)

	s, err := m.Create(context.Background(), "sess-budget")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	select {
	case <-s.done:
	case <-time.After(2 * time.Second):
		t.Fatal("session loop did not terminate")
	}

	if got := tr.dialCount(); got != 5 {
		t.Fatalf("expected exactly 5 dial attempts, got %d", got)
	}

	snap, err := m.Get("sess-budget")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if snap.Status != model.SessionFailed {
		t.Fatalf("expected status %s, got %s", model.SessionFailed, snap.Status)
	}
	if !snap.Status.Terminal() {
		t.Fatal("failed status should be terminal")
	}

	// No further dials after the budget is spent.
	time.Sleep(20 * time.Millisecond)
	if got := tr.dialCount(); got != 5 {
		t.Fatalf("dialed again after terminal failure: %d attempts", got)
	}
}

func TestManager_QRReissueOverwrites(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{script: func(attempt int, conn *fakeConn) {
		if attempt == 1 {
			conn.push(QREvent{Code: "pairing-code-1"})
			conn.push(QREvent{Code: "pairing-code-2"})
		}
	}}
	sessions := newFakeSessionRepo()
	m := newTestManager(tr, sessions, nil, time.Millisecond, 5)

	if _, err := m.Create(context.Background(), "sess-qr"); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	want, err := renderQR("pairing-code-2")
	if err != nil {
		t.Fatalf("renderQR() error: %v", err)
	}

	waitFor(t, "second qr code", func() bool {
		snap, err := m.Get("sess-qr")
		return err == nil && snap.QRCode == want
	})

	snap, _ := m.Get("sess-qr")
	if snap.Status != model.SessionWaitingQR {
		t.Fatalf("expected status %s, got %s", model.SessionWaitingQR, snap.Status)
	}
	if got := sessions.qrUpdates(); len(got) != 2 {
		t.Fatalf("expected 2 persisted qr updates, got %d", len(got))
	}

	if err := m.Delete(context.Background(), "sess-qr"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
}

func TestManager_ConnectedClearsQRAndResetsRetries(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{script: func(attempt int, conn *fakeConn) {
		if attempt == 1 {
			conn.push(QREvent{Code: "pairing-code-1"})
			conn.push(DisconnectedEvent{Err: errors.New("flaky link")})
			conn.finish()
			return
		}
		conn.push(AuthStateEvent{State: []byte("5511999990000@s.whatsapp.net")})
		conn.push(ConnectedEvent{PhoneNumber: "5511999990000", DisplayName: "Atendimento"})
	}}
	sessions := newFakeSessionRepo()
	m := newTestManager(tr, sessions, nil, time.Millisecond, 5)

	if _, err := m.Create(context.Background(), "sess-connect"); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	waitFor(t, "connected status", func() bool {
		snap, err := m.Get("sess-connect")
		return err == nil && snap.Status == model.SessionConnected
	})

	snap, _ := m.Get("sess-connect")
	if snap.QRCode != "" {
		t.Fatalf("expected qr cleared after connect, got %q", snap.QRCode)
	}
	if snap.RetryCount != 0 {
		t.Fatalf("expected retry count reset, got %d", snap.RetryCount)
	}
	if snap.PhoneNumber != "5511999990000" || snap.DisplayName != "Atendimento" {
		t.Fatalf("unexpected identity: %+v", snap)
	}

	waitFor(t, "auth state persisted", func() bool {
		state, _ := sessions.LoadAuthState(context.Background(), "sess-connect")
		return len(state) > 0
	})

	id, err := m.SendText(context.Background(), "sess-connect", "5511888880000", "ola")
	if err != nil {
		t.Fatalf("SendText() error: %v", err)
	}
	if id != "wamid-test-1" {
		t.Fatalf("unexpected message id %q", id)
	}
	conn := tr.lastConn()
	conn.mu.Lock()
	sent := len(conn.sentTo)
	conn.mu.Unlock()
	if sent != 1 {
		t.Fatalf("expected 1 outbound send, got %d", sent)
	}

	if err := m.Delete(context.Background(), "sess-connect"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
}

func TestManager_LogoutIsTerminal(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{script: func(_ int, conn *fakeConn) {
		conn.push(DisconnectedEvent{LoggedOut: true, Err: errors.New("logged out: device removed")})
		conn.finish()
	}}
	sessions := newFakeSessionRepo()
	m := newTestManager(tr, sessions, nil, time.Millisecond, 5)

	s, err := m.Create(context.Background(), "sess-logout")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	select {
	case <-s.done:
	case <-time.After(2 * time.Second):
		t.Fatal("session loop did not terminate")
	}

	snap, _ := m.Get("sess-logout")
	if snap.Status != model.SessionLoggedOut {
		t.Fatalf("expected status %s, got %s", model.SessionLoggedOut, snap.Status)
	}

	time.Sleep(20 * time.Millisecond)
	if got := tr.dialCount(); got != 1 {
		t.Fatalf("logout must not be retried, got %d dials", got)
	}
}

func TestManager_DeleteCancelsPendingRetry(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{script: func(_ int, conn *fakeConn) {
		conn.push(DisconnectedEvent{Err: errors.New("socket dropped")})
		conn.finish()
	}}
	sessions := newFakeSessionRepo()
	m := newTestManager(tr, sessions, nil, time.Hour, 5)

	if _, err := m.Create(context.Background(), "sess-retry"); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	waitFor(t, "reconnecting status", func() bool {
		return sessions.lastStatus() == model.SessionReconnecting
	})

	start := time.Now()
	if err := m.Delete(context.Background(), "sess-retry"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("delete blocked on retry timer for %s", elapsed)
	}

	if _, err := m.Get("sess-retry"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if got := tr.dialCount(); got != 1 {
		t.Fatalf("retry fired after delete, got %d dials", got)
	}
}

func TestManager_SendTextRequiresConnectedSession(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{} // conn stays open, never reports connected
	sessions := newFakeSessionRepo()
	m := newTestManager(tr, sessions, nil, time.Millisecond, 5)

	if _, err := m.Create(context.Background(), "sess-idle"); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	waitFor(t, "dial", func() bool { return tr.dialCount() == 1 })

	if _, err := m.SendText(context.Background(), "sess-idle", "551199", "oi"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if _, err := m.SendText(context.Background(), "missing", "551199", "oi"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := m.Delete(context.Background(), "sess-idle"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
}

func TestManager_DuplicateCreateRejected(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{}
	m := newTestManager(tr, newFakeSessionRepo(), nil, time.Millisecond, 5)

	if _, err := m.Create(context.Background(), "sess-dup"); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if _, err := m.Create(context.Background(), "sess-dup"); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	if err := m.Delete(context.Background(), "sess-dup"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
}

func TestManager_ForwardsMessagesToSink(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{script: func(_ int, conn *fakeConn) {
		conn.push(ConnectedEvent{PhoneNumber: "5511999990000"})
		conn.push(MessageEvent{Raw: &normalize.RawMessage{
			ID:           "3EB0ABCDEF",
			ChatJID:      "5511888880000@s.whatsapp.net",
			Conversation: "bom dia",
			Timestamp:    time.Now().UTC(),
		}})
	}}
	sink := &fakeSink{}
	m := newTestManager(tr, newFakeSessionRepo(), sink, time.Millisecond, 5)

	if _, err := m.Create(context.Background(), "sess-msg"); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	waitFor(t, "message delivered to sink", func() bool { return sink.count() == 1 })

	sink.mu.Lock()
	raw := sink.raws[0]
	sink.mu.Unlock()
	if raw.ID != "3EB0ABCDEF" || raw.Conversation != "bom dia" {
		t.Fatalf("unexpected raw message: %+v", raw)
	}

	if err := m.Delete(context.Background(), "sess-msg"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
}

// statusCollector records the status field of every connection.update the
// manager fires at the webhook sink.
type statusCollector struct {
	mu       sync.Mutex
	statuses []string
}

func (c *statusCollector) server(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Event string `json:"event"`
			Data  struct {
				Status string `json:"status"`
			} `json:"data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode webhook payload: %v", err)
		}
		if payload.Event == client.EventConnectionUpdate {
			c.mu.Lock()
			c.statuses = append(c.statuses, payload.Data.Status)
			c.mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (c *statusCollector) has(status model.SessionStatus) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.statuses {
		if s == string(status) {
			return true
		}
	}
	return false
}

func TestManager_NotifiesEveryTransition(t *testing.T) {
	t.Parallel()

	collector := &statusCollector{}
	srv := collector.server(t)

	tr := &fakeTransport{script: func(_ int, conn *fakeConn) {
		conn.push(DisconnectedEvent{Err: errors.New("socket dropped")})
		conn.finish()
	}}
	m := newTestManagerWithWebhook(tr, newFakeSessionRepo(), nil, time.Millisecond, 2, srv.URL)

	s, err := m.Create(context.Background(), "sess-notify")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	select {
	case <-s.done:
	case <-time.After(2 * time.Second):
		t.Fatal("session loop did not terminate")
	}

	for _, want := range []model.SessionStatus{
		model.SessionConnecting,
		model.SessionDisconnected,
		model.SessionReconnecting,
		model.SessionFailed,
	} {
		want := want
		waitFor(t, "notification for "+string(want), func() bool {
			return collector.has(want)
		})
	}
}

func TestManager_NotifiesLoggedOut(t *testing.T) {
	t.Parallel()

	collector := &statusCollector{}
	srv := collector.server(t)

	tr := &fakeTransport{script: func(_ int, conn *fakeConn) {
		conn.push(DisconnectedEvent{LoggedOut: true, Err: errors.New("logged out: device removed")})
		conn.finish()
	}}
	m := newTestManagerWithWebhook(tr, newFakeSessionRepo(), nil, time.Millisecond, 5, srv.URL)

	s, err := m.Create(context.Background(), "sess-notify-logout")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	select {
	case <-s.done:
	case <-time.After(2 * time.Second):
		t.Fatal("session loop did not terminate")
	}

	waitFor(t, "logged_out notification", func() bool {
		return collector.has(model.SessionLoggedOut)
	})
}

func TestManager_RestoreReconnectsPersistedSessions(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{}
	sessions := newFakeSessionRepo()
	sessions.active = []model.Session{
		{ID: "sess-old-1", Status: model.SessionDisconnected},
		{ID: "sess-old-2", Status: model.SessionConnected},
	}
	m := newTestManager(tr, sessions, nil, time.Millisecond, 5)

	if err := m.Restore(context.Background()); err != nil {
		t.Fatalf("Restore() error: %v", err)
	}

	waitFor(t, "both sessions redialed", func() bool { return tr.dialCount() == 2 })

	for _, id := range []string{"sess-old-1", "sess-old-2"} {
		if _, err := m.Get(id); err != nil {
			t.Fatalf("expected %s registered after restore, got %v", id, err)
		}
	}

	// Restore is idempotent against an already populated registry.
	if err := m.Restore(context.Background()); err != nil {
		t.Fatalf("second Restore() error: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if got := tr.dialCount(); got != 2 {
		t.Fatalf("expected no extra dials on repeated restore, got %d", got)
	}

	_ = m.Delete(context.Background(), "sess-old-1")
	_ = m.Delete(context.Background(), "sess-old-2")
}

func TestManager_StatsCountsByStatus(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{script: func(_ int, conn *fakeConn) {
		conn.push(ConnectedEvent{PhoneNumber: "5511999990000"})
	}}
	m := newTestManager(tr, newFakeSessionRepo(), nil, time.Millisecond, 5)

	if _, err := m.Create(context.Background(), "sess-a"); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if _, err := m.Create(context.Background(), "sess-b"); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	waitFor(t, "both sessions connected", func() bool {
		stats := m.Stats()
		return stats[string(model.SessionConnected)] == 2
	})

	stats := m.Stats()
	if stats["total"] != 2 {
		t.Fatalf("expected total 2, got %d", stats["total"])
	}

	_ = m.Delete(context.Background(), "sess-a")
	_ = m.Delete(context.Background(), "sess-b")
}
