package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/viniciusgn/whatsgate/internal/client"
	"github.com/viniciusgn/whatsgate/internal/model"
	"github.com/viniciusgn/whatsgate/internal/normalize"
	"github.com/viniciusgn/whatsgate/internal/repo"
)

var (
	ErrNotFound      = errors.New("session not found")
	ErrAlreadyExists = errors.New("session already exists")
	ErrNotConnected  = errors.New("session not connected")
)

// MessageSink receives raw inbound messages from connected sessions.
// Handling is synchronous within one session's event loop, which keeps
// per-session message ordering.
type MessageSink interface {
	HandleMessage(ctx context.Context, sessionID string, raw *normalize.RawMessage)
}

// Manager owns all sessions in the process: a concurrency-safe registry
// keyed by session id, one event-loop goroutine per session, and bounded
// reconnection with a cancellable timer. Sessions never share mutable
// state, so one session failing has no effect on the others.
type Manager struct {
	transport Transport
	sessions  repo.SessionRepository
	notifier  *client.Notifier
	sink      MessageSink

	retryDelay    time.Duration
	maxReconnects int
	log           *slog.Logger

	mu     sync.RWMutex
	active map[string]*Session
}

type Session struct {
	id string

	mu    sync.RWMutex
	state model.Session
	conn  Conn

	cancel context.CancelFunc
	done   chan struct{}
}

func NewManager(transport Transport, sessions repo.SessionRepository, notifier *client.Notifier, sink MessageSink, retryDelay time.Duration, maxReconnects int, log *slog.Logger) *Manager {
	return &Manager{
		transport:     transport,
		sessions:      sessions,
		notifier:      notifier,
		sink:          sink,
		retryDelay:    retryDelay,
		maxReconnects: maxReconnects,
		log:           log,
		active:        make(map[string]*Session),
	}
}

// Create registers a session and starts its connection loop.
func (m *Manager) Create(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, errors.New("session id must not be empty")
	}

	m.mu.Lock()
	if _, exists := m.active[id]; exists {
		m.mu.Unlock()
		return nil, ErrAlreadyExists
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:     id,
		state:  model.Session{ID: id, Status: model.SessionCreated},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.active[id] = s
	m.mu.Unlock()

	if err := m.sessions.Upsert(ctx, &model.Session{ID: id, Status: model.SessionCreated}); err != nil {
		m.log.Warn("session upsert failed", "session", id, "error", err)
	}

	go m.run(runCtx, s)

	m.log.Info("session created", "session", id)
	return s, nil
}

// Restore re-registers sessions persisted by a previous run. Terminal
// sessions are excluded by the repository query; each restored session
// redials with its stored auth state.
func (m *Manager) Restore(ctx context.Context) error {
	persisted, err := m.sessions.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list persisted sessions: %w", err)
	}

	restored := 0
	for _, ps := range persisted {
		if _, err := m.Create(ctx, ps.ID); err != nil {
			if errors.Is(err, ErrAlreadyExists) {
				continue
			}
			m.log.Warn("session restore failed", "session", ps.ID, "error", err)
			continue
		}
		restored++
	}

	if restored > 0 {
		m.log.Info("sessions restored from previous run", "count", restored)
	}
	return nil
}

// Get returns a snapshot of the session's current state.
func (m *Manager) Get(id string) (model.Session, error) {
	m.mu.RLock()
	s, ok := m.active[id]
	m.mu.RUnlock()
	if !ok {
		return model.Session{}, ErrNotFound
	}
	return s.snapshot(), nil
}

// Delete tears a session down: pending retries are cancelled, the
// connection closed, auth state wiped and the id removed from the
// registry.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.active[id]
	if ok {
		delete(m.active, id)
	}
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	s.cancel()

	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}

	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		m.log.Warn("session loop did not stop in time", "session", id)
	}

	if err := m.sessions.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete session state: %w", err)
	}

	m.log.Info("session deleted", "session", id)
	return nil
}

// SendText sends an outbound text through a connected session and returns
// the provider-assigned message id.
func (m *Manager) SendText(ctx context.Context, id, toPhone, text string) (string, error) {
	m.mu.RLock()
	s, ok := m.active[id]
	m.mu.RUnlock()
	if !ok {
		return "", ErrNotFound
	}

	s.mu.RLock()
	conn := s.conn
	status := s.state.Status
	s.mu.RUnlock()

	if conn == nil || status != model.SessionConnected {
		return "", ErrNotConnected
	}
	return conn.SendText(ctx, toPhone, text)
}

// Stats counts sessions per status across the registry.
func (m *Manager) Stats() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := map[string]int{"total": len(m.active)}
	for _, s := range m.active {
		stats[string(s.snapshot().Status)]++
	}
	return stats
}

// run is the per-session connection loop. It redials after non-logout
// disconnects with a fixed delay, up to the reconnect budget, and exits
// on logout, exhaustion or teardown.
func (m *Manager) run(ctx context.Context, s *Session) {
	defer close(s.done)

	for {
		m.setStatus(s, model.SessionConnecting, "")

		conn, err := m.transport.Dial(ctx, s.id)
		var loggedOut bool
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.log.Warn("session dial failed", "session", s.id, "error", err)
			s.mu.Lock()
			s.state.LastError = err.Error()
			s.mu.Unlock()
		} else {
			s.mu.Lock()
			s.conn = conn
			s.mu.Unlock()

			loggedOut = m.consume(ctx, s, conn)

			s.mu.Lock()
			s.conn = nil
			s.mu.Unlock()
			_ = conn.Close()
		}

		if ctx.Err() != nil {
			return
		}

		if loggedOut {
			m.setStatus(s, model.SessionLoggedOut, "")
			m.log.Info("session logged out, not retrying", "session", s.id)
			return
		}

		s.mu.Lock()
		s.state.RetryCount++
		retries := s.state.RetryCount
		s.mu.Unlock()

		if retries >= m.maxReconnects {
			m.setStatus(s, model.SessionFailed, "reconnect budget exhausted")
			m.log.Error("session failed after max reconnect attempts",
				"session", s.id, "attempts", retries)
			return
		}

		m.setStatus(s, model.SessionReconnecting, "")
		m.log.Info("session reconnecting",
			"session", s.id, "attempt", retries, "delay", m.retryDelay)

		timer := time.NewTimer(m.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// consume drains one connection's event stream until it closes. Returns
// whether the connection ended in an explicit logout.
func (m *Manager) consume(ctx context.Context, s *Session, conn Conn) bool {
	loggedOut := false

	for ev := range conn.Events() {
		s.mu.Lock()
		s.state.LastEventAt = time.Now().UTC()
		s.mu.Unlock()

		switch ev := ev.(type) {
		case QREvent:
			m.handleQR(ctx, s, ev.Code)

		case PairSuccessEvent:
			m.setStatus(s, model.SessionAuthenticated, "")

		case ConnectedEvent:
			s.mu.Lock()
			s.state.PhoneNumber = ev.PhoneNumber
			s.state.DisplayName = ev.DisplayName
			s.state.QRCode = ""
			s.state.RetryCount = 0
			s.state.LastError = ""
			s.mu.Unlock()

			m.setStatus(s, model.SessionConnected, "")
			m.log.Info("session connected", "session", s.id, "phone", ev.PhoneNumber)

		case AuthStateEvent:
			if err := m.sessions.SaveAuthState(ctx, s.id, ev.State); err != nil {
				m.log.Warn("auth state persistence failed", "session", s.id, "error", err)
			}

		case MessageEvent:
			if m.sink != nil && ev.Raw != nil {
				m.sink.HandleMessage(ctx, s.id, ev.Raw)
			}

		case DisconnectedEvent:
			errText := ""
			if ev.Err != nil {
				errText = ev.Err.Error()
			}
			s.mu.Lock()
			s.state.QRCode = ""
			s.state.LastError = errText
			s.mu.Unlock()

			m.setStatus(s, model.SessionDisconnected, errText)
			loggedOut = ev.LoggedOut
		}
	}

	return loggedOut
}

func (m *Manager) handleQR(ctx context.Context, s *Session, code string) {
	rendered, err := renderQR(code)
	if err != nil {
		m.log.Warn("qr render failed", "session", s.id, "error", err)
		return
	}

	s.mu.Lock()
	s.state.QRCode = rendered
	s.state.Status = model.SessionWaitingQR
	s.mu.Unlock()

	if err := m.sessions.UpdateQRCode(ctx, s.id, rendered); err != nil {
		m.log.Warn("qr persistence failed", "session", s.id, "error", err)
	}

	m.notifier.NotifyAsync(client.EventQRUpdate, s.id, map[string]any{
		"qrCode": rendered,
	})
	m.log.Info("qr code issued", "session", s.id)
}

// setStatus records a state transition: in-memory state, the session row
// and a fire-and-forget notification. Every transition goes through here
// so the CRM sees the full lifecycle, terminal states included.
func (m *Manager) setStatus(s *Session, status model.SessionStatus, lastError string) {
	s.mu.Lock()
	s.state.Status = status
	if lastError != "" {
		s.state.LastError = lastError
	}
	phone := s.state.PhoneNumber
	name := s.state.DisplayName
	errText := s.state.LastError
	s.mu.Unlock()

	m.notifier.NotifyAsync(client.EventConnectionUpdate, s.id, map[string]any{
		"status":      status,
		"phone":       phone,
		"profileName": name,
		"error":       errText,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.sessions.UpdateStatus(ctx, s.id, status, lastError); err != nil {
		m.log.Warn("status persistence failed", "session", s.id, "status", status, "error", err)
	}
}

func (s *Session) snapshot() model.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// renderQR turns the raw pairing code into a PNG data URL the CRM can
// display directly.
func renderQR(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
