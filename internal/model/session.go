package model

import "time"

// SessionStatus tracks the lifecycle of one WhatsApp connection.
type SessionStatus string

const (
	SessionCreated       SessionStatus = "created"
	SessionConnecting    SessionStatus = "connecting"
	SessionWaitingQR     SessionStatus = "waiting_qr"
	SessionAuthenticated SessionStatus = "authenticated"
	SessionConnected     SessionStatus = "connected"
	SessionDisconnected  SessionStatus = "disconnected"
	SessionReconnecting  SessionStatus = "reconnecting"
	SessionLoggedOut     SessionStatus = "logged_out"
	SessionFailed        SessionStatus = "failed"
)

// Terminal reports whether the session will never attempt another connection.
func (s SessionStatus) Terminal() bool {
	return s == SessionLoggedOut || s == SessionFailed
}

type Session struct {
	ID          string
	Status      SessionStatus
	PhoneNumber string
	DisplayName string
	QRCode      string // data:image/png;base64 payload, empty unless waiting_qr
	RetryCount  int
	LastError   string
	LastEventAt time.Time
}
