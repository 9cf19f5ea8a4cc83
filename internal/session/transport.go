package session

import (
	"context"

	"github.com/viniciusgn/whatsgate/internal/normalize"
)

// Event is one occurrence on a session's transport connection. Events for
// a single session are delivered in the order the transport produced them.
type Event interface {
	isEvent()
}

// QREvent carries a fresh pairing code. Each emission supersedes the
// previous one; no history is kept.
type QREvent struct {
	Code string
}

// PairSuccessEvent fires when the QR code was scanned and credentials
// were accepted, before the connection is fully open.
type PairSuccessEvent struct{}

// ConnectedEvent fires when the connection is open and usable.
type ConnectedEvent struct {
	PhoneNumber string
	DisplayName string
}

// DisconnectedEvent fires when the transport drops. LoggedOut marks an
// explicit logout, which is terminal and never retried.
type DisconnectedEvent struct {
	LoggedOut bool
	Err       error
}

// AuthStateEvent carries an opaque credential snapshot to persist.
type AuthStateEvent struct {
	State []byte
}

// MessageEvent carries one raw provider message.
type MessageEvent struct {
	Raw *normalize.RawMessage
}

func (QREvent) isEvent()           {}
func (PairSuccessEvent) isEvent()  {}
func (ConnectedEvent) isEvent()    {}
func (DisconnectedEvent) isEvent() {}
func (AuthStateEvent) isEvent()    {}
func (MessageEvent) isEvent()      {}

// Conn is one live connection for a session.
type Conn interface {
	// Events returns the connection's event stream. The channel is closed
	// after a DisconnectedEvent; a new Dial produces a new Conn.
	Events() <-chan Event
	// SendText delivers an outbound text and returns the provider message id.
	SendText(ctx context.Context, toPhone, text string) (string, error)
	// Logout terminates the account pairing on the provider side.
	Logout(ctx context.Context) error
	Close() error
}

// Transport dials provider connections. Implementations must support many
// concurrent sessions, each with independent credentials.
type Transport interface {
	Dial(ctx context.Context, sessionID string) (Conn, error)
}
