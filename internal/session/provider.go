package session

import (
	"context"
	"time"
)

type SendReceipt struct {
	ID        string
	Timestamp time.Time
}

// Connection is one live link to the messaging network.
type Connection interface {
	Send(ctx context.Context, to, text string) (SendReceipt, error)
	Close() error
}

// Provider opens connections. ctx bounds the connection attempt only; the
// returned Connection outlives it. Lifecycle changes (QR codes, auth,
// ready, disconnects) are reported through emit, possibly before Connect
// returns.
type Provider interface {
	Connect(ctx context.Context, sessionID string, emit func(Event)) (Connection, error)
}

// Forgetter is implemented by providers that keep credentials of their own.
// Close calls it before the session id is dropped from the Store.
type Forgetter interface {
	Forget(ctx context.Context, sessionID string) error
}

// Store persists the ids of known sessions so they can be restored on boot.
type Store interface {
	Save(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]string, error)
}
