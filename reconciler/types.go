package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/yairfalse/tether/pkg/cancel"
	"github.com/yairfalse/tether/pkg/resource"
)

// Provider resolves the single server that should be active right now.
// It must return promptly once tok is cancelled. A nil server means none.
type Provider interface {
	Desired(tok cancel.Token) (*resource.Resource, error)
}

// Handle is an established connection to a server.
// Dispose must be idempotent and safe on a half-initialized handle.
type Handle interface {
	Dispose(ctx context.Context) error
}

// Connector constructs and starts a connection to a server.
type Connector interface {
	Connect(tok cancel.Token, r resource.Resource) (Handle, error)
}

// ChangeSource delivers changes to the set of assigned servers.
type ChangeSource interface {
	SubscribeChanges(fn func(resource.ChangeEvent)) (unsubscribe func())
}

// AuthSource reports whether the session is currently authorized.
type AuthSource interface {
	Authorized() bool
	SubscribeAuth(fn func(authorized bool)) (unsubscribe func())
}

// State is the reconciler's view of the active server.
type State int

const (
	// Unbound means no server is active.
	Unbound State = iota
	// Connecting means a connection to a new server is being established.
	Connecting
	// Bound means exactly one server is active.
	Bound
)

func (s State) String() string {
	switch s {
	case Unbound:
		return "unbound"
	case Connecting:
		return "connecting"
	case Bound:
		return "bound"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// EventKind distinguishes connection notifications.
type EventKind string

const (
	Connected    EventKind = "connected"
	Disconnected EventKind = "disconnected"
)

// Event is emitted whenever the active server changes.
type Event struct {
	Kind     EventKind         `json:"kind"`
	Resource resource.Resource `json:"resource"`
	At       time.Time         `json:"at"`
}
