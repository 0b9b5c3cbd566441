// Package presence mirrors session lifecycle events into an external store so
// that operators (or sibling instances) can see who is connected without
// querying the server itself.
//
// The default tracker is a no-op; a Redis-backed tracker is enabled through
// the [presence] section of the configuration.
package presence

import (
	"context"
	"time"
)

// Session is the information recorded per live connection.
type Session struct {
	ID          uint64    `json:"id"`
	User        string    `json:"user"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Tracker records connections coming and going. Implementations must be safe
// for concurrent use; failures are logged by the implementation and never
// surfaced to the connection path.
type Tracker interface {
	Connected(ctx context.Context, s Session)
	Disconnected(ctx context.Context, id uint64)
	Close() error
}

type noop struct{}

func (noop) Connected(context.Context, Session)   {}
func (noop) Disconnected(context.Context, uint64) {}
func (noop) Close() error                         { return nil }

// Noop returns a tracker that records nothing.
func Noop() Tracker {
	return noop{}
}
