package relay

import (
	"errors"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrDuplicateKey is returned by Register when a (connection, channel) pair
// is already present. The transport engine assigns channel ids uniquely per
// connection, so hitting this means a broken invariant upstream.
var ErrDuplicateKey = errors.New("relay: channel already registered")

// Key identifies one registered channel: the connection it belongs to and
// the connection-local channel index.
type Key struct {
	Conn    uint64
	Channel uint32
}

// Registry is the shared table of live channels that broadcasts fan out to.
// A single mutex serializes registration, removal and fan-out iteration, so
// no broadcast ever observes a half-updated table.
type Registry struct {
	mu       sync.Mutex
	sessions map[Key]io.Writer
	log      logrus.FieldLogger
}

// NewRegistry returns an empty registry.
func NewRegistry(log logrus.FieldLogger) *Registry {
	return &Registry{
		sessions: make(map[Key]io.Writer),
		log:      log,
	}
}

// Register adds a routable destination for the given connection and channel.
// Registering an existing key is refused with ErrDuplicateKey rather than
// silently overwriting the live entry.
func (r *Registry) Register(conn uint64, channel uint32, w io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := Key{Conn: conn, Channel: channel}
	if _, exists := r.sessions[key]; exists {
		return ErrDuplicateKey
	}
	r.sessions[key] = w
	return nil
}

// Broadcast delivers payload to every registered channel that does not belong
// to the sender's connection and returns the number of successful deliveries.
// A destination failing mid-teardown is logged and skipped; it never aborts
// delivery to the rest or bubbles up to the sender.
func (r *Registry) Broadcast(sender uint64, payload []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	delivered := 0
	for key, w := range r.sessions {
		if key.Conn == sender {
			continue
		}
		if _, err := w.Write(payload); err != nil {
			broadcastDrops.Inc()
			r.log.WithError(err).WithFields(logrus.Fields{"conn": key.Conn, "channel": key.Channel}).Debug("broadcast delivery dropped")
			continue
		}
		delivered++
	}
	broadcastsTotal.Inc()
	return delivered
}

// DropConnection removes every entry belonging to conn and returns how many
// were removed. Called on connection teardown so the table does not
// accumulate dead destinations.
func (r *Registry) DropConnection(conn uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for key := range r.sessions {
		if key.Conn == conn {
			delete(r.sessions, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of registered channels.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
