package relay

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"sshrelay/internal/creds"
	"sshrelay/internal/presence"
)

// DefaultServerVersion is the identification string sent to clients.
const DefaultServerVersion = "SSH-2.0-sshrelay"

// Options tunes per-server behavior.
type Options struct {
	// PAMService, when non-empty, names the PAM service consulted for
	// password logins the credential table rejects.
	PAMService string

	// ServerVersion overrides DefaultServerVersion when non-empty.
	ServerVersion string
}

func (o Options) serverVersion() string {
	if o.ServerVersion != "" {
		return o.ServerVersion
	}
	return DefaultServerVersion
}

// Server accepts SSH connections and relays data between their session
// channels. All connection handlers share one credential store (read-only)
// and one session registry (mutex-guarded); each handler gets a fresh
// connection id from an atomic counter.
type Server struct {
	creds    *creds.Store
	registry *Registry
	signer   ssh.Signer
	presence presence.Tracker
	log      *logrus.Logger
	opts     Options

	seq    atomic.Uint64
	connWG sync.WaitGroup

	mu    sync.Mutex
	conns map[uint64]*ssh.ServerConn
}

// NewServer assembles a relay server from its shared collaborators.
func NewServer(store *creds.Store, registry *Registry, signer ssh.Signer, tracker presence.Tracker, log *logrus.Logger, opts Options) *Server {
	return &Server{
		creds:    store,
		registry: registry,
		signer:   signer,
		presence: tracker,
		log:      log,
		opts:     opts,
		conns:    make(map[uint64]*ssh.ServerConn),
	}
}

// Serve accepts connections from ln until ctx is canceled, handling each on
// its own goroutine. On cancellation the listener and all established
// connections are closed and Serve waits for the handlers to drain.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
		s.closeActive()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.connWG.Wait()
				return nil
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				s.log.WithError(err).Warn("accept failed, retrying")
				continue
			}
			return err
		}
		s.connWG.Add(1)
		go s.handleConn(conn)
	}
}

// handleConn runs the SSH handshake and then serves the connection's global
// requests and channels until it goes away.
func (s *Server) handleConn(nc net.Conn) {
	defer s.connWG.Done()

	log := s.log.WithFields(logrus.Fields{
		"sid":    uuid.NewString(),
		"remote": nc.RemoteAddr().String(),
	})

	sshConn, chans, reqs, err := ssh.NewServerConn(nc, s.sshConfig(log))
	if err != nil {
		log.WithError(err).Debug("handshake failed")
		nc.Close()
		return
	}

	connID := s.seq.Add(1)
	log = log.WithFields(logrus.Fields{"conn": connID, "user": sshConn.User()})
	log.Info("session established")

	s.trackConn(connID, sshConn)
	activeConnections.Inc()
	s.presence.Connected(context.Background(), presence.Session{
		ID:          connID,
		User:        sshConn.User(),
		RemoteAddr:  nc.RemoteAddr().String(),
		ConnectedAt: time.Now().UTC(),
	})

	h := &connHandler{
		id:       connID,
		conn:     sshConn,
		registry: s.registry,
		log:      log,
	}
	go h.handleRequests(reqs)
	h.handleChannels(chans)

	// Connection is gone once the channel stream closes.
	removed := s.registry.DropConnection(connID)
	s.untrackConn(connID)
	activeConnections.Dec()
	s.presence.Disconnected(context.Background(), connID)
	log.WithField("channels", removed).Info("session closed")
}

func (s *Server) trackConn(id uint64, conn *ssh.ServerConn) {
	s.mu.Lock()
	s.conns[id] = conn
	s.mu.Unlock()
}

func (s *Server) untrackConn(id uint64) {
	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()
}

func (s *Server) closeActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		conn.Close()
	}
}
