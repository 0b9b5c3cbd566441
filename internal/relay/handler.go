package relay

import (
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// errAuthFailed is what the auth callbacks return on reject. The transport
// engine only signals failure to the peer; the text never reaches the wire.
var errAuthFailed = errors.New("relay: authentication failed")

// sshConfig builds the per-connection server configuration. Both callbacks
// are stateless against the shared credential store, so a rejected client is
// free to retry with any other supported method.
func (s *Server) sshConfig(log *logrus.Entry) *ssh.ServerConfig {
	cfg := &ssh.ServerConfig{
		ServerVersion: s.opts.serverVersion(),
		PasswordCallback: func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if s.authPassword(meta.User(), string(password)) {
				log.WithField("user", meta.User()).Info("password auth accepted")
				return nil, nil
			}
			authFailures.WithLabelValues("password").Inc()
			log.WithField("user", meta.User()).Warn("password auth rejected")
			return nil, errAuthFailed
		},
		PublicKeyCallback: func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			// The engine has already verified possession of the
			// private key; only fingerprint membership is decided here.
			fp := ssh.FingerprintSHA256(key)
			if s.authPublicKey(meta.User(), fp) {
				log.WithFields(logrus.Fields{"user": meta.User(), "fingerprint": fp}).Info("publickey auth accepted")
				return nil, nil
			}
			authFailures.WithLabelValues("publickey").Inc()
			log.WithFields(logrus.Fields{"user": meta.User(), "fingerprint": fp}).Warn("publickey auth rejected")
			return nil, errAuthFailed
		},
	}
	cfg.AddHostKey(s.signer)
	return cfg
}

// authPassword accepts iff the user exists, has a password configured and the
// supplied password matches exactly. When a PAM service is configured, PAM is
// consulted for logins the table rejects.
func (s *Server) authPassword(user, password string) bool {
	if cred, ok := s.creds.Lookup(user); ok && cred.MatchPassword(password) {
		return true
	}
	if s.opts.PAMService != "" {
		return pamAuth(s.opts.PAMService, user, password)
	}
	return false
}

// authPublicKey accepts iff the user exists and fp is one of their configured
// fingerprints.
func (s *Server) authPublicKey(user, fp string) bool {
	cred, ok := s.creds.Lookup(user)
	return ok && cred.HasFingerprint(fp)
}

// connHandler serves one authenticated connection: it registers session
// channels, relays their data and answers forwarding requests.
type connHandler struct {
	id       uint64
	conn     *ssh.ServerConn
	registry *Registry
	log      *logrus.Entry

	chanSeq atomic.Uint32
}

// handleChannels grants every "session" channel open request, registers the
// channel and starts relaying its data. Other channel types are rejected.
func (h *connHandler) handleChannels(chans <-chan ssh.NewChannel) {
	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			h.log.WithField("type", newChan.ChannelType()).Debug("rejecting channel")
			newChan.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}

		ch, reqs, err := newChan.Accept()
		if err != nil {
			h.log.WithError(err).Warn("channel accept failed")
			continue
		}

		chanID := h.chanSeq.Add(1)
		if err := h.registry.Register(h.id, chanID, ch); err != nil {
			// Duplicate ids mean the engine broke its contract;
			// abandon this channel rather than clobber a live one.
			h.log.WithError(err).WithField("channel", chanID).Error("channel registration refused")
			ch.Close()
			continue
		}
		openChannels.Inc()
		h.log.WithField("channel", chanID).Debug("channel registered")

		go h.serveChannelRequests(reqs)
		go h.serveChannel(chanID, ch)
	}
}

// serveChannelRequests answers in-channel requests. Shell, pty and env are
// granted so interactive clients proceed to the data phase; the rest are
// refused.
func (h *connHandler) serveChannelRequests(reqs <-chan *ssh.Request) {
	for req := range reqs {
		var ok bool
		switch req.Type {
		case "shell", "pty-req", "env":
			ok = true
		}
		if req.WantReply {
			req.Reply(ok, nil)
		}
	}
}

// serveChannel reads the channel until it closes. Every inbound chunk is
// formatted once, fanned out to all other connections' channels and then
// echoed back on the originating channel. The echo is deliberately separate
// from the fan-out: sibling channels on the sender's own connection never see
// the message.
func (h *connHandler) serveChannel(chanID uint32, ch ssh.Channel) {
	defer func() {
		ch.Close()
		openChannels.Dec()
	}()

	buf := make([]byte, 32*1024)
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			line := formatLine(buf[:n])
			delivered := h.registry.Broadcast(h.id, line)
			h.log.WithFields(logrus.Fields{"channel": chanID, "peers": delivered}).Debug("broadcast")
			if _, werr := ch.Write(line); werr != nil {
				h.log.WithError(werr).WithField("channel", chanID).Debug("echo failed")
			}
		}
		if err != nil {
			if err != io.EOF {
				h.log.WithError(err).WithField("channel", chanID).Debug("channel read ended")
			}
			return
		}
	}
}

// formatLine renders one inbound chunk as the confirmation line every party
// receives. Each invalid UTF-8 sequence is replaced with one U+FFFD instead
// of failing, so consecutive invalid bytes yield consecutive markers.
func formatLine(data []byte) []byte {
	var sb strings.Builder
	sb.WriteString("Got data: ")
	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		if r == utf8.RuneError && size == 1 {
			sb.WriteRune(utf8.RuneError)
		} else {
			sb.Write(data[:size])
		}
		data = data[size:]
	}
	sb.WriteString("\r\n")
	return []byte(sb.String())
}

// tcpipForwardPayload is the payload of a "tcpip-forward" global request,
// per RFC 4254 section 7.1.
type tcpipForwardPayload struct {
	Addr string
	Port uint32
}

// tcpipForwardReply carries the bound port back when the client asked for
// one.
type tcpipForwardReply struct {
	Port uint32
}

// handleRequests answers the connection's global requests. Forwarding
// requests are always granted and answered by a detached task; whatever the
// task runs into later is invisible to the requester.
func (h *connHandler) handleRequests(reqs <-chan *ssh.Request) {
	for req := range reqs {
		switch req.Type {
		case "tcpip-forward":
			var payload tcpipForwardPayload
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				h.log.WithError(err).Warn("malformed tcpip-forward request")
				if req.WantReply {
					req.Reply(false, nil)
				}
				continue
			}
			if req.WantReply {
				req.Reply(true, ssh.Marshal(&tcpipForwardReply{Port: payload.Port}))
			}
			h.log.WithFields(logrus.Fields{"addr": payload.Addr, "port": payload.Port}).Info("forward request granted")
			forwardTasks.Inc()
			go runForwardTask(h.conn, payload.Addr, payload.Port, h.log, nil)

		case "cancel-tcpip-forward":
			// No forwarding state is kept, so there is nothing to undo.
			if req.WantReply {
				req.Reply(true, nil)
			}

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}
