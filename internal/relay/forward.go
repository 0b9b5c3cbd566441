package relay

import (
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// forwardGreeting is the one-shot payload pushed through every granted
// forwarded channel.
const forwardGreeting = "Hello from a forwarded port"

// Originator endpoint reported on forwarded channels. The relay never has a
// real originating socket, so a fixed pair is used.
const (
	forwardOriginAddr = "1.2.3.4"
	forwardOriginPort = 1234
)

// channelOpener is the slice of the transport engine the forwarded-channel
// task needs. *ssh.ServerConn satisfies it.
type channelOpener interface {
	OpenChannel(name string, data []byte) (ssh.Channel, <-chan *ssh.Request, error)
}

// forwardedTCPPayload is the channel-open payload for "forwarded-tcpip",
// per RFC 4254 section 7.2.
type forwardedTCPPayload struct {
	Addr       string
	Port       uint32
	OriginAddr string
	OriginPort uint32
}

// runForwardTask opens a forwarded channel back to the client for the
// requested address and port, writes the greeting, signals end-of-data and
// closes the channel. The task is detached from the requesting connection's
// lifecycle: failures are logged and dropped, since the grant has already
// been sent. done, when non-nil, is closed on completion so tests can wait.
func runForwardTask(opener channelOpener, addr string, port uint32, log logrus.FieldLogger, done chan<- struct{}) {
	if done != nil {
		defer close(done)
	}

	payload := ssh.Marshal(&forwardedTCPPayload{
		Addr:       addr,
		Port:       port,
		OriginAddr: forwardOriginAddr,
		OriginPort: forwardOriginPort,
	})
	ch, reqs, err := opener.OpenChannel("forwarded-tcpip", payload)
	if err != nil {
		log.WithError(err).Warn("forwarded channel open failed")
		return
	}
	go ssh.DiscardRequests(reqs)

	if _, err := ch.Write([]byte(forwardGreeting)); err != nil {
		log.WithError(err).Warn("forwarded channel write failed")
	}
	if err := ch.CloseWrite(); err != nil {
		log.WithError(err).Debug("forwarded channel eof failed")
	}
	if err := ch.Close(); err != nil {
		log.WithError(err).Debug("forwarded channel close failed")
	}
}
