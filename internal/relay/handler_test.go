package relay

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"net"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"sshrelay/internal/creds"
	"sshrelay/internal/presence"
)

func strptr(s string) *string { return &s }

func testSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return signer
}

func testServer(t *testing.T, users map[string]creds.UserSpec) *Server {
	t.Helper()
	return NewServer(creds.NewStore(users), NewRegistry(quietLogger()), testSigner(t), presence.Noop(), quietLogger(), Options{})
}

// fakeMeta satisfies ssh.ConnMetadata for driving auth callbacks directly.
type fakeMeta struct {
	user string
}

func (m fakeMeta) User() string          { return m.user }
func (m fakeMeta) SessionID() []byte     { return []byte("session") }
func (m fakeMeta) ClientVersion() []byte { return []byte("SSH-2.0-test") }
func (m fakeMeta) ServerVersion() []byte { return []byte(DefaultServerVersion) }
func (m fakeMeta) RemoteAddr() net.Addr  { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000} }
func (m fakeMeta) LocalAddr() net.Addr   { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2222} }

// scriptedChannel satisfies ssh.Channel: it serves a fixed sequence of reads
// and records everything written to it.
type scriptedChannel struct {
	chunks [][]byte
	idx    int

	out        bytes.Buffer
	stderr     bytes.Buffer
	closed     bool
	closeWrite bool
}

func (c *scriptedChannel) Read(p []byte) (int, error) {
	if c.idx >= len(c.chunks) {
		return 0, io.EOF
	}
	n := copy(p, c.chunks[c.idx])
	c.idx++
	return n, nil
}

func (c *scriptedChannel) Write(p []byte) (int, error) { return c.out.Write(p) }
func (c *scriptedChannel) Close() error                { c.closed = true; return nil }
func (c *scriptedChannel) CloseWrite() error           { c.closeWrite = true; return nil }
func (c *scriptedChannel) SendRequest(string, bool, []byte) (bool, error) {
	return false, nil
}
func (c *scriptedChannel) Stderr() io.ReadWriter { return &c.stderr }

func TestFormatLine(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want string
	}{
		{"plain", []byte("hi"), "Got data: hi\r\n"},
		{"empty", nil, "Got data: \r\n"},
		{"utf8", []byte("héllo"), "Got data: héllo\r\n"},
		{"invalid byte replaced", []byte{0xff, 'h', 'i'}, "Got data: �hi\r\n"},
		{"one marker per invalid sequence", []byte{0xff, 0xfe}, "Got data: ��\r\n"},
		{"invalid bytes between text", []byte{'a', 0xff, 'b'}, "Got data: a�b\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(formatLine(tt.in)))
		})
	}
}

func TestAuthPassword(t *testing.T) {
	srv := testServer(t, map[string]creds.UserSpec{
		"alice": {Password: strptr("secret")},
		"bob":   {Fingerprints: []string{"SHA256:abc"}},
	})

	assert.True(t, srv.authPassword("alice", "secret"))
	assert.False(t, srv.authPassword("alice", "wrong"))
	assert.False(t, srv.authPassword("bob", "secret"), "no password configured")
	assert.False(t, srv.authPassword("mallory", "secret"), "unknown user")
}

func TestAuthPublicKey(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	fp := ssh.FingerprintSHA256(sshPub)

	srv := testServer(t, map[string]creds.UserSpec{
		"bob":   {Fingerprints: []string{fp}},
		"alice": {Password: strptr("secret")},
	})

	assert.True(t, srv.authPublicKey("bob", fp))
	assert.False(t, srv.authPublicKey("bob", "SHA256:other"))
	assert.False(t, srv.authPublicKey("alice", fp), "fingerprint not configured for user")
	assert.False(t, srv.authPublicKey("mallory", fp), "unknown user")
}

func TestPasswordCallback(t *testing.T) {
	srv := testServer(t, map[string]creds.UserSpec{
		"alice": {Password: strptr("secret")},
	})
	cfg := srv.sshConfig(logrus.NewEntry(quietLogger()))

	perms, err := cfg.PasswordCallback(fakeMeta{user: "alice"}, []byte("secret"))
	assert.NoError(t, err)
	assert.Nil(t, perms)

	_, err = cfg.PasswordCallback(fakeMeta{user: "alice"}, []byte("wrong"))
	assert.Error(t, err)

	_, err = cfg.PasswordCallback(fakeMeta{user: "mallory"}, []byte("secret"))
	assert.Error(t, err)
}

func TestPublicKeyCallback(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)

	srv := testServer(t, map[string]creds.UserSpec{
		"bob": {Fingerprints: []string{ssh.FingerprintSHA256(sshPub)}},
	})
	cfg := srv.sshConfig(logrus.NewEntry(quietLogger()))

	perms, err := cfg.PublicKeyCallback(fakeMeta{user: "bob"}, sshPub)
	assert.NoError(t, err)
	assert.Nil(t, perms)

	_, err = cfg.PublicKeyCallback(fakeMeta{user: "alice"}, sshPub)
	assert.Error(t, err)
}

// TestServeChannel_BroadcastAndEcho covers the relay path: one chunk from the
// sender is delivered once to every other connection's channel and once back
// on the originating channel, while the sender's sibling channel stays quiet.
func TestServeChannel_BroadcastAndEcho(t *testing.T) {
	reg := NewRegistry(quietLogger())

	sender := &scriptedChannel{chunks: [][]byte{[]byte("hi")}}
	sibling := &bytes.Buffer{}
	peer1 := &bytes.Buffer{}
	peer2 := &bytes.Buffer{}
	require.NoError(t, reg.Register(1, 1, sender))
	require.NoError(t, reg.Register(1, 2, sibling))
	require.NoError(t, reg.Register(2, 1, peer1))
	require.NoError(t, reg.Register(3, 1, peer2))

	h := &connHandler{id: 1, registry: reg, log: logrus.NewEntry(quietLogger())}
	h.serveChannel(1, sender)

	const want = "Got data: hi\r\n"
	assert.Equal(t, want, peer1.String())
	assert.Equal(t, want, peer2.String())
	assert.Equal(t, want, sender.out.String(), "originating channel gets exactly the echo copy")
	assert.Zero(t, sibling.Len(), "sender's sibling channel gets neither fan-out nor echo")
	assert.True(t, sender.closed)
}

func TestServeChannel_InvalidUTF8DoesNotAbort(t *testing.T) {
	reg := NewRegistry(quietLogger())

	sender := &scriptedChannel{chunks: [][]byte{{0xff, 0xfe}, []byte("ok")}}
	peer := &bytes.Buffer{}
	require.NoError(t, reg.Register(2, 1, peer))

	h := &connHandler{id: 1, registry: reg, log: logrus.NewEntry(quietLogger())}
	h.serveChannel(1, sender)

	assert.Equal(t, "Got data: ��\r\nGot data: ok\r\n", peer.String())
}
