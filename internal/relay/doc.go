// Package relay implements the broadcast relay core of sshrelay.
//
// Features:
//   - Session registry mapping (connection, channel) pairs to live channels
//   - Password and public-key authentication against the credential store,
//     with an optional PAM fallback for passwords
//   - Data relay: every inbound chunk is formatted as a confirmation line,
//     fanned out to all other connections and echoed to the sender
//   - Remote port-forwarding requests: always granted, answered by a detached
//     task that pushes a one-shot greeting through a forwarded channel
//   - Prometheus metrics for connections, channels, broadcasts and failures
//
// The SSH protocol itself (handshake, encryption, channel multiplexing) is
// terminated by golang.org/x/crypto/ssh; this package only decides policy and
// moves decoded payload bytes between channels.
package relay
