package session

import (
	"context"
	"time"
)

// Transport is the encrypted logical session shared by the local endpoint
// and every connected peer. Implementations report per-peer transitions
// (PeerConnecting, PeerConnected, PeerDisconnected), inbound invitations and
// payloads through the Sink given to Start.
//
// No method may wait on the Sink: the manager calls Disconnect and
// Reinitialize from its update loop.
type Transport interface {
	Start(ctx context.Context, sink Sink) error
	// Invite asks peerID to join the session. It blocks until the peer
	// answers or timeout elapses and returns an error on rejection.
	Invite(ctx context.Context, peerID string, timeout time.Duration) error
	// Send delivers payload to a connected peer. Payloads to one peer
	// arrive in the order they were sent.
	Send(ctx context.Context, peerID string, payload []byte) error
	// Disconnect leaves the session, dropping every connected peer.
	Disconnect()
	// Reinitialize rebuilds the session after Disconnect.
	Reinitialize(ctx context.Context) error
}

// Discovery announces the local endpoint and scans for others on the same
// service. Every method is idempotent. Found and lost peers are reported as
// PeerFound and PeerLost through the Sink given to Start.
type Discovery interface {
	Start(ctx context.Context, sink Sink) error
	StartAdvertising(metadata map[string]string) error
	StopAdvertising()
	StartBrowsing() error
	StopBrowsing()
}
