package libp2p

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/baderanaas/firestbreak/pkg/profile"
	"github.com/baderanaas/firestbreak/pkg/session"
)

// ErrNotMember is returned when sending to a peer outside the session.
var ErrNotMember = errors.New("p2p: peer is not in the session")

// Send seals payload and writes it as one CBOR byte-string frame on the
// peer's profile stream. The stream is opened on first use and reused, so
// frames to one peer arrive in order.
func (n *Node) Send(ctx context.Context, peerID string, payload []byte) error {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return fmt.Errorf("decode peer id: %w", err)
	}
	m := n.member(pid)
	if m == nil {
		return ErrNotMember
	}

	frame, err := n.sealer.Seal(payload)
	if err != nil {
		return fmt.Errorf("seal payload: %w", err)
	}

	m.mux.Lock()
	defer m.mux.Unlock()
	s, enc, dropped := m.current()
	if dropped {
		return ErrNotMember
	}
	if s == nil {
		s, err = n.host.NewStream(ctx, pid, ProfileProtocol)
		if err != nil {
			return fmt.Errorf("failed to open profile stream: %w", err)
		}
		var ok bool
		if enc, ok = m.attach(s); !ok {
			_ = s.Reset()
			return ErrNotMember
		}
	}

	deadline := time.Now().Add(writeTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = s.SetWriteDeadline(deadline)
	if err := enc.Encode(frame); err != nil {
		m.detach(s)
		_ = s.Reset()
		return fmt.Errorf("failed to write profile frame: %w", err)
	}
	return nil
}

// handleProfileStream reads sealed frames from a session member until the
// stream ends. Frames that fail to open are logged and dropped.
func (n *Node) handleProfileStream(s network.Stream) {
	remote := s.Conn().RemotePeer()
	if n.member(remote) == nil {
		logger.Warnf("profile stream from %s outside the session", remote)
		_ = s.Reset()
		return
	}
	defer func() {
		if err := s.Close(); err != nil {
			logger.Debugf("closing profile stream: %v", err)
		}
	}()

	dec := cbor.NewDecoder(s)
	for {
		var frame []byte
		if err := dec.Decode(&frame); err != nil {
			if !errors.Is(err, io.EOF) && n.ctx.Err() == nil {
				logger.Debugf("profile stream from %s ended: %v", remote, err)
			}
			return
		}
		payload, err := n.sealer.Open(frame)
		if err != nil {
			logger.Warnf("dropping unreadable frame from %s: %v [%s]", remote, err, profile.Preview(frame))
			continue
		}
		n.emit(session.PayloadReceived{PeerID: remote.String(), Data: payload})
	}
}

func writeMessage(s network.Stream, v any) error {
	return cbor.NewEncoder(s).Encode(v)
}

func readMessage(s network.Stream, v any) error {
	return cbor.NewDecoder(s).Decode(v)
}
