package libp2p

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/baderanaas/firestbreak/pkg/session"
)

// ErrRejected is returned by Invite when the peer declines.
var ErrRejected = errors.New("p2p: invitation rejected")

// member is a peer in the session and its outbound profile stream.
// mux serializes writers and may be held for a whole write. streamMux only
// guards the fields below it, so close can reset a stream mid-write.
type member struct {
	id  peer.ID
	mux sync.Mutex

	streamMux sync.Mutex
	stream    network.Stream
	enc       *cbor.Encoder
	dropped   bool
}

func (m *member) current() (network.Stream, *cbor.Encoder, bool) {
	m.streamMux.Lock()
	defer m.streamMux.Unlock()
	return m.stream, m.enc, m.dropped
}

// attach installs s unless the member was dropped meanwhile.
func (m *member) attach(s network.Stream) (*cbor.Encoder, bool) {
	m.streamMux.Lock()
	defer m.streamMux.Unlock()
	if m.dropped {
		return nil, false
	}
	m.stream, m.enc = s, cbor.NewEncoder(s)
	return m.enc, true
}

// detach forgets s if it is still the current stream.
func (m *member) detach(s network.Stream) {
	m.streamMux.Lock()
	if m.stream == s {
		m.stream, m.enc = nil, nil
	}
	m.streamMux.Unlock()
}

// close resets the profile stream, interrupting any write in flight.
func (m *member) close() {
	m.streamMux.Lock()
	s := m.stream
	m.stream, m.enc, m.dropped = nil, nil, true
	m.streamMux.Unlock()
	if s != nil {
		_ = s.Reset()
	}
}

// Invite asks peerID to join the session and waits for its answer.
func (n *Node) Invite(ctx context.Context, peerID string, timeout time.Duration) error {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return fmt.Errorf("decode peer id: %w", err)
	}
	if n.member(pid) != nil {
		n.emit(session.PeerConnected{PeerID: peerID})
		return nil
	}
	n.emit(session.PeerConnecting{PeerID: peerID})

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s, err := n.host.NewStream(ctx, pid, InviteProtocol)
	if err != nil {
		return fmt.Errorf("failed to open invite stream: %w", err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(dl)
	}

	if err := writeMessage(s, InviteRequest{Service: n.opts.Service}); err != nil {
		_ = s.Reset()
		return fmt.Errorf("failed to send invitation: %w", err)
	}
	var resp InviteResponse
	if err := readMessage(s, &resp); err != nil {
		_ = s.Reset()
		return fmt.Errorf("no answer to invitation: %w", err)
	}
	_ = s.Close()

	if !resp.Accept {
		return ErrRejected
	}
	n.addMember(pid)
	return nil
}

// handleInviteStream hands an inbound invitation to the session manager and
// writes back its answer. Unanswered invitations are declined after
// inviteAnswerLimit.
func (n *Node) handleInviteStream(s network.Stream) {
	remote := s.Conn().RemotePeer()
	_ = s.SetDeadline(time.Now().Add(inviteAnswerLimit + writeTimeout))

	var req InviteRequest
	if err := readMessage(s, &req); err != nil {
		logger.Debugf("bad invitation from %s: %v", remote, err)
		_ = s.Reset()
		return
	}

	accept := false
	switch {
	case req.Service != n.opts.Service:
		logger.Infof("declining invitation from %s for service %q", remote, req.Service)
	case n.member(remote) != nil:
		accept = true
	default:
		answer := make(chan bool, 1)
		n.emit(session.InvitationReceived{
			PeerID:  remote.String(),
			Context: req.Context,
			Respond: func(ok bool) { answer <- ok },
		})
		select {
		case accept = <-answer:
		case <-time.After(inviteAnswerLimit):
			logger.Infof("invitation from %s timed out", remote)
		case <-n.ctx.Done():
		}
	}

	// Join before answering so the inviter's first frame finds us a member.
	if accept {
		n.addMember(remote)
	}
	if err := writeMessage(s, InviteResponse{Accept: accept}); err != nil {
		logger.Debugf("answer invitation from %s: %v", remote, err)
		_ = s.Reset()
		if accept && n.dropMember(remote) {
			n.emit(session.PeerDisconnected{PeerID: remote.String()})
		}
		return
	}
	_ = s.Close()
}

func (n *Node) member(pid peer.ID) *member {
	n.membersMux.Lock()
	defer n.membersMux.Unlock()
	return n.members[pid]
}

func (n *Node) addMember(pid peer.ID) {
	n.membersMux.Lock()
	if _, ok := n.members[pid]; ok {
		n.membersMux.Unlock()
		return
	}
	n.members[pid] = &member{id: pid}
	n.membersMux.Unlock()

	n.connMgr.Protect(pid, sessionTag)
	logger.Infof("%s joined the session", pid)
	n.emit(session.PeerConnected{PeerID: pid.String()})
}

// dropMember removes pid from the session and reports whether it was a
// member. The caller emits the disconnect.
func (n *Node) dropMember(pid peer.ID) bool {
	n.membersMux.Lock()
	m, ok := n.members[pid]
	delete(n.members, pid)
	n.membersMux.Unlock()
	if !ok {
		return false
	}

	m.close()
	n.connMgr.Unprotect(pid, sessionTag)
	return true
}

func (n *Node) onDisconnected(net network.Network, c network.Conn) {
	pid := c.RemotePeer()
	if net.Connectedness(pid) == network.Connected {
		return
	}
	go func() {
		if n.dropMember(pid) {
			logger.Infof("%s left the session", pid)
			n.emit(session.PeerDisconnected{PeerID: pid.String()})
		}
	}()
}

// Members returns the peer IDs currently in the session.
func (n *Node) Members() []peer.ID {
	n.membersMux.Lock()
	defer n.membersMux.Unlock()
	out := make([]peer.ID, 0, len(n.members))
	for id := range n.members {
		out = append(out, id)
	}
	return out
}

// Disconnect leaves the session: every member is dropped and its
// connections closed. Disconnect events are emitted in the background.
func (n *Node) Disconnect() {
	var dropped []peer.ID
	for _, pid := range n.Members() {
		if n.dropMember(pid) {
			dropped = append(dropped, pid)
		}
	}
	if len(dropped) == 0 {
		return
	}
	go func() {
		for _, pid := range dropped {
			if err := n.host.Network().ClosePeer(pid); err != nil {
				logger.Debugf("close %s: %v", pid, err)
			}
			n.emit(session.PeerDisconnected{PeerID: pid.String()})
		}
	}()
}

// Reinitialize rebuilds LAN discovery after Disconnect.
func (n *Node) Reinitialize(ctx context.Context) error {
	if n.ctx.Err() != nil {
		return ErrClosed
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	n.stopMDNS()
	if n.opts.DisableMDNS {
		return nil
	}
	return n.startMDNS()
}
