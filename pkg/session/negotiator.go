package session

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/baderanaas/firestbreak/pkg/profile"
)

// Invitation is a pending inbound invitation awaiting the user's answer.
type Invitation struct {
	PeerID   string    `json:"peer_id"`
	Received time.Time `json:"received"`
	Context  []byte    `json:"context,omitempty"`
}

type pendingInvitation struct {
	Invitation
	respond func(bool)
	once    sync.Once
}

// resolve answers the invitation. Later calls are ignored.
func (p *pendingInvitation) resolve(accept bool) {
	p.once.Do(func() { p.respond(accept) })
}

func (m *Manager) onPeerFound(ev PeerFound) {
	if tok := ev.Metadata[profile.MetaDeviceToken]; tok != "" && tok == m.cfg.DeviceToken {
		m.logf(levelDebug, "ignoring our own advertisement from %s", shortID(ev.PeerID))
		return
	}
	name := ev.Metadata[profile.MetaName]
	status := ev.Metadata[profile.MetaStatus]
	if status != string(profile.StatusAvailable) {
		m.logf(levelInfo, "found %s (%s), status %q: not inviting", shortID(ev.PeerID), name, status)
		return
	}
	if m.inFlight(ev.PeerID) {
		return
	}
	m.logf(levelInfo, "found %s (%s), inviting", shortID(ev.PeerID), name)
	m.invite(ev.PeerID)
}

func (m *Manager) inFlight(id string) bool {
	if _, ok := m.connected[id]; ok {
		return true
	}
	_, ok := m.connecting[id]
	return ok
}

func (m *Manager) invite(id string) {
	m.connecting[id] = struct{}{}
	m.updateState()
	go func() {
		if err := m.transport.Invite(m.ctx, id, m.cfg.InviteTimeout); err != nil {
			m.post(inviteFailed{peerID: id, err: err})
		}
	}()
}

// ConnectTo invites a peer regardless of its advertised status.
func (m *Manager) ConnectTo(peerID string) error {
	return m.do(func() {
		if m.inFlight(peerID) {
			m.logf(levelInfo, "%s is already connected or connecting", shortID(peerID))
			return
		}
		m.logf(levelInfo, "inviting %s", shortID(peerID))
		m.invite(peerID)
	})
}

func (m *Manager) onInvitation(ev InvitationReceived) {
	if m.autoAccept {
		m.logf(levelInfo, "auto-accepting invitation from %s", shortID(ev.PeerID))
		go ev.Respond(true)
		return
	}
	inv := &pendingInvitation{
		Invitation: Invitation{PeerID: ev.PeerID, Received: m.clock.Now(), Context: ev.Context},
		respond:    ev.Respond,
	}
	if old, ok := m.pending[ev.PeerID]; ok {
		m.logf(levelInfo, "newer invitation from %s replaces the pending one", shortID(ev.PeerID))
		go old.resolve(false)
	}
	m.pending[ev.PeerID] = inv
	m.logf(levelInfo, "invitation from %s awaiting answer", shortID(ev.PeerID))
	m.notes.notify(Notification{Type: NoteInvitationReceived, PeerID: ev.PeerID, State: m.state})
}

// RespondToInvitation answers the pending invitation from peerID. Unknown
// peers are logged and ignored.
func (m *Manager) RespondToInvitation(peerID string, accept bool) error {
	return m.do(func() {
		inv, ok := m.pending[peerID]
		if !ok {
			m.logf(levelWarn, "no pending invitation from %s", shortID(peerID))
			return
		}
		delete(m.pending, peerID)
		go inv.resolve(accept)
		verb := "rejected"
		if accept {
			verb = "accepted"
		}
		m.logf(levelInfo, "%s invitation from %s", verb, shortID(peerID))
		m.notes.notify(Notification{Type: NoteInvitationResolved, PeerID: peerID, State: m.state})
	})
}

// ToggleAutoAccept changes how future invitations are handled. Invitations
// already pending keep waiting for an answer.
func (m *Manager) ToggleAutoAccept(on bool) error {
	return m.do(func() {
		m.autoAccept = on
		m.logf(levelInfo, "auto-accept %t", on)
	})
}

func (m *Manager) AutoAccept() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.autoAccept
}

func (m *Manager) PendingInvitations() []Invitation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pendingList()
}

func (m *Manager) pendingList() []Invitation {
	out := make([]Invitation, 0, len(m.pending))
	for _, p := range m.pending {
		out = append(out, p.Invitation)
	}
	slices.SortFunc(out, func(a, b Invitation) int {
		if c := a.Received.Compare(b.Received); c != 0 {
			return c
		}
		return strings.Compare(a.PeerID, b.PeerID)
	})
	return out
}

func (m *Manager) rejectPending() {
	for id, inv := range m.pending {
		go inv.resolve(false)
		delete(m.pending, id)
	}
}
