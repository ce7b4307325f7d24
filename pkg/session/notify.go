package session

import "sync"

// Notification types.
const (
	NoteState              = "state"
	NotePeerConnected      = "peer_connected"
	NotePeerDisconnected   = "peer_disconnected"
	NoteProfileReceived    = "profile_received"
	NoteInvitationReceived = "invitation_received"
	NoteInvitationResolved = "invitation_resolved"
	NoteProfileChanged     = "profile_changed"
)

// Notification tells observers that some part of the manager's state
// changed. Observers re-read the state they care about.
type Notification struct {
	Type   string          `json:"type"`
	PeerID string          `json:"peer_id,omitempty"`
	State  ConnectionState `json:"state"`
}

type notifier struct {
	mu        sync.Mutex
	listeners []chan Notification
}

func (n *notifier) subscribe() chan Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch := make(chan Notification, 32)
	n.listeners = append(n.listeners, ch)
	return ch
}

func (n *notifier) unsubscribe(ch chan Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, listener := range n.listeners {
		if listener == ch {
			close(listener)
			n.listeners = append(n.listeners[:i], n.listeners[i+1:]...)
			return
		}
	}
}

// notify never blocks; slow listeners miss notifications.
func (n *notifier) notify(note Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.listeners {
		select {
		case ch <- note:
		default:
		}
	}
}

func (n *notifier) closeAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.listeners {
		close(ch)
	}
	n.listeners = nil
}
