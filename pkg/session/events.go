package session

// Event is a notification from the network side (transport or discovery)
// delivered to the manager's update loop. Events are applied strictly in
// the order they were posted.
type Event interface {
	isEvent()
}

// Sink accepts events from a Transport or Discovery implementation. It may
// be called from any goroutine.
type Sink func(Event)

// PeerFound reports an advertisement seen while browsing.
type PeerFound struct {
	PeerID   string
	Metadata map[string]string
}

// PeerLost reports that a peer stopped advertising. It is not a disconnect.
type PeerLost struct {
	PeerID string
}

type PeerConnecting struct {
	PeerID string
}

type PeerConnected struct {
	PeerID string
}

type PeerDisconnected struct {
	PeerID string
}

// InvitationReceived carries a one-shot continuation. Respond must be
// called exactly once; the manager guarantees that.
type InvitationReceived struct {
	PeerID  string
	Context []byte
	Respond func(accept bool)
}

// PayloadReceived carries an opaque profile payload, already opened by the
// transport.
type PayloadReceived struct {
	PeerID string
	Data   []byte
}

type AdvertiseFailed struct {
	Err error
}

type BrowseFailed struct {
	Err error
}

// Internal events the manager posts to itself.
type (
	call struct {
		fn   func()
		done chan struct{}
	}
	healthCheck     struct{}
	restartServices struct{ gen uint64 }
	reinitialize    struct{ gen uint64 }
	reinitialized   struct {
		gen uint64
		err error
	}
	sendProfile     struct{ peerID string }
	broadcastNow    struct{}
	inviteFailed    struct {
		peerID string
		err    error
	}
)

func (PeerFound) isEvent()          {}
func (PeerLost) isEvent()           {}
func (PeerConnecting) isEvent()     {}
func (PeerConnected) isEvent()      {}
func (PeerDisconnected) isEvent()   {}
func (InvitationReceived) isEvent() {}
func (PayloadReceived) isEvent()    {}
func (AdvertiseFailed) isEvent()    {}
func (BrowseFailed) isEvent()       {}
func (call) isEvent()               {}
func (healthCheck) isEvent()        {}
func (restartServices) isEvent()    {}
func (reinitialize) isEvent()       {}
func (reinitialized) isEvent()      {}
func (sendProfile) isEvent()        {}
func (broadcastNow) isEvent()       {}
func (inviteFailed) isEvent()       {}
