package session

import (
	"maps"
	"slices"

	"github.com/baderanaas/firestbreak/pkg/profile"
)

// UpdateProfile replaces the local profile, re-announces it and broadcasts
// it to connected peers after the profile settle delay.
func (m *Manager) UpdateProfile(p profile.UserProfile) error {
	var err error
	if e := m.do(func() { err = m.applyProfile(p) }); e != nil {
		return e
	}
	return err
}

// CycleStatus advances the local conversation status and applies it like
// UpdateProfile.
func (m *Manager) CycleStatus() (profile.ConversationStatus, error) {
	var (
		next profile.ConversationStatus
		err  error
	)
	if e := m.do(func() {
		p := m.store.Get()
		p.Status = p.Status.Next()
		next = p.Status
		err = m.applyProfile(p)
	}); e != nil {
		return "", e
	}
	return next, err
}

func (m *Manager) applyProfile(p profile.UserProfile) error {
	prev, err := m.store.Replace(p)
	if err != nil {
		return err
	}
	if prev.Status != p.Status {
		m.logf(levelInfo, "status %s -> %s", prev.Status, p.Status)
	}
	m.saveProfile(p)
	if m.servicesUp && !m.restarting {
		m.discovery.StopAdvertising()
		if err := m.discovery.StartAdvertising(profile.Metadata(p, m.cfg.DeviceToken)); err != nil {
			m.onServiceFailure("advertising", err)
		}
	}
	m.after(m.cfg.ProfileSettle, broadcastNow{})
	m.notes.notify(Notification{Type: NoteProfileChanged, State: m.state})
	return nil
}

func (m *Manager) saveProfile(p profile.UserProfile) {
	if m.persist == nil {
		return
	}
	p.Gestures = profile.Gestures{}
	data, err := profile.Encode(p)
	if err == nil {
		err = m.persist.SaveLocalProfile(data)
	}
	if err != nil {
		m.logf(levelWarn, "save local profile: %v", err)
	}
}

// SetGesture raises or clears a gesture flag on the local profile and
// broadcasts the result when the flag changed.
func (m *Manager) SetGesture(kind profile.GestureKind, on bool) error {
	var err error
	if e := m.do(func() {
		p := m.store.Get()
		if p.Gestures.Has(kind) == on {
			return
		}
		p.Gestures = p.Gestures.With(kind, on)
		if _, err = m.store.Replace(p); err != nil {
			return
		}
		m.logf(levelInfo, "gesture %s set to %t", kind, on)
		m.broadcast()
		m.notes.notify(Notification{Type: NoteProfileChanged, State: m.state})
	}); e != nil {
		return e
	}
	return err
}

// BroadcastProfile sends the local profile to every connected peer now.
func (m *Manager) BroadcastProfile() error {
	return m.do(m.broadcast)
}

// SendProfile sends the local profile to a single connected peer.
func (m *Manager) SendProfile(peerID string) error {
	var err error
	if e := m.do(func() {
		if _, ok := m.connected[peerID]; !ok {
			err = ErrNotConnected
			return
		}
		m.sendTo([]string{peerID})
	}); e != nil {
		return e
	}
	return err
}

// StartServices starts advertising, browsing and the health monitor.
func (m *Manager) StartServices() error {
	return m.do(func() {
		if m.servicesUp {
			return
		}
		m.logf(levelInfo, "starting services")
		m.startServices()
	})
}

// StopServices stops advertising, browsing and the health monitor, and
// cancels any pending restart.
func (m *Manager) StopServices() error {
	return m.do(func() {
		if !m.servicesUp {
			return
		}
		m.logf(levelInfo, "stopping services")
		m.stopServices()
	})
}

// ResetConnection tears the session down and brings it back up after the
// reset delay.
func (m *Manager) ResetConnection() error {
	return m.do(func() {
		m.logf(levelInfo, "resetting session")
		m.stopServices()
		m.transport.Disconnect()
		m.rejectPending()
		clear(m.connected)
		clear(m.connecting)
		clear(m.discovered)
		m.failed = false
		m.updateState()
		m.after(m.cfg.ResetDelay, reinitialize{gen: m.gen})
	})
}

// Snapshot is a consistent view of the manager's state.
type Snapshot struct {
	State       ConnectionState `json:"state"`
	Connected   []string        `json:"connected"`
	Connecting  []string        `json:"connecting"`
	Pending     []Invitation    `json:"pending"`
	AutoAccept  bool            `json:"auto_accept"`
	Advertising bool            `json:"advertising"`
	Restarting  bool            `json:"restarting"`
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		State:       m.state,
		Connected:   m.connectedIDs(),
		Connecting:  slices.Sorted(maps.Keys(m.connecting)),
		Pending:     m.pendingList(),
		AutoAccept:  m.autoAccept,
		Advertising: m.servicesUp && !m.restarting,
		Restarting:  m.restarting,
	}
}

func (m *Manager) State() ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// ConnectedPeers returns the connected peer IDs in sorted order.
func (m *Manager) ConnectedPeers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connectedIDs()
}

// DiscoveredProfiles returns the latest profile received from each
// connected peer.
func (m *Manager) DiscoveredProfiles() map[string]profile.UserProfile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]profile.UserProfile, len(m.discovered))
	for id, p := range m.discovered {
		out[id] = p.Clone()
	}
	return out
}

func (m *Manager) PeerProfile(peerID string) (profile.UserProfile, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.discovered[peerID]
	return p.Clone(), ok
}

// FindCommonInterests returns the local interests that peerID's last
// profile also lists. It is empty when no profile was received.
func (m *Manager) FindCommonInterests(peerID string) []string {
	p, ok := m.PeerProfile(peerID)
	if !ok {
		return nil
	}
	return profile.CommonInterests(m.store.Get().Interests, p.Interests)
}

func (m *Manager) Profile() profile.UserProfile {
	return m.store.Get()
}

func (m *Manager) DeviceToken() string {
	return m.cfg.DeviceToken
}

func (m *Manager) DebugLog() []LogEntry {
	return m.log.Snapshot()
}

func (m *Manager) Subscribe() chan Notification {
	return m.notes.subscribe()
}

func (m *Manager) Unsubscribe(ch chan Notification) {
	m.notes.unsubscribe(ch)
}
