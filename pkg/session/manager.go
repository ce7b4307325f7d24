package session

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"

	"github.com/baderanaas/firestbreak/pkg/profile"
	"github.com/baderanaas/firestbreak/pkg/storage"
)

var logger = logging.Logger("firestbreak/session")

var (
	ErrClosed       = errors.New("session: manager closed")
	ErrNotConnected = errors.New("session: peer not connected")
)

// Config holds the manager's identity and timings.
type Config struct {
	// DeviceToken is advertised with every announcement and used to
	// ignore our own adverts.
	DeviceToken string
	AutoAccept  bool

	InviteTimeout   time.Duration
	HealthInterval  time.Duration
	RestartCooldown time.Duration
	ConnectSettle   time.Duration
	ProfileSettle   time.Duration
	ResetDelay      time.Duration
}

func DefaultConfig() Config {
	return Config{
		InviteTimeout:   30 * time.Second,
		HealthInterval:  10 * time.Second,
		RestartCooldown: 2 * time.Second,
		ConnectSettle:   500 * time.Millisecond,
		ProfileSettle:   time.Second,
		ResetDelay:      time.Second,
	}
}

// Persistence stores what the manager learns. *storage.DB implements it.
type Persistence interface {
	SaveLocalProfile(encoded []byte) error
	RecordEncounter(e storage.Encounter, at time.Time) error
}

type Option func(*Manager)

func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func WithPersistence(p Persistence) Option {
	return func(m *Manager) { m.persist = p }
}

// Manager coordinates discovery, invitation, profile exchange and health
// monitoring. Every state change happens on a single update loop; the
// exported methods either post work to that loop and wait for it, or read
// a consistent snapshot.
type Manager struct {
	cfg       Config
	store     *profile.Store
	transport Transport
	discovery Discovery
	clock     clock.Clock
	persist   Persistence

	ctx       context.Context
	cancel    context.CancelFunc
	events    chan Event
	closed    chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	log    DebugLog
	notes  notifier
	health *healthMonitor

	// Written only by the update loop, under mu.
	mu         sync.RWMutex
	state      ConnectionState
	failed     bool
	connected  map[string]time.Time
	connecting map[string]struct{}
	discovered map[string]profile.UserProfile
	pending    map[string]*pendingInvitation
	autoAccept bool
	servicesUp bool
	restarting bool
	cooldown   *clock.Timer
	gen        uint64
}

// New creates a manager and starts its update loop. Call Start to bring up
// the transport and discovery services.
func New(cfg Config, store *profile.Store, transport Transport, discovery Discovery, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:        cfg,
		store:      store,
		transport:  transport,
		discovery:  discovery,
		clock:      clock.New(),
		ctx:        ctx,
		cancel:     cancel,
		events:     make(chan Event, 256),
		closed:     make(chan struct{}),
		stopped:    make(chan struct{}),
		connected:  make(map[string]time.Time),
		connecting: make(map[string]struct{}),
		discovered: make(map[string]profile.UserProfile),
		pending:    make(map[string]*pendingInvitation),
		autoAccept: cfg.AutoAccept,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.health = newHealthMonitor(m.clock, cfg.HealthInterval, func() { m.post(healthCheck{}) })
	go m.run()
	return m
}

// Start wires the transport and discovery to the update loop, then starts
// advertising, browsing and the health monitor.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.transport.Start(ctx, m.post); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	if err := m.discovery.Start(ctx, m.post); err != nil {
		return fmt.Errorf("start discovery: %w", err)
	}
	return m.do(func() {
		m.logf(levelInfo, "session started as %q", m.store.Get().Name)
		m.startServices()
	})
}

// Close stops all services and the update loop. Pending invitations are
// rejected. The transport itself is left to its owner.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		_ = m.do(func() {
			m.stopServices()
			m.rejectPending()
		})
		close(m.closed)
		<-m.stopped
		m.cancel()
		m.notes.closeAll()
	})
	return nil
}

func (m *Manager) post(ev Event) {
	select {
	case m.events <- ev:
	case <-m.closed:
	}
}

// do runs fn on the update loop and waits for it to finish.
func (m *Manager) do(fn func()) error {
	done := make(chan struct{})
	select {
	case m.events <- call{fn: fn, done: done}:
	case <-m.closed:
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-m.closed:
		return ErrClosed
	}
}

// after posts ev to the update loop once d has elapsed.
func (m *Manager) after(d time.Duration, ev Event) *clock.Timer {
	if d <= 0 {
		go m.post(ev)
		return nil
	}
	return m.clock.AfterFunc(d, func() { m.post(ev) })
}

func (m *Manager) run() {
	defer close(m.stopped)
	for {
		select {
		case <-m.closed:
			return
		case ev := <-m.events:
			m.mu.Lock()
			m.handle(ev)
			m.mu.Unlock()
		}
	}
}

func (m *Manager) handle(ev Event) {
	switch ev := ev.(type) {
	case call:
		ev.fn()
		close(ev.done)
	case PeerFound:
		m.onPeerFound(ev)
	case PeerLost:
		m.logf(levelDebug, "peer %s stopped advertising", shortID(ev.PeerID))
	case PeerConnecting:
		if _, ok := m.connected[ev.PeerID]; !ok {
			m.connecting[ev.PeerID] = struct{}{}
			m.logf(levelInfo, "connecting to %s", shortID(ev.PeerID))
			m.updateState()
		}
	case PeerConnected:
		m.onConnected(ev.PeerID)
	case PeerDisconnected:
		m.onDisconnected(ev.PeerID)
	case InvitationReceived:
		m.onInvitation(ev)
	case PayloadReceived:
		m.onPayload(ev)
	case AdvertiseFailed:
		m.onServiceFailure("advertising", ev.Err)
	case BrowseFailed:
		m.onServiceFailure("browsing", ev.Err)
	case inviteFailed:
		if _, ok := m.connecting[ev.peerID]; ok {
			delete(m.connecting, ev.peerID)
			m.logf(levelWarn, "invitation to %s failed: %v", shortID(ev.peerID), ev.err)
			m.updateState()
		}
	case healthCheck:
		m.checkHealth()
	case restartServices:
		if ev.gen != m.gen || !m.servicesUp {
			return
		}
		m.restarting = false
		m.cooldown = nil
		m.logf(levelInfo, "restarting advertising and browsing")
		m.startDiscovery()
	case reinitialize:
		if ev.gen != m.gen {
			return
		}
		go func() {
			err := m.transport.Reinitialize(m.ctx)
			m.post(reinitialized{gen: ev.gen, err: err})
		}()
	case reinitialized:
		if ev.gen != m.gen {
			return
		}
		m.startServices()
		if ev.err != nil {
			m.logf(levelError, "session reinitialization failed: %v", ev.err)
			m.failed = true
			m.updateState()
			return
		}
		m.logf(levelInfo, "session reinitialized")
	case sendProfile:
		if _, ok := m.connected[ev.peerID]; ok {
			m.sendTo([]string{ev.peerID})
		}
	case broadcastNow:
		m.broadcast()
	}
}

func (m *Manager) onConnected(id string) {
	delete(m.connecting, id)
	if _, ok := m.connected[id]; ok {
		return
	}
	m.connected[id] = m.clock.Now()
	m.logf(levelInfo, "peer %s connected", shortID(id))
	m.after(m.cfg.ConnectSettle, sendProfile{peerID: id})
	m.updateState()
	m.notes.notify(Notification{Type: NotePeerConnected, PeerID: id, State: m.state})
}

func (m *Manager) onDisconnected(id string) {
	_, was := m.connected[id]
	delete(m.connected, id)
	delete(m.connecting, id)
	delete(m.discovered, id)
	if was {
		m.logf(levelInfo, "peer %s disconnected", shortID(id))
	}
	m.updateState()
	if was {
		m.notes.notify(Notification{Type: NotePeerDisconnected, PeerID: id, State: m.state})
	}
}

func (m *Manager) onPayload(ev PayloadReceived) {
	if _, ok := m.connected[ev.PeerID]; !ok {
		m.logf(levelWarn, "dropping payload from %s: not connected", shortID(ev.PeerID))
		return
	}
	p, err := profile.Decode(ev.Data)
	if err != nil {
		m.logf(levelWarn, "dropping payload from %s: %v [%s]", shortID(ev.PeerID), err, profile.Preview(ev.Data))
		return
	}
	m.discovered[ev.PeerID] = p
	common := profile.CommonInterests(m.store.Get().Interests, p.Interests)
	m.logf(levelInfo, "profile from %s: %s (%s), common interests %v", shortID(ev.PeerID), p.Name, p.Status, common)
	m.notes.notify(Notification{Type: NoteProfileReceived, PeerID: ev.PeerID, State: m.state})

	if m.persist == nil {
		return
	}
	enc := storage.Encounter{
		PeerID:    ev.PeerID,
		ProfileID: p.ID,
		Name:      p.Name,
		Status:    string(p.Status),
		Common:    common,
	}
	at := m.clock.Now()
	go func() {
		if err := m.persist.RecordEncounter(enc, at); err != nil {
			logger.Warnf("record encounter with %s: %v", enc.PeerID, err)
		}
	}()
}

func (m *Manager) onServiceFailure(what string, err error) {
	m.failed = true
	m.logf(levelError, "%s failed: %v", what, err)
	m.updateState()
}

func (m *Manager) updateState() {
	next := NotConnected
	switch {
	case len(m.connected) > 0:
		next = Connected
	case m.failed:
		next = Error
	case len(m.connecting) > 0:
		next = Connecting
	}
	if next == m.state {
		return
	}
	m.logf(levelDebug, "state %s -> %s", m.state, next)
	m.state = next
	m.notes.notify(Notification{Type: NoteState, State: next})
}

func (m *Manager) startServices() {
	m.servicesUp = true
	m.startDiscovery()
	m.health.Start()
}

func (m *Manager) stopServices() {
	m.servicesUp = false
	m.health.Stop()
	m.cancelCooldown()
	m.stopDiscovery()
}

func (m *Manager) startDiscovery() {
	m.failed = false
	meta := profile.Metadata(m.store.Get(), m.cfg.DeviceToken)
	if err := m.discovery.StartAdvertising(meta); err != nil {
		m.onServiceFailure("advertising", err)
	}
	if err := m.discovery.StartBrowsing(); err != nil {
		m.onServiceFailure("browsing", err)
	}
	m.updateState()
}

func (m *Manager) stopDiscovery() {
	m.discovery.StopAdvertising()
	m.discovery.StopBrowsing()
}

// cancelCooldown drops any scheduled restart and invalidates timers that
// already fired but have not been handled yet.
func (m *Manager) cancelCooldown() {
	if m.cooldown != nil {
		m.cooldown.Stop()
		m.cooldown = nil
	}
	m.restarting = false
	m.gen++
}

func (m *Manager) checkHealth() {
	if !m.servicesUp || m.restarting || len(m.connected) > 0 {
		return
	}
	m.restarting = true
	m.cooldown = m.after(m.cfg.RestartCooldown, restartServices{gen: m.gen})
	m.logf(levelInfo, "no connected peers, restarting discovery in %s", m.cfg.RestartCooldown)
	m.stopDiscovery()
}

func (m *Manager) broadcast() {
	if len(m.connected) == 0 {
		m.logf(levelInfo, "no connected peers, profile not sent")
		return
	}
	m.sendTo(m.connectedIDs())
}

// sendTo encodes the local profile and sends it to peers in the
// background. Failures are logged per peer.
func (m *Manager) sendTo(peers []string) {
	data, err := profile.Encode(m.store.Get())
	if err != nil {
		m.logf(levelError, "encode profile: %v", err)
		return
	}
	go func() {
		var g errgroup.Group
		for _, id := range peers {
			g.Go(func() error {
				if err := m.transport.Send(m.ctx, id, data); err != nil {
					m.logf(levelWarn, "send profile to %s: %v", shortID(id), err)
					return err
				}
				m.logf(levelDebug, "sent profile to %s (%d bytes)", shortID(id), len(data))
				return nil
			})
		}
		_ = g.Wait()
	}()
}

func (m *Manager) connectedIDs() []string {
	return slices.Sorted(maps.Keys(m.connected))
}
