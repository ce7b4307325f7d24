package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/baderanaas/firestbreak/pkg/profile"
	"github.com/baderanaas/firestbreak/pkg/storage"
)

type sentPayload struct {
	peerID string
	data   []byte
}

type fakeTransport struct {
	mu          sync.Mutex
	sink        Sink
	inviteErr   error
	invites     []string
	sends       []sentPayload
	disconnects int
	reinits     int
}

func (f *fakeTransport) Start(_ context.Context, sink Sink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sink = sink
	return nil
}

func (f *fakeTransport) Invite(_ context.Context, peerID string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invites = append(f.invites, peerID)
	return f.inviteErr
}

func (f *fakeTransport) Send(_ context.Context, peerID string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, sentPayload{peerID: peerID, data: payload})
	return nil
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
}

func (f *fakeTransport) Reinitialize(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reinits++
	return nil
}

func (f *fakeTransport) emit(ev Event) {
	f.mu.Lock()
	sink := f.sink
	f.mu.Unlock()
	sink(ev)
}

func (f *fakeTransport) invited() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.invites...)
}

func (f *fakeTransport) sent() []sentPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentPayload(nil), f.sends...)
}

func (f *fakeTransport) counts() (disconnects, reinits int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects, f.reinits
}

type fakeDiscovery struct {
	mu           sync.Mutex
	sink         Sink
	advErr       error
	meta         map[string]string
	advStarts    int
	advStops     int
	browseStarts int
	browseStops  int
}

func (f *fakeDiscovery) Start(_ context.Context, sink Sink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sink = sink
	return nil
}

func (f *fakeDiscovery) StartAdvertising(meta map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advStarts++
	f.meta = meta
	return f.advErr
}

func (f *fakeDiscovery) StopAdvertising() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advStops++
}

func (f *fakeDiscovery) StartBrowsing() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.browseStarts++
	return nil
}

func (f *fakeDiscovery) StopBrowsing() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.browseStops++
}

type discoveryCounts struct {
	advStarts, advStops, browseStarts, browseStops int
}

func (f *fakeDiscovery) counts() discoveryCounts {
	f.mu.Lock()
	defer f.mu.Unlock()
	return discoveryCounts{f.advStarts, f.advStops, f.browseStarts, f.browseStops}
}

func (f *fakeDiscovery) metadata() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.meta
}

func (f *fakeDiscovery) emit(ev Event) {
	f.mu.Lock()
	sink := f.sink
	f.mu.Unlock()
	sink(ev)
}

type fakePersistence struct {
	mu         sync.Mutex
	saved      [][]byte
	encounters []storage.Encounter
}

func (f *fakePersistence) SaveLocalProfile(encoded []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, encoded)
	return nil
}

func (f *fakePersistence) RecordEncounter(e storage.Encounter, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.encounters = append(f.encounters, e)
	return nil
}

func (f *fakePersistence) snapshot() ([][]byte, []storage.Encounter) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.saved...), append([]storage.Encounter(nil), f.encounters...)
}

// recorder captures the answers given to an inbound invitation.
type recorder struct {
	mu      sync.Mutex
	answers []bool
}

func (r *recorder) respond(accept bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.answers = append(r.answers, accept)
}

func (r *recorder) got() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.answers...)
}

const localToken = "local-token"

type harness struct {
	t       *testing.T
	m       *Manager
	tr      *fakeTransport
	disc    *fakeDiscovery
	persist *fakePersistence
	clk     *clock.Mock
	local   profile.UserProfile
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DeviceToken = localToken
	for _, fn := range mutate {
		fn(&cfg)
	}
	h := &harness{
		t:       t,
		tr:      &fakeTransport{},
		disc:    &fakeDiscovery{},
		persist: &fakePersistence{},
		clk:     clock.NewMock(),
		local: profile.UserProfile{
			ID:        "local-id",
			Name:      "L",
			Status:    profile.StatusAvailable,
			Interests: []string{"Go", "Tea", "Chess"},
		},
	}
	h.m = New(cfg, profile.NewStore(h.local), h.tr, h.disc, WithClock(h.clk), WithPersistence(h.persist))
	require.NoError(t, h.m.Start(context.Background()))
	t.Cleanup(func() { h.m.Close() })
	return h
}

// sync waits until every event posted so far has been applied.
func (h *harness) sync() {
	h.t.Helper()
	require.NoError(h.t, h.m.do(func() {}))
}

func (h *harness) emit(ev Event) {
	h.tr.emit(ev)
	h.sync()
}

func (h *harness) found(id string, status profile.ConversationStatus, token string) {
	h.disc.emit(PeerFound{PeerID: id, Metadata: map[string]string{
		profile.MetaStatus:      string(status),
		profile.MetaName:        "peer-" + id,
		profile.MetaDeviceToken: token,
	}})
	h.sync()
}

func (h *harness) connect(ids ...string) {
	for _, id := range ids {
		h.tr.emit(PeerConnected{PeerID: id})
	}
	h.sync()
}

func (h *harness) advance(d time.Duration) {
	h.clk.Add(d)
}

func (h *harness) eventually(cond func() bool, msg string) {
	h.t.Helper()
	require.Eventually(h.t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func encodeProfile(t *testing.T, p profile.UserProfile) []byte {
	t.Helper()
	data, err := profile.Encode(p)
	require.NoError(t, err)
	return data
}
