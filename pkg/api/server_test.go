package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/baderanaas/firestbreak/pkg/gesture"
	"github.com/baderanaas/firestbreak/pkg/libp2p"
	"github.com/baderanaas/firestbreak/pkg/profile"
	"github.com/baderanaas/firestbreak/pkg/session"
)

type response struct {
	peer   string
	accept bool
}

type fakeSession struct {
	mu         sync.Mutex
	snap       session.Snapshot
	local      profile.UserProfile
	profiles   map[string]profile.UserProfile
	updated    []profile.UserProfile
	responses  []response
	connects   []string
	autoAccept []bool
	broadcasts int
	resets     int
	err        error
	notes      chan session.Notification
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		snap: session.Snapshot{State: session.Connected, Connected: []string{"peer-a", "peer-b"}},
		local: profile.UserProfile{
			ID: "local-id", Name: "L", Status: profile.StatusAvailable,
			Interests: []string{"Go", "Tea"},
			Gestures:  profile.Gestures{Heart: true},
		},
		profiles: map[string]profile.UserProfile{
			"peer-a": {ID: "a", Name: "A", Status: profile.StatusBusy, Interests: []string{"Tea"}},
		},
		notes: make(chan session.Notification, 4),
	}
}

func (f *fakeSession) Snapshot() session.Snapshot { return f.snap }

func (f *fakeSession) Profile() profile.UserProfile {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.local
}

func (f *fakeSession) DiscoveredProfiles() map[string]profile.UserProfile { return f.profiles }

func (f *fakeSession) FindCommonInterests(peerID string) []string {
	p, ok := f.profiles[peerID]
	if !ok {
		return nil
	}
	return profile.CommonInterests(f.local.Interests, p.Interests)
}

func (f *fakeSession) DebugLog() []session.LogEntry {
	return []session.LogEntry{{Level: "info", Message: "hello"}}
}

func (f *fakeSession) UpdateProfile(p profile.UserProfile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.updated = append(f.updated, p)
	f.local = p
	return nil
}

func (f *fakeSession) BroadcastProfile() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts++
	return f.err
}

func (f *fakeSession) RespondToInvitation(peerID string, accept bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, response{peerID, accept})
	return f.err
}

func (f *fakeSession) ToggleAutoAccept(on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.autoAccept = append(f.autoAccept, on)
	return f.err
}

func (f *fakeSession) ConnectTo(peerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, peerID)
	return f.err
}

func (f *fakeSession) ResetConnection() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return f.err
}

func (f *fakeSession) Subscribe() chan session.Notification { return f.notes }

func (f *fakeSession) Unsubscribe(chan session.Notification) {}

type fakeGestures struct {
	events []gesture.Event
}

func (g *fakeGestures) Handle(ev gesture.Event) error {
	g.events = append(g.events, ev)
	return nil
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGetState(t *testing.T) {
	fs := newFakeSession()
	h := NewHandler(Deps{Session: fs})

	rec := do(t, h, http.MethodGet, "/state", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "connected", got["state"])
	require.Equal(t, []any{"peer-a", "peer-b"}, got["connected"])
	require.Equal(t, "L", got["profile"].(map[string]any)["name"])
}

func TestGetPeers(t *testing.T) {
	fs := newFakeSession()
	h := NewHandler(Deps{Session: fs})

	rec := do(t, h, http.MethodGet, "/peers", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var peers []PeerView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &peers))
	require.Len(t, peers, 2)
	require.Equal(t, "peer-a", peers[0].ID)
	require.NotNil(t, peers[0].Profile)
	require.Equal(t, "A", peers[0].Profile.Name)
	require.Equal(t, []string{"Tea"}, peers[0].CommonInterests)
	require.Nil(t, peers[1].Profile, "no profile received yet")
	require.Empty(t, peers[1].CommonInterests)
}

func TestGetLog(t *testing.T) {
	h := NewHandler(Deps{Session: newFakeSession()})

	rec := do(t, h, http.MethodGet, "/log", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "hello")
}

func TestPutProfileKeepsIdentityAndGestures(t *testing.T) {
	fs := newFakeSession()
	h := NewHandler(Deps{Session: fs})

	rec := do(t, h, http.MethodPut, "/profile", `{"name":"New","status":"Busy","interests":["Chess"]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, fs.updated, 1)
	p := fs.updated[0]
	require.Equal(t, "local-id", p.ID)
	require.Equal(t, "New", p.Name)
	require.Equal(t, profile.StatusBusy, p.Status)
	require.Equal(t, []string{"Chess"}, p.Interests)
	require.True(t, p.Gestures.Heart)
}

func TestPutProfileRejectsBadInput(t *testing.T) {
	fs := newFakeSession()
	h := NewHandler(Deps{Session: fs})

	rec := do(t, h, http.MethodPut, "/profile", `{"status":"asleep"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPut, "/profile", `{not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Empty(t, fs.updated)
}

func TestRespondToInvitation(t *testing.T) {
	fs := newFakeSession()
	h := NewHandler(Deps{Session: fs})

	rec := do(t, h, http.MethodPost, "/invitations/peer-x", `{"accept":true}`)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, h, http.MethodPost, "/invitations/peer-y", `{"accept":false}`)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, h, http.MethodPost, "/invitations/peer-z", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	require.Equal(t, []response{{"peer-x", true}, {"peer-y", false}}, fs.responses)
}

func TestCommands(t *testing.T) {
	fs := newFakeSession()
	h := NewHandler(Deps{Session: fs})

	require.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/broadcast", "").Code)
	require.Equal(t, http.StatusNoContent, do(t, h, http.MethodPost, "/auto-accept", `{"enabled":true}`).Code)
	require.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/connect/peer-q", "").Code)
	require.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/reset", "").Code)

	require.Equal(t, 1, fs.broadcasts)
	require.Equal(t, []bool{true}, fs.autoAccept)
	require.Equal(t, []string{"peer-q"}, fs.connects)
	require.Equal(t, 1, fs.resets)
}

func TestSessionErrorsMapToStatus(t *testing.T) {
	fs := newFakeSession()
	h := NewHandler(Deps{Session: fs})

	fs.err = session.ErrClosed
	require.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodPost, "/broadcast", "").Code)

	fs.err = session.ErrNotConnected
	require.Equal(t, http.StatusConflict, do(t, h, http.MethodPost, "/connect/x", "").Code)
}

func TestGestures(t *testing.T) {
	fs := newFakeSession()
	g := &fakeGestures{}
	h := NewHandler(Deps{Session: fs, Gestures: g})

	rec := do(t, h, http.MethodPost, "/gestures", `{"kind":"thumbs_up","asserted":true}`)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, []gesture.Event{{Kind: profile.GestureThumbsUp, Asserted: true}}, g.events)

	rec = do(t, h, http.MethodPost, "/gestures", `{"kind":"wave","asserted":true}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	h = NewHandler(Deps{Session: fs})
	rec = do(t, h, http.MethodPost, "/gestures", `{"kind":"heart","asserted":true}`)
	require.Equal(t, http.StatusNotImplemented, rec.Code)
}

type fakeNetwork struct {
	peers []libp2p.PeerStatus
}

func (n fakeNetwork) NetworkPeers() []libp2p.PeerStatus { return n.peers }

func TestGetNetwork(t *testing.T) {
	fs := newFakeSession()
	net := fakeNetwork{peers: []libp2p.PeerStatus{
		{ID: "peer-a", Addr: "/ip4/10.0.0.2/tcp/4001", Member: true, Streams: 2},
		{ID: "peer-z", Addr: "/ip4/10.0.0.9/udp/4001/quic-v1", Advert: true},
	}}

	rec := do(t, NewHandler(Deps{Session: fs, Network: net}), http.MethodGet, "/network", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got []libp2p.PeerStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, net.peers, got)

	rec = do(t, NewHandler(Deps{Session: fs, Network: fakeNetwork{}}), http.MethodGet, "/network", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `[]`, rec.Body.String())

	rec = do(t, NewHandler(Deps{Session: fs}), http.MethodGet, "/network", "")
	require.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestForeignOriginForbidden(t *testing.T) {
	fs := newFakeSession()
	h := NewHandler(Deps{Session: fs})

	for _, origin := range []string{"https://evil.example", "null"} {
		req := httptest.NewRequest(http.MethodPost, "/reset", nil)
		req.Header.Set("Origin", origin)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusForbidden, rec.Code, origin)
	}
	require.Zero(t, fs.resets)

	for _, origin := range []string{"http://localhost:5173", "http://127.0.0.1:8080", "http://[::1]:3000"} {
		req := httptest.NewRequest(http.MethodPost, "/reset", nil)
		req.Header.Set("Origin", origin)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusAccepted, rec.Code, origin)
	}
	require.Equal(t, 3, fs.resets)
}

func TestBodyMustBeJSON(t *testing.T) {
	fs := newFakeSession()
	h := NewHandler(Deps{Session: fs})

	req := httptest.NewRequest(http.MethodPost, "/invitations/peer-x", strings.NewReader(`{"accept":true}`))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/invitations/peer-x", strings.NewReader(`{"accept":true}`))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	require.Equal(t, []response{{"peer-x", true}}, fs.responses)
}

func TestEventsRejectsForeignOrigin(t *testing.T) {
	srv := httptest.NewServer(NewHandler(Deps{Session: newFakeSession()}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestEventsWebsocket(t *testing.T) {
	fs := newFakeSession()
	srv := httptest.NewServer(NewHandler(Deps{Session: fs}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	fs.notes <- session.Notification{Type: session.NotePeerConnected, PeerID: "peer-a", State: session.Connected}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var note map[string]any
	require.NoError(t, conn.ReadJSON(&note))
	require.Equal(t, "peer_connected", note["type"])
	require.Equal(t, "peer-a", note["peer_id"])
	require.Equal(t, "connected", note["state"])

	close(fs.notes)
	_, _, err = conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}
