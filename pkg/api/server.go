// Package api serves the local HTTP control surface a UI binds to.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	logging "github.com/ipfs/go-log/v2"

	"github.com/baderanaas/firestbreak/pkg/gesture"
	"github.com/baderanaas/firestbreak/pkg/libp2p"
	"github.com/baderanaas/firestbreak/pkg/profile"
	"github.com/baderanaas/firestbreak/pkg/session"
)

var logger = logging.Logger("firestbreak/api")

const maxBodySize = 4 << 20 // avatars travel inline

// Controller is the part of session.Manager the API drives.
type Controller interface {
	Snapshot() session.Snapshot
	Profile() profile.UserProfile
	DiscoveredProfiles() map[string]profile.UserProfile
	FindCommonInterests(peerID string) []string
	DebugLog() []session.LogEntry
	UpdateProfile(p profile.UserProfile) error
	BroadcastProfile() error
	RespondToInvitation(peerID string, accept bool) error
	ToggleAutoAccept(on bool) error
	ConnectTo(peerID string) error
	ResetConnection() error
	Subscribe() chan session.Notification
	Unsubscribe(ch chan session.Notification)
}

// GestureHandler receives gesture events posted to /gestures.
type GestureHandler interface {
	Handle(ev gesture.Event) error
}

// NetworkLister reports the host-level connections behind the session.
type NetworkLister interface {
	NetworkPeers() []libp2p.PeerStatus
}

type Deps struct {
	Session  Controller
	Gestures GestureHandler
	Network  NetworkLister
}

// PeerView is a connected peer as reported by GET /peers.
type PeerView struct {
	ID              string               `json:"id"`
	Profile         *profile.UserProfile `json:"profile,omitempty"`
	CommonInterests []string             `json:"common_interests"`
}

type stateResponse struct {
	session.Snapshot
	Profile profile.UserProfile `json:"profile"`
}

func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(localOrigin)

	r.Get("/state", handleState(deps))
	r.Get("/peers", handlePeers(deps))
	r.Get("/log", handleLog(deps))
	r.Get("/network", handleNetwork(deps))
	r.Put("/profile", handlePutProfile(deps))
	r.Post("/broadcast", handleBroadcast(deps))
	r.Post("/invitations/{peer}", handleRespond(deps))
	r.Post("/auto-accept", handleAutoAccept(deps))
	r.Post("/connect/{peer}", handleConnect(deps))
	r.Post("/reset", handleReset(deps))
	r.Post("/gestures", handleGesture(deps))
	r.Get("/events", handleEvents(deps))

	return r
}

// Serve runs the handler on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Infof("control API listening on %s", addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("control API: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func handleState(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, stateResponse{
			Snapshot: deps.Session.Snapshot(),
			Profile:  deps.Session.Profile(),
		})
	}
}

func handlePeers(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := deps.Session.Snapshot()
		profiles := deps.Session.DiscoveredProfiles()
		peers := make([]PeerView, 0, len(snap.Connected))
		for _, id := range snap.Connected {
			v := PeerView{ID: id, CommonInterests: []string{}}
			if p, ok := profiles[id]; ok {
				v.Profile = &p
				if common := deps.Session.FindCommonInterests(id); common != nil {
					v.CommonInterests = common
				}
			}
			peers = append(peers, v)
		}
		writeJSON(w, http.StatusOK, peers)
	}
}

func handleLog(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Session.DebugLog())
	}
}

func handleNetwork(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Network == nil {
			httpError(w, http.StatusNotImplemented, "network view is not available")
			return
		}
		peers := deps.Network.NetworkPeers()
		if peers == nil {
			peers = []libp2p.PeerStatus{}
		}
		writeJSON(w, http.StatusOK, peers)
	}
}

func handlePutProfile(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p profile.UserProfile
		if !decodeBody(w, r, &p) {
			return
		}
		current := deps.Session.Profile()
		if p.ID == "" {
			p.ID = current.ID
		}
		if p.Status == "" {
			p.Status = current.Status
		}
		if !p.Status.Valid() {
			httpError(w, http.StatusBadRequest, "invalid status %q", p.Status)
			return
		}
		// gesture flags are owned by the gesture layer
		p.Gestures = current.Gestures

		if err := deps.Session.UpdateProfile(p); err != nil {
			sessionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, deps.Session.Profile())
	}
}

func handleBroadcast(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Session.BroadcastProfile(); err != nil {
			sessionError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func handleRespond(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Accept *bool `json:"accept"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Accept == nil {
			httpError(w, http.StatusBadRequest, "accept is required")
			return
		}
		if err := deps.Session.RespondToInvitation(chi.URLParam(r, "peer"), *req.Accept); err != nil {
			sessionError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleAutoAccept(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Enabled *bool `json:"enabled"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Enabled == nil {
			httpError(w, http.StatusBadRequest, "enabled is required")
			return
		}
		if err := deps.Session.ToggleAutoAccept(*req.Enabled); err != nil {
			sessionError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleConnect(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Session.ConnectTo(chi.URLParam(r, "peer")); err != nil {
			sessionError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func handleReset(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Session.ResetConnection(); err != nil {
			sessionError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func handleGesture(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Gestures == nil {
			httpError(w, http.StatusNotImplemented, "gestures are not enabled")
			return
		}
		var ev gesture.Event
		if !decodeBody(w, r, &ev) {
			return
		}
		if _, err := profile.ParseGesture(string(ev.Kind)); err != nil {
			httpError(w, http.StatusBadRequest, "%v", err)
			return
		}
		if err := deps.Gestures.Handle(ev); err != nil {
			sessionError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// localOrigin turns away browser requests made by pages that are not
// served from this machine. Requests without an Origin come from local tools.
func localOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !loopbackOrigin(r) {
			httpError(w, http.StatusForbidden, "origin %q is not allowed", r.Header.Get("Origin"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loopbackOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mt != "application/json" {
		httpError(w, http.StatusUnsupportedMediaType, "content type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return false
	}
	return true
}

func sessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, profile.ErrMissingID):
		httpError(w, http.StatusBadRequest, "%v", err)
	case errors.Is(err, session.ErrNotConnected):
		httpError(w, http.StatusConflict, "%v", err)
	case errors.Is(err, session.ErrClosed):
		httpError(w, http.StatusServiceUnavailable, "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "%v", err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debugf("write response: %v", err)
	}
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"code":    code,
		},
	})
}
