// Package sessionapi exposes the device-session protocol over HTTP.
package sessionapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"devicecap/cmd/internal/session"
)

// Sessions is the subset of the session service the gateway drives.
type Sessions interface {
	session.Admitter
	session.Evictor
	session.Monitor
}

// Handler wires HTTP routes to the session service.
type Handler struct {
	log *slog.Logger
	cfg Config

	auth     Authenticator
	sessions Sessions

	heartbeatInterval time.Duration
}

// HandlerOption configures optional handler behavior.
type HandlerOption func(*Handler)

// WithHeartbeatInterval sets the interval advertised to devices at login.
func WithHeartbeatInterval(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d > 0 {
			h.heartbeatInterval = d
		}
	}
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, cfg Config, auth Authenticator, sessions Sessions, opts ...HandlerOption) (*Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	if auth == nil {
		return nil, errors.New("sessionapi: nil authenticator")
	}
	if sessions == nil {
		return nil, errors.New("sessionapi: nil session service")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 4 << 10
	}

	h := &Handler{
		log:               log,
		cfg:               cfg,
		auth:              auth,
		sessions:          sessions,
		heartbeatInterval: session.DefaultConfig().HeartbeatInterval,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(h)
	}
	return h, nil
}

// Register wires routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("/sessions/login", h.handleLogin)
	mux.HandleFunc("/sessions/heartbeat", h.handleHeartbeat)
	mux.HandleFunc("/sessions/active", h.handleActiveCount)
	mux.HandleFunc("/sessions", h.handleList)
	mux.HandleFunc("/sessions/evict", h.handleEvict)
	mux.HandleFunc("/sessions/revoke_all", h.handleRevokeAll)
	mux.HandleFunc("/sessions/logout", h.handleLogout)
	mux.HandleFunc("/me", h.handleMe)
}

func (h *Handler) requireAuth(w http.ResponseWriter, r *http.Request) (Principal, bool) {
	if p, ok := PrincipalFrom(r.Context()); ok {
		return p, true
	}
	p, err := h.auth.Authenticate(r)
	if err != nil {
		h.log.Info("http.auth.fail", "path", r.URL.Path, "err", err)
		w.Header().Set("WWW-Authenticate", `Bearer realm="devicecap"`)
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
		return Principal{}, false
	}
	return p, true
}

// requireDevice resolves the device id or writes a 400.
func (h *Handler) requireDevice(w http.ResponseWriter, r *http.Request) (string, bool) {
	deviceID, err := deviceIDFromRequest(w, r, h.cfg.MaxBodyBytes)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return "", false
	}
	if deviceID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "device_id required")
		return "", false
	}
	return deviceID, true
}

// writeServiceError maps session errors to responses.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, event string, err error) {
	switch {
	case session.IsInvalidInput(err):
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid user or device id")
	case session.IsStoreUnavailable(err):
		h.log.Warn(event+".unavailable", "path", r.URL.Path, "err", err)
		secs := int(h.cfg.RetryAfter.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "session store unavailable, retry")
	default:
		h.log.Error(event+".fail", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	deviceID, ok := h.requireDevice(w, r)
	if !ok {
		return
	}

	res, err := h.sessions.Login(r.Context(), p.UserID, deviceID)
	if err != nil {
		h.writeServiceError(w, r, "sessions.login", err)
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Status:              res.Outcome.String(),
		ActiveCount:         res.ActiveCount,
		Limit:               res.Limit,
		ActiveSessions:      toSessionInfos(res.ActiveSessions, deviceID),
		HeartbeatIntervalMS: h.heartbeatInterval.Milliseconds(),
	})
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	deviceID, err := deviceIDFromRequest(w, r, h.cfg.MaxBodyBytes)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if deviceID == "" {
		writeJSON(w, http.StatusOK, heartbeatResponse{Revoked: true, Message: "device_id missing"})
		return
	}

	res, err := h.sessions.Heartbeat(r.Context(), p.UserID, deviceID)
	if err != nil {
		h.writeServiceError(w, r, "sessions.heartbeat", err)
		return
	}
	writeJSON(w, http.StatusOK, heartbeatResponse{
		Revoked: !res.StillActive(),
		Message: heartbeatMessage(res),
	})
}

func (h *Handler) handleActiveCount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	n, err := h.sessions.ActiveCount(r.Context(), p.UserID)
	if err != nil {
		h.writeServiceError(w, r, "sessions.active", err)
		return
	}
	writeJSON(w, http.StatusOK, activeCountResponse{ActiveCount: n})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	rows, err := h.sessions.ListActive(r.Context(), p.UserID)
	if err != nil {
		h.writeServiceError(w, r, "sessions.list", err)
		return
	}
	writeJSON(w, http.StatusOK, activeSessionsResponse{
		ActiveSessions: toSessionInfos(rows, r.Header.Get("X-Device-Id")),
	})
}

func (h *Handler) handleEvict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	deviceID, ok := h.requireDevice(w, r)
	if !ok {
		return
	}

	res, err := h.sessions.Evict(r.Context(), p.UserID, deviceID)
	if err != nil {
		h.writeServiceError(w, r, "sessions.evict", err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: res.Outcome == session.EvictOutcomeEvicted})
}

func (h *Handler) handleRevokeAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	n, err := h.sessions.RevokeAll(r.Context(), p.UserID)
	if err != nil {
		h.writeServiceError(w, r, "sessions.revoke_all", err)
		return
	}
	writeJSON(w, http.StatusOK, revokeAllResponse{EvictedCount: n})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	deviceID, err := deviceIDFromRequest(w, r, h.cfg.MaxBodyBytes)
	if err != nil || deviceID == "" {
		// Nothing to revoke; signing out is still successful for the caller.
		writeJSON(w, http.StatusOK, okResponse{OK: true})
		return
	}

	if err := h.sessions.Logout(r.Context(), p.UserID, deviceID); err != nil {
		h.writeServiceError(w, r, "sessions.logout", err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, meResponse{Sub: p.UserID, Name: p.Name, Email: p.Email})
}
