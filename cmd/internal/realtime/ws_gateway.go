package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"devicecap/cmd/internal/session"
	sessionapi "devicecap/cmd/internal/session/api"
	v1 "devicecap/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	wsDefaultSendQueueSize = 8

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Origin is required by default and only localhost is allowed.
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// GatewayConfig controls the push endpoint.
type GatewayConfig struct {
	DevInsecure    bool
	OriginRequired bool
	AllowedOrigins []string

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	PingInterval time.Duration
	PingTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration

	// HeartbeatInterval is echoed in hello_ack so clients keep polling.
	HeartbeatInterval time.Duration
}

// LoadGatewayConfigFromEnv reads DEVICECAP_WS_* variables over secure defaults.
func LoadGatewayConfigFromEnv() GatewayConfig {
	return GatewayConfig{
		DevInsecure:     envBoolWS("DEVICECAP_WS_DEV_INSECURE", false),
		OriginRequired:  envBoolWS("DEVICECAP_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired),
		AllowedOrigins:  envCSVWS("DEVICECAP_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins),
		WriteTimeout:    envDurationWS("DEVICECAP_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout),
		ReadIdleTimeout: envDurationWS("DEVICECAP_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle),
		SendQueueSize:   envIntWS("DEVICECAP_WS_SEND_QUEUE", wsDefaultSendQueueSize),
		PingInterval:    envDurationWS("DEVICECAP_WS_PING_INTERVAL", pingInterval),
		PingTimeout:     envDurationWS("DEVICECAP_WS_PING_TIMEOUT", pingTimeout),
		RateEvents:      envIntWS("DEVICECAP_WS_RATE_EVENTS", rateLimitEvents),
		RateWindow:      envDurationWS("DEVICECAP_WS_RATE_WINDOW", rateLimitWindow),
	}
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = wsDefaultWriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = wsDefaultReadIdle
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = wsDefaultSendQueueSize
	}
	if c.PingInterval <= 0 {
		c.PingInterval = pingInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = pingTimeout
	}
	return c
}

// WSGateway is the WebSocket entrypoint for session push.
//
// Only a device holding an active session may connect. The connection is
// registered with the Hub and then re-checked, so an eviction that commits
// between the admission check and registration is still delivered.
type WSGateway struct {
	log     *slog.Logger
	hub     *Hub
	auth    sessionapi.Authenticator
	monitor session.Monitor
	cfg     GatewayConfig

	// Derived for websocket.Accept origin checks.
	originPatterns []string
}

// NewWSGateway constructs a gateway.
func NewWSGateway(log *slog.Logger, hub *Hub, auth sessionapi.Authenticator, monitor session.Monitor, cfg GatewayConfig) (*WSGateway, error) {
	if log == nil {
		log = slog.Default()
	}
	if hub == nil || auth == nil || monitor == nil {
		return nil, errors.New("realtime: hub, authenticator and monitor are required")
	}
	cfg = cfg.withDefaults()

	return &WSGateway{
		log:            log,
		hub:            hub,
		auth:           auth,
		monitor:        monitor,
		cfg:            cfg,
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
	}, nil
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS authenticates the caller, checks the device is active, upgrades
// the request, and holds the connection until the session ends or the peer leaves.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	p, err := g.auth.Authenticate(r)
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	deviceID := strings.TrimSpace(r.URL.Query().Get("device_id"))
	if deviceID == "" {
		http.Error(w, "device_id required", http.StatusBadRequest)
		return
	}

	hb, err := g.monitor.Heartbeat(r.Context(), p.UserID, deviceID)
	switch {
	case session.IsInvalidInput(err):
		http.Error(w, "invalid device_id", http.StatusBadRequest)
		return
	case session.IsStoreUnavailable(err):
		w.Header().Set("Retry-After", "1")
		http.Error(w, "session store unavailable", http.StatusServiceUnavailable)
		return
	case err != nil:
		g.log.Error("ws.check.fail", "user_id", p.UserID, "device_id", deviceID, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	case !hb.StillActive():
		g.log.Info("ws.reject.inactive", "user_id", p.UserID, "device_id", deviceID, "status", string(hb.Status))
		http.Error(w, "session not active", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	client := NewClient(NewConnectionID(), p.UserID, deviceID, g.cfg.SendQueueSize)
	g.hub.Register(client)
	defer g.hub.Unregister(client)

	log := g.log.With("conn_id", client.ConnID, "user_id", p.UserID, "device_id", deviceID)

	// Detached from the request so a cancelled upgrade request does not hide
	// an eviction that already committed.
	recheckCtx, recheckCancel := context.WithTimeout(context.WithoutCancel(r.Context()), g.cfg.WriteTimeout)
	hb, err = g.monitor.Heartbeat(recheckCtx, p.UserID, deviceID)
	recheckCancel()
	switch {
	case err != nil:
		log.Warn("ws.recheck.fail", "err", err)
		_ = conn.Close(websocket.StatusTryAgainLater, "session check failed")
		return
	case !hb.StillActive():
		client.offer(revokedEnvelope(deviceID, string(hb.Status), "", time.Time{}))
	default:
		ack, _ := json.Marshal(v1.HelloAckPayload{
			ConnectionID:        client.ConnID,
			DeviceID:            deviceID,
			HeartbeatIntervalMS: g.cfg.HeartbeatInterval.Milliseconds(),
		})
		client.offer(newEnvelope(v1.TypeHelloAck, ack, time.Now().UTC()))
	}

	log.Info("ws.open")
	g.serve(r.Context(), conn, client, log)
	log.Info("ws.close")
}

// serve runs the writer, pinger, and reader until one of them shuts the connection.
func (g *WSGateway) serve(parent context.Context, conn *websocket.Conn, client *Client, log *slog.Logger) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				shutdown(websocket.StatusGoingAway, "dropped")
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
				if env.Type == v1.TypeSessionRevoked {
					shutdown(websocket.StatusCode(v1.CloseSessionRevoked), "session revoked")
					return
				}
			}
		}
	}()

	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)

		t := time.NewTicker(g.cfg.PingInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				pingCtx, pingCancel := context.WithTimeout(ctx, g.cfg.PingTimeout)
				err := conn.Ping(pingCtx)
				pingCancel()

				if err != nil {
					failures++
					log.Info("ws.ping.fail", "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "ping failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
			case readErrBadJSON:
				g.trySendError(client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				log.Info("ws.read.fail", "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
			}
			break readLoop
		}

		if !rl.Allow(time.Now()) {
			g.trySendError(client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}
		if err := env.Validate(); err != nil {
			g.trySendError(client, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeHello:
			ack, _ := json.Marshal(v1.HelloAckPayload{
				ConnectionID:        client.ConnID,
				DeviceID:            client.DeviceID,
				HeartbeatIntervalMS: g.cfg.HeartbeatInterval.Milliseconds(),
			})
			if !client.offer(newEnvelope(v1.TypeHelloAck, ack, time.Now().UTC())) {
				shutdown(websocket.StatusPolicyViolation, "backpressure")
				break readLoop
			}
		default:
			g.trySendError(client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-pingDone:
	case <-time.After(wsCloseGrace):
	}
}

func (g *WSGateway) trySendError(client *Client, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	_ = client.offer(newEnvelope(v1.TypeError, p, time.Now().UTC()))
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewEnvelopeID(ts),
		TS:      ts,
		Payload: payload,
	}
}

type badJSONError struct{ err error }

func (e badJSONError) Error() string { return "bad json: " + e.err.Error() }
func (e badJSONError) Unwrap() error { return e.err }

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, badJSONError{err: err}
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	var bad badJSONError
	if errors.As(err, &bad) {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)
	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		switch {
		case a == "":
			continue
		case a == "*", origin == a:
			return nil
		case originHost != "" && originHost == originHostOnly(a):
			// Host match ignores port and scheme.
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = strings.TrimSpace(u.Host)
		if s == "" {
			return ""
		}
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins keeps websocket.Accept's own
// cross-origin check in agreement with enforceOrigin.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	out := make([]string, 0, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" || slices.Contains(out, h) {
			continue
		}
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}

	var out []string
	for _, p := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
