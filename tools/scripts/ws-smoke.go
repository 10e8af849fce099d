// Package main provides a CI-friendly smoke test for devicecap session push.
//
// Against a server running with DEVICECAP_AUTH_DEV_HEADER=true it validates:
//   - login of two devices for one user
//   - handshake + subprotocol selection on /ws
//   - hello -> hello_ack
//   - evicting device A from device B pushes session_revoked to A
//   - the push is followed by close code 4001
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "devicecap/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const maxReadBytes = 1 << 16

type smokeClient struct {
	deviceID string
	conn     *websocket.Conn
	connID   string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		baseURL = flag.String("base", "http://127.0.0.1:8080", "HTTP base URL of the devicecap server")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		userID  = flag.String("user", "", "User id sent as X-User-Id (random when empty)")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	base, err := validateBaseURL(*baseURL)
	if err != nil {
		fatalf("invalid -base: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	if strings.TrimSpace(*userID) == "" {
		*userID = "smoke-" + uuid.NewString()
	}

	root := context.Background()
	devA := uuid.NewString()
	devB := uuid.NewString()

	mustLogin(root, base, *userID, devA, *timeout)
	mustLogin(root, base, *userID, devB, *timeout)

	a := mustConnect(root, base, *origin, *userID, devA, *timeout)
	defer closeWS(a.conn)

	if *verbose {
		fmt.Printf("connected: user=%s device=%s conn=%s\n", *userID, devA, a.connID)
	}

	mustEvict(root, base, *userID, devB, devA, *timeout)

	env := a.mustReadUntilType(root, v1.TypeSessionRevoked, *timeout)
	var p v1.SessionRevokedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal session_revoked payload: %v", err)
	}
	if p.DeviceID != devA {
		fatalf("session_revoked device mismatch: got=%q want=%q", p.DeviceID, devA)
	}
	if p.Status != "evicted" {
		fatalf("session_revoked status: got=%q want=%q", p.Status, "evicted")
	}

	a.mustClosedWith(root, v1.CloseSessionRevoked, *timeout)

	fmt.Printf("OK: user=%s evicted=%s by=%s conn=%s\n", *userID, devA, devB, a.connID)
}

func validateBaseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return nil, errors.New("missing host")
	}
	return u, nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func endpoint(base *url.URL, path string) string {
	u := *base
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String()
}

func wsEndpoint(base *url.URL, deviceID string) string {
	u := *base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"device_id": {deviceID}}.Encode()
	return u.String()
}

func post(parent context.Context, target, userID, callerDevice string, body any, stepTimeout time.Duration, out any) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(mustJSON(body)))
	if err != nil {
		fatalf("build request %s: %v", target, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-Id", userID)
	if callerDevice != "" {
		req.Header.Set("X-Device-Id", callerDevice)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("POST %s: %v", target, err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	if resp.StatusCode != http.StatusOK {
		fatalf("POST %s: status=%d body=%s", target, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			fatalf("decode %s: %v", target, err)
		}
	}
}

func mustLogin(parent context.Context, base *url.URL, userID, deviceID string, stepTimeout time.Duration) {
	var res struct {
		Status string `json:"status"`
	}
	post(parent, endpoint(base, "/sessions/login"), userID, "", map[string]string{"device_id": deviceID}, stepTimeout, &res)
	if res.Status != "ok" {
		fatalf("login %s: status=%q (is the user at the device limit?)", deviceID, res.Status)
	}
}

func mustEvict(parent context.Context, base *url.URL, userID, fromDevice, target string, stepTimeout time.Duration) {
	var res struct {
		OK bool `json:"ok"`
	}
	post(parent, endpoint(base, "/sessions/evict"), userID, fromDevice, map[string]string{"device_id": target}, stepTimeout, &res)
	if !res.OK {
		fatalf("evict %s: ok=false", target)
	}
}

func mustConnect(parent context.Context, base *url.URL, origin, userID, deviceID string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	h.Set("X-User-Id", userID)
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsEndpoint(base, deviceID), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", deviceID, err)
	}
	assertSubprotocol(resp, v1.Subprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		deviceID: deviceID,
		conn:     conn,
		inbox:    make(chan v1.Envelope, 64),
		errCh:    make(chan error, 1),
	}
	c.startReadLoop()

	hello := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeHello,
		ID:   deviceID + "-hello",
		TS:   time.Now().UTC(),
	}
	mustWriteWithTimeout(parent, conn, hello, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout)
	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", deviceID, err)
	}
	if strings.TrimSpace(p.ConnectionID) == "" {
		fatalf("hello_ack missing connection_id (%s)", deviceID)
	}
	if p.DeviceID != deviceID {
		fatalf("hello_ack device mismatch: got=%q want=%q", p.DeviceID, deviceID)
	}
	c.connID = p.ConnectionID
	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.errCh <- err
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.errCh <- fmt.Errorf("bad json: %w", err)
				return
			}
			if err := env.Validate(); err != nil {
				c.errCh <- fmt.Errorf("bad envelope: %w", err)
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.errCh <- errors.New("inbox overflow: consumer too slow")
				return
			}
		}
	}()
}

// mustReadUntilType skips hello_ack duplicates and other envelopes until it
// sees want.
func (c *smokeClient) mustReadUntilType(parent context.Context, want string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %s (%s)", want, c.deviceID)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed waiting for %s (%s): %v", want, c.deviceID, <-c.errCh)
			}
			if env.Type == v1.TypeError {
				fatalf("server error while waiting for %s (%s): %s", want, c.deviceID, string(env.Payload))
			}
			if env.Type == want {
				return env
			}
		}
	}
}

func (c *smokeClient) mustClosedWith(parent context.Context, code websocket.StatusCode, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for close %d (%s)", code, c.deviceID)
		case _, ok := <-c.inbox:
			if ok {
				continue
			}
			err := <-c.errCh
			if got := websocket.CloseStatus(err); got != code {
				fatalf("close code mismatch (%s): got=%d want=%d err=%v", c.deviceID, got, code, err)
			}
			return
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	if err := conn.Write(ctx, websocket.MessageText, mustJSON(env)); err != nil {
		fatalf("write %s: %v", env.Type, err)
	}
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		fatalf("marshal: %v", err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
