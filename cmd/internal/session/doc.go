// Package session implements concurrent device-session admission.
//
// Every (user, device) pair owns at most one session row. A user may hold at
// most N active sessions at a time; a login that would exceed the cap is
// answered with the list of currently active devices so the caller can pick
// one to evict. Evicted and revoked sessions are terminal and are never
// reactivated, so a device that was signed out cannot slip back in with a
// retried login.
//
// All state changes for one user run inside a single Store.Update unit, which
// is serialized per user and never across users. Devices discover a forced
// sign-out by polling Heartbeat (see Watch) or, when wired, through a Notifier
// that pushes the event after commit.
//
// Transport (HTTP/WS) lives in session/api and realtime.
package session
