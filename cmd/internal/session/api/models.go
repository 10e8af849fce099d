package sessionapi

import (
	"time"

	"devicecap/cmd/internal/session"
)

type sessionInfo struct {
	DeviceID   string    `json:"device_id"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
	Current    bool      `json:"current,omitempty"`
}

type loginResponse struct {
	Status              string        `json:"status"`
	ActiveCount         int           `json:"active_count"`
	Limit               int           `json:"limit"`
	ActiveSessions      []sessionInfo `json:"active_sessions"`
	HeartbeatIntervalMS int64         `json:"heartbeat_interval_ms"`
}

type heartbeatResponse struct {
	Revoked bool   `json:"revoked"`
	Message string `json:"message,omitempty"`
}

type activeCountResponse struct {
	ActiveCount int `json:"active_count"`
}

type activeSessionsResponse struct {
	ActiveSessions []sessionInfo `json:"active_sessions"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

type revokeAllResponse struct {
	EvictedCount int `json:"evicted_count"`
}

type meResponse struct {
	Sub   string `json:"sub"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

func toSessionInfos(rows []session.Row, currentDevice string) []sessionInfo {
	out := make([]sessionInfo, 0, len(rows))
	for _, r := range rows {
		out = append(out, sessionInfo{
			DeviceID:   r.DeviceID,
			CreatedAt:  r.CreatedAt,
			LastSeenAt: r.LastSeenAt,
			Current:    currentDevice != "" && r.DeviceID == currentDevice,
		})
	}
	return out
}

func heartbeatMessage(res session.HeartbeatResult) string {
	switch {
	case res.StillActive():
		return ""
	case res.Status == "":
		return "session missing"
	default:
		return "session revoked"
	}
}
