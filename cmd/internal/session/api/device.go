package sessionapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

var errBadBody = errors.New("malformed request body")

// deviceRequest is the optional JSON body of device-scoped routes.
type deviceRequest struct {
	DeviceID string `json:"device_id"`
}

// deviceIDFromRequest resolves the device id from, in order, the device_id
// query parameter, the JSON body ({"device_id": "..."} or a bare JSON
// string), and the X-Device-Id header. An empty result is not an error here.
func deviceIDFromRequest(w http.ResponseWriter, r *http.Request, maxBytes int64) (string, error) {
	if v := strings.TrimSpace(r.URL.Query().Get("device_id")); v != "" {
		return v, nil
	}

	var raw json.RawMessage
	ok, err := decodeOptionalJSON(w, r, maxBytes, &raw)
	if err != nil {
		return "", errBadBody
	}
	if ok {
		raw = bytes.TrimSpace(raw)
		switch {
		case len(raw) > 0 && raw[0] == '"':
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return "", errBadBody
			}
			if s = strings.TrimSpace(s); s != "" {
				return s, nil
			}
		case len(raw) > 0 && raw[0] == '{':
			var req deviceRequest
			dec := json.NewDecoder(bytes.NewReader(raw))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&req); err != nil {
				return "", errBadBody
			}
			if s := strings.TrimSpace(req.DeviceID); s != "" {
				return s, nil
			}
		case string(raw) == "null":
		default:
			return "", errBadBody
		}
	}

	return strings.TrimSpace(r.Header.Get("X-Device-Id")), nil
}
