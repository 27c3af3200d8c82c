package connection

import (
	"encoding/json"
	"strconv"
	"time"
)

// Reserved values of the "type" field for keep-alive traffic.
const (
	FramePing      = "ping"
	FramePong      = "pong"
	FrameHeartbeat = "heartbeat"
)

// frame is the envelope of a payload. Only the reserved fields are read;
// the rest of the object is opaque.
type frame struct {
	Type      string          `json:"type"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"` // Unix milliseconds on control frames
}

// isControl reports whether the frame is keep-alive traffic.
func (f frame) isControl() bool {
	switch f.Type {
	case FramePing, FramePong, FrameHeartbeat:
		return true
	}
	return false
}

// millis returns the timestamp as Unix milliseconds. ok is false when it
// is missing or not a positive number.
func (f frame) millis() (int64, bool) {
	if len(f.Timestamp) == 0 {
		return 0, false
	}
	var v float64
	if err := json.Unmarshal(f.Timestamp, &v); err != nil || v <= 0 {
		return 0, false
	}
	return int64(v), true
}

// parseFrame decodes the envelope of an inbound payload. ok is false for
// anything that is not a JSON object. A "type" that is not a string is
// read as empty.
func parseFrame(data []byte) (frame, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return frame{}, false
	}

	var f frame
	if raw, ok := fields["type"]; ok {
		if err := json.Unmarshal(raw, &f.Type); err != nil {
			f.Type = ""
		}
	}
	f.Timestamp = fields["timestamp"]
	return f, true
}

// pingFrame builds the heartbeat payload sent while open.
func pingFrame(now time.Time) []byte {
	ts := strconv.FormatInt(now.UnixMilli(), 10)
	data, _ := json.Marshal(frame{Type: FramePing, Timestamp: json.RawMessage(ts)})
	return data
}

// pongFrame answers a server ping, echoing its timestamp verbatim.
func pongFrame(ts json.RawMessage) []byte {
	data, _ := json.Marshal(frame{Type: FramePong, Timestamp: ts})
	return data
}
