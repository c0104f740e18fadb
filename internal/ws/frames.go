package ws

import (
	"encoding/json"
	"time"

	"github.com/example/fieldsync/internal/types"
)

// Frame types sent to status stream clients.
const (
	FrameStatus       = "status"
	FrameReachability = "reachability"
)

// Frame is one JSON text message on the status stream.
type Frame struct {
	Type   string        `json:"type"`
	Status *types.Status `json:"status,omitempty"`
	Online *bool         `json:"online,omitempty"`
	At     time.Time     `json:"at"`
}

// StatusFrame wraps a ledger status.
func StatusFrame(s types.Status, at time.Time) Frame {
	return Frame{Type: FrameStatus, Status: &s, At: at}
}

// ReachabilityFrame reports a change in remote reachability.
func ReachabilityFrame(online bool, at time.Time) Frame {
	return Frame{Type: FrameReachability, Online: &online, At: at}
}

func encodeFrame(f Frame) ([]byte, error) {
	return json.Marshal(f)
}
